package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"signal-engine/internal/events"
	"signal-engine/internal/signal"
	"signal-engine/internal/vault"
	"signal-engine/pkg/db"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleSignal is the webhook intake: parse, validate, gate, persist,
// enqueue. The alert source gets a 202 with the signal id or a 4xx with a
// machine-readable rejection reason; execution happens asynchronously.
func (s *Server) handleSignal(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"reason": signal.ReasonMalformed, "detail": "unreadable body"})
		return
	}

	var p signal.Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		s.rejectSignal(c, http.StatusBadRequest, signal.Rejection{
			Reason: signal.ReasonMalformed, Detail: "invalid json",
		}, p, string(raw))
		return
	}
	if err := s.payload.Struct(p); err != nil {
		s.rejectSignal(c, http.StatusBadRequest, signal.Rejection{
			Reason: signal.ReasonMalformed, Detail: err.Error(),
		}, p, string(raw))
		return
	}

	sig, rejection := s.validator.Validate(p, string(raw))
	if rejection != nil {
		s.rejectSignal(c, rejectionStatus(rejection.Reason), *rejection, p, string(raw))
		return
	}

	// Open directives pass through the market regime gate; closes and
	// confirms always go through so users are never trapped in a position.
	if sig.Directive.IsOpen() {
		snap := s.gate.Current(c.Request.Context())
		if !snap.Allows(sig.Directive.Long()) {
			s.rejectSignal(c, http.StatusConflict, signal.Rejection{
				Reason: signal.ReasonRegimeBlocked,
				Detail: regimeDetail(sig.Directive.Long(), snap.SentimentIndex),
			}, p, string(raw))
			return
		}
	}

	sig.ID = uuid.NewString()
	if err := s.db.CreateSignal(c.Request.Context(), db.Signal{
		ID:         sig.ID,
		Symbol:     sig.Symbol,
		Directive:  string(sig.Directive),
		Price:      sig.Price,
		Timeframe:  sig.Timeframe,
		SourceTS:   sig.SourceTS,
		RawPayload: sig.RawPayload,
		Status:     "VALIDATED",
	}); err != nil {
		s.log.Error().Err(err).Msg("persist signal")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}

	if !s.orch.Enqueue(sig) {
		s.log.Warn().Str("signal_id", sig.ID).Msg("signal queue full, shedding")
		if err := s.db.UpdateSignalStatus(c.Request.Context(), sig.ID, "REJECTED", "QUEUE_FULL"); err != nil {
			s.log.Error().Err(err).Msg("update signal status")
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"reason": "QUEUE_FULL"})
		return
	}

	s.bus.Publish(events.EventSignalAccepted, map[string]any{
		"signal_id": sig.ID, "symbol": sig.Symbol, "directive": string(sig.Directive),
	})
	c.JSON(http.StatusAccepted, gin.H{"signal_id": sig.ID, "status": "accepted"})
}

// rejectSignal records the refused alert for audit and answers the caller.
func (s *Server) rejectSignal(c *gin.Context, status int, rej signal.Rejection, p signal.Payload, raw string) {
	row := db.Signal{
		ID:           uuid.NewString(),
		Symbol:       p.Symbol,
		Directive:    p.Directive,
		Price:        p.Price,
		Timeframe:    p.Timeframe,
		RawPayload:   raw,
		Status:       "REJECTED",
		RejectReason: string(rej.Reason),
	}
	if p.SourceTimestamp > 0 {
		row.SourceTS = time.UnixMilli(p.SourceTimestamp)
	}
	if err := s.db.CreateSignal(c.Request.Context(), row); err != nil {
		s.log.Error().Err(err).Msg("persist rejected signal")
	}
	s.bus.Publish(events.EventSignalRejected, map[string]any{
		"signal_id": row.ID, "reason": string(rej.Reason), "detail": rej.Detail,
	})
	c.JSON(status, gin.H{"reason": rej.Reason, "detail": rej.Detail})
}

func rejectionStatus(reason signal.RejectReason) int {
	switch reason {
	case signal.ReasonStale:
		return http.StatusUnprocessableEntity
	case signal.ReasonDuplicate:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func regimeDetail(long bool, sentiment int) string {
	if long {
		return "longs blocked: sentiment " + strconv.Itoa(sentiment) + " above greed threshold"
	}
	return "shorts blocked: sentiment " + strconv.Itoa(sentiment) + " below fear threshold"
}

func (s *Server) handleRegime(c *gin.Context) {
	snap := s.gate.Current(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"sentiment_index": snap.SentimentIndex,
		"breadth_pct":     snap.BreadthPct,
		"long_allowed":    snap.LongAllowed,
		"short_allowed":   snap.ShortAllowed,
		"degraded":        snap.Degraded,
		"breadth_source":  snap.BreadthSource,
		"computed_at":     snap.ComputedAt,
	})
}

func (s *Server) handleListSignals(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	rows, err := s.db.ListSignals(c.Request.Context(), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("list signals")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"signals": rows})
}

func (s *Server) handleGetSignal(c *gin.Context) {
	sig, err := s.db.GetSignal(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "signal not found"})
			return
		}
		s.log.Error().Err(err).Msg("get signal")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}
	orders, err := s.db.GetOrdersBySignal(c.Request.Context(), sig.ID)
	if err != nil {
		s.log.Error().Err(err).Msg("get signal orders")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"signal": sig, "orders": orders})
}

func (s *Server) handleListOrders(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	rows, err := s.db.ListOrders(c.Request.Context(), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("list orders")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": rows})
}

func (s *Server) handleUserOrders(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	rows, err := s.db.GetOrdersByUser(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("list user orders")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": rows})
}

type credentialRequest struct {
	Exchange    string `json:"exchange" binding:"required"`
	Environment string `json:"environment"`
	APIKey      string `json:"api_key" binding:"required"`
	APISecret   string `json:"api_secret" binding:"required"`
}

func (s *Server) handlePutCredential(c *gin.Context) {
	var req credentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := s.vault.Put(c.Request.Context(), vault.Credential{
		UserID:      c.Param("id"),
		Exchange:    req.Exchange,
		Environment: req.Environment,
		APIKey:      req.APIKey,
		APISecret:   req.APISecret,
	})
	if err != nil {
		if errors.Is(err, vault.ErrPlaceholder) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "credential value looks like a placeholder"})
			return
		}
		s.log.Error().Err(err).Msg("store credential")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stored"})
}

type riskProfileRequest struct {
	BalanceFraction        float64 `json:"balance_fraction"`
	Leverage               float64 `json:"leverage"`
	TPMultiplier           float64 `json:"tp_multiplier"`
	SLMultiplier           float64 `json:"sl_multiplier"`
	MaxConcurrentPositions int     `json:"max_concurrent_positions"`
}

func (s *Server) handlePutRiskProfile(c *gin.Context) {
	var req riskProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := s.db.UpsertRiskProfile(c.Request.Context(), db.RiskProfile{
		UserID:                 c.Param("id"),
		BalanceFraction:        req.BalanceFraction,
		Leverage:               req.Leverage,
		TPMultiplier:           req.TPMultiplier,
		SLMultiplier:           req.SLMultiplier,
		MaxConcurrentPositions: req.MaxConcurrentPositions,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("store risk profile")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stored"})
}
