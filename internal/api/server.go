// Package api exposes the webhook intake, the admin read surface, and the
// event stream over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"signal-engine/internal/events"
	"signal-engine/internal/orchestrator"
	"signal-engine/internal/regime"
	"signal-engine/internal/signal"
	"signal-engine/internal/vault"
	"signal-engine/pkg/config"
	"signal-engine/pkg/db"
)

// Server wires the HTTP surface together.
type Server struct {
	cfg       *config.Config
	db        *db.Database
	validator *signal.Validator
	payload   *validator.Validate
	gate      *regime.Gate
	orch      *orchestrator.Orchestrator
	vault     *vault.Vault
	bus       *events.Bus
	log       zerolog.Logger

	http *http.Server
}

// NewServer builds the router and the underlying http.Server.
func NewServer(
	cfg *config.Config,
	database *db.Database,
	sigValidator *signal.Validator,
	gate *regime.Gate,
	orch *orchestrator.Orchestrator,
	v *vault.Vault,
	bus *events.Bus,
	log zerolog.Logger,
) *Server {
	s := &Server{
		cfg:       cfg,
		db:        database,
		validator: sigValidator,
		payload:   validator.New(),
		gate:      gate,
		orch:      orch,
		vault:     v,
		bus:       bus,
		log:       log,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(
		RequestID(),
		RequestLogger(log),
		Recovery(log),
		CORS(),
	)

	router.GET("/health", s.handleHealth)
	router.POST("/signals", RateLimit(10, 20), s.handleSignal)
	router.GET("/ws/events", s.handleEventStream)

	admin := router.Group("/api", JWTAuth(cfg.JWTSecret))
	{
		admin.GET("/regime", s.handleRegime)
		admin.GET("/signals", s.handleListSignals)
		admin.GET("/signals/:id", s.handleGetSignal)
		admin.GET("/orders", s.handleListOrders)
		admin.GET("/users/:id/orders", s.handleUserOrders)
		admin.PUT("/users/:id/credentials", s.handlePutCredential)
		admin.PUT("/users/:id/risk", s.handlePutRiskProfile)
	}

	s.http = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }
