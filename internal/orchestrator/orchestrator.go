// Package orchestrator fans a validated signal out to every user with an
// active credential and drives each per-user execution to a terminal,
// recorded outcome. One user's failure never touches another user's order.
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"signal-engine/internal/events"
	"signal-engine/internal/risk"
	"signal-engine/internal/signal"
	"signal-engine/internal/vault"
	"signal-engine/pkg/db"
	"signal-engine/pkg/exchanges"
	"signal-engine/pkg/exchanges/common"
)

// Failure reasons recorded on orders.
const (
	reasonCredentialInvalid   = "CREDENTIAL_INVALID"
	reasonExchangeUnavailable = "EXCHANGE_UNAVAILABLE"
	reasonPartialLegUnwound   = "PARTIAL_LEG_UNWOUND"
	reasonNoOpenPosition      = "NO_OPEN_POSITION"
	reasonCooldownActive      = "COOLDOWN_ACTIVE"
)

// ClientFactory builds a venue client for one credential. Injected so tests
// can substitute a fake venue.
type ClientFactory func(exchange, apiKey, apiSecret string, testnet bool) (common.Client, error)

// Options configures the orchestrator.
type Options struct {
	Workers        int
	QueueSize      int
	CooldownWindow time.Duration
	RecvWindowMs   int64
	ClientFactory  ClientFactory // nil means the real exchanges package
	Exchanges      []string      // nil means every supported venue
}

// Orchestrator owns the signal queue and the bounded worker pool.
type Orchestrator struct {
	db    *db.Database
	vault *vault.Vault
	calc  *risk.Calculator
	bus   *events.Bus
	log   zerolog.Logger
	opts  Options

	sigCh  chan signal.Signal
	taskCh chan task

	clientsMu sync.Mutex
	clients   map[string]common.Client

	wg  sync.WaitGroup
	now func() time.Time
}

type task struct {
	sig    signal.Signal
	cred   vault.Credential
	done   *sync.WaitGroup
	closed *atomic.Int32 // close orders placed across the fan-out
}

// New builds an Orchestrator.
func New(database *db.Database, v *vault.Vault, calc *risk.Calculator, bus *events.Bus, log zerolog.Logger, opts Options) *Orchestrator {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 64
	}
	if opts.ClientFactory == nil {
		opts.ClientFactory = func(exchange, apiKey, apiSecret string, testnet bool) (common.Client, error) {
			return exchanges.NewClient(exchange, apiKey, apiSecret, testnet, opts.RecvWindowMs)
		}
	}
	if opts.Exchanges == nil {
		opts.Exchanges = exchanges.Known()
	}
	return &Orchestrator{
		db:      database,
		vault:   v,
		calc:    calc,
		bus:     bus,
		log:     log,
		opts:    opts,
		sigCh:   make(chan signal.Signal, opts.QueueSize),
		taskCh:  make(chan task),
		clients: make(map[string]common.Client),
		now:     time.Now,
	}
}

// Start launches the dispatcher and the worker pool. Workers drain until
// ctx is canceled; Wait blocks until they exit.
func (o *Orchestrator) Start(ctx context.Context) {
	for i := 0; i < o.opts.Workers; i++ {
		o.wg.Add(1)
		go o.worker(ctx)
	}
	o.wg.Add(1)
	go o.dispatch(ctx)
}

// Wait blocks until every worker has stopped.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// Enqueue hands a validated signal to the pool without blocking the intake
// path. false means the queue is full and the caller should shed load.
func (o *Orchestrator) Enqueue(sig signal.Signal) bool {
	select {
	case o.sigCh <- sig:
		return true
	default:
		return false
	}
}

func (o *Orchestrator) dispatch(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-o.sigCh:
			o.processSignal(ctx, sig)
		}
	}
}

func (o *Orchestrator) worker(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-o.taskCh:
			o.runTask(ctx, t)
		}
	}
}

// runTask executes one user's slice of a signal. A panic in one execution
// is contained here so the rest of the fan-out proceeds.
func (o *Orchestrator) runTask(ctx context.Context, t task) {
	defer t.done.Done()
	defer func() {
		if r := recover(); r != nil {
			o.log.Error().
				Str("user_id", t.cred.UserID).
				Str("signal_id", t.sig.ID).
				Interface("panic", r).
				Msg("execution panicked")
		}
	}()
	if o.executeUser(ctx, t.sig, t.cred) && t.closed != nil {
		t.closed.Add(1)
	}
}

// processSignal expands a signal into per-user tasks and waits for all of
// them before stamping the signal PROCESSED.
func (o *Orchestrator) processSignal(ctx context.Context, sig signal.Signal) {
	log := o.log.With().Str("signal_id", sig.ID).Str("symbol", sig.Symbol).
		Str("directive", string(sig.Directive)).Logger()

	if sig.Directive.IsOpen() {
		if blocked, until := o.cooldownActive(ctx, sig.Symbol); blocked {
			log.Info().Time("blocked_until", until).Msg("symbol in cooldown, signal dropped")
			o.updateSignal(ctx, sig.ID, "REJECTED", reasonCooldownActive)
			return
		}
	}

	o.updateSignal(ctx, sig.ID, "DISPATCHED", "")

	var done sync.WaitGroup
	var closed atomic.Int32
	dispatched := 0
	for _, exchange := range o.opts.Exchanges {
		creds, err := o.vault.ActiveForExchange(ctx, exchange)
		if err != nil {
			log.Error().Err(err).Str("exchange", exchange).Msg("enumerate credentials")
			continue
		}
		for _, cred := range creds {
			done.Add(1)
			dispatched++
			select {
			case o.taskCh <- task{sig: sig, cred: cred, done: &done, closed: &closed}:
			case <-ctx.Done():
				done.Done()
				return
			}
		}
	}
	done.Wait()

	// Close directives arm the re-entry block once per signal, after the
	// fan-out so every user got to exit first, and only if somebody had a
	// position to close.
	if sig.Directive.IsClose() && o.opts.CooldownWindow > 0 && closed.Load() > 0 {
		until := o.now().Add(o.opts.CooldownWindow)
		if err := o.db.SetCooldown(ctx, sig.Symbol, until); err != nil {
			log.Error().Err(err).Msg("set cooldown")
		} else if o.bus != nil {
			o.bus.Publish(events.EventCooldownStarted, map[string]any{
				"symbol": sig.Symbol, "blocked_until": until,
			})
		}
	}

	o.updateSignal(ctx, sig.ID, "PROCESSED", "")
	if o.bus != nil {
		o.bus.Publish(events.EventSignalProcessed, map[string]any{
			"signal_id": sig.ID, "users": dispatched,
		})
	}
	log.Info().Int("users", dispatched).Msg("signal processed")
}

// executeUser runs the full per-user pipeline: client, balance, sizing,
// placement, outcome record. Every exit path leaves an order row (or a log
// line for the no-op cases) so the history explains itself. Reports whether
// this user actually placed a close order.
func (o *Orchestrator) executeUser(ctx context.Context, sig signal.Signal, cred vault.Credential) bool {
	log := o.log.With().Str("signal_id", sig.ID).Str("user_id", cred.UserID).
		Str("exchange", cred.Exchange).Logger()

	client, err := o.client(cred)
	if err != nil {
		log.Error().Err(err).Msg("build venue client")
		return false
	}

	switch {
	case sig.Directive.IsOpen():
		o.executeOpen(ctx, log, sig, cred, client)
	case sig.Directive.IsClose():
		return o.executeClose(ctx, log, sig, cred, client)
	case sig.Directive.IsConfirm():
		o.executeConfirm(ctx, log, sig, client)
	}
	return false
}

func (o *Orchestrator) executeOpen(ctx context.Context, log zerolog.Logger, sig signal.Signal, cred vault.Credential, client common.Client) {
	balance, err := client.QueryBalance(ctx)
	if err != nil {
		o.recordPreTradeFailure(ctx, log, sig, cred, "query balance", err)
		return
	}
	positions, err := client.QueryPositions(ctx, "")
	if err != nil {
		o.recordPreTradeFailure(ctx, log, sig, cred, "query positions", err)
		return
	}

	profile, err := o.db.GetRiskProfile(ctx, cred.UserID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		log.Error().Err(err).Msg("load risk profile")
		return
	}
	decision, declined := o.calc.Size(sig, o.calc.Profile(profile), balance.Available, len(positions))
	if declined != nil {
		log.Info().Str("reason", declined.Reason).Str("detail", declined.Detail).Msg("sizing declined")
		o.saveOrder(ctx, log, o.newOrder(sig, cred, decision, "REJECTED", "", declined.Reason))
		return
	}

	order := o.newOrder(sig, cred, decision, "PENDING", "", "")
	o.saveOrder(ctx, log, order)

	side := common.SideBuy
	if !sig.Directive.Long() {
		side = common.SideSell
	}
	result, err := client.PlaceOrder(ctx, common.OrderRequest{
		Symbol:     sig.Symbol,
		Side:       side,
		Qty:        decision.Qty,
		Leverage:   decision.Leverage,
		TakeProfit: decision.TakeProfit,
		StopLoss:   decision.StopLoss,
		ClientID:   order.ID,
	})
	if err != nil {
		o.recordPlacementError(ctx, log, order, cred, err)
		return
	}

	if result.PartialFailure() {
		o.unwindPartial(ctx, log, sig.Symbol, side, decision.Qty, result, client)
		o.finishOrder(ctx, log, order.ID, "FAILED", result.ExchangeOrderID, "", reasonPartialLegUnwound,
			events.EventPartialLegUnwound)
		return
	}

	status := "SUBMITTED"
	event := events.EventOrderSubmitted
	if result.Status == common.StatusFilled {
		status = "FILLED"
		event = events.EventOrderFilled
	}
	o.finishOrder(ctx, log, order.ID, status, result.ExchangeOrderID, "", "", event)
	log.Info().Str("status", status).Str("exchange_order_id", result.ExchangeOrderID).Msg("order placed")
}

func (o *Orchestrator) executeClose(ctx context.Context, log zerolog.Logger, sig signal.Signal, cred vault.Credential, client common.Client) bool {
	positions, err := client.QueryPositions(ctx, sig.Symbol)
	if err != nil {
		o.recordPreTradeFailure(ctx, log, sig, cred, "query positions", err)
		return false
	}
	wantSide := "SHORT"
	closeSide := common.SideBuy
	if sig.Directive.Long() {
		wantSide = "LONG"
		closeSide = common.SideSell
	}
	var open *common.Position
	for i := range positions {
		if strings.EqualFold(positions[i].Side, wantSide) && positions[i].Qty != 0 {
			open = &positions[i]
			break
		}
	}
	if open == nil {
		log.Info().Msg("no position to close")
		return false
	}

	order := o.newOrder(sig, cred, risk.Decision{Qty: abs(open.Qty), Leverage: open.Leverage}, "PENDING", "", "")
	o.saveOrder(ctx, log, order)

	result, err := client.PlaceOrder(ctx, common.OrderRequest{
		Symbol:     sig.Symbol,
		Side:       closeSide,
		Qty:        abs(open.Qty),
		ReduceOnly: true,
		ClientID:   order.ID,
	})
	if err != nil {
		o.recordPlacementError(ctx, log, order, cred, err)
		return false
	}

	status := "SUBMITTED"
	event := events.EventOrderSubmitted
	if result.Status == common.StatusFilled {
		status = "FILLED"
		event = events.EventOrderFilled
	}
	o.finishOrder(ctx, log, order.ID, status, result.ExchangeOrderID, "", "", event)
	log.Info().Str("status", status).Msg("position closed")
	return true
}

// executeConfirm re-affirms an existing position: it verifies the position
// is still open and otherwise leaves the venue untouched.
func (o *Orchestrator) executeConfirm(ctx context.Context, log zerolog.Logger, sig signal.Signal, client common.Client) {
	positions, err := client.QueryPositions(ctx, sig.Symbol)
	if err != nil {
		log.Warn().Err(err).Msg("confirm: query positions")
		return
	}
	wantSide := "SHORT"
	if sig.Directive.Long() {
		wantSide = "LONG"
	}
	for _, p := range positions {
		if strings.EqualFold(p.Side, wantSide) && p.Qty != 0 {
			log.Info().Float64("qty", p.Qty).Msg("position confirmed open")
			return
		}
	}
	log.Info().Str("reason", reasonNoOpenPosition).Msg("confirm had nothing to confirm")
}

// recordPreTradeFailure handles errors from balance/position queries that
// happen before an order row exists.
func (o *Orchestrator) recordPreTradeFailure(ctx context.Context, log zerolog.Logger, sig signal.Signal, cred vault.Credential, stage string, err error) {
	kind := common.KindOf(err)
	log.Warn().Err(err).Str("stage", stage).Str("kind", string(kind)).Msg("pre-trade call failed")

	if kind == common.KindFatalCredential {
		o.invalidateCredential(ctx, log, cred, err)
		order := o.newOrder(sig, cred, risk.Decision{}, "FAILED", string(kind), reasonCredentialInvalid)
		o.saveOrder(ctx, log, order)
		o.publishOrderEvent(events.EventOrderFailed, order.ID, sig, cred, reasonCredentialInvalid)
		return
	}
	order := o.newOrder(sig, cred, risk.Decision{}, "FAILED", string(kind), reasonExchangeUnavailable)
	o.saveOrder(ctx, log, order)
	o.publishOrderEvent(events.EventOrderFailed, order.ID, sig, cred, reasonExchangeUnavailable)
}

// recordPlacementError maps a classified placement failure onto the order
// row and, for credential failures, the vault.
func (o *Orchestrator) recordPlacementError(ctx context.Context, log zerolog.Logger, order db.Order, cred vault.Credential, err error) {
	kind := common.KindOf(err)
	log.Warn().Err(err).Str("kind", string(kind)).Msg("placement failed")

	switch kind {
	case common.KindFatalCredential:
		o.invalidateCredential(ctx, log, cred, err)
		o.finishOrder(ctx, log, order.ID, "FAILED", "", string(kind), reasonCredentialInvalid, events.EventOrderFailed)
	case common.KindFatalOrder:
		o.finishOrder(ctx, log, order.ID, "REJECTED", "", string(kind), trimReason(err), events.EventOrderRejected)
	default: // retries exhausted
		o.finishOrder(ctx, log, order.ID, "FAILED", "", string(kind), reasonExchangeUnavailable, events.EventOrderFailed)
	}
}

// unwindPartial cancels any protective leg that did land and flattens the
// entry so no position is left without a stop.
func (o *Orchestrator) unwindPartial(ctx context.Context, log zerolog.Logger, symbol string, entrySide common.Side, qty float64, result common.OrderResult, client common.Client) {
	log.Warn().Msg("protective leg failed, unwinding entry")
	for _, leg := range result.Legs {
		if leg.Leg == common.LegEntry || !leg.OK || leg.ExchangeOrderID == "" {
			continue
		}
		if err := client.CancelOrder(ctx, symbol, leg.ExchangeOrderID); err != nil {
			log.Error().Err(err).Str("leg", leg.Leg).Msg("cancel leg during unwind")
		}
	}
	closeSide := common.SideSell
	if entrySide == common.SideSell {
		closeSide = common.SideBuy
	}
	if _, err := client.PlaceOrder(ctx, common.OrderRequest{
		Symbol:     symbol,
		Side:       closeSide,
		Qty:        qty,
		ReduceOnly: true,
	}); err != nil {
		log.Error().Err(err).Msg("flatten entry during unwind")
	}
}

func (o *Orchestrator) invalidateCredential(ctx context.Context, log zerolog.Logger, cred vault.Credential, cause error) {
	o.clientsMu.Lock()
	delete(o.clients, cred.UserID+"|"+cred.Exchange)
	o.clientsMu.Unlock()

	if err := o.vault.MarkInvalid(ctx, cred.UserID, cred.Exchange, trimReason(cause)); err != nil {
		log.Error().Err(err).Msg("mark credential invalid")
	}
}

// client returns a cached venue client for the credential, building one on
// first use so clock-skew sync happens once per credential lifetime.
func (o *Orchestrator) client(cred vault.Credential) (common.Client, error) {
	key := cred.UserID + "|" + cred.Exchange

	o.clientsMu.Lock()
	defer o.clientsMu.Unlock()
	if c, ok := o.clients[key]; ok {
		return c, nil
	}
	c, err := o.opts.ClientFactory(cred.Exchange, cred.APIKey, cred.APISecret, cred.Environment == "testnet")
	if err != nil {
		return nil, err
	}
	o.clients[key] = c
	return c, nil
}

func (o *Orchestrator) newOrder(sig signal.Signal, cred vault.Credential, d risk.Decision, status, errorKind, reason string) db.Order {
	// Close orders act opposite to the position's direction.
	long := sig.Directive.Long()
	if sig.Directive.IsClose() {
		long = !long
	}
	side := "SELL"
	if long {
		side = "BUY"
	}
	return db.Order{
		ID:         uuid.NewString(),
		SignalID:   sig.ID,
		UserID:     cred.UserID,
		Exchange:   cred.Exchange,
		Symbol:     sig.Symbol,
		Side:       side,
		Qty:        d.Qty,
		Leverage:   d.Leverage,
		EntryPrice: sig.Price,
		TakeProfit: d.TakeProfit,
		StopLoss:   d.StopLoss,
		Status:     status,
		ErrorKind:  errorKind,
		Reason:     reason,
	}
}

// saveOrder persists an order row. A storage failure is logged and never
// interrupts execution; the exchange is the source of truth.
func (o *Orchestrator) saveOrder(ctx context.Context, log zerolog.Logger, order db.Order) {
	if err := o.db.CreateOrder(ctx, order); err != nil {
		log.Error().Err(err).Str("order_id", order.ID).Msg("persist order")
	}
}

func (o *Orchestrator) finishOrder(ctx context.Context, log zerolog.Logger, id, status, exchangeOrderID, errorKind, reason string, event events.Event) {
	if err := o.db.UpdateOrderOutcome(ctx, id, status, exchangeOrderID, errorKind, reason); err != nil {
		log.Error().Err(err).Str("order_id", id).Msg("update order outcome")
	}
	if o.bus != nil {
		o.bus.Publish(event, map[string]any{
			"order_id": id, "status": status, "reason": reason,
		})
	}
}

func (o *Orchestrator) publishOrderEvent(event events.Event, orderID string, sig signal.Signal, cred vault.Credential, reason string) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(event, map[string]any{
		"order_id": orderID, "signal_id": sig.ID, "user_id": cred.UserID, "reason": reason,
	})
}

func (o *Orchestrator) cooldownActive(ctx context.Context, symbol string) (bool, time.Time) {
	cd, err := o.db.GetCooldown(ctx, symbol)
	if err != nil {
		o.log.Error().Err(err).Str("symbol", symbol).Msg("query cooldown")
		return false, time.Time{}
	}
	if cd == nil || o.now().After(cd.BlockedUntil) {
		return false, time.Time{}
	}
	return true, cd.BlockedUntil
}

func (o *Orchestrator) updateSignal(ctx context.Context, id, status, reason string) {
	if err := o.db.UpdateSignalStatus(ctx, id, status, reason); err != nil {
		o.log.Error().Err(err).Str("signal_id", id).Msg("update signal status")
	}
}

func trimReason(err error) string {
	msg := err.Error()
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
