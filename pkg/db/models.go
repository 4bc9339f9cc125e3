package db

import (
	"context"
	"database/sql"
	"time"
)

// Signal is an inbound alert stored on receipt. Rows are immutable except
// for the status/processed_at transition driven by the orchestrator.
type Signal struct {
	ID           string
	Symbol       string
	Directive    string
	Price        float64
	Timeframe    string
	SourceTS     time.Time
	RawPayload   string
	Status       string // RECEIVED, VALIDATED, REJECTED, DISPATCHED, PROCESSED
	RejectReason string
	CreatedAt    time.Time
	ProcessedAt  sql.NullTime
}

// Order is one per-user execution attempt spawned from a signal.
type Order struct {
	ID              string
	SignalID        string
	UserID          string
	Exchange        string
	Symbol          string
	Side            string
	Qty             float64
	Leverage        int
	EntryPrice      float64
	TakeProfit      float64
	StopLoss        float64
	Status          string // PENDING, SUBMITTED, FILLED, REJECTED, FAILED
	ExchangeOrderID string
	ErrorKind       string
	Reason          string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Credential is a user's API key pair for one exchange. Secrets are stored
// only as ciphertext; decryption happens in the vault.
type Credential struct {
	UserID             string
	Exchange           string
	Environment        string // testnet or mainnet
	APIKeyEncrypted    string
	APISecretEncrypted string
	KeyVersion         int
	IsActive           bool
	InvalidReason      string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// RiskProfile holds per-user sizing parameters. Values may drift out of the
// admin bounds over time; the calculator clamps them on use.
type RiskProfile struct {
	UserID                 string
	BalanceFraction        float64
	Leverage               float64
	TPMultiplier           float64
	SLMultiplier           float64
	MaxConcurrentPositions int
	UpdatedAt              time.Time
}

// TickerCooldown blocks re-entry on a symbol until expiry.
type TickerCooldown struct {
	Symbol       string
	BlockedUntil time.Time
}

// RegimeSnapshotRow is the persisted trace of one regime computation.
type RegimeSnapshotRow struct {
	ID             int64
	SentimentIndex int
	BreadthPct     float64
	LongAllowed    bool
	ShortAllowed   bool
	Degraded       bool
	BreadthSource  string
	ComputedAt     time.Time
}

// CreateSignal inserts a new signal row. A zero CreatedAt is stamped here;
// the driver binds time.Time as a value, so the column default never fires.
func (d *Database) CreateSignal(ctx context.Context, s Signal) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO signals (
			id, symbol, directive, price, timeframe, source_ts, raw_payload, status, reject_reason, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		s.ID, s.Symbol, s.Directive, s.Price, s.Timeframe, s.SourceTS, s.RawPayload, s.Status, s.RejectReason, s.CreatedAt,
	)
	return err
}

// UpdateSignalStatus moves a signal through its lifecycle. PROCESSED also
// stamps processed_at; afterwards the row is never touched again.
func (d *Database) UpdateSignalStatus(ctx context.Context, id, status, rejectReason string) error {
	if status == "PROCESSED" {
		_, err := d.DB.ExecContext(ctx, `
			UPDATE signals SET status = ?, processed_at = CURRENT_TIMESTAMP WHERE id = ?
		`, status, id)
		return err
	}
	_, err := d.DB.ExecContext(ctx, `
		UPDATE signals SET status = ?, reject_reason = ? WHERE id = ?
	`, status, rejectReason, id)
	return err
}

// CreateOrder inserts a new order row, stamping created_at when unset.
func (d *Database) CreateOrder(ctx context.Context, o Order) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO orders (
			id, signal_id, user_id, exchange, symbol, side, qty, leverage,
			entry_price, take_profit, stop_loss, status, exchange_order_id,
			error_kind, reason, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		o.ID, o.SignalID, o.UserID, o.Exchange, o.Symbol, o.Side, o.Qty, o.Leverage,
		o.EntryPrice, o.TakeProfit, o.StopLoss, o.Status, o.ExchangeOrderID,
		o.ErrorKind, o.Reason, o.CreatedAt,
	)
	return err
}

// UpdateOrderOutcome records the terminal (or submitted) state of an attempt.
func (d *Database) UpdateOrderOutcome(ctx context.Context, id, status, exchangeOrderID, errorKind, reason string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE orders
		SET status = ?, exchange_order_id = ?, error_kind = ?, reason = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, status, exchangeOrderID, errorKind, reason, id)
	return err
}

// SetCooldown starts (or extends) the re-entry block for a symbol.
func (d *Database) SetCooldown(ctx context.Context, symbol string, until time.Time) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO ticker_cooldowns (symbol, blocked_until) VALUES (?, ?)
		ON CONFLICT(symbol) DO UPDATE SET blocked_until = excluded.blocked_until
	`, symbol, until)
	return err
}

// GetCooldown returns the active block for a symbol, if any.
func (d *Database) GetCooldown(ctx context.Context, symbol string) (*TickerCooldown, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT symbol, blocked_until FROM ticker_cooldowns WHERE symbol = ?
	`, symbol)

	var cd TickerCooldown
	if err := row.Scan(&cd.Symbol, &cd.BlockedUntil); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &cd, nil
}

// InsertRegimeSnapshot appends a regime computation for observability.
func (d *Database) InsertRegimeSnapshot(ctx context.Context, r RegimeSnapshotRow) error {
	if r.ComputedAt.IsZero() {
		r.ComputedAt = time.Now().UTC()
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO regime_snapshots (
			sentiment_index, breadth_pct, long_allowed, short_allowed, degraded, breadth_source, computed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		r.SentimentIndex, r.BreadthPct, boolToInt(r.LongAllowed), boolToInt(r.ShortAllowed),
		boolToInt(r.Degraded), r.BreadthSource, r.ComputedAt,
	)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
