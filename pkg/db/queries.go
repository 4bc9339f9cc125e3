package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("record not found")

// GetSignal returns a signal by id.
func (d *Database) GetSignal(ctx context.Context, id string) (*Signal, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, symbol, directive, price, COALESCE(timeframe, ''), source_ts,
		       raw_payload, status, COALESCE(reject_reason, ''), created_at, processed_at
		FROM signals WHERE id = ?
	`, id)

	var s Signal
	err := row.Scan(&s.ID, &s.Symbol, &s.Directive, &s.Price, &s.Timeframe, &s.SourceTS,
		&s.RawPayload, &s.Status, &s.RejectReason, &s.CreatedAt, &s.ProcessedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query signal: %w", err)
	}
	return &s, nil
}

// ListSignals returns recent signals, newest first.
func (d *Database) ListSignals(ctx context.Context, limit int) ([]Signal, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, symbol, directive, price, COALESCE(timeframe, ''), source_ts,
		       raw_payload, status, COALESCE(reject_reason, ''), created_at, processed_at
		FROM signals ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query signals: %w", err)
	}
	defer rows.Close()

	var out []Signal
	for rows.Next() {
		var s Signal
		if err := rows.Scan(&s.ID, &s.Symbol, &s.Directive, &s.Price, &s.Timeframe, &s.SourceTS,
			&s.RawPayload, &s.Status, &s.RejectReason, &s.CreatedAt, &s.ProcessedAt); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

const orderColumns = `
	id, signal_id, user_id, exchange, symbol, side, qty, leverage,
	entry_price, take_profit, stop_loss, status, COALESCE(exchange_order_id, ''),
	COALESCE(error_kind, ''), COALESCE(reason, ''), created_at, updated_at
`

func scanOrder(rows interface{ Scan(...any) error }) (Order, error) {
	var o Order
	err := rows.Scan(&o.ID, &o.SignalID, &o.UserID, &o.Exchange, &o.Symbol, &o.Side, &o.Qty, &o.Leverage,
		&o.EntryPrice, &o.TakeProfit, &o.StopLoss, &o.Status, &o.ExchangeOrderID,
		&o.ErrorKind, &o.Reason, &o.CreatedAt, &o.UpdatedAt)
	return o, err
}

// ListOrders returns recent orders, newest first.
func (d *Database) ListOrders(ctx context.Context, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()
	return collectOrders(rows)
}

// GetOrdersBySignal returns every per-user attempt spawned by one signal.
func (d *Database) GetOrdersBySignal(ctx context.Context, signalID string) ([]Order, error) {
	rows, err := d.DB.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE signal_id = ? ORDER BY created_at`, signalID)
	if err != nil {
		return nil, fmt.Errorf("query orders by signal: %w", err)
	}
	defer rows.Close()
	return collectOrders(rows)
}

// GetOrdersByUser returns a user's orders, newest first.
func (d *Database) GetOrdersByUser(ctx context.Context, userID string, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders by user: %w", err)
	}
	defer rows.Close()
	return collectOrders(rows)
}

func collectOrders(rows *sql.Rows) ([]Order, error) {
	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

const credentialColumns = `
	user_id, exchange, environment, api_key_encrypted, api_secret_encrypted,
	key_version, is_active, COALESCE(invalid_reason, ''), created_at, updated_at
`

func scanCredential(row interface{ Scan(...any) error }) (Credential, error) {
	var (
		c      Credential
		active int
	)
	err := row.Scan(&c.UserID, &c.Exchange, &c.Environment, &c.APIKeyEncrypted, &c.APISecretEncrypted,
		&c.KeyVersion, &active, &c.InvalidReason, &c.CreatedAt, &c.UpdatedAt)
	c.IsActive = active == 1
	return c, err
}

// GetCredential returns one user's credential for an exchange.
func (d *Database) GetCredential(ctx context.Context, userID, exchange string) (*Credential, error) {
	row := d.DB.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE user_id = ? AND exchange = ?`, userID, exchange)
	c, err := scanCredential(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query credential: %w", err)
	}
	return &c, nil
}

// ListActiveCredentials returns all active credentials for an exchange.
func (d *Database) ListActiveCredentials(ctx context.Context, exchange string) ([]Credential, error) {
	rows, err := d.DB.QueryContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE exchange = ? AND is_active = 1`, exchange)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	var out []Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpsertCredential writes a credential row (provisioning path, tests).
func (d *Database) UpsertCredential(ctx context.Context, c Credential) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO credentials (
			user_id, exchange, environment, api_key_encrypted, api_secret_encrypted,
			key_version, is_active, invalid_reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, exchange) DO UPDATE SET
			environment = excluded.environment,
			api_key_encrypted = excluded.api_key_encrypted,
			api_secret_encrypted = excluded.api_secret_encrypted,
			key_version = excluded.key_version,
			is_active = excluded.is_active,
			invalid_reason = excluded.invalid_reason,
			updated_at = CURRENT_TIMESTAMP
	`, c.UserID, c.Exchange, c.Environment, c.APIKeyEncrypted, c.APISecretEncrypted,
		c.KeyVersion, boolToInt(c.IsActive), c.InvalidReason)
	return err
}

// DeactivateCredential flips is_active off. Idempotent.
func (d *Database) DeactivateCredential(ctx context.Context, userID, exchange, reason string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE credentials
		SET is_active = 0, invalid_reason = ?, updated_at = CURRENT_TIMESTAMP
		WHERE user_id = ? AND exchange = ?
	`, reason, userID, exchange)
	return err
}

// GetRiskProfile returns a user's stored risk profile.
func (d *Database) GetRiskProfile(ctx context.Context, userID string) (*RiskProfile, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT user_id, balance_fraction, leverage, tp_multiplier, sl_multiplier,
		       max_concurrent_positions, updated_at
		FROM risk_profiles WHERE user_id = ?
	`, userID)

	var p RiskProfile
	err := row.Scan(&p.UserID, &p.BalanceFraction, &p.Leverage, &p.TPMultiplier, &p.SLMultiplier,
		&p.MaxConcurrentPositions, &p.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query risk profile: %w", err)
	}
	return &p, nil
}

// UpsertRiskProfile writes a user's risk profile.
func (d *Database) UpsertRiskProfile(ctx context.Context, p RiskProfile) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO risk_profiles (
			user_id, balance_fraction, leverage, tp_multiplier, sl_multiplier, max_concurrent_positions
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			balance_fraction = excluded.balance_fraction,
			leverage = excluded.leverage,
			tp_multiplier = excluded.tp_multiplier,
			sl_multiplier = excluded.sl_multiplier,
			max_concurrent_positions = excluded.max_concurrent_positions,
			updated_at = CURRENT_TIMESTAMP
	`, p.UserID, p.BalanceFraction, p.Leverage, p.TPMultiplier, p.SLMultiplier, p.MaxConcurrentPositions)
	return err
}
