package db

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	d, err := NewInMemory()
	if err != nil {
		t.Fatalf("NewInMemory: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := ApplyMigrations(d); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	return d
}

func TestMigrationsIdempotent(t *testing.T) {
	d := newTestDB(t)
	if err := ApplyMigrations(d); err != nil {
		t.Fatalf("second ApplyMigrations: %v", err)
	}
}

func TestSignalLifecycle(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	sig := Signal{
		ID: "s1", Symbol: "BTCUSDT", Directive: "OPEN_LONG", Price: 50000,
		SourceTS: time.Now(), RawPayload: "{}", Status: "VALIDATED",
	}
	if err := d.CreateSignal(ctx, sig); err != nil {
		t.Fatalf("CreateSignal: %v", err)
	}

	if err := d.UpdateSignalStatus(ctx, "s1", "DISPATCHED", ""); err != nil {
		t.Fatalf("UpdateSignalStatus: %v", err)
	}
	got, err := d.GetSignal(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSignal: %v", err)
	}
	if got.Status != "DISPATCHED" || got.ProcessedAt.Valid {
		t.Errorf("after dispatch: status %s, processed_at valid %v", got.Status, got.ProcessedAt.Valid)
	}

	if err := d.UpdateSignalStatus(ctx, "s1", "PROCESSED", ""); err != nil {
		t.Fatalf("UpdateSignalStatus: %v", err)
	}
	got, _ = d.GetSignal(ctx, "s1")
	if got.Status != "PROCESSED" || !got.ProcessedAt.Valid {
		t.Errorf("after processing: status %s, processed_at valid %v", got.Status, got.ProcessedAt.Valid)
	}

	if _, err := d.GetSignal(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing signal: got %v, want ErrNotFound", err)
	}
}

func TestOrderQueries(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	if err := d.CreateSignal(ctx, Signal{
		ID: "s1", Symbol: "BTCUSDT", Directive: "OPEN_LONG",
		SourceTS: time.Now(), RawPayload: "{}", Status: "DISPATCHED",
	}); err != nil {
		t.Fatalf("CreateSignal: %v", err)
	}

	for i, user := range []string{"u1", "u2"} {
		err := d.CreateOrder(ctx, Order{
			ID: "o" + user, SignalID: "s1", UserID: user, Exchange: "binance-usdtfut",
			Symbol: "BTCUSDT", Side: "BUY", Qty: float64(i+1) * 0.1, Leverage: 5,
			TakeProfit: 57500, StopLoss: 45000, Status: "PENDING",
		})
		if err != nil {
			t.Fatalf("CreateOrder(%s): %v", user, err)
		}
	}

	if err := d.UpdateOrderOutcome(ctx, "ou1", "FILLED", "ex-77", "", ""); err != nil {
		t.Fatalf("UpdateOrderOutcome: %v", err)
	}

	bySignal, err := d.GetOrdersBySignal(ctx, "s1")
	if err != nil {
		t.Fatalf("GetOrdersBySignal: %v", err)
	}
	if len(bySignal) != 2 {
		t.Fatalf("orders = %d, want 2", len(bySignal))
	}

	byUser, err := d.GetOrdersByUser(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("GetOrdersByUser: %v", err)
	}
	if len(byUser) != 1 || byUser[0].Status != "FILLED" || byUser[0].ExchangeOrderID != "ex-77" {
		t.Errorf("u1 orders = %+v", byUser)
	}
}

func TestCreatedAtStampedWhenUnset(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	before := time.Now().UTC().Add(-time.Minute)

	// Call sites never fill CreatedAt; the store must stamp it, not leave
	// the zero time in the row.
	if err := d.CreateSignal(ctx, Signal{
		ID: "s1", Symbol: "BTCUSDT", Directive: "OPEN_LONG",
		SourceTS: time.Now(), RawPayload: "{}", Status: "VALIDATED",
	}); err != nil {
		t.Fatalf("CreateSignal: %v", err)
	}
	sig, err := d.GetSignal(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSignal: %v", err)
	}
	if sig.CreatedAt.Before(before) {
		t.Errorf("signal created_at = %v, want recent", sig.CreatedAt)
	}

	if err := d.CreateOrder(ctx, Order{
		ID: "o1", SignalID: "s1", UserID: "u1", Exchange: "binance-usdtfut",
		Symbol: "BTCUSDT", Side: "BUY", Qty: 0.1, Leverage: 5, Status: "PENDING",
	}); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	orders, err := d.GetOrdersBySignal(ctx, "s1")
	if err != nil || len(orders) != 1 {
		t.Fatalf("GetOrdersBySignal: %v (%d rows)", err, len(orders))
	}
	if orders[0].CreatedAt.Before(before) {
		t.Errorf("order created_at = %v, want recent", orders[0].CreatedAt)
	}
}

func TestCooldownUpsert(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	if cd, err := d.GetCooldown(ctx, "BTCUSDT"); err != nil || cd != nil {
		t.Fatalf("empty cooldown: %v, %v", cd, err)
	}

	first := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	if err := d.SetCooldown(ctx, "BTCUSDT", first); err != nil {
		t.Fatalf("SetCooldown: %v", err)
	}

	// Re-arming extends the same row.
	second := first.Add(time.Hour)
	if err := d.SetCooldown(ctx, "BTCUSDT", second); err != nil {
		t.Fatalf("SetCooldown again: %v", err)
	}
	cd, err := d.GetCooldown(ctx, "BTCUSDT")
	if err != nil || cd == nil {
		t.Fatalf("GetCooldown: %v", err)
	}
	if !cd.BlockedUntil.Equal(second) {
		t.Errorf("blocked_until = %v, want %v", cd.BlockedUntil, second)
	}
}

func TestCredentialDeactivation(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	cred := Credential{
		UserID: "u1", Exchange: "bybit-linear", Environment: "mainnet",
		APIKeyEncrypted: "ENC[v1]:aaa", APISecretEncrypted: "ENC[v1]:bbb",
		KeyVersion: 1, IsActive: true,
	}
	if err := d.UpsertCredential(ctx, cred); err != nil {
		t.Fatalf("UpsertCredential: %v", err)
	}

	active, err := d.ListActiveCredentials(ctx, "bybit-linear")
	if err != nil || len(active) != 1 {
		t.Fatalf("ListActiveCredentials: %v (%d rows)", err, len(active))
	}

	if err := d.DeactivateCredential(ctx, "u1", "bybit-linear", "auth rejected"); err != nil {
		t.Fatalf("DeactivateCredential: %v", err)
	}
	active, _ = d.ListActiveCredentials(ctx, "bybit-linear")
	if len(active) != 0 {
		t.Errorf("deactivated credential still listed")
	}

	row, err := d.GetCredential(ctx, "u1", "bybit-linear")
	if err != nil {
		t.Fatalf("GetCredential: %v", err)
	}
	if row.IsActive || row.InvalidReason != "auth rejected" {
		t.Errorf("row = active %v, reason %q", row.IsActive, row.InvalidReason)
	}

	// Deactivating twice is harmless.
	if err := d.DeactivateCredential(ctx, "u1", "bybit-linear", "auth rejected"); err != nil {
		t.Errorf("second DeactivateCredential: %v", err)
	}
}

func TestRiskProfileRoundTrip(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	if _, err := d.GetRiskProfile(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing profile: got %v, want ErrNotFound", err)
	}

	p := RiskProfile{
		UserID: "u1", BalanceFraction: 0.25, Leverage: 10,
		TPMultiplier: 2, SLMultiplier: 1, MaxConcurrentPositions: 3,
	}
	if err := d.UpsertRiskProfile(ctx, p); err != nil {
		t.Fatalf("UpsertRiskProfile: %v", err)
	}

	got, err := d.GetRiskProfile(ctx, "u1")
	if err != nil {
		t.Fatalf("GetRiskProfile: %v", err)
	}
	if got.Leverage != 10 || got.BalanceFraction != 0.25 {
		t.Errorf("profile = %+v", got)
	}

	p.Leverage = 15
	if err := d.UpsertRiskProfile(ctx, p); err != nil {
		t.Fatalf("second UpsertRiskProfile: %v", err)
	}
	got, _ = d.GetRiskProfile(ctx, "u1")
	if got.Leverage != 15 {
		t.Errorf("updated leverage = %v, want 15", got.Leverage)
	}
}
