package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"signal-engine/internal/events"
	"signal-engine/internal/risk"
	"signal-engine/internal/signal"
	"signal-engine/internal/vault"
	"signal-engine/pkg/config"
	"signal-engine/pkg/crypto"
	"signal-engine/pkg/db"
	"signal-engine/pkg/exchanges/common"
)

const testExchange = "binance-usdtfut"

// fakeVenue implements common.Client with scripted behavior.
type fakeVenue struct {
	mu        sync.Mutex
	balance   common.Balance
	positions []common.Position

	placeFn  func(req common.OrderRequest) (common.OrderResult, error)
	placed   []common.OrderRequest
	canceled []string
}

func filledResult(id string) common.OrderResult {
	return common.OrderResult{
		ExchangeOrderID: id,
		Status:          common.StatusFilled,
		Legs: []common.LegResult{
			{Leg: common.LegEntry, OK: true, ExchangeOrderID: id},
			{Leg: common.LegTakeProfit, OK: true, ExchangeOrderID: id + "-tp"},
			{Leg: common.LegStopLoss, OK: true, ExchangeOrderID: id + "-sl"},
		},
	}
}

func (f *fakeVenue) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, req)
	if f.placeFn != nil {
		return f.placeFn(req)
	}
	return filledResult("ex-1"), nil
}

func (f *fakeVenue) CancelOrder(ctx context.Context, symbol, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, id)
	return nil
}

func (f *fakeVenue) QueryBalance(ctx context.Context) (common.Balance, error) {
	return f.balance, nil
}

func (f *fakeVenue) QueryPositions(ctx context.Context, symbol string) ([]common.Position, error) {
	return f.positions, nil
}

func (f *fakeVenue) ServerTime(ctx context.Context) (int64, error) {
	return time.Now().UnixMilli(), nil
}

type fixture struct {
	orch   *Orchestrator
	db     *db.Database
	vault  *vault.Vault
	venues map[string]*fakeVenue // userID -> venue
	cancel context.CancelFunc
}

// newFixture provisions users with credentials and one scripted venue each.
func newFixture(t *testing.T, users []string) *fixture {
	t.Helper()

	key, _ := crypto.GenerateKey()
	t.Setenv("MASTER_ENCRYPTION_KEY", key)
	keyring, err := crypto.NewKeyring()
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}

	database, err := db.NewInMemory()
	if err != nil {
		t.Fatalf("NewInMemory: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}

	bus := events.NewBus()
	v := vault.New(database, keyring, bus, zerolog.Nop())

	venues := make(map[string]*fakeVenue)
	keysToUsers := make(map[string]string)
	ctx := context.Background()
	for _, u := range users {
		apiKey := "k-" + u + "9x7"
		keysToUsers[apiKey] = u
		venues[u] = &fakeVenue{balance: common.Balance{Asset: "USDT", Available: 1000}}
		if err := v.Put(ctx, vault.Credential{
			UserID: u, Exchange: testExchange, APIKey: apiKey, APISecret: "s-" + u + "3z1",
		}); err != nil {
			t.Fatalf("Put(%s): %v", u, err)
		}
	}

	calc := risk.NewCalculator(config.DefaultRiskBounds(), 10.0)
	orch := New(database, v, calc, bus, zerolog.Nop(), Options{
		Workers:        4,
		QueueSize:      16,
		CooldownWindow: 2 * time.Hour,
		Exchanges:      []string{testExchange},
		ClientFactory: func(exchange, apiKey, apiSecret string, testnet bool) (common.Client, error) {
			user, ok := keysToUsers[apiKey]
			if !ok {
				return nil, errors.New("unknown api key")
			}
			return venues[user], nil
		},
	})

	runCtx, cancel := context.WithCancel(context.Background())
	orch.Start(runCtx)
	t.Cleanup(cancel)

	return &fixture{orch: orch, db: database, vault: v, venues: venues, cancel: cancel}
}

func (f *fixture) submit(t *testing.T, directive signal.Directive, symbol string, price float64) string {
	t.Helper()
	sig := signal.Signal{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Directive: directive,
		Price:     price,
		SourceTS:  time.Now(),
	}
	if err := f.db.CreateSignal(context.Background(), db.Signal{
		ID: sig.ID, Symbol: sig.Symbol, Directive: string(sig.Directive),
		Price: sig.Price, SourceTS: sig.SourceTS, RawPayload: "{}", Status: "VALIDATED",
	}); err != nil {
		t.Fatalf("CreateSignal: %v", err)
	}
	if !f.orch.Enqueue(sig) {
		t.Fatal("Enqueue refused signal")
	}
	return sig.ID
}

// waitTerminal polls until the signal leaves the queue pipeline.
func (f *fixture) waitTerminal(t *testing.T, signalID string) *db.Signal {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		sig, err := f.db.GetSignal(context.Background(), signalID)
		if err != nil {
			t.Fatalf("GetSignal: %v", err)
		}
		if sig.Status == "PROCESSED" || sig.Status == "REJECTED" {
			return sig
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("signal never reached a terminal status")
	return nil
}

func ordersByUser(t *testing.T, database *db.Database, signalID string) map[string]db.Order {
	t.Helper()
	rows, err := database.GetOrdersBySignal(context.Background(), signalID)
	if err != nil {
		t.Fatalf("GetOrdersBySignal: %v", err)
	}
	out := make(map[string]db.Order, len(rows))
	for _, o := range rows {
		out[o.UserID] = o
	}
	return out
}

func TestFanOutIsolatesCredentialFailure(t *testing.T) {
	f := newFixture(t, []string{"u1", "u2", "u3"})

	// u2's venue rejects the signature; the other two fill normally.
	f.venues["u2"].placeFn = func(req common.OrderRequest) (common.OrderResult, error) {
		return common.OrderResult{}, common.NewError(common.KindFatalCredential, -2015, "invalid api key", nil)
	}

	sigID := f.submit(t, signal.OpenLong, "BTCUSDT", 50000)
	if got := f.waitTerminal(t, sigID).Status; got != "PROCESSED" {
		t.Fatalf("signal status = %s, want PROCESSED", got)
	}

	orders := ordersByUser(t, f.db, sigID)
	if len(orders) != 3 {
		t.Fatalf("orders = %d, want one per user", len(orders))
	}
	for _, u := range []string{"u1", "u3"} {
		if orders[u].Status != "FILLED" {
			t.Errorf("%s order status = %s, want FILLED", u, orders[u].Status)
		}
		if orders[u].ExchangeOrderID == "" {
			t.Errorf("%s order missing exchange id", u)
		}
	}
	if orders["u2"].Status != "FAILED" || orders["u2"].Reason != "CREDENTIAL_INVALID" {
		t.Errorf("u2 order = %s/%s, want FAILED/CREDENTIAL_INVALID", orders["u2"].Status, orders["u2"].Reason)
	}

	// u2's credential is out of rotation; u1's untouched.
	if _, err := f.vault.Get(context.Background(), "u2", testExchange); !errors.Is(err, vault.ErrInactive) {
		t.Errorf("u2 credential: got %v, want ErrInactive", err)
	}
	if _, err := f.vault.Get(context.Background(), "u1", testExchange); err != nil {
		t.Errorf("u1 credential: %v", err)
	}
}

func TestSizingDeclineRecordsRejection(t *testing.T) {
	f := newFixture(t, []string{"u1"})
	f.venues["u1"].balance = common.Balance{Asset: "USDT", Available: 5} // below minimum

	sigID := f.submit(t, signal.OpenLong, "BTCUSDT", 50000)
	f.waitTerminal(t, sigID)

	orders := ordersByUser(t, f.db, sigID)
	if orders["u1"].Status != "REJECTED" || orders["u1"].Reason != risk.ReasonInsufficientBalance {
		t.Errorf("order = %s/%s, want REJECTED/%s", orders["u1"].Status, orders["u1"].Reason, risk.ReasonInsufficientBalance)
	}
	if len(f.venues["u1"].placed) != 0 {
		t.Error("declined sizing still reached the venue")
	}
}

func TestCooldownBlocksReentry(t *testing.T) {
	f := newFixture(t, []string{"u1"})
	f.venues["u1"].positions = []common.Position{
		{Symbol: "ETHUSDT", Side: "LONG", Qty: 1.5, EntryPrice: 2000, Leverage: 5},
	}

	// Closing starts the block.
	closeID := f.submit(t, signal.CloseLong, "ETHUSDT", 2100)
	if got := f.waitTerminal(t, closeID).Status; got != "PROCESSED" {
		t.Fatalf("close signal status = %s", got)
	}
	cd, err := f.db.GetCooldown(context.Background(), "ETHUSDT")
	if err != nil || cd == nil {
		t.Fatalf("cooldown row missing: %v", err)
	}
	if until := time.Until(cd.BlockedUntil); until < 119*time.Minute || until > 121*time.Minute {
		t.Errorf("blocked for %v, want about 2h", until)
	}

	// The close itself was reduce-only for the full size.
	placed := f.venues["u1"].placed
	if len(placed) != 1 || !placed[0].ReduceOnly || placed[0].Qty != 1.5 {
		t.Fatalf("close order = %+v", placed)
	}
	if placed[0].Side != common.SideSell {
		t.Errorf("close side = %s, want SELL", placed[0].Side)
	}

	// Re-entry on the same symbol is dropped while blocked.
	reopenID := f.submit(t, signal.OpenLong, "ETHUSDT", 2050)
	sig := f.waitTerminal(t, reopenID)
	if sig.Status != "REJECTED" || sig.RejectReason != reasonCooldownActive {
		t.Errorf("reopen = %s/%s, want REJECTED/%s", sig.Status, sig.RejectReason, reasonCooldownActive)
	}
	if len(f.venues["u1"].placed) != 1 {
		t.Error("blocked signal still reached the venue")
	}

	// A different symbol is unaffected.
	otherID := f.submit(t, signal.OpenLong, "BTCUSDT", 50000)
	if got := f.waitTerminal(t, otherID).Status; got != "PROCESSED" {
		t.Errorf("other-symbol signal status = %s", got)
	}
}

func TestCloseWithoutPositionSkipsCooldown(t *testing.T) {
	f := newFixture(t, []string{"u1"})
	// No positions scripted, so the close has nothing to do.

	closeID := f.submit(t, signal.CloseLong, "ETHUSDT", 2100)
	if got := f.waitTerminal(t, closeID).Status; got != "PROCESSED" {
		t.Fatalf("close signal status = %s", got)
	}
	if cd, err := f.db.GetCooldown(context.Background(), "ETHUSDT"); err != nil || cd != nil {
		t.Fatalf("cooldown armed with nothing closed: %v, %v", cd, err)
	}
	if len(f.venues["u1"].placed) != 0 {
		t.Error("no-op close still reached the venue")
	}

	// The symbol stays tradable.
	openID := f.submit(t, signal.OpenLong, "ETHUSDT", 2050)
	if got := f.waitTerminal(t, openID).Status; got != "PROCESSED" {
		t.Errorf("open after no-op close = %s, want PROCESSED", got)
	}
}

func TestPartialLegFailureUnwinds(t *testing.T) {
	f := newFixture(t, []string{"u1"})

	calls := 0
	f.venues["u1"].placeFn = func(req common.OrderRequest) (common.OrderResult, error) {
		calls++
		if calls == 1 {
			// Entry and TP land, the stop leg does not.
			return common.OrderResult{
				ExchangeOrderID: "ex-9",
				Status:          common.StatusFilled,
				Legs: []common.LegResult{
					{Leg: common.LegEntry, OK: true, ExchangeOrderID: "ex-9"},
					{Leg: common.LegTakeProfit, OK: true, ExchangeOrderID: "ex-9-tp"},
					{Leg: common.LegStopLoss, Err: "min notional"},
				},
			}, nil
		}
		// The unwind's flattening order.
		return common.OrderResult{ExchangeOrderID: "ex-10", Status: common.StatusFilled,
			Legs: []common.LegResult{{Leg: common.LegEntry, OK: true, ExchangeOrderID: "ex-10"}}}, nil
	}

	sigID := f.submit(t, signal.OpenLong, "BTCUSDT", 50000)
	f.waitTerminal(t, sigID)

	orders := ordersByUser(t, f.db, sigID)
	if orders["u1"].Status != "FAILED" || orders["u1"].Reason != reasonPartialLegUnwound {
		t.Errorf("order = %s/%s, want FAILED/%s", orders["u1"].Status, orders["u1"].Reason, reasonPartialLegUnwound)
	}

	venue := f.venues["u1"]
	if len(venue.canceled) != 1 || venue.canceled[0] != "ex-9-tp" {
		t.Errorf("canceled = %v, want the landed TP leg", venue.canceled)
	}
	if len(venue.placed) != 2 || !venue.placed[1].ReduceOnly {
		t.Fatalf("expected a reduce-only flattening order, got %+v", venue.placed)
	}
	if venue.placed[1].Side != common.SideSell {
		t.Errorf("flatten side = %s, want SELL (opposite the long entry)", venue.placed[1].Side)
	}
}

func TestFatalOrderRejectionDoesNotTouchCredential(t *testing.T) {
	f := newFixture(t, []string{"u1"})
	f.venues["u1"].placeFn = func(req common.OrderRequest) (common.OrderResult, error) {
		return common.OrderResult{}, common.NewError(common.KindFatalOrder, -4164, "below min notional", nil)
	}

	sigID := f.submit(t, signal.OpenLong, "BTCUSDT", 50000)
	f.waitTerminal(t, sigID)

	orders := ordersByUser(t, f.db, sigID)
	if orders["u1"].Status != "REJECTED" {
		t.Errorf("order status = %s, want REJECTED", orders["u1"].Status)
	}
	if _, err := f.vault.Get(context.Background(), "u1", testExchange); err != nil {
		t.Errorf("credential should stay active: %v", err)
	}
}

func TestRetryExhaustionMarksFailed(t *testing.T) {
	f := newFixture(t, []string{"u1"})
	f.venues["u1"].placeFn = func(req common.OrderRequest) (common.OrderResult, error) {
		return common.OrderResult{}, common.NewError(common.KindRetryable, 503, "maintenance", nil)
	}

	sigID := f.submit(t, signal.OpenLong, "BTCUSDT", 50000)
	f.waitTerminal(t, sigID)

	orders := ordersByUser(t, f.db, sigID)
	if orders["u1"].Status != "FAILED" || orders["u1"].Reason != reasonExchangeUnavailable {
		t.Errorf("order = %s/%s, want FAILED/%s", orders["u1"].Status, orders["u1"].Reason, reasonExchangeUnavailable)
	}
}

func TestConfirmLeavesVenueUntouched(t *testing.T) {
	f := newFixture(t, []string{"u1"})
	f.venues["u1"].positions = []common.Position{
		{Symbol: "BTCUSDT", Side: "LONG", Qty: 0.5, EntryPrice: 50000},
	}

	sigID := f.submit(t, signal.ConfirmLong, "BTCUSDT", 51000)
	if got := f.waitTerminal(t, sigID).Status; got != "PROCESSED" {
		t.Fatalf("confirm signal status = %s", got)
	}
	if len(f.venues["u1"].placed) != 0 {
		t.Error("confirm placed an order")
	}
}

func TestEnqueueShedsWhenFull(t *testing.T) {
	// Unstarted orchestrator: nothing drains the queue.
	database, err := db.NewInMemory()
	if err != nil {
		t.Fatalf("NewInMemory: %v", err)
	}
	defer database.Close()

	orch := New(database, nil, nil, nil, zerolog.Nop(), Options{Workers: 1, QueueSize: 2})
	if !orch.Enqueue(signal.Signal{ID: "a"}) || !orch.Enqueue(signal.Signal{ID: "b"}) {
		t.Fatal("queue refused capacity it should have")
	}
	if orch.Enqueue(signal.Signal{ID: "c"}) {
		t.Error("full queue accepted a third signal")
	}
}
