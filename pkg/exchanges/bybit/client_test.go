package bybit

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"signal-engine/pkg/exchanges/common"
)

const (
	testAPIKey    = "test-key"
	testAPISecret = "test-secret"
)

// fakeBybit verifies v5 signing on every authenticated call.
type fakeBybit struct {
	t        *testing.T
	orders   []map[string]any
	retCodes []int // consumed per /v5/order/create call, 0 = success
}

func (f *fakeBybit) verifySignature(r *http.Request, body []byte) {
	f.t.Helper()
	timestamp := r.Header.Get("X-BAPI-TIMESTAMP")
	apiKey := r.Header.Get("X-BAPI-API-KEY")
	recvWindow := r.Header.Get("X-BAPI-RECV-WINDOW")
	if timestamp == "" || apiKey != testAPIKey || recvWindow == "" {
		f.t.Errorf("missing auth headers: ts=%q key=%q recv=%q", timestamp, apiKey, recvWindow)
	}

	payload := r.URL.RawQuery
	if r.Method != http.MethodGet {
		payload = string(body)
	}
	want := sign(timestamp+apiKey+recvWindow+payload, testAPISecret)
	if got := r.Header.Get("X-BAPI-SIGN"); got != want {
		f.t.Errorf("signature mismatch: got %s want %s", got, want)
	}
}

func (f *fakeBybit) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v5/market/time", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":0,"result":{"timeNano":"1700000000000000000"}}`))
	})
	mux.HandleFunc("/v5/order/create", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.verifySignature(r, body)

		var payload map[string]any
		if err := json.Unmarshal(body, &payload); err != nil {
			f.t.Fatalf("decode order payload: %v", err)
		}
		f.orders = append(f.orders, payload)

		retCode := 0
		if len(f.retCodes) > 0 {
			retCode = f.retCodes[0]
			f.retCodes = f.retCodes[1:]
		}
		if retCode != 0 {
			json.NewEncoder(w).Encode(map[string]any{"retCode": retCode, "retMsg": "injected", "result": map[string]any{}})
			return
		}
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"orderId":"bybit-123"}}`))
	})
	mux.HandleFunc("/v5/account/wallet-balance", func(w http.ResponseWriter, r *http.Request) {
		f.verifySignature(r, nil)
		w.Write([]byte(`{"retCode":0,"result":{"list":[{"coin":[{"coin":"USDT","walletBalance":"2000","availableToWithdraw":"1800"}]}]}}`))
	})
	mux.HandleFunc("/v5/position/list", func(w http.ResponseWriter, r *http.Request) {
		f.verifySignature(r, nil)
		w.Write([]byte(`{"retCode":0,"result":{"list":[{"symbol":"BTCUSDT","side":"Sell","size":"0.2","avgPrice":"48000","markPrice":"47000","leverage":"5","unrealisedPnl":"200"}]}}`))
	})
	return mux
}

func newTestClient(t *testing.T, fake *fakeBybit) *Client {
	t.Helper()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	return NewClient(Config{APIKey: testAPIKey, APISecret: testAPISecret, BaseURL: srv.URL})
}

func TestPlaceOrderSignedAndFilled(t *testing.T) {
	fake := &fakeBybit{t: t}
	c := newTestClient(t, fake)

	res, err := c.PlaceOrder(context.Background(), common.OrderRequest{
		Symbol:     "BTCUSDT",
		Side:       common.SideBuy,
		Qty:        0.05,
		TakeProfit: 57500,
		StopLoss:   45000,
		ClientID:   "order-9",
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if res.Status != common.StatusFilled || res.ExchangeOrderID != "bybit-123" {
		t.Errorf("result = %+v", res)
	}
	if len(res.Legs) != 3 {
		t.Errorf("legs = %d, want 3 (entry carries protective prices)", len(res.Legs))
	}

	order := fake.orders[0]
	if order["category"] != "linear" || order["orderType"] != "Market" || order["side"] != "Buy" {
		t.Errorf("order payload = %v", order)
	}
	if order["takeProfit"] != "57500" || order["stopLoss"] != "45000" {
		t.Errorf("protective prices = tp %v sl %v", order["takeProfit"], order["stopLoss"])
	}
	if order["orderLinkId"] != "order-9" {
		t.Errorf("orderLinkId = %v", order["orderLinkId"])
	}
}

func TestPlaceOrderReduceOnly(t *testing.T) {
	fake := &fakeBybit{t: t}
	c := newTestClient(t, fake)

	res, err := c.PlaceOrder(context.Background(), common.OrderRequest{
		Symbol:     "BTCUSDT",
		Side:       common.SideSell,
		Qty:        0.2,
		ReduceOnly: true,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if len(res.Legs) != 1 {
		t.Errorf("legs = %d, want entry only", len(res.Legs))
	}
	order := fake.orders[0]
	if order["reduceOnly"] != true {
		t.Errorf("reduceOnly = %v", order["reduceOnly"])
	}
	if _, present := order["takeProfit"]; present {
		t.Error("reduce-only order carries takeProfit")
	}
}

func TestPlaceOrderRetriesRateLimit(t *testing.T) {
	// First attempt rate limited, second succeeds; the retry must re-sign.
	fake := &fakeBybit{t: t, retCodes: []int{codeRateLimited, 0}}
	c := newTestClient(t, fake)
	c.retry = common.RetryPolicy{BaseDelay: 1, MaxDelay: 1, MaxAttempts: 3}

	res, err := c.PlaceOrder(context.Background(), common.OrderRequest{
		Symbol: "BTCUSDT", Side: common.SideBuy, Qty: 0.05,
		TakeProfit: 1, StopLoss: 1,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if res.ExchangeOrderID != "bybit-123" {
		t.Errorf("order id = %s", res.ExchangeOrderID)
	}
	if len(fake.orders) != 2 {
		t.Errorf("attempts = %d, want 2", len(fake.orders))
	}
}

func TestPlaceOrderCredentialRejection(t *testing.T) {
	fake := &fakeBybit{t: t, retCodes: []int{codeInvalidAPIKey}}
	c := newTestClient(t, fake)

	_, err := c.PlaceOrder(context.Background(), common.OrderRequest{
		Symbol: "BTCUSDT", Side: common.SideBuy, Qty: 0.05,
		TakeProfit: 1, StopLoss: 1,
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if common.KindOf(err) != common.KindFatalCredential {
		t.Errorf("kind = %s, want FATAL_CREDENTIAL", common.KindOf(err))
	}
	if len(fake.orders) != 1 {
		t.Errorf("attempts = %d, credential failures must not retry", len(fake.orders))
	}
}

func TestQueryBalanceAndPositions(t *testing.T) {
	c := newTestClient(t, &fakeBybit{t: t})

	b, err := c.QueryBalance(context.Background())
	if err != nil {
		t.Fatalf("QueryBalance: %v", err)
	}
	if b.Available != 1800 {
		t.Errorf("available = %v, want 1800", b.Available)
	}

	positions, err := c.QueryPositions(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("QueryPositions: %v", err)
	}
	if len(positions) != 1 || positions[0].Side != "SHORT" || positions[0].Qty != 0.2 {
		t.Errorf("positions = %+v", positions)
	}
}

func TestClassifyRetCodes(t *testing.T) {
	cases := []struct {
		code int
		want common.Kind
	}{
		{codeInvalidAPIKey, common.KindFatalCredential},
		{codeInvalidSign, common.KindFatalCredential},
		{codePermissionError, common.KindFatalCredential},
		{codeRateLimited, common.KindRetryable},
		{codeParamError, common.KindFatalOrder},
		{codeInsufficientBal, common.KindFatalOrder},
		{99999, common.KindFatalOrder},
	}
	for _, c := range cases {
		if got := common.KindOf(classify(c.code, "x")); got != c.want {
			t.Errorf("classify(%d) = %s, want %s", c.code, got, c.want)
		}
	}
}
