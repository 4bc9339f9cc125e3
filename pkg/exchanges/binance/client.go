// Package binance implements the venue client for Binance USDT-M futures.
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"signal-engine/pkg/exchanges/common"
)

// Config holds Binance USDT-M futures credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64  // ms
	BaseURL    string // override for tests
}

// Client handles Binance USDT-M futures.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	timeSync   *common.TimeSync
	pacer      *common.Pacer
	retry      common.RetryPolicy
}

// NewClient creates a new USDT-M futures client.
func NewClient(cfg Config) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = "https://fapi.binance.com"
		if cfg.Testnet {
			base = "https://testnet.binancefuture.com"
		}
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	c := &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		pacer:      common.NewPacer(5, 1),
		retry:      common.DefaultRetryPolicy(),
	}
	c.timeSync = common.NewTimeSync(c.ServerTime)
	return c
}

// ServerTime fetches futures server time.
func (c *Client) ServerTime(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/fapi/v1/time", nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, common.ClassifyTransport(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return 0, common.ClassifyHTTP(resp.StatusCode, string(b))
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return 0, err
	}
	return res.ServerTime, nil
}

// PlaceOrder opens a position with mandatory protective legs, or reduces an
// existing one when req.ReduceOnly is set. Leg outcomes are reported
// individually so the orchestrator can unwind on partial failure.
func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return common.OrderResult{}, errors.New("binance: API key/secret required")
	}

	if req.Leverage > 0 && !req.ReduceOnly {
		// Best effort; a leverage already set at this value returns an error we ignore.
		_ = c.setLeverage(ctx, req.Symbol, req.Leverage)
	}

	entry, err := c.submit(ctx, func(p url.Values) {
		p.Set("symbol", req.Symbol)
		p.Set("side", string(req.Side))
		p.Set("type", "MARKET")
		p.Set("quantity", formatFloat(req.Qty))
		if req.ClientID != "" {
			p.Set("newClientOrderId", req.ClientID)
		}
		if req.ReduceOnly {
			p.Set("reduceOnly", "true")
		}
	})
	result := common.OrderResult{}
	if err != nil {
		result.Status = common.StatusRejected
		result.Legs = append(result.Legs, common.LegResult{Leg: common.LegEntry, Err: err.Error()})
		return result, err
	}
	result.ExchangeOrderID = entry.id
	result.Status = entry.status
	result.Legs = append(result.Legs, common.LegResult{Leg: common.LegEntry, OK: true, ExchangeOrderID: entry.id})

	if req.ReduceOnly {
		return result, nil
	}

	closeSide := common.SideSell
	if req.Side == common.SideSell {
		closeSide = common.SideBuy
	}

	tp, tpErr := c.submit(ctx, func(p url.Values) {
		p.Set("symbol", req.Symbol)
		p.Set("side", string(closeSide))
		p.Set("type", "TAKE_PROFIT_MARKET")
		p.Set("stopPrice", formatFloat(req.TakeProfit))
		p.Set("closePosition", "true")
		p.Set("workingType", "MARK_PRICE")
	})
	result.Legs = append(result.Legs, legResult(common.LegTakeProfit, tp, tpErr))

	sl, slErr := c.submit(ctx, func(p url.Values) {
		p.Set("symbol", req.Symbol)
		p.Set("side", string(closeSide))
		p.Set("type", "STOP_MARKET")
		p.Set("stopPrice", formatFloat(req.StopLoss))
		p.Set("closePosition", "true")
		p.Set("workingType", "MARK_PRICE")
	})
	result.Legs = append(result.Legs, legResult(common.LegStopLoss, sl, slErr))

	return result, nil
}

// CancelOrder cancels an order by symbol and ID.
func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	params := func() url.Values {
		p := url.Values{}
		p.Set("symbol", symbol)
		p.Set("orderId", exchangeOrderID)
		return p
	}
	_, err := c.signedCall(ctx, http.MethodDelete, "/fapi/v1/order", params)
	return err
}

// QueryBalance returns the available USDT futures balance.
func (c *Client) QueryBalance(ctx context.Context) (common.Balance, error) {
	body, err := c.signedCall(ctx, http.MethodGet, "/fapi/v2/balance", func() url.Values { return url.Values{} })
	if err != nil {
		return common.Balance{}, err
	}
	var rows []struct {
		Asset            string `json:"asset"`
		Balance          string `json:"balance"`
		AvailableBalance string `json:"availableBalance"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return common.Balance{}, fmt.Errorf("decode balance: %w", err)
	}
	for _, r := range rows {
		if r.Asset == "USDT" {
			return common.Balance{
				Asset:     r.Asset,
				Total:     parseFloat(r.Balance),
				Available: parseFloat(r.AvailableBalance),
			}, nil
		}
	}
	return common.Balance{Asset: "USDT"}, nil
}

// QueryPositions returns open positions; symbol optional.
func (c *Client) QueryPositions(ctx context.Context, symbol string) ([]common.Position, error) {
	body, err := c.signedCall(ctx, http.MethodGet, "/fapi/v2/positionRisk", func() url.Values {
		p := url.Values{}
		if symbol != "" {
			p.Set("symbol", symbol)
		}
		return p
	})
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		MarkPrice        string `json:"markPrice"`
		UnRealizedProfit string `json:"unRealizedProfit"`
		Leverage         string `json:"leverage"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}

	var out []common.Position
	for _, r := range rows {
		amt := parseFloat(r.PositionAmt)
		if amt == 0 {
			continue
		}
		side := "LONG"
		if amt < 0 {
			side = "SHORT"
			amt = -amt
		}
		out = append(out, common.Position{
			Symbol:        r.Symbol,
			Side:          side,
			Qty:           amt,
			EntryPrice:    parseFloat(r.EntryPrice),
			MarkPrice:     parseFloat(r.MarkPrice),
			Leverage:      int(parseFloat(r.Leverage)),
			UnrealizedPnL: parseFloat(r.UnRealizedProfit),
		})
	}
	return out, nil
}

func (c *Client) setLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := c.signedCall(ctx, http.MethodPost, "/fapi/v1/leverage", func() url.Values {
		p := url.Values{}
		p.Set("symbol", symbol)
		p.Set("leverage", strconv.Itoa(leverage))
		return p
	})
	return err
}

type submitResult struct {
	id     string
	status common.OrderStatus
}

func (c *Client) submit(ctx context.Context, build func(url.Values)) (submitResult, error) {
	body, err := c.signedCall(ctx, http.MethodPost, "/fapi/v1/order", func() url.Values {
		p := url.Values{}
		build(p)
		return p
	})
	if err != nil {
		return submitResult{}, err
	}
	var resp struct {
		OrderID int64  `json:"orderId"`
		Status  string `json:"status"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return submitResult{}, fmt.Errorf("decode order: %w", err)
	}
	return submitResult{id: strconv.FormatInt(resp.OrderID, 10), status: mapStatus(resp.Status)}, nil
}

// signedCall signs and sends a request, retrying transient failures with a
// fresh timestamp/signature per attempt.
func (c *Client) signedCall(ctx context.Context, method, path string, build func() url.Values) ([]byte, error) {
	c.timeSync.EnsureSynced(ctx)

	var body []byte
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		release, err := c.pacer.Acquire(ctx)
		if err != nil {
			return err
		}
		defer release()

		params := build()
		params.Set("timestamp", strconv.FormatInt(c.timeSync.Now(), 10))
		params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
		params.Set("signature", sign(params.Encode(), c.cfg.APISecret))

		encoded := params.Encode()
		var req *http.Request
		switch method {
		case http.MethodGet, http.MethodDelete:
			req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+encoded, nil)
		default:
			req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, strings.NewReader(encoded))
			if req != nil {
				req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			}
		}
		if err != nil {
			return err
		}
		req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)

		res, err := c.httpClient.Do(req)
		if err != nil {
			return common.ClassifyTransport(err)
		}
		defer res.Body.Close()

		raw, _ := io.ReadAll(res.Body)
		if res.StatusCode >= 300 {
			return classify(res.StatusCode, raw)
		}
		body = raw
		return nil
	})
	return body, err
}

func legResult(leg string, res submitResult, err error) common.LegResult {
	if err != nil {
		return common.LegResult{Leg: leg, Err: err.Error()}
	}
	return common.LegResult{Leg: leg, OK: true, ExchangeOrderID: res.id}
}

func mapStatus(s string) common.OrderStatus {
	switch s {
	case "NEW", "PARTIALLY_FILLED":
		return common.StatusNew
	case "FILLED":
		return common.StatusFilled
	case "REJECTED", "EXPIRED", "CANCELED":
		return common.StatusRejected
	default:
		return common.StatusUnknown
	}
}
