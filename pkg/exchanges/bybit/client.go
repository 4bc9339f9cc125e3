// Package bybit implements the venue client for Bybit v5 linear perpetuals.
package bybit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"signal-engine/pkg/exchanges/common"
)

// Config holds Bybit credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64  // ms
	BaseURL    string // override for tests
}

// Client handles Bybit v5 linear (USDT) perpetuals.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	timeSync   *common.TimeSync
	pacer      *common.Pacer
	retry      common.RetryPolicy
}

// NewClient creates a new Bybit client.
func NewClient(cfg Config) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.bybit.com"
		if cfg.Testnet {
			base = "https://api-testnet.bybit.com"
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

// ServerTime fetches the venue server time in milliseconds.
func (c *Client) ServerTime(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v5/market/time", nil)
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
		Result struct {
			TimeNano string `json:"timeNano"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return 0, err
	}
	nanos, err := strconv.ParseInt(res.Result.TimeNano, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse server time: %w", err)
	}
	return nanos / int64(time.Millisecond), nil
}

// PlaceOrder opens (or reduces) a position. Bybit accepts protective prices
// on the entry itself, so the TP/SL legs share the entry's fate and are
// reported as such.
func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return common.OrderResult{}, errors.New("bybit: API key/secret required")
	}

	side := "Buy"
	if req.Side == common.SideSell {
		side = "Sell"
	}
	payload := map[string]any{
		"category":  "linear",
		"symbol":    req.Symbol,
		"side":      side,
		"orderType": "Market",
		"qty":       strconv.FormatFloat(req.Qty, 'f', -1, 64),
	}
	if req.ClientID != "" {
		payload["orderLinkId"] = req.ClientID
	}
	if req.ReduceOnly {
		payload["reduceOnly"] = true
	} else {
		payload["takeProfit"] = strconv.FormatFloat(req.TakeProfit, 'f', -1, 64)
		payload["stopLoss"] = strconv.FormatFloat(req.StopLoss, 'f', -1, 64)
		payload["tpslMode"] = "Full"
	}

	var result struct {
		OrderID string `json:"orderId"`
	}
	err := c.signedCall(ctx, http.MethodPost, "/v5/order/create", payload, &result)
	res := common.OrderResult{}
	if err != nil {
		res.Status = common.StatusRejected
		res.Legs = append(res.Legs, common.LegResult{Leg: common.LegEntry, Err: err.Error()})
		return res, err
	}

	res.ExchangeOrderID = result.OrderID
	res.Status = common.StatusFilled // market orders fill on ack or reject
	res.Legs = append(res.Legs, common.LegResult{Leg: common.LegEntry, OK: true, ExchangeOrderID: result.OrderID})
	if !req.ReduceOnly {
		res.Legs = append(res.Legs,
			common.LegResult{Leg: common.LegTakeProfit, OK: true, ExchangeOrderID: result.OrderID},
			common.LegResult{Leg: common.LegStopLoss, OK: true, ExchangeOrderID: result.OrderID},
		)
	}
	return res, nil
}

// CancelOrder cancels an order by symbol and ID.
func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	payload := map[string]any{
		"category": "linear",
		"symbol":   symbol,
		"orderId":  exchangeOrderID,
	}
	return c.signedCall(ctx, http.MethodPost, "/v5/order/cancel", payload, nil)
}

// QueryBalance returns the available USDT balance of the unified account.
func (c *Client) QueryBalance(ctx context.Context) (common.Balance, error) {
	var result struct {
		List []struct {
			Coin []struct {
				Coin          string `json:"coin"`
				WalletBalance string `json:"walletBalance"`
				Available     string `json:"availableToWithdraw"`
			} `json:"coin"`
		} `json:"list"`
	}
	err := c.signedCall(ctx, http.MethodGet, "/v5/account/wallet-balance?accountType=UNIFIED&coin=USDT", nil, &result)
	if err != nil {
		return common.Balance{}, err
	}
	for _, acct := range result.List {
		for _, coin := range acct.Coin {
			if coin.Coin == "USDT" {
				return common.Balance{
					Asset:     "USDT",
					Total:     parseFloat(coin.WalletBalance),
					Available: parseFloat(coin.Available),
				}, nil
			}
		}
	}
	return common.Balance{Asset: "USDT"}, nil
}

// QueryPositions returns open linear positions; symbol optional.
func (c *Client) QueryPositions(ctx context.Context, symbol string) ([]common.Position, error) {
	path := "/v5/position/list?category=linear&settleCoin=USDT"
	if symbol != "" {
		path = "/v5/position/list?category=linear&symbol=" + symbol
	}
	var result struct {
		List []struct {
			Symbol        string `json:"symbol"`
			Side          string `json:"side"` // Buy/Sell
			Size          string `json:"size"`
			AvgPrice      string `json:"avgPrice"`
			MarkPrice     string `json:"markPrice"`
			Leverage      string `json:"leverage"`
			UnrealisedPnl string `json:"unrealisedPnl"`
		} `json:"list"`
	}
	if err := c.signedCall(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}

	var out []common.Position
	for _, r := range result.List {
		size := parseFloat(r.Size)
		if size == 0 {
			continue
		}
		side := "LONG"
		if r.Side == "Sell" {
			side = "SHORT"
		}
		out = append(out, common.Position{
			Symbol:        r.Symbol,
			Side:          side,
			Qty:           size,
			EntryPrice:    parseFloat(r.AvgPrice),
			MarkPrice:     parseFloat(r.MarkPrice),
			Leverage:      int(parseFloat(r.Leverage)),
			UnrealizedPnL: parseFloat(r.UnrealisedPnl),
		})
	}
	return out, nil
}

// signedCall signs and sends a request, retrying transient failures. The
// signature covers timestamp + apiKey + recvWindow + (query or JSON body),
// carried in X-BAPI-* headers.
func (c *Client) signedCall(ctx context.Context, method, path string, payload map[string]any, out any) error {
	c.timeSync.EnsureSynced(ctx)

	return c.retry.Do(ctx, func(ctx context.Context) error {
		release, err := c.pacer.Acquire(ctx)
		if err != nil {
			return err
		}
		defer release()

		var (
			body    []byte
			signed  string
			reqBody io.Reader
		)
		timestamp := strconv.FormatInt(c.timeSync.Now(), 10)
		recvWindow := strconv.FormatInt(c.cfg.RecvWindow, 10)

		if method == http.MethodGet {
			query := ""
			if i := strings.IndexByte(path, '?'); i >= 0 {
				query = path[i+1:]
			}
			signed = timestamp + c.cfg.APIKey + recvWindow + query
		} else {
			body, err = json.Marshal(payload)
			if err != nil {
				return err
			}
			signed = timestamp + c.cfg.APIKey + recvWindow + string(body)
			reqBody = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
		if err != nil {
			return err
		}
		req.Header.Set("X-BAPI-API-KEY", c.cfg.APIKey)
		req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
		req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
		req.Header.Set("X-BAPI-SIGN", sign(signed, c.cfg.APISecret))
		if method != http.MethodGet {
			req.Header.Set("Content-Type", "application/json")
		}

		res, err := c.httpClient.Do(req)
		if err != nil {
			return common.ClassifyTransport(err)
		}
		defer res.Body.Close()

		raw, _ := io.ReadAll(res.Body)
		if res.StatusCode >= 300 {
			return common.ClassifyHTTP(res.StatusCode, string(raw))
		}

		var envelope struct {
			RetCode int             `json:"retCode"`
			RetMsg  string          `json:"retMsg"`
			Result  json.RawMessage `json:"result"`
		}
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		if envelope.RetCode != 0 {
			return classify(envelope.RetCode, envelope.RetMsg)
		}
		if out != nil {
			if err := json.Unmarshal(envelope.Result, out); err != nil {
				return fmt.Errorf("decode result: %w", err)
			}
		}
		return nil
	})
}

// Bybit returns HTTP 200 with a retCode for most failures.
const (
	codeInvalidAPIKey   = 10003
	codeInvalidSign     = 10004
	codeRateLimited     = 10006
	codePermissionError = 10005
	codeParamError      = 10001
	codeInsufficientBal = 110007
)

func classify(retCode int, msg string) error {
	switch retCode {
	case codeInvalidAPIKey, codeInvalidSign, codePermissionError:
		return common.NewError(common.KindFatalCredential, retCode, msg, nil)
	case codeRateLimited:
		return common.NewError(common.KindRetryable, retCode, msg, nil)
	case codeParamError, codeInsufficientBal:
		return common.NewError(common.KindFatalOrder, retCode, msg, nil)
	default:
		return common.NewError(common.KindFatalOrder, retCode, msg, nil)
	}
}

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

