package regime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"signal-engine/pkg/config"
)

// SentimentProvider serves the 0-100 fear/greed style index.
type SentimentProvider interface {
	Name() string
	Sentiment(ctx context.Context) (int, error)
}

// BreadthProvider serves the fraction of tracked assets with a positive
// 24h change. Providers are tried in priority order; any regional block,
// rate limit, or malformed body just moves the chain along.
type BreadthProvider interface {
	Name() string
	Breadth(ctx context.Context) (float64, error)
}

var errEmptyResult = errors.New("provider returned no assets")

// FearGreedClient reads an alternative.me-shaped fear & greed endpoint.
type FearGreedClient struct {
	url    string
	client *http.Client
}

// NewFearGreedClient builds the sentiment provider.
func NewFearGreedClient(url string, timeout time.Duration) *FearGreedClient {
	return &FearGreedClient{url: url, client: &http.Client{Timeout: timeout}}
}

func (f *FearGreedClient) Name() string { return "fear-greed" }

func (f *FearGreedClient) Sentiment(ctx context.Context) (int, error) {
	var body struct {
		Data []struct {
			Value string `json:"value"`
		} `json:"data"`
	}
	if err := getJSON(ctx, f.client, f.url, &body); err != nil {
		return 0, err
	}
	if len(body.Data) == 0 {
		return 0, errEmptyResult
	}
	v, err := strconv.Atoi(body.Data[0].Value)
	if err != nil {
		return 0, fmt.Errorf("parse index value: %w", err)
	}
	if v < 0 || v > 100 {
		return 0, fmt.Errorf("index value %d out of range", v)
	}
	return v, nil
}

// NewBreadthProvider builds one chain entry from configuration. Each named
// provider has its own JSON shape to map into a breadth percentage.
func NewBreadthProvider(cfg config.BreadthProvider) (BreadthProvider, error) {
	client := &http.Client{Timeout: cfg.Timeout}
	switch cfg.Name {
	case "binance":
		return &binanceBreadth{url: cfg.URL, client: client}, nil
	case "coingecko":
		return &coingeckoBreadth{url: cfg.URL, client: client}, nil
	case "coinpaprika":
		return &coinpaprikaBreadth{url: cfg.URL, client: client}, nil
	default:
		return nil, fmt.Errorf("unknown breadth provider %q", cfg.Name)
	}
}

type binanceBreadth struct {
	url    string
	client *http.Client
}

func (b *binanceBreadth) Name() string { return "binance" }

func (b *binanceBreadth) Breadth(ctx context.Context) (float64, error) {
	var rows []struct {
		Symbol             string `json:"symbol"`
		PriceChangePercent string `json:"priceChangePercent"`
	}
	if err := getJSON(ctx, b.client, b.url, &rows); err != nil {
		return 0, err
	}
	total, up := 0, 0
	for _, r := range rows {
		pct, err := strconv.ParseFloat(r.PriceChangePercent, 64)
		if err != nil {
			continue
		}
		total++
		if pct > 0 {
			up++
		}
	}
	return ratio(up, total)
}

type coingeckoBreadth struct {
	url    string
	client *http.Client
}

func (c *coingeckoBreadth) Name() string { return "coingecko" }

func (c *coingeckoBreadth) Breadth(ctx context.Context) (float64, error) {
	var rows []struct {
		ID        string   `json:"id"`
		Change24h *float64 `json:"price_change_percentage_24h"`
	}
	if err := getJSON(ctx, c.client, c.url, &rows); err != nil {
		return 0, err
	}
	total, up := 0, 0
	for _, r := range rows {
		if r.Change24h == nil {
			continue
		}
		total++
		if *r.Change24h > 0 {
			up++
		}
	}
	return ratio(up, total)
}

type coinpaprikaBreadth struct {
	url    string
	client *http.Client
}

func (c *coinpaprikaBreadth) Name() string { return "coinpaprika" }

func (c *coinpaprikaBreadth) Breadth(ctx context.Context) (float64, error) {
	var rows []struct {
		ID     string `json:"id"`
		Quotes struct {
			USD struct {
				Change24h float64 `json:"percent_change_24h"`
			} `json:"USD"`
		} `json:"quotes"`
	}
	if err := getJSON(ctx, c.client, c.url, &rows); err != nil {
		return 0, err
	}
	total, up := 0, 0
	for _, r := range rows {
		total++
		if r.Quotes.USD.Change24h > 0 {
			up++
		}
	}
	return ratio(up, total)
}

func ratio(up, total int) (float64, error) {
	if total == 0 {
		return 0, errEmptyResult
	}
	return 100 * float64(up) / float64(total), nil
}

func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", res.StatusCode)
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}
