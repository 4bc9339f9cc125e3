package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds environment-driven settings for the signal engine.
type Config struct {
	Port      string
	JWTSecret string

	// Database
	DBPath string

	// Webhook intake
	FreshnessWindow time.Duration // max signal age before STALE
	DedupWindow     time.Duration // (symbol, directive) replay window
	SymbolPattern   string        // allow-list regexp for symbols

	// Regime gate
	RegimeTTL       time.Duration
	SentimentURL    string
	ProviderTimeout time.Duration
	Breadth         []BreadthProvider

	// Risk
	Risk RiskBounds

	// Execution
	Workers        int
	QueueSize      int
	CooldownWindow time.Duration
	MinBalance     float64
	RecvWindowMs   int64

	// Logging
	LogLevel  string
	LogFormat string // json or console
}

// BreadthProvider describes one market-data source in the fallback chain.
type BreadthProvider struct {
	Name    string        `yaml:"name"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// RiskBounds carries admin-defined sizing defaults and clamp limits.
// The exact multipliers are deliberately configuration, not constants.
type RiskBounds struct {
	BalanceFraction  float64 `yaml:"balance_fraction"`
	StrongFactor     float64 `yaml:"strong_factor"`
	DefaultLeverage  float64 `yaml:"default_leverage"`
	MaxLeverage      float64 `yaml:"max_leverage"`
	DefaultTP        float64 `yaml:"default_tp_multiplier"`
	MaxTP            float64 `yaml:"max_tp_multiplier"`
	DefaultSL        float64 `yaml:"default_sl_multiplier"`
	MinSL            float64 `yaml:"min_sl_multiplier"`
	MaxSL            float64 `yaml:"max_sl_multiplier"`
	MaxOpenPositions int     `yaml:"max_open_positions"`
}

// DefaultRiskBounds returns the stock sizing parameters.
func DefaultRiskBounds() RiskBounds {
	return RiskBounds{
		BalanceFraction:  0.30,
		StrongFactor:     1.0,
		DefaultLeverage:  5,
		MaxLeverage:      20,
		DefaultTP:        3,
		MaxTP:            10,
		DefaultSL:        2,
		MinSL:            0.5,
		MaxSL:            5,
		MaxOpenPositions: 2,
	}
}

// fileSettings is the optional YAML overlay (CONFIG_PATH).
type fileSettings struct {
	Breadth []BreadthProvider `yaml:"breadth_providers"`
	Risk    *RiskBounds       `yaml:"risk"`
}

// Load reads environment variables (optionally via .env) into Config,
// then overlays the YAML settings file when present.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", "8080"),
		JWTSecret:       getEnv("JWT_SECRET", "dev-secret"),
		DBPath:          getEnv("DB_PATH", "./data/engine.db"),
		FreshnessWindow: getEnvDuration("SIGNAL_FRESHNESS_WINDOW", 30*time.Second),
		DedupWindow:     getEnvDuration("SIGNAL_DEDUP_WINDOW", 5*time.Second),
		SymbolPattern:   getEnv("SYMBOL_PATTERN", `^[A-Z0-9]{2,20}(USDT|USDC|BUSD|USD)$`),
		RegimeTTL:       getEnvDuration("REGIME_TTL", 15*time.Minute),
		SentimentURL:    getEnv("SENTIMENT_URL", "https://api.alternative.me/fng/?limit=1"),
		ProviderTimeout: getEnvDuration("PROVIDER_TIMEOUT", 5*time.Second),
		Workers:         getEnvInt("FANOUT_WORKERS", 8),
		QueueSize:       getEnvInt("SIGNAL_QUEUE_SIZE", 256),
		CooldownWindow:  getEnvDuration("TICKER_COOLDOWN", 2*time.Hour),
		MinBalance:      getEnvFloat("MIN_TRADE_BALANCE", 10.0),
		RecvWindowMs:    int64(getEnvInt("EXCHANGE_RECV_WINDOW_MS", 5000)),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFormat:       getEnv("LOG_FORMAT", "console"),
		Risk:            DefaultRiskBounds(),
		Breadth:         defaultBreadthProviders(),
	}

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return cfg, nil
}

func defaultBreadthProviders() []BreadthProvider {
	return []BreadthProvider{
		{Name: "binance", URL: "https://api.binance.com/api/v3/ticker/24hr", Timeout: 5 * time.Second},
		{Name: "coingecko", URL: "https://api.coingecko.com/api/v3/coins/markets?vs_currency=usd&per_page=100", Timeout: 5 * time.Second},
		{Name: "coinpaprika", URL: "https://api.coinpaprika.com/v1/tickers?limit=100", Timeout: 5 * time.Second},
	}
}

func (c *Config) overlayFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var fs fileSettings
	if err := yaml.Unmarshal(raw, &fs); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if len(fs.Breadth) > 0 {
		c.Breadth = fs.Breadth
		for i := range c.Breadth {
			if c.Breadth[i].Timeout <= 0 {
				c.Breadth[i].Timeout = c.ProviderTimeout
			}
		}
	}
	if fs.Risk != nil {
		c.Risk = *fs.Risk
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return def
}
