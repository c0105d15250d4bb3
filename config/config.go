// Package config loads the signal engine settings from YAML, with secrets
// and addresses overridable from the environment (and an optional .env file).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// App captures process-wide runtime settings.
type App struct {
	Name        string `yaml:"name"`
	Env         string `yaml:"env"`
	LogLevel    string `yaml:"log_level"`
	HTTPAddr    string `yaml:"http_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Broker describes the websocket market-data and order API.
type Broker struct {
	URL               string        `yaml:"url"`
	AppID             string        `yaml:"app_id"`
	Token             string        `yaml:"token"`
	Currency          string        `yaml:"currency"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`
}

// Market selects the instrument and sizes the candle store.
type Market struct {
	Symbol             string `yaml:"symbol"`
	GranularitySeconds int    `yaml:"granularity_seconds"`
	HistoryCount       int    `yaml:"history_count"`
	MaxCandles         int    `yaml:"max_candles"`
	MaxTicks           int    `yaml:"max_ticks"`
}

// Adaptive configures performance-based reweighting.
type Adaptive struct {
	Enabled    bool `yaml:"enabled"`
	Window     int  `yaml:"window"`
	MinSamples int  `yaml:"min_samples"`
}

// Signal configures the aggregator.
type Signal struct {
	RecomputeInterval time.Duration      `yaml:"recompute_interval"`
	Weighted          bool               `yaml:"weighted"`
	Extended          bool               `yaml:"extended"`
	Strategies        []string           `yaml:"strategies"` // empty enables all
	Weights           map[string]float64 `yaml:"weights"`
	Adaptive          Adaptive           `yaml:"adaptive"`
}

// Martingale configures stake escalation after losses.
type Martingale struct {
	Enabled    bool    `yaml:"enabled"`
	Multiplier float64 `yaml:"multiplier"`
}

// Trading configures order placement and the trade gate.
type Trading struct {
	Mode                 string        `yaml:"mode"` // off, paper, live
	AutoTrade            bool          `yaml:"auto_trade"`
	MinConfidence        float64       `yaml:"min_confidence"`
	Amount               float64       `yaml:"amount"`
	DurationMinutes      int           `yaml:"duration_minutes"`
	MaxTrades            int           `yaml:"max_trades"`
	MaxDailyTrades       int           `yaml:"max_daily_trades"`
	MaxDailyLoss         float64       `yaml:"max_daily_loss"`
	Cooldown             time.Duration `yaml:"cooldown"`
	MaxConsecutiveLosses int           `yaml:"max_consecutive_losses"`
	Payout               float64       `yaml:"payout"` // paper mode profit ratio on a win
	Martingale           Martingale    `yaml:"martingale"`
}

// Redis configures the signal publisher.
type Redis struct {
	Enabled       bool   `yaml:"enabled"`
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// Ledger configures the trade history store.
type Ledger struct {
	DSN string `yaml:"dsn"`
}

// Archive configures the closed-candle archive. An empty path disables it.
type Archive struct {
	Path string `yaml:"path"`
}

// Notify configures alert delivery. Empty fields disable a backend.
type Notify struct {
	WebhookURL       string  `yaml:"webhook_url"`
	TelegramToken    string  `yaml:"telegram_token"`
	TelegramChatID   string  `yaml:"telegram_chat_id"`
	SignalConfidence float64 `yaml:"signal_confidence"` // alert on signals at or above this
}

// Config collects every configuration leaf.
type Config struct {
	App     App     `yaml:"app"`
	Broker  Broker  `yaml:"broker"`
	Market  Market  `yaml:"market"`
	Signal  Signal  `yaml:"signal"`
	Trading Trading `yaml:"trading"`
	Redis   Redis   `yaml:"redis"`
	Ledger  Ledger  `yaml:"ledger"`
	Archive Archive `yaml:"archive"`
	Notify  Notify  `yaml:"notify"`
}

// Trading modes.
const (
	ModeOff   = "off"
	ModePaper = "paper"
	ModeLive  = "live"
)

// Default returns a complete configuration for a paper-trading session.
func Default() *Config {
	return &Config{
		App: App{
			Name:        "signald",
			Env:         "dev",
			LogLevel:    "info",
			HTTPAddr:    ":8080",
			MetricsAddr: ":9090",
		},
		Broker: Broker{
			URL:               "ws://localhost:9001/websockets/v3",
			AppID:             "1089",
			Currency:          "USD",
			RequestTimeout:    10 * time.Second,
			ReconnectDelay:    time.Second,
			MaxReconnectDelay: 30 * time.Second,
		},
		Market: Market{
			Symbol:             "R_100",
			GranularitySeconds: 60,
			HistoryCount:       200,
			MaxCandles:         500,
			MaxTicks:           500,
		},
		Signal: Signal{
			RecomputeInterval: 5 * time.Second,
			Extended:          true,
			Adaptive:          Adaptive{Window: 50, MinSamples: 5},
		},
		Trading: Trading{
			Mode:                 ModePaper,
			MinConfidence:        70,
			Amount:               1,
			DurationMinutes:      1,
			MaxTrades:            10,
			MaxDailyTrades:       50,
			MaxDailyLoss:         100,
			Cooldown:             30 * time.Second,
			MaxConsecutiveLosses: 4,
			Payout:               0.85,
			Martingale:           Martingale{Multiplier: 2.2},
		},
		Redis: Redis{
			Addr:          "localhost:6379",
			ChannelPrefix: "pub",
		},
		Ledger: Ledger{DSN: "file:ledger?mode=memory&cache=shared"},
		Notify: Notify{SignalConfidence: 80},
	}
}

// Load reads path (when non-empty) over the defaults, then applies .env and
// environment overrides, then validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
	}

	// A missing .env is normal outside development.
	_ = godotenv.Load()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.App.LogLevel = getEnv("LOG_LEVEL", c.App.LogLevel)
	c.App.HTTPAddr = getEnv("HTTP_ADDR", c.App.HTTPAddr)
	c.App.MetricsAddr = getEnv("METRICS_ADDR", c.App.MetricsAddr)
	c.Broker.URL = getEnv("BROKER_URL", c.Broker.URL)
	c.Broker.AppID = getEnv("BROKER_APP_ID", c.Broker.AppID)
	c.Broker.Token = getEnv("BROKER_TOKEN", c.Broker.Token)
	c.Market.Symbol = getEnv("MARKET_SYMBOL", c.Market.Symbol)
	c.Trading.Mode = getEnv("TRADING_MODE", c.Trading.Mode)
	c.Archive.Path = getEnv("ARCHIVE_PATH", c.Archive.Path)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.Enabled = getEnvBool("REDIS_ENABLED", c.Redis.Enabled)
	c.Notify.WebhookURL = getEnv("NOTIFY_WEBHOOK_URL", c.Notify.WebhookURL)
	c.Notify.TelegramToken = getEnv("TELEGRAM_TOKEN", c.Notify.TelegramToken)
	c.Notify.TelegramChatID = getEnv("TELEGRAM_CHAT_ID", c.Notify.TelegramChatID)
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Market.Symbol != "", "market.symbol is required")
	check(c.Market.GranularitySeconds > 0, "market.granularity_seconds must be positive, got %d", c.Market.GranularitySeconds)
	check(c.Market.MaxCandles > 0, "market.max_candles must be positive, got %d", c.Market.MaxCandles)
	check(c.Market.HistoryCount >= 0, "market.history_count must not be negative")
	check(c.Signal.RecomputeInterval > 0, "signal.recompute_interval must be positive")
	for name, w := range c.Signal.Weights {
		check(w > 0, "signal.weights.%s must be positive, got %v", name, w)
	}

	switch c.Trading.Mode {
	case ModeOff, ModePaper:
	case ModeLive:
		check(c.Broker.Token != "", "broker.token (or BROKER_TOKEN) is required for live trading")
	default:
		check(false, "trading.mode must be one of off, paper, live; got %q", c.Trading.Mode)
	}
	if c.Trading.Mode != ModeOff {
		check(c.Trading.Amount > 0, "trading.amount must be positive")
		check(c.Trading.DurationMinutes > 0, "trading.duration_minutes must be positive")
		check(c.Trading.MaxTrades > 0, "trading.max_trades must be positive")
		check(c.Trading.Cooldown >= 0, "trading.cooldown must not be negative")
		check(c.Trading.MinConfidence >= 0 && c.Trading.MinConfidence <= 100, "trading.min_confidence must be within 0..100")
	}
	if c.Trading.Martingale.Enabled {
		check(c.Trading.Martingale.Multiplier >= 1, "trading.martingale.multiplier must be at least 1")
		check(c.Trading.MaxConsecutiveLosses > 0, "trading.max_consecutive_losses is required with martingale")
	}
	if c.Trading.Mode != ModeLive {
		check(c.Trading.Payout > 0, "trading.payout must be positive for simulated settlement")
	}
	check(!c.Redis.Enabled || c.Redis.Addr != "", "redis.addr is required when redis is enabled")
	check(c.Broker.URL != "" || c.Trading.Mode == ModeOff, "broker.url is required")

	return errors.Join(errs...)
}

// Save writes cfg as YAML.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
