package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_OverlaysYAMLOnDefaults(t *testing.T) {
	path := writeFile(t, `
market:
  symbol: R_50
  granularity_seconds: 120
signal:
  recompute_interval: 15s
  weighted: true
  strategies: [ema_cross, rsi_extreme]
  weights:
    ema_cross: 1.3
trading:
  cooldown: 45s
  martingale:
    enabled: true
    multiplier: 2
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "R_50", cfg.Market.Symbol)
	assert.Equal(t, 120, cfg.Market.GranularitySeconds)
	assert.Equal(t, 500, cfg.Market.MaxCandles, "unset fields keep defaults")
	assert.Equal(t, 15*time.Second, cfg.Signal.RecomputeInterval)
	assert.True(t, cfg.Signal.Weighted)
	assert.Equal(t, []string{"ema_cross", "rsi_extreme"}, cfg.Signal.Strategies)
	assert.Equal(t, 1.3, cfg.Signal.Weights["ema_cross"])
	assert.Equal(t, 45*time.Second, cfg.Trading.Cooldown)
	assert.True(t, cfg.Trading.Martingale.Enabled)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("BROKER_TOKEN", "secret-token")
	t.Setenv("TRADING_MODE", "live")
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("REDIS_ADDR", "redis:6380")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "secret-token", cfg.Broker.Token)
	assert.Equal(t, ModeLive, cfg.Trading.Mode)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
}

func TestValidate_CollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Market.Symbol = ""
	cfg.Trading.Mode = "yolo"
	cfg.Signal.Weights = map[string]float64{"ema_cross": -1}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "market.symbol is required")
	assert.Contains(t, err.Error(), `trading.mode must be one of off, paper, live; got "yolo"`)
	assert.Contains(t, err.Error(), "signal.weights.ema_cross must be positive")
}

func TestValidate_LiveNeedsToken(t *testing.T) {
	cfg := Default()
	cfg.Trading.Mode = ModeLive
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker.token")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := Default()
	cfg.Market.Symbol = "1HZ100V"
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "1HZ100V", loaded.Market.Symbol)
	assert.Equal(t, cfg.Trading.Cooldown, loaded.Trading.Cooldown)
}
