package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"quantflow/internal/dispatch"
	"quantflow/internal/market"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const sampleConfig = `
include:
  - streams.yaml
app:
  log_level: debug
base:
  max_retries: 3
  retry_delay_secs: 2
  tags: [prod]
processing:
  mode: batch
  batch:
    batch_size: 20
  consumers:
    order:
      mode: stream
      overflow: drop_oldest
    persistence:
      enabled: false
filter:
  cooldown_ms: 0
  strategy_cooldown_ms:
    macd: 120000
risk:
  max_position_size:
    macd: "0.5"
  max_aggregate_notional: "100000"
orders:
  base_quantity:
    macd: "0.01"
`

const streamsConfig = `
kline:
  - symbol: [ETHUSDT, BTCUSDT]
    interval: 1m
  - symbol: solusdt
    interval: 5m
    base:
      auto_reconnect: false
      tags: [alt]
partial_depth:
  - symbol: [BTCUSDT]
    levels: 5
    interval: 250ms
mark_price:
  - symbol: [BTCUSDT, ETHUSDT]
    interval: 1s
`

func loadSample(t *testing.T) *Config {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "streams.yaml", streamsConfig)
	cfg, err := Load(writeFile(t, dir, "config.yaml", sampleConfig))
	require.NoError(t, err)
	return cfg
}

func TestLoadAppliesDefaultsAndIncludes(t *testing.T) {
	cfg := loadSample(t)
	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Equal(t, defaultAppHTTPAddr, cfg.App.HTTPAddr)
	assert.Equal(t, defaultExchangeREST, cfg.Exchange.RESTBaseURL)
	assert.Equal(t, 20, cfg.Processing.Batch.BatchSize)
	assert.Equal(t, defaultBatchTimeoutMs, cfg.Processing.Batch.BatchTimeoutMs)
	// explicitly set to zero disables the cooldown
	assert.Equal(t, 0, cfg.Filter.CooldownMs)
	assert.Equal(t, defaultFillTimeoutMs, cfg.Filter.FillTimeoutMs)
	assert.Equal(t, "paper", cfg.Orders.Mode)
	assert.True(t, cfg.Strategies.WatchCheckers)
	assert.Len(t, cfg.Kline, 2)
	assert.Equal(t, []string{"solusdt"}, cfg.Kline[1].Symbols)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("QUANTFLOW_APP_HTTP_ADDR", ":8088")
	cfg := loadSample(t)
	assert.Equal(t, ":8088", cfg.App.HTTPAddr)
}

func TestConnectionsMergeBase(t *testing.T) {
	cfg := loadSample(t)
	conns, err := cfg.Connections()
	require.NoError(t, err)
	require.Len(t, conns, 4)

	ids := make([]string, len(conns))
	for i, c := range conns {
		ids[i] = c.ID
	}
	assert.Equal(t, []string{
		"multi_kline_BTCUSDT_ETHUSDT_1m",
		"kline_SOLUSDT_5m",
		"partial_depth_BTCUSDT_5_250ms",
		"mark_price_BTCUSDT_ETHUSDT_1s",
	}, ids)

	multi := conns[0]
	assert.True(t, multi.Base.AutoReconnect)
	assert.Equal(t, 3, multi.Base.MaxRetries)
	assert.Equal(t, 2*time.Second, multi.Base.RetryDelay)
	assert.Equal(t, market.DefaultBaseConfig().MessageTimeout, multi.Base.MessageTimeout)
	assert.True(t, multi.HasTag("prod"))

	sol := conns[1]
	assert.False(t, sol.Base.AutoReconnect)
	assert.Equal(t, 3, sol.Base.MaxRetries)
	assert.True(t, sol.HasTag("alt"))
	assert.False(t, sol.HasTag("prod"))
}

func TestConsumerSpecs(t *testing.T) {
	cfg := loadSample(t)
	defaults := cfg.DispatchDefaults()
	assert.Equal(t, dispatch.ModeBatch, defaults.Mode)
	assert.Equal(t, 20, defaults.BatchSize)
	assert.Equal(t, 5*time.Second, defaults.MaxBatchDelay)

	calc, err := cfg.ConsumerSpec(ConsumerCalculation, "market")
	require.NoError(t, err)
	assert.Equal(t, dispatch.ModeInherit, calc.Mode)
	assert.Equal(t, 50, calc.BatchSize)
	assert.Equal(t, 500*time.Millisecond, calc.BatchTimeout)
	assert.Equal(t, []string{"market"}, calc.Kinds)
	assert.True(t, calc.Enabled)

	order, err := cfg.ConsumerSpec(ConsumerOrder)
	require.NoError(t, err)
	assert.Equal(t, dispatch.ModeStream, order.Mode)
	assert.Equal(t, dispatch.OverflowDropOldest, order.Overflow)
	assert.Equal(t, 10, order.BatchSize)

	persist, err := cfg.ConsumerSpec(ConsumerPersistence)
	require.NoError(t, err)
	assert.False(t, persist.Enabled)
	assert.Equal(t, 200, persist.BatchSize)

	assert.Equal(t, []string{"calculation", "order", "persistence"}, cfg.ConsumerNames())
}

func TestRiskAndQuantities(t *testing.T) {
	cfg := loadSample(t)
	limits, err := cfg.RiskLimits()
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("0.5").Equal(limits.MaxPositionSize["macd"]))
	assert.True(t, decimal.NewFromInt(100000).Equal(limits.MaxAggregateNotional))

	base, fallback, err := cfg.BaseQuantities()
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("0.01").Equal(base["macd"]))
	assert.True(t, decimal.RequireFromString(defaultDefaultQuantity).Equal(fallback))

	def, per := cfg.Cooldown()
	assert.Zero(t, def)
	assert.Equal(t, 2*time.Minute, per["macd"])
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"bad mode":      "processing:\n  mode: turbo\n",
		"inherit mode":  "processing:\n  mode: inherit\n",
		"bad interval":  "kline:\n  - symbol: [BTCUSDT]\n    interval: soon\n",
		"bad levels":    "partial_depth:\n  - symbol: [BTCUSDT]\n    levels: 7\n    interval: 250ms\n",
		"no symbols":    "mark_price:\n  - interval: 1s\n",
		"bad quantity":  "orders:\n  default_quantity: \"-1\"\n",
		"live orders":   "orders:\n  mode: live\n",
		"bad risk":      "risk:\n  max_position_size:\n    macd: abc\n",
		"neg retries":   "base:\n  max_retries: -1\n",
		"bad overflow":  "processing:\n  consumers:\n    order:\n      overflow: spill\n",
		"macd periods":  "strategies:\n  macd:\n    enabled: true\n    fast: 30\n    slow: 26\n",
		"zero shards":   "filter:\n  shards: 0\n",
		"include cycle": "include: [config.yaml]\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, t.TempDir(), "config.yaml", body))
			assert.Error(t, err)
		})
	}
}

func TestIsValidInterval(t *testing.T) {
	for _, ok := range []string{"1m", "15m", "4h", "1d", "1w", "1M", "1s", "250ms"} {
		assert.True(t, IsValidInterval(ok), ok)
	}
	for _, bad := range []string{"", "m", "ms", "1x", "a1m", "1.5h"} {
		assert.False(t, IsValidInterval(bad), bad)
	}
}
