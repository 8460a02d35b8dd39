package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	brcfg "quantflow/internal/config"
	"quantflow/internal/market"
	"quantflow/internal/position"
	"quantflow/internal/signal"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type replaySource struct {
	events []market.Event
}

func (r *replaySource) Name() string { return "replay" }

func (r *replaySource) Stream(ctx context.Context, conn market.Connection, handler market.Handler, hooks market.Hooks) error {
	if hooks.OnConnect != nil {
		hooks.OnConnect()
	}
	for _, ev := range r.events {
		if conn.HasSymbol(ev.Symbol) {
			handler(ev)
		}
	}
	<-ctx.Done()
	return nil
}

func (r *replaySource) Stats() market.SourceStats { return market.SourceStats{} }

func writeTestConfig(t *testing.T) *brcfg.Config {
	t.Helper()
	dir := t.TempDir()
	checkers := filepath.Join(dir, "checkers.yaml")
	require.NoError(t, os.WriteFile(checkers, []byte("strategies:\n  manual: {}\n"), 0o644))
	body := fmt.Sprintf(`
app:
  http_addr: 127.0.0.1:0
kline:
  - symbol: [BTCUSDT]
    interval: 1m
market:
  preheat_limit: 0
processing:
  consumers:
    persistence:
      batch_timeout_ms: 20
orders:
  paper_fill_latency_ms: 1
strategies:
  checkers_path: %q
  watch_checkers: false
  macd:
    enabled: true
journal:
  enabled: true
  path: %q
  audit_path: %q
`, checkers, filepath.Join(dir, "journal.db"), filepath.Join(dir, "audit.db"))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	cfg, err := brcfg.Load(path)
	require.NoError(t, err)
	return cfg
}

func TestAppEndToEnd(t *testing.T) {
	cfg := writeTestConfig(t)
	kline := market.Kline{Symbol: "BTCUSDT", Interval: "1m", OpenTime: 0, CloseTime: 59_999, Close: decimal.NewFromInt(100), Closed: true}
	src := &replaySource{events: []market.Event{{Type: market.EventKline, Symbol: "BTCUSDT", Kline: &kline}}}

	app, err := NewAppBuilder(cfg, WithMarketStack(func(_ context.Context, cfg *brcfg.Config) (*MarketStack, error) {
		conns, err := cfg.Connections()
		if err != nil {
			return nil, err
		}
		return assembleMarketStack(conns, src, cfg.Market.MaxCached)
	})).Build(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"macd", "manual"}, app.Engine().Strategies())
	assert.Equal(t, []string{"macd@1m"}, app.Summary.Strategies)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	d, err := app.Engine().SubmitSignal(ctx, signal.New("manual", "BTCUSDT", signal.DirectionLong, 1, time.Now(), map[string]string{signal.MetaPrice: "100"}))
	require.NoError(t, err)
	assert.True(t, d.Approved())
	require.Eventually(t, func() bool {
		return app.Engine().PositionOf("manual", "BTCUSDT").Status == position.StatusOpen
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		n, err := app.storage.Journal.Count(ctx, market.DispatchKind)
		return err == nil && n == 1
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return app.storage.Audit.Written() >= 2 }, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop")
	}
}

func TestBuildRejectsNilConfig(t *testing.T) {
	_, err := NewAppBuilder(nil).Build(context.Background())
	assert.Error(t, err)
	_, err = NewApp(nil)
	assert.Error(t, err)
}
