package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"quantflow/internal/checker"
	"quantflow/internal/dispatch"
	"quantflow/internal/filter"
	"quantflow/internal/order"
	"quantflow/internal/position"
	"quantflow/internal/router"
	"quantflow/internal/signal"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// captureExecutor records submitted orders and never fills on its own.
type captureExecutor struct {
	mu   sync.Mutex
	reqs []order.Request
	err  error
}

func (c *captureExecutor) Submit(_ context.Context, req order.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.reqs = append(c.reqs, req)
	return nil
}

func (c *captureExecutor) last() order.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reqs[len(c.reqs)-1]
}

func (c *captureExecutor) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reqs)
}

type fixture struct {
	engine *Engine
	exec   *captureExecutor
	clock  *clock
	store  *position.Store
}

func newFixture(t *testing.T, cooldown, fillTimeout time.Duration) *fixture {
	t.Helper()
	clk := &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	store := position.NewStore(position.WithClock(clk.Now))
	cd := filter.NewCooldown(cooldown, nil)
	cd.Now = clk.Now
	gen := order.NewGenerator(map[string]decimal.Decimal{"macd": decimal.NewFromInt(2)}, decimal.NewFromInt(1), order.WithClock(clk.Now))
	pipeline := filter.New("signals", cd, filter.Conflict{}, filter.Risk{Policy: filter.NewLimitPolicy(filter.Limits{}, store, gen)})
	r := router.New(pipeline, checker.NewRegistry())
	exec := &captureExecutor{}
	eng, err := New(Deps{
		Store:       store,
		Router:      r,
		Generator:   gen,
		Executor:    exec,
		FillTimeout: fillTimeout,
		Now:         clk.Now,
	})
	require.NoError(t, err)
	require.NoError(t, eng.RegisterChecker("macd", checker.AcceptAll))
	t.Cleanup(eng.Close)
	return &fixture{engine: eng, exec: exec, clock: clk, store: store}
}

func (f *fixture) signal(dir signal.Direction) signal.Signal {
	return signal.New("macd", "BTCUSDT", dir, 1, f.clock.Now(), map[string]string{signal.MetaPrice: "100"})
}

func (f *fixture) fillLast(t *testing.T) position.Record {
	t.Helper()
	req := f.exec.last()
	rec, err := f.engine.NotifyFill(req.StrategyID, req.Symbol, position.Fill{
		OrderID:  req.ClientOrderID,
		Status:   position.FillFilled,
		Quantity: req.Quantity,
		Price:    req.PriceHint,
		At:       f.clock.Now(),
	})
	require.NoError(t, err)
	return rec
}

func TestOpenAndDuplicateRejection(t *testing.T) {
	f := newFixture(t, 0, 0)
	ctx := context.Background()

	d, err := f.engine.SubmitSignal(ctx, f.signal(signal.DirectionLong))
	require.NoError(t, err)
	assert.Equal(t, signal.VerdictAccept, d.Verdict)
	rec := f.engine.PositionOf("macd", "BTCUSDT")
	assert.Equal(t, position.StatusOpening, rec.Status)
	assert.Equal(t, f.exec.last().ClientOrderID, rec.PendingOrderID)
	require.NotNil(t, rec.LastSignalAt)

	// in flight until filled
	d, err = f.engine.SubmitSignal(ctx, f.signal(signal.DirectionLong))
	require.NoError(t, err)
	assert.Equal(t, signal.ReasonInFlight, d.Reason)

	rec = f.fillLast(t)
	assert.Equal(t, position.StatusOpen, rec.Status)
	assert.True(t, rec.Size.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, 0, f.engine.PendingOrders())

	for _, strength := range []float64{0.1, 1, 10} {
		sig := f.signal(signal.DirectionLong)
		sig.Strength = strength
		d, err = f.engine.SubmitSignal(ctx, sig)
		require.NoError(t, err)
		assert.Equal(t, signal.ReasonDuplicate, d.Reason)
	}
	assert.Equal(t, 1, f.exec.count())
}

func TestCooldownSpacing(t *testing.T) {
	f := newFixture(t, time.Minute, 0)
	ctx := context.Background()

	_, err := f.engine.SubmitSignal(ctx, f.signal(signal.DirectionLong))
	require.NoError(t, err)
	f.fillLast(t)

	f.clock.Advance(30 * time.Second)
	d, err := f.engine.SubmitSignal(ctx, f.signal(signal.DirectionFlat))
	require.NoError(t, err)
	assert.Equal(t, signal.ReasonCooldown, d.Reason)

	f.clock.Advance(30 * time.Second)
	d, err = f.engine.SubmitSignal(ctx, f.signal(signal.DirectionFlat))
	require.NoError(t, err)
	assert.True(t, d.Approved())
	assert.Equal(t, position.StatusClosing, f.engine.PositionOf("macd", "BTCUSDT").Status)
}

func TestReversalIsTwoPhase(t *testing.T) {
	f := newFixture(t, 0, 0)
	ctx := context.Background()

	_, err := f.engine.SubmitSignal(ctx, f.signal(signal.DirectionLong))
	require.NoError(t, err)
	f.fillLast(t)

	d, err := f.engine.SubmitSignal(ctx, f.signal(signal.DirectionShort))
	require.NoError(t, err)
	require.Equal(t, signal.VerdictTransform, d.Verdict)
	assert.Equal(t, signal.DirectionFlat, d.Signal.Direction)
	assert.Equal(t, "short", d.Signal.Meta(signal.MetaReversalPending))

	req := f.exec.last()
	assert.Equal(t, order.IntentClose, req.Intent)
	assert.Equal(t, order.SideSell, req.Side)
	assert.Equal(t, "short", req.ReversalPending)
	assert.Equal(t, position.StatusClosing, f.engine.PositionOf("macd", "BTCUSDT").Status)

	rec := f.fillLast(t)
	assert.Equal(t, position.StatusFlat, rec.Status)

	// the strategy re-emits to open the other side
	d, err = f.engine.SubmitSignal(ctx, f.signal(signal.DirectionShort))
	require.NoError(t, err)
	assert.Equal(t, signal.VerdictAccept, d.Verdict)
	rec = f.fillLast(t)
	assert.Equal(t, position.StatusOpen, rec.Status)
	assert.Equal(t, position.SideShort, rec.Side)
}

func TestRoundTripReturnsToFlat(t *testing.T) {
	f := newFixture(t, 0, 0)
	ctx := context.Background()
	before := f.engine.PositionOf("macd", "BTCUSDT")

	_, err := f.engine.SubmitSignal(ctx, f.signal(signal.DirectionLong))
	require.NoError(t, err)
	f.fillLast(t)
	_, err = f.engine.SubmitSignal(ctx, f.signal(signal.DirectionFlat))
	require.NoError(t, err)
	after := f.fillLast(t)

	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.Side, after.Side)
	assert.True(t, before.Size.Equal(after.Size))
	assert.Nil(t, after.OpenedAt)
	assert.Empty(t, after.PendingOrderID)

	// only the timestamps and the commit counter differ
	assert.NotNil(t, after.LastSignalAt)
	assert.Greater(t, after.Version, before.Version)
	after.LastSignalAt, after.Version = nil, before.Version
	assert.Equal(t, before, after)
}

func TestPositionOfDoesNotCreateRecords(t *testing.T) {
	f := newFixture(t, 0, 0)
	for i := 0; i < 50; i++ {
		rec := f.engine.PositionOf("nobody", fmt.Sprintf("JUNK%d", i))
		assert.Equal(t, position.StatusFlat, rec.Status)
	}
	sig := signal.New("ghost", "BTCUSDT", signal.DirectionLong, 1, time.Now(), nil)
	_, err := f.engine.SubmitSignal(context.Background(), sig)
	assert.ErrorIs(t, err, router.ErrUnregisteredStrategy)
	_, err = f.engine.NotifyFill("nobody", "BTCUSDT", position.Fill{OrderID: "x", Status: position.FillFilled})
	assert.ErrorIs(t, err, position.ErrStaleFill)

	assert.Empty(t, f.engine.Positions(position.Query{}))
	assert.Equal(t, 0, f.store.Len())
}

func TestFillTimeoutReverts(t *testing.T) {
	f := newFixture(t, 0, 20*time.Millisecond)
	_, err := f.engine.SubmitSignal(context.Background(), f.signal(signal.DirectionLong))
	require.NoError(t, err)
	assert.Equal(t, position.StatusOpening, f.engine.PositionOf("macd", "BTCUSDT").Status)

	require.Eventually(t, func() bool {
		return f.engine.PositionOf("macd", "BTCUSDT").Status == position.StatusFlat
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, f.engine.PendingOrders())

	// a late fill for the abandoned order is stale
	req := f.exec.last()
	_, err = f.engine.NotifyFill("macd", "BTCUSDT", position.Fill{OrderID: req.ClientOrderID, Quantity: req.Quantity})
	assert.ErrorIs(t, err, position.ErrStaleFill)
}

func TestSubmitFailureReverts(t *testing.T) {
	f := newFixture(t, 0, 0)
	f.exec.err = errors.New("exchange down")
	d, err := f.engine.SubmitSignal(context.Background(), f.signal(signal.DirectionLong))
	require.Error(t, err)
	assert.Equal(t, signal.ReasonExecution, d.Reason)
	assert.Equal(t, position.StatusFlat, f.engine.PositionOf("macd", "BTCUSDT").Status)
	assert.Equal(t, 0, f.engine.PendingOrders())
}

func TestRiskLimitAppliesToScaledQuantity(t *testing.T) {
	store := position.NewStore()
	gen := order.NewGenerator(map[string]decimal.Decimal{"macd": decimal.NewFromInt(1)}, decimal.Zero)
	policy := filter.NewLimitPolicy(filter.Limits{
		MaxPositionSize: map[string]decimal.Decimal{"macd": decimal.NewFromInt(1)},
	}, store, gen)
	r := router.New(filter.New("signals", filter.Conflict{}, filter.Risk{Policy: policy}), checker.NewRegistry())
	exec := &captureExecutor{}
	eng, err := New(Deps{Store: store, Router: r, Generator: gen, Executor: exec, Risk: policy})
	require.NoError(t, err)
	t.Cleanup(eng.Close)
	require.NoError(t, eng.RegisterChecker("macd", checker.SizeScale{Factor: 1, Min: 0.5, Max: 2}))

	strong := signal.New("macd", "BTCUSDT", signal.DirectionLong, 2, time.Now(), map[string]string{signal.MetaPrice: "100"})
	d, err := eng.SubmitSignal(context.Background(), strong)
	require.NoError(t, err)
	assert.True(t, d.Rejected())
	assert.Equal(t, signal.ReasonRiskLimit, d.Reason)
	assert.Equal(t, "risk", d.Stage)
	assert.Equal(t, 0, exec.count())
	assert.Equal(t, position.StatusFlat, eng.PositionOf("macd", "BTCUSDT").Status)

	// scale 1 keeps the order within the limit
	weak := signal.New("macd", "BTCUSDT", signal.DirectionLong, 1, time.Now(), map[string]string{signal.MetaPrice: "100"})
	d, err = eng.SubmitSignal(context.Background(), weak)
	require.NoError(t, err)
	assert.True(t, d.Approved())
	require.Equal(t, 1, exec.count())
	assert.True(t, decimal.NewFromInt(1).Equal(exec.last().Quantity))
}

func TestProtectivePricesReachExecutor(t *testing.T) {
	f := newFixture(t, 0, 0)
	bad := signal.New("macd", "BTCUSDT", signal.DirectionLong, 1, f.clock.Now(), map[string]string{
		signal.MetaPrice:     "100",
		signal.MetaStopPrice: "105",
	})
	d, err := f.engine.SubmitSignal(context.Background(), bad)
	require.NoError(t, err)
	assert.Equal(t, signal.ReasonInvalidOrder, d.Reason)
	assert.Equal(t, 0, f.exec.count())
	assert.Equal(t, position.StatusFlat, f.engine.PositionOf("macd", "BTCUSDT").Status)

	good := signal.New("macd", "BTCUSDT", signal.DirectionLong, 1, f.clock.Now(), map[string]string{
		signal.MetaPrice:      "100",
		signal.MetaLimitPrice: "99",
		signal.MetaStopPrice:  "95",
		signal.MetaTakeProfit: "110",
	})
	d, err = f.engine.SubmitSignal(context.Background(), good)
	require.NoError(t, err)
	require.True(t, d.Approved())
	req := f.exec.last()
	assert.Equal(t, order.TypeLimit, req.Type)
	assert.True(t, req.LimitPrice.Equal(decimal.NewFromInt(99)))
	assert.True(t, req.StopPrice.Equal(decimal.NewFromInt(95)))
	assert.True(t, req.TakeProfit.Equal(decimal.NewFromInt(110)))
}

func TestUnregisteredStrategy(t *testing.T) {
	f := newFixture(t, 0, 0)
	sig := signal.New("ghost", "BTCUSDT", signal.DirectionLong, 1, time.Now(), nil)
	_, err := f.engine.SubmitSignal(context.Background(), sig)
	assert.ErrorIs(t, err, router.ErrUnregisteredStrategy)
	assert.Equal(t, position.StatusFlat, f.engine.PositionOf("ghost", "BTCUSDT").Status)
	assert.Equal(t, 0, f.exec.count())
}

func TestInvalidSignal(t *testing.T) {
	f := newFixture(t, 0, 0)
	_, err := f.engine.SubmitSignal(context.Background(), signal.Signal{StrategyID: "macd"})
	assert.ErrorIs(t, err, signal.ErrInvalidSignal)
}

func TestNothingToCloseNeverReachesExecutor(t *testing.T) {
	f := newFixture(t, 0, 0)
	d, err := f.engine.SubmitSignal(context.Background(), f.signal(signal.DirectionFlat))
	require.NoError(t, err)
	assert.Equal(t, signal.ReasonNothingToClose, d.Reason)
	assert.Equal(t, 0, f.exec.count())
}

func TestConcurrentSignalsSingleOrder(t *testing.T) {
	f := newFixture(t, 0, 0)
	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := f.engine.SubmitSignal(context.Background(), f.signal(signal.DirectionLong))
			if err == nil && d.Approved() {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), accepted.Load())
	assert.Equal(t, 1, f.exec.count())
}

func TestSignalHandlerThroughDispatcher(t *testing.T) {
	f := newFixture(t, 0, 0)
	require.NoError(t, f.engine.RegisterConsumer(dispatch.ConsumerSpec{Name: "order", Enabled: true, Mode: dispatch.ModeBatch, BatchSize: 2, BatchTimeout: 10 * time.Millisecond, QueueSize: 8}, f.engine.SignalHandler()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.engine.Run(ctx)
	}()
	require.NoError(t, f.engine.Publish(SignalEvent("test", f.signal(signal.DirectionLong))))
	require.NoError(t, f.engine.Publish(dispatch.NewEvent(KindSignal, "test", "junk", "not a signal")))
	require.Eventually(t, func() bool { return f.exec.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	stats := f.engine.Consumers()
	require.Len(t, stats, 1)
	assert.Equal(t, uint64(2), stats[0].Delivered)
}

func TestPaperExecutorEndToEnd(t *testing.T) {
	clk := &clock{now: time.Now()}
	store := position.NewStore()
	gen := order.NewGenerator(nil, decimal.NewFromInt(1))
	paper := order.NewPaperExecutor(time.Millisecond)
	eng, err := New(Deps{
		Store:     store,
		Router:    router.New(filter.New("signals", filter.Conflict{}), nil),
		Generator: gen,
		Executor:  paper,
		Now:       clk.Now,
	})
	require.NoError(t, err)
	paper.Bind(eng)
	defer paper.Close()
	require.NoError(t, eng.RegisterChecker("macd", checker.AcceptAll))

	sig := signal.New("macd", "ETHUSDT", signal.DirectionShort, 1, clk.Now(), map[string]string{signal.MetaPrice: "3000"})
	_, err = eng.SubmitSignal(context.Background(), sig)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return eng.PositionOf("macd", "ETHUSDT").Status == position.StatusOpen
	}, time.Second, time.Millisecond)
	rec := eng.PositionOf("macd", "ETHUSDT")
	assert.Equal(t, position.SideShort, rec.Side)
	assert.True(t, rec.EntryPrice.Equal(decimal.NewFromInt(3000)))
	assert.Len(t, eng.Positions(position.Query{Tag: "side:short"}), 1)
}
