package order

import (
	"context"
	"testing"
	"time"

	"quantflow/internal/position"
	"quantflow/internal/signal"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestGenerator() *Generator {
	return NewGenerator(
		map[string]decimal.Decimal{"macd": decimal.RequireFromString("0.01")},
		decimal.NewFromInt(1),
		WithClock(func() time.Time { return time.Unix(42, 0) }),
		WithIDSource(func() string { return "cid-1" }),
	)
}

func TestGenerateOpen(t *testing.T) {
	g := newTestGenerator()
	sig := signal.New("macd", "BTCUSDT", signal.DirectionShort, 1, time.Time{}, map[string]string{
		signal.MetaPrice:     "42000.5",
		signal.MetaSizeScale: "2",
	})
	req, err := g.Generate(sig, position.Record{StrategyID: "macd", Symbol: "BTCUSDT"})
	require.NoError(t, err)
	assert.Equal(t, "cid-1", req.ClientOrderID)
	assert.Equal(t, IntentOpen, req.Intent)
	assert.Equal(t, SideSell, req.Side)
	assert.True(t, req.Quantity.Equal(decimal.RequireFromString("0.02")), req.Quantity.String())
	assert.True(t, req.PriceHint.Equal(decimal.RequireFromString("42000.5")))
	assert.Equal(t, time.Unix(42, 0), req.CreatedAt)
}

func TestGenerateFallbackQuantity(t *testing.T) {
	g := newTestGenerator()
	sig := signal.New("turtle", "ETHUSDT", signal.DirectionLong, 1, time.Time{}, map[string]string{signal.MetaPrice: "oops"})
	req, err := g.Generate(sig, position.Record{})
	require.NoError(t, err)
	assert.Equal(t, SideBuy, req.Side)
	assert.True(t, req.Quantity.Equal(decimal.NewFromInt(1)))
	assert.True(t, req.PriceHint.IsZero())
}

func TestGenerateClose(t *testing.T) {
	g := newTestGenerator()
	rec := position.Record{StrategyID: "macd", Symbol: "BTCUSDT", Side: position.SideShort, Size: decimal.NewFromInt(3), Status: position.StatusOpen}
	sig := signal.New("macd", "BTCUSDT", signal.DirectionFlat, 1, time.Time{}, map[string]string{signal.MetaReversalPending: "long"})
	req, err := g.Generate(sig, rec)
	require.NoError(t, err)
	assert.Equal(t, IntentClose, req.Intent)
	assert.Equal(t, SideBuy, req.Side)
	assert.Equal(t, signal.DirectionShort, req.Direction)
	assert.True(t, req.Quantity.Equal(decimal.NewFromInt(3)))
	assert.Equal(t, "long", req.ReversalPending)

	_, err = g.Generate(sig, position.Record{Size: decimal.Zero})
	assert.ErrorIs(t, err, ErrNothingToClose)
}

func TestGenerateProtectivePrices(t *testing.T) {
	g := newTestGenerator()
	sig := signal.New("macd", "BTCUSDT", signal.DirectionLong, 1, time.Time{}, map[string]string{
		signal.MetaPrice:      "42000",
		signal.MetaLimitPrice: "41900",
		signal.MetaStopPrice:  "41000",
		signal.MetaTakeProfit: "43500",
	})
	req, err := g.Generate(sig, position.Record{})
	require.NoError(t, err)
	assert.Equal(t, TypeLimit, req.Type)
	assert.True(t, req.LimitPrice.Equal(decimal.NewFromInt(41900)))
	assert.True(t, req.EntryPrice().Equal(decimal.NewFromInt(41900)))
	assert.True(t, req.StopPrice.Equal(decimal.NewFromInt(41000)))
	assert.True(t, req.TakeProfit.Equal(decimal.NewFromInt(43500)))
	assert.True(t, req.Protected())

	plain, err := g.Generate(signal.New("macd", "BTCUSDT", signal.DirectionShort, 1, time.Time{}, nil), position.Record{})
	require.NoError(t, err)
	assert.Equal(t, TypeMarket, plain.Type)
	assert.False(t, plain.Protected())

	rec := position.Record{StrategyID: "macd", Symbol: "BTCUSDT", Side: position.SideLong, Size: decimal.NewFromInt(1), Status: position.StatusOpen}
	closing, err := g.Generate(signal.New("macd", "BTCUSDT", signal.DirectionFlat, 1, time.Time{}, map[string]string{
		signal.MetaStopPrice:  "1",
		signal.MetaLimitPrice: "42100",
	}), rec)
	require.NoError(t, err)
	assert.Equal(t, TypeLimit, closing.Type)
	assert.False(t, closing.Protected())
}

func TestGenerateRejectsMisplacedProtection(t *testing.T) {
	g := newTestGenerator()
	cases := []struct {
		name string
		dir  signal.Direction
		meta map[string]string
	}{
		{"long stop above entry", signal.DirectionLong, map[string]string{signal.MetaPrice: "100", signal.MetaStopPrice: "101"}},
		{"long take profit below entry", signal.DirectionLong, map[string]string{signal.MetaLimitPrice: "100", signal.MetaTakeProfit: "99"}},
		{"short stop below entry", signal.DirectionShort, map[string]string{signal.MetaPrice: "100", signal.MetaStopPrice: "99"}},
		{"short without entry", signal.DirectionShort, map[string]string{signal.MetaStopPrice: "90", signal.MetaTakeProfit: "95"}},
		{"unparsable stop", signal.DirectionLong, map[string]string{signal.MetaStopPrice: "soon"}},
		{"negative limit", signal.DirectionLong, map[string]string{signal.MetaLimitPrice: "-1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := g.Generate(signal.New("macd", "BTCUSDT", tc.dir, 1, time.Time{}, tc.meta), position.Record{})
			assert.ErrorIs(t, err, ErrInvalidPrice)
		})
	}
}

func TestGenerateRejectsZeroQuantity(t *testing.T) {
	g := NewGenerator(nil, decimal.Zero)
	_, err := g.Generate(signal.New("macd", "BTCUSDT", signal.DirectionLong, 1, time.Time{}, nil), position.Record{})
	assert.ErrorIs(t, err, ErrInvalidQuantity)
}

type mockSink struct {
	mock.Mock
}

func (m *mockSink) NotifyFill(strategyID, symbol string, fill position.Fill) (position.Record, error) {
	args := m.Called(strategyID, symbol, fill)
	return position.Record{}, args.Error(1)
}

func TestPaperExecutorFills(t *testing.T) {
	sink := &mockSink{}
	done := make(chan position.Fill, 1)
	sink.On("NotifyFill", "macd", "BTCUSDT", mock.AnythingOfType("position.Fill")).
		Run(func(args mock.Arguments) { done <- args.Get(2).(position.Fill) }).
		Return(position.Record{}, nil)

	exec := NewPaperExecutor(5 * time.Millisecond)
	assert.Error(t, exec.Submit(context.Background(), Request{ClientOrderID: "x"}))
	exec.Bind(sink)

	req := Request{ClientOrderID: "o1", StrategyID: "macd", Symbol: "BTCUSDT", Quantity: decimal.NewFromInt(2), PriceHint: decimal.NewFromInt(10)}
	require.NoError(t, exec.Submit(context.Background(), req))

	select {
	case fill := <-done:
		assert.Equal(t, "o1", fill.OrderID)
		assert.Equal(t, position.FillFilled, fill.Status)
		assert.True(t, fill.Quantity.Equal(decimal.NewFromInt(2)))
	case <-time.After(time.Second):
		t.Fatal("no fill")
	}
	sink.AssertExpectations(t)
}

func TestPaperExecutorRecordsBracket(t *testing.T) {
	sink := &mockSink{}
	done := make(chan position.Fill, 2)
	sink.On("NotifyFill", "macd", "BTCUSDT", mock.AnythingOfType("position.Fill")).
		Run(func(args mock.Arguments) { done <- args.Get(2).(position.Fill) }).
		Return(position.Record{}, nil)
	exec := NewPaperExecutor(time.Millisecond)
	exec.Bind(sink)

	open := Request{
		ClientOrderID: "o1", StrategyID: "macd", Symbol: "BTCUSDT", Intent: IntentOpen, Type: TypeLimit,
		Direction: signal.DirectionLong, Quantity: decimal.NewFromInt(1),
		PriceHint: decimal.NewFromInt(100), LimitPrice: decimal.NewFromInt(99),
		StopPrice: decimal.NewFromInt(95), TakeProfit: decimal.NewFromInt(110),
	}
	require.NoError(t, exec.Submit(context.Background(), open))
	fill := <-done
	assert.True(t, fill.Price.Equal(decimal.NewFromInt(99)), fill.Price.String())
	require.Eventually(t, func() bool {
		_, ok := exec.Bracket("macd", "BTCUSDT")
		return ok
	}, time.Second, time.Millisecond)
	b, _ := exec.Bracket("macd", "BTCUSDT")
	assert.Equal(t, "o1", b.OrderID)
	assert.Equal(t, signal.DirectionLong, b.Direction)
	assert.True(t, b.Entry.Equal(decimal.NewFromInt(99)))
	assert.True(t, b.StopPrice.Equal(decimal.NewFromInt(95)))
	assert.True(t, b.TakeProfit.Equal(decimal.NewFromInt(110)))

	closing := Request{ClientOrderID: "o2", StrategyID: "macd", Symbol: "BTCUSDT", Intent: IntentClose, Type: TypeMarket,
		Direction: signal.DirectionLong, Quantity: decimal.NewFromInt(1), PriceHint: decimal.NewFromInt(105)}
	require.NoError(t, exec.Submit(context.Background(), closing))
	fill = <-done
	assert.True(t, fill.Price.Equal(decimal.NewFromInt(105)))
	require.Eventually(t, func() bool {
		_, ok := exec.Bracket("macd", "BTCUSDT")
		return !ok
	}, time.Second, time.Millisecond)
}

func TestPaperExecutorClose(t *testing.T) {
	sink := &mockSink{}
	exec := NewPaperExecutor(time.Hour)
	exec.Bind(sink)
	require.NoError(t, exec.Submit(context.Background(), Request{ClientOrderID: "o1"}))
	assert.Equal(t, 1, exec.Pending())
	exec.Close()
	assert.Equal(t, 0, exec.Pending())
	assert.Error(t, exec.Submit(context.Background(), Request{ClientOrderID: "o2"}))
	sink.AssertNotCalled(t, "NotifyFill", mock.Anything, mock.Anything, mock.Anything)
}
