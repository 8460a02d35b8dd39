package position

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sidePtr(s Side) *Side { return &s }

// withoutClock drops the fields a round trip is allowed to change: the
// timestamps and the commit counter.
func withoutClock(r Record) Record {
	r.OpenedAt = nil
	r.LastSignalAt = nil
	r.Version = 0
	return r
}

func openLong(t *testing.T, s *Store, sid, sym, orderID string) Record {
	t.Helper()
	_, err := s.TryTransition(sid, sym, StatusFlat, StatusOpening, Delta{Side: sidePtr(SideLong), OrderID: orderID})
	require.NoError(t, err)
	rec, err := s.ApplyFill(sid, sym, Fill{
		OrderID:  orderID,
		Status:   FillFilled,
		Quantity: decimal.RequireFromString("1.5"),
		Price:    decimal.NewFromInt(100),
		At:       time.Unix(100, 0),
	})
	require.NoError(t, err)
	return rec
}

func TestGetCreatesFlatRecord(t *testing.T) {
	s := NewStore()
	rec := s.Get(" macd ", "btcusdt")
	assert.Equal(t, "macd", rec.StrategyID)
	assert.Equal(t, "BTCUSDT", rec.Symbol)
	assert.Equal(t, StatusFlat, rec.Status)
	assert.True(t, rec.Size.IsZero())
	assert.Equal(t, 1, s.Len())
}

func TestLookupNeverCreatesRecords(t *testing.T) {
	s := NewStore()
	for i := 0; i < 100; i++ {
		rec := s.Lookup("nobody", fmt.Sprintf("junk%dusdt", i))
		assert.Equal(t, StatusFlat, rec.Status)
		assert.Equal(t, fmt.Sprintf("JUNK%dUSDT", i), rec.Symbol)
	}
	_, err := s.ApplyFill("nobody", "BTCUSDT", Fill{OrderID: "o1", Status: FillFilled})
	assert.ErrorIs(t, err, ErrStaleFill)
	_, err = s.Abandon("nobody", "BTCUSDT", "o1")
	assert.ErrorIs(t, err, ErrStaleFill)
	assert.Equal(t, 0, s.Len())
	assert.Empty(t, s.List(Query{}))

	openLong(t, s, "macd", "BTCUSDT", "o1")
	assert.Equal(t, s.Get("macd", "BTCUSDT"), s.Lookup("macd", "btcusdt"))
	assert.Equal(t, 1, s.Len())
}

func TestRoundTrip(t *testing.T) {
	var changes []Change
	s := NewStore(WithObserver(func(c Change) { changes = append(changes, c) }))
	initial := s.Get("macd", "BTCUSDT")

	rec := openLong(t, s, "macd", "BTCUSDT", "o1")
	assert.Equal(t, StatusOpen, rec.Status)
	assert.Equal(t, SideLong, rec.Side)
	assert.True(t, rec.Size.Equal(decimal.RequireFromString("1.5")))
	assert.True(t, rec.EntryPrice.Equal(decimal.NewFromInt(100)))
	require.NotNil(t, rec.OpenedAt)
	assert.Empty(t, rec.PendingOrderID)

	rec, err := s.TryTransition("macd", "BTCUSDT", StatusOpen, StatusClosing, Delta{OrderID: "o2"})
	require.NoError(t, err)
	assert.Equal(t, StatusClosing, rec.Status)
	assert.Equal(t, "o2", rec.PendingOrderID)

	rec, err = s.ApplyFill("macd", "BTCUSDT", Fill{OrderID: "o2", Status: FillFilled})
	require.NoError(t, err)
	assert.Equal(t, StatusFlat, rec.Status)
	assert.Equal(t, SideFlat, rec.Side)
	assert.True(t, rec.Size.IsZero())
	assert.Nil(t, rec.OpenedAt)
	assert.Equal(t, uint64(4), rec.Version)
	assert.Equal(t, withoutClock(initial), withoutClock(rec))

	require.Len(t, changes, 4)
	assert.Equal(t, StatusOpen, changes[3].Before.Status)
	assert.Equal(t, StatusFlat, changes[3].After.Status)
}

func TestTryTransitionConflict(t *testing.T) {
	s := NewStore()
	_, err := s.TryTransition("macd", "ETHUSDT", StatusOpen, StatusClosing, Delta{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflict))

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, StatusOpen, conflict.Expected)
	assert.Equal(t, StatusFlat, conflict.Actual)
}

func TestTryTransitionRejectsUnknownEdge(t *testing.T) {
	s := NewStore()
	_, err := s.TryTransition("macd", "ETHUSDT", StatusFlat, StatusOpen, Delta{})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusFlat, s.Get("macd", "ETHUSDT").Status)
}

func TestTryTransitionSingleWinner(t *testing.T) {
	s := NewStore()
	var wins atomic.Int32
	var conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.TryTransition("macd", "BTCUSDT", StatusFlat, StatusOpening, Delta{Side: sidePtr(SideShort)})
			if err == nil {
				wins.Add(1)
				return
			}
			if errors.Is(err, ErrConflict) {
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(63), conflicts.Load())
}

func TestLastSignalAtNeverMovesBackwards(t *testing.T) {
	s := NewStore()
	later := time.Unix(200, 0)
	_, err := s.TryTransition("macd", "BTCUSDT", StatusFlat, StatusOpening, Delta{Side: sidePtr(SideLong), OrderID: "o1", SignalAt: later})
	require.NoError(t, err)
	_, err = s.ApplyFill("macd", "BTCUSDT", Fill{OrderID: "o1", Status: FillFilled, Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(10)})
	require.NoError(t, err)
	rec, err := s.TryTransition("macd", "BTCUSDT", StatusOpen, StatusClosing, Delta{OrderID: "o2", SignalAt: time.Unix(100, 0)})
	require.NoError(t, err)
	require.NotNil(t, rec.LastSignalAt)
	assert.True(t, rec.LastSignalAt.Equal(later))
}

func TestPartialFillsAverageEntry(t *testing.T) {
	s := NewStore()
	_, err := s.TryTransition("macd", "BTCUSDT", StatusFlat, StatusOpening, Delta{Side: sidePtr(SideLong), OrderID: "o1"})
	require.NoError(t, err)

	rec, err := s.ApplyFill("macd", "BTCUSDT", Fill{OrderID: "o1", Status: FillPartial, Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(100)})
	require.NoError(t, err)
	assert.Equal(t, StatusOpening, rec.Status)
	assert.True(t, rec.Size.Equal(decimal.NewFromInt(1)))

	rec, err = s.ApplyFill("macd", "BTCUSDT", Fill{OrderID: "o1", Status: FillFilled, Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(200)})
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, rec.Status)
	assert.True(t, rec.Size.Equal(decimal.NewFromInt(2)))
	assert.True(t, rec.EntryPrice.Equal(decimal.NewFromInt(150)), rec.EntryPrice.String())
}

func TestRejectedFillRestoresStableStatus(t *testing.T) {
	s := NewStore()
	_, err := s.TryTransition("macd", "BTCUSDT", StatusFlat, StatusOpening, Delta{Side: sidePtr(SideLong), OrderID: "o1"})
	require.NoError(t, err)
	rec, err := s.ApplyFill("macd", "BTCUSDT", Fill{OrderID: "o1", Status: FillRejected, Reason: "insufficient margin"})
	require.NoError(t, err)
	assert.Equal(t, StatusFlat, rec.Status)
	assert.Equal(t, SideFlat, rec.Side)

	openLong(t, s, "macd", "BTCUSDT", "o2")
	_, err = s.TryTransition("macd", "BTCUSDT", StatusOpen, StatusClosing, Delta{OrderID: "o3"})
	require.NoError(t, err)
	rec, err = s.ApplyFill("macd", "BTCUSDT", Fill{OrderID: "o3", Status: FillRejected})
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, rec.Status)
	assert.True(t, rec.Size.Equal(decimal.RequireFromString("1.5")))
}

func TestPartialCloseKeepsClosing(t *testing.T) {
	s := NewStore()
	openLong(t, s, "macd", "BTCUSDT", "o1")
	_, err := s.TryTransition("macd", "BTCUSDT", StatusOpen, StatusClosing, Delta{OrderID: "o2"})
	require.NoError(t, err)

	rec, err := s.ApplyFill("macd", "BTCUSDT", Fill{OrderID: "o2", Status: FillPartial, Quantity: decimal.NewFromInt(1)})
	require.NoError(t, err)
	assert.Equal(t, StatusClosing, rec.Status)
	assert.True(t, rec.Size.Equal(decimal.RequireFromString("0.5")))

	rec, err = s.ApplyFill("macd", "BTCUSDT", Fill{OrderID: "o2", Status: FillPartial, Quantity: decimal.NewFromInt(1)})
	require.NoError(t, err)
	assert.Equal(t, StatusFlat, rec.Status)
}

func TestStaleFill(t *testing.T) {
	s := NewStore()
	_, err := s.ApplyFill("macd", "BTCUSDT", Fill{OrderID: "o1"})
	assert.ErrorIs(t, err, ErrStaleFill)

	_, err = s.TryTransition("macd", "BTCUSDT", StatusFlat, StatusOpening, Delta{Side: sidePtr(SideLong), OrderID: "o2"})
	require.NoError(t, err)
	_, err = s.ApplyFill("macd", "BTCUSDT", Fill{OrderID: "o1", Quantity: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, ErrStaleFill)
	assert.Equal(t, StatusOpening, s.Get("macd", "BTCUSDT").Status)
}

func TestAbandon(t *testing.T) {
	s := NewStore()
	_, err := s.TryTransition("macd", "BTCUSDT", StatusFlat, StatusOpening, Delta{Side: sidePtr(SideShort), OrderID: "o1"})
	require.NoError(t, err)

	_, err = s.Abandon("macd", "BTCUSDT", "other")
	assert.ErrorIs(t, err, ErrStaleFill)

	rec, err := s.Abandon("macd", "BTCUSDT", "o1")
	require.NoError(t, err)
	assert.Equal(t, StatusFlat, rec.Status)

	_, err = s.Abandon("macd", "BTCUSDT", "o1")
	assert.ErrorIs(t, err, ErrStaleFill)
}

func TestAcquireSerialisesAndHonoursContext(t *testing.T) {
	s := NewStore()
	release, err := s.Acquire(context.Background(), "macd", "BTCUSDT")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Acquire(ctx, "macd", "BTCUSDT")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// other keys are independent
	other, err := s.Acquire(context.Background(), "macd", "ETHUSDT")
	require.NoError(t, err)
	other()

	release()
	release()
	again, err := s.Acquire(context.Background(), "macd", "BTCUSDT")
	require.NoError(t, err)
	again()
}

func TestListAndExposure(t *testing.T) {
	s := NewStore(WithShards(3))
	openLong(t, s, "macd", "BTCUSDT", "o1")
	openLong(t, s, "turtle", "ETHUSDT", "o2")
	s.Get("macd", "SOLUSDT")

	all := s.List(Query{})
	require.Len(t, all, 3)
	assert.Equal(t, "BTCUSDT", all[0].Symbol)
	assert.Equal(t, "SOLUSDT", all[1].Symbol)
	assert.Equal(t, "turtle", all[2].StrategyID)

	open := StatusOpen
	assert.Len(t, s.List(Query{Status: &open}), 2)
	assert.Len(t, s.List(Query{Tag: "symbol:ethusdt"}), 1)
	assert.Len(t, s.List(Query{StrategyID: "macd", Symbol: "solusdt"}), 1)

	exp := s.Exposure("macd")
	assert.Equal(t, 1, exp.OpenPositions)
	assert.True(t, exp.Notional.Equal(decimal.NewFromInt(150)))

	agg := s.AggregateExposure()
	assert.Equal(t, 2, agg.OpenPositions)
	assert.True(t, agg.Size.Equal(decimal.NewFromInt(3)))
}

func TestSnapshotsAreIsolated(t *testing.T) {
	s := NewStore()
	rec := openLong(t, s, "macd", "BTCUSDT", "o1")
	*rec.OpenedAt = time.Unix(0, 0)
	again := s.Get("macd", "BTCUSDT")
	assert.True(t, again.OpenedAt.Equal(time.Unix(100, 0)))
}
