package position

import (
	"context"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

const defaultShards = 64

// Store owns every position record. It is sharded by key: the shard lock only
// guards the key->entry map, each entry serialises its own writers, and the
// committed record sits behind an atomic pointer so readers never wait on a
// writer.
type Store struct {
	shards    []*shard
	mask      uint32
	observers []Observer
	now       func() time.Time
}

type shard struct {
	mu      sync.RWMutex
	entries map[Key]*entry
}

type entry struct {
	// gate admits one signal evaluation at a time, in arrival order.
	gate chan struct{}
	mu   sync.Mutex
	rec  atomic.Pointer[Record]
}

type Option func(*Store)

// WithShards rounds n up to a power of two.
func WithShards(n int) Option {
	return func(s *Store) {
		if n <= 0 {
			return
		}
		size := 1
		for size < n {
			size <<= 1
		}
		s.shards = make([]*shard, size)
	}
}

func WithObserver(fn Observer) Option {
	return func(s *Store) {
		if fn != nil {
			s.observers = append(s.observers, fn)
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func NewStore(opts ...Option) *Store {
	s := &Store{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if len(s.shards) == 0 {
		s.shards = make([]*shard, defaultShards)
	}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[Key]*entry)}
	}
	s.mask = uint32(len(s.shards) - 1)
	return s
}

func normalizeKey(strategyID, symbol string) Key {
	return Key{
		StrategyID: strings.TrimSpace(strategyID),
		Symbol:     strings.ToUpper(strings.TrimSpace(symbol)),
	}
}

func (s *Store) shardFor(key Key) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.StrategyID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(key.Symbol))
	return s.shards[h.Sum32()&s.mask]
}

// lookup returns the entry for key without creating it.
func (s *Store) lookup(key Key) (*entry, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	e, ok := sh.entries[key]
	sh.mu.RUnlock()
	return e, ok
}

// entry returns the entry for key, creating a Flat record on first access.
func (s *Store) entry(key Key) *entry {
	if e, ok := s.lookup(key); ok {
		return e
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok := sh.entries[key]; ok {
		return e
	}
	e := &entry{gate: make(chan struct{}, 1)}
	rec := flatRecord(key)
	e.rec.Store(&rec)
	sh.entries[key] = e
	return e
}

// Get returns the current record, creating a Flat one if the key is new.
// It is the signal path's entry point.
func (s *Store) Get(strategyID, symbol string) Record {
	e := s.entry(normalizeKey(strategyID, symbol))
	return e.rec.Load().clone()
}

// Lookup is the read-only counterpart of Get: unknown keys read as Flat and
// nothing is stored.
func (s *Store) Lookup(strategyID, symbol string) Record {
	key := normalizeKey(strategyID, symbol)
	e, ok := s.lookup(key)
	if !ok {
		return flatRecord(key)
	}
	return e.rec.Load().clone()
}

// Acquire blocks until the caller holds the evaluation gate for the key.
// Waiters are admitted in arrival order. The returned release func is safe to
// call more than once.
func (s *Store) Acquire(ctx context.Context, strategyID, symbol string) (func(), error) {
	e := s.entry(normalizeKey(strategyID, symbol))
	select {
	case e.gate <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() { <-e.gate })
	}, nil
}

// List returns matching records ordered by strategy then symbol.
func (s *Store) List(q Query) []Record {
	out := make([]Record, 0)
	s.each(func(r Record) {
		if q.match(r) {
			out = append(out, r)
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].StrategyID != out[j].StrategyID {
			return out[i].StrategyID < out[j].StrategyID
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// Len is the number of keys ever seen.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}

// Exposure sums every non-flat record of one strategy.
func (s *Store) Exposure(strategyID string) Exposure {
	return s.exposure(func(r Record) bool { return r.StrategyID == strategyID })
}

// AggregateExposure sums every non-flat record across strategies.
func (s *Store) AggregateExposure() Exposure {
	return s.exposure(func(Record) bool { return true })
}

func (s *Store) exposure(match func(Record) bool) Exposure {
	exp := Exposure{Size: decimal.Zero, Notional: decimal.Zero}
	s.each(func(r Record) {
		if r.Status == StatusFlat || !match(r) {
			return
		}
		exp.OpenPositions++
		exp.Size = exp.Size.Add(r.Size)
		exp.Notional = exp.Notional.Add(r.Notional())
	})
	return exp
}

func (s *Store) each(fn func(Record)) {
	for _, sh := range s.shards {
		sh.mu.RLock()
		entries := make([]*entry, 0, len(sh.entries))
		for _, e := range sh.entries {
			entries = append(entries, e)
		}
		sh.mu.RUnlock()
		for _, e := range entries {
			fn(e.rec.Load().clone())
		}
	}
}

// commit publishes next and notifies observers. Caller holds e.mu.
func (s *Store) commit(e *entry, before, next Record, cause string) Record {
	next.Version = before.Version + 1
	stored := next.clone()
	e.rec.Store(&stored)
	if len(s.observers) > 0 {
		change := Change{Before: before, After: next.clone(), Cause: cause, At: s.now()}
		for _, fn := range s.observers {
			fn(change)
		}
	}
	return next
}
