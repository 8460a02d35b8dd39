package market

import (
	"context"
	"strings"
	"sync"
)

type KlineStore interface {
	Get(ctx context.Context, symbol, interval string) ([]Kline, error)
	Put(ctx context.Context, k Kline, max int) error
}

// MemoryKlineStore keeps the most recent klines per symbol and interval.
// Updates of the candle still forming replace the last entry.
type MemoryKlineStore struct {
	mu   sync.RWMutex
	data map[string][]Kline
}

func NewMemoryKlineStore() *MemoryKlineStore {
	return &MemoryKlineStore{data: make(map[string][]Kline)}
}

func klineKey(symbol, interval string) string {
	return strings.ToUpper(strings.TrimSpace(symbol)) + "@" + strings.ToLower(strings.TrimSpace(interval))
}

func (s *MemoryKlineStore) Get(_ context.Context, symbol, interval string) ([]Kline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.data[klineKey(symbol, interval)]
	out := make([]Kline, len(src))
	copy(out, src)
	return out, nil
}

func (s *MemoryKlineStore) Put(_ context.Context, k Kline, max int) error {
	key := klineKey(k.Symbol, k.Interval)
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.data[key]
	if n := len(list); n > 0 && list[n-1].OpenTime == k.OpenTime {
		list[n-1] = k
	} else if n > 0 && k.OpenTime < list[n-1].OpenTime {
		return nil
	} else {
		list = append(list, k)
	}
	if max > 0 && len(list) > max {
		list = append([]Kline(nil), list[len(list)-max:]...)
	}
	s.data[key] = list
	return nil
}
