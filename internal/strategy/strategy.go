// Package strategy 在计算 consumer 中运行技术指标策略：每根收盘 K 线触发一次评估，
// 产生的 signal 交给引擎走过滤管线。
package strategy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"quantflow/internal/dispatch"
	"quantflow/internal/logger"
	"quantflow/internal/market"
	"quantflow/internal/pkg/symbol"
	"quantflow/internal/signal"
)

// Strategy turns a closed-kline history into at most one signal.
type Strategy interface {
	ID() string
	Interval() string
	Applies(symbol string) bool
	// Evaluate sees closed klines only, oldest first.
	Evaluate(symbol string, klines []market.Kline) (signal.Signal, bool)
}

// Emitter forwards a produced signal, typically into the order consumer.
type Emitter func(ctx context.Context, sig signal.Signal) error

// Calculator runs the registered strategies on every closed kline.
type Calculator struct {
	store      market.KlineStore
	emit       Emitter
	strategies []Strategy

	mu   sync.Mutex
	seen map[string]int64
}

func NewCalculator(store market.KlineStore, emit Emitter, strategies ...Strategy) *Calculator {
	list := make([]Strategy, 0, len(strategies))
	for _, s := range strategies {
		if s != nil {
			list = append(list, s)
		}
	}
	return &Calculator{
		store:      store,
		emit:       emit,
		strategies: list,
		seen:       make(map[string]int64),
	}
}

func (c *Calculator) Strategies() []Strategy {
	return append([]Strategy(nil), c.strategies...)
}

// Handler is the calculation consumer. Non-kline events and klines still
// forming are skipped.
func (c *Calculator) Handler() dispatch.Handler {
	return dispatch.HandlerFunc(func(ctx context.Context, events []dispatch.Event) error {
		var errs []error
		for _, ev := range events {
			me, ok := ev.Payload.(market.Event)
			if !ok || me.Type != market.EventKline || me.Kline == nil || !me.Kline.Closed {
				continue
			}
			if _, err := c.OnKline(ctx, *me.Kline); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// OnKline evaluates every strategy bound to the kline's symbol and interval
// and returns how many signals were emitted. A candle is evaluated at most
// once per strategy.
func (c *Calculator) OnKline(ctx context.Context, k market.Kline) (int, error) {
	if c.store == nil {
		return 0, fmt.Errorf("strategy calculator missing kline store")
	}
	sym := symbol.Normalize(k.Symbol)
	emitted := 0
	var history []market.Kline
	for _, s := range c.strategies {
		if !strings.EqualFold(s.Interval(), k.Interval) || !s.Applies(sym) {
			continue
		}
		if !c.markSeen(s.ID()+"/"+sym+"@"+k.Interval, k.OpenTime) {
			continue
		}
		if history == nil {
			all, err := c.store.Get(ctx, sym, k.Interval)
			if err != nil {
				return emitted, fmt.Errorf("load %s %s: %w", sym, k.Interval, err)
			}
			history = closedUpTo(all, k)
		}
		sig, ok := s.Evaluate(sym, history)
		if !ok {
			continue
		}
		logger.Debugf("[strategy] %s 产生信号 %s", s.ID(), sig)
		if c.emit == nil {
			continue
		}
		if err := c.emit(ctx, sig); err != nil {
			return emitted, fmt.Errorf("emit %s: %w", sig, err)
		}
		emitted++
	}
	return emitted, nil
}

func (c *Calculator) markSeen(key string, openTime int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if last, ok := c.seen[key]; ok && openTime <= last {
		return false
	}
	c.seen[key] = openTime
	return true
}

// closedUpTo keeps the closed klines up to and including k. The store may
// already hold the next candle, or k itself may be missing when the store
// is behind.
func closedUpTo(all []market.Kline, k market.Kline) []market.Kline {
	out := make([]market.Kline, 0, len(all)+1)
	for _, item := range all {
		if item.OpenTime > k.OpenTime {
			break
		}
		if item.OpenTime == k.OpenTime {
			continue
		}
		if item.Closed {
			out = append(out, item)
		}
	}
	return append(out, k)
}

func closes(klines []market.Kline) []float64 {
	out := make([]float64, len(klines))
	for i, k := range klines {
		out[i] = k.Close.InexactFloat64()
	}
	return out
}

// symbolSet matches everything when empty.
type symbolSet map[string]struct{}

func newSymbolSet(symbols []string) symbolSet {
	set := make(symbolSet, len(symbols))
	for _, s := range symbol.NormalizeList(symbols) {
		set[s] = struct{}{}
	}
	return set
}

func (s symbolSet) contains(sym string) bool {
	if len(s) == 0 {
		return true
	}
	_, ok := s[symbol.Normalize(sym)]
	return ok
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
