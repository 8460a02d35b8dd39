package filter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"quantflow/internal/position"
	"quantflow/internal/signal"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

var ErrRiskLimitExceeded = errors.New("risk limit exceeded")

// LimitError names the limit a signal would breach.
type LimitError struct {
	Limit  string
	Detail string
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s: %s", e.Limit, e.Detail)
}

func (e *LimitError) Unwrap() error { return ErrRiskLimitExceeded }

// Policy decides whether an opening signal may proceed.
type Policy interface {
	Check(sig signal.Signal, rec position.Record) error
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(sig signal.Signal, rec position.Record) error

func (f PolicyFunc) Check(sig signal.Signal, rec position.Record) error { return f(sig, rec) }

// OrderPolicy checks the quantity an order will actually trade, after the
// strategy checker has had its say on sizing.
type OrderPolicy interface {
	CheckOrder(sig signal.Signal, rec position.Record, qty decimal.Decimal) error
}

// ExposureView is the read side of the position store used by LimitPolicy.
type ExposureView interface {
	Exposure(strategyID string) position.Exposure
	AggregateExposure() position.Exposure
}

// Sizer reports the quantity an opening signal would trade.
type Sizer interface {
	Quantity(sig signal.Signal) decimal.Decimal
}

// Limits 风控阈值，零值表示不限制。
type Limits struct {
	MaxPositionSize      map[string]decimal.Decimal
	MaxOpenPositions     map[string]int
	MaxAggregateNotional decimal.Decimal
	OrdersPerMinute      map[string]int
}

// LimitPolicy enforces Limits against live exposure.
type LimitPolicy struct {
	limits   Limits
	exposure ExposureView
	sizer    Sizer
	now      func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewLimitPolicy(limits Limits, exposure ExposureView, sizer Sizer) *LimitPolicy {
	return &LimitPolicy{
		limits:   limits,
		exposure: exposure,
		sizer:    sizer,
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
	}
}

// WithClock swaps the clock used by the order rate limiter.
func (p *LimitPolicy) WithClock(now func() time.Time) *LimitPolicy {
	if now != nil {
		p.now = now
	}
	return p
}

// Check sizes sig with the sizer and spends one rate-limit token.
func (p *LimitPolicy) Check(sig signal.Signal, rec position.Record) error {
	qty := decimal.Zero
	if p.sizer != nil {
		qty = p.sizer.Quantity(sig)
	}
	if err := p.CheckOrder(sig, rec, qty); err != nil {
		return err
	}
	if lim := p.limiter(sig.StrategyID); lim != nil && !lim.AllowN(p.now(), 1) {
		return &LimitError{Limit: "orders_per_minute", Detail: fmt.Sprintf("%s over %d/min", sig.StrategyID, p.limits.OrdersPerMinute[sig.StrategyID])}
	}
	return nil
}

// CheckOrder enforces the exposure limits for an order of qty. It does not
// touch the rate limiter.
func (p *LimitPolicy) CheckOrder(sig signal.Signal, rec position.Record, qty decimal.Decimal) error {
	if limit, ok := p.limits.MaxPositionSize[sig.StrategyID]; ok && limit.IsPositive() {
		if next := rec.Size.Add(qty); next.GreaterThan(limit) {
			return &LimitError{Limit: "max_position_size", Detail: fmt.Sprintf("%s would hold %s > %s", sig.Symbol, next, limit)}
		}
	}
	if p.exposure == nil {
		return nil
	}
	if limit, ok := p.limits.MaxOpenPositions[sig.StrategyID]; ok && limit > 0 && rec.Status == position.StatusFlat {
		if open := p.exposure.Exposure(sig.StrategyID).OpenPositions; open >= limit {
			return &LimitError{Limit: "max_open_positions", Detail: fmt.Sprintf("%d open, max %d", open, limit)}
		}
	}
	if p.limits.MaxAggregateNotional.IsPositive() {
		if price, err := decimal.NewFromString(sig.Meta(signal.MetaPrice)); err == nil {
			agg := p.exposure.AggregateExposure().Notional
			next := agg.Add(qty.Mul(price))
			if next.GreaterThan(p.limits.MaxAggregateNotional) {
				return &LimitError{Limit: "max_aggregate_notional", Detail: fmt.Sprintf("%s > %s", next.StringFixed(2), p.limits.MaxAggregateNotional)}
			}
		}
	}
	return nil
}

func (p *LimitPolicy) limiter(strategyID string) *rate.Limiter {
	perMin, ok := p.limits.OrdersPerMinute[strategyID]
	if !ok || perMin <= 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	lim, ok := p.limiters[strategyID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMin)), perMin)
		p.limiters[strategyID] = lim
	}
	return lim
}

// Risk runs a Policy for signals that open exposure. Closing signals always
// pass so a position can be unwound whatever the limits say.
type Risk struct {
	Policy Policy
}

func (Risk) Meta() StageMeta { return StageMeta{Name: "risk", Order: 30} }

func (r Risk) Evaluate(_ context.Context, sig signal.Signal, rec position.Record) signal.Decision {
	if !sig.Opens() || r.Policy == nil {
		return signal.Accept(sig)
	}
	if err := r.Policy.Check(sig, rec); err != nil {
		return signal.Reject(signal.ReasonRiskLimit, "%v", err)
	}
	return signal.Accept(sig)
}
