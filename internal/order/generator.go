package order

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"quantflow/internal/position"
	"quantflow/internal/signal"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Generator sizes orders. It holds no mutable state.
type Generator struct {
	base     map[string]decimal.Decimal
	fallback decimal.Decimal
	now      func() time.Time
	newID    func() string
}

type GeneratorOption func(*Generator)

func WithClock(now func() time.Time) GeneratorOption {
	return func(g *Generator) {
		if now != nil {
			g.now = now
		}
	}
}

func WithIDSource(fn func() string) GeneratorOption {
	return func(g *Generator) {
		if fn != nil {
			g.newID = fn
		}
	}
}

// NewGenerator uses base[strategyID] as the open quantity, falling back to
// fallback for strategies without an entry.
func NewGenerator(base map[string]decimal.Decimal, fallback decimal.Decimal, opts ...GeneratorOption) *Generator {
	cp := make(map[string]decimal.Decimal, len(base))
	for k, v := range base {
		cp[strings.TrimSpace(k)] = v
	}
	g := &Generator{
		base:     cp,
		fallback: fallback,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Quantity is the open size for sig: base quantity times size_scale.
func (g *Generator) Quantity(sig signal.Signal) decimal.Decimal {
	qty, ok := g.base[sig.StrategyID]
	if !ok {
		qty = g.fallback
	}
	if raw := strings.TrimSpace(sig.Meta(signal.MetaSizeScale)); raw != "" {
		if scale, err := strconv.ParseFloat(raw, 64); err == nil && scale > 0 {
			qty = qty.Mul(decimal.NewFromFloat(scale))
		}
	}
	return qty
}

// Generate builds the request for an approved signal given the current
// position snapshot. Flat signals close the whole position.
func (g *Generator) Generate(sig signal.Signal, rec position.Record) (Request, error) {
	req := Request{
		ClientOrderID:   g.newID(),
		StrategyID:      sig.StrategyID,
		Symbol:          sig.Symbol,
		Direction:       sig.Direction,
		Type:            TypeMarket,
		PriceHint:       priceHint(sig),
		ReversalPending: sig.Meta(signal.MetaReversalPending),
		CreatedAt:       g.now(),
	}
	limit, err := metaPrice(sig, signal.MetaLimitPrice)
	if err != nil {
		return Request{}, err
	}
	if limit.IsPositive() {
		req.Type = TypeLimit
		req.LimitPrice = limit
	}
	if sig.Direction == signal.DirectionFlat {
		if rec.Side == position.SideFlat || !rec.Size.IsPositive() {
			return Request{}, fmt.Errorf("%w: %s", ErrNothingToClose, rec.Key())
		}
		req.Intent = IntentClose
		req.Direction = rec.Side.Direction()
		req.Side = closingSide(rec.Side)
		req.Quantity = rec.Size
		return req, nil
	}
	req.Intent = IntentOpen
	req.Side = SideBuy
	if sig.Direction == signal.DirectionShort {
		req.Side = SideSell
	}
	req.Quantity = g.Quantity(sig)
	if !req.Quantity.IsPositive() {
		return Request{}, fmt.Errorf("%w: %s for %s", ErrInvalidQuantity, req.Quantity, sig)
	}
	if req.StopPrice, err = metaPrice(sig, signal.MetaStopPrice); err != nil {
		return Request{}, err
	}
	if req.TakeProfit, err = metaPrice(sig, signal.MetaTakeProfit); err != nil {
		return Request{}, err
	}
	if err := checkProtection(req); err != nil {
		return Request{}, fmt.Errorf("%w for %s", err, sig)
	}
	return req, nil
}

func closingSide(held position.Side) Side {
	if held == position.SideShort {
		return SideBuy
	}
	return SideSell
}

func priceHint(sig signal.Signal) decimal.Decimal {
	raw := strings.TrimSpace(sig.Meta(signal.MetaPrice))
	if raw == "" {
		return decimal.Zero
	}
	p, err := decimal.NewFromString(raw)
	if err != nil || p.IsNegative() {
		return decimal.Zero
	}
	return p
}

// metaPrice 解析可选价格字段；缺省为零，存在但非正数则报错。
func metaPrice(sig signal.Signal, key string) (decimal.Decimal, error) {
	raw := strings.TrimSpace(sig.Meta(key))
	if raw == "" {
		return decimal.Zero, nil
	}
	p, err := decimal.NewFromString(raw)
	if err != nil || !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s=%q", ErrInvalidPrice, key, raw)
	}
	return p, nil
}

// checkProtection 要求止损和止盈位于入场价两侧：多头 stop < entry < take_profit，
// 空头相反。入场价未知时只比较两者。
func checkProtection(req Request) error {
	stop, take, entry := req.StopPrice, req.TakeProfit, req.EntryPrice()
	long := req.Direction == signal.DirectionLong
	below := func(lo, hi decimal.Decimal) bool {
		if !lo.IsPositive() || !hi.IsPositive() {
			return true
		}
		return lo.LessThan(hi)
	}
	var ok bool
	if long {
		ok = below(stop, entry) && below(entry, take) && below(stop, take)
	} else {
		ok = below(entry, stop) && below(take, entry) && below(take, stop)
	}
	if !ok {
		return fmt.Errorf("%w: %s stop=%s take_profit=%s entry=%s", ErrInvalidPrice, req.Direction, stop, take, entry)
	}
	return nil
}
