package order

import (
	"context"
	"errors"
	"sync"
	"time"

	"quantflow/internal/logger"
	"quantflow/internal/position"
	"quantflow/internal/signal"

	"github.com/shopspring/decimal"
)

// Bracket 是已成交开仓单附带的保护价。
type Bracket struct {
	OrderID    string
	Direction  signal.Direction
	Entry      decimal.Decimal
	StopPrice  decimal.Decimal
	TakeProfit decimal.Decimal
}

// PaperExecutor fills every order in full after a fixed latency at the
// order's limit price, or its price hint for market orders. Protective
// prices of filled open orders are kept per position until it closes.
type PaperExecutor struct {
	latency time.Duration
	now     func() time.Time

	mu       sync.Mutex
	sink     FillSink
	timers   map[string]*time.Timer
	brackets map[position.Key]Bracket
	closed   bool
}

func NewPaperExecutor(latency time.Duration) *PaperExecutor {
	return &PaperExecutor{
		latency:  latency,
		now:      time.Now,
		timers:   make(map[string]*time.Timer),
		brackets: make(map[position.Key]Bracket),
	}
}

// Bind sets the sink fills are reported to.
func (p *PaperExecutor) Bind(sink FillSink) {
	p.mu.Lock()
	p.sink = sink
	p.mu.Unlock()
}

func (p *PaperExecutor) Submit(ctx context.Context, req Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("paper executor closed")
	}
	if p.sink == nil {
		return errors.New("paper executor has no fill sink")
	}
	sink := p.sink
	p.timers[req.ClientOrderID] = time.AfterFunc(p.latency, func() {
		p.mu.Lock()
		delete(p.timers, req.ClientOrderID)
		p.mu.Unlock()
		fill := position.Fill{
			OrderID:  req.ClientOrderID,
			Status:   position.FillFilled,
			Quantity: req.Quantity,
			Price:    req.EntryPrice(),
			At:       p.now(),
		}
		if _, err := sink.NotifyFill(req.StrategyID, req.Symbol, fill); err != nil {
			logger.Warnf("[paper] fill %s %s/%s: %v", req.ClientOrderID, req.StrategyID, req.Symbol, err)
			return
		}
		p.recordBracket(req, fill.Price)
	})
	logger.Debugf("[paper] %s %s %s %s %s qty=%s limit=%s stop=%s tp=%s", req.ClientOrderID, req.Intent, req.Type, req.Side, req.Symbol,
		req.Quantity, req.LimitPrice, req.StopPrice, req.TakeProfit)
	return nil
}

func (p *PaperExecutor) recordBracket(req Request, entry decimal.Decimal) {
	key := position.Key{StrategyID: req.StrategyID, Symbol: req.Symbol}
	p.mu.Lock()
	defer p.mu.Unlock()
	if req.Intent == IntentClose || !req.Protected() {
		delete(p.brackets, key)
		return
	}
	p.brackets[key] = Bracket{
		OrderID:    req.ClientOrderID,
		Direction:  req.Direction,
		Entry:      entry,
		StopPrice:  req.StopPrice,
		TakeProfit: req.TakeProfit,
	}
}

// Bracket returns the protective prices attached to the open position of
// (strategyID, symbol).
func (p *PaperExecutor) Bracket(strategyID, symbol string) (Bracket, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.brackets[position.Key{StrategyID: strategyID, Symbol: symbol}]
	return b, ok
}

// Pending is the number of orders waiting for their simulated fill.
func (p *PaperExecutor) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.timers)
}

// Close stops pending fills.
func (p *PaperExecutor) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for id, t := range p.timers {
		t.Stop()
		delete(p.timers, id)
	}
}
