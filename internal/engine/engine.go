// Package engine is the programmatic surface of the signal pipeline: it
// serialises evaluation per position key, routes signals through the filter
// chain, drives the position state machine and hands orders to the executor.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"quantflow/internal/checker"
	"quantflow/internal/dispatch"
	"quantflow/internal/filter"
	"quantflow/internal/logger"
	"quantflow/internal/metrics"
	"quantflow/internal/order"
	"quantflow/internal/position"
	"quantflow/internal/router"
	"quantflow/internal/signal"
)

// Deps 汇总 Engine 依赖的组件。
type Deps struct {
	Store      *position.Store
	Router     *router.Router
	Generator  *order.Generator
	Executor   order.Executor
	Dispatcher *dispatch.Dispatcher
	Metrics    *metrics.Collector
	// Risk re-checks exposure against the generated order quantity, which
	// already includes any size_scale set by the strategy checker.
	Risk filter.OrderPolicy
	// FillTimeout reverts an in-flight order that has not been filled in
	// time. Zero disables the timeout.
	FillTimeout time.Duration
	Now         func() time.Time
}

type pendingOrder struct {
	orderID  string
	reversal string
	timer    *time.Timer
}

type Engine struct {
	store       *position.Store
	router      *router.Router
	generator   *order.Generator
	executor    order.Executor
	dispatcher  *dispatch.Dispatcher
	metrics     *metrics.Collector
	risk        filter.OrderPolicy
	fillTimeout time.Duration
	now         func() time.Time

	mu      sync.Mutex
	pending map[position.Key]*pendingOrder
	closed  bool
}

func New(deps Deps) (*Engine, error) {
	if deps.Store == nil || deps.Router == nil || deps.Generator == nil || deps.Executor == nil {
		return nil, errors.New("engine requires store, router, generator and executor")
	}
	if deps.Dispatcher == nil {
		deps.Dispatcher = dispatch.New(dispatch.DefaultDefaults())
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Engine{
		store:       deps.Store,
		router:      deps.Router,
		generator:   deps.Generator,
		executor:    deps.Executor,
		dispatcher:  deps.Dispatcher,
		metrics:     deps.Metrics,
		risk:        deps.Risk,
		fillTimeout: deps.FillTimeout,
		now:         deps.Now,
		pending:     make(map[position.Key]*pendingOrder),
	}, nil
}

// SubmitSignal evaluates sig against the current position and, when
// approved, moves the position into its transient state and submits the
// order. Signals for the same key are evaluated one at a time in arrival
// order.
func (e *Engine) SubmitSignal(ctx context.Context, sig signal.Signal) (signal.Decision, error) {
	if err := sig.Validate(); err != nil {
		return signal.Decision{}, err
	}
	if !e.router.Registered(sig.StrategyID) {
		e.metrics.Decision(sig.StrategyID, signal.VerdictReject.String(), "unregistered")
		return signal.Decision{}, router.Unregistered(sig)
	}
	release, err := e.store.Acquire(ctx, sig.StrategyID, sig.Symbol)
	if err != nil {
		return signal.Decision{}, fmt.Errorf("acquire %s/%s: %w", sig.StrategyID, sig.Symbol, err)
	}
	defer release()

	rec := e.store.Get(sig.StrategyID, sig.Symbol)
	d, err := e.router.Route(ctx, sig, rec)
	if err != nil {
		e.metrics.Decision(sig.StrategyID, signal.VerdictReject.String(), "unregistered")
		return d, err
	}
	if d.Rejected() {
		return e.finish(sig, d), nil
	}

	req, err := e.generator.Generate(d.Signal, rec)
	if err != nil {
		return e.finish(sig, rejectWith(d, signal.ReasonInvalidOrder, "order", err)), nil
	}
	if req.Intent == order.IntentOpen && e.risk != nil {
		if err := e.risk.CheckOrder(d.Signal, rec, req.Quantity); err != nil {
			return e.finish(sig, rejectWith(d, signal.ReasonRiskLimit, "risk", err)), nil
		}
	}

	expected, next, delta := position.StatusFlat, position.StatusOpening, position.Delta{
		OrderID:  req.ClientOrderID,
		SignalAt: e.now(),
	}
	if req.Intent == order.IntentOpen {
		side := position.SideFor(req.Direction)
		delta.Side = &side
	} else {
		expected, next = position.StatusOpen, position.StatusClosing
	}
	if _, err := e.store.TryTransition(sig.StrategyID, sig.Symbol, expected, next, delta); err != nil {
		return e.finish(sig, rejectWith(d, signal.ReasonInFlight, "transition", err)), err
	}

	key := rec.Key()
	e.arm(key, req.ClientOrderID, req.ReversalPending)
	if err := e.executor.Submit(ctx, req); err != nil {
		e.disarm(key, req.ClientOrderID)
		if _, abandonErr := e.store.Abandon(sig.StrategyID, sig.Symbol, req.ClientOrderID); abandonErr != nil {
			logger.Errorf("[engine] revert %s after submit failure: %v", key, abandonErr)
		}
		return e.finish(sig, rejectWith(d, signal.ReasonExecution, "executor", err)), fmt.Errorf("submit %s: %w", req.ClientOrderID, err)
	}
	logger.Infof("[engine] %s %s %s qty=%s order=%s (%s)", key, req.Intent, req.Side, req.Quantity, req.ClientOrderID, d.Verdict)
	return e.finish(sig, d), nil
}

func rejectWith(d signal.Decision, reason signal.Reason, stage string, err error) signal.Decision {
	out := signal.Reject(reason, "%v", err)
	out.Signal = d.Signal
	out.Stage = stage
	return out
}

func (e *Engine) finish(sig signal.Signal, d signal.Decision) signal.Decision {
	e.metrics.Decision(sig.StrategyID, d.Verdict.String(), string(d.Reason))
	if d.Rejected() {
		logger.Debugf("[engine] %s rejected: %s", sig, d)
	}
	return d
}

// NotifyFill applies an execution report to the position.
func (e *Engine) NotifyFill(strategyID, symbol string, fill position.Fill) (position.Record, error) {
	rec, err := e.store.ApplyFill(strategyID, symbol, fill)
	if err != nil {
		return rec, err
	}
	if rec.Status.Stable() {
		p := e.disarm(rec.Key(), fill.OrderID)
		if p != nil && p.reversal != "" && rec.Status == position.StatusFlat {
			logger.Infof("[engine] %s closed, reversal to %s pending on next %s signal", rec.Key(), p.reversal, p.reversal)
		}
	}
	return rec, nil
}

func (e *Engine) arm(key position.Key, orderID, reversal string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if old, ok := e.pending[key]; ok && old.timer != nil {
		old.timer.Stop()
	}
	p := &pendingOrder{orderID: orderID, reversal: reversal}
	if e.fillTimeout > 0 && !e.closed {
		p.timer = time.AfterFunc(e.fillTimeout, func() { e.expire(key, orderID) })
	}
	e.pending[key] = p
}

// disarm drops the pending entry when it still belongs to orderID. An empty
// orderID matches whatever is pending.
func (e *Engine) disarm(key position.Key, orderID string) *pendingOrder {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pending[key]
	if !ok || (orderID != "" && p.orderID != orderID) {
		return nil
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(e.pending, key)
	return p
}

func (e *Engine) expire(key position.Key, orderID string) {
	if e.disarm(key, orderID) == nil {
		return
	}
	rec, err := e.store.Abandon(key.StrategyID, key.Symbol, orderID)
	if err != nil {
		logger.Debugf("[engine] fill timeout for %s ignored: %v", orderID, err)
		return
	}
	logger.Warnf("[engine] order %s abandoned after %s, %s reverted to %s", orderID, e.fillTimeout, key, rec.Status)
}

// PendingOrders is the number of orders awaiting a fill.
func (e *Engine) PendingOrders() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func (e *Engine) PositionOf(strategyID, symbol string) position.Record {
	return e.store.Lookup(strategyID, symbol)
}

func (e *Engine) Positions(q position.Query) []position.Record {
	return e.store.List(q)
}

func (e *Engine) RegisterChecker(strategyID string, c checker.Checker) error {
	return e.router.Register(strategyID, c)
}

func (e *Engine) Strategies() []string {
	return e.router.Strategies()
}

func (e *Engine) RegisterConsumer(spec dispatch.ConsumerSpec, h dispatch.Handler) error {
	return e.dispatcher.Register(spec, h)
}

func (e *Engine) Publish(ev dispatch.Event) error {
	return e.dispatcher.Publish(ev)
}

func (e *Engine) Consumers() []dispatch.ConsumerStats {
	return e.dispatcher.Stats()
}

// Run drives the dispatcher until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	return e.dispatcher.Run(ctx)
}

// Close stops fill timers. Positions keep their current state.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for _, p := range e.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
	}
}
