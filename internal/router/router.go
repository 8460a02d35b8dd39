package router

import (
	"context"
	"errors"
	"fmt"

	"quantflow/internal/checker"
	"quantflow/internal/filter"
	"quantflow/internal/logger"
	"quantflow/internal/position"
	"quantflow/internal/signal"
)

var ErrUnregisteredStrategy = errors.New("unregistered strategy")

type UnregisteredStrategyError struct {
	StrategyID string
}

func (e *UnregisteredStrategyError) Error() string {
	return fmt.Sprintf("strategy %q has no registered checker", e.StrategyID)
}

func (e *UnregisteredStrategyError) Unwrap() error { return ErrUnregisteredStrategy }

// Router 将信号交给过滤链，并在最后追加该策略的 checker。
type Router struct {
	pipeline *filter.Pipeline
	checkers *checker.Registry
}

func New(pipeline *filter.Pipeline, checkers *checker.Registry) *Router {
	if pipeline == nil {
		pipeline = filter.New("default")
	}
	if checkers == nil {
		checkers = checker.NewRegistry()
	}
	return &Router{pipeline: pipeline, checkers: checkers}
}

func (r *Router) Register(strategyID string, c checker.Checker) error {
	return r.checkers.Register(strategyID, c)
}

// Registered reports whether strategyID has a checker.
func (r *Router) Registered(strategyID string) bool {
	_, ok := r.checkers.Get(strategyID)
	return ok
}

// Unregistered builds the error returned for a signal whose strategy has no
// checker.
func Unregistered(sig signal.Signal) error {
	err := &UnregisteredStrategyError{StrategyID: sig.StrategyID}
	logger.Warnf("[router] drop %s: %v", sig, err)
	return err
}

// Strategies lists registered strategy ids.
func (r *Router) Strategies() []string {
	return r.checkers.IDs()
}

// Route runs the pipeline for sig. Signals from strategies without a checker
// are refused with an *UnregisteredStrategyError.
func (r *Router) Route(ctx context.Context, sig signal.Signal, rec position.Record) (signal.Decision, error) {
	c, ok := r.checkers.Get(sig.StrategyID)
	if !ok {
		return signal.Decision{}, Unregistered(sig)
	}
	final := filter.Func{
		StageMeta: filter.StageMeta{Name: "checker:" + sig.StrategyID},
		Fn: func(_ context.Context, s signal.Signal, rec position.Record) signal.Decision {
			return c.Evaluate(s, rec)
		},
	}
	return r.pipeline.RunWith(ctx, sig, rec, final), nil
}
