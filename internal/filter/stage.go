package filter

import (
	"context"
	"time"

	"quantflow/internal/position"
	"quantflow/internal/signal"
)

// Stage 描述过滤链中的一个环节。
type Stage interface {
	Meta() StageMeta
	Evaluate(ctx context.Context, sig signal.Signal, rec position.Record) signal.Decision
}

// StageMeta 提供排序与超时所需元信息。
type StageMeta struct {
	Name  string
	Order int
	// Timeout bounds a single Evaluate call; zero means no deadline.
	Timeout time.Duration
}

// Func adapts a plain function to Stage.
type Func struct {
	StageMeta
	Fn func(ctx context.Context, sig signal.Signal, rec position.Record) signal.Decision
}

func (f Func) Meta() StageMeta { return f.StageMeta }

func (f Func) Evaluate(ctx context.Context, sig signal.Signal, rec position.Record) signal.Decision {
	if f.Fn == nil {
		return signal.Accept(sig)
	}
	return f.Fn(ctx, sig, rec)
}

// StageError records a stage that panicked or overran its deadline.
type StageError struct {
	Stage string
	Order int
	Err   error
}

func (e *StageError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return e.Stage
	}
	return e.Stage + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
