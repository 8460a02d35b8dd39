package filter

import (
	"context"
	"fmt"
	"sort"

	"quantflow/internal/logger"
	"quantflow/internal/position"
	"quantflow/internal/signal"
)

// Pipeline 按 Order 顺序执行各个 Stage，遇到 Reject 立即停止。
// It only reads the position snapshot it is handed.
type Pipeline struct {
	name   string
	stages []Stage
}

// New sorts stages by Order once; stages with equal Order keep their
// argument order.
func New(name string, stages ...Stage) *Pipeline {
	list := make([]Stage, 0, len(stages))
	for _, st := range stages {
		if st != nil {
			list = append(list, st)
		}
	}
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Meta().Order < list[j].Meta().Order
	})
	return &Pipeline{name: name, stages: list}
}

func (p *Pipeline) Name() string { return p.name }

// Stages returns the stage names in execution order.
func (p *Pipeline) Stages() []string {
	out := make([]string, 0, len(p.stages))
	for _, st := range p.stages {
		out = append(out, st.Meta().Name)
	}
	return out
}

// Run evaluates every stage.
func (p *Pipeline) Run(ctx context.Context, sig signal.Signal, rec position.Record) signal.Decision {
	return p.RunWith(ctx, sig, rec, nil)
}

// RunWith evaluates every stage and then final, which callers use to append a
// per-strategy check after the shared stages.
func (p *Pipeline) RunWith(ctx context.Context, sig signal.Signal, rec position.Record, final Stage) signal.Decision {
	if ctx == nil {
		ctx = context.Background()
	}
	current := sig
	transformed := false
	stages := p.stages
	if final != nil {
		stages = append(stages[:len(stages):len(stages)], final)
	}
	for _, st := range stages {
		if err := ctx.Err(); err != nil {
			d := signal.Reject(signal.ReasonInternal, "%s: %v", p.name, err)
			d.Signal = current
			return d
		}
		d := p.evaluate(ctx, st, current, rec)
		switch d.Verdict {
		case signal.VerdictReject:
			d.Signal = current
			return d
		case signal.VerdictTransform:
			current = d.Signal
			transformed = true
		}
	}
	if transformed {
		return signal.Transform(current)
	}
	return signal.Accept(current)
}

func (p *Pipeline) evaluate(ctx context.Context, st Stage, sig signal.Signal, rec position.Record) (d signal.Decision) {
	meta := st.Meta()
	defer func() {
		if r := recover(); r != nil {
			err := &StageError{Stage: meta.Name, Order: meta.Order, Err: fmt.Errorf("panic: %v", r)}
			logger.Errorf("[filter] %s %s", p.name, err.Error())
			d = signal.Reject(signal.ReasonInternal, "%s", err.Error())
			d.Stage = meta.Name
		}
	}()
	runCtx := ctx
	if meta.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, meta.Timeout)
		defer cancel()
	}
	d = st.Evaluate(runCtx, sig, rec)
	if d.Stage == "" {
		d.Stage = meta.Name
	}
	if d.Rejected() {
		logger.Debugf("[filter] %s %s -> %s", p.name, sig, d)
	}
	return d
}
