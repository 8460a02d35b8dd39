package order

import (
	"context"
	"fmt"

	"quantflow/internal/pkg/circuit"
)

// GuardedExecutor 在连续提交失败后熔断，冷却期内直接拒绝新订单。
type GuardedExecutor struct {
	inner   Executor
	breaker *circuit.Breaker
}

func Guard(inner Executor, breaker *circuit.Breaker) *GuardedExecutor {
	return &GuardedExecutor{inner: inner, breaker: breaker}
}

// Submit returns an error wrapping circuit.ErrOpen while the breaker is open.
func (g *GuardedExecutor) Submit(ctx context.Context, req Request) error {
	if g.breaker == nil {
		return g.inner.Submit(ctx, req)
	}
	if !g.breaker.Allow() {
		return fmt.Errorf("submit %s: %w", req.ClientOrderID, circuit.ErrOpen)
	}
	if err := g.inner.Submit(ctx, req); err != nil {
		g.breaker.RecordFailure()
		return err
	}
	g.breaker.RecordSuccess()
	return nil
}

func (g *GuardedExecutor) Breaker() *circuit.Breaker { return g.breaker }
