package filter

import (
	"context"
	"time"

	"quantflow/internal/position"
	"quantflow/internal/signal"
)

// Cooldown rejects signals that arrive too soon after the last accepted
// signal for the same key.
type Cooldown struct {
	Default     time.Duration
	PerStrategy map[string]time.Duration
	Now         func() time.Time
}

func NewCooldown(def time.Duration, perStrategy map[string]time.Duration) *Cooldown {
	cp := make(map[string]time.Duration, len(perStrategy))
	for k, v := range perStrategy {
		cp[k] = v
	}
	return &Cooldown{Default: def, PerStrategy: cp, Now: time.Now}
}

func (c *Cooldown) Meta() StageMeta { return StageMeta{Name: "cooldown", Order: 10} }

// Window returns the cooldown that applies to strategyID.
func (c *Cooldown) Window(strategyID string) time.Duration {
	if d, ok := c.PerStrategy[strategyID]; ok {
		return d
	}
	return c.Default
}

func (c *Cooldown) Evaluate(_ context.Context, sig signal.Signal, rec position.Record) signal.Decision {
	window := c.Window(sig.StrategyID)
	if window <= 0 || rec.LastSignalAt == nil {
		return signal.Accept(sig)
	}
	now := time.Now()
	if c.Now != nil {
		now = c.Now()
	}
	elapsed := now.Sub(*rec.LastSignalAt)
	if elapsed < window {
		return signal.Reject(signal.ReasonCooldown, "last signal %s ago, cooldown %s", elapsed.Truncate(time.Millisecond), window)
	}
	return signal.Accept(sig)
}
