package checker

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"quantflow/internal/position"
	"quantflow/internal/signal"
)

// Checker 是策略自定义的最后一道校验。
type Checker interface {
	Evaluate(sig signal.Signal, rec position.Record) signal.Decision
}

// Func adapts a function to Checker.
type Func func(sig signal.Signal, rec position.Record) signal.Decision

func (f Func) Evaluate(sig signal.Signal, rec position.Record) signal.Decision {
	return f(sig, rec)
}

// AcceptAll passes every signal through untouched.
var AcceptAll Checker = Func(func(sig signal.Signal, _ position.Record) signal.Decision {
	return signal.Accept(sig)
})

// Registry maps strategy ids to their checker.
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
}

func NewRegistry() *Registry {
	return &Registry{checkers: make(map[string]Checker)}
}

// Register adds or replaces the checker for strategyID.
func (r *Registry) Register(strategyID string, c Checker) error {
	id := strings.TrimSpace(strategyID)
	if id == "" {
		return fmt.Errorf("checker requires strategy id")
	}
	if c == nil {
		return fmt.Errorf("checker for %s is nil", id)
	}
	r.mu.Lock()
	r.checkers[id] = c
	r.mu.Unlock()
	return nil
}

func (r *Registry) Get(strategyID string) (Checker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.checkers[strings.TrimSpace(strategyID)]
	return c, ok
}

// IDs returns the registered strategy ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.checkers))
	for id := range r.checkers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
