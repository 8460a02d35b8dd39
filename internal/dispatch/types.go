// Package dispatch fans events out to named consumers, each running in
// stream mode (one event per call) or batch mode (size/time bounded
// batches) behind its own bounded queue.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrConsumerTimeout = errors.New("consumer timeout")
	ErrQueueFull       = errors.New("consumer queue full")
	ErrQueueClosed     = errors.New("consumer queue closed")
	ErrInvalidSpec     = errors.New("invalid consumer spec")
)

type Mode int8

const (
	ModeInherit Mode = iota
	ModeStream
	ModeBatch
)

func (m Mode) String() string {
	switch m {
	case ModeStream:
		return "stream"
	case ModeBatch:
		return "batch"
	default:
		return "inherit"
	}
}

func ParseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "inherit":
		return ModeInherit, nil
	case "stream":
		return ModeStream, nil
	case "batch":
		return ModeBatch, nil
	default:
		return ModeInherit, fmt.Errorf("%w: unknown mode %q", ErrInvalidSpec, raw)
	}
}

// OverflowPolicy decides what a full queue does with a new event.
type OverflowPolicy int8

const (
	OverflowRejectNew OverflowPolicy = iota
	OverflowDropOldest
)

func (o OverflowPolicy) String() string {
	if o == OverflowDropOldest {
		return "drop_oldest"
	}
	return "reject_new"
}

func ParseOverflow(raw string) (OverflowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "reject_new", "reject":
		return OverflowRejectNew, nil
	case "drop_oldest", "drop":
		return OverflowDropOldest, nil
	default:
		return OverflowRejectNew, fmt.Errorf("%w: unknown overflow policy %q", ErrInvalidSpec, raw)
	}
}

// Event 是分发给 consumer 的最小单元。
type Event struct {
	ID      string
	Kind    string
	Source  string
	Key     string
	At      time.Time
	Payload any
}

func NewEvent(kind, source, key string, payload any) Event {
	return Event{
		ID:      uuid.NewString(),
		Kind:    kind,
		Source:  source,
		Key:     key,
		At:      time.Now(),
		Payload: payload,
	}
}

// ConsumerSpec configures one consumer. Zero durations and sizes are filled
// from the dispatcher Defaults at registration.
type ConsumerSpec struct {
	Name           string
	Enabled        bool
	Mode           Mode
	BatchSize      int
	BatchTimeout   time.Duration
	ProcessTimeout time.Duration
	MaxConcurrent  int
	QueueSize      int
	Overflow       OverflowPolicy
	// Kinds limits the event kinds delivered; empty means all.
	Kinds []string
}

func (s ConsumerSpec) accepts(kind string) bool {
	if len(s.Kinds) == 0 {
		return true
	}
	for _, k := range s.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Defaults is the process-wide processing configuration that Inherit
// consumers resolve against.
type Defaults struct {
	Mode           Mode
	BatchSize      int
	BatchTimeout   time.Duration
	MaxBatchDelay  time.Duration
	ProcessTimeout time.Duration
	MaxConcurrent  int
	QueueSize      int
}

func DefaultDefaults() Defaults {
	return Defaults{
		Mode:           ModeStream,
		BatchSize:      100,
		BatchTimeout:   time.Second,
		MaxBatchDelay:  5 * time.Second,
		ProcessTimeout: 100 * time.Millisecond,
		MaxConcurrent:  1,
		QueueSize:      1024,
	}
}

// Handler consumes events. Stream consumers get one event per call, batch
// consumers a whole flushed batch.
type Handler interface {
	Handle(ctx context.Context, events []Event) error
}

type HandlerFunc func(ctx context.Context, events []Event) error

func (f HandlerFunc) Handle(ctx context.Context, events []Event) error {
	return f(ctx, events)
}

// Observer is notified of per-consumer outcomes (metrics hook).
type Observer interface {
	ConsumerEvent(consumer, outcome string, n int)
}

// Outcome labels passed to Observer.
const (
	OutcomeDelivered = "delivered"
	OutcomeFlush     = "flush"
	OutcomeOverflow  = "overflow"
	OutcomeTimeout   = "timeout"
	OutcomeError     = "error"
)

// ConsumerStats is a snapshot of one consumer's counters.
type ConsumerStats struct {
	Name      string `json:"name"`
	Mode      string `json:"mode"`
	Enabled   bool   `json:"enabled"`
	Queued    int    `json:"queued"`
	Accepted  uint64 `json:"accepted"`
	Delivered uint64 `json:"delivered"`
	Flushes   uint64 `json:"flushes"`
	Overflow  uint64 `json:"overflow"`
	Timeouts  uint64 `json:"timeouts"`
	Errors    uint64 `json:"errors"`
}
