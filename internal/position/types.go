package position

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"quantflow/internal/signal"

	"github.com/shopspring/decimal"
)

var (
	// ErrConflict means the record's status changed since the caller read it.
	// Callers must re-read and re-decide; the store never retries for them.
	ErrConflict          = errors.New("position conflict")
	ErrInvalidTransition = errors.New("invalid position transition")
	// ErrStaleFill is returned for fills that do not belong to the order in flight.
	ErrStaleFill = errors.New("stale fill")
)

// ConflictError carries what the caller expected and what it found.
type ConflictError struct {
	Key      Key
	Expected Status
	Actual   Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("position %s: expected %s, found %s", e.Key, e.Expected, e.Actual)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

type Side int8

const (
	SideFlat Side = iota
	SideLong
	SideShort
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "long"
	case SideShort:
		return "short"
	default:
		return "flat"
	}
}

// SideFor maps a signal direction onto the side it would open.
func SideFor(dir signal.Direction) Side {
	switch dir {
	case signal.DirectionLong:
		return SideLong
	case signal.DirectionShort:
		return SideShort
	default:
		return SideFlat
	}
}

// Direction is the inverse of SideFor.
func (s Side) Direction() signal.Direction {
	switch s {
	case SideLong:
		return signal.DirectionLong
	case SideShort:
		return signal.DirectionShort
	default:
		return signal.DirectionFlat
	}
}

type Status int8

const (
	StatusFlat Status = iota
	StatusOpening
	StatusOpen
	StatusClosing
)

func (s Status) String() string {
	switch s {
	case StatusOpening:
		return "opening"
	case StatusOpen:
		return "open"
	case StatusClosing:
		return "closing"
	default:
		return "flat"
	}
}

// Stable is true for Flat and Open, the states with no order in flight.
func (s Status) Stable() bool {
	return s == StatusFlat || s == StatusOpen
}

// ParseStatus is used by query surfaces.
func ParseStatus(raw string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "flat":
		return StatusFlat, nil
	case "opening":
		return StatusOpening, nil
	case "open":
		return StatusOpen, nil
	case "closing":
		return StatusClosing, nil
	default:
		return StatusFlat, fmt.Errorf("unknown position status %q", raw)
	}
}

// Key identifies one position record.
type Key struct {
	StrategyID string
	Symbol     string
}

func (k Key) String() string {
	return k.StrategyID + "/" + k.Symbol
}

// Record is the committed state of one (strategy, symbol) position. Values
// handed out by the store are snapshots; mutating them has no effect.
type Record struct {
	StrategyID   string
	Symbol       string
	Side         Side
	Size         decimal.Decimal
	EntryPrice   decimal.Decimal
	OpenedAt     *time.Time
	LastSignalAt *time.Time
	Status       Status
	// PendingOrderID is the client order id in flight while Opening/Closing.
	PendingOrderID string
	// Version counts commits for this key and never resets. A record back
	// at Flat equals its first Flat snapshot except for Version and the
	// timestamps.
	Version uint64
}

func flatRecord(key Key) Record {
	return Record{
		StrategyID: key.StrategyID,
		Symbol:     key.Symbol,
		Side:       SideFlat,
		Size:       decimal.Zero,
		EntryPrice: decimal.Zero,
		Status:     StatusFlat,
	}
}

func (r Record) Key() Key {
	return Key{StrategyID: r.StrategyID, Symbol: r.Symbol}
}

// Notional is Size * EntryPrice.
func (r Record) Notional() decimal.Decimal {
	return r.Size.Mul(r.EntryPrice)
}

// Tags lists the query tags a record answers to.
func (r Record) Tags() []string {
	return []string{
		"strategy:" + r.StrategyID,
		"symbol:" + r.Symbol,
		"side:" + r.Side.String(),
		"status:" + r.Status.String(),
	}
}

func (r Record) HasTag(tag string) bool {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if tag == "" {
		return true
	}
	for _, t := range r.Tags() {
		if strings.ToLower(t) == tag {
			return true
		}
	}
	return false
}

func (r Record) clone() Record {
	out := r
	if r.OpenedAt != nil {
		ts := *r.OpenedAt
		out.OpenedAt = &ts
	}
	if r.LastSignalAt != nil {
		ts := *r.LastSignalAt
		out.LastSignalAt = &ts
	}
	return out
}

func (r Record) checkInvariants() error {
	if r.Size.IsNegative() {
		return fmt.Errorf("%w: negative size %s", ErrInvalidTransition, r.Size)
	}
	switch r.Status {
	case StatusOpen:
		if !r.Size.IsPositive() {
			return fmt.Errorf("%w: open with size %s", ErrInvalidTransition, r.Size)
		}
	case StatusFlat:
		if !r.Size.IsZero() {
			return fmt.Errorf("%w: flat with size %s", ErrInvalidTransition, r.Size)
		}
	}
	return nil
}

// Delta is the change applied together with a successful TryTransition.
type Delta struct {
	// Side, when set, replaces the record side.
	Side *Side
	// SizeChange is added to Size.
	SizeChange decimal.Decimal
	// EntryPrice, when set, replaces the entry price.
	EntryPrice *decimal.Decimal
	// OrderID becomes PendingOrderID.
	OrderID string
	// SignalAt advances LastSignalAt; it never moves backwards.
	SignalAt time.Time
}

type FillStatus int8

const (
	FillFilled FillStatus = iota
	FillPartial
	FillRejected
)

func (s FillStatus) String() string {
	switch s {
	case FillFilled:
		return "filled"
	case FillPartial:
		return "partial"
	case FillRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

func ParseFillStatus(raw string) (FillStatus, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "filled", "fill", "":
		return FillFilled, nil
	case "partial", "partially_filled", "partial_fill":
		return FillPartial, nil
	case "rejected", "canceled", "cancelled", "expired":
		return FillRejected, nil
	default:
		return FillFilled, fmt.Errorf("unknown fill status %q", raw)
	}
}

// Fill is an execution acknowledgement reported by the order executor.
type Fill struct {
	OrderID  string
	Status   FillStatus
	Quantity decimal.Decimal
	Price    decimal.Decimal
	At       time.Time
	Reason   string
}

// Change is passed to observers after every committed mutation.
type Change struct {
	Before Record
	After  Record
	Cause  string
	At     time.Time
}

// Observer must not block; it runs while the key is locked.
type Observer func(Change)

// Exposure aggregates open or in-flight positions.
type Exposure struct {
	OpenPositions int
	Size          decimal.Decimal
	Notional      decimal.Decimal
}

// Query filters List. Zero fields match everything.
type Query struct {
	StrategyID string
	Symbol     string
	Status     *Status
	Tag        string
}

func (q Query) match(r Record) bool {
	if q.StrategyID != "" && q.StrategyID != r.StrategyID {
		return false
	}
	if q.Symbol != "" && !strings.EqualFold(q.Symbol, r.Symbol) {
		return false
	}
	if q.Status != nil && *q.Status != r.Status {
		return false
	}
	return r.HasTag(q.Tag)
}
