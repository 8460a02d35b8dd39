package position

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// allowed lists the edges TryTransition may take. The remaining edges of the
// state machine (Opening->Open/Flat, Closing->Flat/Open) belong to ApplyFill
// and Abandon.
var allowed = map[Status][]Status{
	StatusFlat: {StatusOpening},
	StatusOpen: {StatusClosing},
}

func transitionAllowed(from, to Status) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TryTransition moves the record from expected to next and applies delta,
// failing with a *ConflictError when the current status is not expected.
func (s *Store) TryTransition(strategyID, symbol string, expected, next Status, delta Delta) (Record, error) {
	key := normalizeKey(strategyID, symbol)
	e := s.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.rec.Load().clone()
	if cur.Status != expected {
		return cur, &ConflictError{Key: key, Expected: expected, Actual: cur.Status}
	}
	if !transitionAllowed(expected, next) {
		return cur, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expected, next)
	}

	updated := cur.clone()
	if delta.Side != nil {
		updated.Side = *delta.Side
	}
	updated.Size = updated.Size.Add(delta.SizeChange)
	if delta.EntryPrice != nil {
		updated.EntryPrice = *delta.EntryPrice
	}
	updated.PendingOrderID = delta.OrderID
	if !delta.SignalAt.IsZero() && (updated.LastSignalAt == nil || delta.SignalAt.After(*updated.LastSignalAt)) {
		ts := delta.SignalAt
		updated.LastSignalAt = &ts
	}
	updated.Status = next
	if err := updated.checkInvariants(); err != nil {
		return cur, err
	}
	return s.commit(e, cur, updated, "transition:"+next.String()), nil
}

// ApplyFill finalises an in-flight order. Full fills settle Opening->Open and
// Closing->Flat; partial fills adjust size and keep the transient status;
// rejected fills restore the last stable status.
func (s *Store) ApplyFill(strategyID, symbol string, fill Fill) (Record, error) {
	key := normalizeKey(strategyID, symbol)
	e, ok := s.lookup(key)
	if !ok {
		return flatRecord(key), fmt.Errorf("%w: %s has no order in flight (status %s)", ErrStaleFill, key, StatusFlat)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.rec.Load().clone()
	if cur.Status.Stable() {
		return cur, fmt.Errorf("%w: %s has no order in flight (status %s)", ErrStaleFill, key, cur.Status)
	}
	if fill.OrderID != "" && fill.OrderID != cur.PendingOrderID {
		return cur, fmt.Errorf("%w: %s expects order %s, got %s", ErrStaleFill, key, cur.PendingOrderID, fill.OrderID)
	}
	if fill.Quantity.IsNegative() {
		return cur, fmt.Errorf("%w: negative fill quantity %s", ErrInvalidTransition, fill.Quantity)
	}

	var next Record
	switch cur.Status {
	case StatusOpening:
		next = applyOpeningFill(cur, fill)
	case StatusClosing:
		next = applyClosingFill(cur, fill)
	}
	if err := next.checkInvariants(); err != nil {
		return cur, err
	}
	return s.commit(e, cur, next, "fill:"+fill.Status.String()), nil
}

// Abandon reverts an in-flight order that never got acknowledged. The order
// id must match the one in flight so a late timeout cannot undo a newer order.
func (s *Store) Abandon(strategyID, symbol, orderID string) (Record, error) {
	key := normalizeKey(strategyID, symbol)
	e, ok := s.lookup(key)
	if !ok {
		return flatRecord(key), fmt.Errorf("%w: %s has no in-flight order %s", ErrStaleFill, key, orderID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.rec.Load().clone()
	if cur.Status.Stable() || cur.PendingOrderID != orderID {
		return cur, fmt.Errorf("%w: %s has no in-flight order %s", ErrStaleFill, key, orderID)
	}
	return s.commit(e, cur, revert(cur), "abandon"), nil
}

func applyOpeningFill(cur Record, fill Fill) Record {
	next := cur.clone()
	switch fill.Status {
	case FillRejected:
		return revert(cur)
	case FillPartial, FillFilled:
		if fill.Quantity.IsPositive() {
			next.EntryPrice = weightedPrice(cur.Size, cur.EntryPrice, fill.Quantity, fill.Price)
			next.Size = cur.Size.Add(fill.Quantity)
			if next.OpenedAt == nil {
				ts := fill.At
				next.OpenedAt = &ts
			}
		}
	}
	if fill.Status == FillFilled {
		next.PendingOrderID = ""
		if next.Size.IsPositive() {
			next.Status = StatusOpen
		} else {
			next = resetFlat(next)
		}
	}
	return next
}

func applyClosingFill(cur Record, fill Fill) Record {
	switch fill.Status {
	case FillRejected:
		return revert(cur)
	case FillFilled:
		return resetFlat(cur)
	}
	next := cur.clone()
	next.Size = decimal.Max(decimal.Zero, cur.Size.Sub(fill.Quantity))
	if next.Size.IsZero() {
		return resetFlat(next)
	}
	return next
}

// revert restores the nearest stable status. A partially filled opening keeps
// the exposure it actually acquired.
func revert(cur Record) Record {
	next := cur.clone()
	next.PendingOrderID = ""
	switch cur.Status {
	case StatusOpening, StatusClosing:
		if cur.Size.IsPositive() {
			next.Status = StatusOpen
			return next
		}
		return resetFlat(next)
	}
	return next
}

func resetFlat(cur Record) Record {
	next := cur.clone()
	next.Side = SideFlat
	next.Size = decimal.Zero
	next.EntryPrice = decimal.Zero
	next.OpenedAt = nil
	next.PendingOrderID = ""
	next.Status = StatusFlat
	return next
}

func weightedPrice(size, price, qty, fillPrice decimal.Decimal) decimal.Decimal {
	total := size.Add(qty)
	if !total.IsPositive() {
		return decimal.Zero
	}
	return size.Mul(price).Add(qty.Mul(fillPrice)).Div(total)
}
