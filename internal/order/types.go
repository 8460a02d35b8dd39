// Package order turns approved signals into order requests and defines the
// execution boundary the engine talks to.
package order

import (
	"context"
	"errors"
	"time"

	"quantflow/internal/position"
	"quantflow/internal/signal"

	"github.com/shopspring/decimal"
)

var (
	ErrNothingToClose  = errors.New("nothing to close")
	ErrInvalidQuantity = errors.New("invalid order quantity")
	ErrInvalidPrice    = errors.New("invalid order price")
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

type Type string

const (
	TypeMarket Type = "MARKET"
	TypeLimit  Type = "LIMIT"
)

type Intent string

const (
	IntentOpen  Intent = "open"
	IntentClose Intent = "close"
)

// Request 描述一笔待提交的订单。
type Request struct {
	ClientOrderID string
	StrategyID    string
	Symbol        string
	Side          Side
	Type          Type
	Intent        Intent
	// Direction is the direction the order opens, or the direction being
	// closed for close intents.
	Direction signal.Direction
	Quantity  decimal.Decimal
	// PriceHint comes from the signal's price metadata; zero when absent.
	PriceHint decimal.Decimal
	// LimitPrice is set only for TypeLimit.
	LimitPrice decimal.Decimal
	// StopPrice and TakeProfit protect an open order; zero means none.
	// Close orders never carry them.
	StopPrice  decimal.Decimal
	TakeProfit decimal.Decimal
	// ReversalPending carries the direction to reopen after a reversal close.
	ReversalPending string
	CreatedAt       time.Time
}

// Executor submits orders. Fills are reported back asynchronously through a
// FillSink.
type Executor interface {
	Submit(ctx context.Context, req Request) error
}

// FillSink receives execution acknowledgements.
type FillSink interface {
	NotifyFill(strategyID, symbol string, fill position.Fill) (position.Record, error)
}

// Protected reports whether the order carries a stop or take-profit price.
func (r Request) Protected() bool {
	return r.StopPrice.IsPositive() || r.TakeProfit.IsPositive()
}

// EntryPrice is the price the order is expected to fill at: the limit price
// for limit orders, otherwise the price hint. Zero when unknown.
func (r Request) EntryPrice() decimal.Decimal {
	if r.Type == TypeLimit {
		return r.LimitPrice
	}
	return r.PriceHint
}
