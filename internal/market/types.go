package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType 标识行情流类型。
type EventType string

const (
	EventKline        EventType = "kline"
	EventMarkPrice    EventType = "mark_price"
	EventPartialDepth EventType = "partial_depth"
)

func (t EventType) Valid() bool {
	switch t {
	case EventKline, EventMarkPrice, EventPartialDepth:
		return true
	default:
		return false
	}
}

type Kline struct {
	Symbol    string          `json:"symbol"`
	Interval  string          `json:"interval"`
	OpenTime  int64           `json:"open_time"`
	CloseTime int64           `json:"close_time"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	Trades    int64           `json:"trades"`
	// Closed is set on the final update of the candle.
	Closed bool `json:"closed"`
}

type MarkPrice struct {
	Symbol          string          `json:"symbol"`
	Price           decimal.Decimal `json:"price"`
	IndexPrice      decimal.Decimal `json:"index_price"`
	FundingRate     decimal.Decimal `json:"funding_rate"`
	NextFundingTime int64           `json:"next_funding_time"`
	EventTime       int64           `json:"event_time"`
}

type Level struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

type PartialDepth struct {
	Symbol    string  `json:"symbol"`
	Levels    int     `json:"levels"`
	Bids      []Level `json:"bids"`
	Asks      []Level `json:"asks"`
	EventTime int64   `json:"event_time"`
}

// Event is one typed market update tagged with the connection it came from.
type Event struct {
	Type         EventType     `json:"type"`
	ConnectionID string        `json:"connection_id"`
	Symbol       string        `json:"symbol"`
	ReceivedAt   time.Time     `json:"received_at"`
	Kline        *Kline        `json:"kline,omitempty"`
	MarkPrice    *MarkPrice    `json:"mark_price,omitempty"`
	Depth        *PartialDepth `json:"depth,omitempty"`
}

// Key is the dispatcher partition key of the event.
func (e Event) Key() string {
	if e.Type == EventKline && e.Kline != nil {
		return e.Symbol + "@" + e.Kline.Interval
	}
	return e.Symbol
}
