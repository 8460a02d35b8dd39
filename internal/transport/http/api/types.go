package apihttp

import (
	"time"

	"quantflow/internal/position"
	"quantflow/internal/signal"
)

// PositionView 是仓位记录的 JSON 形式，数量与价格保留十进制字符串。
type PositionView struct {
	StrategyID     string     `json:"strategy_id"`
	Symbol         string     `json:"symbol"`
	Side           string     `json:"side"`
	Status         string     `json:"status"`
	Size           string     `json:"size"`
	EntryPrice     string     `json:"entry_price"`
	Notional       string     `json:"notional"`
	OpenedAt       *time.Time `json:"opened_at,omitempty"`
	LastSignalAt   *time.Time `json:"last_signal_at,omitempty"`
	PendingOrderID string     `json:"pending_order_id,omitempty"`
	Version        uint64     `json:"version"`
}

func newPositionView(rec position.Record) PositionView {
	return PositionView{
		StrategyID:     rec.StrategyID,
		Symbol:         rec.Symbol,
		Side:           rec.Side.String(),
		Status:         rec.Status.String(),
		Size:           rec.Size.String(),
		EntryPrice:     rec.EntryPrice.String(),
		Notional:       rec.Notional().String(),
		OpenedAt:       rec.OpenedAt,
		LastSignalAt:   rec.LastSignalAt,
		PendingOrderID: rec.PendingOrderID,
		Version:        rec.Version,
	}
}

type DecisionView struct {
	Verdict   string            `json:"verdict"`
	Reason    string            `json:"reason,omitempty"`
	Detail    string            `json:"detail,omitempty"`
	Stage     string            `json:"stage,omitempty"`
	Direction string            `json:"direction,omitempty"`
	Strength  float64           `json:"strength,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func newDecisionView(d signal.Decision) DecisionView {
	view := DecisionView{
		Verdict: d.Verdict.String(),
		Reason:  string(d.Reason),
		Detail:  d.Detail,
		Stage:   d.Stage,
	}
	if !d.Rejected() && d.Signal.StrategyID != "" {
		view.Direction = d.Signal.Direction.String()
		view.Strength = d.Signal.Strength
		view.Metadata = d.Signal.Metadata
	}
	return view
}
