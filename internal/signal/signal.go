package signal

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Direction is what a strategy wants to hold after the signal is executed.
type Direction int8

const (
	// DirectionFlat asks to close whatever is currently held.
	DirectionFlat Direction = iota
	DirectionLong
	DirectionShort
)

func (d Direction) String() string {
	switch d {
	case DirectionLong:
		return "long"
	case DirectionShort:
		return "short"
	default:
		return "flat"
	}
}

// Opposite returns the other trading direction; Flat stays Flat.
func (d Direction) Opposite() Direction {
	switch d {
	case DirectionLong:
		return DirectionShort
	case DirectionShort:
		return DirectionLong
	default:
		return DirectionFlat
	}
}

// ParseDirection accepts long/short/flat plus the buy/sell/close aliases used
// by strategy payloads.
func ParseDirection(raw string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "long", "buy":
		return DirectionLong, nil
	case "short", "sell":
		return DirectionShort, nil
	case "flat", "close", "exit":
		return DirectionFlat, nil
	default:
		return DirectionFlat, fmt.Errorf("unknown direction %q", raw)
	}
}

// Well known metadata keys.
const (
	MetaPrice           = "price"
	MetaSizeScale       = "size_scale"
	MetaReversalPending = "reversal_pending"
	MetaSource          = "source"
	// 保护价，只对开仓生效。
	MetaStopPrice  = "stop_price"
	MetaTakeProfit = "take_profit"
	// MetaLimitPrice 存在时下限价单，否则为市价单。
	MetaLimitPrice = "limit_price"
)

var ErrInvalidSignal = errors.New("invalid signal")

// Signal is a strategy's recommendation for one (strategy, symbol) pair.
// Values are never mutated after construction; the With* helpers return
// modified copies.
type Signal struct {
	StrategyID string
	Symbol     string
	Direction  Direction
	Strength   float64
	ProducedAt time.Time
	Metadata   map[string]string
}

// New builds a Signal and takes a private copy of meta.
func New(strategyID, symbol string, dir Direction, strength float64, producedAt time.Time, meta map[string]string) Signal {
	return Signal{
		StrategyID: strings.TrimSpace(strategyID),
		Symbol:     strings.ToUpper(strings.TrimSpace(symbol)),
		Direction:  dir,
		Strength:   strength,
		ProducedAt: producedAt,
		Metadata:   copyMeta(meta, 0),
	}
}

// Validate reports structural problems with the signal itself.
func (s Signal) Validate() error {
	if s.StrategyID == "" {
		return fmt.Errorf("%w: empty strategy id", ErrInvalidSignal)
	}
	if s.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", ErrInvalidSignal)
	}
	if s.Direction < DirectionFlat || s.Direction > DirectionShort {
		return fmt.Errorf("%w: direction %d", ErrInvalidSignal, s.Direction)
	}
	return nil
}

// Meta returns the metadata value for key or "".
func (s Signal) Meta(key string) string {
	if s.Metadata == nil {
		return ""
	}
	return s.Metadata[key]
}

// WithMetadata returns a copy with key set to value.
func (s Signal) WithMetadata(key, value string) Signal {
	out := s
	out.Metadata = copyMeta(s.Metadata, 1)
	out.Metadata[key] = value
	return out
}

// WithDirection returns a copy pointing in dir.
func (s Signal) WithDirection(dir Direction) Signal {
	out := s
	out.Direction = dir
	out.Metadata = copyMeta(s.Metadata, 0)
	return out
}

// Opens reports whether executing the signal would open exposure.
func (s Signal) Opens() bool {
	return s.Direction != DirectionFlat
}

func (s Signal) String() string {
	return fmt.Sprintf("%s/%s %s strength=%.4f", s.StrategyID, s.Symbol, s.Direction, s.Strength)
}

func copyMeta(src map[string]string, extra int) map[string]string {
	out := make(map[string]string, len(src)+extra)
	for k, v := range src {
		out[k] = v
	}
	return out
}
