package checker

import (
	"fmt"
	"strconv"
	"time"

	"quantflow/internal/position"
	"quantflow/internal/signal"
)

// MinStrength rejects opening signals weaker than Threshold. Closing
// signals always pass.
type MinStrength struct {
	Threshold float64 `mapstructure:"threshold"`
}

func (m MinStrength) Evaluate(sig signal.Signal, _ position.Record) signal.Decision {
	if sig.Opens() && sig.Strength < m.Threshold {
		return signal.Reject(signal.ReasonChecker, "strength %.4f below %.4f", sig.Strength, m.Threshold)
	}
	return signal.Accept(sig)
}

// TradingWindow 只允许在 UTC 的 [Start, End) 时间段内开仓，End 小于 Start 表示跨零点。
type TradingWindow struct {
	Start time.Duration
	End   time.Duration
	Now   func() time.Time
}

// ParseTradingWindow reads "HH:MM" bounds.
func ParseTradingWindow(start, end string) (TradingWindow, error) {
	s, err := parseClock(start)
	if err != nil {
		return TradingWindow{}, err
	}
	e, err := parseClock(end)
	if err != nil {
		return TradingWindow{}, err
	}
	return TradingWindow{Start: s, End: e, Now: time.Now}, nil
}

func parseClock(raw string) (time.Duration, error) {
	t, err := time.Parse("15:04", raw)
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q: %w", raw, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func (w TradingWindow) contains(ts time.Time) bool {
	ts = ts.UTC()
	midnight := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
	offset := ts.Sub(midnight)
	if w.Start == w.End {
		return true
	}
	if w.Start < w.End {
		return offset >= w.Start && offset < w.End
	}
	return offset >= w.Start || offset < w.End
}

func (w TradingWindow) Evaluate(sig signal.Signal, _ position.Record) signal.Decision {
	if !sig.Opens() {
		return signal.Accept(sig)
	}
	now := time.Now()
	if w.Now != nil {
		now = w.Now()
	}
	if !w.contains(now) {
		return signal.Reject(signal.ReasonChecker, "outside trading window %s-%s UTC", fmtClock(w.Start), fmtClock(w.End))
	}
	return signal.Accept(sig)
}

func fmtClock(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d.Hours()), int(d.Minutes())%60)
}

// SizeScale annotates opening signals with size_scale = Strength*Factor,
// clamped to [Min, Max].
type SizeScale struct {
	Factor float64 `mapstructure:"factor"`
	Min    float64 `mapstructure:"min"`
	Max    float64 `mapstructure:"max"`
}

func (s SizeScale) Evaluate(sig signal.Signal, _ position.Record) signal.Decision {
	if !sig.Opens() {
		return signal.Accept(sig)
	}
	factor := s.Factor
	if factor == 0 {
		factor = 1
	}
	scale := sig.Strength * factor
	if s.Min > 0 && scale < s.Min {
		scale = s.Min
	}
	if s.Max > 0 && scale > s.Max {
		scale = s.Max
	}
	return signal.Transform(sig.WithMetadata(signal.MetaSizeScale, strconv.FormatFloat(scale, 'f', -1, 64)))
}

// Chain runs checkers in order with the same threading rules as the filter
// pipeline: the first Reject wins and Transforms feed the next checker.
type Chain []Checker

func (c Chain) Evaluate(sig signal.Signal, rec position.Record) signal.Decision {
	current := sig
	transformed := false
	for _, ch := range c {
		if ch == nil {
			continue
		}
		d := ch.Evaluate(current, rec)
		switch d.Verdict {
		case signal.VerdictReject:
			return d
		case signal.VerdictTransform:
			current = d.Signal
			transformed = true
		}
	}
	if transformed {
		return signal.Transform(current)
	}
	return signal.Accept(current)
}
