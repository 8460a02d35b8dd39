package strategy

import (
	"math"
	"strconv"
	"strings"
	"time"

	"quantflow/internal/market"
	"quantflow/internal/signal"

	talib "github.com/markcheno/go-talib"
)

// MACDConfig 定义 MACD 策略参数。
type MACDConfig struct {
	ID       string
	Symbols  []string
	Interval string
	Fast     int
	Slow     int
	Signal   int
}

// MACD emits Long on a golden cross of the histogram and Short on a dead
// cross, evaluated on the last two closed candles.
type MACD struct {
	id       string
	symbols  symbolSet
	interval string
	fast     int
	slow     int
	signal   int
}

func NewMACD(cfg MACDConfig) *MACD {
	if cfg.Fast <= 0 {
		cfg.Fast = 12
	}
	if cfg.Slow <= 0 {
		cfg.Slow = 26
	}
	if cfg.Signal <= 0 {
		cfg.Signal = 9
	}
	id := strings.TrimSpace(cfg.ID)
	if id == "" {
		id = "macd"
	}
	interval := strings.TrimSpace(cfg.Interval)
	if interval == "" {
		interval = "1m"
	}
	return &MACD{
		id:       id,
		symbols:  newSymbolSet(cfg.Symbols),
		interval: interval,
		fast:     cfg.Fast,
		slow:     cfg.Slow,
		signal:   cfg.Signal,
	}
}

func (m *MACD) ID() string                 { return m.id }
func (m *MACD) Interval() string           { return m.interval }
func (m *MACD) Applies(symbol string) bool { return m.symbols.contains(symbol) }

// Warmup is the number of closed candles needed before a cross can be seen.
func (m *MACD) Warmup() int { return m.slow + m.signal }

func (m *MACD) Evaluate(symbol string, klines []market.Kline) (signal.Signal, bool) {
	if len(klines) <= m.Warmup() {
		return signal.Signal{}, false
	}
	macd, sig, hist := talib.Macd(closes(klines), m.fast, m.slow, m.signal)
	n := len(hist)
	if n < 2 {
		return signal.Signal{}, false
	}
	cur, prev := hist[n-1], hist[n-2]
	var dir signal.Direction
	switch {
	case prev <= 0 && cur > 0:
		dir = signal.DirectionLong
	case prev >= 0 && cur < 0:
		dir = signal.DirectionShort
	default:
		return signal.Signal{}, false
	}
	scale := math.Max(math.Abs(macd[n-1]), math.Abs(sig[n-1]))
	strength := 1.0
	if scale > 0 {
		strength = clamp01(math.Abs(cur-prev) / scale)
	}
	last := klines[len(klines)-1]
	return signal.New(m.id, symbol, dir, strength, time.UnixMilli(last.CloseTime).UTC(), map[string]string{
		signal.MetaPrice:  last.Close.String(),
		signal.MetaSource: "macd",
		"interval":        m.interval,
		"macd":            strconv.FormatFloat(macd[n-1], 'f', 6, 64),
		"macd_signal":     strconv.FormatFloat(sig[n-1], 'f', 6, 64),
		"macd_hist":       strconv.FormatFloat(cur, 'f', 6, 64),
	}), true
}
