package strategy

import (
	"strconv"
	"strings"
	"time"

	"quantflow/internal/market"
	"quantflow/internal/signal"

	talib "github.com/markcheno/go-talib"
)

type BollingerConfig struct {
	ID       string
	Symbols  []string
	Interval string
	Period   int
	Width    float64
}

// Bollinger 做均值回归：收盘价从下轨外收回轨内做多，从上轨外收回轨内做空。
type Bollinger struct {
	id       string
	symbols  symbolSet
	interval string
	period   int
	width    float64
}

func NewBollinger(cfg BollingerConfig) *Bollinger {
	if cfg.Period <= 1 {
		cfg.Period = 20
	}
	if cfg.Width <= 0 {
		cfg.Width = 2
	}
	id := strings.TrimSpace(cfg.ID)
	if id == "" {
		id = "bollinger"
	}
	interval := strings.TrimSpace(cfg.Interval)
	if interval == "" {
		interval = "5m"
	}
	return &Bollinger{
		id:       id,
		symbols:  newSymbolSet(cfg.Symbols),
		interval: interval,
		period:   cfg.Period,
		width:    cfg.Width,
	}
}

func (b *Bollinger) ID() string                 { return b.id }
func (b *Bollinger) Interval() string           { return b.interval }
func (b *Bollinger) Applies(symbol string) bool { return b.symbols.contains(symbol) }
func (b *Bollinger) Warmup() int                { return b.period }

func (b *Bollinger) Evaluate(symbol string, klines []market.Kline) (signal.Signal, bool) {
	if len(klines) <= b.period {
		return signal.Signal{}, false
	}
	series := closes(klines)
	upper, middle, lower := talib.BBands(series, b.period, b.width, b.width, talib.SMA)
	n := len(series)
	cur, prev := series[n-1], series[n-2]
	var (
		dir   signal.Direction
		depth float64
	)
	band := upper[n-1] - lower[n-1]
	switch {
	case prev < lower[n-2] && cur >= lower[n-1]:
		dir = signal.DirectionLong
		depth = lower[n-2] - prev
	case prev > upper[n-2] && cur <= upper[n-1]:
		dir = signal.DirectionShort
		depth = prev - upper[n-2]
	default:
		return signal.Signal{}, false
	}
	strength := 1.0
	if band > 0 {
		strength = clamp01(0.5 + depth/band)
	}
	last := klines[len(klines)-1]
	return signal.New(b.id, symbol, dir, strength, time.UnixMilli(last.CloseTime).UTC(), map[string]string{
		signal.MetaPrice:  last.Close.String(),
		signal.MetaSource: "bollinger",
		"interval":        b.interval,
		"bb_upper":        strconv.FormatFloat(upper[n-1], 'f', 6, 64),
		"bb_middle":       strconv.FormatFloat(middle[n-1], 'f', 6, 64),
		"bb_lower":        strconv.FormatFloat(lower[n-1], 'f', 6, 64),
	}), true
}
