package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"quantflow/internal/dispatch"
	"quantflow/internal/filter"
	"quantflow/internal/market"

	"github.com/shopspring/decimal"
)

// 内置 consumer 名称。
const (
	ConsumerCalculation = "calculation"
	ConsumerOrder       = "order"
	ConsumerPersistence = "persistence"
)

// GlobalBase 返回全局 base 段与内置默认值合并后的结果。
func (c *Config) GlobalBase() market.BaseConfig {
	return c.Base.resolve(market.DefaultBaseConfig())
}

// resolve fills the unset fields of b from parent.
func (b *BaseConfig) resolve(parent market.BaseConfig) market.BaseConfig {
	out := parent
	out.Tags = nil
	if b == nil {
		return out
	}
	if b.AutoReconnect != nil {
		out.AutoReconnect = *b.AutoReconnect
	}
	if b.MaxRetries != nil {
		out.MaxRetries = *b.MaxRetries
	}
	if b.RetryDelaySecs != nil {
		out.RetryDelay = seconds(*b.RetryDelaySecs)
	}
	if b.ConnectionTimeoutSecs != nil {
		out.ConnectionTimeout = seconds(*b.ConnectionTimeoutSecs)
	}
	if b.MessageTimeoutSecs != nil {
		out.MessageTimeout = seconds(*b.MessageTimeoutSecs)
	}
	if b.EnableHeartbeat != nil {
		out.EnableHeartbeat = *b.EnableHeartbeat
	}
	if b.HeartbeatIntervalSecs != nil {
		out.HeartbeatInterval = seconds(*b.HeartbeatIntervalSecs)
	}
	out.Tags = append([]string(nil), b.Tags...)
	return out
}

// Connections 展开 kline / partial_depth / mark_price 三个段落。
func (c *Config) Connections() ([]market.Connection, error) {
	global := c.GlobalBase()
	sections := []struct {
		typ     market.EventType
		streams []StreamConfig
	}{
		{market.EventKline, c.Kline},
		{market.EventPartialDepth, c.PartialDepth},
		{market.EventMarkPrice, c.MarkPrice},
	}
	var out []market.Connection
	for _, sec := range sections {
		for i, s := range sec.streams {
			var local *market.BaseConfig
			if s.Base != nil {
				resolved := s.Base.resolve(global)
				local = &resolved
			}
			conn, err := market.NewConnection(sec.typ, s.Symbols, s.Interval, s.Levels, global.Merge(local))
			if err != nil {
				return nil, fmt.Errorf("%s[%d]: %w", sec.typ, i, err)
			}
			out = append(out, conn)
		}
	}
	return out, nil
}

// DispatchDefaults 把 processing 段转换为 dispatcher 的全局默认值。
func (c *Config) DispatchDefaults() dispatch.Defaults {
	p := c.Processing
	mode, err := dispatch.ParseMode(p.Mode)
	if err != nil || mode == dispatch.ModeInherit {
		mode = dispatch.ModeStream
	}
	return dispatch.Defaults{
		Mode:           mode,
		BatchSize:      p.Batch.BatchSize,
		BatchTimeout:   millis(p.Batch.BatchTimeoutMs),
		MaxBatchDelay:  millis(p.Batch.MaxBatchDelayMs),
		ProcessTimeout: millis(p.Stream.ProcessTimeoutMs),
		MaxConcurrent:  p.Stream.MaxConcurrent,
		QueueSize:      p.QueueSize,
	}
}

// ConsumerSpec returns the spec for a named consumer. Unknown names yield an
// enabled spec that inherits everything.
func (c *Config) ConsumerSpec(name string, kinds ...string) (dispatch.ConsumerSpec, error) {
	cc := c.Processing.Consumers[name]
	mode, err := dispatch.ParseMode(cc.Mode)
	if err != nil {
		return dispatch.ConsumerSpec{}, fmt.Errorf("processing.consumers.%s: %w", name, err)
	}
	overflow, err := dispatch.ParseOverflow(cc.Overflow)
	if err != nil {
		return dispatch.ConsumerSpec{}, fmt.Errorf("processing.consumers.%s: %w", name, err)
	}
	return dispatch.ConsumerSpec{
		Name:           name,
		Enabled:        cc.IsEnabled(),
		Mode:           mode,
		BatchSize:      cc.BatchSize,
		BatchTimeout:   millis(cc.BatchTimeoutMs),
		ProcessTimeout: millis(cc.ProcessTimeoutMs),
		MaxConcurrent:  cc.MaxConcurrent,
		QueueSize:      cc.QueueSize,
		Overflow:       overflow,
		Kinds:          kinds,
	}, nil
}

// ConsumerNames 返回配置中出现的全部 consumer，按名称排序。
func (c *Config) ConsumerNames() []string {
	names := make([]string, 0, len(c.Processing.Consumers))
	for name := range c.Processing.Consumers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Config) Cooldown() (time.Duration, map[string]time.Duration) {
	per := make(map[string]time.Duration, len(c.Filter.StrategyCooldownMs))
	for id, ms := range c.Filter.StrategyCooldownMs {
		per[strings.TrimSpace(id)] = millis(ms)
	}
	return millis(c.Filter.CooldownMs), per
}

func (c *Config) FillTimeout() time.Duration {
	return millis(c.Filter.FillTimeoutMs)
}

// RiskLimits 解析风控阈值，调用前应已通过 validate。
func (c *Config) RiskLimits() (filter.Limits, error) {
	limits := filter.Limits{
		MaxPositionSize:  make(map[string]decimal.Decimal, len(c.Risk.MaxPositionSize)),
		MaxOpenPositions: make(map[string]int, len(c.Risk.MaxOpenPositions)),
		OrdersPerMinute:  make(map[string]int, len(c.Risk.OrdersPerMinute)),
	}
	for id, raw := range c.Risk.MaxPositionSize {
		d, err := parsePositive(raw)
		if err != nil {
			return filter.Limits{}, fmt.Errorf("risk.max_position_size.%s: %w", id, err)
		}
		limits.MaxPositionSize[id] = d
	}
	for id, n := range c.Risk.MaxOpenPositions {
		limits.MaxOpenPositions[id] = n
	}
	for id, n := range c.Risk.OrdersPerMinute {
		limits.OrdersPerMinute[id] = n
	}
	if strings.TrimSpace(c.Risk.MaxAggregateNotional) != "" {
		d, err := parsePositive(c.Risk.MaxAggregateNotional)
		if err != nil {
			return filter.Limits{}, fmt.Errorf("risk.max_aggregate_notional: %w", err)
		}
		limits.MaxAggregateNotional = d
	}
	return limits, nil
}

// BaseQuantities 返回每个策略的基础下单量以及兜底数量。
func (c *Config) BaseQuantities() (map[string]decimal.Decimal, decimal.Decimal, error) {
	fallback, err := parsePositive(c.Orders.DefaultQuantity)
	if err != nil {
		return nil, decimal.Zero, fmt.Errorf("orders.default_quantity: %w", err)
	}
	out := make(map[string]decimal.Decimal, len(c.Orders.BaseQuantity))
	for id, raw := range c.Orders.BaseQuantity {
		d, err := parsePositive(raw)
		if err != nil {
			return nil, decimal.Zero, fmt.Errorf("orders.base_quantity.%s: %w", id, err)
		}
		out[id] = d
	}
	return out, fallback, nil
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func seconds(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}
