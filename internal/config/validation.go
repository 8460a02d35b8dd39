package config

import (
	"fmt"
	"strings"

	"quantflow/internal/dispatch"
	"quantflow/internal/pkg/symbol"

	"github.com/shopspring/decimal"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.Base.validate("base"); err != nil {
		return err
	}
	if err := validateStreams("kline", c.Kline, false); err != nil {
		return err
	}
	if err := validateStreams("partial_depth", c.PartialDepth, true); err != nil {
		return err
	}
	if err := validateStreams("mark_price", c.MarkPrice, false); err != nil {
		return err
	}
	if err := c.Market.validate(); err != nil {
		return err
	}
	if err := c.Processing.validate(); err != nil {
		return err
	}
	if err := c.Filter.validate(); err != nil {
		return err
	}
	if err := c.Risk.validate(); err != nil {
		return err
	}
	if err := c.Orders.validate(); err != nil {
		return err
	}
	return c.Strategies.validate()
}

func (b *BaseConfig) validate(path string) error {
	if b == nil {
		return nil
	}
	if b.MaxRetries != nil && *b.MaxRetries < 0 {
		return fmt.Errorf("%s.max_retries must be >= 0", path)
	}
	for name, v := range map[string]*float64{
		"retry_delay_secs":        b.RetryDelaySecs,
		"connection_timeout_secs": b.ConnectionTimeoutSecs,
		"message_timeout_secs":    b.MessageTimeoutSecs,
		"heartbeat_interval_secs": b.HeartbeatIntervalSecs,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%s.%s must be >= 0", path, name)
		}
	}
	return nil
}

func validateStreams(section string, streams []StreamConfig, needLevels bool) error {
	for i, s := range streams {
		path := fmt.Sprintf("%s[%d]", section, i)
		if len(s.Symbols) == 0 {
			return fmt.Errorf("%s.symbol requires at least one symbol", path)
		}
		for _, sym := range s.Symbols {
			if !symbol.IsValid(sym) {
				return fmt.Errorf("%s.symbol contains invalid symbol %q", path, sym)
			}
		}
		if !IsValidInterval(s.Interval) {
			return fmt.Errorf("%s.interval invalid: %q", path, s.Interval)
		}
		if needLevels && s.Levels != 5 && s.Levels != 10 && s.Levels != 20 {
			return fmt.Errorf("%s.levels must be 5, 10 or 20", path)
		}
		if err := s.Base.validate(path + ".base"); err != nil {
			return err
		}
	}
	return nil
}

func (m *MarketConfig) validate() error {
	if m.MaxCached <= 0 {
		return fmt.Errorf("market.max_cached must be > 0")
	}
	if m.PreheatLimit < 0 {
		return fmt.Errorf("market.preheat_limit must be >= 0")
	}
	return nil
}

func (p *ProcessingConfig) validate() error {
	if mode, err := dispatch.ParseMode(p.Mode); err != nil || mode == dispatch.ModeInherit {
		return fmt.Errorf("processing.mode must be stream or batch, got %q", p.Mode)
	}
	if p.QueueSize <= 0 {
		return fmt.Errorf("processing.queue_size must be > 0")
	}
	if p.Batch.BatchSize <= 0 || p.Batch.BatchTimeoutMs <= 0 {
		return fmt.Errorf("processing.batch requires positive batch_size and batch_timeout_ms")
	}
	if p.Batch.MaxBatchDelayMs < 0 {
		return fmt.Errorf("processing.batch.max_batch_delay_ms must be >= 0")
	}
	if p.Stream.ProcessTimeoutMs < 0 || p.Stream.MaxConcurrent <= 0 {
		return fmt.Errorf("processing.stream requires process_timeout_ms >= 0 and max_concurrent > 0")
	}
	for name, cc := range p.Consumers {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("processing.consumers contains an empty name")
		}
		if _, err := dispatch.ParseMode(cc.Mode); err != nil {
			return fmt.Errorf("processing.consumers.%s: %w", name, err)
		}
		if _, err := dispatch.ParseOverflow(cc.Overflow); err != nil {
			return fmt.Errorf("processing.consumers.%s: %w", name, err)
		}
		if cc.BatchSize < 0 || cc.BatchTimeoutMs < 0 || cc.QueueSize < 0 || cc.ProcessTimeoutMs < 0 || cc.MaxConcurrent < 0 {
			return fmt.Errorf("processing.consumers.%s has negative sizes", name)
		}
	}
	return nil
}

func (f *FilterConfig) validate() error {
	if f.CooldownMs < 0 || f.FillTimeoutMs < 0 {
		return fmt.Errorf("filter.cooldown_ms and filter.fill_timeout_ms must be >= 0")
	}
	if f.Shards <= 0 {
		return fmt.Errorf("filter.shards must be > 0")
	}
	for id, ms := range f.StrategyCooldownMs {
		if ms < 0 {
			return fmt.Errorf("filter.strategy_cooldown_ms.%s must be >= 0", id)
		}
	}
	return nil
}

func (r *RiskConfig) validate() error {
	for id, raw := range r.MaxPositionSize {
		if _, err := parsePositive(raw); err != nil {
			return fmt.Errorf("risk.max_position_size.%s: %w", id, err)
		}
	}
	if strings.TrimSpace(r.MaxAggregateNotional) != "" {
		if _, err := parsePositive(r.MaxAggregateNotional); err != nil {
			return fmt.Errorf("risk.max_aggregate_notional: %w", err)
		}
	}
	for id, n := range r.MaxOpenPositions {
		if n < 0 {
			return fmt.Errorf("risk.max_open_positions.%s must be >= 0", id)
		}
	}
	for id, n := range r.OrdersPerMinute {
		if n < 0 {
			return fmt.Errorf("risk.orders_per_minute.%s must be >= 0", id)
		}
	}
	return nil
}

func (o *OrdersConfig) validate() error {
	if o.Mode != "paper" {
		return fmt.Errorf("orders.mode only supports paper, got %q", o.Mode)
	}
	if _, err := parsePositive(o.DefaultQuantity); err != nil {
		return fmt.Errorf("orders.default_quantity: %w", err)
	}
	for id, raw := range o.BaseQuantity {
		if _, err := parsePositive(raw); err != nil {
			return fmt.Errorf("orders.base_quantity.%s: %w", id, err)
		}
	}
	if o.PaperFillLatencyMs < 0 || o.SubmitFailureLimit < 0 || o.SubmitCooldownMs < 0 {
		return fmt.Errorf("orders latency and submit guard settings must be >= 0")
	}
	return nil
}

func (s *StrategiesConfig) validate() error {
	if s.MACD.Enabled {
		if !IsValidInterval(s.MACD.Interval) {
			return fmt.Errorf("strategies.macd.interval invalid: %q", s.MACD.Interval)
		}
		if s.MACD.Fast <= 0 || s.MACD.Slow <= s.MACD.Fast || s.MACD.Signal <= 0 {
			return fmt.Errorf("strategies.macd requires 0 < fast < slow and signal > 0")
		}
	}
	if s.Bollinger.Enabled {
		if !IsValidInterval(s.Bollinger.Interval) {
			return fmt.Errorf("strategies.bollinger.interval invalid: %q", s.Bollinger.Interval)
		}
		if s.Bollinger.Period < 2 {
			return fmt.Errorf("strategies.bollinger.period must be >= 2")
		}
	}
	return nil
}

func parsePositive(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal %q", raw)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("must be > 0, got %s", raw)
	}
	return d, nil
}

// IsValidInterval 简易校验：以数字开头，以 ms/s/m/h/d/w/M 结尾。
func IsValidInterval(s string) bool {
	digits := strings.TrimSuffix(s, "ms")
	if digits == s {
		if s == "" {
			return false
		}
		switch s[len(s)-1] {
		case 's', 'm', 'h', 'd', 'w', 'M':
			digits = s[:len(s)-1]
		default:
			return false
		}
	}
	if digits == "" {
		return false
	}
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return false
		}
	}
	return true
}
