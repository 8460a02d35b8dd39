package config

import (
	"strings"
)

// 默认值常量
const (
	defaultAppEnv            = "dev"
	defaultAppLogLevel       = "info"
	defaultAppHTTPAddr       = ":9991"
	defaultAppLogPath        = "/data/logs/quantflow.log"
	defaultExchangeREST      = "https://fapi.binance.com"
	defaultExchangeTimeout   = 15
	defaultMarketMaxCached   = 300
	defaultMarketPreheat     = 200
	defaultProcessingMode    = "stream"
	defaultQueueSize         = 1024
	defaultBatchSize         = 100
	defaultBatchTimeoutMs    = 1000
	defaultMaxBatchDelayMs   = 5000
	defaultProcessTimeoutMs  = 100
	defaultMaxConcurrent     = 1
	defaultCooldownMs        = 60_000
	defaultFillTimeoutMs     = 30_000
	defaultFilterShards      = 16
	defaultOrdersMode        = "paper"
	defaultDefaultQuantity   = "0.001"
	defaultPaperLatencyMs    = 50
	defaultSubmitFailures    = 5
	defaultSubmitCooldownMs  = 30_000
	defaultCheckersPath      = "configs/checkers.yaml"
	defaultJournalPath       = "/data/db/journal.db"
	defaultJournalAuditPath  = "/data/db/position_audit.db"
	defaultMACDInterval      = "1m"
	defaultBollingerInterval = "5m"
)

// builtinConsumers 为三个内置 consumer 提供默认批处理参数，mode 默认继承 processing.mode。
var builtinConsumers = map[string]ConsumerConfig{
	ConsumerCalculation: {BatchSize: 50, BatchTimeoutMs: 500},
	ConsumerOrder:       {BatchSize: 10, BatchTimeoutMs: 200},
	ConsumerPersistence: {BatchSize: 200, BatchTimeoutMs: 2000},
}

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Exchange.applyDefaults(keys)
	c.Market.applyDefaults(keys)
	c.Processing.applyDefaults(keys)
	c.Filter.applyDefaults(keys)
	c.Orders.applyDefaults(keys)
	c.Strategies.applyDefaults(keys)
	c.Journal.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
	)
}

func (e *ExchangeConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("exchange.rest_base_url", &e.RESTBaseURL, defaultExchangeREST),
		intFieldDefault("exchange.http_timeout_seconds", &e.HTTPTimeoutSeconds, defaultExchangeTimeout),
	)
}

func (m *MarketConfig) applyDefaults(keys keySet) {
	if m == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("market.max_cached", &m.MaxCached, defaultMarketMaxCached),
		intFieldDefault("market.preheat_limit", &m.PreheatLimit, defaultMarketPreheat),
	)
	if m.PreheatLimit > m.MaxCached {
		m.PreheatLimit = m.MaxCached
	}
}

func (p *ProcessingConfig) applyDefaults(keys keySet) {
	if p == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("processing.mode", &p.Mode, defaultProcessingMode),
		intFieldDefault("processing.queue_size", &p.QueueSize, defaultQueueSize),
		intFieldDefault("processing.batch.batch_size", &p.Batch.BatchSize, defaultBatchSize),
		intFieldDefault("processing.batch.batch_timeout_ms", &p.Batch.BatchTimeoutMs, defaultBatchTimeoutMs),
		intFieldDefault("processing.batch.max_batch_delay_ms", &p.Batch.MaxBatchDelayMs, defaultMaxBatchDelayMs),
		intFieldDefault("processing.stream.process_timeout_ms", &p.Stream.ProcessTimeoutMs, defaultProcessTimeoutMs),
		intFieldDefault("processing.stream.max_concurrent", &p.Stream.MaxConcurrent, defaultMaxConcurrent),
	)
	p.Mode = strings.ToLower(strings.TrimSpace(p.Mode))
	if p.Consumers == nil {
		p.Consumers = make(map[string]ConsumerConfig, len(builtinConsumers))
	}
	for name, def := range builtinConsumers {
		cur, ok := p.Consumers[name]
		if !ok {
			p.Consumers[name] = def
			continue
		}
		prefix := "processing.consumers." + name
		applyFieldDefaults(keys,
			intFieldDefault(prefix+".batch_size", &cur.BatchSize, def.BatchSize),
			intFieldDefault(prefix+".batch_timeout_ms", &cur.BatchTimeoutMs, def.BatchTimeoutMs),
		)
		p.Consumers[name] = cur
	}
}

func (f *FilterConfig) applyDefaults(keys keySet) {
	if f == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("filter.cooldown_ms", &f.CooldownMs, defaultCooldownMs),
		intFieldDefault("filter.fill_timeout_ms", &f.FillTimeoutMs, defaultFillTimeoutMs),
		intFieldDefault("filter.shards", &f.Shards, defaultFilterShards),
	)
}

func (o *OrdersConfig) applyDefaults(keys keySet) {
	if o == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("orders.mode", &o.Mode, defaultOrdersMode),
		stringFieldDefault("orders.default_quantity", &o.DefaultQuantity, defaultDefaultQuantity),
		intFieldDefault("orders.paper_fill_latency_ms", &o.PaperFillLatencyMs, defaultPaperLatencyMs),
		intFieldDefault("orders.submit_failure_limit", &o.SubmitFailureLimit, defaultSubmitFailures),
		intFieldDefault("orders.submit_cooldown_ms", &o.SubmitCooldownMs, defaultSubmitCooldownMs),
	)
	o.Mode = strings.ToLower(strings.TrimSpace(o.Mode))
}

func (s *StrategiesConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("strategies.checkers_path", &s.CheckersPath, defaultCheckersPath),
		boolFieldDefault("strategies.watch_checkers", &s.WatchCheckers, true),
		stringFieldDefault("strategies.macd.id", &s.MACD.ID, "macd"),
		stringFieldDefault("strategies.macd.interval", &s.MACD.Interval, defaultMACDInterval),
		intFieldDefault("strategies.macd.fast", &s.MACD.Fast, 12),
		intFieldDefault("strategies.macd.slow", &s.MACD.Slow, 26),
		intFieldDefault("strategies.macd.signal", &s.MACD.Signal, 9),
		stringFieldDefault("strategies.bollinger.id", &s.Bollinger.ID, "bollinger"),
		stringFieldDefault("strategies.bollinger.interval", &s.Bollinger.Interval, defaultBollingerInterval),
		intFieldDefault("strategies.bollinger.period", &s.Bollinger.Period, 20),
		fieldDefault{
			key:   "strategies.bollinger.width",
			need:  func() bool { return s.Bollinger.Width <= 0 },
			apply: func() { s.Bollinger.Width = 2 },
		},
	)
}

func (j *JournalConfig) applyDefaults(keys keySet) {
	if j == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("journal.path", &j.Path, defaultJournalPath),
		stringFieldDefault("journal.audit_path", &j.AuditPath, defaultJournalAuditPath),
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

// intFieldDefault 只在未显式设置且值 <= 0 时生效。
func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
