package config

import "strings"

// Config 是 quantflow 的主配置载体，Load 之后只读。
type Config struct {
	App          AppConfig        `toml:"app"`
	Exchange     ExchangeConfig   `toml:"exchange"`
	Base         BaseConfig       `toml:"base"`
	Kline        []StreamConfig   `toml:"kline"`
	PartialDepth []StreamConfig   `toml:"partial_depth"`
	MarkPrice    []StreamConfig   `toml:"mark_price"`
	Market       MarketConfig     `toml:"market"`
	Processing   ProcessingConfig `toml:"processing"`
	Filter       FilterConfig     `toml:"filter"`
	Risk         RiskConfig       `toml:"risk"`
	Orders       OrdersConfig     `toml:"orders"`
	Strategies   StrategiesConfig `toml:"strategies"`
	Journal      JournalConfig    `toml:"journal"`
}

type AppConfig struct {
	Env           string `toml:"env"`
	LogLevel      string `toml:"log_level"`
	LogPath       string `toml:"log_path"`
	HTTPAddr      string `toml:"http_addr"`
	ProfilingAddr string `toml:"profiling_addr"`
}

// ExchangeConfig 描述 Binance 合约 REST/WS 的访问方式。
type ExchangeConfig struct {
	RESTBaseURL        string `toml:"rest_base_url"`
	HTTPTimeoutSeconds int    `toml:"http_timeout_seconds"`
	ProxyEnabled       bool   `toml:"proxy_enabled"`
	RESTProxyURL       string `toml:"rest_proxy_url"`
	WSProxyURL         string `toml:"ws_proxy_url"`
}

// BaseConfig is the websocket base section. Unset fields inherit from the
// enclosing level: a stream's base from the global base, the global base
// from the built-in defaults.
type BaseConfig struct {
	AutoReconnect         *bool    `toml:"auto_reconnect"`
	MaxRetries            *int     `toml:"max_retries"`
	RetryDelaySecs        *float64 `toml:"retry_delay_secs"`
	ConnectionTimeoutSecs *float64 `toml:"connection_timeout_secs"`
	MessageTimeoutSecs    *float64 `toml:"message_timeout_secs"`
	EnableHeartbeat       *bool    `toml:"enable_heartbeat"`
	HeartbeatIntervalSecs *float64 `toml:"heartbeat_interval_secs"`
	Tags                  []string `toml:"tags"`
}

// StreamConfig 是 kline / partial_depth / mark_price 下的一条订阅。
type StreamConfig struct {
	Symbols  []string    `toml:"symbol"`
	Interval string      `toml:"interval"`
	Levels   int         `toml:"levels"`
	Base     *BaseConfig `toml:"base"`
}

type MarketConfig struct {
	MaxCached    int `toml:"max_cached"`
	PreheatLimit int `toml:"preheat_limit"`
}

type ProcessingConfig struct {
	Mode      string                    `toml:"mode"`
	QueueSize int                       `toml:"queue_size"`
	Batch     BatchConfig               `toml:"batch"`
	Stream    StreamProcessingConfig    `toml:"stream"`
	Consumers map[string]ConsumerConfig `toml:"consumers"`
}

type BatchConfig struct {
	BatchSize       int `toml:"batch_size"`
	BatchTimeoutMs  int `toml:"batch_timeout_ms"`
	MaxBatchDelayMs int `toml:"max_batch_delay_ms"`
}

type StreamProcessingConfig struct {
	ProcessTimeoutMs int `toml:"process_timeout_ms"`
	MaxConcurrent    int `toml:"max_concurrent"`
}

// ConsumerConfig overrides the processing defaults for one consumer. Mode
// "inherit" (or empty) takes processing.mode.
type ConsumerConfig struct {
	Enabled          *bool  `toml:"enabled"`
	Mode             string `toml:"mode"`
	BatchSize        int    `toml:"batch_size"`
	BatchTimeoutMs   int    `toml:"batch_timeout_ms"`
	ProcessTimeoutMs int    `toml:"process_timeout_ms"`
	MaxConcurrent    int    `toml:"max_concurrent"`
	QueueSize        int    `toml:"queue_size"`
	Overflow         string `toml:"overflow"`
}

// IsEnabled treats an unset flag as enabled.
func (c ConsumerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

type FilterConfig struct {
	CooldownMs         int            `toml:"cooldown_ms"`
	StrategyCooldownMs map[string]int `toml:"strategy_cooldown_ms"`
	FillTimeoutMs      int            `toml:"fill_timeout_ms"`
	Shards             int            `toml:"shards"`
}

// RiskConfig 中的金额与数量都是十进制字符串，避免浮点误差。
type RiskConfig struct {
	MaxPositionSize      map[string]string `toml:"max_position_size"`
	MaxOpenPositions     map[string]int    `toml:"max_open_positions"`
	MaxAggregateNotional string            `toml:"max_aggregate_notional"`
	OrdersPerMinute      map[string]int    `toml:"orders_per_minute"`
}

type OrdersConfig struct {
	Mode               string            `toml:"mode"`
	BaseQuantity       map[string]string `toml:"base_quantity"`
	DefaultQuantity    string            `toml:"default_quantity"`
	PaperFillLatencyMs int               `toml:"paper_fill_latency_ms"`
	SubmitFailureLimit int               `toml:"submit_failure_limit"`
	SubmitCooldownMs   int               `toml:"submit_cooldown_ms"`
}

type StrategiesConfig struct {
	CheckersPath  string          `toml:"checkers_path"`
	WatchCheckers bool            `toml:"watch_checkers"`
	MACD          MACDConfig      `toml:"macd"`
	Bollinger     BollingerConfig `toml:"bollinger"`
}

type MACDConfig struct {
	Enabled  bool     `toml:"enabled"`
	ID       string   `toml:"id"`
	Symbols  []string `toml:"symbols"`
	Interval string   `toml:"interval"`
	Fast     int      `toml:"fast"`
	Slow     int      `toml:"slow"`
	Signal   int      `toml:"signal"`
}

type BollingerConfig struct {
	Enabled  bool     `toml:"enabled"`
	ID       string   `toml:"id"`
	Symbols  []string `toml:"symbols"`
	Interval string   `toml:"interval"`
	Period   int      `toml:"period"`
	Width    float64  `toml:"width"`
}

type JournalConfig struct {
	Enabled   bool   `toml:"enabled"`
	Path      string `toml:"path"`
	AuditPath string `toml:"audit_path"`
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
