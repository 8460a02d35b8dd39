package market

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"quantflow/internal/pkg/symbol"
)

// BaseConfig carries the reconnect and liveness settings of a connection.
type BaseConfig struct {
	AutoReconnect     bool
	MaxRetries        int
	RetryDelay        time.Duration
	ConnectionTimeout time.Duration
	MessageTimeout    time.Duration
	EnableHeartbeat   bool
	HeartbeatInterval time.Duration
	Tags              []string
}

func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		AutoReconnect:     true,
		MaxRetries:        5,
		RetryDelay:        5 * time.Second,
		ConnectionTimeout: 10 * time.Second,
		MessageTimeout:    30 * time.Second,
		EnableHeartbeat:   true,
		HeartbeatInterval: 30 * time.Second,
	}
}

// Merge returns local when given, otherwise the global settings. A local
// section with no tags keeps the global tags.
func (b BaseConfig) Merge(local *BaseConfig) BaseConfig {
	if local == nil {
		out := b
		out.Tags = append([]string(nil), b.Tags...)
		return out
	}
	out := *local
	if len(local.Tags) == 0 {
		out.Tags = append([]string(nil), b.Tags...)
	} else {
		out.Tags = append([]string(nil), local.Tags...)
	}
	return out
}

// Connection 描述一条行情订阅。
type Connection struct {
	ID       string     `json:"id"`
	Type     EventType  `json:"type"`
	Symbols  []string   `json:"symbols"`
	Interval string     `json:"interval"`
	Levels   int        `json:"levels,omitempty"`
	Base     BaseConfig `json:"-"`
	Tags     []string   `json:"tags"`
}

// NewConnection normalises symbols, derives the id and adds the type,
// interval and level tags to the base tags.
func NewConnection(typ EventType, symbols []string, interval string, levels int, base BaseConfig) (Connection, error) {
	if !typ.Valid() {
		return Connection{}, fmt.Errorf("unknown stream type %q", typ)
	}
	syms := normalizeSymbols(symbols)
	if len(syms) == 0 {
		return Connection{}, fmt.Errorf("%s connection requires symbols", typ)
	}
	interval = strings.TrimSpace(interval)
	if interval == "" {
		return Connection{}, fmt.Errorf("%s connection requires interval", typ)
	}
	if typ == EventPartialDepth && levels <= 0 {
		return Connection{}, fmt.Errorf("partial_depth connection requires levels")
	}
	tags := append([]string(nil), base.Tags...)
	tags = appendTag(tags, string(typ))
	if typ == EventPartialDepth {
		tags = appendTag(tags, strconv.Itoa(levels))
	}
	tags = appendTag(tags, interval)
	return Connection{
		ID:       ConnectionID(typ, syms, interval, levels),
		Type:     typ,
		Symbols:  syms,
		Interval: interval,
		Levels:   levels,
		Base:     base,
		Tags:     tags,
	}, nil
}

// ConnectionID joins a type prefix, the sorted symbols and the interval:
//
//	mark_price_BTCUSDT_1s
//	multi_kline_BTCUSDT_ETHUSDT_SOLUSDT_1m
//	partial_depth_BTCUSDT_5_250ms
func ConnectionID(typ EventType, symbols []string, interval string, levels int) string {
	syms := normalizeSymbols(symbols)
	prefix := string(typ)
	if typ == EventKline && len(syms) > 1 {
		prefix = "multi_kline"
	}
	parts := append([]string{prefix}, syms...)
	if typ == EventPartialDepth {
		parts = append(parts, strconv.Itoa(levels))
	}
	parts = append(parts, strings.TrimSpace(interval))
	return strings.Join(parts, "_")
}

func normalizeSymbols(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = symbol.Normalize(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func appendTag(tags []string, tag string) []string {
	for _, t := range tags {
		if t == tag {
			return tags
		}
	}
	return append(tags, tag)
}

func (c Connection) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

func (c Connection) HasSymbol(sym string) bool {
	sym = symbol.Normalize(sym)
	for _, s := range c.Symbols {
		if s == sym {
			return true
		}
	}
	return false
}

// ConnectionState is the live status of a registered connection.
type ConnectionState struct {
	Connection
	Connected   bool      `json:"connected"`
	Reconnects  int       `json:"reconnects"`
	LastError   string    `json:"last_error,omitempty"`
	LastEventAt time.Time `json:"last_event_at,omitempty"`
	Events      uint64    `json:"events"`
}

// ConnectionQuery filters Registry.Query. Empty fields match everything.
type ConnectionQuery struct {
	Tag    string
	Type   EventType
	Symbol string
}

// Registry tracks every configured connection and its status.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*ConnectionState
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*ConnectionState)}
}

// Add registers c; ids must be unique.
func (r *Registry) Add(c Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.conns[c.ID]; exists {
		return fmt.Errorf("duplicate connection %s", c.ID)
	}
	r.conns[c.ID] = &ConnectionState{Connection: c}
	return nil
}

func (r *Registry) Get(id string) (ConnectionState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.conns[id]
	if !ok {
		return ConnectionState{}, false
	}
	return *st, true
}

// Query returns matching connections ordered by id.
func (r *Registry) Query(q ConnectionQuery) []ConnectionState {
	r.mu.RLock()
	out := make([]ConnectionState, 0, len(r.conns))
	for _, st := range r.conns {
		if q.Tag != "" && !st.HasTag(q.Tag) {
			continue
		}
		if q.Type != "" && st.Type != q.Type {
			continue
		}
		if q.Symbol != "" && !st.HasSymbol(q.Symbol) {
			continue
		}
		out = append(out, *st)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) List() []ConnectionState { return r.Query(ConnectionQuery{}) }

func (r *Registry) ByTag(tag string) []ConnectionState {
	return r.Query(ConnectionQuery{Tag: tag})
}

func (r *Registry) ByType(typ EventType) []ConnectionState {
	return r.Query(ConnectionQuery{Type: typ})
}

func (r *Registry) BySymbol(sym string) []ConnectionState {
	return r.Query(ConnectionQuery{Symbol: sym})
}

// Connections returns the static definitions, ordered by id.
func (r *Registry) Connections() []Connection {
	states := r.List()
	out := make([]Connection, 0, len(states))
	for _, st := range states {
		out = append(out, st.Connection)
	}
	return out
}

func (r *Registry) update(id string, fn func(*ConnectionState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.conns[id]; ok {
		fn(st)
	}
}

func (r *Registry) MarkConnected(id string) {
	r.update(id, func(st *ConnectionState) {
		st.Connected = true
		st.LastError = ""
	})
}

func (r *Registry) MarkDisconnected(id string, err error) {
	r.update(id, func(st *ConnectionState) {
		st.Connected = false
		st.Reconnects++
		if err != nil {
			st.LastError = err.Error()
		}
	})
}

func (r *Registry) MarkEvent(id string, at time.Time) {
	r.update(id, func(st *ConnectionState) {
		st.Events++
		st.LastEventAt = at
	})
}
