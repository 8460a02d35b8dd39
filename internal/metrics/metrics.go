package metrics

import (
	"net/http"

	"quantflow/internal/position"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the process metrics. A nil *Collector is a valid no-op.
type Collector struct {
	registry *prometheus.Registry

	consumerEvents *prometheus.CounterVec
	decisions      *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	openPositions  *prometheus.GaugeVec
	marketEvents   *prometheus.CounterVec
	reconnects     *prometheus.CounterVec
}

func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		consumerEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "quantflow", Name: "consumer_events_total", Help: "Dispatcher outcomes per consumer"},
			[]string{"consumer", "outcome"},
		),
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "quantflow", Name: "signal_decisions_total", Help: "Signal verdicts by strategy and reason"},
			[]string{"strategy", "verdict", "reason"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "quantflow", Name: "position_transitions_total", Help: "Committed position status changes"},
			[]string{"from", "to"},
		),
		openPositions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: "quantflow", Name: "positions_non_flat", Help: "Positions not in flat status per strategy"},
			[]string{"strategy"},
		),
		marketEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "quantflow", Name: "market_events_total", Help: "Market events received per stream type"},
			[]string{"type"},
		),
		reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "quantflow", Name: "stream_reconnects_total", Help: "Websocket reconnect attempts per connection"},
			[]string{"connection"},
		),
	}
	c.registry.MustRegister(
		c.consumerEvents, c.decisions, c.transitions, c.openPositions, c.marketEvents, c.reconnects,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return c
}

// Registry exposes the underlying registry for tests and custom gatherers.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ConsumerEvent implements dispatch.Observer.
func (c *Collector) ConsumerEvent(consumer, outcome string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.consumerEvents.WithLabelValues(consumer, outcome).Add(float64(n))
}

func (c *Collector) Decision(strategy, verdict, reason string) {
	if c == nil {
		return
	}
	c.decisions.WithLabelValues(strategy, verdict, reason).Inc()
}

// PositionChange is a position.Observer.
func (c *Collector) PositionChange(ch position.Change) {
	if c == nil || ch.Before.Status == ch.After.Status {
		return
	}
	c.transitions.WithLabelValues(ch.Before.Status.String(), ch.After.Status.String()).Inc()
	switch {
	case ch.Before.Status == position.StatusFlat:
		c.openPositions.WithLabelValues(ch.After.StrategyID).Inc()
	case ch.After.Status == position.StatusFlat:
		c.openPositions.WithLabelValues(ch.After.StrategyID).Dec()
	}
}

func (c *Collector) MarketEvent(kind string) {
	if c == nil {
		return
	}
	c.marketEvents.WithLabelValues(kind).Inc()
}

func (c *Collector) Reconnect(connection string) {
	if c == nil {
		return
	}
	c.reconnects.WithLabelValues(connection).Inc()
}
