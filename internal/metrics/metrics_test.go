package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"quantflow/internal/position"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.ConsumerEvent("calc", "delivered", 1)
		c.Decision("macd", "accept", "")
		c.PositionChange(position.Change{})
		c.MarketEvent("kline")
		c.Reconnect("x")
	})
	assert.Nil(t, c.Registry())
}

func TestCounters(t *testing.T) {
	c := New()
	c.ConsumerEvent("calc", "delivered", 3)
	c.ConsumerEvent("calc", "delivered", 0)
	assert.Equal(t, 3.0, testutil.ToFloat64(c.consumerEvents.WithLabelValues("calc", "delivered")))

	c.PositionChange(position.Change{
		Before: position.Record{StrategyID: "macd", Status: position.StatusFlat},
		After:  position.Record{StrategyID: "macd", Status: position.StatusOpening},
	})
	c.PositionChange(position.Change{
		Before: position.Record{StrategyID: "macd", Status: position.StatusOpening},
		After:  position.Record{StrategyID: "macd", Status: position.StatusOpening},
	})
	assert.Equal(t, 1.0, testutil.ToFloat64(c.openPositions.WithLabelValues("macd")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transitions.WithLabelValues("flat", "opening")))

	c.PositionChange(position.Change{
		Before: position.Record{StrategyID: "macd", Status: position.StatusClosing},
		After:  position.Record{StrategyID: "macd", Status: position.StatusFlat},
	})
	assert.Equal(t, 0.0, testutil.ToFloat64(c.openPositions.WithLabelValues("macd")))
}

func TestHandlerServesMetrics(t *testing.T) {
	c := New()
	c.Decision("macd", "reject", "cooldown")
	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `quantflow_signal_decisions_total{reason="cooldown",strategy="macd",verdict="reject"} 1`)
}
