package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_RenderCountersAndGauges(t *testing.T) {
	c := NewMetricsCollector()
	c.Counter("relay_sends_total", "Sends", Labels("channel", "storage")).Add(3)
	c.Counter("relay_sends_total", "Sends", Labels("channel", "broadcast")).Inc()
	c.Gauge("relay_conns", "Connections", "").Set(2)

	out := c.Render()
	assert.Equal(t, 1, strings.Count(out, "# TYPE relay_sends_total counter"))
	assert.Contains(t, out, `relay_sends_total{channel="storage"} 3`)
	assert.Contains(t, out, `relay_sends_total{channel="broadcast"} 1`)
	assert.Contains(t, out, "relay_conns 2")
	assert.Less(t, strings.Index(out, `channel="broadcast"`), strings.Index(out, `channel="storage"`))
}

func TestCollector_Histogram(t *testing.T) {
	c := NewMetricsCollector()
	h := c.Histogram("relay_latency_seconds", "Latency", "", []float64{1, 0.1})
	h.Observe(0.05)
	h.Observe(0.5)
	h.Observe(3)

	out := c.Render()
	assert.Contains(t, out, `relay_latency_seconds_bucket{le="0.1"} 1`)
	assert.Contains(t, out, `relay_latency_seconds_bucket{le="1"} 2`)
	assert.Contains(t, out, `relay_latency_seconds_bucket{le="+Inf"} 3`)
	assert.Contains(t, out, "relay_latency_seconds_count 3")
	assert.EqualValues(t, 3, h.Count())
}

func TestCollector_SameKeyReturnsSameMetric(t *testing.T) {
	c := NewMetricsCollector()
	a := c.Counter("x_total", "x", Labels("strategy", "dom"))
	b := c.Counter("x_total", "x", Labels("strategy", "dom"))
	require.Same(t, a, b)
}

func TestLabels_Escapes(t *testing.T) {
	assert.Equal(t, `site="a\"b",strategy="dom"`, Labels("site", `a"b`, "strategy", "dom"))
}

func TestHandler(t *testing.T) {
	c := NewMetricsCollector()
	c.Counter("relay_hits_total", "Hits", "").Inc()

	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rec.Body.String(), "relay_hits_total 1")
	assert.Contains(t, rec.Body.String(), "promptrelay_uptime_seconds")
}
