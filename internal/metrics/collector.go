// Package metrics is a small Prometheus-text metrics collector for the
// relay. It renders the exposition format directly instead of pulling in
// a client library.
package metrics

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the process-wide collector.
var Collector = NewMetricsCollector()

// MetricsCollector aggregates counters, gauges, and histograms keyed by
// name and rendered label set.
type MetricsCollector struct {
	counters   sync.Map // name{labels} -> *Counter
	gauges     sync.Map // name{labels} -> *Gauge
	histograms sync.Map // name{labels} -> *Histogram
	startTime  time.Time
}

// NewMetricsCollector creates a new collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{startTime: time.Now()}
}

// Uptime returns how long the collector has been running.
func (c *MetricsCollector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Add(n int64)  { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (g *Gauge) Set(v int64)  { g.value.Store(v) }
func (g *Gauge) Inc()         { g.value.Add(1) }
func (g *Gauge) Dec()         { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram tracks the distribution of observed values.
type Histogram struct {
	name    string
	help    string
	labels  string
	mu      sync.Mutex
	count   int64
	sum     float64
	buckets []histBucket
}

type histBucket struct {
	le    float64
	count int64
}

// Observe records a value.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i := range h.buckets {
		if v <= h.buckets[i].le {
			h.buckets[i].count++
		}
	}
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Labels renders key/value pairs as a Prometheus label set, keeping
// argument order.
func Labels(kv ...string) string {
	var sb strings.Builder
	for i := 0; i+1 < len(kv); i += 2 {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%s=%q", kv[i], kv[i+1])
	}
	return sb.String()
}

// Counter returns or creates a counter.
func (c *MetricsCollector) Counter(name, help, labels string) *Counter {
	key := name + "{" + labels + "}"
	if v, ok := c.counters.Load(key); ok {
		return v.(*Counter)
	}
	actual, _ := c.counters.LoadOrStore(key, &Counter{name: name, help: help, labels: labels})
	return actual.(*Counter)
}

// Gauge returns or creates a gauge.
func (c *MetricsCollector) Gauge(name, help, labels string) *Gauge {
	key := name + "{" + labels + "}"
	if v, ok := c.gauges.Load(key); ok {
		return v.(*Gauge)
	}
	actual, _ := c.gauges.LoadOrStore(key, &Gauge{name: name, help: help, labels: labels})
	return actual.(*Gauge)
}

// Histogram returns or creates a histogram with the given upper bounds.
func (c *MetricsCollector) Histogram(name, help, labels string, buckets []float64) *Histogram {
	key := name + "{" + labels + "}"
	if v, ok := c.histograms.Load(key); ok {
		return v.(*Histogram)
	}
	bounds := append([]float64(nil), buckets...)
	sort.Float64s(bounds)
	hb := make([]histBucket, len(bounds))
	for i, b := range bounds {
		hb[i] = histBucket{le: b}
	}
	actual, _ := c.histograms.LoadOrStore(key, &Histogram{name: name, help: help, labels: labels, buckets: hb})
	return actual.(*Histogram)
}

func sortedKeys(m *sync.Map) []string {
	var keys []string
	m.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	sort.Strings(keys)
	return keys
}

func writeSample(sb *strings.Builder, name, labels string, value any) {
	if labels != "" {
		fmt.Fprintf(sb, "%s{%s} %v\n", name, labels, value)
	} else {
		fmt.Fprintf(sb, "%s %v\n", name, value)
	}
}

// Render writes every metric in Prometheus text format, sorted by name
// and label set.
func (c *MetricsCollector) Render() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# HELP promptrelay_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(&sb, "# TYPE promptrelay_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "promptrelay_uptime_seconds %d\n\n", int64(c.Uptime().Seconds()))

	seen := make(map[string]bool)
	header := func(name, help, kind string) {
		if seen[name] {
			return
		}
		seen[name] = true
		fmt.Fprintf(&sb, "# HELP %s %s\n", name, help)
		fmt.Fprintf(&sb, "# TYPE %s %s\n", name, kind)
	}

	for _, k := range sortedKeys(&c.counters) {
		v, _ := c.counters.Load(k)
		ctr := v.(*Counter)
		header(ctr.name, ctr.help, "counter")
		writeSample(&sb, ctr.name, ctr.labels, ctr.Value())
	}
	for _, k := range sortedKeys(&c.gauges) {
		v, _ := c.gauges.Load(k)
		g := v.(*Gauge)
		header(g.name, g.help, "gauge")
		writeSample(&sb, g.name, g.labels, g.Value())
	}
	for _, k := range sortedKeys(&c.histograms) {
		v, _ := c.histograms.Load(k)
		h := v.(*Histogram)
		h.mu.Lock()
		header(h.name, h.help, "histogram")
		prefix := h.name + "_bucket{"
		if h.labels != "" {
			prefix += h.labels + ","
		}
		for _, b := range h.buckets {
			if math.IsInf(b.le, 1) {
				continue
			}
			fmt.Fprintf(&sb, "%sle=\"%g\"} %d\n", prefix, b.le, b.count)
		}
		fmt.Fprintf(&sb, "%sle=\"+Inf\"} %d\n", prefix, h.count)
		writeSample(&sb, h.name+"_count", h.labels, h.count)
		writeSample(&sb, h.name+"_sum", h.labels, fmt.Sprintf("%f", h.sum))
		h.mu.Unlock()
	}
	return sb.String()
}

// Handler serves Render as text/plain.
func (c *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, c.Render())
	}
}

// --- Relay metrics ---

var (
	InjectionsTotal   = Collector.Counter("promptrelay_injections_total", "Injection launches", "")
	InjectionFailures = Collector.Counter("promptrelay_injection_failures_total", "Injections that exhausted every strategy", "")
	MessagesReceived  = Collector.Counter("promptrelay_messages_received_total", "Inbound messages dispatched", "")
	MessagesDropped   = Collector.Counter("promptrelay_messages_dropped_total", "Inbound messages dropped as malformed, duplicate, or unhandled", "")
	HubConnections    = Collector.Gauge("promptrelay_hub_connections", "Current hub connections", "")

	InjectionLatency = Collector.Histogram("promptrelay_injection_latency_seconds", "Time from launch to outcome in seconds", "",
		[]float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30})
)

// StrategyAttempt counts one attempt of a strategy with its result kind.
func StrategyAttempt(strategy, result string) {
	Collector.Counter("promptrelay_strategy_attempts_total", "Injection strategy attempts by result",
		Labels("strategy", strategy, "result", result)).Inc()
}

// ChannelSend counts one outbound send on a channel.
func ChannelSend(channel string, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	Collector.Counter("promptrelay_channel_sends_total", "Outbound channel sends by result",
		Labels("channel", channel, "result", result)).Inc()
}
