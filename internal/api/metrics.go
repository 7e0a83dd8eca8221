package api

import (
	"fmt"
	"io"
	"net/http"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"apiagg/internal/aggregator"
	"apiagg/internal/errors"
	"apiagg/internal/version"
)

// MetricsCollector collects and exposes Prometheus metrics. It is also an
// aggregator.Recorder.
type MetricsCollector struct {
	// Counters
	httpRequests      *Counter
	aggregateTotal    *Counter
	aggregateErrors   *Counter
	sourceFetches     *Counter
	sourceItems       *Counter
	rateLimitExceeded *Counter

	// Histograms
	httpDuration  *Histogram
	fetchDuration *Histogram

	// Gauges
	cacheEntries *Gauge
	goroutines   *Gauge
	memoryAlloc  *Gauge

	startTime time.Time
}

// Counter is a monotonically increasing counter
type Counter struct {
	name   string
	help   string
	labels []string
	values sync.Map // map[string]*uint64
}

// Histogram tracks distributions of values
type Histogram struct {
	name    string
	help    string
	labels  []string
	buckets []float64
	values  sync.Map // map[string]*histogramValue
}

type histogramValue struct {
	mu      sync.Mutex
	sum     float64
	count   uint64
	buckets []uint64
}

// Gauge is a metric that can go up and down
type Gauge struct {
	name   string
	help   string
	labels []string
	values sync.Map // map[string]*float64
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector() *MetricsCollector {
	m := &MetricsCollector{startTime: time.Now()}

	m.httpRequests = &Counter{
		name:   "apiagg_http_requests_total",
		help:   "Total number of HTTP requests",
		labels: []string{"method", "route", "status"},
	}
	m.aggregateTotal = &Counter{
		name:   "apiagg_aggregate_total",
		help:   "Total number of completed aggregations by cache outcome",
		labels: []string{"cache"},
	}
	m.aggregateErrors = &Counter{
		name:   "apiagg_aggregate_errors_total",
		help:   "Total number of aggregations that returned an error",
		labels: []string{"code"},
	}
	m.sourceFetches = &Counter{
		name:   "apiagg_source_fetches_total",
		help:   "Total number of source calls by outcome",
		labels: []string{"source", "outcome"},
	}
	m.sourceItems = &Counter{
		name:   "apiagg_source_items_total",
		help:   "Total number of records returned by sources",
		labels: []string{"source"},
	}
	m.rateLimitExceeded = &Counter{
		name:   "apiagg_ratelimit_exceeded_total",
		help:   "Total number of requests rejected by the rate limiter",
		labels: []string{"route"},
	}

	m.httpDuration = &Histogram{
		name:    "apiagg_http_request_duration_seconds",
		help:    "Duration of HTTP requests in seconds",
		labels:  []string{"route"},
		buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}
	m.fetchDuration = &Histogram{
		name:    "apiagg_source_fetch_duration_seconds",
		help:    "Duration of source calls in seconds",
		labels:  []string{"source"},
		buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}

	m.cacheEntries = &Gauge{
		name: "apiagg_cache_entries",
		help: "Number of cached result sets",
	}
	m.goroutines = &Gauge{
		name: "apiagg_goroutines",
		help: "Number of goroutines",
	}
	m.memoryAlloc = &Gauge{
		name: "apiagg_memory_alloc_bytes",
		help: "Allocated memory in bytes",
	}

	return m
}

// RecordHTTPRequest records one served request
func (m *MetricsCollector) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	m.httpRequests.Inc(method, route, strconv.Itoa(status))
	m.httpDuration.Observe(duration.Seconds(), route)
}

// RecordRateLimited records a rate limit exceeded event
func (m *MetricsCollector) RecordRateLimited(route string) {
	m.rateLimitExceeded.Inc(route)
}

// RecordFetch implements aggregator.Recorder.
func (m *MetricsCollector) RecordFetch(e aggregator.FetchEvent) {
	m.sourceFetches.Inc(e.Source, e.Outcome)
	if e.Outcome == aggregator.OutcomeCancelled {
		return
	}
	m.sourceItems.Add(uint64(e.Count), e.Source)
	m.fetchDuration.Observe(e.Duration.Seconds(), e.Source)
}

// RecordAggregate implements aggregator.Recorder.
func (m *MetricsCollector) RecordAggregate(e aggregator.AggregateEvent) {
	if e.Err != nil {
		m.aggregateErrors.Inc(string(errors.CodeOf(e.Err)))
		return
	}
	m.aggregateTotal.Inc(e.Cache)
}

// SetCacheEntries sets the cached result set count
func (m *MetricsCollector) SetCacheEntries(n int) {
	m.cacheEntries.Set(float64(n))
}

// WritePrometheus writes metrics in Prometheus text format
func (m *MetricsCollector) WritePrometheus(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	m.memoryAlloc.Set(float64(memStats.Alloc))

	fmt.Fprintf(w, "# HELP apiagg_info Build information\n")
	fmt.Fprintf(w, "# TYPE apiagg_info gauge\n")
	fmt.Fprintf(w, "apiagg_info{version=%q} 1\n\n", version.Version)

	fmt.Fprintf(w, "# HELP apiagg_uptime_seconds Time since the collector was created\n")
	fmt.Fprintf(w, "# TYPE apiagg_uptime_seconds counter\n")
	fmt.Fprintf(w, "apiagg_uptime_seconds %.3f\n\n", time.Since(m.startTime).Seconds())

	for _, c := range []*Counter{m.httpRequests, m.aggregateTotal, m.aggregateErrors, m.sourceFetches, m.sourceItems, m.rateLimitExceeded} {
		c.write(w)
	}
	for _, h := range []*Histogram{m.httpDuration, m.fetchDuration} {
		h.write(w)
	}
	for _, g := range []*Gauge{m.cacheEntries, m.goroutines, m.memoryAlloc} {
		g.write(w)
	}
}

// Inc adds one to the series for labelValues.
func (c *Counter) Inc(labelValues ...string) {
	c.Add(1, labelValues...)
}

// Add adds delta to the series for labelValues.
func (c *Counter) Add(delta uint64, labelValues ...string) {
	key := labelKey(c.labels, labelValues)
	val, _ := c.values.LoadOrStore(key, new(uint64))
	atomic.AddUint64(val.(*uint64), delta)
}

func (c *Counter) write(w io.Writer) {
	fmt.Fprintf(w, "# HELP %s %s\n", c.name, c.help)
	fmt.Fprintf(w, "# TYPE %s counter\n", c.name)
	for _, key := range sortedKeys(&c.values) {
		val, _ := c.values.Load(key)
		fmt.Fprintf(w, "%s%s %d\n", c.name, key, atomic.LoadUint64(val.(*uint64)))
	}
	fmt.Fprintln(w)
}

// Observe records value in the series for labelValues.
func (h *Histogram) Observe(value float64, labelValues ...string) {
	key := labelKey(h.labels, labelValues)
	val, _ := h.values.LoadOrStore(key, &histogramValue{
		buckets: make([]uint64, len(h.buckets)+1), // +1 for +Inf
	})
	hv := val.(*histogramValue)

	hv.mu.Lock()
	defer hv.mu.Unlock()
	hv.sum += value
	hv.count++

	idx := len(h.buckets)
	for i, bound := range h.buckets {
		if value <= bound {
			idx = i
			break
		}
	}
	hv.buckets[idx]++
}

func (h *Histogram) write(w io.Writer) {
	fmt.Fprintf(w, "# HELP %s %s\n", h.name, h.help)
	fmt.Fprintf(w, "# TYPE %s histogram\n", h.name)

	for _, key := range sortedKeys(&h.values) {
		val, _ := h.values.Load(key)
		hv := val.(*histogramValue)

		hv.mu.Lock()
		cumulative := uint64(0)
		for i, bound := range h.buckets {
			cumulative += hv.buckets[i]
			fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, withLE(key, strconv.FormatFloat(bound, 'g', -1, 64)), cumulative)
		}
		cumulative += hv.buckets[len(h.buckets)]
		fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, withLE(key, "+Inf"), cumulative)
		fmt.Fprintf(w, "%s_sum%s %.6f\n", h.name, key, hv.sum)
		fmt.Fprintf(w, "%s_count%s %d\n", h.name, key, hv.count)
		hv.mu.Unlock()
	}
	fmt.Fprintln(w)
}

// Set replaces the series for labelValues.
func (g *Gauge) Set(value float64, labelValues ...string) {
	ptr := new(float64)
	*ptr = value
	g.values.Store(labelKey(g.labels, labelValues), ptr)
}

func (g *Gauge) write(w io.Writer) {
	fmt.Fprintf(w, "# HELP %s %s\n", g.name, g.help)
	fmt.Fprintf(w, "# TYPE %s gauge\n", g.name)
	for _, key := range sortedKeys(&g.values) {
		val, _ := g.values.Load(key)
		fmt.Fprintf(w, "%s%s %g\n", g.name, key, *val.(*float64))
	}
	fmt.Fprintln(w)
}

func labelKey(labels, values []string) string {
	if len(labels) == 0 || len(values) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(labels))
	for i, label := range labels {
		if i < len(values) {
			pairs = append(pairs, label+"="+strconv.Quote(values[i]))
		}
	}
	return "{" + strings.Join(pairs, ",") + "}"
}

func withLE(key, le string) string {
	if key == "" {
		return `{le="` + le + `"}`
	}
	return key[:len(key)-1] + `,le="` + le + `"}`
}

func sortedKeys(m *sync.Map) []string {
	var keys []string
	m.Range(func(key, _ interface{}) bool {
		keys = append(keys, key.(string))
		return true
	})
	sort.Strings(keys)
	return keys
}

// handleMetrics handles the /metrics endpoint
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	s.metrics.SetCacheEntries(s.agg.CacheStats().Entries)
	s.metrics.WritePrometheus(w)
}
