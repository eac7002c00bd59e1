// Package metrics exports Prometheus metrics for the proxy. Collectors are
// fed by eventbus subscribers, like the tracing in internal/otel.
package metrics

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hanpama/graphcache/internal/eventbus"
	"github.com/hanpama/graphcache/internal/events"
)

const namespace = "graphcache"

// Metrics holds every collector of the proxy.
type Metrics struct {
	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
	CacheLookups     *prometheus.CounterVec
	CacheWrites      *prometheus.CounterVec
	FlushCollected   prometheus.Counter
	FlushPersisted   prometheus.Counter
	FlushErrors      prometheus.Counter
	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec
}

func newMetrics() *Metrics {
	return &Metrics{
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests by method and status code.",
			},
			[]string{"method", "code"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "lookups_total",
				Help:      "Cache reads by request policy and outcome (hit, partial, miss).",
			},
			[]string{"policy", "outcome"},
		),
		CacheWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "writes_total",
				Help:      "Results written into the cache by operation type.",
			},
			[]string{"operation", "optimistic"},
		),
		FlushCollected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "collected_entities_total",
			Help:      "Entities removed by garbage collection.",
		}),
		FlushPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "persisted_entries_total",
			Help:      "Entries written to storage.",
		}),
		FlushErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "flush_errors_total",
			Help:      "Failed storage writes.",
		}),
		UpstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "upstream",
				Name:      "request_duration_seconds",
				Help:      "Duration of requests forwarded to the origin server.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		UpstreamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "upstream",
				Name:      "errors_total",
				Help:      "Forwarded requests that failed before a GraphQL response was read.",
			},
			[]string{"operation"},
		),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.HTTPRequests, m.HTTPDuration,
		m.CacheLookups, m.CacheWrites,
		m.FlushCollected, m.FlushPersisted, m.FlushErrors,
		m.UpstreamDuration, m.UpstreamErrors,
	}
}

// Registry is a Prometheus registry with the proxy's collectors registered
// and subscribed to the global event bus.
type Registry struct {
	reg         *prometheus.Registry
	Metrics     *Metrics
	unsubscribe []func()
}

// Setup creates a Registry, registers the Go runtime and process collectors
// and starts recording events.
func Setup() (*Registry, error) {
	r := &Registry{reg: prometheus.NewRegistry(), Metrics: newMetrics()}
	for _, c := range r.Metrics.collectors() {
		if err := r.reg.Register(c); err != nil {
			return nil, err
		}
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	r.unsubscribe = r.Metrics.register()
	return r, nil
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Close stops recording events.
func (r *Registry) Close() {
	for _, fn := range r.unsubscribe {
		fn()
	}
	r.unsubscribe = nil
}

func (m *Metrics) register() []func() {
	return []func(){
		eventbus.Subscribe(func(_ context.Context, e events.HTTPFinish) {
			m.HTTPRequests.WithLabelValues(e.Request.Method, strconv.Itoa(e.Status)).Inc()
			m.HTTPDuration.WithLabelValues(e.Request.Method).Observe(e.Duration.Seconds())
		}),

		eventbus.Subscribe(func(_ context.Context, e events.CacheLookup) {
			m.CacheLookups.WithLabelValues(e.Policy, string(e.Outcome)).Inc()
		}),

		eventbus.Subscribe(func(_ context.Context, e events.CacheWrite) {
			m.CacheWrites.WithLabelValues(e.OperationType, strconv.FormatBool(e.Optimistic)).Inc()
		}),

		eventbus.Subscribe(func(_ context.Context, e events.CacheFlush) {
			m.FlushCollected.Add(float64(e.Collected))
			m.FlushPersisted.Add(float64(e.Persisted))
			if e.Err != nil {
				m.FlushErrors.Inc()
			}
		}),

		eventbus.Subscribe(func(_ context.Context, e events.UpstreamFinish) {
			m.UpstreamDuration.WithLabelValues(e.OperationType).Observe(e.Duration.Seconds())
			if e.Err != nil {
				m.UpstreamErrors.WithLabelValues(e.OperationType).Inc()
			}
		}),
	}
}
