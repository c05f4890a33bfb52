package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments for the backend. A private
// registry keeps tests free of duplicate-registration panics.
type Metrics struct {
	registry *prometheus.Registry

	PoolSessions prometheus.Gauge
	PoolDirty    prometheus.Gauge
	Evictions    *prometheus.CounterVec
	Compactions  prometheus.Counter
	Tasks        *prometheus.CounterVec
	Upstream     *prometheus.HistogramVec
	HTTPRequests *prometheus.HistogramVec
}

// NewMetrics creates and registers all instruments on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		PoolSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "recall",
			Name:      "pool_sessions",
			Help:      "Live sessions held in the pool.",
		}),
		PoolDirty: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "recall",
			Name:      "pool_dirty_sessions",
			Help:      "Pool sessions with unpersisted state.",
		}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "recall",
			Name:      "pool_evictions_total",
			Help:      "Sessions evicted from the pool by reason.",
		}, []string{"reason"}),
		Compactions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "recall",
			Name:      "compactions_total",
			Help:      "Turn-buffer compaction events.",
		}),
		Tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "recall",
			Name:      "background_tasks_total",
			Help:      "Background work-queue task outcomes.",
		}, []string{"status"}),
		Upstream: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "recall",
			Name:      "upstream_request_seconds",
			Help:      "Latency of storage, embedding, and LLM calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"}),
		HTTPRequests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "recall",
			Name:      "http_request_seconds",
			Help:      "HTTP request latency by route and status code.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "code"}),
	}

	reg.MustRegister(
		m.PoolSessions,
		m.PoolDirty,
		m.Evictions,
		m.Compactions,
		m.Tasks,
		m.Upstream,
		m.HTTPRequests,
	)
	return m
}

// Handler exposes the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveUpstream records one upstream call's duration.
func (m *Metrics) ObserveUpstream(service string, start time.Time) {
	m.Upstream.WithLabelValues(service).Observe(time.Since(start).Seconds())
}
