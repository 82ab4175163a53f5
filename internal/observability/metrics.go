package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "change_requests"

// Metrics holds the service's prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	errorTotal      *prometheus.CounterVec
	transitionTotal *prometheus.CounterVec
	syncCycleTotal  *prometheus.CounterVec
	syncLinkedTotal prometheus.Counter
	syncMergedTotal prometheus.Counter
}

// NewMetrics registers collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		requestTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"route", "method", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		errorTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors returned to callers by code.",
		}, []string{"route", "method", "code"}),
		transitionTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Applied lifecycle transitions.",
		}, []string{"from", "to", "actor"}),
		syncCycleTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_cycles_total",
			Help:      "Source-control synchronization cycles by outcome.",
		}, []string{"outcome"}),
		syncLinkedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_linked_total",
			Help:      "Pull requests linked to change requests.",
		}),
		syncMergedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_merged_total",
			Help:      "Merged pull requests that completed a change request.",
		}),
	}
}

// Handler exposes the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordRequest increments counters for requests.
func (m *Metrics) RecordRequest(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordError increments error counters.
func (m *Metrics) RecordError(route, method, code string) {
	if m == nil {
		return
	}
	m.errorTotal.WithLabelValues(route, method, code).Inc()
}

// RecordTransition counts an applied lifecycle transition.
func (m *Metrics) RecordTransition(from, to, actor string) {
	if m == nil {
		return
	}
	m.transitionTotal.WithLabelValues(from, to, actor).Inc()
}

// RecordSyncCycle counts a poller cycle by outcome (ok, failed, skipped_overlap, ...).
func (m *Metrics) RecordSyncCycle(outcome string) {
	if m == nil {
		return
	}
	m.syncCycleTotal.WithLabelValues(outcome).Inc()
}

// RecordSyncLinked counts newly linked pull requests.
func (m *Metrics) RecordSyncLinked(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.syncLinkedTotal.Add(float64(n))
}

// RecordSyncMerged counts change requests completed by a merge.
func (m *Metrics) RecordSyncMerged(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.syncMergedTotal.Add(float64(n))
}
