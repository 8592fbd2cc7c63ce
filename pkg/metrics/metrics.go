// Package metrics holds the Prometheus collectors of the service. Every
// recording method is safe on a nil *Metrics so callers never need to guard.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the HTTP, gRPC and domain collectors on one registry.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	grpcRequests *prometheus.CounterVec

	approvalTransitions *prometheus.CounterVec
	requestsCreated     *prometheus.CounterVec
	generationRuns      *prometheus.CounterVec
	generationItems     *prometheus.CounterVec
	generationDuration  prometheus.Histogram
	notificationErrors  prometheus.Counter
}

// New registers every collector on a fresh registry under namespace.
func New(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		grpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_requests_total",
			Help:      "Total number of gRPC requests",
		}, []string{"method", "code"}),
		approvalTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_transitions_total",
			Help:      "Approval state transitions by outcome",
		}, []string{"outcome"}),
		requestsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_requests_created_total",
			Help:      "Approval requests created by request type",
		}, []string{"request_type"}),
		generationRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_runs_total",
			Help:      "Recurring generation runs by result",
		}, []string{"result"}),
		generationItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_items_total",
			Help:      "Templates processed by generation runs",
		}, []string{"template_type", "outcome"}),
		generationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_run_duration_seconds",
			Help:      "Duration of recurring generation runs",
			Buckets:   prometheus.DefBuckets,
		}),
		notificationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_failures_total",
			Help:      "Best-effort notifications that failed to publish",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.httpDuration,
		m.grpcRequests,
		m.approvalTransitions,
		m.requestsCreated,
		m.generationRuns,
		m.generationItems,
		m.generationDuration,
		m.notificationErrors,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (m *Metrics) ObserveGRPC(method, code string) {
	if m == nil {
		return
	}
	m.grpcRequests.WithLabelValues(method, code).Inc()
}

// ApprovalTransition counts one of: created, advanced, approved, rejected, cancelled.
func (m *Metrics) ApprovalTransition(outcome string) {
	if m == nil {
		return
	}
	m.approvalTransitions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RequestCreated(requestType string) {
	if m == nil {
		return
	}
	m.requestsCreated.WithLabelValues(requestType).Inc()
}

// GenerationRun records a finished run. result is ok, locked or failed.
func (m *Metrics) GenerationRun(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.generationRuns.WithLabelValues(result).Inc()
	m.generationDuration.Observe(d.Seconds())
}

// GenerationItem counts one template outcome: generated, skipped or failed.
func (m *Metrics) GenerationItem(templateType, outcome string) {
	if m == nil {
		return
	}
	m.generationItems.WithLabelValues(templateType, outcome).Inc()
}

func (m *Metrics) NotificationFailed() {
	if m == nil {
		return
	}
	m.notificationErrors.Inc()
}
