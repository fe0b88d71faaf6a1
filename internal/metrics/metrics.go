// Package metrics exposes Prometheus instrumentation for the extraction
// pipeline. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "insights"

// Outcome labels for model calls.
const (
	OutcomeSuccess     = "success"
	OutcomeTransient   = "transient"
	OutcomePermanent   = "permanent"
	OutcomeBreakerOpen = "breaker_open"
	OutcomeCanceled    = "canceled"
)

// Metrics holds every collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	modelCalls        *prometheus.CounterVec
	modelCallDuration *prometheus.HistogramVec
	modelTokens       *prometheus.CounterVec
	failovers         prometheus.Counter
	unavailable       prometheus.Counter
	breakerState      *prometheus.GaugeVec
	inFlight          prometheus.Gauge

	cacheLookups *prometheus.CounterVec

	documents        *prometheus.CounterVec
	documentDuration *prometheus.HistogramVec
	categoryErrors   *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
}

// New creates the collectors and registers them with a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		modelCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "model",
				Name:      "calls_total",
				Help:      "Model call attempts by endpoint and outcome.",
			},
			[]string{"endpoint", "outcome"},
		),
		modelCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "model",
				Name:      "call_duration_seconds",
				Help:      "Duration of a single model call attempt.",
				Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 60, 120},
			},
			[]string{"endpoint"},
		),
		modelTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "model",
				Name:      "tokens_total",
				Help:      "Tokens consumed by endpoint and direction.",
			},
			[]string{"endpoint", "direction"},
		),
		failovers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "failovers_total",
			Help:      "Times the invoker moved on to the next endpoint.",
		}),
		unavailable: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "unavailable_total",
			Help:      "Requests that exhausted every endpoint.",
		}),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "model",
				Name:      "breaker_state",
				Help:      "Circuit breaker state per endpoint (0 closed, 1 half-open, 2 open).",
			},
			[]string{"endpoint"},
		),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "in_flight",
			Help:      "Model calls currently holding a gate slot.",
		}),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "lookups_total",
				Help:      "Response cache lookups by result.",
			},
			[]string{"result"},
		),
		documents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "extract",
				Name:      "documents_total",
				Help:      "Documents analyzed by status.",
			},
			[]string{"status"},
		),
		documentDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "extract",
				Name:      "document_duration_seconds",
				Help:      "End-to-end document analysis duration.",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"status"},
		),
		categoryErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "extract",
				Name:      "category_errors_total",
				Help:      "Categories that finished with an error, by category name.",
			},
			[]string{"category"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP API requests by route and status.",
			},
			[]string{"method", "route", "status"},
		),
	}

	registry.MustRegister(
		m.modelCalls, m.modelCallDuration, m.modelTokens, m.failovers, m.unavailable,
		m.breakerState, m.inFlight, m.cacheLookups, m.documents, m.documentDuration,
		m.categoryErrors, m.httpRequests,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveModelCall records one attempt against an endpoint.
func (m *Metrics) ObserveModelCall(endpoint, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.modelCalls.WithLabelValues(endpoint, outcome).Inc()
	if outcome != OutcomeBreakerOpen {
		m.modelCallDuration.WithLabelValues(endpoint).Observe(d.Seconds())
	}
}

// AddTokens records token usage for an endpoint.
func (m *Metrics) AddTokens(endpoint string, input, output int64) {
	if m == nil {
		return
	}
	m.modelTokens.WithLabelValues(endpoint, "input").Add(float64(input))
	m.modelTokens.WithLabelValues(endpoint, "output").Add(float64(output))
}

// Failover counts a move to the next endpoint.
func (m *Metrics) Failover() {
	if m == nil {
		return
	}
	m.failovers.Inc()
}

// Unavailable counts a request that exhausted every endpoint.
func (m *Metrics) Unavailable() {
	if m == nil {
		return
	}
	m.unavailable.Inc()
}

// SetBreakerState publishes a breaker transition (0 closed, 1 half-open, 2 open).
func (m *Metrics) SetBreakerState(endpoint string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(endpoint).Set(float64(state))
}

// CallStarted and CallFinished track gate occupancy.
func (m *Metrics) CallStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

func (m *Metrics) CallFinished() {
	if m == nil {
		return
	}
	m.inFlight.Dec()
}

// CacheHit and CacheMiss count response cache lookups.
func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues("hit").Inc()
}

func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues("miss").Inc()
}

// FinishDocument records one analyzed document.
func (m *Metrics) FinishDocument(d time.Duration, failed bool) {
	if m == nil {
		return
	}
	status := "success"
	if failed {
		status = "error"
	}
	m.documents.WithLabelValues(status).Inc()
	m.documentDuration.WithLabelValues(status).Observe(d.Seconds())
}

// CategoryError counts a category that finished with an error.
func (m *Metrics) CategoryError(category string) {
	if m == nil {
		return
	}
	m.categoryErrors.WithLabelValues(category).Inc()
}

// ObserveHTTP counts one API request.
func (m *Metrics) ObserveHTTP(method, route string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, httpStatus(status)).Inc()
}

func httpStatus(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
