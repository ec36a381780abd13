package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics mengumpulkan metrik Prometheus untuk aplikasi.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	decisions       *prometheus.CounterVec
	resolveDuration prometheus.Histogram
	cacheLookups    *prometheus.CounterVec
	invalidations   *prometheus.CounterVec
	inconsistencies prometheus.Counter
	escalations     *prometheus.CounterVec
}

// NewMetrics menginisialisasi registry dan metrik dasar.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "access_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "access_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "access_decisions_total",
		Help: "Authorization decisions by outcome.",
	}, []string{"outcome"})
	resolve := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "access_resolve_duration_seconds",
		Help:    "Time spent recomputing an effective permission set.",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	})
	lookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "access_decision_cache_lookups_total",
		Help: "Decision cache lookups by result.",
	}, []string{"result"})
	invalidations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "access_decision_cache_invalidations_total",
		Help: "Decision cache invalidations by scope and status.",
	}, []string{"scope", "status"})
	inconsistencies := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "access_policy_inconsistencies_total",
		Help: "Dangling role or permission references skipped during resolution.",
	})
	escalations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "access_escalation_actions_total",
		Help: "Conditional rule actions applied to approval workflows.",
	}, []string{"action"})
	registry.MustRegister(requests, duration, decisions, resolve, lookups, invalidations, inconsistencies, escalations)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		decisions:       decisions,
		resolveDuration: resolve,
		cacheLookups:    lookups,
		invalidations:   invalidations,
		inconsistencies: inconsistencies,
		escalations:     escalations,
	}
}

// Handler mengembalikan http.Handler untuk endpoint /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware mencatat metrik untuk setiap permintaan HTTP.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer mengekspos registry untuk pendaftaran metrik khusus.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// Decision counts an allow, deny or error outcome.
func (m *Metrics) Decision(outcome string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(outcome).Inc()
}

// ObserveResolve records the duration of a recomputation.
func (m *Metrics) ObserveResolve(d time.Duration) {
	if m == nil {
		return
	}
	m.resolveDuration.Observe(d.Seconds())
}

// CacheLookup counts a decision cache hit, miss or error.
func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// Invalidation counts a per-user or global invalidation.
func (m *Metrics) Invalidation(scope string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "failed"
	}
	m.invalidations.WithLabelValues(scope, status).Inc()
}

// Inconsistency counts a dangling policy reference.
func (m *Metrics) Inconsistency() {
	if m == nil {
		return
	}
	m.inconsistencies.Inc()
}

// EscalationAction counts an applied rule action.
func (m *Metrics) EscalationAction(action string) {
	if m == nil {
		return
	}
	m.escalations.WithLabelValues(action).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
