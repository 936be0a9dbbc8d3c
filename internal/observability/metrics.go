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
	decisionLatency *prometheus.HistogramVec
	indeterminate   *prometheus.CounterVec
}

// NewMetrics menginisialisasi registry, metrik HTTP dan metrik keputusan otorisasi.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "familyhub_http_requests_total",
		Help: "Jumlah permintaan HTTP berdasarkan route dan status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "familyhub_http_request_duration_seconds",
		Help:    "Durasi permintaan HTTP per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "familyhub_authz_decisions_total",
		Help: "Authorization decisions by source, outcome and cache hit.",
	}, []string{"source", "allowed", "cached"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "familyhub_authz_decision_duration_seconds",
		Help:    "Time to answer an authorization request.",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 2},
	}, []string{"cached"})
	indeterminate := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "familyhub_authz_indeterminate_total",
		Help: "Authorization requests that could not be evaluated, by failing operation.",
	}, []string{"op"})
	registry.MustRegister(requests, duration, decisions, latency, indeterminate)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		decisions:       decisions,
		decisionLatency: latency,
		indeterminate:   indeterminate,
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

// ObserveDecision records one answered authorization request.
func (m *Metrics) ObserveDecision(source string, allowed, cached bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(source, strconv.FormatBool(allowed), strconv.FormatBool(cached)).Inc()
	m.decisionLatency.WithLabelValues(strconv.FormatBool(cached)).Observe(elapsed.Seconds())
}

// ObserveIndeterminate records a request that failed to evaluate.
func (m *Metrics) ObserveIndeterminate(op string) {
	if m == nil {
		return
	}
	m.indeterminate.WithLabelValues(op).Inc()
}

// Registerer mengekspos registry untuk pendaftaran metrik khusus.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
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
