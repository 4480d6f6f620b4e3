package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "formkey"

// Validation outcomes used as the "result" label.
const (
	resultSuccess            = "success"
	resultInvalidToken       = "invalid_token"
	resultTooSoon            = "too_soon"
	resultSessionUnavailable = "session_unavailable"
	resultInvalidConfig      = "invalid_config"
	resultError              = "error"
)

// promMetrics holds the Prometheus collectors. A nil *promMetrics is valid
// and records nothing.
type promMetrics struct {
	issued          prometheus.Counter
	keysServed      prometheus.Counter
	keysRefused     prometheus.Counter
	validations     *prometheus.CounterVec
	sessionsStarted prometheus.Counter
	sessionsFailed  prometheus.Counter
	requestDuration *prometheus.HistogramVec
}

func newPromMetrics(reg prometheus.Registerer) *promMetrics {
	f := promauto.With(reg)
	return &promMetrics{
		issued: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "challenges_issued_total",
			Help:      "Challenges issued or reused on page render.",
		}),
		keysServed: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "keys_served_total",
			Help:      "Keys returned by the key endpoint.",
		}),
		keysRefused: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "keys_refused_total",
			Help:      "Key requests refused because no challenge was live.",
		}),
		validations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "validations_total",
			Help:      "Form validations by result.",
		}, []string{"result"}),
		sessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_started_total",
			Help:      "Sessions started for first-time clients.",
		}),
		sessionsFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_unavailable_total",
			Help:      "Requests that failed because no session could be started.",
		}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "http_request_duration_seconds",
			Help:      "Latency of challenge API requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

func (m *promMetrics) challengeIssued() {
	if m != nil {
		m.issued.Inc()
	}
}

func (m *promMetrics) keyServed() {
	if m != nil {
		m.keysServed.Inc()
	}
}

func (m *promMetrics) keyRefused() {
	if m != nil {
		m.keysRefused.Inc()
	}
}

func (m *promMetrics) validation(result string) {
	if m != nil {
		m.validations.WithLabelValues(result).Inc()
	}
}

func (m *promMetrics) sessionStarted() {
	if m != nil {
		m.sessionsStarted.Inc()
	}
}

func (m *promMetrics) sessionUnavailable() {
	if m != nil {
		m.sessionsFailed.Inc()
	}
}

// instrument records request latency labelled by the matched route pattern.
func (a *API) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		a.metrics.requestDuration.
			WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).
			Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// MetricsHandler serves the collectors registered in g.
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
