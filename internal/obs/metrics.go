package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP-level metrics shared by all handlers.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Security-core metrics. Labels stay low-cardinality: outcomes and
// component names only, never identifiers.
var (
	loginAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_login_attempts_total",
			Help: "Login attempts by outcome.",
		},
		[]string{"outcome"},
	)

	accountLockouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_account_lockouts_total",
		Help: "Accounts locked after repeated failures.",
	})

	rateLimitDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_denials_total",
			Help: "Requests denied by the rate limiter.",
		},
		[]string{"guard"},
	)

	rateLimitDegraded = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ratelimit_degraded_mode",
		Help: "1 when the limiter runs on the in-memory fallback.",
	})

	csrfFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "csrf_validation_failures_total",
		Help: "CSRF token validation failures.",
	})

	auditFlushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_flushes_total",
			Help: "Audit sink flushes by kind (batch, immediate).",
		},
		[]string{"kind"},
	)

	auditDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_events_dropped_total",
		Help: "Audit events lost after a failed retry.",
	})

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the service passes its readiness probe.",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		loginAttempts, accountLockouts,
		rateLimitDenials, rateLimitDegraded,
		csrfFailures,
		auditFlushes, auditDropped,
		ready,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records the readiness probe result.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
	} else {
		ready.Set(0)
	}
}

// ObserveLogin counts a login attempt outcome (success, failure, locked, ...).
func ObserveLogin(outcome string) { loginAttempts.WithLabelValues(outcome).Inc() }

// ObserveLockout counts an account lockout.
func ObserveLockout() { accountLockouts.Inc() }

// ObserveRateLimitDenial counts a denial by the named guard.
func ObserveRateLimitDenial(guard string) { rateLimitDenials.WithLabelValues(guard).Inc() }

// SetRateLimitDegraded flags in-memory fallback mode.
func SetRateLimitDegraded(on bool) {
	if on {
		rateLimitDegraded.Set(1)
	} else {
		rateLimitDegraded.Set(0)
	}
}

// ObserveCSRFFailure counts a CSRF validation failure.
func ObserveCSRFFailure() { csrfFailures.Inc() }

// ObserveAuditFlush counts an audit sink flush of the given kind.
func ObserveAuditFlush(kind string) { auditFlushes.WithLabelValues(kind).Inc() }

// ObserveAuditDrop counts events lost after retry exhaustion.
func ObserveAuditDrop(n int) { auditDropped.Add(float64(n)) }

// Instrument wraps a handler with RPS/latency/in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code for metrics.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
