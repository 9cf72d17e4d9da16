package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP-level metrics shared by every handler.
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

// Engine metrics. Labels stay low-cardinality: outcome/strategy/reason only.
var (
	loginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_logins_total",
			Help: "Login attempts by outcome.",
		},
		[]string{"outcome"},
	)

	lockoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_lockouts_total",
		Help: "Accounts locked after repeated failures.",
	})

	mfaVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_mfa_verifications_total",
			Help: "MFA verification attempts by outcome.",
		},
		[]string{"outcome"},
	)

	sessionEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_session_evictions_total",
			Help: "Sessions evicted by concurrency-limit strategy.",
		},
		[]string{"strategy"},
	)

	tokenRotationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "oauth_token_rotations_total",
		Help: "Successful refresh token rotations.",
	})

	tokenReuseDetectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "oauth_token_reuse_detected_total",
		Help: "Refresh token reuse incidents causing family revocation.",
	})

	companySwitchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_company_switches_total",
			Help: "Active-company switches by outcome.",
		},
		[]string{"outcome"},
	)
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		loginsTotal, lockoutsTotal, mfaVerificationsTotal,
		sessionEvictionsTotal, tokenRotationsTotal, tokenReuseDetectedTotal,
		companySwitchesTotal,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

func ObserveLogin(outcome string)       { loginsTotal.WithLabelValues(outcome).Inc() }
func ObserveLockout()                   { lockoutsTotal.Inc() }
func ObserveMFA(outcome string)         { mfaVerificationsTotal.WithLabelValues(outcome).Inc() }
func ObserveEviction(strategy string)   { sessionEvictionsTotal.WithLabelValues(strategy).Inc() }
func ObserveRotation()                  { tokenRotationsTotal.Inc() }
func ObserveReuseDetected()             { tokenReuseDetectedTotal.Inc() }
func ObserveSwitch(outcome string)      { companySwitchesTotal.WithLabelValues(outcome).Inc() }

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

// statusWriter captures the response code for instrumentation.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
