package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "callbridge"

// HTTP metrics (counter/histogram — incremented by middleware).
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total HTTP requests processed.",
	}, []string{"method", "path_pattern", "status_code"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path_pattern"})
)

// Webhook counters (incremented by the api handlers).
var (
	WebhookEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_events_total",
		Help:      "Webhook events received per source handler.",
	}, []string{"handler"})

	WebhookSignatureFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_signature_failures_total",
		Help:      "Realtime webhook events rejected for bad signatures.",
	})

	CrossEnvironmentEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cross_environment_events_total",
		Help:      "Realtime webhooks whose X-Environment tag did not match this server.",
	})
)

// Orchestration counters (incremented by the realtime client, barrier,
// registry, session store, engine and lifecycle packages).
var (
	AcceptAttemptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "accept_attempts_total",
		Help:      "Realtime accept POST attempts, including retries.",
	})

	AcceptRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "accept_retries_total",
		Help:      "Realtime accept retries (attempts beyond the first).",
	})

	AcceptFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "accept_failures_total",
		Help:      "Calls whose accept handshake exhausted all retries.",
	})

	AcceptLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "accept_latency_seconds",
		Help:      "Latency from realtime webhook arrival to accept success.",
		Buckets:   []float64{.1, .25, .5, 1, 2, 3, 5, 8, 12},
	})

	BarrierTimeoutsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "barrier_timeouts_total",
		Help:      "Barrier waits resolved by fallback timeout instead of signal.",
	}, []string{"barrier"})

	BarrierEarlySignalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "barrier_early_signals_total",
		Help:      "Barrier resolutions that arrived before the barrier existed (dropped).",
	}, []string{"barrier"})

	IdentifierCollisionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "identifier_collisions_total",
		Help:      "Attempts to bind an identifier already owned by a different session.",
	})

	CallsEndedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "calls_ended_total",
		Help:      "Calls ended, by terminal outcome.",
	}, []string{"outcome"})

	DBWriteFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "db_write_failures_total",
		Help:      "Durable session-store writes and deletes that failed.",
	})

	OrphanedSIPCallsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orphaned_sip_calls_total",
		Help:      "SIP attachments terminated by the watchdog max-duration timer.",
	})

	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Sessions currently in a non-terminal state.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		WebhookEventsTotal,
		WebhookSignatureFailures,
		CrossEnvironmentEvents,
		AcceptAttemptsTotal,
		AcceptRetriesTotal,
		AcceptFailuresTotal,
		AcceptLatency,
		BarrierTimeoutsTotal,
		BarrierEarlySignalsTotal,
		IdentifierCollisionsTotal,
		CallsEndedTotal,
		DBWriteFailuresTotal,
		OrphanedSIPCallsTotal,
		ActiveSessions,
	)
}

// InstrumentHandler returns middleware that records HTTP request metrics.
// It uses chi's route pattern as the path label to avoid cardinality explosion.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(sw, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unknown"
		}
		method := r.Method
		status := strconv.Itoa(sw.status)

		HTTPRequestsTotal.WithLabelValues(method, pattern, status).Inc()
		HTTPRequestDuration.WithLabelValues(method, pattern).Observe(time.Since(start).Seconds())
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap supports http.ResponseController and middleware that check for
// wrapped writers.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
