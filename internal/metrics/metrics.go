package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the client. All record methods
// are safe on a nil receiver so components can run without metrics.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	VerificationsTotal   *prometheus.CounterVec
	VerificationDuration prometheus.Histogram

	PollFetchesTotal *prometheus.CounterVec
	PollWaitDuration *prometheus.HistogramVec

	FlowOutcomesTotal *prometheus.CounterVec
	GateDecisions     *prometheus.CounterVec

	AuthStateTransitions *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors on registry
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contentdesk_http_requests_total",
				Help: "Total number of HTTP requests served by the local listener",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "contentdesk_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		VerificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contentdesk_identity_verifications_total",
				Help: "Credential verifications against the identity backend by outcome",
			},
			[]string{"outcome"},
		),
		VerificationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "contentdesk_identity_verification_duration_seconds",
				Help:    "Latency of credential verification",
				Buckets: prometheus.DefBuckets,
			},
		),
		PollFetchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contentdesk_subscription_fetches_total",
				Help: "Subscription status fetches by result",
			},
			[]string{"result"},
		),
		PollWaitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "contentdesk_subscription_wait_duration_seconds",
				Help:    "Time spent waiting for a terminal subscription status",
				Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16},
			},
			[]string{"status"},
		),
		FlowOutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contentdesk_flow_outcomes_total",
				Help: "Redirect flow outcomes",
			},
			[]string{"flow", "state", "reason"},
		),
		GateDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contentdesk_gate_decisions_total",
				Help: "Access gate decisions for protected routes",
			},
			[]string{"decision", "redirect"},
		),
		AuthStateTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contentdesk_authstate_transitions_total",
				Help: "Auth state transitions by target state",
			},
			[]string{"to"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.VerificationsTotal,
		m.VerificationDuration,
		m.PollFetchesTotal,
		m.PollWaitDuration,
		m.FlowOutcomesTotal,
		m.GateDecisions,
		m.AuthStateTransitions,
	)

	return m
}

func (m *Metrics) ObserveVerification(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.VerificationsTotal.WithLabelValues(outcome).Inc()
	m.VerificationDuration.Observe(d.Seconds())
}

func (m *Metrics) ObservePollFetch(result string) {
	if m == nil {
		return
	}
	m.PollFetchesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObservePollWait(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.PollWaitDuration.WithLabelValues(status).Observe(d.Seconds())
}

func (m *Metrics) ObserveFlow(flow, state, reason string) {
	if m == nil {
		return
	}
	m.FlowOutcomesTotal.WithLabelValues(flow, state, reason).Inc()
}

func (m *Metrics) ObserveGate(admitted bool, redirect string) {
	if m == nil {
		return
	}
	decision := "deny"
	if admitted {
		decision = "admit"
	}
	m.GateDecisions.WithLabelValues(decision, redirect).Inc()
}

func (m *Metrics) ObserveTransition(to string) {
	if m == nil {
		return
	}
	m.AuthStateTransitions.WithLabelValues(to).Inc()
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// UnmatchedRoute labels requests no route pattern matched
const UnmatchedRoute = "unmatched"

// HTTPMiddleware records request counts and latency, labeled by the route
// pattern the mux matched. It must wrap the mux directly so the pattern set
// on the request is visible after the call.
func HTTPMiddleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			route := r.Pattern
			if route == "" {
				route = UnmatchedRoute
			}
			m.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// Handler serves the registry in the Prometheus exposition format
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
