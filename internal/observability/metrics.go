package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets     = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	outboundDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	bodySizeBuckets         = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the portal backend.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Signing session metrics
	SigningSessionsTotal  *prometheus.CounterVec
	EnvelopesCreatedTotal prometheus.Counter
	RecipientViewsTotal   *prometheus.CounterVec

	// Envelope lifecycle metrics
	WebhookEventsTotal       *prometheus.CounterVec
	StatusTransitionsTotal   *prometheus.CounterVec
	StageTransitionsTotal    prometheus.Counter
	RecordWriteFailuresTotal prometheus.Counter
	ArchiveOperationsTotal   *prometheus.CounterVec

	// Outbound service metrics
	OutboundRequestsTotal   *prometheus.CounterVec
	OutboundRequestDuration *prometheus.HistogramVec
	OutboundRetriesTotal    *prometheus.CounterVec
	CircuitBreakerState     *prometheus.GaugeVec
	TokenRefreshesTotal     *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sigil_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sigil_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sigil_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sigil_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Signing sessions
		SigningSessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sigil_signing_sessions_total",
			Help: "Total number of signing-session requests by outcome.",
		}, []string{"outcome"}),
		EnvelopesCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sigil_envelopes_created_total",
			Help: "Total number of envelopes created at the signing provider.",
		}),
		RecipientViewsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sigil_recipient_views_total",
			Help: "Total number of embedded signing URLs issued, by source.",
		}, []string{"source"}),

		// Envelope lifecycle
		WebhookEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sigil_webhook_events_total",
			Help: "Total number of inbound webhook events by result.",
		}, []string{"result"}),
		StatusTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sigil_status_transitions_total",
			Help: "Total number of applied envelope status transitions.",
		}, []string{"from", "to"}),
		StageTransitionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sigil_stage_transitions_total",
			Help: "Total number of deal pipeline-stage transitions performed.",
		}),
		RecordWriteFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sigil_record_write_failures_total",
			Help: "Total number of swallowed envelope-record write failures.",
		}),
		ArchiveOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sigil_archive_operations_total",
			Help: "Total number of completed-document archive attempts by outcome.",
		}, []string{"outcome"}),

		// Outbound services
		OutboundRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sigil_outbound_requests_total",
			Help: "Total number of outbound service requests.",
		}, []string{"service", "operation", "status"}),
		OutboundRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sigil_outbound_request_duration_seconds",
			Help:    "Outbound request duration in seconds.",
			Buckets: outboundDurationBuckets,
		}, []string{"service"}),
		OutboundRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sigil_outbound_retries_total",
			Help: "Total number of outbound request retries.",
		}, []string{"service"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sigil_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"service"}),
		TokenRefreshesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sigil_token_refreshes_total",
			Help: "Total number of provider token refreshes by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Signing sessions
		m.SigningSessionsTotal,
		m.EnvelopesCreatedTotal,
		m.RecipientViewsTotal,
		// Envelope lifecycle
		m.WebhookEventsTotal,
		m.StatusTransitionsTotal,
		m.StageTransitionsTotal,
		m.RecordWriteFailuresTotal,
		m.ArchiveOperationsTotal,
		// Outbound services
		m.OutboundRequestsTotal,
		m.OutboundRequestDuration,
		m.OutboundRetriesTotal,
		m.CircuitBreakerState,
		m.TokenRefreshesTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordSigningSession records a signing-session request outcome.
func (m *Metrics) RecordSigningSession(outcome string) {
	m.SigningSessionsTotal.WithLabelValues(outcome).Inc()
}

// RecordEnvelopeCreated records an envelope creation at the provider.
func (m *Metrics) RecordEnvelopeCreated() {
	m.EnvelopesCreatedTotal.Inc()
}

// RecordRecipientView records an issued embedded signing URL and where it
// came from: cache, record, or provider.
func (m *Metrics) RecordRecipientView(source string) {
	m.RecipientViewsTotal.WithLabelValues(source).Inc()
}

// RecordWebhookEvent records an inbound webhook result.
func (m *Metrics) RecordWebhookEvent(result string) {
	m.WebhookEventsTotal.WithLabelValues(result).Inc()
}

// RecordStatusTransition records an applied envelope status transition.
func (m *Metrics) RecordStatusTransition(from, to string) {
	m.StatusTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordStageTransition records a deal pipeline-stage transition.
func (m *Metrics) RecordStageTransition() {
	m.StageTransitionsTotal.Inc()
}

// RecordRecordWriteFailure records a swallowed envelope-record write failure.
func (m *Metrics) RecordRecordWriteFailure() {
	m.RecordWriteFailuresTotal.Inc()
}

// RecordArchiveOperation records a completed-document archive attempt.
func (m *Metrics) RecordArchiveOperation(outcome string) {
	m.ArchiveOperationsTotal.WithLabelValues(outcome).Inc()
}

// RecordOutboundRequest records an outbound service request.
func (m *Metrics) RecordOutboundRequest(service, operation string, status int, duration time.Duration) {
	m.OutboundRequestsTotal.WithLabelValues(service, operation, strconv.Itoa(status)).Inc()
	m.OutboundRequestDuration.WithLabelValues(service).Observe(duration.Seconds())
}

// RecordOutboundRetry records an outbound request retry.
func (m *Metrics) RecordOutboundRetry(service string) {
	m.OutboundRetriesTotal.WithLabelValues(service).Inc()
}

// SetCircuitBreakerState sets the circuit breaker state for a service.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetCircuitBreakerState(service string, state float64) {
	m.CircuitBreakerState.WithLabelValues(service).Set(state)
}

// RecordTokenRefresh records a provider token refresh outcome.
func (m *Metrics) RecordTokenRefresh(outcome string) {
	m.TokenRefreshesTotal.WithLabelValues(outcome).Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
