package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := InitMetrics(reg)
	return m, reg
}

func TestInitMetrics_registersAllMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)
	if m == nil {
		t.Fatal("InitMetrics returned nil")
	}

	expected := []string{
		"sigil_http_requests_total",
		"sigil_http_request_duration_seconds",
		"sigil_http_request_size_bytes",
		"sigil_http_response_size_bytes",
		"sigil_signing_sessions_total",
		"sigil_envelopes_created_total",
		"sigil_recipient_views_total",
		"sigil_webhook_events_total",
		"sigil_status_transitions_total",
		"sigil_stage_transitions_total",
		"sigil_record_write_failures_total",
		"sigil_archive_operations_total",
		"sigil_outbound_requests_total",
		"sigil_outbound_request_duration_seconds",
		"sigil_outbound_retries_total",
		"sigil_circuit_breaker_state",
		"sigil_token_refreshes_total",
	}

	// Record a value for each metric so they appear in Gather.
	m.RecordHTTPRequest("GET", "/test", 200, time.Millisecond, 0, 100)
	m.RecordSigningSession("created")
	m.RecordEnvelopeCreated()
	m.RecordRecipientView("cache")
	m.RecordWebhookEvent("applied")
	m.RecordStatusTransition("sent", "delivered")
	m.RecordStageTransition()
	m.RecordRecordWriteFailure()
	m.RecordArchiveOperation("success")
	m.RecordOutboundRequest("esign", "createEnvelope", 201, time.Millisecond)
	m.RecordOutboundRetry("esign")
	m.SetCircuitBreakerState("esign", 0)
	m.RecordTokenRefresh("success")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordHTTPRequest("GET", "/api/deals/{dealID}/envelope", 200, 50*time.Millisecond, 0, 1024)
	m.RecordHTTPRequest("GET", "/api/deals/{dealID}/envelope", 200, 100*time.Millisecond, 0, 2048)
	m.RecordHTTPRequest("POST", "/api/deals/{dealID}/signing-session", 500, 200*time.Millisecond, 512, 256)

	// Verify counter values.
	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/deals/{dealID}/envelope", "200"))
	if val != 2 {
		t.Errorf("GET requests = %v, want 2", val)
	}
	val = testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/api/deals/{dealID}/signing-session", "500"))
	if val != 1 {
		t.Errorf("POST requests = %v, want 1", val)
	}
}

func TestRecordSigningSession(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordSigningSession("created")
	m.RecordSigningSession("resumed")
	m.RecordSigningSession("resumed")

	created := testutil.ToFloat64(m.SigningSessionsTotal.WithLabelValues("created"))
	if created != 1 {
		t.Errorf("created count = %v, want 1", created)
	}
	resumed := testutil.ToFloat64(m.SigningSessionsTotal.WithLabelValues("resumed"))
	if resumed != 2 {
		t.Errorf("resumed count = %v, want 2", resumed)
	}
}

func TestRecordRecipientView_bySource(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordRecipientView("cache")
	m.RecordRecipientView("cache")
	m.RecordRecipientView("record")
	m.RecordRecipientView("provider")

	cache := testutil.ToFloat64(m.RecipientViewsTotal.WithLabelValues("cache"))
	if cache != 2 {
		t.Errorf("cache views = %v, want 2", cache)
	}
	record := testutil.ToFloat64(m.RecipientViewsTotal.WithLabelValues("record"))
	if record != 1 {
		t.Errorf("record views = %v, want 1", record)
	}
	provider := testutil.ToFloat64(m.RecipientViewsTotal.WithLabelValues("provider"))
	if provider != 1 {
		t.Errorf("provider views = %v, want 1", provider)
	}
}

func TestRecordWebhookEvent(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordWebhookEvent("applied")
	m.RecordWebhookEvent("ignored")
	m.RecordWebhookEvent("rejected")
	m.RecordWebhookEvent("rejected")

	applied := testutil.ToFloat64(m.WebhookEventsTotal.WithLabelValues("applied"))
	if applied != 1 {
		t.Errorf("applied count = %v, want 1", applied)
	}
	rejected := testutil.ToFloat64(m.WebhookEventsTotal.WithLabelValues("rejected"))
	if rejected != 2 {
		t.Errorf("rejected count = %v, want 2", rejected)
	}
}

func TestRecordStatusTransition(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordStatusTransition("sent", "delivered")
	m.RecordStatusTransition("delivered", "completed")

	val := testutil.ToFloat64(m.StatusTransitionsTotal.WithLabelValues("sent", "delivered"))
	if val != 1 {
		t.Errorf("sent->delivered = %v, want 1", val)
	}
	val = testutil.ToFloat64(m.StatusTransitionsTotal.WithLabelValues("delivered", "completed"))
	if val != 1 {
		t.Errorf("delivered->completed = %v, want 1", val)
	}
}

func TestRecordStageTransitionAndWriteFailures(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordStageTransition()
	m.RecordRecordWriteFailure()
	m.RecordRecordWriteFailure()

	stages := testutil.ToFloat64(m.StageTransitionsTotal)
	if stages != 1 {
		t.Errorf("stage transitions = %v, want 1", stages)
	}
	failures := testutil.ToFloat64(m.RecordWriteFailuresTotal)
	if failures != 2 {
		t.Errorf("record write failures = %v, want 2", failures)
	}
}

func TestRecordArchiveOperation(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordArchiveOperation("success")
	m.RecordArchiveOperation("failure")

	success := testutil.ToFloat64(m.ArchiveOperationsTotal.WithLabelValues("success"))
	if success != 1 {
		t.Errorf("archive success = %v, want 1", success)
	}
	failure := testutil.ToFloat64(m.ArchiveOperationsTotal.WithLabelValues("failure"))
	if failure != 1 {
		t.Errorf("archive failure = %v, want 1", failure)
	}
}

func TestRecordOutboundRequest(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordOutboundRequest("esign", "createEnvelope", 201, 100*time.Millisecond)

	val := testutil.ToFloat64(m.OutboundRequestsTotal.WithLabelValues("esign", "createEnvelope", "201"))
	if val != 1 {
		t.Errorf("outbound requests = %v, want 1", val)
	}
}

func TestSetCircuitBreakerState(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.SetCircuitBreakerState("crm", 0)
	val := testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("crm"))
	if val != 0 {
		t.Errorf("circuit breaker state = %v, want 0 (closed)", val)
	}

	m.SetCircuitBreakerState("crm", 2)
	val = testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("crm"))
	if val != 2 {
		t.Errorf("circuit breaker state = %v, want 2 (open)", val)
	}
}

func TestRecordOutboundRetry(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordOutboundRetry("esign")
	m.RecordOutboundRetry("esign")
	val := testutil.ToFloat64(m.OutboundRetriesTotal.WithLabelValues("esign"))
	if val != 2 {
		t.Errorf("retries = %v, want 2", val)
	}
}

func TestRecordTokenRefresh(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordTokenRefresh("success")
	m.RecordTokenRefresh("failure")

	success := testutil.ToFloat64(m.TokenRefreshesTotal.WithLabelValues("success"))
	if success != 1 {
		t.Errorf("refresh success = %v, want 1", success)
	}
	failure := testutil.ToFloat64(m.TokenRefreshesTotal.WithLabelValues("failure"))
	if failure != 1 {
		t.Errorf("refresh failure = %v, want 1", failure)
	}
}

func TestMetricsMiddleware_recordsRequestMetrics(t *testing.T) {
	m, _ := newTestMetrics(t)

	// Build a chi router so route patterns are captured.
	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/api/deals/{dealID}/envelope", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodGet, "/api/deals/deal-42/envelope", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	// Verify metrics were recorded with the route pattern, not the actual path.
	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/deals/{dealID}/envelope", "200"))
	if val != 1 {
		t.Errorf("requests total = %v, want 1", val)
	}
}

func TestMetricsMiddleware_capturesResponseSize(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("healthy"))
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	// Response size should have been recorded.
	count := testutil.CollectAndCount(m.HTTPResponseSizeBytes)
	if count == 0 {
		t.Error("expected response size histogram to have observations")
	}
}

func TestMetricsMiddleware_capturesStatusCode(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Post("/api/deals/{dealID}/signing-session", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/deals/deal-42/signing-session", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/api/deals/{dealID}/signing-session", "400"))
	if val != 1 {
		t.Errorf("400 requests = %v, want 1", val)
	}
}

func TestMetricsMiddleware_fallsBackToPath(t *testing.T) {
	m, _ := newTestMetrics(t)

	// Use middleware directly without chi router.
	handler := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/raw/path", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	// Without chi, should fall back to raw path.
	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/raw/path", "200"))
	if val != 1 {
		t.Errorf("raw path requests = %v, want 1", val)
	}
}

func TestHandler_servesMetrics(t *testing.T) {
	handler := Handler()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	// Prometheus handler should return at least go runtime metrics.
	if !strings.Contains(body, "go_") {
		t.Error("metrics response should contain go runtime metrics")
	}
}

func TestHistogramBuckets(t *testing.T) {
	// Verify bucket configurations are correct.
	if len(httpDurationBuckets) != 11 {
		t.Errorf("httpDurationBuckets length = %d, want 11", len(httpDurationBuckets))
	}
	if len(outboundDurationBuckets) != 11 {
		t.Errorf("outboundDurationBuckets length = %d, want 11", len(outboundDurationBuckets))
	}
	if len(bodySizeBuckets) != 5 {
		t.Errorf("bodySizeBuckets length = %d, want 5", len(bodySizeBuckets))
	}

	// Verify buckets are sorted ascending.
	for i := 1; i < len(httpDurationBuckets); i++ {
		if httpDurationBuckets[i] <= httpDurationBuckets[i-1] {
			t.Errorf("httpDurationBuckets not sorted at index %d", i)
		}
	}
}
