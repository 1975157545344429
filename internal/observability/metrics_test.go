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
		"signet_http_requests_total",
		"signet_http_request_duration_seconds",
		"signet_http_request_size_bytes",
		"signet_http_response_size_bytes",
		"signet_engine_operations_total",
		"signet_engine_operation_duration_seconds",
		"signet_request_transitions_total",
		"signet_recipient_transitions_total",
		"signet_field_submissions_total",
		"signet_validation_failures_total",
		"signet_verification_attempts_total",
		"signet_signatures_captured_total",
		"signet_audit_write_failures_total",
		"signet_audit_pending_entries",
		"signet_audit_dropped_total",
		"signet_notifications_total",
		"signet_notifier_circuit_state",
		"signet_scheduler_processed_total",
	}

	// Record a value for each metric so they appear in Gather.
	m.RecordHTTPRequest("GET", "/test", 200, time.Millisecond, 0, 100)
	m.RecordOperation("Send", "OK", time.Millisecond)
	m.RecordRequestTransition("sent")
	m.RecordRecipientTransition("signer", "viewed")
	m.RecordFieldSubmission("text", "accepted")
	m.RecordValidationFailure("LENGTH_VIOLATION")
	m.RecordVerificationAttempt("success")
	m.RecordSignatureCaptured("drawn")
	m.RecordAuditWriteFailure("request_sent")
	m.SetAuditPending(1)
	m.RecordAuditDropped()
	m.RecordNotification("sent", "delivered")
	m.SetNotifierCircuitState(0)
	m.RecordSchedulerProcessed("expire", 2)

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

func TestMetrics_nilSafe(t *testing.T) {
	var m *Metrics
	m.RecordHTTPRequest("GET", "/", 200, time.Millisecond, 0, 0)
	m.RecordOperation("Send", "OK", time.Millisecond)
	m.RecordRequestTransition("sent")
	m.RecordValidationFailure("PATTERN_MISMATCH")
	m.RecordAuditWriteFailure("request_sent")
	m.SetAuditPending(3)
	m.RecordNotification("sent", "failed")
	m.SetNotifierCircuitState(2)
	m.RecordSchedulerProcessed("expire", 1)
}

func TestRecordHTTPRequest(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordHTTPRequest("GET", "/v1/requests/{requestId}", 200, 50*time.Millisecond, 0, 1024)
	m.RecordHTTPRequest("GET", "/v1/requests/{requestId}", 200, 100*time.Millisecond, 0, 2048)
	m.RecordHTTPRequest("POST", "/v1/requests/{requestId}/send", 500, 200*time.Millisecond, 512, 256)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/requests/{requestId}", "200"))
	if val != 2 {
		t.Errorf("GET requests = %v, want 2", val)
	}
	val = testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/v1/requests/{requestId}/send", "500"))
	if val != 1 {
		t.Errorf("POST requests = %v, want 1", val)
	}
}

func TestRecordOperation(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordOperation("StartSigning", "OK", 5*time.Millisecond)
	m.RecordOperation("StartSigning", "OUT_OF_ORDER", time.Millisecond)

	if v := testutil.ToFloat64(m.OperationsTotal.WithLabelValues("StartSigning", "OK")); v != 1 {
		t.Errorf("ok count = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.OperationsTotal.WithLabelValues("StartSigning", "OUT_OF_ORDER")); v != 1 {
		t.Errorf("out of order count = %v, want 1", v)
	}
	if testutil.CollectAndCount(m.OperationDuration) == 0 {
		t.Error("expected operation duration histogram to have observations")
	}
}

func TestRecordValidationFailure(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordValidationFailure("REQUIRED_FIELD_MISSING")
	m.RecordValidationFailure("REQUIRED_FIELD_MISSING")

	val := testutil.ToFloat64(m.ValidationFailuresTotal.WithLabelValues("REQUIRED_FIELD_MISSING"))
	if val != 2 {
		t.Errorf("validation failures = %v, want 2", val)
	}
}

func TestAuditGauges(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.SetAuditPending(4)
	if v := testutil.ToFloat64(m.AuditPendingEntries); v != 4 {
		t.Errorf("pending = %v, want 4", v)
	}
	m.SetAuditPending(0)
	if v := testutil.ToFloat64(m.AuditPendingEntries); v != 0 {
		t.Errorf("pending = %v, want 0", v)
	}

	m.RecordAuditDropped()
	if v := testutil.ToFloat64(m.AuditDroppedTotal); v != 1 {
		t.Errorf("dropped = %v, want 1", v)
	}
}

func TestSetNotifierCircuitState(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.SetNotifierCircuitState(2)
	if v := testutil.ToFloat64(m.NotifierCircuitState); v != 2 {
		t.Errorf("circuit state = %v, want 2 (open)", v)
	}
}

func TestRecordSchedulerProcessed_ignoresZero(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordSchedulerProcessed("reminders", 0)
	m.RecordSchedulerProcessed("reminders", 3)
	if v := testutil.ToFloat64(m.SchedulerProcessedTotal.WithLabelValues("reminders")); v != 3 {
		t.Errorf("processed = %v, want 3", v)
	}
}

func TestMetricsMiddleware_recordsRoutePattern(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/v1/sign/{token}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/sign/secret-token", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/sign/{token}", "200"))
	if val != 1 {
		t.Errorf("requests total = %v, want 1", val)
	}
	if testutil.CollectAndCount(m.HTTPResponseSizeBytes) == 0 {
		t.Error("expected response size histogram to have observations")
	}
}

func TestMetricsMiddleware_capturesStatusCode(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Post("/v1/requests/{requestId}/send", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/requests/req-1/send", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/v1/requests/{requestId}/send", "409"))
	if val != 1 {
		t.Errorf("409 requests = %v, want 1", val)
	}
}

func TestMetricsMiddleware_unmatchedPath(t *testing.T) {
	m, _ := newTestMetrics(t)

	handler := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/sign/leaky-token", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "200"))
	if val != 1 {
		t.Errorf("unmatched requests = %v, want 1", val)
	}
}

func TestHandlerFor_servesRegistry(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.RecordRequestTransition("completed")

	rec := httptest.NewRecorder()
	HandlerFor(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "signet_request_transitions_total") {
		t.Error("metrics response should contain signet_request_transitions_total")
	}
}

func TestHistogramBuckets(t *testing.T) {
	for name, buckets := range map[string][]float64{
		"http":      httpDurationBuckets,
		"operation": operationDurationBuckets,
		"body":      bodySizeBuckets,
	} {
		for i := 1; i < len(buckets); i++ {
			if buckets[i] <= buckets[i-1] {
				t.Errorf("%s buckets not sorted at index %d", name, i)
			}
		}
	}
}
