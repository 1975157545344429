package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets      = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	operationDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	bodySizeBuckets          = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for signet. Every recording
// helper is safe to call on a nil *Metrics.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Engine metrics
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec

	// Workflow metrics
	RequestTransitionsTotal   *prometheus.CounterVec
	RecipientTransitionsTotal *prometheus.CounterVec
	FieldSubmissionsTotal     *prometheus.CounterVec
	ValidationFailuresTotal   *prometheus.CounterVec
	VerificationAttemptsTotal *prometheus.CounterVec
	SignaturesCapturedTotal   *prometheus.CounterVec

	// Audit metrics
	AuditWriteFailuresTotal *prometheus.CounterVec
	AuditPendingEntries     prometheus.Gauge
	AuditDroppedTotal       prometheus.Counter

	// Notification metrics
	NotificationsTotal      *prometheus.CounterVec
	NotifierCircuitState    prometheus.Gauge
	SchedulerProcessedTotal *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signet_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "signet_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "signet_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "signet_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Engine
		OperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signet_engine_operations_total",
			Help: "Total number of signing engine operations by outcome code.",
		}, []string{"operation", "code"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "signet_engine_operation_duration_seconds",
			Help:    "Signing engine operation duration in seconds.",
			Buckets: operationDurationBuckets,
		}, []string{"operation"}),

		// Workflow
		RequestTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signet_request_transitions_total",
			Help: "Total number of signature request status transitions.",
		}, []string{"to"}),
		RecipientTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signet_recipient_transitions_total",
			Help: "Total number of recipient status transitions.",
		}, []string{"role", "to"}),
		FieldSubmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signet_field_submissions_total",
			Help: "Total number of field value submissions.",
		}, []string{"field_type", "outcome"}),
		ValidationFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signet_validation_failures_total",
			Help: "Total number of field validation failures by reason.",
		}, []string{"reason"}),
		VerificationAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signet_verification_attempts_total",
			Help: "Total number of recipient verification attempts.",
		}, []string{"outcome"}),
		SignaturesCapturedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signet_signatures_captured_total",
			Help: "Total number of captured signatures by type.",
		}, []string{"signature_type"}),

		// Audit
		AuditWriteFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signet_audit_write_failures_total",
			Help: "Total number of audit entries the sink failed to write.",
		}, []string{"action"}),
		AuditPendingEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signet_audit_pending_entries",
			Help: "Audit entries waiting to be retried.",
		}),
		AuditDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signet_audit_dropped_total",
			Help: "Audit entries dropped because the pending buffer was full.",
		}),

		// Notifications
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signet_notifications_total",
			Help: "Total number of notification dispatches.",
		}, []string{"event", "outcome"}),
		NotifierCircuitState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signet_notifier_circuit_state",
			Help: "Notifier circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
		SchedulerProcessedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signet_scheduler_processed_total",
			Help: "Requests processed by scheduler jobs.",
		}, []string{"job"}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Engine
		m.OperationsTotal,
		m.OperationDuration,
		// Workflow
		m.RequestTransitionsTotal,
		m.RecipientTransitionsTotal,
		m.FieldSubmissionsTotal,
		m.ValidationFailuresTotal,
		m.VerificationAttemptsTotal,
		m.SignaturesCapturedTotal,
		// Audit
		m.AuditWriteFailuresTotal,
		m.AuditPendingEntries,
		m.AuditDroppedTotal,
		// Notifications
		m.NotificationsTotal,
		m.NotifierCircuitState,
		m.SchedulerProcessedTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordOperation records an engine operation. code is "OK" on success and
// the error code otherwise.
func (m *Metrics) RecordOperation(operation, code string, duration time.Duration) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(operation, code).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordRequestTransition records a signature request entering a status.
func (m *Metrics) RecordRequestTransition(to string) {
	if m == nil {
		return
	}
	m.RequestTransitionsTotal.WithLabelValues(to).Inc()
}

// RecordRecipientTransition records a recipient entering a status.
func (m *Metrics) RecordRecipientTransition(role, to string) {
	if m == nil {
		return
	}
	m.RecipientTransitionsTotal.WithLabelValues(role, to).Inc()
}

// RecordFieldSubmission records a field value submission outcome.
func (m *Metrics) RecordFieldSubmission(fieldType, outcome string) {
	if m == nil {
		return
	}
	m.FieldSubmissionsTotal.WithLabelValues(fieldType, outcome).Inc()
}

// RecordValidationFailure records a rejected field value.
func (m *Metrics) RecordValidationFailure(reason string) {
	if m == nil {
		return
	}
	m.ValidationFailuresTotal.WithLabelValues(reason).Inc()
}

// RecordVerificationAttempt records a verification code check.
func (m *Metrics) RecordVerificationAttempt(outcome string) {
	if m == nil {
		return
	}
	m.VerificationAttemptsTotal.WithLabelValues(outcome).Inc()
}

// RecordSignatureCaptured records a captured signature.
func (m *Metrics) RecordSignatureCaptured(signatureType string) {
	if m == nil {
		return
	}
	m.SignaturesCapturedTotal.WithLabelValues(signatureType).Inc()
}

// RecordAuditWriteFailure records an audit entry the sink rejected.
func (m *Metrics) RecordAuditWriteFailure(action string) {
	if m == nil {
		return
	}
	m.AuditWriteFailuresTotal.WithLabelValues(action).Inc()
}

// SetAuditPending sets the number of audit entries awaiting retry.
func (m *Metrics) SetAuditPending(n int) {
	if m == nil {
		return
	}
	m.AuditPendingEntries.Set(float64(n))
}

// RecordAuditDropped records an audit entry evicted from the pending buffer.
func (m *Metrics) RecordAuditDropped() {
	if m == nil {
		return
	}
	m.AuditDroppedTotal.Inc()
}

// RecordNotification records a notification dispatch outcome.
func (m *Metrics) RecordNotification(event, outcome string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(event, outcome).Inc()
}

// SetNotifierCircuitState sets the notifier breaker state.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetNotifierCircuitState(state float64) {
	if m == nil {
		return
	}
	m.NotifierCircuitState.Set(state)
}

// RecordSchedulerProcessed records requests handled by a scheduler job.
func (m *Metrics) RecordSchedulerProcessed(job string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SchedulerProcessedTotal.WithLabelValues(job).Add(float64(n))
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion. Recipient routes carry the access token in the path, so the raw
// path must never become a label.
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

// HandlerFor returns a /metrics handler serving the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Requests that matched no route are reported as "unmatched".
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return "unmatched"
	}
	pattern := rctx.RoutePattern()
	if pattern == "" {
		return "unmatched"
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
