// Package integration provides a reusable test harness for end-to-end
// integration testing of the signet server. It starts a full HTTP server
// with in-memory stores, a recording notifier, and a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/signet/internal/audit"
	"github.com/pitabwire/signet/internal/blob"
	"github.com/pitabwire/signet/internal/config"
	"github.com/pitabwire/signet/internal/idempotency"
	"github.com/pitabwire/signet/internal/notify"
	"github.com/pitabwire/signet/internal/observability"
	"github.com/pitabwire/signet/internal/signing"
	"github.com/pitabwire/signet/internal/transport"
	"github.com/pitabwire/signet/model"
)

// TestHarness encapsulates a fully wired signet instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Engine        *signing.Engine
	Trail         *audit.Trail
	AuditSink     *audit.MemorySink
	Notifications *notify.Recorder
	Blobs         *blob.MemoryStore
	Idempotency   *idempotency.MemoryStore
	Metrics       *observability.Metrics
	Registry      *prometheus.Registry

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	handlerTimeout time.Duration
	notifier       notify.Notifier
	store          signing.RequestStore
	engineOpts     []signing.Option
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithNotifier replaces the recording notifier. Notifications stays empty
// unless n forwards to it.
func WithNotifier(n notify.Notifier) HarnessOption {
	return func(c *harnessConfig) {
		c.notifier = n
	}
}

// WithRequestStore replaces the in-memory request store.
func WithRequestStore(s signing.RequestStore) HarnessOption {
	return func(c *harnessConfig) {
		c.store = s
	}
}

// WithEngineOptions appends engine options.
func WithEngineOptions(opts ...signing.Option) HarnessOption {
	return func(c *harnessConfig) {
		c.engineOpts = append(c.engineOpts, opts...)
	}
}

// NewTestHarness creates and starts a full signet test instance. The server
// is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{
		t:             t,
		Notifications: notify.NewRecorder(),
		AuditSink:     audit.NewMemorySink(),
		Idempotency:   idempotency.NewMemoryStore(),
		Registry:      prometheus.NewRegistry(),
	}

	// Step 1: Stores and collaborators.
	store := hc.store
	if store == nil {
		store = signing.NewMemoryRequestStore()
	}
	notifier := hc.notifier
	if notifier == nil {
		notifier = h.Notifications
	}
	h.Metrics = observability.InitMetrics(h.Registry)
	h.Blobs = blob.NewMemoryStore("https://blobs.test.signet.dev")
	h.Trail = audit.NewTrail(h.AuditSink, audit.WithMetrics(h.Metrics))

	// Step 2: Engine.
	engineOpts := append([]signing.Option{
		signing.WithLogger(zap.NewNop()),
		signing.WithMetrics(h.Metrics),
		signing.WithNotifier(notifier),
		signing.WithBlobStore(h.Blobs),
	}, hc.engineOpts...)
	h.Engine = signing.NewEngine(store, h.Trail, engineOpts...)

	// Step 3: Create JWT issuer.
	h.issuer = newTokenIssuer(t)

	// Step 4: Build config.
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS = config.CORSConfig{
		AllowedOrigins: []string{"http://localhost:3000"},
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id", "X-Idempotency-Key"},
		MaxAge:         86400,
	}
	h.cfg.Identity.Issuer = h.issuer.Issuer()
	h.cfg.Identity.Audience = h.issuer.Audience()
	h.cfg.Identity.JWKSURL = h.issuer.JWKSURL()
	h.cfg.Identity.Algorithms = []string{"RS256"}
	h.cfg.Observability.Metrics.Enabled = true

	// Step 5: Build router with full middleware chain.
	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), time.Hour, zap.NewNop())
	var readiness observability.ReadinessChecks
	if hcStore, ok := store.(observability.HealthChecker); ok {
		readiness.RequestStore = hcStore
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:         h.cfg,
		Engine:         h.Engine,
		Logger:         zap.NewNop(),
		Metrics:        h.Metrics,
		Authenticate:   transport.JWTAuthenticator(h.cfg.Identity, jwks.GetKey),
		Readiness:      readiness,
		MetricsHandler: observability.HandlerFor(h.Registry),
		Idempotency:    h.Idempotency,
	})

	// Step 6: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// --- HTTP client helpers ---

// GET performs a GET request, authenticated when token is non-empty.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, nil)
}

// GETWithHeaders performs a GET request with additional headers.
func (h *TestHarness) GETWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, headers)
}

// POST performs a POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, nil)
}

// PUT performs a PUT request with a JSON body.
func (h *TestHarness) PUT(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPut, path, body, token, nil)
}

// Do performs a request with any method and additional headers.
func (h *TestHarness) Do(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(method, path, body, token, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code and
// closes the body.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertError checks the status and error code of an error response.
func (h *TestHarness) AssertError(t *testing.T, resp *http.Response, expected int, code string) model.ErrorEnvelope {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, expected, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %s, want %s (message %q)", body.Error.Code, code, body.Error.Message)
	}
	return body.Error
}

// LatestCode returns the most recent verification code sent to a recipient.
func (h *TestHarness) LatestCode(recipientID string) string {
	h.t.Helper()
	codes := h.Notifications.ByEvent(notify.EventVerificationCode)
	for i := len(codes) - 1; i >= 0; i-- {
		if codes[i].RecipientID == recipientID {
			return codes[i].VerificationCode
		}
	}
	h.t.Fatalf("no verification code sent to %s", recipientID)
	return ""
}

// --- Default test claims ---

// OwnerClaims returns TestClaims for the user who prepares requests.
func OwnerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-owner",
		Email:     "owner@acme.example.com",
		Roles:     []string{"sender"},
	}
}

// OtherOwnerClaims returns TestClaims for an unrelated user.
func OtherOwnerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-other",
		Email:     "other@globex.example.com",
		Roles:     []string{"sender"},
	}
}

// --- Fixtures ---

// SigningSession mirrors the body returned for a signing link.
type SigningSession struct {
	Request struct {
		ID     string              `json:"id"`
		Status model.RequestStatus `json:"status"`
	} `json:"request"`
	Recipient model.SignatureRecipient `json:"recipient"`
	Progress  model.Progress           `json:"progress"`
}

// RequestFixture returns a create-request body.
func RequestFixture(title string, order model.CompletionOrder) map[string]any {
	return map[string]any{
		"documentId":      "doc-msa-2026",
		"title":           title,
		"message":         "Please review and sign.",
		"completionOrder": order,
		"allowDecline":    true,
	}
}

// RecipientFixture returns an add-recipient body.
func RecipientFixture(email, name string, order int, method model.VerificationMethod) map[string]any {
	return map[string]any{
		"recipientEmail":     email,
		"recipientName":      name,
		"signingOrder":       order,
		"verificationMethod": method,
	}
}

// FieldFixture returns an assign-field body placed on page one.
func FieldFixture(fieldType model.FieldType, label string, y float64) map[string]any {
	return map[string]any{
		"fieldType":  fieldType,
		"fieldLabel": label,
		"positionX":  72,
		"positionY":  y,
		"width":      180,
		"height":     40,
		"pageNumber": 1,
		"isRequired": true,
	}
}

// DrawnSignature is a minimal PNG data URL.
const DrawnSignature = "data:image/png;base64,iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNk+M9QDwADhgGAWjR9awAAAABJRU5ErkJggg=="

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
