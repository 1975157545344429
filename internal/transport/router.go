package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/signet/internal/config"
	"github.com/pitabwire/signet/internal/idempotency"
	"github.com/pitabwire/signet/internal/observability"
	"github.com/pitabwire/signet/internal/signing"
	"github.com/pitabwire/signet/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config         *config.Config
	Engine         *signing.Engine
	Logger         *zap.Logger
	Metrics        *observability.Metrics
	Authenticate   func(http.Handler) http.Handler
	Readiness      observability.ReadinessChecks
	MetricsHandler http.Handler
	// Idempotency stores responses for X-Idempotency-Key retries. Nil
	// disables replay.
	Idempotency idempotency.Store
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass
// authentication. Owner routes require a bearer token; signing routes are
// authorized by the access token in their path.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := deps.Config
	if cfg == nil {
		cfg = config.Defaults()
	}

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(RequestID)
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}
	r.Use(CORS(cfg.Server.CORS))
	r.Use(SecurityHeaders)
	r.Use(BodyLimit(cfg.Server.MaxBodyBytes))

	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if cfg.Observability.Metrics.Enabled {
		h := deps.MetricsHandler
		if h == nil {
			h = observability.Handler()
		}
		path := cfg.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, h)
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}
	engine := deps.Engine
	idem := Idempotent(deps.Idempotency, cfg.Idempotency.TTL, logger)

	r.Route("/v1/requests", func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext(cfg.Identity.ClaimPaths))
		r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.With(idem).Post("/", handleCreateRequest(engine))
		r.Route("/{requestId}", func(r chi.Router) {
			r.Get("/", handleGetRequest(engine))
			r.Patch("/", handleUpdateRequest(engine))
			r.With(idem).Post("/send", handleSend(engine))
			r.Post("/cancel", handleCancel(engine))
			r.Post("/evaluate", handleEvaluate(engine))
			r.Get("/progress", handleProgress(engine))
			r.Get("/activity", handleActivity(engine))
			r.Post("/recipients", handleAddRecipient(engine))
			r.Delete("/recipients/{recipientId}", handleRemoveRecipient(engine))
			r.Post("/recipients/{recipientId}/fields", handleAssignField(engine))
			r.Post("/signatures/{signatureId}/invalidate", handleInvalidateSignature(engine))
		})
	})

	r.Route("/v1/sign/{token}", func(r chi.Router) {
		r.Use(BuildRequestContext(nil))
		r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))
		r.Use(ResolveSigningLink(engine))

		r.Get("/", handleSigningSession(engine))
		r.Post("/view", handleRecordView(engine))
		r.Post("/verification", handleIssueVerification(engine))
		r.Post("/verify", handleVerify(engine))
		r.Post("/start", handleStartSigning(engine))
		r.Put("/fields/{fieldId}", handleSubmitField(engine))
		r.With(idem).Put("/signatures/{fieldId}", handleSubmitSignature(engine))
		r.Post("/finish", handleFinish(engine))
		r.Post("/decline", handleDecline(engine))
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, model.NewNotFoundError("route not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, model.NewBadRequestError("method not allowed"))
	})

	return r
}

// routeOf returns the matched chi route pattern, never the raw path.
func routeOf(r *http.Request) string {
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
