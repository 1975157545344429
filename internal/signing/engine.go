package signing

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/signet/internal/audit"
	"github.com/pitabwire/signet/internal/blob"
	"github.com/pitabwire/signet/internal/capture"
	"github.com/pitabwire/signet/internal/document"
	"github.com/pitabwire/signet/internal/lock"
	"github.com/pitabwire/signet/internal/notify"
	"github.com/pitabwire/signet/internal/observability"
	"github.com/pitabwire/signet/internal/validation"
	"github.com/pitabwire/signet/internal/verification"
	"github.com/pitabwire/signet/model"
)

const (
	defaultNotifyTimeout = 10 * time.Second
	notifyConcurrency    = 8
	accessTokenBytes     = 32
	tokenAttempts        = 3
)

// errNoChange is returned by a mutation that found nothing to do. The store
// is left untouched and the current request is returned.
var errNoChange = errors.New("no change")

// Engine manages the lifecycle of signature requests.
type Engine struct {
	store     RequestStore
	trail     *audit.Trail
	locker    lock.Locker
	notifier  notify.Notifier
	blobs     blob.Store
	documents document.Resolver
	validator *validation.Validator
	gate      *verification.Gate
	capturer  *capture.Capturer
	policy    DeclinePolicy
	logger    *zap.Logger
	metrics   *observability.Metrics

	now             func() time.Time
	newID           func() string
	newToken        func() (string, error)
	uniquePlacement bool
	verificationTTL time.Duration
	notifyTimeout   time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder. A nil recorder disables metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLocker sets the per-request lock. Defaults to an in-process lock.
func WithLocker(l lock.Locker) Option {
	return func(e *Engine) {
		if l != nil {
			e.locker = l
		}
	}
}

// WithNotifier sets the notification sink. Defaults to notify.Noop.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) {
		if n != nil {
			e.notifier = n
		}
	}
}

// WithBlobStore sets where signature payloads are stored. Defaults to an
// in-memory store.
func WithBlobStore(s blob.Store) Option {
	return func(e *Engine) {
		if s != nil {
			e.blobs = s
		}
	}
}

// WithDocuments enables field bounds checks against document geometry.
func WithDocuments(r document.Resolver) Option {
	return func(e *Engine) { e.documents = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithIDGenerator overrides entity ID generation.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) {
		if fn != nil {
			e.newID = fn
		}
	}
}

// WithTokenGenerator overrides access token generation.
func WithTokenGenerator(fn func() (string, error)) Option {
	return func(e *Engine) {
		if fn != nil {
			e.newToken = fn
		}
	}
}

// WithUniquePlacement rejects fields overlapping an existing field on the
// same page.
func WithUniquePlacement(enabled bool) Option {
	return func(e *Engine) { e.uniquePlacement = enabled }
}

// WithDeclinePolicy sets how declines affect the request.
func WithDeclinePolicy(p DeclinePolicy) Option {
	return func(e *Engine) {
		if p != nil {
			e.policy = p
		}
	}
}

// WithVerificationTTL overrides the verification code lifetime.
func WithVerificationTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.verificationTTL = ttl }
}

// WithNotifyTimeout bounds notification delivery after a commit.
func WithNotifyTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.notifyTimeout = d
		}
	}
}

// NewEngine creates a new signing engine.
func NewEngine(store RequestStore, trail *audit.Trail, opts ...Option) *Engine {
	e := &Engine{
		store:         store,
		trail:         trail,
		locker:        lock.NewMemoryLocker(),
		notifier:      notify.Noop{},
		blobs:         blob.NewMemoryStore(""),
		validator:     validation.New(),
		policy:        RequireAllPolicy,
		logger:        zap.NewNop(),
		now:           func() time.Time { return time.Now().UTC() },
		newID:         uuid.NewString,
		newToken:      generateAccessToken,
		notifyTimeout: defaultNotifyTimeout,
	}
	for _, o := range opts {
		o(e)
	}
	e.gate = verification.NewGate(verification.WithTTL(e.verificationTTL), verification.WithClock(e.now))
	e.capturer = capture.New(capture.WithClock(e.now), capture.WithIDGenerator(e.newID))
	return e
}

// effects collects what a committed mutation has to announce.
type effects struct {
	audits         []audit.Entry
	notifications  []notify.Notification
	requestMoves   []model.RequestStatus
	recipientMoves []recipientMove
}

type recipientMove struct {
	role model.RecipientRole
	to   model.RecipientStatus
}

func (fx *effects) audit(e audit.Entry) {
	fx.audits = append(fx.audits, e)
}

func (fx *effects) notify(n notify.Notification) {
	fx.notifications = append(fx.notifications, n)
}

// mutate runs fn against a clone of the stored request inside the request's
// exclusive section and persists the clone when fn succeeds. Audit entries
// and notifications are published after the section is released.
func (e *Engine) mutate(
	ctx context.Context,
	requestID string,
	fn func(req *model.SignatureRequest, fx *effects) error,
) (model.SignatureRequest, error) {
	release, err := e.locker.Lock(ctx, requestID)
	if err != nil {
		return model.SignatureRequest{}, fmt.Errorf("lock signature request: %w", err)
	}
	req, fx, err := e.apply(ctx, requestID, fn)
	release()
	if err != nil {
		return model.SignatureRequest{}, err
	}

	e.publish(ctx, req, fx)
	return req, nil
}

func (e *Engine) apply(
	ctx context.Context,
	requestID string,
	fn func(req *model.SignatureRequest, fx *effects) error,
) (model.SignatureRequest, *effects, error) {
	// 1. Load the current aggregate.
	current, err := e.store.Get(ctx, requestID)
	if err != nil {
		return model.SignatureRequest{}, nil, err
	}

	// 2. Mutate a clone so a failure leaves nothing half-applied.
	next := current.Clone()
	fx := &effects{}
	if err := fn(&next, fx); err != nil {
		if errors.Is(err, errNoChange) {
			return current, &effects{}, nil
		}
		return model.SignatureRequest{}, nil, err
	}

	// 3. Persist with the optimistic version check.
	next.Touch(e.now())
	if err := e.store.Update(ctx, next); err != nil {
		return model.SignatureRequest{}, nil, err
	}
	next.Version++
	return next, fx, nil
}

// publish records audit entries, metrics and notifications for a committed
// mutation. Failures here never fail the operation.
func (e *Engine) publish(ctx context.Context, req model.SignatureRequest, fx *effects) {
	logger := observability.LoggerFrom(ctx, e.logger)

	for _, entry := range fx.audits {
		if entry.RequestID == "" {
			entry.RequestID = req.ID
		}
		if entry.DocumentID == "" {
			entry.DocumentID = req.DocumentID
		}
		if _, err := e.trail.Record(ctx, entry); err != nil {
			logger.Error("audit entry rejected",
				zap.String("action", entry.Action),
				zap.String("request_id", req.ID),
				zap.Error(err),
			)
		}
	}

	for _, to := range fx.requestMoves {
		e.metrics.RecordRequestTransition(string(to))
		logger.Info("signature request transitioned",
			zap.String("request_id", req.ID),
			zap.String("status", string(to)),
		)
	}
	for _, m := range fx.recipientMoves {
		e.metrics.RecordRecipientTransition(string(m.role), string(m.to))
	}

	e.dispatch(ctx, fx.notifications)
}

// dispatch delivers notifications concurrently. The caller's cancellation is
// detached so a client going away does not drop notifications for a
// committed change.
func (e *Engine) dispatch(ctx context.Context, notes []notify.Notification) {
	if len(notes) == 0 {
		return
	}
	logger := observability.LoggerFrom(ctx, e.logger)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.notifyTimeout)
	defer cancel()

	var g errgroup.Group
	g.SetLimit(notifyConcurrency)
	for _, n := range notes {
		g.Go(func() error {
			if err := e.notifier.Notify(ctx, n); err != nil {
				e.metrics.RecordNotification(string(n.Event), "failure")
				logger.Warn("notification failed",
					zap.String("event", string(n.Event)),
					zap.String("request_id", n.RequestID),
					zap.String("recipient_id", n.RecipientID),
					zap.Error(err),
				)
				logger.Debug("undelivered notification", observability.Redacted("notification", n))
				return nil
			}
			e.metrics.RecordNotification(string(n.Event), "success")
			return nil
		})
	}
	_ = g.Wait()
}

// begin opens the span for an engine operation and returns the function
// that closes it and records the outcome.
func (e *Engine) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	attrs = append(attrs, observability.AttrOperation.String(op))
	ctx, span := observability.StartSpan(ctx, "signing."+op, attrs...)
	return ctx, func(err error) {
		e.metrics.RecordOperation(op, outcomeCode(err), time.Since(start))
		observability.EndSpanWithError(span, err)
	}
}

func outcomeCode(err error) string {
	if err == nil {
		return "OK"
	}
	var ee *model.ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return model.ErrInternalError
}

// entry builds an audit entry carrying the caller's client metadata.
func entry(ctx context.Context, action, actorID string, details map[string]any) audit.Entry {
	en := audit.Entry{Action: action, ActorID: actorID, Details: details}
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		en.IPAddress = rctx.IPAddress
		en.UserAgent = rctx.UserAgent
	}
	return en
}

// notification addresses an event to r, or to the owner when r is nil.
func (e *Engine) notification(req model.SignatureRequest, r *model.SignatureRecipient, ev notify.Event) notify.Notification {
	n := notify.Notification{
		ID:         e.newID(),
		Event:      ev,
		RequestID:  req.ID,
		DocumentID: req.DocumentID,
		Title:      req.Title,
		Message:    req.Message,
		OwnerID:    req.CreatedBy,
		Channels:   []string{"email"},
		DueDate:    req.DueDate,
		OccurredAt: e.now(),
	}
	if r == nil {
		return n
	}
	n.RecipientID = r.ID
	n.RecipientEmail = r.Email
	n.RecipientName = r.Name
	n.PhoneNumber = r.PhoneNumber
	n.AccessToken = r.AccessToken
	if r.PersonalMessage != "" {
		n.Message = r.PersonalMessage
	}
	if ev == notify.EventVerificationCode {
		n.VerificationCode = r.VerificationCode
		n.Channels = codeChannels(r.VerificationMethod)
	}
	return n
}

func codeChannels(m model.VerificationMethod) []string {
	switch m {
	case model.VerificationSMS:
		return []string{"sms"}
	case model.VerificationBoth:
		return []string{"email", "sms"}
	}
	return []string{"email"}
}

// generateAccessToken returns 32 random bytes, base64url encoded.
func generateAccessToken() (string, error) {
	b := make([]byte, accessTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// uniqueToken generates an access token not held by any stored recipient.
func (e *Engine) uniqueToken(ctx context.Context) (string, error) {
	for range tokenAttempts {
		token, err := e.newToken()
		if err != nil {
			return "", fmt.Errorf("generate access token: %w", err)
		}
		_, err = e.store.FindByAccessToken(ctx, token)
		if model.HasCode(err, model.ErrNotFound) {
			return token, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("generate access token: %d collisions", tokenAttempts)
}

func requireDraft(req *model.SignatureRequest) error {
	if req.Status != model.RequestStatusDraft {
		return model.NewInvalidStateError(fmt.Sprintf("request %s is %s, not draft", req.ID, req.Status))
	}
	return nil
}

func requireActive(req *model.SignatureRequest) error {
	if !req.Status.IsActive() {
		return model.NewInvalidStateError(fmt.Sprintf("request %s is %s", req.ID, req.Status))
	}
	return nil
}

func findRecipient(req *model.SignatureRequest, recipientID string) (*model.SignatureRecipient, error) {
	r, _ := req.Recipient(recipientID)
	if r == nil {
		return nil, model.NewNotFoundError(fmt.Sprintf("recipient %q not found", recipientID))
	}
	return r, nil
}
