package signing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/pitabwire/signet/internal/capture"
	"github.com/pitabwire/signet/internal/coordinator"
	"github.com/pitabwire/signet/internal/notify"
	"github.com/pitabwire/signet/internal/observability"
	"github.com/pitabwire/signet/model"
)

// EvaluateCompletion completes the request if every gating recipient is
// done. It is a no-op otherwise.
func (e *Engine) EvaluateCompletion(ctx context.Context, requestID string) (_ model.SignatureRequest, err error) {
	ctx, done := e.begin(ctx, "EvaluateCompletion", observability.AttrRequestID.String(requestID))
	defer func() { done(err) }()

	return e.mutate(ctx, requestID, func(req *model.SignatureRequest, fx *effects) error {
		completed, ok := EvaluateCompletion(*req, e.now())
		if !ok {
			return errNoChange
		}
		*req = completed
		e.announceCompletion(ctx, req, fx)
		return nil
	})
}

// Progress returns how many recipients have completed.
func (e *Engine) Progress(ctx context.Context, requestID string) (model.Progress, error) {
	req, err := e.store.Get(ctx, requestID)
	if err != nil {
		return model.Progress{}, err
	}
	return req.Progress(), nil
}

// Cancel cancels a request that has not reached a terminal state.
func (e *Engine) Cancel(ctx context.Context, requestID, actorID, reason string) (_ model.SignatureRequest, err error) {
	ctx, done := e.begin(ctx, "Cancel",
		observability.AttrRequestID.String(requestID),
		observability.AttrActorID.String(actorID),
	)
	defer func() { done(err) }()

	return e.mutate(ctx, requestID, func(req *model.SignatureRequest, fx *effects) error {
		if req.Status.IsTerminal() {
			return model.NewInvalidStateError(fmt.Sprintf("request %s is already %s", req.ID, req.Status))
		}
		e.cancel(ctx, req, actorID, strings.TrimSpace(reason), fx)
		return nil
	})
}

// cancel moves req to cancelled and tells every recipient still waiting.
func (e *Engine) cancel(ctx context.Context, req *model.SignatureRequest, actorID, reason string, fx *effects) {
	wasActive := req.Status.IsActive()
	req.Status = model.RequestStatusCancelled
	req.CancelledAt = model.TimePtr(e.now())
	fx.requestMoves = append(fx.requestMoves, model.RequestStatusCancelled)
	fx.audit(entry(ctx, model.ActionRequestCancelled, actorID, map[string]any{"reason": reason}))

	if !wasActive {
		return
	}
	for i := range req.Recipients {
		r := &req.Recipients[i]
		if r.Status.IsDone() || r.ID == actorID {
			continue
		}
		n := e.notification(*req, r, notify.EventCancelled)
		n.Reason = reason
		fx.notify(n)
	}
}

// Expire moves a request past its due date to expired.
func (e *Engine) Expire(ctx context.Context, requestID string) (_ model.SignatureRequest, err error) {
	ctx, done := e.begin(ctx, "Expire", observability.AttrRequestID.String(requestID))
	defer func() { done(err) }()

	return e.mutate(ctx, requestID, func(req *model.SignatureRequest, fx *effects) error {
		if req.Status.IsTerminal() {
			return model.NewInvalidStateError(fmt.Sprintf("request %s is already %s", req.ID, req.Status))
		}
		now := e.now()
		if !req.IsExpired(now) {
			return model.NewInvalidStateError(fmt.Sprintf("request %s is not past its due date", req.ID))
		}

		wasActive := req.Status.IsActive()
		req.Status = model.RequestStatusExpired
		req.ExpiredAt = model.TimePtr(now)
		fx.requestMoves = append(fx.requestMoves, model.RequestStatusExpired)
		fx.audit(entry(ctx, model.ActionRequestExpired, model.ActorSystem, map[string]any{
			"dueDate": req.DueDate,
		}))

		fx.notify(e.notification(*req, nil, notify.EventExpired))
		if !wasActive {
			return nil
		}
		for i := range req.Recipients {
			if !req.Recipients[i].Status.IsDone() {
				fx.notify(e.notification(*req, &req.Recipients[i], notify.EventExpired))
			}
		}
		return nil
	})
}

// InvalidateSignature marks a captured signature invalid. The signature is
// kept for the record and the field keeps its completion.
func (e *Engine) InvalidateSignature(ctx context.Context, requestID, signatureID, actorID, reason string) (_ model.DigitalSignature, err error) {
	ctx, done := e.begin(ctx, "InvalidateSignature",
		observability.AttrRequestID.String(requestID),
		observability.AttrSignatureID.String(signatureID),
		observability.AttrActorID.String(actorID),
	)
	defer func() { done(err) }()

	req, err := e.mutate(ctx, requestID, func(req *model.SignatureRequest, fx *effects) error {
		sig := req.Signature(signatureID)
		if sig == nil {
			return model.NewNotFoundError(fmt.Sprintf("signature %q not found", signatureID))
		}
		if err := capture.Invalidate(sig, reason, e.now()); err != nil {
			return err
		}
		fx.audit(entry(ctx, model.ActionSignatureInvalidated, actorID, map[string]any{
			"signatureId": sig.ID,
			"fieldId":     sig.AssignedFieldID,
			"reason":      sig.InvalidationReason,
		}))
		return nil
	})
	if err != nil {
		return model.DigitalSignature{}, err
	}
	return *req.Signature(signatureID), nil
}

// Get returns a request by ID.
func (e *Engine) Get(ctx context.Context, requestID string) (model.SignatureRequest, error) {
	return e.store.Get(ctx, requestID)
}

// ResolveAccessToken returns the request and recipient a signing link
// belongs to.
func (e *Engine) ResolveAccessToken(ctx context.Context, token string) (model.SignatureRequest, model.SignatureRecipient, error) {
	req, err := e.store.FindByAccessToken(ctx, token)
	if err != nil {
		return model.SignatureRequest{}, model.SignatureRecipient{}, err
	}
	r := req.RecipientByToken(token)
	if r == nil {
		return model.SignatureRequest{}, model.SignatureRecipient{}, model.NewNotFoundError("signing link not found")
	}
	return req, *r, nil
}

// Activity returns the audit trail of a request in the order it was written.
func (e *Engine) Activity(ctx context.Context, requestID string) ([]model.ActivityLog, error) {
	if _, err := e.store.Get(ctx, requestID); err != nil {
		return nil, err
	}
	return e.trail.List(ctx, requestID)
}

// ExpireDue expires every request past its due date and returns how many
// were expired. Requests that reached a terminal state concurrently are
// skipped.
func (e *Engine) ExpireDue(ctx context.Context) (int, error) {
	logger := observability.LoggerFrom(ctx, e.logger)
	due, err := e.store.FindDueBefore(ctx, e.now())
	if err != nil {
		return 0, fmt.Errorf("find due requests: %w", err)
	}

	var errs []error
	expired := 0
	for _, req := range due {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if _, err := e.Expire(ctx, req.ID); err != nil {
			if model.HasCode(err, model.ErrInvalidState) {
				continue
			}
			logger.Warn("expire request failed", zap.String("request_id", req.ID), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		expired++
	}
	e.metrics.RecordSchedulerProcessed("expire", expired)
	return expired, errors.Join(errs...)
}

// SendReminders reminds the recipients who may act on every active request
// whose reminder cadence has elapsed, and returns how many requests were
// reminded.
func (e *Engine) SendReminders(ctx context.Context) (int, error) {
	logger := observability.LoggerFrom(ctx, e.logger)
	active, err := e.store.FindActive(ctx, RequestFilters{})
	if err != nil {
		return 0, fmt.Errorf("find active requests: %w", err)
	}

	var errs []error
	reminded := 0
	for _, candidate := range active {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if !candidate.NeedsReminder(e.now()) {
			continue
		}
		sent := false
		_, err := e.mutate(ctx, candidate.ID, func(req *model.SignatureRequest, fx *effects) error {
			now := e.now()
			if !req.NeedsReminder(now) {
				return errNoChange
			}
			req.LastReminderSent = model.TimePtr(now)

			group := coordinator.ActiveGroup(*req)
			for _, r := range group {
				rc, _ := req.Recipient(r.ID)
				fx.notify(e.notification(*req, rc, notify.EventReminder))
			}
			fx.audit(entry(ctx, model.ActionReminderSent, model.ActorSystem, map[string]any{
				"recipients": len(group),
			}))
			sent = true
			return nil
		})
		if err != nil {
			logger.Warn("send reminder failed", zap.String("request_id", candidate.ID), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		if sent {
			reminded++
		}
	}
	e.metrics.RecordSchedulerProcessed("remind", reminded)
	return reminded, errors.Join(errs...)
}
