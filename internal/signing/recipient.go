package signing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/signet/internal/blob"
	"github.com/pitabwire/signet/internal/capture"
	"github.com/pitabwire/signet/internal/coordinator"
	"github.com/pitabwire/signet/internal/notify"
	"github.com/pitabwire/signet/internal/observability"
	"github.com/pitabwire/signet/model"
)

const reasonSuperseded = "superseded by a new signature"

// RecipientView records that the recipient opened the request. Only the
// first view moves the recipient out of pending; later views are no-ops.
func (e *Engine) RecipientView(ctx context.Context, requestID, recipientID, ipAddress, userAgent string) (_ model.SignatureRecipient, err error) {
	ctx, done := e.begin(ctx, "RecipientView",
		observability.AttrRequestID.String(requestID),
		observability.AttrRecipientID.String(recipientID),
	)
	defer func() { done(err) }()

	req, err := e.mutate(ctx, requestID, func(req *model.SignatureRequest, fx *effects) error {
		if err := requireActive(req); err != nil {
			return err
		}
		r, err := findRecipient(req, recipientID)
		if err != nil {
			return err
		}
		if r.Status != model.RecipientStatusPending {
			return errNoChange
		}

		if err := e.moveRecipient(r, model.RecipientStatusViewed, fx); err != nil {
			return err
		}
		r.IPAddress = ipAddress
		r.UserAgent = userAgent

		en := entry(ctx, model.ActionRecipientViewed, r.ID, map[string]any{"recipientId": r.ID})
		en.IPAddress, en.UserAgent = ipAddress, userAgent
		fx.audit(en)
		return nil
	})
	if err != nil {
		return model.SignatureRecipient{}, err
	}
	r, _ := req.Recipient(recipientID)
	return *r, nil
}

// IssueVerificationCode sends the recipient a fresh verification code,
// replacing any code issued earlier. It returns when the new code expires.
func (e *Engine) IssueVerificationCode(ctx context.Context, requestID, recipientID string) (_ time.Time, err error) {
	ctx, done := e.begin(ctx, "IssueVerificationCode",
		observability.AttrRequestID.String(requestID),
		observability.AttrRecipientID.String(recipientID),
	)
	defer func() { done(err) }()

	req, err := e.mutate(ctx, requestID, func(req *model.SignatureRequest, fx *effects) error {
		if err := requireActive(req); err != nil {
			return err
		}
		r, err := findRecipient(req, recipientID)
		if err != nil {
			return err
		}
		if r.Status.IsDone() {
			return model.NewInvalidStateError(fmt.Sprintf("recipient %s is already %s", r.ID, r.Status))
		}
		if !r.VerificationMethod.RequiresCode() {
			return model.NewInvalidStateError(fmt.Sprintf("recipient %s does not use verification", r.ID))
		}
		if err := e.issueCode(ctx, r, fx); err != nil {
			return err
		}
		fx.notify(e.notification(*req, r, notify.EventVerificationCode))
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	r, _ := req.Recipient(recipientID)
	return *r.VerificationExpiresAt, nil
}

// VerifyRecipient consumes the recipient's verification code. A wrong or
// expired code fails with VERIFICATION_FAILED and changes nothing.
func (e *Engine) VerifyRecipient(ctx context.Context, requestID, recipientID, code string) (err error) {
	ctx, done := e.begin(ctx, "VerifyRecipient",
		observability.AttrRequestID.String(requestID),
		observability.AttrRecipientID.String(recipientID),
	)
	defer func() { done(err) }()

	var documentID string
	_, err = e.mutate(ctx, requestID, func(req *model.SignatureRequest, fx *effects) error {
		documentID = req.DocumentID
		if err := requireActive(req); err != nil {
			return err
		}
		r, err := findRecipient(req, recipientID)
		if err != nil {
			return err
		}
		if !r.VerificationMethod.RequiresCode() {
			return model.NewInvalidStateError(fmt.Sprintf("recipient %s does not use verification", r.ID))
		}

		verified, err := e.gate.Check(*r, code)
		if err != nil {
			return err
		}
		*r = verified
		r.Touch(e.now())

		fx.audit(entry(ctx, model.ActionRecipientVerified, r.ID, map[string]any{
			"recipientId": r.ID,
			"method":      string(r.VerificationMethod),
		}))
		return nil
	})

	switch {
	case err == nil:
		e.metrics.RecordVerificationAttempt("success")
	case model.HasCode(err, model.ErrVerificationFailed):
		e.metrics.RecordVerificationAttempt("failure")
		en := entry(ctx, model.ActionVerificationFailed, recipientID, map[string]any{"recipientId": recipientID})
		en.RequestID, en.DocumentID = requestID, documentID
		if _, aerr := e.trail.Record(ctx, en); aerr != nil {
			observability.LoggerFrom(ctx, e.logger).Error("audit entry rejected", zap.Error(aerr))
		}
	}
	return err
}

// StartSigning moves the recipient to in_progress once it is their turn and
// they have verified. Starting again is a no-op.
func (e *Engine) StartSigning(ctx context.Context, requestID, recipientID string) (_ model.SignatureRecipient, err error) {
	ctx, done := e.begin(ctx, "StartSigning",
		observability.AttrRequestID.String(requestID),
		observability.AttrRecipientID.String(recipientID),
	)
	defer func() { done(err) }()

	req, err := e.mutate(ctx, requestID, func(req *model.SignatureRequest, fx *effects) error {
		// 1. Check the request and recipient.
		if err := requireActive(req); err != nil {
			return err
		}
		r, err := findRecipient(req, recipientID)
		if err != nil {
			return err
		}
		if r.Status == model.RecipientStatusInProgress {
			return errNoChange
		}

		// 2. Verification and ordering gates.
		if r.NeedsVerification() {
			return model.NewNotAuthorizedError(fmt.Sprintf("recipient %s must verify before signing", r.ID))
		}
		if err := coordinator.CanStartSigning(*req, r.ID); err != nil {
			return err
		}

		// 3. Transition the recipient, and the request on the first start.
		if err := e.moveRecipient(r, model.RecipientStatusInProgress, fx); err != nil {
			return err
		}
		if req.Status == model.RequestStatusSent {
			req.Status = model.RequestStatusInProgress
			fx.requestMoves = append(fx.requestMoves, model.RequestStatusInProgress)
		}

		fx.audit(entry(ctx, model.ActionSigningStarted, r.ID, map[string]any{"recipientId": r.ID}))
		return nil
	})
	if err != nil {
		return model.SignatureRecipient{}, err
	}
	r, _ := req.Recipient(recipientID)
	return *r, nil
}

// SubmitFieldValue stores a value for one of the recipient's non-signature
// fields. The recipient completes automatically once every required field
// is filled, and the request completes once every gating recipient has.
func (e *Engine) SubmitFieldValue(ctx context.Context, requestID, recipientID, fieldID, value string) (_ model.AssignedField, err error) {
	ctx, done := e.begin(ctx, "SubmitFieldValue",
		observability.AttrRequestID.String(requestID),
		observability.AttrRecipientID.String(recipientID),
		observability.AttrFieldID.String(fieldID),
	)
	defer func() { done(err) }()

	var fieldType model.FieldType
	req, err := e.mutate(ctx, requestID, func(req *model.SignatureRequest, fx *effects) error {
		before := req.Clone()

		// 1. Locate the field and check who may fill it.
		r, f, err := signableField(req, recipientID, fieldID)
		if err != nil {
			return err
		}
		fieldType = f.FieldType
		if f.FieldType.IsSignature() {
			return model.NewInvalidStateError(fmt.Sprintf("field %s takes a signature, not a value", f.ID))
		}

		// 2. Validate a candidate so a rejected value leaves the field as is.
		// A blank value clears the field.
		if strings.TrimSpace(value) == "" {
			value = ""
		}
		candidate := f.Clone()
		candidate.FieldValue = value
		if err := e.validator.Validate(candidate); err != nil {
			e.metrics.RecordValidationFailure(model.ValidationReason(err))
			return err
		}

		// 3. Apply.
		now := e.now()
		f.FieldValue = value
		f.CompletedAt = nil
		if value != "" {
			f.CompletedAt = model.TimePtr(now)
		}
		f.Touch(now)
		fx.audit(entry(ctx, model.ActionFieldCompleted, r.ID, map[string]any{
			"recipientId": r.ID,
			"fieldId":     f.ID,
			"fieldType":   string(f.FieldType),
		}))

		// 4. Roll completion forward.
		if err := e.autoComplete(ctx, r, fx); err != nil {
			return err
		}
		e.settle(ctx, before, req, fx)
		return nil
	})
	if err != nil {
		if fieldType != "" {
			e.metrics.RecordFieldSubmission(string(fieldType), "rejected")
		}
		return model.AssignedField{}, err
	}
	e.metrics.RecordFieldSubmission(string(fieldType), "accepted")

	_, f := req.FindField(fieldID)
	return *f, nil
}

// SubmitSignature captures a signature for one of the recipient's signature
// or initial fields. The payload is stored before the request is locked;
// if the request then rejects the signature the stored payload is removed.
func (e *Engine) SubmitSignature(
	ctx context.Context,
	requestID, recipientID, fieldID string,
	raw capture.RawSignature,
	meta capture.Metadata,
) (_ model.DigitalSignature, err error) {
	ctx, done := e.begin(ctx, "SubmitSignature",
		observability.AttrRequestID.String(requestID),
		observability.AttrRecipientID.String(recipientID),
		observability.AttrFieldID.String(fieldID),
	)
	defer func() { done(err) }()

	// 1. Precheck against the current state so obviously invalid
	// submissions never reach blob storage.
	current, err := e.store.Get(ctx, requestID)
	if err != nil {
		return model.DigitalSignature{}, err
	}
	if _, _, err := signatureField(&current, recipientID, fieldID); err != nil {
		return model.DigitalSignature{}, err
	}
	payload, contentType, err := capture.Payload(raw)
	if err != nil {
		return model.DigitalSignature{}, err
	}

	// 2. Store the payload outside the exclusive section.
	key := blob.SignatureKey(requestID, recipientID, fieldID, e.newID())
	imageURL, err := e.blobs.Put(ctx, key, payload, contentType)
	if err != nil {
		return model.DigitalSignature{}, fmt.Errorf("store signature payload: %w", err)
	}

	// 3. Re-check and capture inside the section.
	var sig model.DigitalSignature
	_, err = e.mutate(ctx, requestID, func(req *model.SignatureRequest, fx *effects) error {
		before := req.Clone()
		r, f, err := signatureField(req, recipientID, fieldID)
		if err != nil {
			return err
		}

		sig, err = e.capturer.Capture(*r, *f, raw, meta, imageURL)
		if err != nil {
			return err
		}

		now := e.now()
		for i := range req.Signatures {
			prev := &req.Signatures[i]
			if prev.AssignedFieldID != f.ID || !prev.IsValid {
				continue
			}
			if err := capture.Invalidate(prev, reasonSuperseded, now); err != nil {
				return err
			}
			fx.audit(entry(ctx, model.ActionSignatureInvalidated, r.ID, map[string]any{
				"signatureId": prev.ID,
				"fieldId":     f.ID,
				"reason":      reasonSuperseded,
			}))
		}
		req.Signatures = append(req.Signatures, sig)

		f.SignatureImageURL = imageURL
		f.CompletedAt = model.TimePtr(now)
		f.Touch(now)
		if err := e.validator.Validate(*f); err != nil {
			return err
		}

		en := entry(ctx, model.ActionSignatureCaptured, r.ID, map[string]any{
			"recipientId":   r.ID,
			"fieldId":       f.ID,
			"signatureId":   sig.ID,
			"signatureType": string(sig.SignatureType),
			"signatureHash": sig.SignatureHash,
		})
		if meta.IPAddress != "" {
			en.IPAddress, en.UserAgent = meta.IPAddress, meta.UserAgent
		}
		fx.audit(en)

		if err := e.autoComplete(ctx, r, fx); err != nil {
			return err
		}
		e.settle(ctx, before, req, fx)
		return nil
	})
	if err != nil {
		if derr := e.blobs.Delete(context.WithoutCancel(ctx), key); derr != nil {
			observability.LoggerFrom(ctx, e.logger).Warn("remove orphaned signature payload",
				zap.String("request_id", requestID), zap.Error(derr))
		}
		return model.DigitalSignature{}, err
	}

	e.metrics.RecordSignatureCaptured(string(sig.SignatureType))
	return sig, nil
}

// CompleteRecipient finishes signing for a recipient whose remaining fields
// are all optional.
func (e *Engine) CompleteRecipient(ctx context.Context, requestID, recipientID string) (_ model.SignatureRecipient, err error) {
	ctx, done := e.begin(ctx, "CompleteRecipient",
		observability.AttrRequestID.String(requestID),
		observability.AttrRecipientID.String(recipientID),
	)
	defer func() { done(err) }()

	req, err := e.mutate(ctx, requestID, func(req *model.SignatureRequest, fx *effects) error {
		before := req.Clone()
		if err := requireActive(req); err != nil {
			return err
		}
		r, err := findRecipient(req, recipientID)
		if err != nil {
			return err
		}
		if r.Status == model.RecipientStatusCompleted {
			return errNoChange
		}
		if r.Status != model.RecipientStatusInProgress {
			return model.NewInvalidStateError(fmt.Sprintf("recipient %s is %s, not in_progress", r.ID, r.Status))
		}
		if ok, missing := r.RequiredFieldsComplete(); !ok {
			return model.NewValidationError(model.FieldError{
				Field:   missing,
				Code:    model.ReasonRequiredFieldMissing,
				Message: fmt.Sprintf("field %s is required", missing),
			})
		}

		if err := e.finishRecipient(ctx, r, fx); err != nil {
			return err
		}
		e.settle(ctx, before, req, fx)
		return nil
	})
	if err != nil {
		return model.SignatureRecipient{}, err
	}
	r, _ := req.Recipient(recipientID)
	return *r, nil
}

// DeclineRequest records the recipient's refusal to sign. Whether the
// request is cancelled as a result is up to the decline policy; when no
// signer or approver is left the request is always cancelled.
func (e *Engine) DeclineRequest(ctx context.Context, requestID, recipientID, reason string) (_ model.SignatureRequest, err error) {
	ctx, done := e.begin(ctx, "DeclineRequest",
		observability.AttrRequestID.String(requestID),
		observability.AttrRecipientID.String(recipientID),
	)
	defer func() { done(err) }()

	return e.mutate(ctx, requestID, func(req *model.SignatureRequest, fx *effects) error {
		before := req.Clone()

		// 1. Check declining is possible at all.
		r, err := findRecipient(req, recipientID)
		if err != nil {
			return err
		}
		if !req.AllowDecline {
			return model.NewDeclineNotAllowedError(req.ID)
		}
		if err := requireActive(req); err != nil {
			return err
		}
		if r.Status.IsDone() {
			return model.NewInvalidStateError(fmt.Sprintf("recipient %s is already %s", r.ID, r.Status))
		}

		// 2. Decline.
		if err := e.moveRecipient(r, model.RecipientStatusDeclined, fx); err != nil {
			return err
		}
		r.DeclineReason = strings.TrimSpace(reason)
		fx.audit(entry(ctx, model.ActionRecipientDeclined, r.ID, map[string]any{
			"recipientId": r.ID,
			"reason":      r.DeclineReason,
		}))
		owner := e.notification(*req, nil, notify.EventDeclined)
		owner.RecipientName, owner.RecipientEmail = r.Name, r.Email
		owner.Reason = r.DeclineReason
		fx.notify(owner)

		// 3. Cancel or roll forward.
		if e.policy(*req) || noSignersLeft(*req) {
			e.cancel(ctx, req, r.ID, "declined by "+r.Email, fx)
			return nil
		}
		e.settle(ctx, before, req, fx)
		return nil
	})
}

// signableField locates a field the recipient may fill right now.
func signableField(req *model.SignatureRequest, recipientID, fieldID string) (*model.SignatureRecipient, *model.AssignedField, error) {
	if err := requireActive(req); err != nil {
		return nil, nil, err
	}
	owner, f := req.FindField(fieldID)
	if f == nil {
		return nil, nil, model.NewNotFoundError(fmt.Sprintf("field %q not found", fieldID))
	}
	if owner.ID != recipientID {
		return nil, nil, model.NewNotAuthorizedError(
			fmt.Sprintf("field %s is not assigned to recipient %s", fieldID, recipientID))
	}
	if owner.Status != model.RecipientStatusInProgress {
		return nil, nil, model.NewInvalidStateError(
			fmt.Sprintf("recipient %s is %s, not in_progress", owner.ID, owner.Status))
	}
	return owner, f, nil
}

// signatureField is signableField restricted to signature and initial fields.
func signatureField(req *model.SignatureRequest, recipientID, fieldID string) (*model.SignatureRecipient, *model.AssignedField, error) {
	r, f, err := signableField(req, recipientID, fieldID)
	if err != nil {
		return nil, nil, err
	}
	if !f.FieldType.IsSignature() {
		return nil, nil, model.NewInvalidStateError(
			fmt.Sprintf("field %s of type %s does not accept signatures", f.ID, f.FieldType))
	}
	return r, f, nil
}

// moveRecipient transitions r and records the move for metrics.
func (e *Engine) moveRecipient(r *model.SignatureRecipient, to model.RecipientStatus, fx *effects) error {
	if err := coordinator.Transition(r, to, e.now()); err != nil {
		return err
	}
	fx.recipientMoves = append(fx.recipientMoves, recipientMove{role: r.Role, to: to})
	return nil
}

// autoComplete finishes r once it has required fields and all are filled.
func (e *Engine) autoComplete(ctx context.Context, r *model.SignatureRecipient, fx *effects) error {
	if !r.HasRequiredFields() {
		return nil
	}
	if ok, _ := r.RequiredFieldsComplete(); !ok {
		return nil
	}
	return e.finishRecipient(ctx, r, fx)
}

func (e *Engine) finishRecipient(ctx context.Context, r *model.SignatureRecipient, fx *effects) error {
	if err := e.moveRecipient(r, model.RecipientStatusCompleted, fx); err != nil {
		return err
	}
	fx.audit(entry(ctx, model.ActionRecipientCompleted, r.ID, map[string]any{"recipientId": r.ID}))
	return nil
}

// settle completes req when every gating recipient is done; otherwise it
// notifies whoever became able to act.
func (e *Engine) settle(ctx context.Context, before model.SignatureRequest, req *model.SignatureRequest, fx *effects) {
	completed, ok := EvaluateCompletion(*req, e.now())
	if !ok {
		e.activate(ctx, before, req, fx)
		return
	}
	*req = completed
	e.announceCompletion(ctx, req, fx)
}

func (e *Engine) announceCompletion(ctx context.Context, req *model.SignatureRequest, fx *effects) {
	fx.requestMoves = append(fx.requestMoves, model.RequestStatusCompleted)
	progress := req.Progress()
	fx.audit(entry(ctx, model.ActionRequestCompleted, model.ActorSystem, map[string]any{
		"completed": progress.Completed,
		"total":     progress.Total,
	}))
	fx.notify(e.notification(*req, nil, notify.EventCompleted))
	for i := range req.Recipients {
		fx.notify(e.notification(*req, &req.Recipients[i], notify.EventCompleted))
	}
}
