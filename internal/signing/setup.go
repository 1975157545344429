package signing

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/signet/internal/coordinator"
	"github.com/pitabwire/signet/internal/document"
	"github.com/pitabwire/signet/internal/notify"
	"github.com/pitabwire/signet/internal/observability"
	"github.com/pitabwire/signet/model"
)

// CreateRequestInput describes a new signature request. Pointer fields fall
// back to their defaults when nil.
type CreateRequestInput struct {
	DocumentID           string                `json:"documentId"`
	CreatedBy            string                `json:"-"`
	Title                string                `json:"title"`
	Message              string                `json:"message,omitempty"`
	RequestType          model.RequestType     `json:"requestType,omitempty"`
	CompletionOrder      model.CompletionOrder `json:"completionOrder,omitempty"`
	RequireAllRecipients *bool                 `json:"requireAllRecipients,omitempty"`
	AllowDecline         *bool                 `json:"allowDecline,omitempty"`
	DueDate              *time.Time            `json:"dueDate,omitempty"`
	ReminderFrequency    *int                  `json:"reminderFrequency,omitempty"`
}

// UpdateRequestInput carries the draft details to change. Nil fields are
// left as they are.
type UpdateRequestInput struct {
	Title   *string    `json:"title,omitempty"`
	Message *string    `json:"message,omitempty"`
	DueDate *time.Time `json:"dueDate,omitempty"`
}

// RecipientSpec describes a recipient to add to a draft request.
type RecipientSpec struct {
	Email              string                   `json:"recipientEmail"`
	Name               string                   `json:"recipientName"`
	UserID             string                   `json:"recipientUserId,omitempty"`
	Role               model.RecipientRole      `json:"role,omitempty"`
	SigningOrder       *int                     `json:"signingOrder,omitempty"`
	PhoneNumber        string                   `json:"phoneNumber,omitempty"`
	VerificationMethod model.VerificationMethod `json:"verificationMethod,omitempty"`
	PersonalMessage    string                   `json:"personalMessage,omitempty"`
}

// FieldSpec describes a field to place for a recipient.
type FieldSpec struct {
	FormFieldID     string                `json:"formFieldId,omitempty"`
	FieldType       model.FieldType       `json:"fieldType"`
	Label           string                `json:"fieldLabel,omitempty"`
	PositionX       float64               `json:"positionX"`
	PositionY       float64               `json:"positionY"`
	Width           float64               `json:"width"`
	Height          float64               `json:"height"`
	PageNumber      int                   `json:"pageNumber,omitempty"`
	IsRequired      *bool                 `json:"isRequired,omitempty"`
	PlaceholderText string                `json:"placeholderText,omitempty"`
	ValidationRules model.ValidationRules `json:"validationRules"`
}

// CreateRequest creates a draft request.
func (e *Engine) CreateRequest(ctx context.Context, in CreateRequestInput) (_ model.SignatureRequest, err error) {
	ctx, done := e.begin(ctx, "CreateRequest", observability.AttrActorID.String(in.CreatedBy))
	defer func() { done(err) }()

	// 1. Validate and apply defaults.
	if strings.TrimSpace(in.DocumentID) == "" {
		return model.SignatureRequest{}, model.NewInvalidConfigError("documentId is required")
	}
	if strings.TrimSpace(in.CreatedBy) == "" {
		return model.SignatureRequest{}, model.NewInvalidConfigError("createdBy is required")
	}
	if in.CompletionOrder == "" {
		in.CompletionOrder = model.CompletionOrderAny
	}
	if !in.CompletionOrder.Valid() {
		return model.SignatureRequest{}, model.NewInvalidConfigError(
			fmt.Sprintf("unknown completion order %q", in.CompletionOrder))
	}
	if in.RequestType == "" {
		in.RequestType = model.RequestTypeSignature
	}
	if !in.RequestType.Valid() {
		return model.SignatureRequest{}, model.NewInvalidConfigError(
			fmt.Sprintf("unknown request type %q", in.RequestType))
	}
	reminder := model.DefaultReminderFrequencyDays
	if in.ReminderFrequency != nil {
		if *in.ReminderFrequency < 0 {
			return model.SignatureRequest{}, model.NewInvalidConfigError("reminderFrequency must not be negative")
		}
		reminder = *in.ReminderFrequency
	}
	now := e.now()
	if err := checkDueDate(in.DueDate, now); err != nil {
		return model.SignatureRequest{}, err
	}

	// 2. Build the draft.
	req := model.SignatureRequest{
		Entity:               model.NewEntity(e.newID(), now),
		DocumentID:           in.DocumentID,
		CreatedBy:            in.CreatedBy,
		Title:                in.Title,
		Message:              in.Message,
		RequestType:          in.RequestType,
		Status:               model.RequestStatusDraft,
		CompletionOrder:      in.CompletionOrder,
		RequireAllRecipients: boolOr(in.RequireAllRecipients, true),
		AllowDecline:         boolOr(in.AllowDecline, true),
		ReminderFrequency:    reminder,
		Recipients:           []model.SignatureRecipient{},
		Version:              1,
	}
	if in.DueDate != nil {
		req.DueDate = model.TimePtr(in.DueDate.UTC())
	}

	// 3. Persist.
	if err := e.store.Create(ctx, req); err != nil {
		return model.SignatureRequest{}, err
	}

	// 4. Announce.
	fx := &effects{requestMoves: []model.RequestStatus{model.RequestStatusDraft}}
	fx.audit(entry(ctx, model.ActionRequestCreated, in.CreatedBy, map[string]any{
		"title":           req.Title,
		"completionOrder": string(req.CompletionOrder),
		"requestType":     string(req.RequestType),
	}))
	e.publish(ctx, req, fx)
	return req, nil
}

// UpdateRequest changes the title, message or due date of a draft request.
func (e *Engine) UpdateRequest(ctx context.Context, requestID string, in UpdateRequestInput) (_ model.SignatureRequest, err error) {
	ctx, done := e.begin(ctx, "UpdateRequest", observability.AttrRequestID.String(requestID))
	defer func() { done(err) }()

	return e.mutate(ctx, requestID, func(req *model.SignatureRequest, fx *effects) error {
		if err := requireDraft(req); err != nil {
			return err
		}
		if err := checkDueDate(in.DueDate, e.now()); err != nil {
			return err
		}

		changed := map[string]any{}
		if in.Title != nil && *in.Title != req.Title {
			req.Title = *in.Title
			changed["title"] = req.Title
		}
		if in.Message != nil && *in.Message != req.Message {
			req.Message = *in.Message
			changed["message"] = req.Message
		}
		if in.DueDate != nil && (req.DueDate == nil || !req.DueDate.Equal(*in.DueDate)) {
			req.DueDate = model.TimePtr(in.DueDate.UTC())
			changed["dueDate"] = req.DueDate.Format(time.RFC3339)
		}
		if len(changed) == 0 {
			return errNoChange
		}

		fx.audit(entry(ctx, model.ActionRequestUpdated, req.CreatedBy, changed))
		return nil
	})
}

func checkDueDate(due *time.Time, now time.Time) error {
	if due != nil && !due.After(now) {
		return model.NewInvalidConfigError("dueDate must be in the future")
	}
	return nil
}

// AddRecipient adds a recipient to a draft request and generates its access
// token. Without an explicit signingOrder the recipient is placed after the
// current highest order.
func (e *Engine) AddRecipient(ctx context.Context, requestID string, spec RecipientSpec) (_ model.SignatureRecipient, err error) {
	ctx, done := e.begin(ctx, "AddRecipient", observability.AttrRequestID.String(requestID))
	defer func() { done(err) }()

	spec, err = normalizeRecipient(spec)
	if err != nil {
		return model.SignatureRecipient{}, err
	}
	token, err := e.uniqueToken(ctx)
	if err != nil {
		return model.SignatureRecipient{}, err
	}

	var added model.SignatureRecipient
	_, err = e.mutate(ctx, requestID, func(req *model.SignatureRequest, fx *effects) error {
		if err := requireDraft(req); err != nil {
			return err
		}
		for _, r := range req.Recipients {
			if strings.EqualFold(r.Email, spec.Email) {
				return model.NewInvalidConfigError(fmt.Sprintf("recipient %s is already on the request", spec.Email))
			}
		}

		order := 1
		for _, r := range req.Recipients {
			if r.SigningOrder >= order {
				order = r.SigningOrder + 1
			}
		}
		if spec.SigningOrder != nil {
			order = *spec.SigningOrder
		}

		now := e.now()
		added = model.SignatureRecipient{
			Entity:             model.NewEntity(e.newID(), now),
			RequestID:          req.ID,
			Email:              spec.Email,
			Name:               spec.Name,
			UserID:             spec.UserID,
			Role:               spec.Role,
			SigningOrder:       order,
			Status:             model.RecipientStatusPending,
			AccessToken:        token,
			PhoneNumber:        spec.PhoneNumber,
			VerificationMethod: spec.VerificationMethod,
			PersonalMessage:    spec.PersonalMessage,
			Fields:             []model.AssignedField{},
		}
		req.Recipients = append(req.Recipients, added)

		fx.audit(entry(ctx, model.ActionRecipientAdded, req.CreatedBy, map[string]any{
			"recipientId":  added.ID,
			"email":        added.Email,
			"role":         string(added.Role),
			"signingOrder": added.SigningOrder,
		}))
		return nil
	})
	if err != nil {
		return model.SignatureRecipient{}, err
	}
	return added, nil
}

func normalizeRecipient(spec RecipientSpec) (RecipientSpec, error) {
	spec.Email = strings.TrimSpace(spec.Email)
	if spec.Email == "" {
		return spec, model.NewInvalidConfigError("recipientEmail is required")
	}
	if _, err := mail.ParseAddress(spec.Email); err != nil {
		return spec, model.NewInvalidConfigError(fmt.Sprintf("recipientEmail %q is not a valid address", spec.Email))
	}
	if spec.Role == "" {
		spec.Role = model.RoleSigner
	}
	if !spec.Role.Valid() {
		return spec, model.NewInvalidConfigError(fmt.Sprintf("unknown role %q", spec.Role))
	}
	if spec.VerificationMethod == "" {
		spec.VerificationMethod = model.VerificationNone
	}
	if !spec.VerificationMethod.Valid() {
		return spec, model.NewInvalidConfigError(fmt.Sprintf("unknown verification method %q", spec.VerificationMethod))
	}
	needsPhone := spec.VerificationMethod == model.VerificationSMS || spec.VerificationMethod == model.VerificationBoth
	if needsPhone && strings.TrimSpace(spec.PhoneNumber) == "" {
		return spec, model.NewInvalidConfigError("phoneNumber is required for sms verification")
	}
	if spec.SigningOrder != nil && *spec.SigningOrder < 1 {
		return spec, model.NewInvalidConfigError("signingOrder must be at least 1")
	}
	return spec, nil
}

// RemoveRecipient removes a recipient and its fields from a draft request.
func (e *Engine) RemoveRecipient(ctx context.Context, requestID, recipientID string) (err error) {
	ctx, done := e.begin(ctx, "RemoveRecipient",
		observability.AttrRequestID.String(requestID),
		observability.AttrRecipientID.String(recipientID),
	)
	defer func() { done(err) }()

	_, err = e.mutate(ctx, requestID, func(req *model.SignatureRequest, fx *effects) error {
		if err := requireDraft(req); err != nil {
			return err
		}
		r, idx := req.Recipient(recipientID)
		if r == nil {
			return model.NewNotFoundError(fmt.Sprintf("recipient %q not found", recipientID))
		}
		email := r.Email
		req.Recipients = append(req.Recipients[:idx], req.Recipients[idx+1:]...)

		fx.audit(entry(ctx, model.ActionRecipientRemoved, req.CreatedBy, map[string]any{
			"recipientId": recipientID,
			"email":       email,
		}))
		return nil
	})
	return err
}

// AssignField places a field for a signer or approver of a draft request.
func (e *Engine) AssignField(ctx context.Context, requestID, recipientID string, spec FieldSpec) (_ model.AssignedField, err error) {
	ctx, done := e.begin(ctx, "AssignField",
		observability.AttrRequestID.String(requestID),
		observability.AttrRecipientID.String(recipientID),
	)
	defer func() { done(err) }()

	// 1. Check the field on its own.
	if !spec.FieldType.Known() {
		return model.AssignedField{}, model.NewUnknownFieldTypeError(string(spec.FieldType))
	}
	if err := e.validator.ValidateRules(spec.ValidationRules); err != nil {
		return model.AssignedField{}, err
	}
	if spec.PageNumber == 0 {
		spec.PageNumber = 1
	}
	candidate := model.AssignedField{
		FormFieldID:     spec.FormFieldID,
		FieldType:       spec.FieldType,
		Label:           spec.Label,
		PositionX:       spec.PositionX,
		PositionY:       spec.PositionY,
		Width:           spec.Width,
		Height:          spec.Height,
		PageNumber:      spec.PageNumber,
		IsRequired:      boolOr(spec.IsRequired, true),
		PlaceholderText: spec.PlaceholderText,
		ValidationRules: spec.ValidationRules,
	}

	// 2. Resolve document geometry before entering the exclusive section.
	if e.documents != nil {
		current, err := e.store.Get(ctx, requestID)
		if err != nil {
			return model.AssignedField{}, err
		}
		doc, err := e.documents.Resolve(ctx, current.DocumentID)
		if err != nil {
			return model.AssignedField{}, err
		}
		if err := document.CheckBounds(doc, candidate); err != nil {
			return model.AssignedField{}, err
		}
	}

	// 3. Attach it to the recipient.
	var assigned model.AssignedField
	_, err = e.mutate(ctx, requestID, func(req *model.SignatureRequest, fx *effects) error {
		if err := requireDraft(req); err != nil {
			return err
		}
		r, err := findRecipient(req, recipientID)
		if err != nil {
			return err
		}
		if !r.Role.Gating() {
			return model.NewInvalidConfigError(fmt.Sprintf("recipients with role %s cannot be assigned fields", r.Role))
		}
		if e.uniquePlacement {
			for _, other := range req.Recipients {
				for _, f := range other.Fields {
					if f.Overlaps(candidate) {
						return model.NewFieldOverlapError(f.ID)
					}
				}
			}
		}

		assigned = candidate
		assigned.Entity = model.NewEntity(e.newID(), e.now())
		assigned.RequestID = req.ID
		assigned.RecipientID = r.ID
		r.Fields = append(r.Fields, assigned)

		fx.audit(entry(ctx, model.ActionFieldAssigned, req.CreatedBy, map[string]any{
			"fieldId":     assigned.ID,
			"recipientId": r.ID,
			"fieldType":   string(assigned.FieldType),
			"pageNumber":  assigned.PageNumber,
		}))
		return nil
	})
	if err != nil {
		return model.AssignedField{}, err
	}
	return assigned, nil
}

// Send moves a draft request to sent, issues verification codes, and
// notifies the recipients who may act first.
func (e *Engine) Send(ctx context.Context, requestID, actorID string) (_ model.SignatureRequest, err error) {
	ctx, done := e.begin(ctx, "Send",
		observability.AttrRequestID.String(requestID),
		observability.AttrActorID.String(actorID),
	)
	defer func() { done(err) }()

	return e.mutate(ctx, requestID, func(req *model.SignatureRequest, fx *effects) error {
		// 1. Check the request is ready to go out.
		if err := requireDraft(req); err != nil {
			return err
		}
		if len(req.Recipients) == 0 {
			return model.NewEmptyRequestError("request has no recipients")
		}
		if req.FieldCount() == 0 {
			return model.NewEmptyRequestError("request has no fields")
		}

		// 2. Transition.
		before := req.Clone()
		now := e.now()
		req.Status = model.RequestStatusSent
		req.SentAt = model.TimePtr(now)
		fx.requestMoves = append(fx.requestMoves, model.RequestStatusSent)
		fx.audit(entry(ctx, model.ActionRequestSent, actorID, map[string]any{
			"recipients": len(req.Recipients),
			"fields":     req.FieldCount(),
		}))

		// 3. Issue verification codes.
		for i := range req.Recipients {
			if !req.Recipients[i].VerificationMethod.RequiresCode() {
				continue
			}
			if err := e.issueCode(ctx, &req.Recipients[i], fx); err != nil {
				return err
			}
		}

		// 4. Notify the recipients who may act now.
		e.activate(ctx, before, req, fx)
		return nil
	})
}

// issueCode replaces r's verification code and audits it. The code itself is
// only ever carried by the notification.
func (e *Engine) issueCode(ctx context.Context, r *model.SignatureRecipient, fx *effects) error {
	issued, err := e.gate.IssueCode(*r)
	if err != nil {
		return err
	}
	*r = issued
	fx.audit(entry(ctx, model.ActionVerificationIssued, model.ActorSystem, map[string]any{
		"recipientId": r.ID,
		"method":      string(r.VerificationMethod),
		"expiresAt":   r.VerificationExpiresAt.Format(time.RFC3339),
	}))
	return nil
}

// activate notifies recipients that became able to act between before and
// req. Codes that lapsed while a recipient waited for their turn are
// reissued so the delivered code is live.
func (e *Engine) activate(ctx context.Context, before model.SignatureRequest, req *model.SignatureRequest, fx *effects) {
	if !req.Status.IsActive() {
		return
	}
	wasActive := make(map[string]bool)
	if before.Status.IsActive() {
		for _, r := range coordinator.ActiveGroup(before) {
			wasActive[r.ID] = true
		}
	}

	now := e.now()
	for _, r := range coordinator.ActiveGroup(*req) {
		if wasActive[r.ID] {
			continue
		}
		rc, _ := req.Recipient(r.ID)
		fx.notify(e.notification(*req, rc, notify.EventSent))
		if !rc.NeedsVerification() {
			continue
		}
		if rc.VerificationExpiresAt == nil || !now.Before(*rc.VerificationExpiresAt) {
			if err := e.issueCode(ctx, rc, fx); err != nil {
				observability.LoggerFrom(ctx, e.logger).Error("reissue verification code",
					zap.String("recipient_id", rc.ID), zap.Error(err))
				continue
			}
		}
		fx.notify(e.notification(*req, rc, notify.EventVerificationCode))
	}
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
