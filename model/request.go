package model

import "time"

// RequestStatus is the lifecycle state of a SignatureRequest.
type RequestStatus string

// Signature request statuses.
const (
	RequestStatusDraft      RequestStatus = "draft"
	RequestStatusSent       RequestStatus = "sent"
	RequestStatusInProgress RequestStatus = "in_progress"
	RequestStatusCompleted  RequestStatus = "completed"
	RequestStatusCancelled  RequestStatus = "cancelled"
	RequestStatusExpired    RequestStatus = "expired"
)

// IsTerminal reports whether no further transition is possible.
func (s RequestStatus) IsTerminal() bool {
	switch s {
	case RequestStatusCompleted, RequestStatusCancelled, RequestStatusExpired:
		return true
	}
	return false
}

// IsActive reports whether recipients may act on the request.
func (s RequestStatus) IsActive() bool {
	return s == RequestStatusSent || s == RequestStatusInProgress
}

// CompletionOrder controls whether recipients sign in any order or in
// ascending signingOrder.
type CompletionOrder string

// Completion orders.
const (
	CompletionOrderAny        CompletionOrder = "any"
	CompletionOrderSequential CompletionOrder = "sequential"
)

// Valid reports whether the order is one of the recognized values.
func (o CompletionOrder) Valid() bool {
	return o == CompletionOrderAny || o == CompletionOrderSequential
}

// RequestType describes what recipients are asked to do.
type RequestType string

// Request types.
const (
	RequestTypeSignature RequestType = "signature"
	RequestTypeFormFill  RequestType = "form_fill"
	RequestTypeBoth      RequestType = "both"
)

// Valid reports whether the type is one of the recognized values.
func (t RequestType) Valid() bool {
	switch t {
	case RequestTypeSignature, RequestTypeFormFill, RequestTypeBoth:
		return true
	}
	return false
}

// DefaultReminderFrequencyDays is used when a request does not set one.
const DefaultReminderFrequencyDays = 3

// SignatureRequest is the aggregate root of a signing workflow. It owns its
// recipients (and through them their fields) and the signatures captured
// for it.
type SignatureRequest struct {
	Entity
	DocumentID           string               `json:"documentId"`
	CreatedBy            string               `json:"createdBy"`
	Title                string               `json:"title"`
	Message              string               `json:"message,omitempty"`
	RequestType          RequestType          `json:"requestType"`
	Status               RequestStatus        `json:"status"`
	CompletionOrder      CompletionOrder      `json:"completionOrder"`
	RequireAllRecipients bool                 `json:"requireAllRecipients"`
	AllowDecline         bool                 `json:"allowDecline"`
	DueDate              *time.Time           `json:"dueDate,omitempty"`
	ReminderFrequency    int                  `json:"reminderFrequency"`
	LastReminderSent     *time.Time           `json:"lastReminderSent,omitempty"`
	SentAt               *time.Time           `json:"sentAt,omitempty"`
	CompletedAt          *time.Time           `json:"completedAt,omitempty"`
	CancelledAt          *time.Time           `json:"cancelledAt,omitempty"`
	ExpiredAt            *time.Time           `json:"expiredAt,omitempty"`
	Recipients           []SignatureRecipient `json:"recipients"`
	Signatures           []DigitalSignature   `json:"signatures,omitempty"`
	Version              int                  `json:"version"`
}

// Progress summarizes how many recipients have completed.
type Progress struct {
	Total      int     `json:"total"`
	Completed  int     `json:"completed"`
	Percentage float64 `json:"percentage"`
}

// Progress returns completed/total recipients as a percentage. It is 0 for
// a request without recipients.
func (r SignatureRequest) Progress() Progress {
	p := Progress{Total: len(r.Recipients)}
	for _, rc := range r.Recipients {
		if rc.Status == RecipientStatusCompleted {
			p.Completed++
		}
	}
	if p.Total > 0 {
		p.Percentage = float64(p.Completed) / float64(p.Total) * 100
	}
	return p
}

// IsExpired reports whether the due date has passed at now.
func (r SignatureRequest) IsExpired(now time.Time) bool {
	return r.DueDate != nil && now.After(*r.DueDate)
}

// NeedsReminder reports whether the reminder cadence has elapsed at now.
// Only active requests are ever reminded.
func (r SignatureRequest) NeedsReminder(now time.Time) bool {
	if !r.Status.IsActive() {
		return false
	}
	if r.LastReminderSent == nil {
		ref := r.SentAt
		if ref == nil {
			return true
		}
		return now.Sub(*ref) >= r.reminderInterval()
	}
	return now.Sub(*r.LastReminderSent) >= r.reminderInterval()
}

func (r SignatureRequest) reminderInterval() time.Duration {
	days := r.ReminderFrequency
	if days <= 0 {
		days = DefaultReminderFrequencyDays
	}
	return time.Duration(days) * 24 * time.Hour
}

// Recipient returns the recipient with the given ID and its index.
func (r *SignatureRequest) Recipient(id string) (*SignatureRecipient, int) {
	for i := range r.Recipients {
		if r.Recipients[i].ID == id {
			return &r.Recipients[i], i
		}
	}
	return nil, -1
}

// RecipientByToken returns the recipient holding the given access token.
func (r *SignatureRequest) RecipientByToken(token string) *SignatureRecipient {
	if token == "" {
		return nil
	}
	for i := range r.Recipients {
		if r.Recipients[i].AccessToken == token {
			return &r.Recipients[i]
		}
	}
	return nil
}

// FindField locates a field anywhere in the request and returns it together
// with its owning recipient.
func (r *SignatureRequest) FindField(fieldID string) (*SignatureRecipient, *AssignedField) {
	for i := range r.Recipients {
		if f := r.Recipients[i].Field(fieldID); f != nil {
			return &r.Recipients[i], f
		}
	}
	return nil, nil
}

// FieldCount returns the number of fields assigned across all recipients.
func (r SignatureRequest) FieldCount() int {
	n := 0
	for _, rc := range r.Recipients {
		n += len(rc.Fields)
	}
	return n
}

// Signature returns the signature with the given ID.
func (r *SignatureRequest) Signature(id string) *DigitalSignature {
	for i := range r.Signatures {
		if r.Signatures[i].ID == id {
			return &r.Signatures[i]
		}
	}
	return nil
}

// Clone returns a deep copy so callers can mutate it without touching the
// original.
func (r SignatureRequest) Clone() SignatureRequest {
	out := r
	out.DueDate = cloneTime(r.DueDate)
	out.LastReminderSent = cloneTime(r.LastReminderSent)
	out.SentAt = cloneTime(r.SentAt)
	out.CompletedAt = cloneTime(r.CompletedAt)
	out.CancelledAt = cloneTime(r.CancelledAt)
	out.ExpiredAt = cloneTime(r.ExpiredAt)
	if r.Recipients != nil {
		out.Recipients = make([]SignatureRecipient, len(r.Recipients))
		for i, rc := range r.Recipients {
			out.Recipients[i] = rc.Clone()
		}
	}
	if r.Signatures != nil {
		out.Signatures = make([]DigitalSignature, len(r.Signatures))
		for i, s := range r.Signatures {
			out.Signatures[i] = s.Clone()
		}
	}
	return out
}
