package model

import "time"

// Audit actions recorded by the signing engine.
const (
	ActionRequestCreated       = "request_created"
	ActionRequestUpdated       = "request_updated"
	ActionRecipientAdded       = "recipient_added"
	ActionRecipientRemoved     = "recipient_removed"
	ActionFieldAssigned        = "field_assigned"
	ActionRequestSent          = "request_sent"
	ActionRecipientViewed      = "recipient_viewed"
	ActionVerificationIssued   = "verification_code_issued"
	ActionRecipientVerified    = "recipient_verified"
	ActionVerificationFailed   = "verification_failed"
	ActionSigningStarted       = "signing_started"
	ActionFieldCompleted       = "field_completed"
	ActionSignatureCaptured    = "signature_captured"
	ActionSignatureInvalidated = "signature_invalidated"
	ActionRecipientCompleted   = "recipient_completed"
	ActionRecipientDeclined    = "recipient_declined"
	ActionRequestCompleted     = "request_completed"
	ActionRequestCancelled     = "request_cancelled"
	ActionRequestExpired       = "request_expired"
	ActionReminderSent         = "reminder_sent"
)

// ActorSystem identifies mutations not triggered by a person.
const ActorSystem = "system"

// ActivityLog is one append-only audit ledger entry.
type ActivityLog struct {
	ID         string         `json:"id"`
	Action     string         `json:"action"`
	ActorID    string         `json:"actorId"`
	DocumentID string         `json:"documentId,omitempty"`
	RequestID  string         `json:"requestId,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	IPAddress  string         `json:"ipAddress,omitempty"`
	UserAgent  string         `json:"userAgent,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}
