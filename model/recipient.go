package model

import "time"

// RecipientStatus is the progress of a single recipient.
type RecipientStatus string

// Recipient statuses.
const (
	RecipientStatusPending    RecipientStatus = "pending"
	RecipientStatusViewed     RecipientStatus = "viewed"
	RecipientStatusInProgress RecipientStatus = "in_progress"
	RecipientStatusCompleted  RecipientStatus = "completed"
	RecipientStatusDeclined   RecipientStatus = "declined"
)

// Rank orders the non-declined statuses; declined has no rank (-1).
func (s RecipientStatus) Rank() int {
	switch s {
	case RecipientStatusPending:
		return 0
	case RecipientStatusViewed:
		return 1
	case RecipientStatusInProgress:
		return 2
	case RecipientStatusCompleted:
		return 3
	}
	return -1
}

// IsDone reports whether the recipient can no longer act.
func (s RecipientStatus) IsDone() bool {
	return s == RecipientStatusCompleted || s == RecipientStatusDeclined
}

// RecipientRole describes what a recipient does with the request.
type RecipientRole string

// Recipient roles. Only signers and approvers gate completion; cc and viewer
// recipients are informed but never asked to act.
const (
	RoleSigner   RecipientRole = "signer"
	RoleApprover RecipientRole = "approver"
	RoleCC       RecipientRole = "cc"
	RoleViewer   RecipientRole = "viewer"
)

// Valid reports whether the role is recognized.
func (r RecipientRole) Valid() bool {
	switch r {
	case RoleSigner, RoleApprover, RoleCC, RoleViewer:
		return true
	}
	return false
}

// Gating reports whether recipients with this role must complete.
func (r RecipientRole) Gating() bool {
	return r == RoleSigner || r == RoleApprover
}

// VerificationMethod selects how a recipient proves their identity.
type VerificationMethod string

// Verification methods.
const (
	VerificationNone  VerificationMethod = "none"
	VerificationEmail VerificationMethod = "email"
	VerificationSMS   VerificationMethod = "sms"
	VerificationBoth  VerificationMethod = "both"
)

// Valid reports whether the method is recognized.
func (m VerificationMethod) Valid() bool {
	switch m {
	case VerificationNone, VerificationEmail, VerificationSMS, VerificationBoth:
		return true
	}
	return false
}

// RequiresCode reports whether a verification code must be issued.
func (m VerificationMethod) RequiresCode() bool {
	return m != VerificationNone && m != ""
}

// SignatureRecipient is one party asked to act on a SignatureRequest.
type SignatureRecipient struct {
	Entity
	RequestID             string             `json:"requestId"`
	Email                 string             `json:"recipientEmail"`
	Name                  string             `json:"recipientName"`
	UserID                string             `json:"recipientUserId,omitempty"`
	Role                  RecipientRole      `json:"role"`
	SigningOrder          int                `json:"signingOrder"`
	Status                RecipientStatus    `json:"status"`
	AccessToken           string             `json:"accessToken"`
	PhoneNumber           string             `json:"phoneNumber,omitempty"`
	VerificationMethod    VerificationMethod `json:"verificationMethod"`
	VerificationCode      string             `json:"verificationCode,omitempty"`
	VerificationExpiresAt *time.Time         `json:"verificationExpiresAt,omitempty"`
	IsVerified            bool               `json:"isVerified"`
	PersonalMessage       string             `json:"personalMessage,omitempty"`
	ViewedAt              *time.Time         `json:"viewedAt,omitempty"`
	CompletedAt           *time.Time         `json:"completedAt,omitempty"`
	DeclinedAt            *time.Time         `json:"declinedAt,omitempty"`
	DeclineReason         string             `json:"declineReason,omitempty"`
	IPAddress             string             `json:"ipAddress,omitempty"`
	UserAgent             string             `json:"userAgent,omitempty"`
	Fields                []AssignedField    `json:"fields"`
}

// Field returns the owned field with the given ID.
func (r *SignatureRecipient) Field(id string) *AssignedField {
	for i := range r.Fields {
		if r.Fields[i].ID == id {
			return &r.Fields[i]
		}
	}
	return nil
}

// RequiredFieldsComplete reports whether every required field is completed
// and returns the first incomplete one otherwise.
func (r SignatureRecipient) RequiredFieldsComplete() (bool, string) {
	for _, f := range r.Fields {
		if f.IsRequired && !f.IsCompleted() {
			return false, f.ID
		}
	}
	return true, ""
}

// HasRequiredFields reports whether at least one field is required.
func (r SignatureRecipient) HasRequiredFields() bool {
	for _, f := range r.Fields {
		if f.IsRequired {
			return true
		}
	}
	return false
}

// NeedsVerification reports whether the recipient must verify before signing.
func (r SignatureRecipient) NeedsVerification() bool {
	return r.VerificationMethod.RequiresCode() && !r.IsVerified
}

// Clone returns a deep copy.
func (r SignatureRecipient) Clone() SignatureRecipient {
	out := r
	out.VerificationExpiresAt = cloneTime(r.VerificationExpiresAt)
	out.ViewedAt = cloneTime(r.ViewedAt)
	out.CompletedAt = cloneTime(r.CompletedAt)
	out.DeclinedAt = cloneTime(r.DeclinedAt)
	if r.Fields != nil {
		out.Fields = make([]AssignedField, len(r.Fields))
		for i, f := range r.Fields {
			out.Fields[i] = f.Clone()
		}
	}
	return out
}
