package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest    = "BAD_REQUEST"
	ErrUnauthorized  = "UNAUTHORIZED"
	ErrNotFound      = "NOT_FOUND"
	ErrConflict      = "CONFLICT"
	ErrInternalError = "INTERNAL_ERROR"
)

// Signing workflow error codes.
const (
	ErrInvalidConfig      = "INVALID_CONFIG"
	ErrInvalidState       = "INVALID_STATE"
	ErrEmptyRequest       = "EMPTY_REQUEST"
	ErrUnknownFieldType   = "UNKNOWN_FIELD_TYPE"
	ErrValidationError    = "VALIDATION_ERROR"
	ErrOutOfOrder         = "OUT_OF_ORDER"
	ErrVerificationFailed = "VERIFICATION_FAILED"
	ErrDeclineNotAllowed  = "DECLINE_NOT_ALLOWED"
	ErrNotAuthorized      = "NOT_AUTHORIZED"
	ErrInvalidAudit       = "INVALID_AUDIT"
	ErrFieldOverlap       = "FIELD_OVERLAP"
	ErrFieldOutOfBounds   = "FIELD_OUT_OF_BOUNDS"
)

// Validation sub-reasons carried in FieldError.Code of a VALIDATION_ERROR.
const (
	ReasonRequiredFieldMissing = "REQUIRED_FIELD_MISSING"
	ReasonLengthViolation      = "LENGTH_VIOLATION"
	ReasonPatternMismatch      = "PATTERN_MISMATCH"
)

// ErrorEnvelope is the error type returned by every signing operation.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details []FieldError      `json:"details,omitempty"`
	Meta    map[string]string `json:"meta,omitempty"`
	TraceID string            `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HasCode reports whether err is (or wraps) an ErrorEnvelope with the given code.
func HasCode(err error, code string) bool {
	var ee *ErrorEnvelope
	if !errors.As(err, &ee) {
		return false
	}
	return ee.Code == code
}

// ValidationReason returns the sub-reason of a VALIDATION_ERROR, or "" when
// err is not a validation error.
func ValidationReason(err error) string {
	var ee *ErrorEnvelope
	if !errors.As(err, &ee) || ee.Code != ErrValidationError || len(ee.Details) == 0 {
		return ""
	}
	return ee.Details[0].Code
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewInvalidConfigError returns an INVALID_CONFIG error.
func NewInvalidConfigError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidConfig, Message: msg}
}

// NewInvalidStateError returns an INVALID_STATE error.
func NewInvalidStateError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidState, Message: msg}
}

// NewEmptyRequestError returns an EMPTY_REQUEST error.
func NewEmptyRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrEmptyRequest, Message: msg}
}

// NewUnknownFieldTypeError returns an UNKNOWN_FIELD_TYPE error.
func NewUnknownFieldTypeError(fieldType string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrUnknownFieldType,
		Message: fmt.Sprintf("unknown field type %q", fieldType),
	}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
// The first detail's code is the sub-reason.
func NewValidationError(details ...FieldError) *ErrorEnvelope {
	msg := "One or more fields are invalid"
	if len(details) == 1 {
		msg = details[0].Message
	}
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: msg,
		Details: details,
	}
}

// NewOutOfOrderError returns an OUT_OF_ORDER error naming the recipient
// that has to complete first.
func NewOutOfOrderError(blockingRecipientID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrOutOfOrder,
		Message: fmt.Sprintf("recipient %q must complete signing first", blockingRecipientID),
		Meta:    map[string]string{"blockingRecipientId": blockingRecipientID},
	}
}

// NewVerificationFailedError returns a VERIFICATION_FAILED error. The message
// is the same for a wrong and an expired code.
func NewVerificationFailedError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrVerificationFailed,
		Message: "verification code is invalid or expired",
	}
}

// NewDeclineNotAllowedError returns a DECLINE_NOT_ALLOWED error.
func NewDeclineNotAllowedError(requestID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrDeclineNotAllowed,
		Message: fmt.Sprintf("signature request %q does not allow declining", requestID),
	}
}

// NewNotAuthorizedError returns a NOT_AUTHORIZED error.
func NewNotAuthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotAuthorized, Message: msg}
}

// NewInvalidAuditError returns an INVALID_AUDIT error.
func NewInvalidAuditError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidAudit, Message: msg}
}

// NewFieldOverlapError returns a FIELD_OVERLAP error.
func NewFieldOverlapError(existingFieldID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrFieldOverlap,
		Message: fmt.Sprintf("field overlaps existing field %q", existingFieldID),
		Meta:    map[string]string{"fieldId": existingFieldID},
	}
}

// NewFieldOutOfBoundsError returns a FIELD_OUT_OF_BOUNDS error.
func NewFieldOutOfBoundsError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrFieldOutOfBounds, Message: msg}
}
