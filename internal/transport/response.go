// Package transport contains the HTTP router, middleware chain, and request
// handlers of the signing API.
package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/pitabwire/signet/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:         http.StatusBadRequest,
	model.ErrUnauthorized:       http.StatusUnauthorized,
	model.ErrNotFound:           http.StatusNotFound,
	model.ErrConflict:           http.StatusConflict,
	model.ErrInternalError:      http.StatusInternalServerError,
	model.ErrInvalidConfig:      http.StatusBadRequest,
	model.ErrUnknownFieldType:   http.StatusBadRequest,
	model.ErrInvalidState:       http.StatusConflict,
	model.ErrOutOfOrder:         http.StatusConflict,
	model.ErrFieldOverlap:       http.StatusConflict,
	model.ErrEmptyRequest:       http.StatusUnprocessableEntity,
	model.ErrValidationError:    http.StatusUnprocessableEntity,
	model.ErrFieldOutOfBounds:   http.StatusUnprocessableEntity,
	model.ErrNotAuthorized:      http.StatusForbidden,
	model.ErrDeclineNotAllowed:  http.StatusForbidden,
	model.ErrVerificationFailed: http.StatusForbidden,
	model.ErrInvalidAudit:       http.StatusInternalServerError,
}

// StatusFor returns the HTTP status for an error code.
func StatusFor(code string) int {
	if status, ok := statusForCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes an ErrorEnvelope as a JSON response with the matching
// HTTP status code. Errors that are not an *ErrorEnvelope become a generic
// 500 so infrastructure details never reach the client.
func WriteError(w http.ResponseWriter, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}

	type errorResponse struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	WriteJSON(w, StatusFor(ee.Code), errorResponse{Error: ee})
}

// decodeJSON decodes the request body into v. An empty body leaves v
// untouched so optional bodies (reasons, comments) can be omitted.
func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return model.NewBadRequestError("request body too large")
	}
	return model.NewBadRequestError("invalid JSON body")
}
