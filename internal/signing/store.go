// Package signing owns the lifecycle of signature requests: creation,
// recipient and field setup, sending, signing, declining, completion, and
// the terminal transitions.
package signing

import (
	"context"
	"time"

	"github.com/pitabwire/signet/model"
)

// RequestStore persists signature request aggregates.
type RequestStore interface {
	// Create persists a new request. Returns CONFLICT if the ID exists.
	Create(ctx context.Context, req model.SignatureRequest) error

	// Get retrieves a request by ID. Returns NOT_FOUND if it doesn't exist.
	Get(ctx context.Context, requestID string) (model.SignatureRequest, error)

	// Update persists an updated request with optimistic locking. The
	// request's Version must match the stored version; the stored version is
	// incremented. Returns CONFLICT if the version has changed.
	Update(ctx context.Context, req model.SignatureRequest) error

	// FindByAccessToken returns the request holding a recipient with the
	// given access token. Returns NOT_FOUND when no recipient matches.
	FindByAccessToken(ctx context.Context, token string) (model.SignatureRequest, error)

	// FindActive returns sent and in-progress requests.
	FindActive(ctx context.Context, filters RequestFilters) ([]model.SignatureRequest, error)

	// FindDueBefore returns non-terminal requests whose due date is before
	// cutoff, oldest due date first.
	FindDueBefore(ctx context.Context, cutoff time.Time) ([]model.SignatureRequest, error)
}

// RequestFilters are optional filters for listing requests.
type RequestFilters struct {
	CreatedBy string
	Limit     int
	Offset    int
}
