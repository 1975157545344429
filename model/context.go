package model

import (
	"context"
	"errors"
)

// RequestContext carries the caller identity and client metadata for one
// inbound request. Owners are identified by a verified JWT subject; recipients
// are identified by their access token and carry the recipient ID as subject.
type RequestContext struct {
	SubjectID     string
	Email         string
	Roles         []string
	Claims        map[string]any
	CorrelationID string
	TraceID       string
	SpanID        string
	IPAddress     string
	UserAgent     string
}

// Validate checks that the subject is present.
func (rc *RequestContext) Validate() error {
	if rc.SubjectID == "" {
		return errors.New("SubjectID is required")
	}
	return nil
}

// HasRole returns true if the RequestContext contains the given role.
func (rc *RequestContext) HasRole(role string) bool {
	for _, r := range rc.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Claim returns the value of the given claim key, or nil if not present.
func (rc *RequestContext) Claim(key string) any {
	if rc.Claims == nil {
		return nil
	}
	return rc.Claims[key]
}

// Actor returns the audit identity of the caller.
func (rc *RequestContext) Actor() Actor {
	return Actor{ID: rc.SubjectID, IPAddress: rc.IPAddress, UserAgent: rc.UserAgent}
}

// Actor identifies who performed a mutation, for authorization and audit.
type Actor struct {
	ID        string
	IPAddress string
	UserAgent string
}

// SystemActor is used for scheduler driven mutations.
func SystemActor() Actor {
	return Actor{ID: ActorSystem}
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns nil
// if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}

// MustRequestContext extracts the RequestContext from the context, panicking if
// it is not present. Only call it behind the authentication middleware.
func MustRequestContext(ctx context.Context) *RequestContext {
	rctx := RequestContextFrom(ctx)
	if rctx == nil {
		panic("model: RequestContext not found in context")
	}
	return rctx
}
