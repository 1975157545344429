package signing

import (
	"time"

	"github.com/pitabwire/signet/model"
)

// EvaluateCompletion reports whether req is complete at now and returns the
// request with the transition applied. The input is never modified.
//
// An active request completes when every signer and approver has completed,
// or, when not all recipients are required, has either completed or
// declined, with at least one completion. cc and viewer recipients never
// hold up completion.
func EvaluateCompletion(req model.SignatureRequest, now time.Time) (model.SignatureRequest, bool) {
	if !req.Status.IsActive() || !allGatingDone(req) {
		return req, false
	}

	out := req.Clone()
	out.Status = model.RequestStatusCompleted
	out.CompletedAt = model.TimePtr(now)
	out.Touch(now)
	return out, true
}

func allGatingDone(req model.SignatureRequest) bool {
	completed := 0
	for _, r := range req.Recipients {
		if !r.Role.Gating() {
			continue
		}
		switch r.Status {
		case model.RecipientStatusCompleted:
			completed++
		case model.RecipientStatusDeclined:
			if req.RequireAllRecipients {
				return false
			}
		default:
			return false
		}
	}
	return completed > 0
}

// noSignersLeft reports whether every signer and approver has declined, in
// which case the request can never complete.
func noSignersLeft(req model.SignatureRequest) bool {
	gating := 0
	for _, r := range req.Recipients {
		if !r.Role.Gating() {
			continue
		}
		gating++
		if r.Status != model.RecipientStatusDeclined {
			return false
		}
	}
	return gating > 0
}
