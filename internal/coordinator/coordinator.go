// Package coordinator decides which recipients of a signature request may act
// and enforces the recipient status lifecycle.
package coordinator

import (
	"fmt"
	"sort"
	"time"

	"github.com/pitabwire/signet/model"
)

// CanStartSigning reports whether the recipient may move to in_progress.
// Under sequential ordering every gating recipient with a strictly lower
// signingOrder must be completed first; recipients sharing an order sign in
// parallel. A declined lower recipient does not block when the request does
// not require all recipients.
func CanStartSigning(req model.SignatureRequest, recipientID string) error {
	r, _ := req.Recipient(recipientID)
	if r == nil {
		return model.NewNotFoundError(fmt.Sprintf("recipient %s not found", recipientID))
	}
	if r.Status.IsDone() {
		return model.NewInvalidStateError(fmt.Sprintf("recipient %s is already %s", recipientID, r.Status))
	}
	if !r.Role.Gating() {
		return model.NewInvalidStateError(fmt.Sprintf("recipients with role %s do not sign", r.Role))
	}
	if req.CompletionOrder != model.CompletionOrderSequential {
		return nil
	}

	if blocking := firstBlocking(req, *r); blocking != "" {
		return model.NewOutOfOrderError(blocking)
	}
	return nil
}

func firstBlocking(req model.SignatureRequest, r model.SignatureRecipient) string {
	candidates := make([]model.SignatureRecipient, 0, len(req.Recipients))
	for _, other := range req.Recipients {
		if other.ID == r.ID || !other.Role.Gating() || other.SigningOrder >= r.SigningOrder {
			continue
		}
		switch other.Status {
		case model.RecipientStatusCompleted:
			continue
		case model.RecipientStatusDeclined:
			if !req.RequireAllRecipients {
				continue
			}
		}
		candidates = append(candidates, other)
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].SigningOrder < candidates[j].SigningOrder
	})
	return candidates[0].ID
}

// Transition moves the recipient to the given status, stamping the matching
// timestamp. Statuses only move forward; declined is reachable from any
// status except completed and is final. Transitioning to the current status
// is a no-op.
func Transition(r *model.SignatureRecipient, to model.RecipientStatus, now time.Time) error {
	if r.Status == to {
		return nil
	}
	if r.Status == model.RecipientStatusDeclined {
		return model.NewInvalidStateError(fmt.Sprintf("recipient %s has declined", r.ID))
	}

	switch to {
	case model.RecipientStatusDeclined:
		if r.Status == model.RecipientStatusCompleted {
			return model.NewInvalidStateError(fmt.Sprintf("recipient %s has already completed", r.ID))
		}
		r.DeclinedAt = model.TimePtr(now)
	default:
		if to.Rank() < 0 {
			return model.NewInvalidStateError(fmt.Sprintf("unknown recipient status %q", to))
		}
		if to.Rank() < r.Status.Rank() {
			return model.NewInvalidStateError(fmt.Sprintf("recipient %s cannot move from %s to %s", r.ID, r.Status, to))
		}
		if r.ViewedAt == nil && to.Rank() >= model.RecipientStatusViewed.Rank() {
			r.ViewedAt = model.TimePtr(now)
		}
		if to == model.RecipientStatusCompleted {
			r.CompletedAt = model.TimePtr(now)
		}
	}

	r.Status = to
	r.Touch(now)
	return nil
}

// ActiveGroup returns the gating recipients that are expected to act now.
// For any-order requests that is every gating recipient still working; for
// sequential requests it is the lowest signingOrder group with recipients
// still working.
func ActiveGroup(req model.SignatureRequest) []model.SignatureRecipient {
	var open []model.SignatureRecipient
	for _, r := range req.Recipients {
		if r.Role.Gating() && !r.Status.IsDone() {
			open = append(open, r)
		}
	}
	if req.CompletionOrder != model.CompletionOrderSequential || len(open) == 0 {
		return open
	}

	lowest := open[0].SigningOrder
	for _, r := range open[1:] {
		if r.SigningOrder < lowest {
			lowest = r.SigningOrder
		}
	}
	var group []model.SignatureRecipient
	for _, r := range open {
		if r.SigningOrder == lowest && CanStartSigning(req, r.ID) == nil {
			group = append(group, r)
		}
	}
	return group
}
