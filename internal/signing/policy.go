package signing

import (
	"fmt"

	"github.com/pitabwire/signet/internal/config"
	"github.com/pitabwire/signet/model"
)

// DeclinePolicy decides whether a decline cancels the request. It sees the
// request with the decline already applied. Independently of the policy, a
// request is always cancelled once every signer and approver has declined.
type DeclinePolicy func(req model.SignatureRequest) bool

// RequireAllPolicy cancels when the request requires every recipient.
func RequireAllPolicy(req model.SignatureRequest) bool {
	return req.RequireAllRecipients
}

// AlwaysCancelPolicy cancels on any decline.
func AlwaysCancelPolicy(model.SignatureRequest) bool {
	return true
}

// NeverCancelPolicy leaves the request open so the remaining recipients can
// still act.
func NeverCancelPolicy(model.SignatureRequest) bool {
	return false
}

// PolicyByName resolves a configured decline policy name.
func PolicyByName(name string) (DeclinePolicy, error) {
	switch name {
	case "", config.DeclinePolicyRequireAll:
		return RequireAllPolicy, nil
	case config.DeclinePolicyAlways:
		return AlwaysCancelPolicy, nil
	case config.DeclinePolicyNever:
		return NeverCancelPolicy, nil
	}
	return nil, fmt.Errorf("unknown decline policy %q", name)
}
