// Package verification issues and checks the one-time codes recipients use
// to prove their identity before signing.
package verification

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"time"

	"github.com/pitabwire/signet/model"
)

// DefaultCodeTTL is how long an issued code stays valid.
const DefaultCodeTTL = 15 * time.Minute

const codeDigits = 6

var codeSpace = big.NewInt(1_000_000)

// Gate issues and consumes verification codes. It never stores anything
// itself; callers persist the returned recipient.
type Gate struct {
	ttl time.Duration
	now func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithTTL overrides the code lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(g *Gate) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

// NewGate creates a Gate with a 15 minute code TTL.
func NewGate(opts ...Option) *Gate {
	g := &Gate{ttl: DefaultCodeTTL, now: time.Now}
	for _, o := range opts {
		o(g)
	}
	return g
}

// IssueCode returns a copy of the recipient holding a fresh code. Any code
// issued earlier is replaced and verification is reset.
func (g *Gate) IssueCode(r model.SignatureRecipient) (model.SignatureRecipient, error) {
	code, err := generateCode()
	if err != nil {
		return r, fmt.Errorf("generate verification code: %w", err)
	}
	out := r.Clone()
	out.VerificationCode = code
	out.VerificationExpiresAt = model.TimePtr(g.now().Add(g.ttl))
	out.IsVerified = false
	return out, nil
}

// Check consumes the recipient's code. On success the returned copy is
// verified and holds no code. Mismatches and expiry both fail with
// VERIFICATION_FAILED and return the recipient unchanged.
func (g *Gate) Check(r model.SignatureRecipient, code string) (model.SignatureRecipient, error) {
	if r.VerificationCode == "" || r.VerificationExpiresAt == nil {
		return r, model.NewVerificationFailedError()
	}
	match := subtle.ConstantTimeCompare([]byte(r.VerificationCode), []byte(code)) == 1
	if !match || !g.now().Before(*r.VerificationExpiresAt) {
		return r, model.NewVerificationFailedError()
	}
	out := r.Clone()
	out.VerificationCode = ""
	out.VerificationExpiresAt = nil
	out.IsVerified = true
	return out, nil
}

// TTL returns the configured code lifetime.
func (g *Gate) TTL() time.Duration {
	return g.ttl
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}
