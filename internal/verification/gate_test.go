package verification

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/signet/model"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestGate() (*Gate, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)}
	return NewGate(WithClock(clock.Now)), clock
}

func recipient() model.SignatureRecipient {
	return model.SignatureRecipient{
		Entity:             model.Entity{ID: "rcp-1"},
		Email:              "ada@example.com",
		VerificationMethod: model.VerificationEmail,
	}
}

func TestIssueCode_format_and_expiry(t *testing.T) {
	g, clock := newTestGate()

	issued, err := g.IssueCode(recipient())
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^\d{6}$`), issued.VerificationCode)
	require.NotNil(t, issued.VerificationExpiresAt)
	assert.Equal(t, clock.Now().Add(15*time.Minute), *issued.VerificationExpiresAt)
	assert.False(t, issued.IsVerified)
}

func TestCheck_single_use(t *testing.T) {
	g, _ := newTestGate()
	issued, err := g.IssueCode(recipient())
	require.NoError(t, err)
	code := issued.VerificationCode

	verified, err := g.Check(issued, code)
	require.NoError(t, err)
	assert.True(t, verified.IsVerified)
	assert.Empty(t, verified.VerificationCode)
	assert.Nil(t, verified.VerificationExpiresAt)

	_, err = g.Check(verified, code)
	assert.True(t, model.HasCode(err, model.ErrVerificationFailed), "second use must fail, got %v", err)
}

func TestCheck_wrong_code_keeps_state(t *testing.T) {
	g, _ := newTestGate()
	issued, err := g.IssueCode(recipient())
	require.NoError(t, err)

	wrong := "000000"
	if issued.VerificationCode == wrong {
		wrong = "111111"
	}
	got, err := g.Check(issued, wrong)
	assert.True(t, model.HasCode(err, model.ErrVerificationFailed))
	assert.Equal(t, issued.VerificationCode, got.VerificationCode)
	assert.False(t, got.IsVerified)

	_, err = g.Check(issued, issued.VerificationCode)
	assert.NoError(t, err, "correct code still valid after a miss")
}

func TestCheck_expired(t *testing.T) {
	g, clock := newTestGate()
	issued, err := g.IssueCode(recipient())
	require.NoError(t, err)

	clock.Advance(15 * time.Minute)
	_, err = g.Check(issued, issued.VerificationCode)
	assert.True(t, model.HasCode(err, model.ErrVerificationFailed))
}

func TestCheck_no_code_issued(t *testing.T) {
	g, _ := newTestGate()
	_, err := g.Check(recipient(), "123456")
	assert.True(t, model.HasCode(err, model.ErrVerificationFailed))
}

func TestIssueCode_replaces_previous(t *testing.T) {
	g, clock := newTestGate()
	first, err := g.IssueCode(recipient())
	require.NoError(t, err)

	clock.Advance(time.Minute)
	second, err := g.IssueCode(first)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(g.TTL()), *second.VerificationExpiresAt)

	if first.VerificationCode != second.VerificationCode {
		_, err = g.Check(second, first.VerificationCode)
		assert.True(t, model.HasCode(err, model.ErrVerificationFailed), "old code must be rejected")
	}
}

func TestWithTTL(t *testing.T) {
	g := NewGate(WithTTL(time.Minute))
	assert.Equal(t, time.Minute, g.TTL())
	g = NewGate(WithTTL(0))
	assert.Equal(t, DefaultCodeTTL, g.TTL())
}
