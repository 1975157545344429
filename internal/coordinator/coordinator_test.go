package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/signet/model"
)

func rcp(id string, order int, status model.RecipientStatus) model.SignatureRecipient {
	return model.SignatureRecipient{
		Entity:       model.Entity{ID: id},
		Role:         model.RoleSigner,
		SigningOrder: order,
		Status:       status,
	}
}

func sequential(requireAll bool, recipients ...model.SignatureRecipient) model.SignatureRequest {
	return model.SignatureRequest{
		CompletionOrder:      model.CompletionOrderSequential,
		RequireAllRecipients: requireAll,
		Recipients:           recipients,
	}
}

func TestCanStartSigning_sequential_blocks_on_lower_order(t *testing.T) {
	req := sequential(true,
		rcp("r1", 1, model.RecipientStatusPending),
		rcp("r2", 2, model.RecipientStatusPending),
	)

	err := CanStartSigning(req, "r2")
	require.True(t, model.HasCode(err, model.ErrOutOfOrder), "got %v", err)
	var ee *model.ErrorEnvelope
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "r1", ee.Meta["blockingRecipientId"])

	assert.NoError(t, CanStartSigning(req, "r1"))
}

func TestCanStartSigning_sequential_passes_after_completion(t *testing.T) {
	req := sequential(true,
		rcp("r1", 1, model.RecipientStatusCompleted),
		rcp("r2", 2, model.RecipientStatusPending),
	)
	assert.NoError(t, CanStartSigning(req, "r2"))
}

func TestCanStartSigning_parallel_group(t *testing.T) {
	req := sequential(true,
		rcp("r1", 1, model.RecipientStatusPending),
		rcp("r2", 1, model.RecipientStatusPending),
		rcp("r3", 2, model.RecipientStatusPending),
	)
	assert.NoError(t, CanStartSigning(req, "r1"))
	assert.NoError(t, CanStartSigning(req, "r2"))
	assert.True(t, model.HasCode(CanStartSigning(req, "r3"), model.ErrOutOfOrder))
}

func TestCanStartSigning_declined_lower_recipient(t *testing.T) {
	recipients := []model.SignatureRecipient{
		rcp("r1", 1, model.RecipientStatusDeclined),
		rcp("r2", 2, model.RecipientStatusPending),
	}
	assert.NoError(t, CanStartSigning(sequential(false, recipients...), "r2"))
	assert.True(t, model.HasCode(CanStartSigning(sequential(true, recipients...), "r2"), model.ErrOutOfOrder))
}

func TestCanStartSigning_cc_never_gates(t *testing.T) {
	cc := rcp("cc", 1, model.RecipientStatusPending)
	cc.Role = model.RoleCC
	req := sequential(true, cc, rcp("r2", 2, model.RecipientStatusPending))

	assert.NoError(t, CanStartSigning(req, "r2"))
	assert.True(t, model.HasCode(CanStartSigning(req, "cc"), model.ErrInvalidState))
}

func TestCanStartSigning_any_order(t *testing.T) {
	req := model.SignatureRequest{
		CompletionOrder: model.CompletionOrderAny,
		Recipients: []model.SignatureRecipient{
			rcp("r1", 1, model.RecipientStatusPending),
			rcp("r2", 2, model.RecipientStatusPending),
			rcp("r3", 3, model.RecipientStatusCompleted),
		},
	}
	assert.NoError(t, CanStartSigning(req, "r2"))
	assert.True(t, model.HasCode(CanStartSigning(req, "r3"), model.ErrInvalidState))
	assert.True(t, model.HasCode(CanStartSigning(req, "missing"), model.ErrNotFound))
}

func TestTransition(t *testing.T) {
	now := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

	r := rcp("r1", 1, model.RecipientStatusPending)
	require.NoError(t, Transition(&r, model.RecipientStatusViewed, now))
	require.NotNil(t, r.ViewedAt)
	assert.Equal(t, now, *r.ViewedAt)

	require.NoError(t, Transition(&r, model.RecipientStatusInProgress, now.Add(time.Minute)))
	assert.Equal(t, now, *r.ViewedAt, "viewedAt is stamped once")

	err := Transition(&r, model.RecipientStatusViewed, now)
	assert.True(t, model.HasCode(err, model.ErrInvalidState), "backward transition must fail")

	require.NoError(t, Transition(&r, model.RecipientStatusCompleted, now.Add(2*time.Minute)))
	require.NotNil(t, r.CompletedAt)

	err = Transition(&r, model.RecipientStatusDeclined, now)
	assert.True(t, model.HasCode(err, model.ErrInvalidState), "completed cannot decline")
}

func TestTransition_decline_is_final(t *testing.T) {
	now := time.Now()
	r := rcp("r1", 1, model.RecipientStatusViewed)
	require.NoError(t, Transition(&r, model.RecipientStatusDeclined, now))
	require.NotNil(t, r.DeclinedAt)

	assert.NoError(t, Transition(&r, model.RecipientStatusDeclined, now))
	assert.True(t, model.HasCode(Transition(&r, model.RecipientStatusInProgress, now), model.ErrInvalidState))
}

func TestTransition_skip_viewed_stamps_viewedAt(t *testing.T) {
	now := time.Now()
	r := rcp("r1", 1, model.RecipientStatusPending)
	require.NoError(t, Transition(&r, model.RecipientStatusInProgress, now))
	assert.NotNil(t, r.ViewedAt)
}

func TestActiveGroup(t *testing.T) {
	seq := sequential(true,
		rcp("r1", 1, model.RecipientStatusCompleted),
		rcp("r2", 2, model.RecipientStatusPending),
		rcp("r3", 2, model.RecipientStatusViewed),
		rcp("r4", 3, model.RecipientStatusPending),
	)
	ids := func(rs []model.SignatureRecipient) []string {
		var out []string
		for _, r := range rs {
			out = append(out, r.ID)
		}
		return out
	}
	assert.Equal(t, []string{"r2", "r3"}, ids(ActiveGroup(seq)))

	seq.CompletionOrder = model.CompletionOrderAny
	assert.Equal(t, []string{"r2", "r3", "r4"}, ids(ActiveGroup(seq)))

	done := sequential(true, rcp("r1", 1, model.RecipientStatusCompleted))
	assert.Empty(t, ActiveGroup(done))
}
