package signing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/signet/model"
)

func storedRequest(id string, status model.RequestStatus, createdAt time.Time) model.SignatureRequest {
	return model.SignatureRequest{
		Entity:     model.NewEntity(id, createdAt),
		DocumentID: "doc-1",
		CreatedBy:  "owner-1",
		Status:     status,
		Version:    1,
		Recipients: []model.SignatureRecipient{{
			Entity:      model.Entity{ID: id + "-r1"},
			Email:       "a@example.com",
			AccessToken: "tok-" + id,
		}},
	}
}

func TestMemoryRequestStore_CreateGet(t *testing.T) {
	s := NewMemoryRequestStore()
	ctx := context.Background()
	now := time.Now().UTC()

	req := storedRequest("req-1", model.RequestStatusDraft, now)
	require.NoError(t, s.Create(ctx, req))

	err := s.Create(ctx, req)
	assert.True(t, model.HasCode(err, model.ErrConflict), "got %v", err)

	got, err := s.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, req, got)

	// Returned values do not alias the stored request.
	got.Recipients[0].Email = "changed@example.com"
	again, err := s.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", again.Recipients[0].Email)

	_, err = s.Get(ctx, "missing")
	assert.True(t, model.HasCode(err, model.ErrNotFound), "got %v", err)
}

func TestMemoryRequestStore_UpdateChecksVersion(t *testing.T) {
	s := NewMemoryRequestStore()
	ctx := context.Background()
	req := storedRequest("req-1", model.RequestStatusDraft, time.Now().UTC())
	require.NoError(t, s.Create(ctx, req))

	first, err := s.Get(ctx, "req-1")
	require.NoError(t, err)
	second := first.Clone()

	first.Title = "first writer"
	require.NoError(t, s.Update(ctx, first))

	second.Title = "second writer"
	err = s.Update(ctx, second)
	assert.True(t, model.HasCode(err, model.ErrConflict), "got %v", err)

	got, err := s.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "first writer", got.Title)
	assert.Equal(t, 2, got.Version)

	missing := storedRequest("nope", model.RequestStatusDraft, time.Now().UTC())
	err = s.Update(ctx, missing)
	assert.True(t, model.HasCode(err, model.ErrNotFound), "got %v", err)
}

func TestMemoryRequestStore_TokenIndexFollowsUpdates(t *testing.T) {
	s := NewMemoryRequestStore()
	ctx := context.Background()
	req := storedRequest("req-1", model.RequestStatusDraft, time.Now().UTC())
	require.NoError(t, s.Create(ctx, req))

	got, err := s.FindByAccessToken(ctx, "tok-req-1")
	require.NoError(t, err)
	assert.Equal(t, "req-1", got.ID)

	got.Recipients = nil
	require.NoError(t, s.Update(ctx, got))

	_, err = s.FindByAccessToken(ctx, "tok-req-1")
	assert.True(t, model.HasCode(err, model.ErrNotFound), "got %v", err)
	_, err = s.FindByAccessToken(ctx, "")
	assert.True(t, model.HasCode(err, model.ErrNotFound), "got %v", err)
}

func TestMemoryRequestStore_FindActive(t *testing.T) {
	s := NewMemoryRequestStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.Create(ctx, storedRequest("old", model.RequestStatusSent, base)))
	require.NoError(t, s.Create(ctx, storedRequest("mid", model.RequestStatusInProgress, base.Add(time.Hour))))
	require.NoError(t, s.Create(ctx, storedRequest("new", model.RequestStatusSent, base.Add(2*time.Hour))))
	require.NoError(t, s.Create(ctx, storedRequest("draft", model.RequestStatusDraft, base.Add(3*time.Hour))))
	require.NoError(t, s.Create(ctx, storedRequest("done", model.RequestStatusCompleted, base.Add(4*time.Hour))))

	ids := func(reqs []model.SignatureRequest) []string {
		out := make([]string, len(reqs))
		for i, r := range reqs {
			out[i] = r.ID
		}
		return out
	}

	all, err := s.FindActive(ctx, RequestFilters{})
	require.NoError(t, err)
	assert.Equal(t, []string{"new", "mid", "old"}, ids(all))

	page, err := s.FindActive(ctx, RequestFilters{Offset: 1, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"mid"}, ids(page))

	none, err := s.FindActive(ctx, RequestFilters{CreatedBy: "someone-else"})
	require.NoError(t, err)
	assert.Empty(t, none)

	past, err := s.FindActive(ctx, RequestFilters{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, past)
}

func TestMemoryRequestStore_FindDueBefore(t *testing.T) {
	s := NewMemoryRequestStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	withDue := func(id string, status model.RequestStatus, due time.Time) model.SignatureRequest {
		r := storedRequest(id, status, base)
		r.DueDate = &due
		return r
	}
	require.NoError(t, s.Create(ctx, withDue("late", model.RequestStatusSent, base.Add(2*time.Hour))))
	require.NoError(t, s.Create(ctx, withDue("early", model.RequestStatusDraft, base.Add(time.Hour))))
	require.NoError(t, s.Create(ctx, withDue("future", model.RequestStatusSent, base.Add(48*time.Hour))))
	require.NoError(t, s.Create(ctx, withDue("closed", model.RequestStatusCancelled, base.Add(time.Hour))))
	require.NoError(t, s.Create(ctx, storedRequest("undated", model.RequestStatusSent, base)))

	due, err := s.FindDueBefore(ctx, base.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "early", due[0].ID)
	assert.Equal(t, "late", due[1].ID)
}
