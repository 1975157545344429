package integration

import (
	"net/http"
	"testing"
	"time"

	"github.com/pitabwire/signet/internal/idempotency"
	"github.com/pitabwire/signet/model"
)

// ==========================================================================
// Retried Writes
// ==========================================================================

func TestRetry_CreateWithSameKeyReturnsOriginalDraft(t *testing.T) {
	h := NewTestHarness(t)
	owner := h.GenerateToken(OwnerClaims())
	headers := map[string]string{idempotency.Header: "7c1e2f80-create"}
	body := RequestFixture("Supply agreement", model.CompletionOrderAny)

	var first, retry model.SignatureRequest
	h.AssertJSON(t, h.Do(http.MethodPost, "/v1/requests", body, owner, headers), http.StatusCreated, &first)

	resp := h.Do(http.MethodPost, "/v1/requests", body, owner, headers)
	if resp.Header.Get("Idempotent-Replayed") != "true" {
		t.Error("retry should be marked as replayed")
	}
	h.AssertJSON(t, resp, http.StatusCreated, &retry)
	if retry.ID != first.ID {
		t.Errorf("retry created %s, want %s", retry.ID, first.ID)
	}

	if h.Idempotency.Len() != 1 {
		t.Errorf("stored responses = %d, want 1", h.Idempotency.Len())
	}

	// A different body under the same key is refused.
	changed := RequestFixture("Supply agreement v2", model.CompletionOrderAny)
	h.AssertError(t, h.Do(http.MethodPost, "/v1/requests", changed, owner, headers), http.StatusConflict, model.ErrConflict)
}

func TestRetry_SignatureSubmissionIsCapturedOnce(t *testing.T) {
	h := NewTestHarness(t)
	owner := h.GenerateToken(OwnerClaims())
	sent := sendSingleSigner(t, h, owner)
	rcp := sent.Recipients[0]
	link := "/v1/sign/" + rcp.AccessToken

	var session SigningSession
	h.AssertJSON(t, h.GET(link, ""), http.StatusOK, &session)
	var fieldID string
	for _, f := range session.Recipient.Fields {
		if f.FieldType == model.FieldTypeSignature {
			fieldID = f.ID
		}
	}
	if fieldID == "" {
		t.Fatalf("no signature field in session: %s", FormatJSON(session))
	}

	h.AssertStatus(t, h.POST(link+"/start", nil, ""), http.StatusOK)

	headers := map[string]string{idempotency.Header: "sig-attempt-1"}
	body := map[string]any{"signatureData": DrawnSignature}

	var first, retry model.DigitalSignature
	h.AssertJSON(t, h.Do(http.MethodPut, link+"/signatures/"+fieldID, body, "", headers), http.StatusCreated, &first)
	h.AssertJSON(t, h.Do(http.MethodPut, link+"/signatures/"+fieldID, body, "", headers), http.StatusCreated, &retry)
	if retry.ID != first.ID || retry.SignatureHash != first.SignatureHash {
		t.Errorf("retry = %s, want the original signature %s", retry.ID, first.ID)
	}

	var activity struct {
		Items []model.ActivityLog `json:"items"`
	}
	h.AssertJSON(t, h.GET("/v1/requests/"+sent.ID+"/activity", owner), http.StatusOK, &activity)
	captured := 0
	for _, entry := range activity.Items {
		if entry.Action == model.ActionSignatureCaptured {
			captured++
		}
	}
	if captured != 1 {
		t.Errorf("signature_captured entries = %d, want 1", captured)
	}
}

// ==========================================================================
// Draft Edits
// ==========================================================================

func TestDraft_OwnerUpdatesDetailsBeforeSending(t *testing.T) {
	h := NewTestHarness(t)
	owner := h.GenerateToken(OwnerClaims())

	var req model.SignatureRequest
	h.AssertJSON(t, h.POST("/v1/requests", RequestFixture("Lease", model.CompletionOrderAny), owner), http.StatusCreated, &req)
	base := "/v1/requests/" + req.ID

	due := time.Now().Add(14 * 24 * time.Hour).UTC().Truncate(time.Second)
	var updated model.SignatureRequest
	h.AssertJSON(t, h.Do(http.MethodPatch, base, map[string]any{
		"title":   "Lease renewal",
		"dueDate": due.Format(time.RFC3339),
	}, owner, nil), http.StatusOK, &updated)
	if updated.Title != "Lease renewal" {
		t.Errorf("title = %q", updated.Title)
	}
	if updated.DueDate == nil || !updated.DueDate.Equal(due) {
		t.Errorf("dueDate = %v, want %v", updated.DueDate, due)
	}

	other := h.GenerateToken(OtherOwnerClaims())
	h.AssertError(t, h.Do(http.MethodPatch, base, map[string]any{"title": "hijacked"}, other, nil),
		http.StatusForbidden, model.ErrNotAuthorized)

	var rcp model.SignatureRecipient
	h.AssertJSON(t, h.POST(base+"/recipients",
		RecipientFixture("tenant@acme.example.com", "Tia Tenant", 1, model.VerificationNone), owner),
		http.StatusCreated, &rcp)
	h.AssertStatus(t, h.POST(base+"/recipients/"+rcp.ID+"/fields",
		FieldFixture(model.FieldTypeSignature, "Signature", 600), owner), http.StatusCreated)
	h.AssertStatus(t, h.POST(base+"/send", nil, owner), http.StatusOK)

	h.AssertError(t, h.Do(http.MethodPatch, base, map[string]any{"title": "too late"}, owner, nil),
		http.StatusConflict, model.ErrInvalidState)
}
