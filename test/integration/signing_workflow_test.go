package integration

import (
	"net/http"
	"strings"
	"testing"

	"github.com/pitabwire/signet/internal/notify"
	"github.com/pitabwire/signet/model"
)

// sequentialRequest prepares a sequential request with an email-verified
// signer followed by a second signer holding a text field.
type sequentialRequest struct {
	id          string
	first       model.SignatureRecipient
	second      model.SignatureRecipient
	signature   model.AssignedField
	companyName model.AssignedField
}

func prepareSequential(t *testing.T, h *TestHarness, token string) sequentialRequest {
	t.Helper()
	var out sequentialRequest

	var req model.SignatureRequest
	h.AssertJSON(t, h.POST("/v1/requests", RequestFixture("Master services agreement", model.CompletionOrderSequential), token),
		http.StatusCreated, &req)
	out.id = req.ID

	base := "/v1/requests/" + req.ID
	h.AssertJSON(t, h.POST(base+"/recipients",
		RecipientFixture("ada@acme.example.com", "Ada Lovelace", 1, model.VerificationEmail), token),
		http.StatusCreated, &out.first)
	h.AssertJSON(t, h.POST(base+"/recipients",
		RecipientFixture("grace@globex.example.com", "Grace Hopper", 2, model.VerificationNone), token),
		http.StatusCreated, &out.second)

	h.AssertJSON(t, h.POST(base+"/recipients/"+out.first.ID+"/fields",
		FieldFixture(model.FieldTypeSignature, "Signature", 600), token),
		http.StatusCreated, &out.signature)
	h.AssertJSON(t, h.POST(base+"/recipients/"+out.second.ID+"/fields",
		FieldFixture(model.FieldTypeText, "Company name", 500), token),
		http.StatusCreated, &out.companyName)

	return out
}

// wrongCode returns a code of the same shape that differs from code.
func wrongCode(code string) string {
	if strings.HasPrefix(code, "1") {
		return "2" + code[1:]
	}
	return "1" + code[1:]
}

func TestSigningWorkflow_SequentialSigners(t *testing.T) {
	h := NewTestHarness(t)
	owner := h.GenerateToken(OwnerClaims())
	sr := prepareSequential(t, h, owner)
	base := "/v1/requests/" + sr.id
	firstLink := "/v1/sign/" + sr.first.AccessToken
	secondLink := "/v1/sign/" + sr.second.AccessToken

	t.Run("send notifies only the first signer", func(t *testing.T) {
		var sent model.SignatureRequest
		h.AssertJSON(t, h.POST(base+"/send", nil, owner), http.StatusOK, &sent)
		if sent.Status != model.RequestStatusSent {
			t.Fatalf("status = %s, want sent", sent.Status)
		}

		invites := h.Notifications.ByEvent(notify.EventSent)
		if len(invites) != 1 || invites[0].RecipientID != sr.first.ID {
			t.Errorf("invitations = %s", FormatJSON(invites))
		}
		if len(h.Notifications.ByEvent(notify.EventVerificationCode)) != 1 {
			t.Error("the first signer should receive a verification code")
		}
	})

	t.Run("second signer must wait", func(t *testing.T) {
		env := h.AssertError(t, h.POST(secondLink+"/start", nil, ""), http.StatusConflict, model.ErrOutOfOrder)
		if env.Meta["blockingRecipientId"] != sr.first.ID {
			t.Errorf("meta = %v, want the first signer as blocker", env.Meta)
		}
	})

	t.Run("first signer verifies and signs", func(t *testing.T) {
		var session SigningSession
		h.AssertJSON(t, h.GET(firstLink, ""), http.StatusOK, &session)
		if session.Recipient.AccessToken != "" || session.Recipient.VerificationCode != "" {
			t.Error("signing session must not carry secrets")
		}

		h.AssertStatus(t, h.POST(firstLink+"/view", nil, ""), http.StatusOK)

		h.AssertError(t, h.POST(firstLink+"/start", nil, ""), http.StatusForbidden, model.ErrNotAuthorized)

		code := h.LatestCode(sr.first.ID)
		h.AssertError(t, h.POST(firstLink+"/verify", map[string]string{"code": wrongCode(code)}, ""),
			http.StatusForbidden, model.ErrVerificationFailed)

		var verified map[string]bool
		h.AssertJSON(t, h.POST(firstLink+"/verify", map[string]string{"code": code}, ""), http.StatusOK, &verified)
		if !verified["verified"] {
			t.Fatal("verification should succeed with the issued code")
		}

		var started model.SignatureRecipient
		h.AssertJSON(t, h.POST(firstLink+"/start", nil, ""), http.StatusOK, &started)
		if started.Status != model.RecipientStatusInProgress {
			t.Fatalf("recipient status = %s, want in_progress", started.Status)
		}

		var sig model.DigitalSignature
		h.AssertJSON(t, h.PUT(firstLink+"/signatures/"+sr.signature.ID, map[string]any{
			"signatureData": DrawnSignature,
			"geolocation":   map[string]float64{"latitude": 51.5072, "longitude": -0.1276},
		}, ""), http.StatusCreated, &sig)

		if sig.SignatureType != model.SignatureTypeDrawn {
			t.Errorf("signature type = %s, want drawn", sig.SignatureType)
		}
		if !sig.IsValid || len(sig.SignatureHash) != 64 || sig.HashAlgorithm != model.HashAlgorithmSHA256 {
			t.Errorf("signature = %s", FormatJSON(sig))
		}
		if !strings.HasPrefix(sig.SignatureImageURL, "https://blobs.test.signet.dev/") {
			t.Errorf("image url = %q", sig.SignatureImageURL)
		}
		if sig.Geolocation == nil || sig.Geolocation.Latitude != 51.5072 {
			t.Errorf("geolocation = %+v", sig.Geolocation)
		}
	})

	t.Run("turn passes to the second signer", func(t *testing.T) {
		var progress model.Progress
		h.AssertJSON(t, h.GET(base+"/progress", owner), http.StatusOK, &progress)
		if progress.Completed != 1 || progress.Total != 2 || progress.Percentage != 50 {
			t.Errorf("progress = %+v, want 1 of 2", progress)
		}

		var invitedSecond bool
		for _, n := range h.Notifications.ByEvent(notify.EventSent) {
			if n.RecipientID == sr.second.ID {
				invitedSecond = true
			}
		}
		if !invitedSecond {
			t.Error("the second signer should be invited once the first completes")
		}
	})

	t.Run("second signer completes the request", func(t *testing.T) {
		h.AssertStatus(t, h.POST(secondLink+"/view", nil, ""), http.StatusOK)
		h.AssertStatus(t, h.POST(secondLink+"/start", nil, ""), http.StatusOK)

		var field model.AssignedField
		h.AssertJSON(t, h.PUT(secondLink+"/fields/"+sr.companyName.ID, map[string]string{"value": "Globex Corporation"}, ""),
			http.StatusOK, &field)
		if field.FieldValue != "Globex Corporation" {
			t.Errorf("field value = %q", field.FieldValue)
		}

		var req model.SignatureRequest
		h.AssertJSON(t, h.GET(base, owner), http.StatusOK, &req)
		if req.Status != model.RequestStatusCompleted || req.CompletedAt == nil {
			t.Fatalf("request = %s", FormatJSON(req))
		}
		for _, r := range req.Recipients {
			if r.VerificationCode != "" {
				t.Errorf("recipient %s exposes its verification code", r.ID)
			}
		}
		if len(h.Notifications.ByEvent(notify.EventCompleted)) == 0 {
			t.Error("completion should be announced")
		}
	})

	t.Run("owner invalidates the captured signature", func(t *testing.T) {
		var req model.SignatureRequest
		h.AssertJSON(t, h.GET(base, owner), http.StatusOK, &req)
		if len(req.Signatures) != 1 {
			t.Fatalf("signatures = %d, want 1", len(req.Signatures))
		}
		sigPath := base + "/signatures/" + req.Signatures[0].ID + "/invalidate"

		var sig model.DigitalSignature
		h.AssertJSON(t, h.POST(sigPath, map[string]string{"reason": "signed under the wrong entity"}, owner),
			http.StatusOK, &sig)
		if sig.IsValid || sig.InvalidationReason != "signed under the wrong entity" {
			t.Errorf("signature = %s", FormatJSON(sig))
		}

		h.AssertError(t, h.POST(sigPath, map[string]string{"reason": "again"}, owner),
			http.StatusConflict, model.ErrInvalidState)
	})

	t.Run("activity records the whole history", func(t *testing.T) {
		var activity struct {
			Items []model.ActivityLog `json:"items"`
		}
		h.AssertJSON(t, h.GET(base+"/activity", owner), http.StatusOK, &activity)

		seen := make(map[string]bool)
		for _, entry := range activity.Items {
			seen[entry.Action] = true
		}
		for _, action := range []string{
			model.ActionRequestCreated,
			model.ActionRequestSent,
			model.ActionVerificationFailed,
			model.ActionRecipientVerified,
			model.ActionSignatureCaptured,
			model.ActionRequestCompleted,
			model.ActionSignatureInvalidated,
		} {
			if !seen[action] {
				t.Errorf("activity is missing %s", action)
			}
		}
	})
}

func TestSigningWorkflow_DeclineCancelsRequest(t *testing.T) {
	h := NewTestHarness(t)
	owner := h.GenerateToken(OwnerClaims())
	sr := prepareSequential(t, h, owner)

	h.AssertStatus(t, h.POST("/v1/requests/"+sr.id+"/send", nil, owner), http.StatusOK)

	var session SigningSession
	h.AssertJSON(t, h.POST("/v1/sign/"+sr.first.AccessToken+"/decline", map[string]string{"reason": "terms not agreed"}, ""),
		http.StatusOK, &session)
	if session.Recipient.Status != model.RecipientStatusDeclined {
		t.Errorf("recipient status = %s, want declined", session.Recipient.Status)
	}
	if session.Request.Status != model.RequestStatusCancelled {
		t.Errorf("request status = %s, want cancelled", session.Request.Status)
	}

	// The second signer can no longer act.
	h.AssertError(t, h.POST("/v1/sign/"+sr.second.AccessToken+"/start", nil, ""),
		http.StatusConflict, model.ErrInvalidState)
}

func TestSigningWorkflow_OwnerCancels(t *testing.T) {
	h := NewTestHarness(t)
	owner := h.GenerateToken(OwnerClaims())
	sr := prepareSequential(t, h, owner)
	base := "/v1/requests/" + sr.id

	h.AssertStatus(t, h.POST(base+"/send", nil, owner), http.StatusOK)

	var cancelled model.SignatureRequest
	h.AssertJSON(t, h.POST(base+"/cancel", map[string]string{"reason": "superseded"}, owner), http.StatusOK, &cancelled)
	if cancelled.Status != model.RequestStatusCancelled || cancelled.CancelledAt == nil {
		t.Errorf("request = %s", FormatJSON(cancelled))
	}
	if len(h.Notifications.ByEvent(notify.EventCancelled)) == 0 {
		t.Error("cancellation should notify recipients")
	}
}
