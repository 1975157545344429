package integration

import (
	"net/http"
	"testing"

	"github.com/pitabwire/signet/model"
)

func TestHarness_Startup(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/health", "")
	h.AssertStatus(t, resp, http.StatusOK)
}

func TestHarness_HealthEndpoints(t *testing.T) {
	h := NewTestHarness(t)

	t.Run("health", func(t *testing.T) {
		var body map[string]string
		h.AssertJSON(t, h.GET("/health", ""), http.StatusOK, &body)
		if body["status"] != "ok" {
			t.Errorf("health status = %q, want ok", body["status"])
		}
	})

	t.Run("ready", func(t *testing.T) {
		var body struct {
			Status string `json:"status"`
		}
		h.AssertJSON(t, h.GET("/ready", ""), http.StatusOK, &body)
		if body.Status != "ready" {
			t.Errorf("ready status = %q, want ready", body.Status)
		}
	})

	t.Run("metrics", func(t *testing.T) {
		resp := h.GET("/metrics", "")
		h.AssertStatus(t, resp, http.StatusOK)
	})
}

func TestHarness_AuthenticationRequired(t *testing.T) {
	h := NewTestHarness(t)

	t.Run("no token returns 401", func(t *testing.T) {
		resp := h.POST("/v1/requests", RequestFixture("NDA", model.CompletionOrderAny), "")
		h.AssertStatus(t, resp, http.StatusUnauthorized)
	})

	t.Run("expired token returns 401", func(t *testing.T) {
		token := h.GenerateExpiredToken(OwnerClaims())
		resp := h.POST("/v1/requests", RequestFixture("NDA", model.CompletionOrderAny), token)
		h.AssertStatus(t, resp, http.StatusUnauthorized)
	})

	t.Run("invalid token returns 401", func(t *testing.T) {
		resp := h.POST("/v1/requests", RequestFixture("NDA", model.CompletionOrderAny), "invalid-token")
		h.AssertStatus(t, resp, http.StatusUnauthorized)
	})

	t.Run("valid token creates a draft", func(t *testing.T) {
		var req model.SignatureRequest
		h.AssertJSON(t, h.POST("/v1/requests", RequestFixture("NDA", model.CompletionOrderAny), h.GenerateToken(OwnerClaims())),
			http.StatusCreated, &req)
		if req.Status != model.RequestStatusDraft {
			t.Errorf("status = %s, want draft", req.Status)
		}
		if req.CreatedBy != OwnerClaims().SubjectID {
			t.Errorf("createdBy = %q, want the token subject", req.CreatedBy)
		}
	})
}
