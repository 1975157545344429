package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/signet/internal/signing"
	"github.com/pitabwire/signet/model"
)

type reasonBody struct {
	Reason string `json:"reason"`
}

// ownedRequest loads the request named in the path and checks that the
// caller created it. On failure the error response has been written.
func ownedRequest(w http.ResponseWriter, r *http.Request, engine *signing.Engine) (model.SignatureRequest, *model.RequestContext, bool) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil || rctx.SubjectID == "" {
		WriteError(w, model.NewUnauthorizedError("missing request context"))
		return model.SignatureRequest{}, nil, false
	}
	req, err := engine.Get(r.Context(), chi.URLParam(r, "requestId"))
	if err != nil {
		WriteError(w, err)
		return model.SignatureRequest{}, nil, false
	}
	if req.CreatedBy != rctx.SubjectID {
		WriteError(w, model.NewNotAuthorizedError("only the creator may manage this request"))
		return model.SignatureRequest{}, nil, false
	}
	return req, rctx, true
}

func handleCreateRequest(engine *signing.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil || rctx.SubjectID == "" {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var in signing.CreateRequestInput
		if err := decodeJSON(r, &in); err != nil {
			WriteError(w, err)
			return
		}
		in.CreatedBy = rctx.SubjectID

		req, err := engine.CreateRequest(r.Context(), in)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, ownerView(req))
	}
}

func handleGetRequest(engine *signing.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, _, ok := ownedRequest(w, r, engine)
		if !ok {
			return
		}
		WriteJSON(w, http.StatusOK, ownerView(req))
	}
}

func handleUpdateRequest(engine *signing.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, _, ok := ownedRequest(w, r, engine)
		if !ok {
			return
		}
		var in signing.UpdateRequestInput
		if err := decodeJSON(r, &in); err != nil {
			WriteError(w, err)
			return
		}
		updated, err := engine.UpdateRequest(r.Context(), req.ID, in)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, ownerView(updated))
	}
}

func handleAddRecipient(engine *signing.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, _, ok := ownedRequest(w, r, engine)
		if !ok {
			return
		}
		var spec signing.RecipientSpec
		if err := decodeJSON(r, &spec); err != nil {
			WriteError(w, err)
			return
		}

		rcp, err := engine.AddRecipient(r.Context(), req.ID, spec)
		if err != nil {
			WriteError(w, err)
			return
		}
		rcp.VerificationCode = ""
		WriteJSON(w, http.StatusCreated, rcp)
	}
}

func handleRemoveRecipient(engine *signing.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, _, ok := ownedRequest(w, r, engine)
		if !ok {
			return
		}
		if err := engine.RemoveRecipient(r.Context(), req.ID, chi.URLParam(r, "recipientId")); err != nil {
			WriteError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleAssignField(engine *signing.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, _, ok := ownedRequest(w, r, engine)
		if !ok {
			return
		}
		var spec signing.FieldSpec
		if err := decodeJSON(r, &spec); err != nil {
			WriteError(w, err)
			return
		}

		field, err := engine.AssignField(r.Context(), req.ID, chi.URLParam(r, "recipientId"), spec)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, field)
	}
}

func handleSend(engine *signing.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, rctx, ok := ownedRequest(w, r, engine)
		if !ok {
			return
		}
		sent, err := engine.Send(r.Context(), req.ID, rctx.SubjectID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, ownerView(sent))
	}
}

func handleCancel(engine *signing.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, rctx, ok := ownedRequest(w, r, engine)
		if !ok {
			return
		}
		var body reasonBody
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		cancelled, err := engine.Cancel(r.Context(), req.ID, rctx.SubjectID, body.Reason)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, ownerView(cancelled))
	}
}

func handleEvaluate(engine *signing.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, _, ok := ownedRequest(w, r, engine)
		if !ok {
			return
		}
		evaluated, err := engine.EvaluateCompletion(r.Context(), req.ID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, ownerView(evaluated))
	}
}

func handleProgress(engine *signing.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, _, ok := ownedRequest(w, r, engine)
		if !ok {
			return
		}
		WriteJSON(w, http.StatusOK, req.Progress())
	}
}

func handleActivity(engine *signing.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, _, ok := ownedRequest(w, r, engine)
		if !ok {
			return
		}
		logs, err := engine.Activity(r.Context(), req.ID)
		if err != nil {
			WriteError(w, err)
			return
		}
		if logs == nil {
			logs = []model.ActivityLog{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"items": logs})
	}
}

func handleInvalidateSignature(engine *signing.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, rctx, ok := ownedRequest(w, r, engine)
		if !ok {
			return
		}
		var body reasonBody
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		sig, err := engine.InvalidateSignature(r.Context(), req.ID, chi.URLParam(r, "signatureId"), rctx.SubjectID, body.Reason)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, sig)
	}
}
