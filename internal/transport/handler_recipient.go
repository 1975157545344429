package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/signet/internal/capture"
	"github.com/pitabwire/signet/internal/signing"
	"github.com/pitabwire/signet/model"
)

type signingLinkKey struct{}

// signingLink is the request and recipient a signing token resolved to.
type signingLink struct {
	RequestID   string
	RecipientID string
}

func signingLinkFrom(ctx context.Context) signingLink {
	link, _ := ctx.Value(signingLinkKey{}).(signingLink)
	return link
}

// ResolveSigningLink resolves the {token} path segment to a recipient. The
// recipient becomes the subject of the request context so audit entries
// written downstream name them as the actor.
func ResolveSigningLink(engine *signing.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req, rcp, err := engine.ResolveAccessToken(r.Context(), chi.URLParam(r, "token"))
			if err != nil {
				WriteError(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), signingLinkKey{}, signingLink{RequestID: req.ID, RecipientID: rcp.ID})
			if rctx := model.RequestContextFrom(ctx); rctx != nil {
				scoped := *rctx
				scoped.SubjectID = rcp.ID
				scoped.Email = rcp.Email
				ctx = model.WithRequestContext(ctx, &scoped)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func handleSigningSession(engine *signing.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		link := signingLinkFrom(r.Context())
		req, err := engine.Get(r.Context(), link.RequestID)
		if err != nil {
			WriteError(w, err)
			return
		}
		rcp, _ := req.Recipient(link.RecipientID)
		if rcp == nil {
			WriteError(w, model.NewNotFoundError("signing link not found"))
			return
		}
		WriteJSON(w, http.StatusOK, newSigningSession(req, *rcp))
	}
}

func handleRecordView(engine *signing.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		link := signingLinkFrom(r.Context())
		var ip, ua string
		if rctx := model.RequestContextFrom(r.Context()); rctx != nil {
			ip, ua = rctx.IPAddress, rctx.UserAgent
		}

		rcp, err := engine.RecipientView(r.Context(), link.RequestID, link.RecipientID, ip, ua)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, recipientView(rcp))
	}
}

func handleIssueVerification(engine *signing.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		link := signingLinkFrom(r.Context())
		expiresAt, err := engine.IssueVerificationCode(r.Context(), link.RequestID, link.RecipientID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]time.Time{"expiresAt": expiresAt})
	}
}

func handleVerify(engine *signing.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		link := signingLinkFrom(r.Context())
		var body struct {
			Code string `json:"code"`
		}
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		if err := engine.VerifyRecipient(r.Context(), link.RequestID, link.RecipientID, body.Code); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]bool{"verified": true})
	}
}

func handleStartSigning(engine *signing.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		link := signingLinkFrom(r.Context())
		rcp, err := engine.StartSigning(r.Context(), link.RequestID, link.RecipientID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, recipientView(rcp))
	}
}

func handleSubmitField(engine *signing.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		link := signingLinkFrom(r.Context())
		var body struct {
			Value string `json:"value"`
		}
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		field, err := engine.SubmitFieldValue(r.Context(), link.RequestID, link.RecipientID, chi.URLParam(r, "fieldId"), body.Value)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, field)
	}
}

// signatureBody is the JSON form of a signature submission. Uploaded images
// travel base64 encoded in image.
type signatureBody struct {
	capture.RawSignature
	Image           []byte             `json:"image,omitempty"`
	Geolocation     *model.Geolocation `json:"geolocation,omitempty"`
	TimestampServer string             `json:"timestampServer,omitempty"`
}

func handleSubmitSignature(engine *signing.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		link := signingLinkFrom(r.Context())
		var body signatureBody
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, err)
			return
		}
		raw := body.RawSignature
		raw.Bytes = body.Image

		meta := capture.Metadata{
			Geolocation:     body.Geolocation,
			TimestampServer: body.TimestampServer,
		}
		if rctx := model.RequestContextFrom(r.Context()); rctx != nil {
			meta.IPAddress = rctx.IPAddress
			meta.UserAgent = rctx.UserAgent
		}

		sig, err := engine.SubmitSignature(r.Context(), link.RequestID, link.RecipientID, chi.URLParam(r, "fieldId"), raw, meta)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, sig)
	}
}

func handleFinish(engine *signing.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		link := signingLinkFrom(r.Context())
		rcp, err := engine.CompleteRecipient(r.Context(), link.RequestID, link.RecipientID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, recipientView(rcp))
	}
}

func handleDecline(engine *signing.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		link := signingLinkFrom(r.Context())
		var body reasonBody
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		req, err := engine.DeclineRequest(r.Context(), link.RequestID, link.RecipientID, body.Reason)
		if err != nil {
			WriteError(w, err)
			return
		}
		rcp, _ := req.Recipient(link.RecipientID)
		if rcp == nil {
			WriteError(w, model.NewInternalError())
			return
		}
		WriteJSON(w, http.StatusOK, newSigningSession(req, *rcp))
	}
}
