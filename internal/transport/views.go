package transport

import (
	"time"

	"github.com/pitabwire/signet/model"
)

// ownerView is a request as its creator sees it. Verification codes never
// leave the server; access tokens are kept so the owner can share links.
func ownerView(req model.SignatureRequest) model.SignatureRequest {
	out := req.Clone()
	for i := range out.Recipients {
		out.Recipients[i].VerificationCode = ""
	}
	return out
}

// signingSession is what a recipient sees when opening their signing link.
type signingSession struct {
	Request   requestSummary           `json:"request"`
	Recipient model.SignatureRecipient `json:"recipient"`
	Progress  model.Progress           `json:"progress"`
}

// requestSummary is the part of a request a recipient may see. Other
// recipients and their tokens are not included.
type requestSummary struct {
	ID              string                `json:"id"`
	DocumentID      string                `json:"documentId"`
	Title           string                `json:"title"`
	Message         string                `json:"message,omitempty"`
	RequestType     model.RequestType     `json:"requestType"`
	Status          model.RequestStatus   `json:"status"`
	CompletionOrder model.CompletionOrder `json:"completionOrder"`
	AllowDecline    bool                  `json:"allowDecline"`
	DueDate         *time.Time            `json:"dueDate,omitempty"`
}

func newSigningSession(req model.SignatureRequest, r model.SignatureRecipient) signingSession {
	return signingSession{
		Request: requestSummary{
			ID:              req.ID,
			DocumentID:      req.DocumentID,
			Title:           req.Title,
			Message:         req.Message,
			RequestType:     req.RequestType,
			Status:          req.Status,
			CompletionOrder: req.CompletionOrder,
			AllowDecline:    req.AllowDecline,
			DueDate:         req.DueDate,
		},
		Recipient: recipientView(r),
		Progress:  req.Progress(),
	}
}

// recipientView strips secrets from a recipient returned to the recipient
// themselves: the link token is already in their hands and the code must
// come from the out-of-band channel.
func recipientView(r model.SignatureRecipient) model.SignatureRecipient {
	out := r.Clone()
	out.AccessToken = ""
	out.VerificationCode = ""
	return out
}
