// Package capture turns a submitted signature into an immutable
// DigitalSignature record with a tamper-evidence hash.
package capture

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mssola/useragent"

	"github.com/pitabwire/signet/model"
)

// RawSignature is a signature as submitted by a recipient. Data holds either a
// data URL (drawn) or plain text (typed); Bytes holds an uploaded image.
type RawSignature struct {
	Type        model.SignatureType `json:"signatureType,omitempty"`
	Data        string              `json:"signatureData,omitempty"`
	Bytes       []byte              `json:"-"`
	ContentType string              `json:"contentType,omitempty"`
}

// Metadata is the client context recorded with a signature.
type Metadata struct {
	IPAddress       string             `json:"ipAddress,omitempty"`
	UserAgent       string             `json:"userAgent,omitempty"`
	Geolocation     *model.Geolocation `json:"geolocation,omitempty"`
	TimestampServer string             `json:"timestampServer,omitempty"`
}

// Capturer builds DigitalSignatures.
type Capturer struct {
	now   func() time.Time
	newID func() string
}

// Option configures a Capturer.
type Option func(*Capturer)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Capturer) { c.now = now }
}

// WithIDGenerator overrides signature ID generation.
func WithIDGenerator(fn func() string) Option {
	return func(c *Capturer) { c.newID = fn }
}

// New creates a Capturer.
func New(opts ...Option) *Capturer {
	c := &Capturer{now: time.Now, newID: uuid.NewString}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Capture builds the signature for field on behalf of recipient. imageURL is
// where the signature payload was stored.
func (c *Capturer) Capture(recipient model.SignatureRecipient, field model.AssignedField, raw RawSignature, meta Metadata, imageURL string) (model.DigitalSignature, error) {
	if field.RecipientID != recipient.ID {
		return model.DigitalSignature{}, model.NewNotAuthorizedError(
			fmt.Sprintf("field %s is not assigned to recipient %s", field.ID, recipient.ID))
	}
	if !field.FieldType.IsSignature() {
		return model.DigitalSignature{}, model.NewInvalidStateError(
			fmt.Sprintf("field %s of type %s does not accept signatures", field.ID, field.FieldType))
	}
	sigType, err := DeriveType(raw)
	if err != nil {
		return model.DigitalSignature{}, err
	}
	if imageURL == "" {
		return model.DigitalSignature{}, model.NewInvalidStateError("signature payload has not been stored")
	}

	data := raw.Data
	if data == "" {
		data = base64.StdEncoding.EncodeToString(raw.Bytes)
	}

	createdAt := c.now().UTC()
	return model.DigitalSignature{
		ID:                c.newID(),
		RequestID:         field.RequestID,
		RecipientID:       recipient.ID,
		AssignedFieldID:   field.ID,
		SignatureType:     sigType,
		SignatureData:     data,
		SignatureImageURL: imageURL,
		IPAddress:         meta.IPAddress,
		UserAgent:         meta.UserAgent,
		Client:            ParseClient(meta.UserAgent),
		Geolocation:       meta.Geolocation,
		TimestampServer:   meta.TimestampServer,
		HashAlgorithm:     model.HashAlgorithmSHA256,
		SignatureHash:     Hash(recipient.ID, data, createdAt),
		IsValid:           true,
		CreatedAt:         createdAt,
	}, nil
}

// DeriveType returns the explicit type when set, otherwise infers it from the
// payload: image data URLs are drawn, raw bytes are uploaded, anything else
// is typed.
func DeriveType(raw RawSignature) (model.SignatureType, error) {
	if raw.Data == "" && len(raw.Bytes) == 0 {
		return "", model.NewValidationError(model.FieldError{
			Field:   "signatureData",
			Code:    model.ReasonRequiredFieldMissing,
			Message: "signature data is required",
		})
	}
	if strings.Contains(raw.Data, hashSeparator) {
		return "", malformed()
	}
	if raw.Type != "" {
		if !raw.Type.Valid() {
			return "", model.NewBadRequestError(fmt.Sprintf("unknown signature type %q", raw.Type))
		}
		return raw.Type, nil
	}
	switch {
	case strings.HasPrefix(raw.Data, "data:image/"):
		return model.SignatureTypeDrawn, nil
	case raw.Data == "":
		return model.SignatureTypeUploaded, nil
	}
	return model.SignatureTypeTyped, nil
}

// Payload returns the bytes and content type to store for a signature.
func Payload(raw RawSignature) ([]byte, string, error) {
	if len(raw.Bytes) > 0 {
		ct := raw.ContentType
		if ct == "" {
			ct = http.DetectContentType(raw.Bytes)
		}
		return raw.Bytes, ct, nil
	}
	if strings.HasPrefix(raw.Data, "data:") {
		return decodeDataURL(raw.Data)
	}
	if raw.Data == "" {
		return nil, "", model.NewValidationError(model.FieldError{
			Field:   "signatureData",
			Code:    model.ReasonRequiredFieldMissing,
			Message: "signature data is required",
		})
	}
	return []byte(raw.Data), "text/plain; charset=utf-8", nil
}

func decodeDataURL(s string) ([]byte, string, error) {
	header, body, ok := strings.Cut(strings.TrimPrefix(s, "data:"), ",")
	if !ok || !strings.HasSuffix(header, ";base64") {
		return nil, "", malformed()
	}
	b, err := base64.StdEncoding.DecodeString(body)
	if err != nil || len(b) == 0 {
		return nil, "", malformed()
	}
	ct := strings.TrimSuffix(header, ";base64")
	if ct == "" {
		ct = http.DetectContentType(b)
	}
	return b, ct, nil
}

func malformed() error {
	return model.NewValidationError(model.FieldError{
		Field:   "signatureData",
		Code:    model.ReasonPatternMismatch,
		Message: "signature data must be a base64 data URL",
	})
}

// hashSeparator cannot occur in a recipient ID, a data URL or typed text
// accepted by Capture, so distinct inputs never share a preimage.
const hashSeparator = "\x00"

// Hash is the hex SHA-256 over recipientID, data and the RFC3339Nano UTC
// creation time joined by NUL bytes.
func Hash(recipientID, data string, createdAt time.Time) string {
	sum := sha256.Sum256([]byte(recipientID + hashSeparator + data + hashSeparator + createdAt.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(sum[:])
}

// Verify recomputes the hash of sig and compares it to the stored one.
func Verify(sig model.DigitalSignature) bool {
	return Hash(sig.RecipientID, sig.SignatureData, sig.CreatedAt) == sig.SignatureHash
}

// Invalidate marks sig as no longer valid. It is the only mutation a
// signature accepts.
func Invalidate(sig *model.DigitalSignature, reason string, now time.Time) error {
	if !sig.IsValid {
		return model.NewInvalidStateError(fmt.Sprintf("signature %s is already invalid", sig.ID))
	}
	if strings.TrimSpace(reason) == "" {
		return model.NewBadRequestError("invalidation reason is required")
	}
	sig.IsValid = false
	sig.InvalidatedAt = model.TimePtr(now)
	sig.InvalidationReason = reason
	return nil
}

// ParseClient extracts browser, OS and device class from a user agent.
func ParseClient(ua string) model.ClientInfo {
	if ua == "" {
		return model.ClientInfo{}
	}
	parsed := useragent.New(ua)
	name, version := parsed.Browser()
	return model.ClientInfo{
		Browser:        name,
		BrowserVersion: version,
		OS:             parsed.OS(),
		Mobile:         parsed.Mobile(),
		Bot:            parsed.Bot(),
	}
}
