package model

import "time"

// SignatureType is the modality a signature was captured with.
type SignatureType string

// Signature types.
const (
	SignatureTypeDrawn    SignatureType = "drawn"
	SignatureTypeTyped    SignatureType = "typed"
	SignatureTypeUploaded SignatureType = "uploaded"
)

// Valid reports whether the type is recognized.
func (t SignatureType) Valid() bool {
	switch t {
	case SignatureTypeDrawn, SignatureTypeTyped, SignatureTypeUploaded:
		return true
	}
	return false
}

// HashAlgorithmSHA256 is the only digest used for signature hashes.
const HashAlgorithmSHA256 = "SHA-256"

// Geolocation is the optional position reported by the signing client.
type Geolocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy,omitempty"`
}

// ClientInfo is derived from the signer's user agent.
type ClientInfo struct {
	Browser        string `json:"browser,omitempty"`
	BrowserVersion string `json:"browserVersion,omitempty"`
	OS             string `json:"os,omitempty"`
	Mobile         bool   `json:"mobile"`
	Bot            bool   `json:"bot,omitempty"`
}

// DigitalSignature is the immutable record of a completed signature field.
// The hash is a tamper-evidence digest, not a cryptographic signature over
// the document.
type DigitalSignature struct {
	ID                 string        `json:"id"`
	RequestID          string        `json:"requestId"`
	RecipientID        string        `json:"recipientId"`
	AssignedFieldID    string        `json:"assignedFieldId"`
	SignatureType      SignatureType `json:"signatureType"`
	SignatureData      string        `json:"signatureData"`
	SignatureImageURL  string        `json:"signatureImageUrl"`
	IPAddress          string        `json:"ipAddress,omitempty"`
	UserAgent          string        `json:"userAgent,omitempty"`
	Client             ClientInfo    `json:"client"`
	Geolocation        *Geolocation  `json:"geolocation,omitempty"`
	TimestampServer    string        `json:"timestampServer,omitempty"`
	HashAlgorithm      string        `json:"hashAlgorithm"`
	SignatureHash      string        `json:"signatureHash"`
	IsValid            bool          `json:"isValid"`
	InvalidatedAt      *time.Time    `json:"invalidatedAt,omitempty"`
	InvalidationReason string        `json:"invalidationReason,omitempty"`
	CreatedAt          time.Time     `json:"createdAt"`
}

// Clone returns a deep copy.
func (s DigitalSignature) Clone() DigitalSignature {
	out := s
	out.InvalidatedAt = cloneTime(s.InvalidatedAt)
	if s.Geolocation != nil {
		g := *s.Geolocation
		out.Geolocation = &g
	}
	return out
}
