package capture

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/signet/model"
)

const (
	pngDataURL = "data:image/png;base64,iVBORw0KGgo="
	chromeUA   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

var fixedNow = time.Date(2026, 2, 3, 4, 5, 6, 789, time.UTC)

func newCapturer() *Capturer {
	return New(
		WithClock(func() time.Time { return fixedNow }),
		WithIDGenerator(func() string { return "sig-1" }),
	)
}

func fixtures() (model.SignatureRecipient, model.AssignedField) {
	r := model.SignatureRecipient{Entity: model.Entity{ID: "rcp-1"}}
	f := model.AssignedField{
		Entity:      model.Entity{ID: "fld-1"},
		RequestID:   "req-1",
		RecipientID: "rcp-1",
		FieldType:   model.FieldTypeSignature,
		IsRequired:  true,
	}
	return r, f
}

func TestHash_is_deterministic(t *testing.T) {
	want := sha256.Sum256([]byte("rcp-1\x00hello\x002026-02-03T04:05:06.000000789Z"))
	assert.Equal(t, hex.EncodeToString(want[:]), Hash("rcp-1", "hello", fixedNow))
	assert.Equal(t, Hash("rcp-1", "hello", fixedNow), Hash("rcp-1", "hello", fixedNow.In(time.FixedZone("X", 3600))))
}

func TestHash_varies_with_every_input(t *testing.T) {
	base := Hash("rcp-1", "hello", fixedNow)

	assert.NotEqual(t, base, Hash("rcp-2", "hello", fixedNow))
	assert.NotEqual(t, base, Hash("rcp-1", "hello!", fixedNow))
	assert.NotEqual(t, base, Hash("rcp-1", "hello", fixedNow.Add(time.Nanosecond)))
}

func TestHash_field_boundaries_do_not_collide(t *testing.T) {
	assert.NotEqual(t, Hash("a-b", "c", fixedNow), Hash("a", "b-c", fixedNow))
	assert.NotEqual(t, Hash("a|b", "c", fixedNow), Hash("a", "b|c", fixedNow))
	assert.NotEqual(t, Hash("rcp-1", "", fixedNow), Hash("rcp-", "1", fixedNow))
}

func TestCapture_drawn(t *testing.T) {
	r, f := fixtures()
	meta := Metadata{IPAddress: "203.0.113.9", UserAgent: chromeUA, Geolocation: &model.Geolocation{Latitude: -1.28, Longitude: 36.82}}

	sig, err := newCapturer().Capture(r, f, RawSignature{Data: pngDataURL}, meta, "mem://signatures/sig.png")
	require.NoError(t, err)

	assert.Equal(t, "sig-1", sig.ID)
	assert.Equal(t, "req-1", sig.RequestID)
	assert.Equal(t, model.SignatureTypeDrawn, sig.SignatureType)
	assert.Equal(t, model.HashAlgorithmSHA256, sig.HashAlgorithm)
	assert.Equal(t, Hash("rcp-1", pngDataURL, fixedNow), sig.SignatureHash)
	assert.True(t, sig.IsValid)
	assert.True(t, Verify(sig))
	assert.Equal(t, "Chrome", sig.Client.Browser)
	assert.False(t, sig.Client.Mobile)
	assert.Equal(t, "203.0.113.9", sig.IPAddress)
}

func TestCapture_rejects_foreign_field(t *testing.T) {
	r, f := fixtures()
	f.RecipientID = "rcp-2"
	_, err := newCapturer().Capture(r, f, RawSignature{Data: "Ada"}, Metadata{}, "mem://x")
	assert.True(t, model.HasCode(err, model.ErrNotAuthorized))
}

func TestCapture_rejects_non_signature_field(t *testing.T) {
	r, f := fixtures()
	f.FieldType = model.FieldTypeText
	_, err := newCapturer().Capture(r, f, RawSignature{Data: "Ada"}, Metadata{}, "mem://x")
	assert.True(t, model.HasCode(err, model.ErrInvalidState))
}

func TestDeriveType(t *testing.T) {
	tests := []struct {
		name string
		raw  RawSignature
		want model.SignatureType
	}{
		{"explicit", RawSignature{Type: model.SignatureTypeUploaded, Data: "Ada"}, model.SignatureTypeUploaded},
		{"data url", RawSignature{Data: pngDataURL}, model.SignatureTypeDrawn},
		{"bytes", RawSignature{Bytes: []byte{0x89, 'P', 'N', 'G'}}, model.SignatureTypeUploaded},
		{"text", RawSignature{Data: "Ada Lovelace"}, model.SignatureTypeTyped},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DeriveType(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := DeriveType(RawSignature{})
	assert.Equal(t, model.ReasonRequiredFieldMissing, model.ValidationReason(err))

	_, err = DeriveType(RawSignature{Data: "Ada\x00Lovelace"})
	assert.Equal(t, model.ReasonPatternMismatch, model.ValidationReason(err))

	_, err = DeriveType(RawSignature{Type: "certificate", Data: "x"})
	assert.True(t, model.HasCode(err, model.ErrBadRequest))
}

func TestPayload(t *testing.T) {
	b, ct, err := Payload(RawSignature{Data: pngDataURL})
	require.NoError(t, err)
	assert.Equal(t, "image/png", ct)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, b)

	b, ct, err = Payload(RawSignature{Data: "Ada Lovelace"})
	require.NoError(t, err)
	assert.Equal(t, "text/plain; charset=utf-8", ct)
	assert.Equal(t, "Ada Lovelace", string(b))

	_, _, err = Payload(RawSignature{Data: "data:image/png,notbase64"})
	assert.Equal(t, model.ReasonPatternMismatch, model.ValidationReason(err))
}

func TestInvalidate(t *testing.T) {
	r, f := fixtures()
	sig, err := newCapturer().Capture(r, f, RawSignature{Data: "Ada"}, Metadata{}, "mem://x")
	require.NoError(t, err)

	assert.True(t, model.HasCode(Invalidate(&sig, " ", fixedNow), model.ErrBadRequest))

	require.NoError(t, Invalidate(&sig, "signed by mistake", fixedNow))
	assert.False(t, sig.IsValid)
	assert.Equal(t, "signed by mistake", sig.InvalidationReason)
	require.NotNil(t, sig.InvalidatedAt)

	assert.True(t, model.HasCode(Invalidate(&sig, "again", fixedNow), model.ErrInvalidState))
}

func TestParseClient_mobile(t *testing.T) {
	info := ParseClient("Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1")
	assert.True(t, info.Mobile)
	assert.Empty(t, ParseClient(""))
}
