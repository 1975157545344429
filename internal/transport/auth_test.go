package transport

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/signet/internal/config"
)

func generateRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key
}

func generateECKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key
}

func rsaJWK(kid string, pub *rsa.PublicKey) map[string]any {
	return map[string]any{
		"kid": kid,
		"kty": "RSA",
		"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

func ecJWK(kid string, pub *ecdsa.PublicKey) map[string]any {
	return map[string]any{
		"kid": kid,
		"kty": "EC",
		"crv": "P-256",
		"x":   base64.RawURLEncoding.EncodeToString(pub.X.Bytes()),
		"y":   base64.RawURLEncoding.EncodeToString(pub.Y.Bytes()),
	}
}

// jwksServer serves keys and counts fetches.
func jwksServer(t *testing.T, fetches *atomic.Int32, keys ...map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if fetches != nil {
			fetches.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": keys})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func signToken(t *testing.T, key any, method jwt.SigningMethod, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(method, claims)
	token.Header["kid"] = kid
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return s
}

func testIdentity() config.IdentityConfig {
	return config.IdentityConfig{
		Issuer:     "https://auth.example.com",
		Audience:   "signet",
		Algorithms: []string{"RS256", "ES256"},
	}
}

func ownerClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":   "owner-1",
		"email": "owner@example.com",
		"iss":   "https://auth.example.com",
		"aud":   "signet",
		"exp":   jwt.NewNumericDate(time.Now().Add(time.Hour)),
		"iat":   jwt.NewNumericDate(time.Now()),
	}
}

func TestJWKSClient_GetKey(t *testing.T) {
	rsaKey := generateRSAKey(t)
	ecKey := generateECKey(t)
	srv := jwksServer(t, nil,
		rsaJWK("rsa-1", &rsaKey.PublicKey),
		ecJWK("ec-1", &ecKey.PublicKey),
		map[string]any{"kid": "sym", "kty": "oct", "k": "c2VjcmV0"},
	)
	client := NewJWKSClient(srv.URL, time.Hour, nil)
	ctx := context.Background()

	key, err := client.GetKey(ctx, "rsa-1")
	if err != nil {
		t.Fatalf("GetKey(rsa-1): %v", err)
	}
	if pub, ok := key.(*rsa.PublicKey); !ok || pub.N.Cmp(rsaKey.N) != 0 {
		t.Errorf("GetKey(rsa-1) = %T, want matching *rsa.PublicKey", key)
	}

	key, err = client.GetKey(ctx, "ec-1")
	if err != nil {
		t.Fatalf("GetKey(ec-1): %v", err)
	}
	if pub, ok := key.(*ecdsa.PublicKey); !ok || pub.X.Cmp(ecKey.X) != 0 {
		t.Errorf("GetKey(ec-1) = %T, want matching *ecdsa.PublicKey", key)
	}

	if _, err := client.GetKey(ctx, "sym"); err == nil {
		t.Error("symmetric keys should not be served")
	}
	if _, err := client.GetKey(ctx, "missing"); err == nil {
		t.Error("expected error for unknown kid")
	}
}

func TestJWKSClient_cachesKeys(t *testing.T) {
	rsaKey := generateRSAKey(t)
	var fetches atomic.Int32
	srv := jwksServer(t, &fetches, rsaJWK("cached", &rsaKey.PublicKey))

	client := NewJWKSClient(srv.URL, time.Hour, nil)
	client.minRefresh = 0
	for range 3 {
		if _, err := client.GetKey(context.Background(), "cached"); err != nil {
			t.Fatalf("GetKey: %v", err)
		}
	}
	if got := fetches.Load(); got != 1 {
		t.Errorf("key set fetched %d times, want 1", got)
	}
}

func TestJWKSClient_servesStaleKeyWhenRefreshFails(t *testing.T) {
	rsaKey := generateRSAKey(t)
	var failing atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []any{rsaJWK("k", &rsaKey.PublicKey)}})
	}))
	t.Cleanup(srv.Close)

	client := NewJWKSClient(srv.URL, time.Nanosecond, nil)
	client.minRefresh = 0
	if _, err := client.GetKey(context.Background(), "k"); err != nil {
		t.Fatalf("GetKey: %v", err)
	}

	failing.Store(true)
	time.Sleep(time.Millisecond)
	if _, err := client.GetKey(context.Background(), "k"); err != nil {
		t.Errorf("GetKey after failed refresh = %v, want cached key", err)
	}
	if err := client.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck should report the failing endpoint")
	}
}

func TestJWTAuthenticator_acceptsValidTokens(t *testing.T) {
	rsaKey := generateRSAKey(t)
	ecKey := generateECKey(t)
	srv := jwksServer(t, nil, rsaJWK("rsa", &rsaKey.PublicKey), ecJWK("ec", &ecKey.PublicKey))
	client := NewJWKSClient(srv.URL, time.Hour, nil)

	var gotSub string
	handler := JWTAuthenticator(testIdentity(), client.GetKey)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSub, _ = ClaimsFrom(r.Context())["sub"].(string)
		w.WriteHeader(http.StatusOK)
	}))

	skewed := ownerClaims()
	skewed["exp"] = jwt.NewNumericDate(time.Now().Add(-15 * time.Second))

	tests := []struct {
		name  string
		token string
	}{
		{"RS256", signToken(t, rsaKey, jwt.SigningMethodRS256, "rsa", ownerClaims())},
		{"ES256", signToken(t, ecKey, jwt.SigningMethodES256, "ec", ownerClaims())},
		{"within clock leeway", signToken(t, rsaKey, jwt.SigningMethodRS256, "rsa", skewed)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			gotSub = ""
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", "Bearer "+tc.token)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
			}
			if gotSub != "owner-1" {
				t.Errorf("sub = %q, want owner-1", gotSub)
			}
		})
	}
}

func TestJWTAuthenticator_rejects(t *testing.T) {
	rsaKey := generateRSAKey(t)
	keys := func(_ context.Context, kid string) (crypto.PublicKey, error) {
		if kid != "rsa" {
			return nil, errors.New("unknown kid")
		}
		return &rsaKey.PublicKey, nil
	}
	with := func(mut func(jwt.MapClaims)) jwt.MapClaims {
		c := ownerClaims()
		mut(c)
		return c
	}
	esOnly := testIdentity()
	esOnly.Algorithms = []string{"ES256"}

	tests := []struct {
		name   string
		cfg    config.IdentityConfig
		header string
	}{
		{"missing header", testIdentity(), ""},
		{"basic scheme", testIdentity(), "Basic dXNlcjpwYXNz"},
		{"expired", testIdentity(), "Bearer " + signToken(t, rsaKey, jwt.SigningMethodRS256, "rsa",
			with(func(c jwt.MapClaims) { c["exp"] = jwt.NewNumericDate(time.Now().Add(-time.Hour)) }))},
		{"missing exp", testIdentity(), "Bearer " + signToken(t, rsaKey, jwt.SigningMethodRS256, "rsa",
			with(func(c jwt.MapClaims) { delete(c, "exp") }))},
		{"wrong issuer", testIdentity(), "Bearer " + signToken(t, rsaKey, jwt.SigningMethodRS256, "rsa",
			with(func(c jwt.MapClaims) { c["iss"] = "https://evil.example.com" }))},
		{"wrong audience", testIdentity(), "Bearer " + signToken(t, rsaKey, jwt.SigningMethodRS256, "rsa",
			with(func(c jwt.MapClaims) { c["aud"] = "someone-else" }))},
		{"unknown kid", testIdentity(), "Bearer " + signToken(t, rsaKey, jwt.SigningMethodRS256, "other", ownerClaims())},
		{"disallowed algorithm", esOnly, "Bearer " + signToken(t, rsaKey, jwt.SigningMethodRS256, "rsa", ownerClaims())},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			handler := JWTAuthenticator(tc.cfg, keys)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				t.Error("handler should not be called")
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", w.Code)
			}
		})
	}
}

func TestExtractClaim_dotNotation(t *testing.T) {
	claims := map[string]any{
		"realm_access": map[string]any{
			"roles": []any{"owner", "viewer"},
		},
		"sub": "owner-1",
	}

	if v := extractClaimString(claims, "sub"); v != "owner-1" {
		t.Errorf("sub = %q, want owner-1", v)
	}
	roles := extractClaimStringSlice(claims, "realm_access.roles")
	if len(roles) != 2 || roles[0] != "owner" {
		t.Errorf("realm_access.roles = %v, want [owner viewer]", roles)
	}
	if v := extractClaimString(claims, "sub.nested"); v != "" {
		t.Errorf("sub.nested = %q, want empty", v)
	}
	if v := extractClaimString(nil, "sub"); v != "" {
		t.Errorf("nil claims = %q, want empty", v)
	}
}
