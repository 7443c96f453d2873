package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
)

type discardLogger struct{}

func (discardLogger) Printf(string, ...any) {}

type capturedVerification struct {
	kind    string
	success bool
	reason  string
}

type captureMetrics struct {
	mu   sync.Mutex
	seen []capturedVerification
}

func (m *captureMetrics) RecordVerification(_ context.Context, kind string, success bool, reason string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen = append(m.seen, capturedVerification{kind: kind, success: success, reason: reason})
}

func (m *captureMetrics) last(t *testing.T) capturedVerification {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.seen) == 0 {
		t.Fatalf("expected at least one verification record")
	}
	return m.seen[len(m.seen)-1]
}

type oidcFixture struct {
	validator *OIDCValidator
	metrics   *captureMetrics
	token     string
}

func newOIDCFixture(t *testing.T, mutate func(jwt.MapClaims)) oidcFixture {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwk := jose.JSONWebKey{
		Key:       &key.PublicKey,
		KeyID:     "scheduler-key",
		Algorithm: jwt.SigningMethodRS256.Alg(),
		Use:       "sig",
	}

	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "max-age=600")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}})
	}))
	t.Cleanup(jwksServer.Close)

	now := time.Unix(1_700_000_000, 0)
	previousTimeFunc := jwt.TimeFunc
	jwt.TimeFunc = func() time.Time { return now }
	t.Cleanup(func() { jwt.TimeFunc = previousTimeFunc })

	metrics := &captureMetrics{}
	validator := NewOIDCValidator(
		NewJWKSCache(jwksServer.URL,
			WithJWKSLogger(discardLogger{}),
			WithJWKSClock(func() time.Time { return now }),
		),
		WithOIDCLogger(discardLogger{}),
		WithOIDCMetrics(metrics),
		WithOIDCClock(func() time.Time { return now }),
	)

	claims := jwt.MapClaims{
		"aud":   []string{"https://api.duna.example"},
		"iss":   "https://accounts.google.com",
		"sub":   "reconciler@duna.iam.gserviceaccount.com",
		"email": "reconciler@duna.iam.gserviceaccount.com",
		"exp":   float64(now.Add(time.Hour).Unix()),
		"iat":   float64(now.Unix()),
	}
	if mutate != nil {
		mutate(claims)
	}

	unsigned := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	unsigned.Header["kid"] = "scheduler-key"
	signed, err := unsigned.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	return oidcFixture{validator: validator, metrics: metrics, token: signed}
}

func TestJWKSCacheFetchesOnce(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwk := jose.JSONWebKey{
		Key:       &key.PublicKey,
		KeyID:     "key1",
		Algorithm: jwt.SigningMethodRS256.Alg(),
		Use:       "sig",
	}

	var mu sync.Mutex
	fetches := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		fetches++
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "max-age=3600")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}})
	}))
	t.Cleanup(server.Close)

	cache := NewJWKSCache(server.URL,
		WithJWKSLogger(discardLogger{}),
		WithJWKSClock(func() time.Time { return time.Unix(1_000_000, 0) }),
	)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		got, err := cache.Key(ctx, "key1")
		if err != nil {
			t.Fatalf("Key call %d: %v", i+1, err)
		}
		if _, ok := got.(*rsa.PublicKey); !ok {
			t.Fatalf("expected *rsa.PublicKey, got %T", got)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if fetches != 1 {
		t.Fatalf("expected a single JWKS fetch, got %d", fetches)
	}
}

func TestJWKSCacheUnknownKid(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key:       &key.PublicKey,
			KeyID:     "known",
			Algorithm: jwt.SigningMethodRS256.Alg(),
			Use:       "sig",
		}}})
	}))
	t.Cleanup(server.Close)

	cache := NewJWKSCache(server.URL, WithJWKSLogger(discardLogger{}))
	if _, err := cache.Key(context.Background(), "unknown"); err == nil {
		t.Fatalf("expected error for unknown kid")
	}
}

func TestRequireOIDCAcceptsValidToken(t *testing.T) {
	fx := newOIDCFixture(t, nil)
	middleware := fx.validator.RequireOIDC("https://api.duna.example", []string{"https://accounts.google.com"})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/internal/reconciliation/orders/ord_1", nil)
	req.Header.Set("Authorization", "Bearer "+fx.token)

	middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := ServiceIdentityFromContext(r.Context())
		if !ok {
			t.Fatalf("expected service identity in context")
		}
		if identity.Email != "reconciler@duna.iam.gserviceaccount.com" {
			t.Fatalf("unexpected identity email %s", identity.Email)
		}
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if last := fx.metrics.last(t); !last.success || last.reason != "ok" {
		t.Fatalf("unexpected verification record %+v", last)
	}
}

func TestRequireOIDCRejectsAudienceMismatch(t *testing.T) {
	fx := newOIDCFixture(t, nil)
	middleware := fx.validator.RequireOIDC("https://other.duna.example", []string{"https://accounts.google.com"})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/internal/reconciliation/orders/ord_1", nil)
	req.Header.Set("Authorization", "Bearer "+fx.token)

	middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler must not run")
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if last := fx.metrics.last(t); last.reason != "audience_mismatch" {
		t.Fatalf("unexpected verification record %+v", last)
	}
}

func TestRequireOIDCRejectsUnknownIssuer(t *testing.T) {
	fx := newOIDCFixture(t, func(claims jwt.MapClaims) {
		claims["iss"] = "https://evil.example"
	})
	middleware := fx.validator.RequireOIDC("https://api.duna.example", []string{"https://accounts.google.com"})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/internal/reconciliation/orders/ord_1", nil)
	req.Header.Set("Authorization", "Bearer "+fx.token)

	middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler must not run")
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if last := fx.metrics.last(t); last.reason != "issuer_mismatch" {
		t.Fatalf("unexpected verification record %+v", last)
	}
}

func TestRequireOIDCAcceptsIAPAssertionHeader(t *testing.T) {
	fx := newOIDCFixture(t, func(claims jwt.MapClaims) {
		claims["aud"] = []string{"/projects/123/global/backendServices/456"}
		claims["iss"] = "https://cloud.google.com/iap"
	})
	middleware := fx.validator.RequireOIDC("/projects/123/global/backendServices/456", []string{"https://cloud.google.com/iap"})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/internal/reconciliation/orders/ord_1", nil)
	req.Header.Set("X-Goog-Iap-Jwt-Assertion", fx.token)

	middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rr.Code)
	}
}

func TestRequireOIDCReportsJWKSOutage(t *testing.T) {
	fx := newOIDCFixture(t, nil)
	// Re-point the cache at a dead endpoint so the fetch fails.
	fx.validator.cache.url = "http://127.0.0.1:65535/jwks"

	middleware := fx.validator.RequireOIDC("https://api.duna.example", []string{"https://accounts.google.com"})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/internal/reconciliation/orders/ord_1", nil)
	req.Header.Set("Authorization", "Bearer "+fx.token)

	middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler must not run")
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if last := fx.metrics.last(t); last.reason != "jwks_unavailable" {
		t.Fatalf("unexpected verification record %+v", last)
	}
}
