package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

var guardNow = time.Date(2025, time.March, 1, 10, 0, 0, 0, time.UTC)

func guardClock() time.Time { return guardNow }

func paymentRequest(key, body string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/api/v1/payments", bytes.NewBufferString(body))
	r.Header.Set("Content-Type", "application/json")
	if key != "" {
		r.Header.Set("Idempotency-Key", key)
	}
	return r
}

func decodeGuardError(t *testing.T, payload []byte) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	return body.Error
}

func TestMiddlewareRequiresKeyHeader(t *testing.T) {
	handler := Middleware(NewMemoryStore(), WithClock(guardClock))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run without an idempotency key")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, paymentRequest("", `{"orderId":"ord_1"}`))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if code := decodeGuardError(t, w.Body.Bytes()); code != "idempotency_key_required" {
		t.Fatalf("unexpected error code %q", code)
	}
}

func TestMiddlewareSkipsReadRequests(t *testing.T) {
	ran := false
	handler := Middleware(NewMemoryStore(), WithClock(guardClock))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		ran = true
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/orders/ord_1", nil))

	if !ran {
		t.Fatal("GET requests should bypass the guard")
	}
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestMiddlewareReplaysStoredResponse(t *testing.T) {
	var calls int
	handler := Middleware(NewMemoryStore(), WithClock(guardClock))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"paymentId":"pay_123","redirectUrl":"https://checkout.example/p/1"}`))
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, paymentRequest("key-1", `{"orderId":"ord_1"}`))
	if calls != 1 || first.Code != http.StatusCreated {
		t.Fatalf("first request: calls=%d status=%d", calls, first.Code)
	}

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, paymentRequest("key-1", `{"orderId":"ord_1"}`))

	if calls != 1 {
		t.Fatalf("retry must not re-run the handler, calls=%d", calls)
	}
	if second.Code != http.StatusCreated {
		t.Fatalf("expected replayed 201, got %d", second.Code)
	}
	if second.Header().Get(replayHeaderName) != "true" {
		t.Fatal("expected replay marker header")
	}
	if got := second.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected stored content type, got %q", got)
	}
	if second.Body.String() != first.Body.String() {
		t.Fatalf("replayed body differs: %s vs %s", second.Body.String(), first.Body.String())
	}
}

func TestMiddlewareRejectsKeyReuseWithDifferentBody(t *testing.T) {
	handler := Middleware(NewMemoryStore(), WithClock(guardClock))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, paymentRequest("key-reuse", `{"orderId":"ord_1"}`))
	if first.Code != http.StatusOK {
		t.Fatalf("first request should succeed, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, paymentRequest("key-reuse", `{"orderId":"ord_2"}`))

	if second.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", second.Code)
	}
	if code := decodeGuardError(t, second.Body.Bytes()); code != "idempotency_key_conflict" {
		t.Fatalf("unexpected error code %q", code)
	}
}

func TestMiddlewareReportsInFlightKey(t *testing.T) {
	store := NewMemoryStore()
	handler := Middleware(store, WithClock(guardClock))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run while the key is held")
	}))

	// Seed the claim the same way the middleware would.
	r := paymentRequest("key-held", `{"orderId":"ord_1"}`)
	body, err := bufferRequestBody(r)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	caller := callerID(r.Context())
	fingerprint := fingerprintRequest(r, body, caller)
	if _, err := store.Acquire(r.Context(), callerScopedKey("key-held", caller), fingerprint, guardNow, time.Hour); err != nil {
		t.Fatalf("seed claim: %v", err)
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	if code := decodeGuardError(t, w.Body.Bytes()); code != "idempotency_in_progress" {
		t.Fatalf("unexpected error code %q", code)
	}
}

func TestMiddlewareReleasesKeyWhenPersistFails(t *testing.T) {
	store := &flakyStore{failComplete: true}
	handler := Middleware(store, WithClock(guardClock))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"paymentId":"pay_123"}`))
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, paymentRequest("key-flaky", `{"orderId":"ord_1"}`))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if code := decodeGuardError(t, w.Body.Bytes()); code != "idempotency_store_error" {
		t.Fatalf("unexpected error code %q", code)
	}
	if !store.forgot {
		t.Fatal("claim should be released when the response cannot be stored")
	}
}

func TestMemoryStoreExpiredClaimIsReissued(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first, err := store.Acquire(ctx, "key-exp", "fp", guardNow, time.Minute)
	if err != nil || first.Decision != DecisionProceed {
		t.Fatalf("initial claim: decision=%v err=%v", first.Decision, err)
	}

	later := guardNow.Add(2 * time.Minute)
	second, err := store.Acquire(ctx, "key-exp", "fp", later, time.Minute)
	if err != nil {
		t.Fatalf("reclaim after expiry: %v", err)
	}
	if second.Decision != DecisionProceed {
		t.Fatalf("expired claim should be reissued, got decision %v", second.Decision)
	}
}

func TestMemoryStorePurgeExpired(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		if _, err := store.Acquire(ctx, key, "fp", guardNow, time.Minute); err != nil {
			t.Fatalf("claim %s: %v", key, err)
		}
	}

	purged, err := store.PurgeExpired(ctx, guardNow.Add(time.Hour), 0)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 3 {
		t.Fatalf("expected 3 purged, got %d", purged)
	}
}

type flakyStore struct {
	failComplete bool
	forgot       bool
}

func (s *flakyStore) Acquire(context.Context, string, string, time.Time, time.Duration) (Acquisition, error) {
	return Acquisition{Decision: DecisionProceed}, nil
}

func (s *flakyStore) Complete(context.Context, string, string, Response, time.Time, time.Duration) error {
	if s.failComplete {
		return errors.New("firestore unavailable")
	}
	return nil
}

func (s *flakyStore) Forget(context.Context, string, string) error {
	s.forgot = true
	return nil
}

func (s *flakyStore) PurgeExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}
