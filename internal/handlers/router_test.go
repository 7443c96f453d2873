package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/duna-commerce/api/internal/domain"
	"github.com/duna-commerce/api/internal/services"
)

func serveRouter(router chi.Router, method, target string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(method, target, nil))
	return rr
}

func decodeErrorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	code, _ := body["error"].(string)
	return code
}

func TestNewRouterDefaultMounts(t *testing.T) {
	frozen := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	healthHandlers := NewHealthHandlers(
		WithHealthSystemService(&fakeSystemService{
			report: services.SystemHealthReport{
				Status:      domain.HealthStatusOK,
				Uptime:      5 * time.Second,
				GeneratedAt: frozen,
				Checks: map[string]domain.SystemHealthCheck{
					"firestore": {Status: domain.HealthStatusOK},
				},
			},
		}),
		WithHealthClock(func() time.Time { return frozen }),
	)
	router := NewRouter(WithHealthHandlers(healthHandlers))

	for _, probe := range []string{"/healthz", "/readyz"} {
		rr := serveRouter(router, http.MethodGet, probe)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: got %d", probe, rr.Code)
		}
	}

	// An unconfigured group answers 501, not 404.
	for _, path := range []string{"/api/v1/payments", "/api/v1/orders/ord_1", "/api/v1/internal/counters"} {
		rr := serveRouter(router, http.MethodGet, path)
		if rr.Code != http.StatusNotImplemented {
			t.Fatalf("%s: got %d", path, rr.Code)
		}
		if code := decodeErrorCode(t, rr); code != "not_implemented" {
			t.Fatalf("%s: error code %q", path, code)
		}
	}
}

func TestNewRouterMountsRegistrar(t *testing.T) {
	router := NewRouter(WithShipmentRoutes(func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
	}))

	if rr := serveRouter(router, http.MethodGet, "/api/v1/shipments"); rr.Code != http.StatusNoContent {
		t.Fatalf("shipments: got %d", rr.Code)
	}
}

func TestNewRouterUnknownRoute(t *testing.T) {
	rr := serveRouter(NewRouter(), http.MethodGet, "/does/not/exist")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("got %d", rr.Code)
	}
	if code := decodeErrorCode(t, rr); code != "route_not_found" {
		t.Fatalf("error code %q", code)
	}
}

func TestNewRouterGroupScopedMiddleware(t *testing.T) {
	tagged := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Group", "webhooks")
			next.ServeHTTP(w, r)
		})
	}
	router := NewRouter(WithWebhookMiddlewares(tagged))

	if rr := serveRouter(router, http.MethodGet, "/api/v1/webhooks/barion"); rr.Header().Get("X-Group") != "webhooks" {
		t.Fatal("webhook middleware did not run")
	}
	if rr := serveRouter(router, http.MethodGet, "/api/v1/orders/ord_1"); rr.Header().Get("X-Group") != "" {
		t.Fatal("webhook middleware leaked into another group")
	}
}
