package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/duna-commerce/api/internal/domain"
	"github.com/duna-commerce/api/internal/services"
)

func TestWebhookHandlersPaymentCallbackProcessed(t *testing.T) {
	router := chi.NewRouter()
	var captured services.ConfirmPaymentCommand
	service := &stubPaymentService{
		confirmFunc: func(ctx context.Context, cmd services.ConfirmPaymentCommand) (services.Payment, error) {
			captured = cmd
			return services.Payment{
				ID:          "pay_01ABCDEF",
				OrderID:     "ord_123",
				ProviderRef: cmd.ProviderRef,
				Status:      cmd.Status,
			}, nil
		},
	}

	handler := NewWebhookHandlers(service)
	handler.Routes(router)

	payload := `{"provider":"barion","paymentId":"bar-ref-1","status":"Succeeded","timestamp":"2025-03-01T12:00:00Z"}`
	req := httptest.NewRequest(http.MethodPost, "/payment", bytes.NewBufferString(payload))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["status"] != "processed" {
		t.Fatalf("expected processed, got %s", resp["status"])
	}
	if resp["paymentId"] != "pay_01ABCDEF" {
		t.Fatalf("expected internal payment id, got %s", resp["paymentId"])
	}

	if captured.Status != domain.PaymentStatusPaid {
		t.Fatalf("expected paid status, got %s", captured.Status)
	}
	if captured.ProviderRef != "bar-ref-1" {
		t.Fatalf("expected provider ref bar-ref-1, got %s", captured.ProviderRef)
	}
	want := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	if !captured.OccurredAt.Equal(want) {
		t.Fatalf("expected occurred at %v, got %v", want, captured.OccurredAt)
	}
}

func TestWebhookHandlersPaymentCallbackIgnoresIntermediateStatus(t *testing.T) {
	router := chi.NewRouter()
	service := &stubPaymentService{
		confirmFunc: func(context.Context, services.ConfirmPaymentCommand) (services.Payment, error) {
			t.Fatal("service must not be called for intermediate statuses")
			return services.Payment{}, nil
		},
	}

	handler := NewWebhookHandlers(service)
	handler.Routes(router)

	payload := `{"provider":"barion","paymentId":"bar-ref-1","status":"InProgress"}`
	req := httptest.NewRequest(http.MethodPost, "/payment", bytes.NewBufferString(payload))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["status"] != "ignored" {
		t.Fatalf("expected ignored, got %s", resp["status"])
	}
}

func TestWebhookHandlersPaymentCallbackUnknownReference(t *testing.T) {
	router := chi.NewRouter()
	service := &stubPaymentService{
		confirmFunc: func(context.Context, services.ConfirmPaymentCommand) (services.Payment, error) {
			return services.Payment{}, services.ErrPaymentNotFound
		},
	}

	handler := NewWebhookHandlers(service)
	handler.Routes(router)

	payload := `{"provider":"barion","paymentId":"missing","status":"failed"}`
	req := httptest.NewRequest(http.MethodPost, "/payment", bytes.NewBufferString(payload))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestWebhookHandlersPaymentCallbackMissingPaymentID(t *testing.T) {
	router := chi.NewRouter()
	handler := NewWebhookHandlers(&stubPaymentService{})
	handler.Routes(router)

	req := httptest.NewRequest(http.MethodPost, "/payment", bytes.NewBufferString(`{"status":"paid"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}
