package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	domain "github.com/duna-commerce/api/internal/domain"
	"github.com/duna-commerce/api/internal/services"
)

func TestInternalHandlersReconcileOrder(t *testing.T) {
	order := services.Order{
		ID:            "ord_1",
		OrderNumber:   "DC-2025-000042",
		Status:        domain.OrderStatusCreated,
		PaymentStatus: domain.PaymentStatusUnpaid,
	}
	orders := &stubOrderService{
		getFunc: func(_ context.Context, orderID string) (services.Order, error) {
			if orderID != "ord_1" {
				t.Fatalf("unexpected order id %s", orderID)
			}
			return order, nil
		},
	}
	payments := &stubPaymentService{
		reconcileFunc: func(_ context.Context, orderID string) ([]services.PaymentReconciliation, error) {
			if orderID != "ord_1" {
				t.Fatalf("unexpected order id %s", orderID)
			}
			return []services.PaymentReconciliation{
				{
					Payment: services.Payment{
						ID:          "pay_1",
						Provider:    "barion",
						ProviderRef: "barion-abc",
						Status:      domain.PaymentStatusPending,
					},
					GatewayStatus: "succeeded",
					InSync:        false,
				},
				{
					Payment: services.Payment{
						ID:          "pay_2",
						Provider:    "stripe",
						ProviderRef: "cs_test_1",
						Status:      domain.PaymentStatusPending,
					},
					LookupError: "gateway unreachable",
				},
			}, nil
		},
	}

	router := chi.NewRouter()
	NewInternalHandlers(orders, payments).Routes(router)

	req := httptest.NewRequest(http.MethodPost, "/reconciliation/orders/ord_1", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp reconciliationResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.OrderID != "ord_1" || resp.OrderNumber != "DC-2025-000042" {
		t.Fatalf("unexpected order fields %+v", resp)
	}
	if len(resp.Payments) != 2 {
		t.Fatalf("expected two payments, got %d", len(resp.Payments))
	}
	first := resp.Payments[0]
	if first.GatewayStatus != "succeeded" || first.InSync {
		t.Fatalf("drifted payment should carry gateway state and inSync=false: %+v", first)
	}
	second := resp.Payments[1]
	if second.LookupError != "gateway unreachable" || second.GatewayStatus != "" {
		t.Fatalf("failed lookup should surface the error: %+v", second)
	}
}

func TestInternalHandlersReconcileOrderNotFound(t *testing.T) {
	router := chi.NewRouter()
	NewInternalHandlers(&stubOrderService{}, &stubPaymentService{}).Routes(router)

	req := httptest.NewRequest(http.MethodPost, "/reconciliation/orders/ord_missing", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}
