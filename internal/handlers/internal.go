package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/duna-commerce/api/internal/platform/httpx"
	"github.com/duna-commerce/api/internal/services"
)

// InternalHandlers exposes operator-facing reconciliation endpoints. The
// routes are mounted behind OIDC middleware configured on the router.
type InternalHandlers struct {
	orders   services.OrderService
	payments services.PaymentService
}

// NewInternalHandlers constructs a new InternalHandlers instance.
func NewInternalHandlers(orders services.OrderService, payments services.PaymentService) *InternalHandlers {
	return &InternalHandlers{orders: orders, payments: payments}
}

// Routes registers internal endpoints under the provided router.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/reconciliation/orders/{orderID}", h.reconcileOrder)
}

type reconciliationPayment struct {
	PaymentID     string `json:"paymentId"`
	Provider      string `json:"provider"`
	ProviderRef   string `json:"providerRef"`
	Status        string `json:"status"`
	GatewayStatus string `json:"gatewayStatus,omitempty"`
	InSync        bool   `json:"inSync"`
	LookupError   string `json:"lookupError,omitempty"`
}

type reconciliationResponse struct {
	OrderID       string                  `json:"orderId"`
	OrderNumber   string                  `json:"orderNumber"`
	Status        string                  `json:"status"`
	PaymentStatus string                  `json:"paymentStatus"`
	InvoiceNumber string                  `json:"invoiceNumber,omitempty"`
	Payments      []reconciliationPayment `json:"payments"`
}

func (h *InternalHandlers) reconcileOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil || h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("reconciliation_unavailable", "reconciliation unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := chi.URLParam(r, "orderID")

	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	reconciled, err := h.payments.ReconcilePayments(ctx, orderID)
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}

	resp := reconciliationResponse{
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		Status:        string(order.Status),
		PaymentStatus: string(order.PaymentStatus),
		Payments:      make([]reconciliationPayment, 0, len(reconciled)),
	}
	if order.InvoiceNumber != nil {
		resp.InvoiceNumber = *order.InvoiceNumber
	}
	for _, entry := range reconciled {
		resp.Payments = append(resp.Payments, reconciliationPayment{
			PaymentID:     entry.Payment.ID,
			Provider:      entry.Payment.Provider,
			ProviderRef:   entry.Payment.ProviderRef,
			Status:        string(entry.Payment.Status),
			GatewayStatus: entry.GatewayStatus,
			InSync:        entry.InSync,
			LookupError:   entry.LookupError,
		})
	}

	writeJSONResponse(w, http.StatusOK, resp)
}
