package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/duna-commerce/api/internal/domain"
	"github.com/duna-commerce/api/internal/platform/httpx"
	"github.com/duna-commerce/api/internal/services"
)

const maxWebhookBody = 64 * 1024

// WebhookHandlers ingests gateway callbacks. Signature verification happens
// in middleware before these handlers run.
type WebhookHandlers struct {
	payments services.PaymentService
}

// NewWebhookHandlers constructs webhook handlers.
func NewWebhookHandlers(payments services.PaymentService) *WebhookHandlers {
	return &WebhookHandlers{payments: payments}
}

// Routes registers webhook endpoints under the provided router.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payment", h.paymentCallback)
}

type paymentCallbackRequest struct {
	Provider  string `json:"provider"`
	PaymentID string `json:"paymentId"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// gatewayStatuses maps callback status strings onto payment states.
var gatewayStatuses = map[string]domain.PaymentStatus{
	"succeeded": domain.PaymentStatusPaid,
	"paid":      domain.PaymentStatusPaid,
	"failed":    domain.PaymentStatusFailed,
	"expired":   domain.PaymentStatusFailed,
	"canceled":  domain.PaymentStatusFailed,
}

func (h *WebhookHandlers) paymentCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhooks_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxWebhookBody)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	var req paymentCallbackRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	paymentID := strings.TrimSpace(req.PaymentID)
	if paymentID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "paymentId is required", http.StatusBadRequest))
		return
	}

	status, ok := gatewayStatuses[strings.ToLower(strings.TrimSpace(req.Status))]
	if !ok {
		// Intermediate states (started, in progress) are acknowledged without
		// touching the payment record.
		writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	var occurred time.Time
	if ts := strings.TrimSpace(req.Timestamp); ts != "" {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			occurred = parsed.UTC()
		}
	}

	payment, err := h.payments.ConfirmPayment(ctx, services.ConfirmPaymentCommand{
		Provider:    strings.TrimSpace(req.Provider),
		ProviderRef: paymentID,
		Status:      status,
		OccurredAt:  occurred,
	})
	if err != nil {
		switch {
		case errors.Is(err, services.ErrPaymentInvalidInput):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		case errors.Is(err, services.ErrPaymentNotFound):
			httpx.WriteError(ctx, w, httpx.NewError("payment_not_found", "no payment matches the callback reference", http.StatusNotFound))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("webhook_error", "failed to process payment callback", http.StatusInternalServerError))
		}
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]string{
		"status":    "processed",
		"paymentId": payment.ID,
	})
}
