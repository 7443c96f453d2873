package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/duna-commerce/api/internal/platform/auth"
	"github.com/duna-commerce/api/internal/platform/httpx"
	"github.com/duna-commerce/api/internal/providers"
	"github.com/duna-commerce/api/internal/services"
)

const maxPaymentRequestBody = 8 * 1024

// PaymentHandlers exposes payment initiation endpoints.
type PaymentHandlers struct {
	authn    *auth.Authenticator
	payments services.PaymentService
	limiter  services.RateLimiter
}

// NewPaymentHandlers constructs payment handlers.
func NewPaymentHandlers(authn *auth.Authenticator, payments services.PaymentService, limiter services.RateLimiter) *PaymentHandlers {
	return &PaymentHandlers{
		authn:    authn,
		payments: payments,
		limiter:  limiter,
	}
}

// Routes registers payment endpoints under the provided router.
func (h *PaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireFirebaseAuth())
	}
	group.With(RateLimit(h.limiter, "payment.initiate")).Post("/", h.initiatePayment)
}

type initiatePaymentRequest struct {
	OrderID     string `json:"orderId"`
	Provider    string `json:"provider"`
	Locale      string `json:"locale"`
	RedirectURL string `json:"redirectUrl"`
}

type initiatePaymentResponse struct {
	PaymentID   string `json:"paymentId"`
	OrderID     string `json:"orderId"`
	Provider    string `json:"provider"`
	ProviderRef string `json:"providerRef"`
	GatewayURL  string `json:"gatewayUrl"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	ExpiresAt   string `json:"expiresAt,omitempty"`
}

func (h *PaymentHandlers) initiatePayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payments_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxPaymentRequestBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	var req initiatePaymentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}
	if strings.TrimSpace(req.OrderID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "orderId is required", http.StatusBadRequest))
		return
	}

	initiation, err := h.payments.InitiatePayment(ctx, services.InitiatePaymentCommand{
		OrderID:        strings.TrimSpace(req.OrderID),
		Provider:       strings.TrimSpace(req.Provider),
		Locale:         strings.TrimSpace(req.Locale),
		RedirectURL:    strings.TrimSpace(req.RedirectURL),
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	})
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}

	resp := initiatePaymentResponse{
		PaymentID:   initiation.PaymentID,
		OrderID:     initiation.OrderID,
		Provider:    initiation.Provider,
		ProviderRef: initiation.ProviderRef,
		GatewayURL:  initiation.GatewayURL,
		Amount:      initiation.Amount,
		Currency:    initiation.Currency,
		ExpiresAt:   formatTimePtr(initiation.ExpiresAt),
	}
	writeJSONResponse(w, http.StatusCreated, resp)
}

func writePaymentError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrPaymentInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrPaymentNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("not_found", "payment or order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrPaymentOrderPaid):
		httpx.WriteError(ctx, w, httpx.NewError("order_already_paid", "order has already been paid", http.StatusConflict))
	default:
		if !writeProviderError(ctx, w, err) {
			httpx.WriteError(ctx, w, httpx.NewError("payment_error", "failed to process payment request", http.StatusInternalServerError))
		}
	}
}

// writeProviderError preserves the upstream provider's code, title and detail
// in the error envelope. Returns false when err is not a provider error.
func writeProviderError(ctx context.Context, w http.ResponseWriter, err error) bool {
	pErr, ok := providers.AsError(err)
	if !ok {
		return false
	}
	httpErr := httpx.NewError("provider_error", pErr.Title, http.StatusBadGateway).WithDetails(map[string]any{
		"provider":        pErr.Provider,
		"provider_code":   pErr.Code,
		"provider_detail": pErr.Detail,
	})
	httpx.WriteError(ctx, w, httpErr)
	return true
}
