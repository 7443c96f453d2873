package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/duna-commerce/api/internal/domain"
	"github.com/duna-commerce/api/internal/platform/auth"
	"github.com/duna-commerce/api/internal/platform/httpx"
	"github.com/duna-commerce/api/internal/services"
)

const (
	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
	maxOrderRequestBody  = 64 * 1024
)

// OrderHandlers exposes order creation, reads, and the post-payment
// invoice/shipment operations.
type OrderHandlers struct {
	authn     *auth.Authenticator
	orders    services.OrderService
	invoices  services.InvoiceService
	shipments services.ShipmentService
	limiter   services.RateLimiter
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, invoices services.InvoiceService, shipments services.ShipmentService, limiter services.RateLimiter) *OrderHandlers {
	return &OrderHandlers{
		authn:     authn,
		orders:    orders,
		invoices:  invoices,
		shipments: shipments,
		limiter:   limiter,
	}
}

// Routes registers order endpoints under the provided router.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireFirebaseAuth())
	}
	group.Post("/", h.createOrder)
	group.Get("/", h.listOrders)
	group.Get("/{orderID}", h.getOrder)
	group.With(RateLimit(h.limiter, "invoice.generate")).Post("/{orderID}/invoice", h.generateInvoice)
	group.With(RateLimit(h.limiter, "shipment.create")).Post("/{orderID}/shipment", h.createShipment)
}

type orderAddressPayload struct {
	Recipient  string `json:"recipient"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

type orderItemPayload struct {
	SKU         string  `json:"sku"`
	Name        string  `json:"name"`
	Quantity    int     `json:"quantity"`
	UnitPrice   int64   `json:"unitPrice"`
	TaxRate     float64 `json:"taxRate"`
	WeightGrams int     `json:"weightGrams,omitempty"`
}

type createOrderRequest struct {
	Currency        string               `json:"currency"`
	Items           []orderItemPayload   `json:"items"`
	ShippingFee     int64                `json:"shippingFee"`
	BillingAddress  *orderAddressPayload `json:"billingAddress"`
	ShippingAddress *orderAddressPayload `json:"shippingAddress"`
	ContactName     string               `json:"contactName"`
	ContactEmail    string               `json:"contactEmail"`
	ContactPhone    string               `json:"contactPhone,omitempty"`
	Note            string               `json:"note,omitempty"`
}

type orderResponse struct {
	ID              string               `json:"id"`
	OrderNumber     string               `json:"orderNumber"`
	UserID          string               `json:"userId"`
	Status          string               `json:"status"`
	PaymentStatus   string               `json:"paymentStatus"`
	Currency        string               `json:"currency"`
	Total           int64                `json:"total"`
	ShippingFee     int64                `json:"shippingFee"`
	InvoiceNumber   string               `json:"invoiceNumber,omitempty"`
	Items           []orderItemPayload   `json:"items"`
	BillingAddress  *orderAddressPayload `json:"billingAddress,omitempty"`
	ShippingAddress *orderAddressPayload `json:"shippingAddress,omitempty"`
	ContactName     string               `json:"contactName,omitempty"`
	ContactEmail    string               `json:"contactEmail,omitempty"`
	Note            string               `json:"note,omitempty"`
	CreatedAt       string               `json:"createdAt"`
	UpdatedAt       string               `json:"updatedAt"`
	PaidAt          string               `json:"paidAt,omitempty"`
	InvoicedAt      string               `json:"invoicedAt,omitempty"`
	ShippedAt       string               `json:"shippedAt,omitempty"`
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("orders_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	userID := requestUserID(r)
	if userID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	body, err := readLimitedBody(r, maxOrderRequestBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	var req createOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	cmd := services.CreateOrderCommand{
		UserID:      userID,
		Currency:    strings.TrimSpace(req.Currency),
		ShippingFee: req.ShippingFee,
		Contact: services.OrderContact{
			Name:  strings.TrimSpace(req.ContactName),
			Email: strings.TrimSpace(req.ContactEmail),
			Phone: strings.TrimSpace(req.ContactPhone),
		},
		Note: strings.TrimSpace(req.Note),
	}
	for _, item := range req.Items {
		cmd.Items = append(cmd.Items, services.OrderLineItem{
			SKU:         strings.TrimSpace(item.SKU),
			Name:        strings.TrimSpace(item.Name),
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			TaxRate:     item.TaxRate,
			WeightGrams: item.WeightGrams,
		})
	}
	if req.BillingAddress != nil {
		cmd.BillingAddress = addressFromPayload(*req.BillingAddress)
	}
	if req.ShippingAddress != nil {
		cmd.ShippingAddress = addressFromPayload(*req.ShippingAddress)
	}

	order, err := h.orders.CreateOrder(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, buildOrderResponse(order))
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("orders_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	order, err := h.orders.GetOrder(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildOrderResponse(order))
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("orders_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	query := r.URL.Query()

	pageSize := defaultOrderPageSize
	if raw := strings.TrimSpace(query.Get("pageSize")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "pageSize must be a positive integer", http.StatusBadRequest))
			return
		}
		if parsed > maxOrderPageSize {
			parsed = maxOrderPageSize
		}
		pageSize = parsed
	}

	filter := services.OrderListFilter{
		UserID: strings.TrimSpace(query.Get("userId")),
		Pagination: domain.Pagination{
			PageSize:  pageSize,
			PageToken: strings.TrimSpace(query.Get("pageToken")),
		},
	}
	if status := strings.TrimSpace(query.Get("status")); status != "" {
		filter.Status = strings.Split(status, ",")
	}
	if payment := strings.TrimSpace(query.Get("paymentStatus")); payment != "" {
		filter.PaymentStatus = strings.Split(payment, ",")
	}
	switch sort := strings.ToLower(strings.TrimSpace(query.Get("sort"))); sort {
	case "":
	case string(domain.SortAsc), string(domain.SortDesc):
		filter.Sort = domain.SortOrder(sort)
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "sort must be asc or desc", http.StatusBadRequest))
		return
	}

	page, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := make([]orderResponse, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderResponse(order))
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{
		"items":         items,
		"nextPageToken": page.NextPageToken,
	})
}

type generateInvoiceRequest struct {
	Comment string `json:"comment"`
}

type invoiceResponse struct {
	OrderID       string `json:"orderId"`
	InvoiceID     string `json:"invoiceId,omitempty"`
	InvoiceNumber string `json:"invoiceNumber"`
	AlreadyIssued bool   `json:"alreadyIssued"`
}

func (h *OrderHandlers) generateInvoice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.invoices == nil {
		httpx.WriteError(ctx, w, httpx.NewError("invoicing_unavailable", "invoice service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req generateInvoiceRequest
	if body, err := readLimitedBody(r, maxOrderRequestBody); err == nil {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
			return
		}
	}

	result, err := h.invoices.GenerateInvoice(ctx, services.GenerateInvoiceCommand{
		OrderID: chi.URLParam(r, "orderID"),
		ActorID: requestUserID(r),
		Comment: req.Comment,
	})
	if err != nil {
		writeInvoiceError(ctx, w, err)
		return
	}

	status := http.StatusCreated
	if result.AlreadyIssued {
		status = http.StatusOK
	}
	writeJSONResponse(w, status, invoiceResponse{
		OrderID:       result.OrderID,
		InvoiceID:     result.InvoiceID,
		InvoiceNumber: result.InvoiceNumber,
		AlreadyIssued: result.AlreadyIssued,
	})
}

type shipmentResponse struct {
	ID             string `json:"id"`
	OrderID        string `json:"orderId"`
	Carrier        string `json:"carrier"`
	TrackingNumber string `json:"trackingNumber"`
	Status         string `json:"status"`
	Placeholder    bool   `json:"placeholder"`
	WeightGrams    int    `json:"weightGrams"`
	CreatedAt      string `json:"createdAt"`
}

func (h *OrderHandlers) createShipment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.shipments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("shipping_unavailable", "shipment service unavailable", http.StatusServiceUnavailable))
		return
	}

	shipment, err := h.shipments.CreateShipment(ctx, services.CreateShipmentCommand{
		OrderID: chi.URLParam(r, "orderID"),
		ActorID: requestUserID(r),
	})
	if err != nil {
		writeShipmentError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, buildShipmentResponse(shipment))
}

func requestUserID(r *http.Request) string {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && identity != nil {
		return strings.TrimSpace(identity.UID)
	}
	return ""
}

func addressFromPayload(payload orderAddressPayload) services.Address {
	addr := services.Address{
		Recipient:  strings.TrimSpace(payload.Recipient),
		Line1:      strings.TrimSpace(payload.Line1),
		City:       strings.TrimSpace(payload.City),
		PostalCode: strings.TrimSpace(payload.PostalCode),
		Country:    strings.TrimSpace(payload.Country),
	}
	if line2 := strings.TrimSpace(payload.Line2); line2 != "" {
		addr.Line2 = &line2
	}
	if phone := strings.TrimSpace(payload.Phone); phone != "" {
		addr.Phone = &phone
	}
	return addr
}

func addressToPayload(addr *domain.Address) *orderAddressPayload {
	if addr == nil {
		return nil
	}
	payload := &orderAddressPayload{
		Recipient:  addr.Recipient,
		Line1:      addr.Line1,
		City:       addr.City,
		PostalCode: addr.PostalCode,
		Country:    addr.Country,
	}
	if addr.Line2 != nil {
		payload.Line2 = *addr.Line2
	}
	if addr.Phone != nil {
		payload.Phone = *addr.Phone
	}
	return payload
}

func buildOrderResponse(order domain.Order) orderResponse {
	resp := orderResponse{
		ID:              order.ID,
		OrderNumber:     order.OrderNumber,
		UserID:          order.UserID,
		Status:          string(order.Status),
		PaymentStatus:   string(order.PaymentStatus),
		Currency:        order.Currency,
		Total:           order.Total,
		ShippingFee:     order.ShippingFee,
		BillingAddress:  addressToPayload(order.BillingAddress),
		ShippingAddress: addressToPayload(order.ShippingAddress),
		ContactName:     order.Contact.Name,
		ContactEmail:    order.Contact.Email,
		Note:            order.Note,
		CreatedAt:       formatTime(order.CreatedAt),
		UpdatedAt:       formatTime(order.UpdatedAt),
		PaidAt:          formatTimePtr(order.PaidAt),
		InvoicedAt:      formatTimePtr(order.InvoicedAt),
		ShippedAt:       formatTimePtr(order.ShippedAt),
	}
	if order.InvoiceNumber != nil {
		resp.InvoiceNumber = *order.InvoiceNumber
	}
	for _, item := range order.Items {
		resp.Items = append(resp.Items, orderItemPayload{
			SKU:         item.SKU,
			Name:        item.Name,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			TaxRate:     item.TaxRate,
			WeightGrams: item.WeightGrams,
		})
	}
	return resp
}

func buildShipmentResponse(shipment domain.Shipment) shipmentResponse {
	return shipmentResponse{
		ID:             shipment.ID,
		OrderID:        shipment.OrderID,
		Carrier:        shipment.Carrier,
		TrackingNumber: shipment.TrackingNumber,
		Status:         string(shipment.Status),
		Placeholder:    shipment.Placeholder,
		WeightGrams:    shipment.WeightGrams,
		CreatedAt:      formatTime(shipment.CreatedAt),
	}
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", "order has changed; refresh and retry", http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}

func writeInvoiceError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrInvoiceInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrInvoiceOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrInvoiceOrderNotPaid):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_paid", "order must be paid before invoicing", http.StatusConflict))
	default:
		if !writeProviderError(ctx, w, err) {
			httpx.WriteError(ctx, w, httpx.NewError("invoice_error", "failed to generate invoice", http.StatusInternalServerError))
		}
	}
}

func writeShipmentError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrShipmentInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrShipmentOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrShipmentNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("shipment_not_found", "shipment not found", http.StatusNotFound))
	case errors.Is(err, services.ErrShipmentOrderNotPaid):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_paid", "order must be paid before shipping", http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("shipment_error", "failed to process shipment request", http.StatusInternalServerError))
	}
}
