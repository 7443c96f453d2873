package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/duna-commerce/api/internal/platform/httpx"
	"github.com/duna-commerce/api/internal/services"
)

// ShipmentHandlers exposes tracking lookups and label downloads.
type ShipmentHandlers struct {
	shipments services.ShipmentService
}

// NewShipmentHandlers constructs a new ShipmentHandlers instance.
func NewShipmentHandlers(shipments services.ShipmentService) *ShipmentHandlers {
	return &ShipmentHandlers{shipments: shipments}
}

// Routes registers shipment endpoints under the provided router.
func (h *ShipmentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/{trackingNumber}", h.trackShipment)
	r.Get("/{trackingNumber}/label", h.downloadLabel)
}

type shipmentTrackingResponse struct {
	TrackingNumber string `json:"trackingNumber"`
	Carrier        string `json:"carrier"`
	Status         string `json:"status"`
	Placeholder    bool   `json:"placeholder"`
	TrackingURL    string `json:"trackingUrl,omitempty"`
	OrderID        string `json:"orderId"`
	BookedAt       string `json:"bookedAt,omitempty"`
}

func (h *ShipmentHandlers) trackShipment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.shipments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("shipping_unavailable", "shipment service unavailable", http.StatusServiceUnavailable))
		return
	}

	tracking, err := h.shipments.TrackShipment(ctx, chi.URLParam(r, "trackingNumber"))
	if err != nil {
		writeShipmentError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, shipmentTrackingResponse{
		TrackingNumber: tracking.TrackingNumber,
		Carrier:        tracking.Carrier,
		Status:         string(tracking.Status),
		Placeholder:    tracking.Placeholder,
		TrackingURL:    tracking.TrackingURL,
		OrderID:        tracking.OrderID,
		BookedAt:       formatTimePtr(tracking.BookedAt),
	})
}

func (h *ShipmentHandlers) downloadLabel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.shipments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("shipping_unavailable", "shipment service unavailable", http.StatusServiceUnavailable))
		return
	}

	url, err := h.shipments.LabelDownloadURL(ctx, chi.URLParam(r, "trackingNumber"))
	if err != nil {
		writeLabelError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]string{"url": url})
}

func writeLabelError(ctx context.Context, w http.ResponseWriter, err error) {
	if errors.Is(err, services.ErrShipmentLabelUnavailable) {
		httpx.WriteError(ctx, w, httpx.NewError("label_unavailable", "no label is available for this shipment", http.StatusNotFound))
		return
	}
	writeShipmentError(ctx, w, err)
}
