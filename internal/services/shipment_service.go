package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/duna-commerce/api/internal/carrier"
	domain "github.com/duna-commerce/api/internal/domain"
	"github.com/duna-commerce/api/internal/repositories"
)

const (
	shipmentIDPrefix = "shp_"

	// placeholderTrackingPrefix marks locally synthesized tracking numbers
	// issued while the carrier is unreachable.
	placeholderTrackingPrefix = "DUNA-"

	// defaultLineWeightGrams is charged for line items without catalogue weight.
	defaultLineWeightGrams = 500
)

var (
	// ErrShipmentInvalidInput signals the caller provided invalid data.
	ErrShipmentInvalidInput = errors.New("shipment: invalid input")
	// ErrShipmentNotFound indicates no shipment matches the supplied reference.
	ErrShipmentNotFound = errors.New("shipment: not found")
	// ErrShipmentOrderNotFound indicates the order could not be located.
	ErrShipmentOrderNotFound = errors.New("shipment: order not found")
	// ErrShipmentOrderNotPaid indicates shipment creation was requested before payment confirmation.
	ErrShipmentOrderNotPaid = errors.New("shipment: order not paid")
	// ErrShipmentLabelUnavailable indicates no label has been archived for the shipment.
	ErrShipmentLabelUnavailable = errors.New("shipment: label unavailable")
)

// LabelArchiver copies a carrier label into durable storage and returns the
// stored object path.
type LabelArchiver interface {
	Archive(ctx context.Context, trackingNumber, labelURL string) (string, error)
}

// LabelURLSigner issues short-lived download URLs for archived label objects.
type LabelURLSigner interface {
	SignedURL(ctx context.Context, object string, ttl time.Duration) (string, error)
}

// ShipmentServiceDeps bundles collaborators required to construct the shipment service.
type ShipmentServiceDeps struct {
	Orders      repositories.OrderRepository
	Shipments   repositories.ShipmentRepository
	Carrier     carrier.Client
	CarrierName string
	Labels      LabelArchiver
	LabelSigner LabelURLSigner
	LabelTTL    time.Duration
	Clock       func() time.Time
	IDGenerator func() string
	Events      OrderEventPublisher
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type shipmentService struct {
	orders      repositories.OrderRepository
	shipments   repositories.ShipmentRepository
	carrier     carrier.Client
	carrierName string
	labels      LabelArchiver
	labelSigner LabelURLSigner
	labelTTL    time.Duration
	clock       func() time.Time
	newID       func() string
	events      OrderEventPublisher
	logger      func(context.Context, string, map[string]any)
}

// NewShipmentService wires dependencies into a concrete ShipmentService implementation.
func NewShipmentService(deps ShipmentServiceDeps) (ShipmentService, error) {
	if deps.Orders == nil {
		return nil, errors.New("shipment service: order repository is required")
	}
	if deps.Shipments == nil {
		return nil, errors.New("shipment service: shipment repository is required")
	}
	if deps.Carrier == nil {
		return nil, errors.New("shipment service: carrier client is required")
	}

	carrierName := strings.TrimSpace(deps.CarrierName)
	if carrierName == "" {
		carrierName = "gls"
	}

	labelTTL := deps.LabelTTL
	if labelTTL <= 0 {
		labelTTL = 15 * time.Minute
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &shipmentService{
		orders:      deps.Orders,
		shipments:   deps.Shipments,
		carrier:     deps.Carrier,
		carrierName: carrierName,
		labels:      deps.Labels,
		labelSigner: deps.LabelSigner,
		labelTTL:    labelTTL,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		events: deps.Events,
		logger: logger,
	}, nil
}

// CreateShipment books a parcel for a paid order. A carrier outage does not
// fail the request: the shipment is recorded with a locally synthesized
// tracking number and stays pending until reconciliation rebooks it. Repeat
// calls return the shipment recorded first.
func (s *shipmentService) CreateShipment(ctx context.Context, cmd CreateShipmentCommand) (Shipment, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Shipment{}, fmt.Errorf("%w: order id is required", ErrShipmentInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		if isNotFound(err) {
			return Shipment{}, fmt.Errorf("%w: %s", ErrShipmentOrderNotFound, orderID)
		}
		return Shipment{}, s.mapRepositoryError(err)
	}
	if order.PaymentStatus != domain.PaymentStatusPaid {
		return Shipment{}, fmt.Errorf("%w: order %s is %s", ErrShipmentOrderNotPaid, order.ID, order.PaymentStatus)
	}

	if existing, err := s.shipments.FindByOrder(ctx, order.ID); err == nil {
		return existing, nil
	} else if !isNotFound(err) {
		return Shipment{}, s.mapRepositoryError(err)
	}

	now := s.now()
	shipment := Shipment{
		ID:          shipmentIDPrefix + s.newID(),
		OrderID:     order.ID,
		Carrier:     s.carrierName,
		Status:      domain.ShipmentStatusBooked,
		WeightGrams: totalShipmentWeight(order.Items),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	booking, err := s.carrier.CreateShipment(ctx, buildRecipient(order), carrier.Parcel{
		Reference:   order.OrderNumber,
		WeightGrams: shipment.WeightGrams,
		Currency:    order.Currency,
	})
	if err != nil {
		shipment.TrackingNumber = placeholderTrackingPrefix + s.newID()
		shipment.Placeholder = true
		shipment.Status = domain.ShipmentStatusPending
		s.logger(ctx, "shipment.carrier.unavailable", map[string]any{
			"order":    order.ID,
			"carrier":  s.carrierName,
			"tracking": shipment.TrackingNumber,
			"error":    err.Error(),
		})
	} else {
		shipment.TrackingNumber = booking.TrackingNumber
		if s.labels != nil && booking.LabelURL != "" {
			object, archiveErr := s.labels.Archive(ctx, booking.TrackingNumber, booking.LabelURL)
			if archiveErr != nil {
				s.logger(ctx, "shipment.label.archive.failed", map[string]any{
					"order":    order.ID,
					"tracking": booking.TrackingNumber,
					"error":    archiveErr.Error(),
				})
			} else {
				shipment.LabelObject = object
			}
		}
	}

	stored, created, err := s.shipments.CreateIfAbsent(ctx, shipment)
	if err != nil {
		return Shipment{}, s.mapRepositoryError(err)
	}
	if !created {
		s.logger(ctx, "shipment.duplicate.discarded", map[string]any{
			"order":     order.ID,
			"kept":      stored.TrackingNumber,
			"discarded": shipment.TrackingNumber,
		})
		return stored, nil
	}

	updated, err := s.orders.AdvanceStatus(ctx, order.ID, domain.OrderStatusProcessing, now)
	if err != nil {
		var repoErr repositories.RepositoryError
		if !errors.As(err, &repoErr) || !repoErr.IsConflict() {
			return Shipment{}, s.mapRepositoryError(err)
		}
		updated = order
	}

	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventShipment,
		OrderID:       updated.ID,
		OrderNumber:   updated.OrderNumber,
		UserID:        updated.UserID,
		CurrentStatus: string(updated.Status),
		OccurredAt:    now,
		Metadata: map[string]any{
			"tracking_number": stored.TrackingNumber,
			"placeholder":     stored.Placeholder,
			"carrier":         stored.Carrier,
		},
	})

	return stored, nil
}

// TrackShipment resolves a shipment by its tracking number.
func (s *shipmentService) TrackShipment(ctx context.Context, trackingNumber string) (ShipmentTracking, error) {
	trackingNumber = strings.TrimSpace(trackingNumber)
	if trackingNumber == "" {
		return ShipmentTracking{}, fmt.Errorf("%w: tracking number is required", ErrShipmentInvalidInput)
	}

	shipment, err := s.shipments.FindByTrackingNumber(ctx, trackingNumber)
	if err != nil {
		return ShipmentTracking{}, s.mapRepositoryError(err)
	}

	tracking := ShipmentTracking{
		TrackingNumber: shipment.TrackingNumber,
		Carrier:        shipment.Carrier,
		Status:         shipment.Status,
		Placeholder:    shipment.Placeholder,
		OrderID:        shipment.OrderID,
	}
	if !shipment.Placeholder {
		tracking.TrackingURL = s.carrier.TrackingURL(shipment.TrackingNumber)
		booked := shipment.CreatedAt
		tracking.BookedAt = &booked
	}
	return tracking, nil
}

// LabelDownloadURL issues a short-lived URL for the archived carrier label.
func (s *shipmentService) LabelDownloadURL(ctx context.Context, trackingNumber string) (string, error) {
	shipment, err := s.shipments.FindByTrackingNumber(ctx, strings.TrimSpace(trackingNumber))
	if err != nil {
		return "", s.mapRepositoryError(err)
	}
	if shipment.LabelObject == "" {
		return "", fmt.Errorf("%w: shipment %s", ErrShipmentLabelUnavailable, shipment.ID)
	}
	if s.labelSigner == nil {
		return "", errors.New("shipment: label signer not configured")
	}
	return s.labelSigner.SignedURL(ctx, shipment.LabelObject, s.labelTTL)
}

func (s *shipmentService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrShipmentNotFound, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("shipment: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *shipmentService) now() time.Time {
	return s.clock()
}

func (s *shipmentService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":  event.Type,
			"order": event.OrderID,
			"error": err.Error(),
		})
	}
}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func totalShipmentWeight(items []OrderLineItem) int {
	total := 0
	for _, item := range items {
		weight := item.WeightGrams
		if weight <= 0 {
			weight = defaultLineWeightGrams
		}
		total += weight * item.Quantity
	}
	return total
}

func buildRecipient(order Order) carrier.Recipient {
	recipient := carrier.Recipient{
		Name:  order.Contact.Name,
		Email: order.Contact.Email,
		Phone: order.Contact.Phone,
	}
	if addr := order.ShippingAddress; addr != nil {
		if recipient.Name == "" {
			recipient.Name = addr.Recipient
		}
		recipient.Line1 = addr.Line1
		recipient.City = addr.City
		recipient.PostalCode = addr.PostalCode
		recipient.Country = addr.Country
		if recipient.Phone == "" && addr.Phone != nil {
			recipient.Phone = *addr.Phone
		}
	}
	return recipient
}

var _ ShipmentService = (*shipmentService)(nil)
