package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	domain "github.com/duna-commerce/api/internal/domain"
	"github.com/duna-commerce/api/internal/invoicing"
	"github.com/duna-commerce/api/internal/repositories"
)

var (
	// ErrInvoiceInvalidInput signals the caller provided invalid data.
	ErrInvoiceInvalidInput = errors.New("invoice: invalid input")
	// ErrInvoiceOrderNotFound indicates the order could not be located.
	ErrInvoiceOrderNotFound = errors.New("invoice: order not found")
	// ErrInvoiceOrderNotPaid indicates invoicing was requested before payment confirmation.
	ErrInvoiceOrderNotPaid = errors.New("invoice: order not paid")
)

// InvoiceServiceDeps bundles collaborators required to construct the invoice service.
type InvoiceServiceDeps struct {
	Orders repositories.OrderRepository
	Client invoicing.Client
	Clock  func() time.Time
	Events OrderEventPublisher
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type invoiceService struct {
	orders    repositories.OrderRepository
	client    invoicing.Client
	clock     func() time.Time
	events    OrderEventPublisher
	logger    func(context.Context, string, map[string]any)
	sanitizer *bluemonday.Policy
}

// NewInvoiceService wires dependencies into a concrete InvoiceService implementation.
func NewInvoiceService(deps InvoiceServiceDeps) (InvoiceService, error) {
	if deps.Orders == nil {
		return nil, errors.New("invoice service: order repository is required")
	}
	if deps.Client == nil {
		return nil, errors.New("invoice service: invoicing client is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &invoiceService{
		orders: deps.Orders,
		client: deps.Client,
		clock: func() time.Time {
			return clock().UTC()
		},
		events:    deps.Events,
		logger:    logger,
		sanitizer: bluemonday.StrictPolicy(),
	}, nil
}

// GenerateInvoice issues exactly one invoice per order. An order that already
// carries an invoice number is returned immediately without contacting the
// provider; concurrent callers race on the conditional write and the loser
// adopts the winner's invoice number.
func (s *invoiceService) GenerateInvoice(ctx context.Context, cmd GenerateInvoiceCommand) (InvoiceResult, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return InvoiceResult{}, fmt.Errorf("%w: order id is required", ErrInvoiceInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return InvoiceResult{}, s.mapRepositoryError(err)
	}

	if order.InvoiceNumber != nil && *order.InvoiceNumber != "" {
		return invoiceResultFromOrder(order, true), nil
	}

	if order.PaymentStatus != domain.PaymentStatusPaid {
		return InvoiceResult{}, fmt.Errorf("%w: order %s is %s", ErrInvoiceOrderNotPaid, order.ID, order.PaymentStatus)
	}

	partnerID, err := s.client.CreatePartner(ctx, buildInvoicePartner(order))
	if err != nil {
		return InvoiceResult{}, err
	}

	doc, err := s.client.CreateDocument(ctx, invoicing.DocumentRequest{
		PartnerID:   partnerID,
		OrderNumber: order.OrderNumber,
		Currency:    order.Currency,
		Lines:       buildInvoiceLines(order),
		Comment:     s.sanitizer.Sanitize(cmd.Comment),
	})
	if err != nil {
		s.logger(ctx, "invoice.partner.orphaned", map[string]any{
			"order":   order.ID,
			"partner": partnerID,
			"error":   err.Error(),
		})
		return InvoiceResult{}, err
	}

	updated, err := s.orders.SetInvoiceNumber(ctx, order.ID, repositories.InvoiceUpdate{
		InvoiceNumber: doc.InvoiceNumber,
		InvoiceID:     doc.DocumentID,
		InvoicedAt:    s.now(),
	})
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsConflict() {
			// Lost the race against a concurrent invoice request. The stored
			// number wins; the duplicate document stays with the provider.
			current, lookupErr := s.orders.FindByID(ctx, order.ID)
			if lookupErr == nil && current.InvoiceNumber != nil {
				s.logger(ctx, "invoice.duplicate.discarded", map[string]any{
					"order":     order.ID,
					"kept":      *current.InvoiceNumber,
					"discarded": doc.InvoiceNumber,
				})
				return invoiceResultFromOrder(current, true), nil
			}
		}
		return InvoiceResult{}, s.mapRepositoryError(err)
	}

	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventInvoiced,
		OrderID:       updated.ID,
		OrderNumber:   updated.OrderNumber,
		UserID:        updated.UserID,
		CurrentStatus: string(updated.Status),
		OccurredAt:    s.now(),
		Metadata: map[string]any{
			"invoice_number": doc.InvoiceNumber,
		},
	})

	return InvoiceResult{
		OrderID:       updated.ID,
		InvoiceID:     doc.DocumentID,
		InvoiceNumber: doc.InvoiceNumber,
	}, nil
}

func (s *invoiceService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrInvoiceOrderNotFound, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("invoice: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *invoiceService) now() time.Time {
	return s.clock()
}

func (s *invoiceService) publishEvent(ctx context.Context, event OrderEvent) {
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

func invoiceResultFromOrder(order Order, already bool) InvoiceResult {
	result := InvoiceResult{
		OrderID:       order.ID,
		AlreadyIssued: already,
	}
	if order.InvoiceNumber != nil {
		result.InvoiceNumber = *order.InvoiceNumber
	}
	if order.InvoiceID != nil {
		result.InvoiceID = *order.InvoiceID
	}
	return result
}

func buildInvoicePartner(order Order) invoicing.Partner {
	partner := invoicing.Partner{
		Name:  order.Contact.Name,
		Email: order.Contact.Email,
	}
	if addr := order.BillingAddress; addr != nil {
		if partner.Name == "" {
			partner.Name = addr.Recipient
		}
		partner.Country = addr.Country
		partner.PostalCode = addr.PostalCode
		partner.City = addr.City
		partner.Address = addr.Line1
		if addr.Line2 != nil && *addr.Line2 != "" {
			partner.Address += ", " + *addr.Line2
		}
	}
	return partner
}

func buildInvoiceLines(order Order) []invoicing.DocumentLine {
	lines := make([]invoicing.DocumentLine, 0, len(order.Items)+1)
	for _, item := range order.Items {
		lines = append(lines, invoicing.DocumentLine{
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			TaxRate:   item.TaxRate,
			SKU:       item.SKU,
		})
	}
	if order.ShippingFee > 0 {
		lines = append(lines, invoicing.DocumentLine{
			Name:      "Shipping",
			Quantity:  1,
			UnitPrice: order.ShippingFee,
			TaxRate:   27,
			SKU:       "SHIPPING",
		})
	}
	return lines
}

var _ InvoiceService = (*invoiceService)(nil)
