package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/mail"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	domain "github.com/duna-commerce/api/internal/domain"
	"github.com/duna-commerce/api/internal/repositories"
)

const (
	orderEventCreated   = "order.created"
	orderEventPaid      = "order.paid"
	orderEventInvoiced  = "invoice.created"
	orderEventShipment  = "shipment.created"
	orderEventProcessed = "order.status.changed"

	orderIDPrefix = "ord_"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates the order is not in the state an operation requires.
	ErrOrderInvalidState = errors.New("order: invalid state")
	// ErrOrderConflict indicates a guarded update lost against a concurrent writer.
	ErrOrderConflict = errors.New("order: conflict")
)

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Counters    repositories.CounterRepository
	Clock       func() time.Time
	IDGenerator func() string
	Events      OrderEventPublisher
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders   repositories.OrderRepository
	counters repositories.CounterRepository
	clock    func() time.Time
	newID    func() string
	events   OrderEventPublisher
	logger   func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order service: counter repository is required")
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

	return &orderService{
		orders:   deps.Orders,
		counters: deps.Counters,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		events: deps.Events,
		logger: logger,
	}, nil
}

func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return Order{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	currency := strings.ToUpper(strings.TrimSpace(cmd.Currency))
	if currency == "" {
		return Order{}, fmt.Errorf("%w: currency is required", ErrOrderInvalidInput)
	}
	if len(cmd.Items) == 0 {
		return Order{}, fmt.Errorf("%w: order must contain at least one item", ErrOrderInvalidInput)
	}
	for _, item := range cmd.Items {
		if item.Quantity <= 0 {
			return Order{}, fmt.Errorf("%w: item %q quantity must be positive", ErrOrderInvalidInput, item.SKU)
		}
		if item.UnitPrice < 0 {
			return Order{}, fmt.Errorf("%w: item %q unit price must not be negative", ErrOrderInvalidInput, item.SKU)
		}
	}
	email := strings.TrimSpace(cmd.Contact.Email)
	if email == "" {
		return Order{}, fmt.Errorf("%w: contact email is required", ErrOrderInvalidInput)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return Order{}, fmt.Errorf("%w: contact email is invalid", ErrOrderInvalidInput)
	}

	now := s.now()

	orderNumber, err := s.generateOrderNumber(ctx, now)
	if err != nil {
		return Order{}, fmt.Errorf("order: generate order number: %w", err)
	}

	billing := cmd.BillingAddress
	shipping := cmd.ShippingAddress

	order := Order{
		ID:              orderIDPrefix + s.newID(),
		OrderNumber:     orderNumber,
		UserID:          userID,
		Status:          domain.OrderStatusCreated,
		PaymentStatus:   domain.PaymentStatusUnpaid,
		Currency:        currency,
		Total:           sumOrderTotal(cmd.Items, cmd.ShippingFee),
		ShippingFee:     cmd.ShippingFee,
		Items:           cloneOrderItems(cmd.Items),
		BillingAddress:  &billing,
		ShippingAddress: &shipping,
		Contact: OrderContact{
			Name:  strings.TrimSpace(cmd.Contact.Name),
			Email: email,
			Phone: strings.TrimSpace(cmd.Contact.Phone),
		},
		Note:      sanitizeNote(cmd.Note),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.orders.Insert(ctx, order); err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventCreated,
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		UserID:        order.UserID,
		CurrentStatus: string(order.Status),
		OccurredAt:    now,
	})

	return order, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *orderService) generateOrderNumber(ctx context.Context, now time.Time) (string, error) {
	seq, err := s.counters.Next(ctx, fmt.Sprintf("orders:%04d", now.Year()), 1)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("DC-%04d-%06d", now.Year(), seq), nil
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}

func sumOrderTotal(items []OrderLineItem, shippingFee int64) int64 {
	total := shippingFee
	for _, item := range items {
		total += item.UnitPrice * int64(item.Quantity)
	}
	return total
}

func cloneOrderItems(items []OrderLineItem) []OrderLineItem {
	cloned := make([]OrderLineItem, len(items))
	copy(cloned, items)
	return cloned
}

var notePolicy = bluemonday.StrictPolicy()

// sanitizeNote strips markup from customer supplied free text before it is
// stored or forwarded to invoicing and carrier providers.
func sanitizeNote(note string) string {
	return strings.TrimSpace(notePolicy.Sanitize(note))
}

var _ OrderService = (*orderService)(nil)
