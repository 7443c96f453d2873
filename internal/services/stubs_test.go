package services

import (
	"context"
	"errors"
	"time"

	domain "github.com/duna-commerce/api/internal/domain"
	"github.com/duna-commerce/api/internal/payments"
	"github.com/duna-commerce/api/internal/repositories"
)

// stubRepoError satisfies repositories.RepositoryError for category assertions.
type stubRepoError struct {
	msg         string
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e stubRepoError) Error() string       { return e.msg }
func (e stubRepoError) IsNotFound() bool    { return e.notFound }
func (e stubRepoError) IsConflict() bool    { return e.conflict }
func (e stubRepoError) IsUnavailable() bool { return e.unavailable }

var (
	errStubNotFound    = stubRepoError{msg: "not found", notFound: true}
	errStubConflict    = stubRepoError{msg: "conflict", conflict: true}
	errStubUnavailable = stubRepoError{msg: "unavailable", unavailable: true}
)

type stubOrderRepository struct {
	insertFunc           func(ctx context.Context, order domain.Order) error
	updateFunc           func(ctx context.Context, order domain.Order) error
	findByIDFunc         func(ctx context.Context, orderID string) (domain.Order, error)
	listFunc             func(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error)
	setInvoiceNumberFunc func(ctx context.Context, orderID string, update repositories.InvoiceUpdate) (domain.Order, error)
	markPaidFunc         func(ctx context.Context, orderID string, update repositories.PaymentStatusUpdate) (domain.Order, error)
	advanceStatusFunc    func(ctx context.Context, orderID string, status domain.OrderStatus, now time.Time) (domain.Order, error)
}

func (s *stubOrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if s.insertFunc == nil {
		return nil
	}
	return s.insertFunc(ctx, order)
}

func (s *stubOrderRepository) Update(ctx context.Context, order domain.Order) error {
	if s.updateFunc == nil {
		return nil
	}
	return s.updateFunc(ctx, order)
}

func (s *stubOrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if s.findByIDFunc == nil {
		return domain.Order{}, errStubNotFound
	}
	return s.findByIDFunc(ctx, orderID)
}

func (s *stubOrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if s.listFunc == nil {
		return domain.CursorPage[domain.Order]{}, nil
	}
	return s.listFunc(ctx, filter)
}

func (s *stubOrderRepository) SetInvoiceNumber(ctx context.Context, orderID string, update repositories.InvoiceUpdate) (domain.Order, error) {
	if s.setInvoiceNumberFunc == nil {
		return domain.Order{}, errors.New("setInvoiceNumberFunc not configured")
	}
	return s.setInvoiceNumberFunc(ctx, orderID, update)
}

func (s *stubOrderRepository) MarkPaid(ctx context.Context, orderID string, update repositories.PaymentStatusUpdate) (domain.Order, error) {
	if s.markPaidFunc == nil {
		return domain.Order{}, errors.New("markPaidFunc not configured")
	}
	return s.markPaidFunc(ctx, orderID, update)
}

func (s *stubOrderRepository) AdvanceStatus(ctx context.Context, orderID string, status domain.OrderStatus, now time.Time) (domain.Order, error) {
	if s.advanceStatusFunc == nil {
		return domain.Order{}, errors.New("advanceStatusFunc not configured")
	}
	return s.advanceStatusFunc(ctx, orderID, status, now)
}

type stubPaymentRepository struct {
	insertFunc            func(ctx context.Context, payment domain.Payment) error
	findByIDFunc          func(ctx context.Context, paymentID string) (domain.Payment, error)
	findByProviderRefFunc func(ctx context.Context, providerRef string) (domain.Payment, error)
	updateStatusFunc      func(ctx context.Context, paymentID string, status domain.PaymentStatus, confirmedAt time.Time) (domain.Payment, error)
	listByOrderFunc       func(ctx context.Context, orderID string) ([]domain.Payment, error)
}

func (s *stubPaymentRepository) Insert(ctx context.Context, payment domain.Payment) error {
	if s.insertFunc == nil {
		return nil
	}
	return s.insertFunc(ctx, payment)
}

func (s *stubPaymentRepository) FindByID(ctx context.Context, paymentID string) (domain.Payment, error) {
	if s.findByIDFunc == nil {
		return domain.Payment{}, errStubNotFound
	}
	return s.findByIDFunc(ctx, paymentID)
}

func (s *stubPaymentRepository) FindByProviderRef(ctx context.Context, providerRef string) (domain.Payment, error) {
	if s.findByProviderRefFunc == nil {
		return domain.Payment{}, errStubNotFound
	}
	return s.findByProviderRefFunc(ctx, providerRef)
}

func (s *stubPaymentRepository) UpdateStatus(ctx context.Context, paymentID string, status domain.PaymentStatus, confirmedAt time.Time) (domain.Payment, error) {
	if s.updateStatusFunc == nil {
		return domain.Payment{}, errors.New("updateStatusFunc not configured")
	}
	return s.updateStatusFunc(ctx, paymentID, status, confirmedAt)
}

func (s *stubPaymentRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.Payment, error) {
	if s.listByOrderFunc == nil {
		return nil, nil
	}
	return s.listByOrderFunc(ctx, orderID)
}

type stubShipmentRepository struct {
	createIfAbsentFunc       func(ctx context.Context, shipment domain.Shipment) (domain.Shipment, bool, error)
	updateFunc               func(ctx context.Context, shipment domain.Shipment) error
	findByTrackingNumberFunc func(ctx context.Context, trackingNumber string) (domain.Shipment, error)
	findByOrderFunc          func(ctx context.Context, orderID string) (domain.Shipment, error)
}

func (s *stubShipmentRepository) CreateIfAbsent(ctx context.Context, shipment domain.Shipment) (domain.Shipment, bool, error) {
	if s.createIfAbsentFunc == nil {
		return shipment, true, nil
	}
	return s.createIfAbsentFunc(ctx, shipment)
}

func (s *stubShipmentRepository) Update(ctx context.Context, shipment domain.Shipment) error {
	if s.updateFunc == nil {
		return nil
	}
	return s.updateFunc(ctx, shipment)
}

func (s *stubShipmentRepository) FindByTrackingNumber(ctx context.Context, trackingNumber string) (domain.Shipment, error) {
	if s.findByTrackingNumberFunc == nil {
		return domain.Shipment{}, errStubNotFound
	}
	return s.findByTrackingNumberFunc(ctx, trackingNumber)
}

func (s *stubShipmentRepository) FindByOrder(ctx context.Context, orderID string) (domain.Shipment, error) {
	if s.findByOrderFunc == nil {
		return domain.Shipment{}, errStubNotFound
	}
	return s.findByOrderFunc(ctx, orderID)
}

type stubCounterRepository struct {
	nextFunc      func(ctx context.Context, counterID string, step int64) (int64, error)
	configureFunc func(ctx context.Context, counterID string, cfg repositories.CounterConfig) error
}

func (s *stubCounterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	if s.nextFunc == nil {
		return 1, nil
	}
	return s.nextFunc(ctx, counterID, step)
}

func (s *stubCounterRepository) Configure(ctx context.Context, counterID string, cfg repositories.CounterConfig) error {
	if s.configureFunc == nil {
		return nil
	}
	return s.configureFunc(ctx, counterID, cfg)
}

type stubGateway struct {
	startFunc  func(ctx context.Context, paymentCtx payments.PaymentContext, req payments.StartPaymentRequest) (payments.PaymentSession, error)
	lookupFunc func(ctx context.Context, paymentCtx payments.PaymentContext, req payments.LookupRequest) (payments.PaymentDetails, error)
}

func (s *stubGateway) StartPayment(ctx context.Context, paymentCtx payments.PaymentContext, req payments.StartPaymentRequest) (payments.PaymentSession, error) {
	if s.startFunc == nil {
		return payments.PaymentSession{}, errors.New("startFunc not configured")
	}
	return s.startFunc(ctx, paymentCtx, req)
}

func (s *stubGateway) LookupPayment(ctx context.Context, paymentCtx payments.PaymentContext, req payments.LookupRequest) (payments.PaymentDetails, error) {
	if s.lookupFunc == nil {
		return payments.PaymentDetails{}, errors.New("lookupFunc not configured")
	}
	return s.lookupFunc(ctx, paymentCtx, req)
}

type stubEventPublisher struct {
	events []OrderEvent
	err    error
}

func (s *stubEventPublisher) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, event)
	return nil
}
