package handlers

import (
	"context"

	domain "github.com/duna-commerce/api/internal/domain"
	"github.com/duna-commerce/api/internal/services"
)

type stubOrderService struct {
	createFunc func(ctx context.Context, cmd services.CreateOrderCommand) (services.Order, error)
	getFunc    func(ctx context.Context, orderID string) (services.Order, error)
	listFunc   func(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error)
}

func (s *stubOrderService) CreateOrder(ctx context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
	if s.createFunc != nil {
		return s.createFunc(ctx, cmd)
	}
	return services.Order{}, nil
}

func (s *stubOrderService) GetOrder(ctx context.Context, orderID string) (services.Order, error) {
	if s.getFunc != nil {
		return s.getFunc(ctx, orderID)
	}
	return services.Order{}, services.ErrOrderNotFound
}

func (s *stubOrderService) ListOrders(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error) {
	if s.listFunc != nil {
		return s.listFunc(ctx, filter)
	}
	return domain.CursorPage[services.Order]{}, nil
}

type stubPaymentService struct {
	initiateFunc  func(ctx context.Context, cmd services.InitiatePaymentCommand) (services.PaymentInitiation, error)
	confirmFunc   func(ctx context.Context, cmd services.ConfirmPaymentCommand) (services.Payment, error)
	listFunc      func(ctx context.Context, orderID string) ([]services.Payment, error)
	reconcileFunc func(ctx context.Context, orderID string) ([]services.PaymentReconciliation, error)
}

func (s *stubPaymentService) InitiatePayment(ctx context.Context, cmd services.InitiatePaymentCommand) (services.PaymentInitiation, error) {
	if s.initiateFunc != nil {
		return s.initiateFunc(ctx, cmd)
	}
	return services.PaymentInitiation{}, nil
}

func (s *stubPaymentService) ConfirmPayment(ctx context.Context, cmd services.ConfirmPaymentCommand) (services.Payment, error) {
	if s.confirmFunc != nil {
		return s.confirmFunc(ctx, cmd)
	}
	return services.Payment{}, nil
}

func (s *stubPaymentService) ListPayments(ctx context.Context, orderID string) ([]services.Payment, error) {
	if s.listFunc != nil {
		return s.listFunc(ctx, orderID)
	}
	return nil, nil
}

func (s *stubPaymentService) ReconcilePayments(ctx context.Context, orderID string) ([]services.PaymentReconciliation, error) {
	if s.reconcileFunc != nil {
		return s.reconcileFunc(ctx, orderID)
	}
	return nil, nil
}

type stubInvoiceService struct {
	generateFunc func(ctx context.Context, cmd services.GenerateInvoiceCommand) (services.InvoiceResult, error)
}

func (s *stubInvoiceService) GenerateInvoice(ctx context.Context, cmd services.GenerateInvoiceCommand) (services.InvoiceResult, error) {
	if s.generateFunc != nil {
		return s.generateFunc(ctx, cmd)
	}
	return services.InvoiceResult{}, nil
}

type stubShipmentService struct {
	createFunc func(ctx context.Context, cmd services.CreateShipmentCommand) (services.Shipment, error)
	trackFunc  func(ctx context.Context, trackingNumber string) (services.ShipmentTracking, error)
	labelFunc  func(ctx context.Context, trackingNumber string) (string, error)
}

func (s *stubShipmentService) CreateShipment(ctx context.Context, cmd services.CreateShipmentCommand) (services.Shipment, error) {
	if s.createFunc != nil {
		return s.createFunc(ctx, cmd)
	}
	return services.Shipment{}, nil
}

func (s *stubShipmentService) TrackShipment(ctx context.Context, trackingNumber string) (services.ShipmentTracking, error) {
	if s.trackFunc != nil {
		return s.trackFunc(ctx, trackingNumber)
	}
	return services.ShipmentTracking{}, services.ErrShipmentNotFound
}

func (s *stubShipmentService) LabelDownloadURL(ctx context.Context, trackingNumber string) (string, error) {
	if s.labelFunc != nil {
		return s.labelFunc(ctx, trackingNumber)
	}
	return "", services.ErrShipmentLabelUnavailable
}

type stubLimiter struct {
	allowFunc func(ctx context.Context, clientID, operation string) (bool, error)
	calls     []string
}

func (s *stubLimiter) Allow(ctx context.Context, clientID, operation string) (bool, error) {
	s.calls = append(s.calls, clientID+":"+operation)
	if s.allowFunc != nil {
		return s.allowFunc(ctx, clientID, operation)
	}
	return true, nil
}

var (
	_ services.OrderService    = (*stubOrderService)(nil)
	_ services.PaymentService  = (*stubPaymentService)(nil)
	_ services.InvoiceService  = (*stubInvoiceService)(nil)
	_ services.ShipmentService = (*stubShipmentService)(nil)
	_ services.RateLimiter     = (*stubLimiter)(nil)
)
