package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/duna-commerce/api/internal/domain"
	"github.com/duna-commerce/api/internal/payments"
	"github.com/duna-commerce/api/internal/repositories"
)

const paymentIDPrefix = "pay_"

var (
	// ErrPaymentInvalidInput signals the caller provided invalid data.
	ErrPaymentInvalidInput = errors.New("payment: invalid input")
	// ErrPaymentNotFound indicates no payment matches the supplied reference.
	ErrPaymentNotFound = errors.New("payment: not found")
	// ErrPaymentOrderPaid indicates the order has already been paid.
	ErrPaymentOrderPaid = errors.New("payment: order already paid")
	// ErrPaymentConflict indicates a guarded update lost against a concurrent writer.
	ErrPaymentConflict = errors.New("payment: conflict")
)

// PaymentGateway abstracts the payment provider manager for session creation
// and status lookups.
type PaymentGateway interface {
	StartPayment(ctx context.Context, paymentCtx payments.PaymentContext, req payments.StartPaymentRequest) (payments.PaymentSession, error)
	LookupPayment(ctx context.Context, paymentCtx payments.PaymentContext, req payments.LookupRequest) (payments.PaymentDetails, error)
}

// PaymentServiceDeps bundles collaborators required to construct the payment service.
type PaymentServiceDeps struct {
	Orders      repositories.OrderRepository
	Payments    repositories.PaymentRepository
	Gateway     PaymentGateway
	CallbackURL string
	Clock       func() time.Time
	IDGenerator func() string
	Events      OrderEventPublisher
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type paymentService struct {
	orders      repositories.OrderRepository
	payments    repositories.PaymentRepository
	gateway     PaymentGateway
	callbackURL string
	clock       func() time.Time
	newID       func() string
	events      OrderEventPublisher
	logger      func(context.Context, string, map[string]any)
}

// NewPaymentService wires dependencies into a concrete PaymentService implementation.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	if deps.Orders == nil {
		return nil, errors.New("payment service: order repository is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("payment service: payment repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("payment service: gateway manager is required")
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

	return &paymentService{
		orders:      deps.Orders,
		payments:    deps.Payments,
		gateway:     deps.Gateway,
		callbackURL: strings.TrimSpace(deps.CallbackURL),
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		events: deps.Events,
		logger: logger,
	}, nil
}

// InitiatePayment starts a hosted gateway session for the order and records a
// pending payment. The gateway call happens before any local write: a provider
// rejection leaves no trace in the store. If the gateway accepted the session
// but the pending record cannot be persisted, the redirect is still returned
// and the gap is left to reconciliation.
func (s *paymentService) InitiatePayment(ctx context.Context, cmd InitiatePaymentCommand) (PaymentInitiation, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return PaymentInitiation{}, fmt.Errorf("%w: order id is required", ErrPaymentInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return PaymentInitiation{}, s.mapRepositoryError(err)
	}
	if order.PaymentStatus == domain.PaymentStatusPaid {
		return PaymentInitiation{}, fmt.Errorf("%w: order %s", ErrPaymentOrderPaid, order.ID)
	}

	req := payments.StartPaymentRequest{
		OrderID:        order.ID,
		Amount:         order.Total,
		Currency:       order.Currency,
		PayerEmail:     order.Contact.Email,
		PayerName:      order.Contact.Name,
		Locale:         cmd.Locale,
		RedirectURL:    cmd.RedirectURL,
		CallbackURL:    s.callbackURL,
		IdempotencyKey: cmd.IdempotencyKey,
		Metadata: map[string]string{
			"order_number": order.OrderNumber,
		},
		Items: buildGatewayItems(order),
	}

	session, err := s.gateway.StartPayment(ctx, payments.PaymentContext{
		PreferredProvider: cmd.Provider,
		Currency:          order.Currency,
	}, req)
	if err != nil {
		return PaymentInitiation{}, err
	}

	now := s.now()
	payment := Payment{
		ID:          paymentIDPrefix + s.newID(),
		OrderID:     order.ID,
		Provider:    session.Provider,
		ProviderRef: session.PaymentID,
		Status:      domain.PaymentStatusPending,
		Amount:      order.Total,
		Currency:    order.Currency,
		RedirectURL: session.GatewayURL,
		Raw:         session.Raw,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.payments.Insert(ctx, payment); err != nil {
		s.logger(ctx, "payment.record.persist.failed", map[string]any{
			"order":        order.ID,
			"provider":     session.Provider,
			"provider_ref": session.PaymentID,
			"error":        err.Error(),
		})
	}

	initiation := PaymentInitiation{
		PaymentID:   payment.ID,
		OrderID:     order.ID,
		Provider:    session.Provider,
		ProviderRef: session.PaymentID,
		GatewayURL:  session.GatewayURL,
		Amount:      order.Total,
		Currency:    order.Currency,
	}
	if !session.ExpiresAt.IsZero() {
		expires := session.ExpiresAt
		initiation.ExpiresAt = &expires
	}
	return initiation, nil
}

// ConfirmPayment applies a gateway callback outcome. Replayed callbacks are
// absorbed: a payment already in the reported state is returned unchanged.
func (s *paymentService) ConfirmPayment(ctx context.Context, cmd ConfirmPaymentCommand) (Payment, error) {
	providerRef := strings.TrimSpace(cmd.ProviderRef)
	if providerRef == "" {
		return Payment{}, fmt.Errorf("%w: provider reference is required", ErrPaymentInvalidInput)
	}
	if cmd.Status != domain.PaymentStatusPaid && cmd.Status != domain.PaymentStatusFailed {
		return Payment{}, fmt.Errorf("%w: status %q is not a terminal payment state", ErrPaymentInvalidInput, cmd.Status)
	}

	payment, err := s.payments.FindByProviderRef(ctx, providerRef)
	if err != nil {
		return Payment{}, s.mapRepositoryError(err)
	}

	occurred := cmd.OccurredAt
	if occurred.IsZero() {
		occurred = s.now()
	}

	updated, err := s.payments.UpdateStatus(ctx, payment.ID, cmd.Status, occurred)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsConflict() {
			current, lookupErr := s.payments.FindByID(ctx, payment.ID)
			if lookupErr == nil && current.Status == cmd.Status {
				return current, nil
			}
		}
		return Payment{}, s.mapRepositoryError(err)
	}

	order, err := s.orders.MarkPaid(ctx, payment.OrderID, repositories.PaymentStatusUpdate{
		Status:      cmd.Status,
		ConfirmedAt: occurred,
	})
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsConflict() {
			s.logger(ctx, "payment.order.already.recorded", map[string]any{
				"order":   payment.OrderID,
				"payment": payment.ID,
				"status":  string(cmd.Status),
			})
			return updated, nil
		}
		return Payment{}, s.mapRepositoryError(err)
	}

	if cmd.Status == domain.PaymentStatusPaid {
		s.publishEvent(ctx, OrderEvent{
			Type:          orderEventPaid,
			OrderID:       order.ID,
			OrderNumber:   order.OrderNumber,
			UserID:        order.UserID,
			CurrentStatus: string(order.Status),
			OccurredAt:    occurred,
			Metadata: map[string]any{
				"payment_id": payment.ID,
				"provider":   payment.Provider,
			},
		})
	}

	return updated, nil
}

func (s *paymentService) ListPayments(ctx context.Context, orderID string) ([]Payment, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrPaymentInvalidInput)
	}
	list, err := s.payments.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return list, nil
}

// ReconcilePayments re-reads every stored payment from its gateway and flags
// records whose local status disagrees with the provider. A failed lookup is
// reported per payment rather than failing the whole sweep.
func (s *paymentService) ReconcilePayments(ctx context.Context, orderID string) ([]PaymentReconciliation, error) {
	list, err := s.ListPayments(ctx, orderID)
	if err != nil {
		return nil, err
	}

	results := make([]PaymentReconciliation, 0, len(list))
	for _, payment := range list {
		entry := PaymentReconciliation{Payment: payment}
		ref := strings.TrimSpace(payment.ProviderRef)
		if ref == "" {
			results = append(results, entry)
			continue
		}
		details, err := s.gateway.LookupPayment(ctx, payments.PaymentContext{
			PreferredProvider: payment.Provider,
			Currency:          payment.Currency,
		}, payments.LookupRequest{PaymentID: ref})
		if err != nil {
			entry.LookupError = err.Error()
			s.logger(ctx, "payment.reconcile.lookup.failed", map[string]any{
				"order":        orderID,
				"payment":      payment.ID,
				"provider":     payment.Provider,
				"provider_ref": ref,
				"error":        err.Error(),
			})
		} else {
			entry.GatewayStatus = string(details.Status)
			entry.InSync = gatewayStatusMatches(payment.Status, details.Status)
		}
		results = append(results, entry)
	}
	return results, nil
}

func gatewayStatusMatches(local domain.PaymentStatus, gateway payments.Status) bool {
	switch gateway {
	case payments.StatusSucceeded:
		return local == domain.PaymentStatusPaid
	case payments.StatusFailed:
		return local == domain.PaymentStatusFailed
	case payments.StatusPending:
		return local == domain.PaymentStatusPending
	default:
		return false
	}
}

func (s *paymentService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrPaymentNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrPaymentConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("payment: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *paymentService) now() time.Time {
	return s.clock()
}

func (s *paymentService) publishEvent(ctx context.Context, event OrderEvent) {
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

func buildGatewayItems(order Order) []payments.LineItem {
	items := make([]payments.LineItem, 0, len(order.Items)+1)
	for _, line := range order.Items {
		items = append(items, payments.LineItem{
			Name:      line.Name,
			SKU:       line.SKU,
			Quantity:  int64(line.Quantity),
			UnitPrice: line.UnitPrice,
			Currency:  order.Currency,
		})
	}
	if order.ShippingFee > 0 {
		items = append(items, payments.LineItem{
			Name:      "Shipping",
			SKU:       "SHIPPING",
			Quantity:  1,
			UnitPrice: order.ShippingFee,
			Currency:  order.Currency,
		})
	}
	return items
}

var _ PaymentService = (*paymentService)(nil)
