package services

import (
	"context"
	"time"

	domain "github.com/duna-commerce/api/internal/domain"
	"github.com/duna-commerce/api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	SortOrder          = domain.SortOrder
	Order              = domain.Order
	OrderStatus        = domain.OrderStatus
	OrderLineItem      = domain.OrderLineItem
	OrderContact       = domain.OrderContact
	Payment            = domain.Payment
	PaymentStatus      = domain.PaymentStatus
	Shipment           = domain.Shipment
	ShipmentStatus     = domain.ShipmentStatus
	Address            = domain.Address
	SystemHealthReport = domain.SystemHealthReport
)

// OrderService encapsulates order creation and read flows.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	GetOrder(ctx context.Context, orderID string) (Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
}

// PaymentService coordinates gateway session creation, webhook confirmations
// and operator reconciliation sweeps.
type PaymentService interface {
	InitiatePayment(ctx context.Context, cmd InitiatePaymentCommand) (PaymentInitiation, error)
	ConfirmPayment(ctx context.Context, cmd ConfirmPaymentCommand) (Payment, error)
	ListPayments(ctx context.Context, orderID string) ([]Payment, error)
	ReconcilePayments(ctx context.Context, orderID string) ([]PaymentReconciliation, error)
}

// InvoiceService issues invoices through the invoicing provider, exactly once per order.
type InvoiceService interface {
	GenerateInvoice(ctx context.Context, cmd GenerateInvoiceCommand) (InvoiceResult, error)
}

// ShipmentService books parcels with the carrier and exposes tracking reads.
type ShipmentService interface {
	CreateShipment(ctx context.Context, cmd CreateShipmentCommand) (Shipment, error)
	TrackShipment(ctx context.Context, trackingNumber string) (ShipmentTracking, error)
	LabelDownloadURL(ctx context.Context, trackingNumber string) (string, error)
}

// RateLimiter answers whether a client may perform one more unit of an operation
// within the current window. Implementations must be safe for concurrent use and
// must deny when the underlying store cannot be consulted.
type RateLimiter interface {
	Allow(ctx context.Context, clientID, operation string) (bool, error)
}

// OrderEventPublisher accepts order lifecycle notifications for downstream processing.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// SystemService aggregates utility endpoints (health checks, counters).
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
	NextCounterValue(ctx context.Context, cmd CounterCommand) (int64, error)
}

// Command and DTO definitions ------------------------------------------------

type OrderListFilter = repositories.OrderListFilter

type CreateOrderCommand struct {
	UserID          string
	Currency        string
	Items           []OrderLineItem
	ShippingFee     int64
	BillingAddress  Address
	ShippingAddress Address
	Contact         OrderContact
	Note            string
}

type InitiatePaymentCommand struct {
	OrderID        string
	Provider       string
	Locale         string
	RedirectURL    string
	IdempotencyKey string
}

// PaymentInitiation is returned to the caller so the storefront can redirect
// the payer to the gateway.
type PaymentInitiation struct {
	PaymentID   string
	OrderID     string
	Provider    string
	ProviderRef string
	GatewayURL  string
	Amount      int64
	Currency    string
	ExpiresAt   *time.Time
}

// PaymentReconciliation pairs a stored payment with the gateway's current
// view of it. GatewayStatus and InSync are meaningful only when LookupError
// is empty and the payment carries a provider reference.
type PaymentReconciliation struct {
	Payment       Payment
	GatewayStatus string
	InSync        bool
	LookupError   string
}

type ConfirmPaymentCommand struct {
	Provider    string
	ProviderRef string
	Status      PaymentStatus
	OccurredAt  time.Time
	Raw         map[string]any
}

type GenerateInvoiceCommand struct {
	OrderID string
	ActorID string
	Comment string
}

// InvoiceResult reports the invoice identity for an order. AlreadyIssued is
// true when the call returned a previously stored invoice without contacting
// the provider.
type InvoiceResult struct {
	OrderID       string
	InvoiceID     string
	InvoiceNumber string
	AlreadyIssued bool
}

type CreateShipmentCommand struct {
	OrderID string
	Carrier string
	ActorID string
}

// ShipmentTracking is the read model served to tracking lookups.
type ShipmentTracking struct {
	TrackingNumber string
	Carrier        string
	Status         ShipmentStatus
	Placeholder    bool
	TrackingURL    string
	OrderID        string
	BookedAt       *time.Time
}

// OrderEvent describes an order lifecycle change published to the event topic.
type OrderEvent struct {
	Type          string
	OrderID       string
	OrderNumber   string
	UserID        string
	CurrentStatus string
	OccurredAt    time.Time
	Metadata      map[string]any
}

type CounterCommand struct {
	CounterID string
	Step      int64
}
