package repositories

import (
	"context"
	"time"

	domain "github.com/duna-commerce/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Payments() PaymentRepository
	Shipments() ShipmentRepository
	Counters() CounterRepository
	RateLimits() RateLimitRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists order headers and provides the conditional updates
// the orchestration relies on. SetInvoiceNumber and MarkPaid are
// compare-and-set operations executed inside a store transaction; both return
// a RepositoryError with IsConflict when the guard no longer holds.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)

	// SetInvoiceNumber persists the invoice identity onto the order only while
	// invoiceNumber is still unset. Returns the stored order on success.
	SetInvoiceNumber(ctx context.Context, orderID string, update InvoiceUpdate) (domain.Order, error)
	// MarkPaid transitions paymentStatus pending->paid (or ->failed) exactly once.
	MarkPaid(ctx context.Context, orderID string, update PaymentStatusUpdate) (domain.Order, error)
	// AdvanceStatus moves the order forward in the state machine; backward
	// transitions fail with a conflict.
	AdvanceStatus(ctx context.Context, orderID string, status domain.OrderStatus, now time.Time) (domain.Order, error)
}

// InvoiceUpdate carries the provider-issued invoice identity.
type InvoiceUpdate struct {
	InvoiceNumber string
	InvoiceID     string
	InvoicedAt    time.Time
}

// PaymentStatusUpdate carries the confirmed payment outcome for an order.
type PaymentStatusUpdate struct {
	Status      domain.PaymentStatus
	ConfirmedAt time.Time
}

// PaymentRepository stores one payment record per gateway initiation attempt.
type PaymentRepository interface {
	Insert(ctx context.Context, payment domain.Payment) error
	FindByID(ctx context.Context, paymentID string) (domain.Payment, error)
	FindByProviderRef(ctx context.Context, providerRef string) (domain.Payment, error)
	UpdateStatus(ctx context.Context, paymentID string, status domain.PaymentStatus, confirmedAt time.Time) (domain.Payment, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.Payment, error)
}

// ShipmentRepository stores parcel bookings. CreateIfAbsent is the
// duplicate-shipment guard: it inserts the shipment only when no shipment
// exists for the order yet and otherwise returns the existing record together
// with created=false.
type ShipmentRepository interface {
	CreateIfAbsent(ctx context.Context, shipment domain.Shipment) (domain.Shipment, bool, error)
	Update(ctx context.Context, shipment domain.Shipment) error
	FindByTrackingNumber(ctx context.Context, trackingNumber string) (domain.Shipment, error)
	FindByOrder(ctx context.Context, orderID string) (domain.Shipment, error)
}

// RateLimitRepository owns the shared fixed-window counters. Increment
// performs the atomic check-and-increment for one (client, operation) key and
// reports whether the attempt is allowed. Counter failures surface as errors
// so callers can fail closed.
type RateLimitRepository interface {
	Increment(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (bool, error)
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
	Configure(ctx context.Context, counterID string, cfg CounterConfig) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// Filter DTOs shared across repositories ------------------------------------

type OrderListFilter struct {
	UserID        string
	Status        []string
	PaymentStatus []string
	DateFrom      *time.Time
	DateTo        *time.Time
	// Sort orders the creation-time scan; empty means SortDesc (newest first).
	Sort       domain.SortOrder
	Pagination domain.Pagination
}

// CounterConfig customises increment behaviour and bounds for a counter.
type CounterConfig struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
}
