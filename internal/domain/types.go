package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// SortOrder indicates ascending or descending ordering for list queries.
type SortOrder string

const (
	// SortAsc sorts results in ascending order.
	SortAsc SortOrder = "asc"
	// SortDesc sorts results in descending order.
	SortDesc SortOrder = "desc"
)

// OrderStatus enumerates the fulfilment states an order moves through.
type OrderStatus string

const (
	// OrderStatusCreated indicates the order has been recorded but not yet paid.
	OrderStatusCreated OrderStatus = "created"
	// OrderStatusProcessing indicates payment completed and fulfilment has started.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped indicates the parcel has been handed to the carrier.
	OrderStatusShipped OrderStatus = "shipped"
)

// PaymentStatus enumerates the payment states tracked on an order.
type PaymentStatus string

const (
	// PaymentStatusUnpaid indicates no payment attempt has been initiated.
	PaymentStatusUnpaid PaymentStatus = "unpaid"
	// PaymentStatusPending indicates a gateway session exists but has not confirmed.
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusPaid indicates the gateway confirmed a successful payment.
	PaymentStatusPaid PaymentStatus = "paid"
	// PaymentStatusFailed indicates the gateway reported the payment as failed.
	PaymentStatusFailed PaymentStatus = "failed"
)

// Order is the authoritative order record owned by the order state store.
type Order struct {
	ID              string
	OrderNumber     string
	UserID          string
	Status          OrderStatus
	PaymentStatus   PaymentStatus
	Currency        string
	Total           int64
	ShippingFee     int64
	InvoiceNumber   *string
	InvoiceID       *string
	Items           []OrderLineItem
	BillingAddress  *Address
	ShippingAddress *Address
	Contact         OrderContact
	Note            string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	PaidAt          *time.Time
	InvoicedAt      *time.Time
	ShippedAt       *time.Time
}

// OrderLineItem captures one purchased position at checkout time.
// UnitPrice is the gross price in the smallest currency unit.
type OrderLineItem struct {
	SKU         string
	Name        string
	Quantity    int
	UnitPrice   int64
	TaxRate     float64
	WeightGrams int
}

// OrderContact stores the payer contact snapshot taken at checkout.
type OrderContact struct {
	Name  string
	Email string
	Phone string
}

// Payment records one gateway initiation attempt and its confirmed outcome.
type Payment struct {
	ID          string
	OrderID     string
	Provider    string
	ProviderRef string
	Status      PaymentStatus
	Amount      int64
	Currency    string
	RedirectURL string
	Raw         map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ConfirmedAt *time.Time
}

// ShipmentStatus enumerates shipment lifecycle states.
type ShipmentStatus string

const (
	// ShipmentStatusPending indicates the shipment exists locally but has no
	// confirmed carrier booking (placeholder tracking numbers stay pending).
	ShipmentStatusPending ShipmentStatus = "pending"
	// ShipmentStatusBooked indicates the carrier accepted the booking.
	ShipmentStatusBooked ShipmentStatus = "booked"
	// ShipmentStatusInTransit indicates the carrier reported pickup.
	ShipmentStatusInTransit ShipmentStatus = "in_transit"
	// ShipmentStatusDelivered indicates the carrier reported delivery.
	ShipmentStatusDelivered ShipmentStatus = "delivered"
)

// Shipment represents the single parcel booking recorded for an order.
type Shipment struct {
	ID             string
	OrderID        string
	Carrier        string
	TrackingNumber string
	Status         ShipmentStatus
	Placeholder    bool
	WeightGrams    int
	LabelObject    string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RateLimitWindow is the persisted fixed-window counter for one
// (client, operation) pair. Expired windows are pruned by the store.
type RateLimitWindow struct {
	Key         string
	WindowStart time.Time
	Count       int
	ExpiresAt   time.Time
}

// Address represents postal address structures shared by order and shipment layers.
type Address struct {
	Recipient  string
	Line1      string
	Line2      *string
	City       string
	PostalCode string
	Country    string
	Phone      *string
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}
