// Package invoicing integrates the fiscal invoicing provider. The orchestration
// layer creates a billing partner from the order's billing address and then a
// document referencing that partner; the returned invoice number is persisted
// exactly once on the order.
package invoicing

import (
	"context"
	"time"
)

// Logger defines the logging contract for invoicing operations.
type Logger func(ctx context.Context, event string, fields map[string]any)

// Partner describes the billing partner created at the provider.
type Partner struct {
	Name       string
	Email      string
	Country    string
	PostalCode string
	City       string
	Address    string
	TaxNumber  string
}

// DocumentLine is one invoice position with gross unit pricing.
type DocumentLine struct {
	Name      string
	Quantity  int
	UnitPrice int64
	TaxRate   float64
	SKU       string
}

// DocumentRequest captures everything needed to create a fiscal document.
type DocumentRequest struct {
	PartnerID   string
	OrderNumber string
	Currency    string
	Lines       []DocumentLine
	Comment     string
	DueAt       time.Time
}

// Document is the provider's record of a created invoice.
type Document struct {
	DocumentID    string
	InvoiceNumber string
	Raw           map[string]any
}

// Client defines the invoicing provider contract consumed by the invoice
// generator. Both calls are synchronous; neither is retried internally.
type Client interface {
	CreatePartner(ctx context.Context, partner Partner) (string, error)
	CreateDocument(ctx context.Context, req DocumentRequest) (Document, error)
}
