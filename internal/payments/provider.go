// Package payments adapts the supported payment gateways (Barion, Stripe)
// behind one provider-neutral contract.
package payments

import (
	"context"
	"errors"
	"time"
)

// Status is the normalised payment state shared across gateways.
type Status string

const (
	// StatusPending means the payment awaits customer action or gateway confirmation.
	StatusPending Status = "pending"
	// StatusSucceeded means the gateway reports the payment completed.
	StatusSucceeded Status = "succeeded"
	// StatusFailed means the gateway reports a terminal failure.
	StatusFailed Status = "failed"
)

// ErrUnsupportedProvider is returned when no registered provider matches the
// payment context.
var ErrUnsupportedProvider = errors.New("payments: unsupported provider")

// LineItem is one order position forwarded to the gateway.
type LineItem struct {
	Name      string
	SKU       string
	Quantity  int64
	UnitPrice int64
	Currency  string
}

// StartPaymentRequest carries everything needed to open a hosted payment.
type StartPaymentRequest struct {
	OrderID        string
	Amount         int64
	Currency       string
	PayerEmail     string
	PayerName      string
	Locale         string
	RedirectURL    string
	CallbackURL    string
	Metadata       map[string]string
	IdempotencyKey string
	Items          []LineItem
}

// PaymentSession is the gateway session handed back to the client; GatewayURL
// is the hosted checkout page the customer is redirected to.
type PaymentSession struct {
	PaymentID  string
	Provider   string
	GatewayURL string
	ExpiresAt  time.Time
	Raw        map[string]any
}

// LookupRequest identifies a gateway payment for status reconciliation.
type LookupRequest struct {
	PaymentID string
}

// PaymentDetails is the gateway-specific payment state, normalised for storage.
type PaymentDetails struct {
	Provider    string
	PaymentID   string
	Status      Status
	Amount      int64
	Currency    string
	ConfirmedAt *time.Time
	Raw         map[string]any
}

// Provider is the contract every gateway adapter implements.
type Provider interface {
	StartPayment(ctx context.Context, req StartPaymentRequest) (PaymentSession, error)
	LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error)
}
