// Package carrier integrates the parcel carrier booking API. Booking failures
// are reported to the caller; the shipment creator decides whether to degrade
// to a placeholder tracking number.
package carrier

import (
	"context"
)

// Logger defines the logging contract for carrier operations.
type Logger func(ctx context.Context, event string, fields map[string]any)

// Recipient describes the parcel destination.
type Recipient struct {
	Name       string
	Email      string
	Phone      string
	Line1      string
	City       string
	PostalCode string
	Country    string
}

// Parcel describes the physical package handed to the carrier.
type Parcel struct {
	Reference   string
	WeightGrams int
	CODAmount   int64
	Currency    string
}

// Booking is the carrier's confirmation of an accepted shipment.
type Booking struct {
	TrackingNumber string
	LabelURL       string
	Raw            map[string]any
}

// Client defines the carrier contract consumed by the shipment creator.
// TrackingURL must be deterministic for a given tracking number.
type Client interface {
	CreateShipment(ctx context.Context, recipient Recipient, parcel Parcel) (Booking, error)
	TrackingURL(trackingNumber string) string
}
