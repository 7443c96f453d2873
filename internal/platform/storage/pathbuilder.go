package storage

import (
	"fmt"
	"strings"
	"sync"
)

// AssetPurpose names a class of stored document; it picks the bucket layout.
type AssetPurpose string

const (
	PurposeShippingLabel AssetPurpose = "shipping-label"
	PurposeReceipt       AssetPurpose = "receipt"
)

// PathParams carry the identifiers a PathBuilder may need.
type PathParams struct {
	OrderID        string
	TrackingNumber string
	InvoiceNumber  string
	FileName       string
}

// PathBuilder turns params into an object key for one purpose.
type PathBuilder func(PathParams) (string, error)

var (
	buildersMu sync.RWMutex
	builders   = map[AssetPurpose]PathBuilder{
		PurposeShippingLabel: labelObjectPath,
		PurposeReceipt:       receiptObjectPath,
	}
)

// RegisterPathBuilder installs or replaces the builder for a purpose.
// A nil builder removes it.
func RegisterPathBuilder(purpose AssetPurpose, builder PathBuilder) {
	buildersMu.Lock()
	defer buildersMu.Unlock()
	if builder == nil {
		delete(builders, purpose)
		return
	}
	builders[purpose] = builder
}

// BuildObjectPath resolves the object key for the given purpose.
func BuildObjectPath(purpose AssetPurpose, params PathParams) (string, error) {
	buildersMu.RLock()
	builder, ok := builders[purpose]
	buildersMu.RUnlock()
	if !ok {
		return "", fmt.Errorf("storage: unsupported asset purpose %q", purpose)
	}
	return builder(params)
}

// labels/<tracking>/<file>; the file defaults to <tracking>.pdf.
func labelObjectPath(params PathParams) (string, error) {
	tracking, err := cleanSegment("trackingNumber", params.TrackingNumber)
	if err != nil {
		return "", err
	}
	name := strings.TrimSpace(params.FileName)
	if name == "" {
		name = tracking + ".pdf"
	}
	file, err := cleanSegment("fileName", name)
	if err != nil {
		return "", err
	}
	return "labels/" + tracking + "/" + file, nil
}

// orders/<order>/invoices/<file>; the file defaults to <invoice>.pdf.
func receiptObjectPath(params PathParams) (string, error) {
	orderID, err := cleanSegment("orderID", params.OrderID)
	if err != nil {
		return "", err
	}
	name := strings.TrimSpace(params.FileName)
	if name == "" && params.InvoiceNumber != "" {
		name = strings.TrimSpace(params.InvoiceNumber) + ".pdf"
	}
	file, err := cleanSegment("fileName", name)
	if err != nil {
		return "", err
	}
	return "orders/" + orderID + "/invoices/" + file, nil
}

// cleanSegment rejects empty values, path separators, and traversal
// sequences so untrusted identifiers cannot escape their prefix.
func cleanSegment(field, value string) (string, error) {
	value = strings.TrimSpace(value)
	switch {
	case value == "":
		return "", fmt.Errorf("storage: %s is required", field)
	case strings.ContainsAny(value, "/\\"):
		return "", fmt.Errorf("storage: %s contains invalid path characters", field)
	case strings.Contains(value, ".."):
		return "", fmt.Errorf("storage: %s contains invalid traversal sequence", field)
	}
	return value, nil
}
