package payments

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/duna-commerce/api/internal/providers"
)

func TestNewBarionProviderRequiresPOSKey(t *testing.T) {
	if _, err := NewBarionProvider(BarionProviderConfig{POSKey: "  "}); err == nil {
		t.Fatalf("expected error for missing pos key")
	}
}

func TestBarionStartPaymentSuccess(t *testing.T) {
	var captured barionStartRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/Payment/Start" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("unexpected content type %s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(barionStartResponse{
			PaymentID:     "pay_123",
			PaymentStatus: "Prepared",
			GatewayURL:    "https://secure.barion.com/Pay?Id=pay_123",
		})
	}))
	defer server.Close()

	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	provider, err := NewBarionProvider(BarionProviderConfig{
		POSKey:  "pos-key",
		BaseURL: server.URL,
		Clock:   func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("unexpected error creating provider: %v", err)
	}

	session, err := provider.StartPayment(context.Background(), StartPaymentRequest{
		OrderID:        "ord_1",
		Amount:         12990,
		Currency:       "huf",
		PayerEmail:     "vevo@example.hu",
		RedirectURL:    "https://shop.example.hu/return",
		CallbackURL:    "https://shop.example.hu/webhooks/barion",
		IdempotencyKey: "idem_1",
		Items: []LineItem{
			{Name: "Poszter", SKU: "SKU-1", Quantity: 2, UnitPrice: 6495},
		},
	})
	if err != nil {
		t.Fatalf("StartPayment returned error: %v", err)
	}

	if session.PaymentID != "pay_123" {
		t.Fatalf("expected payment id pay_123, got %s", session.PaymentID)
	}
	if session.Provider != "barion" {
		t.Fatalf("expected provider barion, got %s", session.Provider)
	}
	if session.GatewayURL != "https://secure.barion.com/Pay?Id=pay_123" {
		t.Fatalf("unexpected gateway url %s", session.GatewayURL)
	}
	if !session.ExpiresAt.Equal(now.Add(30 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", session.ExpiresAt)
	}

	if captured.POSKey != "pos-key" {
		t.Fatalf("expected pos key in request, got %s", captured.POSKey)
	}
	if captured.PaymentRequest != "idem_1" {
		t.Fatalf("expected idempotency key as payment request id, got %s", captured.PaymentRequest)
	}
	if captured.Currency != "HUF" {
		t.Fatalf("expected uppercased currency, got %s", captured.Currency)
	}
	if captured.Locale != "hu-HU" {
		t.Fatalf("expected default locale hu-HU, got %s", captured.Locale)
	}
	if len(captured.Transactions) != 1 {
		t.Fatalf("expected one transaction, got %d", len(captured.Transactions))
	}
	tx := captured.Transactions[0]
	if tx.POSTransactionID != "ord_1" || tx.Total != 12990 {
		t.Fatalf("unexpected transaction %+v", tx)
	}
	if len(tx.Items) != 1 || tx.Items[0].ItemTotal != 12990 {
		t.Fatalf("unexpected items %+v", tx.Items)
	}
}

func TestBarionStartPaymentSynthesisesItemForEmptyOrder(t *testing.T) {
	var captured barionStartRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&captured)
		_ = json.NewEncoder(w).Encode(barionStartResponse{
			PaymentID:  "pay_9",
			GatewayURL: "https://secure.barion.com/Pay?Id=pay_9",
		})
	}))
	defer server.Close()

	provider, err := NewBarionProvider(BarionProviderConfig{POSKey: "pos-key", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("unexpected error creating provider: %v", err)
	}
	if _, err := provider.StartPayment(context.Background(), StartPaymentRequest{
		OrderID:  "ord_2",
		Amount:   4990,
		Currency: "HUF",
	}); err != nil {
		t.Fatalf("StartPayment returned error: %v", err)
	}

	items := captured.Transactions[0].Items
	if len(items) != 1 {
		t.Fatalf("expected synthesised item, got %d", len(items))
	}
	if items[0].Name != "Order" || items[0].ItemTotal != 4990 {
		t.Fatalf("unexpected synthesised item %+v", items[0])
	}
}

func TestBarionStartPaymentSurfacesGatewayErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(barionStartResponse{
			Errors: []barionError{
				{ErrorCode: "InvalidCurrency", Title: "Invalid currency", Description: "XYZ is not supported"},
				{ErrorCode: "ModelValidation", Description: "Amount must be positive"},
			},
		})
	}))
	defer server.Close()

	provider, err := NewBarionProvider(BarionProviderConfig{POSKey: "pos-key", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("unexpected error creating provider: %v", err)
	}
	_, err = provider.StartPayment(context.Background(), StartPaymentRequest{OrderID: "ord_3", Amount: 100, Currency: "XYZ"})
	if err == nil {
		t.Fatalf("expected gateway error")
	}

	pErr, ok := providers.AsError(err)
	if !ok {
		t.Fatalf("expected providers.Error, got %T", err)
	}
	if pErr.Provider != "barion" || pErr.Code != "InvalidCurrency" {
		t.Fatalf("unexpected provider error %+v", pErr)
	}
	if pErr.Detail != "InvalidCurrency: XYZ is not supported; ModelValidation: Amount must be positive" {
		t.Fatalf("expected verbatim error details, got %q", pErr.Detail)
	}
}

func TestBarionStartPaymentGatewayOutage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream timeout", http.StatusBadGateway)
	}))
	defer server.Close()

	provider, err := NewBarionProvider(BarionProviderConfig{POSKey: "pos-key", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("unexpected error creating provider: %v", err)
	}
	_, err = provider.StartPayment(context.Background(), StartPaymentRequest{OrderID: "ord_4", Amount: 100, Currency: "HUF"})
	pErr, ok := providers.AsError(err)
	if !ok {
		t.Fatalf("expected providers.Error, got %v", err)
	}
	if pErr.Code != "http_502" {
		t.Fatalf("expected http_502 code, got %s", pErr.Code)
	}
}

func TestBarionLookupPayment(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/Payment/GetPaymentState" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("PaymentId"); got != "pay_123" {
			t.Errorf("unexpected payment id %s", got)
		}
		if got := r.URL.Query().Get("POSKey"); got != "pos-key" {
			t.Errorf("unexpected pos key %s", got)
		}
		_ = json.NewEncoder(w).Encode(barionStateResponse{
			PaymentID:   "pay_123",
			Status:      "Succeeded",
			Total:       12990,
			Currency:    "huf",
			CompletedAt: "2025-03-01T10:05:00Z",
		})
	}))
	defer server.Close()

	provider, err := NewBarionProvider(BarionProviderConfig{POSKey: "pos-key", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("unexpected error creating provider: %v", err)
	}
	details, err := provider.LookupPayment(context.Background(), LookupRequest{PaymentID: "pay_123"})
	if err != nil {
		t.Fatalf("LookupPayment returned error: %v", err)
	}
	if details.Status != StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", details.Status)
	}
	if details.Amount != 12990 || details.Currency != "HUF" {
		t.Fatalf("unexpected details %+v", details)
	}
	if details.ConfirmedAt == nil || !details.ConfirmedAt.Equal(time.Date(2025, 3, 1, 10, 5, 0, 0, time.UTC)) {
		t.Fatalf("unexpected confirmation time %v", details.ConfirmedAt)
	}
}

func TestBarionLookupPaymentRequiresID(t *testing.T) {
	provider, err := NewBarionProvider(BarionProviderConfig{POSKey: "pos-key"})
	if err != nil {
		t.Fatalf("unexpected error creating provider: %v", err)
	}
	if _, err := provider.LookupPayment(context.Background(), LookupRequest{}); err == nil {
		t.Fatalf("expected error for missing payment id")
	}
}

func TestBarionStatusMapping(t *testing.T) {
	cases := map[string]Status{
		"Succeeded": StatusSucceeded,
		"Canceled":  StatusFailed,
		"Expired":   StatusFailed,
		"Failed":    StatusFailed,
		"Prepared":  StatusPending,
		"Started":   StatusPending,
		"":          StatusPending,
	}
	for input, want := range cases {
		if got := barionStatus(input); got != want {
			t.Fatalf("barionStatus(%q) = %s, want %s", input, got, want)
		}
	}
}
