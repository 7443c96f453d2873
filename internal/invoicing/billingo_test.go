package invoicing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/duna-commerce/api/internal/providers"
)

func TestNewBillingoClientRequiresAPIKey(t *testing.T) {
	if _, err := NewBillingoClient(BillingoClientConfig{}); err == nil {
		t.Fatalf("expected error for missing api key")
	}
}

func TestBillingoCreatePartner(t *testing.T) {
	var captured billingoPartnerRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/partners" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if key := r.Header.Get("X-API-KEY"); key != "api-key" {
			t.Errorf("unexpected api key header %s", key)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(billingoPartnerResponse{ID: 4412})
	}))
	defer server.Close()

	client, err := NewBillingoClient(BillingoClientConfig{APIKey: "api-key", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("unexpected error creating client: %v", err)
	}
	partnerID, err := client.CreatePartner(context.Background(), Partner{
		Name:       "Kiss Anna",
		Email:      "anna@example.hu",
		Country:    "HU",
		PostalCode: "1051",
		City:       "Budapest",
		Address:    "Fő utca 1.",
	})
	if err != nil {
		t.Fatalf("CreatePartner returned error: %v", err)
	}
	if partnerID != "4412" {
		t.Fatalf("expected partner id 4412, got %s", partnerID)
	}
	if captured.Name != "Kiss Anna" {
		t.Fatalf("unexpected partner name %s", captured.Name)
	}
	if len(captured.Emails) != 1 || captured.Emails[0] != "anna@example.hu" {
		t.Fatalf("unexpected emails %v", captured.Emails)
	}
	if captured.Address.PostCode != "1051" || captured.Address.CountryCode != "HU" {
		t.Fatalf("unexpected address %+v", captured.Address)
	}
}

func TestBillingoCreatePartnerMissingID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(billingoPartnerResponse{})
	}))
	defer server.Close()

	client, err := NewBillingoClient(BillingoClientConfig{APIKey: "api-key", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("unexpected error creating client: %v", err)
	}
	if _, err := client.CreatePartner(context.Background(), Partner{Name: "Kiss Anna"}); err == nil {
		t.Fatalf("expected error for missing partner id")
	}
}

func TestBillingoCreateDocument(t *testing.T) {
	var captured billingoDocumentRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/documents" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(billingoDocumentResponse{ID: 991, InvoiceNumber: "DUNA-2025-00042"})
	}))
	defer server.Close()

	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	client, err := NewBillingoClient(BillingoClientConfig{
		APIKey:  "api-key",
		BaseURL: server.URL,
		BlockID: 7,
		Clock:   func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("unexpected error creating client: %v", err)
	}

	doc, err := client.CreateDocument(context.Background(), DocumentRequest{
		PartnerID:   "4412",
		OrderNumber: "ORD-2025-0001",
		Currency:    "huf",
		Lines: []DocumentLine{
			{Name: "Poszter", Quantity: 2, UnitPrice: 6495, TaxRate: 0.27, SKU: "SKU-1"},
		},
	})
	if err != nil {
		t.Fatalf("CreateDocument returned error: %v", err)
	}
	if doc.InvoiceNumber != "DUNA-2025-00042" {
		t.Fatalf("expected invoice number, got %s", doc.InvoiceNumber)
	}
	if doc.DocumentID != "991" {
		t.Fatalf("expected document id 991, got %s", doc.DocumentID)
	}

	if captured.PartnerID != 4412 || captured.BlockID != 7 {
		t.Fatalf("unexpected partner/block %d/%d", captured.PartnerID, captured.BlockID)
	}
	if captured.Type != "invoice" || captured.Currency != "HUF" {
		t.Fatalf("unexpected document request %+v", captured)
	}
	if captured.FulfillDate != "2025-03-01" {
		t.Fatalf("unexpected fulfillment date %s", captured.FulfillDate)
	}
	if captured.DueDate != "2025-03-09" {
		t.Fatalf("expected default due date 8 days out, got %s", captured.DueDate)
	}
	if len(captured.Items) != 1 {
		t.Fatalf("expected one item, got %d", len(captured.Items))
	}
	item := captured.Items[0]
	if item.Vat != "27%" || item.UnitPriceType != "gross" || item.Quantity != 2 {
		t.Fatalf("unexpected item %+v", item)
	}
	if captured.Comment != "Order ORD-2025-0001, gross total 12 990 HUF" {
		t.Fatalf("unexpected generated comment %q", captured.Comment)
	}
}

func TestBillingoCreateDocumentKeepsExplicitComment(t *testing.T) {
	var captured billingoDocumentRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(billingoDocumentResponse{ID: 1, InvoiceNumber: "DUNA-2025-00043"})
	}))
	defer server.Close()

	client, err := NewBillingoClient(BillingoClientConfig{APIKey: "api-key", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("unexpected error creating client: %v", err)
	}
	_, err = client.CreateDocument(context.Background(), DocumentRequest{
		PartnerID:   "4412",
		OrderNumber: "ORD-2025-0002",
		Currency:    "HUF",
		Comment:     "utánvét nélkül",
		Lines:       []DocumentLine{{Name: "Poszter", Quantity: 1, UnitPrice: 100}},
	})
	if err != nil {
		t.Fatalf("CreateDocument returned error: %v", err)
	}
	if captured.Comment != "utánvét nélkül" {
		t.Fatalf("explicit comment should pass through, got %q", captured.Comment)
	}
}

func TestBillingoFormatsGrossAmount(t *testing.T) {
	cases := []struct {
		code   string
		amount int64
		want   string
	}{
		{"HUF", 12990, "12 990 HUF"},
		{"huf", 500, "500 HUF"},
		{"EUR", 2500, "2 500 EUR"},
	}
	for _, tc := range cases {
		if got := formatGrossAmount(tc.code, tc.amount); got != tc.want {
			t.Fatalf("formatGrossAmount(%q, %d) = %q, want %q", tc.code, tc.amount, got, tc.want)
		}
	}
}

func TestBillingoCreateDocumentMissingInvoiceNumber(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(billingoDocumentResponse{ID: 12})
	}))
	defer server.Close()

	client, err := NewBillingoClient(BillingoClientConfig{APIKey: "api-key", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("unexpected error creating client: %v", err)
	}
	if _, err := client.CreateDocument(context.Background(), DocumentRequest{PartnerID: "1"}); err == nil {
		t.Fatalf("expected error for missing invoice number")
	}
}

func TestBillingoCreateDocumentInvalidPartnerID(t *testing.T) {
	client, err := NewBillingoClient(BillingoClientConfig{APIKey: "api-key"})
	if err != nil {
		t.Fatalf("unexpected error creating client: %v", err)
	}
	if _, err := client.CreateDocument(context.Background(), DocumentRequest{PartnerID: "not-a-number"}); err == nil {
		t.Fatalf("expected error for invalid partner id")
	}
}

func TestBillingoErrorResponsePreserved(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":{"code":"VALIDATION","message":"invalid payload","details":["address.post_code is required"]}}`))
	}))
	defer server.Close()

	client, err := NewBillingoClient(BillingoClientConfig{APIKey: "api-key", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("unexpected error creating client: %v", err)
	}
	_, err = client.CreatePartner(context.Background(), Partner{Name: "Kiss Anna"})
	pErr, ok := providers.AsError(err)
	if !ok {
		t.Fatalf("expected providers.Error, got %v", err)
	}
	if pErr.Provider != "billingo" || pErr.Code != "VALIDATION" {
		t.Fatalf("unexpected provider error %+v", pErr)
	}
	if pErr.Detail != "address.post_code is required" {
		t.Fatalf("expected verbatim detail, got %q", pErr.Detail)
	}
}

func TestBillingoVatLabel(t *testing.T) {
	cases := map[float64]string{
		0.27: "27%",
		0.05: "5%",
		27:   "27%",
		0:    "0%",
	}
	for rate, want := range cases {
		if got := billingoVatLabel(rate); got != want {
			t.Fatalf("billingoVatLabel(%v) = %s, want %s", rate, got, want)
		}
	}
}
