package carrier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/duna-commerce/api/internal/providers"
)

func TestNewGLSClientValidatesConfig(t *testing.T) {
	if _, err := NewGLSClient(GLSClientConfig{Username: "u", Password: "p"}); err == nil {
		t.Fatalf("expected error for missing client number")
	}
	if _, err := NewGLSClient(GLSClientConfig{ClientNumber: "100"}); err == nil {
		t.Fatalf("expected error for missing credentials")
	}
}

func TestGLSCreateShipmentSuccess(t *testing.T) {
	var captured glsPrintRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/PrintLabels" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(glsPrintResponse{
			ParcelNumbers: []string{"90099001234"},
			LabelURL:      "https://api.mygls.hu/labels/90099001234.pdf",
		})
	}))
	defer server.Close()

	client, err := NewGLSClient(GLSClientConfig{
		ClientNumber: "100",
		Username:     "shop",
		Password:     "secret",
		BaseURL:      server.URL,
	})
	if err != nil {
		t.Fatalf("unexpected error creating client: %v", err)
	}

	booking, err := client.CreateShipment(context.Background(), Recipient{
		Name:       "Kiss Anna",
		Email:      "anna@example.hu",
		Phone:      "+36301234567",
		Line1:      "Fő utca 1.",
		City:       "Budapest",
		PostalCode: "1051",
		Country:    "HU",
	}, Parcel{
		Reference:   "ORD-2025-0001",
		WeightGrams: 1500,
	})
	if err != nil {
		t.Fatalf("CreateShipment returned error: %v", err)
	}
	if booking.TrackingNumber != "90099001234" {
		t.Fatalf("expected tracking number, got %s", booking.TrackingNumber)
	}
	if booking.LabelURL != "https://api.mygls.hu/labels/90099001234.pdf" {
		t.Fatalf("unexpected label url %s", booking.LabelURL)
	}

	if captured.Username != "shop" || captured.Password != "secret" {
		t.Fatalf("expected credentials in request body")
	}
	if len(captured.Parcels) != 1 {
		t.Fatalf("expected one parcel, got %d", len(captured.Parcels))
	}
	parcel := captured.Parcels[0]
	if parcel.ClientNumber != "100" || parcel.ClientReference != "ORD-2025-0001" {
		t.Fatalf("unexpected parcel %+v", parcel)
	}
	if parcel.Weight != 1.5 {
		t.Fatalf("expected weight in kilograms, got %v", parcel.Weight)
	}
	if parcel.DeliveryAddress.ZipCode != "1051" || parcel.DeliveryAddress.CountryCode != "HU" {
		t.Fatalf("unexpected delivery address %+v", parcel.DeliveryAddress)
	}
}

func TestGLSCreateShipmentAppliesMinimumWeight(t *testing.T) {
	var captured glsPrintRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&captured)
		_ = json.NewEncoder(w).Encode(glsPrintResponse{ParcelNumbers: []string{"90099001235"}})
	}))
	defer server.Close()

	client, err := NewGLSClient(GLSClientConfig{ClientNumber: "100", Username: "shop", Password: "secret", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("unexpected error creating client: %v", err)
	}
	if _, err := client.CreateShipment(context.Background(), Recipient{Name: "Kiss Anna"}, Parcel{Reference: "ORD-2"}); err != nil {
		t.Fatalf("CreateShipment returned error: %v", err)
	}
	if captured.Parcels[0].Weight != 0.5 {
		t.Fatalf("expected fallback weight 0.5kg, got %v", captured.Parcels[0].Weight)
	}
}

func TestGLSCreateShipmentSurfacesCarrierErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(glsPrintResponse{
			Errors: []glsPrintError{
				{ErrorCode: "11", ErrorDescription: "Invalid zip code"},
			},
		})
	}))
	defer server.Close()

	client, err := NewGLSClient(GLSClientConfig{ClientNumber: "100", Username: "shop", Password: "secret", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("unexpected error creating client: %v", err)
	}
	_, err = client.CreateShipment(context.Background(), Recipient{Name: "Kiss Anna"}, Parcel{Reference: "ORD-3"})
	pErr, ok := providers.AsError(err)
	if !ok {
		t.Fatalf("expected providers.Error, got %v", err)
	}
	if pErr.Provider != "gls" || pErr.Code != "11" {
		t.Fatalf("unexpected provider error %+v", pErr)
	}
	if pErr.Detail != "11: Invalid zip code" {
		t.Fatalf("expected verbatim detail, got %q", pErr.Detail)
	}
}

func TestGLSCreateShipmentRejectedStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer server.Close()

	client, err := NewGLSClient(GLSClientConfig{ClientNumber: "100", Username: "shop", Password: "secret", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("unexpected error creating client: %v", err)
	}
	_, err = client.CreateShipment(context.Background(), Recipient{Name: "Kiss Anna"}, Parcel{Reference: "ORD-4"})
	pErr, ok := providers.AsError(err)
	if !ok {
		t.Fatalf("expected providers.Error, got %v", err)
	}
	if pErr.Code != "http_401" {
		t.Fatalf("expected http_401 code, got %s", pErr.Code)
	}
}

func TestGLSCreateShipmentNoParcelNumber(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(glsPrintResponse{})
	}))
	defer server.Close()

	client, err := NewGLSClient(GLSClientConfig{ClientNumber: "100", Username: "shop", Password: "secret", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("unexpected error creating client: %v", err)
	}
	if _, err := client.CreateShipment(context.Background(), Recipient{Name: "Kiss Anna"}, Parcel{Reference: "ORD-5"}); err == nil {
		t.Fatalf("expected error for missing parcel number")
	}
}

func TestGLSTrackingURL(t *testing.T) {
	client, err := NewGLSClient(GLSClientConfig{
		ClientNumber:    "100",
		Username:        "shop",
		Password:        "secret",
		TrackingBaseURL: "https://tracking.example.hu/?match=",
	})
	if err != nil {
		t.Fatalf("unexpected error creating client: %v", err)
	}
	if got := client.TrackingURL(" 90099001234 "); got != "https://tracking.example.hu/?match=90099001234" {
		t.Fatalf("unexpected tracking url %s", got)
	}
	if got := client.TrackingURL("  "); got != "" {
		t.Fatalf("expected empty url for blank tracking number, got %s", got)
	}
}
