package carrier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/duna-commerce/api/internal/providers"
)

const (
	defaultGLSBaseURL     = "https://api.mygls.hu/ParcelService.svc/json"
	defaultGLSTrackingURL = "https://gls-group.eu/HU/hu/csomagkovetes?match="
	glsProviderName       = "gls"
)

// GLSClientConfig configures the GLSClient.
type GLSClientConfig struct {
	ClientNumber    string
	Username        string
	Password        string
	BaseURL         string
	TrackingBaseURL string
	HTTPClient      *http.Client
	Logger          Logger
}

// GLSClient implements Client against the MyGLS parcel JSON API.
type GLSClient struct {
	clientNumber string
	username     string
	password     string
	baseURL      string
	trackingBase string
	client       *http.Client
	logger       Logger
}

// NewGLSClient constructs a GLS carrier client.
func NewGLSClient(cfg GLSClientConfig) (*GLSClient, error) {
	if strings.TrimSpace(cfg.ClientNumber) == "" {
		return nil, errors.New("gls: client number is required")
	}
	if strings.TrimSpace(cfg.Username) == "" || strings.TrimSpace(cfg.Password) == "" {
		return nil, errors.New("gls: credentials are required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultGLSBaseURL
	}
	trackingBase := strings.TrimSpace(cfg.TrackingBaseURL)
	if trackingBase == "" {
		trackingBase = defaultGLSTrackingURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &GLSClient{
		clientNumber: strings.TrimSpace(cfg.ClientNumber),
		username:     strings.TrimSpace(cfg.Username),
		password:     strings.TrimSpace(cfg.Password),
		baseURL:      baseURL,
		trackingBase: trackingBase,
		client:       client,
		logger:       logger,
	}, nil
}

type glsAddress struct {
	Name        string `json:"Name"`
	Street      string `json:"Street"`
	City        string `json:"City"`
	ZipCode     string `json:"ZipCode"`
	CountryCode string `json:"CountryIsoCode"`
	Email       string `json:"ContactEmail,omitempty"`
	Phone       string `json:"ContactPhone,omitempty"`
}

type glsParcel struct {
	ClientNumber    string     `json:"ClientNumber"`
	ClientReference string     `json:"ClientReference"`
	Weight          float64    `json:"Weight"`
	CODAmount       int64      `json:"CODAmount,omitempty"`
	CODCurrency     string     `json:"CODCurrency,omitempty"`
	DeliveryAddress glsAddress `json:"DeliveryAddress"`
}

type glsPrintRequest struct {
	Username string      `json:"Username"`
	Password string      `json:"Password"`
	Parcels  []glsParcel `json:"ParcelList"`
}

type glsPrintError struct {
	ErrorCode        string `json:"ErrorCode"`
	ErrorDescription string `json:"ErrorDescription"`
}

type glsPrintResponse struct {
	ParcelNumbers []string        `json:"PrintLabelsParcelNumbers"`
	LabelURL      string          `json:"LabelsUrl"`
	Errors        []glsPrintError `json:"PrintLabelsErrorList"`
}

// CreateShipment books one parcel and returns the carrier tracking number.
func (c *GLSClient) CreateShipment(ctx context.Context, recipient Recipient, parcel Parcel) (Booking, error) {
	if c == nil {
		return Booking{}, errors.New("gls: client is nil")
	}

	weightKg := float64(parcel.WeightGrams) / 1000
	if weightKg <= 0 {
		weightKg = 0.5
	}

	payload := glsPrintRequest{
		Username: c.username,
		Password: c.password,
		Parcels: []glsParcel{
			{
				ClientNumber:    c.clientNumber,
				ClientReference: parcel.Reference,
				Weight:          weightKg,
				CODAmount:       parcel.CODAmount,
				CODCurrency:     parcel.Currency,
				DeliveryAddress: glsAddress{
					Name:        recipient.Name,
					Street:      recipient.Line1,
					City:        recipient.City,
					ZipCode:     recipient.PostalCode,
					CountryCode: recipient.Country,
					Email:       recipient.Email,
					Phone:       recipient.Phone,
				},
			},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Booking{}, fmt.Errorf("gls: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/PrintLabels", bytes.NewReader(body))
	if err != nil {
		return Booking{}, fmt.Errorf("gls: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Booking{}, providers.Wrapf(glsProviderName, err, "carrier unreachable")
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Booking{}, providers.Wrapf(glsProviderName, err, "read carrier response")
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return Booking{}, providers.NewError(glsProviderName, fmt.Sprintf("http_%d", resp.StatusCode), "carrier rejected the booking", strings.TrimSpace(string(data)))
	}

	var parsed glsPrintResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return Booking{}, providers.Wrapf(glsProviderName, err, "decode carrier response")
	}
	if len(parsed.Errors) > 0 {
		first := parsed.Errors[0]
		details := make([]string, 0, len(parsed.Errors))
		for _, e := range parsed.Errors {
			details = append(details, strings.TrimSpace(e.ErrorCode+": "+e.ErrorDescription))
		}
		return Booking{}, providers.NewError(glsProviderName, first.ErrorCode, "carrier rejected the booking", strings.Join(details, "; "))
	}
	if len(parsed.ParcelNumbers) == 0 {
		return Booking{}, providers.NewError(glsProviderName, "", "carrier returned no parcel number", "")
	}

	tracking := parsed.ParcelNumbers[0]
	c.logger(ctx, "carrier.gls.shipment.booked", map[string]any{
		"trackingNumber": tracking,
		"reference":      parcel.Reference,
	})

	raw := map[string]any{}
	if err := json.Unmarshal(data, &raw); err != nil {
		raw = map[string]any{}
	}

	return Booking{
		TrackingNumber: tracking,
		LabelURL:       parsed.LabelURL,
		Raw:            raw,
	}, nil
}

// TrackingURL builds the public tracking page URL for a parcel.
func (c *GLSClient) TrackingURL(trackingNumber string) string {
	trimmed := strings.TrimSpace(trackingNumber)
	if trimmed == "" {
		return ""
	}
	base := defaultGLSTrackingURL
	if c != nil && c.trackingBase != "" {
		base = c.trackingBase
	}
	return base + url.QueryEscape(trimmed)
}
