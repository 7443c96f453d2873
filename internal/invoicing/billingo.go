package invoicing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/duna-commerce/api/internal/providers"
)

const (
	defaultBillingoBaseURL = "https://api.billingo.hu/v3"
	billingoProviderName   = "billingo"
)

// BillingoClientConfig configures the BillingoClient.
type BillingoClientConfig struct {
	APIKey     string
	BaseURL    string
	BlockID    int
	HTTPClient *http.Client
	Logger     Logger
	Clock      func() time.Time
}

// BillingoClient implements Client against the Billingo v3 REST API.
type BillingoClient struct {
	apiKey  string
	baseURL string
	blockID int
	client  *http.Client
	clock   func() time.Time
	logger  Logger
}

// NewBillingoClient constructs a Billingo invoicing client.
func NewBillingoClient(cfg BillingoClientConfig) (*BillingoClient, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("billingo: api key is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBillingoBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &BillingoClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		blockID: cfg.BlockID,
		client:  client,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

type billingoAddress struct {
	CountryCode string `json:"country_code"`
	PostCode    string `json:"post_code"`
	City        string `json:"city"`
	Address     string `json:"address"`
}

type billingoPartnerRequest struct {
	Name    string          `json:"name"`
	Emails  []string        `json:"emails,omitempty"`
	Taxcode string          `json:"taxcode,omitempty"`
	Address billingoAddress `json:"address"`
}

type billingoPartnerResponse struct {
	ID int64 `json:"id"`
}

type billingoDocumentItem struct {
	Name           string  `json:"name"`
	UnitPriceType  string  `json:"unit_price_type"`
	UnitPrice      float64 `json:"unit_price"`
	Quantity       int     `json:"quantity"`
	Unit           string  `json:"unit"`
	Vat            string  `json:"vat"`
	Comment        string  `json:"comment,omitempty"`
	EntitlementSKU string  `json:"entitlement,omitempty"`
}

type billingoDocumentRequest struct {
	PartnerID   int64                  `json:"partner_id"`
	BlockID     int                    `json:"block_id"`
	Type        string                 `json:"type"`
	FulfillDate string                 `json:"fulfillment_date"`
	DueDate     string                 `json:"due_date"`
	PaymentType string                 `json:"payment_method"`
	Currency    string                 `json:"currency"`
	Comment     string                 `json:"comment,omitempty"`
	Items       []billingoDocumentItem `json:"items"`
}

type billingoDocumentResponse struct {
	ID            int64  `json:"id"`
	InvoiceNumber string `json:"invoice_number"`
}

type billingoErrorResponse struct {
	Error struct {
		Code    string   `json:"code"`
		Message string   `json:"message"`
		Details []string `json:"details"`
	} `json:"error"`
	Message string `json:"message"`
}

// CreatePartner registers the billing partner and returns its provider id.
func (c *BillingoClient) CreatePartner(ctx context.Context, partner Partner) (string, error) {
	if c == nil {
		return "", errors.New("billingo: client is nil")
	}
	payload := billingoPartnerRequest{
		Name:    partner.Name,
		Taxcode: partner.TaxNumber,
		Address: billingoAddress{
			CountryCode: partner.Country,
			PostCode:    partner.PostalCode,
			City:        partner.City,
			Address:     partner.Address,
		},
	}
	if email := strings.TrimSpace(partner.Email); email != "" {
		payload.Emails = []string{email}
	}

	var resp billingoPartnerResponse
	if err := c.post(ctx, "/partners", payload, &resp); err != nil {
		return "", err
	}
	if resp.ID == 0 {
		return "", providers.NewError(billingoProviderName, "", "partner creation returned no id", "")
	}

	partnerID := strconv.FormatInt(resp.ID, 10)
	c.logger(ctx, "invoicing.billingo.partner.created", map[string]any{
		"partnerId": partnerID,
	})
	return partnerID, nil
}

// CreateDocument issues the fiscal document and returns the invoice number.
func (c *BillingoClient) CreateDocument(ctx context.Context, req DocumentRequest) (Document, error) {
	if c == nil {
		return Document{}, errors.New("billingo: client is nil")
	}
	partnerID, err := strconv.ParseInt(strings.TrimSpace(req.PartnerID), 10, 64)
	if err != nil {
		return Document{}, fmt.Errorf("billingo: invalid partner id %q: %w", req.PartnerID, err)
	}

	now := c.clock()
	dueAt := req.DueAt
	if dueAt.IsZero() {
		dueAt = now.Add(8 * 24 * time.Hour)
	}

	var grossTotal int64
	items := make([]billingoDocumentItem, 0, len(req.Lines))
	for _, line := range req.Lines {
		qty := line.Quantity
		if qty < 1 {
			qty = 1
		}
		grossTotal += int64(qty) * line.UnitPrice
		items = append(items, billingoDocumentItem{
			Name:           line.Name,
			UnitPriceType:  "gross",
			UnitPrice:      float64(line.UnitPrice),
			Quantity:       qty,
			Unit:           "db",
			Vat:            billingoVatLabel(line.TaxRate),
			EntitlementSKU: line.SKU,
		})
	}

	comment := strings.TrimSpace(req.Comment)
	if comment == "" && req.OrderNumber != "" {
		comment = fmt.Sprintf("Order %s, gross total %s", req.OrderNumber, formatGrossAmount(req.Currency, grossTotal))
	}

	payload := billingoDocumentRequest{
		PartnerID:   partnerID,
		BlockID:     c.blockID,
		Type:        "invoice",
		FulfillDate: now.Format("2006-01-02"),
		DueDate:     dueAt.Format("2006-01-02"),
		PaymentType: "online_bankcard",
		Currency:    strings.ToUpper(strings.TrimSpace(req.Currency)),
		Comment:     comment,
		Items:       items,
	}

	var resp billingoDocumentResponse
	if err := c.post(ctx, "/documents", payload, &resp); err != nil {
		return Document{}, err
	}
	if strings.TrimSpace(resp.InvoiceNumber) == "" {
		return Document{}, providers.NewError(billingoProviderName, "", "document creation returned no invoice number", "")
	}

	c.logger(ctx, "invoicing.billingo.document.created", map[string]any{
		"documentId":    resp.ID,
		"invoiceNumber": resp.InvoiceNumber,
		"orderNumber":   req.OrderNumber,
	})

	raw := map[string]any{}
	if data, err := json.Marshal(resp); err == nil {
		_ = json.Unmarshal(data, &raw)
	}

	return Document{
		DocumentID:    strconv.FormatInt(resp.ID, 10),
		InvoiceNumber: resp.InvoiceNumber,
		Raw:           raw,
	}, nil
}

func (c *BillingoClient) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("billingo: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("billingo: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return providers.Wrapf(billingoProviderName, err, "invoicing provider unreachable")
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return providers.Wrapf(billingoProviderName, err, "read invoicing response")
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return billingoError(resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return providers.Wrapf(billingoProviderName, err, "decode invoicing response")
	}
	return nil
}

func billingoError(status int, body []byte) *providers.Error {
	var parsed billingoErrorResponse
	if err := json.Unmarshal(body, &parsed); err == nil {
		message := parsed.Error.Message
		if message == "" {
			message = parsed.Message
		}
		detail := strings.Join(parsed.Error.Details, "; ")
		if detail == "" {
			detail = message
		}
		if message != "" || detail != "" {
			return providers.NewError(billingoProviderName, parsed.Error.Code, message, detail)
		}
	}
	return providers.NewError(billingoProviderName, fmt.Sprintf("http_%d", status), "invoicing provider rejected the request", strings.TrimSpace(string(body)))
}

var amountPrinter = message.NewPrinter(language.Hungarian)

// formatGrossAmount renders a gross amount with Hungarian digit grouping and
// the ISO currency code, e.g. "12 500 HUF".
func formatGrossAmount(code string, amount int64) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if unit, err := currency.ParseISO(code); err == nil {
		code = unit.String()
	}
	return amountPrinter.Sprintf("%d %s", amount, code)
}

// billingoVatLabel maps a fractional tax rate onto the provider's VAT labels.
func billingoVatLabel(rate float64) string {
	percent := int(rate*100 + 0.5)
	if rate > 1 {
		percent = int(rate + 0.5)
	}
	if percent <= 0 {
		return "0%"
	}
	return fmt.Sprintf("%d%%", percent)
}
