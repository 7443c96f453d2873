package payments

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

// BarionLogger defines the logging contract for Barion provider operations.
type BarionLogger func(ctx context.Context, event string, fields map[string]any)

const (
	defaultBarionBaseURL = "https://api.barion.com"
	barionProviderName   = "barion"
)

// BarionProviderConfig configures the BarionProvider.
type BarionProviderConfig struct {
	POSKey     string
	BaseURL    string
	HTTPClient *http.Client
	Logger     BarionLogger
	Clock      func() time.Time
}

// BarionProvider implements the Provider interface against the Barion
// hosted-payment HTTP API.
type BarionProvider struct {
	posKey  string
	baseURL string
	client  *http.Client
	clock   func() time.Time
	logger  BarionLogger
}

// NewBarionProvider constructs a Barion Provider using the given configuration.
func NewBarionProvider(cfg BarionProviderConfig) (*BarionProvider, error) {
	posKey := strings.TrimSpace(cfg.POSKey)
	if posKey == "" {
		return nil, errors.New("barion: pos key is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBarionBaseURL
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
	return &BarionProvider{
		posKey:  posKey,
		baseURL: baseURL,
		client:  client,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

type barionItem struct {
	Name        string `json:"Name"`
	Description string `json:"Description,omitempty"`
	SKU         string `json:"SKU,omitempty"`
	Quantity    int64  `json:"Quantity"`
	Unit        string `json:"Unit"`
	UnitPrice   int64  `json:"UnitPrice"`
	ItemTotal   int64  `json:"ItemTotal"`
}

type barionTransaction struct {
	POSTransactionID string       `json:"POSTransactionId"`
	Payee            string       `json:"Payee,omitempty"`
	Total            int64        `json:"Total"`
	Items            []barionItem `json:"Items"`
}

type barionStartRequest struct {
	POSKey         string              `json:"POSKey"`
	PaymentType    string              `json:"PaymentType"`
	PaymentRequest string              `json:"PaymentRequestId"`
	PayerHint      string              `json:"PayerHint,omitempty"`
	Locale         string              `json:"Locale,omitempty"`
	Currency       string              `json:"Currency"`
	RedirectURL    string              `json:"RedirectUrl,omitempty"`
	CallbackURL    string              `json:"CallbackUrl,omitempty"`
	Transactions   []barionTransaction `json:"Transactions"`
}

type barionError struct {
	ErrorCode   string `json:"ErrorCode"`
	Title       string `json:"Title"`
	Description string `json:"Description"`
}

type barionStartResponse struct {
	PaymentID     string        `json:"PaymentId"`
	PaymentStatus string        `json:"Status"`
	GatewayURL    string        `json:"GatewayUrl"`
	Errors        []barionError `json:"Errors"`
}

type barionStateResponse struct {
	PaymentID   string        `json:"PaymentId"`
	Status      string        `json:"Status"`
	Total       int64         `json:"Total"`
	Currency    string        `json:"Currency"`
	CompletedAt string        `json:"CompletedAt"`
	Errors      []barionError `json:"Errors"`
}

// StartPayment creates a hosted payment at the gateway and returns the
// redirect target. Gateway-reported validation errors are surfaced verbatim
// as a providers.Error without any retry.
func (p *BarionProvider) StartPayment(ctx context.Context, req StartPaymentRequest) (PaymentSession, error) {
	if p == nil {
		return PaymentSession{}, errors.New("barion: provider is nil")
	}

	items := make([]barionItem, 0, len(req.Items))
	for _, item := range req.Items {
		qty := item.Quantity
		if qty < 1 {
			qty = 1
		}
		items = append(items, barionItem{
			Name:      item.Name,
			SKU:       item.SKU,
			Quantity:  qty,
			Unit:      "db",
			UnitPrice: item.UnitPrice,
			ItemTotal: item.UnitPrice * qty,
		})
	}
	if len(items) == 0 {
		items = append(items, barionItem{
			Name:      "Order",
			Quantity:  1,
			Unit:      "db",
			UnitPrice: req.Amount,
			ItemTotal: req.Amount,
		})
	}

	requestID := strings.TrimSpace(req.IdempotencyKey)
	if requestID == "" {
		requestID = strings.TrimSpace(req.OrderID)
	}

	payload := barionStartRequest{
		POSKey:         p.posKey,
		PaymentType:    "Immediate",
		PaymentRequest: requestID,
		PayerHint:      strings.TrimSpace(req.PayerEmail),
		Locale:         normaliseBarionLocale(req.Locale),
		Currency:       strings.ToUpper(strings.TrimSpace(req.Currency)),
		RedirectURL:    req.RedirectURL,
		CallbackURL:    req.CallbackURL,
		Transactions: []barionTransaction{
			{
				POSTransactionID: strings.TrimSpace(req.OrderID),
				Total:            req.Amount,
				Items:            items,
			},
		},
	}

	var resp barionStartResponse
	if err := p.post(ctx, "/v2/Payment/Start", payload, &resp); err != nil {
		return PaymentSession{}, err
	}
	if len(resp.Errors) > 0 {
		return PaymentSession{}, barionErrorsToProviderError(resp.Errors)
	}
	if strings.TrimSpace(resp.PaymentID) == "" || strings.TrimSpace(resp.GatewayURL) == "" {
		return PaymentSession{}, providers.NewError(barionProviderName, "", "incomplete start response", "gateway returned no payment id or url")
	}

	p.logger(ctx, "payments.barion.payment.started", map[string]any{
		"paymentId": resp.PaymentID,
		"status":    resp.PaymentStatus,
	})

	raw := map[string]any{}
	if data, err := json.Marshal(resp); err == nil {
		_ = json.Unmarshal(data, &raw)
	}

	return PaymentSession{
		PaymentID:  resp.PaymentID,
		Provider:   barionProviderName,
		GatewayURL: resp.GatewayURL,
		ExpiresAt:  p.clock().Add(30 * time.Minute),
		Raw:        raw,
	}, nil
}

// LookupPayment retrieves the current gateway state for a payment.
func (p *BarionProvider) LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("barion: provider is nil")
	}
	paymentID := strings.TrimSpace(req.PaymentID)
	if paymentID == "" {
		return PaymentDetails{}, errors.New("barion: payment id is required")
	}

	endpoint := fmt.Sprintf("%s/v2/Payment/GetPaymentState?POSKey=%s&PaymentId=%s",
		p.baseURL, url.QueryEscape(p.posKey), url.QueryEscape(paymentID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return PaymentDetails{}, fmt.Errorf("barion: build lookup request: %w", err)
	}

	var resp barionStateResponse
	if err := p.do(httpReq, &resp); err != nil {
		return PaymentDetails{}, err
	}
	if len(resp.Errors) > 0 {
		return PaymentDetails{}, barionErrorsToProviderError(resp.Errors)
	}

	raw := map[string]any{}
	if data, err := json.Marshal(resp); err == nil {
		_ = json.Unmarshal(data, &raw)
	}

	details := PaymentDetails{
		Provider:  barionProviderName,
		PaymentID: resp.PaymentID,
		Status:    barionStatus(resp.Status),
		Amount:    resp.Total,
		Currency:  strings.ToUpper(strings.TrimSpace(resp.Currency)),
		Raw:       raw,
	}
	if resp.CompletedAt != "" {
		if ts, err := time.Parse(time.RFC3339, resp.CompletedAt); err == nil {
			utc := ts.UTC()
			details.ConfirmedAt = &utc
		}
	}
	return details, nil
}

func (p *BarionProvider) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("barion: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("barion: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return p.do(httpReq, out)
}

func (p *BarionProvider) do(req *http.Request, out any) error {
	resp, err := p.client.Do(req)
	if err != nil {
		return providers.Wrapf(barionProviderName, err, "gateway unreachable")
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return providers.Wrapf(barionProviderName, err, "read gateway response")
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return providers.NewError(barionProviderName, fmt.Sprintf("http_%d", resp.StatusCode), "gateway error", strings.TrimSpace(string(data)))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return providers.Wrapf(barionProviderName, err, "decode gateway response")
	}
	return nil
}

func barionErrorsToProviderError(errs []barionError) *providers.Error {
	if len(errs) == 0 {
		return providers.NewError(barionProviderName, "", "gateway rejected the request", "")
	}
	first := errs[0]
	details := make([]string, 0, len(errs))
	for _, e := range errs {
		detail := strings.TrimSpace(e.Description)
		if detail == "" {
			detail = strings.TrimSpace(e.Title)
		}
		if e.ErrorCode != "" {
			detail = e.ErrorCode + ": " + detail
		}
		details = append(details, detail)
	}
	return providers.NewError(barionProviderName, first.ErrorCode, first.Title, strings.Join(details, "; "))
}

func barionStatus(status string) Status {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "succeeded":
		return StatusSucceeded
	case "canceled", "expired", "failed":
		return StatusFailed
	default:
		return StatusPending
	}
}

func normaliseBarionLocale(locale string) string {
	trimmed := strings.TrimSpace(locale)
	if trimmed == "" {
		return "hu-HU"
	}
	return strings.ReplaceAll(trimmed, "_", "-")
}
