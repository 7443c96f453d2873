package payments

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"

	"github.com/duna-commerce/api/internal/providers"
)

// StripeLogger is the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type stripePaymentIntentAPI interface {
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// stripeClients lets tests inject fake session and intent backends.
type stripeClients struct {
	sessions stripeSessionAPI
	intents  stripePaymentIntentAPI
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey    string
	AccountID string
	Backends  *stripe.Backends
	Logger    StripeLogger
	Clock     func() time.Time
	Clients   *stripeClients
}

// StripeProvider implements Provider on top of Stripe Checkout. The manager
// routes card payments in non-HUF currencies here.
type StripeProvider struct {
	api     stripeClients
	account string
	clock   func() time.Time
	logger  StripeLogger
}

// NewStripeProvider builds a Stripe-backed provider.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	api := stripeClients{}
	switch {
	case cfg.Clients != nil:
		api = *cfg.Clients
	case strings.TrimSpace(cfg.APIKey) != "":
		sc := client.New(strings.TrimSpace(cfg.APIKey), cfg.Backends)
		api = stripeClients{sessions: sc.CheckoutSessions, intents: sc.PaymentIntents}
	default:
		return nil, errors.New("stripe: api key is required")
	}
	if api.sessions == nil || api.intents == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		api:     api,
		account: strings.TrimSpace(cfg.AccountID),
		clock:   func() time.Time { return clock().UTC() },
		logger:  logger,
	}, nil
}

// StartPayment opens a Stripe Checkout session and returns its hosted URL.
func (p *StripeProvider) StartPayment(ctx context.Context, req StartPaymentRequest) (PaymentSession, error) {
	if p == nil {
		return PaymentSession{}, errors.New("stripe: provider is nil")
	}

	params := p.checkoutParams(ctx, req)
	session, err := p.api.sessions.New(params)
	if err != nil {
		return PaymentSession{}, stripeProviderError(err, "create checkout session")
	}

	p.logger(ctx, "payments.stripe.session.created", map[string]any{
		"sessionId": session.ID,
		"currency":  session.Currency,
	})

	expiresAt := p.clock().Add(30 * time.Minute)
	if session.ExpiresAt != 0 {
		expiresAt = time.Unix(session.ExpiresAt, 0).UTC()
	}

	return PaymentSession{
		PaymentID:  session.ID,
		Provider:   "stripe",
		GatewayURL: session.URL,
		ExpiresAt:  expiresAt,
		Raw:        rawJSON(session),
	}, nil
}

func (p *StripeProvider) checkoutParams(ctx context.Context, req StartPaymentRequest) *stripe.CheckoutSessionParams {
	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(req.RedirectURL),
		CancelURL:  stripe.String(req.RedirectURL),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if email := strings.TrimSpace(req.PayerEmail); email != "" {
		params.CustomerEmail = stripe.String(email)
	}
	if req.Locale != "" {
		// Stripe wants BCP 47 tags ("hu-HU"), not underscored locales.
		params.Locale = stripe.String(strings.ReplaceAll(strings.ToLower(req.Locale), "_", "-"))
	}

	metadata := make(map[string]string, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	if orderID := strings.TrimSpace(req.OrderID); orderID != "" {
		metadata["order_id"] = orderID
	}
	if len(metadata) > 0 {
		params.Metadata = metadata
		params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{Metadata: metadata}
	}

	params.LineItems = checkoutLineItems(req)
	return params
}

// checkoutLineItems maps order positions onto Checkout line items; an order
// without positions becomes a single line carrying the full amount.
func checkoutLineItems(req StartPaymentRequest) []*stripe.CheckoutSessionLineItemParams {
	if len(req.Items) == 0 {
		return []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:    stripe.String(strings.ToLower(req.Currency)),
				UnitAmount:  stripe.Int64(req.Amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{Name: stripe.String("Order")},
			},
		}}
	}

	lines := make([]*stripe.CheckoutSessionLineItemParams, 0, len(req.Items))
	for _, item := range req.Items {
		currency := item.Currency
		if strings.TrimSpace(currency) == "" {
			currency = req.Currency
		}
		product := &stripe.CheckoutSessionLineItemPriceDataProductDataParams{Name: stripe.String(item.Name)}
		if item.SKU != "" {
			product.Metadata = map[string]string{"sku": item.SKU}
		}
		lines = append(lines, &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(max(item.Quantity, 1)),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:    stripe.String(strings.ToLower(currency)),
				UnitAmount:  stripe.Int64(item.UnitPrice),
				ProductData: product,
			},
		})
	}
	return lines
}

// LookupPayment retrieves a Stripe Payment Intent.
func (p *StripeProvider) LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("stripe: provider is nil")
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	intent, err := p.api.intents.Get(req.PaymentID, params)
	if err != nil {
		return PaymentDetails{}, stripeProviderError(err, "lookup payment intent")
	}
	return stripePaymentDetails(intent), nil
}

func stripePaymentDetails(intent *stripe.PaymentIntent) PaymentDetails {
	if intent == nil {
		return PaymentDetails{}
	}

	status := StatusPending
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		status = StatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		status = StatusFailed
	}

	var confirmedAt *time.Time
	if charge := intent.LatestCharge; charge != nil && (charge.Paid || charge.Captured) {
		t := time.Unix(charge.Created, 0).UTC()
		confirmedAt = &t
	}

	currency := strings.ToUpper(string(intent.Currency))
	if currency == "" && intent.LatestCharge != nil {
		currency = strings.ToUpper(string(intent.LatestCharge.Currency))
	}

	return PaymentDetails{
		Provider:    "stripe",
		PaymentID:   intent.ID,
		Status:      status,
		Amount:      intent.Amount,
		Currency:    currency,
		ConfirmedAt: confirmedAt,
		Raw:         rawJSON(intent),
	}
}

func stripeProviderError(err error, op string) error {
	var sErr *stripe.Error
	if errors.As(err, &sErr) {
		detail := sErr.Msg
		if detail == "" {
			detail = err.Error()
		}
		return providers.NewError("stripe", string(sErr.Code), op, detail)
	}
	return providers.Wrapf("stripe", err, "%s", op)
}

// rawJSON round-trips a Stripe value through JSON so the session payload can
// be stored alongside the payment without the SDK types.
func rawJSON(v any) map[string]any {
	raw := map[string]any{}
	if data, err := json.Marshal(v); err == nil {
		_ = json.Unmarshal(data, &raw)
	}
	return raw
}
