package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/duna-commerce/api/internal/platform/textutil"
)

// Manager selects a provider per payment and exposes the aggregated gateway
// interface the service layer talks to.
type Manager struct {
	providers       map[string]Provider
	defaultProvider string
	currencyRoutes  map[string]string
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider sets the provider used when neither the payment context
// nor a currency route picks one.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = provider
	}
}

// WithCurrencyRoutes maps ISO currency codes onto provider keys.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		for currency, provider := range routes {
			if m.currencyRoutes == nil {
				m.currencyRoutes = make(map[string]string, len(routes))
			}
			m.currencyRoutes[strings.ToUpper(strings.TrimSpace(currency))] = strings.TrimSpace(provider)
		}
	}
}

// NewManager builds a Manager over the supplied providers. Provider keys are
// folded to lower case; when Barion is registered it becomes the default.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}

	m := &Manager{providers: make(map[string]Provider, len(providers))}
	for name, provider := range providers {
		key := providerKey(name)
		if key == "" || provider == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", name)
		}
		m.providers[key] = provider
	}
	if _, ok := m.providers["barion"]; ok {
		m.defaultProvider = "barion"
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// PaymentContext holds the hints used to select a provider.
type PaymentContext struct {
	PreferredProvider string
	Currency          string
	Metadata          map[string]string
}

// resolveProvider picks a provider for the payment context. An explicitly
// preferred provider must exist; otherwise selection walks the currency
// route, then the default, then a lone registered provider.
func (m *Manager) resolveProvider(ctx PaymentContext) (string, Provider, error) {
	if m == nil || len(m.providers) == 0 {
		return "", nil, errors.New("payments: no providers registered")
	}

	if preferred := providerKey(ctx.PreferredProvider); preferred != "" {
		if p, ok := m.providers[preferred]; ok {
			return preferred, p, nil
		}
		return "", nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, preferred)
	}

	var candidates []string
	if currency := strings.ToUpper(strings.TrimSpace(ctx.Currency)); currency != "" {
		if routed, ok := m.currencyRoutes[currency]; ok {
			candidates = append(candidates, providerKey(routed))
		}
	}
	candidates = append(candidates, providerKey(m.defaultProvider))
	if len(m.providers) == 1 {
		for key := range m.providers {
			candidates = append(candidates, key)
		}
	}

	for _, key := range candidates {
		if key == "" {
			continue
		}
		if p, ok := m.providers[key]; ok {
			return key, p, nil
		}
	}
	return "", nil, ErrUnsupportedProvider
}

// StartPayment routes the request to the resolved provider and stamps the
// session with the provider key.
func (m *Manager) StartPayment(ctx context.Context, paymentCtx PaymentContext, req StartPaymentRequest) (PaymentSession, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return PaymentSession{}, err
	}
	req.Metadata = textutil.NormalizeStringMap(req.Metadata)
	session, err := provider.StartPayment(ctx, req)
	if err != nil {
		return PaymentSession{}, err
	}
	session.Provider = key
	return session, nil
}

// LookupPayment routes the lookup to the resolved provider.
func (m *Manager) LookupPayment(ctx context.Context, paymentCtx PaymentContext, req LookupRequest) (PaymentDetails, error) {
	_, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return PaymentDetails{}, err
	}
	return provider.LookupPayment(ctx, req)
}

func providerKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
