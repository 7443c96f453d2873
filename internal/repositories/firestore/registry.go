package firestore

import (
	"context"
	"errors"

	gfirestore "cloud.google.com/go/firestore"

	pfirestore "github.com/duna-commerce/api/internal/platform/firestore"
	"github.com/duna-commerce/api/internal/repositories"
)

// Registry bundles the Firestore-backed repositories behind the
// repositories.Registry contract used by dependency injection.
type Registry struct {
	provider   *pfirestore.Provider
	orders     *OrderRepository
	payments   *PaymentRepository
	shipments  *ShipmentRepository
	counters   *CounterRepository
	rateLimits *RateLimitRepository
	health     repositories.HealthRepository
}

// NewRegistry constructs every Firestore repository over a shared provider.
// The health repository is supplied by the caller because its dependency
// checks reach beyond Firestore.
func NewRegistry(provider *pfirestore.Provider, health repositories.HealthRepository) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("registry requires firestore provider")
	}

	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	payments, err := NewPaymentRepository(provider)
	if err != nil {
		return nil, err
	}
	shipments, err := NewShipmentRepository(provider)
	if err != nil {
		return nil, err
	}
	counters, err := NewCounterRepository(provider)
	if err != nil {
		return nil, err
	}
	rateLimits, err := NewRateLimitRepository(provider)
	if err != nil {
		return nil, err
	}

	return &Registry{
		provider:   provider,
		orders:     orders,
		payments:   payments,
		shipments:  shipments,
		counters:   counters,
		rateLimits: rateLimits,
		health:     health,
	}, nil
}

// Close releases the underlying Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

// Orders returns the order repository.
func (r *Registry) Orders() repositories.OrderRepository {
	if r == nil || r.orders == nil {
		return nil
	}
	return r.orders
}

// Payments returns the payment repository.
func (r *Registry) Payments() repositories.PaymentRepository {
	if r == nil || r.payments == nil {
		return nil
	}
	return r.payments
}

// Shipments returns the shipment repository.
func (r *Registry) Shipments() repositories.ShipmentRepository {
	if r == nil || r.shipments == nil {
		return nil
	}
	return r.shipments
}

// Counters returns the counter repository.
func (r *Registry) Counters() repositories.CounterRepository {
	if r == nil || r.counters == nil {
		return nil
	}
	return r.counters
}

// RateLimits returns the rate limit repository.
func (r *Registry) RateLimits() repositories.RateLimitRepository {
	if r == nil || r.rateLimits == nil {
		return nil
	}
	return r.rateLimits
}

// Health returns the dependency health repository, which may be nil when the
// caller skipped health checks.
func (r *Registry) Health() repositories.HealthRepository {
	if r == nil {
		return nil
	}
	return r.health
}

// RunInTx executes fn inside a Firestore transaction.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if r == nil || r.provider == nil {
		return errors.New("registry not initialised")
	}
	return r.provider.RunTransaction(ctx, func(ctx context.Context, _ *gfirestore.Transaction) error {
		return fn(ctx)
	})
}

var _ repositories.Registry = (*Registry)(nil)
