package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/duna-commerce/api/internal/carrier"
	"github.com/duna-commerce/api/internal/invoicing"
	"github.com/duna-commerce/api/internal/platform/config"
	"github.com/duna-commerce/api/internal/repositories"
	"github.com/duna-commerce/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Orders    services.OrderService
	Payments  services.PaymentService
	Invoices  services.InvoiceService
	Shipments services.ShipmentService
	Counters  services.CounterService
	System    services.SystemService
	Limiter   services.RateLimiter
}

// Infrastructure carries externally constructed clients that services depend
// on: the payment gateway, the invoicing and carrier providers, the event
// publisher, and label storage.
type Infrastructure struct {
	Gateway     services.PaymentGateway
	Invoicing   invoicing.Client
	Carrier     carrier.Client
	Events      services.OrderEventPublisher
	Labels      services.LabelArchiver
	LabelSigner services.LabelURLSigner
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Production wiring will provide real
// implementations, while tests can supply in-memory registries.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, infra Infrastructure) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	svc, err := buildServices(ctx, reg, cfg, infra)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients, background workers, or caches.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(_ context.Context, reg repositories.Registry, cfg config.Config, infra Infrastructure) (Services, error) {
	var svc Services
	if reg == nil {
		return svc, nil
	}

	counterRepo := reg.Counters()
	if counterRepo != nil {
		counterSvc, err := services.NewCounterService(services.CounterServiceDeps{
			Repository: counterRepo,
			Clock:      time.Now,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build counter service: %w", err)
		}
		svc.Counters = counterSvc
	}

	if healthRepo := reg.Health(); healthRepo != nil {
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            time.Now,
			Build: services.BuildInfo{
				Environment: cfg.Security.Environment,
				StartedAt:   time.Now().UTC(),
			},
			Counters: svc.Counters,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	if limitRepo := reg.RateLimits(); limitRepo != nil {
		limiter, err := services.NewRateLimiter(services.RateLimiterDeps{
			Store:  limitRepo,
			Rules:  rateLimitRules(cfg.RateLimits),
			Clock:  time.Now,
			Logger: infra.Logger,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build rate limiter: %w", err)
		}
		svc.Limiter = limiter
	}

	ordersRepo := reg.Orders()
	if ordersRepo != nil && counterRepo != nil {
		orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
			Orders:   ordersRepo,
			Counters: counterRepo,
			Clock:    time.Now,
			Events:   infra.Events,
			Logger:   infra.Logger,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build order service: %w", err)
		}
		svc.Orders = orderSvc
	}

	if paymentsRepo := reg.Payments(); paymentsRepo != nil && ordersRepo != nil && infra.Gateway != nil {
		paymentSvc, err := services.NewPaymentService(services.PaymentServiceDeps{
			Orders:      ordersRepo,
			Payments:    paymentsRepo,
			Gateway:     infra.Gateway,
			CallbackURL: cfg.Gateway.CallbackURL,
			Clock:       time.Now,
			Events:      infra.Events,
			Logger:      infra.Logger,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build payment service: %w", err)
		}
		svc.Payments = paymentSvc
	}

	if ordersRepo != nil && infra.Invoicing != nil {
		invoiceSvc, err := services.NewInvoiceService(services.InvoiceServiceDeps{
			Orders: ordersRepo,
			Client: infra.Invoicing,
			Clock:  time.Now,
			Events: infra.Events,
			Logger: infra.Logger,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build invoice service: %w", err)
		}
		svc.Invoices = invoiceSvc
	}

	if shipmentsRepo := reg.Shipments(); shipmentsRepo != nil && ordersRepo != nil && infra.Carrier != nil {
		shipmentSvc, err := services.NewShipmentService(services.ShipmentServiceDeps{
			Orders:      ordersRepo,
			Shipments:   shipmentsRepo,
			Carrier:     infra.Carrier,
			CarrierName: cfg.Carrier.Name,
			Labels:      infra.Labels,
			LabelSigner: infra.LabelSigner,
			LabelTTL:    cfg.Storage.LabelURLTTL,
			Clock:       time.Now,
			Events:      infra.Events,
			Logger:      infra.Logger,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build shipment service: %w", err)
		}
		svc.Shipments = shipmentSvc
	}

	return svc, nil
}

func rateLimitRules(cfg config.RateLimitConfig) map[string]services.RateLimitRule {
	window := cfg.Window
	if window <= 0 {
		window = time.Minute
	}
	rules := make(map[string]services.RateLimitRule)
	if cfg.PaymentPerWindow > 0 {
		rules["payment.initiate"] = services.RateLimitRule{Limit: cfg.PaymentPerWindow, Window: window}
	}
	if cfg.InvoicePerWindow > 0 {
		rules["invoice.generate"] = services.RateLimitRule{Limit: cfg.InvoicePerWindow, Window: window}
	}
	if cfg.ShipmentPerWindow > 0 {
		rules["shipment.create"] = services.RateLimitRule{Limit: cfg.ShipmentPerWindow, Window: window}
	}
	return rules
}
