package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/duna-commerce/api/internal/platform/httpx"
)

// RouteRegistrar mounts a feature's endpoints onto its route group.
type RouteRegistrar func(r chi.Router)

const (
	defaultAPIPrefix  = "/api/v1"
	defaultTimeout    = 60 * time.Second
	errorNotFoundCode = "route_not_found"
)

// section is one mounted route group under the API prefix.
type section struct {
	path      string
	name      string
	registrar RouteRegistrar
	use       []func(http.Handler) http.Handler
}

type routerConfig struct {
	basePath    string
	middlewares []func(http.Handler) http.Handler
	health      *HealthHandlers
	sections    map[string]*section
}

// Option customises the router before construction.
type Option func(*routerConfig)

func (cfg *routerConfig) section(path, name string) *section {
	s, ok := cfg.sections[path]
	if !ok {
		s = &section{path: path, name: name}
		cfg.sections[path] = s
	}
	return s
}

// NewRouter builds the chi router: health probes at the root, every
// feature group under the API prefix. Groups without a registrar answer
// 501 so a half-wired deployment fails loudly instead of 404ing.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		basePath: defaultAPIPrefix,
		middlewares: []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Timeout(defaultTimeout),
		},
		sections: make(map[string]*section),
	}
	// Seed the groups so the API surface is stable even when unconfigured.
	for _, s := range []struct{ path, name string }{
		{"/orders", "orders"},
		{"/payments", "payments"},
		{"/shipments", "shipments"},
		{"/webhooks", "webhooks"},
		{"/internal", "internal"},
	} {
		cfg.section(s.path, s.name)
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	for _, mw := range cfg.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError(errorNotFoundCode, "no route for "+req.URL.Path, http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", "method "+req.Method+" not allowed on "+req.URL.Path, http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(cfg.basePath, func(api chi.Router) {
		for _, path := range []string{"/orders", "/payments", "/shipments", "/webhooks", "/internal"} {
			s := cfg.sections[path]
			api.Route(s.path, func(group chi.Router) {
				for _, mw := range s.use {
					if mw != nil {
						group.Use(mw)
					}
				}
				if s.registrar != nil {
					s.registrar(group)
					return
				}
				mountNotImplemented(group, s.name)
			})
		}
	})

	return r
}

// WithMiddlewares appends global middleware.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithHealthHandlers overrides the /healthz and /readyz handlers.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) {
		cfg.health = h
	}
}

// WithOrderRoutes mounts the order endpoints.
func WithOrderRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.section("/orders", "orders").registrar = reg
	}
}

// WithPaymentRoutes mounts the payment endpoints.
func WithPaymentRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.section("/payments", "payments").registrar = reg
	}
}

// WithShipmentRoutes mounts the shipment endpoints.
func WithShipmentRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.section("/shipments", "shipments").registrar = reg
	}
}

// WithWebhookRoutes mounts the webhook endpoints.
func WithWebhookRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.section("/webhooks", "webhooks").registrar = reg
	}
}

// WithWebhookMiddlewares adds middleware scoped to the /webhooks group.
func WithWebhookMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		s := cfg.section("/webhooks", "webhooks")
		s.use = append(s.use, mw...)
	}
}

// WithInternalRoutes mounts the internal endpoints.
func WithInternalRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.section("/internal", "internal").registrar = reg
	}
}

// WithInternalMiddlewares adds middleware scoped to the /internal group.
func WithInternalMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		s := cfg.section("/internal", "internal")
		s.use = append(s.use, mw...)
	}
}

func mountNotImplemented(r chi.Router, name string) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", name+" routes not implemented", http.StatusNotImplemented))
	}
	r.HandleFunc("/*", handler)
	r.HandleFunc("/", handler)
	r.NotFound(handler)
	r.MethodNotAllowed(handler)
}
