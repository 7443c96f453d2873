package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/duna-commerce/api/internal/carrier"
	"github.com/duna-commerce/api/internal/di"
	"github.com/duna-commerce/api/internal/handlers"
	"github.com/duna-commerce/api/internal/invoicing"
	"github.com/duna-commerce/api/internal/payments"
	"github.com/duna-commerce/api/internal/platform/auth"
	"github.com/duna-commerce/api/internal/platform/config"
	pfirestore "github.com/duna-commerce/api/internal/platform/firestore"
	"github.com/duna-commerce/api/internal/platform/idempotency"
	"github.com/duna-commerce/api/internal/platform/jobs"
	"github.com/duna-commerce/api/internal/platform/observability"
	"github.com/duna-commerce/api/internal/platform/secrets"
	platformstorage "github.com/duna-commerce/api/internal/platform/storage"
	"github.com/duna-commerce/api/internal/repositories"
	firestoreRepo "github.com/duna-commerce/api/internal/repositories/firestore"
	"github.com/duna-commerce/api/internal/services"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = baseLogger.Sync() }()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("closing secret fetcher", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := firestoreProvider.Close(closeCtx); err != nil {
			logger.Warn("closing firestore", zap.Error(err))
		}
	}()

	storageClient, err := cloudstorage.NewClient(ctx)
	if err != nil {
		logger.Fatal("failed to initialise storage client", zap.Error(err))
	}
	defer func() {
		if err := storageClient.Close(); err != nil {
			logger.Warn("closing storage", zap.Error(err))
		}
	}()

	labelArchive, err := platformstorage.NewLabelArchive(storageClient, cfg.Storage.LabelsBucket)
	if err != nil {
		logger.Fatal("failed to initialise label archive", zap.Error(err))
	}
	labelSigner, err := newLabelSigner(cfg.Storage)
	if err != nil {
		logger.Fatal("failed to initialise label signer", zap.Error(err))
	}
	if labelSigner == nil {
		logger.Warn("storage signer key not configured; label downloads disabled")
	}

	pubsubClient, err := pubsub.NewClient(ctx, eventsProjectID(cfg))
	if err != nil {
		logger.Fatal("failed to initialise pubsub client", zap.Error(err))
	}
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logger.Warn("closing pubsub", zap.Error(err))
		}
	}()
	eventsTopic := pubsubClient.Topic(cfg.Events.Topic)
	defer eventsTopic.Stop()
	eventPublisher, err := jobs.NewPubSubOrderEventPublisher(eventsTopic)
	if err != nil {
		logger.Fatal("failed to initialise order event publisher", zap.Error(err))
	}

	healthRepo, err := newHealthRepository(firestoreClient, fetcher)
	if err != nil {
		logger.Warn("health: dependency checks disabled", zap.Error(err))
	}
	registry, err := firestoreRepo.NewRegistry(firestoreProvider, healthRepo)
	if err != nil {
		logger.Fatal("failed to initialise repository registry", zap.Error(err))
	}

	gateway, err := newPaymentGateway(logger.Named("payments"), cfg)
	if err != nil {
		logger.Fatal("failed to initialise payment gateway", zap.Error(err))
	}

	invoicingClient, err := invoicing.NewBillingoClient(invoicing.BillingoClientConfig{
		APIKey:  cfg.Invoicing.APIKey,
		BaseURL: cfg.Invoicing.BaseURL,
		BlockID: cfg.Invoicing.BlockID,
		Logger:  invoicing.Logger(serviceLogger(logger.Named("invoicing"))),
		Clock:   time.Now,
	})
	if err != nil {
		logger.Fatal("failed to initialise invoicing client", zap.Error(err))
	}

	carrierClient, err := carrier.NewGLSClient(carrier.GLSClientConfig{
		ClientNumber:    cfg.Carrier.ClientNumber,
		Username:        cfg.Carrier.Username,
		Password:        cfg.Carrier.Password,
		BaseURL:         cfg.Carrier.BaseURL,
		TrackingBaseURL: cfg.Carrier.TrackingBaseURL,
		Logger:          carrier.Logger(serviceLogger(logger.Named("carrier"))),
	})
	if err != nil {
		logger.Fatal("failed to initialise carrier client", zap.Error(err))
	}

	container, err := di.NewContainer(ctx, cfg, registry, di.Infrastructure{
		Gateway:     gateway,
		Invoicing:   invoicingClient,
		Carrier:     carrierClient,
		Events:      eventPublisher,
		Labels:      labelArchive,
		LabelSigner: labelSigner,
		Logger:      serviceLogger(logger.Named("services")),
	})
	if err != nil {
		logger.Fatal("failed to build service container", zap.Error(err))
	}

	idempotencyStore := idempotency.NewFirestoreStore(firestoreClient)
	stopJanitor := startIdempotencyJanitor(logger.Named("idempotency"), idempotencyStore, cfg.Idempotency)
	defer stopJanitor()

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier, auth.WithUserGetter(firebaseVerifier))

	orderHandlers := handlers.NewOrderHandlers(
		authenticator,
		container.Services.Orders,
		container.Services.Invoices,
		container.Services.Shipments,
		container.Services.Limiter,
	)
	paymentHandlers := handlers.NewPaymentHandlers(authenticator, container.Services.Payments, container.Services.Limiter)
	shipmentHandlers := handlers.NewShipmentHandlers(container.Services.Shipments)
	webhookHandlers := handlers.NewWebhookHandlers(container.Services.Payments)
	internalHandlers := handlers.NewInternalHandlers(container.Services.Orders, container.Services.Payments)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfoFromEnv(envValues, cfg, startedAt)),
		handlers.WithHealthSystemService(container.Services.System),
	)

	projectID := traceProjectID(cfg)
	opts := []handlers.Option{
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger.Named("http")),
			observability.TraceMiddleware(projectID),
			observability.RecoveryMiddleware(logger.Named("http")),
			observability.RequestLoggerMiddleware(projectID),
			idempotency.Middleware(
				idempotencyStore,
				idempotency.WithHeader(cfg.Idempotency.Header),
				idempotency.WithTTL(cfg.Idempotency.TTL),
				idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
			),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithPaymentRoutes(paymentHandlers.Routes),
		handlers.WithShipmentRoutes(shipmentHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
		handlers.WithInternalRoutes(internalHandlers.Routes),
	}
	if oidc := buildOIDCMiddleware(logger.Named("auth"), cfg); oidc != nil {
		opts = append(opts, handlers.WithInternalMiddlewares(oidc))
	}
	if hmac := buildHMACMiddleware(logger.Named("auth"), cfg); hmac != nil {
		opts = append(opts, handlers.WithWebhookMiddlewares(hmac))
	}

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handlers.NewRouter(opts...),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("duna commerce api listening")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// serviceLogger adapts a zap logger to the func-valued logger the service and
// provider layers accept.
func serviceLogger(logger *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	return func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields)+1)
		zFields = append(zFields, zap.String("event", event))
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		logger.Debug("provider log", zFields...)
	}
}

// newLabelSigner returns nil without error when no signer key is configured;
// the shipment service degrades to omitting label download URLs.
func newLabelSigner(cfg config.StorageConfig) (services.LabelURLSigner, error) {
	key := strings.TrimSpace(cfg.SignerKey)
	if key == "" {
		return nil, nil
	}
	signer, err := platformstorage.NewServiceAccountSignerFromJSON([]byte(key))
	if err != nil {
		return nil, fmt.Errorf("parse signer key: %w", err)
	}
	client, err := platformstorage.NewClient(signer)
	if err != nil {
		return nil, err
	}
	labelSigner, err := platformstorage.NewLabelSigner(client, cfg.LabelsBucket)
	if err != nil {
		return nil, err
	}
	return labelSigner, nil
}

// startIdempotencyJanitor periodically purges expired idempotency records.
// The returned stop function blocks until the janitor goroutine exits.
func startIdempotencyJanitor(logger *zap.Logger, store *idempotency.FirestoreStore, cfg config.IdempotencyConfig) func() {
	if cfg.CleanupInterval <= 0 {
		return func() {}
	}

	ticker := time.NewTicker(cfg.CleanupInterval)
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}
			runCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			removed, err := store.PurgeExpired(runCtx, time.Now().UTC(), cfg.CleanupBatchSize)
			cancel()
			switch {
			case err != nil:
				logger.Error("idempotency cleanup failed", zap.Error(err))
			case removed > 0:
				logger.Info("idempotency cleanup purged records", zap.Int("count", removed))
			}
		}
	}()

	return func() {
		ticker.Stop()
		close(done)
		<-stopped
	}
}

func newPaymentGateway(logger *zap.Logger, cfg config.Config) (services.PaymentGateway, error) {
	providers := make(map[string]payments.Provider, 2)

	barion, err := payments.NewBarionProvider(payments.BarionProviderConfig{
		POSKey:  cfg.Gateway.BarionPOSKey,
		BaseURL: cfg.Gateway.BarionBaseURL,
		Logger:  payments.BarionLogger(serviceLogger(logger.Named("barion"))),
		Clock:   time.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("barion provider: %w", err)
	}
	providers["barion"] = barion

	if key := strings.TrimSpace(cfg.Gateway.StripeAPIKey); key != "" {
		stripe, err := payments.NewStripeProvider(payments.StripeProviderConfig{
			APIKey: key,
			Logger: payments.StripeLogger(serviceLogger(logger.Named("stripe"))),
			Clock:  time.Now,
		})
		if err != nil {
			return nil, fmt.Errorf("stripe provider: %w", err)
		}
		providers["stripe"] = stripe
	}

	return payments.NewManager(providers, payments.WithCurrencyRoutes(map[string]string{
		"HUF": "barion",
	}))
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	pick := func(value, fallback string) string {
		if value = strings.TrimSpace(value); value != "" {
			return value
		}
		return fallback
	}
	return services.BuildInfo{
		Version:     pick(env["API_BUILD_VERSION"], "dev"),
		CommitSHA:   pick(env["API_BUILD_COMMIT_SHA"], "unknown"),
		Environment: pick(cfg.Security.Environment, "local"),
		StartedAt:   started,
	}
}

func newHealthRepository(client *firestore.Client, fetcher *secrets.Fetcher) (repositories.HealthRepository, error) {
	var checks []repositories.DependencyCheck
	if client != nil {
		checks = append(checks, firestoreHealthCheck(client))
	}
	if fetcher != nil {
		checks = append(checks, secretManagerHealthCheck(fetcher))
	}
	if len(checks) == 0 {
		return nil, errors.New("health: no dependency checks configured")
	}
	return repositories.NewDependencyHealthRepository(checks)
}

// firestoreHealthCheck proves connectivity by listing collections; an empty
// database answers iterator.Done, which counts as healthy.
func firestoreHealthCheck(client *firestore.Client) repositories.DependencyCheck {
	return repositories.DependencyCheck{
		Name:    "firestore",
		Timeout: 1500 * time.Millisecond,
		Check: func(ctx context.Context) error {
			_, err := client.Collections(ctx).Next()
			if errors.Is(err, iterator.Done) {
				return nil
			}
			return err
		},
	}
}

// secretManagerHealthCheck resolves a well-known probe reference. NotFound
// means Secret Manager answered, so the dependency is up.
func secretManagerHealthCheck(fetcher *secrets.Fetcher) repositories.DependencyCheck {
	return repositories.DependencyCheck{
		Name:    "secretManager",
		Timeout: time.Second,
		Check: func(ctx context.Context) error {
			_, err := fetcher.Resolve(ctx, "secret://system/healthz?version=latest")
			if err == nil {
				return nil
			}
			if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
				return nil
			}
			return err
		},
	}
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	adapter := observability.NewPrintfAdapter(logger)
	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, auth.WithJWKSLogger(adapter))
	validator := auth.NewOIDCValidator(cache, auth.WithOIDCLogger(adapter))

	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		logger.Warn("auth: OIDC issuers not configured; internal routes will reject requests")
	}
	return validator.RequireOIDC(audience, cfg.Security.OIDC.Issuers)
}

func buildHMACMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	secretSet := make(map[string]string)
	for key, value := range cfg.Security.HMAC.Secrets {
		if strings.TrimSpace(value) != "" {
			secretSet[strings.ToLower(key)] = value
		}
	}
	if cfg.Webhooks.SigningSecret != "" && secretSet["default"] == "" {
		secretSet["default"] = cfg.Webhooks.SigningSecret
	}
	if len(secretSet) == 0 {
		return nil
	}

	adapter := observability.NewPrintfAdapter(logger)
	validator := auth.NewHMACValidator(staticSecretProvider{secrets: secretSet}, auth.NewInMemoryNonceStore(),
		auth.WithHMACLogger(adapter),
		auth.WithHMACHeaders(cfg.Security.HMAC.SignatureHeader, cfg.Security.HMAC.TimestampHeader, cfg.Security.HMAC.NonceHeader),
		auth.WithHMACClockSkew(cfg.Security.HMAC.ClockSkew),
		auth.WithHMACNonceTTL(cfg.Security.HMAC.NonceTTL),
	)
	return validator.RequireHMACResolver(webhookSecretResolver(secretSet))
}

type staticSecretProvider struct {
	secrets map[string]string
}

func (p staticSecretProvider) GetSecret(_ context.Context, name string) (string, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return "", errors.New("auth: secret name required")
	}
	secret, ok := p.secrets[key]
	if !ok || secret == "" {
		return "", errors.New("auth: secret not found")
	}
	return secret, nil
}

// webhookSecretResolver picks the signing secret for an inbound webhook by
// the path below /webhooks/: first "provider/event", then "provider", then
// the default secret.
func webhookSecretResolver(secretSet map[string]string) func(*http.Request) (string, bool) {
	return func(r *http.Request) (string, bool) {
		_, rest, found := strings.Cut(r.URL.Path, "/webhooks/")
		if !found {
			rest = r.URL.Path
		}
		rest = strings.ToLower(strings.Trim(rest, "/"))

		var candidates []string
		if rest != "" {
			segments := strings.Split(rest, "/")
			if len(segments) >= 2 {
				candidates = append(candidates, segments[0]+"/"+segments[1])
			}
			candidates = append(candidates, segments[0])
		}
		candidates = append(candidates, "default")

		for _, candidate := range candidates {
			if secretSet[candidate] != "" {
				return candidate, true
			}
		}
		return "", false
	}
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func eventsProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Events.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string { return strings.TrimSpace(env[key]) }

	envLabel := strings.ToLower(lookup("API_SECURITY_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if projectMap := parsePairs(env["API_SECRET_PROJECT_IDS"], true); len(projectMap) > 0 {
		opts = append(opts, secrets.WithProjectMap(projectMap))
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if pins := secretVersionPins(env["API_SECRET_VERSION_PINS"]); len(pins) > 0 {
		opts = append(opts, secrets.WithVersionPins(pins))
	}
	if credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists the config fields whose secrets must resolve for
// the service to start. Optional integrations become required once their env
// var is set at all.
func requiredSecretNames(env map[string]string) []string {
	required := map[string]struct{}{
		"Gateway.BarionPOSKey":   {},
		"Invoicing.APIKey":       {},
		"Carrier.Password":       {},
		"Webhooks.SigningSecret": {},
	}
	optional := map[string]string{
		"API_GATEWAY_STRIPE_API_KEY":        "Gateway.StripeAPIKey",
		"API_GATEWAY_STRIPE_WEBHOOK_SECRET": "Gateway.StripeWebhookSecret",
		"API_STORAGE_SIGNER_KEY":            "Storage.SignerKey",
	}
	for envKey, field := range optional {
		if strings.TrimSpace(env[envKey]) != "" {
			required[field] = struct{}{}
		}
	}
	for key := range parsePairs(env["API_SECURITY_HMAC_SECRETS"], true) {
		required["Security.HMAC.Secrets["+key+"]"] = struct{}{}
	}

	names := make([]string, 0, len(required))
	for name := range required {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// parsePairs splits "key=value,key=value" entries; lowerKeys folds key case.
func parsePairs(raw string, lowerKeys bool) map[string]string {
	pairs := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if lowerKeys {
			key = strings.ToLower(key)
		}
		value = strings.TrimSpace(value)
		if key != "" && value != "" {
			pairs[key] = value
		}
	}
	return pairs
}

// secretVersionPins parses "ref=version" pairs, normalising each ref to the
// secret:// scheme. A ref may carry an environment prefix like "prod:".
func secretVersionPins(raw string) map[string]string {
	pins := make(map[string]string)
	for ref, version := range parsePairs(raw, false) {
		var prefix string
		if idx := strings.Index(ref, ":"); idx > 0 && !strings.HasPrefix(ref[idx:], "://") {
			prefix = strings.ToLower(ref[:idx]) + ":"
			ref = strings.TrimSpace(ref[idx+1:])
		}
		if rest, ok := strings.CutPrefix(ref, "sm://"); ok {
			ref = "secret://" + rest
		} else if !strings.HasPrefix(ref, "secret://") {
			ref = "secret://" + ref
		}
		pins[prefix+ref] = version
	}
	return pins
}
