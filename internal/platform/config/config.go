// Package config loads the runtime configuration from the environment,
// an optional .env file, and Secret Manager references.
package config

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile              = ".env"
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultRateLimitPayment     = 10
	defaultRateLimitInvoice     = 10
	defaultRateLimitShipment    = 10
	defaultRateLimitWindow      = time.Minute
	defaultBarionBaseURL        = "https://api.barion.com"
	defaultBillingoBaseURL      = "https://api.billingo.hu/v3"
	defaultGLSBaseURL           = "https://api.mygls.hu"
	defaultGLSTrackingBaseURL   = "https://gls-group.eu/HU/hu/csomagkovetes?match="
	defaultCarrierName          = "gls"
	defaultLabelURLTTL          = 15 * time.Minute
	defaultOrderEventsTopic     = "order-events"
	defaultSecurityEnvironment  = "local"
	defaultOIDCJWKSURL          = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSecurityIssuer       = "https://accounts.google.com"
	defaultSecurityIAPIssuer    = "https://cloud.google.com/iap"
	defaultHMACSignatureHeader  = "X-Signature"
	defaultHMACTimestampHeader  = "X-Signature-Timestamp"
	defaultHMACNonceHeader      = "X-Signature-Nonce"
	defaultHMACClockSkew        = 5 * time.Minute
	defaultHMACNonceTTL         = 5 * time.Minute
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
)

// Config is the full runtime configuration, grouped by concern.
type Config struct {
	Server      ServerConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	Storage     StorageConfig
	Gateway     GatewayConfig
	Invoicing   InvoicingConfig
	Carrier     CarrierConfig
	Events      EventsConfig
	Webhooks    WebhookConfig
	RateLimits  RateLimitConfig
	Security    SecurityConfig
	Idempotency IdempotencyConfig
}

// ServerConfig holds HTTP listener parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirebaseConfig identifies the Firebase project used for end-user auth.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig identifies the database. ProjectID falls back to the
// Firebase project when unset.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// StorageConfig names the label bucket and its signed URL settings.
type StorageConfig struct {
	LabelsBucket string
	LabelURLTTL  time.Duration
	SignerKey    string
}

// GatewayConfig carries payment gateway endpoints and secrets.
type GatewayConfig struct {
	BarionBaseURL       string
	BarionPOSKey        string
	StripeAPIKey        string
	StripeWebhookSecret string
	CallbackURL         string
}

// InvoicingConfig configures the Billingo client.
type InvoicingConfig struct {
	BaseURL string
	APIKey  string
	BlockID int
}

// CarrierConfig configures the parcel carrier client.
type CarrierConfig struct {
	Name            string
	BaseURL         string
	TrackingBaseURL string
	ClientNumber    string
	Username        string
	Password        string
}

// EventsConfig names the Pub/Sub topic for order lifecycle events.
type EventsConfig struct {
	ProjectID string
	Topic     string
}

// WebhookConfig configures inbound webhook verification.
type WebhookConfig struct {
	SigningSecret string
	AllowedHosts  []string
}

// RateLimitConfig sets the per-operation fixed-window budgets.
type RateLimitConfig struct {
	PaymentPerWindow  int
	InvoicePerWindow  int
	ShipmentPerWindow int
	Window            time.Duration
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
	HMAC        HMACConfig
}

// OIDCConfig controls Google-signed token verification.
type OIDCConfig struct {
	JWKSURL   string
	Audience  string
	Audiences map[string]string
	Issuers   []string
}

// HMACConfig captures webhook signing expectations.
type HMACConfig struct {
	Secrets         map[string]string
	SignatureHeader string
	TimestampHeader string
	NonceHeader     string
	ClockSkew       time.Duration
	NonceTTL        time.Duration
}

// IdempotencyConfig controls the idempotency middleware.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// SecretResolver turns secret:// references into secret values.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts a function to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError lists the config fields that are missing or invalid.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns the missing/invalid field names.
func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

// SecretError wraps a failure while resolving one secret reference.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError reports required secrets that did not resolve. The
// error message only carries redacted identifiers so it is safe to log.
type MissingSecretsError struct {
	secrets []missingSecret
}

type missingSecret struct {
	name     string
	redacted string
}

func (e *MissingSecretsError) Error() string {
	names := e.RedactedNames()
	if len(names) == 0 {
		return "missing required secrets"
	}
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(names, ", "))
}

// RedactedNames returns log-safe identifiers for the missing secrets.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil || len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, secret.redacted)
	}
	sort.Strings(out)
	return out
}

// Names returns the raw config field names of the missing secrets.
func (e *MissingSecretsError) Names() []string {
	if e == nil || len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, secret.name)
	}
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile               string
	envMap                map[string]string
	useSystemEnv          bool
	secret                SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

// WithEnvFile points the loader at a .env file; empty disables it.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap injects explicit values that win over the system environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv ignores os.Environ, for hermetic tests.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver sets the resolver for secret:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

// WithRequiredSecrets marks secrets as mandatory by config field name,
// e.g. "Gateway.StripeAPIKey" or "Security.HMAC.Secrets[barion]".
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// WithPanicOnMissingSecrets aborts startup when required secrets are absent.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) { o.panicOnMissingSecrets = true }
}

// env is the merged configuration source. Precedence when reading a key:
// explicit map, then process environment, then .env file.
type env struct {
	explicit map[string]string
	system   bool
	dotenv   map[string]string
}

func newEnv(options loaderOptions) (env, error) {
	dotenv, err := parseDotEnv(options.envFile)
	if err != nil {
		return env{}, err
	}
	return env{explicit: options.envMap, system: options.useSystemEnv, dotenv: dotenv}, nil
}

func (e env) get(key string) (string, bool) {
	if value, ok := e.explicit[key]; ok {
		return value, true
	}
	if e.system {
		if value, ok := os.LookupEnv(key); ok {
			return value, true
		}
	}
	value, ok := e.dotenv[key]
	return value, ok
}

func (e env) str(key, fallback string) string {
	if value, ok := e.get(key); ok && value != "" {
		return value
	}
	return fallback
}

func (e env) dur(key string, fallback time.Duration) time.Duration {
	if value, ok := e.get(key); ok && value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func (e env) num(key string, fallback int) int {
	if value, ok := e.get(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

// csv splits a comma separated value, dropping empty entries.
func (e env) csv(key string) []string {
	raw, _ := e.get(key)
	out := []string{}
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// kv parses "name=value,name=value" pairs; names are lowercased.
func (e env) kv(key string) map[string]string {
	out := make(map[string]string)
	raw, _ := e.get(key)
	for _, entry := range strings.Split(raw, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if name != "" && value != "" {
			out[name] = value
		}
	}
	return out
}

// EnvironmentValues returns the merged key/value environment using Load's
// precedence rules, so callers can bootstrap dependencies (like the secret
// fetcher) from the same inputs.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		opt(&options)
	}

	source, err := newEnv(options)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string)
	for key, value := range source.dotenv {
		values[key] = value
	}
	if source.system {
		for _, entry := range os.Environ() {
			if key, value, ok := strings.Cut(entry, "="); ok && strings.TrimSpace(key) != "" {
				values[strings.TrimSpace(key)] = value
			}
		}
	}
	for key, value := range source.explicit {
		values[key] = value
	}
	return values, nil
}

// Load builds the configuration from defaults, the .env file, environment
// variables, and secret references, then validates it.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
		secret: SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
			return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
		}),
	}
	for _, opt := range opts {
		opt(&options)
	}

	source, err := newEnv(options)
	if err != nil {
		return Config{}, err
	}

	cfg := buildConfig(source)
	applyDerivedDefaults(&cfg)

	resolved, err := resolveConfigSecrets(ctx, &cfg, options.secret)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	if missing := missingRequiredSecrets(options.requiredSecrets, resolved); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}
	return cfg, nil
}

func buildConfig(e env) Config {
	return Config{
		Server: ServerConfig{
			Port:         e.str("API_SERVER_PORT", defaultPort),
			ReadTimeout:  e.dur("API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: e.dur("API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  e.dur("API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       e.str("API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: e.str("API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    e.str("API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: e.str("API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Storage: StorageConfig{
			LabelsBucket: e.str("API_STORAGE_LABELS_BUCKET", ""),
			LabelURLTTL:  e.dur("API_STORAGE_LABEL_URL_TTL", defaultLabelURLTTL),
			SignerKey:    e.str("API_STORAGE_SIGNER_KEY", ""),
		},
		Gateway: GatewayConfig{
			BarionBaseURL:       e.str("API_GATEWAY_BARION_BASE_URL", defaultBarionBaseURL),
			BarionPOSKey:        e.str("API_GATEWAY_BARION_POS_KEY", ""),
			StripeAPIKey:        e.str("API_GATEWAY_STRIPE_API_KEY", ""),
			StripeWebhookSecret: e.str("API_GATEWAY_STRIPE_WEBHOOK_SECRET", ""),
			CallbackURL:         e.str("API_GATEWAY_CALLBACK_URL", ""),
		},
		Invoicing: InvoicingConfig{
			BaseURL: e.str("API_INVOICING_BASE_URL", defaultBillingoBaseURL),
			APIKey:  e.str("API_INVOICING_API_KEY", ""),
			BlockID: e.num("API_INVOICING_BLOCK_ID", 0),
		},
		Carrier: CarrierConfig{
			Name:            e.str("API_CARRIER_NAME", defaultCarrierName),
			BaseURL:         e.str("API_CARRIER_BASE_URL", defaultGLSBaseURL),
			TrackingBaseURL: e.str("API_CARRIER_TRACKING_BASE_URL", defaultGLSTrackingBaseURL),
			ClientNumber:    e.str("API_CARRIER_CLIENT_NUMBER", ""),
			Username:        e.str("API_CARRIER_USERNAME", ""),
			Password:        e.str("API_CARRIER_PASSWORD", ""),
		},
		Events: EventsConfig{
			ProjectID: e.str("API_EVENTS_PROJECT_ID", ""),
			Topic:     e.str("API_EVENTS_TOPIC", defaultOrderEventsTopic),
		},
		Webhooks: WebhookConfig{
			SigningSecret: e.str("API_WEBHOOK_SIGNING_SECRET", ""),
			AllowedHosts:  e.csv("API_WEBHOOK_ALLOWED_HOSTS"),
		},
		RateLimits: RateLimitConfig{
			PaymentPerWindow:  e.num("API_RATELIMIT_PAYMENT_PER_WINDOW", defaultRateLimitPayment),
			InvoicePerWindow:  e.num("API_RATELIMIT_INVOICE_PER_WINDOW", defaultRateLimitInvoice),
			ShipmentPerWindow: e.num("API_RATELIMIT_SHIPMENT_PER_WINDOW", defaultRateLimitShipment),
			Window:            e.dur("API_RATELIMIT_WINDOW", defaultRateLimitWindow),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(e.str("API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			OIDC: OIDCConfig{
				JWKSURL:   e.str("API_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience:  e.str("API_SECURITY_OIDC_AUDIENCE", ""),
				Audiences: e.kv("API_SECURITY_OIDC_AUDIENCES"),
				Issuers:   e.csv("API_SECURITY_OIDC_ISSUERS"),
			},
			HMAC: HMACConfig{
				Secrets:         e.kv("API_SECURITY_HMAC_SECRETS"),
				SignatureHeader: e.str("API_SECURITY_HMAC_HEADER_SIGNATURE", defaultHMACSignatureHeader),
				TimestampHeader: e.str("API_SECURITY_HMAC_HEADER_TIMESTAMP", defaultHMACTimestampHeader),
				NonceHeader:     e.str("API_SECURITY_HMAC_HEADER_NONCE", defaultHMACNonceHeader),
				ClockSkew:       e.dur("API_SECURITY_HMAC_CLOCK_SKEW", defaultHMACClockSkew),
				NonceTTL:        e.dur("API_SECURITY_HMAC_NONCE_TTL", defaultHMACNonceTTL),
			},
		},
		Idempotency: IdempotencyConfig{
			Header:           e.str("API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              e.dur("API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  e.dur("API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: e.num("API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
	}
}

func applyDerivedDefaults(cfg *Config) {
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultSecurityIssuer, defaultSecurityIAPIssuer}
	}
	if cfg.Security.OIDC.Audience == "" {
		if audience, ok := cfg.Security.OIDC.Audiences[cfg.Security.Environment]; ok {
			cfg.Security.OIDC.Audience = audience
		}
	}
}

// resolveConfigSecrets replaces secret references in place and returns the
// resolved values keyed by config field name, for required-secret checks.
func resolveConfigSecrets(ctx context.Context, cfg *Config, resolver SecretResolver) (map[string]string, error) {
	resolved := make(map[string]string)

	resolve := func(name string, field *string) error {
		value, err := resolveSecret(ctx, *field, resolver)
		if err != nil {
			return err
		}
		*field = value
		resolved[name] = strings.TrimSpace(value)
		return nil
	}

	for key := range cfg.Security.HMAC.Secrets {
		value := cfg.Security.HMAC.Secrets[key]
		if err := resolve("Security.HMAC.Secrets["+key+"]", &value); err != nil {
			return nil, err
		}
		cfg.Security.HMAC.Secrets[key] = value
	}

	for _, target := range []struct {
		name  string
		field *string
	}{
		{"Storage.SignerKey", &cfg.Storage.SignerKey},
		{"Gateway.BarionPOSKey", &cfg.Gateway.BarionPOSKey},
		{"Gateway.StripeAPIKey", &cfg.Gateway.StripeAPIKey},
		{"Gateway.StripeWebhookSecret", &cfg.Gateway.StripeWebhookSecret},
		{"Invoicing.APIKey", &cfg.Invoicing.APIKey},
		{"Carrier.Password", &cfg.Carrier.Password},
		{"Webhooks.SigningSecret", &cfg.Webhooks.SigningSecret},
	} {
		if err := resolve(target.name, target.field); err != nil {
			return nil, err
		}
	}
	return resolved, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if !isSecretReference(value) {
		return value, nil
	}
	ref := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func (cfg Config) validate() error {
	var missing []string
	require := func(name string, ok bool) {
		if !ok {
			missing = append(missing, name)
		}
	}

	require("Server.Port", cfg.Server.Port != "")
	require("Firebase.ProjectID", cfg.Firebase.ProjectID != "")
	require("Firestore.ProjectID", cfg.Firestore.ProjectID != "")
	require("Storage.LabelsBucket", cfg.Storage.LabelsBucket != "")
	require("RateLimits.Window", cfg.RateLimits.Window > 0)
	require("Idempotency.Header", strings.TrimSpace(cfg.Idempotency.Header) != "")
	require("Idempotency.TTL", cfg.Idempotency.TTL > 0)
	require("Idempotency.CleanupInterval", cfg.Idempotency.CleanupInterval > 0)
	require("Idempotency.CleanupBatchSize", cfg.Idempotency.CleanupBatchSize > 0)

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func missingRequiredSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	var missing []missingSecret
	seen := make(map[string]struct{})
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		if resolved[name] != "" {
			continue
		}
		missing = append(missing, missingSecret{name: name, redacted: redactSecretName(name)})
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{secrets: missing}
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

// normalizeSecretReference maps the legacy sm:// scheme onto secret://.
func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(trimmed, "sm://"); ok {
		return "secret://" + rest
	}
	return trimmed
}

// redactSecretName hashes the field name so missing-secret errors never
// leak which integration is unconfigured.
func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

func parseDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", path, err)
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", path, err)
	}
	return values, nil
}
