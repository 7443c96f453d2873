// Package secrets resolves secret:// references against Google Secret Manager.
// Resolved values are cached per (reference, version) and a local dotenv-style
// file can stand in for the manager during local development or outages.
package secrets

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	fallbackFileDefault = ".secrets.local"
	envDefault          = "local"
	latestVersion       = "latest"
	meterName           = "github.com/duna-commerce/api/internal/platform/secrets"
)

// accessClient is the slice of the Secret Manager client the fetcher needs.
type accessClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

var newManagerClient = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

// Fetcher resolves secret:// references. It is safe for concurrent use.
type Fetcher struct {
	client     accessClient
	ownsClient bool
	log        *zap.Logger

	env          string
	projectByEnv map[string]string
	project      string
	pins         map[string]string

	fallbackFile string
	fallbackOnce sync.Once
	fallback     map[string]string
	fallbackErr  error

	mu    sync.RWMutex
	cache map[string]cached

	fetchLatency metric.Float64Histogram
	hasLatency   bool
	cacheHits    metric.Int64Counter
	hasHits      bool
}

type cached struct {
	value   string
	ref     string
	version string
	at      time.Time
	source  string
}

type settings struct {
	log          *zap.Logger
	env          string
	project      string
	projectByEnv map[string]string
	fallbackFile string
	meter        metric.Meter
	client       accessClient
	clientOpts   []option.ClientOption
	pins         map[string]string
}

// Option customises Fetcher construction.
type Option func(*settings)

// WithLogger sets the diagnostic logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *settings) { s.log = log }
}

// WithEnvironment selects which entry of the project map applies.
func WithEnvironment(env string) Option {
	return func(s *settings) { s.env = strings.ToLower(strings.TrimSpace(env)) }
}

// WithDefaultProject sets the project used when the environment has no mapping.
func WithDefaultProject(projectID string) Option {
	return func(s *settings) { s.project = strings.TrimSpace(projectID) }
}

// WithProjectMap supplies per-environment Secret Manager project IDs.
func WithProjectMap(m map[string]string) Option {
	return func(s *settings) { s.projectByEnv = cloneMap(m) }
}

// WithFallbackFile points at the local fallback secrets file.
func WithFallbackFile(path string) Option {
	return func(s *settings) { s.fallbackFile = strings.TrimSpace(path) }
}

// WithMeter injects a custom OpenTelemetry meter.
func WithMeter(m metric.Meter) Option {
	return func(s *settings) { s.meter = m }
}

// WithSecretManagerClient injects a preconfigured client, primarily for tests.
func WithSecretManagerClient(client accessClient) Option {
	return func(s *settings) { s.client = client }
}

// WithClientOptions forwards Cloud client options to the managed client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(s *settings) { s.clientOpts = append(s.clientOpts, opts...) }
}

// WithVersionPins fixes secret versions keyed by canonical reference, optionally
// prefixed "env:" for per-environment pins.
func WithVersionPins(pins map[string]string) Option {
	return func(s *settings) { s.pins = cloneMap(pins) }
}

// NewFetcher builds a Fetcher. A missing Secret Manager client is tolerated;
// the fetcher then serves only fallback-file values.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	s := settings{
		log:          zap.NewNop(),
		env:          strings.ToLower(strings.TrimSpace(os.Getenv("API_SECURITY_ENVIRONMENT"))),
		fallbackFile: fallbackFileDefault,
		projectByEnv: map[string]string{},
		pins:         map[string]string{},
	}
	if s.env == "" {
		s.env = envDefault
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}

	meter := s.meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(meterName)
	}
	latency, latErr := meter.Float64Histogram(
		"secrets.fetch.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency in milliseconds for secret fetch attempts"),
	)
	if latErr != nil {
		s.log.Warn("secrets: latency metric unavailable", zap.Error(latErr))
	}
	hits, hitErr := meter.Int64Counter(
		"secrets.fetch.cache_hits",
		metric.WithDescription("Count of cache hits when resolving secrets"),
	)
	if hitErr != nil {
		s.log.Warn("secrets: cache hit metric unavailable", zap.Error(hitErr))
	}

	f := &Fetcher{
		log:          s.log,
		env:          s.env,
		project:      s.project,
		projectByEnv: cloneMap(s.projectByEnv),
		pins:         cloneMap(s.pins),
		fallbackFile: s.fallbackFile,
		cache:        make(map[string]cached),
		fetchLatency: latency,
		hasLatency:   latErr == nil,
		cacheHits:    hits,
		hasHits:      hitErr == nil,
	}

	if s.client != nil {
		f.client = s.client
		return f, nil
	}
	client, err := newManagerClient(ctx, s.clientOpts...)
	if err != nil {
		s.log.Warn("secrets: secret manager unavailable, fallback mode only", zap.Error(err))
		return f, nil
	}
	f.client = client
	f.ownsClient = true
	return f, nil
}

// Close releases the managed client, if the fetcher owns one.
func (f *Fetcher) Close() error {
	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// Resolve returns the secret value for ref, consulting the cache, then Secret
// Manager, then the fallback file for retriable manager failures.
func (f *Fetcher) Resolve(ctx context.Context, ref string) (string, error) {
	start := time.Now()
	parts, err := parseRef(ref)
	if err != nil {
		return "", err
	}

	version := f.pinnedVersion(parts)
	key := parts.canonical + "#" + version

	f.mu.RLock()
	entry, hit := f.cache[key]
	f.mu.RUnlock()
	if hit {
		if f.hasHits {
			f.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("secret", maskRef(parts.canonical))))
		}
		f.observe(ctx, time.Since(start), "cache", nil)
		return entry.value, nil
	}

	project := f.projectFor(parts)
	remoteEligible := project != "" && f.client != nil

	if remoteEligible {
		value, err := f.access(ctx, project, parts.secret, version)
		if err == nil {
			f.remember(key, value, parts.canonical, version, "remote")
			f.observe(ctx, time.Since(start), "remote", nil)
			return value, nil
		}
		if !retriableAsFallback(err) {
			f.observe(ctx, time.Since(start), "error", err)
			return "", fmt.Errorf("secrets: fetch failed for %s: %w", parts.canonical, err)
		}
		f.log.Debug("secrets: using local fallback", zap.String("ref", parts.canonical), zap.Error(err))
	}

	value, ok := f.fromFallback(parts, version)
	if !ok {
		err := fmt.Errorf("secrets: fallback value not found for %s", parts.canonical)
		f.observe(ctx, time.Since(start), "error", err)
		return "", err
	}
	f.remember(key, value, parts.canonical, version, "fallback")
	f.observe(ctx, time.Since(start), "fallback", nil)
	return value, nil
}

// Invalidate drops every cached version of ref, forcing a re-fetch. Used when
// a rotation notification arrives.
func (f *Fetcher) Invalidate(ref string) {
	parts, err := parseRef(ref)
	if err != nil {
		return
	}
	f.mu.Lock()
	for key, entry := range f.cache {
		if entry.ref == parts.canonical {
			delete(f.cache, key)
		}
	}
	f.mu.Unlock()
}

func (f *Fetcher) remember(key, value, canonical, version, source string) {
	f.mu.Lock()
	f.cache[key] = cached{value: value, ref: canonical, version: version, at: time.Now(), source: source}
	f.mu.Unlock()
}

func (f *Fetcher) access(ctx context.Context, project, secret, version string) (string, error) {
	name := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, secret, version)
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return "", err
	}
	if resp == nil || resp.Payload == nil {
		return "", fmt.Errorf("secret manager returned empty payload for %s", name)
	}
	return string(resp.Payload.GetData()), nil
}

func (f *Fetcher) projectFor(parts refParts) string {
	if parts.project != "" {
		return parts.project
	}
	if id := strings.TrimSpace(f.projectByEnv[f.env]); id != "" {
		return id
	}
	return strings.TrimSpace(f.project)
}

func (f *Fetcher) pinnedVersion(parts refParts) string {
	if parts.version != "" {
		return parts.version
	}
	if f.env != "" {
		if pin := strings.TrimSpace(f.pins[f.env+":"+parts.canonical]); pin != "" {
			return pin
		}
	}
	if pin := strings.TrimSpace(f.pins[parts.canonical]); pin != "" {
		return pin
	}
	return latestVersion
}

func (f *Fetcher) fromFallback(parts refParts, version string) (string, bool) {
	f.fallbackOnce.Do(f.loadFallbackFile)
	if f.fallbackErr != nil {
		f.log.Debug("secrets: fallback file unusable", zap.Error(f.fallbackErr))
		return "", false
	}
	if v, ok := f.fallback[parts.canonical+"#"+version]; ok {
		return v, true
	}
	v, ok := f.fallback[parts.canonical]
	return v, ok
}

// loadFallbackFile parses KEY=VALUE lines; keys may be secret:// references
// (sm:// is honoured for backwards compatibility) or bare names.
func (f *Fetcher) loadFallbackFile() {
	f.fallback = map[string]string{}
	path := strings.TrimSpace(f.fallbackFile)
	if path == "" {
		return
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	file, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			f.fallbackErr = fmt.Errorf("secrets: unable to open fallback file %s: %w", path, err)
		}
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if name == "" {
			continue
		}
		if strings.HasPrefix(name, "sm://") {
			name = "secret://" + strings.TrimPrefix(name, "sm://")
		}
		parts, err := parseRef(name)
		if err != nil {
			f.fallback[name] = value
			continue
		}
		version := parts.version
		if version == "" {
			version = latestVersion
		}
		f.fallback[parts.canonical] = value
		f.fallback[parts.canonical+"#"+version] = value
	}
	if err := scanner.Err(); err != nil {
		f.fallbackErr = fmt.Errorf("secrets: failed reading %s: %w", path, err)
	}
}

func (f *Fetcher) observe(ctx context.Context, d time.Duration, source string, err error) {
	if !f.hasLatency {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("source", source)}
	if err != nil {
		attrs = append(attrs, attribute.String("error", err.Error()))
	}
	f.fetchLatency.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributes(attrs...))
}

type refParts struct {
	canonical string
	secret    string
	version   string
	project   string
}

// parseRef accepts secret://name[?version=v&project=p]; the canonical form
// strips query and fragment so cache keys and pins agree on one spelling.
func parseRef(ref string) (refParts, error) {
	if strings.TrimSpace(ref) == "" {
		return refParts{}, errors.New("secrets: empty reference")
	}
	u, err := url.Parse(ref)
	if err != nil {
		return refParts{}, fmt.Errorf("secrets: invalid reference %q: %w", ref, err)
	}
	if u.Scheme != "secret" {
		return refParts{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	secret := strings.Trim(strings.TrimPrefix(u.Host+u.Path, "/"), "/")
	if secret == "" {
		return refParts{}, fmt.Errorf("secrets: missing secret name in %q", ref)
	}

	canonical := *u
	canonical.RawQuery = ""
	canonical.Fragment = ""
	q := u.Query()

	return refParts{
		canonical: canonical.String(),
		secret:    secret,
		version:   strings.TrimSpace(q.Get("version")),
		project:   strings.TrimSpace(q.Get("project")),
	}, nil
}

func maskRef(ref string) string {
	sum := sha256.Sum256([]byte(ref))
	return hex.EncodeToString(sum[:8])
}

func retriableAsFallback(err error) bool {
	if err == nil {
		return false
	}
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return false
}

func cloneMap(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
