package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/duna-commerce/api/internal/repositories"
)

// ErrRateLimitInvalidInput signals a malformed rate limit check.
var ErrRateLimitInvalidInput = errors.New("rate limit: invalid input")

// RateLimitRule defines the budget for one operation.
type RateLimitRule struct {
	Limit  int
	Window time.Duration
}

// RateLimiterDeps bundles collaborators for the store-backed rate limiter.
type RateLimiterDeps struct {
	Store  repositories.RateLimitRepository
	Rules  map[string]RateLimitRule
	Clock  func() time.Time
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type storeRateLimiter struct {
	store  repositories.RateLimitRepository
	rules  map[string]RateLimitRule
	clock  func() time.Time
	logger func(context.Context, string, map[string]any)
}

// NewRateLimiter builds a limiter that shares fixed-window counters through
// the rate limit store. A counter that cannot be read or advanced denies the
// attempt rather than letting traffic through unmetered.
func NewRateLimiter(deps RateLimiterDeps) (RateLimiter, error) {
	if deps.Store == nil {
		return nil, errors.New("rate limiter: store is required")
	}
	if len(deps.Rules) == 0 {
		return nil, errors.New("rate limiter: at least one rule is required")
	}
	for op, rule := range deps.Rules {
		if rule.Limit <= 0 || rule.Window <= 0 {
			return nil, fmt.Errorf("rate limiter: rule %q must have positive limit and window", op)
		}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &storeRateLimiter{
		store: deps.Store,
		rules: deps.Rules,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (l *storeRateLimiter) Allow(ctx context.Context, clientID, operation string) (bool, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		clientID = "anonymous"
	}
	operation = strings.TrimSpace(operation)
	if operation == "" {
		return false, fmt.Errorf("%w: operation is required", ErrRateLimitInvalidInput)
	}

	rule, ok := l.rules[operation]
	if !ok {
		return true, nil
	}

	allowed, err := l.store.Increment(ctx, clientID+":"+operation, rule.Limit, rule.Window, l.clock())
	if err != nil {
		l.logger(ctx, "ratelimit.store.unavailable", map[string]any{
			"client":    clientID,
			"operation": operation,
			"error":     err.Error(),
		})
		return false, err
	}
	return allowed, nil
}

// memoryRateLimiter keeps counters in process memory. It backs single-node
// deployments and tests; multi-node deployments use the store-backed limiter.
type memoryRateLimiter struct {
	rules map[string]RateLimitRule
	clock func() time.Time
	mu    sync.Mutex
	store map[string]memoryRateEntry
}

type memoryRateEntry struct {
	count int
	reset time.Time
}

// NewMemoryRateLimiter builds an in-process limiter with the same semantics
// as the store-backed one.
func NewMemoryRateLimiter(rules map[string]RateLimitRule, clock func() time.Time) (RateLimiter, error) {
	if len(rules) == 0 {
		return nil, errors.New("rate limiter: at least one rule is required")
	}
	for op, rule := range rules {
		if rule.Limit <= 0 || rule.Window <= 0 {
			return nil, fmt.Errorf("rate limiter: rule %q must have positive limit and window", op)
		}
	}
	if clock == nil {
		clock = time.Now
	}
	return &memoryRateLimiter{
		rules: rules,
		clock: clock,
		store: make(map[string]memoryRateEntry),
	}, nil
}

func (l *memoryRateLimiter) Allow(_ context.Context, clientID, operation string) (bool, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		clientID = "anonymous"
	}
	operation = strings.TrimSpace(operation)
	if operation == "" {
		return false, fmt.Errorf("%w: operation is required", ErrRateLimitInvalidInput)
	}

	rule, ok := l.rules[operation]
	if !ok {
		return true, nil
	}

	key := clientID + ":" + operation
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.store[key]
	if !ok || !now.Before(entry.reset) {
		l.store[key] = memoryRateEntry{count: 1, reset: now.Add(rule.Window)}
		l.pruneExpiredLocked(now)
		return true, nil
	}
	if entry.count >= rule.Limit {
		return false, nil
	}
	entry.count++
	l.store[key] = entry
	return true, nil
}

func (l *memoryRateLimiter) pruneExpiredLocked(now time.Time) {
	for key, entry := range l.store {
		if !now.Before(entry.reset) {
			delete(l.store, key)
		}
	}
}

var (
	_ RateLimiter = (*storeRateLimiter)(nil)
	_ RateLimiter = (*memoryRateLimiter)(nil)
)
