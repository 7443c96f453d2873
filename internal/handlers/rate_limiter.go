package handlers

import (
	"net/http"
	"strings"

	"github.com/duna-commerce/api/internal/platform/auth"
	"github.com/duna-commerce/api/internal/platform/httpx"
	"github.com/duna-commerce/api/internal/services"
)

// clientKey identifies the caller for rate limiting: the authenticated user
// when present, the remote address otherwise.
func clientKey(r *http.Request) string {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && identity != nil {
		if uid := strings.TrimSpace(identity.UID); uid != "" {
			return uid
		}
	}
	if ip := strings.TrimSpace(r.RemoteAddr); ip != "" {
		if host, _, found := strings.Cut(ip, ":"); found && host != "" {
			return host
		}
		return ip
	}
	return "anonymous"
}

// RateLimit guards an operation with the shared limiter. Requests over the
// window budget receive 429; an unreachable counter store denies the request
// rather than letting it through unmetered.
func RateLimit(limiter services.RateLimiter, operation string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			allowed, err := limiter.Allow(ctx, clientKey(r), operation)
			if err != nil {
				httpx.WriteError(ctx, w, httpx.NewError("rate_limit_unavailable", "rate limiter unavailable; request denied", http.StatusServiceUnavailable))
				return
			}
			if !allowed {
				httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many requests for this operation", http.StatusTooManyRequests))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
