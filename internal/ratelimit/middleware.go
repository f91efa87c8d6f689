// Package ratelimit provides the outer, per-client-IP HTTP throttle that
// protects the admin surface and session-creation path from abuse. This is
// distinct from the inner, subject-keyed sliding-window limiter in
// internal/ratelimiter that the Gate consults on every tool call.
package ratelimit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/paygate/server/internal/metrics"
	"github.com/go-chi/httprate"
)

// Config holds the outer per-IP rate limiting configuration.
type Config struct {
	// AdminEnabled guards /keys, /groups, /webhooks/*, /audit* etc.
	AdminEnabled bool
	AdminLimit   int
	AdminWindow  time.Duration

	// SessionCreationEnabled guards /mcp requests that create a new
	// session (no Mcp-Session-Id header present).
	SessionCreationEnabled bool
	SessionCreationLimit   int
	SessionCreationWindow  time.Duration

	// Metrics collector (optional)
	Metrics *metrics.Metrics
}

// DefaultConfig returns generous limits meant to stop obvious abuse without
// restricting legitimate admin tooling or client traffic.
func DefaultConfig() Config {
	return Config{
		AdminEnabled: true,
		AdminLimit:   300,
		AdminWindow:  time.Minute,

		SessionCreationEnabled: true,
		SessionCreationLimit:   120,
		SessionCreationWindow:  time.Minute,
	}
}

type rateLimitResponse struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
}

func limitHandler(scope string, windowSeconds int, metricsCollector *metrics.Metrics) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if metricsCollector != nil {
			metricsCollector.ObserveRateLimitCheck(scope, false)
		}

		response := rateLimitResponse{
			Error:             "public_rate_limited",
			Message:           fmt.Sprintf("%s rate limit exceeded. Please try again later.", scope),
			RetryAfterSeconds: windowSeconds,
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", fmt.Sprintf("%d", windowSeconds))
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(response)
	}
}

// AdminLimiter throttles the admin HTTP surface per client IP.
func AdminLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.AdminEnabled {
		return func(next http.Handler) http.Handler { return next }
	}

	limiter := httprate.Limit(
		cfg.AdminLimit,
		cfg.AdminWindow,
		httprate.WithKeyByIP(),
		httprate.WithLimitHandler(limitHandler("admin", int(cfg.AdminWindow.Seconds()), cfg.Metrics)),
	)
	return limiter
}

// SessionCreationLimiter throttles new-session creation per client IP. It
// wraps the /mcp routes and only takes effect on requests that carry no
// Mcp-Session-Id header.
func SessionCreationLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.SessionCreationEnabled {
		return func(next http.Handler) http.Handler { return next }
	}

	limiter := httprate.Limit(
		cfg.SessionCreationLimit,
		cfg.SessionCreationWindow,
		httprate.WithKeyByIP(),
		httprate.WithLimitHandler(limitHandler("session_creation", int(cfg.SessionCreationWindow.Seconds()), cfg.Metrics)),
	)
	return func(next http.Handler) http.Handler {
		limited := limiter(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Mcp-Session-Id") != "" {
				next.ServeHTTP(w, r)
				return
			}
			limited.ServeHTTP(w, r)
		})
	}
}
