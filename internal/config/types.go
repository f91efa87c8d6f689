package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	KeyStore       KeyStoreConfig       `yaml:"keystore"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Quota          QuotaConfig          `yaml:"quota"`
	Webhook        WebhookConfig        `yaml:"webhook"`
	OAuth          OAuthConfig          `yaml:"oauth"`
	Proxy          ProxyConfig          `yaml:"proxy"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout         Duration `yaml:"read_timeout"`
	WriteTimeout        Duration `yaml:"write_timeout"`
	IdleTimeout         Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins  []string `yaml:"cors_allowed_origins"`
	RoutePrefix         string   `yaml:"route_prefix"`        // Optional prefix for all routes (e.g., "/api")
	AdminKey            string   `yaml:"admin_key"`           // Shared secret protecting /keys, /groups, /audit, /metrics
	PublicRateLimit     int      `yaml:"public_rate_limit"`   // Requests allowed per IP per PublicRateWindow on admin routes and on session creation
	PublicRateWindow    Duration `yaml:"public_rate_window"`  // Window for public per-IP throttling (go-chi/httprate)
}

// KeyStoreConfig controls persistence of API keys and groups.
type KeyStoreConfig struct {
	FilePath        string   `yaml:"file_path"`        // Path to the atomic-rename JSON state file
	SaveDebounce    Duration `yaml:"save_debounce"`    // Not read by the key store; coalesced saves run with no minimum interval
	MaxKeys         int      `yaml:"max_keys"`         // Maximum key records accepted; 0 means unbounded
}

// RateLimitConfig controls the inner, sliding-window, subject-keyed limiter
// that gates every tool call, and the outer per-IP throttle on admin/session
// creation endpoints.
type RateLimitConfig struct {
	DefaultLimit  int      `yaml:"default_limit"`  // Calls allowed per window when a key has no explicit override
	DefaultWindow Duration `yaml:"default_window"` // Sliding window duration
	RedisAddr     string   `yaml:"redis_addr"`     // Optional external counter backend; empty = in-memory
}

// QuotaConfig controls the calendar-window (UTC) quota counters.
type QuotaConfig struct {
	DefaultDailyCalls     int64 `yaml:"default_daily_calls"`
	DefaultMonthlyCalls   int64 `yaml:"default_monthly_calls"`
	DefaultDailyCredits   int64 `yaml:"default_daily_credits"`
	DefaultMonthlyCredits int64 `yaml:"default_monthly_credits"`
}

// WebhookConfig controls outbound event delivery.
type WebhookConfig struct {
	Timeout           Duration    `yaml:"timeout"`
	Retry             RetryConfig `yaml:"retry"`
	DeadLetterPath    string      `yaml:"dead_letter_path"`     // File path for the dead-letter buffer
	DeadLetterMaxSize int         `yaml:"dead_letter_max_size"` // Ring buffer capacity
	SigningSecret     string      `yaml:"signing_secret"`       // HMAC-SHA-256 key for X-Signature header
	PerURLRPS         float64     `yaml:"per_url_rps"`          // Per-destination outbound rate (golang.org/x/time/rate)
	GlobalRPS         int         `yaml:"global_rps"`           // Global worker-pool pacing (go.uber.org/ratelimit)
	DefaultURL        string      `yaml:"default_url"`          // Always-delivered destination regardless of filter rules
	Workers           int         `yaml:"workers"`              // Delivery worker-pool size (default: 4)
	QueueSize         int         `yaml:"queue_size"`           // Buffered delivery channel capacity (default: 1000)
	SSRFCheckEnabled  bool        `yaml:"ssrf_check_enabled"`   // Re-resolve and reject private/loopback/link-local destinations (default: true)
}

// RetryConfig holds webhook retry configuration.
type RetryConfig struct {
	Enabled         bool     `yaml:"enabled"`          // Enable retry with exponential backoff (default: true)
	MaxAttempts     int      `yaml:"max_attempts"`     // Maximum retry attempts (default: 5)
	InitialInterval Duration `yaml:"initial_interval"` // Initial backoff interval (default: 1s)
	MaxInterval     Duration `yaml:"max_interval"`     // Maximum backoff interval (default: 5m)
	Multiplier      float64  `yaml:"multiplier"`       // Backoff multiplier (default: 2.0)
	JitterFraction  float64  `yaml:"jitter_fraction"`  // Fraction of the computed delay randomized, 0.0-1.0 (default: 0.2)
}

// OAuthConfig controls the dynamic-client-registration authorization server.
type OAuthConfig struct {
	Issuer               string   `yaml:"issuer"`                 // Base URL advertised in .well-known metadata
	AccessTokenTTL        Duration `yaml:"access_token_ttl"`        // Default: 1h
	RefreshTokenTTL       Duration `yaml:"refresh_token_ttl"`       // Default: 30 days
	AuthorizationCodeTTL  Duration `yaml:"authorization_code_ttl"`  // Default: 60s
	CleanupInterval       Duration `yaml:"cleanup_interval"`       // robfig/cron/v3 sweep cadence for expired grants/tokens
}

// ProxyConfig controls upstream JSON-RPC forwarding and session lifecycle.
type ProxyConfig struct {
	UpstreamURL      string   `yaml:"upstream_url"`      // Base URL of the protected tool server
	UpstreamTimeout  Duration `yaml:"upstream_timeout"`  // Per-call forwarding timeout
	MaxSessions      int      `yaml:"max_sessions"`      // Capacity of the session manager (LRU eviction beyond this)
	SessionIdleTTL   Duration `yaml:"session_idle_ttl"`  // Idle period before a session is evicted
	NotificationBuffer int    `yaml:"notification_buffer"` // Per-session bounded SSE notification channel size
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error (default: info)
	Format      string `yaml:"format"`      // json, console (default: json)
	Environment string `yaml:"environment"` // production, staging, development
}

// CircuitBreakerConfig holds circuit breaker configuration for external services.
// Prevents cascading failures by failing fast when external services are degraded.
type CircuitBreakerConfig struct {
	Enabled  bool                 `yaml:"enabled"`  // Enable circuit breakers (default: true)
	Upstream BreakerServiceConfig `yaml:"upstream"` // Upstream tool-server circuit breaker
	Webhook  BreakerServiceConfig `yaml:"webhook"`   // Per-destination webhook delivery circuit breaker
}

// BreakerServiceConfig configures a circuit breaker for a specific external service.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`         // Max requests in half-open state (default: 3)
	Interval            Duration `yaml:"interval"`             // Stats reset interval in closed state (default: 60s)
	Timeout             Duration `yaml:"timeout"`              // Open state timeout before half-open (default: 30s)
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"` // Consecutive failures to trip (default: 5)
	FailureRatio        float64  `yaml:"failure_ratio"`        // Failure ratio to trip 0.0-1.0 (default: 0.5)
	MinRequests         uint32   `yaml:"min_requests"`         // Minimum requests before checking ratio (default: 10)
}
