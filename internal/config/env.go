package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// All env vars use PAYGATE_ prefix for namespace isolation.
func (c *Config) applyEnvOverrides() {
	// Server config
	setIfEnv(&c.Server.Address, "PAYGATE_SERVER_ADDRESS")
	setIfEnv(&c.Server.RoutePrefix, "PAYGATE_ROUTE_PREFIX")
	setIfEnv(&c.Server.AdminKey, "PAYGATE_ADMIN_KEY")
	setDurationIfEnv(&c.Server.PublicRateWindow, "PAYGATE_PUBLIC_RATE_WINDOW")

	// Normalize route prefix: ensure it starts with / and doesn't end with /
	if c.Server.RoutePrefix != "" {
		c.Server.RoutePrefix = normalizeRoutePrefix(c.Server.RoutePrefix)
	}

	// Logging config
	setIfEnv(&c.Logging.Level, "PAYGATE_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "PAYGATE_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "PAYGATE_ENVIRONMENT")

	// KeyStore config
	setIfEnv(&c.KeyStore.FilePath, "PAYGATE_KEYSTORE_FILE")
	setDurationIfEnv(&c.KeyStore.SaveDebounce, "PAYGATE_KEYSTORE_SAVE_DEBOUNCE")
	setIntIfEnv(&c.KeyStore.MaxKeys, "PAYGATE_KEYSTORE_MAX_KEYS")

	// Rate limit config
	setDurationIfEnv(&c.RateLimit.DefaultWindow, "PAYGATE_RATE_LIMIT_WINDOW")
	setIfEnv(&c.RateLimit.RedisAddr, "PAYGATE_RATE_LIMIT_REDIS_ADDR")

	// Webhook config
	setDurationIfEnv(&c.Webhook.Timeout, "PAYGATE_WEBHOOK_TIMEOUT")
	setIfEnv(&c.Webhook.SigningSecret, "PAYGATE_WEBHOOK_SIGNING_SECRET")
	setIfEnv(&c.Webhook.DeadLetterPath, "PAYGATE_WEBHOOK_DEAD_LETTER_PATH")

	// OAuth config
	setIfEnv(&c.OAuth.Issuer, "PAYGATE_OAUTH_ISSUER")
	setDurationIfEnv(&c.OAuth.AccessTokenTTL, "PAYGATE_OAUTH_ACCESS_TOKEN_TTL")
	setDurationIfEnv(&c.OAuth.RefreshTokenTTL, "PAYGATE_OAUTH_REFRESH_TOKEN_TTL")

	// Proxy config
	setIfEnv(&c.Proxy.UpstreamURL, "PAYGATE_UPSTREAM_URL")
	setDurationIfEnv(&c.Proxy.UpstreamTimeout, "PAYGATE_UPSTREAM_TIMEOUT")
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setIntIfEnv sets an int pointer from an environment variable.
func setIntIfEnv(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1", "true", "TRUE", "True" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
// Uses time.ParseDuration to parse values like "5m", "120s", "1h30m".
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

// normalizeRoutePrefix ensures the prefix starts with / and doesn't end with /.
// Examples: "api" -> "/api", "/api/" -> "/api", "paygate" -> "/paygate"
func normalizeRoutePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	prefix = strings.TrimSuffix(prefix, "/")
	return prefix
}
