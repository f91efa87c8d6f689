package config

import (
	"errors"
	"strings"
	"time"
)

// finalize applies defaults and validates the configuration.
func (c *Config) finalize() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.KeyStore.FilePath == "" {
		c.KeyStore.FilePath = "./data/paygate-state.json"
	}
	if c.RateLimit.DefaultWindow.Duration <= 0 {
		c.RateLimit.DefaultWindow = Duration{Duration: time.Minute}
	}
	if c.Webhook.Timeout.Duration <= 0 {
		c.Webhook.Timeout = Duration{Duration: 5 * time.Second}
	}
	if c.Webhook.Retry.JitterFraction < 0 || c.Webhook.Retry.JitterFraction > 1 {
		c.Webhook.Retry.JitterFraction = 0.2
	}
	if c.OAuth.AccessTokenTTL.Duration <= 0 {
		c.OAuth.AccessTokenTTL = Duration{Duration: time.Hour}
	}
	if c.OAuth.AuthorizationCodeTTL.Duration <= 0 {
		c.OAuth.AuthorizationCodeTTL = Duration{Duration: 60 * time.Second}
	}
	if c.Proxy.UpstreamTimeout.Duration <= 0 {
		c.Proxy.UpstreamTimeout = Duration{Duration: 30 * time.Second}
	}
	if c.Proxy.MaxSessions <= 0 {
		c.Proxy.MaxSessions = 10000
	}
	if c.Proxy.NotificationBuffer <= 0 {
		c.Proxy.NotificationBuffer = 64
	}

	return c.validate()
}

// validate checks that required configuration fields are set correctly.
func (c *Config) validate() error {
	var errs []string

	if c.Proxy.UpstreamURL == "" {
		errs = append(errs, "proxy.upstream_url is required")
	}
	if c.OAuth.Issuer == "" {
		errs = append(errs, "oauth.issuer is required")
	}
	if c.Webhook.SigningSecret == "" {
		errs = append(errs, "webhook.signing_secret is required")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}
