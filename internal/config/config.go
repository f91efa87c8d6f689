package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:          ":8080",
			ReadTimeout:      Duration{Duration: 15 * time.Second},
			WriteTimeout:     Duration{Duration: 15 * time.Second},
			IdleTimeout:      Duration{Duration: 60 * time.Second},
			PublicRateLimit:  120,
			PublicRateWindow: Duration{Duration: 1 * time.Minute},
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "json",
			Environment: "production",
		},
		KeyStore: KeyStoreConfig{
			FilePath:     "./data/paygate-state.json",
			SaveDebounce: Duration{Duration: 500 * time.Millisecond},
		},
		RateLimit: RateLimitConfig{
			DefaultLimit:  60,
			DefaultWindow: Duration{Duration: 1 * time.Minute},
		},
		Quota: QuotaConfig{
			DefaultDailyCalls:     10000,
			DefaultMonthlyCalls:   250000,
			DefaultDailyCredits:   1000,
			DefaultMonthlyCredits: 25000,
		},
		Webhook: WebhookConfig{
			Timeout: Duration{Duration: 5 * time.Second},
			Retry: RetryConfig{
				Enabled:         true,
				MaxAttempts:     5,
				InitialInterval: Duration{Duration: 1 * time.Second},
				MaxInterval:     Duration{Duration: 5 * time.Minute},
				Multiplier:      2.0,
				JitterFraction:  0.2,
			},
			DeadLetterPath:    "./data/webhook-deadletter.json",
			DeadLetterMaxSize: 1000,
			PerURLRPS:         5,
			GlobalRPS:         100,
			Workers:           4,
			QueueSize:         1000,
			SSRFCheckEnabled:  true,
		},
		OAuth: OAuthConfig{
			AccessTokenTTL:       Duration{Duration: 1 * time.Hour},
			RefreshTokenTTL:      Duration{Duration: 30 * 24 * time.Hour},
			AuthorizationCodeTTL: Duration{Duration: 60 * time.Second},
			CleanupInterval:      Duration{Duration: 15 * time.Minute},
		},
		Proxy: ProxyConfig{
			UpstreamTimeout:    Duration{Duration: 30 * time.Second},
			MaxSessions:        10000,
			SessionIdleTTL:     Duration{Duration: 30 * time.Minute},
			NotificationBuffer: 64,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled: true,
			Upstream: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
			Webhook: BreakerServiceConfig{
				MaxRequests:         5,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 60 * time.Second}, // Longer timeout for webhooks
				ConsecutiveFailures: 10,                                   // More tolerant for webhooks
				FailureRatio:        0.7,
				MinRequests:         20,
			},
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
