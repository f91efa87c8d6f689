package config

import (
	"os"
	"testing"
	"time"
)

func TestEnvOverrides_ServerConfig(t *testing.T) {
	defer os.Clearenv()

	tests := []struct {
		name      string
		envVars   map[string]string
		checkFunc func(*testing.T, *Config)
	}{
		{
			name: "PAYGATE_SERVER_ADDRESS overrides default",
			envVars: map[string]string{
				"PAYGATE_SERVER_ADDRESS": ":3000",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Server.Address != ":3000" {
					t.Errorf("Expected :3000, got %s", cfg.Server.Address)
				}
			},
		},
		{
			name: "PAYGATE_ROUTE_PREFIX override",
			envVars: map[string]string{
				"PAYGATE_ROUTE_PREFIX": "/api",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Server.RoutePrefix != "/api" {
					t.Errorf("Expected /api, got %s", cfg.Server.RoutePrefix)
				}
			},
		},
		{
			name: "PAYGATE_ADMIN_KEY override",
			envVars: map[string]string{
				"PAYGATE_ADMIN_KEY": "super-secret",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Server.AdminKey != "super-secret" {
					t.Errorf("Expected super-secret, got %s", cfg.Server.AdminKey)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}

			cfg := defaultConfig()
			cfg.applyEnvOverrides()
			tt.checkFunc(t, cfg)
		})
	}
}

func TestEnvOverrides_OAuthConfig(t *testing.T) {
	defer os.Clearenv()

	tests := []struct {
		name      string
		envVars   map[string]string
		checkFunc func(*testing.T, *Config)
	}{
		{
			name: "PAYGATE_OAUTH_ISSUER override",
			envVars: map[string]string{
				"PAYGATE_OAUTH_ISSUER": "https://gate.example.com",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.OAuth.Issuer != "https://gate.example.com" {
					t.Errorf("Expected https://gate.example.com, got %s", cfg.OAuth.Issuer)
				}
			},
		},
		{
			name: "PAYGATE_OAUTH_ACCESS_TOKEN_TTL duration override",
			envVars: map[string]string{
				"PAYGATE_OAUTH_ACCESS_TOKEN_TTL": "2h",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				expected := 2 * time.Hour
				if cfg.OAuth.AccessTokenTTL.Duration != expected {
					t.Errorf("Expected %v, got %v", expected, cfg.OAuth.AccessTokenTTL.Duration)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}

			cfg := defaultConfig()
			cfg.applyEnvOverrides()
			tt.checkFunc(t, cfg)
		})
	}
}

func TestEnvOverrides_WebhookConfig(t *testing.T) {
	defer os.Clearenv()

	tests := []struct {
		name      string
		envVars   map[string]string
		checkFunc func(*testing.T, *Config)
	}{
		{
			name: "PAYGATE_WEBHOOK_SIGNING_SECRET override",
			envVars: map[string]string{
				"PAYGATE_WEBHOOK_SIGNING_SECRET": "whsec_test",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Webhook.SigningSecret != "whsec_test" {
					t.Errorf("Expected whsec_test, got %s", cfg.Webhook.SigningSecret)
				}
			},
		},
		{
			name: "PAYGATE_WEBHOOK_TIMEOUT duration override",
			envVars: map[string]string{
				"PAYGATE_WEBHOOK_TIMEOUT": "10s",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				expected := 10 * time.Second
				if cfg.Webhook.Timeout.Duration != expected {
					t.Errorf("Expected %v, got %v", expected, cfg.Webhook.Timeout.Duration)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}

			cfg := defaultConfig()
			cfg.applyEnvOverrides()
			tt.checkFunc(t, cfg)
		})
	}
}

func TestEnvOverrides_ProxyConfig(t *testing.T) {
	defer os.Clearenv()

	os.Setenv("PAYGATE_UPSTREAM_URL", "https://tools.example.com")
	os.Setenv("PAYGATE_UPSTREAM_TIMEOUT", "45s")

	cfg := defaultConfig()
	cfg.applyEnvOverrides()

	if cfg.Proxy.UpstreamURL != "https://tools.example.com" {
		t.Errorf("Expected https://tools.example.com, got %s", cfg.Proxy.UpstreamURL)
	}
	if cfg.Proxy.UpstreamTimeout.Duration != 45*time.Second {
		t.Errorf("Expected 45s, got %v", cfg.Proxy.UpstreamTimeout.Duration)
	}
}

// TestNormalizeRoutePrefix already exists in config_test.go
