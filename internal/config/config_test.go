package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv()
	defer clearEnv()

	// Empty path: required fields (upstream URL, OAuth issuer, webhook secret) are missing.
	cfg, err := Load("")
	if err == nil {
		t.Fatal("expected error when required fields are missing, got nil")
	}
	if cfg != nil {
		t.Fatal("expected nil config when validation fails")
	}
}

func TestLoadConfig_RequiredFields(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		wantErr string
	}{
		{
			name: "missing upstream url",
			envVars: map[string]string{
				"PAYGATE_OAUTH_ISSUER":            "https://gate.example.com",
				"PAYGATE_WEBHOOK_SIGNING_SECRET": "shh",
			},
			wantErr: "proxy.upstream_url is required",
		},
		{
			name: "missing oauth issuer",
			envVars: map[string]string{
				"PAYGATE_UPSTREAM_URL":            "https://tools.example.com",
				"PAYGATE_WEBHOOK_SIGNING_SECRET": "shh",
			},
			wantErr: "oauth.issuer is required",
		},
		{
			name: "missing webhook signing secret",
			envVars: map[string]string{
				"PAYGATE_UPSTREAM_URL":  "https://tools.example.com",
				"PAYGATE_OAUTH_ISSUER": "https://gate.example.com",
			},
			wantErr: "webhook.signing_secret is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv()
			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}
			defer clearEnv()

			_, err := Load("")
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if tt.wantErr != "" && !contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %q", tt.wantErr, err.Error())
			}
		})
	}
}

func TestLoadConfig_ValidMinimal(t *testing.T) {
	clearEnv()
	os.Setenv("PAYGATE_UPSTREAM_URL", "https://tools.example.com")
	os.Setenv("PAYGATE_OAUTH_ISSUER", "https://gate.example.com")
	os.Setenv("PAYGATE_WEBHOOK_SIGNING_SECRET", "shh")
	defer clearEnv()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("expected no error with valid config, got: %v", err)
	}
	if cfg == nil {
		t.Fatal("expected config, got nil")
	}

	if cfg.Server.Address != ":8080" {
		t.Errorf("expected default address :8080, got %s", cfg.Server.Address)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected default log level 'info', got %s", cfg.Logging.Level)
	}
	if cfg.OAuth.AccessTokenTTL.Duration != time.Hour {
		t.Errorf("expected default access token TTL 1h, got %v", cfg.OAuth.AccessTokenTTL.Duration)
	}
	if cfg.Proxy.MaxSessions != 10000 {
		t.Errorf("expected default max sessions 10000, got %d", cfg.Proxy.MaxSessions)
	}
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	clearEnv()
	os.Setenv("PAYGATE_UPSTREAM_URL", "https://tools.example.com")
	os.Setenv("PAYGATE_OAUTH_ISSUER", "https://gate.example.com")
	os.Setenv("PAYGATE_WEBHOOK_SIGNING_SECRET", "shh")
	os.Setenv("PAYGATE_SERVER_ADDRESS", ":9090")
	os.Setenv("PAYGATE_ADMIN_KEY", "top-secret")
	defer clearEnv()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.Server.Address != ":9090" {
		t.Errorf("expected overridden address :9090, got %s", cfg.Server.Address)
	}
	if cfg.Server.AdminKey != "top-secret" {
		t.Errorf("expected overridden admin key, got %s", cfg.Server.AdminKey)
	}
}

func TestNormalizeRoutePrefix(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"", ""},
		{"api", "/api"},
		{"/api", "/api"},
		{"/api/", "/api"},
		{"  /api/  ", "/api"},
		{"paygate", "/paygate"},
		{"/v1/paygate", "/v1/paygate"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := normalizeRoutePrefix(tt.input)
			if got != tt.want {
				t.Errorf("normalizeRoutePrefix(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

// Test helpers

func clearEnv() {
	envVars := []string{
		"PAYGATE_SERVER_ADDRESS", "PAYGATE_ROUTE_PREFIX", "PAYGATE_ADMIN_KEY",
		"PAYGATE_PUBLIC_RATE_WINDOW",
		"PAYGATE_LOG_LEVEL", "PAYGATE_LOG_FORMAT", "PAYGATE_ENVIRONMENT",
		"PAYGATE_KEYSTORE_FILE", "PAYGATE_KEYSTORE_SAVE_DEBOUNCE",
		"PAYGATE_RATE_LIMIT_WINDOW", "PAYGATE_RATE_LIMIT_REDIS_ADDR",
		"PAYGATE_WEBHOOK_TIMEOUT", "PAYGATE_WEBHOOK_SIGNING_SECRET", "PAYGATE_WEBHOOK_DEAD_LETTER_PATH",
		"PAYGATE_OAUTH_ISSUER", "PAYGATE_OAUTH_ACCESS_TOKEN_TTL", "PAYGATE_OAUTH_REFRESH_TOKEN_TTL",
		"PAYGATE_UPSTREAM_URL", "PAYGATE_UPSTREAM_TIMEOUT",
	}
	for _, key := range envVars {
		os.Unsetenv(key)
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (s == substr || len(s) > len(substr) && containsAny(s, substr))
}

func containsAny(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
