package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// relayEnv lists every variable Load consults so tests start from a clean slate.
var relayEnv = []string{
	"HOST", "PORT", "GEMINI_API_KEY", "RELAY_ADMIN_ADDR", "RELAY_UPSTREAM_URL",
	"RELAY_UPSTREAM_MODEL", "RELAY_UPSTREAM_TIMEOUT", "RELAY_ALLOWED_ORIGINS",
	"RELAY_OTLP_ENDPOINT", "RELAY_OTLP_INSECURE", "RELAY_OTLP_HEADERS", "RELAY_ENVIRONMENT",
	"RELAY_LOG_LEVEL", "RELAY_LOG_FILE", "CUSTOM_KEY_VAR",
}

func clearRelayEnv(t *testing.T) {
	t.Helper()
	for _, key := range relayEnv {
		t.Setenv(key, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearRelayEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if got := cfg.Server.ListenAddress(); got != "0.0.0.0:8000" {
		t.Errorf("Expected listen address 0.0.0.0:8000, got %q", got)
	}
	if cfg.Server.AdminAddress != ":19090" {
		t.Errorf("Expected admin address :19090, got %q", cfg.Server.AdminAddress)
	}
	if cfg.Upstream.BaseURL != DefaultUpstreamURL {
		t.Errorf("Expected base url %q, got %q", DefaultUpstreamURL, cfg.Upstream.BaseURL)
	}
	if cfg.Upstream.Model != "gemini-pro" {
		t.Errorf("Expected model gemini-pro, got %q", cfg.Upstream.Model)
	}
	if cfg.Upstream.Timeout != 30*time.Second {
		t.Errorf("Expected timeout 30s, got %s", cfg.Upstream.Timeout)
	}
	if cfg.Upstream.APIKey != "" {
		t.Errorf("Expected no API key, got one")
	}
	if len(cfg.CORS.AllowedOrigins) != 1 || cfg.CORS.AllowedOrigins[0] != "https://www.figma.com" {
		t.Errorf("Expected default origin allow-list, got %v", cfg.CORS.AllowedOrigins)
	}
	if !cfg.CORS.AllowCredentials {
		t.Error("Expected credentials to be allowed by default")
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Expected log level info, got %q", cfg.Logging.Level)
	}
}

func TestLoadFromFile(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("CUSTOM_KEY_VAR", "  secret-from-env  ")

	path := writeConfig(t, `
server:
  host: 127.0.0.1
  port: 9000
  admin_address: ""
upstream:
  base_url: http://localhost:4010/
  model: gemini-1.5-flash
  timeout: 5s
  api_key_env: CUSTOM_KEY_VAR
cors:
  allowed_origins:
    - https://app.example.com/
    - https://www.figma.com
  allow_credentials: true
logging:
  level: DEBUG
  pretty: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if got := cfg.Server.ListenAddress(); got != "127.0.0.1:9000" {
		t.Errorf("Expected listen address 127.0.0.1:9000, got %q", got)
	}
	if cfg.Server.AdminAddress != "" {
		t.Errorf("Expected admin server disabled, got %q", cfg.Server.AdminAddress)
	}
	if cfg.Upstream.BaseURL != "http://localhost:4010" {
		t.Errorf("Expected trailing slash trimmed, got %q", cfg.Upstream.BaseURL)
	}
	if cfg.Upstream.Model != "gemini-1.5-flash" {
		t.Errorf("Expected model gemini-1.5-flash, got %q", cfg.Upstream.Model)
	}
	if cfg.Upstream.Timeout != 5*time.Second {
		t.Errorf("Expected timeout 5s, got %s", cfg.Upstream.Timeout)
	}
	if cfg.Upstream.APIKey != "secret-from-env" {
		t.Errorf("Expected API key from CUSTOM_KEY_VAR, got %q", cfg.Upstream.APIKey)
	}
	if cfg.CORS.AllowedOrigins[0] != "https://app.example.com" {
		t.Errorf("Expected normalized origin, got %q", cfg.CORS.AllowedOrigins[0])
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Pretty {
		t.Errorf("Expected pretty debug logging, got %+v", cfg.Logging)
	}
}

func TestLoadIgnoresAPIKeyInFile(t *testing.T) {
	clearRelayEnv(t)

	path := writeConfig(t, `
upstream:
  api_key: from-file
  APIKey: from-file
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Upstream.APIKey != "" {
		t.Errorf("Expected API key to come only from the environment, got %q", cfg.Upstream.APIKey)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("PORT", "8123")
	t.Setenv("GEMINI_API_KEY", "env-key")
	t.Setenv("RELAY_ADMIN_ADDR", "off")
	t.Setenv("RELAY_UPSTREAM_URL", "http://upstream.internal")
	t.Setenv("RELAY_UPSTREAM_MODEL", "gemini-2.0-flash")
	t.Setenv("RELAY_UPSTREAM_TIMEOUT", "12s")
	t.Setenv("RELAY_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com ,")
	t.Setenv("RELAY_OTLP_ENDPOINT", "localhost:4317")
	t.Setenv("RELAY_OTLP_INSECURE", "true")
	t.Setenv("RELAY_LOG_LEVEL", "warn")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.Port != 8123 {
		t.Errorf("Expected port 8123, got %d", cfg.Server.Port)
	}
	if cfg.Server.AdminAddress != "" {
		t.Errorf("Expected admin disabled, got %q", cfg.Server.AdminAddress)
	}
	if cfg.Upstream.APIKey != "env-key" {
		t.Errorf("Expected API key from environment")
	}
	if cfg.Upstream.BaseURL != "http://upstream.internal" {
		t.Errorf("Expected upstream override, got %q", cfg.Upstream.BaseURL)
	}
	if cfg.Upstream.Model != "gemini-2.0-flash" {
		t.Errorf("Expected model override, got %q", cfg.Upstream.Model)
	}
	if cfg.Upstream.Timeout != 12*time.Second {
		t.Errorf("Expected timeout override, got %s", cfg.Upstream.Timeout)
	}
	want := []string{"https://a.example.com", "https://b.example.com"}
	if strings.Join(cfg.CORS.AllowedOrigins, "|") != strings.Join(want, "|") {
		t.Errorf("Expected origins %v, got %v", want, cfg.CORS.AllowedOrigins)
	}
	if cfg.Telemetry.OTLPEndpoint != "localhost:4317" || !cfg.Telemetry.Insecure {
		t.Errorf("Expected telemetry overrides, got %+v", cfg.Telemetry)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Expected log level warn, got %q", cfg.Logging.Level)
	}
}

func TestEnvironmentOverrideErrors(t *testing.T) {
	tests := []struct {
		name        string
		key         string
		value       string
		expectedErr string
	}{
		{name: "non-numeric port", key: "PORT", value: "eighty", expectedErr: "invalid PORT"},
		{name: "bad timeout", key: "RELAY_UPSTREAM_TIMEOUT", value: "soon", expectedErr: "invalid RELAY_UPSTREAM_TIMEOUT"},
		{name: "port out of range", key: "PORT", value: "70000", expectedErr: "out of range"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearRelayEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load("")
			if err == nil {
				t.Fatal("Expected error but got none")
			}
			if !strings.Contains(err.Error(), tt.expectedErr) {
				t.Errorf("Expected error containing %q, got %v", tt.expectedErr, err)
			}
		})
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		wantErr     bool
		expectedErr string
	}{
		{
			name:    "defaults are valid",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name: "relative base url",
			mutate: func(c *Config) {
				c.Upstream.BaseURL = "generativelanguage.googleapis.com"
			},
			wantErr:     true,
			expectedErr: "absolute http(s) URL",
		},
		{
			name: "empty model",
			mutate: func(c *Config) {
				c.Upstream.Model = "  "
			},
			wantErr:     true,
			expectedErr: "model is required",
		},
		{
			name: "zero timeout",
			mutate: func(c *Config) {
				c.Upstream.Timeout = 0
			},
			wantErr:     true,
			expectedErr: "timeout must be positive",
		},
		{
			name: "no origins",
			mutate: func(c *Config) {
				c.CORS.AllowedOrigins = []string{" "}
			},
			wantErr:     true,
			expectedErr: "at least one allowed origin",
		},
		{
			name: "wildcard with credentials",
			mutate: func(c *Config) {
				c.CORS.AllowedOrigins = []string{"*"}
			},
			wantErr:     true,
			expectedErr: "wildcard origin",
		},
		{
			name: "wildcard without credentials",
			mutate: func(c *Config) {
				c.CORS.AllowedOrigins = []string{"*"}
				c.CORS.AllowCredentials = false
			},
			wantErr: false,
		},
		{
			name: "admin conflicts with public listener",
			mutate: func(c *Config) {
				c.Server.AdminAddress = "0.0.0.0:8000"
			},
			wantErr:     true,
			expectedErr: "conflicts with the public listener",
		},
		{
			name: "invalid log level",
			mutate: func(c *Config) {
				c.Logging.Level = "verbose"
			},
			wantErr:     true,
			expectedErr: "invalid log level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				if err == nil {
					t.Errorf("Config.Validate() expected error but got none")
				} else if tt.expectedErr != "" && !strings.Contains(err.Error(), tt.expectedErr) {
					t.Errorf("Config.Validate() error = %v, expected to contain %q", err, tt.expectedErr)
				}
			} else if err != nil {
				t.Errorf("Config.Validate() unexpected error: %v", err)
			}
		})
	}
}

func TestStoreSwap(t *testing.T) {
	first := Default()
	store := NewStore(first)
	if store.Current() != first {
		t.Fatal("Expected store to return the seeded config")
	}

	second := Default()
	second.Upstream.Model = "gemini-1.5-pro"
	if prev := store.Swap(second); prev != first {
		t.Error("Expected Swap to return the previous snapshot")
	}
	if store.Current().Upstream.Model != "gemini-1.5-pro" {
		t.Error("Expected the new snapshot to be active")
	}
}

func TestOTLPHeadersFromEnv(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("RELAY_OTLP_HEADERS", "authorization=Bearer abc, x-tenant = relay ,")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	want := map[string]string{"authorization": "Bearer abc", "x-tenant": "relay"}
	if len(cfg.Telemetry.Headers) != len(want) {
		t.Fatalf("Expected %d headers, got %v", len(want), cfg.Telemetry.Headers)
	}
	for k, v := range want {
		if got := cfg.Telemetry.Headers[k]; got != v {
			t.Errorf("Expected header %s=%q, got %q", k, v, got)
		}
	}

	t.Setenv("RELAY_OTLP_HEADERS", "missing-separator")
	if _, err := Load(""); err == nil {
		t.Error("Expected error for malformed RELAY_OTLP_HEADERS")
	}
}
