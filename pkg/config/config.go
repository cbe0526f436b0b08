// Package config provides configuration structures and loading logic for the relay.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultHost          = "0.0.0.0"
	DefaultPort          = 8000
	DefaultAdminAddress  = ":19090"
	DefaultMaxBodyBytes  = 10 << 20
	DefaultUpstreamURL   = "https://generativelanguage.googleapis.com"
	DefaultModel         = "gemini-pro"
	DefaultTimeout       = 30 * time.Second
	DefaultAPIKeyEnv     = "GEMINI_API_KEY"
	DefaultAllowedOrigin = "https://www.figma.com"
	DefaultLogLevel      = "info"
)

const (
	originsEnvSep  = ","
	wildcardOrigin = "*"
	adminDisabled  = "off"
	minPort        = 1
	maxPort        = 65535
)

// Config holds the global configuration for the relay.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	CORS      CORSConfig      `yaml:"cors"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds configuration for the HTTP listeners.
type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	AdminAddress string `yaml:"admin_address"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

// UpstreamConfig describes the generateContent endpoint and its credential.
// APIKey is never read from the file; it comes from the environment variable
// named by APIKeyEnv.
type UpstreamConfig struct {
	BaseURL   string        `yaml:"base_url"`
	Model     string        `yaml:"model"`
	Timeout   time.Duration `yaml:"timeout"`
	APIKeyEnv string        `yaml:"api_key_env"`
	APIKey    string        `yaml:"-"`
}

// CORSConfig holds the browser origin allow-list.
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowed_origins"`
	AllowCredentials bool     `yaml:"allow_credentials"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string            `yaml:"otlp_endpoint"`
	Insecure     bool              `yaml:"insecure"`
	Environment  string            `yaml:"environment"`
	Headers      map[string]string `yaml:"headers"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
	File   string `yaml:"file"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         DefaultHost,
			Port:         DefaultPort,
			AdminAddress: DefaultAdminAddress,
			MaxBodyBytes: DefaultMaxBodyBytes,
		},
		Upstream: UpstreamConfig{
			BaseURL:   DefaultUpstreamURL,
			Model:     DefaultModel,
			Timeout:   DefaultTimeout,
			APIKeyEnv: DefaultAPIKeyEnv,
		},
		CORS: CORSConfig{
			AllowedOrigins:   []string{DefaultAllowedOrigin},
			AllowCredentials: true,
		},
		Logging: LoggingConfig{
			Level: DefaultLogLevel,
		},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if val := os.Getenv("HOST"); val != "" {
		cfg.Server.Host = val
	}
	if val := os.Getenv("PORT"); val != "" {
		port, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", val, err)
		}
		cfg.Server.Port = port
	}
	if val := os.Getenv("RELAY_ADMIN_ADDR"); val != "" {
		if val == adminDisabled {
			val = ""
		}
		cfg.Server.AdminAddress = val
	}

	if val := os.Getenv("RELAY_UPSTREAM_URL"); val != "" {
		cfg.Upstream.BaseURL = val
	}
	if val := os.Getenv("RELAY_UPSTREAM_MODEL"); val != "" {
		cfg.Upstream.Model = val
	}
	if val := os.Getenv("RELAY_UPSTREAM_TIMEOUT"); val != "" {
		timeout, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid RELAY_UPSTREAM_TIMEOUT %q: %w", val, err)
		}
		cfg.Upstream.Timeout = timeout
	}

	if val := os.Getenv("RELAY_ALLOWED_ORIGINS"); val != "" {
		var origins []string
		for _, origin := range strings.Split(val, originsEnvSep) {
			if origin = strings.TrimSpace(origin); origin != "" {
				origins = append(origins, origin)
			}
		}
		cfg.CORS.AllowedOrigins = origins
	}

	if val := os.Getenv("RELAY_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("RELAY_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}
	if val := os.Getenv("RELAY_OTLP_HEADERS"); val != "" {
		headers, err := parseHeaders(val)
		if err != nil {
			return fmt.Errorf("invalid RELAY_OTLP_HEADERS: %w", err)
		}
		cfg.Telemetry.Headers = headers
	}
	if val := os.Getenv("RELAY_ENVIRONMENT"); val != "" {
		cfg.Telemetry.Environment = val
	}

	if val := os.Getenv("RELAY_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("RELAY_LOG_FILE"); val != "" {
		cfg.Logging.File = val
	}

	cfg.LoadCredential()
	return nil
}

// parseHeaders reads "k1=v1,k2=v2" as used by OTEL_EXPORTER_OTLP_HEADERS.
func parseHeaders(val string) (map[string]string, error) {
	headers := make(map[string]string)
	for _, pair := range strings.Split(val, originsEnvSep) {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("header %q is not key=value", pair)
		}
		headers[k] = strings.TrimSpace(v)
	}
	return headers, nil
}

// LoadCredential reads the upstream API key from the configured environment variable.
func (c *Config) LoadCredential() {
	env := strings.TrimSpace(c.Upstream.APIKeyEnv)
	if env == "" {
		env = DefaultAPIKeyEnv
	}
	c.Upstream.APIKey = strings.TrimSpace(os.Getenv(env))
}

// ListenAddress is the host:port of the public listener.
func (c *ServerConfig) ListenAddress() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate performs validation of the entire configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}

	if err := c.Upstream.Validate(); err != nil {
		return fmt.Errorf("upstream configuration: %w", err)
	}

	if err := c.CORS.Validate(); err != nil {
		return fmt.Errorf("cors configuration: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}

	return nil
}

// Validate performs validation of server configuration
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		c.Host = DefaultHost
	}
	if c.Port < minPort || c.Port > maxPort {
		return fmt.Errorf("port %d out of range %d-%d", c.Port, minPort, maxPort)
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.AdminAddress != "" && c.AdminAddress == c.ListenAddress() {
		return fmt.Errorf("admin_address %q conflicts with the public listener", c.AdminAddress)
	}
	return nil
}

// Validate performs validation of upstream configuration
func (c *UpstreamConfig) Validate() error {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base_url %q: %w", c.BaseURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("base_url %q must be an absolute http(s) URL", c.BaseURL)
	}

	c.Model = strings.TrimSpace(c.Model)
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}

	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}

	if strings.TrimSpace(c.APIKeyEnv) == "" {
		c.APIKeyEnv = DefaultAPIKeyEnv
	}
	return nil
}

// Validate performs validation of the origin allow-list
func (c *CORSConfig) Validate() error {
	if len(c.AllowedOrigins) == 0 {
		return fmt.Errorf("at least one allowed origin is required")
	}

	normalized := make([]string, 0, len(c.AllowedOrigins))
	for _, origin := range c.AllowedOrigins {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin == "" {
			continue
		}
		if origin == wildcardOrigin && c.AllowCredentials {
			return fmt.Errorf("wildcard origin cannot be combined with allow_credentials")
		}
		normalized = append(normalized, origin)
	}
	if len(normalized) == 0 {
		return fmt.Errorf("at least one allowed origin is required")
	}
	c.AllowedOrigins = normalized
	return nil
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = DefaultLogLevel
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
}
