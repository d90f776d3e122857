// Package config loads the ad server configuration from a YAML file, an
// optional .env file and the process environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/vorpalengineering/x402-adserver/ads"
	"github.com/vorpalengineering/x402-adserver/logger"
	"github.com/vorpalengineering/x402-adserver/tracing"
	"github.com/vorpalengineering/x402-adserver/utils"
)

// Environment variables that override file values.
const (
	EnvDatabaseURL  = "DATABASE_URL"
	EnvRedisURL     = "REDIS_URL"
	EnvJWTSecret    = "JWT_SECRET"
	EnvPayTo        = "X402_PAY_TO"
	EnvOTLPEndpoint = "OTEL_EXPORTER_OTLP_ENDPOINT"
)

// Dispatcher modes for webhook deliveries.
const (
	DispatcherGoroutine = "goroutine"
	DispatcherAsynq     = "asynq"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Auth        AuthConfig        `yaml:"auth"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Payment     ads.PaymentConfig `yaml:"payment"`
	Facilitator FacilitatorConfig `yaml:"facilitator"`
	Webhook     WebhookConfig     `yaml:"webhook"`
	Catalog     CatalogConfig     `yaml:"catalog"`
	Log         logger.Config     `yaml:"log"`
	Tracing     tracing.Config    `yaml:"tracing"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// PublicURL prefixes resource URLs in payment requirements.
	PublicURL              string `yaml:"public_url"`
	ReadTimeoutSeconds     int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds    int    `yaml:"write_timeout_seconds"`
	ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds"`
}

// DatabaseConfig selects Postgres when URL is set, memory otherwise.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig enables distributed delivery locks and the asynq dispatcher.
type RedisConfig struct {
	URL string `yaml:"url"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

type RateLimitConfig struct {
	Enabled        bool    `yaml:"enabled"`
	RequestsPerSec float64 `yaml:"requests_per_sec"`
	Burst          int     `yaml:"burst"`
}

type FacilitatorConfig struct {
	URL string `yaml:"url"`
}

type WebhookConfig struct {
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Dispatcher     string `yaml:"dispatcher"`
	Concurrency    int    `yaml:"concurrency"`
	LockTTLSeconds int    `yaml:"lock_ttl_seconds"`
}

type CatalogConfig struct {
	Path string `yaml:"path"`
}

// Default returns a configuration suitable for local development.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                   "0.0.0.0",
			Port:                   8080,
			ReadTimeoutSeconds:     15,
			WriteTimeoutSeconds:    60,
			ShutdownTimeoutSeconds: 10,
		},
		RateLimit: RateLimitConfig{
			Enabled:        true,
			RequestsPerSec: 20,
			Burst:          40,
		},
		Payment: ads.PaymentConfig{
			Network:           "base-sepolia",
			MaxTimeoutSeconds: 60,
		},
		Webhook: WebhookConfig{
			TimeoutSeconds: 10,
			Dispatcher:     DispatcherGoroutine,
			Concurrency:    10,
			LockTTLSeconds: 30,
		},
		Catalog: CatalogConfig{Path: "catalog.yaml"},
		Log:     logger.DefaultConfig(),
		Tracing: tracing.Config{ServiceName: "x402-adserver", SampleRatio: 1},
	}
}

// Load reads path over the defaults, then applies a .env file (if present)
// and environment overrides, and validates the result. An empty path skips
// the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Existing environment variables win over .env
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	override(&c.Database.URL, EnvDatabaseURL)
	override(&c.Redis.URL, EnvRedisURL)
	override(&c.Auth.JWTSecret, EnvJWTSecret)
	override(&c.Payment.PayTo, EnvPayTo)
	override(&c.Tracing.Endpoint, EnvOTLPEndpoint)
}

func override(field *string, key string) {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		*field = val
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.PublicURL != "" {
		if u, err := url.Parse(c.Server.PublicURL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid server public_url: %q", c.Server.PublicURL)
		}
	}

	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth jwt_secret must be at least 32 characters (set %s)", EnvJWTSecret)
	}

	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSec <= 0 || c.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate_limit requests_per_sec and burst must be positive when enabled")
	}

	if c.Facilitator.URL == "" {
		return fmt.Errorf("facilitator url is required")
	}
	if _, err := url.ParseRequestURI(c.Facilitator.URL); err != nil {
		return fmt.Errorf("invalid facilitator url: %w", err)
	}

	if _, err := utils.GetChainID(c.Payment.Network); err != nil {
		return fmt.Errorf("invalid payment network: %w", err)
	}
	if !common.IsHexAddress(c.Payment.Asset) {
		return fmt.Errorf("payment asset must be a hex address: %q", c.Payment.Asset)
	}
	// pay_to may be empty when every publisher has a wallet
	if c.Payment.PayTo != "" && !common.IsHexAddress(c.Payment.PayTo) {
		return fmt.Errorf("payment pay_to must be a hex address: %q", c.Payment.PayTo)
	}
	if c.Payment.MaxTimeoutSeconds <= 0 {
		return fmt.Errorf("payment max_timeout_seconds must be positive")
	}

	if c.Webhook.TimeoutSeconds <= 0 {
		return fmt.Errorf("webhook timeout_seconds must be positive")
	}
	switch c.Webhook.Dispatcher {
	case DispatcherGoroutine:
	case DispatcherAsynq:
		if c.Redis.URL == "" {
			return fmt.Errorf("webhook dispatcher %q requires redis url (set %s)", DispatcherAsynq, EnvRedisURL)
		}
		if c.Webhook.Concurrency <= 0 {
			return fmt.Errorf("webhook concurrency must be positive")
		}
	default:
		return fmt.Errorf("invalid webhook dispatcher: %q (must be %s or %s)", c.Webhook.Dispatcher, DispatcherGoroutine, DispatcherAsynq)
	}
	if c.Webhook.LockTTLSeconds <= 0 {
		return fmt.Errorf("webhook lock_ttl_seconds must be positive")
	}

	if c.Catalog.Path == "" {
		return fmt.Errorf("catalog path is required")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level)
	}

	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing sample_ratio must be between 0 and 1")
	}
	return nil
}

// Addr is the listen address of the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// ResourceURL is the absolute URL advertised for a premium resource.
func (c *Config) ResourceURL(path string) string {
	return strings.TrimRight(c.Server.PublicURL, "/") + path
}

func (c *Config) WebhookTimeout() time.Duration {
	return time.Duration(c.Webhook.TimeoutSeconds) * time.Second
}

func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.Webhook.LockTTLSeconds) * time.Second
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}
