package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func validConfig() *Config {
	cfg := Default()
	cfg.Auth.JWTSecret = testSecret
	cfg.Facilitator.URL = "http://localhost:4020"
	cfg.Payment.Asset = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	cfg.Payment.PayTo = "0x70997970C51812dc3A010C7d01E3fb9698A2c0f1"
	return cfg
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateInvalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }},
		{"public url", func(c *Config) { c.Server.PublicURL = "ads.example.com" }},
		{"short jwt secret", func(c *Config) { c.Auth.JWTSecret = "short" }},
		{"rate limit burst", func(c *Config) { c.RateLimit.Burst = 0 }},
		{"missing facilitator", func(c *Config) { c.Facilitator.URL = "" }},
		{"unknown network", func(c *Config) { c.Payment.Network = "dogechain" }},
		{"asset", func(c *Config) { c.Payment.Asset = "usdc" }},
		{"pay_to", func(c *Config) { c.Payment.PayTo = "me" }},
		{"max timeout", func(c *Config) { c.Payment.MaxTimeoutSeconds = 0 }},
		{"webhook timeout", func(c *Config) { c.Webhook.TimeoutSeconds = 0 }},
		{"dispatcher", func(c *Config) { c.Webhook.Dispatcher = "cron" }},
		{"asynq without redis", func(c *Config) { c.Webhook.Dispatcher = DispatcherAsynq }},
		{"lock ttl", func(c *Config) { c.Webhook.LockTTLSeconds = 0 }},
		{"catalog", func(c *Config) { c.Catalog.Path = "" }},
		{"log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"sample ratio", func(c *Config) { c.Tracing.SampleRatio = 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateAllowsMissingPayTo(t *testing.T) {
	cfg := validConfig()
	cfg.Payment.PayTo = ""
	assert.NoError(t, cfg.Validate())
}

func TestLoadAppliesEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "adserver.yaml")
	data := `
server:
  port: 9090
  public_url: https://ads.example.com/
facilitator:
  url: http://facilitator:4020
payment:
  network: base-sepolia
  asset: "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
  pay_to: "0x0000000000000000000000000000000000000001"
webhook:
  dispatcher: asynq
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	t.Setenv(EnvJWTSecret, testSecret)
	t.Setenv(EnvRedisURL, "redis://localhost:6379/0")
	t.Setenv(EnvDatabaseURL, "postgres://adserver@localhost/adserver")
	t.Setenv(EnvPayTo, "0x70997970C51812dc3A010C7d01E3fb9698A2c0f1")
	t.Setenv(EnvOTLPEndpoint, "localhost:4318")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0:9090", cfg.Addr())
	assert.Equal(t, "https://ads.example.com/api/premium/x", cfg.ResourceURL("/api/premium/x"))
	assert.Equal(t, "0x70997970C51812dc3A010C7d01E3fb9698A2c0f1", cfg.Payment.PayTo)
	assert.Equal(t, "postgres://adserver@localhost/adserver", cfg.Database.URL)
	assert.Equal(t, "localhost:4318", cfg.Tracing.Endpoint)
	assert.Equal(t, 60, cfg.Payment.MaxTimeoutSeconds)
	assert.Equal(t, 10*time.Second, cfg.WebhookTimeout())
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadRequiresJWTSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "adserver.yaml")
	require.NoError(t, os.WriteFile(path, []byte("facilitator:\n  url: http://localhost:4020\n"), 0o600))
	t.Setenv(EnvJWTSecret, "")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
