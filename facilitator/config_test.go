package facilitator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/vorpalengineering/x402-adserver/types"
)

func validConfig() *FacilitatorConfig {
	return &FacilitatorConfig{
		Server: ServerConfig{
			Host: "localhost",
			Port: 8080,
		},
		Networks: map[string]NetworkConfig{
			"base": {
				RpcUrl:  "https://mainnet.base.org",
				ChainId: "8453",
			},
		},
		Supported: []types.SupportedKind{
			{Scheme: "exact", Network: "base"},
		},
		Transaction: TransactionConfig{
			TimeoutSeconds: 120,
			MaxGasPrice:    "100000000000",
		},
		Log: LogConfig{
			Level: "info",
		},
		PrivateKey: "0x1234567890abcdef",
	}
}

func TestValidateConfig(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Errorf("Expected valid config to pass validation, got error: %v", err)
	}
}

func TestValidateInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*FacilitatorConfig)
	}{
		{"invalid port", func(c *FacilitatorConfig) { c.Server.Port = 0 }},
		{"port out of range", func(c *FacilitatorConfig) { c.Server.Port = 70000 }},
		{"no networks", func(c *FacilitatorConfig) { c.Networks = map[string]NetworkConfig{} }},
		{"missing rpc_url", func(c *FacilitatorConfig) { c.Networks["base"] = NetworkConfig{ChainId: "8453"} }},
		{"missing chain_id", func(c *FacilitatorConfig) { c.Networks["base"] = NetworkConfig{RpcUrl: "https://mainnet.base.org"} }},
		{"non-numeric chain_id", func(c *FacilitatorConfig) {
			c.Networks["base"] = NetworkConfig{RpcUrl: "https://mainnet.base.org", ChainId: "base"}
		}},
		{"undefined supported network", func(c *FacilitatorConfig) {
			c.Supported = []types.SupportedKind{{Scheme: "exact", Network: "ethereum"}}
		}},
		{"empty scheme", func(c *FacilitatorConfig) { c.Supported = []types.SupportedKind{{Scheme: "", Network: "base"}} }},
		{"unknown scheme", func(c *FacilitatorConfig) { c.Supported = []types.SupportedKind{{Scheme: "upto", Network: "base"}} }},
		{"invalid timeout", func(c *FacilitatorConfig) { c.Transaction.TimeoutSeconds = 0 }},
		{"missing max gas price", func(c *FacilitatorConfig) { c.Transaction.MaxGasPrice = "" }},
		{"non-numeric max gas price", func(c *FacilitatorConfig) { c.Transaction.MaxGasPrice = "lots" }},
		{"negative receipt poll", func(c *FacilitatorConfig) { c.Transaction.ReceiptPollMillis = -1 }},
		{"invalid log level", func(c *FacilitatorConfig) { c.Log.Level = "verbose" }},
		{"missing private key", func(c *FacilitatorConfig) { c.PrivateKey = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.mutate(config)
			if err := config.Validate(); err == nil {
				t.Errorf("Expected error for %s, got nil", tt.name)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "facilitator.yaml")
	yaml := `
server:
  host: 0.0.0.0
  port: 4020
networks:
  base-sepolia:
    rpc_url: https://sepolia.base.org
    chain_id: "84532"
supported:
  - scheme: exact
    network: base-sepolia
transaction:
  timeout_seconds: 60
  max_gas_price: "50000000000"
log:
  level: debug
  format: text
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	t.Setenv(EnvPrivateKey, "0x"+facilitatorKeyHex)

	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if config.Server.Port != 4020 {
		t.Errorf("Expected port 4020, got %d", config.Server.Port)
	}
	if !config.IsSupported("exact", "base-sepolia") {
		t.Error("Expected exact/base-sepolia to be supported")
	}
	if config.IsSupported("exact", "base") {
		t.Error("Did not expect exact/base to be supported")
	}

	key, _ := crypto.HexToECDSA(facilitatorKeyHex)
	if want := crypto.PubkeyToAddress(key.PublicKey); config.Signer.Address != want {
		t.Errorf("Expected signer %s, got %s", want.Hex(), config.Signer.Address.Hex())
	}

	if _, err := config.GetNetworkConfig("base"); err == nil {
		t.Error("Expected error for unconfigured network")
	}
}

func TestLoadConfigRequiresPrivateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "facilitator.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 4020\n"), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	t.Setenv(EnvPrivateKey, "")

	if _, err := LoadConfig(path); err == nil {
		t.Error("Expected error without private key")
	}
}

func TestLoadSignerRejectsGarbage(t *testing.T) {
	config := validConfig()
	config.PrivateKey = "not-a-key"
	if err := config.LoadSigner(); err == nil {
		t.Error("Expected error for malformed private key")
	}
}
