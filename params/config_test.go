package params

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Hub.RefreshInterval != 5*time.Second || cfg.Settlement.Interval != 3*time.Second {
		t.Errorf("intervals = %v / %v", cfg.Hub.RefreshInterval, cfg.Settlement.Interval)
	}
}

func TestLoadFileOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "desk.yaml")
	doc := `
hub:
  refreshInterval: 7s
markets:
  - symbol: ARB-PERP
    maxLeverage: 10
    minNotional: 25
    icon: https://cdn.example/arb.svg
providers:
  - id: chain
    kind: chainlink
    url: http://localhost:8545
    timeout: 2s
    feeds:
      ARB-PERP: "0x0000000000000000000000000000000000000abc"
  - id: fallback
    kind: static
    prices:
      ARB-PERP: 1.1
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(path, Default())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Hub.RefreshInterval != 7*time.Second {
		t.Errorf("refresh = %v", cfg.Hub.RefreshInterval)
	}
	if cfg.Hub.StaleAfter != 30*time.Second {
		t.Errorf("stale after lost its default: %v", cfg.Hub.StaleAfter)
	}
	if len(cfg.Markets) != 1 || cfg.Markets[0].Symbol != "ARB-PERP" || cfg.Markets[0].MinNotional != 25 {
		t.Errorf("markets = %+v", cfg.Markets)
	}
	if len(cfg.Providers) != 2 || cfg.Providers[0].Timeout != 2*time.Second || cfg.Providers[0].Feeds["ARB-PERP"] == "" {
		t.Errorf("providers = %+v", cfg.Providers)
	}
	if cfg.Providers[1].Prices["ARB-PERP"] != 1.1 {
		t.Errorf("static prices = %v", cfg.Providers[1].Prices)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"), Default()); err == nil {
		t.Error("missing file loaded")
	}
}

func TestLoadFromEnv(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envFile, []byte("HUB_REFRESH_MS=9000\nAPI_LISTEN_ADDR=:9999\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("API_LISTEN_ADDR", ":7000") // ENV beats .env
	t.Setenv("SETTLEMENT_INTERVAL_MS", "1500")
	t.Setenv("CHAIN_ID", "42161")
	t.Setenv("API_ALLOWED_ORIGINS", "http://a.test, http://b.test")
	// registered with t.Setenv so whatever .env sets is undone after the test
	t.Setenv("HUB_REFRESH_MS", "")
	os.Unsetenv("HUB_REFRESH_MS")

	cfg, err := LoadFromEnv(envFile)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Hub.RefreshInterval != 9*time.Second {
		t.Errorf("refresh from .env = %v", cfg.Hub.RefreshInterval)
	}
	if cfg.API.ListenAddr != ":7000" {
		t.Errorf("listen = %q", cfg.API.ListenAddr)
	}
	if cfg.Settlement.Interval != 1500*time.Millisecond {
		t.Errorf("interval = %v", cfg.Settlement.Interval)
	}
	if cfg.Risk.ChainID != 42161 {
		t.Errorf("chain id = %d", cfg.Risk.ChainID)
	}
	if len(cfg.API.AllowedOrigins) != 2 || cfg.API.AllowedOrigins[1] != "http://b.test" {
		t.Errorf("origins = %v", cfg.API.AllowedOrigins)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"no markets", func(c *Config) { c.Markets = nil }},
		{"no providers", func(c *Config) { c.Providers = nil }},
		{"unknown kind", func(c *Config) { c.Providers[0].Kind = "carrier-pigeon" }},
		{"duplicate id", func(c *Config) { c.Providers[1].ID = c.Providers[0].ID }},
		{"rest without url", func(c *Config) { c.Providers[0].URL = "" }},
		{"relay without committee", func(c *Config) { c.Settlement.Mode = "relay" }},
		{"unknown mode", func(c *Config) { c.Settlement.Mode = "mainnet" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected error")
			}
		})
	}
}
