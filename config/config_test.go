package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	kraken, ok := cfg.Exchanges[ExchangeKraken]
	if !ok || !kraken.Enabled {
		t.Fatalf("kraken must be enabled by default")
	}
	if kraken.RESTBaseURL != "https://api.kraken.com" {
		t.Fatalf("unexpected kraken rest url %s", kraken.RESTBaseURL)
	}
}

func TestLoadLayersYAMLOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tradewire.yaml")
	body := `
exchanges:
  kraken:
    enabled: true
    symbols: ["ETH/USD"]
engine:
  cancelConfirmWindow: 5s
stores:
  postgresDsn: postgres://localhost/tradewire
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.CancelConfirmWindow != 5*time.Second {
		t.Fatalf("cancel window = %s", cfg.Engine.CancelConfirmWindow)
	}
	if cfg.Stores.PostgresDSN != "postgres://localhost/tradewire" {
		t.Fatalf("dsn = %s", cfg.Stores.PostgresDSN)
	}
	kraken := cfg.Exchanges[ExchangeKraken]
	if len(kraken.Symbols) != 1 || kraken.Symbols[0] != "ETH/USD" {
		t.Fatalf("symbols = %v", kraken.Symbols)
	}
	// untouched sections keep their defaults
	if cfg.Engine.MarketPollAttempts != 20 {
		t.Fatalf("market poll attempts = %d", cfg.Engine.MarketPollAttempts)
	}
}

func TestLoadMissingExplicitPathFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("explicit missing path must fail")
	}
}

func TestEnvOverridesCredentials(t *testing.T) {
	t.Setenv("TRADEWIRE_KRAKEN_API_KEY", "env-key")
	t.Setenv("TRADEWIRE_KRAKEN_API_SECRET", "env-secret")
	t.Setenv("TRADEWIRE_POSTGRES_DSN", "postgres://env/tradewire")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	kraken := cfg.Exchanges[ExchangeKraken]
	if kraken.Credentials.APIKey != "env-key" || kraken.Credentials.APISecret != "env-secret" {
		t.Fatalf("credentials not overridden: %+v", kraken.Credentials)
	}
	if cfg.Stores.PostgresDSN != "postgres://env/tradewire" {
		t.Fatalf("dsn = %s", cfg.Stores.PostgresDSN)
	}
}

func TestValidateRejectsNoEnabledExchange(t *testing.T) {
	cfg := Default()
	for name, ex := range cfg.Exchanges {
		ex.Enabled = false
		cfg.Exchanges[name] = ex
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("all-disabled config must fail validation")
	}
}
