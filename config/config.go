// Package config centralises runtime configuration for the trading engine.
//
// Defaults describe the production endpoints; a YAML file layers site
// settings on top and environment variables override credentials and
// endpoints last, so secrets never live in checked-in files.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Credentials carries venue API authentication material.
type Credentials struct {
	APIKey    string `yaml:"apiKey"`
	APISecret string `yaml:"apiSecret"`
}

// WebsocketSettings declares streaming endpoints for an exchange.
type WebsocketSettings struct {
	PublicURL  string `yaml:"publicUrl"`
	PrivateURL string `yaml:"privateUrl"`
}

// ExchangeSettings declares connectivity for a single exchange.
type ExchangeSettings struct {
	Enabled     bool              `yaml:"enabled"`
	RESTBaseURL string            `yaml:"restBaseUrl"`
	Websocket   WebsocketSettings `yaml:"websocket"`
	Credentials Credentials       `yaml:"credentials"`
	// RequestInterval is the minimum spacing between signed REST calls.
	RequestInterval time.Duration `yaml:"requestInterval"`
	// TokenRefreshInterval bounds streaming token age where the venue
	// authenticates with short-lived tokens.
	TokenRefreshInterval time.Duration `yaml:"tokenRefreshInterval"`
	// Symbols are the canonical pairs to stream on startup.
	Symbols []string `yaml:"symbols"`
}

// EngineSettings tunes the order lifecycle polling policy. Every wait the
// coordinator performs is bounded by one of these values.
type EngineSettings struct {
	TickerMaxAge          time.Duration `yaml:"tickerMaxAge"`
	SpreadOffset          string        `yaml:"spreadOffset"`
	MarketPollInterval    time.Duration `yaml:"marketPollInterval"`
	MarketPollAttempts    int           `yaml:"marketPollAttempts"`
	CancelConfirmWindow   time.Duration `yaml:"cancelConfirmWindow"`
	CancelPollInterval    time.Duration `yaml:"cancelPollInterval"`
	ScheduledPollInterval time.Duration `yaml:"scheduledPollInterval"`
	MonitorWorkers        int           `yaml:"monitorWorkers"`
	MonitorQueue          int           `yaml:"monitorQueue"`
}

// StoreSettings configures the live and durable stores.
type StoreSettings struct {
	// PostgresDSN selects the durable store; empty falls back to the
	// in-memory store, which suits dry runs only.
	PostgresDSN string `yaml:"postgresDsn"`
	// TickerTTL is how long cached tickers stay servable.
	TickerTTL time.Duration `yaml:"tickerTtl"`
}

// TelemetrySettings configures the OTLP metric exporter.
type TelemetrySettings struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// Settings is the full engine configuration tree.
type Settings struct {
	Exchanges map[string]ExchangeSettings `yaml:"exchanges"`
	Engine    EngineSettings              `yaml:"engine"`
	Stores    StoreSettings               `yaml:"stores"`
	Telemetry TelemetrySettings           `yaml:"telemetry"`
}

// Exchange names understood by the loader.
const (
	ExchangeKraken = "kraken"
	ExchangeBitmex = "bitmex"
	ExchangeFake   = "fake"
)

// Default returns the production configuration snapshot.
func Default() Settings {
	return Settings{
		Exchanges: map[string]ExchangeSettings{
			ExchangeKraken: {
				Enabled:     true,
				RESTBaseURL: "https://api.kraken.com",
				Websocket: WebsocketSettings{
					PublicURL:  "wss://ws.kraken.com",
					PrivateURL: "wss://ws-auth.kraken.com",
				},
				RequestInterval:      time.Second,
				TokenRefreshInterval: 60 * time.Second,
				Symbols:              []string{"BTC/USD"},
			},
			ExchangeBitmex: {
				Enabled:     false,
				RESTBaseURL: "https://www.bitmex.com",
				Websocket: WebsocketSettings{
					PublicURL:  "wss://ws.bitmex.com/realtime",
					PrivateURL: "wss://ws.bitmex.com/realtime",
				},
				RequestInterval: 500 * time.Millisecond,
				Symbols:         []string{"BTC/USD"},
			},
			ExchangeFake: {
				Enabled: false,
				Symbols: []string{"BTC/USD"},
			},
		},
		Engine: EngineSettings{
			TickerMaxAge:          time.Hour,
			SpreadOffset:          "0.00005",
			MarketPollInterval:    500 * time.Millisecond,
			MarketPollAttempts:    20,
			CancelConfirmWindow:   10 * time.Second,
			CancelPollInterval:    200 * time.Millisecond,
			ScheduledPollInterval: time.Second,
			MonitorWorkers:        8,
			MonitorQueue:          64,
		},
		Stores: StoreSettings{
			TickerTTL: time.Hour,
		},
		Telemetry: TelemetrySettings{
			ServiceName: "tradewire",
		},
	}
}

// Load reads YAML configuration from path, layered over Default. An empty
// path falls back to TRADEWIRE_CONFIG, then to config/tradewire.yaml; a
// missing file at the fallback path is not an error.
func Load(path string) (Settings, error) {
	cfg := Default()

	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = strings.TrimSpace(os.Getenv("TRADEWIRE_CONFIG"))
		if path != "" {
			explicit = true
		} else {
			path = "config/tradewire.yaml"
		}
	}

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return applyEnv(cfg), nil
		}
		return Settings{}, fmt.Errorf("open config %s: %w", path, err)
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		return Settings{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Settings{}, fmt.Errorf("unmarshal config %s: %w", path, err)
	}
	return applyEnv(cfg), nil
}

// applyEnv overrides credentials and endpoints from environment variables,
// e.g. TRADEWIRE_KRAKEN_API_KEY and TRADEWIRE_BITMEX_REST_URL.
func applyEnv(cfg Settings) Settings {
	if cfg.Exchanges == nil {
		cfg.Exchanges = make(map[string]ExchangeSettings)
	}
	for name, ex := range cfg.Exchanges {
		prefix := "TRADEWIRE_" + strings.ToUpper(name) + "_"
		if v := strings.TrimSpace(os.Getenv(prefix + "API_KEY")); v != "" {
			ex.Credentials.APIKey = v
		}
		if v := strings.TrimSpace(os.Getenv(prefix + "API_SECRET")); v != "" {
			ex.Credentials.APISecret = v
		}
		if v := strings.TrimSpace(os.Getenv(prefix + "REST_URL")); v != "" {
			ex.RESTBaseURL = v
		}
		if v := strings.TrimSpace(os.Getenv(prefix + "WS_PUBLIC_URL")); v != "" {
			ex.Websocket.PublicURL = v
		}
		if v := strings.TrimSpace(os.Getenv(prefix + "WS_PRIVATE_URL")); v != "" {
			ex.Websocket.PrivateURL = v
		}
		cfg.Exchanges[name] = ex
	}
	if v := strings.TrimSpace(os.Getenv("TRADEWIRE_POSTGRES_DSN")); v != "" {
		cfg.Stores.PostgresDSN = v
	}
	if v := strings.TrimSpace(os.Getenv("TRADEWIRE_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	return cfg
}

// Validate rejects configurations the engine cannot start with.
func (s Settings) Validate() error {
	enabled := 0
	for name, ex := range s.Exchanges {
		if !ex.Enabled {
			continue
		}
		enabled++
		if name != ExchangeFake && ex.RESTBaseURL == "" {
			return fmt.Errorf("exchange %s: restBaseUrl required", name)
		}
		if len(ex.Symbols) == 0 {
			return fmt.Errorf("exchange %s: at least one symbol required", name)
		}
	}
	if enabled == 0 {
		return fmt.Errorf("no exchange enabled")
	}
	return nil
}
