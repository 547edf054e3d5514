package params

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Hub struct {
	RefreshInterval time.Duration `yaml:"refreshInterval"`
	// StaleAfter ages a price out even without a failed refresh.
	// Negative disables aging.
	StaleAfter    time.Duration `yaml:"staleAfter"`
	MaxConcurrent int           `yaml:"maxConcurrent"`
}

type Risk struct {
	MinTradeNotional         float64 `yaml:"minTradeNotional"`
	MarginUtilizationWarnPct float64 `yaml:"marginUtilizationWarnPct"`
	ChainID                  int64   `yaml:"chainId"`
}

type Settlement struct {
	Interval          time.Duration `yaml:"interval"`
	SubmitTimeout     time.Duration `yaml:"submitTimeout"`
	MaxAttempts       int           `yaml:"maxAttempts"`
	MaxTicketAge      time.Duration `yaml:"maxTicketAge"`
	LimitStalenessPct float64       `yaml:"limitStalenessPct"`
	MaxWindowSize     int           `yaml:"maxWindowSize"`
	// Mode selects the settler: "devnet" books into the local ledger,
	// "relay" gossips windows to a settlement committee over libp2p.
	Mode    string `yaml:"mode"`
	DataDir string `yaml:"dataDir"`
}

type Signing struct {
	Timeout time.Duration `yaml:"timeout"`
	// PrivateKey is an optional server-held key (hex). Orders for its
	// address are signed without a wallet round trip.
	PrivateKey string `yaml:"-"`
}

type API struct {
	ListenAddr     string   `yaml:"listenAddr"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

type P2P struct {
	ListenAddr string   `yaml:"listenAddr"`
	Bootstrap  []string `yaml:"bootstrap"`
	// Committee are hex-encoded BLS public keys trusted by the relay.
	Committee []string `yaml:"committee"`
	// BLSSeed (hex, >= 32 bytes) makes this node a settlement responder.
	BLSSeed string `yaml:"-"`
}

type Log struct {
	File string `yaml:"file"`
}

// MarketSpec is one listed market.
type MarketSpec struct {
	Symbol      string  `yaml:"symbol"`
	Quote       string  `yaml:"quote"`
	MaxLeverage float64 `yaml:"maxLeverage"`
	MinNotional float64 `yaml:"minNotional"`
	Icon        string  `yaml:"icon"`
}

// ProviderSpec is one entry of the price-source chain, in fallback order.
type ProviderSpec struct {
	ID      string        `yaml:"id"`
	Kind    string        `yaml:"kind"` // rest | stream | chainlink | static
	URL     string        `yaml:"url"`
	Format  string        `yaml:"format"` // rest only: generic | binance24h
	RPS     float64       `yaml:"rps"`
	Burst   int           `yaml:"burst"`
	Timeout time.Duration `yaml:"timeout"`
	MaxAge  time.Duration `yaml:"maxAge"` // stream only
	// Feeds maps market symbol to aggregator address (chainlink only).
	Feeds map[string]string `yaml:"feeds"`
	// Prices seeds a static source.
	Prices map[string]float64 `yaml:"prices"`
}

var providerKinds = map[string]bool{"rest": true, "stream": true, "chainlink": true, "static": true}

type Config struct {
	Hub        Hub            `yaml:"hub"`
	Risk       Risk           `yaml:"risk"`
	Settlement Settlement     `yaml:"settlement"`
	Signing    Signing        `yaml:"signing"`
	API        API            `yaml:"api"`
	P2P        P2P            `yaml:"p2p"`
	Log        Log            `yaml:"log"`
	Markets    []MarketSpec   `yaml:"markets"`
	Providers  []ProviderSpec `yaml:"providers"`
	// Deposits funds devnet accounts at startup (address -> quote amount).
	Deposits map[string]float64 `yaml:"deposits"`
}

func Default() Config {
	return Config{
		Hub: Hub{
			RefreshInterval: 5 * time.Second,
			StaleAfter:      30 * time.Second,
			MaxConcurrent:   8,
		},
		Risk: Risk{
			MinTradeNotional:         10,
			MarginUtilizationWarnPct: 0.8,
			ChainID:                  1337,
		},
		Settlement: Settlement{
			Interval:          3 * time.Second,
			SubmitTimeout:     30 * time.Second,
			MaxAttempts:       3,
			MaxTicketAge:      10 * time.Minute,
			LimitStalenessPct: 0.05,
			Mode:              "devnet",
			DataDir:           "data",
		},
		Signing: Signing{Timeout: 2 * time.Minute},
		API:     API{ListenAddr: ":8080"},
		P2P:     P2P{ListenAddr: "/ip4/0.0.0.0/tcp/9000"},
		Markets: []MarketSpec{
			{Symbol: "BTC-PERP", MaxLeverage: 50, MinNotional: 10},
			{Symbol: "ETH-PERP", MaxLeverage: 50, MinNotional: 10},
			{Symbol: "SOL-PERP", MaxLeverage: 20, MinNotional: 10},
		},
		Providers: []ProviderSpec{
			{ID: "binance", Kind: "rest", URL: "https://api.binance.com", Format: "binance24h", RPS: 10, Burst: 5},
			{ID: "devnet", Kind: "static", Prices: map[string]float64{
				"BTC-PERP": 64000, "ETH-PERP": 3200, "SOL-PERP": 150,
			}},
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > CONFIG_FILE > .env file > defaults
func LoadFromEnv(envPath string) (Config, error) {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		var err error
		if cfg, err = LoadFile(path, cfg); err != nil {
			return cfg, err
		}
	}

	setMillis(&cfg.Hub.RefreshInterval, "HUB_REFRESH_MS")
	setMillis(&cfg.Hub.StaleAfter, "HUB_STALE_AFTER_MS")
	setMillis(&cfg.Settlement.Interval, "SETTLEMENT_INTERVAL_MS")
	setMillis(&cfg.Settlement.SubmitTimeout, "SETTLEMENT_SUBMIT_TIMEOUT_MS")
	setMillis(&cfg.Signing.Timeout, "SIGN_TIMEOUT_MS")

	if v := os.Getenv("CHAIN_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Risk.ChainID = id
		}
	}
	if v := os.Getenv("MIN_TRADE_NOTIONAL"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Risk.MinTradeNotional = f
		}
	}

	cfg.Settlement.Mode = getEnv("SETTLEMENT_MODE", cfg.Settlement.Mode)
	cfg.Settlement.DataDir = getEnv("DATA_DIR", cfg.Settlement.DataDir)
	cfg.API.ListenAddr = getEnv("API_LISTEN_ADDR", cfg.API.ListenAddr)
	cfg.P2P.ListenAddr = getEnv("P2P_LISTEN_ADDR", cfg.P2P.ListenAddr)
	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)
	cfg.Signing.PrivateKey = getEnv("DESK_PRIVATE_KEY", cfg.Signing.PrivateKey)
	cfg.P2P.BLSSeed = getEnv("P2P_BLS_SEED", cfg.P2P.BLSSeed)

	// Comma-separated lists
	if v := os.Getenv("API_ALLOWED_ORIGINS"); v != "" {
		cfg.API.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("P2P_BOOTSTRAP"); v != "" {
		cfg.P2P.Bootstrap = splitList(v)
	}
	if v := os.Getenv("P2P_COMMITTEE"); v != "" {
		cfg.P2P.Committee = splitList(v)
	}

	return cfg, cfg.Validate()
}

// LoadFile overlays a YAML document onto base. Keys absent from the file
// keep base's values; lists present in the file replace base's lists.
func LoadFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := base
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return base, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations the desk cannot start with.
func (c Config) Validate() error {
	if len(c.Markets) == 0 {
		return fmt.Errorf("no markets configured")
	}
	if len(c.Providers) == 0 {
		return fmt.Errorf("no price providers configured")
	}
	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider %d has no id", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true
		if !providerKinds[p.Kind] {
			return fmt.Errorf("provider %s: unknown kind %q", p.ID, p.Kind)
		}
		if p.Kind != "static" && p.URL == "" {
			return fmt.Errorf("provider %s: url is required for kind %s", p.ID, p.Kind)
		}
	}
	switch c.Settlement.Mode {
	case "devnet":
	case "relay":
		if len(c.P2P.Committee) == 0 {
			return fmt.Errorf("relay mode needs at least one committee key")
		}
	default:
		return fmt.Errorf("unknown settlement mode %q", c.Settlement.Mode)
	}
	return nil
}

func setMillis(d *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			*d = time.Duration(ms) * time.Millisecond
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
