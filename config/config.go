// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// AssetConfig locates one supported asset on a chain.
type AssetConfig struct {
	TickerHash string `mapstructure:"tickerHash"`
	Address    string `mapstructure:"address"`
	Decimals   uint8  `mapstructure:"decimals"`
}

// ChainConfig is the per-chain configuration Mark needs to act on a chain.
type ChainConfig struct {
	ChainID       string        `mapstructure:"chainId"`
	Providers     []string      `mapstructure:"providers"`
	SpokeContract string        `mapstructure:"spokeContract"`
	Assets        []AssetConfig `mapstructure:"assets"`
	XERC20Only    bool          `mapstructure:"xerc20Only"`
	SafeModule    string        `mapstructure:"safeModule"` // optional policy module wrapping submissions
}

// RouteConfig is one configured maintenance route for threshold rebalancing.
// Preferences lists bridge tags in the order the engine should try them.
type RouteConfig struct {
	OriginChainID      string   `mapstructure:"origin"`
	DestinationChainID string   `mapstructure:"destination"`
	TickerHash         string   `mapstructure:"tickerHash"`
	Maximum            string   `mapstructure:"maximum"`
	Reserve            string   `mapstructure:"reserve"`
	SlippageDbps       []int64  `mapstructure:"slippageDbps"`
	Preferences        []string `mapstructure:"preferences"`
}

// Config is the full runtime configuration, bound from the environment and an
// optional config file for the structured sections.
type Config struct {
	RedisHost string
	RedisPort int

	DatabaseURL string

	SignerURL     string
	SignerAddress string
	AdminToken    string

	EverclearAPIURL string

	SupportedSettlementDomains []string
	SupportedAssetSymbols      []string
	InvoiceAge                 time.Duration

	MinRebalanceAmounts map[string]string // tickerHash -> canonical minimum
	PurchaseMinShortfall string

	ConsumerWorkers int
	TickInterval    time.Duration
	PollInterval    time.Duration

	Chains map[string]ChainConfig
	Routes []RouteConfig
}

// Load reads configuration from the environment, plus an optional YAML file
// for chains and routes when MARK_CONFIG_FILE is set.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("INVOICE_AGE", "600s")
	v.SetDefault("CONSUMER_WORKERS", runtime.NumCPU())
	v.SetDefault("TICK_INTERVAL", DefaultTickInterval.String())
	v.SetDefault("POLL_INTERVAL", DefaultPollInterval.String())

	cfg := &Config{
		RedisHost:       v.GetString("REDIS_HOST"),
		RedisPort:       v.GetInt("REDIS_PORT"),
		DatabaseURL:     v.GetString("DATABASE_URL"),
		SignerURL:       v.GetString("SIGNER_URL"),
		SignerAddress:   v.GetString("SIGNER_ADDRESS"),
		AdminToken:      v.GetString("ADMIN_TOKEN"),
		EverclearAPIURL: v.GetString("EVERCLEAR_API_URL"),
		ConsumerWorkers: v.GetInt("CONSUMER_WORKERS"),
		Chains:          make(map[string]ChainConfig),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.EverclearAPIURL == "" {
		return nil, fmt.Errorf("EVERCLEAR_API_URL is required")
	}

	cfg.SupportedSettlementDomains = splitList(v.GetString("SUPPORTED_SETTLEMENT_DOMAINS"))
	cfg.SupportedAssetSymbols = splitList(v.GetString("SUPPORTED_ASSET_SYMBOLS"))

	age, err := cast.ToDurationE(v.GetString("INVOICE_AGE"))
	if err != nil {
		return nil, fmt.Errorf("invalid INVOICE_AGE: %w", err)
	}
	cfg.InvoiceAge = age

	if cfg.TickInterval, err = cast.ToDurationE(v.GetString("TICK_INTERVAL")); err != nil {
		return nil, fmt.Errorf("invalid TICK_INTERVAL: %w", err)
	}
	if cfg.PollInterval, err = cast.ToDurationE(v.GetString("POLL_INTERVAL")); err != nil {
		return nil, fmt.Errorf("invalid POLL_INTERVAL: %w", err)
	}

	// Per-chain providers come from CHAIN_<id>_PROVIDERS. Domains name which
	// chains exist; providers may be supplemented by the config file.
	for _, domain := range cfg.SupportedSettlementDomains {
		key := fmt.Sprintf("CHAIN_%s_PROVIDERS", domain)
		cfg.Chains[domain] = ChainConfig{
			ChainID:   domain,
			Providers: splitList(v.GetString(key)),
		}
	}

	if file := v.GetString("MARK_CONFIG_FILE"); file != "" {
		if err := loadFile(file, cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// loadFile merges the structured sections (chains, routes, minimums) from a
// YAML config file on top of the environment.
func loadFile(path string, cfg *Config) error {
	fv := viper.New()
	fv.SetConfigFile(path)
	if err := fv.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	var file struct {
		Chains               []ChainConfig     `mapstructure:"chains"`
		Routes               []RouteConfig     `mapstructure:"routes"`
		MinRebalanceAmounts  map[string]string `mapstructure:"minRebalanceAmounts"`
		PurchaseMinShortfall string            `mapstructure:"purchaseMinShortfall"`
	}
	if err := fv.Unmarshal(&file); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	for _, ch := range file.Chains {
		existing, ok := cfg.Chains[ch.ChainID]
		if ok && len(ch.Providers) == 0 {
			ch.Providers = existing.Providers
		}
		cfg.Chains[ch.ChainID] = ch
	}
	cfg.Routes = file.Routes
	cfg.MinRebalanceAmounts = file.MinRebalanceAmounts
	cfg.PurchaseMinShortfall = file.PurchaseMinShortfall
	return nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
