// Package config reads service configuration. Defaults are overridden by an
// optional TOML file named by CONFIG_FILE, which is in turn overridden by
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/atmx/auction-engine/internal/auction"
	"github.com/atmx/auction-engine/internal/event"
)

var ErrInvalidConfig = errors.New("config: invalid value")

// Config holds every setting the server needs.
type Config struct {
	Port         string
	DatabaseURL  string // empty: in-memory store and ledger
	RedisURL     string // empty: no cache, no event publisher
	RedisChannel string
	CacheTTL     time.Duration
	TickInterval time.Duration
	DevFaucet    bool

	Engine auction.Config
}

// fileConfig mirrors the environment variables in TOML form. Durations
// use Go syntax, e.g. tick_interval = "6s".
type fileConfig struct {
	Port               int    `toml:"port"`
	DatabaseURL        string `toml:"database_url"`
	RedisURL           string `toml:"redis_url"`
	RedisChannel       string `toml:"redis_channel"`
	CacheTTL           string `toml:"cache_ttl"`
	TickInterval       string `toml:"tick_interval"`
	MaxAuctionsPerTick int    `toml:"max_auctions_per_tick"`
	SettlementMode     string `toml:"settlement_mode"`
	PruneOnCancel      bool   `toml:"prune_on_cancel"`
	DevFaucet          bool   `toml:"dev_faucet"`

	md toml.MetaData
}

// lookup returns the file value for an environment key, or "" when the
// file does not set it.
func (f fileConfig) lookup(key string) string {
	switch key {
	case "PORT":
		if f.md.IsDefined("port") {
			return strconv.Itoa(f.Port)
		}
	case "DATABASE_URL":
		return f.DatabaseURL
	case "REDIS_URL":
		return f.RedisURL
	case "REDIS_CHANNEL":
		return f.RedisChannel
	case "CACHE_TTL":
		return f.CacheTTL
	case "TICK_INTERVAL":
		return f.TickInterval
	case "MAX_AUCTIONS_PER_TICK":
		if f.md.IsDefined("max_auctions_per_tick") {
			return strconv.Itoa(f.MaxAuctionsPerTick)
		}
	case "SETTLEMENT_MODE":
		return f.SettlementMode
	case "PRUNE_ON_CANCEL":
		if f.md.IsDefined("prune_on_cancel") {
			return strconv.FormatBool(f.PruneOnCancel)
		}
	case "DEV_FAUCET":
		if f.md.IsDefined("dev_faucet") {
			return strconv.FormatBool(f.DevFaucet)
		}
	}
	return ""
}

// FaucetEnabled reports whether the deposit and mint routes are mounted.
// The faucet only runs over the in-memory ledger.
func (c *Config) FaucetEnabled() bool {
	return c.DevFaucet && c.DatabaseURL == ""
}

// Load reads CONFIG_FILE (if set) and the environment, and applies defaults.
func Load() (*Config, error) {
	getenv := os.Getenv
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		var fc fileConfig
		md, err := toml.DecodeFile(path, &fc)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		fc.md = md
		getenv = overlay(os.Getenv, fc)
	}
	return load(getenv)
}

// Parse builds a config from TOML text, with env taking precedence.
func Parse(data string, getenv func(string) string) (*Config, error) {
	var fc fileConfig
	md, err := toml.Decode(data, &fc)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	fc.md = md
	return load(overlay(getenv, fc))
}

func overlay(getenv func(string) string, fc fileConfig) func(string) string {
	return func(key string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return fc.lookup(key)
	}
}

func load(getenv func(string) string) (*Config, error) {
	cfg := &Config{
		Port:         getenv("PORT"),
		DatabaseURL:  getenv("DATABASE_URL"),
		RedisURL:     getenv("REDIS_URL"),
		RedisChannel: getenv("REDIS_CHANNEL"),
		CacheTTL:     30 * time.Second,
		TickInterval: 6 * time.Second,
		Engine: auction.Config{
			MaxAuctionsPerTick: auction.DefaultMaxAuctionsPerTick,
			Settlement:         auction.SettleIsolated,
		},
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.RedisChannel == "" {
		cfg.RedisChannel = event.DefaultChannel
	}

	var err error
	if v := getenv("CACHE_TTL"); v != "" {
		if cfg.CacheTTL, err = parseDuration("CACHE_TTL", v); err != nil {
			return nil, err
		}
	}
	if v := getenv("TICK_INTERVAL"); v != "" {
		if cfg.TickInterval, err = parseDuration("TICK_INTERVAL", v); err != nil {
			return nil, err
		}
	}
	if v := getenv("MAX_AUCTIONS_PER_TICK"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%w: MAX_AUCTIONS_PER_TICK=%q", ErrInvalidConfig, v)
		}
		cfg.Engine.MaxAuctionsPerTick = n
	}
	if v := getenv("SETTLEMENT_MODE"); v != "" {
		switch mode := auction.SettlementMode(v); mode {
		case auction.SettleIsolated, auction.SettleBatch:
			cfg.Engine.Settlement = mode
		default:
			return nil, fmt.Errorf("%w: SETTLEMENT_MODE=%q (want isolated or batch)", ErrInvalidConfig, v)
		}
	}
	if cfg.Engine.PruneOnCancel, err = parseBool("PRUNE_ON_CANCEL", getenv("PRUNE_ON_CANCEL")); err != nil {
		return nil, err
	}
	if cfg.DevFaucet, err = parseBool("DEV_FAUCET", getenv("DEV_FAUCET")); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseDuration(key, v string) (time.Duration, error) {
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%w: %s=%q", ErrInvalidConfig, key, v)
	}
	return d, nil
}

func parseBool(key, v string) (bool, error) {
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: %s=%q", ErrInvalidConfig, key, v)
	}
	return b, nil
}
