// Package config handles configuration loading and validation for the chat
// gateway.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Config holds the gateway configuration.
type Config struct {
	ListenAddr string          `yaml:"listen_addr"`
	LogLevel   string          `yaml:"log_level"`
	Store      StoreConfig     `yaml:"store"`
	Presence   PresenceConfig  `yaml:"presence"`
	RateLimit  RateLimitConfig `yaml:"rate_limit"`
	Events     EventsConfig    `yaml:"events"`
	Moderation bool            `yaml:"moderation"`
	MaxConns   int             `yaml:"max_connections"`
}

// StoreConfig selects and addresses the durable store.
type StoreConfig struct {
	Backend     string `yaml:"backend"` // memory, redis, postgres or sqlite
	RedisAddr   string `yaml:"redis_addr"`
	NATSURL     string `yaml:"nats_url"`
	PostgresDSN string `yaml:"postgres_dsn"`
	SQLitePath  string `yaml:"sqlite_path"`
}

// PresenceConfig holds presence timing.
type PresenceConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StaleThreshold    time.Duration `yaml:"stale_threshold"`
}

// RateLimitConfig bounds sends per sender. A zero limit disables throttling.
type RateLimitConfig struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// EventsConfig addresses the lifecycle event exchange. An empty URL
// disables publishing.
type EventsConfig struct {
	AMQPURL  string `yaml:"amqp_url"`
	Exchange string `yaml:"exchange"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
		Store: StoreConfig{
			Backend:    BackendMemory,
			RedisAddr:  "localhost:6379",
			NATSURL:    "nats://localhost:4222",
			SQLitePath: "chatcore.db",
		},
		Presence: PresenceConfig{
			HeartbeatInterval: 30 * time.Second,
			StaleThreshold:    300 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Limit:  20,
			Window: 10 * time.Second,
		},
		Events: EventsConfig{
			Exchange: "chat.events",
		},
		Moderation: true,
		MaxConns:   100000,
	}
}

// Load reads configuration from path over the defaults. An empty or missing
// path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read config file: %w", err)
			}
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyDefaults fills zero values left by a partial file.
func (c *Config) applyDefaults() {
	defaults := Default()
	if c.Store.Backend == "" {
		c.Store.Backend = defaults.Store.Backend
	}
	if c.Presence.HeartbeatInterval == 0 {
		c.Presence.HeartbeatInterval = defaults.Presence.HeartbeatInterval
	}
	if c.Presence.StaleThreshold == 0 {
		c.Presence.StaleThreshold = defaults.Presence.StaleThreshold
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = defaults.RateLimit.Window
	}
	if c.Events.Exchange == "" {
		c.Events.Exchange = defaults.Events.Exchange
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr cannot be empty")
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Store.RedisAddr == "" || c.Store.NATSURL == "" {
			return fmt.Errorf("store backend %q needs redis_addr and nats_url", c.Store.Backend)
		}
	case BackendPostgres:
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store backend %q needs postgres_dsn", c.Store.Backend)
		}
	case BackendSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store backend %q needs sqlite_path", c.Store.Backend)
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	if c.Presence.HeartbeatInterval >= c.Presence.StaleThreshold {
		return fmt.Errorf("presence.heartbeat_interval (%s) must be shorter than presence.stale_threshold (%s)",
			c.Presence.HeartbeatInterval, c.Presence.StaleThreshold)
	}

	if c.RateLimit.Limit < 0 {
		return fmt.Errorf("rate_limit.limit cannot be negative")
	}
	if c.RateLimit.Limit > 0 && c.Store.RedisAddr == "" {
		return fmt.Errorf("rate_limit needs store.redis_addr")
	}

	if c.MaxConns < 1 {
		return fmt.Errorf("max_connections must be at least 1")
	}
	return nil
}
