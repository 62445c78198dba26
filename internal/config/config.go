package config

import (
	"errors"
	"fmt"
	"time"
)

// Config represents the automation service configuration
type Config struct {
	Store    StoreConfig    `mapstructure:"store"`
	Database DatabaseConfig `mapstructure:"database"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Harvest  HarvestConfig  `mapstructure:"harvest"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Session  SessionConfig  `mapstructure:"session"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Health   HealthConfig   `mapstructure:"health"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// StoreConfig selects the coordination store backend
type StoreConfig struct {
	// Backend is one of: postgres, sqlite, memory. Multi-host
	// deployments require postgres; sqlite coordinates processes on a
	// single host; memory is for tests.
	Backend string `mapstructure:"backend"`
}

// DatabaseConfig represents PostgreSQL coordination store configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SQLiteConfig represents the single-host store configuration
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig represents the seen-target store configuration
type RedisConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	SeenTTL      time.Duration `mapstructure:"seen_ttl"`
}

// UpstreamConfig points at the automation API gateway that performs
// the actual fetches and actions
type UpstreamConfig struct {
	// BaseURL of the automation gateway. Empty selects the dry-run
	// client, which fabricates nothing and performs nothing.
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// HarvestConfig tunes feed collection
type HarvestConfig struct {
	MaxPages          int           `mapstructure:"max_pages"`
	AggressiveRetries int           `mapstructure:"aggressive_retries"`
	StallBound        int           `mapstructure:"stall_bound"`
	MaxFetchFailures  int           `mapstructure:"max_fetch_failures"`
	FetchLimit        int           `mapstructure:"fetch_limit"`
	DelayMin          time.Duration `mapstructure:"delay_min"`
	DelayMax          time.Duration `mapstructure:"delay_max"`
	FailureBackoff    time.Duration `mapstructure:"failure_backoff"`
}

// QueueConfig tunes action execution
type QueueConfig struct {
	// ActionLimits is the hourly admission budget per action kind.
	// Kinds without an entry fall back to DefaultLimit.
	ActionLimits map[string]int `mapstructure:"action_limits"`
	DefaultLimit int            `mapstructure:"default_limit"`
	// OnDenied is "wait" or "abort".
	OnDenied    string        `mapstructure:"on_denied"`
	StopOnError bool          `mapstructure:"stop_on_error"`
	DelayMin    time.Duration `mapstructure:"delay_min"`
	DelayMax    time.Duration `mapstructure:"delay_max"`
	BatchSize   int           `mapstructure:"batch_size"`
	BatchPause  time.Duration `mapstructure:"batch_pause"`
}

// SessionConfig tunes session orchestration
type SessionConfig struct {
	// SafeList names targets never queued for an action.
	SafeList []string `mapstructure:"safe_list"`
	// StaleAfter is the lock age above which operator tooling flags a
	// lock as likely stale. Diagnosis only; locks are never auto-broken.
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// HealthConfig represents health endpoint configuration
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "postgres":
		if c.Database.Host == "" {
			return errors.New("database.host is required")
		}
		if c.Database.Database == "" {
			return errors.New("database.database is required")
		}
		if c.Database.User == "" {
			return errors.New("database.user is required")
		}
	case "sqlite":
		if c.SQLite.Path == "" {
			return errors.New("sqlite.path is required")
		}
	case "memory":
	default:
		return fmt.Errorf("store.backend must be one of: postgres, sqlite, memory (got %q)", c.Store.Backend)
	}

	if c.Harvest.StallBound <= 0 {
		return errors.New("harvest.stall_bound must be positive")
	}
	if c.Harvest.MaxFetchFailures <= 0 {
		return errors.New("harvest.max_fetch_failures must be positive")
	}
	if c.Harvest.FetchLimit <= 0 {
		return errors.New("harvest.fetch_limit must be positive")
	}
	if c.Harvest.DelayMin > c.Harvest.DelayMax {
		return errors.New("harvest.delay_min must not exceed harvest.delay_max")
	}

	if c.Queue.DefaultLimit <= 0 {
		return errors.New("queue.default_limit must be positive")
	}
	for kind, limit := range c.Queue.ActionLimits {
		if limit <= 0 {
			return fmt.Errorf("queue.action_limits[%s] must be positive", kind)
		}
	}
	switch c.Queue.OnDenied {
	case "", "wait", "abort":
	default:
		return errors.New("queue.on_denied must be one of: wait, abort")
	}
	if c.Queue.DelayMin > c.Queue.DelayMax {
		return errors.New("queue.delay_min must not exceed queue.delay_max")
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// ActionLimit returns the hourly budget for an action kind.
func (c *Config) ActionLimit(kind string) int {
	if limit, ok := c.Queue.ActionLimits[kind]; ok {
		return limit
	}
	return c.Queue.DefaultLimit
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Backend: "postgres",
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "feedpacer",
			User:            "feedpacer",
			Password:        "",
			MaxConnections:  10,
			MinConnections:  2,
			ConnMaxLifetime: 30 * time.Minute,
		},
		SQLite: SQLiteConfig{
			Path: "feedpacer.db",
		},
		Redis: RedisConfig{
			Host:         "localhost",
			Port:         6379,
			Password:     "",
			DB:           0,
			PoolSize:     10,
			MinIdleConns: 2,
			SeenTTL:      30 * 24 * time.Hour,
		},
		Upstream: UpstreamConfig{
			BaseURL: "",
			Token:   "",
			Timeout: 30 * time.Second,
		},
		Harvest: HarvestConfig{
			MaxPages:          0,
			AggressiveRetries: 3,
			StallBound:        10,
			MaxFetchFailures:  3,
			FetchLimit:        200,
			DelayMin:          3 * time.Second,
			DelayMax:          8 * time.Second,
			FailureBackoff:    5 * time.Second,
		},
		Queue: QueueConfig{
			ActionLimits: map[string]int{
				"follow":   20,
				"unfollow": 60,
				"like":     50,
				"comment":  10,
			},
			DefaultLimit: 20,
			OnDenied:     "wait",
			StopOnError:  false,
			DelayMin:     3 * time.Second,
			DelayMax:     8 * time.Second,
			BatchSize:    0,
			BatchPause:   5 * time.Minute,
		},
		Session: SessionConfig{
			SafeList:   nil,
			StaleAfter: 2 * time.Hour,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Health: HealthConfig{
			Enabled: true,
			Port:    8081,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
