package config

import (
	"errors"
	"fmt"
	"time"
)

// Config represents the placement engine configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Store        StoreConfig        `mapstructure:"store"`
	Placement    PlacementConfig    `mapstructure:"placement"`
	Capacity     CapacityConfig     `mapstructure:"capacity"`
	Provisioning ProvisioningConfig `mapstructure:"provisioning"`
	Migration    MigrationConfig    `mapstructure:"migration"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RateLimitRPS    float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst  int           `mapstructure:"rate_limit_burst"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// DatabaseConfig represents PostgreSQL repository configuration
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

// RedisConfig represents Redis cache and notification stream configuration
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StoreConfig selects the repository backend
type StoreConfig struct {
	// Backend is "memory" or "postgres"
	Backend      string `mapstructure:"backend"`
	EnsureSchema bool   `mapstructure:"ensure_schema"`
}

// PlacementConfig holds cell selection and provisioning limits
type PlacementConfig struct {
	DefaultRegion              string        `mapstructure:"default_region"`
	Regions                    []string      `mapstructure:"regions"`
	SharedCellMaxTenants       int           `mapstructure:"shared_cell_max_tenants"`
	MaxSharedCellsPerRegion    int           `mapstructure:"max_shared_cells_per_region"`
	MaxDedicatedCellsPerRegion int           `mapstructure:"max_dedicated_cells_per_region"`
	CounterRetryAttempts       int           `mapstructure:"counter_retry_attempts"`
	CounterRetryBackoff        time.Duration `mapstructure:"counter_retry_backoff"`
}

// CapacityConfig represents capacity monitor configuration
type CapacityConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	Interval             time.Duration `mapstructure:"interval"`
	UtilizationThreshold float64       `mapstructure:"utilization_threshold"`
	MaxConcurrentRegions int           `mapstructure:"max_concurrent_regions"`
}

// ProvisioningConfig represents cell provisioning configuration
type ProvisioningConfig struct {
	AutoActivate bool `mapstructure:"auto_activate"`
	// Notifier is "log" or "redis"
	Notifier     string `mapstructure:"notifier"`
	StreamName   string `mapstructure:"stream_name"`
	StreamMaxLen int64  `mapstructure:"stream_max_len"`
	Workers      int    `mapstructure:"workers"`
	QueueSize    int    `mapstructure:"queue_size"`
}

// MigrationConfig represents migration orchestrator configuration
type MigrationConfig struct {
	EstimatedDuration time.Duration `mapstructure:"estimated_duration"`
	RecoveryInterval  time.Duration `mapstructure:"recovery_interval"`
	RecoveryGrace     time.Duration `mapstructure:"recovery_grace"`
}

// CacheConfig represents cache configuration
type CacheConfig struct {
	TenantTTL   time.Duration `mapstructure:"tenant_ttl"`
	SnapshotTTL time.Duration `mapstructure:"snapshot_ttl"`
	MaxSize     int           `mapstructure:"max_size"`
	KeyPrefix   string        `mapstructure:"key_prefix"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"`
	ServiceName string `mapstructure:"service_name"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Host == "" {
		return errors.New("server.host is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	switch c.Store.Backend {
	case "memory":
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
	default:
		return fmt.Errorf("store.backend must be one of: memory, postgres (got %q)", c.Store.Backend)
	}
	if c.Redis.Enabled && c.Redis.Host == "" {
		return errors.New("redis.host is required when redis is enabled")
	}
	if c.Placement.DefaultRegion == "" {
		return errors.New("placement.default_region is required")
	}
	if c.Placement.SharedCellMaxTenants <= 0 {
		return errors.New("placement.shared_cell_max_tenants must be positive")
	}
	if c.Placement.MaxSharedCellsPerRegion <= 0 {
		return errors.New("placement.max_shared_cells_per_region must be positive")
	}
	if c.Placement.MaxDedicatedCellsPerRegion <= 0 {
		return errors.New("placement.max_dedicated_cells_per_region must be positive")
	}
	if c.Placement.CounterRetryAttempts < 1 {
		return errors.New("placement.counter_retry_attempts must be at least 1")
	}
	if c.Capacity.UtilizationThreshold <= 0 || c.Capacity.UtilizationThreshold > 1 {
		return errors.New("capacity.utilization_threshold must be in (0, 1]")
	}
	if c.Capacity.Enabled && c.Capacity.Interval <= 0 {
		return errors.New("capacity.interval must be positive when the monitor is enabled")
	}
	if c.Capacity.MaxConcurrentRegions <= 0 {
		c.Capacity.MaxConcurrentRegions = 1
	}
	switch c.Provisioning.Notifier {
	case "", "log":
		c.Provisioning.Notifier = "log"
	case "redis":
		if !c.Redis.Enabled {
			return errors.New("provisioning.notifier redis requires redis.enabled")
		}
	default:
		return fmt.Errorf("provisioning.notifier must be one of: log, redis (got %q)", c.Provisioning.Notifier)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RateLimitRPS:    100,
			RateLimitBurst:  200,
			AllowedOrigins:  []string{"*"},
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "placement",
			User:            "placement",
			Password:        "",
			MaxConnections:  20,
			MinConnections:  2,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: RedisConfig{
			Enabled:  false,
			Host:     "localhost",
			Port:     6379,
			Password: "",
			DB:       0,
		},
		Store: StoreConfig{
			Backend:      "memory",
			EnsureSchema: true,
		},
		Placement: PlacementConfig{
			DefaultRegion:              "eastus",
			SharedCellMaxTenants:       100,
			MaxSharedCellsPerRegion:    10,
			MaxDedicatedCellsPerRegion: 50,
			CounterRetryAttempts:       3,
			CounterRetryBackoff:        10 * time.Millisecond,
		},
		Capacity: CapacityConfig{
			Enabled:              true,
			Interval:             time.Hour,
			UtilizationThreshold: 0.8,
			MaxConcurrentRegions: 4,
		},
		Provisioning: ProvisioningConfig{
			AutoActivate: true,
			Notifier:     "log",
			StreamName:   "placement:cells",
			StreamMaxLen: 10000,
			Workers:      2,
			QueueSize:    100,
		},
		Migration: MigrationConfig{
			EstimatedDuration: 24 * time.Hour,
			RecoveryInterval:  5 * time.Minute,
			RecoveryGrace:     10 * time.Minute,
		},
		Cache: CacheConfig{
			TenantTTL:   5 * time.Minute,
			SnapshotTTL: 30 * time.Second,
			MaxSize:     10000,
			KeyPrefix:   "placement:",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "json",
			ServiceName: "placement-engine",
		},
	}
}
