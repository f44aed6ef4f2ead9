// Package config provides configuration management for the orchestration control plane.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Etcd         EtcdConfig         `mapstructure:"etcd"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	CORS         CORSConfig         `mapstructure:"cors"`
	Hypervisor   HypervisorConfig   `mapstructure:"hypervisor"`
	Placement    PlacementConfig    `mapstructure:"placement"`
	Migration    MigrationConfig    `mapstructure:"migration"`
	Drain        DrainConfig        `mapstructure:"drain"`
	Provisioning ProvisioningConfig `mapstructure:"provisioning"`
	Registry     RegistryConfig     `mapstructure:"registry"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the server address string.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// URL returns the PostgreSQL connection URL.
func (c DatabaseConfig) URL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode,
	)
}

// EtcdConfig holds etcd configuration.
type EtcdConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Address returns the Redis address string.
func (c RedisConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

// HypervisorConfig selects and configures the hypervisor adapter.
type HypervisorConfig struct {
	// Driver is "pve" for a Proxmox VE cluster or "fake" for an in-memory cluster.
	Driver             string        `mapstructure:"driver"`
	BaseURL            string        `mapstructure:"base_url"`
	TokenID            string        `mapstructure:"token_id"`
	TokenSecret        string        `mapstructure:"token_secret"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	Timeout            time.Duration `mapstructure:"timeout"`
	RetryMax           int           `mapstructure:"retry_max"`
	RetryWaitMin       time.Duration `mapstructure:"retry_wait_min"`
	RetryWaitMax       time.Duration `mapstructure:"retry_wait_max"`
}

// PlacementConfig holds host placement configuration.
type PlacementConfig struct {
	// DefaultAntiAffinity applies when a cluster request names no strategy.
	DefaultAntiAffinity string `mapstructure:"default_anti_affinity"`
}

// MigrationConfig holds VM migration configuration.
type MigrationConfig struct {
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	OfflineFallbackDelay time.Duration `mapstructure:"offline_fallback_delay"`
	DefaultTransport     string        `mapstructure:"default_transport"`
	StorageCacheTTL      time.Duration `mapstructure:"storage_cache_ttl"`
	StorageMaxRetries    int           `mapstructure:"storage_max_retries"`
	StorageRetryBackoff  time.Duration `mapstructure:"storage_retry_backoff"`
	HeuristicEnabled     bool          `mapstructure:"heuristic_enabled"`
	HeuristicPatterns    []string      `mapstructure:"heuristic_patterns"`
}

// DrainConfig holds node drain configuration.
type DrainConfig struct {
	Parallel       bool `mapstructure:"parallel"`
	MaxConcurrency int  `mapstructure:"max_concurrency"`
}

// ProvisioningConfig holds cluster provisioning configuration.
type ProvisioningConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	MaxParallel     int           `mapstructure:"max_parallel"`
	HostnamePattern string        `mapstructure:"hostname_pattern"`
	DefaultStorage  string        `mapstructure:"default_storage"`
	DefaultBridge   string        `mapstructure:"default_bridge"`
}

// RegistryConfig holds operation registry configuration.
type RegistryConfig struct {
	// Backend is "memory" or "redis". With redis, operation snapshots are
	// mirrored so status polling survives a restart.
	Backend string        `mapstructure:"backend"`
	TTL     time.Duration `mapstructure:"ttl"`
	// Finished operations are dropped from the local registry once they
	// have been terminal for Retention. Zero keeps them forever.
	Retention     time.Duration `mapstructure:"retention"`
	PruneInterval time.Duration `mapstructure:"prune_interval"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Environment variables
	v.SetEnvPrefix("ORCHESTRATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks values that have no usable fallback.
func (c *Config) Validate() error {
	switch c.Hypervisor.Driver {
	case "pve":
		if c.Hypervisor.BaseURL == "" {
			return fmt.Errorf("hypervisor.base_url is required for the pve driver")
		}
	case "fake":
	default:
		return fmt.Errorf("unknown hypervisor.driver %q", c.Hypervisor.Driver)
	}

	switch c.Registry.Backend {
	case "memory":
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("registry.backend=redis requires redis.enabled")
		}
	default:
		return fmt.Errorf("unknown registry.backend %q", c.Registry.Backend)
	}

	if c.Registry.Retention > 0 && c.Registry.PruneInterval <= 0 {
		return fmt.Errorf("registry.prune_interval must be positive when registry.retention is set")
	}

	if c.Migration.PollInterval <= 0 {
		return fmt.Errorf("migration.poll_interval must be positive")
	}
	if c.Provisioning.PollInterval <= 0 {
		return fmt.Errorf("provisioning.poll_interval must be positive")
	}
	if c.Drain.MaxConcurrency < 1 {
		return fmt.Errorf("drain.max_concurrency must be at least 1")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// Database
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "orchestrator")
	v.SetDefault("database.user", "orchestrator")
	v.SetDefault("database.password", "orchestrator")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")

	// etcd
	v.SetDefault("etcd.enabled", false)
	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.dial_timeout", "5s")
	v.SetDefault("etcd.lock_timeout", "10s")

	// Redis
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	// CORS
	v.SetDefault("cors.allowed_origins", []string{"http://localhost:5173"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{"*"})
	v.SetDefault("cors.allow_credentials", true)

	// Hypervisor
	v.SetDefault("hypervisor.driver", "fake")
	v.SetDefault("hypervisor.timeout", "30s")
	v.SetDefault("hypervisor.retry_max", 3)
	v.SetDefault("hypervisor.retry_wait_min", "500ms")
	v.SetDefault("hypervisor.retry_wait_max", "5s")

	// Placement
	v.SetDefault("placement.default_anti_affinity", "NONE")

	// Migration
	v.SetDefault("migration.poll_interval", "2s")
	v.SetDefault("migration.offline_fallback_delay", "5s")
	v.SetDefault("migration.default_transport", "secure")
	v.SetDefault("migration.storage_cache_ttl", "30s")
	v.SetDefault("migration.storage_max_retries", 3)
	v.SetDefault("migration.storage_retry_backoff", "1s")
	v.SetDefault("migration.heuristic_enabled", true)
	v.SetDefault("migration.heuristic_patterns", []string{"local", "zfs"})

	// Drain
	v.SetDefault("drain.parallel", false)
	v.SetDefault("drain.max_concurrency", 3)

	// Provisioning
	v.SetDefault("provisioning.poll_interval", "2s")
	v.SetDefault("provisioning.max_parallel", 5)
	v.SetDefault("provisioning.hostname_pattern", "{cluster}-{group}-{index}")
	v.SetDefault("provisioning.default_storage", "local-lvm")
	v.SetDefault("provisioning.default_bridge", "vmbr0")

	// Registry
	v.SetDefault("registry.backend", "memory")
	v.SetDefault("registry.ttl", "168h")
	v.SetDefault("registry.retention", "24h")
	v.SetDefault("registry.prune_interval", "5m")

	// Metrics
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}
