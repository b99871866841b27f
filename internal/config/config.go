// Package config loads the toolflow configuration from YAML with
// environment variable expansion.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Cache         CacheConfig         `yaml:"cache"`
	Bus           BusConfig           `yaml:"bus"`
	Sweeper       SweeperConfig       `yaml:"sweeper"`
	Stream        StreamConfig        `yaml:"stream"`
	Tools         ToolsConfig         `yaml:"tools"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type StorageConfig struct {
	// Driver selects the record store backend: memory, sqlite, or
	// postgres.
	Driver string `yaml:"driver"`
	// DSN is the connection string for sqlite and postgres drivers.
	DSN             string        `yaml:"dsn"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type CacheConfig struct {
	RecordTTL       time.Duration `yaml:"record_ttl"`
	IndexTTL        time.Duration `yaml:"index_ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

type BusConfig struct {
	LogCap        int           `yaml:"log_cap"`
	TTL           time.Duration `yaml:"ttl"`
	PruneInterval time.Duration `yaml:"prune_interval"`
}

type SweeperConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Schedule       string        `yaml:"schedule"`
	StaleAfter     time.Duration `yaml:"stale_after"`
	AuditRetention time.Duration `yaml:"audit_retention"`
}

type StreamConfig struct {
	Heartbeat time.Duration `yaml:"heartbeat"`
}

// ToolsConfig declares the tools the server knows about. Tools listed
// here gate on human approval or validate arguments; unknown tools are
// accepted optimistically.
type ToolsConfig struct {
	Definitions []ToolDefinitionConfig `yaml:"definitions"`
}

type ToolDefinitionConfig struct {
	Name             string `yaml:"name"`
	Description      string `yaml:"description"`
	RequiresApproval bool   `yaml:"requires_approval"`
	// ArgsSchema is an inline JSON Schema for argument validation.
	ArgsSchema string `yaml:"args_schema"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ObservabilityConfig struct {
	MetricsEnabled bool          `yaml:"metrics_enabled"`
	TracingEnabled bool          `yaml:"tracing_enabled"`
	OTLPEndpoint   string        `yaml:"otlp_endpoint"`
	ServiceName    string        `yaml:"service_name"`
	SampleRate     float64       `yaml:"sample_rate"`
	ExportTimeout  time.Duration `yaml:"export_timeout"`
}

// Load reads and parses the configuration file. Environment variables
// in the file (${VAR} or $VAR) are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver != "memory" && c.Storage.DSN == "" {
		return fmt.Errorf("storage driver %q requires a dsn", c.Storage.Driver)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	for i, def := range c.Tools.Definitions {
		if def.Name == "" {
			return fmt.Errorf("tools.definitions[%d]: name is required", i)
		}
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		// Streaming responses hold the connection open indefinitely,
		// so no write timeout by default.
		cfg.Server.WriteTimeout = 0
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "memory"
	}
	if cfg.Storage.MaxConnections == 0 {
		cfg.Storage.MaxConnections = 25
	}
	if cfg.Storage.ConnMaxLifetime == 0 {
		cfg.Storage.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Cache.RecordTTL == 0 {
		cfg.Cache.RecordTTL = 24 * time.Hour
	}
	if cfg.Cache.IndexTTL == 0 {
		cfg.Cache.IndexTTL = cfg.Cache.RecordTTL
	}
	if cfg.Cache.CleanupInterval == 0 {
		cfg.Cache.CleanupInterval = time.Minute
	}
	if cfg.Bus.LogCap == 0 {
		cfg.Bus.LogCap = 256
	}
	if cfg.Bus.TTL == 0 {
		cfg.Bus.TTL = 5 * time.Minute
	}
	if cfg.Bus.PruneInterval == 0 {
		cfg.Bus.PruneInterval = time.Minute
	}
	if cfg.Sweeper.Schedule == "" {
		cfg.Sweeper.Schedule = "@hourly"
	}
	if cfg.Sweeper.StaleAfter == 0 {
		cfg.Sweeper.StaleAfter = 24 * time.Hour
	}
	if cfg.Sweeper.AuditRetention == 0 {
		cfg.Sweeper.AuditRetention = 7 * 24 * time.Hour
	}
	if cfg.Stream.Heartbeat == 0 {
		cfg.Stream.Heartbeat = 25 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "toolflow"
	}
	if cfg.Observability.SampleRate == 0 {
		cfg.Observability.SampleRate = 1.0
	}
	if cfg.Observability.ExportTimeout == 0 {
		cfg.Observability.ExportTimeout = 10 * time.Second
	}
}
