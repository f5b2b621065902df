package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	// Server settings
	Server ServerConfig `yaml:"server"`

	// Upstream resolver settings
	Upstream UpstreamConfig `yaml:"upstream"`

	// Cache settings
	Cache CacheConfig `yaml:"cache"`

	// Snapshot persistence
	Snapshot SnapshotConfig `yaml:"snapshot"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Telemetry (OTEL)
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds listener settings
type ServerConfig struct {
	ListenAddress string `yaml:"listen_address"`
	UDPEnabled    bool   `yaml:"udp_enabled"`
	TCPEnabled    bool   `yaml:"tcp_enabled"`
}

// UpstreamConfig holds the upstream resolver contract: one address,
// one bounded timeout, no retries and no fallback servers.
type UpstreamConfig struct {
	Address string        `yaml:"address"`
	Timeout time.Duration `yaml:"timeout"`
}

// CacheConfig holds record store settings
type CacheConfig struct {
	// How often the reclaimer sweeps expired records out of the store
	ReclaimInterval time.Duration `yaml:"reclaim_interval"`
}

// SnapshotConfig holds cache snapshot persistence settings
type SnapshotConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	BusyTimeout int    `yaml:"busy_timeout"` // milliseconds
	WALMode     bool   `yaml:"wal_mode"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level     string `yaml:"level"`      // debug, info, warn, error
	Format    string `yaml:"format"`     // json, text
	Output    string `yaml:"output"`     // stdout, stderr, file
	FilePath  string `yaml:"file_path"`  // if output=file
	AddSource bool   `yaml:"add_source"` // include source file/line
}

// TelemetryConfig holds OpenTelemetry settings
type TelemetryConfig struct {
	Enabled           bool   `yaml:"enabled"`
	ServiceName       string `yaml:"service_name"`
	ServiceVersion    string `yaml:"service_version"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	PrometheusPort    int    `yaml:"prometheus_port"`
}

// Load loads the configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults creates a configuration with sensible defaults
func LoadWithDefaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults sets default values for unset configuration fields
func (c *Config) applyDefaults() {
	// Server defaults: UDP datagram service on the well-known port
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = ":53"
	}
	if !c.Server.UDPEnabled && !c.Server.TCPEnabled {
		c.Server.UDPEnabled = true
	}

	// Upstream defaults
	if c.Upstream.Address == "" {
		c.Upstream.Address = "8.8.8.8:53"
	}
	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = 2 * time.Second
	}

	// Cache defaults
	if c.Cache.ReclaimInterval == 0 {
		c.Cache.ReclaimInterval = 10 * time.Second
	}

	// Snapshot defaults
	if c.Snapshot.Path == "" {
		c.Snapshot.Path = "./burrow-cache.db"
	}
	if c.Snapshot.BusyTimeout == 0 {
		c.Snapshot.BusyTimeout = 5000
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	// Telemetry defaults
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "burrow"
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = "dev"
	}
	if c.Telemetry.PrometheusPort == 0 {
		c.Telemetry.PrometheusPort = 9090
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address cannot be empty")
	}
	if !c.Server.UDPEnabled && !c.Server.TCPEnabled {
		return fmt.Errorf("at least one of UDP or TCP must be enabled")
	}

	if c.Upstream.Address == "" {
		return fmt.Errorf("upstream.address cannot be empty")
	}
	if _, _, err := net.SplitHostPort(c.Upstream.Address); err != nil {
		return fmt.Errorf("upstream.address must be host:port: %w", err)
	}
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("upstream.timeout must be positive")
	}

	if c.Cache.ReclaimInterval <= 0 {
		return fmt.Errorf("cache.reclaim_interval must be positive")
	}

	if c.Snapshot.Enabled && c.Snapshot.Path == "" {
		return fmt.Errorf("snapshot.path must be set when snapshot is enabled")
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid logging format: %s (must be json or text)", c.Logging.Format)
	}

	validOutputs := map[string]bool{
		"stdout": true,
		"stderr": true,
		"file":   true,
	}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid logging output: %s (must be stdout, stderr, or file)", c.Logging.Output)
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		return fmt.Errorf("logging.file_path must be set when output is 'file'")
	}

	return nil
}
