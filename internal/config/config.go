package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds admin server configuration
type ServerConfig struct {
	NodeID          string        `yaml:"node_id"`
	Host            string        `yaml:"host"`
	AdminPort       int           `yaml:"admin_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	QueueSize       int           `yaml:"queue_size"`
}

// Config represents the complete configuration of the ad store daemon
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Collection CollectionConfig `yaml:"collection"`
	Views      []ViewConfig     `yaml:"views"`
	Disk       DiskConfig       `yaml:"disk"`
	ChangeFeed ChangeFeedConfig `yaml:"change_feed"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// StorageConfig holds record log configuration
type StorageConfig struct {
	DataDir            string        `yaml:"data_dir"`
	LogFile            string        `yaml:"log_file"`
	SyncWrites         bool          `yaml:"sync_writes"`
	MaxHistoricalLogs  int           `yaml:"max_historical_logs"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
}

// LogPath returns the record log path. A relative log_file is placed in
// data_dir.
func (s StorageConfig) LogPath() string {
	if filepath.IsAbs(s.LogFile) {
		return s.LogFile
	}
	return filepath.Join(s.DataDir, s.LogFile)
}

// CollectionConfig holds collection hierarchy configuration
type CollectionConfig struct {
	RootRank            string `yaml:"root_rank"`
	ExpressionCacheSize int    `yaml:"expression_cache_size"`
}

// ViewConfig declares a derived view recreated at startup.
type ViewConfig struct {
	Name       string   `yaml:"name"`
	Kind       string   `yaml:"kind"`
	Parent     string   `yaml:"parent"`
	Rank       string   `yaml:"rank"`
	Constraint string   `yaml:"constraint"`
	Attributes []string `yaml:"attributes"`
}

// DiskConfig holds disk guard thresholds in percent of capacity
type DiskConfig struct {
	CheckInterval           time.Duration `yaml:"check_interval"`
	WarningThreshold        float64       `yaml:"warning_threshold"`
	ThrottleThreshold       float64       `yaml:"throttle_threshold"`
	CircuitBreakerThreshold float64       `yaml:"circuit_breaker_threshold"`
}

// ChangeFeedConfig holds Kafka change feed configuration
type ChangeFeedConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	FlushTimeout time.Duration `yaml:"flush_timeout"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Path            string        `yaml:"path"`
	CollectInterval time.Duration `yaml:"collect_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig loads configuration from a file and applies environment
// overrides.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration, applies environment overrides and
// defaults, and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{
		Storage: StorageConfig{SyncWrites: true},
		Metrics: MetricsConfig{Enabled: true},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvironmentOverrides(cfg)

	// Set defaults if not specified
	setDefaults(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to config
func applyEnvironmentOverrides(cfg *Config) {
	if nodeID := os.Getenv("ADSTORE_NODE_ID"); nodeID != "" {
		cfg.Server.NodeID = nodeID
	}
	if dataDir := os.Getenv("ADSTORE_DATA_DIR"); dataDir != "" {
		cfg.Storage.DataDir = dataDir
	}
	if port := os.Getenv("ADSTORE_ADMIN_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.AdminPort = p
		}
	}
	if level := os.Getenv("ADSTORE_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if brokers := os.Getenv("ADSTORE_CHANGE_FEED_BROKERS"); brokers != "" {
		cfg.ChangeFeed.Brokers = nil
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.ChangeFeed.Brokers = append(cfg.ChangeFeed.Brokers, b)
			}
		}
		cfg.ChangeFeed.Enabled = true
	}
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.AdminPort == 0 {
		cfg.Server.AdminPort = 9090
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 10 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Server.QueueSize == 0 {
		cfg.Server.QueueSize = 1024
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "/var/lib/adstore"
	}
	if cfg.Storage.LogFile == "" {
		cfg.Storage.LogFile = "records.log"
	}
	if cfg.Storage.CheckpointInterval == 0 {
		cfg.Storage.CheckpointInterval = 10 * time.Minute
	}

	if cfg.Collection.ExpressionCacheSize == 0 {
		cfg.Collection.ExpressionCacheSize = 1024
	}

	if cfg.Disk.CheckInterval == 0 {
		cfg.Disk.CheckInterval = 10 * time.Second
	}
	if cfg.Disk.WarningThreshold == 0 {
		cfg.Disk.WarningThreshold = 80
	}
	if cfg.Disk.ThrottleThreshold == 0 {
		cfg.Disk.ThrottleThreshold = 90
	}
	if cfg.Disk.CircuitBreakerThreshold == 0 {
		cfg.Disk.CircuitBreakerThreshold = 95
	}

	if cfg.ChangeFeed.Topic == "" {
		cfg.ChangeFeed.Topic = "adstore.changes"
	}
	if cfg.ChangeFeed.FlushTimeout == 0 {
		cfg.ChangeFeed.FlushTimeout = 10 * time.Second
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Metrics.CollectInterval == 0 {
		cfg.Metrics.CollectInterval = 15 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Server.AdminPort < 1 || c.Server.AdminPort > 65535 {
		return fmt.Errorf("server.admin_port must be between 1 and 65535")
	}
	if c.Storage.MaxHistoricalLogs < 0 {
		return fmt.Errorf("storage.max_historical_logs cannot be negative")
	}
	if c.Storage.CheckpointInterval < 0 {
		return fmt.Errorf("storage.checkpoint_interval cannot be negative")
	}
	if c.Collection.ExpressionCacheSize < 0 {
		return fmt.Errorf("collection.expression_cache_size cannot be negative")
	}

	d := c.Disk
	if d.WarningThreshold > d.ThrottleThreshold || d.ThrottleThreshold > d.CircuitBreakerThreshold {
		return fmt.Errorf("disk thresholds must satisfy warning <= throttle <= circuit_breaker")
	}
	if d.CircuitBreakerThreshold > 100 {
		return fmt.Errorf("disk.circuit_breaker_threshold cannot exceed 100")
	}

	if c.ChangeFeed.Enabled && len(c.ChangeFeed.Brokers) == 0 {
		return fmt.Errorf("change_feed.brokers is required when the change feed is enabled")
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console")
	}

	names := make(map[string]struct{}, len(c.Views))
	for i, v := range c.Views {
		if v.Name == "" {
			return fmt.Errorf("views[%d].name is required", i)
		}
		if _, dup := names[v.Name]; dup {
			return fmt.Errorf("views[%d]: duplicate view name %q", i, v.Name)
		}
		if v.Parent != "" {
			if _, ok := names[v.Parent]; !ok {
				return fmt.Errorf("views[%d]: parent %q must be declared earlier", i, v.Parent)
			}
		}
		switch v.Kind {
		case "constraint":
			if strings.TrimSpace(v.Constraint) == "" {
				return fmt.Errorf("views[%d]: constraint view requires a constraint", i)
			}
		case "partition":
			if len(v.Attributes) == 0 {
				return fmt.Errorf("views[%d]: partition view requires attributes", i)
			}
		default:
			return fmt.Errorf("views[%d]: unknown kind %q", i, v.Kind)
		}
		names[v.Name] = struct{}{}
	}
	return nil
}
