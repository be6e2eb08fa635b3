// Package config handles configuration loading from YAML files and environment variables.
// Configuration precedence: CLI flags > environment variables > config file > embedded defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a wrapper around time.Duration that supports YAML unmarshaling
// from human-readable strings like "250ms", "1s", "1m".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements the yaml.Unmarshaler interface for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		parsed, err := time.ParseDuration(value.Value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value.Value, err)
		}
		d.Duration = parsed
		return nil
	default:
		return fmt.Errorf("unsupported duration format: %v", value.Kind)
	}
}

// MarshalYAML implements the yaml.Marshaler interface for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds all agent configuration.
type Config struct {
	DCGM     DCGMConfig     `yaml:"dcgmi"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	History  HistoryConfig  `yaml:"history"`
	Recorder RecorderConfig `yaml:"recorder"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DCGMConfig holds settings for the wrapped dcgmi process.
type DCGMConfig struct {
	// Binary is the dcgmi executable name or path.
	Binary string `yaml:"binary"`
	// Interval is the sampling cadence passed to dmon (-d, milliseconds).
	Interval Duration `yaml:"interval"`
	// GPUs is an optional comma-separated entity id filter (-i). Empty = all.
	GPUs string `yaml:"gpus"`
}

// MetricsConfig holds the tracked metric set and aggregation behavior.
type MetricsConfig struct {
	// Names are dcgmi long names, resolved to field ids at startup.
	Names []string `yaml:"names"`
	// Mode is the aggregation mode: "mean" or "last".
	Mode string `yaml:"mode"`
}

// HistoryConfig holds the recent-sample window settings.
type HistoryConfig struct {
	// Window is the number of recent samples retained per device.
	Window int `yaml:"window"`
}

// RecorderConfig holds optional SQLite sample persistence settings.
type RecorderConfig struct {
	Enabled       bool     `yaml:"enabled"`
	DBPath        string   `yaml:"db_path"`
	FlushInterval Duration `yaml:"flush_interval"`
	// RetentionRows bounds the table size; older rows are pruned on flush.
	RetentionRows int `yaml:"retention_rows"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// DefaultMetrics is the tracked metric set used when the config does not
// name one. These are dcgmi dmon long names.
var DefaultMetrics = []string{
	"gpu_utilization",
	"mem_copy_utilization",
	"gr_engine_active",
	"sm_active",
	"sm_occupancy",
	"tensor_active",
	"dram_active",
	"pcie_tx_bytes",
	"pcie_rx_bytes",
	"nvlink_tx_bytes",
	"nvlink_rx_bytes",
	"power_usage",
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		DCGM: DCGMConfig{
			Binary:   "dcgmi",
			Interval: Duration{250 * time.Millisecond},
			GPUs:     "",
		},
		Metrics: MetricsConfig{
			Names: append([]string(nil), DefaultMetrics...),
			Mode:  "mean",
		},
		History: HistoryConfig{
			Window: 30,
		},
		Recorder: RecorderConfig{
			Enabled:       false,
			DBPath:        "./dcgmtop.db",
			FlushInterval: Duration{5 * time.Second},
			RetentionRows: 100000,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
	}
}

// CLIOverrides holds values from command-line flags.
// Zero values are treated as "not set" and skipped.
type CLIOverrides struct {
	Mode     string
	Interval time.Duration
	GPUs     string
}

// Locate searches standard config file paths and returns the first one found.
// Returns empty string if no config file exists.
func Locate() string {
	for _, p := range configSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// LoadFromBytes parses YAML configuration from a byte slice and merges with defaults.
// Environment variables take highest precedence and override values from the byte slice.
func LoadFromBytes(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config data: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// Load reads configuration from a YAML file and merges with defaults.
// If path is empty or the file does not exist, only defaults and environment
// variables are used.
func Load(path string) (*Config, error) {
	if path == "" {
		return LoadFromBytes(nil)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// File doesn't exist — use defaults + env overrides
		return LoadFromBytes(nil)
	}

	return LoadFromBytes(data)
}

// LoadLayered loads configuration with the full precedence chain:
// CLI flags > env vars > external YAML file > embedded bytes > defaults.
//
// An optional configPath argument controls external-file discovery:
//   - omitted        → auto-discover via Locate()
//   - explicit value → use that path ("" means no external file)
func LoadLayered(cli CLIOverrides, embedded []byte, configPath ...string) (*Config, error) {
	cfg := DefaultConfig()

	// Layer 1: embedded config (lowest priority data layer)
	if len(embedded) > 0 {
		if err := yaml.Unmarshal(embedded, cfg); err != nil {
			return nil, fmt.Errorf("parsing embedded config: %w", err)
		}
	}

	// Layer 2: external YAML file
	var filePath string
	if len(configPath) > 0 {
		filePath = configPath[0] // caller-supplied (may be "")
	} else {
		filePath = Locate() // auto-discover
	}
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file %s: %w", filePath, err)
			}
		}
	}

	// Layer 3: environment variables
	applyEnvOverrides(cfg)

	// Layer 4: CLI flags (highest priority)
	if cli.Mode != "" {
		cfg.Metrics.Mode = cli.Mode
	}
	if cli.Interval > 0 {
		cfg.DCGM.Interval = Duration{cli.Interval}
	}
	if cli.GPUs != "" {
		cfg.DCGM.GPUs = cli.GPUs
	}

	return cfg, nil
}

// WriteConfig serializes the config to a YAML file at the given path.
// Creates parent directories if needed.
func WriteConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0640)
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if binary := os.Getenv("DCGMTOP_BINARY"); binary != "" {
		cfg.DCGM.Binary = binary
	}
	if mode := os.Getenv("DCGMTOP_MODE"); mode != "" {
		cfg.Metrics.Mode = mode
	}
	if interval := os.Getenv("DCGMTOP_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			cfg.DCGM.Interval = Duration{d}
		}
	}
	if level := os.Getenv("DCGMTOP_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DCGM.Binary == "" {
		return fmt.Errorf("dcgmi binary is required")
	}
	if c.DCGM.Interval.Duration < time.Millisecond {
		return fmt.Errorf("sampling interval must be at least 1ms (got %v)", c.DCGM.Interval.Duration)
	}
	if len(c.Metrics.Names) == 0 {
		return fmt.Errorf("at least one tracked metric is required")
	}
	if c.Metrics.Mode != "mean" && c.Metrics.Mode != "last" {
		return fmt.Errorf("aggregation mode must be \"mean\" or \"last\" (got %q)", c.Metrics.Mode)
	}
	if c.History.Window <= 0 {
		return fmt.Errorf("history window must be positive (got %d)", c.History.Window)
	}
	if c.Recorder.Enabled && c.Recorder.DBPath == "" {
		return fmt.Errorf("recorder db_path is required when the recorder is enabled")
	}
	return nil
}
