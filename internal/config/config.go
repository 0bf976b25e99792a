package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/livinlefevreloca/syncrunner/internal/queue"
	"github.com/livinlefevreloca/syncrunner/internal/staging"
)

// Config represents the application configuration
type Config struct {
	HTTP         HTTPConfig         `toml:"http" yaml:"http"`
	Metrics      MetricsConfig      `toml:"metrics" yaml:"metrics"`
	Logging      LoggingConfig      `toml:"logging" yaml:"logging"`
	Queue        queue.Config       `toml:"queue" yaml:"queue"`
	Orchestrator OrchestratorConfig `toml:"orchestrator" yaml:"orchestrator"`
	Staging      staging.Config     `toml:"staging" yaml:"staging"`
	Targets      []TargetConfig     `toml:"targets" yaml:"targets"`
}

// HTTPConfig holds HTTP API server settings
type HTTPConfig struct {
	Address     string        `toml:"address" yaml:"address"`
	Port        int           `toml:"port" yaml:"port"`
	ReadTimeout time.Duration `toml:"read_timeout" yaml:"read_timeout"`

	// Zero disables the limit, which progress event streams rely on
	WriteTimeout    time.Duration `toml:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// Addr returns the listen address
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Address, h.Port)
}

// MetricsConfig holds metrics/monitoring settings
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Path    string `toml:"path" yaml:"path"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// OrchestratorConfig holds job execution settings
type OrchestratorConfig struct {
	// How long an abort request waits for the unit to exit
	StopTimeout time.Duration `toml:"stop_timeout" yaml:"stop_timeout"`

	// Target spawned by the sync trigger endpoint
	DefaultTarget string `toml:"default_target" yaml:"default_target"`

	// Queued imports on ImportTopic run as executions of ImportTarget
	ImportTopic     string `toml:"import_topic" yaml:"import_topic"`
	ImportTarget    string `toml:"import_target" yaml:"import_target"`
	ImportConsumers int    `toml:"import_consumers" yaml:"import_consumers"`
}

// TargetConfig describes a worker executable
type TargetConfig struct {
	Name        string            `toml:"name" yaml:"name"`
	Command     string            `toml:"command" yaml:"command"`
	Args        []string          `toml:"args" yaml:"args"`
	Env         map[string]string `toml:"env" yaml:"env"`
	Dir         string            `toml:"dir" yaml:"dir"`
	GracePeriod time.Duration     `toml:"grace_period" yaml:"grace_period"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Address:         "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Queue: queue.DefaultConfig(),
		Orchestrator: OrchestratorConfig{
			StopTimeout:     30 * time.Second,
			DefaultTarget:   "sync",
			ImportTopic:     "imports",
			ImportTarget:    "stage",
			ImportConsumers: 1,
		},
		Staging: staging.DefaultConfig(),
	}
}

// LoadFromFile loads configuration from a TOML file, or a YAML file when the
// extension is .yaml or .yml. Unset keys keep their defaults.
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		md, err := toml.Decode(string(data), config)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown config keys: %v", undecoded)
		}
	}

	return config, nil
}

// LoadConfig loads configuration with the following precedence:
// 1. Default values
// 2. Config file (if specified)
// 3. Command-line flags (handled by caller)
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		return DefaultConfig(), nil
	}
	return LoadFromFile(configPath)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// HTTP validation
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		return fmt.Errorf("http shutdown_timeout must be positive")
	}

	// Metrics validation
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics path must start with /: %q", c.Metrics.Path)
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}

	if err := c.Queue.Validate(); err != nil {
		return err
	}
	if err := c.Staging.Validate(); err != nil {
		return err
	}

	// Orchestrator validation
	if c.Orchestrator.StopTimeout <= 0 {
		return fmt.Errorf("orchestrator stop_timeout must be positive")
	}
	if c.Orchestrator.ImportTopic != "" && c.Orchestrator.ImportConsumers <= 0 {
		return fmt.Errorf("orchestrator import_consumers must be positive when import_topic is set")
	}

	// Target validation
	seen := make(map[string]bool, len(c.Targets))
	for i, t := range c.Targets {
		if t.Name == "" {
			return fmt.Errorf("target %d: name must be specified", i)
		}
		if t.Command == "" {
			return fmt.Errorf("target %s: command must be specified", t.Name)
		}
		if t.GracePeriod < 0 {
			return fmt.Errorf("target %s: grace_period must not be negative", t.Name)
		}
		if seen[t.Name] {
			return fmt.Errorf("target %s: defined more than once", t.Name)
		}
		seen[t.Name] = true
	}

	return nil
}
