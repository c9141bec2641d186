// Package config loads ferrotwin configuration from .ferrotwin/config.yaml
// with environment variable overrides (FERROTWIN_*).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all ferrotwin configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Server configuration
	Server ServerConfig `yaml:"server"`

	// AFM data handling
	Data DataConfig `yaml:"data"`

	// Simulation limits and defaults
	Simulation SimulationConfig `yaml:"simulation"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the MCP server identity.
type ServerConfig struct {
	Name            string `yaml:"name"`
	ProtocolVersion string `yaml:"protocol_version"`
}

// DataConfig configures AFM data ingest and persistence.
type DataConfig struct {
	// Dir is watched for new scan files when WatchEnabled is true.
	Dir          string `yaml:"dir"`
	WatchEnabled bool   `yaml:"watch_enabled"`

	// DatabasePath is the SQLite session database. Empty disables persistence.
	DatabasePath string `yaml:"database_path"`
}

// SimulationConfig bounds simulation requests from tool callers.
type SimulationConfig struct {
	MaxLatticeSize  int     `yaml:"max_lattice_size"`
	MaxSteps        int     `yaml:"max_steps"`
	DefaultLattice  int     `yaml:"default_lattice"`
	DefaultSteps    int     `yaml:"default_steps"`
	DefaultGamma    float64 `yaml:"default_gamma"`
	DefaultCoupling float64 `yaml:"default_coupling"`
	DefaultMode     string  `yaml:"default_mode"`
}

// LoggingConfig configures the category logger (see internal/logging).
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Name:    "ferrotwin",
		Version: "0.3.0",

		Server: ServerConfig{
			Name:            "ferrotwin-mcp-server",
			ProtocolVersion: "2024-11-05",
		},

		Data: DataConfig{
			Dir:          "data",
			WatchEnabled: false,
			DatabasePath: filepath.Join(".ferrotwin", "ferrotwin.db"),
		},

		Simulation: SimulationConfig{
			MaxLatticeSize:  256,
			MaxSteps:        100000,
			DefaultLattice:  10,
			DefaultSteps:    1000,
			DefaultGamma:    1.0,
			DefaultCoupling: 1.0,
			DefaultMode:     "tetragonal",
		},

		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// DefaultPath returns the conventional config location under a workspace.
func DefaultPath(workspace string) string {
	return filepath.Join(workspace, ".ferrotwin", "config.yaml")
}

// Load reads configuration from path, falling back to defaults when the
// file does not exist. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save writes the configuration to path, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies FERROTWIN_* environment variables on top of
// whatever the file provided.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("FERROTWIN_DATA_DIR"); v != "" {
		c.Data.Dir = v
	}
	if v := os.Getenv("FERROTWIN_DB_PATH"); v != "" {
		c.Data.DatabasePath = v
	}
	if v := os.Getenv("FERROTWIN_WATCH"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Data.WatchEnabled = b
		}
	}
	if v := os.Getenv("FERROTWIN_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Logging.DebugMode = b
		}
	}
	if v := os.Getenv("FERROTWIN_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("FERROTWIN_MAX_LATTICE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Simulation.MaxLatticeSize = n
		}
	}
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	if c.Simulation.MaxLatticeSize < 2 {
		return fmt.Errorf("simulation.max_lattice_size must be at least 2, got %d", c.Simulation.MaxLatticeSize)
	}
	if c.Simulation.MaxSteps < 1 {
		return fmt.Errorf("simulation.max_steps must be positive, got %d", c.Simulation.MaxSteps)
	}
	if c.Simulation.DefaultLattice > c.Simulation.MaxLatticeSize {
		return fmt.Errorf("simulation.default_lattice %d exceeds max_lattice_size %d",
			c.Simulation.DefaultLattice, c.Simulation.MaxLatticeSize)
	}
	switch c.Simulation.DefaultMode {
	case "tetragonal", "rhombohedral", "uniaxial", "squareelectric":
	default:
		return fmt.Errorf("unknown simulation.default_mode %q", c.Simulation.DefaultMode)
	}
	return nil
}
