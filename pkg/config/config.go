// Package config loads and validates nettestbed configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure.
type Config struct {
	// PortsServer is the coordination server address shared by all
	// concurrent test workers. Paths are unix sockets, anything else TCP.
	PortsServer string `yaml:"ports_server"`

	// TmpDirRoot is where per-run directories are created.
	TmpDirRoot string `yaml:"tmpdir_root"`

	Controller ControllerConfig `yaml:"controller"`
	TLS        TLSConfig        `yaml:"tls"`
	Capture    CaptureConfig    `yaml:"capture"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ControllerConfig holds controller process settings.
type ControllerConfig struct {
	// Executable is the controller launcher invoked from the wrapper
	// script, e.g. "ryu-manager".
	Executable string `yaml:"executable"`

	// Intf is the management interface the controller listens on and
	// capture attaches to.
	Intf string `yaml:"intf"`

	// Env is injected into the wrapper script, sorted by name.
	Env map[string]string `yaml:"env"`
}

// TLSConfig holds paths to TLS material for the controller's SSL
// listener. All three empty means plaintext only, which is valid.
// Partial material is passed through as-is.
type TLSConfig struct {
	PrivKey string `yaml:"privkey"`
	Cert    string `yaml:"cert"`
	CACerts string `yaml:"ca_certs"`
}

// CaptureConfig holds traffic capture settings.
type CaptureConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds the optional prometheus endpoint for the ports
// server.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// LoadConfig reads and parses a YAML config file, applying defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills in unset fields.
func (c *Config) ApplyDefaults() {
	if c.TmpDirRoot == "" {
		c.TmpDirRoot = os.TempDir()
	}
	if c.Controller.Executable == "" {
		c.Controller.Executable = "ryu-manager"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		c.Metrics.Address = "127.0.0.1:9477"
	}
}

// Validate checks the configuration for missing required fields.
func (c *Config) Validate() error {
	if c.PortsServer == "" {
		return fmt.Errorf("ports_server must be configured")
	}
	if c.Controller.Executable == "" {
		return fmt.Errorf("controller executable must be configured")
	}
	if c.Capture.Enabled && c.Controller.Intf == "" {
		return fmt.Errorf("controller intf must be configured when capture is enabled")
	}
	return nil
}

// RunDir creates a unique per-run directory under TmpDirRoot. PID and
// log files for every controller in the run land here.
func (c *Config) RunDir() (string, error) {
	dir := filepath.Join(c.TmpDirRoot, "nettestbed-"+uuid.NewString()[:8])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create run dir: %w", err)
	}
	return dir, nil
}
