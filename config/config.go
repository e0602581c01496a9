// Package config provides configuration management for wirevault.
// It handles loading, saving, and validating application settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yllada/wirevault/common"
)

// Config represents the application configuration.
// The GUI reads it from the user's config directory, the daemon from
// /etc/wirevault/config.yaml.
type Config struct {
	// LogLevel is one of "debug", "info", "warn" or "error".
	LogLevel string `yaml:"log_level"`
	// DataDir overrides the directory holding tunnel documents.
	DataDir string `yaml:"data_dir,omitempty"`
	// StateDir overrides where runtime handles are persisted.
	StateDir string `yaml:"state_dir,omitempty"`
	// DaemonSocket is the IPC endpoint of the Linux daemon.
	DaemonSocket string `yaml:"daemon_socket"`
	// SocketGroup owns the daemon socket when the group exists.
	SocketGroup string `yaml:"socket_group"`
	// AllowedUIDs restricts which local users may talk to the daemon.
	// Empty means any user allowed by the socket permissions.
	AllowedUIDs []int `yaml:"allowed_uids,omitempty"`
	// WireGuardGoPath points at an external wireguard-go binary.
	// When empty the known install locations are searched and the
	// bundled data plane is used as a last resort.
	WireGuardGoPath string `yaml:"wireguard_go_path,omitempty"`
	// StatsInterval is the default polling interval for statistics.
	StatsInterval time.Duration `yaml:"stats_interval"`
	// StartTimeout bounds how long a tunnel may take to reach Running.
	StartTimeout time.Duration `yaml:"start_timeout"`
	// EndpointRefresh is how often peer host names are re-resolved.
	// Zero disables the refresh.
	EndpointRefresh time.Duration `yaml:"endpoint_refresh"`
	// MetricsListen enables the daemon Prometheus endpoint, e.g. "127.0.0.1:9586".
	MetricsListen string `yaml:"metrics_listen,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:        "info",
		DaemonSocket:    common.DaemonSocketPath,
		SocketGroup:     common.DaemonSocketGroup,
		StatsInterval:   common.StatsInterval,
		StartTimeout:    common.StartTimeout,
		EndpointRefresh: common.EndpointRefreshInterval,
	}
}

// DefaultPath returns the per-user configuration file path.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("error getting home directory: %w", err)
	}

	return filepath.Join(homeDir, ".config", common.ConfigDirName, common.ConfigFileName), nil
}

// DaemonPath is the configuration file read by the Linux daemon.
const DaemonPath = "/etc/wirevault/config.yaml"

// Load loads the configuration from path.
// A missing file yields the defaults without creating anything.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("error opening configuration: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true) // Strict validation: reject unknown fields

	config := DefaultConfig()
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("error parsing configuration: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// validate verifies that configuration values are valid, falling back
// to defaults for values that are merely out of range.
func (c *Config) validate() error {
	defaults := DefaultConfig()

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		c.LogLevel = defaults.LogLevel
	}
	if c.DaemonSocket == "" {
		c.DaemonSocket = defaults.DaemonSocket
	}
	if !filepath.IsAbs(c.DaemonSocket) {
		return fmt.Errorf("daemon_socket must be an absolute path: %q", c.DaemonSocket)
	}
	if c.WireGuardGoPath != "" && !filepath.IsAbs(c.WireGuardGoPath) {
		return fmt.Errorf("wireguard_go_path must be an absolute path: %q", c.WireGuardGoPath)
	}
	if c.StatsInterval < common.MinStatsInterval {
		c.StatsInterval = defaults.StatsInterval
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = defaults.StartTimeout
	}
	if c.EndpointRefresh < 0 {
		c.EndpointRefresh = 0
	}
	for _, uid := range c.AllowedUIDs {
		if uid < 0 {
			return fmt.Errorf("allowed_uids contains a negative uid: %d", uid)
		}
	}
	return nil
}

// Save writes the configuration to path.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("error serializing configuration: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("error saving configuration: %w", err)
	}

	return nil
}

// ResolveDataDir returns the directory holding tunnel documents.
func (c *Config) ResolveDataDir() (string, error) {
	if c.DataDir != "" {
		if err := os.MkdirAll(c.DataDir, 0700); err != nil {
			return "", fmt.Errorf("error creating data directory: %w", err)
		}
		return c.DataDir, nil
	}
	return common.GetDataDir()
}
