// Package config loads the sync core's configuration.
//
// Configuration comes from a YAML file (pourlog.yaml), environment
// variables prefixed POURLOG_, and built-in defaults, in that order of
// precedence. Nested keys map to environment variables with underscores,
// e.g. remote.base_url becomes POURLOG_REMOTE_BASE_URL.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full daemon/CLI configuration.
type Config struct {
	// DataDir holds the database, the outbox, and the daemon log.
	DataDir string `mapstructure:"data_dir"`

	Remote  RemoteConfig  `mapstructure:"remote"`
	Ledger  LedgerConfig  `mapstructure:"ledger"`
	Subject SubjectConfig `mapstructure:"subject"`
	Daemon  DaemonConfig  `mapstructure:"daemon"`
}

// RemoteConfig configures the record API client and connectivity probe.
type RemoteConfig struct {
	// BaseURL is the record API root, e.g. https://api.example.com.
	BaseURL string `mapstructure:"base_url"`

	// ProbeURL is what the network monitor probes. Defaults to
	// BaseURL + /health.
	ProbeURL string `mapstructure:"probe_url"`

	// ProbeInterval is how often connectivity is probed.
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
}

// LedgerConfig selects where ledger accounts live.
type LedgerConfig struct {
	// Backend is "local" (SQLite) or "remote" (ledger API).
	Backend string `mapstructure:"backend"`
}

// SubjectConfig is the acting subject for this process.
type SubjectConfig struct {
	ID    string `mapstructure:"id"`
	Guest bool   `mapstructure:"guest"`
}

// DaemonConfig configures the long-running daemon.
type DaemonConfig struct {
	// DrainInterval is the periodic drain cadence.
	DrainInterval time.Duration `mapstructure:"drain_interval"`

	// DashboardPort enables the WebSocket dashboard when non-zero.
	DashboardPort int `mapstructure:"dashboard_port"`

	// LogFile is the rotating daemon log path. Empty logs to stderr.
	LogFile string `mapstructure:"log_file"`
}

// DBPath returns the SQLite database path under the data directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "pourlog.db")
}

// OutboxDir returns the outbox directory under the data directory.
func (c *Config) OutboxDir() string {
	return filepath.Join(c.DataDir, "outbox")
}

// Load reads configuration from the given file (optional; empty means
// search the working directory and data dir), the environment, and
// defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("remote.base_url", "http://localhost:8090")
	// Empty defaults register the keys so environment overrides are seen.
	v.SetDefault("remote.probe_url", "")
	v.SetDefault("remote.probe_interval", 15*time.Second)
	v.SetDefault("ledger.backend", "local")
	v.SetDefault("subject.id", "")
	v.SetDefault("subject.guest", false)
	v.SetDefault("daemon.drain_interval", 60*time.Second)
	v.SetDefault("daemon.dashboard_port", 0)
	v.SetDefault("daemon.log_file", "")

	v.SetEnvPrefix("POURLOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("pourlog")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(defaultDataDir())
		if err := v.ReadInConfig(); err != nil {
			// Config file is optional; only a malformed file is an error.
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.Remote.ProbeURL == "" {
		cfg.Remote.ProbeURL = strings.TrimRight(cfg.Remote.BaseURL, "/") + "/health"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	switch c.Ledger.Backend {
	case "local", "remote":
	default:
		return fmt.Errorf("ledger.backend must be \"local\" or \"remote\" (got %q)", c.Ledger.Backend)
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pourlog"
	}
	return filepath.Join(home, ".pourlog")
}
