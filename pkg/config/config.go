package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/blemgr/internal/backoff"
	"github.com/srg/blemgr/internal/manager"
	"github.com/srg/blemgr/internal/store"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "BLEMGR_"

// ScanConfig controls discovery.
type ScanConfig struct {
	Timeout         time.Duration `yaml:"timeout" default:"0s"`
	BatchInterval   time.Duration `yaml:"batch_interval" default:"250ms"`
	ReaperInterval  time.Duration `yaml:"reaper_interval" default:"2s"`
	StaleThreshold  time.Duration `yaml:"stale_threshold" default:"15s"`
	AllowDuplicates bool          `yaml:"allow_duplicates" default:"true"`
}

// ConnectionConfig controls dialling and verification.
type ConnectionConfig struct {
	ConnectTimeout   time.Duration `yaml:"connect_timeout" default:"20s"`
	VerifyTimeout    time.Duration `yaml:"verify_timeout" default:"6s"`
	AutoConnectKnown bool          `yaml:"auto_connect_known" default:"true"`
}

// ReconnectConfig controls automatic reconnection.
type ReconnectConfig struct {
	Enabled     bool          `yaml:"enabled" default:"true"`
	BaseDelay   time.Duration `yaml:"base_delay" default:"1s"`
	MaxDelay    time.Duration `yaml:"max_delay" default:"30s"`
	MaxAttempts int           `yaml:"max_attempts" default:"5"`
	Jitter      float64       `yaml:"jitter" default:"0.1"`
}

// StoreConfig selects where known devices are persisted.
type StoreConfig struct {
	Backend string `yaml:"backend" default:"yaml"`
	Path    string `yaml:"path"`
}

// Config holds application configuration
type Config struct {
	LogLevel     logrus.Level     `yaml:"-"`
	LogLevelName string           `yaml:"log_level" default:"warn"`
	OutputFormat string           `yaml:"output_format" default:"table"`
	EventBuffer  int              `yaml:"event_buffer" default:"256"`
	AdapterPath  string           `yaml:"adapter_path" default:"/org/bluez/hci0"`
	Scan         ScanConfig       `yaml:"scan"`
	Connection   ConnectionConfig `yaml:"connection"`
	Reconnect    ReconnectConfig  `yaml:"reconnect"`
	Store        StoreConfig      `yaml:"store"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.LogLevel = logrus.WarnLevel
	return cfg
}

// Load builds a configuration from defaults, an optional YAML file and
// BLEMGR_* environment overrides, in that order. An empty path skips the
// file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	level, err := logrus.ParseLevel(cfg.LogLevelName)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %s", cfg.LogLevelName)
	}
	cfg.LogLevel = level

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"LOG_LEVEL":     &c.LogLevelName,
		"OUTPUT_FORMAT": &c.OutputFormat,
		"ADAPTER_PATH":  &c.AdapterPath,
		"STORE_BACKEND": &c.Store.Backend,
		"STORE_PATH":    &c.Store.Path,
	}
	for key, dst := range strs {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"SCAN_TIMEOUT":         &c.Scan.Timeout,
		"CONNECT_TIMEOUT":      &c.Connection.ConnectTimeout,
		"VERIFY_TIMEOUT":       &c.Connection.VerifyTimeout,
		"RECONNECT_BASE_DELAY": &c.Reconnect.BaseDelay,
		"RECONNECT_MAX_DELAY":  &c.Reconnect.MaxDelay,
	}
	for key, dst := range durations {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
		}
		*dst = d
	}

	bools := map[string]*bool{
		"AUTO_RECONNECT":     &c.Reconnect.Enabled,
		"AUTO_CONNECT_KNOWN": &c.Connection.AutoConnectKnown,
	}
	for key, dst := range bools {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
		}
		*dst = b
	}

	if v, ok := lookup(EnvPrefix + "RECONNECT_MAX_ATTEMPTS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sRECONNECT_MAX_ATTEMPTS: %w", EnvPrefix, err)
		}
		c.Reconnect.MaxAttempts = n
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.OutputFormat {
	case "table", "json":
	default:
		errs = append(errs, fmt.Errorf("invalid output format: %s (must be table or json)", c.OutputFormat))
	}
	switch store.Backend(strings.ToLower(c.Store.Backend)) {
	case store.BackendMemory, store.BackendYAML, store.BackendSQLite:
	default:
		errs = append(errs, fmt.Errorf("invalid store backend: %s (must be memory, yaml or sqlite)", c.Store.Backend))
	}
	if c.Scan.Timeout < 0 {
		errs = append(errs, errors.New("scan timeout must not be negative"))
	}
	if c.Connection.VerifyTimeout <= 0 {
		errs = append(errs, errors.New("verify timeout must be positive"))
	}
	if c.Reconnect.BaseDelay <= 0 || c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		errs = append(errs, errors.New("reconnect delays must satisfy 0 < base_delay <= max_delay"))
	}
	if c.Reconnect.MaxAttempts < 0 {
		errs = append(errs, errors.New("reconnect max_attempts must not be negative"))
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter >= 1 {
		errs = append(errs, errors.New("reconnect jitter must be in [0, 1)"))
	}
	if c.EventBuffer <= 0 {
		errs = append(errs, errors.New("event buffer must be positive"))
	}
	return errors.Join(errs...)
}

// StorePath returns the configured store path, or a per-user default for
// file-backed stores.
func (c *Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	switch store.Backend(strings.ToLower(c.Store.Backend)) {
	case store.BackendSQLite:
		return dir + "/blemgr/devices.db"
	default:
		return dir + "/blemgr/devices.yaml"
	}
}

// ManagerSettings converts the configuration to manager settings.
func (c *Config) ManagerSettings() manager.Settings {
	return manager.Settings{
		BatchInterval:    c.Scan.BatchInterval,
		ReaperInterval:   c.Scan.ReaperInterval,
		StaleThreshold:   c.Scan.StaleThreshold,
		VerifyTimeout:    c.Connection.VerifyTimeout,
		AutoReconnect:    c.Reconnect.Enabled,
		AutoConnectKnown: c.Connection.AutoConnectKnown,
		Backoff: backoff.Policy{
			Base:        c.Reconnect.BaseDelay,
			Max:         c.Reconnect.MaxDelay,
			MaxAttempts: c.Reconnect.MaxAttempts,
			Jitter:      c.Reconnect.Jitter,
		},
	}
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
