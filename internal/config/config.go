// Package config handles proctrigger configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/proctrigger/config.yaml, /etc/proctrigger/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "proctrigger", "config.yaml"))
	}

	paths = append(paths, "/etc/proctrigger/config.yaml")
	return paths
}

// ErrNoConfig is returned by [FindConfig] when no explicit path was
// given and none of the default search paths exist. Callers that can
// run on built-in defaults check for it with errors.Is.
var ErrNoConfig = errors.New("no config file found")

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%w (searched: %v)", ErrNoConfig, DefaultSearchPaths())
}

// Config holds all proctrigger configuration.
type Config struct {
	DataDir      string             `yaml:"data_dir"`
	LogLevel     string             `yaml:"log_level"`
	LogFormat    string             `yaml:"log_format"`
	LogFile      LogFileConfig      `yaml:"log_file"`
	Listen       ListenConfig       `yaml:"listen"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Broker       BrokerConfig       `yaml:"broker"`
	Sampler      SamplerConfig      `yaml:"sampler"`
	Reconcile    ReconcileConfig    `yaml:"reconcile"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
}

// LogFileConfig controls the rotated log file written to the data
// directory alongside the console output.
type LogFileConfig struct {
	// Enabled writes logs to <data_dir>/log.txt in addition to stdout.
	// A nil value means enabled.
	Enabled    *bool `yaml:"enabled"`
	MaxSizeMB  int   `yaml:"max_size_mb"`
	MaxBackups int   `yaml:"max_backups"`
	MaxAgeDays int   `yaml:"max_age_days"`
	Compress   bool  `yaml:"compress"`
}

// On reports whether file logging is enabled.
func (c LogFileConfig) On() bool {
	return c.Enabled == nil || *c.Enabled
}

// ListenConfig defines the HTTP adapter bind address.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: 127.0.0.1)
	Port    int    `yaml:"port"`    // Default: 8787
}

// MetricsConfig toggles the Prometheus /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// BrokerConfig holds MQTT client options. The broker host and port are
// not configured here: they are connection settings owned by the
// persistent store and edited at runtime.
type BrokerConfig struct {
	// ClientID defaults to one derived from the instance ID stored in
	// the data directory.
	ClientID          string        `yaml:"client_id"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	KeepAlive         uint16        `yaml:"keep_alive"` // seconds
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	PublishTimeout    time.Duration `yaml:"publish_timeout"`
	QoS               *byte         `yaml:"qos"`
	Retain            *bool         `yaml:"retain"`
}

// SamplerConfig controls the process table sampler.
type SamplerConfig struct {
	Interval     time.Duration `yaml:"interval"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// ReconcileConfig controls the reconciliation loop.
type ReconcileConfig struct {
	TickInterval time.Duration       `yaml:"tick_interval"`
	LockTimeout  time.Duration       `yaml:"lock_timeout"`
	ExtraActions []ExtraActionConfig `yaml:"extra_actions"`
}

// ExtraActionConfig is an additional publish fired alongside a
// trigger's own publish on one of its edges.
type ExtraActionConfig struct {
	Topic   string `yaml:"topic"`
	Payload string `yaml:"payload"`
	// On is "activate" (default) or "deactivate".
	On string `yaml:"on"`
	// Triggers limits the action to triggers watching these process
	// names. Empty means every trigger.
	Triggers []string `yaml:"triggers"`
}

// ConnectivityConfig controls the broker connectivity reporter.
type ConnectivityConfig struct {
	ReportInterval time.Duration `yaml:"report_interval"`
}

// MinSampleInterval is the floor for the sampler interval. Enumerating
// every process more often than this costs more CPU than it is worth.
const MinSampleInterval = 200 * time.Millisecond

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// DefaultDataDir returns the per-user application data directory.
func DefaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "proctrigger")
	}
	return "proctrigger-data"
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir()
	}
	c.DataDir = expandHome(c.DataDir)
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Listen.Address == "" {
		c.Listen.Address = "127.0.0.1"
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = 8787
	}

	if c.Broker.KeepAlive == 0 {
		c.Broker.KeepAlive = 30
	}
	if c.Broker.ConnectTimeout <= 0 {
		c.Broker.ConnectTimeout = 5 * time.Second
	}
	if c.Broker.ReconnectInterval <= 0 {
		c.Broker.ReconnectInterval = time.Second
	}
	if c.Broker.PublishTimeout <= 0 {
		c.Broker.PublishTimeout = 5 * time.Second
	}
	if c.Broker.QoS == nil {
		q := byte(2)
		c.Broker.QoS = &q
	}
	if c.Broker.Retain == nil {
		r := true
		c.Broker.Retain = &r
	}

	if c.Sampler.Interval <= 0 {
		c.Sampler.Interval = time.Second
	}
	if c.Sampler.Interval < MinSampleInterval {
		c.Sampler.Interval = MinSampleInterval
	}
	if c.Sampler.QueryTimeout <= 0 {
		c.Sampler.QueryTimeout = 10 * time.Second
	}

	if c.Reconcile.TickInterval <= 0 {
		c.Reconcile.TickInterval = time.Second
	}
	if c.Reconcile.LockTimeout <= 0 {
		c.Reconcile.LockTimeout = 500 * time.Millisecond
	}
	for i := range c.Reconcile.ExtraActions {
		if c.Reconcile.ExtraActions[i].On == "" {
			c.Reconcile.ExtraActions[i].On = "activate"
		}
	}

	if c.Connectivity.ReportInterval <= 0 {
		c.Connectivity.ReportInterval = time.Second
	}
}

// Validate checks values that applyDefaults cannot repair.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format %q is invalid (expected text or json)", c.LogFormat)
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	if c.Broker.QoS != nil && *c.Broker.QoS > 2 {
		return fmt.Errorf("broker.qos %d is invalid (expected 0, 1 or 2)", *c.Broker.QoS)
	}
	for i, a := range c.Reconcile.ExtraActions {
		if strings.TrimSpace(a.Topic) == "" {
			return fmt.Errorf("reconcile.extra_actions[%d]: topic is required", i)
		}
		if a.On != "activate" && a.On != "deactivate" {
			return fmt.Errorf("reconcile.extra_actions[%d]: on %q is invalid (expected activate or deactivate)", i, a.On)
		}
	}
	return nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
