// Package config provides configuration management for VeilVPN.
// It handles loading, saving, and validating the session core settings.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"

	"github.com/yllada/veilvpn/common"
)

// Config represents the application configuration.
// All settings are persisted to a YAML file in the user's config directory.
type Config struct {
	Log           LogConfig           `yaml:"log"`
	Session       SessionConfig       `yaml:"session"`
	KillSwitch    KillSwitchConfig    `yaml:"kill_switch"`
	Events        EventsConfig        `yaml:"events"`
	Catalog       CatalogConfig       `yaml:"catalog"`
	Driver        DriverConfig        `yaml:"driver"`
	API           APIConfig           `yaml:"api"`
	History       HistoryConfig       `yaml:"history"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

// LogConfig controls logger output.
type LogConfig struct {
	Level string `yaml:"level"`
	File  bool   `yaml:"file"`
	JSON  bool   `yaml:"json"`
}

// SessionConfig tunes the session state machine.
type SessionConfig struct {
	// MaxAttempts is the number of handshake attempts before a session fails.
	MaxAttempts int `yaml:"max_attempts"`
	// BackoffBase is the delay before the first retry.
	BackoffBase time.Duration `yaml:"backoff_base"`
	// BackoffMultiplier grows consecutive retry delays.
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	// BackoffCap bounds a single retry delay.
	BackoffCap time.Duration `yaml:"backoff_cap"`
	// BackoffJitter is the symmetric jitter fraction (0.2 = ±20%).
	BackoffJitter float64 `yaml:"backoff_jitter"`
	// HandshakeTimeout bounds a single handshake attempt.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	// TeardownTimeout bounds driver teardown before Disconnected is forced.
	TeardownTimeout time.Duration `yaml:"teardown_timeout"`
	// TeardownPolicy is "fail-open" or "fail-closed".
	TeardownPolicy string `yaml:"teardown_policy"`
	// TrafficPollInterval is how often byte counters are pulled from the driver.
	TrafficPollInterval time.Duration `yaml:"traffic_poll_interval"`
}

// KillSwitchConfig enables egress blocking on unexpected tunnel loss.
type KillSwitchConfig struct {
	Enabled bool `yaml:"enabled"`
	// Backend is "log" or "nftables".
	Backend string `yaml:"backend"`
	// AllowLAN keeps private ranges reachable while egress is blocked.
	AllowLAN bool `yaml:"allow_lan"`
}

// EventsConfig sizes event bus subscriber queues.
type EventsConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// CatalogConfig selects where server descriptors come from.
type CatalogConfig struct {
	// Source is "file" or "http".
	Source string `yaml:"source"`
	// Path is the servers file used by the file source.
	Path string `yaml:"path"`
	// Watch re-reads the servers file when it changes.
	Watch bool `yaml:"watch"`
	// Environment picks one of Endpoints for the http source.
	Environment string `yaml:"environment"`
	// Endpoints maps environment names to backend API base URLs.
	Endpoints       map[string]string `yaml:"endpoints"`
	RefreshInterval time.Duration     `yaml:"refresh_interval"`
	Health          HealthConfig      `yaml:"health"`
}

// HealthConfig controls the endpoint health prober.
type HealthConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Interval         time.Duration `yaml:"interval"`
	FailureThreshold int           `yaml:"failure_threshold"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
}

// DriverConfig selects the tunnel driver implementation.
type DriverConfig struct {
	// Kind is "simulated" or "openvpn".
	Kind string `yaml:"kind"`
	// Username is the VPN account; its secret is read from the credential store.
	Username  string          `yaml:"username,omitempty"`
	Simulated SimulatedConfig `yaml:"simulated"`
	OpenVPN   OpenVPNConfig   `yaml:"openvpn"`
}

// SimulatedConfig mirrors the behavior of the mock tunnel.
type SimulatedConfig struct {
	HandshakeDelay time.Duration `yaml:"handshake_delay"`
	TeardownDelay  time.Duration `yaml:"teardown_delay"`
	FailureRate    float64       `yaml:"failure_rate"`
	Seed           int64         `yaml:"seed"`
}

// OpenVPNConfig configures the openvpn process driver.
type OpenVPNConfig struct {
	Binary    string   `yaml:"binary"`
	ConfigDir string   `yaml:"config_dir"`
	UsePkexec bool     `yaml:"use_pkexec"`
	Routes    []string `yaml:"routes,omitempty"`
}

// APIConfig configures the admin HTTP adapter.
type APIConfig struct {
	Listen string `yaml:"listen"`
	// RequestsPerMinute limits each client IP.
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// HistoryConfig configures the session history database.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// NotificationsConfig toggles desktop notifications.
type NotificationsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default environment names for the catalog backend.
const (
	EnvDev            = "dev"
	EnvAndroidEmu     = "android-emulator"
	EnvPhysicalDevice = "physical-device"
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Session: SessionConfig{
			MaxAttempts:         common.DefaultMaxAttempts,
			BackoffBase:         common.DefaultBackoffBase,
			BackoffMultiplier:   common.DefaultBackoffMultiplier,
			BackoffCap:          common.DefaultBackoffCap,
			BackoffJitter:       common.DefaultBackoffJitter,
			HandshakeTimeout:    common.DefaultHandshakeTimeout,
			TeardownTimeout:     common.DefaultTeardownTimeout,
			TeardownPolicy:      common.TeardownFailOpen,
			TrafficPollInterval: common.DefaultTrafficPollInterval,
		},
		KillSwitch: KillSwitchConfig{
			Enabled:  false,
			Backend:  "log",
			AllowLAN: true,
		},
		Events: EventsConfig{QueueSize: common.DefaultEventQueueSize},
		Catalog: CatalogConfig{
			Source:      "file",
			Environment: EnvDev,
			Endpoints: map[string]string{
				EnvDev:            "http://localhost:3000/api",
				EnvAndroidEmu:     "http://10.0.2.2:3000/api",
				EnvPhysicalDevice: "http://192.168.1.1:3000/api",
			},
			RefreshInterval: common.DefaultCatalogRefreshInterval,
			Health: HealthConfig{
				Enabled:          true,
				Interval:         common.DefaultHealthCheckInterval,
				FailureThreshold: common.DefaultHealthFailureThreshold,
				DialTimeout:      common.DefaultHealthDialTimeout,
			},
		},
		Driver: DriverConfig{
			Kind: "simulated",
			Simulated: SimulatedConfig{
				HandshakeDelay: 2 * time.Second,
				TeardownDelay:  1 * time.Second,
				FailureRate:    0.1,
			},
			OpenVPN: OpenVPNConfig{
				Binary:    "openvpn",
				UsePkexec: true,
			},
		},
		API: APIConfig{
			Listen:            "127.0.0.1:8787",
			RequestsPerMinute: 120,
		},
		History:       HistoryConfig{Enabled: true},
		Notifications: NotificationsConfig{Enabled: false},
	}
}

// Load reads the configuration at path. An empty path means the default
// location. If the file doesn't exist, it is created with default values.
func Load(path string) (*Config, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.resolvePaths(filepath.Dir(path))
		if err := cfg.Save(path); err != nil {
			return cfg, err
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrConfigLoad, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Strict validation: reject unknown fields

	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("error parsing configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate verifies that configuration values are valid. Out-of-range
// tunables fall back to their defaults; unusable selections are errors.
func (c *Config) Validate() error {
	def := DefaultConfig()

	s := &c.Session
	if s.MaxAttempts < 1 {
		s.MaxAttempts = def.Session.MaxAttempts
	}
	if s.BackoffBase <= 0 {
		s.BackoffBase = def.Session.BackoffBase
	}
	if s.BackoffMultiplier < 1 {
		s.BackoffMultiplier = def.Session.BackoffMultiplier
	}
	if s.BackoffCap < s.BackoffBase {
		s.BackoffCap = def.Session.BackoffCap
	}
	if s.BackoffJitter < 0 || s.BackoffJitter >= 1 {
		s.BackoffJitter = def.Session.BackoffJitter
	}
	if s.HandshakeTimeout <= 0 {
		s.HandshakeTimeout = def.Session.HandshakeTimeout
	}
	if s.TeardownTimeout <= 0 {
		s.TeardownTimeout = def.Session.TeardownTimeout
	}
	if s.TrafficPollInterval <= 0 {
		s.TrafficPollInterval = def.Session.TrafficPollInterval
	}
	switch s.TeardownPolicy {
	case common.TeardownFailOpen, common.TeardownFailClosed:
	case "":
		s.TeardownPolicy = common.TeardownFailOpen
	default:
		return fmt.Errorf("unknown teardown_policy %q", s.TeardownPolicy)
	}

	if c.Events.QueueSize < 1 {
		c.Events.QueueSize = def.Events.QueueSize
	}

	switch c.KillSwitch.Backend {
	case "log", "nftables":
	case "":
		c.KillSwitch.Backend = "log"
	default:
		return fmt.Errorf("unknown kill_switch backend %q", c.KillSwitch.Backend)
	}

	switch c.Catalog.Source {
	case "file", "http":
	default:
		return fmt.Errorf("unknown catalog source %q", c.Catalog.Source)
	}
	if c.Catalog.Source == "http" {
		if _, err := c.CatalogURL(); err != nil {
			return err
		}
	}
	if c.Catalog.RefreshInterval <= 0 {
		c.Catalog.RefreshInterval = def.Catalog.RefreshInterval
	}
	h := &c.Catalog.Health
	if h.Interval <= 0 {
		h.Interval = def.Catalog.Health.Interval
	}
	if h.FailureThreshold < 1 {
		h.FailureThreshold = def.Catalog.Health.FailureThreshold
	}
	if h.DialTimeout <= 0 {
		h.DialTimeout = def.Catalog.Health.DialTimeout
	}

	switch c.Driver.Kind {
	case "simulated", "openvpn":
	default:
		return fmt.Errorf("unknown driver kind %q", c.Driver.Kind)
	}
	if r := c.Driver.Simulated.FailureRate; r < 0 || r > 1 {
		c.Driver.Simulated.FailureRate = def.Driver.Simulated.FailureRate
	}

	if c.API.RequestsPerMinute < 1 {
		c.API.RequestsPerMinute = def.API.RequestsPerMinute
	}

	c.Log.Level = strings.ToLower(c.Log.Level)
	return nil
}

// CatalogURL resolves the backend base URL for the configured environment.
// It is resolved once at startup and passed down to the HTTP source.
func (c *Config) CatalogURL() (string, error) {
	url, ok := c.Catalog.Endpoints[c.Catalog.Environment]
	if !ok || url == "" {
		return "", fmt.Errorf("no catalog endpoint for environment %q", c.Catalog.Environment)
	}
	return strings.TrimRight(url, "/"), nil
}

// resolvePaths fills file locations relative to the config directory.
func (c *Config) resolvePaths(dir string) {
	if c.Catalog.Path == "" {
		c.Catalog.Path = filepath.Join(dir, common.ServersFileName)
	}
	if c.History.Path == "" {
		c.History.Path = filepath.Join(dir, common.HistoryFileName)
	}
}

// Save writes the configuration atomically to path.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("%w: %v", common.ErrConfigSave, err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("error serializing configuration: %w", err)
	}

	if err := renameio.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("%w: %v", common.ErrConfigSave, err)
	}

	return nil
}

// DefaultPath returns ~/.config/veilvpn/config.yaml.
func DefaultPath() (string, error) {
	dir, err := common.GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, common.ConfigFileName), nil
}
