package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Hortiva Hub.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Facility FacilityConfig `yaml:"facility"`
	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Hub      HubConfig      `yaml:"hub"`
}

// FacilityConfig identifies the facility this hub instance serves.
type FacilityConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings used by the
// MQTT gateway adapter.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// InfluxDBConfig contains settings for the optional telemetry mirror.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MetricsConfig contains Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// HubConfig contains device hub tuning parameters.
//
// Durations are expressed in seconds in YAML, matching the rest of the
// configuration. Freshness and retry numbers are deployment decisions, so
// every value here has a default but none is hard-coded in the components
// that use it.
type HubConfig struct {
	// HeartbeatSeconds is the expected device contact cadence.
	HeartbeatSeconds int `yaml:"heartbeat_seconds"`

	// FreshnessMultiplier scales the heartbeat interval into the freshness
	// window: a device with no successful contact for
	// FreshnessMultiplier × heartbeat is marked offline.
	FreshnessMultiplier int `yaml:"freshness_multiplier"`

	// DegradedErrorThreshold is the number of adapter call failures within
	// the retry window that moves a reachable device to degraded.
	DegradedErrorThreshold int `yaml:"degraded_error_threshold"`

	// RetryWindowSeconds is the rolling window over which reconnect
	// attempts are budgeted.
	RetryWindowSeconds int `yaml:"retry_window_seconds"`

	// RetryBudget is the maximum reconnect attempts per retry window before
	// the device is marked error and left for operator intervention.
	RetryBudget int `yaml:"retry_budget"`

	// BackoffBaseSeconds is the initial reconnect delay.
	BackoffBaseSeconds int `yaml:"backoff_base_seconds"`

	// BackoffCapSeconds is the maximum reconnect delay.
	BackoffCapSeconds int `yaml:"backoff_cap_seconds"`

	// CommandTimeoutSeconds is how long a dispatched command may wait for
	// a device acknowledgement before it is marked timed-out.
	CommandTimeoutSeconds int `yaml:"command_timeout_seconds"`

	// QueueCapacity bounds the per-device command queue.
	QueueCapacity int `yaml:"queue_capacity"`

	// IOTimeoutSeconds is the deadline applied to every outbound device call.
	IOTimeoutSeconds int `yaml:"io_timeout_seconds"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: HORTIVA_SECTION_KEY
// For example: HORTIVA_DATABASE_PATH, HORTIVA_MQTT_HOST
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration without reading any file.
// Useful for tests and for deployments configured entirely through
// environment variables.
func Default() *Config {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	return cfg
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Facility: FacilityConfig{
			ID:       "facility-001",
			Name:     "Hortiva",
			Timezone: "UTC",
		},
		Database: DatabaseConfig{
			Path:        "./data/hortiva.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Enabled: true,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "hortiva-hub",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
			Path:    "/metrics",
		},
		Hub: HubConfig{
			HeartbeatSeconds:       30,
			FreshnessMultiplier:    3,
			DegradedErrorThreshold: 3,
			RetryWindowSeconds:     300,
			RetryBudget:            10,
			BackoffBaseSeconds:     1,
			BackoffCapSeconds:      60,
			CommandTimeoutSeconds:  30,
			QueueCapacity:          256,
			IOTimeoutSeconds:       10,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: HORTIVA_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Facility
	if v := os.Getenv("HORTIVA_FACILITY_ID"); v != "" {
		cfg.Facility.ID = v
	}

	// Database
	if v := os.Getenv("HORTIVA_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("HORTIVA_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("HORTIVA_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("HORTIVA_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("HORTIVA_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("HORTIVA_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("HORTIVA_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Facility.ID == "" {
		errs = append(errs, "facility.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		errs = append(errs, "metrics.port must be a valid TCP port")
	}

	if c.Hub.HeartbeatSeconds <= 0 {
		errs = append(errs, "hub.heartbeat_seconds must be positive")
	}
	if c.Hub.FreshnessMultiplier < 1 {
		errs = append(errs, "hub.freshness_multiplier must be at least 1")
	}
	if c.Hub.RetryWindowSeconds <= 0 {
		errs = append(errs, "hub.retry_window_seconds must be positive")
	}
	if c.Hub.RetryBudget < 1 {
		errs = append(errs, "hub.retry_budget must be at least 1")
	}
	if c.Hub.BackoffBaseSeconds <= 0 || c.Hub.BackoffCapSeconds < c.Hub.BackoffBaseSeconds {
		errs = append(errs, "hub.backoff_cap_seconds must be >= hub.backoff_base_seconds and both positive")
	}
	if c.Hub.CommandTimeoutSeconds <= 0 {
		errs = append(errs, "hub.command_timeout_seconds must be positive")
	}
	if c.Hub.QueueCapacity < 1 {
		errs = append(errs, "hub.queue_capacity must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// HeartbeatInterval returns the expected device contact cadence as a Duration.
func (c *HubConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// FreshnessWindow returns the maximum allowed time since last successful
// contact before a device is considered stale.
func (c *HubConfig) FreshnessWindow() time.Duration {
	return time.Duration(c.FreshnessMultiplier) * c.HeartbeatInterval()
}

// RetryWindow returns the rolling reconnect budget window as a Duration.
func (c *HubConfig) RetryWindow() time.Duration {
	return time.Duration(c.RetryWindowSeconds) * time.Second
}

// BackoffBase returns the initial reconnect delay as a Duration.
func (c *HubConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseSeconds) * time.Second
}

// BackoffCap returns the maximum reconnect delay as a Duration.
func (c *HubConfig) BackoffCap() time.Duration {
	return time.Duration(c.BackoffCapSeconds) * time.Second
}

// CommandTimeout returns the command acknowledgement deadline as a Duration.
func (c *HubConfig) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutSeconds) * time.Second
}

// IOTimeout returns the per-call device I/O deadline as a Duration.
func (c *HubConfig) IOTimeout() time.Duration {
	return time.Duration(c.IOTimeoutSeconds) * time.Second
}
