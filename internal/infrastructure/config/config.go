package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for homegate.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site        SiteConfig        `yaml:"site"`
	Database    DatabaseConfig    `yaml:"database"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Ingest      IngestConfig      `yaml:"ingest"`
	Health      HealthConfig      `yaml:"health"`
	Automations AutomationsConfig `yaml:"automations"`
	InfluxDB    InfluxDBConfig    `yaml:"influxdb"`
	Redis       RedisConfig       `yaml:"redis"`
	API         APIConfig         `yaml:"api"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	Name string `yaml:"name"`
	// Timezone is the IANA zone used for time-of-day automation triggers.
	Timezone string `yaml:"timezone"`
	// Latitude and Longitude place the site for sun triggers. Both or
	// neither must be set.
	Latitude  *float64 `yaml:"latitude"`
	Longitude *float64 `yaml:"longitude"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	KeepAlive int                 `yaml:"keepalive"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
	// CommandSuffix is the last topic segment used for outbound commands ("set" or "cmd").
	CommandSuffix string `yaml:"command_suffix"`
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

// MQTTReconnectConfig contains reconnection backoff settings, in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// IngestConfig controls the ingress queue and worker pool.
type IngestConfig struct {
	// Workers is the number of device-sharded ingestion workers.
	Workers int `yaml:"workers"`
	// QueueSize is the buffer length of each worker queue.
	QueueSize int `yaml:"queue_size"`
}

// HealthConfig controls device liveness sweeps, in seconds.
type HealthConfig struct {
	Interval     int  `yaml:"interval"`
	Timeout      int  `yaml:"timeout"`
	TimerEnabled bool `yaml:"timer_enabled"`
}

// AutomationsConfig controls automation rule loading and ticking.
type AutomationsConfig struct {
	// File is an optional YAML file of rules imported at startup.
	File string `yaml:"file"`
	// TickInterval drives time triggers and delayed actions, in seconds. 0 disables the timer.
	TickInterval int `yaml:"tick_interval"`
	// MaxExecutionsPerMinute caps how often one automation may fire.
	MaxExecutionsPerMinute int `yaml:"max_executions_per_minute"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// RedisConfig contains the change-record handoff settings.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// APIConfig contains the hook and metrics HTTP server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment overrides.
//
// An empty path skips the file and returns defaults plus environment overrides.
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration without reading any file.
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			Name:     "Home",
			Timezone: "UTC",
		},
		Database: DatabaseConfig{
			Path:        "./data/homegate.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "homegate-core",
			},
			QoS:       1,
			KeepAlive: 60,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
			CommandSuffix: "set",
		},
		Ingest: IngestConfig{
			Workers:   4,
			QueueSize: 256,
		},
		Health: HealthConfig{
			Interval:     30,
			Timeout:      60,
			TimerEnabled: true,
		},
		Automations: AutomationsConfig{
			TickInterval:           30,
			MaxExecutionsPerMinute: 10,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8090,
			Timeouts: APITimeoutConfig{
				Read:  10,
				Write: 10,
				Idle:  60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies HOMEGATE_* environment variables on top of file values.
// Secrets should come from the environment rather than the config file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HOMEGATE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("HOMEGATE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("HOMEGATE_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("HOMEGATE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("HOMEGATE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("HOMEGATE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("HOMEGATE_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("HOMEGATE_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}

	if v := os.Getenv("HOMEGATE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks that the configuration is valid.
//
// Returns:
//   - error: Describes all validation failures, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if _, err := time.LoadLocation(c.Site.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("site.timezone %q is not a valid IANA zone", c.Site.Timezone))
	}
	switch lat, lon := c.Site.Latitude, c.Site.Longitude; {
	case (lat == nil) != (lon == nil):
		errs = append(errs, "site.latitude and site.longitude must be set together")
	case lat != nil && (*lat < -90 || *lat > 90):
		errs = append(errs, "site.latitude must be between -90 and 90")
	case lon != nil && (*lon < -180 || *lon > 180):
		errs = append(errs, "site.longitude must be between -180 and 180")
	}

	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.CommandSuffix != "set" && c.MQTT.CommandSuffix != "cmd" {
		errs = append(errs, "mqtt.command_suffix must be \"set\" or \"cmd\"")
	}
	if c.MQTT.Reconnect.InitialDelay < 1 {
		errs = append(errs, "mqtt.reconnect.initial_delay must be at least 1")
	}
	if c.MQTT.Reconnect.MaxDelay < c.MQTT.Reconnect.InitialDelay {
		errs = append(errs, "mqtt.reconnect.max_delay must not be less than initial_delay")
	}

	if c.Ingest.Workers < 1 {
		errs = append(errs, "ingest.workers must be at least 1")
	}
	if c.Ingest.QueueSize < 1 {
		errs = append(errs, "ingest.queue_size must be at least 1")
	}

	if c.Health.Interval < 1 {
		errs = append(errs, "health.interval must be at least 1")
	}
	if c.Health.Timeout < 1 {
		errs = append(errs, "health.timeout must be at least 1")
	}

	if c.Automations.TickInterval < 0 {
		errs = append(errs, "automations.tick_interval must not be negative")
	}
	if c.Automations.MaxExecutionsPerMinute < 1 {
		errs = append(errs, "automations.max_executions_per_minute must be at least 1")
	}

	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis.addr is required when redis is enabled")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Location returns the site timezone. Validate guarantees it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Site.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// HasCoordinates reports whether the site's position is configured.
func (c *Config) HasCoordinates() bool {
	return c.Site.Latitude != nil && c.Site.Longitude != nil
}

// HealthInterval returns the sweep period.
func (c *Config) HealthInterval() time.Duration {
	return time.Duration(c.Health.Interval) * time.Second
}

// HealthTimeout returns the liveness threshold.
func (c *Config) HealthTimeout() time.Duration {
	return time.Duration(c.Health.Timeout) * time.Second
}

// GetReadTimeout returns the API read timeout as a time.Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a time.Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a time.Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
