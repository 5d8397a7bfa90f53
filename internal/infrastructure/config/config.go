package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure of the daemon.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Buses     BusesConfig     `yaml:"buses"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
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

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SchedulerConfig controls the main loop driving all operation queues.
type SchedulerConfig struct {
	// TickInterval is how often queues are re-evaluated for timeouts.
	TickInterval time.Duration `yaml:"tick_interval"`

	// MaxPasses bounds the scheduling passes made per tick.
	MaxPasses int `yaml:"max_passes"`
}

// BusesConfig contains the hardware bus settings.
type BusesConfig struct {
	DALI DALIConfig `yaml:"dali"`
}

// DALIConfig contains the DALI bridge connection settings.
type DALIConfig struct {
	Enabled bool `yaml:"enabled"`

	// BridgeID names the bridge in health messages and MQTT topics.
	BridgeID string `yaml:"bridge_id"`

	// Connection is a serial device path or a host[:port] of a serial proxy.
	Connection string `yaml:"connection"`

	// DefaultPort is used when Connection names a host without a port.
	DefaultPort int `yaml:"default_port"`

	// BaudRate for serial devices.
	BaudRate int `yaml:"baud_rate"`

	// IdleTimeout closes the port when unused this long. 0 keeps it open.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// ReceiveTimeout bounds the wait for each bridge answer.
	ReceiveTimeout time.Duration `yaml:"receive_timeout"`

	// DeviceFile lists the DALI devices (YAML). Optional.
	DeviceFile string `yaml:"device_file"`

	// HealthInterval is the period of health messages.
	HealthInterval time.Duration `yaml:"health_interval"`

	// PresenceInterval is the period of device presence checks. 0 disables.
	PresenceInterval time.Duration `yaml:"presence_interval"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: VDCD_SECTION_KEY
// For example: VDCD_DATABASE_PATH, VDCD_DALI_CONNECTION
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

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "site-001",
			Name: "vdcd",
		},
		Database: DatabaseConfig{
			Path:        "./data/vdcd.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "vdcd",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Scheduler: SchedulerConfig{
			TickInterval: 10 * time.Millisecond,
			MaxPasses:    16,
		},
		Buses: BusesConfig{
			DALI: DALIConfig{
				BridgeID:         "dali",
				DefaultPort:      2101,
				BaudRate:         9600,
				ReceiveTimeout:   3 * time.Second,
				HealthInterval:   30 * time.Second,
				PresenceInterval: 5 * time.Minute,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("VDCD_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("VDCD_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("VDCD_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("VDCD_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("VDCD_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("VDCD_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("VDCD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("VDCD_DALI_CONNECTION"); v != "" {
		cfg.Buses.DALI.Connection = v
	}
	if v := os.Getenv("VDCD_DALI_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Buses.DALI.IdleTimeout = d
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}

	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.org and influxdb.bucket are required when influxdb is enabled")
		}
	}

	if c.Scheduler.TickInterval <= 0 {
		errs = append(errs, "scheduler.tick_interval must be positive")
	}

	errs = append(errs, c.validateDALI()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (c *Config) validateDALI() []string {
	d := c.Buses.DALI
	if !d.Enabled {
		return nil
	}

	var errs []string
	if d.Connection == "" {
		errs = append(errs, "buses.dali.connection is required (set VDCD_DALI_CONNECTION)")
	}
	if d.BridgeID == "" {
		errs = append(errs, "buses.dali.bridge_id is required")
	}
	if d.DefaultPort < 1 || d.DefaultPort > 65535 {
		errs = append(errs, "buses.dali.default_port must be between 1 and 65535")
	}
	if d.BaudRate <= 0 {
		errs = append(errs, "buses.dali.baud_rate must be positive")
	}
	if d.ReceiveTimeout <= 0 {
		errs = append(errs, "buses.dali.receive_timeout must be positive")
	}
	if d.IdleTimeout < 0 {
		errs = append(errs, "buses.dali.idle_timeout must not be negative")
	}
	if d.HealthInterval <= 0 {
		errs = append(errs, "buses.dali.health_interval must be positive")
	}
	return errs
}
