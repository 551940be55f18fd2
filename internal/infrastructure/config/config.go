package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root of config.yaml.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Device    DeviceConfig    `yaml:"device"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
}

// SiteConfig identifies the installation.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DeviceConfig describes the attached Drag:on.
type DeviceConfig struct {
	ID                 string          `yaml:"id"`
	Serial             SerialConfig    `yaml:"serial"`
	Actuators          ActuatorsConfig `yaml:"actuators"`
	Simulation         bool            `yaml:"simulation"`
	LogTransformations bool            `yaml:"log_transformations"`
	Reconnect          ReconnectConfig `yaml:"reconnect"`
}

// SerialConfig contains serial link settings.
type SerialConfig struct {
	Port           string `yaml:"port"`
	Baud           int    `yaml:"baud"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	TickIntervalMS int    `yaml:"tick_interval_ms"`
}

// ActuatorsConfig holds the per-fan timing model.
type ActuatorsConfig struct {
	A ActuatorConfig `yaml:"a"`
	B ActuatorConfig `yaml:"b"`
}

// ActuatorConfig contains one fan's full-travel duration (0% to 100%).
type ActuatorConfig struct {
	FullTravelMS int `yaml:"full_travel_ms"`
}

// ReconnectConfig controls reopening the device after the link is lost.
type ReconnectConfig struct {
	Enabled           bool `yaml:"enabled"`
	InitialIntervalMS int  `yaml:"initial_interval_ms"`
	MaxIntervalMS     int  `yaml:"max_interval_ms"`
	// MaxElapsedS of 0 retries forever.
	MaxElapsedS int `yaml:"max_elapsed_s"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// JournalRetentionDays prunes journal and command audit rows older
	// than this. Zero keeps everything.
	JournalRetentionDays int `yaml:"journal_retention_days"`
}

// MQTTConfig contains MQTT broker connection settings.
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

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
	Panel    PanelConfig      `yaml:"panel"`
}

// PanelConfig controls the bench page served under /panel/.
type PanelConfig struct {
	Enabled bool `yaml:"enabled"`

	// Dir serves the page from disk instead of the embedded copy.
	Dir string `yaml:"dir"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path               string `yaml:"path"`
	MaxMessageSize     int    `yaml:"max_message_size"`
	PingInterval       int    `yaml:"ping_interval"`
	PongTimeout        int    `yaml:"pong_timeout"`
	ProgressIntervalMS int    `yaml:"progress_interval_ms"`
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

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT token settings. An empty secret leaves the API
// unauthenticated, which is only meant for a bench setup.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"`
}

const (
	minJWTSecretLength = 32

	// minFullTravelMS keeps a one-percent move from rounding to zero.
	minFullTravelMS = 100
)

// Load builds the configuration from defaults, then the YAML file at
// path, then DRAGON_* environment variables, and validates the result.
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

// Default returns the built-in configuration, with environment overrides
// applied. Tools that run without a config file start from here.
func Default() *Config {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	return cfg
}

// defaultConfig holds the built-in values. Only the serial port has no
// default. Fan timings are the prototype's.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "site-001",
			Name: "Drag:on bench",
		},
		Device: DeviceConfig{
			ID: "dragon-01",
			Serial: SerialConfig{
				Baud:           115200,
				ReadTimeoutMS:  1,
				TickIntervalMS: 10,
			},
			Actuators: ActuatorsConfig{
				A: ActuatorConfig{FullTravelMS: 570},
				B: ActuatorConfig{FullTravelMS: 500},
			},
			LogTransformations: true,
			Reconnect: ReconnectConfig{
				Enabled:           true,
				InitialIntervalMS: 500,
				MaxIntervalMS:     30000,
			},
		},
		Database: DatabaseConfig{
			Path:                 "./data/dragon.db",
			WALMode:              true,
			BusyTimeout:          5,
			JournalRetentionDays: 30,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "dragon-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
			Panel: PanelConfig{Enabled: true},
		},
		WebSocket: WebSocketConfig{
			Path:               "/ws",
			MaxMessageSize:     8192,
			PingInterval:       30,
			PongTimeout:        10,
			ProgressIntervalMS: 50,
		},
		InfluxDB: InfluxDBConfig{
			Bucket: "dragon",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 60,
			},
		},
	}
}

// envOverrides maps DRAGON_* variables onto config fields. Secrets are
// expected to arrive this way rather than from the file.
var envOverrides = []struct {
	name  string
	apply func(cfg *Config, v string)
}{
	{"DRAGON_DEVICE_ID", func(c *Config, v string) { c.Device.ID = v }},
	{"DRAGON_SERIAL_PORT", func(c *Config, v string) { c.Device.Serial.Port = v }},
	{"DRAGON_SIMULATION", func(c *Config, v string) {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Device.Simulation = b
		}
	}},
	{"DRAGON_DATABASE_PATH", func(c *Config, v string) { c.Database.Path = v }},
	{"DRAGON_MQTT_HOST", func(c *Config, v string) { c.MQTT.Broker.Host = v }},
	{"DRAGON_MQTT_USERNAME", func(c *Config, v string) { c.MQTT.Auth.Username = v }},
	{"DRAGON_MQTT_PASSWORD", func(c *Config, v string) { c.MQTT.Auth.Password = v }},
	{"DRAGON_API_HOST", func(c *Config, v string) { c.API.Host = v }},
	{"DRAGON_INFLUXDB_TOKEN", func(c *Config, v string) { c.InfluxDB.Token = v }},
	{"DRAGON_JWT_SECRET", func(c *Config, v string) { c.Security.JWT.Secret = v }},
}

func applyEnvOverrides(cfg *Config) {
	for _, o := range envOverrides {
		if v := os.Getenv(o.name); v != "" {
			o.apply(cfg, v)
		}
	}
}

// problems collects validation failures so all of them are reported at once.
type problems []string

func (p *problems) check(ok bool, format string, args ...any) {
	if !ok {
		*p = append(*p, fmt.Sprintf(format, args...))
	}
}

// Validate reports every invalid setting in one error.
func (c *Config) Validate() error {
	var p problems

	p.check(c.Site.ID != "", "site.id is required")
	c.Device.validate(&p)

	p.check(c.Database.Path != "", "database.path is required")
	p.check(c.Database.JournalRetentionDays >= 0, "database.journal_retention_days must not be negative")

	p.check(c.MQTT.QoS >= 0 && c.MQTT.QoS <= 2, "mqtt.qos must be 0, 1, or 2")
	p.check(c.API.Port >= 1 && c.API.Port <= 65535, "api.port must be between 1 and 65535")
	p.check(!c.InfluxDB.Enabled || c.InfluxDB.URL != "", "influxdb.url is required when influxdb is enabled")

	secret := c.Security.JWT.Secret
	p.check(secret == "" || len(secret) >= minJWTSecretLength,
		"security.jwt.secret must be at least %d characters", minJWTSecretLength)

	if len(p) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(p, "; "))
	}
	return nil
}

func (d DeviceConfig) validate(p *problems) {
	p.check(d.ID != "", "device.id is required")
	p.check(!strings.ContainsAny(d.ID, "/#+"), "device.id must not contain MQTT wildcard or separator characters")
	p.check(d.Simulation || d.Serial.Port != "",
		"device.serial.port is required unless device.simulation is enabled (set DRAGON_SERIAL_PORT)")
	p.check(d.Serial.Baud > 0, "device.serial.baud must be positive")
	p.check(d.Serial.ReadTimeoutMS >= 0, "device.serial.read_timeout_ms must not be negative")
	p.check(d.Serial.TickIntervalMS > 0, "device.serial.tick_interval_ms must be positive")
	p.check(d.Actuators.A.FullTravelMS >= minFullTravelMS, "device.actuators.a.full_travel_ms must be at least %d", minFullTravelMS)
	p.check(d.Actuators.B.FullTravelMS >= minFullTravelMS, "device.actuators.b.full_travel_ms must be at least %d", minFullTravelMS)
	p.check(!d.Reconnect.Enabled || d.Reconnect.InitialIntervalMS > 0, "device.reconnect.initial_interval_ms must be positive")
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// FullTravel returns the configured full-travel durations of fans A and B.
func (d DeviceConfig) FullTravel() (a, b time.Duration) {
	return time.Duration(d.Actuators.A.FullTravelMS) * time.Millisecond,
		time.Duration(d.Actuators.B.FullTravelMS) * time.Millisecond
}

// ReadTimeout returns the per-tick read timeout.
func (s SerialConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

// TickInterval returns the read loop period.
func (s SerialConfig) TickInterval() time.Duration {
	return time.Duration(s.TickIntervalMS) * time.Millisecond
}

// JournalRetention returns how long journal rows are kept, or zero to keep
// them forever.
func (d DatabaseConfig) JournalRetention() time.Duration {
	return time.Duration(d.JournalRetentionDays) * 24 * time.Hour
}

// ProgressInterval returns how often transformation progress is broadcast.
func (w WebSocketConfig) ProgressInterval() time.Duration {
	return time.Duration(w.ProgressIntervalMS) * time.Millisecond
}
