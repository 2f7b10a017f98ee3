package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/ghalamif/SensorRelay/internal/adapters/upstream/mqtt"
	"github.com/ghalamif/SensorRelay/internal/adapters/upstream/opcua"
	"github.com/ghalamif/SensorRelay/internal/ports"
)

// Environment variables that take precedence over the file.
const (
	EnvAPIKey      = "SENSOR_RELAY_API_KEY"
	EnvPostgresDSN = "SENSOR_RELAY_POSTGRES_DSN"
	EnvRedisAddr   = "SENSOR_RELAY_REDIS_ADDR"
	EnvPort        = "PORT"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Hub       HubConfig       `yaml:"hub"`
	Policy    ports.Policy    `yaml:"policy"`
	WAL       WALConfig       `yaml:"wal"`
	Timescale TimescaleConfig `yaml:"timescale"`
	Redis     RedisConfig     `yaml:"redis"`
	History   HistoryConfig   `yaml:"history"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Addr             string        `yaml:"addr"`
	AllowedOrigins   []string      `yaml:"allowed_origins"`
	APIKey           string        `yaml:"api_key"`
	SubscriberBuffer int           `yaml:"subscriber_buffer"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
}

type UpstreamConfig struct {
	InitialSourceType string        `yaml:"initial_source_type"`
	InitialAddress    string        `yaml:"initial_address"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	TeardownTimeout   time.Duration `yaml:"teardown_timeout"`
	OPCUA             opcua.Config  `yaml:"opcua"`
	MQTT              mqtt.Config   `yaml:"mqtt"`
	Sim               SimConfig     `yaml:"sim"`
}

type SimConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type HubConfig struct {
	LaneBuffer int `yaml:"lane_buffer"`
}

type WALConfig struct {
	Dir string `yaml:"dir"`
}

// TimescaleConfig is optional; without a connection string readings are
// relayed but not stored and history queries are unavailable.
type TimescaleConfig struct {
	ConnString string `yaml:"conn_string"`
	Table      string `yaml:"table"`
}

func (c TimescaleConfig) Enabled() bool { return c.ConnString != "" }

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

func (c RedisConfig) Enabled() bool { return c.Addr != "" }

type HistoryConfig struct {
	MaxLookback time.Duration `yaml:"max_lookback"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Parse decodes YAML, applies environment overrides and defaults, then
// validates.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}

	cfg.applyEnv(os.LookupEnv)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns a configuration built only from defaults and the
// environment. It is not validated.
func Default() *Config {
	var cfg Config
	cfg.applyEnv(os.LookupEnv)
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvAPIKey); ok && v != "" {
		c.Server.APIKey = v
	}
	if v, ok := lookup(EnvPostgresDSN); ok && v != "" {
		c.Timescale.ConnString = v
	}
	if v, ok := lookup(EnvRedisAddr); ok && v != "" {
		c.Redis.Addr = v
	}
	if v, ok := lookup(EnvPort); ok && v != "" {
		c.Server.Addr = ":" + v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":3000"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.SubscriberBuffer == 0 {
		c.Server.SubscriberBuffer = 256
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}

	if c.Upstream.InitialSourceType == "" {
		c.Upstream.InitialSourceType = "android.sensor.accelerometer"
	}
	if c.Upstream.DialTimeout == 0 {
		c.Upstream.DialTimeout = 10 * time.Second
	}
	if c.Upstream.TeardownTimeout == 0 {
		c.Upstream.TeardownTimeout = 5 * time.Second
	}
	if c.Upstream.Sim.Interval == 0 {
		c.Upstream.Sim.Interval = time.Second
	}
	c.Upstream.OPCUA.ApplyDefaults()
	c.Upstream.MQTT.ApplyDefaults()

	if c.Hub.LaneBuffer == 0 {
		c.Hub.LaneBuffer = 4096
	}

	if c.Policy.MaxWALSizeBytes == 0 {
		c.Policy.MaxWALSizeBytes = 1 << 30
	}
	if c.Policy.MaxQueueLen == 0 {
		c.Policy.MaxQueueLen = 100_000
	}
	if c.Policy.MaxBatchSize == 0 {
		c.Policy.MaxBatchSize = 500
	}
	if c.Policy.IdleSleep == 0 {
		c.Policy.IdleSleep = 5 * time.Millisecond
	}
	if c.Policy.OnQueueFull == "" {
		c.Policy.OnQueueFull = "block"
	}
	if c.Policy.OnWALFull == "" {
		c.Policy.OnWALFull = "drop"
	}

	if c.WAL.Dir == "" {
		c.WAL.Dir = "./data/wal"
	}
	if c.Timescale.Table == "" {
		c.Timescale.Table = "sensor_readings"
	}
	if c.Redis.TTL == 0 {
		c.Redis.TTL = 24 * time.Hour
	}
	if c.History.MaxLookback == 0 {
		c.History.MaxLookback = 24 * time.Hour
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

func (c *Config) validate() error {
	var errs []error
	if c.Server.APIKey == "" {
		errs = append(errs, fmt.Errorf("server.api_key is required (or set %s)", EnvAPIKey))
	}
	if c.Server.SubscriberBuffer < 0 {
		errs = append(errs, fmt.Errorf("server.subscriber_buffer must be positive"))
	}
	if c.Hub.LaneBuffer < 0 {
		errs = append(errs, fmt.Errorf("hub.lane_buffer must be positive"))
	}
	if c.History.MaxLookback < 0 {
		errs = append(errs, fmt.Errorf("history.max_lookback must be positive"))
	}
	if err := c.Upstream.OPCUA.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("upstream.opcua: %w", err))
	}
	if err := c.Upstream.MQTT.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("upstream.mqtt: %w", err))
	}
	switch c.Policy.OnWALFull {
	case "drop", "block":
	default:
		errs = append(errs, fmt.Errorf("policy.on_wal_full must be drop or block, got %q", c.Policy.OnWALFull))
	}
	switch c.Policy.OnQueueFull {
	case "drop", "reject", "block":
	default:
		errs = append(errs, fmt.Errorf("policy.on_queue_full must be drop, reject or block, got %q", c.Policy.OnQueueFull))
	}
	if c.Timescale.Enabled() && c.WAL.Dir == "" {
		errs = append(errs, fmt.Errorf("wal.dir is required"))
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

