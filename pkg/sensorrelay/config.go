package sensorrelay

import (
	"github.com/ghalamif/SensorRelay/internal/adapters/upstream/mqtt"
	"github.com/ghalamif/SensorRelay/internal/adapters/upstream/opcua"
	"github.com/ghalamif/SensorRelay/internal/app/config"
	"github.com/ghalamif/SensorRelay/internal/ports"
)

// Config re-exports the root configuration struct so downstream projects can
// construct or modify it programmatically.
type Config = config.Config

type (
	// Policy controls WAL/queue thresholds of the persistence pipeline.
	Policy = ports.Policy
	// ServerConfig configures the HTTP and WebSocket surface.
	ServerConfig = config.ServerConfig
	// UpstreamConfig holds switch timeouts and per-transport settings.
	UpstreamConfig = config.UpstreamConfig
	// OPCUAConfig maps sensor types onto OPC UA axis nodes.
	OPCUAConfig = opcua.Config
	// MQTTConfig maps sensor types onto broker topics.
	MQTTConfig = mqtt.Config
	// TimescaleConfig configures the history store.
	TimescaleConfig = config.TimescaleConfig
	// RedisConfig configures the latest-reading cache.
	RedisConfig = config.RedisConfig
	// WALConfig configures on-disk durability.
	WALConfig = config.WALConfig
)

// LoadConfig loads YAML from disk using the internal config reader.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// DefaultConfig returns defaults plus environment overrides.
func DefaultConfig() *Config {
	return config.Default()
}
