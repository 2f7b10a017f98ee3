package sensorrelay

import (
	"github.com/rs/zerolog"

	base "github.com/ghalamif/SensorRelay/pkg/sensorrelay"
)

// Re-exported errors for convenience.
var (
	ErrInvalidArgument  = base.ErrInvalidArgument
	ErrInternal         = base.ErrInternal
	ErrNoHistory        = base.ErrNoHistory
	ErrSubscriberClosed = base.ErrSubscriberClosed
	ErrSlowSubscriber   = base.ErrSlowSubscriber
)

// Type aliases so consumers can import github.com/ghalamif/SensorRelay directly.
type (
	Config          = base.Config
	Policy          = base.Policy
	ServerConfig    = base.ServerConfig
	UpstreamConfig  = base.UpstreamConfig
	OPCUAConfig     = base.OPCUAConfig
	MQTTConfig      = base.MQTTConfig
	TimescaleConfig = base.TimescaleConfig
	RedisConfig     = base.RedisConfig
	WALConfig       = base.WALConfig
	Runtime         = base.Runtime
	RuntimeOption   = base.RuntimeOption
	Reading         = base.Reading
	ReadingHandler  = base.ReadingHandler
	ConnectionEvent = base.ConnectionEvent
	UpstreamDialer  = base.UpstreamDialer
	UpstreamConn    = base.UpstreamConn
	Subscriber      = base.Subscriber
	ReadingSink     = base.ReadingSink
	Store           = base.Store
	LatestCache     = base.LatestCache
	Observability   = base.Observability
	Field           = base.Field
	WAL             = base.WAL
	ReadingQueue    = base.ReadingQueue
	QueuedReading   = base.QueuedReading
	Ack             = base.Ack
	ConnInfo        = base.ConnInfo
	Status          = base.Status
	SwitchError     = base.SwitchError
)

// Config helpers.
func LoadConfig(path string) (*Config, error) {
	return base.LoadConfig(path)
}

func DefaultConfig() *Config {
	return base.DefaultConfig()
}

// Runtime and options.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	return base.NewRuntime(cfg, opts...)
}

func WithDialer(d UpstreamDialer) RuntimeOption {
	return base.WithDialer(d)
}

func WithSink(s ReadingSink) RuntimeOption {
	return base.WithSink(s)
}

func WithStore(s Store) RuntimeOption {
	return base.WithStore(s)
}

func WithLatestCache(c LatestCache) RuntimeOption {
	return base.WithLatestCache(c)
}

func WithWAL(w WAL) RuntimeOption {
	return base.WithWAL(w)
}

func WithQueue(q ReadingQueue) RuntimeOption {
	return base.WithQueue(q)
}

func WithObservability(obs Observability) RuntimeOption {
	return base.WithObservability(obs)
}

func WithLogger(l zerolog.Logger) RuntimeOption {
	return base.WithLogger(l)
}

// Subscriber adapters.
func NewCallbackSubscriber(fn ReadingHandler) Subscriber {
	return base.NewCallbackSubscriber(fn)
}

func NewChannelSubscriber(buffer int) (Subscriber, <-chan Reading, func()) {
	return base.NewChannelSubscriber(buffer)
}
