package sensorrelay

import (
	"github.com/ghalamif/SensorRelay/internal/adapters/subscriber"
	"github.com/ghalamif/SensorRelay/internal/app/relay"
	"github.com/ghalamif/SensorRelay/internal/domain"
	"github.com/ghalamif/SensorRelay/internal/ports"
)

// Reading is one sensor sample as relayed and stored.
type Reading = domain.Reading

// ConnectionEvent reports an upstream lifecycle change.
type ConnectionEvent = domain.ConnectionEvent

// UpstreamDialer opens connections to sensor sources (WebSocket, OPC UA, MQTT, simulators, etc.).
type UpstreamDialer = ports.UpstreamDialer

// UpstreamConn is one open upstream transport.
type UpstreamConn = ports.UpstreamConn

// Subscriber receives every relayed reading as encoded JSON.
type Subscriber = ports.Subscriber

// ReadingSink persists readings and answers history queries.
type ReadingSink = ports.ReadingSink

// Store is the batch backend behind the default persistence pipeline.
type Store = ports.Store

// LatestCache keeps the newest reading per sensor type.
type LatestCache = ports.LatestCache

// Observability emits metrics/logs about throughput, latency, and drops.
type Observability = ports.Observability

// Field is a structured log/metric field used by Observability implementations.
type Field = ports.Field

// WAL abstracts the write-ahead log used for durability and crash recovery.
type WAL = ports.WAL

// ReadingQueue is the bounded queue between the WAL and the store.
type ReadingQueue = ports.ReadingQueue

// QueuedReading pairs a reading with its WAL id.
type QueuedReading = ports.QueuedReading

type (
	Ack         = relay.Ack
	ConnInfo    = relay.ConnInfo
	Status      = relay.Status
	SwitchError = relay.SwitchError
)

var (
	ErrInvalidArgument  = relay.ErrInvalidArgument
	ErrInternal         = relay.ErrInternal
	ErrNoHistory        = relay.ErrNoHistory
	ErrSubscriberClosed = subscriber.ErrSubscriberClosed
	ErrSlowSubscriber   = subscriber.ErrSlowSubscriber
)
