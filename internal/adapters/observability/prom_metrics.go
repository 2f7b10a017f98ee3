package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ghalamif/SensorRelay/internal/domain"
	"github.com/ghalamif/SensorRelay/internal/ports"
)

// PromObs records relay metrics in Prometheus and writes structured logs via zerolog.
type PromObs struct {
	log      zerolog.Logger
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	histos   map[string]prometheus.Observer
}

func NewPromObs(logger zerolog.Logger) *PromObs {
	counters := map[string]prometheus.Counter{}
	for name, help := range map[string]string{
		ports.MetricReadingsReceived:   "Readings parsed from the current upstream connection.",
		ports.MetricFramesMalformed:    "Upstream frames dropped because they failed validation.",
		ports.MetricBroadcastDelivered: "Successful subscriber deliveries.",
		ports.MetricSubscribersEvicted: "Subscribers evicted after a failed send.",
		ports.MetricUpstreamSwitches:   "Accepted upstream switch requests.",
		ports.MetricUpstreamErrors:     "Upstream dial or read failures.",
		ports.MetricLaneDropped:        "Readings dropped because a fan-out lane was full.",
		ports.MetricPersistFailures:    "Readings the persistence sink failed to accept.",
		ports.MetricReadingsPersisted:  "Readings committed to the history store.",
		ports.MetricDLQ:                "Readings discarded by the persistence pipeline.",
	} {
		counters[name] = prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	}

	gauges := map[string]prometheus.Gauge{}
	for name, help := range map[string]string{
		ports.GaugeSubscribers:   "Currently registered subscribers.",
		ports.GaugeUpstreamState: "State of the current upstream connection (0 connecting, 1 open, 2 closing, 3 closed).",
		ports.GaugeWALSize:       "Size of WAL on disk.",
		ports.GaugeQueueLength:   "Readings buffered for the history store.",
		ports.GaugeProcessRSS:    "Resident set size of the relay process.",
		ports.GaugeProcessCPU:    "CPU usage of the relay process in percent.",
	} {
		gauges[name] = prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	}

	persist := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    ports.LatencyPersist,
		Help:    "Latency from dequeued batch to store commit.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})
	broadcast := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    ports.LatencyBroadcast,
		Help:    "Time spent pushing one reading to all subscribers.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
	})

	collectors := []prometheus.Collector{persist, broadcast}
	for _, c := range counters {
		collectors = append(collectors, c)
	}
	for _, g := range gauges {
		collectors = append(collectors, g)
	}
	prometheus.MustRegister(collectors...)

	return &PromObs{
		log:      logger,
		counters: counters,
		gauges:   gauges,
		histos: map[string]prometheus.Observer{
			ports.LatencyPersist:   persist,
			ports.LatencyBroadcast: broadcast,
		},
	}
}

func (p *PromObs) LogInfo(msg string, fields ...ports.Field) {
	withFields(p.log.Info(), fields).Msg(msg)
}

func (p *PromObs) LogError(msg string, err error, fields ...ports.Field) {
	withFields(p.log.Error().Err(err), fields).Msg(msg)
}

func (p *PromObs) LogCritical(msg string, err error, fields ...ports.Field) {
	withFields(p.log.WithLevel(zerolog.FatalLevel).Err(err), fields).Msg(msg)
}

func (p *PromObs) IncCounter(name string, v float64) {
	if c, ok := p.counters[name]; ok {
		c.Add(v)
	}
}

func (p *PromObs) ObserveLatency(name string, seconds float64) {
	if h, ok := p.histos[name]; ok {
		h.Observe(seconds)
	}
}

func (p *PromObs) SetGauge(name string, v float64) {
	if g, ok := p.gauges[name]; ok {
		g.Set(v)
	}
}

func (p *PromObs) RecordDLQ(id ports.WALEntryID, r *domain.Reading, err error) {
	p.IncCounter(ports.MetricDLQ, 1)
	if err == nil {
		return
	}
	ev := p.log.Warn().Err(err).Uint64("wal_id", uint64(id))
	if r != nil {
		ev = ev.Str("source_type", r.SourceType)
	}
	ev.Msg("reading_dropped")
}

func withFields(ev *zerolog.Event, fields []ports.Field) *zerolog.Event {
	for _, f := range fields {
		ev = ev.Interface(f.Key, f.Value)
	}
	return ev
}

var _ ports.Observability = (*PromObs)(nil)
