package relay

import (
	"context"
	"sync"
	"time"

	"github.com/ghalamif/SensorRelay/internal/domain"
	"github.com/ghalamif/SensorRelay/internal/ports"
)

type HubConfig struct {
	// LaneBuffer bounds each fan-out lane; readings beyond it are dropped
	// from that lane only.
	LaneBuffer     int
	PersistTimeout time.Duration
}

func (c *HubConfig) applyDefaults() {
	if c.LaneBuffer <= 0 {
		c.LaneBuffer = 4096
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 5 * time.Second
	}
}

// Hub fans every Reading out to the persistence sink and the subscriber
// registry. Each destination has its own FIFO lane and worker, so neither
// waits on the other and ingestion never waits on either.
type Hub struct {
	sink     ports.ReadingSink
	registry *Registry
	obs      ports.Observability
	cfg      HubConfig

	mu          sync.RWMutex
	stopped     bool
	persistCh   chan domain.Reading
	broadcastCh chan domain.Reading
	wg          sync.WaitGroup
	startOnce   sync.Once
}

// NewHub builds a hub. sink may be nil, in which case readings are only
// broadcast.
func NewHub(sink ports.ReadingSink, registry *Registry, obs ports.Observability, cfg HubConfig) *Hub {
	cfg.applyDefaults()
	h := &Hub{
		sink:        sink,
		registry:    registry,
		obs:         obs,
		cfg:         cfg,
		broadcastCh: make(chan domain.Reading, cfg.LaneBuffer),
	}
	if sink != nil {
		h.persistCh = make(chan domain.Reading, cfg.LaneBuffer)
	}
	return h
}

// Start launches the lane workers. It is safe to call more than once.
func (h *Hub) Start() {
	h.startOnce.Do(func() {
		h.wg.Add(1)
		go h.broadcastLane()
		if h.persistCh != nil {
			h.wg.Add(1)
			go h.persistLane()
		}
	})
}

// Run consumes upstream events until ctx is done or events is closed.
func (h *Hub) Run(ctx context.Context, events <-chan domain.Event) {
	h.Start()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch {
			case ev.Reading != nil:
				h.OnReading(*ev.Reading)
			case ev.Conn != nil:
				h.OnConnectionEvent(*ev.Conn)
			}
		}
	}
}

// OnReading hands r to both lanes without blocking.
func (h *Hub) OnReading(r domain.Reading) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.stopped {
		return
	}
	if h.persistCh != nil {
		h.offer(h.persistCh, r, "persist")
	}
	h.offer(h.broadcastCh, r, "broadcast")
}

func (h *Hub) offer(lane chan domain.Reading, r domain.Reading, name string) {
	select {
	case lane <- r:
	default:
		h.obs.IncCounter(ports.MetricLaneDropped, 1)
		h.obs.LogError("lane_full", nil,
			ports.F("lane", name),
			ports.F("source_type", r.SourceType))
	}
}

// OnConnectionEvent records lifecycle changes. It never triggers a broadcast.
func (h *Hub) OnConnectionEvent(ev domain.ConnectionEvent) {
	fields := []ports.Field{
		ports.F("connection_id", ev.ConnectionID),
		ports.F("source_type", ev.SourceType),
		ports.F("address", ev.Address),
	}
	switch ev.Kind {
	case domain.ConnOpened:
		h.obs.LogInfo("upstream_opened", fields...)
	case domain.ConnClosed:
		fields = append(fields, ports.F("code", ev.Code), ports.F("reason", ev.Reason))
		h.obs.LogInfo("upstream_closed", fields...)
	case domain.ConnErrored:
		if ev.Frame {
			h.obs.LogError("frame_malformed", errorString(ev.Message), fields...)
			return
		}
		h.obs.LogError("upstream_errored", errorString(ev.Message), fields...)
	}
}

func (h *Hub) persistLane() {
	defer h.wg.Done()
	for r := range h.persistCh {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.PersistTimeout)
		err := h.sink.Append(ctx, r)
		cancel()
		if err != nil {
			h.obs.IncCounter(ports.MetricPersistFailures, 1)
			h.obs.LogError("sink_append_failed", err, ports.F("source_type", r.SourceType))
		}
	}
}

func (h *Hub) broadcastLane() {
	defer h.wg.Done()
	for r := range h.broadcastCh {
		start := time.Now()
		report := h.registry.Broadcast(r)
		h.obs.ObserveLatency(ports.LatencyBroadcast, time.Since(start).Seconds())
		if report.Delivered > 0 {
			h.obs.IncCounter(ports.MetricBroadcastDelivered, float64(report.Delivered))
		}
		if report.Evicted > 0 {
			h.obs.IncCounter(ports.MetricSubscribersEvicted, float64(report.Evicted))
		}
	}
}

// Shutdown stops accepting readings and waits for both lanes to drain.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	close(h.broadcastCh)
	if h.persistCh != nil {
		close(h.persistCh)
	}
	h.mu.Unlock()

	// lanes never started still need draining
	h.Start()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type errorString string

func (e errorString) Error() string { return string(e) }
