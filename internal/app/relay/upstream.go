package relay

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ghalamif/SensorRelay/internal/domain"
	"github.com/ghalamif/SensorRelay/internal/ports"
)

type ManagerConfig struct {
	DialTimeout     time.Duration
	TeardownTimeout time.Duration
	EventBuffer     int
	// Schemes restricts accepted address schemes; empty accepts any.
	Schemes []string
}

func (c *ManagerConfig) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = 5 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 1024
	}
}

// Ack confirms that a switch was accepted. It says nothing about whether the
// new connection will succeed.
type Ack struct {
	ConnectionID uint64    `json:"connectionId"`
	SourceType   string    `json:"sourceType"`
	Address      string    `json:"address"`
	AcceptedAt   time.Time `json:"acceptedAt"`
}

// ConnInfo is a snapshot of one upstream connection.
type ConnInfo struct {
	ID         uint64           `json:"id"`
	SourceType string           `json:"sourceType"`
	Address    string           `json:"address"`
	State      domain.ConnState `json:"-"`
	StateName  string           `json:"state"`
	OpenedAt   time.Time        `json:"openedAt"`
}

// Manager owns the single upstream connection. SwitchTo replaces it; every
// Reading and lifecycle event is published on one channel.
type Manager struct {
	dialer  ports.UpstreamDialer
	decoder ports.FrameDecoder
	obs     ports.Observability
	cfg     ManagerConfig
	now     func() time.Time

	events chan domain.Event

	switchMu sync.Mutex

	mu      sync.Mutex
	current *connection
	nextID  uint64
	closed  bool
}

func NewManager(dialer ports.UpstreamDialer, decoder ports.FrameDecoder, obs ports.Observability, cfg ManagerConfig) *Manager {
	cfg.applyDefaults()
	if decoder == nil {
		decoder = JSONDecoder{}
	}
	return &Manager{
		dialer:  dialer,
		decoder: decoder,
		obs:     obs,
		cfg:     cfg,
		now:     time.Now,
		events:  make(chan domain.Event, cfg.EventBuffer),
	}
}

// Events is the stream consumed by the hub.
func (m *Manager) Events() <-chan domain.Event { return m.events }

// Current returns the most recent connection, whatever its state.
func (m *Manager) Current() (ConnInfo, bool) {
	m.mu.Lock()
	c := m.current
	m.mu.Unlock()
	if c == nil {
		return ConnInfo{}, false
	}
	return c.info(), true
}

// SwitchTo closes the current connection with reason "superseded" and starts
// a new one in the background. Calls are serialized. A *SwitchError of kind
// KindInternal is returned alongside a valid Ack when the old connection did
// not shut down cleanly.
func (m *Manager) SwitchTo(ctx context.Context, sourceType, address string) (Ack, error) {
	sourceType = strings.TrimSpace(sourceType)
	address = strings.TrimSpace(address)
	if err := m.validate(sourceType, address); err != nil {
		return Ack{}, err
	}

	m.switchMu.Lock()
	defer m.switchMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Ack{}, &SwitchError{Kind: KindInternal, Err: ErrManagerClosed}
	}
	old := m.current
	m.mu.Unlock()

	var teardownErr error
	if old != nil {
		teardownErr = m.teardown(ctx, old, domain.ReasonSuperseded)
	}

	m.mu.Lock()
	m.nextID++
	c := newConnection(m.nextID, sourceType, address)
	m.current = c
	m.mu.Unlock()

	m.obs.IncCounter(ports.MetricUpstreamSwitches, 1)
	m.obs.SetGauge(ports.GaugeUpstreamState, float64(domain.StateConnecting))
	go m.run(c)

	ack := Ack{
		ConnectionID: c.id,
		SourceType:   sourceType,
		Address:      address,
		AcceptedAt:   m.now().UTC(),
	}
	if teardownErr != nil {
		m.obs.LogError("upstream_teardown_failed", teardownErr,
			ports.F("connection_id", old.id),
			ports.F("source_type", old.sourceType))
		return ack, &SwitchError{Kind: KindInternal, Err: teardownErr}
	}
	return ack, nil
}

// Close tears down the current connection and rejects further switches.
func (m *Manager) Close(ctx context.Context) error {
	m.switchMu.Lock()
	defer m.switchMu.Unlock()

	m.mu.Lock()
	m.closed = true
	c := m.current
	m.mu.Unlock()

	if c == nil {
		return nil
	}
	return m.teardown(ctx, c, domain.ReasonShutdown)
}

func (m *Manager) validate(sourceType, address string) error {
	if sourceType == "" {
		return invalidArgument("sourceType is required")
	}
	if address == "" {
		return invalidArgument("address is required")
	}

	raw := address
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return invalidArgument("address %q: %v", address, err)
	}
	if len(m.cfg.Schemes) > 0 && !containsFold(m.cfg.Schemes, u.Scheme) {
		return invalidArgument("address %q: unsupported scheme %q", address, u.Scheme)
	}
	if u.Hostname() == "" {
		return invalidArgument("address %q has no host", address)
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return invalidArgument("address %q: invalid port %q", address, p)
		}
	}
	return nil
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// teardown stops c's read loop and waits for it to exit. Only the goroutine
// running c moves it to Closed.
func (m *Manager) teardown(ctx context.Context, c *connection, reason string) error {
	conn := c.beginClose(reason)
	if conn == nil && c.isClosed() {
		return nil
	}
	// wait out an emit that raced with the cancel
	c.emitMu.Lock()
	c.emitMu.Unlock()

	var err error
	if conn != nil {
		if cerr := conn.Close(domain.CloseNormal, reason); cerr != nil {
			err = fmt.Errorf("close connection %d: %w", c.id, cerr)
		}
	}

	timer := time.NewTimer(m.cfg.TeardownTimeout)
	defer timer.Stop()
	select {
	case <-c.done:
	case <-timer.C:
		err = errors.Join(err, fmt.Errorf("connection %d did not stop within %s", c.id, m.cfg.TeardownTimeout))
	case <-ctx.Done():
		err = errors.Join(err, fmt.Errorf("connection %d: %w", c.id, ctx.Err()))
	}
	return err
}

func (m *Manager) run(c *connection) {
	defer close(c.done)

	dialCtx, cancel := context.WithTimeout(c.ctx, m.cfg.DialTimeout)
	conn, err := m.dialer.Dial(dialCtx, c.sourceType, c.address)
	cancel()
	if err != nil {
		if c.ctx.Err() != nil {
			m.finish(c, domain.CloseNormal, c.reason())
			return
		}
		m.obs.IncCounter(ports.MetricUpstreamErrors, 1)
		m.lifecycle(c, domain.ConnectionEvent{Kind: domain.ConnErrored, Message: err.Error()})
		m.finish(c, domain.CloseAbnormal, err.Error())
		return
	}

	if !c.attach(conn, m.now()) {
		_ = conn.Close(domain.CloseNormal, c.reason())
		m.finish(c, domain.CloseNormal, c.reason())
		return
	}
	m.setGauge(c, domain.StateOpen)
	m.lifecycle(c, domain.ConnectionEvent{Kind: domain.ConnOpened})

	for {
		frame, err := conn.ReadFrame(c.ctx)
		if c.ctx.Err() != nil {
			_ = conn.Close(domain.CloseNormal, c.reason())
			m.finish(c, domain.CloseNormal, c.reason())
			return
		}
		if err != nil {
			m.obs.IncCounter(ports.MetricUpstreamErrors, 1)
			m.lifecycle(c, domain.ConnectionEvent{Kind: domain.ConnErrored, Message: err.Error()})
			_ = conn.Close(domain.CloseNormal, "read failed")
			m.finish(c, domain.CloseAbnormal, err.Error())
			return
		}

		r, err := m.decoder.Decode(frame, c.sourceType, m.now())
		if err != nil {
			m.obs.IncCounter(ports.MetricFramesMalformed, 1)
			m.lifecycle(c, domain.ConnectionEvent{Kind: domain.ConnErrored, Message: err.Error(), Frame: true})
			continue
		}

		if !m.emit(c, r) {
			_ = conn.Close(domain.CloseNormal, c.reason())
			m.finish(c, domain.CloseNormal, c.reason())
			return
		}
	}
}

// emit publishes r unless c has been cancelled. It reports false once c is
// stopping, after which nothing from c reaches the fan-out.
func (m *Manager) emit(c *connection, r domain.Reading) bool {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if c.ctx.Err() != nil {
		return false
	}
	select {
	case m.events <- domain.Event{Reading: &r}:
		m.obs.IncCounter(ports.MetricReadingsReceived, 1)
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (m *Manager) finish(c *connection, code int, reason string) {
	c.markClosed()
	m.setGauge(c, domain.StateClosed)
	m.lifecycle(c, domain.ConnectionEvent{Kind: domain.ConnClosed, Code: code, Reason: reason})
}

// lifecycle publishes without blocking so a stalled consumer cannot hold up
// teardown; dropped events are logged.
func (m *Manager) lifecycle(c *connection, ev domain.ConnectionEvent) {
	ev.ConnectionID = c.id
	ev.SourceType = c.sourceType
	ev.Address = c.address
	select {
	case m.events <- domain.Event{Conn: &ev}:
	default:
		m.obs.LogError("upstream_event_dropped", errors.New("event buffer full"),
			ports.F("connection_id", c.id),
			ports.F("kind", ev.Kind.String()))
	}
}

func (m *Manager) setGauge(c *connection, s domain.ConnState) {
	m.mu.Lock()
	isCurrent := m.current == c
	m.mu.Unlock()
	if isCurrent {
		m.obs.SetGauge(ports.GaugeUpstreamState, float64(s))
	}
}

type connection struct {
	id         uint64
	sourceType string
	address    string
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}

	emitMu sync.Mutex

	mu          sync.Mutex
	state       domain.ConnState
	conn        ports.UpstreamConn
	openedAt    time.Time
	closeReason string
}

func newConnection(id uint64, sourceType, address string) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &connection{
		id:         id,
		sourceType: sourceType,
		address:    address,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		state:      domain.StateConnecting,
	}
}

// attach records the dialed transport and moves to Open. It reports false
// when the connection was superseded while dialing.
func (c *connection) attach(conn ports.UpstreamConn, at time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx.Err() != nil || c.state != domain.StateConnecting {
		return false
	}
	c.conn = conn
	c.state = domain.StateOpen
	c.openedAt = at.UTC()
	return true
}

// beginClose records the close reason, cancels c, moves Open to Closing and
// returns the transport to close, if any. Cancelling under mu means a dial
// finishing concurrently either fails attach or is returned here.
func (c *connection) beginClose(reason string) ports.UpstreamConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == domain.StateClosed {
		return nil
	}
	c.cancel()
	if c.closeReason == "" {
		c.closeReason = reason
	}
	if domain.CanTransition(c.state, domain.StateClosing) {
		c.state = domain.StateClosing
	}
	return c.conn
}

func (c *connection) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = domain.StateClosed
	c.cancel()
}

func (c *connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == domain.StateClosed
}

func (c *connection) reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeReason == "" {
		return domain.ReasonSuperseded
	}
	return c.closeReason
}

func (c *connection) info() ConnInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnInfo{
		ID:         c.id,
		SourceType: c.sourceType,
		Address:    c.address,
		State:      c.state,
		StateName:  c.state.String(),
		OpenedAt:   c.openedAt,
	}
}
