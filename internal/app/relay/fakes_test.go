package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ghalamif/SensorRelay/internal/domain"
	"github.com/ghalamif/SensorRelay/internal/ports"
)

var errFakeClosed = errors.New("fake upstream closed")

type fakeConn struct {
	frames   chan []byte
	closed   chan struct{}
	closeErr error

	mu          sync.Mutex
	closeCalls  int
	closeReason string
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.closed:
		return nil, errFakeClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Close(_ int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	if c.closeCalls == 1 {
		c.closeReason = reason
		close(c.closed)
	}
	return c.closeErr
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

type fakeDialer struct {
	mu       sync.Mutex
	conns    []*fakeConn
	calls    int
	fail     error
	block    bool
	closeErr error
}

func (d *fakeDialer) Dial(ctx context.Context, sourceType, address string) (ports.UpstreamConn, error) {
	d.mu.Lock()
	d.calls++
	fail, block := d.fail, d.block
	d.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if fail != nil {
		return nil, fail
	}
	c := newFakeConn()
	c.closeErr = d.closeErr
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) all() []*fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeConn(nil), d.conns...)
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) dialCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type fakeSubscriber struct {
	id   string
	fail error
	done chan struct{}

	mu       sync.Mutex
	payloads [][]byte
}

func newFakeSubscriber(id string) *fakeSubscriber {
	return &fakeSubscriber{id: id, done: make(chan struct{})}
}

func (s *fakeSubscriber) ID() string            { return s.id }
func (s *fakeSubscriber) Done() <-chan struct{} { return s.done }

func (s *fakeSubscriber) TrySend(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.payloads = append(s.payloads, append([]byte(nil), p...))
	return nil
}

func (s *fakeSubscriber) received() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.payloads...)
}

type recordingSink struct {
	mu       sync.Mutex
	readings []domain.Reading
	fail     error
	gate     chan struct{}
	queryFn  func(from, to time.Time) ([]domain.Reading, error)
}

func (s *recordingSink) Append(ctx context.Context, r domain.Reading) error {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.readings = append(s.readings, r)
	return nil
}

func (s *recordingSink) QueryRange(_ context.Context, from, to time.Time) ([]domain.Reading, error) {
	if s.queryFn != nil {
		return s.queryFn(from, to)
	}
	return nil, nil
}

func (s *recordingSink) appended() []domain.Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Reading(nil), s.readings...)
}

type stubObs struct {
	mu       sync.Mutex
	counters map[string]float64
	gauges   map[string]float64
	errors   []string
}

func newStubObs() *stubObs {
	return &stubObs{counters: map[string]float64{}, gauges: map[string]float64{}}
}

func (o *stubObs) LogInfo(string, ...ports.Field) {}
func (o *stubObs) LogError(msg string, _ error, _ ...ports.Field) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errors = append(o.errors, msg)
}
func (o *stubObs) LogCritical(string, error, ...ports.Field) {}
func (o *stubObs) IncCounter(name string, v float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.counters[name] += v
}
func (o *stubObs) ObserveLatency(string, float64) {}
func (o *stubObs) SetGauge(name string, v float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.gauges[name] = v
}
func (o *stubObs) RecordDLQ(ports.WALEntryID, *domain.Reading, error) {}

func (o *stubObs) counter(name string) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counters[name]
}

func (o *stubObs) gauge(name string) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.gauges[name]
}

func (o *stubObs) logged(msg string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, m := range o.errors {
		if m == msg {
			return true
		}
	}
	return false
}

// nextEvent waits for the next event matching keep.
func nextEvent(events <-chan domain.Event, timeout time.Duration, keep func(domain.Event) bool) (domain.Event, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-events:
			if keep(ev) {
				return ev, true
			}
		case <-deadline:
			return domain.Event{}, false
		}
	}
}

func connKind(kind domain.ConnEventKind) func(domain.Event) bool {
	return func(ev domain.Event) bool { return ev.Conn != nil && ev.Conn.Kind == kind && !ev.Conn.Frame }
}

var _ ports.Observability = (*stubObs)(nil)
var _ ports.ReadingSink = (*recordingSink)(nil)
var _ ports.Subscriber = (*fakeSubscriber)(nil)
