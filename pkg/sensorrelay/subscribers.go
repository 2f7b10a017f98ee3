package sensorrelay

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ghalamif/SensorRelay/internal/adapters/subscriber"
)

// ReadingHandler is invoked with each relayed reading.
type ReadingHandler func(Reading) error

// callbackBuffer bounds the readings waiting for a callback handler.
const callbackBuffer = 64

// NewCallbackSubscriber adapts fn into a Subscriber so callers can receive
// readings in-process without defining a type. fn runs on its own goroutine,
// one reading at a time; if more than callbackBuffer readings pile up the
// subscriber is dropped as slow. Returning an error unsubscribes it.
func NewCallbackSubscriber(fn ReadingHandler) Subscriber {
	return &callbackSubscriber{
		id:    subscriber.NewID(),
		fn:    fn,
		queue: make(chan Reading, callbackBuffer),
		done:  make(chan struct{}),
	}
}

// NewChannelSubscriber exposes readings via a channel; it returns the
// subscriber, the read-only channel, and a close function that the caller
// should invoke when it stops reading. A full channel unsubscribes it.
func NewChannelSubscriber(buffer int) (Subscriber, <-chan Reading, func()) {
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan Reading, buffer)
	s := &channelSubscriber{
		id:   subscriber.NewID(),
		ch:   ch,
		done: make(chan struct{}),
	}
	return s, ch, s.close
}

type callbackSubscriber struct {
	id    string
	fn    ReadingHandler
	queue chan Reading
	done  chan struct{}

	mu      sync.Mutex
	closed  bool
	running bool
}

func (s *callbackSubscriber) ID() string            { return s.id }
func (s *callbackSubscriber) Done() <-chan struct{} { return s.done }

// TrySend hands the reading to the handler goroutine without waiting for fn.
func (s *callbackSubscriber) TrySend(payload []byte) error {
	if s.fn == nil {
		return fmt.Errorf("callback subscriber %s: nil handler", s.id)
	}
	var r Reading
	if err := json.Unmarshal(payload, &r); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return subscriber.ErrSubscriberClosed
	}
	select {
	case s.queue <- r:
	default:
		s.closeLocked()
		return subscriber.ErrSlowSubscriber
	}
	if !s.running {
		s.running = true
		go s.drain()
	}
	return nil
}

// drain runs fn over queued readings and exits once the queue is empty, so
// an idle subscriber holds no goroutine.
func (s *callbackSubscriber) drain() {
	for {
		select {
		case r := <-s.queue:
			if err := s.fn(r); err != nil {
				s.mu.Lock()
				s.closeLocked()
				s.running = false
				s.mu.Unlock()
				return
			}
			continue
		default:
		}

		s.mu.Lock()
		if len(s.queue) == 0 || s.closed {
			s.running = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
	}
}

func (s *callbackSubscriber) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

type channelSubscriber struct {
	id   string
	ch   chan Reading
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

func (s *channelSubscriber) ID() string            { return s.id }
func (s *channelSubscriber) Done() <-chan struct{} { return s.done }

func (s *channelSubscriber) TrySend(payload []byte) error {
	var r Reading
	if err := json.Unmarshal(payload, &r); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return subscriber.ErrSubscriberClosed
	}
	select {
	case s.ch <- r:
		return nil
	default:
		s.closeLocked()
		return subscriber.ErrSlowSubscriber
	}
}

func (s *channelSubscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *channelSubscriber) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	close(s.ch)
}
