// Package subscriber implements downstream consumers of relayed readings.
package subscriber

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ghalamif/SensorRelay/internal/ports"
)

var (
	ErrSubscriberClosed = errors.New("subscriber closed")
	ErrSlowSubscriber   = errors.New("subscriber send buffer full")
)

type Config struct {
	Buffer       int
	WriteTimeout time.Duration
	PongWait     time.Duration
	ReadLimit    int64
}

func (c *Config) applyDefaults() {
	if c.Buffer <= 0 {
		c.Buffer = 256
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 4 << 10
	}
}

// NewID returns a fresh subscriber id.
func NewID() string { return uuid.NewString() }

// WebSocket forwards readings to one browser or dashboard socket. Sends are
// buffered; a subscriber that falls a full buffer behind is closed.
type WebSocket struct {
	id   string
	conn *websocket.Conn
	cfg  Config
	send chan []byte

	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
}

func NewWebSocket(conn *websocket.Conn, cfg Config) *WebSocket {
	cfg.applyDefaults()
	return &WebSocket{
		id:   NewID(),
		conn: conn,
		cfg:  cfg,
		send: make(chan []byte, cfg.Buffer),
		done: make(chan struct{}),
	}
}

func (s *WebSocket) ID() string { return s.id }

func (s *WebSocket) Done() <-chan struct{} { return s.done }

// TrySend queues payload without blocking.
func (s *WebSocket) TrySend(payload []byte) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrSubscriberClosed
	}
	select {
	case s.send <- payload:
		s.mu.RUnlock()
		return nil
	default:
	}
	s.mu.RUnlock()

	s.Close()
	return ErrSlowSubscriber
}

// Start runs the read and write pumps until the socket closes.
func (s *WebSocket) Start() {
	go s.writePump()
	go s.readPump()
}

func (s *WebSocket) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.done)
		s.mu.Unlock()
		_ = s.conn.Close()
	})
}

func (s *WebSocket) writePump() {
	ping := time.NewTicker(s.cfg.PongWait * 9 / 10)
	defer func() {
		ping.Stop()
		s.Close()
	}()

	for {
		select {
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			deadline := time.Now().Add(time.Second)
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
			return
		}
	}
}

// readPump discards client messages; it exists to process pongs and notice
// the peer going away.
func (s *WebSocket) readPump() {
	defer s.Close()

	s.conn.SetReadLimit(s.cfg.ReadLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

var _ ports.Subscriber = (*WebSocket)(nil)
