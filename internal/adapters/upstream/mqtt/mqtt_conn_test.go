package mqtt

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

func TestConfigDefaultsAndTopic(t *testing.T) {
	d, err := NewDialer(Config{})
	if err != nil {
		t.Fatalf("new dialer: %v", err)
	}
	if got := d.cfg.Topic("android.sensor.light"); got != "sensors/android.sensor.light" {
		t.Fatalf("unexpected topic %q", got)
	}
	if d.cfg.ConnectTimeout != 10*time.Second {
		t.Fatalf("expected default connect timeout, got %s", d.cfg.ConnectTimeout)
	}
}

func TestConfigValidate(t *testing.T) {
	if _, err := NewDialer(Config{TopicTemplate: "sensors/all"}); err == nil {
		t.Fatalf("expected error for template without placeholder")
	}
	if _, err := NewDialer(Config{QoS: 3}); err == nil {
		t.Fatalf("expected error for qos 3")
	}
}

func TestDialRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	d, _ := NewDialer(Config{ConnectTimeout: 2 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := d.Dial(ctx, "accel", "tcp://"+addr); err == nil {
		t.Fatalf("expected dial error against closed port")
	}
}

func TestConnReadFrameAfterClose(t *testing.T) {
	c := &Conn{
		frames: make(chan []byte, 1),
		lost:   make(chan error, 1),
		done:   make(chan struct{}),
	}
	c.frames <- []byte(`{"values":[1]}`)

	frame, err := c.ReadFrame(context.Background())
	if err != nil || string(frame) != `{"values":[1]}` {
		t.Fatalf("unexpected frame %q err=%v", frame, err)
	}

	if err := c.Close(1000, "superseded"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := c.ReadFrame(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestConnReportsLostConnection(t *testing.T) {
	c := &Conn{
		frames: make(chan []byte),
		lost:   make(chan error, 1),
		done:   make(chan struct{}),
	}
	c.connectionLost(errors.New("broker went away"))
	c.connectionLost(errors.New("dropped"))

	if _, err := c.ReadFrame(context.Background()); err == nil {
		t.Fatalf("expected lost connection error")
	}
}

// pendingToken never completes.
type pendingToken struct{ done chan struct{} }

func (t pendingToken) Wait() bool                     { <-t.done; return true }
func (t pendingToken) WaitTimeout(time.Duration) bool { return false }
func (t pendingToken) Done() <-chan struct{}          { return t.done }
func (t pendingToken) Error() error                   { return nil }

type slowConnectClient struct {
	paho.Client
	disconnects atomic.Int32
}

func (c *slowConnectClient) Connect() paho.Token { return pendingToken{done: make(chan struct{})} }
func (c *slowConnectClient) Disconnect(uint)     { c.disconnects.Add(1) }

func TestDialCancelledDuringConnectDisconnectsClient(t *testing.T) {
	client := &slowConnectClient{}
	d, err := NewDialer(Config{ConnectTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("new dialer: %v", err)
	}
	d.newClient = func(*paho.ClientOptions) paho.Client { return client }

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	if _, err := d.Dial(ctx, "accel", "tcp://127.0.0.1:1883"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := client.disconnects.Load(); got != 1 {
		t.Fatalf("expected pending client to be disconnected once, got %d", got)
	}
}
