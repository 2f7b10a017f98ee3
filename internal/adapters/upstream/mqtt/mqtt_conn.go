package mqtt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/ghalamif/SensorRelay/internal/ports"
)

// ErrClosed is returned by ReadFrame once the connection has been closed.
var ErrClosed = errors.New("mqtt upstream closed")

// Config describes how sensor types map onto broker topics.
type Config struct {
	TopicTemplate  string        `yaml:"topic_template"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	QoS            byte          `yaml:"qos"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	Buffer         int           `yaml:"buffer"`
}

func (c *Config) ApplyDefaults() {
	if c.TopicTemplate == "" {
		c.TopicTemplate = "sensors/{sourceType}"
	}
	if c.ClientID == "" {
		c.ClientID = "sensor-relay"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.Buffer <= 0 {
		c.Buffer = 256
	}
}

func (c *Config) Validate() error {
	if c.QoS > 2 {
		return fmt.Errorf("qos must be 0, 1 or 2")
	}
	if !strings.Contains(c.TopicTemplate, "{sourceType}") {
		return fmt.Errorf("topic_template must contain {sourceType}")
	}
	return nil
}

// Topic resolves the subscription topic for one sensor type.
func (c Config) Topic(sourceType string) string {
	return strings.ReplaceAll(c.TopicTemplate, "{sourceType}", sourceType)
}

type Dialer struct {
	cfg       Config
	newClient func(*paho.ClientOptions) paho.Client
}

func NewDialer(cfg Config) (*Dialer, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Dialer{cfg: cfg, newClient: paho.NewClient}, nil
}

func (d *Dialer) clientOptions(broker string, lost func(error)) *paho.ClientOptions {
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(fmt.Sprintf("%s-%d", d.cfg.ClientID, time.Now().UnixNano())).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectTimeout(d.cfg.ConnectTimeout).
		SetConnectionLostHandler(func(_ paho.Client, err error) { lost(err) })
	if d.cfg.Username != "" {
		opts.SetUsername(d.cfg.Username)
		opts.SetPassword(d.cfg.Password)
	}
	return opts
}

// Dial connects to the broker at address (tcp://, ssl://, mqtt://) and
// subscribes to the topic of sourceType. Reconnects are left to the caller.
func (d *Dialer) Dial(ctx context.Context, sourceType, address string) (ports.UpstreamConn, error) {
	c := &Conn{
		topic:  d.cfg.Topic(sourceType),
		frames: make(chan []byte, d.cfg.Buffer),
		lost:   make(chan error, 1),
		done:   make(chan struct{}),
	}

	client := d.newClient(d.clientOptions(address, c.connectionLost))
	if err := wait(ctx, client.Connect(), d.cfg.ConnectTimeout); err != nil {
		// the connect attempt may still complete in the background
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect %s: %w", address, err)
	}
	c.client = client

	tok := client.Subscribe(c.topic, d.cfg.QoS, func(_ paho.Client, msg paho.Message) {
		select {
		case c.frames <- msg.Payload():
		case <-c.done:
		}
	})
	if err := wait(ctx, tok, d.cfg.ConnectTimeout); err != nil {
		client.Disconnect(100)
		return nil, fmt.Errorf("mqtt subscribe %s: %w", c.topic, err)
	}
	return c, nil
}

func wait(ctx context.Context, tok paho.Token, timeout time.Duration) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return fmt.Errorf("timed out after %s", timeout)
	}
}

// Conn delivers the payloads published on one topic.
type Conn struct {
	client    paho.Client
	topic     string
	frames    chan []byte
	lost      chan error
	done      chan struct{}
	closeOnce sync.Once
}

func (c *Conn) connectionLost(err error) {
	select {
	case c.lost <- err:
	default:
	}
}

func (c *Conn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case err := <-c.lost:
		return nil, fmt.Errorf("mqtt connection lost: %w", err)
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) Close(_ int, _ string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.client == nil {
			return
		}
		tok := c.client.Unsubscribe(c.topic)
		if !tok.WaitTimeout(time.Second) {
			err = fmt.Errorf("mqtt unsubscribe %s timed out", c.topic)
		} else {
			err = tok.Error()
		}
		c.client.Disconnect(250)
	})
	return err
}

var _ ports.UpstreamDialer = (*Dialer)(nil)
