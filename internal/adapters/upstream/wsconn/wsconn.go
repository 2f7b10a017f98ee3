// Package wsconn reads sensor frames from WebSocket servers such as the
// Android "Sensor Server" app, which streams one sensor per socket at
// ws://host:port/sensor/connect?type=<sensor type>.
package wsconn

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ghalamif/SensorRelay/internal/ports"
)

const DefaultPath = "/sensor/connect"

type Dialer struct {
	Path             string
	HandshakeTimeout time.Duration
	ReadLimit        int64
}

func NewDialer() *Dialer {
	return &Dialer{
		Path:             DefaultPath,
		HandshakeTimeout: 10 * time.Second,
		ReadLimit:        64 << 10,
	}
}

// BuildURL turns an operator supplied address into a WebSocket URL. A bare
// host[:port] gets the ws scheme and the default path; the sensor type is
// added as the "type" query parameter unless the address already carries one.
func BuildURL(address, path, sourceType string) (string, error) {
	if !strings.Contains(address, "://") {
		address = "ws://" + address
	}
	u, err := url.Parse(address)
	if err != nil {
		return "", fmt.Errorf("parse upstream address: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported websocket scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("upstream address %q has no host", address)
	}
	if u.Path == "" || u.Path == "/" {
		if path == "" {
			path = DefaultPath
		}
		u.Path = path
	}
	q := u.Query()
	if q.Get("type") == "" && sourceType != "" {
		q.Set("type", sourceType)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (d *Dialer) Dial(ctx context.Context, sourceType, address string) (ports.UpstreamConn, error) {
	target, err := BuildURL(address, d.Path, sourceType)
	if err != nil {
		return nil, err
	}

	wd := websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	ws, resp, err := wd.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %s)", target, err, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	if d.ReadLimit > 0 {
		ws.SetReadLimit(d.ReadLimit)
	}
	return &Conn{ws: ws}, nil
}

// Conn is one upstream WebSocket. ReadFrame must be called from a single
// goroutine; Close may be called from any goroutine and unblocks ReadFrame.
type Conn struct {
	ws        *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

func (c *Conn) ReadFrame(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *Conn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		// best effort, the peer may already be gone
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

var _ ports.UpstreamDialer = (*Dialer)(nil)
