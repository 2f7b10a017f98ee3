// Package sim generates synthetic sensor frames for demos and tests when no
// phone or field device is reachable. Addresses look like
// sim://local?interval=500ms.
package sim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ghalamif/SensorRelay/internal/ports"
)

var ErrClosed = errors.New("simulated upstream closed")

type Dialer struct {
	Interval time.Duration
}

func NewDialer(interval time.Duration) *Dialer {
	if interval <= 0 {
		interval = time.Second
	}
	return &Dialer{Interval: interval}
}

func (d *Dialer) Dial(ctx context.Context, sourceType, address string) (ports.UpstreamConn, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("parse sim address: %w", err)
	}
	if u.Scheme != "sim" {
		return nil, fmt.Errorf("unsupported sim scheme %q", u.Scheme)
	}
	interval := d.Interval
	if raw := u.Query().Get("interval"); raw != "" {
		if interval, err = time.ParseDuration(raw); err != nil || interval <= 0 {
			return nil, fmt.Errorf("invalid sim interval %q", raw)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Conn{
		sourceType: sourceType,
		ticker:     time.NewTicker(interval),
		done:       make(chan struct{}),
	}, nil
}

// Values returns one random sample: light sensors report a single lux
// component in [0,30), motion sensors three components in [0,10).
func Values(sourceType string) []float64 {
	if strings.HasSuffix(sourceType, "light") {
		return []float64{rand.Float64() * 30, 0, 0}
	}
	return []float64{rand.Float64() * 10, rand.Float64() * 10, rand.Float64() * 10}
}

type Conn struct {
	sourceType string
	ticker     *time.Ticker
	done       chan struct{}
	closeOnce  sync.Once
}

func (c *Conn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case <-c.done:
		return nil, ErrClosed
	default:
	}
	select {
	case <-c.ticker.C:
		return json.Marshal(map[string]any{
			"sourceType": c.sourceType,
			"values":     Values(c.sourceType),
		})
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) Close(_ int, _ string) error {
	c.closeOnce.Do(func() {
		c.ticker.Stop()
		close(c.done)
	})
	return nil
}

var _ ports.UpstreamDialer = (*Dialer)(nil)
