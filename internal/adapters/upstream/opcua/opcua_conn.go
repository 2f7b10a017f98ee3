package opcua

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/ghalamif/SensorRelay/internal/domain"
	"github.com/ghalamif/SensorRelay/internal/ports"
)

// ErrClosed is returned by ReadFrame after Close.
var ErrClosed = errors.New("opcua upstream closed")

// Config captures the session details shared by every OPC UA upstream. The
// endpoint itself comes from the switch address.
type Config struct {
	Username         string              `yaml:"username"`
	Password         string              `yaml:"password"`
	SecurityMode     string              `yaml:"security_mode"`
	SecurityPolicy   string              `yaml:"security_policy"`
	ApplicationName  string              `yaml:"application_name"`
	PublishInterval  time.Duration       `yaml:"publish_interval"`
	SamplingInterval time.Duration       `yaml:"sampling_interval"`
	Sources          map[string][]string `yaml:"sources"`
}

func (c *Config) ApplyDefaults() {
	if c.SecurityMode == "" {
		c.SecurityMode = "None"
	}
	if c.SecurityPolicy == "" {
		c.SecurityPolicy = "None"
	}
	if c.ApplicationName == "" {
		c.ApplicationName = "SensorRelay"
	}
	if c.PublishInterval <= 0 {
		c.PublishInterval = 250 * time.Millisecond
	}
	if c.SamplingInterval < 0 {
		c.SamplingInterval = 0
	}
}

// Validate checks that every configured sensor maps to 1..3 axis nodes.
func (c *Config) Validate() error {
	for sourceType, nodes := range c.Sources {
		if len(nodes) == 0 || len(nodes) > domain.Axes {
			return fmt.Errorf("source %q must map to 1..%d nodes, got %d", sourceType, domain.Axes, len(nodes))
		}
		for _, n := range nodes {
			if _, err := ua.ParseNodeID(n); err != nil {
				return fmt.Errorf("source %q: parse node id %q: %w", sourceType, n, err)
			}
		}
	}
	return nil
}

// Dialer opens an OPC UA session and monitors the axis nodes configured for
// the requested sensor type.
type Dialer struct {
	cfg Config
}

func NewDialer(cfg Config) (*Dialer, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Dialer{cfg: cfg}, nil
}

func (d *Dialer) Dial(ctx context.Context, sourceType, address string) (ports.UpstreamConn, error) {
	nodes, ok := d.cfg.Sources[sourceType]
	if !ok {
		return nil, fmt.Errorf("no opcua nodes configured for source %q", sourceType)
	}

	client, err := opcua.NewClient(address, d.clientOptions()...)
	if err != nil {
		return nil, fmt.Errorf("opcua new client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("opcua connect: %w", err)
	}

	notifyCh := make(chan *opcua.PublishNotificationData, len(nodes)*4)
	sub, err := client.Subscribe(ctx, &opcua.SubscriptionParameters{
		Interval: d.cfg.PublishInterval,
	}, notifyCh)
	if err != nil {
		_ = client.Close(ctx)
		return nil, fmt.Errorf("opcua subscribe: %w", err)
	}

	// client handle i+1 carries axis i
	for i, n := range nodes {
		nodeID, _ := ua.ParseNodeID(n)
		req := opcua.NewMonitoredItemCreateRequestWithDefaults(nodeID, ua.AttributeIDValue, uint32(i+1))
		if d.cfg.SamplingInterval > 0 {
			req.RequestedParameters.SamplingInterval = float64(d.cfg.SamplingInterval / time.Millisecond)
		}
		res, err := sub.Monitor(ctx, ua.TimestampsToReturnBoth, req)
		if err == nil && len(res.Results) == 0 {
			err = errors.New("empty result")
		}
		if err == nil && res.Results[0].StatusCode != ua.StatusOK {
			err = res.Results[0].StatusCode
		}
		if err != nil {
			_ = sub.Cancel(ctx)
			_ = client.Close(ctx)
			return nil, fmt.Errorf("monitor node %q: %w", n, err)
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		sourceType: sourceType,
		axes:       len(nodes),
		client:     client,
		sub:        sub,
		cancel:     cancel,
		frames:     make(chan []byte, 64),
		done:       make(chan struct{}),
	}
	c.wg.Add(1)
	go c.consume(loopCtx, notifyCh)
	return c, nil
}

func (d *Dialer) clientOptions() []opcua.Option {
	opts := []opcua.Option{
		opcua.SecurityModeString(normalizeSecurityMode(d.cfg.SecurityMode)),
		opcua.SecurityPolicy(normalizeSecurityPolicy(d.cfg.SecurityPolicy)),
		opcua.ApplicationName(d.cfg.ApplicationName),
		opcua.AutoReconnect(false),
	}
	if d.cfg.Username != "" {
		opts = append(opts, opcua.AuthUsername(d.cfg.Username, d.cfg.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}
	return opts
}

// Conn folds data change notifications of the axis nodes into JSON frames
// shaped like the WebSocket sensor payload.
type Conn struct {
	sourceType string
	axes       int
	client     *opcua.Client
	sub        *opcua.Subscription
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	frames     chan []byte
	done       chan struct{}
	failure    error
	closeOnce  sync.Once
	closeErr   error
}

func (c *Conn) consume(ctx context.Context, ch <-chan *opcua.PublishNotificationData) {
	defer c.wg.Done()
	defer close(c.done)

	var values [domain.Axes]float64
	for {
		select {
		case <-ctx.Done():
			return
		case notif := <-ch:
			if notif == nil {
				continue
			}
			if notif.Error != nil {
				c.failure = notif.Error
				return
			}
			data, ok := notif.Value.(*ua.DataChangeNotification)
			if !ok {
				continue
			}
			if !applyDataChange(&values, c.axes, data) {
				continue
			}
			frame, err := json.Marshal(struct {
				SourceType string    `json:"sourceType"`
				Values     []float64 `json:"values"`
			}{c.sourceType, values[:]})
			if err != nil {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case c.frames <- frame:
			}
		}
	}
}

// applyDataChange updates the axis values and reports whether any changed.
func applyDataChange(values *[domain.Axes]float64, axes int, data *ua.DataChangeNotification) bool {
	changed := false
	for _, item := range data.MonitoredItems {
		axis := int(item.ClientHandle) - 1
		if axis < 0 || axis >= axes || item.Value == nil {
			continue
		}
		fv, ok := variantToFloat(item.Value.Value)
		if !ok {
			continue
		}
		values[axis] = fv
		changed = true
	}
	return changed
}

func (c *Conn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.done:
		if c.failure != nil {
			return nil, fmt.Errorf("opcua notification: %w", c.failure)
		}
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) Close(_ int, _ string) error {
	c.closeOnce.Do(func() {
		c.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		var err error
		if e := c.sub.Cancel(ctx); e != nil && !errors.Is(e, context.Canceled) {
			err = errors.Join(err, e)
		}
		if e := c.client.Close(ctx); e != nil && !errors.Is(e, context.Canceled) {
			err = errors.Join(err, e)
		}
		c.wg.Wait()
		c.closeErr = err
	})
	return c.closeErr
}

func variantToFloat(v *ua.Variant) (float64, bool) {
	if v == nil {
		return 0, false
	}

	switch val := v.Value().(type) {
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case int8:
		return float64(val), true
	case uint8:
		return float64(val), true
	case int16:
		return float64(val), true
	case uint16:
		return float64(val), true
	case int32:
		return float64(val), true
	case uint32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint64:
		return float64(val), true
	case bool:
		if val {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func normalizeSecurityMode(mode string) string {
	switch strings.ToLower(mode) {
	case "sign":
		return "Sign"
	case "signandencrypt", "signencrypt", "sign_and_encrypt", "sign+encrypt":
		return "SignAndEncrypt"
	default:
		return "None"
	}
}

func normalizeSecurityPolicy(policy string) string {
	if policy == "" {
		return "None"
	}
	return policy
}

var _ ports.UpstreamDialer = (*Dialer)(nil)
