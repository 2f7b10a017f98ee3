package relay

import (
	"context"
	"errors"
	"time"

	"github.com/ghalamif/SensorRelay/internal/domain"
	"github.com/ghalamif/SensorRelay/internal/ports"
)

type ServiceConfig struct {
	Manager     ManagerConfig
	Hub         HubConfig
	MaxLookback time.Duration
}

// Status is the operator view of the relay.
type Status struct {
	Upstream    *ConnInfo `json:"upstream"`
	Subscribers int       `json:"subscribers"`
}

// Service wires the upstream manager, the registry and the hub together.
type Service struct {
	Manager  *Manager
	Registry *Registry
	Hub      *Hub
	History  *History

	cancel context.CancelFunc
	done   chan struct{}
}

func NewService(dialer ports.UpstreamDialer, decoder ports.FrameDecoder, sink ports.ReadingSink, obs ports.Observability, cfg ServiceConfig) *Service {
	registry := NewRegistry(obs)
	return &Service{
		Manager:  NewManager(dialer, decoder, obs, cfg.Manager),
		Registry: registry,
		Hub:      NewHub(sink, registry, obs, cfg.Hub),
		History:  NewHistory(sink, cfg.MaxLookback),
	}
}

// Start begins consuming upstream events. It returns immediately.
func (s *Service) Start() {
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.Hub.Start()
	go func() {
		defer close(s.done)
		s.Hub.Run(ctx, s.Manager.Events())
	}()
}

func (s *Service) SwitchTo(ctx context.Context, sourceType, address string) (Ack, error) {
	return s.Manager.SwitchTo(ctx, sourceType, address)
}

func (s *Service) QueryHistory(ctx context.Context, since time.Time) ([]domain.Reading, error) {
	return s.History.Query(ctx, since)
}

func (s *Service) Subscribe(sub ports.Subscriber) bool { return s.Registry.Add(sub) }

func (s *Service) Unsubscribe(id string) bool { return s.Registry.Remove(id) }

func (s *Service) Status() Status {
	st := Status{Subscribers: s.Registry.Len()}
	if info, ok := s.Manager.Current(); ok {
		st.Upstream = &info
	}
	return st
}

// Shutdown closes the upstream connection, relays whatever it already
// produced, then drains the fan-out lanes.
func (s *Service) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.Manager.Close(ctx); err != nil {
		errs = append(errs, err)
	}

	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.drainEvents()

	if err := s.Hub.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Service) drainEvents() {
	events := s.Manager.Events()
	for {
		select {
		case ev := <-events:
			if ev.Reading != nil {
				s.Hub.OnReading(*ev.Reading)
			} else if ev.Conn != nil {
				s.Hub.OnConnectionEvent(*ev.Conn)
			}
		default:
			return
		}
	}
}
