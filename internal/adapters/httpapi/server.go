// Package httpapi exposes the relay over HTTP: the upstream switch command,
// history and latest-reading queries, status, metrics and the downstream
// WebSocket endpoint.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/codegangsta/negroni"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ghalamif/SensorRelay/internal/adapters/subscriber"
	"github.com/ghalamif/SensorRelay/internal/app/relay"
	"github.com/ghalamif/SensorRelay/internal/domain"
	"github.com/ghalamif/SensorRelay/internal/ports"
)

const APIKeyHeader = "x-api-key"

// Relay is the part of the relay service the HTTP surface drives.
type Relay interface {
	SwitchTo(ctx context.Context, sourceType, address string) (relay.Ack, error)
	QueryHistory(ctx context.Context, since time.Time) ([]domain.Reading, error)
	Subscribe(sub ports.Subscriber) bool
	Status() relay.Status
}

// LatestReader serves GET /latest/{sourceType}.
type LatestReader interface {
	Latest(ctx context.Context, sourceType string) (domain.Reading, bool, error)
}

type Config struct {
	APIKey         string
	AllowedOrigins []string
	Subscriber     subscriber.Config
}

type Server struct {
	relay    Relay
	latest   LatestReader
	log      zerolog.Logger
	cfg      Config
	upgrader websocket.Upgrader
	now      func() time.Time
}

// NewHandler builds the routed, middleware-wrapped handler. latest may be nil.
func NewHandler(r Relay, latest LatestReader, log zerolog.Logger, cfg Config) http.Handler {
	s := &Server{
		relay:  r,
		latest: latest,
		log:    log,
		cfg:    cfg,
		now:    time.Now,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return originAllowed(cfg.AllowedOrigins, r.Header.Get("Origin")) },
	}

	router := mux.NewRouter()
	s.InitializeRoutes(router)

	recovery := negroni.NewRecovery()
	recovery.PrintStack = false
	recovery.Logger = recoveryLogger{log: log}

	n := negroni.New(recovery, negroni.HandlerFunc(s.logRequest), negroni.HandlerFunc(s.cors))
	n.UseHandler(router)
	return n
}

// InitializeRoutes adds the relay routes to r.
func (s *Server) InitializeRoutes(r *mux.Router) {
	r.HandleFunc("/", s.health).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	r.HandleFunc("/sensor/switch", s.switchUpstream).Methods(http.MethodPost)
	r.HandleFunc("/sensor/status", s.status).Methods(http.MethodGet)
	r.HandleFunc("/history", s.history).Methods(http.MethodGet)
	r.HandleFunc("/latest/{sourceType}", s.latestReading).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.subscribe).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.relay.Status())
}

func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("ws_upgrade_failed")
		return
	}
	sub := subscriber.NewWebSocket(conn, s.cfg.Subscriber)
	sub.Start()
	if !s.relay.Subscribe(sub) {
		sub.Close()
		return
	}
	s.log.Info().Str("subscriber_id", sub.ID()).Str("remote", r.RemoteAddr).Msg("subscriber_added")
}

type recoveryLogger struct {
	log zerolog.Logger
}

func (l recoveryLogger) Println(v ...interface{}) {
	l.log.Error().Msg(fmt.Sprint(v...))
}

func (l recoveryLogger) Printf(format string, v ...interface{}) {
	l.log.Error().Msgf(format, v...)
}
