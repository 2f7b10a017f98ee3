package sensorrelay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ghalamif/SensorRelay/internal/adapters/cache"
	"github.com/ghalamif/SensorRelay/internal/adapters/httpapi"
	"github.com/ghalamif/SensorRelay/internal/adapters/observability"
	"github.com/ghalamif/SensorRelay/internal/adapters/queue"
	"github.com/ghalamif/SensorRelay/internal/adapters/sink"
	"github.com/ghalamif/SensorRelay/internal/adapters/subscriber"
	"github.com/ghalamif/SensorRelay/internal/adapters/upstream"
	"github.com/ghalamif/SensorRelay/internal/adapters/upstream/mqtt"
	"github.com/ghalamif/SensorRelay/internal/adapters/upstream/opcua"
	"github.com/ghalamif/SensorRelay/internal/adapters/upstream/sim"
	"github.com/ghalamif/SensorRelay/internal/adapters/upstream/wsconn"
	"github.com/ghalamif/SensorRelay/internal/adapters/wal"
	"github.com/ghalamif/SensorRelay/internal/app/pipeline"
	"github.com/ghalamif/SensorRelay/internal/app/relay"
	"github.com/ghalamif/SensorRelay/internal/ports"
)

const (
	schemaTimeout = 15 * time.Second
	redisTimeout  = 5 * time.Second
	gaugeInterval = time.Second
)

// RuntimeOption customizes the dependencies used by Runtime.
type RuntimeOption func(*runtimeOverrides)

type runtimeOverrides struct {
	dialer        UpstreamDialer
	sink          ReadingSink
	store         Store
	latest        LatestCache
	wal           WAL
	queue         ReadingQueue
	observability Observability
	logger        *zerolog.Logger
}

// WithDialer replaces the scheme router (ws, opc.tcp, mqtt, sim) with a
// custom upstream transport.
func WithDialer(d UpstreamDialer) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.dialer = d
	}
}

// WithSink bypasses the WAL-backed persistence pipeline entirely; readings
// and history queries go straight to s.
func WithSink(s ReadingSink) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.sink = s
	}
}

// WithStore keeps the persistence pipeline but writes batches to s instead
// of TimescaleDB.
func WithStore(s Store) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.store = s
	}
}

// WithLatestCache replaces the Redis latest-reading cache.
func WithLatestCache(c LatestCache) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.latest = c
	}
}

func WithWAL(w WAL) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.wal = w
	}
}

func WithQueue(q ReadingQueue) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.queue = q
	}
}

// WithObservability plugs in a custom metrics/log backend. Without it the
// runtime registers its Prometheus collectors, so only one default runtime
// can exist per process.
func WithObservability(obs Observability) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.observability = obs
	}
}

func WithLogger(l zerolog.Logger) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.logger = &l
	}
}

// Runtime wires upstream manager, hub, persistence and the HTTP surface and
// exposes lifecycle hooks for embedding the relay inside any Go service.
type Runtime struct {
	cfg       *Config
	log       zerolog.Logger
	obs       ports.Observability
	service   *relay.Service
	persister *pipeline.Persister
	wal       ports.WAL
	queue     ports.ReadingQueue
	latest    httpapi.LatestReader
	handler   http.Handler
	db        *sql.DB
	rdb       *redis.Client

	schema     func(context.Context) error
	httpSrv    *http.Server
	gaugeStop  chan struct{}
	gaugeDone  chan struct{}
	serveErrCh chan error
}

// NewRuntime bootstraps the default adapters: a scheme router over
// WebSocket, OPC UA, MQTT and simulated upstreams, the WAL-backed
// TimescaleDB pipeline when a connection string is configured, the Redis
// latest-reading cache when an address is configured, and Prometheus
// observability.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	var overrides runtimeOverrides
	for _, opt := range opts {
		if opt != nil {
			opt(&overrides)
		}
	}

	logger := observability.NewLogger(cfg.Log.Level, cfg.Log.Format, nil)
	if overrides.logger != nil {
		logger = *overrides.logger
	}

	obs := overrides.observability
	if obs == nil {
		obs = observability.NewPromObs(logger)
	}

	rt := &Runtime{cfg: cfg, log: logger, obs: obs}

	dialer := overrides.dialer
	if dialer == nil {
		router, err := defaultRouter(cfg.Upstream)
		if err != nil {
			return nil, err
		}
		dialer = router
	}

	readingSink, err := rt.buildPersistence(cfg, overrides)
	if err != nil {
		rt.closeClients()
		return nil, err
	}

	var schemes []string
	if s, ok := dialer.(interface{ Schemes() []string }); ok {
		schemes = s.Schemes()
	}

	rt.service = relay.NewService(dialer, relay.JSONDecoder{}, readingSink, obs, relay.ServiceConfig{
		Manager: relay.ManagerConfig{
			DialTimeout:     cfg.Upstream.DialTimeout,
			TeardownTimeout: cfg.Upstream.TeardownTimeout,
			Schemes:         schemes,
		},
		Hub:         relay.HubConfig{LaneBuffer: cfg.Hub.LaneBuffer},
		MaxLookback: cfg.History.MaxLookback,
	})

	rt.handler = httpapi.NewHandler(rt.service, rt.latest, logger, httpapi.Config{
		APIKey:         cfg.Server.APIKey,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Subscriber: subscriber.Config{
			Buffer:       cfg.Server.SubscriberBuffer,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	})
	return rt, nil
}

func defaultRouter(cfg UpstreamConfig) (*upstream.Router, error) {
	mqttDialer, err := mqtt.NewDialer(cfg.MQTT)
	if err != nil {
		return nil, fmt.Errorf("mqtt upstream: %w", err)
	}
	opcuaDialer, err := opcua.NewDialer(cfg.OPCUA)
	if err != nil {
		return nil, fmt.Errorf("opcua upstream: %w", err)
	}
	return upstream.NewRouter().
		Handle(wsconn.NewDialer(), "ws", "wss").
		Handle(opcuaDialer, "opc.tcp").
		Handle(mqttDialer, "tcp", "mqtt", "mqtts", "ssl", "tls").
		Handle(sim.NewDialer(cfg.Sim.Interval), "sim"), nil
}

// buildPersistence returns the hub's sink, or nil for a broadcast-only relay.
func (r *Runtime) buildPersistence(cfg *Config, o runtimeOverrides) (ports.ReadingSink, error) {
	latest := o.latest
	if latest == nil && cfg.Redis.Enabled() {
		ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
		rdb, err := cache.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		cancel()
		if err != nil {
			return nil, err
		}
		r.rdb = rdb
		latest = cache.NewRedisLatest(rdb, cfg.Redis.TTL)
	}

	if o.sink != nil {
		if latest != nil {
			r.latest = cacheReader{latest}
		}
		return o.sink, nil
	}

	store := o.store
	if store == nil && cfg.Timescale.Enabled() {
		db, err := sql.Open("postgres", cfg.Timescale.ConnString)
		if err != nil {
			return nil, err
		}
		r.db = db
		ts, err := sink.NewTimescaleStore(db, cfg.Timescale.Table)
		if err != nil {
			return nil, err
		}
		r.schema = ts.EnsureSchema
		store = ts
	}
	if store == nil {
		if latest != nil {
			r.latest = cacheReader{latest}
		}
		return nil, nil
	}

	r.wal = o.wal
	if r.wal == nil {
		w, err := wal.NewFileWAL(cfg.WAL.Dir)
		if err != nil {
			return nil, err
		}
		r.wal = w
	}
	r.queue = o.queue
	if r.queue == nil {
		r.queue = queue.NewMemQueue(cfg.Policy.MaxQueueLen)
	}

	r.persister = pipeline.New(r.wal, r.queue, store, latest, r.obs, pipeline.Config{Policy: cfg.Policy})
	r.latest = r.persister
	return r.persister, nil
}

// Start prepares the store schema, begins draining the WAL, consumes
// upstream events, serves HTTP and opens the configured initial upstream.
// It returns immediately; call Run to block on a context instead.
func (r *Runtime) Start() error {
	if r == nil {
		return fmt.Errorf("runtime is nil")
	}
	if r.schema != nil {
		ctx, cancel := context.WithTimeout(context.Background(), schemaTimeout)
		err := r.schema(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("prepare history store: %w", err)
		}
	}
	if r.persister != nil {
		r.persister.Start()
	}
	r.service.Start()
	r.startHTTP()
	r.startGauges()

	if addr := r.cfg.Upstream.InitialAddress; addr != "" {
		ack, err := r.service.SwitchTo(context.Background(), r.cfg.Upstream.InitialSourceType, addr)
		if err != nil {
			return fmt.Errorf("initial upstream: %w", err)
		}
		r.log.Info().Uint64("connection_id", ack.ConnectionID).Str("address", ack.Address).Msg("initial_upstream")
	}
	return nil
}

// Run starts the runtime and blocks until ctx is cancelled or the HTTP
// server fails, then shuts down gracefully.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Start(); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return errors.Join(err, r.Shutdown(shutdownCtx))
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-r.serveErrCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return errors.Join(serveErr, r.Shutdown(shutdownCtx))
}

// Shutdown stops accepting HTTP traffic, closes the upstream, flushes the
// fan-out lanes and the persistence pipeline, then releases clients.
func (r *Runtime) Shutdown(ctx context.Context) error {
	var errs []error

	if r.gaugeStop != nil {
		close(r.gaugeStop)
		<-r.gaugeDone
		r.gaugeStop = nil
	}

	if r.httpSrv != nil {
		if err := r.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, err)
		}
	}

	if err := r.service.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	if r.persister != nil {
		if err := r.persister.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	errs = append(errs, r.closeClients())
	return errors.Join(errs...)
}

func (r *Runtime) closeClients() error {
	var errs []error
	if r.rdb != nil {
		errs = append(errs, r.rdb.Close())
		r.rdb = nil
	}
	if r.db != nil {
		errs = append(errs, r.db.Close())
		r.db = nil
	}
	return errors.Join(errs...)
}

func (r *Runtime) startHTTP() {
	if r.cfg.Server.Addr == "" {
		return
	}
	r.httpSrv = &http.Server{
		Addr:              r.cfg.Server.Addr,
		Handler:           r.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	r.serveErrCh = make(chan error, 1)

	go func() {
		r.log.Info().Str("addr", r.cfg.Server.Addr).Msg("http_listen")
		if err := r.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Error().Err(err).Msg("http_server_exited")
			r.serveErrCh <- err
		}
	}()
}

// SwitchTo replaces the current upstream connection.
func (r *Runtime) SwitchTo(ctx context.Context, sourceType, address string) (Ack, error) {
	return r.service.SwitchTo(ctx, sourceType, address)
}

// QueryHistory returns stored readings since the given time, clamped to the
// look-back window.
func (r *Runtime) QueryHistory(ctx context.Context, since time.Time) ([]Reading, error) {
	return r.service.QueryHistory(ctx, since)
}

// AddSubscriber registers s for every subsequent reading. It reports false
// when a subscriber with the same id is already registered.
func (r *Runtime) AddSubscriber(s Subscriber) bool { return r.service.Subscribe(s) }

func (r *Runtime) RemoveSubscriber(id string) bool { return r.service.Unsubscribe(id) }

func (r *Runtime) Status() Status { return r.service.Status() }

// Latest returns the newest stored reading for sourceType.
func (r *Runtime) Latest(ctx context.Context, sourceType string) (Reading, bool, error) {
	if r.latest == nil {
		return Reading{}, false, pipeline.ErrNoLatestCache
	}
	return r.latest.Latest(ctx, sourceType)
}

// Handler exposes the HTTP surface so callers can mount it on their own
// server instead of the configured address.
func (r *Runtime) Handler() http.Handler { return r.handler }

type cacheReader struct {
	c ports.LatestCache
}

func (c cacheReader) Latest(ctx context.Context, sourceType string) (Reading, bool, error) {
	return c.c.Get(ctx, sourceType)
}
