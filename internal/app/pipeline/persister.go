// Package pipeline makes relayed readings durable. Append writes each
// reading to the WAL and queues it; a single drain goroutine writes queued
// batches to the history store, commits the WAL and refreshes the
// latest-reading cache.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ghalamif/SensorRelay/internal/domain"
	"github.com/ghalamif/SensorRelay/internal/ports"
)

var (
	ErrClosed        = errors.New("persister closed")
	ErrWALFull       = errors.New("wal full")
	ErrQueueFull     = errors.New("persist queue full")
	ErrNoLatestCache = errors.New("latest-reading cache not configured")
)

type Config struct {
	Policy ports.Policy
	// SyncInterval is how often the WAL is fsynced while running.
	SyncInterval time.Duration
	WriteTimeout time.Duration
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
}

func (c *Config) applyDefaults() {
	if c.Policy.MaxBatchSize <= 0 {
		c.Policy.MaxBatchSize = 500
	}
	if c.Policy.IdleSleep <= 0 {
		c.Policy.IdleSleep = 10 * time.Millisecond
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff < c.RetryBackoff {
		c.MaxBackoff = 10 * time.Second
	}
}

// Persister implements ports.ReadingSink on top of a WAL, a bounded queue
// and a batch store.
type Persister struct {
	wal    ports.WAL
	queue  ports.ReadingQueue
	store  ports.Store
	latest ports.LatestCache
	obs    ports.Observability
	cfg    Config

	// appendMu keeps queue order equal to WAL id order.
	appendMu sync.Mutex

	closed    atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// New builds a Persister. latest may be nil.
func New(wal ports.WAL, queue ports.ReadingQueue, store ports.Store, latest ports.LatestCache, obs ports.Observability, cfg Config) *Persister {
	cfg.applyDefaults()
	return &Persister{
		wal:    wal,
		queue:  queue,
		store:  store,
		latest: latest,
		obs:    obs,
		cfg:    cfg,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the drain goroutine. Entries left uncommitted by a previous
// run are written to the store before anything appended now.
func (p *Persister) Start() {
	p.startOnce.Do(func() {
		backlog, err := p.uncommitted()
		if err != nil {
			p.obs.LogCritical("wal_replay_failed", err)
		} else if len(backlog) > 0 {
			p.obs.LogInfo("wal_replay", ports.F("entries", len(backlog)))
		}
		go p.run(backlog)
	})
}

// Append makes r durable in the WAL and queues it for the store.
func (p *Persister) Append(ctx context.Context, r domain.Reading) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if !waitForWALCapacity(ctx, p.wal, p.cfg.Policy, p.obs) {
		return ErrWALFull
	}

	p.appendMu.Lock()
	defer p.appendMu.Unlock()
	if p.closed.Load() {
		return ErrClosed
	}

	id, err := p.wal.Append(&r)
	if err != nil {
		p.obs.LogCritical("wal_append_failed", err, ports.F("source_type", r.SourceType))
		return fmt.Errorf("wal append: %w", err)
	}
	if !enqueueWithPolicy(ctx, p.queue, id, &r, p.cfg.Policy, p.obs) {
		p.obs.RecordDLQ(id, &r, ErrQueueFull)
		return ErrQueueFull
	}
	return nil
}

func (p *Persister) QueryRange(ctx context.Context, from, to time.Time) ([]domain.Reading, error) {
	return p.store.QueryRange(ctx, from, to)
}

// Latest returns the most recent stored reading for sourceType.
func (p *Persister) Latest(ctx context.Context, sourceType string) (domain.Reading, bool, error) {
	if p.latest == nil {
		return domain.Reading{}, false, ErrNoLatestCache
	}
	return p.latest.Get(ctx, sourceType)
}

func (p *Persister) StoreName() string { return p.store.Name() }

// Close stops accepting readings, flushes what is queued and closes the WAL.
// Anything the store refuses stays in the WAL for the next start.
func (p *Persister) Close(ctx context.Context) error {
	var err error
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		// serialize with in-flight appends
		p.appendMu.Lock()
		p.appendMu.Unlock()

		close(p.stop)
		p.Start()

		select {
		case <-p.done:
		case <-ctx.Done():
			err = fmt.Errorf("persister drain: %w", ctx.Err())
		}
		err = errors.Join(err, p.wal.Sync(), p.wal.Close())
	})
	return err
}

func (p *Persister) uncommitted() ([]ports.QueuedReading, error) {
	stats := p.wal.Stats()
	if stats.LatestAppended < stats.OldestUncommitted {
		return nil, nil
	}
	var out []ports.QueuedReading
	err := p.wal.Iterate(stats.OldestUncommitted, func(id ports.WALEntryID, r *domain.Reading) error {
		out = append(out, ports.QueuedReading{ID: id, Reading: r})
		return nil
	})
	return out, err
}
