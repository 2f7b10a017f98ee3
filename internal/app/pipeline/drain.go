package pipeline

import (
	"context"
	"time"

	"github.com/ghalamif/SensorRelay/internal/domain"
	"github.com/ghalamif/SensorRelay/internal/ports"
)

func (p *Persister) run(backlog []ports.QueuedReading) {
	defer close(p.done)

	syncTicker := time.NewTicker(p.cfg.SyncInterval)
	defer syncTicker.Stop()
	idle := time.NewTimer(p.cfg.Policy.IdleSleep)
	defer idle.Stop()

	for len(backlog) > 0 {
		n := min(len(backlog), p.cfg.Policy.MaxBatchSize)
		if !p.flush(backlog[:n]) {
			return
		}
		backlog = backlog[n:]
	}

	for {
		batch := p.queue.DequeueBatch(p.cfg.Policy.MaxBatchSize)
		if len(batch) > 0 {
			if !p.flush(batch) {
				return
			}
			select {
			case <-syncTicker.C:
				p.sync()
			default:
			}
			continue
		}

		idle.Reset(p.cfg.Policy.IdleSleep)
		select {
		case <-p.stop:
			// Append is refused once stop is closed, so the queue is final.
			if p.queue.Len() == 0 {
				return
			}
		case <-syncTicker.C:
			p.sync()
		case <-idle.C:
		}
	}
}

// flush writes batch to the store, retrying with backoff until it succeeds
// or the persister stops. It reports false when the batch was left in the WAL.
func (p *Persister) flush(batch []ports.QueuedReading) bool {
	var (
		readings = make([]*domain.Reading, 0, len(batch))
		maxID    ports.WALEntryID
	)
	for _, item := range batch {
		readings = append(readings, item.Reading)
		if item.ID > maxID {
			maxID = item.ID
		}
	}

	backoff := p.cfg.RetryBackoff
	for attempt := 1; ; attempt++ {
		err := p.write(batch)
		if err == nil {
			break
		}
		p.obs.IncCounter(ports.MetricPersistFailures, 1)
		p.obs.LogError("store_write_failed", err,
			ports.F("store", p.store.Name()),
			ports.F("batch", len(readings)),
			ports.F("attempt", attempt))
		// keep WAL; replays on next start

		if !p.backoff(backoff) {
			return false
		}
		backoff = min(backoff*2, p.cfg.MaxBackoff)
	}

	if err := p.wal.Commit(maxID); err != nil {
		p.obs.LogError("wal_commit_failed", err, ports.F("wal_id", uint64(maxID)))
	}
	p.obs.IncCounter(ports.MetricReadingsPersisted, float64(len(readings)))
	p.refreshLatest(readings)
	p.obs.SetGauge(ports.GaugeWALSize, float64(p.wal.Stats().SizeBytes))
	p.obs.SetGauge(ports.GaugeQueueLength, float64(p.queue.Len()))
	return true
}

func (p *Persister) write(batch []ports.QueuedReading) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.WriteTimeout)
	defer cancel()

	start := time.Now()
	if err := p.store.WriteBatch(ctx, batch); err != nil {
		return err
	}
	p.obs.ObserveLatency(ports.LatencyPersist, time.Since(start).Seconds())
	return nil
}

func (p *Persister) backoff(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-p.stop:
		return false
	}
}

// refreshLatest stores the newest reading of each source type in the batch.
func (p *Persister) refreshLatest(readings []*domain.Reading) {
	if p.latest == nil {
		return
	}
	newest := make(map[string]*domain.Reading)
	for _, r := range readings {
		if cur, ok := newest[r.SourceType]; !ok || !r.Timestamp.Before(cur.Timestamp) {
			newest[r.SourceType] = r
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.WriteTimeout)
	defer cancel()
	for sourceType, r := range newest {
		if err := p.latest.Put(ctx, *r); err != nil {
			p.obs.LogError("latest_cache_put_failed", err, ports.F("source_type", sourceType))
		}
	}
}

func (p *Persister) sync() {
	if err := p.wal.Sync(); err != nil {
		p.obs.LogError("wal_sync_failed", err)
	}
}
