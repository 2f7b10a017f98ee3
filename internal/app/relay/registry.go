package relay

import (
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ghalamif/SensorRelay/internal/domain"
	"github.com/ghalamif/SensorRelay/internal/ports"
)

// BroadcastReport counts the outcome of one broadcast pass.
type BroadcastReport struct {
	Delivered int
	Evicted   int
}

type member struct {
	sub     ports.Subscriber
	open    atomic.Bool
	removed chan struct{}
}

// close flips the member to Closed exactly once.
func (m *member) close() bool {
	if !m.open.CompareAndSwap(true, false) {
		return false
	}
	close(m.removed)
	return true
}

// Registry tracks downstream subscribers. Broadcast iterates over a snapshot
// so Add and Remove never block on a send in progress.
type Registry struct {
	obs ports.Observability

	mu      sync.RWMutex
	members map[string]*member
}

func NewRegistry(obs ports.Observability) *Registry {
	return &Registry{
		obs:     obs,
		members: make(map[string]*member),
	}
}

// Add registers sub as Open. It returns false when the id is already present.
// The subscriber is removed automatically once its Done channel closes.
func (r *Registry) Add(sub ports.Subscriber) bool {
	m := &member{sub: sub, removed: make(chan struct{})}
	m.open.Store(true)

	r.mu.Lock()
	if _, ok := r.members[sub.ID()]; ok {
		r.mu.Unlock()
		return false
	}
	r.members[sub.ID()] = m
	n := len(r.members)
	r.mu.Unlock()

	r.obs.SetGauge(ports.GaugeSubscribers, float64(n))
	if done := sub.Done(); done != nil {
		go func() {
			select {
			case <-done:
				r.drop(m)
			case <-m.removed:
			}
		}()
	}
	return true
}

// Remove evicts the subscriber with id. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) bool {
	r.mu.RLock()
	m, ok := r.members[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return r.drop(m)
}

func (r *Registry) drop(m *member) bool {
	if !m.close() {
		return false
	}
	r.mu.Lock()
	if r.members[m.sub.ID()] == m {
		delete(r.members, m.sub.ID())
	}
	n := len(r.members)
	r.mu.Unlock()

	r.obs.SetGauge(ports.GaugeSubscribers, float64(n))
	return true
}

// Broadcast pushes reading to every Open subscriber. A failed send evicts
// that subscriber; nothing is returned as an error.
func (r *Registry) Broadcast(reading domain.Reading) BroadcastReport {
	var report BroadcastReport

	payload, err := json.Marshal(reading)
	if err != nil {
		r.obs.LogError("broadcast_encode_failed", err, ports.F("source_type", reading.SourceType))
		return report
	}

	r.mu.RLock()
	snapshot := make([]*member, 0, len(r.members))
	for _, m := range r.members {
		snapshot = append(snapshot, m)
	}
	r.mu.RUnlock()

	for _, m := range snapshot {
		if !m.open.Load() {
			continue
		}
		if err := m.sub.TrySend(payload); err != nil {
			if r.drop(m) {
				report.Evicted++
				r.obs.LogInfo("subscriber_evicted",
					ports.F("subscriber_id", m.sub.ID()),
					ports.F("error", err.Error()))
			}
			continue
		}
		report.Delivered++
	}
	return report
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// IDs returns the registered subscriber ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
