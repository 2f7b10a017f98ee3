package queue

import (
	"sync"

	"github.com/ghalamif/SensorRelay/internal/domain"
	"github.com/ghalamif/SensorRelay/internal/ports"
)

// MemQueue is a bounded FIFO ring of readings awaiting the history store.
type MemQueue struct {
	mu    sync.Mutex
	buf   []ports.QueuedReading
	head  int
	count int
}

func NewMemQueue(capacity int) *MemQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &MemQueue{buf: make([]ports.QueuedReading, capacity)}
}

func (q *MemQueue) Enqueue(id ports.WALEntryID, r *domain.Reading) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == len(q.buf) {
		return false
	}
	q.buf[(q.head+q.count)%len(q.buf)] = ports.QueuedReading{ID: id, Reading: r}
	q.count++
	return true
}

func (q *MemQueue) DequeueBatch(max int) []ports.QueuedReading {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return nil
	}
	if max <= 0 || max > q.count {
		max = q.count
	}
	out := make([]ports.QueuedReading, max)
	for i := range out {
		idx := (q.head + i) % len(q.buf)
		out[i] = q.buf[idx]
		q.buf[idx] = ports.QueuedReading{}
	}
	q.head = (q.head + max) % len(q.buf)
	q.count -= max
	return out
}

func (q *MemQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

func (q *MemQueue) Cap() int { return len(q.buf) }

var _ ports.ReadingQueue = (*MemQueue)(nil)
