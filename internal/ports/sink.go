package ports

import (
	"context"
	"time"

	"github.com/ghalamif/SensorRelay/internal/domain"
)

// ReadingSink is the persistence collaborator of the hub.
type ReadingSink interface {
	Append(ctx context.Context, r domain.Reading) error
	QueryRange(ctx context.Context, from, to time.Time) ([]domain.Reading, error)
}

// Store is the batch-oriented backend behind the persistence pipeline. Each
// item carries its WAL id so replayed rows can be recognised.
type Store interface {
	WriteBatch(ctx context.Context, batch []QueuedReading) error
	QueryRange(ctx context.Context, from, to time.Time) ([]domain.Reading, error)
	Name() string
}

// LatestCache keeps the most recent Reading per source type.
type LatestCache interface {
	Put(ctx context.Context, r domain.Reading) error
	Get(ctx context.Context, sourceType string) (domain.Reading, bool, error)
}
