package relay

import (
	"context"
	"errors"
	"time"

	"github.com/ghalamif/SensorRelay/internal/domain"
	"github.com/ghalamif/SensorRelay/internal/ports"
)

var ErrNoHistory = errors.New("history store not configured")

const DefaultMaxLookback = 24 * time.Hour

// History answers look-back queries from the persistence sink.
type History struct {
	sink        ports.ReadingSink
	maxLookback time.Duration
	now         func() time.Time
}

func NewHistory(sink ports.ReadingSink, maxLookback time.Duration) *History {
	if maxLookback <= 0 {
		maxLookback = DefaultMaxLookback
	}
	return &History{sink: sink, maxLookback: maxLookback, now: time.Now}
}

// Query returns readings from since until now. since is clamped to the
// look-back window; the zero time selects the whole window.
func (h *History) Query(ctx context.Context, since time.Time) ([]domain.Reading, error) {
	if h.sink == nil {
		return nil, ErrNoHistory
	}
	now := h.now().UTC()
	if floor := now.Add(-h.maxLookback); since.IsZero() || since.Before(floor) {
		since = floor
	}
	return h.sink.QueryRange(ctx, since, now)
}

func (h *History) MaxLookback() time.Duration { return h.maxLookback }
