package ports

import (
	"time"

	"github.com/ghalamif/SensorRelay/internal/domain"
)

// FrameDecoder turns one upstream payload into a Reading stamped with at.
type FrameDecoder interface {
	Decode(frame []byte, sourceType string, at time.Time) (domain.Reading, error)
}
