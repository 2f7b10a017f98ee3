package relay

import (
	"fmt"
	"math"
	"time"

	"github.com/tidwall/gjson"

	"github.com/ghalamif/SensorRelay/internal/domain"
	"github.com/ghalamif/SensorRelay/internal/ports"
)

// JSONDecoder accepts frames shaped like {"values":[x,y,z], ...}. A
// "sourceType" member overrides the type of the connection; any sensor-side
// timestamp is ignored. Components past the third are dropped.
type JSONDecoder struct{}

func (JSONDecoder) Decode(frame []byte, sourceType string, at time.Time) (domain.Reading, error) {
	if !gjson.ValidBytes(frame) {
		return domain.Reading{}, fmt.Errorf("%w: invalid json", ErrMalformedFrame)
	}
	root := gjson.ParseBytes(frame)
	if !root.IsObject() {
		return domain.Reading{}, fmt.Errorf("%w: payload is not an object", ErrMalformedFrame)
	}
	raw := root.Get("values")
	if !raw.IsArray() {
		return domain.Reading{}, fmt.Errorf("%w: missing values array", ErrMalformedFrame)
	}

	values := make([]float64, 0, domain.Axes)
	for i, v := range raw.Array() {
		if v.Type != gjson.Number {
			return domain.Reading{}, fmt.Errorf("%w: values[%d] is not a number", ErrMalformedFrame, i)
		}
		f := v.Float()
		if math.IsInf(f, 0) || math.IsNaN(f) {
			return domain.Reading{}, fmt.Errorf("%w: values[%d] out of range", ErrMalformedFrame, i)
		}
		if i < domain.Axes {
			values = append(values, f)
		}
	}

	if st := root.Get("sourceType"); st.Type == gjson.String && st.String() != "" {
		sourceType = st.String()
	}
	return domain.NewReading(sourceType, values, at), nil
}

var _ ports.FrameDecoder = JSONDecoder{}
