package domain

import "time"

// Axes is the fixed number of value components carried by a Reading.
const Axes = 3

// Reading is the unit of telemetry relayed to subscribers and persisted.
type Reading struct {
	SourceType string        `json:"sourceType"`
	Values     [Axes]float64 `json:"values"`
	Timestamp  time.Time     `json:"timestamp"`
}

// NewReading copies up to Axes components; missing components stay zero.
func NewReading(sourceType string, values []float64, at time.Time) Reading {
	r := Reading{SourceType: sourceType, Timestamp: at.UTC()}
	copy(r.Values[:], values)
	return r
}
