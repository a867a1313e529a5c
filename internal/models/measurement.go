// Package models defines the core data types shared across pulsehub
// components: measurements, attention and load levels, and attribute
// classification.
package models

import (
	"errors"
	"fmt"
)

// Identifier types are opaque strings. The core does not enforce a registry
// of valid values; validation of identity is a caller concern.
type (
	SensorID    = string
	AttributeID = string
	UserID      = string
	SocketID    = string
)

// ErrMalformedMeasurement is returned when a measurement fails boundary
// validation. Malformed input is never retried or coerced.
var ErrMalformedMeasurement = errors.New("malformed measurement")

// Measurement is a single sensor reading. Payload is intentionally
// polymorphic (number, string, or structured map); the core never interprets
// its content.
type Measurement struct {
	SensorID    SensorID    `json:"sensor_id"`
	AttributeID AttributeID `json:"attribute_id"`
	Payload     any         `json:"payload"`
	Timestamp   int64       `json:"timestamp"` // milliseconds, monotonic-enough for ordering
	Event       string      `json:"event,omitempty"`
}

// Validate checks the measurement shape at the ingestion boundary.
func (m Measurement) Validate() error {
	if m.SensorID == "" {
		return fmt.Errorf("%w: missing sensor_id", ErrMalformedMeasurement)
	}
	if m.AttributeID == "" {
		return fmt.Errorf("%w: missing attribute_id", ErrMalformedMeasurement)
	}
	if m.Timestamp <= 0 {
		return fmt.Errorf("%w: non-positive timestamp %d", ErrMalformedMeasurement, m.Timestamp)
	}
	return nil
}

// AttributeMetadata describes a registered attribute on a sensor.
type AttributeMetadata struct {
	AttributeID  AttributeID `json:"attribute_id"`
	Type         string      `json:"attribute_type"`
	SamplingRate float64     `json:"sampling_rate,omitempty"`
}

// SensorBatch groups measurements by attribute for a single sensor.
type SensorBatch map[AttributeID][]Measurement

// LensBatch is the per-socket flush payload, keyed by sensor then attribute.
type LensBatch map[SensorID]SensorBatch
