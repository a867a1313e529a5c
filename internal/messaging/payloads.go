package messaging

import (
	"encoding/json"
	"fmt"

	"github.com/pulsehub-systems/pulsehub-core/internal/models"
)

// Kind discriminates bus payload envelopes.
type Kind string

const (
	KindMeasurement       Kind = "measurement"
	KindMeasurementsBatch Kind = "measurements_batch"
	KindLevelChanged      Kind = "level_changed"
	KindLensBatch         Kind = "lens_batch"
	KindTrackerRestarted  Kind = "tracker_restarted"
)

// MeasurementEvent carries a single measurement.
type MeasurementEvent struct {
	Kind        Kind               `json:"kind"`
	Measurement models.Measurement `json:"measurement"`
}

// BatchEvent carries an ordered batch of measurements for one sensor.
type BatchEvent struct {
	Kind         Kind                 `json:"kind"`
	SensorID     models.SensorID      `json:"sensor_id"`
	Measurements []models.Measurement `json:"measurements"`
}

// LevelChangedEvent announces a load level transition.
type LevelChangedEvent struct {
	Kind  Kind             `json:"kind"`
	Level models.LoadLevel `json:"level"`
}

// TrackerRestartedEvent announces an attention tracker restart. Components
// holding registrations must re-issue them on receipt.
type TrackerRestartedEvent struct {
	Kind         Kind  `json:"kind"`
	RestartCount int64 `json:"restart_count"`
	RestartedAt  int64 `json:"restarted_at"` // unix ms
}

// LensBatchEvent is a per-socket flush payload keyed sensor then attribute.
type LensBatchEvent struct {
	Kind     Kind             `json:"kind"`
	SocketID models.SocketID  `json:"socket_id"`
	Batch    models.LensBatch `json:"batch"`
}

// NewMeasurementEvent wraps a measurement in its envelope.
func NewMeasurementEvent(m models.Measurement) MeasurementEvent {
	return MeasurementEvent{Kind: KindMeasurement, Measurement: m}
}

// NewBatchEvent wraps an ordered measurement batch in its envelope.
func NewBatchEvent(sensorID models.SensorID, ms []models.Measurement) BatchEvent {
	return BatchEvent{Kind: KindMeasurementsBatch, SensorID: sensorID, Measurements: ms}
}

// Encode marshals any envelope to its wire form.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

// PeekKind extracts the kind discriminator without decoding the full
// payload.
func PeekKind(data []byte) (Kind, error) {
	var probe struct {
		Kind Kind `json:"kind"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return "", fmt.Errorf("peek kind: %w", err)
	}
	if probe.Kind == "" {
		return "", fmt.Errorf("peek kind: missing discriminator")
	}
	return probe.Kind, nil
}

// Decode unmarshals a payload into the given envelope type.
func Decode[T any](data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decode payload: %w", err)
	}
	return v, nil
}
