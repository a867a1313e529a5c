// Package messaging defines standard subject names for the pulsehub bus.
package messaging

import "github.com/pulsehub-systems/pulsehub-core/internal/models"

// Subject constants for the pulsehub bus.
// Follow the pattern: {domain}.{resource}.{qualifier}
const (
	// Per-sensor data subjects - every measurement, unconditionally.
	// Append .{sensor_id} for a specific sensor.
	SubjectDataSensor = "data.sensor"

	// Attention-sharded data subjects - only measurements whose target
	// attention level matches.
	SubjectDataAttentionHigh   = "data.attention.high"
	SubjectDataAttentionMedium = "data.attention.medium"
	SubjectDataAttentionLow    = "data.attention.low"

	// System load subject - level_changed events from the load monitor.
	SubjectSystemLoad = "system.load"

	// Attention tracker lifecycle subject - tracker_restarted events
	// obligating viewers to re-register.
	SubjectAttentionRestarted = "system.attention.restarted"

	// Per-socket lens subjects - lens_batch payloads.
	// Append .{socket_id} for a specific socket.
	SubjectSocket = "socket"
)

// SensorSubject returns the per-sensor data subject.
// Example: data.sensor.imu-7f3a
func SensorSubject(sensorID models.SensorID) string {
	return SubjectDataSensor + "." + sensorID
}

// AttentionSubject returns the attention-sharded subject for a level.
// AttentionNone maps to the low shard; callers that want to skip the shard
// entirely must decide that before publishing.
func AttentionSubject(level models.AttentionLevel) string {
	switch level {
	case models.AttentionHigh:
		return SubjectDataAttentionHigh
	case models.AttentionMedium:
		return SubjectDataAttentionMedium
	default:
		return SubjectDataAttentionLow
	}
}

// SocketSubject returns the per-socket lens subject.
// Example: socket.4f1c9b2e
func SocketSubject(socketID models.SocketID) string {
	return SubjectSocket + "." + socketID
}
