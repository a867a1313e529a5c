package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// AttentionLevel is the aggregate viewer engagement for a (sensor, attribute)
// pair: none < medium (viewing) < high (focused or pinned).
type AttentionLevel int

const (
	AttentionNone AttentionLevel = iota
	AttentionMedium
	AttentionHigh
)

var attentionNames = map[AttentionLevel]string{
	AttentionNone:   "none",
	AttentionMedium: "medium",
	AttentionHigh:   "high",
}

func (l AttentionLevel) String() string {
	if s, ok := attentionNames[l]; ok {
		return s
	}
	return fmt.Sprintf("attention(%d)", int(l))
}

// ParseAttentionLevel converts a string to an AttentionLevel.
// Unknown values map to AttentionNone.
func ParseAttentionLevel(s string) AttentionLevel {
	switch strings.ToLower(s) {
	case "high":
		return AttentionHigh
	case "medium":
		return AttentionMedium
	default:
		return AttentionNone
	}
}

// MarshalJSON encodes the level as its string name.
func (l AttentionLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON decodes the level from its string name.
func (l *AttentionLevel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*l = ParseAttentionLevel(s)
	return nil
}

// LoadLevel is the system-wide backpressure tier derived from resource
// pressure signals.
type LoadLevel int

const (
	LoadNormal LoadLevel = iota
	LoadElevated
	LoadHigh
	LoadCritical
)

var loadNames = map[LoadLevel]string{
	LoadNormal:   "normal",
	LoadElevated: "elevated",
	LoadHigh:     "high",
	LoadCritical: "critical",
}

func (l LoadLevel) String() string {
	if s, ok := loadNames[l]; ok {
		return s
	}
	return fmt.Sprintf("load(%d)", int(l))
}

// ParseLoadLevel converts a string to a LoadLevel.
// Unknown values map to LoadNormal.
func ParseLoadLevel(s string) LoadLevel {
	switch strings.ToLower(s) {
	case "critical":
		return LoadCritical
	case "high":
		return LoadHigh
	case "elevated":
		return LoadElevated
	default:
		return LoadNormal
	}
}

// MarshalJSON encodes the level as its string name.
func (l LoadLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON decodes the level from its string name.
func (l *LoadLevel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*l = ParseLoadLevel(s)
	return nil
}

// BatteryState reports whether a viewer's device is running low.
type BatteryState int

const (
	BatteryNormal BatteryState = iota
	BatteryLow
)

func (s BatteryState) String() string {
	if s == BatteryLow {
		return "low"
	}
	return "normal"
}

// ParseBatteryState converts a string to a BatteryState.
func ParseBatteryState(s string) BatteryState {
	if strings.ToLower(s) == "low" {
		return BatteryLow
	}
	return BatteryNormal
}

// Quality is a per-viewer delivery quality setting.
type Quality int

const (
	QualityLow Quality = iota
	QualityMedium
	QualityHigh
)

func (q Quality) String() string {
	switch q {
	case QualityHigh:
		return "high"
	case QualityMedium:
		return "medium"
	default:
		return "low"
	}
}

// ParseQuality converts a string to a Quality. Unknown values map to
// QualityMedium.
func ParseQuality(s string) Quality {
	switch strings.ToLower(s) {
	case "high":
		return QualityHigh
	case "low":
		return QualityLow
	default:
		return QualityMedium
	}
}
