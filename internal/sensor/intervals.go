package sensor

import (
	"time"

	"github.com/pulsehub-systems/pulsehub-core/internal/models"
)

// broadcastIntervals maps (load level, attention level) to the buffering
// interval for ordinary measurements. Zero means broadcast immediately.
// Priority measurements never consult this table; they always resolve to 0.
//
// The table is exhaustive over both enums so a new level cannot silently
// fall through to a default.
var broadcastIntervals = map[models.LoadLevel]map[models.AttentionLevel]time.Duration{
	models.LoadNormal: {
		models.AttentionHigh:   0,
		models.AttentionMedium: 100 * time.Millisecond,
		models.AttentionNone:   time.Second,
	},
	models.LoadElevated: {
		models.AttentionHigh:   50 * time.Millisecond,
		models.AttentionMedium: 250 * time.Millisecond,
		models.AttentionNone:   2 * time.Second,
	},
	models.LoadHigh: {
		models.AttentionHigh:   100 * time.Millisecond,
		models.AttentionMedium: 500 * time.Millisecond,
		models.AttentionNone:   5 * time.Second,
	},
	models.LoadCritical: {
		models.AttentionHigh:   250 * time.Millisecond,
		models.AttentionMedium: time.Second,
		models.AttentionNone:   10 * time.Second,
	},
}

// broadcastInterval resolves the buffering interval for one measurement.
func broadcastInterval(class models.AttributeClass, load models.LoadLevel, attention models.AttentionLevel) time.Duration {
	if class == models.ClassPriority {
		return 0
	}
	row, ok := broadcastIntervals[load]
	if !ok {
		row = broadcastIntervals[models.LoadNormal]
	}
	if interval, ok := row[attention]; ok {
		return interval
	}
	return row[models.AttentionNone]
}
