package models

import "strings"

// AttributeClass distinguishes discrete event attributes whose every
// occurrence must survive (Priority) from continuously sampled attributes
// where only the latest value matters (Ordinary).
type AttributeClass int

const (
	ClassOrdinary AttributeClass = iota
	ClassPriority
)

func (c AttributeClass) String() string {
	if c == ClassPriority {
		return "priority"
	}
	return "ordinary"
}

// priorityAttributes is the fixed set of attribute ids classified as
// priority. Button events carry user intent and are never coalesced.
var priorityAttributes = map[AttributeID]struct{}{
	"button": {},
}

// ClassifyAttribute returns the class for an attribute id.
func ClassifyAttribute(attr AttributeID) AttributeClass {
	if _, ok := priorityAttributes[attr]; ok {
		return ClassPriority
	}
	return ClassOrdinary
}

// realtimeOnlyMarkers are substring-matched against attribute ids to detect
// types whose values are only useful as "latest value". Substring matching
// lets compound names like "left_hand_skeleton" classify correctly.
var realtimeOnlyMarkers = []string{
	"skeleton",
	"pose",
	"body_pose",
	"video_frame",
	"depth_map",
	"point_cloud",
	"mesh",
}

// IsRealtimeOnly reports whether the attribute id names a realtime-only type.
func IsRealtimeOnly(attr AttributeID) bool {
	lower := strings.ToLower(attr)
	for _, marker := range realtimeOnlyMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
