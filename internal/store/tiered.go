// Package store implements the tiered in-memory retention for sensor
// attribute history. Each (sensor, attribute) pair owns a bounded hot tier
// and a bounded warm overflow tier; realtime-only attribute types keep a
// single latest value and never spill to warm.
package store

import (
	"sort"
	"sync"

	"github.com/pulsehub-systems/pulsehub-core/internal/metrics"
	"github.com/pulsehub-systems/pulsehub-core/internal/models"
)

// Limits describe per-record retention bounds.
type Limits struct {
	Hot  int
	Warm int
}

// Stats reports retained entry counts for a sensor.
type Stats struct {
	HotEntries  int      `json:"hot_entries"`
	WarmEntries int      `json:"warm_entries"`
	Attributes  []string `json:"attributes"`
}

type record struct {
	hot    []models.Measurement // ascending timestamp, newest last
	warm   []models.Measurement // ascending timestamp, all older than hot
	limits Limits
}

type pairKey struct {
	sensor models.SensorID
	attr   models.AttributeID
}

// Tiered is a concurrent tiered attribute store. Safe for use by many
// sensors' actors at once without external locking.
type Tiered struct {
	mu       sync.RWMutex
	records  map[pairKey]*record
	bySensor map[models.SensorID]map[models.AttributeID]struct{}
	defaults Limits
}

// New creates a store with the given default limits for ordinary attributes.
func New(defaults Limits) *Tiered {
	if defaults.Hot < 1 {
		defaults.Hot = 1000
	}
	if defaults.Warm < 0 {
		defaults.Warm = 0
	}
	return &Tiered{
		records:  make(map[pairKey]*record),
		bySensor: make(map[models.SensorID]map[models.AttributeID]struct{}),
		defaults: defaults,
	}
}

// limitsFor derives retention limits from the attribute id. Realtime-only
// types keep only the single latest value.
func (t *Tiered) limitsFor(attr models.AttributeID) Limits {
	if models.IsRealtimeOnly(attr) {
		return Limits{Hot: 1, Warm: 0}
	}
	return t.defaults
}

// Put inserts a measurement, preserving ascending timestamp order even when
// callers write out of order.
func (t *Tiered) Put(sensor models.SensorID, attr models.AttributeID, ts int64, payload any) {
	t.PutMeasurement(models.Measurement{
		SensorID:    sensor,
		AttributeID: attr,
		Payload:     payload,
		Timestamp:   ts,
	})
}

// PutMeasurement inserts a fully formed measurement.
func (t *Tiered) PutMeasurement(m models.Measurement) {
	key := pairKey{sensor: m.SensorID, attr: m.AttributeID}

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[key]
	if !ok {
		rec = &record{limits: t.limitsFor(m.AttributeID)}
		t.records[key] = rec
		attrs, ok := t.bySensor[m.SensorID]
		if !ok {
			attrs = make(map[models.AttributeID]struct{})
			t.bySensor[m.SensorID] = attrs
		}
		attrs[m.AttributeID] = struct{}{}
	}

	rec.insert(m)
	rec.trim()
	t.updateGauges()
}

// insert places m into the hot tier keeping ascending timestamp order.
func (r *record) insert(m models.Measurement) {
	n := len(r.hot)
	if n == 0 || r.hot[n-1].Timestamp <= m.Timestamp {
		r.hot = append(r.hot, m)
		return
	}
	i := sort.Search(n, func(i int) bool { return r.hot[i].Timestamp > m.Timestamp })
	r.hot = append(r.hot, models.Measurement{})
	copy(r.hot[i+1:], r.hot[i:])
	r.hot[i] = m
}

// trim enforces the tier bounds. The hot tier is allowed to grow to twice
// its limit before being cut back, amortizing the copy.
func (r *record) trim() {
	if len(r.hot) <= 2*r.limits.Hot {
		return
	}

	cut := len(r.hot) - r.limits.Hot
	overflow := r.hot[:cut]
	kept := make([]models.Measurement, r.limits.Hot)
	copy(kept, r.hot[cut:])

	if r.limits.Warm > 0 {
		// Spilled entries can be older than warm's newest when writes
		// arrived shuffled; merge instead of appending so warm stays
		// ascending.
		r.warm = mergeByTimestamp(r.warm, overflow)
		if excess := len(r.warm) - r.limits.Warm; excess > 0 {
			r.warm = append(r.warm[:0], r.warm[excess:]...)
		}
	}
	r.hot = kept
}

// mergeByTimestamp merges two ascending slices into one ascending slice.
// Ties keep a's entry first.
func mergeByTimestamp(a, b []models.Measurement) []models.Measurement {
	if len(b) == 0 {
		return a
	}
	if len(a) == 0 || a[len(a)-1].Timestamp <= b[0].Timestamp {
		return append(a, b...)
	}
	out := make([]models.Measurement, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i].Timestamp <= b[j].Timestamp {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}

// Get returns measurements for (sensor, attr) within [startTS, endTS],
// ascending by timestamp, at most limit entries (newest retained when
// truncating). Zero endTS means no upper bound; limit <= 0 means no cap.
// A missing pair yields an empty slice, never an error.
func (t *Tiered) Get(sensor models.SensorID, attr models.AttributeID, startTS, endTS int64, limit int) []models.Measurement {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.records[pairKey{sensor: sensor, attr: attr}]
	if !ok {
		return []models.Measurement{}
	}

	// Hot can hold entries older than warm's newest until the next trim,
	// so the tiers are merged rather than concatenated.
	warmPart := make([]models.Measurement, 0, len(rec.warm))
	for _, m := range rec.warm {
		if inRange(m.Timestamp, startTS, endTS) {
			warmPart = append(warmPart, m)
		}
	}
	hotPart := make([]models.Measurement, 0, len(rec.hot))
	for _, m := range rec.hot {
		if inRange(m.Timestamp, startTS, endTS) {
			hotPart = append(hotPart, m)
		}
	}
	merged := mergeByTimestamp(warmPart, hotPart)

	if limit > 0 && len(merged) > limit {
		merged = merged[len(merged)-limit:]
	}
	return merged
}

func inRange(ts, start, end int64) bool {
	if ts < start {
		return false
	}
	if end > 0 && ts > end {
		return false
	}
	return true
}

// GetAll returns up to limit most recent measurements per attribute for a
// sensor, each slice ascending by timestamp.
func (t *Tiered) GetAll(sensor models.SensorID, limit int) models.SensorBatch {
	t.mu.RLock()
	attrs := make([]models.AttributeID, 0, len(t.bySensor[sensor]))
	for attr := range t.bySensor[sensor] {
		attrs = append(attrs, attr)
	}
	t.mu.RUnlock()

	out := make(models.SensorBatch, len(attrs))
	for _, attr := range attrs {
		out[attr] = t.Get(sensor, attr, 0, 0, limit)
	}
	return out
}

// Remove deletes a single (sensor, attr) record.
func (t *Tiered) Remove(sensor models.SensorID, attr models.AttributeID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.records, pairKey{sensor: sensor, attr: attr})
	if attrs, ok := t.bySensor[sensor]; ok {
		delete(attrs, attr)
		if len(attrs) == 0 {
			delete(t.bySensor, sensor)
		}
	}
	t.updateGauges()
}

// Cleanup removes all records for a sensor. Idempotent: cleaning an unknown
// sensor is a no-op.
func (t *Tiered) Cleanup(sensor models.SensorID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	attrs, ok := t.bySensor[sensor]
	if !ok {
		return
	}
	for attr := range attrs {
		delete(t.records, pairKey{sensor: sensor, attr: attr})
	}
	delete(t.bySensor, sensor)
	t.updateGauges()
}

// Clear removes every record in the store.
func (t *Tiered) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.records = make(map[pairKey]*record)
	t.bySensor = make(map[models.SensorID]map[models.AttributeID]struct{})
	t.updateGauges()
}

// Stats reports retained entry counts for a sensor.
func (t *Tiered) Stats(sensor models.SensorID) Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	st := Stats{Attributes: []string{}}
	for attr := range t.bySensor[sensor] {
		rec := t.records[pairKey{sensor: sensor, attr: attr}]
		if rec == nil {
			continue
		}
		st.HotEntries += len(rec.hot)
		st.WarmEntries += len(rec.warm)
		st.Attributes = append(st.Attributes, attr)
	}
	sort.Strings(st.Attributes)
	return st
}

// updateGauges refreshes the store entry gauges. Caller holds the lock.
func (t *Tiered) updateGauges() {
	var hot, warm int
	for _, rec := range t.records {
		hot += len(rec.hot)
		warm += len(rec.warm)
	}
	metrics.StoreEntries.WithLabelValues("hot").Set(float64(hot))
	metrics.StoreEntries.WithLabelValues("warm").Set(float64(warm))
}
