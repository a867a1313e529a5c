package attention

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pulsehub-systems/pulsehub-core/internal/config"
	"github.com/pulsehub-systems/pulsehub-core/internal/logging"
	"github.com/pulsehub-systems/pulsehub-core/internal/messaging"
	"github.com/pulsehub-systems/pulsehub-core/internal/metrics"
	"github.com/pulsehub-systems/pulsehub-core/internal/models"
)

// contribution is a bitmask of a user's registrations on a (sensor,
// attribute) pair. A user may hold both at once; the highest one wins when
// deriving the level.
type contribution uint8

const (
	contribViewing contribution = 1 << iota
	contribFocused
)

type pairKey struct {
	sensor models.SensorID
	attr   models.AttributeID
}

// batchWindow clamps per attention level, in milliseconds. Higher attention
// means a tighter, more responsive window.
type batchWindow struct {
	divisor int64
	min     int64
	max     int64
}

var batchWindows = map[models.AttentionLevel]batchWindow{
	models.AttentionNone:   {divisor: 1, min: 5000, max: 30000},
	models.AttentionMedium: {divisor: 4, min: 500, max: 5000},
	models.AttentionHigh:   {divisor: 20, min: 50, max: 1000},
}

// Tracker maintains viewer, pin and battery state and derives attention
// levels. The in-process sets are authoritative for writes; level reads go
// through the survivable cache so they keep answering while the tracker is
// being restarted.
type Tracker struct {
	mu      sync.RWMutex
	viewers map[pairKey]map[models.UserID]contribution
	pins    map[models.SensorID]map[models.UserID]struct{}
	battery map[models.UserID]BatteryInfo

	cache     LevelCache
	publisher messaging.Publisher
	log       *logging.Logger
	cfg       config.AttentionConfig

	restartCount  int64
	recoveryUntil time.Time
}

// NewTracker creates a tracker bound to a survivable cache.
func NewTracker(cfg config.AttentionConfig, cache LevelCache, publisher messaging.Publisher, log *logging.Logger) *Tracker {
	return &Tracker{
		viewers:   make(map[pairKey]map[models.UserID]contribution),
		pins:      make(map[models.SensorID]map[models.UserID]struct{}),
		battery:   make(map[models.UserID]BatteryInfo),
		cache:     cache,
		publisher: publisher,
		log:       log.With(logging.Component("attention_tracker")),
		cfg:       cfg,
	}
}

// Start runs the periodic cleanup sweep until ctx is cancelled.
func (t *Tracker) Start(ctx context.Context) {
	interval := t.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep(ctx)
		}
	}
}

// RegisterView records a user viewing a pair. Idempotent per user; a
// focused contribution is not downgraded by a later view.
func (t *Tracker) RegisterView(ctx context.Context, sensor models.SensorID, attr models.AttributeID, user models.UserID) {
	t.register(ctx, sensor, attr, user, contribViewing)
}

// RegisterFocus records a user focusing a pair. Focus outranks viewing.
func (t *Tracker) RegisterFocus(ctx context.Context, sensor models.SensorID, attr models.AttributeID, user models.UserID) {
	t.register(ctx, sensor, attr, user, contribFocused)
}

func (t *Tracker) register(ctx context.Context, sensor models.SensorID, attr models.AttributeID, user models.UserID, c contribution) {
	key := pairKey{sensor: sensor, attr: attr}

	t.mu.Lock()
	set, ok := t.viewers[key]
	if !ok {
		set = make(map[models.UserID]contribution)
		t.viewers[key] = set
	}
	// Re-registering the same contribution is a no-op.
	set[user] |= c
	t.mu.Unlock()

	t.syncPair(ctx, sensor, attr)
}

// UnregisterView removes a user's viewing contribution from a pair.
func (t *Tracker) UnregisterView(ctx context.Context, sensor models.SensorID, attr models.AttributeID, user models.UserID) {
	t.unregister(ctx, sensor, attr, user, contribViewing)
}

// UnregisterFocus removes a user's focused contribution from a pair. If the
// user was also viewing, the contribution downgrades to viewing.
func (t *Tracker) UnregisterFocus(ctx context.Context, sensor models.SensorID, attr models.AttributeID, user models.UserID) {
	t.unregister(ctx, sensor, attr, user, contribFocused)
}

func (t *Tracker) unregister(ctx context.Context, sensor models.SensorID, attr models.AttributeID, user models.UserID, c contribution) {
	key := pairKey{sensor: sensor, attr: attr}

	t.mu.Lock()
	if set, ok := t.viewers[key]; ok {
		if remaining := set[user] &^ c; remaining == 0 {
			delete(set, user)
		} else {
			set[user] = remaining
		}
		if len(set) == 0 {
			delete(t.viewers, key)
		}
	}
	t.mu.Unlock()

	t.syncPair(ctx, sensor, attr)
}

// UnregisterAll removes every contribution a user holds on a sensor,
// including pins.
func (t *Tracker) UnregisterAll(ctx context.Context, sensor models.SensorID, user models.UserID) {
	t.mu.Lock()
	touched := make([]models.AttributeID, 0, 4)
	for key, set := range t.viewers {
		if key.sensor != sensor {
			continue
		}
		if _, ok := set[user]; ok {
			delete(set, user)
			touched = append(touched, key.attr)
			if len(set) == 0 {
				delete(t.viewers, key)
			}
		}
	}
	if pinners, ok := t.pins[sensor]; ok {
		delete(pinners, user)
		if len(pinners) == 0 {
			delete(t.pins, sensor)
		}
	}
	t.mu.Unlock()

	for _, attr := range touched {
		t.syncPair(ctx, sensor, attr)
	}
	t.syncSensor(ctx, sensor)
}

// PinSensor pins a sensor for a user. Any non-empty pin set forces the
// sensor aggregate to high.
func (t *Tracker) PinSensor(ctx context.Context, sensor models.SensorID, user models.UserID) {
	t.mu.Lock()
	pinners, ok := t.pins[sensor]
	if !ok {
		pinners = make(map[models.UserID]struct{})
		t.pins[sensor] = pinners
	}
	pinners[user] = struct{}{}
	t.mu.Unlock()

	t.syncSensor(ctx, sensor)
}

// UnpinSensor removes a user's pin.
func (t *Tracker) UnpinSensor(ctx context.Context, sensor models.SensorID, user models.UserID) {
	t.mu.Lock()
	if pinners, ok := t.pins[sensor]; ok {
		delete(pinners, user)
		if len(pinners) == 0 {
			delete(t.pins, sensor)
		}
	}
	t.mu.Unlock()

	t.syncSensor(ctx, sensor)
}

// computePairLevel derives the level for a pair from the current sets.
// Caller holds at least a read lock.
func (t *Tracker) computePairLevel(sensor models.SensorID, attr models.AttributeID) models.AttentionLevel {
	if pinners := t.pins[sensor]; len(pinners) > 0 {
		return models.AttentionHigh
	}
	set := t.viewers[pairKey{sensor: sensor, attr: attr}]
	level := models.AttentionNone
	for _, c := range set {
		if c&contribFocused != 0 {
			return models.AttentionHigh
		}
		level = models.AttentionMedium
	}
	return level
}

// computeSensorLevel derives the aggregate level for a sensor.
// Caller holds at least a read lock.
func (t *Tracker) computeSensorLevel(sensor models.SensorID) models.AttentionLevel {
	if pinners := t.pins[sensor]; len(pinners) > 0 {
		return models.AttentionHigh
	}
	level := models.AttentionNone
	for key, set := range t.viewers {
		if key.sensor != sensor {
			continue
		}
		for _, c := range set {
			if c&contribFocused != 0 {
				return models.AttentionHigh
			}
			if level < models.AttentionMedium {
				level = models.AttentionMedium
			}
		}
	}
	return level
}

// syncPair writes the derived levels for a pair and its sensor through to
// the cache.
func (t *Tracker) syncPair(ctx context.Context, sensor models.SensorID, attr models.AttributeID) {
	t.mu.RLock()
	pairLevel := t.computePairLevel(sensor, attr)
	entries := len(t.viewers)
	t.mu.RUnlock()

	metrics.AttentionEntries.Set(float64(entries))

	if t.cache == nil {
		return
	}
	if err := t.cache.SetPairLevel(ctx, sensor, attr, pairLevel); err != nil {
		t.log.Warn("cache pair level", logging.Sensor(sensor), logging.Attribute(attr), logging.Err(err))
	}
	t.syncSensor(ctx, sensor)
}

// syncSensor writes the derived aggregate level for a sensor to the cache.
func (t *Tracker) syncSensor(ctx context.Context, sensor models.SensorID) {
	if t.cache == nil {
		return
	}
	t.mu.RLock()
	level := t.computeSensorLevel(sensor)
	t.mu.RUnlock()

	if err := t.cache.SetSensorLevel(ctx, sensor, level); err != nil {
		t.log.Warn("cache sensor level", logging.Sensor(sensor), logging.Err(err))
	}
}

// GetAttentionLevel returns the level for a pair. The cache is the
// authoritative read path; the in-process sets answer when the cache misses
// or errors.
func (t *Tracker) GetAttentionLevel(ctx context.Context, sensor models.SensorID, attr models.AttributeID) models.AttentionLevel {
	if t.cache != nil {
		if level, ok, err := t.cache.PairLevel(ctx, sensor, attr); err == nil && ok {
			// Pins override whatever the pair entry says.
			if t.isPinned(sensor) {
				return models.AttentionHigh
			}
			return level
		}
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.computePairLevel(sensor, attr)
}

// GetSensorAttentionLevel returns the aggregate level for a sensor.
func (t *Tracker) GetSensorAttentionLevel(ctx context.Context, sensor models.SensorID) models.AttentionLevel {
	if t.isPinned(sensor) {
		return models.AttentionHigh
	}
	if t.cache != nil {
		if level, ok, err := t.cache.SensorLevel(ctx, sensor); err == nil && ok {
			return level
		}
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.computeSensorLevel(sensor)
}

func (t *Tracker) isPinned(sensor models.SensorID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.pins[sensor]) > 0
}

// HasActiveViewers reports whether any in-process contribution exists for
// the pair.
func (t *Tracker) HasActiveViewers(sensor models.SensorID, attr models.AttributeID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.pins[sensor]) > 0 {
		return true
	}
	return len(t.viewers[pairKey{sensor: sensor, attr: attr}]) > 0
}

func (t *Tracker) sensorHasActivity(sensor models.SensorID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.pins[sensor]) > 0 {
		return true
	}
	for key, set := range t.viewers {
		if key.sensor == sensor && len(set) > 0 {
			return true
		}
	}
	return false
}

// ReportBatteryState records a user's battery state, written through to the
// cache so it survives restarts.
func (t *Tracker) ReportBatteryState(ctx context.Context, user models.UserID, state models.BatteryState, source string, percent float64) {
	info := BatteryInfo{
		State:      state,
		Source:     source,
		Percent:    percent,
		ReportedAt: time.Now().UnixMilli(),
	}

	t.mu.Lock()
	t.battery[user] = info
	t.mu.Unlock()

	if t.cache != nil {
		if err := t.cache.SetBattery(ctx, user, info); err != nil {
			t.log.Warn("cache battery", logging.User(user), logging.Err(err))
		}
	}
}

// GetBatteryState returns a user's battery info, defaulting to normal for
// unknown users.
func (t *Tracker) GetBatteryState(ctx context.Context, user models.UserID) BatteryInfo {
	if t.cache != nil {
		if info, ok, err := t.cache.Battery(ctx, user); err == nil && ok {
			return info
		}
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if info, ok := t.battery[user]; ok {
		return info
	}
	return BatteryInfo{State: models.BatteryNormal}
}

// ClearSensor drops all state for one sensor, in-process and cached.
func (t *Tracker) ClearSensor(ctx context.Context, sensor models.SensorID) {
	t.mu.Lock()
	attrs := make([]models.AttributeID, 0, 4)
	for key := range t.viewers {
		if key.sensor == sensor {
			attrs = append(attrs, key.attr)
			delete(t.viewers, key)
		}
	}
	delete(t.pins, sensor)
	t.mu.Unlock()

	if t.cache != nil {
		for _, attr := range attrs {
			if err := t.cache.DeletePair(ctx, sensor, attr); err != nil {
				t.log.Warn("cache delete pair", logging.Sensor(sensor), logging.Err(err))
			}
		}
		if err := t.cache.DeleteSensor(ctx, sensor); err != nil {
			t.log.Warn("cache delete sensor", logging.Sensor(sensor), logging.Err(err))
		}
	}
}

// ClearAll drops all tracker state, in-process and cached.
func (t *Tracker) ClearAll(ctx context.Context) {
	t.mu.Lock()
	t.viewers = make(map[pairKey]map[models.UserID]contribution)
	t.pins = make(map[models.SensorID]map[models.UserID]struct{})
	t.battery = make(map[models.UserID]BatteryInfo)
	t.mu.Unlock()

	if t.cache != nil {
		if err := t.cache.Clear(ctx); err != nil {
			t.log.Warn("cache clear", logging.Err(err))
		}
	}
	metrics.AttentionEntries.Set(0)
}

// CalculateBatchWindow scales the caller-supplied base window inversely
// with attention and clamps it to the window bounds for the pair's level.
func (t *Tracker) CalculateBatchWindow(ctx context.Context, base time.Duration, sensor models.SensorID, attr models.AttributeID) time.Duration {
	level := t.GetAttentionLevel(ctx, sensor, attr)
	w := batchWindows[level]

	ms := base.Milliseconds() / w.divisor
	if ms < w.min {
		ms = w.min
	}
	if ms > w.max {
		ms = w.max
	}
	return time.Duration(ms) * time.Millisecond
}

// Restart rebuilds the tracker after a crash: in-process sets reset, the
// restart counter increments, a recovery window opens, and viewers are told
// to re-register. The survivable cache is left intact.
func (t *Tracker) Restart(ctx context.Context) {
	t.mu.Lock()
	t.viewers = make(map[pairKey]map[models.UserID]contribution)
	t.pins = make(map[models.SensorID]map[models.UserID]struct{})
	t.battery = make(map[models.UserID]BatteryInfo)
	t.recoveryUntil = time.Now().Add(t.cfg.RecoveryWindow)
	t.mu.Unlock()

	count := int64(0)
	if t.cache != nil {
		var err error
		count, err = t.cache.IncrRestartCount(ctx)
		if err != nil {
			t.log.Warn("increment restart count", logging.Err(err))
		}
	}
	t.mu.Lock()
	t.restartCount = count
	t.mu.Unlock()

	metrics.TrackerRestarts.Inc()
	t.log.Warn("attention tracker restarted", slog.Int64("restart_count", count))

	if t.publisher != nil {
		data, err := messaging.Encode(messaging.TrackerRestartedEvent{
			Kind:         messaging.KindTrackerRestarted,
			RestartCount: count,
			RestartedAt:  time.Now().UnixMilli(),
		})
		if err == nil {
			if err := t.publisher.Publish(ctx, messaging.SubjectAttentionRestarted, data); err != nil {
				t.log.Warn("publish tracker restarted", logging.Err(err))
			}
		}
	}
}

// RestartCount returns the number of restarts recorded in the cache.
func (t *Tracker) RestartCount() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.restartCount
}

// InRecovery reports whether the post-restart reconciliation window is open.
func (t *Tracker) InRecovery() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return time.Now().Before(t.recoveryUntil)
}

// Sweep runs the two-tier cleanup pass over the cache. Entries with any
// active in-process viewer are never evicted. Entries without viewers are
// removed when older than the staleness threshold, or immediately while the
// recovery window is open (their registrations were lost in the crash).
func (t *Tracker) Sweep(ctx context.Context) {
	if t.cache == nil {
		return
	}

	recovering := t.InRecovery()
	staleBefore := time.Now().Add(-t.cfg.StaleAfter)

	pairs, err := t.cache.PairEntries(ctx)
	if err != nil {
		t.log.Warn("sweep pair entries", logging.Err(err))
		return
	}
	for _, entry := range pairs {
		if t.HasActiveViewers(entry.Sensor, entry.Attribute) {
			continue
		}
		if recovering || entry.UpdatedAt.Before(staleBefore) {
			if err := t.cache.DeletePair(ctx, entry.Sensor, entry.Attribute); err != nil {
				t.log.Warn("sweep delete pair", logging.Sensor(entry.Sensor), logging.Err(err))
			}
		}
	}

	sensors, err := t.cache.SensorEntries(ctx)
	if err != nil {
		t.log.Warn("sweep sensor entries", logging.Err(err))
		return
	}
	for _, entry := range sensors {
		if t.sensorHasActivity(entry.Sensor) {
			continue
		}
		if recovering || entry.UpdatedAt.Before(staleBefore) {
			if err := t.cache.DeleteSensor(ctx, entry.Sensor); err != nil {
				t.log.Warn("sweep delete sensor", logging.Sensor(entry.Sensor), logging.Err(err))
			}
		}
	}
}
