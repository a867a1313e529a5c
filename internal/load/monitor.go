// Package load implements the system load monitor. A single goroutine
// samples pressure signals on a fixed tick, folds them into a composite
// score, and publishes the resulting snapshot through an atomic pointer so
// broadcast decisions never take a lock on the hot path.
package load

import (
	"context"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/pulsehub-systems/pulsehub-core/internal/config"
	"github.com/pulsehub-systems/pulsehub-core/internal/logging"
	"github.com/pulsehub-systems/pulsehub-core/internal/messaging"
	"github.com/pulsehub-systems/pulsehub-core/internal/metrics"
	"github.com/pulsehub-systems/pulsehub-core/internal/models"
)

// Snapshot is the process-wide load value. Recomputed on each tick by the
// monitor, read-mostly by everyone else, never mutated by readers.
type Snapshot struct {
	Level                  models.LoadLevel `json:"level"`
	Multiplier             float64          `json:"multiplier"`
	Score                  float64          `json:"score"`
	MemoryPressure         float64          `json:"memory_pressure"`
	SchedulerPressure      float64          `json:"scheduler_pressure"`
	PubSubPressure         float64          `json:"pubsub_pressure"`
	QueuePressure          float64          `json:"queue_pressure"`
	MemoryProtectionActive bool             `json:"memory_protection_active"`
	SampledAt              time.Time        `json:"sampled_at"`
}

// LevelConfig holds per-level scaling applied to batching decisions.
type LevelConfig struct {
	WindowMultiplier float64 `json:"window_multiplier"`
}

// levelConfigs is strictly increasing across levels.
var levelConfigs = map[models.LoadLevel]LevelConfig{
	models.LoadNormal:   {WindowMultiplier: 1.0},
	models.LoadElevated: {WindowMultiplier: 1.5},
	models.LoadHigh:     {WindowMultiplier: 3.0},
	models.LoadCritical: {WindowMultiplier: 5.0},
}

// ConfigFor returns the scaling config for a level.
func ConfigFor(level models.LoadLevel) LevelConfig {
	if c, ok := levelConfigs[level]; ok {
		return c
	}
	return levelConfigs[models.LoadNormal]
}

// PressureSource supplies a normalized [0,1] pressure reading.
type PressureSource func() float64

// Sampler gathers the raw pressure signals for one tick.
type Sampler interface {
	SchedulerPressure() float64
	MemoryPressure() float64
}

// Monitor periodically samples load signals and maintains the shared
// snapshot. Single writer (its own tick goroutine), many lock-free readers.
type Monitor struct {
	cfg       config.LoadConfig
	publisher messaging.Publisher
	log       *logging.Logger
	sampler   Sampler

	pubsubSource PressureSource
	queueSource  PressureSource

	snapshot  atomic.Pointer[Snapshot]
	memGuard  atomic.Bool
	autoGuard atomic.Bool
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithSampler replaces the default gopsutil sampler (used in tests).
func WithSampler(s Sampler) Option {
	return func(m *Monitor) { m.sampler = s }
}

// WithPubSubPressure wires the broker backlog signal.
func WithPubSubPressure(src PressureSource) Option {
	return func(m *Monitor) { m.pubsubSource = src }
}

// WithQueuePressure wires the actor mailbox backlog signal.
func WithQueuePressure(src PressureSource) Option {
	return func(m *Monitor) { m.queueSource = src }
}

// NewMonitor creates a load monitor. The initial snapshot is LoadNormal so
// readers are valid before the first tick.
func NewMonitor(cfg config.LoadConfig, publisher messaging.Publisher, log *logging.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:       cfg,
		publisher: publisher,
		log:       log.With(logging.Component("load_monitor")),
		sampler:   &systemSampler{},
	}
	m.autoGuard.Store(true)
	for _, opt := range opts {
		opt(m)
	}

	initial := &Snapshot{
		Level:      models.LoadNormal,
		Multiplier: levelConfigs[models.LoadNormal].WindowMultiplier,
		SampledAt:  time.Now(),
	}
	m.snapshot.Store(initial)
	return m
}

// Start runs the sampling loop until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	interval := m.cfg.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick samples all signals, recomputes the snapshot, and broadcasts on a
// level transition.
func (m *Monitor) tick(ctx context.Context) {
	prev := m.snapshot.Load()

	sched := clamp01(m.sampler.SchedulerPressure())
	memP := clamp01(m.sampler.MemoryPressure())
	var pubsub, queue float64
	if m.pubsubSource != nil {
		pubsub = clamp01(m.pubsubSource())
	}
	if m.queueSource != nil {
		queue = clamp01(m.queueSource())
	}

	total := m.cfg.SchedulerWeight + m.cfg.MemoryWeight + m.cfg.PubSubWeight + m.cfg.QueueWeight
	score := (sched*m.cfg.SchedulerWeight +
		memP*m.cfg.MemoryWeight +
		pubsub*m.cfg.PubSubWeight +
		queue*m.cfg.QueueWeight) / total

	level := m.levelFor(score)

	if m.autoGuard.Load() && level == models.LoadCritical && memP >= m.cfg.MemoryProtectionThreshold {
		m.memGuard.Store(true)
	}

	snap := &Snapshot{
		Level:                  level,
		Multiplier:             levelConfigs[level].WindowMultiplier,
		Score:                  score,
		MemoryPressure:         memP,
		SchedulerPressure:      sched,
		PubSubPressure:         pubsub,
		QueuePressure:          queue,
		MemoryProtectionActive: m.memGuard.Load(),
		SampledAt:              time.Now(),
	}
	m.snapshot.Store(snap)

	metrics.LoadLevel.Set(float64(level))
	metrics.LoadScore.Set(score)
	metrics.MemoryPressure.Set(memP)

	if level != prev.Level {
		m.log.Info("load level changed",
			slog.String("from", prev.Level.String()),
			slog.String("to", level.String()),
			slog.Float64("score", score),
		)
		m.broadcast(ctx, level)
	}
}

func (m *Monitor) broadcast(ctx context.Context, level models.LoadLevel) {
	if m.publisher == nil {
		return
	}
	data, err := messaging.Encode(messaging.LevelChangedEvent{
		Kind:  messaging.KindLevelChanged,
		Level: level,
	})
	if err != nil {
		m.log.Error("encode level change", logging.Err(err))
		return
	}
	if err := m.publisher.Publish(ctx, messaging.SubjectSystemLoad, data); err != nil {
		m.log.Warn("publish level change", logging.Err(err))
	}
	metrics.BroadcastsTotal.WithLabelValues("system_load").Inc()
}

func (m *Monitor) levelFor(score float64) models.LoadLevel {
	switch {
	case score >= m.cfg.CriticalThreshold:
		return models.LoadCritical
	case score >= m.cfg.HighThreshold:
		return models.LoadHigh
	case score >= m.cfg.ElevatedThreshold:
		return models.LoadElevated
	default:
		return models.LoadNormal
	}
}

// Level returns the current load level.
func (m *Monitor) Level() models.LoadLevel {
	return m.snapshot.Load().Level
}

// Multiplier returns the current window multiplier.
func (m *Monitor) Multiplier() float64 {
	return m.snapshot.Load().Multiplier
}

// MemoryPressure returns the current normalized memory pressure.
func (m *Monitor) MemoryPressure() float64 {
	return m.snapshot.Load().MemoryPressure
}

// MemoryProtectionActive reports whether memory protection is armed.
func (m *Monitor) MemoryProtectionActive() bool {
	return m.memGuard.Load()
}

// SetMemoryProtection manually toggles memory protection. Manual toggling
// also disables automatic arming until re-enabled by config reload.
func (m *Monitor) SetMemoryProtection(active bool) {
	m.autoGuard.Store(false)
	m.memGuard.Store(active)
}

// Metrics returns the full current snapshot.
func (m *Monitor) Metrics() Snapshot {
	return *m.snapshot.Load()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// systemSampler reads real host signals via gopsutil, falling back to
// runtime-derived approximations when the host probes fail.
type systemSampler struct{}

func (s *systemSampler) SchedulerPressure() float64 {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		// Fallback: goroutine count relative to a nominal ceiling.
		return clamp01(float64(runtime.NumGoroutine()) / 10000)
	}
	return clamp01(percents[0] / 100)
}

func (s *systemSampler) MemoryPressure() float64 {
	vm, err := mem.VirtualMemory()
	if err != nil {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		if ms.Sys == 0 {
			return 0
		}
		return clamp01(float64(ms.HeapAlloc) / float64(ms.Sys))
	}
	return clamp01(vm.UsedPercent / 100)
}
