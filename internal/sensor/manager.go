package sensor

import (
	"context"
	"sync"

	"github.com/pulsehub-systems/pulsehub-core/internal/logging"
	"github.com/pulsehub-systems/pulsehub-core/internal/messaging"
	"github.com/pulsehub-systems/pulsehub-core/internal/models"
	"github.com/pulsehub-systems/pulsehub-core/internal/store"
)

// Manager owns the actor registry. Actors are created on first use and
// restarted with empty in-memory state if they panic; stored history lives
// in the tiered store and survives the restart.
type Manager struct {
	store       *store.Tiered
	attention   AttentionSource
	load        LoadSource
	publisher   messaging.Publisher
	log         *logging.Logger
	mailboxSize int

	mu     sync.RWMutex
	actors map[models.SensorID]*Actor
	ctx    context.Context
	cancel context.CancelFunc
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Store       *store.Tiered
	Attention   AttentionSource
	Load        LoadSource
	Publisher   messaging.Publisher
	Logger      *logging.Logger
	MailboxSize int
}

// NewManager creates a Manager. Call Start before Ensure.
func NewManager(opts ManagerOptions) *Manager {
	log := opts.Logger
	if log == nil {
		log = logging.Default()
	}
	return &Manager{
		store:       opts.Store,
		attention:   opts.Attention,
		load:        opts.Load,
		publisher:   opts.Publisher,
		log:         log.With(logging.Component("sensor_manager")),
		mailboxSize: opts.MailboxSize,
		actors:      make(map[models.SensorID]*Actor),
	}
}

// Start binds the manager to ctx. Subsequent actor goroutines inherit it.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx, m.cancel = context.WithCancel(ctx)
}

// Ensure returns the live actor for sensorID, spawning one if needed.
func (m *Manager) Ensure(sensorID models.SensorID) *Actor {
	m.mu.RLock()
	a, ok := m.actors[sensorID]
	m.mu.RUnlock()
	if ok {
		return a
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.actors[sensorID]; ok {
		return a
	}
	a = m.spawnLocked(sensorID)
	return a
}

// Lookup returns the actor for sensorID if one is running.
func (m *Manager) Lookup(sensorID models.SensorID) (*Actor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.actors[sensorID]
	return a, ok
}

// spawnLocked creates and runs a fresh actor. Caller holds mu.
func (m *Manager) spawnLocked(sensorID models.SensorID) *Actor {
	a := NewActor(sensorID, m.store, m.attention, m.load, m.publisher, m.log, m.mailboxSize)
	m.actors[sensorID] = a
	ctx := m.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	go m.run(ctx, sensorID, a)
	return a
}

// run supervises one actor goroutine. A panic drops the crashed actor from
// the registry; the next Ensure spawns a replacement with a clean registry.
func (m *Manager) run(ctx context.Context, sensorID models.SensorID, a *Actor) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("actor panicked, restarting",
				logging.Sensor(sensorID), "panic", r)
			a.stopLocked()
			m.mu.Lock()
			if m.actors[sensorID] == a {
				delete(m.actors, sensorID)
				m.spawnLocked(sensorID)
			}
			m.mu.Unlock()
			return
		}
		m.mu.Lock()
		if m.actors[sensorID] == a {
			delete(m.actors, sensorID)
		}
		m.mu.Unlock()
	}()
	a.Run(ctx)
}

// BroadcastLoadLevel fans a load transition out to every live actor.
// Actors dropping to normal flush their buffers immediately.
func (m *Manager) BroadcastLoadLevel(ctx context.Context, level models.LoadLevel) {
	m.mu.RLock()
	actors := make([]*Actor, 0, len(m.actors))
	for _, a := range m.actors {
		actors = append(actors, a)
	}
	m.mu.RUnlock()

	for _, a := range actors {
		if err := a.SetLoadLevel(ctx, level); err != nil {
			m.log.Warn("load fan-out", logging.Sensor(a.sensorID), logging.Err(err))
		}
	}
}

// SubscribeLoad wires the manager to system.load broadcasts on the bus.
func (m *Manager) SubscribeLoad(sub messaging.Subscriber) (messaging.Subscription, error) {
	return sub.Subscribe(messaging.SubjectSystemLoad, func(ctx context.Context, msg *messaging.Message) error {
		evt, err := messaging.Decode[messaging.LevelChangedEvent](msg.Data)
		if err != nil {
			m.log.Warn("decode load event", logging.Err(err))
			return err
		}
		m.BroadcastLoadLevel(ctx, evt.Level)
		return nil
	})
}

// QueuePressure reports the fullest actor mailbox as a fraction of its
// capacity, for the load monitor's message queue signal.
func (m *Manager) QueuePressure() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var max float64
	for _, a := range m.actors {
		if f := a.MailboxFill(); f > max {
			max = f
		}
	}
	return max
}

// ActiveSensors lists the sensors with a live actor.
func (m *Manager) ActiveSensors() []models.SensorID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]models.SensorID, 0, len(m.actors))
	for id := range m.actors {
		ids = append(ids, id)
	}
	return ids
}

// StopSensor stops one actor and removes it from the registry.
func (m *Manager) StopSensor(ctx context.Context, sensorID models.SensorID) error {
	m.mu.Lock()
	a, ok := m.actors[sensorID]
	if ok {
		delete(m.actors, sensorID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return a.Stop(ctx)
}

// Stop shuts down every actor.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	actors := m.actors
	m.actors = make(map[models.SensorID]*Actor)
	cancel := m.cancel
	m.mu.Unlock()

	for _, a := range actors {
		if err := a.Stop(ctx); err != nil {
			m.log.Warn("actor stop", logging.Sensor(a.sensorID), logging.Err(err))
		}
	}
	if cancel != nil {
		cancel()
	}
}
