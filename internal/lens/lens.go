// Package lens implements per-viewer output buffering. Each connected
// socket owns a buffer keyed (sensor, attribute); priority attributes
// accumulate every event between flushes while ordinary attributes keep
// only the latest value.
package lens

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pulsehub-systems/pulsehub-core/internal/config"
	"github.com/pulsehub-systems/pulsehub-core/internal/logging"
	"github.com/pulsehub-systems/pulsehub-core/internal/messaging"
	"github.com/pulsehub-systems/pulsehub-core/internal/metrics"
	"github.com/pulsehub-systems/pulsehub-core/internal/models"
)

// ErrUnknownSocket is returned for operations on an unregistered socket.
var ErrUnknownSocket = errors.New("lens: unknown socket")

// LoadSource exposes the load snapshot fields the lens scales its flush
// cadence with.
type LoadSource interface {
	Level() models.LoadLevel
	Multiplier() float64
}

// SocketState is a snapshot of one socket's lens.
type SocketState struct {
	SocketID models.SocketID   `json:"socket_id"`
	Subject  string            `json:"subject"`
	Quality  models.Quality    `json:"quality"`
	Sensors  []models.SensorID `json:"sensors"`
	Pending  int               `json:"pending"`
}

type bufKey struct {
	sensor models.SensorID
	attr   models.AttributeID
}

type entry struct {
	priority bool
	items    []models.Measurement
}

// lensState is one socket's buffer. Guarded by its own mutex so sockets
// never contend with each other on the hot buffering path.
type lensState struct {
	mu      sync.Mutex
	socket  models.SocketID
	subject string
	quality models.Quality
	sensors map[models.SensorID]struct{}
	buffer  map[bufKey]*entry
	order   []bufKey // insertion order of keys, for stable flush output
	timer   *time.Timer
	subs    []messaging.Subscription
	closed  bool
}

// Registry manages the lens buffers for all connected sockets.
type Registry struct {
	cfg        config.LensConfig
	publisher  messaging.Publisher
	subscriber messaging.Subscriber
	load       LoadSource
	log        *logging.Logger

	mu      sync.RWMutex
	sockets map[models.SocketID]*lensState
}

// NewRegistry creates a lens registry publishing flushes through publisher
// and feeding buffers from per-sensor subjects on subscriber.
func NewRegistry(cfg config.LensConfig, publisher messaging.Publisher, subscriber messaging.Subscriber, load LoadSource, log *logging.Logger) *Registry {
	if log == nil {
		log = logging.Default()
	}
	return &Registry{
		cfg:        cfg,
		publisher:  publisher,
		subscriber: subscriber,
		load:       load,
		log:        log.With(logging.Component("lens")),
		sockets:    make(map[models.SocketID]*lensState),
	}
}

// RegisterSocket creates a lens for socketID watching the given sensors and
// returns the subject its flushes are published on. Re-registering an
// existing socket replaces its sensor set and quality but keeps any pending
// buffer.
func (r *Registry) RegisterSocket(socketID models.SocketID, sensors []models.SensorID, quality models.Quality) (string, error) {
	r.mu.Lock()
	ls, ok := r.sockets[socketID]
	if !ok {
		ls = &lensState{
			socket:  socketID,
			subject: messaging.SocketSubject(socketID),
			buffer:  make(map[bufKey]*entry),
			sensors: make(map[models.SensorID]struct{}),
		}
		r.sockets[socketID] = ls
		metrics.LensSockets.Set(float64(len(r.sockets)))
	}
	r.mu.Unlock()

	ls.mu.Lock()
	ls.quality = quality
	for _, s := range ls.subs {
		s.Unsubscribe()
	}
	ls.subs = ls.subs[:0]
	ls.sensors = make(map[models.SensorID]struct{}, len(sensors))
	for _, id := range sensors {
		ls.sensors[id] = struct{}{}
	}
	ls.mu.Unlock()

	if r.subscriber != nil {
		for _, id := range sensors {
			sub, err := r.subscriber.Subscribe(messaging.SensorSubject(id), r.inbound(socketID))
			if err != nil {
				r.log.Warn("lens subscribe", logging.Socket(socketID), logging.Sensor(id), logging.Err(err))
				continue
			}
			ls.mu.Lock()
			ls.subs = append(ls.subs, sub)
			ls.mu.Unlock()
		}
	}

	r.armTimer(ls)
	return ls.subject, nil
}

// inbound builds the broker handler feeding one socket's buffer.
func (r *Registry) inbound(socketID models.SocketID) messaging.MessageHandler {
	return func(_ context.Context, msg *messaging.Message) error {
		kind, err := messaging.PeekKind(msg.Data)
		if err != nil {
			return err
		}
		switch kind {
		case messaging.KindMeasurement:
			evt, err := messaging.Decode[messaging.MeasurementEvent](msg.Data)
			if err != nil {
				return err
			}
			return r.BufferMeasurement(socketID, evt.Measurement)
		case messaging.KindMeasurementsBatch:
			evt, err := messaging.Decode[messaging.BatchEvent](msg.Data)
			if err != nil {
				return err
			}
			for _, m := range evt.Measurements {
				if err := r.BufferMeasurement(socketID, m); err != nil {
					return err
				}
			}
		}
		return nil
	}
}

// BufferMeasurement records one measurement for a socket. Priority
// attributes append so rapid press and release pairs both survive to the
// flush; ordinary attributes keep only the latest value.
func (r *Registry) BufferMeasurement(socketID models.SocketID, m models.Measurement) error {
	r.mu.RLock()
	ls, ok := r.sockets[socketID]
	r.mu.RUnlock()
	if !ok {
		return ErrUnknownSocket
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.closed {
		return ErrUnknownSocket
	}

	key := bufKey{sensor: m.SensorID, attr: m.AttributeID}
	e, ok := ls.buffer[key]
	if !ok {
		e = &entry{priority: models.ClassifyAttribute(m.AttributeID) == models.ClassPriority}
		ls.buffer[key] = e
		ls.order = append(ls.order, key)
	}
	if e.priority {
		e.items = append(e.items, m)
	} else {
		e.items = e.items[:0]
		e.items = append(e.items, m)
	}
	return nil
}

// UnregisterSocket flushes outstanding data, unsubscribes and drops the
// socket's lens.
func (r *Registry) UnregisterSocket(ctx context.Context, socketID models.SocketID) error {
	r.mu.Lock()
	ls, ok := r.sockets[socketID]
	if ok {
		delete(r.sockets, socketID)
		metrics.LensSockets.Set(float64(len(r.sockets)))
	}
	r.mu.Unlock()
	if !ok {
		return ErrUnknownSocket
	}

	r.flush(ctx, ls)

	ls.mu.Lock()
	ls.closed = true
	if ls.timer != nil {
		ls.timer.Stop()
		ls.timer = nil
	}
	subs := ls.subs
	ls.subs = nil
	ls.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	return nil
}

// GetSocketState returns a snapshot of one socket's lens.
func (r *Registry) GetSocketState(socketID models.SocketID) (SocketState, error) {
	r.mu.RLock()
	ls, ok := r.sockets[socketID]
	r.mu.RUnlock()
	if !ok {
		return SocketState{}, ErrUnknownSocket
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	st := SocketState{
		SocketID: socketID,
		Subject:  ls.subject,
		Quality:  ls.quality,
		Sensors:  make([]models.SensorID, 0, len(ls.sensors)),
	}
	for id := range ls.sensors {
		st.Sensors = append(st.Sensors, id)
	}
	for _, e := range ls.buffer {
		st.Pending += len(e.items)
	}
	return st, nil
}

// interval derives the flush cadence from the socket's quality and the
// current load multiplier.
func (r *Registry) interval(q models.Quality) time.Duration {
	var base time.Duration
	switch q {
	case models.QualityHigh:
		base = r.cfg.HighQualityInterval
	case models.QualityLow:
		base = r.cfg.LowQualityInterval
	default:
		base = r.cfg.MediumQualityInterval
	}
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	mult := 1.0
	if r.load != nil {
		mult = r.load.Multiplier()
	}
	return time.Duration(float64(base) * mult)
}

// armTimer schedules the next flush for one socket. Timers are single-shot
// and re-armed after each flush so a cadence change takes effect at the
// next boundary.
func (r *Registry) armTimer(ls *lensState) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.closed {
		return
	}
	if ls.timer != nil {
		ls.timer.Stop()
	}
	ls.timer = time.AfterFunc(r.interval(ls.quality), func() {
		r.flush(context.Background(), ls)
		r.armTimer(ls)
	})
}

// flush assembles the socket's pending entries into one batch keyed sensor
// then attribute, publishes it on the socket subject and clears the buffer.
// Idempotent against an empty buffer.
func (r *Registry) flush(ctx context.Context, ls *lensState) {
	ls.mu.Lock()
	if len(ls.buffer) == 0 {
		ls.mu.Unlock()
		return
	}
	batch := make(models.LensBatch)
	for _, key := range ls.order {
		e, ok := ls.buffer[key]
		if !ok || len(e.items) == 0 {
			continue
		}
		sb, ok := batch[key.sensor]
		if !ok {
			sb = make(models.SensorBatch)
			batch[key.sensor] = sb
		}
		sb[key.attr] = append(sb[key.attr], e.items...)
	}
	ls.buffer = make(map[bufKey]*entry)
	ls.order = ls.order[:0]
	subject := ls.subject
	socket := ls.socket
	ls.mu.Unlock()

	if len(batch) == 0 || r.publisher == nil {
		return
	}

	timer := prometheus.NewTimer(metrics.LensFlushDuration)
	defer timer.ObserveDuration()

	data, err := messaging.Encode(messaging.LensBatchEvent{
		Kind:     messaging.KindLensBatch,
		SocketID: socket,
		Batch:    batch,
	})
	if err != nil {
		r.log.Error("encode lens batch", logging.Socket(socket), logging.Err(err))
		return
	}
	if err := r.publisher.Publish(ctx, subject, data); err != nil {
		r.log.Warn("publish lens batch", logging.Subject(subject), logging.Err(err))
	}
}

// FlushAll flushes every socket immediately.
func (r *Registry) FlushAll(ctx context.Context) {
	r.mu.RLock()
	states := make([]*lensState, 0, len(r.sockets))
	for _, ls := range r.sockets {
		states = append(states, ls)
	}
	r.mu.RUnlock()

	for _, ls := range states {
		r.flush(ctx, ls)
	}
}

// SubscribeLoad wires the registry to system.load broadcasts. A drop back
// to normal flushes all sockets without waiting for their timers.
func (r *Registry) SubscribeLoad(sub messaging.Subscriber) (messaging.Subscription, error) {
	return sub.Subscribe(messaging.SubjectSystemLoad, func(ctx context.Context, msg *messaging.Message) error {
		evt, err := messaging.Decode[messaging.LevelChangedEvent](msg.Data)
		if err != nil {
			r.log.Warn("decode load event", logging.Err(err))
			return err
		}
		if evt.Level == models.LoadNormal {
			r.FlushAll(ctx)
		}
		return nil
	})
}

// Close unregisters every socket.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	ids := make([]models.SocketID, 0, len(r.sockets))
	for id := range r.sockets {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		if err := r.UnregisterSocket(ctx, id); err != nil && !errors.Is(err, ErrUnknownSocket) {
			r.log.Warn("lens close", logging.Socket(id), logging.Err(err))
		}
	}
}
