// Package sensor implements the per-sensor ingestion actor. One actor owns
// each live sensor's state; writes flow through its mailbox so per-sensor
// ordering is preserved without shared locks.
package sensor

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/pulsehub-systems/pulsehub-core/internal/logging"
	"github.com/pulsehub-systems/pulsehub-core/internal/messaging"
	"github.com/pulsehub-systems/pulsehub-core/internal/metrics"
	"github.com/pulsehub-systems/pulsehub-core/internal/models"
	"github.com/pulsehub-systems/pulsehub-core/internal/store"
)

// ErrStopped is returned when operating on a stopped actor.
var ErrStopped = errors.New("sensor: actor stopped")

// AttentionSource supplies the cached aggregate attention level for a
// sensor. Reads are against the survivable cache, eventually consistent
// with registrations.
type AttentionSource interface {
	GetSensorAttentionLevel(ctx context.Context, sensor models.SensorID) models.AttentionLevel
}

// LoadSource supplies the current load level from the shared snapshot.
type LoadSource interface {
	Level() models.LoadLevel
}

// State is a snapshot of an actor's visible state.
type State struct {
	SensorID        models.SensorID                                `json:"sensor_id"`
	Registered      map[models.AttributeID]models.AttributeMetadata `json:"registered_attributes"`
	CachedAttention models.AttentionLevel                          `json:"cached_attention_level"`
	CachedLoad      models.LoadLevel                               `json:"cached_load_level"`
	PendingCount    int                                            `json:"pending_count"`
	Attributes      models.SensorBatch                             `json:"attributes"`
}

type opKind int

const (
	opPut opKind = iota
	opPutBatch
	opRegisterAttr
	opUnregisterAttr
	opClearAttr
	opGetState
	opFlush
	opLoadChanged
	opStop
)

type request struct {
	kind  opKind
	m     models.Measurement
	batch []models.Measurement
	attr  models.AttributeID
	meta  models.AttributeMetadata
	limit int
	load  models.LoadLevel
	view  bool
	reply chan State
	done  chan struct{}
}

// Actor is the per-sensor ingestion state machine.
type Actor struct {
	sensorID  models.SensorID
	store     *store.Tiered
	attention AttentionSource
	load      LoadSource
	publisher messaging.Publisher
	log       *logging.Logger

	mailbox chan request
	stopped chan struct{}

	// State below is owned by the run goroutine.
	registry        map[models.AttributeID]models.AttributeMetadata
	pending         []models.Measurement
	flushTimer      *time.Timer
	cachedAttention models.AttentionLevel
	cachedLoad      models.LoadLevel
}

// NewActor creates an actor for one sensor. Call Run (usually via the
// Manager) to start processing.
func NewActor(sensorID models.SensorID, st *store.Tiered, attention AttentionSource, load LoadSource, publisher messaging.Publisher, log *logging.Logger, mailboxSize int) *Actor {
	if mailboxSize <= 0 {
		mailboxSize = 256
	}
	return &Actor{
		sensorID:  sensorID,
		store:     st,
		attention: attention,
		load:      load,
		publisher: publisher,
		log:       log.With(logging.Component("sensor_actor"), logging.Sensor(sensorID)),
		mailbox:   make(chan request, mailboxSize),
		stopped:   make(chan struct{}),
		registry:  make(map[models.AttributeID]models.AttributeMetadata),
	}
}

// Run processes the mailbox until Stop. It is the only goroutine touching
// the actor's private state.
func (a *Actor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			a.stopLocked()
			return
		case req := <-a.mailbox:
			if a.handle(ctx, req) {
				return
			}
		}
	}
}

// handle processes one request; returns true when the actor should exit.
func (a *Actor) handle(ctx context.Context, req request) bool {
	switch req.kind {
	case opPut:
		a.ingest(ctx, req.m)
	case opPutBatch:
		a.ingestBatch(ctx, req.batch)
	case opRegisterAttr:
		a.registry[req.meta.AttributeID] = req.meta
		a.signal(req.done)
	case opUnregisterAttr:
		delete(a.registry, req.attr)
		a.signal(req.done)
	case opClearAttr:
		a.store.Remove(a.sensorID, req.attr)
		a.signal(req.done)
	case opGetState:
		req.reply <- a.snapshot(req.limit, req.view)
	case opFlush:
		a.flushBuffer(ctx)
	case opLoadChanged:
		a.cachedLoad = req.load
		// Dropping back to normal releases the backlog without waiting
		// for its timer.
		if req.load == models.LoadNormal {
			a.flushBuffer(ctx)
		}
	case opStop:
		a.stopLocked()
		a.signal(req.done)
		return true
	}
	return false
}

func (a *Actor) signal(done chan struct{}) {
	if done != nil {
		close(done)
	}
}

func (a *Actor) stopLocked() {
	if a.flushTimer != nil {
		a.flushTimer.Stop()
		a.flushTimer = nil
	}
	select {
	case <-a.stopped:
	default:
		close(a.stopped)
	}
}

// send enqueues a request unless the actor is stopped.
func (a *Actor) send(ctx context.Context, req request) error {
	select {
	case <-a.stopped:
		return ErrStopped
	default:
	}
	select {
	case a.mailbox <- req:
		return nil
	case <-a.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PutAttribute ingests one measurement. Malformed measurements fail fast
// here, before any state is touched.
func (a *Actor) PutAttribute(ctx context.Context, m models.Measurement) error {
	if err := m.Validate(); err != nil {
		metrics.MalformedTotal.Inc()
		return err
	}
	return a.send(ctx, request{kind: opPut, m: m})
}

// PutBatchAttributes ingests a batch, preserving input order. The whole
// batch is rejected if any measurement is malformed.
func (a *Actor) PutBatchAttributes(ctx context.Context, batch []models.Measurement) error {
	for _, m := range batch {
		if err := m.Validate(); err != nil {
			metrics.MalformedTotal.Inc()
			return err
		}
	}
	if len(batch) == 0 {
		return nil
	}
	return a.send(ctx, request{kind: opPutBatch, batch: batch})
}

// RegisterAttribute records attribute metadata supplied by the owning
// connection.
func (a *Actor) RegisterAttribute(ctx context.Context, meta models.AttributeMetadata) error {
	done := make(chan struct{})
	if err := a.send(ctx, request{kind: opRegisterAttr, meta: meta, done: done}); err != nil {
		return err
	}
	return a.await(ctx, done)
}

// UnregisterAttribute removes attribute metadata.
func (a *Actor) UnregisterAttribute(ctx context.Context, attr models.AttributeID) error {
	done := make(chan struct{})
	if err := a.send(ctx, request{kind: opUnregisterAttr, attr: attr, done: done}); err != nil {
		return err
	}
	return a.await(ctx, done)
}

// ClearAttribute drops stored history for one attribute.
func (a *Actor) ClearAttribute(ctx context.Context, attr models.AttributeID) error {
	done := make(chan struct{})
	if err := a.send(ctx, request{kind: opClearAttr, attr: attr, done: done}); err != nil {
		return err
	}
	return a.await(ctx, done)
}

// GetState returns the actor's full state with up to limit history entries
// per attribute.
func (a *Actor) GetState(ctx context.Context, limit int) (State, error) {
	return a.getState(ctx, limit, false)
}

// GetViewState returns only registered attributes with their latest value.
func (a *Actor) GetViewState(ctx context.Context, limit int) (State, error) {
	return a.getState(ctx, limit, true)
}

func (a *Actor) getState(ctx context.Context, limit int, view bool) (State, error) {
	reply := make(chan State, 1)
	if err := a.send(ctx, request{kind: opGetState, limit: limit, view: view, reply: reply}); err != nil {
		return State{}, err
	}
	select {
	case st := <-reply:
		return st, nil
	case <-ctx.Done():
		return State{}, ctx.Err()
	}
}

// GetAttribute reads stored history directly; the tiered store is
// concurrency-safe so this does not round-trip through the mailbox.
func (a *Actor) GetAttribute(_ context.Context, attr models.AttributeID, startTS, endTS int64, limit int) []models.Measurement {
	return a.store.Get(a.sensorID, attr, startTS, endTS, limit)
}

// SetLoadLevel informs the actor of a load level transition.
func (a *Actor) SetLoadLevel(ctx context.Context, level models.LoadLevel) error {
	return a.send(ctx, request{kind: opLoadChanged, load: level})
}

// Stop shuts the actor down after draining requests ahead of it.
func (a *Actor) Stop(ctx context.Context) error {
	done := make(chan struct{})
	if err := a.send(ctx, request{kind: opStop, done: done}); err != nil {
		if errors.Is(err, ErrStopped) {
			return nil
		}
		return err
	}
	return a.await(ctx, done)
}

func (a *Actor) await(ctx context.Context, done chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MailboxFill reports the mailbox backlog as a fraction of capacity.
func (a *Actor) MailboxFill() float64 {
	return float64(len(a.mailbox)) / float64(cap(a.mailbox))
}

// ingest runs the write path for a single measurement.
func (a *Actor) ingest(ctx context.Context, m models.Measurement) {
	// 1. Write-through to the tiered store, unconditionally. Storage never
	// depends on attention or load.
	a.store.PutMeasurement(m)

	// 2. Classify.
	class := models.ClassifyAttribute(m.AttributeID)

	// 3. Target attention level. Priority always targets high so discrete
	// user actions are never dropped for lack of viewers.
	a.refreshLevels(ctx)
	target := a.cachedAttention
	if class == models.ClassPriority {
		target = models.AttentionHigh
	}

	metrics.MeasurementsTotal.WithLabelValues(class.String(), "accepted").Inc()

	// 5. The per-sensor topic receives every measurement immediately.
	a.publishSingle(ctx, messaging.SensorSubject(a.sensorID), m)

	// Ordinary measurements with no attention skip the shard entirely.
	if class == models.ClassOrdinary && target == models.AttentionNone {
		return
	}

	// 4. Interval lookup decides immediate vs buffered for the shard.
	interval := broadcastInterval(class, a.cachedLoad, target)
	if interval == 0 {
		a.publishSingle(ctx, messaging.AttentionSubject(target), m)
		return
	}

	a.pending = append(a.pending, m)
	a.ensureFlushTimer(interval)
}

// ingestBatch applies the same classification per measurement but folds all
// immediate ones into a single outgoing batch, preserving input order.
func (a *Actor) ingestBatch(ctx context.Context, batch []models.Measurement) {
	a.refreshLevels(ctx)

	immediate := make(map[models.AttentionLevel][]models.Measurement)
	var minInterval time.Duration
	buffered := false

	for _, m := range batch {
		a.store.PutMeasurement(m)

		class := models.ClassifyAttribute(m.AttributeID)
		target := a.cachedAttention
		if class == models.ClassPriority {
			target = models.AttentionHigh
		}
		metrics.MeasurementsTotal.WithLabelValues(class.String(), "accepted").Inc()

		if class == models.ClassOrdinary && target == models.AttentionNone {
			continue
		}

		interval := broadcastInterval(class, a.cachedLoad, target)
		if interval == 0 {
			immediate[target] = append(immediate[target], m)
			continue
		}
		a.pending = append(a.pending, m)
		if !buffered || interval < minInterval {
			minInterval = interval
			buffered = true
		}
	}

	// The per-sensor topic gets the whole batch as one message.
	a.publishBatch(ctx, messaging.SensorSubject(a.sensorID), batch)

	for target, ms := range immediate {
		a.publishBatch(ctx, messaging.AttentionSubject(target), ms)
	}
	if buffered {
		a.ensureFlushTimer(minInterval)
	}
}

// refreshLevels updates the cached attention and load levels from their
// shared caches.
func (a *Actor) refreshLevels(ctx context.Context) {
	if a.attention != nil {
		a.cachedAttention = a.attention.GetSensorAttentionLevel(ctx, a.sensorID)
	}
	if a.load != nil {
		a.cachedLoad = a.load.Level()
	}
}

// ensureFlushTimer schedules a flush if none is pending. Timers are
// single-shot and replaced, never stacked.
func (a *Actor) ensureFlushTimer(interval time.Duration) {
	if a.flushTimer != nil {
		return
	}
	a.flushTimer = time.AfterFunc(interval, func() {
		// Runs off the actor goroutine; route through the mailbox.
		select {
		case a.mailbox <- request{kind: opFlush}:
		case <-a.stopped:
		}
	})
}

// flushBuffer broadcasts the pending buffer as one chronological batch on
// the attention shard. Idempotent against an empty buffer.
func (a *Actor) flushBuffer(ctx context.Context) {
	if a.flushTimer != nil {
		a.flushTimer.Stop()
		a.flushTimer = nil
	}
	if len(a.pending) == 0 {
		return
	}

	batch := a.pending
	a.pending = nil
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].Timestamp < batch[j].Timestamp
	})

	target := a.cachedAttention
	if target == models.AttentionNone {
		// Attention fell away while buffering. These were accepted when a
		// shard wanted them, so deliver on the medium shard rather than drop.
		target = models.AttentionMedium
	}
	a.publishBatch(ctx, messaging.AttentionSubject(target), batch)
	metrics.BufferFlushSize.Observe(float64(len(batch)))
}

func (a *Actor) publishSingle(ctx context.Context, subject string, m models.Measurement) {
	if a.publisher == nil {
		return
	}
	data, err := messaging.Encode(messaging.NewMeasurementEvent(m))
	if err != nil {
		a.log.Error("encode measurement", logging.Err(err))
		return
	}
	if err := a.publisher.Publish(ctx, subject, data); err != nil {
		a.log.Warn("publish measurement", logging.Subject(subject), logging.Err(err))
		return
	}
	metrics.BroadcastsTotal.WithLabelValues(subjectKind(subject)).Inc()
}

func (a *Actor) publishBatch(ctx context.Context, subject string, ms []models.Measurement) {
	if a.publisher == nil || len(ms) == 0 {
		return
	}
	data, err := messaging.Encode(messaging.NewBatchEvent(a.sensorID, ms))
	if err != nil {
		a.log.Error("encode batch", logging.Err(err))
		return
	}
	if err := a.publisher.Publish(ctx, subject, data); err != nil {
		a.log.Warn("publish batch", logging.Subject(subject), logging.Err(err))
		return
	}
	metrics.BroadcastsTotal.WithLabelValues(subjectKind(subject)).Inc()
}

func subjectKind(subject string) string {
	switch {
	case strings.HasPrefix(subject, messaging.SubjectDataSensor+"."):
		return "sensor"
	case subject == messaging.SubjectDataAttentionHigh,
		subject == messaging.SubjectDataAttentionMedium,
		subject == messaging.SubjectDataAttentionLow:
		return "attention"
	default:
		return "other"
	}
}

// snapshot builds a State for GetState/GetViewState.
func (a *Actor) snapshot(limit int, view bool) State {
	st := State{
		SensorID:        a.sensorID,
		Registered:      make(map[models.AttributeID]models.AttributeMetadata, len(a.registry)),
		CachedAttention: a.cachedAttention,
		CachedLoad:      a.cachedLoad,
		PendingCount:    len(a.pending),
	}
	for k, v := range a.registry {
		st.Registered[k] = v
	}

	if view {
		// View state: latest value for registered attributes only.
		st.Attributes = make(models.SensorBatch, len(a.registry))
		for attr := range a.registry {
			st.Attributes[attr] = a.store.Get(a.sensorID, attr, 0, 0, 1)
		}
		return st
	}

	st.Attributes = a.store.GetAll(a.sensorID, limit)
	return st
}
