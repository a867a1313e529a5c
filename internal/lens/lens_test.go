package lens

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsehub-systems/pulsehub-core/internal/config"
	"github.com/pulsehub-systems/pulsehub-core/internal/logging"
	"github.com/pulsehub-systems/pulsehub-core/internal/messaging"
	"github.com/pulsehub-systems/pulsehub-core/internal/messaging/membus"
	"github.com/pulsehub-systems/pulsehub-core/internal/models"
)

type stubLoad struct {
	level models.LoadLevel
	mult  float64
}

func (s *stubLoad) Level() models.LoadLevel { return s.level }
func (s *stubLoad) Multiplier() float64     { return s.mult }

type collector struct {
	mu   sync.Mutex
	msgs []*messaging.Message
}

func (c *collector) handle(_ context.Context, msg *messaging.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *collector) at(i int) *messaging.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.msgs[i]
}

func testLensConfig() config.LensConfig {
	return config.LensConfig{
		LowQualityInterval:    time.Second,
		MediumQualityInterval: 250 * time.Millisecond,
		HighQualityInterval:   50 * time.Millisecond,
	}
}

func newTestRegistry(t *testing.T) (*Registry, *membus.Bus) {
	t.Helper()
	bus := membus.New()
	t.Cleanup(func() { bus.Close() })
	r := NewRegistry(testLensConfig(), bus, bus, &stubLoad{level: models.LoadNormal, mult: 1.0}, logging.Default())
	t.Cleanup(func() { r.Close(context.Background()) })
	return r, bus
}

func measurement(sensor models.SensorID, attr models.AttributeID, ts int64, event string) models.Measurement {
	return models.Measurement{
		SensorID:    sensor,
		AttributeID: attr,
		Payload:     1,
		Timestamp:   ts,
		Event:       event,
	}
}

func TestRegistry_RegisterSocketReturnsSubject(t *testing.T) {
	r, _ := newTestRegistry(t)

	subject, err := r.RegisterSocket("sock-1", []models.SensorID{"sensor-1"}, models.QualityMedium)
	require.NoError(t, err)
	assert.Equal(t, "socket.sock-1", subject)

	st, err := r.GetSocketState("sock-1")
	require.NoError(t, err)
	assert.Equal(t, models.QualityMedium, st.Quality)
	assert.Equal(t, []models.SensorID{"sensor-1"}, st.Sensors)
	assert.Zero(t, st.Pending)
}

func TestRegistry_UnknownSocket(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.GetSocketState("nope")
	assert.ErrorIs(t, err, ErrUnknownSocket)
	assert.ErrorIs(t, r.BufferMeasurement("nope", measurement("s", "a", 1, "")), ErrUnknownSocket)
	assert.ErrorIs(t, r.UnregisterSocket(context.Background(), "nope"), ErrUnknownSocket)
}

func TestRegistry_PriorityAppendsOrdinaryOverwrites(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.RegisterSocket("sock-1", nil, models.QualityLow)
	require.NoError(t, err)

	// Press then release inside one window: both must survive.
	require.NoError(t, r.BufferMeasurement("sock-1", measurement("sensor-1", "button", 100, "press")))
	require.NoError(t, r.BufferMeasurement("sock-1", measurement("sensor-1", "button", 110, "release")))

	// Two samples of a continuous stream: only the latest survives.
	require.NoError(t, r.BufferMeasurement("sock-1", measurement("sensor-1", "temperature", 100, "")))
	require.NoError(t, r.BufferMeasurement("sock-1", measurement("sensor-1", "temperature", 200, "")))

	st, err := r.GetSocketState("sock-1")
	require.NoError(t, err)
	assert.Equal(t, 3, st.Pending)
}

func TestRegistry_FlushPublishesBatchAndClears(t *testing.T) {
	r, bus := newTestRegistry(t)
	subject, err := r.RegisterSocket("sock-1", nil, models.QualityLow)
	require.NoError(t, err)

	out := &collector{}
	_, err = bus.Subscribe(subject, out.handle)
	require.NoError(t, err)

	require.NoError(t, r.BufferMeasurement("sock-1", measurement("sensor-1", "button", 100, "press")))
	require.NoError(t, r.BufferMeasurement("sock-1", measurement("sensor-1", "button", 110, "release")))
	require.NoError(t, r.BufferMeasurement("sock-1", measurement("sensor-1", "temperature", 100, "")))
	require.NoError(t, r.BufferMeasurement("sock-1", measurement("sensor-2", "humidity", 120, "")))

	r.FlushAll(context.Background())

	require.Eventually(t, func() bool { return out.count() == 1 }, time.Second, 5*time.Millisecond)

	evt, err := messaging.Decode[messaging.LensBatchEvent](out.at(0).Data)
	require.NoError(t, err)
	assert.Equal(t, messaging.KindLensBatch, evt.Kind)
	assert.Equal(t, models.SocketID("sock-1"), evt.SocketID)
	require.Len(t, evt.Batch, 2)
	require.Len(t, evt.Batch["sensor-1"]["button"], 2)
	assert.Equal(t, "press", evt.Batch["sensor-1"]["button"][0].Event)
	assert.Equal(t, "release", evt.Batch["sensor-1"]["button"][1].Event)
	require.Len(t, evt.Batch["sensor-1"]["temperature"], 1)
	require.Len(t, evt.Batch["sensor-2"]["humidity"], 1)

	st, err := r.GetSocketState("sock-1")
	require.NoError(t, err)
	assert.Zero(t, st.Pending)

	// Nothing pending: another flush publishes nothing.
	r.FlushAll(context.Background())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, out.count())
}

func TestRegistry_FeedsFromSensorSubjects(t *testing.T) {
	r, bus := newTestRegistry(t)
	_, err := r.RegisterSocket("sock-1", []models.SensorID{"sensor-1"}, models.QualityLow)
	require.NoError(t, err)

	data, err := messaging.Encode(messaging.NewMeasurementEvent(measurement("sensor-1", "temperature", 100, "")))
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), messaging.SensorSubject("sensor-1"), data))

	require.Eventually(t, func() bool {
		st, err := r.GetSocketState("sock-1")
		return err == nil && st.Pending == 1
	}, time.Second, 5*time.Millisecond)

	// Batches fan out into individual buffer entries.
	batch, err := messaging.Encode(messaging.NewBatchEvent("sensor-1", []models.Measurement{
		measurement("sensor-1", "button", 200, "press"),
		measurement("sensor-1", "button", 210, "release"),
	}))
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), messaging.SensorSubject("sensor-1"), batch))

	require.Eventually(t, func() bool {
		st, err := r.GetSocketState("sock-1")
		return err == nil && st.Pending == 3
	}, time.Second, 5*time.Millisecond)
}

func TestRegistry_TimerFlushesOnQualityCadence(t *testing.T) {
	r, bus := newTestRegistry(t)
	subject, err := r.RegisterSocket("sock-1", nil, models.QualityHigh)
	require.NoError(t, err)

	out := &collector{}
	_, err = bus.Subscribe(subject, out.handle)
	require.NoError(t, err)

	require.NoError(t, r.BufferMeasurement("sock-1", measurement("sensor-1", "temperature", 100, "")))

	// The high quality cadence is 50ms; the timer must deliver without an
	// explicit flush call.
	require.Eventually(t, func() bool { return out.count() >= 1 }, time.Second, 5*time.Millisecond)
}

func TestRegistry_UnregisterFlushesPending(t *testing.T) {
	r, bus := newTestRegistry(t)
	subject, err := r.RegisterSocket("sock-1", nil, models.QualityLow)
	require.NoError(t, err)

	out := &collector{}
	_, err = bus.Subscribe(subject, out.handle)
	require.NoError(t, err)

	require.NoError(t, r.BufferMeasurement("sock-1", measurement("sensor-1", "temperature", 100, "")))
	require.NoError(t, r.UnregisterSocket(context.Background(), "sock-1"))

	require.Eventually(t, func() bool { return out.count() == 1 }, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, r.BufferMeasurement("sock-1", measurement("sensor-1", "temperature", 200, "")), ErrUnknownSocket)
}

func TestRegistry_LoadDropToNormalFlushes(t *testing.T) {
	r, bus := newTestRegistry(t)
	sub, err := r.SubscribeLoad(bus)
	require.NoError(t, err)
	t.Cleanup(func() { sub.Unsubscribe() })

	subject, err := r.RegisterSocket("sock-1", nil, models.QualityLow)
	require.NoError(t, err)

	out := &collector{}
	_, err = bus.Subscribe(subject, out.handle)
	require.NoError(t, err)

	require.NoError(t, r.BufferMeasurement("sock-1", measurement("sensor-1", "temperature", 100, "")))

	data, err := messaging.Encode(messaging.LevelChangedEvent{
		Kind:  messaging.KindLevelChanged,
		Level: models.LoadNormal,
	})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), messaging.SubjectSystemLoad, data))

	// The low quality cadence is 1s; the transition must beat it.
	require.Eventually(t, func() bool { return out.count() == 1 }, 500*time.Millisecond, 5*time.Millisecond)
}

func TestRegistry_IntervalScalesWithLoadMultiplier(t *testing.T) {
	bus := membus.New()
	t.Cleanup(func() { bus.Close() })

	load := &stubLoad{level: models.LoadHigh, mult: 3.0}
	r := NewRegistry(testLensConfig(), bus, bus, load, logging.Default())
	t.Cleanup(func() { r.Close(context.Background()) })

	assert.Equal(t, 750*time.Millisecond, r.interval(models.QualityMedium))
	assert.Equal(t, 150*time.Millisecond, r.interval(models.QualityHigh))

	load.mult = 1.0
	assert.Equal(t, 250*time.Millisecond, r.interval(models.QualityMedium))
}
