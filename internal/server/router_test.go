package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsehub-systems/pulsehub-core/internal/attention"
	"github.com/pulsehub-systems/pulsehub-core/internal/config"
	"github.com/pulsehub-systems/pulsehub-core/internal/lens"
	"github.com/pulsehub-systems/pulsehub-core/internal/load"
	"github.com/pulsehub-systems/pulsehub-core/internal/logging"
	"github.com/pulsehub-systems/pulsehub-core/internal/messaging/membus"
	"github.com/pulsehub-systems/pulsehub-core/internal/models"
	"github.com/pulsehub-systems/pulsehub-core/internal/sensor"
	"github.com/pulsehub-systems/pulsehub-core/internal/store"
)

type fixture struct {
	router  http.Handler
	manager *sensor.Manager
	tracker *attention.Tracker
	lenses  *lens.Registry
	store   *store.Tiered
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	bus := membus.New()
	t.Cleanup(func() { bus.Close() })

	log := logging.Default()
	st := store.New(store.Limits{Hot: 100, Warm: 100})

	tracker := attention.NewTracker(config.AttentionConfig{
		SweepInterval:  time.Minute,
		StaleAfter:     30 * time.Minute,
		RecoveryWindow: time.Minute,
	}, attention.NewRedisCache(client), bus, log)

	monitor := load.NewMonitor(config.LoadConfig{
		Interval:          time.Minute,
		SchedulerWeight:   0.35,
		MemoryWeight:      0.30,
		PubSubWeight:      0.20,
		QueueWeight:       0.15,
		ElevatedThreshold: 0.50,
		HighThreshold:     0.70,
		CriticalThreshold: 0.85,
	}, bus, log)

	manager := sensor.NewManager(sensor.ManagerOptions{
		Store:     st,
		Attention: tracker,
		Load:      monitor,
		Publisher: bus,
		Logger:    log,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	manager.Start(ctx)
	t.Cleanup(func() { manager.Stop(context.Background()) })

	lenses := lens.NewRegistry(config.LensConfig{
		LowQualityInterval:    time.Second,
		MediumQualityInterval: 250 * time.Millisecond,
		HighQualityInterval:   50 * time.Millisecond,
	}, bus, bus, monitor, log)
	t.Cleanup(func() { lenses.Close(context.Background()) })

	h := New(manager, st, monitor, tracker, lenses, log)
	return &fixture{
		router:  NewRouter(h),
		manager: manager,
		tracker: tracker,
		lenses:  lenses,
		store:   st,
	}
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v))
	return v
}

func TestRouter_Health(t *testing.T) {
	f := newFixture(t)

	rr := f.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))

	rr = f.get(t, "/readyz")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRouter_RequestIDPropagated(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	assert.Equal(t, "req-123", rr.Header().Get("X-Request-ID"))
}

func TestRouter_Metrics(t *testing.T) {
	f := newFixture(t)

	rr := f.get(t, "/metrics")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "pulsehub_")
}

func TestRouter_MethodNotAllowed(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/load", nil)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestRouter_Load(t *testing.T) {
	f := newFixture(t)

	rr := f.get(t, "/api/v1/load")
	require.Equal(t, http.StatusOK, rr.Code)

	snap := decodeBody[map[string]any](t, rr)
	assert.Contains(t, snap, "level")
	assert.Contains(t, snap, "multiplier")
}

func TestRouter_Sensors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.manager.Ensure("sensor-1")
	require.NoError(t, a.PutAttribute(ctx, models.Measurement{
		SensorID:    "sensor-1",
		AttributeID: "temperature",
		Payload:     21.5,
		Timestamp:   100,
	}))

	rr := f.get(t, "/api/v1/sensors")
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody[map[string][]string](t, rr)
	assert.Equal(t, []string{"sensor-1"}, body["sensors"])

	rr = f.get(t, "/api/v1/sensors/sensor-1")
	require.Equal(t, http.StatusOK, rr.Code)
	st := decodeBody[sensor.State](t, rr)
	assert.Equal(t, "sensor-1", st.SensorID)

	rr = f.get(t, "/api/v1/sensors/missing")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRouter_AttributeRead(t *testing.T) {
	f := newFixture(t)

	for ts := int64(100); ts <= 500; ts += 100 {
		f.store.Put("sensor-1", "temperature", ts, ts)
	}

	rr := f.get(t, "/api/v1/sensors/sensor-1/attributes/temperature?start=200&end=400")
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Measurements []models.Measurement `json:"measurements"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Measurements, 3)
	assert.Equal(t, int64(200), body.Measurements[0].Timestamp)

	// Missing pairs read as empty, never as an error.
	rr = f.get(t, "/api/v1/sensors/ghost/attributes/temperature")
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Empty(t, body.Measurements)
}

func TestRouter_Attention(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.tracker.RegisterFocus(ctx, "sensor-1", "temperature", "user-1")

	rr := f.get(t, "/api/v1/attention/sensor-1")
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody[map[string]any](t, rr)
	assert.Equal(t, "high", body["level"])

	rr = f.get(t, "/api/v1/attention/sensor-1?attr=temperature")
	require.Equal(t, http.StatusOK, rr.Code)
	body = decodeBody[map[string]any](t, rr)
	assert.Equal(t, "high", body["level"])

	rr = f.get(t, "/api/v1/attention/")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRouter_Sockets(t *testing.T) {
	f := newFixture(t)

	_, err := f.lenses.RegisterSocket("sock-1", []models.SensorID{"sensor-1"}, models.QualityMedium)
	require.NoError(t, err)

	rr := f.get(t, "/api/v1/sockets/sock-1")
	require.Equal(t, http.StatusOK, rr.Code)
	st := decodeBody[lens.SocketState](t, rr)
	assert.Equal(t, "socket.sock-1", st.Subject)

	rr = f.get(t, "/api/v1/sockets/ghost")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
