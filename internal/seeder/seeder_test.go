package seeder

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsehub-systems/pulsehub-core/internal/logging"
	"github.com/pulsehub-systems/pulsehub-core/internal/messaging/membus"
	"github.com/pulsehub-systems/pulsehub-core/internal/sensor"
	"github.com/pulsehub-systems/pulsehub-core/internal/store"
)

func TestRunner_SeedsFleetIntoStore(t *testing.T) {
	bus := membus.New()
	t.Cleanup(func() { bus.Close() })

	st := store.New(store.Limits{Hot: 100, Warm: 100})
	manager := sensor.NewManager(sensor.ManagerOptions{
		Store:     st,
		Publisher: bus,
		Logger:    logging.Default(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	manager.Start(ctx)
	t.Cleanup(func() { manager.Stop(context.Background()) })

	r := NewRunner(Options{
		Sensors:         2,
		IMUInterval:     5 * time.Millisecond,
		GeoInterval:     10 * time.Millisecond,
		BatteryInterval: 20 * time.Millisecond,
	}, manager, nil, logging.Default())

	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	// Let the fleet emit for a while, then stop it.
	require.Eventually(t, func() bool {
		for _, id := range manager.ActiveSensors() {
			if len(st.Get(id, "imu", 0, 0, 0)) > 0 && len(st.Get(id, "geolocation", 0, 0, 0)) > 0 {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	sensors := manager.ActiveSensors()
	assert.Len(t, sensors, 2)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("seeder did not stop on cancel")
	}
}

func TestJittered(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 50; i++ {
		d := jittered(rand.New(rand.NewSource(int64(i))), base)
		assert.Greater(t, d, time.Duration(0))
		assert.InDelta(t, float64(base), float64(d), float64(base)*0.25)
	}
}
