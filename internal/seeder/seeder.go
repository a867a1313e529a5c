// Package seeder drives the ingestion path with a fake sensor fleet. Each
// seeded sensor emits profiled attribute streams: a fast imu vector, a
// slow geolocation fix, an occasional battery report and random bursts of
// button press/release pairs.
package seeder

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"

	"github.com/pulsehub-systems/pulsehub-core/internal/attention"
	"github.com/pulsehub-systems/pulsehub-core/internal/logging"
	"github.com/pulsehub-systems/pulsehub-core/internal/models"
	"github.com/pulsehub-systems/pulsehub-core/internal/sensor"
)

// Options configures a seeding run.
type Options struct {
	// Sensors is the fleet size.
	Sensors int

	// IMUInterval is the cadence of the imu stream.
	IMUInterval time.Duration

	// GeoInterval is the cadence of the geolocation stream.
	GeoInterval time.Duration

	// BatteryInterval is the cadence of battery reports.
	BatteryInterval time.Duration

	// ButtonChance is the per-imu-tick probability of a press/release burst.
	ButtonChance float64

	// Viewers, when non-zero, registers that many fake viewers spread
	// across the fleet so the attention path is exercised too.
	Viewers int
}

// DefaultOptions returns a small fleet suitable for local runs.
func DefaultOptions() Options {
	return Options{
		Sensors:         5,
		IMUInterval:     20 * time.Millisecond,
		GeoInterval:     time.Second,
		BatteryInterval: 10 * time.Second,
		ButtonChance:    0.01,
		Viewers:         2,
	}
}

// Runner seeds measurements into the actor manager.
type Runner struct {
	opts    Options
	manager *sensor.Manager
	tracker *attention.Tracker
	log     *logging.Logger
}

// NewRunner creates a seeder. tracker may be nil to skip viewer seeding.
func NewRunner(opts Options, manager *sensor.Manager, tracker *attention.Tracker, log *logging.Logger) *Runner {
	if log == nil {
		log = logging.Default()
	}
	if opts.Sensors <= 0 {
		opts.Sensors = 1
	}
	if opts.IMUInterval <= 0 {
		opts.IMUInterval = 20 * time.Millisecond
	}
	if opts.GeoInterval <= 0 {
		opts.GeoInterval = time.Second
	}
	if opts.BatteryInterval <= 0 {
		opts.BatteryInterval = 10 * time.Second
	}
	return &Runner{
		opts:    opts,
		manager: manager,
		tracker: tracker,
		log:     log.With(logging.Component("seeder")),
	}
}

// Run seeds until ctx is cancelled. Blocks.
func (r *Runner) Run(ctx context.Context) {
	gofakeit.Seed(time.Now().UnixNano())

	sensors := make([]models.SensorID, r.opts.Sensors)
	for i := range sensors {
		sensors[i] = "seed-" + uuid.NewString()[:8]
	}

	r.log.Info("seeding fleet",
		logging.Count(len(sensors)),
		"imu_interval", r.opts.IMUInterval,
		"viewers", r.opts.Viewers)

	if r.tracker != nil {
		for i := 0; i < r.opts.Viewers; i++ {
			user := gofakeit.Username()
			target := sensors[i%len(sensors)]
			r.tracker.RegisterView(ctx, target, "imu", user)
			if i%2 == 0 {
				r.tracker.RegisterFocus(ctx, target, "geolocation", user)
			}
		}
	}

	var wg sync.WaitGroup
	for _, id := range sensors {
		wg.Add(1)
		go func(id models.SensorID) {
			defer wg.Done()
			r.seedSensor(ctx, id)
		}(id)
	}
	wg.Wait()
}

// seedSensor runs one sensor's streams until ctx is cancelled.
func (r *Runner) seedSensor(ctx context.Context, id models.SensorID) {
	a := r.manager.Ensure(id)

	meta := []models.AttributeMetadata{
		{AttributeID: "imu", Type: "vector", SamplingRate: 1 / r.opts.IMUInterval.Seconds()},
		{AttributeID: "geolocation", Type: "geo", SamplingRate: 1 / r.opts.GeoInterval.Seconds()},
		{AttributeID: "battery", Type: "percent"},
		{AttributeID: "button", Type: "event"},
	}
	for _, m := range meta {
		if err := a.RegisterAttribute(ctx, m); err != nil {
			r.log.Warn("register attribute", logging.Sensor(id), logging.Attribute(m.AttributeID), logging.Err(err))
			return
		}
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(len(id))))
	imu := time.NewTicker(jittered(rng, r.opts.IMUInterval))
	geo := time.NewTicker(jittered(rng, r.opts.GeoInterval))
	battery := time.NewTicker(jittered(rng, r.opts.BatteryInterval))
	defer imu.Stop()
	defer geo.Stop()
	defer battery.Stop()

	lat, lon := gofakeit.Latitude(), gofakeit.Longitude()
	charge := 60 + rng.Float64()*40

	for {
		select {
		case <-ctx.Done():
			return

		case <-imu.C:
			r.put(ctx, a, models.Measurement{
				SensorID:    id,
				AttributeID: "imu",
				Payload: map[string]float64{
					"x": rng.NormFloat64(),
					"y": rng.NormFloat64(),
					"z": 9.81 + rng.NormFloat64()*0.1,
				},
				Timestamp: now(),
			})
			if rng.Float64() < r.opts.ButtonChance {
				r.pressButton(ctx, a, id, rng)
			}

		case <-geo.C:
			lat += (rng.Float64() - 0.5) * 1e-4
			lon += (rng.Float64() - 0.5) * 1e-4
			r.put(ctx, a, models.Measurement{
				SensorID:    id,
				AttributeID: "geolocation",
				Payload:     map[string]float64{"lat": lat, "lon": lon},
				Timestamp:   now(),
			})

		case <-battery.C:
			charge -= rng.Float64() * 0.5
			if charge < 0 {
				charge = 100
			}
			r.put(ctx, a, models.Measurement{
				SensorID:    id,
				AttributeID: "battery",
				Payload:     charge,
				Timestamp:   now(),
			})
		}
	}
}

// pressButton emits a press immediately followed by a release, the pattern
// the lens must keep both halves of.
func (r *Runner) pressButton(ctx context.Context, a *sensor.Actor, id models.SensorID, rng *rand.Rand) {
	ts := now()
	r.put(ctx, a, models.Measurement{
		SensorID:    id,
		AttributeID: "button",
		Payload:     map[string]float64{"x": rng.Float64(), "y": rng.Float64()},
		Timestamp:   ts,
		Event:       "press",
	})
	r.put(ctx, a, models.Measurement{
		SensorID:    id,
		AttributeID: "button",
		Payload:     nil,
		Timestamp:   ts + 1 + rng.Int63n(150),
		Event:       "release",
	})
}

func (r *Runner) put(ctx context.Context, a *sensor.Actor, m models.Measurement) {
	if err := a.PutAttribute(ctx, m); err != nil && ctx.Err() == nil {
		r.log.Warn("seed put", logging.Sensor(m.SensorID), logging.Attribute(m.AttributeID), logging.Err(err))
	}
}

// jittered spreads tickers so the fleet does not beat in lockstep.
func jittered(rng *rand.Rand, base time.Duration) time.Duration {
	jitter := time.Duration((rng.Float64()*0.4 - 0.2) * float64(base))
	d := base + jitter
	if d <= 0 {
		d = base
	}
	return d
}

func now() int64 {
	return time.Now().UnixMilli()
}
