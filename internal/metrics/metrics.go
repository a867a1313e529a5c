// Package metrics defines Prometheus instrumentation for the pulsehub core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion metrics
	MeasurementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsehub_measurements_total",
			Help: "Total number of measurements ingested",
		},
		[]string{"class", "outcome"},
	)

	MalformedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulsehub_measurements_malformed_total",
			Help: "Total number of measurements rejected at the boundary",
		},
	)

	// Broadcast metrics
	BroadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsehub_broadcasts_total",
			Help: "Total number of broadcasts by topic kind",
		},
		[]string{"topic"},
	)

	BufferFlushSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pulsehub_buffer_flush_size",
			Help:    "Number of measurements per flushed batch",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
		},
	)

	// Load monitor metrics
	LoadLevel = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulsehub_load_level",
			Help: "Current load level (0=normal 1=elevated 2=high 3=critical)",
		},
	)

	LoadScore = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulsehub_load_score",
			Help: "Current composite load score in [0,1]",
		},
	)

	MemoryPressure = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulsehub_memory_pressure",
			Help: "Current normalized memory pressure in [0,1]",
		},
	)

	// Tiered store metrics
	StoreEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pulsehub_store_entries",
			Help: "Current number of retained measurements by tier",
		},
		[]string{"tier"},
	)

	// Attention metrics
	AttentionEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulsehub_attention_entries",
			Help: "Current number of (sensor, attribute) attention entries",
		},
	)

	TrackerRestarts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulsehub_attention_tracker_restarts_total",
			Help: "Total number of attention tracker restarts",
		},
	)

	// Lens metrics
	LensFlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pulsehub_lens_flush_duration_seconds",
			Help:    "Duration of lens flush operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	LensSockets = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulsehub_lens_sockets",
			Help: "Current number of registered lens sockets",
		},
	)
)
