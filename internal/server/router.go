package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter constructs a ServeMux with the admin API routes registered.
func NewRouter(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/sensors", h.Sensors)
	mux.HandleFunc("/api/v1/sensors/", h.SensorByID)
	mux.HandleFunc("/api/v1/load", h.Load)
	mux.HandleFunc("/api/v1/attention/", h.AttentionBySensor)
	mux.HandleFunc("/api/v1/sockets/", h.SocketByID)

	// Health endpoints
	mux.HandleFunc("/healthz", h.Health)
	mux.HandleFunc("/readyz", h.Health)

	// Prometheus metrics
	mux.Handle("/metrics", promhttp.Handler())

	return withRequestID(mux)
}
