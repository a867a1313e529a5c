// Package server exposes the pulsehub admin read API: health, metrics and
// state inspection for the store, load monitor, attention tracker and lens
// registry.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/pulsehub-systems/pulsehub-core/internal/attention"
	"github.com/pulsehub-systems/pulsehub-core/internal/lens"
	"github.com/pulsehub-systems/pulsehub-core/internal/load"
	"github.com/pulsehub-systems/pulsehub-core/internal/logging"
	"github.com/pulsehub-systems/pulsehub-core/internal/models"
	"github.com/pulsehub-systems/pulsehub-core/internal/sensor"
	"github.com/pulsehub-systems/pulsehub-core/internal/store"
)

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Handler wires HTTP routes to the pulsehub core components.
type Handler struct {
	manager *sensor.Manager
	store   *store.Tiered
	monitor *load.Monitor
	tracker *attention.Tracker
	lenses  *lens.Registry
	log     *logging.Logger
}

// New creates a Handler instance.
func New(manager *sensor.Manager, st *store.Tiered, monitor *load.Monitor, tracker *attention.Tracker, lenses *lens.Registry, log *logging.Logger) *Handler {
	if log == nil {
		log = logging.Default()
	}
	return &Handler{
		manager: manager,
		store:   st,
		monitor: monitor,
		tracker: tracker,
		lenses:  lenses,
		log:     log.With(logging.Component("server")),
	}
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.methodNotAllowed(w, http.MethodGet)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Sensors handles GET /api/v1/sensors.
func (h *Handler) Sensors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.methodNotAllowed(w, http.MethodGet)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"sensors": h.manager.ActiveSensors(),
	})
}

// SensorByID handles GET /api/v1/sensors/{sensorId} and
// GET /api/v1/sensors/{sensorId}/attributes/{attributeId}.
func (h *Handler) SensorByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.methodNotAllowed(w, http.MethodGet)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/sensors/")
	if rest == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_sensor_id", "sensor id must be provided")
		return
	}

	if sensorID, attr, ok := strings.Cut(rest, "/attributes/"); ok {
		h.getAttribute(w, r, sensorID, attr)
		return
	}
	if strings.ContainsRune(rest, '/') {
		h.writeError(w, http.StatusNotFound, "not_found", "unknown sensor resource")
		return
	}
	h.getSensorState(w, r, rest)
}

func (h *Handler) getSensorState(w http.ResponseWriter, r *http.Request, sensorID models.SensorID) {
	a, ok := h.manager.Lookup(sensorID)
	if !ok {
		h.writeError(w, http.StatusNotFound, "sensor_not_found", "no live actor for sensor")
		return
	}
	limit := queryInt(r, "limit", 0)
	var (
		st  sensor.State
		err error
	)
	if r.URL.Query().Get("view") == "true" {
		st, err = a.GetViewState(r.Context(), limit)
	} else {
		st, err = a.GetState(r.Context(), limit)
	}
	if err != nil {
		if errors.Is(err, sensor.ErrStopped) {
			h.writeError(w, http.StatusNotFound, "sensor_not_found", "no live actor for sensor")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "state_unavailable", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

func (h *Handler) getAttribute(w http.ResponseWriter, r *http.Request, sensorID models.SensorID, attr models.AttributeID) {
	if attr == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_attribute_id", "attribute id must be provided")
		return
	}
	start := queryInt64(r, "start", 0)
	end := queryInt64(r, "end", 0)
	limit := queryInt(r, "limit", 0)

	// Reads go straight to the store; a missing pair is an empty result,
	// not an error.
	measurements := h.store.Get(sensorID, attr, start, end, limit)
	h.writeJSON(w, http.StatusOK, map[string]any{
		"sensor_id":    sensorID,
		"attribute_id": attr,
		"measurements": measurements,
	})
}

// Load handles GET /api/v1/load.
func (h *Handler) Load(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.methodNotAllowed(w, http.MethodGet)
		return
	}
	h.writeJSON(w, http.StatusOK, h.monitor.Metrics())
}

// AttentionBySensor handles GET /api/v1/attention/{sensorId}. With an
// ?attr= query parameter it returns the pair level instead of the sensor
// aggregate.
func (h *Handler) AttentionBySensor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.methodNotAllowed(w, http.MethodGet)
		return
	}
	sensorID := strings.TrimPrefix(r.URL.Path, "/api/v1/attention/")
	if sensorID == "" || strings.ContainsRune(sensorID, '/') {
		h.writeError(w, http.StatusBadRequest, "invalid_sensor_id", "sensor id must be provided")
		return
	}

	resp := map[string]any{
		"sensor_id":     sensorID,
		"restart_count": h.tracker.RestartCount(),
		"in_recovery":   h.tracker.InRecovery(),
	}
	if attr := r.URL.Query().Get("attr"); attr != "" {
		resp["attribute_id"] = attr
		resp["level"] = h.tracker.GetAttentionLevel(r.Context(), sensorID, attr)
	} else {
		resp["level"] = h.tracker.GetSensorAttentionLevel(r.Context(), sensorID)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// SocketByID handles GET /api/v1/sockets/{socketId}.
func (h *Handler) SocketByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.methodNotAllowed(w, http.MethodGet)
		return
	}
	socketID := strings.TrimPrefix(r.URL.Path, "/api/v1/sockets/")
	if socketID == "" || strings.ContainsRune(socketID, '/') {
		h.writeError(w, http.StatusBadRequest, "invalid_socket_id", "socket id must be provided")
		return
	}
	st, err := h.lenses.GetSocketState(socketID)
	if err != nil {
		if errors.Is(err, lens.ErrUnknownSocket) {
			h.writeError(w, http.StatusNotFound, "socket_not_found", "no lens for socket")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "socket_unavailable", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Code: code, Message: message})
}

func (h *Handler) methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method is not allowed")
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func queryInt64(r *http.Request, key string, def int64) int64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}
