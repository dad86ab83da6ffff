package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"sensormon/internal/monitor"
	"sensormon/internal/sensor"
)

// maxBodySize limits sensor request bodies
const maxBodySize = 64 << 10

// SensorHandler handles sensor endpoints
type SensorHandler struct {
	service *monitor.Service
}

// NewSensorHandler creates new sensor handler
func NewSensorHandler(service *monitor.Service) *SensorHandler {
	return &SensorHandler{service: service}
}

// CreateSensorRequest is the body of POST /api/sensors
type CreateSensorRequest struct {
	ID         string                 `json:"id,omitempty"`
	Type       sensor.Type            `json:"type"`
	Parameters map[string]interface{} `json:"parameters"`
}

// UpdateSensorRequest is the body of PUT /api/sensors/{id}
type UpdateSensorRequest struct {
	Parameters map[string]interface{} `json:"parameters"`
}

// List handles GET /api/sensors
func (h *SensorHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.SensorStatuses())
}

// Types handles GET /api/sensors/types
func (h *SensorHandler) Types(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.ListSensorTypes())
}

// Create handles POST /api/sensors
func (h *SensorHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateSensorRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Type == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "type is required"})
		return
	}

	cfg, err := h.service.CreateSensor(r.Context(), req.ID, req.Type, req.Parameters)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, cfg)
}

// Get handles GET /api/sensors/{id}
func (h *SensorHandler) Get(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.GetSensor(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// Update handles PUT /api/sensors/{id}
func (h *SensorHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req UpdateSensorRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	cfg, err := h.service.UpdateSensor(r.Context(), chi.URLParam(r, "id"), req.Parameters)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, cfg)
}

// Delete handles DELETE /api/sensors/{id}?purge=true
func (h *SensorHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	purge := r.URL.Query().Get("purge") == "true"

	if err := h.service.DeleteSensor(r.Context(), id, purge); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// History handles GET /api/sensors/{id}/history?dataSize=N
func (h *SensorHandler) History(w http.ResponseWriter, r *http.Request) {
	size := 0
	if sizeStr := r.URL.Query().Get("dataSize"); sizeStr != "" {
		n, err := strconv.Atoi(sizeStr)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "dataSize must be a non-negative integer"})
			return
		}
		size = n
	}

	readings, err := h.service.GetHistory(chi.URLParam(r, "id"), size)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, readings)
}

// Start handles POST /api/sensors/{id}/start
func (h *SensorHandler) Start(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ok, err := h.service.StartSensor(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"id":      id,
			"started": false,
			"error":   "sensor could not be started",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "started": true})
}

// Stop handles POST /api/sensors/{id}/stop
func (h *SensorHandler) Stop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ok, err := h.service.StopSensor(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"id":      id,
			"stopped": false,
			"error":   "sensor teardown failed; the sensor is stopped",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "stopped": true})
}

// decodeBody decodes a size-limited JSON body into v
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
