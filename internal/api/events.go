package api

import (
	"net/http"
	"strconv"

	"sensormon/internal/events"
)

// EventsHandler handles event log endpoints
type EventsHandler struct {
	store *events.Store
}

// NewEventsHandler creates new events handler
func NewEventsHandler(store *events.Store) *EventsHandler {
	return &EventsHandler{store: store}
}

// List returns events from the store
// GET /api/events?limit=50&since=123&sensor=abc
func (h *EventsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	// Check for since parameter (get events after ID)
	if sinceStr := q.Get("since"); sinceStr != "" {
		sinceID, err := strconv.ParseInt(sinceStr, 10, 64)
		if err == nil {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"events": h.store.GetSince(sinceID),
				"lastId": h.store.LastID(),
			})
			return
		}
	}

	// Check for limit parameter
	limit := 50 // default
	if limitStr := q.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	var eventList []events.Event
	if sensorID := q.Get("sensor"); sensorID != "" {
		eventList = h.store.ForSensor(sensorID, limit)
	} else {
		eventList = h.store.GetLast(limit)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": eventList,
		"lastId": h.store.LastID(),
	})
}
