package api

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"sensormon/internal/monitor"
	"sensormon/internal/sensor"
)

const (
	liveBuffer     = 8
	liveWriteWait  = 10 * time.Second
	livePingPeriod = 30 * time.Second
)

// LiveHub fans persisted readings out to websocket subscribers
type LiveHub struct {
	mu   sync.RWMutex
	subs map[string]map[chan sensor.Reading]struct{}
}

// NewLiveHub creates an empty hub
func NewLiveHub() *LiveHub {
	return &LiveHub{subs: make(map[string]map[chan sensor.Reading]struct{})}
}

// Publish delivers r to every subscriber of its sensor without blocking.
// A subscriber that falls behind loses its oldest buffered reading.
func (h *LiveHub) Publish(r sensor.Reading) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.subs[r.SensorID] {
		select {
		case ch <- r:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- r:
			default:
			}
		}
	}
}

// Subscribe registers a subscriber for one sensor. The returned function unsubscribes.
func (h *LiveHub) Subscribe(sensorID string) (<-chan sensor.Reading, func()) {
	ch := make(chan sensor.Reading, liveBuffer)

	h.mu.Lock()
	if h.subs[sensorID] == nil {
		h.subs[sensorID] = make(map[chan sensor.Reading]struct{})
	}
	h.subs[sensorID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[sensorID], ch)
			if len(h.subs[sensorID]) == 0 {
				delete(h.subs, sensorID)
			}
			h.mu.Unlock()
		})
	}
}

// Subscribers returns the number of subscribers of a sensor
func (h *LiveHub) Subscribers(sensorID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sensorID])
}

// LiveHandler streams readings over websocket
type LiveHandler struct {
	service  *monitor.Service
	hub      *LiveHub
	logger   *log.Logger
	upgrader websocket.Upgrader
}

// NewLiveHandler creates new live stream handler
func NewLiveHandler(service *monitor.Service, hub *LiveHub, logger *log.Logger) *LiveHandler {
	return &LiveHandler{
		service: service,
		hub:     hub,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Stream handles GET /api/sensors/{id}/live
func (h *LiveHandler) Stream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.service.GetSensor(id); err != nil {
		writeError(w, err)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logf("WebSocket upgrade failed: %v", err)
		return
	}
	defer ws.Close()

	readings, unsubscribe := h.hub.Subscribe(id)
	defer unsubscribe()

	// Read side only detects the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logf("Live stream of %s closed: %v", id, err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(livePingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case reading := <-readings:
			ws.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := ws.WriteJSON(reading); err != nil {
				return
			}
		case <-ping.C:
			ws.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *LiveHandler) logf(format string, v ...interface{}) {
	if h.logger != nil {
		h.logger.Printf("[live] "+format, v...)
	}
}
