package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sensormon/internal/events"
	"sensormon/internal/monitor"
)

// requestTimeout bounds every non-streaming request
const requestTimeout = 60 * time.Second

// Server represents the API server
type Server struct {
	router     *chi.Mux
	service    *monitor.Service
	eventStore *events.Store
	hub        *LiveHub
	gatherer   prometheus.Gatherer
	limiter    *ControlLimiter
	logger     *log.Logger
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithControlLimiter rate limits the mutating sensor endpoints
func WithControlLimiter(l *ControlLimiter) ServerOption {
	return func(s *Server) {
		s.limiter = l
	}
}

// NewServer creates new API server. gatherer may be nil to disable /metrics.
func NewServer(service *monitor.Service, eventStore *events.Store, hub *LiveHub, gatherer prometheus.Gatherer, logger *log.Logger, opts ...ServerOption) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		service:    service,
		eventStore: eventStore,
		hub:        hub,
		gatherer:   gatherer,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	r := s.router

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Create handlers
	sensorHandler := NewSensorHandler(s.service)
	eventsHandler := NewEventsHandler(s.eventStore)
	liveHandler := NewLiveHandler(s.service, s.hub, s.logger)

	r.Get("/healthz", s.health)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	// Websocket routes are long-lived and skip the request timeout
	r.Get("/api/sensors/{id}/live", liveHandler.Stream)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))

		// Events
		r.Get("/api/events", eventsHandler.List)

		// Sensors
		r.Get("/api/sensors", sensorHandler.List)
		r.Get("/api/sensors/types", sensorHandler.Types)
		r.Get("/api/sensors/{id}", sensorHandler.Get)
		r.Get("/api/sensors/{id}/history", sensorHandler.History)

		// Provisioning and lifecycle
		r.Group(func(r chi.Router) {
			if s.limiter != nil {
				r.Use(s.limiter.Middleware)
			}
			r.Post("/api/sensors", sensorHandler.Create)
			r.Put("/api/sensors/{id}", sensorHandler.Update)
			r.Delete("/api/sensors/{id}", sensorHandler.Delete)
			r.Post("/api/sensors/{id}/start", sensorHandler.Start)
			r.Post("/api/sensors/{id}/stop", sensorHandler.Stop)
		})
	})
}

// health handles GET /healthz
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"registered": s.service.Registry().Count(),
		"running":    len(s.service.Registry().Running()),
	})
}

// Router returns the chi router
func (s *Server) Router() *chi.Mux {
	return s.router
}

// writeJSON writes JSON response
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
