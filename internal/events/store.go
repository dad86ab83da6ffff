// Package events keeps a bounded in-memory log of sensor lifecycle events
package events

import (
	"sync"
	"time"
)

// EventType represents the type of lifecycle event
type EventType string

const (
	// Provisioning events
	EventSensorCreated EventType = "sensor_created"
	EventSensorUpdated EventType = "sensor_updated"
	EventSensorRemoved EventType = "sensor_removed"

	// Lifecycle events
	EventSensorStarted     EventType = "sensor_started"
	EventSensorStartFailed EventType = "sensor_start_failed"
	EventSensorStopped     EventType = "sensor_stopped"
	EventSensorStopFailed  EventType = "sensor_stop_failed"

	// Data plane events
	EventSinkWriteFailed EventType = "sink_write_failed"
	EventStreamEnded     EventType = "stream_ended"
)

// Event is one recorded lifecycle event
type Event struct {
	ID        int64     `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	SensorID  string    `json:"sensorId"`
	Success   bool      `json:"success"`
	Details   string    `json:"details,omitempty"`
}

// Store holds events in memory with a fixed capacity (ring buffer)
type Store struct {
	mu      sync.RWMutex
	events  []Event
	maxSize int
	nextID  int64
}

// NewStore creates a new event store with specified max capacity
func NewStore(maxSize int) *Store {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Store{
		events:  make([]Event, 0, maxSize),
		maxSize: maxSize,
	}
}

// Add records a new event. A nil store discards it.
func (s *Store) Add(eventType EventType, sensorID string, success bool, details string) {
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	event := Event{
		ID:        s.nextID,
		Type:      eventType,
		Timestamp: time.Now(),
		SensorID:  sensorID,
		Success:   success,
		Details:   details,
	}

	// Ring buffer: remove oldest if at max capacity
	if len(s.events) >= s.maxSize {
		s.events = s.events[1:]
	}
	s.events = append(s.events, event)
}

// GetLast returns the last N events (newest first)
func (s *Store) GetLast(n int) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n > len(s.events) {
		n = len(s.events)
	}

	result := make([]Event, n)
	for i := 0; i < n; i++ {
		result[i] = s.events[len(s.events)-1-i]
	}
	return result
}

// GetSince returns events newer than the given ID (newest first)
func (s *Store) GetSince(lastID int64) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []Event{}
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].ID <= lastID {
			break
		}
		result = append(result, s.events[i])
	}
	return result
}

// ForSensor returns up to n events of one sensor (newest first)
func (s *Store) ForSensor(sensorID string, n int) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []Event{}
	for i := len(s.events) - 1; i >= 0 && len(result) < n; i-- {
		if s.events[i].SensorID == sensorID {
			result = append(result, s.events[i])
		}
	}
	return result
}

// Count returns the number of retained events
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// LastID returns the ID of the most recent event
func (s *Store) LastID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextID
}
