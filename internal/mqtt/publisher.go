package mqtt

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"sensormon/internal/sensor"
)

// Transport is the subset of Client used for publishing
type Transport interface {
	Publish(topic string, payload interface{}) error
	PublishRaw(topic string, payload interface{}, retained bool) error
	IsConnected() bool
	GetConfig() Config
}

// statePayload is the JSON published on sensor/<id>/state
type statePayload struct {
	Timestamp time.Time          `json:"timestamp"`
	Values    map[string]float64 `json:"values"`
}

// Publisher exports accepted readings and sensor availability over MQTT
type Publisher struct {
	client Transport
	logger *log.Logger

	// Cache of sanitized sensor IDs
	sensorIDCache   map[string]string
	sensorIDCacheMu sync.RWMutex
}

// NewPublisher creates a new Publisher instance
func NewPublisher(client Transport, logger *log.Logger) *Publisher {
	return &Publisher{
		client:        client,
		logger:        logger,
		sensorIDCache: make(map[string]string),
	}
}

// StateTopic returns the (unprefixed) state topic of a sensor
func (p *Publisher) StateTopic(sensorID string) string {
	return "sensor/" + p.getSanitizedID(sensorID) + "/state"
}

// AvailabilityTopic returns the (unprefixed) availability topic of a sensor
func (p *Publisher) AvailabilityTopic(sensorID string) string {
	return "sensor/" + p.getSanitizedID(sensorID) + "/availability"
}

// PublishReading publishes one accepted reading.
// It is skipped silently while the broker is unreachable.
func (p *Publisher) PublishReading(r sensor.Reading) error {
	if !p.client.IsConnected() {
		return nil
	}

	payload, err := json.Marshal(statePayload{Timestamp: r.Timestamp, Values: r.Values})
	if err != nil {
		if p.logger != nil {
			p.logger.Printf("[MQTT Publisher] Failed to marshal reading of %s: %v", r.SensorID, err)
		}
		return err
	}

	if err := p.client.Publish(p.StateTopic(r.SensorID), payload); err != nil {
		if p.logger != nil {
			p.logger.Printf("[MQTT Publisher] Failed to publish reading of %s: %v", r.SensorID, err)
		}
		return err
	}
	return nil
}

// PublishAvailability publishes "online" or "offline" for a sensor
func (p *Publisher) PublishAvailability(sensorID string, online bool) error {
	if !p.client.IsConnected() {
		return nil
	}

	state := "offline"
	if online {
		state = "online"
	}
	return p.client.Publish(p.AvailabilityTopic(sensorID), []byte(state))
}

// getSanitizedID returns cached sanitized sensor ID
func (p *Publisher) getSanitizedID(label string) string {
	p.sensorIDCacheMu.RLock()
	if id, ok := p.sensorIDCache[label]; ok {
		p.sensorIDCacheMu.RUnlock()
		return id
	}
	p.sensorIDCacheMu.RUnlock()

	id := SanitizeID(label)

	p.sensorIDCacheMu.Lock()
	p.sensorIDCache[label] = id
	p.sensorIDCacheMu.Unlock()

	return id
}

// SanitizeID creates a safe ID for MQTT topics: lowercase, with spaces, slashes,
// dots and the MQTT wildcards replaced by underscores
func SanitizeID(name string) string {
	b := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'A' && c <= 'Z':
			b[i] = c + ('a' - 'A')
		case c == ' ' || c == '/' || c == '.' || c == '+' || c == '#':
			b[i] = '_'
		default:
			b[i] = c
		}
	}
	return string(b)
}
