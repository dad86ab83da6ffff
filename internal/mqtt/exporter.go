package mqtt

import (
	"sync"

	"sensormon/internal/sensor"
)

// Exporter mirrors sensor activity to MQTT: availability on start and stop,
// every persisted reading on the state topic, and discovery on first sight.
type Exporter struct {
	publisher       *Publisher
	discovery       *DiscoveryManager // nil disables discovery
	publishReadings bool

	mu      sync.RWMutex
	configs map[string]sensor.Config
}

// NewExporter creates an Exporter
func NewExporter(publisher *Publisher, discovery *DiscoveryManager, publishReadings bool) *Exporter {
	return &Exporter{
		publisher:       publisher,
		discovery:       discovery,
		publishReadings: publishReadings,
		configs:         make(map[string]sensor.Config),
	}
}

// SensorStarted publishes "online" and remembers the config for discovery
func (e *Exporter) SensorStarted(cfg sensor.Config) {
	e.mu.Lock()
	e.configs[cfg.ID] = cfg
	e.mu.Unlock()

	e.publisher.PublishAvailability(cfg.ID, true)
}

// SensorStopped publishes "offline"
func (e *Exporter) SensorStopped(id string) {
	e.publisher.PublishAvailability(id, false)
}

// SensorRemoved forgets everything known about a sensor
func (e *Exporter) SensorRemoved(id string) {
	e.mu.Lock()
	delete(e.configs, id)
	e.mu.Unlock()

	if e.discovery != nil {
		e.discovery.Forget(id)
	}
}

// HandleReading exports one persisted reading
func (e *Exporter) HandleReading(r sensor.Reading) {
	if e.discovery != nil {
		e.mu.RLock()
		cfg, ok := e.configs[r.SensorID]
		e.mu.RUnlock()
		if ok {
			e.discovery.AnnounceReading(cfg, r)
		}
	}

	if e.publishReadings {
		e.publisher.PublishReading(r)
	}
}
