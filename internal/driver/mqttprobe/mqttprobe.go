// Package mqttprobe receives readings from remote probes that publish JSON over MQTT
package mqttprobe

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"sensormon/internal/driver"
	"sensormon/internal/mqtt"
	"sensormon/internal/sensor"
)

// Type is the sensor type served by this driver
const Type sensor.Type = "mqtt"

// Descriptor returns the static metadata of the MQTT probe
func Descriptor() sensor.Descriptor {
	return sensor.Descriptor{
		Type:        Type,
		Name:        "MQTT probe",
		Description: `Remote probe publishing {"timestamp": RFC3339, "values": {...}} or a flat JSON object of numbers`,
		Channels:    []string{"<payload keys>"},
		Parameters: []sensor.ParameterSpec{
			{Name: "topic", Kind: sensor.KindString, Required: true, Description: "Topic the probe publishes on"},
			{Name: "qos", Kind: sensor.KindNumber, Default: 0.0, Description: "Subscription QoS (0-2)"},
		},
	}
}

// Subscriber is the part of the MQTT client the probe needs
type Subscriber interface {
	Connect() error
	IsConnected() bool
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Probe turns MQTT messages of one topic into readings
type Probe struct {
	driver.Stream

	mu     sync.Mutex
	id     string
	topic  string
	qos    byte
	client Subscriber
	logger *log.Logger

	tsMu   sync.Mutex
	lastTS time.Time
}

// Builder returns a driver.BuildFunc that subscribes through client
func Builder(client Subscriber, logger *log.Logger) driver.BuildFunc {
	return func(cfg sensor.Config) (driver.Driver, error) {
		if client == nil {
			return nil, fmt.Errorf("MQTT is not configured")
		}

		topic := cfg.StringParam("topic", "")
		if topic == "" {
			return nil, fmt.Errorf("topic is required")
		}

		qos := cfg.NumberParam("qos", 0)
		if qos < 0 || qos > 2 {
			return nil, fmt.Errorf("qos must be 0, 1 or 2")
		}

		return &Probe{
			id:     cfg.ID,
			topic:  topic,
			qos:    byte(qos),
			client: client,
			logger: logger,
		}, nil
	}
}

// Connect implements driver.Driver
func (p *Probe) Connect(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Active() {
		return true
	}
	if ctx.Err() != nil {
		return false
	}

	if !p.client.IsConnected() {
		if err := p.client.Connect(); err != nil {
			p.logf("Broker unreachable: %v", err)
			return false
		}
	}

	// Open before subscribing so the first message has somewhere to go
	p.Open()
	if err := p.client.Subscribe(p.topic, p.qos, p.handle); err != nil {
		p.logf("Subscribe failed: %v", err)
		p.Close()
		return false
	}
	return true
}

// Disconnect implements driver.Driver
func (p *Probe) Disconnect(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.Active() {
		return true
	}

	// Close first so a handler blocked in Emit cannot stall the client while unsubscribing
	p.Close()
	if err := p.client.Unsubscribe(p.topic); err != nil {
		p.logf("Unsubscribe failed: %v", err)
		return false
	}
	return true
}

// handle is called by the MQTT client for every message on the topic
func (p *Probe) handle(_ string, payload []byte) {
	r, err := Decode(payload, time.Now())
	if err != nil {
		p.logf("Dropping malformed payload: %v", err)
		return
	}
	r.SensorID = p.id

	p.tsMu.Lock()
	if r.Timestamp.Before(p.lastTS) {
		p.tsMu.Unlock()
		return
	}
	p.lastTS = r.Timestamp
	p.tsMu.Unlock()

	p.Emit(r)
}

func (p *Probe) logf(format string, v ...interface{}) {
	if p.logger != nil {
		p.logger.Printf("[mqttprobe %s] "+format, append([]interface{}{p.id}, v...)...)
	}
}

type envelope struct {
	Timestamp *time.Time         `json:"timestamp"`
	Values    map[string]float64 `json:"values"`
}

// Decode parses a probe payload. now is used when the payload carries no timestamp.
func Decode(payload []byte, now time.Time) (sensor.Reading, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err == nil && len(env.Values) > 0 {
		ts := now
		if env.Timestamp != nil {
			ts = *env.Timestamp
		}
		return sensor.Reading{Timestamp: ts, Values: env.Values}, nil
	}

	var flat map[string]interface{}
	if err := json.Unmarshal(payload, &flat); err != nil {
		return sensor.Reading{}, fmt.Errorf("invalid JSON: %w", err)
	}

	values := make(map[string]float64, len(flat))
	for k, v := range flat {
		if f, ok := v.(float64); ok {
			values[k] = f
		}
	}
	if len(values) == 0 {
		return sensor.Reading{}, fmt.Errorf("payload has no numeric values")
	}
	return sensor.Reading{Timestamp: now, Values: values}, nil
}
