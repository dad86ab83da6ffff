// Package sensor contains the data model shared by drivers, the monitoring core and storage
package sensor

import (
	"time"
)

// Type identifies a sensor kind and selects the driver that talks to it
type Type string

// Config describes one sensor: its identity, its kind and the parameters its driver is built from.
// A Config is never mutated once persisted; updates replace the whole record.
type Config struct {
	ID         string                 `json:"id" yaml:"id"`
	Type       Type                   `json:"type" yaml:"type"`
	Parameters map[string]interface{} `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Clone returns a copy of the config with its own parameter map
func (c Config) Clone() Config {
	out := Config{ID: c.ID, Type: c.Type}
	if c.Parameters != nil {
		out.Parameters = make(map[string]interface{}, len(c.Parameters))
		for k, v := range c.Parameters {
			out.Parameters[k] = v
		}
	}
	return out
}

// Reading is one timestamped measurement set emitted by a running sensor
type Reading struct {
	SensorID  string             `json:"sensorId"`
	Timestamp time.Time          `json:"timestamp"`
	Values    map[string]float64 `json:"values"`
}

// State is the lifecycle state of a sensor instance
type State int

const (
	// StateCreated means the driver is built but has never been connected
	StateCreated State = iota
	// StateRunning means the driver is connected and readings are accepted downstream
	StateRunning
	// StateStopped means the driver is disconnected; the sensor can be started again
	StateStopped
	// StateRemoved is terminal
	StateRemoved
)

// String returns the lowercase state name used in API responses
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
