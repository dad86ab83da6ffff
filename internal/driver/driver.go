// Package driver defines the capability every sensor type implements and the
// type-keyed factory that builds drivers from persisted sensor configs.
package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"sensormon/internal/sensor"
)

var (
	// ErrUnknownType is returned by Build when no builder is registered for a config's type
	ErrUnknownType = errors.New("unknown sensor type")

	// ErrTypeRegistered is returned when a type is registered twice
	ErrTypeRegistered = errors.New("sensor type already registered")
)

// Driver talks to one physical sensor
type Driver interface {
	// Connect establishes the transport connection and arms every measurement channel.
	// It returns false for expected connectivity failures and leaves the device
	// disconnected when only some channels could be armed.
	// Calling Connect on a connected driver returns true.
	Connect(ctx context.Context) bool

	// Disconnect tears the connection down (best effort).
	// The stream returned by Readings is closed once Disconnect returns.
	Disconnect(ctx context.Context) bool

	// Readings returns the stream of the current connection.
	// Readings are emitted in non-decreasing timestamp order.
	Readings() <-chan sensor.Reading
}

// BuildFunc constructs a driver for a config of a registered type
type BuildFunc func(cfg sensor.Config) (Driver, error)

type entry struct {
	descriptor sensor.Descriptor
	build      BuildFunc
}

// Factory builds drivers by sensor type
type Factory struct {
	mu      sync.RWMutex
	entries map[sensor.Type]entry
	order   []sensor.Type // registration order
}

// NewFactory creates an empty factory
func NewFactory() *Factory {
	return &Factory{
		entries: make(map[sensor.Type]entry),
		order:   make([]sensor.Type, 0),
	}
}

// Register adds a sensor type
func (f *Factory) Register(d sensor.Descriptor, build BuildFunc) error {
	if d.Type == "" {
		return fmt.Errorf("sensor type cannot be empty")
	}
	if build == nil {
		return fmt.Errorf("builder for %s cannot be nil", d.Type)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.entries[d.Type]; exists {
		return fmt.Errorf("%w: %s", ErrTypeRegistered, d.Type)
	}

	f.entries[d.Type] = entry{descriptor: d, build: build}
	f.order = append(f.order, d.Type)
	return nil
}

// Build constructs a driver for cfg
func (f *Factory) Build(cfg sensor.Config) (Driver, error) {
	f.mu.RLock()
	e, ok := f.entries[cfg.Type]
	f.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, cfg.Type)
	}

	d, err := e.build(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s driver: %w", cfg.Type, err)
	}
	return d, nil
}

// Descriptor returns the descriptor of a registered type
func (f *Factory) Descriptor(t sensor.Type) (sensor.Descriptor, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	e, ok := f.entries[t]
	return e.descriptor, ok
}

// Descriptors returns all registered descriptors in registration order
func (f *Factory) Descriptors() []sensor.Descriptor {
	f.mu.RLock()
	defer f.mu.RUnlock()

	result := make([]sensor.Descriptor, 0, len(f.order))
	for _, t := range f.order {
		result = append(result, f.entries[t].descriptor)
	}
	return result
}
