package monitor

import (
	"context"
	"fmt"
	"sync"

	"sensormon/internal/driver"
	"sensormon/internal/sensor"
)

// transitions lists the allowed state changes
var transitions = map[sensor.State][]sensor.State{
	sensor.StateCreated: {sensor.StateRunning, sensor.StateStopped},
	sensor.StateRunning: {sensor.StateStopped},
	sensor.StateStopped: {sensor.StateRunning, sensor.StateRemoved},
}

// canTransition reports whether from -> to is a legal state change
func canTransition(from, to sensor.State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Instance is one registered sensor: its configuration, its driver and its lifecycle state
type Instance struct {
	cfg    sensor.Config
	driver driver.Driver

	// op serializes lifecycle operations on this sensor
	op sync.Mutex

	mu          sync.Mutex
	state       sensor.State
	cancelStart context.CancelFunc
	teardown    <-chan struct{}
	stream      <-chan sensor.Reading // attached by the current run
}

func newInstance(cfg sensor.Config, d driver.Driver) *Instance {
	return &Instance{
		cfg:    cfg.Clone(),
		driver: d,
		state:  sensor.StateCreated,
	}
}

// Config returns a copy of the sensor configuration
func (i *Instance) Config() sensor.Config {
	return i.cfg.Clone()
}

// State returns the current lifecycle state
func (i *Instance) State() sensor.State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// setState moves the instance to a new state. Callers hold i.op.
func (i *Instance) setState(to sensor.State) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.state == to {
		return nil
	}
	if !canTransition(i.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, i.state, to)
	}
	i.state = to
	return nil
}

// armStart records the cancel function of the start in progress
func (i *Instance) armStart(cancel context.CancelFunc) {
	i.mu.Lock()
	i.cancelStart = cancel
	i.mu.Unlock()
}

// disarmStart forgets the start in progress
func (i *Instance) disarmStart() {
	i.mu.Lock()
	i.cancelStart = nil
	i.mu.Unlock()
}

// interruptStart signals a start in progress to give up
func (i *Instance) interruptStart() {
	i.mu.Lock()
	cancel := i.cancelStart
	i.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// pendingTeardown returns the completion channel of a disconnect that outlived its stop
func (i *Instance) pendingTeardown() <-chan struct{} {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.teardown
}

func (i *Instance) setPendingTeardown(done <-chan struct{}) {
	i.mu.Lock()
	i.teardown = done
	i.mu.Unlock()
}

// attachedStream returns the stream attached by the current run, if any
func (i *Instance) attachedStream() <-chan sensor.Reading {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stream
}

func (i *Instance) setAttachedStream(stream <-chan sensor.Reading) {
	i.mu.Lock()
	i.stream = stream
	i.mu.Unlock()
}
