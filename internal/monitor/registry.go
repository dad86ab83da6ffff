package monitor

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"sensormon/internal/driver"
	"sensormon/internal/metrics"
	"sensormon/internal/sensor"
)

const (
	// DefaultConnectTimeout bounds a start when the caller sets no deadline
	DefaultConnectTimeout = 30 * time.Second

	// DefaultStopTimeout bounds driver teardown during a stop
	DefaultStopTimeout = 10 * time.Second
)

// Builder constructs drivers from sensor configs
type Builder interface {
	Build(cfg sensor.Config) (driver.Driver, error)
}

// StreamAttacher is where a running sensor's readings go
type StreamAttacher interface {
	// Attach starts consuming stream on behalf of a sensor, replacing any previous stream
	Attach(id string, stream <-chan sensor.Reading)

	// Detach stops consuming a sensor's stream without blocking on the sink.
	// Once it returns only an append already in progress may still complete.
	Detach(id string)
}

// Registry owns the sensor instances and their lifecycle
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*Instance

	builder Builder
	streams StreamAttacher
	logger  *log.Logger
	metrics *metrics.Metrics

	connectTimeout time.Duration
	stopTimeout    time.Duration
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithTimeouts sets the connect and teardown bounds
func WithTimeouts(connect, stop time.Duration) RegistryOption {
	return func(r *Registry) {
		if connect > 0 {
			r.connectTimeout = connect
		}
		if stop > 0 {
			r.stopTimeout = stop
		}
	}
}

// WithMetrics records lifecycle outcomes
func WithMetrics(m *metrics.Metrics) RegistryOption {
	return func(r *Registry) {
		r.metrics = m
	}
}

// NewRegistry creates an empty registry
func NewRegistry(builder Builder, streams StreamAttacher, logger *log.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		instances:      make(map[string]*Instance),
		builder:        builder,
		streams:        streams,
		logger:         logger,
		connectTimeout: DefaultConnectTimeout,
		stopTimeout:    DefaultStopTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register builds a driver for cfg and adds the sensor in the Created state
func (r *Registry) Register(cfg sensor.Config) (string, error) {
	if cfg.ID == "" {
		return "", fmt.Errorf("%w: sensor id is empty", ErrInvalidParameters)
	}
	if r.Has(cfg.ID) {
		return "", fmt.Errorf("%w: %s", ErrDuplicateSensor, cfg.ID)
	}

	d, err := r.builder.Build(cfg)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instances[cfg.ID]; exists {
		return "", fmt.Errorf("%w: %s", ErrDuplicateSensor, cfg.ID)
	}
	r.instances[cfg.ID] = newInstance(cfg, d)

	r.logf("Registered sensor %s (%s)", cfg.ID, cfg.Type)
	return cfg.ID, nil
}

// opResult is delivered exactly once per lifecycle operation
type opResult struct {
	ok  bool
	err error
}

// Start connects the sensor's driver and, on success, attaches its stream.
// It returns (false, nil) when the driver could not connect; the sensor is then Stopped.
// If ctx ends first Start returns ctx.Err() and the connect attempt is cancelled.
func (r *Registry) Start(ctx context.Context, id string) (bool, error) {
	inst, err := r.get(id)
	if err != nil {
		return false, err
	}

	opCtx, cancel := context.WithTimeout(ctx, r.connectTimeout)

	done := make(chan opResult, 1)
	go func() {
		defer cancel()
		ok, err := r.start(opCtx, cancel, inst)
		done <- opResult{ok: ok, err: err}
	}()

	select {
	case res := <-done:
		return res.ok, res.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (r *Registry) start(ctx context.Context, cancel context.CancelFunc, inst *Instance) (bool, error) {
	inst.op.Lock()
	defer inst.op.Unlock()

	id := inst.cfg.ID
	switch inst.State() {
	case sensor.StateRemoved:
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	case sensor.StateRunning:
		return true, nil
	}

	inst.armStart(cancel)
	defer inst.disarmStart()

	// A previous stop may have left a slow disconnect behind
	if pending := inst.pendingTeardown(); pending != nil {
		select {
		case <-pending:
			inst.setPendingTeardown(nil)
		case <-ctx.Done():
			r.failStart(inst, "previous teardown still running")
			return false, nil
		}
	}

	ok := safeCall(r.logger, id, "connect", func() bool { return inst.driver.Connect(ctx) })
	if ok && ctx.Err() != nil {
		// Connected after the caller gave up or a stop interrupted us
		safeCall(r.logger, id, "disconnect", func() bool { return inst.driver.Disconnect(context.Background()) })
		ok = false
	}
	if !ok {
		r.failStart(inst, "driver did not connect")
		return false, nil
	}

	stream := inst.driver.Readings()
	r.streams.Attach(id, stream)
	inst.setAttachedStream(stream)
	if err := inst.setState(sensor.StateRunning); err != nil {
		r.streams.Detach(id)
		inst.setAttachedStream(nil)
		safeCall(r.logger, id, "disconnect", func() bool { return inst.driver.Disconnect(context.Background()) })
		return false, err
	}

	r.metrics.LifecycleOp("start", true)
	r.metrics.SetRunning(r.runningCount())
	r.logf("Started sensor %s", id)
	return true, nil
}

// failStart leaves a sensor that could not start in the Stopped state
func (r *Registry) failStart(inst *Instance, reason string) {
	if err := inst.setState(sensor.StateStopped); err != nil {
		r.logf("Sensor %s: %v", inst.cfg.ID, err)
	}
	r.metrics.LifecycleOp("start", false)
	r.logf("Failed to start sensor %s: %s", inst.cfg.ID, reason)
}

// Stop detaches the sensor's stream and disconnects its driver.
// The sensor ends Stopped even if teardown fails; the bool reports teardown success.
// Stopping a Stopped sensor is a no-op. A start in progress is interrupted.
func (r *Registry) Stop(ctx context.Context, id string) (bool, error) {
	inst, err := r.get(id)
	if err != nil {
		return false, err
	}

	inst.interruptStart()

	// Teardown is bounded by stopTimeout, not by the caller
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.stopTimeout)

	done := make(chan opResult, 1)
	go func() {
		defer cancel()
		ok, err := r.stop(opCtx, inst)
		done <- opResult{ok: ok, err: err}
	}()

	select {
	case res := <-done:
		return res.ok, res.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (r *Registry) stop(ctx context.Context, inst *Instance) (bool, error) {
	inst.op.Lock()
	defer inst.op.Unlock()

	id := inst.cfg.ID
	switch inst.State() {
	case sensor.StateRemoved:
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	case sensor.StateStopped:
		return true, nil
	}

	ok, err := r.halt(ctx, inst)
	if err != nil {
		return false, err
	}
	if ok {
		r.logf("Stopped sensor %s", id)
	} else {
		r.logf("Stopped sensor %s (teardown failed)", id)
	}
	return ok, nil
}

// halt detaches and disconnects a sensor and leaves it Stopped. Callers hold inst.op.
func (r *Registry) halt(ctx context.Context, inst *Instance) (bool, error) {
	// Halt downstream delivery first
	r.streams.Detach(inst.cfg.ID)
	inst.setAttachedStream(nil)

	ok := r.disconnect(ctx, inst)

	if err := inst.setState(sensor.StateStopped); err != nil {
		return false, err
	}

	r.metrics.LifecycleOp("stop", ok)
	r.metrics.SetRunning(r.runningCount())
	return ok, nil
}

// Expire stops a Running sensor whose stream ended without a stop, so a later
// Start reconnects it. It reports false when stream does not belong to the
// current run, for instance because the sensor was stopped or restarted meanwhile.
func (r *Registry) Expire(ctx context.Context, id string, stream <-chan sensor.Reading) (bool, error) {
	inst, err := r.get(id)
	if err != nil {
		return false, err
	}

	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.stopTimeout)
	defer cancel()

	inst.op.Lock()
	defer inst.op.Unlock()

	if inst.State() != sensor.StateRunning || inst.attachedStream() != stream {
		return false, nil
	}
	if _, err := r.halt(opCtx, inst); err != nil {
		return false, err
	}
	r.logf("Stopped sensor %s after its stream ended", id)
	return true, nil
}

// disconnect runs the driver teardown bounded by ctx.
// A teardown that outlives ctx is left to finish and recorded on the instance.
func (r *Registry) disconnect(ctx context.Context, inst *Instance) bool {
	finished := make(chan struct{})
	result := make(chan bool, 1)
	go func() {
		defer close(finished)
		result <- safeCall(r.logger, inst.cfg.ID, "disconnect", func() bool { return inst.driver.Disconnect(ctx) })
	}()

	select {
	case ok := <-result:
		return ok
	case <-ctx.Done():
		inst.setPendingTeardown(finished)
		return false
	}
}

// Remove deletes a Stopped sensor from the registry
func (r *Registry) Remove(id string) error {
	inst, err := r.get(id)
	if err != nil {
		return err
	}

	inst.op.Lock()
	defer inst.op.Unlock()

	if inst.State() != sensor.StateStopped {
		if inst.State() == sensor.StateRemoved {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("%w: sensor %s is %s", ErrInvalidState, id, inst.State())
	}
	if err := inst.setState(sensor.StateRemoved); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.instances, id)
	r.mu.Unlock()

	r.logf("Removed sensor %s", id)
	return nil
}

// Retire removes a sensor that is not Running. A Created sensor never
// connected, so it is moved to Stopped without a teardown.
// The state check and the removal happen under the sensor's lifecycle lock.
func (r *Registry) Retire(id string) error {
	inst, err := r.get(id)
	if err != nil {
		return err
	}

	inst.op.Lock()
	defer inst.op.Unlock()

	switch inst.State() {
	case sensor.StateRunning:
		return fmt.Errorf("%w: sensor %s is running", ErrInvalidState, id)
	case sensor.StateRemoved:
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := inst.setState(sensor.StateStopped); err != nil {
		return err
	}
	if err := inst.setState(sensor.StateRemoved); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.instances, id)
	r.mu.Unlock()

	r.logf("Removed sensor %s", id)
	return nil
}

// Get returns the instance of a sensor
func (r *Registry) Get(id string) (*Instance, error) {
	return r.get(id)
}

// State returns the lifecycle state of a sensor
func (r *Registry) State(id string) (sensor.State, error) {
	inst, err := r.get(id)
	if err != nil {
		return sensor.StateRemoved, err
	}
	return inst.State(), nil
}

// Has reports whether a sensor is registered
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.instances[id]
	return ok
}

// List returns a snapshot of all registered configs ordered by ID
func (r *Registry) List() []sensor.Config {
	r.mu.RLock()
	configs := make([]sensor.Config, 0, len(r.instances))
	for _, inst := range r.instances {
		configs = append(configs, inst.Config())
	}
	r.mu.RUnlock()

	sort.Slice(configs, func(i, j int) bool {
		return configs[i].ID < configs[j].ID
	})
	return configs
}

// Running returns the IDs of Running sensors ordered by ID
func (r *Registry) Running() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.instances))
	for id, inst := range r.instances {
		if inst.State() == sensor.StateRunning {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Count returns the number of registered sensors
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

func (r *Registry) runningCount() int {
	return len(r.Running())
}

func (r *Registry) get(id string) (*Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, ok := r.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return inst, nil
}

func (r *Registry) logf(format string, v ...interface{}) {
	if r.logger != nil {
		r.logger.Printf("[registry] "+format, v...)
	}
}

// safeCall runs a driver operation, turning a panic into a failed result
func safeCall(logger *log.Logger, id, op string, fn func() bool) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			if logger != nil {
				logger.Printf("[registry] Sensor %s panicked during %s: %v", id, op, rec)
			}
			ok = false
		}
	}()
	return fn()
}
