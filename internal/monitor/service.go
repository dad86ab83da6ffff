package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"sensormon/internal/events"
	"sensormon/internal/metrics"
	"sensormon/internal/sensor"
	"sensormon/internal/storage"
)

// DefaultHistorySize is used when a history query asks for zero readings
const DefaultHistorySize = 5

// Store is the persistence the service needs
type Store interface {
	Sink
	SaveConfig(cfg sensor.Config) error
	GetConfig(id string) (sensor.Config, error)
	ListConfigs() ([]sensor.Config, error)
	DeleteConfig(id string) error
	QueryReadings(id string, limit int) ([]sensor.Reading, error)
	TrimReadings(id string, keep int) (int, error)
	DeleteReadings(id string) error
}

// Catalog builds drivers and describes the sensor types it can build
type Catalog interface {
	Builder
	Descriptor(t sensor.Type) (sensor.Descriptor, bool)
	Descriptors() []sensor.Descriptor
}

// LifecycleHook is told about sensors going online and offline
type LifecycleHook interface {
	SensorStarted(cfg sensor.Config)
	SensorStopped(id string)
	SensorRemoved(id string)
}

// Options configures a Service
type Options struct {
	Logger  *log.Logger
	Metrics *metrics.Metrics
	Events  *events.Store

	// Taps receive every persisted reading
	Taps []Tap

	// Hooks are called after successful starts, stops and removals
	Hooks []LifecycleHook

	ConnectTimeout time.Duration
	StopTimeout    time.Duration

	// HistorySize replaces a zero history count
	HistorySize int

	// AutoStart starts sensors right after creation
	AutoStart bool
}

// Status is the externally visible view of one sensor
type Status struct {
	Config      sensor.Config   `json:"config"`
	State       sensor.State    `json:"state"`
	LastReading *sensor.Reading `json:"lastReading,omitempty"`
}

// Service is the single entry point for sensor provisioning, lifecycle and history
type Service struct {
	store      Store
	catalog    Catalog
	registry   *Registry
	aggregator *Aggregator

	logger      *log.Logger
	events      *events.Store
	hooks       []LifecycleHook
	historySize int
	autoStart   bool

	// createMu serializes provisioning so duplicate checks and persistence agree
	createMu sync.Mutex

	lastMu sync.RWMutex
	last   map[string]sensor.Reading
}

// NewService wires a registry and an aggregator around store and catalog
func NewService(store Store, catalog Catalog, opts Options) *Service {
	s := &Service{
		store:       store,
		catalog:     catalog,
		logger:      opts.Logger,
		events:      opts.Events,
		hooks:       opts.Hooks,
		historySize: opts.HistorySize,
		autoStart:   opts.AutoStart,
		last:        make(map[string]sensor.Reading),
	}
	if s.historySize <= 0 {
		s.historySize = DefaultHistorySize
	}

	aggOpts := []AggregatorOption{
		WithAggregatorMetrics(opts.Metrics),
		WithTap(s.remember),
		WithSinkErrorHandler(func(r sensor.Reading, err error) {
			s.events.Add(events.EventSinkWriteFailed, r.SensorID, false, err.Error())
		}),
		WithStreamEndHandler(func(id string, stream <-chan sensor.Reading) {
			go s.expire(id, stream)
		}),
	}
	for _, tap := range opts.Taps {
		aggOpts = append(aggOpts, WithTap(tap))
	}
	s.aggregator = NewAggregator(store, opts.Logger, aggOpts...)

	s.registry = NewRegistry(catalog, s.aggregator, opts.Logger,
		WithTimeouts(opts.ConnectTimeout, opts.StopTimeout),
		WithMetrics(opts.Metrics),
	)
	return s
}

// Registry returns the underlying registry
func (s *Service) Registry() *Registry {
	return s.registry
}

// Aggregator returns the underlying aggregator
func (s *Service) Aggregator() *Aggregator {
	return s.aggregator
}

// Initialize registers every persisted sensor and starts them concurrently.
// Sensors that cannot be registered or started are logged and skipped.
func (s *Service) Initialize(ctx context.Context) error {
	configs, err := s.store.ListConfigs()
	if err != nil {
		return fmt.Errorf("failed to load sensor configs: %w", err)
	}

	var wg sync.WaitGroup
	for _, cfg := range configs {
		// Sensors provisioned earlier in this process are already registered
		if _, err := s.registry.Register(cfg); err != nil && !errors.Is(err, ErrDuplicateSensor) {
			s.logf("Skipping sensor %s: %v", cfg.ID, err)
			continue
		}

		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := s.StartSensor(ctx, id); err != nil {
				s.logf("Could not start sensor %s: %v", id, err)
			}
		}(cfg.ID)
	}
	wg.Wait()

	s.logf("Initialized %d of %d sensors (%d running)", s.registry.Count(), len(configs), len(s.registry.Running()))
	return nil
}

// ListSensors returns the configs of all registered sensors
func (s *Service) ListSensors() []sensor.Config {
	return s.registry.List()
}

// SensorStatuses returns the status of all registered sensors
func (s *Service) SensorStatuses() []Status {
	configs := s.registry.List()
	statuses := make([]Status, 0, len(configs))
	for _, cfg := range configs {
		st, err := s.GetSensor(cfg.ID)
		if err != nil {
			continue // removed meanwhile
		}
		statuses = append(statuses, st)
	}
	return statuses
}

// ListSensorTypes returns the descriptors of every buildable sensor type
func (s *Service) ListSensorTypes() []sensor.Descriptor {
	return s.catalog.Descriptors()
}

// GetSensor returns the status of one sensor
func (s *Service) GetSensor(id string) (Status, error) {
	inst, err := s.registry.Get(id)
	if err != nil {
		return Status{}, err
	}

	st := Status{Config: inst.Config(), State: inst.State()}
	s.lastMu.RLock()
	if r, ok := s.last[id]; ok {
		st.LastReading = &r
	}
	s.lastMu.RUnlock()
	return st, nil
}

// CreateSensor validates, persists and registers a new sensor.
// An empty id gets a generated one. With AutoStart the sensor is started
// afterwards; a failed start leaves it Stopped and does not fail the creation.
func (s *Service) CreateSensor(ctx context.Context, id string, typ sensor.Type, params map[string]interface{}) (sensor.Config, error) {
	desc, ok := s.catalog.Descriptor(typ)
	if !ok {
		return sensor.Config{}, fmt.Errorf("%w: %s", ErrUnknownSensorType, typ)
	}
	if err := desc.Validate(params); err != nil {
		return sensor.Config{}, fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}

	if id == "" {
		id = uuid.NewString()
	}
	cfg := sensor.Config{ID: id, Type: typ, Parameters: params}.Clone()

	s.createMu.Lock()
	if err := s.provision(cfg); err != nil {
		s.createMu.Unlock()
		return sensor.Config{}, err
	}
	s.createMu.Unlock()

	s.events.Add(events.EventSensorCreated, cfg.ID, true, string(cfg.Type))

	if s.autoStart {
		if _, err := s.StartSensor(ctx, cfg.ID); err != nil {
			s.logf("Auto-start of sensor %s failed: %v", cfg.ID, err)
		}
	}
	return cfg, nil
}

// provision persists and registers cfg. Callers hold createMu.
func (s *Service) provision(cfg sensor.Config) error {
	if s.registry.Has(cfg.ID) {
		return fmt.Errorf("%w: %s", ErrDuplicateSensor, cfg.ID)
	}
	if _, err := s.store.GetConfig(cfg.ID); err == nil {
		return fmt.Errorf("%w: %s", ErrDuplicateSensor, cfg.ID)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to check sensor %s: %w", cfg.ID, err)
	}

	// Build before persisting so a config that no driver accepts is never stored
	if _, err := s.catalog.Build(cfg); err != nil {
		return classifyBuildError(err)
	}

	if err := s.store.SaveConfig(cfg); err != nil {
		return fmt.Errorf("failed to save sensor %s: %w", cfg.ID, err)
	}

	if _, err := s.registry.Register(cfg); err != nil {
		if delErr := s.store.DeleteConfig(cfg.ID); delErr != nil {
			s.logf("Failed to roll back config of sensor %s: %v", cfg.ID, delErr)
		}
		return classifyBuildError(err)
	}
	return nil
}

// UpdateSensor replaces the parameters of a Stopped or Created sensor
func (s *Service) UpdateSensor(ctx context.Context, id string, params map[string]interface{}) (sensor.Config, error) {
	s.createMu.Lock()
	defer s.createMu.Unlock()

	inst, err := s.registry.Get(id)
	if err != nil {
		return sensor.Config{}, err
	}
	if st := inst.State(); st == sensor.StateRunning {
		return sensor.Config{}, fmt.Errorf("%w: stop sensor %s before updating it", ErrInvalidState, id)
	}

	old := inst.Config()
	desc, ok := s.catalog.Descriptor(old.Type)
	if !ok {
		return sensor.Config{}, fmt.Errorf("%w: %s", ErrUnknownSensorType, old.Type)
	}
	if err := desc.Validate(params); err != nil {
		return sensor.Config{}, fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}

	cfg := sensor.Config{ID: id, Type: old.Type, Parameters: params}.Clone()
	if _, err := s.catalog.Build(cfg); err != nil {
		return sensor.Config{}, classifyBuildError(err)
	}

	// Replace the instance; fails if a start won the race since the check above
	if err := s.registry.Retire(id); err != nil {
		return sensor.Config{}, err
	}
	if err := s.store.SaveConfig(cfg); err != nil {
		s.reRegister(old)
		return sensor.Config{}, fmt.Errorf("failed to save sensor %s: %w", id, err)
	}
	if _, err := s.registry.Register(cfg); err != nil {
		return sensor.Config{}, classifyBuildError(err)
	}

	s.forget(id)
	s.events.Add(events.EventSensorUpdated, id, true, "")
	return cfg, nil
}

// reRegister puts the previous config back after a failed update
func (s *Service) reRegister(cfg sensor.Config) {
	if _, err := s.registry.Register(cfg); err != nil {
		s.logf("Failed to restore sensor %s: %v", cfg.ID, err)
	}
}

// DeleteSensor removes a sensor that is not Running. With purge its readings are deleted too.
func (s *Service) DeleteSensor(ctx context.Context, id string, purge bool) error {
	s.createMu.Lock()
	defer s.createMu.Unlock()

	st, err := s.registry.State(id)
	if err != nil {
		return err
	}
	if st == sensor.StateRunning {
		return fmt.Errorf("%w: stop sensor %s before deleting it", ErrInvalidState, id)
	}
	if err := s.registry.Retire(id); err != nil {
		return err
	}
	if err := s.store.DeleteConfig(id); err != nil {
		return fmt.Errorf("failed to delete sensor %s: %w", id, err)
	}
	if purge {
		if err := s.store.DeleteReadings(id); err != nil {
			return fmt.Errorf("failed to delete readings of sensor %s: %w", id, err)
		}
	}

	s.forget(id)
	for _, h := range s.hooks {
		h.SensorRemoved(id)
	}
	s.events.Add(events.EventSensorRemoved, id, true, fmt.Sprintf("purge=%t", purge))
	return nil
}

// GetHistory returns the newest count readings of a sensor, newest first.
// A count of zero or less means the default size. A sensor that is neither
// registered nor persisted is reported as ErrNotFound; a known sensor
// without readings yields an empty slice.
func (s *Service) GetHistory(id string, count int) ([]sensor.Reading, error) {
	if count <= 0 {
		count = s.historySize
	}

	if !s.registry.Has(id) {
		if _, err := s.store.GetConfig(id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			return nil, err
		}
	}

	readings, err := s.store.QueryReadings(id, count)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings of sensor %s: %w", id, err)
	}
	return readings, nil
}

// StartSensor starts a sensor. A false result without error is a driver-level failure.
func (s *Service) StartSensor(ctx context.Context, id string) (bool, error) {
	ok, err := s.registry.Start(ctx, id)
	if err != nil {
		return false, err
	}

	if !ok {
		s.events.Add(events.EventSensorStartFailed, id, false, "driver did not connect")
		return false, nil
	}

	if inst, err := s.registry.Get(id); err == nil {
		for _, h := range s.hooks {
			h.SensorStarted(inst.Config())
		}
	}
	s.events.Add(events.EventSensorStarted, id, true, "")
	return true, nil
}

// StopSensor stops a sensor. A false result without error means teardown failed;
// the sensor is Stopped either way.
func (s *Service) StopSensor(ctx context.Context, id string) (bool, error) {
	ok, err := s.registry.Stop(ctx, id)
	if err != nil {
		return false, err
	}

	for _, h := range s.hooks {
		h.SensorStopped(id)
	}
	if ok {
		s.events.Add(events.EventSensorStopped, id, true, "")
	} else {
		s.events.Add(events.EventSensorStopFailed, id, false, "driver teardown failed")
	}
	return ok, nil
}

// expire stops a sensor whose driver closed its stream on its own
func (s *Service) expire(id string, stream <-chan sensor.Reading) {
	stopped, err := s.registry.Expire(context.Background(), id, stream)
	if err != nil {
		s.logf("Failed to stop sensor %s after its stream ended: %v", id, err)
		return
	}
	if !stopped {
		return
	}

	for _, h := range s.hooks {
		h.SensorStopped(id)
	}
	s.events.Add(events.EventStreamEnded, id, false, "driver closed its stream; sensor stopped")
}

// EnforceRetention trims the stored readings of every known sensor to keep
func (s *Service) EnforceRetention(keep int) error {
	if keep <= 0 {
		return nil
	}

	configs, err := s.store.ListConfigs()
	if err != nil {
		return err
	}

	total := 0
	for _, cfg := range configs {
		n, err := s.store.TrimReadings(cfg.ID, keep)
		if err != nil {
			s.logf("Failed to trim readings of sensor %s: %v", cfg.ID, err)
			continue
		}
		total += n
	}
	if total > 0 {
		s.logf("Retention removed %d readings", total)
	}
	return nil
}

// Shutdown stops every Running sensor concurrently and detaches what is left
func (s *Service) Shutdown(ctx context.Context) {
	var wg sync.WaitGroup
	for _, id := range s.registry.Running() {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if ok, err := s.StopSensor(ctx, id); err != nil || !ok {
				s.logf("Sensor %s did not stop cleanly: ok=%t err=%v", id, ok, err)
			}
		}(id)
	}
	wg.Wait()

	s.aggregator.Close()
}

// remember keeps the newest persisted reading of every sensor
func (s *Service) remember(r sensor.Reading) {
	s.lastMu.Lock()
	s.last[r.SensorID] = r
	s.lastMu.Unlock()
}

func (s *Service) forget(id string) {
	s.lastMu.Lock()
	delete(s.last, id)
	s.lastMu.Unlock()
}

func (s *Service) logf(format string, v ...interface{}) {
	if s.logger != nil {
		s.logger.Printf("[service] "+format, v...)
	}
}

// classifyBuildError maps driver construction failures onto service errors
func classifyBuildError(err error) error {
	switch {
	case errors.Is(err, ErrUnknownSensorType), errors.Is(err, ErrDuplicateSensor):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
}
