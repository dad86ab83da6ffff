package monitor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"sensormon/internal/metrics"
	"sensormon/internal/sensor"
)

// Sink persists accepted readings
type Sink interface {
	AppendReading(r sensor.Reading) error
}

// Tap receives every reading after it was persisted
type Tap func(r sensor.Reading)

// AggregatorOption configures an Aggregator
type AggregatorOption func(*Aggregator)

// WithTap adds a consumer of persisted readings
func WithTap(tap Tap) AggregatorOption {
	return func(a *Aggregator) {
		a.taps = append(a.taps, tap)
	}
}

// WithSinkErrorHandler is called after a reading could not be persisted
func WithSinkErrorHandler(fn func(r sensor.Reading, err error)) AggregatorOption {
	return func(a *Aggregator) {
		a.onSinkError = fn
	}
}

// WithStreamEndHandler is called when a stream closes without a detach. The
// source is already released; stream identifies which attachment ended.
// fn runs on the consuming goroutine and must not block.
func WithStreamEndHandler(fn func(id string, stream <-chan sensor.Reading)) AggregatorOption {
	return func(a *Aggregator) {
		a.onStreamEnd = fn
	}
}

// WithAggregatorMetrics records pipeline counters
func WithAggregatorMetrics(m *metrics.Metrics) AggregatorOption {
	return func(a *Aggregator) {
		a.metrics = m
	}
}

// Aggregator consumes the readings of attached sensors and appends them to a sink.
//
// Each attached stream gets a pump that moves readings into a single-slot
// mailbox and a consumer that writes the mailbox to the sink. A slow sink
// therefore never blocks a driver: readings that arrive while the consumer is
// busy overwrite each other and only the newest one is persisted.
//
// Detach never waits for the sink. An append already in progress when a
// source is detached completes; nothing taken from the mailbox afterwards does.
type Aggregator struct {
	sink    Sink
	logger  *log.Logger
	metrics *metrics.Metrics

	taps        []Tap
	onSinkError func(r sensor.Reading, err error)
	onStreamEnd func(id string, stream <-chan sensor.Reading)

	mu      sync.Mutex
	sources map[string]*source
}

// source is the consumption of one attached stream
type source struct {
	id     string
	cancel context.CancelFunc
}

// NewAggregator creates an aggregator writing to sink
func NewAggregator(sink Sink, logger *log.Logger, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		sink:    sink,
		logger:  logger,
		sources: make(map[string]*source),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Attach starts consuming stream for a sensor. A previous stream of the same
// sensor is detached first.
func (a *Aggregator) Attach(id string, stream <-chan sensor.Reading) {
	ctx, cancel := context.WithCancel(context.Background())
	src := &source{id: id, cancel: cancel}

	a.mu.Lock()
	old := a.sources[id]
	a.sources[id] = src
	a.mu.Unlock()

	if old != nil {
		old.cancel()
		a.metrics.StreamAttached(-1)
	}

	a.metrics.StreamAttached(1)
	go a.run(ctx, src, stream)
}

// Detach stops consuming a sensor's stream without waiting for the sink.
// When Detach returns no reading that was not already being appended reaches the sink.
func (a *Aggregator) Detach(id string) {
	a.mu.Lock()
	src := a.sources[id]
	delete(a.sources, id)
	a.mu.Unlock()

	if src == nil {
		return
	}
	src.cancel()
	a.metrics.StreamAttached(-1)
}

// release forgets src if it is still the current source of its sensor
func (a *Aggregator) release(src *source) bool {
	a.mu.Lock()
	current := a.sources[src.id] == src
	if current {
		delete(a.sources, src.id)
	}
	a.mu.Unlock()

	if current {
		a.metrics.StreamAttached(-1)
	}
	return current
}

// Attached reports whether a sensor's stream is being consumed
func (a *Aggregator) Attached(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.sources[id]
	return ok
}

// Close detaches every stream
func (a *Aggregator) Close() {
	a.mu.Lock()
	ids := make([]string, 0, len(a.sources))
	for id := range a.sources {
		ids = append(ids, id)
	}
	a.mu.Unlock()

	for _, id := range ids {
		a.Detach(id)
	}
}

// run drives the pump and the consumer of one source
func (a *Aggregator) run(ctx context.Context, src *source, stream <-chan sensor.Reading) {
	defer src.cancel()

	slot := newLatest()
	pumpDone := make(chan struct{})

	go func() {
		defer close(pumpDone)
		a.pump(ctx, src, stream, slot)
	}()

	a.consume(ctx, src.id, slot, pumpDone)
	<-pumpDone
}

// pump moves readings from the driver stream into the slot without ever blocking on the sink
func (a *Aggregator) pump(ctx context.Context, src *source, stream <-chan sensor.Reading, slot *latest) {
	id := src.id
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-stream:
			if !ok {
				// A detached or replaced source ended on purpose
				if a.release(src) {
					a.logf("Stream of sensor %s ended", id)
					if a.onStreamEnd != nil {
						a.onStreamEnd(id, stream)
					}
				}
				return
			}
			a.metrics.ReadingReceived(id)
			if r.SensorID == "" {
				r.SensorID = id
			}
			if slot.Put(r) {
				a.metrics.ReadingDropped(id, metrics.ReasonSuperseded)
			}
		}
	}
}

// consume writes the newest reading of the slot to the sink, one at a time
func (a *Aggregator) consume(ctx context.Context, id string, slot *latest, pumpDone <-chan struct{}) {
	var last time.Time

	deliver := func() {
		r, ok := slot.Take()
		if !ok || ctx.Err() != nil {
			return
		}
		if r.Timestamp.Before(last) {
			a.metrics.ReadingDropped(id, metrics.ReasonOutOfOrder)
			return
		}
		if a.persist(r) {
			last = r.Timestamp
			// Taps only see readings of an attached source
			if ctx.Err() == nil {
				a.notify(r)
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-slot.Ready():
			deliver()
		case <-pumpDone:
			// The stream ended on its own; flush what is left
			deliver()
			return
		}
	}
}

// persist appends one reading; failures are logged and the reading is dropped
func (a *Aggregator) persist(r sensor.Reading) (ok bool) {
	start := time.Now()
	err := func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("sink panicked: %v", rec)
			}
		}()
		return a.sink.AppendReading(r)
	}()

	if err != nil {
		a.logf("Failed to persist reading of sensor %s: %v", r.SensorID, err)
		a.metrics.ReadingDropped(r.SensorID, metrics.ReasonSinkError)
		if a.onSinkError != nil {
			a.onSinkError(r, err)
		}
		return false
	}

	a.metrics.ReadingPersisted(r.SensorID, time.Since(start))
	return true
}

// notify hands a persisted reading to every tap; a panicking tap is isolated
func (a *Aggregator) notify(r sensor.Reading) {
	for _, tap := range a.taps {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					a.logf("Tap panicked on reading of sensor %s: %v", r.SensorID, rec)
				}
			}()
			tap(r)
		}()
	}
}

func (a *Aggregator) logf(format string, v ...interface{}) {
	if a.logger != nil {
		a.logger.Printf("[aggregator] "+format, v...)
	}
}
