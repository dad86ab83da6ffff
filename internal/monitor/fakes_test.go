package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"sensormon/internal/driver"
	"sensormon/internal/sensor"
)

const fakeType sensor.Type = "temp"

// fakeDriver is a scriptable driver. Readings are pushed by tests with emit.
type fakeDriver struct {
	mu sync.Mutex
	ch chan sensor.Reading

	connectOK      bool
	disconnectOK   bool
	lagging        bool          // Disconnect leaves the stream open
	stubborn       bool          // Connect ignores ctx while waiting for connectGate
	panicOnConnect bool
	connectGate    chan struct{} // when set, Connect waits for it or ctx
	disconnectGate chan struct{}

	connects    atomic.Int32
	disconnects atomic.Int32
	connecting  chan struct{} // closed when Connect is entered

	log *callLog
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		connectOK:    true,
		disconnectOK: true,
		connecting:   make(chan struct{}),
	}
}

func (d *fakeDriver) Connect(ctx context.Context) bool {
	d.connects.Add(1)
	select {
	case <-d.connecting:
	default:
		close(d.connecting)
	}

	if d.panicOnConnect {
		panic("connect exploded")
	}
	if d.connectGate != nil && d.stubborn {
		<-d.connectGate
	} else if d.connectGate != nil {
		select {
		case <-d.connectGate:
		case <-ctx.Done():
			return false
		}
	}
	if !d.connectOK {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ch == nil {
		d.ch = make(chan sensor.Reading, 16)
	}
	return true
}

func (d *fakeDriver) Disconnect(ctx context.Context) bool {
	d.disconnects.Add(1)
	d.log.add("disconnect")

	if d.disconnectGate != nil {
		<-d.disconnectGate
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ch != nil && !d.lagging {
		close(d.ch)
		d.ch = nil
	}
	return d.disconnectOK
}

func (d *fakeDriver) Readings() <-chan sensor.Reading {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ch == nil {
		ch := make(chan sensor.Reading)
		close(ch)
		return ch
	}
	return d.ch
}

// emit pushes a reading at second ts; it reports false when not connected
func (d *fakeDriver) emit(id string, ts int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ch == nil {
		return false
	}
	d.ch <- reading(id, ts)
	return true
}

// hangUp closes the stream as a driver losing its device would
func (d *fakeDriver) hangUp() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ch != nil {
		close(d.ch)
		d.ch = nil
	}
}

func reading(id string, ts int) sensor.Reading {
	return sensor.Reading{
		SensorID:  id,
		Timestamp: time.Unix(int64(ts), 0).UTC(),
		Values:    map[string]float64{"temperature": float64(ts)},
	}
}

// fakeCatalog hands out one fakeDriver per sensor id
type fakeCatalog struct {
	*driver.Factory

	mu      sync.Mutex
	drivers map[string]*fakeDriver
	prepare func(id string, d *fakeDriver)
	log     *callLog
}

func newFakeCatalog() *fakeCatalog {
	c := &fakeCatalog{
		Factory: driver.NewFactory(),
		drivers: make(map[string]*fakeDriver),
	}
	desc := sensor.Descriptor{
		Type: fakeType,
		Name: "Test probe",
		Parameters: []sensor.ParameterSpec{
			{Name: "interval", Kind: sensor.KindNumber},
			{Name: "reject", Kind: sensor.KindBool},
		},
	}
	if err := c.Register(desc, c.build); err != nil {
		panic(err)
	}
	return c
}

func (c *fakeCatalog) build(cfg sensor.Config) (driver.Driver, error) {
	if cfg.BoolParam("reject", false) {
		return nil, errors.New("rejected by driver")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	d := newFakeDriver()
	d.log = c.log
	if c.prepare != nil {
		c.prepare(cfg.ID, d)
	}
	c.drivers[cfg.ID] = d
	return d, nil
}

func (c *fakeCatalog) probe(id string) *fakeDriver {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.drivers[id]
}

// memSink records appended readings and can be told to fail or block
type memSink struct {
	mu       sync.Mutex
	readings []sensor.Reading
	failures map[string]int // remaining failures per sensor
	gate     chan struct{}   // when set, every append waits for it
	panicFor string
	blocked  atomic.Int32 // appends waiting on gate
}

func newMemSink() *memSink {
	return &memSink{failures: make(map[string]int)}
}

func (s *memSink) AppendReading(r sensor.Reading) error {
	if s.gate != nil {
		s.blocked.Add(1)
		<-s.gate
		s.blocked.Add(-1)
	}
	if r.SensorID == s.panicFor {
		panic("sink exploded")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures[r.SensorID] > 0 {
		s.failures[r.SensorID]--
		return fmt.Errorf("disk full")
	}
	s.readings = append(s.readings, r)
	return nil
}

func (s *memSink) of(id string) []sensor.Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sensor.Reading
	for _, r := range s.readings {
		if r.SensorID == id {
			out = append(out, r)
		}
	}
	return out
}

func (s *memSink) failuresLeft(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[id]
}

func (s *memSink) count(id string) int {
	return len(s.of(id))
}

// seconds returns the timestamps of a sensor's readings in seconds
func seconds(readings []sensor.Reading) []int64 {
	out := make([]int64, len(readings))
	for i, r := range readings {
		out[i] = r.Timestamp.Unix()
	}
	return out
}

// callLog records the order of interesting calls across components
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.calls = append(l.calls, call)
	l.mu.Unlock()
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// recordingAttacher wraps an Aggregator and logs attach/detach calls
type recordingAttacher struct {
	*Aggregator
	log *callLog
}

func (a *recordingAttacher) Attach(id string, stream <-chan sensor.Reading) {
	a.log.add("attach")
	a.Aggregator.Attach(id, stream)
}

func (a *recordingAttacher) Detach(id string) {
	a.log.add("detach")
	a.Aggregator.Detach(id)
}
