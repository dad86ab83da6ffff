package monitor

import (
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensormon/internal/metrics"
	"sensormon/internal/sensor"
)

func isSorted(ts []int64) bool {
	return sort.SliceIsSorted(ts, func(i, j int) bool { return ts[i] < ts[j] })
}

func TestAggregatorPersistsReadings(t *testing.T) {
	sink := newMemSink()
	a := NewAggregator(sink, nil)
	defer a.Close()

	stream := make(chan sensor.Reading)
	a.Attach("s1", stream)
	assert.True(t, a.Attached("s1"))

	for ts := 1; ts <= 3; ts++ {
		stream <- reading("s1", ts)
		require.Eventually(t, func() bool { return sink.count("s1") == ts }, waitFor, time.Millisecond)
	}
	assert.Equal(t, []int64{1, 2, 3}, seconds(sink.of("s1")))
}

func TestAggregatorFillsMissingSensorID(t *testing.T) {
	sink := newMemSink()
	a := NewAggregator(sink, nil)
	defer a.Close()

	stream := make(chan sensor.Reading, 1)
	a.Attach("s1", stream)
	stream <- sensor.Reading{Timestamp: time.Unix(1, 0)}

	require.Eventually(t, func() bool { return sink.count("s1") == 1 }, waitFor, time.Millisecond)
}

func TestAggregatorKeepsLatestUnderBackpressure(t *testing.T) {
	sink := newMemSink()
	sink.gate = make(chan struct{})
	a := NewAggregator(sink, nil)
	defer a.Close()

	stream := make(chan sensor.Reading)
	a.Attach("s1", stream)

	// The sink holds the first reading while the rest pile up
	for ts := 1; ts <= 10; ts++ {
		select {
		case stream <- reading("s1", ts):
		case <-time.After(waitFor):
			t.Fatalf("driver blocked on reading %d", ts)
		}
	}
	close(sink.gate)

	require.Eventually(t, func() bool {
		got := seconds(sink.of("s1"))
		return len(got) > 0 && got[len(got)-1] == 10
	}, waitFor, time.Millisecond)

	got := seconds(sink.of("s1"))
	assert.LessOrEqual(t, len(got), 3)
	assert.True(t, isSorted(got), "readings out of order: %v", got)
}

func TestAggregatorDropsOutOfOrderReadings(t *testing.T) {
	sink := newMemSink()
	a := NewAggregator(sink, nil)
	defer a.Close()

	stream := make(chan sensor.Reading)
	a.Attach("s1", stream)

	send := func(ts int) {
		stream <- reading("s1", ts)
	}

	send(5)
	require.Eventually(t, func() bool { return sink.count("s1") == 1 }, waitFor, time.Millisecond)
	send(3)
	send(6)
	require.Eventually(t, func() bool { return sink.count("s1") == 2 }, waitFor, time.Millisecond)

	assert.Equal(t, []int64{5, 6}, seconds(sink.of("s1")))
}

func TestAggregatorSinkFailureIsIsolated(t *testing.T) {
	sink := newMemSink()
	sink.failures["s1"] = 1

	var mu sync.Mutex
	var failed []sensor.Reading
	a := NewAggregator(sink, nil, WithSinkErrorHandler(func(r sensor.Reading, err error) {
		mu.Lock()
		failed = append(failed, r)
		mu.Unlock()
	}))
	defer a.Close()

	s1 := make(chan sensor.Reading)
	s2 := make(chan sensor.Reading)
	a.Attach("s1", s1)
	a.Attach("s2", s2)

	s1 <- reading("s1", 1)
	s2 <- reading("s2", 1)
	require.Eventually(t, func() bool { return sink.count("s2") == 1 }, waitFor, time.Millisecond)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(failed) == 1
	}, waitFor, time.Millisecond)

	// Both keep flowing after the failure
	s1 <- reading("s1", 2)
	s2 <- reading("s2", 2)
	require.Eventually(t, func() bool { return sink.count("s1") == 1 && sink.count("s2") == 2 }, waitFor, time.Millisecond)

	assert.Equal(t, []int64{2}, seconds(sink.of("s1")))
	assert.Equal(t, []int64{1, 2}, seconds(sink.of("s2")))
}

func TestAggregatorSinkPanicIsContained(t *testing.T) {
	sink := newMemSink()
	sink.panicFor = "bad"

	errs := make(chan error, 1)
	a := NewAggregator(sink, nil, WithSinkErrorHandler(func(r sensor.Reading, err error) {
		errs <- err
	}))
	defer a.Close()

	bad := make(chan sensor.Reading, 1)
	good := make(chan sensor.Reading, 1)
	a.Attach("bad", bad)
	a.Attach("good", good)

	bad <- reading("bad", 1)
	select {
	case err := <-errs:
		assert.Contains(t, err.Error(), "sink panicked")
	case <-time.After(waitFor):
		t.Fatal("sink panic was not reported")
	}

	good <- reading("good", 1)
	require.Eventually(t, func() bool { return sink.count("good") == 1 }, waitFor, time.Millisecond)
}

func TestAggregatorDetachStopsDelivery(t *testing.T) {
	sink := newMemSink()
	a := NewAggregator(sink, nil)

	stream := make(chan sensor.Reading, 4)
	a.Attach("s1", stream)
	stream <- reading("s1", 1)
	require.Eventually(t, func() bool { return sink.count("s1") == 1 }, waitFor, time.Millisecond)

	a.Detach("s1")
	assert.False(t, a.Attached("s1"))

	stream <- reading("s1", 2)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, sink.count("s1"))

	// Detaching twice is harmless
	a.Detach("s1")
}

func TestAggregatorAttachReplacesStream(t *testing.T) {
	sink := newMemSink()
	a := NewAggregator(sink, nil)
	defer a.Close()

	first := make(chan sensor.Reading, 4)
	second := make(chan sensor.Reading, 4)
	a.Attach("s1", first)
	a.Attach("s1", second)

	first <- reading("s1", 1)
	second <- reading("s1", 2)
	require.Eventually(t, func() bool { return sink.count("s1") == 1 }, waitFor, time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, []int64{2}, seconds(sink.of("s1")))
}

func TestAggregatorStreamEnd(t *testing.T) {
	sink := newMemSink()
	ended := make(chan (<-chan sensor.Reading), 1)
	a := NewAggregator(sink, nil, WithStreamEndHandler(func(id string, stream <-chan sensor.Reading) {
		assert.Equal(t, "s1", id)
		ended <- stream
	}))
	defer a.Close()

	stream := make(chan sensor.Reading, 1)
	a.Attach("s1", stream)
	stream <- reading("s1", 1)
	close(stream)

	select {
	case got := <-ended:
		assert.True(t, got == (<-chan sensor.Reading)(stream))
	case <-time.After(waitFor):
		t.Fatal("stream end not reported")
	}
	require.Eventually(t, func() bool { return sink.count("s1") == 1 }, waitFor, time.Millisecond)
	assert.False(t, a.Attached("s1"))
}

func TestAggregatorDetachedStreamEndIsNotReported(t *testing.T) {
	var ends atomic.Int32
	a := NewAggregator(newMemSink(), nil, WithStreamEndHandler(func(string, <-chan sensor.Reading) {
		ends.Add(1)
	}))
	defer a.Close()

	stream := make(chan sensor.Reading)
	a.Attach("s1", stream)
	a.Detach("s1")
	close(stream)

	replaced := make(chan sensor.Reading)
	a.Attach("s2", replaced)
	a.Attach("s2", make(chan sensor.Reading))
	close(replaced)

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, ends.Load())
	assert.True(t, a.Attached("s2"))
}

func TestAggregatorDetachDoesNotWaitForSink(t *testing.T) {
	sink := newMemSink()
	sink.gate = make(chan struct{})
	var tapped atomic.Int32
	a := NewAggregator(sink, nil, WithTap(func(sensor.Reading) { tapped.Add(1) }))
	defer a.Close()

	stream := make(chan sensor.Reading, 4)
	a.Attach("s1", stream)
	stream <- reading("s1", 1)
	require.Eventually(t, func() bool { return sink.blocked.Load() == 1 }, waitFor, time.Millisecond)

	detached := make(chan struct{})
	go func() {
		a.Detach("s1")
		close(detached)
	}()
	select {
	case <-detached:
	case <-time.After(waitFor):
		t.Fatal("Detach blocked on the sink")
	}

	stream <- reading("s1", 2)
	close(sink.gate)

	// The append in progress completes; nothing after it does
	require.Eventually(t, func() bool { return sink.count("s1") == 1 }, waitFor, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, []int64{1}, seconds(sink.of("s1")))
	assert.Zero(t, tapped.Load())
}

func TestAggregatorTapsSeePersistedReadings(t *testing.T) {
	sink := newMemSink()
	sink.failures["s1"] = 1

	var mu sync.Mutex
	var tapped []int64
	a := NewAggregator(sink, nil,
		WithTap(func(r sensor.Reading) { panic("broken tap") }),
		WithTap(func(r sensor.Reading) {
			mu.Lock()
			tapped = append(tapped, r.Timestamp.Unix())
			mu.Unlock()
		}),
	)
	defer a.Close()

	stream := make(chan sensor.Reading)
	a.Attach("s1", stream)
	stream <- reading("s1", 1) // rejected by the sink
	require.Eventually(t, func() bool { return sink.failuresLeft("s1") == 0 }, waitFor, time.Millisecond)
	stream <- reading("s1", 2)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(tapped) == 1
	}, waitFor, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{2}, tapped)
}

func TestAggregatorMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	sink := newMemSink()
	a := NewAggregator(sink, nil, WithAggregatorMetrics(m))

	stream := make(chan sensor.Reading)
	a.Attach("s1", stream)
	stream <- reading("s1", 1)
	require.Eventually(t, func() bool { return sink.count("s1") == 1 }, waitFor, time.Millisecond)

	assert.Equal(t, 1.0, gauge(t, reg, "sensormon_aggregator_attached_streams"))
	n, err := testutil.GatherAndCount(reg, "sensormon_readings_persisted_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	a.Close()
	assert.Equal(t, 0.0, gauge(t, reg, "sensormon_aggregator_attached_streams"))
}

func gauge(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not gathered", name)
	return 0
}
