// Package metrics holds the Prometheus collectors of the telemetry pipeline
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricPrefix = "sensormon_"

// Drop reasons
const (
	ReasonSuperseded = "superseded"
	ReasonOutOfOrder = "out_of_order"
	ReasonSinkError  = "sink_error"
)

// Start results
const (
	resultSuccess = "success"
	resultFailure = "failure"
)

// Metrics is a set of registered collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	readingsReceived  *prometheus.CounterVec
	readingsPersisted *prometheus.CounterVec
	readingsDropped   *prometheus.CounterVec
	sinkLatency       prometheus.Histogram
	attachedStreams   prometheus.Gauge
	sensorsRunning    prometheus.Gauge
	lifecycleOps      *prometheus.CounterVec
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		readingsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "readings_received_total",
				Help: "Readings received from sensor streams",
			},
			[]string{"sensor"},
		),
		readingsPersisted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "readings_persisted_total",
				Help: "Readings appended to the persistence sink",
			},
			[]string{"sensor"},
		),
		readingsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "readings_dropped_total",
				Help: "Readings dropped by reason",
			},
			[]string{"sensor", "reason"},
		),
		sinkLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "sink_append_latency_seconds",
				Help:    "Persistence sink append latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		attachedStreams: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "aggregator_attached_streams",
				Help: "Sensor streams currently consumed by the aggregator",
			},
		),
		sensorsRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "sensors_running",
				Help: "Sensors in the running state",
			},
		),
		lifecycleOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "lifecycle_operations_total",
				Help: "Sensor start/stop operations by result",
			},
			[]string{"op", "result"},
		),
	}

	for _, c := range []prometheus.Collector{
		m.readingsReceived,
		m.readingsPersisted,
		m.readingsDropped,
		m.sinkLatency,
		m.attachedStreams,
		m.sensorsRunning,
		m.lifecycleOps,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// ReadingReceived counts a reading taken off a sensor stream
func (m *Metrics) ReadingReceived(sensorID string) {
	if m == nil {
		return
	}
	m.readingsReceived.WithLabelValues(sensorID).Inc()
}

// ReadingPersisted counts a successful append and observes its latency
func (m *Metrics) ReadingPersisted(sensorID string, took time.Duration) {
	if m == nil {
		return
	}
	m.readingsPersisted.WithLabelValues(sensorID).Inc()
	m.sinkLatency.Observe(took.Seconds())
}

// ReadingDropped counts a dropped reading
func (m *Metrics) ReadingDropped(sensorID, reason string) {
	if m == nil {
		return
	}
	m.readingsDropped.WithLabelValues(sensorID, reason).Inc()
}

// StreamAttached adjusts the attached streams gauge
func (m *Metrics) StreamAttached(delta int) {
	if m == nil {
		return
	}
	m.attachedStreams.Add(float64(delta))
}

// SetRunning sets the running sensors gauge
func (m *Metrics) SetRunning(n int) {
	if m == nil {
		return
	}
	m.sensorsRunning.Set(float64(n))
}

// LifecycleOp counts a start or stop outcome
func (m *Metrics) LifecycleOp(op string, ok bool) {
	if m == nil {
		return
	}
	result := resultSuccess
	if !ok {
		result = resultFailure
	}
	m.lifecycleOps.WithLabelValues(op, result).Inc()
}
