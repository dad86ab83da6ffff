package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensormon/internal/sensor"
)

type message struct {
	topic    string
	payload  []byte
	raw      bool
	retained bool
}

// fakeTransport records publishes instead of talking to a broker
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	prefix    string
	messages  []message
}

func (f *fakeTransport) Publish(topic string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message{topic: topic, payload: payload.([]byte)})
	return nil
}

func (f *fakeTransport) PublishRaw(topic string, payload interface{}, retained bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message{topic: topic, payload: payload.([]byte), raw: true, retained: retained})
	return nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) GetConfig() Config {
	return Config{Broker: "tcp://localhost:1883", Prefix: f.prefix}
}

func (f *fakeTransport) sent() []message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]message(nil), f.messages...)
}

func (f *fakeTransport) topics() []string {
	var topics []string
	for _, m := range f.sent() {
		topics = append(topics, m.topic)
	}
	return topics
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	f.messages = nil
	f.mu.Unlock()
}

func TestSanitizeID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "lowercase conversion", input: "CPU0_TEMP", expected: "cpu0_temp"},
		{name: "space replacement", input: "CPU 0 Temperature", expected: "cpu_0_temperature"},
		{name: "slash replacement", input: "nvme0/temp1", expected: "nvme0_temp1"},
		{name: "dot replacement", input: "sensor.temp.1", expected: "sensor_temp_1"},
		{name: "wildcards", input: "probe/+/#", expected: "probe____"},
		{name: "already clean", input: "cpu0_temp", expected: "cpu0_temp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SanitizeID(tt.input))
		})
	}
}

func TestNewRequiresBroker(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.Error(t, err)
}

func TestPublisherPublishesReadings(t *testing.T) {
	transport := &fakeTransport{connected: true}
	p := NewPublisher(transport, nil)

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, p.PublishReading(sensor.Reading{
		SensorID:  "Living Room",
		Timestamp: ts,
		Values:    map[string]float64{"temperature": 21.5},
	}))
	require.NoError(t, p.PublishAvailability("Living Room", true))
	require.NoError(t, p.PublishAvailability("Living Room", false))

	sent := transport.sent()
	require.Len(t, sent, 3)
	assert.Equal(t, "sensor/living_room/state", sent[0].topic)
	assert.JSONEq(t, `{"timestamp":"2024-05-01T12:00:00Z","values":{"temperature":21.5}}`, string(sent[0].payload))
	assert.Equal(t, "sensor/living_room/availability", sent[1].topic)
	assert.Equal(t, "online", string(sent[1].payload))
	assert.Equal(t, "offline", string(sent[2].payload))
}

func TestPublisherSkipsWhileDisconnected(t *testing.T) {
	transport := &fakeTransport{}
	p := NewPublisher(transport, nil)

	assert.NoError(t, p.PublishReading(sensor.Reading{SensorID: "s1"}))
	assert.NoError(t, p.PublishAvailability("s1", true))
	assert.Empty(t, transport.sent())
}

func TestPublisherConcurrency(t *testing.T) {
	transport := &fakeTransport{connected: true}
	p := NewPublisher(transport, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = p.PublishReading(sensor.Reading{
					SensorID: fmt.Sprintf("Sensor %d", id),
					Values:   map[string]float64{"v": float64(j)},
				})
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, transport.sent(), 1000)
}

func TestDiscoveryAnnouncesChannelSetOnce(t *testing.T) {
	transport := &fakeTransport{connected: true, prefix: "home"}
	d := NewDiscoveryManager(transport, NewPublisher(transport, nil), nil)

	cfg := sensor.Config{ID: "Garden", Type: "mqtt"}
	r := sensor.Reading{SensorID: "Garden", Values: map[string]float64{"temperature": 18, "humidity": 60}}

	d.AnnounceReading(cfg, r)
	assert.Equal(t, []string{
		"homeassistant/sensor/sensormon/garden_humidity/config",
		"homeassistant/sensor/sensormon/garden_temperature/config",
	}, transport.topics())

	var payload map[string]interface{}
	temp := transport.sent()[1]
	assert.True(t, temp.raw)
	assert.True(t, temp.retained)
	require.NoError(t, json.Unmarshal(temp.payload, &payload))
	assert.Equal(t, "home/sensor/garden/state", payload["state_topic"])
	assert.Equal(t, "home/sensor/garden/availability", payload["availability_topic"])
	assert.Equal(t, "°C", payload["unit_of_measurement"])
	assert.Equal(t, "temperature", payload["device_class"])
	assert.Equal(t, "{{ value_json.values['temperature'] }}", payload["value_template"])

	// Same channels: nothing new
	transport.reset()
	d.AnnounceReading(cfg, r)
	assert.Empty(t, transport.sent())

	// A new channel set is announced again
	r.Values["pressure"] = 1013
	d.AnnounceReading(cfg, r)
	assert.Len(t, transport.sent(), 3)

	transport.reset()
	d.Forget("Garden")
	d.AnnounceReading(cfg, r)
	assert.Len(t, transport.sent(), 3)
}

func TestDiscoveryWaitsForConnection(t *testing.T) {
	transport := &fakeTransport{}
	d := NewDiscoveryManager(transport, NewPublisher(transport, nil), nil)

	cfg := sensor.Config{ID: "s1", Type: "simulated"}
	r := sensor.Reading{SensorID: "s1", Values: map[string]float64{"temperature": 1}}

	d.AnnounceReading(cfg, r)
	assert.Empty(t, transport.sent())

	// Nothing was recorded as announced while offline
	transport.connected = true
	d.AnnounceReading(cfg, r)
	assert.Len(t, transport.sent(), 1)
}

func TestUnitsAndDeviceClasses(t *testing.T) {
	tests := []struct {
		channel string
		class   string
		unit    string
	}{
		{"object_temperature", "temperature", "°C"},
		{"humidity", "humidity", "%"},
		{"pressure", "pressure", "hPa"},
		{"lux", "illuminance", "lx"},
		{"co2", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.channel, func(t *testing.T) {
			assert.Equal(t, tt.class, deviceClassFor(tt.channel))
			assert.Equal(t, tt.unit, unitFor(tt.channel))
		})
	}
}

func TestExporter(t *testing.T) {
	transport := &fakeTransport{connected: true}
	publisher := NewPublisher(transport, nil)
	e := NewExporter(publisher, NewDiscoveryManager(transport, publisher, nil), true)

	cfg := sensor.Config{ID: "s1", Type: "simulated"}
	r := sensor.Reading{SensorID: "s1", Values: map[string]float64{"temperature": 20}}

	e.SensorStarted(cfg)
	e.HandleReading(r)
	e.HandleReading(r)
	e.SensorStopped("s1")

	assert.Equal(t, []string{
		"sensor/s1/availability",
		"homeassistant/sensor/sensormon/s1_temperature/config",
		"sensor/s1/state",
		"sensor/s1/state",
		"sensor/s1/availability",
	}, transport.topics())

	// After removal the sensor is unknown: no discovery, readings still flow
	transport.reset()
	e.SensorRemoved("s1")
	e.HandleReading(r)
	assert.Equal(t, []string{"sensor/s1/state"}, transport.topics())
}

func TestExporterWithoutReadings(t *testing.T) {
	transport := &fakeTransport{connected: true}
	e := NewExporter(NewPublisher(transport, nil), nil, false)

	e.SensorStarted(sensor.Config{ID: "s1"})
	e.HandleReading(sensor.Reading{SensorID: "s1", Values: map[string]float64{"v": 1}})
	e.SensorRemoved("s1")

	topics := transport.topics()
	require.Len(t, topics, 1)
	assert.True(t, strings.HasSuffix(topics[0], "/availability"))
}
