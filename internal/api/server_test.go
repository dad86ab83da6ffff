package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensormon/internal/driver"
	"sensormon/internal/driver/simulated"
	"sensormon/internal/events"
	"sensormon/internal/metrics"
	"sensormon/internal/monitor"
	"sensormon/internal/sensor"
	"sensormon/internal/storage"
)

type testServer struct {
	server  *Server
	service *monitor.Service
	events  *events.Store
	hub     *LiveHub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	db, err := storage.NewBoltStorage(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	factory := driver.NewFactory()
	require.NoError(t, factory.Register(simulated.Descriptor(), simulated.New))

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	ts := &testServer{events: events.NewStore(100), hub: NewLiveHub()}
	ts.service = monitor.NewService(db, factory, monitor.Options{
		Metrics:        m,
		Events:         ts.events,
		Taps:           []monitor.Tap{ts.hub.Publish},
		ConnectTimeout: time.Second,
		StopTimeout:    time.Second,
	})
	t.Cleanup(func() { ts.service.Shutdown(context.Background()) })

	ts.server = NewServer(ts.service, ts.events, ts.hub, reg, nil)
	return ts
}

// do performs a request and decodes a JSON response into out (when non-nil)
func (ts *testServer) do(t *testing.T, method, path, body string, out interface{}) int {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	ts.server.Router().ServeHTTP(rec, req)

	if out != nil {
		require.NoError(t, json.NewDecoder(rec.Body).Decode(out), rec.Body.String())
	}
	return rec.Code
}

func (ts *testServer) create(t *testing.T, id string, params string) {
	t.Helper()
	body := fmt.Sprintf(`{"id":%q,"type":"simulated","parameters":%s}`, id, params)
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/sensors", body, nil))
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	ts.create(t, "s1", `{}`)

	var body map[string]interface{}
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/healthz", "", &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, 1.0, body["registered"])
	assert.Equal(t, 0.0, body["running"])
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	ts.server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sensormon_sensors_running")
}

func TestCreateSensor(t *testing.T) {
	ts := newTestServer(t)

	var cfg sensor.Config
	code := ts.do(t, http.MethodPost, "/api/sensors", `{"id":"s1","type":"simulated","parameters":{"interval":0.5}}`, &cfg)
	assert.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "s1", cfg.ID)
	assert.Equal(t, 0.5, cfg.Parameters["interval"])

	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "duplicate", body: `{"id":"s1","type":"simulated"}`, want: http.StatusBadRequest},
		{name: "unknown type", body: `{"id":"s2","type":"geiger"}`, want: http.StatusBadRequest},
		{name: "missing type", body: `{"id":"s2"}`, want: http.StatusBadRequest},
		{name: "unknown parameter", body: `{"id":"s2","type":"simulated","parameters":{"volume":11}}`, want: http.StatusBadRequest},
		{name: "wrong kind", body: `{"id":"s2","type":"simulated","parameters":{"interval":"1s"}}`, want: http.StatusBadRequest},
		{name: "rejected by driver", body: `{"id":"s2","type":"simulated","parameters":{"interval":0}}`, want: http.StatusBadRequest},
		{name: "unknown field", body: `{"id":"s2","type":"simulated","color":"red"}`, want: http.StatusBadRequest},
		{name: "not json", body: `id=s2`, want: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body map[string]interface{}
			assert.Equal(t, tt.want, ts.do(t, http.MethodPost, "/api/sensors", tt.body, &body))
			assert.NotEmpty(t, body["error"])
		})
	}

	// A generated id when none is given
	code = ts.do(t, http.MethodPost, "/api/sensors", `{"type":"simulated"}`, &cfg)
	assert.Equal(t, http.StatusCreated, code)
	assert.NotEmpty(t, cfg.ID)
}

func TestListAndGetSensors(t *testing.T) {
	ts := newTestServer(t)
	ts.create(t, "b", `{}`)
	ts.create(t, "a", `{}`)

	var list []map[string]interface{}
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/sensors", "", &list))
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0]["config"].(map[string]interface{})["id"])
	assert.Equal(t, "created", list[0]["state"])

	var status map[string]interface{}
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/sensors/b", "", &status))
	assert.Equal(t, "created", status["state"])

	var errBody map[string]string
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/sensors/ghost", "", &errBody))
	assert.Contains(t, errBody["error"], "not found")

	var types []sensor.Descriptor
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/sensors/types", "", &types))
	require.Len(t, types, 1)
	assert.Equal(t, simulated.Type, types[0].Type)
}

func TestStartStopSensor(t *testing.T) {
	ts := newTestServer(t)
	ts.create(t, "s1", `{"interval":60}`)
	ts.create(t, "away", `{"offline":true}`)

	var body map[string]interface{}
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/sensors/s1/start", "", &body))
	assert.Equal(t, true, body["started"])

	// Starting twice is fine
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/sensors/s1/start", "", nil))

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/sensors/away/start", "", &body))
	assert.Equal(t, false, body["started"])

	var status map[string]interface{}
	ts.do(t, http.MethodGet, "/api/sensors/away", "", &status)
	assert.Equal(t, "stopped", status["state"])

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/api/sensors/ghost/start", "", nil))

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/sensors/s1/stop", "", &body))
	assert.Equal(t, true, body["stopped"])
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/sensors/s1/stop", "", nil))
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/api/sensors/ghost/stop", "", nil))
}

func TestUpdateAndDeleteSensor(t *testing.T) {
	ts := newTestServer(t)
	ts.create(t, "s1", `{"interval":60}`)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/sensors/s1/start", "", nil))

	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodPut, "/api/sensors/s1", `{"parameters":{"interval":30}}`, nil))
	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodDelete, "/api/sensors/s1", "", nil))

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/sensors/s1/stop", "", nil))

	var cfg sensor.Config
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodPut, "/api/sensors/s1", `{"parameters":{"interval":30}}`, &cfg))
	assert.Equal(t, 30.0, cfg.Parameters["interval"])

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPut, "/api/sensors/s1", `{"parameters":{"interval":"slow"}}`, nil))
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPut, "/api/sensors/ghost", `{"parameters":{}}`, nil))

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodDelete, "/api/sensors/s1?purge=true", "", nil))
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/sensors/s1", "", nil))
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodDelete, "/api/sensors/s1", "", nil))
}

func TestSensorHistory(t *testing.T) {
	ts := newTestServer(t)
	ts.create(t, "s1", `{"interval":0.02}`)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/sensors/s1/start", "", nil))

	require.Eventually(t, func() bool {
		readings, err := ts.service.GetHistory("s1", 5)
		return err == nil && len(readings) == 5
	}, 5*time.Second, 10*time.Millisecond)

	var readings []sensor.Reading
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/sensors/s1/history?dataSize=2", "", &readings))
	require.Len(t, readings, 2)
	assert.False(t, readings[0].Timestamp.Before(readings[1].Timestamp))
	assert.Equal(t, "s1", readings[0].SensorID)

	// No size means the default of five
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/sensors/s1/history", "", &readings))
	assert.Len(t, readings, 5)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/sensors/s1/history?dataSize=0", "", &readings))
	assert.Len(t, readings, 5)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/sensors/s1/history?dataSize=-1", "", nil))
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/sensors/s1/history?dataSize=many", "", nil))
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/sensors/ghost/history", "", nil))

	ts.create(t, "quiet", `{}`)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/sensors/quiet/history", "", &readings))
	assert.Empty(t, readings)
}

func TestEventsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.create(t, "s1", `{"interval":60}`)
	ts.create(t, "s2", `{}`)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/sensors/s1/start", "", nil))

	var body struct {
		Events []events.Event `json:"events"`
		LastID int64          `json:"lastId"`
	}
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/events", "", &body))
	assert.Len(t, body.Events, 3)
	assert.EqualValues(t, 3, body.LastID)

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/events?sensor=s1", "", &body))
	require.Len(t, body.Events, 2)
	assert.Equal(t, events.EventSensorStarted, body.Events[0].Type)

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/events?since=2", "", &body))
	require.Len(t, body.Events, 1)
	assert.EqualValues(t, 3, body.Events[0].ID)

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/events?limit=1", "", &body))
	assert.Len(t, body.Events, 1)
}

func TestLiveStream(t *testing.T) {
	ts := newTestServer(t)
	ts.create(t, "s1", `{}`)

	srv := httptest.NewServer(ts.server.Router())
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(wsURL+"/api/sensors/ghost/live", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/api/sensors/s1/live", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return ts.hub.Subscribers("s1") == 1 }, time.Second, 5*time.Millisecond)

	ts.hub.Publish(sensor.Reading{SensorID: "s2", Timestamp: time.Unix(1, 0)})
	ts.hub.Publish(sensor.Reading{SensorID: "s1", Timestamp: time.Unix(2, 0), Values: map[string]float64{"temperature": 20}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got sensor.Reading
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "s1", got.SensorID)
	assert.Equal(t, 20.0, got.Values["temperature"])

	conn.Close()
	require.Eventually(t, func() bool { return ts.hub.Subscribers("s1") == 0 }, time.Second, 5*time.Millisecond)
}

func TestLiveHubDropsOldest(t *testing.T) {
	hub := NewLiveHub()
	ch, unsubscribe := hub.Subscribe("s1")

	for i := 1; i <= liveBuffer+2; i++ {
		hub.Publish(sensor.Reading{SensorID: "s1", Timestamp: time.Unix(int64(i), 0)})
	}

	first := <-ch
	assert.EqualValues(t, 3, first.Timestamp.Unix())
	assert.Len(t, ch, liveBuffer-1)

	unsubscribe()
	unsubscribe()
	assert.Zero(t, hub.Subscribers("s1"))

	// Publishing without subscribers is a no-op
	hub.Publish(sensor.Reading{SensorID: "s1"})
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrap: %w", monitor.ErrNotFound), http.StatusNotFound},
		{monitor.ErrDuplicateSensor, http.StatusBadRequest},
		{monitor.ErrUnknownSensorType, http.StatusBadRequest},
		{monitor.ErrInvalidParameters, http.StatusBadRequest},
		{monitor.ErrInvalidState, http.StatusConflict},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestDecodeBodyLimit(t *testing.T) {
	ts := newTestServer(t)

	big := bytes.Repeat([]byte("a"), maxBodySize+1)
	body := `{"type":"simulated","id":"` + string(big) + `"}`
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/sensors", body, nil))
}
