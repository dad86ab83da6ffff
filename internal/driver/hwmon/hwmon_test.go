package hwmon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensormon/internal/sensor"
)

func TestFriendlyName(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"cluster0_thermal", "CPU Cluster 1"},
		{"cluster10_thermal", "CPU Cluster 11"},
		{"core0", "CPU Core 1"},
		{"core15", "CPU Core 16"},
		{"k10temp", "k10temp"},
		{"coretemp", "coretemp"},
		{"cluster_thermal", "cluster_thermal"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, FriendlyName(tt.input))
		})
	}
}

// fakeSysfs lays out a hwmon tree below a temp dir
func fakeSysfs(t *testing.T) string {
	t.Helper()
	root := t.TempDir()

	write := func(path, content string) {
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	write(filepath.Join(root, "hwmon0", "name"), "k10temp\n")
	write(filepath.Join(root, "hwmon0", "temp1_input"), "45250\n")
	write(filepath.Join(root, "hwmon0", "temp1_label"), "Tctl\n")
	write(filepath.Join(root, "hwmon0", "temp2_input"), "41000\n")
	write(filepath.Join(root, "hwmon0", "temp2_label"), "Tccd1\n")

	write(filepath.Join(root, "hwmon1", "name"), "cluster0_thermal\n")
	write(filepath.Join(root, "hwmon1", "temp1_input"), "52000\n")

	write(filepath.Join(root, "hwmon2", "name"), "broken\n")
	write(filepath.Join(root, "hwmon2", "temp1_input"), "n/a\n")

	return root
}

func TestScanInputs(t *testing.T) {
	root := fakeSysfs(t)

	labels := map[string]bool{}
	for _, in := range scanInputs(root, "") {
		labels[in.label] = true
	}
	assert.Equal(t, map[string]bool{"Tctl": true, "Tccd1": true, "CPU Cluster 1": true}, labels)

	only := scanInputs(root, "cluster0_thermal")
	require.Len(t, only, 1)
	assert.Equal(t, "CPU Cluster 1", only[0].label)

	assert.Empty(t, scanInputs(filepath.Join(root, "missing"), ""))
}

func TestProbeReadsSelectedLabels(t *testing.T) {
	root := fakeSysfs(t)
	build := Builder(root)

	d, err := build(sensor.Config{
		ID:         "cpu",
		Type:       Type,
		Parameters: map[string]interface{}{"labels": "Tctl, CPU Cluster 1", "interval": 60.0},
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.True(t, d.Connect(ctx))
	defer d.Disconnect(ctx)

	select {
	case r := <-d.Readings():
		assert.Equal(t, "cpu", r.SensorID)
		assert.Equal(t, map[string]float64{"Tctl": 45.25, "CPU Cluster 1": 52.0}, r.Values)
	case <-time.After(time.Second):
		t.Fatal("no initial reading")
	}
}

func TestProbeConnectIsAllOrNothing(t *testing.T) {
	root := fakeSysfs(t)
	build := Builder(root)

	d, err := build(sensor.Config{ID: "cpu", Type: Type, Parameters: map[string]interface{}{"labels": "Tctl,GPU"}})
	require.NoError(t, err)
	assert.False(t, d.Connect(context.Background()))

	d, err = build(sensor.Config{ID: "cpu", Type: Type, Parameters: map[string]interface{}{"device": "nct6775"}})
	require.NoError(t, err)
	assert.False(t, d.Connect(context.Background()))

	_, err = build(sensor.Config{ID: "cpu", Type: Type, Parameters: map[string]interface{}{"interval": -1.0}})
	assert.Error(t, err)
}
