// Package hwmon reads temperatures exposed by the Linux hwmon subsystem
package hwmon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"sensormon/internal/driver"
	"sensormon/internal/sensor"
)

// Type is the sensor type served by this driver
const Type sensor.Type = "hwmon"

// DefaultRoot is where the kernel exposes hwmon devices
const DefaultRoot = "/sys/class/hwmon"

// Descriptor returns the static metadata of the hwmon probe
func Descriptor() sensor.Descriptor {
	return sensor.Descriptor{
		Type:        Type,
		Name:        "System temperatures",
		Description: "CPU/SoC temperature inputs read from /sys/class/hwmon",
		Channels:    []string{"<label>"},
		Parameters: []sensor.ParameterSpec{
			{Name: "device", Kind: sensor.KindString, Description: "Only read inputs of this hwmon device name"},
			{Name: "labels", Kind: sensor.KindString, Description: "Comma separated labels that must all be present"},
			{Name: "interval", Kind: sensor.KindNumber, Default: 15.0, Description: "Seconds between readings"},
		},
	}
}

// input is one tempN_input file
type input struct {
	label string
	path  string
}

// Probe reads a set of hwmon temperature inputs periodically
type Probe struct {
	driver.Stream

	mu       sync.Mutex
	id       string
	root     string
	device   string
	labels   []string
	interval time.Duration
	inputs   []input
}

// Builder returns a driver.BuildFunc scanning root (DefaultRoot when empty)
func Builder(root string) driver.BuildFunc {
	if root == "" {
		root = DefaultRoot
	}
	return func(cfg sensor.Config) (driver.Driver, error) {
		interval := cfg.NumberParam("interval", 15)
		if interval <= 0 {
			return nil, fmt.Errorf("interval must be positive")
		}

		var labels []string
		for _, l := range strings.Split(cfg.StringParam("labels", ""), ",") {
			if l = strings.TrimSpace(l); l != "" {
				labels = append(labels, l)
			}
		}

		return &Probe{
			id:       cfg.ID,
			root:     root,
			device:   cfg.StringParam("device", ""),
			labels:   labels,
			interval: time.Duration(interval * float64(time.Second)),
		}, nil
	}
}

// Connect implements driver.Driver.
// Every requested label must resolve to a readable input, otherwise nothing is armed.
func (p *Probe) Connect(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Active() {
		return true
	}
	if ctx.Err() != nil {
		return false
	}

	inputs := scanInputs(p.root, p.device)
	if len(inputs) == 0 {
		return false
	}

	if len(p.labels) > 0 {
		byLabel := make(map[string]input, len(inputs))
		for _, in := range inputs {
			byLabel[in.label] = in
		}
		selected := make([]input, 0, len(p.labels))
		for _, l := range p.labels {
			in, ok := byLabel[l]
			if !ok {
				return false
			}
			selected = append(selected, in)
		}
		inputs = selected
	}

	p.inputs = inputs
	p.Open()
	p.Go(func(ctx context.Context) {
		p.sample(time.Now())
		driver.Ticker(ctx, p.interval, p.sample)
	})
	return true
}

// Disconnect implements driver.Driver
func (p *Probe) Disconnect(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Close()
	return true
}

// sample reads every armed input; unreadable inputs are skipped for this round
func (p *Probe) sample(now time.Time) {
	values := make(map[string]float64, len(p.inputs))
	for _, in := range p.inputs {
		if v, err := readMilliCelsius(in.path); err == nil {
			values[in.label] = v
		}
	}
	if len(values) == 0 {
		return
	}
	p.Emit(sensor.Reading{SensorID: p.id, Timestamp: now, Values: values})
}

// scanInputs lists temperature inputs below root, optionally limited to one device name
func scanInputs(root, device string) []input {
	var inputs []input

	entries, err := os.ReadDir(root)
	if err != nil {
		return inputs
	}

	for _, entry := range entries {
		devicePath := filepath.Join(root, entry.Name())

		nameBytes, err := os.ReadFile(filepath.Join(devicePath, "name"))
		if err != nil {
			continue
		}
		deviceName := strings.TrimSpace(string(nameBytes))
		if device != "" && deviceName != device {
			continue
		}

		files, err := os.ReadDir(devicePath)
		if err != nil {
			continue
		}

		for _, f := range files {
			if !strings.HasPrefix(f.Name(), "temp") || !strings.HasSuffix(f.Name(), "_input") {
				continue
			}

			path := filepath.Join(devicePath, f.Name())
			if _, err := readMilliCelsius(path); err != nil {
				continue
			}

			// Prefer the kernel label, fall back to a friendly device name
			labelFile := strings.Replace(f.Name(), "_input", "_label", 1)
			var label string
			if labelBytes, err := os.ReadFile(filepath.Join(devicePath, labelFile)); err == nil {
				label = strings.TrimSpace(string(labelBytes))
			} else {
				label = FriendlyName(deviceName)
			}

			inputs = append(inputs, input{label: label, path: path})
		}
	}

	return inputs
}

func readMilliCelsius(path string) (float64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	milli, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, err
	}
	return float64(milli) / 1000.0, nil
}

// FriendlyName converts hwmon device names to human-readable names.
// clusterN_thermal becomes "CPU Cluster N+1", coreN becomes "CPU Core N+1".
func FriendlyName(deviceName string) string {
	if strings.HasPrefix(deviceName, "cluster") && strings.HasSuffix(deviceName, "_thermal") {
		num := strings.TrimSuffix(strings.TrimPrefix(deviceName, "cluster"), "_thermal")
		if n, err := strconv.Atoi(num); err == nil && len(num) > 0 && isDigit(num[0]) {
			return "CPU Cluster " + strconv.Itoa(n+1)
		}
	}

	if strings.HasPrefix(deviceName, "core") {
		num := strings.TrimPrefix(deviceName, "core")
		if len(num) > 0 && isDigit(num[0]) {
			if n, err := strconv.Atoi(num); err == nil {
				return "CPU Core " + strconv.Itoa(n+1)
			}
		}
	}

	return deviceName
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}
