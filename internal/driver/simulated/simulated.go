// Package simulated provides a probe that needs no hardware: every channel
// follows a bounded random walk around a base value.
package simulated

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"sensormon/internal/driver"
	"sensormon/internal/sensor"
)

// Type is the sensor type served by this driver
const Type sensor.Type = "simulated"

// Descriptor returns the static metadata of the simulated probe
func Descriptor() sensor.Descriptor {
	return sensor.Descriptor{
		Type:        Type,
		Name:        "Simulated probe",
		Description: "Random-walk environmental probe for testing and demos",
		Channels:    []string{"temperature", "humidity"},
		Parameters: []sensor.ParameterSpec{
			{Name: "interval", Kind: sensor.KindNumber, Default: 1.0, Description: "Seconds between readings"},
			{Name: "channels", Kind: sensor.KindString, Default: "temperature,humidity", Description: "Comma separated measurement names"},
			{Name: "base", Kind: sensor.KindNumber, Default: 20.0, Description: "Starting value of every channel"},
			{Name: "jitter", Kind: sensor.KindNumber, Default: 0.5, Description: "Maximum change per reading"},
			{Name: "offline", Kind: sensor.KindBool, Default: false, Description: "Refuse to connect (simulates an unreachable device)"},
		},
	}
}

// Probe is a simulated sensor driver
type Probe struct {
	driver.Stream

	mu       sync.Mutex
	id       string
	interval time.Duration
	channels []string
	base     float64
	jitter   float64
	offline  bool
	values   map[string]float64
}

// New builds a probe from cfg
func New(cfg sensor.Config) (driver.Driver, error) {
	interval := cfg.NumberParam("interval", 1)
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}

	var channels []string
	for _, c := range strings.Split(cfg.StringParam("channels", "temperature,humidity"), ",") {
		if c = strings.TrimSpace(c); c != "" {
			channels = append(channels, c)
		}
	}
	if len(channels) == 0 {
		return nil, fmt.Errorf("at least one channel is required")
	}

	return &Probe{
		id:       cfg.ID,
		interval: time.Duration(interval * float64(time.Second)),
		channels: channels,
		base:     cfg.NumberParam("base", 20),
		jitter:   cfg.NumberParam("jitter", 0.5),
		offline:  cfg.BoolParam("offline", false),
	}, nil
}

// Connect implements driver.Driver
func (p *Probe) Connect(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Active() {
		return true
	}
	if p.offline || ctx.Err() != nil {
		return false
	}

	if p.values == nil {
		p.values = make(map[string]float64, len(p.channels))
		for _, c := range p.channels {
			p.values[c] = p.base
		}
	}

	p.Open()
	p.Go(func(ctx context.Context) {
		driver.Ticker(ctx, p.interval, func(now time.Time) {
			p.Emit(p.next(now))
		})
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

// next advances the random walk; only the producer goroutine calls it
func (p *Probe) next(now time.Time) sensor.Reading {
	values := make(map[string]float64, len(p.channels))
	for _, c := range p.channels {
		v := p.values[c] + (rand.Float64()*2-1)*p.jitter
		p.values[c] = v
		values[c] = v
	}
	return sensor.Reading{SensorID: p.id, Timestamp: now, Values: values}
}
