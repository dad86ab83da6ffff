// Package seed provisions sensors listed in a YAML file
package seed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v3"

	"sensormon/internal/monitor"
	"sensormon/internal/sensor"
)

// File is the layout of a seed file:
//
//	sensors:
//	  - id: kitchen
//	    type: simulated
//	    parameters:
//	      interval: 2
type File struct {
	Sensors []sensor.Config `yaml:"sensors"`
}

// Provisioner creates sensors
type Provisioner interface {
	CreateSensor(ctx context.Context, id string, typ sensor.Type, params map[string]interface{}) (sensor.Config, error)
}

// Load reads and checks a seed file
func Load(path string) ([]sensor.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse seed file %s: %w", path, err)
	}

	seen := make(map[string]bool, len(f.Sensors))
	for i, cfg := range f.Sensors {
		if cfg.ID == "" {
			return nil, fmt.Errorf("seed entry %d has no id", i)
		}
		if cfg.Type == "" {
			return nil, fmt.Errorf("seed entry %s has no type", cfg.ID)
		}
		if seen[cfg.ID] {
			return nil, fmt.Errorf("seed entry %s is listed twice", cfg.ID)
		}
		seen[cfg.ID] = true
	}
	return f.Sensors, nil
}

// Apply creates every seeded sensor that does not exist yet and returns how many were created.
// Entries that fail are logged and skipped.
func Apply(ctx context.Context, p Provisioner, configs []sensor.Config, logger *log.Logger) int {
	created := 0
	for _, cfg := range configs {
		_, err := p.CreateSensor(ctx, cfg.ID, cfg.Type, cfg.Parameters)
		switch {
		case err == nil:
			created++
		case errors.Is(err, monitor.ErrDuplicateSensor):
			// already provisioned
		default:
			if logger != nil {
				logger.Printf("[seed] Skipping sensor %s: %v", cfg.ID, err)
			}
		}
	}

	if logger != nil && created > 0 {
		logger.Printf("[seed] Provisioned %d sensors", created)
	}
	return created
}
