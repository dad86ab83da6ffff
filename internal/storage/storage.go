package storage

import (
	"errors"
	"time"

	"sensormon/internal/sensor"
)

var (
	// ErrNotFound is returned when a key is not found
	ErrNotFound = errors.New("key not found")

	// ErrInvalidReading is returned when a reading cannot be stored
	ErrInvalidReading = errors.New("invalid reading")
)

// storedReading is the persisted form of a reading; the sensor ID lives in the bucket name
type storedReading struct {
	Timestamp time.Time          `json:"timestamp"`
	Values    map[string]float64 `json:"values"`
}

// Storage is the interface for sensor configuration and reading persistence
type Storage interface {
	// Sensor Configuration Methods

	// SaveConfig creates or replaces a sensor configuration
	SaveConfig(cfg sensor.Config) error

	// GetConfig returns the configuration of a sensor
	// Returns ErrNotFound if the sensor was never saved
	GetConfig(id string) (sensor.Config, error)

	// ListConfigs returns all configurations ordered by ID
	ListConfigs() ([]sensor.Config, error)

	// DeleteConfig removes a configuration. Missing IDs are not an error.
	DeleteConfig(id string) error

	// Reading Methods

	// AppendReading stores a reading. Readings with equal timestamps are all kept.
	AppendReading(r sensor.Reading) error

	// QueryReadings returns up to limit readings of a sensor, newest first
	QueryReadings(id string, limit int) ([]sensor.Reading, error)

	// CountReadings returns the number of stored readings of a sensor
	CountReadings(id string) (int, error)

	// TrimReadings keeps only the newest keep readings of a sensor
	// and returns how many were removed
	TrimReadings(id string, keep int) (int, error)

	// DeleteReadings removes every reading of a sensor
	DeleteReadings(id string) error

	// Lifecycle Methods

	// Close closes the storage
	Close() error
}
