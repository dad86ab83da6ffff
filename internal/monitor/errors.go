package monitor

import (
	"errors"

	"sensormon/internal/driver"
)

var (
	// ErrNotFound is returned when no sensor has the given ID
	ErrNotFound = errors.New("sensor not found")

	// ErrDuplicateSensor is returned when a sensor ID is already registered
	ErrDuplicateSensor = errors.New("sensor already exists")

	// ErrUnknownSensorType is returned when no driver serves the requested type
	ErrUnknownSensorType = driver.ErrUnknownType

	// ErrInvalidState is returned when an operation is not allowed in the current state
	ErrInvalidState = errors.New("operation not allowed in current sensor state")

	// ErrInvalidParameters is returned when sensor parameters fail validation
	ErrInvalidParameters = errors.New("invalid sensor parameters")
)
