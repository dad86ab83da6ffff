package api

import (
	"context"
	"errors"
	"net/http"

	"sensormon/internal/monitor"
)

// statusFor maps service errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, monitor.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, monitor.ErrDuplicateSensor),
		errors.Is(err, monitor.ErrUnknownSensorType),
		errors.Is(err, monitor.ErrInvalidParameters):
		return http.StatusBadRequest
	case errors.Is(err, monitor.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes an error response with the status matching err
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}
