// Package task runs background work on a schedule
package task

import (
	"context"
	"log"
	"time"
)

// RunPeriodic runs a function periodically until the context is cancelled
// Usage example:
//
//	go task.RunPeriodic(ctx, 5*time.Minute, logger, "retention", func(ctx context.Context) error {
//	    return svc.EnforceRetention(maxReadings)
//	})
func RunPeriodic(ctx context.Context, interval time.Duration, logger *log.Logger, name string, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run immediately on start
	run(ctx, logger, name, fn)

	for {
		select {
		case <-ctx.Done():
			if logger != nil {
				logger.Printf("[%s] Background task stopped", name)
			}
			return
		case <-ticker.C:
			run(ctx, logger, name, fn)
		}
	}
}

// RunOnce runs a function once after a delay, unless the context is cancelled
func RunOnce(ctx context.Context, delay time.Duration, logger *log.Logger, name string, fn func(context.Context) error) {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		if logger != nil {
			logger.Printf("[%s] Delayed task cancelled", name)
		}
		return
	case <-timer.C:
		run(ctx, logger, name, fn)
	}
}

func run(ctx context.Context, logger *log.Logger, name string, fn func(context.Context) error) {
	defer func() {
		if rec := recover(); rec != nil && logger != nil {
			logger.Printf("[%s] Background task panicked: %v", name, rec)
		}
	}()

	if err := fn(ctx); err != nil && logger != nil {
		logger.Printf("[%s] Background task error: %v", name, err)
	}
}
