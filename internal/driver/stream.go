package driver

import (
	"context"
	"sync"
	"time"

	"sensormon/internal/sensor"
)

// Stream holds the reading channel of one connection.
// Drivers embed it: Open on connect, Close on disconnect.
// A Stream can be reopened; each Open creates a fresh channel.
type Stream struct {
	mu     sync.RWMutex
	ch     chan sensor.Reading
	ctx    context.Context
	cancel context.CancelFunc
	open   bool
	wg     sync.WaitGroup
}

// Open starts a new connection session and returns the context producers must honor.
// Opening an open stream returns the current session context.
func (s *Stream) Open() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open {
		return s.ctx
	}

	s.ch = make(chan sensor.Reading, 1)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.open = true
	return s.ctx
}

// Active reports whether a session is open
func (s *Stream) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.open
}

// Go runs a producer for the current session. Close waits for it to return.
func (s *Stream) Go(fn func(ctx context.Context)) {
	s.mu.RLock()
	if !s.open {
		s.mu.RUnlock()
		return
	}
	ctx := s.ctx
	s.wg.Add(1)
	s.mu.RUnlock()

	go func() {
		defer s.wg.Done()
		fn(ctx)
	}()
}

// Emit sends a reading on the current session.
// It returns false once the session is closed; it never sends after Close.
func (s *Stream) Emit(r sensor.Reading) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.open {
		return false
	}

	select {
	case <-s.ctx.Done():
		return false
	default:
	}

	select {
	case s.ch <- r:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// Close cancels the session, waits for producers and closes the channel
func (s *Stream) Close() {
	s.mu.RLock()
	cancel := s.cancel
	open := s.open
	s.mu.RUnlock()

	if !open {
		return
	}

	// Unblock in-flight Emit calls before taking the write lock
	cancel()
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return
	}
	s.open = false
	close(s.ch)
}

// Readings returns the channel of the current (or last) session
func (s *Stream) Readings() <-chan sensor.Reading {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.ch == nil {
		ch := make(chan sensor.Reading)
		close(ch)
		return ch
	}
	return s.ch
}

// Ticker calls produce every interval until ctx is cancelled
func Ticker(ctx context.Context, interval time.Duration, produce func(now time.Time)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			produce(now)
		}
	}
}
