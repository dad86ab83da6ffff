package monitor

import (
	"sync"

	"sensormon/internal/sensor"
)

// latest is a single-slot mailbox: a put overwrites whatever has not been taken yet
type latest struct {
	mu    sync.Mutex
	value sensor.Reading
	full  bool
	ready chan struct{}
}

func newLatest() *latest {
	return &latest{ready: make(chan struct{}, 1)}
}

// Put stores r and reports whether an untaken reading was overwritten
func (l *latest) Put(r sensor.Reading) (replaced bool) {
	l.mu.Lock()
	replaced = l.full
	l.value = r
	l.full = true
	l.mu.Unlock()

	select {
	case l.ready <- struct{}{}:
	default:
	}
	return replaced
}

// Take empties the slot
func (l *latest) Take() (sensor.Reading, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.full {
		return sensor.Reading{}, false
	}
	r := l.value
	l.value = sensor.Reading{}
	l.full = false
	return r, true
}

// Ready is signalled after a Put
func (l *latest) Ready() <-chan struct{} {
	return l.ready
}
