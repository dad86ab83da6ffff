package api

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// ControlLimiter limits mutating sensor requests per client IP
type ControlLimiter struct {
	mu       sync.Mutex
	clients  map[string]*clientWindow
	max      int           // requests allowed per window
	window   time.Duration // time window for counting requests
	blockFor time.Duration // how long a client is blocked after exceeding max
	now      func() time.Time
}

type clientWindow struct {
	count    int
	start    time.Time
	blocked  bool
	blockEnd time.Time
}

// NewControlLimiter creates a limiter allowing max requests per window.
// A client exceeding it is rejected for blockFor.
func NewControlLimiter(max int, window, blockFor time.Duration) *ControlLimiter {
	return &ControlLimiter{
		clients:  make(map[string]*clientWindow),
		max:      max,
		window:   window,
		blockFor: blockFor,
		now:      time.Now,
	}
}

// Allow records a request of ip.
// Returns (allowed, seconds until the client is unblocked)
func (l *ControlLimiter) Allow(ip string) (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	c, exists := l.clients[ip]
	if !exists {
		l.clients[ip] = &clientWindow{count: 1, start: now}
		return true, 0
	}

	if c.blocked {
		if now.After(c.blockEnd) {
			*c = clientWindow{count: 1, start: now}
			return true, 0
		}
		return false, retrySeconds(c.blockEnd.Sub(now))
	}

	if now.Sub(c.start) > l.window {
		c.count = 1
		c.start = now
		return true, 0
	}

	c.count++
	if c.count > l.max {
		c.blocked = true
		c.blockEnd = now.Add(l.blockFor)
		return false, retrySeconds(l.blockFor)
	}
	return true, 0
}

// Sweep drops clients whose window or block has expired
func (l *ControlLimiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for ip, c := range l.clients {
		if (!c.blocked && now.Sub(c.start) > l.window) || (c.blocked && now.After(c.blockEnd)) {
			delete(l.clients, ip)
		}
	}
}

// Clients returns the number of tracked clients
func (l *ControlLimiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// Middleware rejects requests of blocked clients with 429
func (l *ControlLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if allowed, retry := l.Allow(clientIP(r)); !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "too many sensor control requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP returns the host part of RemoteAddr (already rewritten by middleware.RealIP)
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func retrySeconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		return 1
	}
	return s
}
