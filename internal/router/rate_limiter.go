package router

import (
	"sync"
	"time"

	"vrdiag/internal/common/clock"
)

const (
	DefaultRateLimit  = 120
	DefaultRateWindow = time.Minute
)

// RateLimiter is a fixed-window message counter per patient.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	clock   clock.Clock
	clients map[int64]*clientLimit
}

type clientLimit struct {
	messageCount int
	windowStart  time.Time
}

// NewRateLimiter allows limit messages per window. Non-positive values take
// the defaults.
func NewRateLimiter(limit int, window time.Duration, clk clock.Clock) *RateLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	if clk == nil {
		clk = &clock.DefaultClock{}
	}
	return &RateLimiter{
		limit:   limit,
		window:  window,
		clock:   clk,
		clients: make(map[int64]*clientLimit),
	}
}

// Allow counts one message from patientID and reports whether it fits.
func (rl *RateLimiter) Allow(patientID int64) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()

	limit, exists := rl.clients[patientID]
	if !exists || now.Sub(limit.windowStart) >= rl.window {
		rl.clients[patientID] = &clientLimit{messageCount: 1, windowStart: now}
		return true
	}

	if limit.messageCount >= rl.limit {
		return false
	}

	limit.messageCount++
	return true
}

// Forget drops the patient's window, e.g. when its device disconnects.
func (rl *RateLimiter) Forget(patientID int64) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.clients, patientID)
}

// Cleanup removes entries idle for more than five windows.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	for id, limit := range rl.clients {
		if now.Sub(limit.windowStart) > 5*rl.window {
			delete(rl.clients, id)
		}
	}
}

// Tracked returns the number of patients with a live window.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}
