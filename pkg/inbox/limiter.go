package inbox

import (
	"sync"
	"time"
)

// RateLimiter is the flood-mitigation gate ahead of admission: a new
// request arriving within the window of the previous one is rejected with
// a 429-equivalent. This is deliberately not fair queuing.
type RateLimiter struct {
	mu     sync.Mutex
	window time.Duration
	last   time.Time
	now    func() time.Time // test hook
}

// NewRateLimiter creates a limiter with the given window. A window of zero
// disables limiting.
func NewRateLimiter(window time.Duration) *RateLimiter {
	return &RateLimiter{window: window, now: time.Now}
}

// Allow reports whether a request may proceed, recording the arrival when
// it does.
func (l *RateLimiter) Allow() bool {
	if l.window <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.last) < l.window {
		return false
	}
	l.last = now
	return true
}
