package gateway

import (
	"sync"
	"time"
)

// FrameRateLimiter implements a sliding one-minute window over inbound control
// frames for one connection.
type FrameRateLimiter struct {
	mu        sync.Mutex
	perMinute int
	frames    []time.Time
	now       func() time.Time
}

// NewFrameRateLimiter allows perMinute frames per minute. A non-positive limit
// allows everything.
func NewFrameRateLimiter(perMinute int) *FrameRateLimiter {
	return &FrameRateLimiter{
		perMinute: perMinute,
		now:       time.Now,
	}
}

// Allow records a frame and reports whether it fits in the window.
func (r *FrameRateLimiter) Allow() bool {
	if r.perMinute <= 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.prune(now)
	if len(r.frames) >= r.perMinute {
		return false
	}
	r.frames = append(r.frames, now)
	return true
}

// Count returns the number of frames in the current window.
func (r *FrameRateLimiter) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune(r.now())
	return len(r.frames)
}

func (r *FrameRateLimiter) prune(now time.Time) {
	cutoff := now.Add(-time.Minute)
	kept := r.frames[:0]
	for _, t := range r.frames {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.frames = kept
}
