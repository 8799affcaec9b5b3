package gateway

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrRateLimited means the client started too many turns in the window.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrTooManyStreams means the client has too many streams open at once.
	ErrTooManyStreams = errors.New("too many concurrent streams")
)

// ClientRateLimiter is a sliding one-minute window plus a concurrency cap.
type ClientRateLimiter struct {
	mu                sync.Mutex
	requestsPerMinute int
	maxConcurrent     int
	requests          []time.Time
	active            int
	now               func() time.Time
}

// NewClientRateLimiter creates a limiter; non-positive limits fall back to
// 60 per minute and 10 concurrent.
func NewClientRateLimiter(requestsPerMinute, maxConcurrent int) *ClientRateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	return &ClientRateLimiter{
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
		now:               time.Now,
	}
}

// Acquire reserves a slot. The returned func releases it and is safe to call
// more than once.
func (r *ClientRateLimiter) Acquire() (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active >= r.maxConcurrent {
		return nil, ErrTooManyStreams
	}

	now := r.now()
	cutoff := now.Add(-time.Minute)
	kept := r.requests[:0]
	for _, t := range r.requests {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.requests = kept

	if len(r.requests) >= r.requestsPerMinute {
		return nil, ErrRateLimited
	}

	r.requests = append(r.requests, now)
	r.active++

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.active > 0 {
				r.active--
			}
		})
	}, nil
}

// Stats returns requests in the current window and open streams.
func (r *ClientRateLimiter) Stats() (requests, active int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests), r.active
}
