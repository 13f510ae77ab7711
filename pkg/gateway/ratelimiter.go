package gateway

import (
	"errors"
	"sync"
	"time"
)

var (
	errRateLimited       = errors.New("rate limit exceeded")
	errTooManyConcurrent = errors.New("too many concurrent generations")
)

const (
	defaultMessagesPerMinute = 30
	defaultMaxConcurrent     = 2
)

// ClientRateLimiter bounds the generations one WebSocket connection can start:
// a sliding one-minute window plus a cap on concurrent streams.
type ClientRateLimiter struct {
	mu                sync.Mutex
	messagesPerMinute int
	maxConcurrent     int
	started           []time.Time
	running           int
	now               func() time.Time
}

func NewClientRateLimiter() *ClientRateLimiter {
	return NewClientRateLimiterWithLimits(defaultMessagesPerMinute, defaultMaxConcurrent)
}

func NewClientRateLimiterWithLimits(messagesPerMinute, maxConcurrent int) *ClientRateLimiter {
	return &ClientRateLimiter{
		messagesPerMinute: messagesPerMinute,
		maxConcurrent:     maxConcurrent,
		now:               time.Now,
	}
}

// Acquire reserves a generation slot. Every successful Acquire must be paired
// with a Release.
func (r *ClientRateLimiter) Acquire() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running >= r.maxConcurrent {
		return errTooManyConcurrent
	}

	r.prune()
	if len(r.started) >= r.messagesPerMinute {
		return errRateLimited
	}

	r.started = append(r.started, r.now())
	r.running++
	return nil
}

func (r *ClientRateLimiter) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running > 0 {
		r.running--
	}
}

// Stats returns the starts inside the window and the running generations.
func (r *ClientRateLimiter) Stats() (started, running int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune()
	return len(r.started), r.running
}

// prune must be called with r.mu held.
func (r *ClientRateLimiter) prune() {
	cutoff := r.now().Add(-time.Minute)
	kept := r.started[:0]
	for _, t := range r.started {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.started = kept
}
