package gateway

import (
	"sync"
	"time"
)

const rateWindow = time.Minute

// Limits bounds what one client may do.
type Limits struct {
	RequestsPerMinute int
	MaxConcurrent     int
}

// DefaultLimits apply when the gateway config leaves them unset.
var DefaultLimits = Limits{RequestsPerMinute: 60, MaxConcurrent: 10}

func (l Limits) withDefaults() Limits {
	if l.RequestsPerMinute <= 0 {
		l.RequestsPerMinute = DefaultLimits.RequestsPerMinute
	}
	if l.MaxConcurrent <= 0 {
		l.MaxConcurrent = DefaultLimits.MaxConcurrent
	}
	return l
}

// ClientRateLimiter implements sliding window rate limiting per client
type ClientRateLimiter struct {
	mu       sync.Mutex
	limits   Limits
	requests []time.Time
	inFlight int
	now      func() time.Time
}

// NewClientRateLimiter creates a rate limiter with the default limits.
func NewClientRateLimiter() *ClientRateLimiter {
	return NewClientRateLimiterWithLimits(DefaultLimits.RequestsPerMinute, DefaultLimits.MaxConcurrent)
}

// NewClientRateLimiterWithLimits creates a rate limiter with custom limits
func NewClientRateLimiterWithLimits(requestsPerMinute, maxConcurrent int) *ClientRateLimiter {
	return &ClientRateLimiter{
		limits: Limits{RequestsPerMinute: requestsPerMinute, MaxConcurrent: maxConcurrent},
		now:    time.Now,
	}
}

// CheckRequestAllowed reports whether one more request fits, and why not.
func (r *ClientRateLimiter) CheckRequestAllowed() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inFlight >= r.limits.MaxConcurrent {
		return false, "too many concurrent requests"
	}
	r.prune()
	if len(r.requests) >= r.limits.RequestsPerMinute {
		return false, "rate limit exceeded"
	}
	return true, ""
}

// RecordRequestStart records the start of a request
func (r *ClientRateLimiter) RecordRequestStart() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.requests = append(r.requests, r.now())
	r.inFlight++
}

// RecordRequestEnd records the end of a request
func (r *ClientRateLimiter) RecordRequestEnd() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inFlight > 0 {
		r.inFlight--
	}
}

// UpdateLimits updates the rate limits
func (r *ClientRateLimiter) UpdateLimits(requestsPerMinute, maxConcurrent int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.limits = Limits{RequestsPerMinute: requestsPerMinute, MaxConcurrent: maxConcurrent}
}

// GetStats returns requests in the current window and requests in flight.
func (r *ClientRateLimiter) GetStats() (requestCount, concurrentCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune()
	return len(r.requests), r.inFlight
}

// prune drops requests older than the window. Callers hold r.mu.
func (r *ClientRateLimiter) prune() {
	cutoff := r.now().Add(-rateWindow)
	kept := r.requests[:0]
	for _, at := range r.requests {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	r.requests = kept
}
