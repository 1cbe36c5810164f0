// Package retry tracks consecutive failures of a monitoring session and
// computes jittered exponential backoff delays.
package retry

import (
	"math"
	"math/rand/v2"
	"time"
)

// Defaults used by New.
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 60 * time.Second
	DefaultMaxDelay   = 300 * time.Second
)

// Policy is a pure state object; it performs no I/O and is not safe for
// concurrent use. Each session owns one.
type Policy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	random     func() float64

	retryCount        int
	consecutiveErrors int
	lastSuccessAt     time.Time
}

// Option customises a Policy.
type Option func(*Policy)

// WithMaxRetries overrides the retry budget.
func WithMaxRetries(n int) Option {
	return func(p *Policy) {
		if n >= 0 {
			p.maxRetries = n
		}
	}
}

// WithDelays overrides the base and cap of the backoff curve.
func WithDelays(base, ceiling time.Duration) Option {
	return func(p *Policy) {
		if base > 0 {
			p.baseDelay = base
		}
		if ceiling > 0 {
			p.maxDelay = ceiling
		}
	}
}

// WithRandom replaces the jitter source. fn must return values in [0, 1).
func WithRandom(fn func() float64) Option {
	return func(p *Policy) {
		if fn != nil {
			p.random = fn
		}
	}
}

// New returns a policy with zeroed counters.
func New(opts ...Option) *Policy {
	p := &Policy{
		maxRetries: DefaultMaxRetries,
		baseDelay:  DefaultBaseDelay,
		maxDelay:   DefaultMaxDelay,
		random:     rand.Float64,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ShouldRetry reports whether the retry budget still has room.
func (p *Policy) ShouldRetry() bool {
	return p.retryCount < p.maxRetries
}

// NextDelay returns min(base*2^retryCount, max) scaled by a factor drawn
// uniformly from [0.5, 1.5).
func (p *Policy) NextDelay() time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(p.retryCount))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	return time.Duration(delay * (0.5 + p.random()))
}

// Reset clears the counters after a successful cycle.
func (p *Policy) Reset(now time.Time) {
	p.retryCount = 0
	p.consecutiveErrors = 0
	p.lastSuccessAt = now
}

// RecordFailure counts one failed cycle.
func (p *Policy) RecordFailure() {
	p.retryCount++
	p.consecutiveErrors++
}

// RetryCount returns the failures since the last reset.
func (p *Policy) RetryCount() int { return p.retryCount }

// ConsecutiveErrors returns the failures since the last reset.
func (p *Policy) ConsecutiveErrors() int { return p.consecutiveErrors }

// LastSuccessAt returns the time of the last reset, or the zero time.
func (p *Policy) LastSuccessAt() time.Time { return p.lastSuccessAt }

// MaxRetries returns the configured budget.
func (p *Policy) MaxRetries() int { return p.maxRetries }
