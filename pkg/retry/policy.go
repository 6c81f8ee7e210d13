// Package retry provides retry policies and jittered exponential backoff.
//
// A Policy is a pure decision function: given how many attempts have failed
// so far and the last (already classified) error, it says whether to try
// again and how long to wait first. Policies hold no per-operation state, so
// one policy value can be shared by every operation of a client and swapped
// at runtime.
//
// # Default Policy
//
// Exponential backoff with jitter:
//
//  1. Initial delay: 1 second
//  2. Doubling: 2s, 4s, 8s, 16s, 32s
//  3. Capped at 60 seconds
//  4. Jitter: up to +25% of the base delay
//  5. Unbounded attempts; the caller's context or the retry layer's
//     per-operation timeout ends the loop
package retry

import (
	"time"
)

// Policy decides whether a failed operation is attempted again.
//
// attempt is the number of attempts made so far (1 after the first failure).
// err is the error of the last attempt. The retry layer only consults the
// policy for transient errors.
type Policy interface {
	ShouldRetry(attempt int, err error) (bool, time.Duration)
}

// PolicyFunc adapts a function to the Policy interface.
type PolicyFunc func(attempt int, err error) (bool, time.Duration)

var _ Policy = PolicyFunc(nil)

// ShouldRetry implements Policy.
func (f PolicyFunc) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	return f(attempt, err)
}

// NoRetry never retries.
type NoRetry struct{}

// ShouldRetry implements Policy.
func (NoRetry) ShouldRetry(int, error) (bool, time.Duration) {
	return false, 0
}

// Fixed retries up to MaxRetries times with a constant delay.
type Fixed struct {
	MaxRetries int
	Delay      time.Duration
}

// ShouldRetry implements Policy.
func (p Fixed) ShouldRetry(attempt int, _ error) (bool, time.Duration) {
	if attempt > p.MaxRetries {
		return false, 0
	}
	return true, p.Delay
}

// ExponentialBackoff retries with exponentially growing, jittered delays.
type ExponentialBackoff struct {
	cfg BackoffConfig

	// maxRetries of 0 means unbounded.
	maxRetries int
	jitter     *Jitterer
}

// NewExponentialBackoff creates an exponential policy. maxRetries of 0 means
// retry until the caller's context is done.
func NewExponentialBackoff(cfg BackoffConfig, maxRetries int) *ExponentialBackoff {
	cfg = cfg.withDefaults()
	return &ExponentialBackoff{
		cfg:        cfg,
		maxRetries: maxRetries,
		jitter:     NewJitterer(cfg.Jitter),
	}
}

// DefaultPolicy returns the default exponential backoff policy.
func DefaultPolicy() Policy {
	return NewExponentialBackoff(BackoffConfig{}, 0)
}

// ShouldRetry implements Policy.
func (p *ExponentialBackoff) ShouldRetry(attempt int, _ error) (bool, time.Duration) {
	if p.maxRetries > 0 && attempt > p.maxRetries {
		return false, 0
	}
	return true, p.jitter.Apply(p.cfg.Delay(attempt))
}
