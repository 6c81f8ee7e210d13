package retry

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff defaults.
const (
	DefaultInitial    = 1 * time.Second
	DefaultMax        = 60 * time.Second
	DefaultMultiplier = 2.0

	// DefaultJitter is the maximum jitter as a fraction of the base delay.
	DefaultJitter = 0.25
)

// BackoffConfig configures exponential delays. Zero fields take the
// defaults.
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	if c.Initial <= 0 {
		c.Initial = DefaultInitial
	}
	if c.Max <= 0 {
		c.Max = DefaultMax
	}
	if c.Max < c.Initial {
		c.Max = c.Initial
	}
	if c.Multiplier <= 1 {
		c.Multiplier = DefaultMultiplier
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	return c
}

// Delay returns the base delay (no jitter) before retry number attempt,
// counting from 1: Initial, Initial*Multiplier, ... capped at Max.
func (c BackoffConfig) Delay(attempt int) time.Duration {
	c = c.withDefaults()
	d := float64(c.Initial)
	for i := 1; i < attempt; i++ {
		d *= c.Multiplier
		if d >= float64(c.Max) {
			return c.Max
		}
	}
	return time.Duration(d)
}

// Jitterer adds bounded random jitter to delays. Safe for concurrent use.
type Jitterer struct {
	mu     sync.Mutex
	factor float64
	rng    *rand.Rand
}

// NewJitterer creates a Jitterer adding up to factor*d to a delay d.
func NewJitterer(factor float64) *Jitterer {
	if factor < 0 {
		factor = 0
	}
	return &Jitterer{
		factor: factor,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Apply returns d plus a random amount in [0, d*factor).
func (j *Jitterer) Apply(d time.Duration) time.Duration {
	if j == nil || j.factor <= 0 || d <= 0 {
		return d
	}
	j.mu.Lock()
	f := j.rng.Float64()
	j.mu.Unlock()
	return d + time.Duration(float64(d)*j.factor*f)
}

// Spread returns d scaled by a random factor in [1-factor, 1+factor).
// Used for polling intervals, which may fire early as well as late.
func (j *Jitterer) Spread(d time.Duration) time.Duration {
	if j == nil || j.factor <= 0 || d <= 0 {
		return d
	}
	j.mu.Lock()
	f := j.rng.Float64()*2 - 1
	j.mu.Unlock()
	return d + time.Duration(float64(d)*j.factor*f)
}
