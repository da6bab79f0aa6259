// Package retry computes the delay before a failed delivery is attempted again.
//
// The policy only proposes a delay. Whether a job is allowed another attempt
// is decided by the broker when the retry outcome is acknowledged.
package retry

import (
	"math/rand"
	"sync"
	"time"
)

// Policy is an exponential backoff: delay = BaseDelay * 2^(attempt-1).
type Policy struct {
	BaseDelay time.Duration // delay after the first failed attempt
	MaxDelay  time.Duration // optional clamp applied after jitter, 0 means no upper bound

	// JitterFraction adds a random delay in [0, fraction*delay) on top of the
	// exponential value. 0 disables jitter, which keeps Next deterministic.
	JitterFraction float64

	mu  sync.Mutex
	rng *rand.Rand
}

// maxShift keeps BaseDelay << shift from overflowing time.Duration.
const maxShift = 62

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() *Policy {
	return &Policy{BaseDelay: time.Second}
}

// NewPolicy builds a policy, falling back to one second for a non-positive base.
func NewPolicy(base, max time.Duration, jitter float64) *Policy {
	if base <= 0 {
		base = time.Second
	}
	if jitter < 0 {
		jitter = 0
	}
	return &Policy{BaseDelay: base, MaxDelay: max, JitterFraction: jitter}
}

// WithRand replaces the jitter source, mainly for tests.
func (p *Policy) WithRand(rng *rand.Rand) *Policy {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rng = rng
	return p
}

// Next returns the delay to wait after attempt number attempt failed.
// attempt is 1-based; values below 1 behave like 1.
func (p *Policy) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}

	delay := exponential(base, attempt-1)
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	if p.JitterFraction > 0 {
		delay += p.jitter(delay)
		if delay < 0 {
			delay = time.Duration(1<<63 - 1)
		}
	}
	// MaxDelay 也是 jitter 之後的上限
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// exponential returns base * 2^shift, saturating instead of overflowing.
func exponential(base time.Duration, shift int) time.Duration {
	if shift >= maxShift {
		return time.Duration(1<<63 - 1)
	}
	d := base << uint(shift)
	if d < base || d>>uint(shift) != base {
		return time.Duration(1<<63 - 1)
	}
	return d
}

func (p *Policy) jitter(delay time.Duration) time.Duration {
	span := int64(float64(delay) * p.JitterFraction)
	if span <= 0 {
		return 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rng == nil {
		p.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return time.Duration(p.rng.Int63n(span))
}
