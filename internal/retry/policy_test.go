package retry

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNext_Exponential(t *testing.T) {
	p := NewPolicy(time.Second, 0, 0)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 32 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Next(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestNext_Monotonic(t *testing.T) {
	p := DefaultPolicy()

	prev := p.Next(1)
	for n := 2; n <= 20; n++ {
		d := p.Next(n)
		assert.GreaterOrEqual(t, d, 2*prev, "attempt %d", n)
		prev = d
	}
}

func TestNext_AttemptLessThanOne(t *testing.T) {
	p := NewPolicy(500*time.Millisecond, 0, 0)

	assert.Equal(t, 500*time.Millisecond, p.Next(0))
	assert.Equal(t, 500*time.Millisecond, p.Next(-3))
}

func TestNext_Capped(t *testing.T) {
	p := NewPolicy(10*time.Second, time.Minute, 0)

	assert.Equal(t, 40*time.Second, p.Next(3))
	assert.Equal(t, time.Minute, p.Next(10))
}

func TestNext_NoOverflow(t *testing.T) {
	p := NewPolicy(time.Second, 0, 0)

	d := p.Next(200)
	assert.Greater(t, d, time.Duration(0))
	assert.GreaterOrEqual(t, d, p.Next(40))
}

func TestNext_JitterBounds(t *testing.T) {
	p := NewPolicy(time.Second, 0, 0.5).WithRand(rand.New(rand.NewSource(1)))

	for i := 0; i < 100; i++ {
		d := p.Next(3)
		assert.GreaterOrEqual(t, d, 4*time.Second)
		assert.Less(t, d, 6*time.Second)
	}
}

func TestNext_JitterRespectsMax(t *testing.T) {
	p := NewPolicy(time.Second, 10*time.Second, 0.5).WithRand(rand.New(rand.NewSource(1)))

	for i := 0; i < 100; i++ {
		assert.Equal(t, 10*time.Second, p.Next(10))
	}

	// 未達上限時 jitter 仍然生效
	for i := 0; i < 100; i++ {
		d := p.Next(2)
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 3*time.Second)
	}
}

func TestNewPolicy_Defaults(t *testing.T) {
	p := NewPolicy(0, 0, -1)

	assert.Equal(t, time.Second, p.BaseDelay)
	assert.Zero(t, p.JitterFraction)
}
