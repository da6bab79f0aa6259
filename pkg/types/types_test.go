package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJobStateIsTerminal(t *testing.T) {
	tests := []struct {
		state JobState
		want  bool
	}{
		{StateQueued, false},
		{StateLeased, false},
		{StateRetryScheduled, false},
		{StateSucceeded, true},
		{StateFailed, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.state.IsTerminal())
		})
	}
}

func TestJobEligible(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	assert.True(t, (&Job{State: StateQueued}).Eligible(now))
	assert.False(t, (&Job{State: StateLeased}).Eligible(now))
	assert.False(t, (&Job{State: StateSucceeded}).Eligible(now))

	// next_eligible_at 只在 RETRY_SCHEDULED 時被檢查
	assert.True(t, (&Job{State: StateQueued, NextEligibleAt: now.Add(time.Hour)}).Eligible(now))
	assert.False(t, (&Job{State: StateRetryScheduled, NextEligibleAt: now.Add(time.Second)}).Eligible(now))
	assert.True(t, (&Job{State: StateRetryScheduled, NextEligibleAt: now}).Eligible(now))
}

func TestJobBefore(t *testing.T) {
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	a := &Job{ID: "b", CreatedAt: t0}
	b := &Job{ID: "a", CreatedAt: t0.Add(time.Millisecond)}
	assert.True(t, a.Before(b))
	assert.False(t, b.Before(a))

	// created_at 相同時以 id 決定順序
	c := &Job{ID: "a", CreatedAt: t0}
	assert.True(t, c.Before(a))
}

func TestJobClone(t *testing.T) {
	orig := &Job{
		ID:        "job-1",
		Payload:   []byte("hello"),
		LastError: &JobError{Class: ClassTransient, Message: "timeout"},
	}

	c := orig.Clone()
	c.Payload[0] = 'j'
	c.LastError.Message = "changed"

	assert.Equal(t, "hello", string(orig.Payload))
	assert.Equal(t, "timeout", orig.LastError.Message)
	assert.Nil(t, (*Job)(nil).Clone())
}

func TestOutcomeConstructors(t *testing.T) {
	assert.Equal(t, OutcomeSuccess, Success().Kind)

	r := Retry(2*time.Second, "relay busy")
	assert.Equal(t, OutcomeRetry, r.Kind)
	assert.Equal(t, 2*time.Second, r.Delay)
	assert.Equal(t, "relay busy", r.Reason)

	p := PermanentFailure("mailbox unavailable")
	assert.Equal(t, OutcomePermanentFailure, p.Kind)
	assert.Zero(t, p.Delay)
}
