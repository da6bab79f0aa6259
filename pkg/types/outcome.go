package types

import "time"

// OutcomeKind identifies how a delivery attempt ended.
type OutcomeKind string

const (
	OutcomeSuccess          OutcomeKind = "success"
	OutcomeRetry            OutcomeKind = "retry"
	OutcomePermanentFailure OutcomeKind = "permanent_failure"
)

// Outcome is what a worker reports back to the broker after an attempt.
// Delay is only used by OutcomeRetry; Reason is recorded into Job.LastError.
type Outcome struct {
	Kind   OutcomeKind   `json:"kind"`
	Delay  time.Duration `json:"delay"`
	Reason string        `json:"reason,omitempty"`
}

// Success reports a delivered job.
func Success() Outcome {
	return Outcome{Kind: OutcomeSuccess}
}

// Retry asks the broker to make the job eligible again after delay.
func Retry(delay time.Duration, reason string) Outcome {
	return Outcome{Kind: OutcomeRetry, Delay: delay, Reason: reason}
}

// PermanentFailure ends the job without consuming the remaining attempts.
func PermanentFailure(reason string) Outcome {
	return Outcome{Kind: OutcomePermanentFailure, Reason: reason}
}
