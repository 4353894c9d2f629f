package jobx

import (
	"encoding/json"
	"fmt"
	"time"
)

// BackoffType selects how retry delays grow.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// maxBackoffShift caps the exponent so the delay cannot overflow.
const maxBackoffShift = 30

// BackoffPolicy computes the delay before a failed job becomes eligible again.
// On the wire the delay is expressed in milliseconds.
type BackoffPolicy struct {
	Type  BackoffType
	Delay time.Duration
}

// FixedBackoff waits d between every attempt.
func FixedBackoff(d time.Duration) BackoffPolicy {
	return BackoffPolicy{Type: BackoffFixed, Delay: d}
}

// ExponentialBackoff waits base, 2*base, 4*base, ...
func ExponentialBackoff(base time.Duration) BackoffPolicy {
	return BackoffPolicy{Type: BackoffExponential, Delay: base}
}

// After returns the delay to apply after the given number of attempts.
// For exponential policies this is Delay * 2^(attemptsMade-1).
func (b BackoffPolicy) After(attemptsMade int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	if b.Type != BackoffExponential || attemptsMade <= 1 {
		return b.Delay
	}
	shift := min(attemptsMade-1, maxBackoffShift)
	return b.Delay * time.Duration(int64(1)<<shift)
}

// Validate checks the policy type and delay.
func (b BackoffPolicy) Validate() error {
	switch b.Type {
	case BackoffFixed, BackoffExponential:
	default:
		return fmt.Errorf("unknown backoff type %q", b.Type)
	}
	if b.Delay < 0 {
		return fmt.Errorf("backoff delay must not be negative")
	}
	return nil
}

type backoffJSON struct {
	Type  BackoffType `json:"type"`
	Delay int64       `json:"delay"`
}

// MarshalJSON encodes the delay in milliseconds.
func (b BackoffPolicy) MarshalJSON() ([]byte, error) {
	return json.Marshal(backoffJSON{Type: b.Type, Delay: b.Delay.Milliseconds()})
}

// UnmarshalJSON decodes a delay expressed in milliseconds.
func (b *BackoffPolicy) UnmarshalJSON(data []byte) error {
	var raw backoffJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	b.Type = raw.Type
	b.Delay = time.Duration(raw.Delay) * time.Millisecond
	return nil
}

// FailurePlan is the outcome of a failed attempt.
type FailurePlan struct {
	Status JobStatus
	RunAt  time.Time
}

// Retry reports whether the job goes back to the delayed set.
func (p FailurePlan) Retry() bool {
	return p.Status == JobStatusDelayed
}

// PlanFailure decides what a failed attempt of job leads to. Jobs with
// attempts left are delayed by the backoff policy; exhausted jobs, and every
// permanent failure, end in JobStatusFailed. Every ledger implementation
// resolves failures through this function.
func PlanFailure(job *JobInfo, permanent bool, now time.Time) FailurePlan {
	if permanent || job.AttemptsMade >= job.AttemptsMax {
		return FailurePlan{Status: JobStatusFailed}
	}
	return FailurePlan{
		Status: JobStatusDelayed,
		RunAt:  now.Add(job.Backoff.After(job.AttemptsMade)),
	}
}

// StalledOutcome is the status a stalled active job is returned to.
func StalledOutcome(job *JobInfo) JobStatus {
	if job.AttemptsMade >= job.AttemptsMax {
		return JobStatusFailed
	}
	return JobStatusWaiting
}

// StalledReason is recorded on jobs failed by stall recovery.
const StalledReason = "job stalled and exhausted its attempts"
