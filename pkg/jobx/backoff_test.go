package jobx_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/Abraxas-365/jobq/pkg/jobx"
)

func TestBackoff_After(t *testing.T) {
	tests := []struct {
		name    string
		policy  jobx.BackoffPolicy
		attempt int
		want    time.Duration
	}{
		{"fixed first", jobx.FixedBackoff(100 * time.Millisecond), 1, 100 * time.Millisecond},
		{"fixed third", jobx.FixedBackoff(100 * time.Millisecond), 3, 100 * time.Millisecond},
		{"exponential first", jobx.ExponentialBackoff(3 * time.Second), 1, 3 * time.Second},
		{"exponential second", jobx.ExponentialBackoff(3 * time.Second), 2, 6 * time.Second},
		{"exponential fourth", jobx.ExponentialBackoff(3 * time.Second), 4, 24 * time.Second},
		{"zero delay", jobx.ExponentialBackoff(0), 5, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.After(tt.attempt); got != tt.want {
				t.Fatalf("After(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestBackoff_ExponentialIsCapped(t *testing.T) {
	b := jobx.ExponentialBackoff(time.Millisecond)
	if b.After(1000) != b.After(31) {
		t.Fatalf("expected exponent cap, got %v vs %v", b.After(1000), b.After(31))
	}
	if b.After(1000) <= 0 {
		t.Fatal("capped delay overflowed")
	}
}

func TestBackoff_Validate(t *testing.T) {
	if err := (jobx.BackoffPolicy{Type: "linear", Delay: time.Second}).Validate(); err == nil {
		t.Fatal("expected unknown type to be rejected")
	}
	if err := jobx.FixedBackoff(-time.Second).Validate(); err == nil {
		t.Fatal("expected negative delay to be rejected")
	}
	if err := jobx.FixedBackoff(0).Validate(); err != nil {
		t.Fatalf("expected zero delay to be valid, got %v", err)
	}
}

func TestBackoff_JSONInMilliseconds(t *testing.T) {
	data, err := json.Marshal(jobx.ExponentialBackoff(3 * time.Second))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != `{"type":"exponential","delay":3000}` {
		t.Fatalf("unexpected encoding %s", data)
	}

	var b jobx.BackoffPolicy
	if err := json.Unmarshal([]byte(`{"type":"fixed","delay":250}`), &b); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if b.Type != jobx.BackoffFixed || b.Delay != 250*time.Millisecond {
		t.Fatalf("unexpected policy %+v", b)
	}
}

func TestPlanFailure(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	job := &jobx.JobInfo{AttemptsMade: 1, AttemptsMax: 3, Backoff: jobx.ExponentialBackoff(time.Second)}

	plan := jobx.PlanFailure(job, false, now)
	if !plan.Retry() || !plan.RunAt.Equal(now.Add(time.Second)) {
		t.Fatalf("expected retry after 1s, got %+v", plan)
	}

	job.AttemptsMade = 2
	if plan := jobx.PlanFailure(job, false, now); !plan.RunAt.Equal(now.Add(2 * time.Second)) {
		t.Fatalf("expected retry after 2s, got %+v", plan)
	}

	job.AttemptsMade = 3
	if plan := jobx.PlanFailure(job, false, now); plan.Status != jobx.JobStatusFailed {
		t.Fatalf("expected exhausted job to fail, got %+v", plan)
	}

	job.AttemptsMade = 1
	if plan := jobx.PlanFailure(job, true, now); plan.Status != jobx.JobStatusFailed {
		t.Fatalf("expected permanent failure, got %+v", plan)
	}
}

func TestStalledOutcome(t *testing.T) {
	if s := jobx.StalledOutcome(&jobx.JobInfo{AttemptsMade: 1, AttemptsMax: 2}); s != jobx.JobStatusWaiting {
		t.Fatalf("expected waiting, got %s", s)
	}
	if s := jobx.StalledOutcome(&jobx.JobInfo{AttemptsMade: 2, AttemptsMax: 2}); s != jobx.JobStatusFailed {
		t.Fatalf("expected failed, got %s", s)
	}
}
