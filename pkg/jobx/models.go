package jobx

import (
	"encoding/json"
	"time"
)

// JobStatus represents the current state of a job.
type JobStatus string

const (
	JobStatusWaiting   JobStatus = "waiting"
	JobStatusDelayed   JobStatus = "delayed"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []JobStatus{
	JobStatusWaiting,
	JobStatusDelayed,
	JobStatusActive,
	JobStatusCompleted,
	JobStatusFailed,
}

// Terminal reports whether no further transitions leave s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Progress is the last value reported by a running handler.
type Progress struct {
	Percent int    `json:"progress"`
	Message string `json:"message"`
}

// JobInfo is the full representation of a job stored in the ledger.
type JobInfo struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Queue   string          `json:"queue"`
	Payload json.RawMessage `json:"data"`
	Status  JobStatus       `json:"status"`

	AttemptsMade int           `json:"attempts_made"`
	AttemptsMax  int           `json:"attempts_max"`
	Backoff      BackoffPolicy `json:"backoff"`

	Progress      Progress        `json:"progress"`
	Result        json.RawMessage `json:"result,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`

	// LastError is the message of the most recent failed attempt, kept while
	// the job waits for a retry.
	LastError string `json:"last_error,omitempty"`

	// Token identifies the claim that currently owns an active job.
	Token string `json:"-"`

	// Revision increases on every ledger mutation of the record.
	Revision int64 `json:"revision"`

	CreatedAt   time.Time  `json:"created_at"`
	RunAt       time.Time  `json:"run_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Clone returns a deep copy of j.
func (j *JobInfo) Clone() *JobInfo {
	if j == nil {
		return nil
	}
	c := *j
	c.Payload = cloneRaw(j.Payload)
	c.Result = cloneRaw(j.Result)
	if j.ProcessedAt != nil {
		t := *j.ProcessedAt
		c.ProcessedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// Snapshot returns the observer view of the job.
func (j *JobInfo) Snapshot() Snapshot {
	s := Snapshot{
		JobID:    j.ID,
		State:    j.Status,
		Progress: j.Progress.Percent,
		Message:  j.Progress.Message,
		Revision: j.Revision,
	}
	switch j.Status {
	case JobStatusCompleted:
		s.Result = cloneRaw(j.Result)
	case JobStatusFailed:
		s.Error = j.FailureReason
	}
	return s
}

// Snapshot is a point-in-time view of a job as seen by an observer.
type Snapshot struct {
	JobID    string          `json:"id"`
	State    JobStatus       `json:"state"`
	Progress int             `json:"progress"`
	Message  string          `json:"message"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`

	Revision int64 `json:"-"`
	NotFound bool  `json:"-"`
}

// Terminal reports whether the snapshot is the last one for its job.
func (s Snapshot) Terminal() bool {
	return s.NotFound || s.State.Terminal()
}

func notFoundSnapshot(id string) Snapshot {
	return Snapshot{JobID: id, Error: "Job not found", NotFound: true}
}

// Event is published after every ledger mutation of a job.
type Event struct {
	Queue    string    `json:"queue"`
	JobID    string    `json:"job_id"`
	Revision int64     `json:"revision"`
	Snapshot Snapshot  `json:"snapshot"`
	At       time.Time `json:"at"`
}

func newEvent(job *JobInfo, at time.Time) Event {
	return Event{
		Queue:    job.Queue,
		JobID:    job.ID,
		Revision: job.Revision,
		Snapshot: job.Snapshot(),
		At:       at,
	}
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}
