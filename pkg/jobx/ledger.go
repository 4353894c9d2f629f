package jobx

import (
	"context"
	"encoding/json"
	"time"
)

// Ledger is the durable store of job records for one queue. Every record
// mutation goes through it. Implementations must make Claim atomic across
// concurrent callers, in this process and in others sharing the store.
//
// Mutating methods return the record as it is after the change. Lookups of
// missing ids fail with ErrJobNotFound; resolutions of records that are not
// active under the given token fail with ErrNotActive and change nothing.
// Store failures are reported with an errx error of type EXTERNAL.
type Ledger interface {
	// Create assigns an id and stores job as waiting, or as delayed when
	// job.RunAt is after job.CreatedAt.
	Create(ctx context.Context, job *JobInfo) (*JobInfo, error)

	// Claim takes the oldest eligible record, waiting or delayed with
	// RunAt <= now, marks it active under token and increments its attempts.
	// It returns nil, nil when nothing is eligible.
	Claim(ctx context.Context, token string, now time.Time) (*JobInfo, error)

	// Complete moves an active record to completed.
	Complete(ctx context.Context, id, token string, result json.RawMessage, now time.Time) (*JobInfo, error)

	// Fail resolves a failed attempt according to PlanFailure.
	Fail(ctx context.Context, id, token, reason string, permanent bool, now time.Time) (*JobInfo, error)

	// UpdateProgress overwrites the progress of an active record.
	UpdateProgress(ctx context.Context, id, token string, progress Progress) (*JobInfo, error)

	Get(ctx context.Context, id string) (*JobInfo, error)
	Count(ctx context.Context, status JobStatus) (int, error)

	// List returns records in status, newest first.
	List(ctx context.Context, status JobStatus, offset, limit int) ([]*JobInfo, error)

	// Trim deletes the oldest records in status beyond keep, ordered by
	// FinishedAt, and returns what it deleted.
	Trim(ctx context.Context, status JobStatus, keep int) ([]*JobInfo, error)

	// RecoverStalled returns active records claimed before cutoff to the
	// status given by StalledOutcome.
	RecoverStalled(ctx context.Context, cutoff, now time.Time) ([]*JobInfo, error)
}

// EventBus carries job events between the processes sharing a queue.
type EventBus interface {
	Publish(ctx context.Context, ev Event) error

	// Subscribe streams every event published after the call returns, until
	// ctx is done. The channel is closed afterwards.
	Subscribe(ctx context.Context) (<-chan Event, error)
}
