package jobx

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Abraxas-365/jobq/pkg/kernel"
	"github.com/Abraxas-365/jobq/pkg/logx"
	"github.com/Abraxas-365/jobq/pkg/ptrx"
)

// Queue is the producer-facing side of a job queue and the single path
// through which workers mutate the ledger. Every mutation is followed by an
// event on the queue's bus.
type Queue struct {
	name   string
	ledger Ledger
	opts   QueueOptions
}

// NewQueue binds a named queue to its ledger.
func NewQueue(name string, ledger Ledger, options ...QueueOption) *Queue {
	opts := defaultQueueOptions()
	for _, o := range options {
		o(&opts)
	}
	if opts.Bus == nil {
		opts.Bus = NewLocalBus()
	}
	return &Queue{name: name, ledger: ledger, opts: opts}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Bus returns the event bus the queue publishes on.
func (q *Queue) Bus() EventBus { return q.opts.Bus }

func (q *Queue) now() time.Time { return q.opts.Clock() }

// Enqueue validates and stores a new job. Validation failures return
// ErrValidation and create nothing.
func (q *Queue) Enqueue(ctx context.Context, name string, data json.RawMessage, options ...EnqueueOption) (*JobHandle, error) {
	var eo EnqueueOptions
	for _, o := range options {
		o(&eo)
	}

	job, err := q.buildJob(name, data, eo)
	if err != nil {
		return nil, err
	}

	created, err := q.ledger.Create(ctx, job)
	if err != nil {
		return nil, err
	}

	logx.WithFields(logx.Fields{
		"queue":    q.name,
		"job_id":   created.ID,
		"job_name": created.Name,
		"status":   created.Status,
	}).Debug("jobx: job enqueued")

	q.publish(ctx, created)
	return &JobHandle{ID: created.ID, queue: q}, nil
}

func (q *Queue) buildJob(name string, data json.RawMessage, eo EnqueueOptions) (*JobInfo, error) {
	if strings.TrimSpace(name) == "" {
		return nil, validationError("job name is required")
	}
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	if !json.Valid(data) {
		return nil, validationError("job data is not valid JSON").WithDetail("job_name", name)
	}
	if validate, ok := q.opts.Validators[name]; ok {
		if err := validate(data); err != nil {
			return nil, jobxErrors.NewWithCause(ErrValidation, err).
				WithDetail("job_name", name).
				WithDetail("reason", err.Error())
		}
	}
	if eo.Delay < 0 {
		return nil, validationError("delay must not be negative")
	}

	attempts := ptrx.ValueOr(eo.Attempts, q.opts.DefaultAttempts)
	if attempts < 1 {
		return nil, validationError("attempts must be at least 1")
	}

	backoff := ptrx.ValueOr(eo.Backoff, q.opts.DefaultBackoff)
	if err := backoff.Validate(); err != nil {
		return nil, validationError(err.Error())
	}

	now := q.now()
	return &JobInfo{
		Name:        name,
		Queue:       q.name,
		Payload:     cloneRaw(data),
		AttemptsMax: attempts,
		Backoff:     backoff,
		CreatedAt:   now,
		RunAt:       now.Add(eo.Delay),
	}, nil
}

// GetJob returns a handle for id, or nil when no such job exists.
func (q *Queue) GetJob(ctx context.Context, id string) (*JobHandle, error) {
	if _, err := q.ledger.Get(ctx, id); err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &JobHandle{ID: id, queue: q}, nil
}

// Count returns the number of jobs in status.
func (q *Queue) Count(ctx context.Context, status JobStatus) (int, error) {
	return q.ledger.Count(ctx, status)
}

// Counts returns the number of jobs in every status.
func (q *Queue) Counts(ctx context.Context) (map[JobStatus]int, error) {
	counts := make(map[JobStatus]int, len(AllStatuses))
	for _, s := range AllStatuses {
		n, err := q.ledger.Count(ctx, s)
		if err != nil {
			return nil, err
		}
		counts[s] = n
	}
	return counts, nil
}

// Jobs lists jobs in status, newest first.
func (q *Queue) Jobs(ctx context.Context, status JobStatus, page kernel.PaginationOptions) (kernel.Paginated[*JobInfo], error) {
	if !status.Valid() {
		return kernel.Paginated[*JobInfo]{}, validationError(fmt.Sprintf("unknown status %q", status))
	}
	page = page.Normalize(20, 200)

	total, err := q.ledger.Count(ctx, status)
	if err != nil {
		return kernel.Paginated[*JobInfo]{}, err
	}
	items, err := q.ledger.List(ctx, status, page.Offset(), page.PageSize)
	if err != nil {
		return kernel.Paginated[*JobInfo]{}, err
	}
	return kernel.NewPaginated(items, page.Page, page.PageSize, total), nil
}

// ---------------------------------------------------------------------------
// Worker-side operations
// ---------------------------------------------------------------------------

func (q *Queue) claim(ctx context.Context, token string) (*JobInfo, error) {
	job, err := q.ledger.Claim(ctx, token, q.now())
	if err != nil || job == nil {
		return nil, err
	}
	q.publish(ctx, job)
	return job, nil
}

func (q *Queue) complete(ctx context.Context, job *JobInfo, result json.RawMessage) (*JobInfo, error) {
	updated, err := q.ledger.Complete(ctx, job.ID, job.Token, result, q.now())
	if err != nil {
		return nil, err
	}
	q.publish(ctx, updated)
	return updated, nil
}

func (q *Queue) fail(ctx context.Context, job *JobInfo, reason string, permanent bool) (*JobInfo, error) {
	updated, err := q.ledger.Fail(ctx, job.ID, job.Token, reason, permanent, q.now())
	if err != nil {
		return nil, err
	}
	q.publish(ctx, updated)
	return updated, nil
}

func (q *Queue) updateProgress(ctx context.Context, job *JobInfo, p Progress) error {
	updated, err := q.ledger.UpdateProgress(ctx, job.ID, job.Token, p)
	if err != nil {
		return err
	}
	q.publish(ctx, updated)
	return nil
}

func (q *Queue) recoverStalled(ctx context.Context, timeout time.Duration) ([]*JobInfo, error) {
	now := q.now()
	recovered, err := q.ledger.RecoverStalled(ctx, now.Add(-timeout), now)
	if err != nil {
		return nil, err
	}
	for _, job := range recovered {
		q.publish(ctx, job)
	}
	return recovered, nil
}

func (q *Queue) publish(ctx context.Context, job *JobInfo) {
	if err := q.opts.Bus.Publish(ctx, newEvent(job, q.now())); err != nil {
		logx.WithError(err).
			WithFields(logx.Fields{"queue": q.name, "job_id": job.ID}).
			Warn("jobx: failed to publish job event")
	}
}
