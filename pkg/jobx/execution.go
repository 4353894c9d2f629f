package jobx

import (
	"context"
	"encoding/json"
	"fmt"
)

// Execution is what a handler receives for one attempt of a job: a copy of
// the claimed record plus the means to report progress on it. Anything else
// a handler needs (database handles, clients) is bound when the handler is
// built and registered.
type Execution struct {
	job   *JobInfo
	queue *Queue
}

func newExecution(job *JobInfo, q *Queue) *Execution {
	return &Execution{job: job, queue: q}
}

// Job returns a copy of the claimed record.
func (e *Execution) Job() *JobInfo {
	return e.job.Clone()
}

// ID returns the job id.
func (e *Execution) ID() string { return e.job.ID }

// Name returns the job name.
func (e *Execution) Name() string { return e.job.Name }

// Attempt returns the 1-based number of this attempt.
func (e *Execution) Attempt() int { return e.job.AttemptsMade }

// Bind decodes the job payload into v.
func (e *Execution) Bind(v any) error {
	if err := json.Unmarshal(e.job.Payload, v); err != nil {
		return Permanent(fmt.Errorf("decode payload of job %s: %w", e.job.ID, err))
	}
	return nil
}

// ReportProgress records percent (0..100) and message on the job. Observers
// see the update immediately.
func (e *Execution) ReportProgress(ctx context.Context, percent int, message string) error {
	if percent < 0 || percent > 100 {
		return validationError(fmt.Sprintf("progress %d out of range 0..100", percent))
	}
	p := Progress{Percent: percent, Message: message}
	if err := e.queue.updateProgress(ctx, e.job, p); err != nil {
		return err
	}
	e.job.Progress = p
	return nil
}
