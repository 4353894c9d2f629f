package jobx

import (
	"context"

	"github.com/Abraxas-365/jobq/pkg/logx"
)

// Archiver receives records evicted by retention. Eviction does not wait
// for or depend on archival: an archive failure is logged and the records
// stay deleted.
type Archiver interface {
	Archive(ctx context.Context, jobs []*JobInfo) error
}

// ApplyRetention trims completed and failed jobs to the configured limits
// and returns how many records were evicted.
func (q *Queue) ApplyRetention(ctx context.Context) (int, error) {
	evicted := 0
	for _, limit := range []struct {
		status JobStatus
		keep   int
	}{
		{JobStatusCompleted, q.opts.KeepCompleted},
		{JobStatusFailed, q.opts.KeepFailed},
	} {
		jobs, err := q.ledger.Trim(ctx, limit.status, limit.keep)
		if err != nil {
			return evicted, err
		}
		evicted += len(jobs)
		q.archive(ctx, jobs)
	}
	return evicted, nil
}

func (q *Queue) archive(ctx context.Context, jobs []*JobInfo) {
	if len(jobs) == 0 || q.opts.Archiver == nil {
		return
	}
	if err := q.opts.Archiver.Archive(ctx, jobs); err != nil {
		logx.WithError(err).
			WithFields(logx.Fields{"queue": q.name, "count": len(jobs)}).
			Warn("jobx: failed to archive evicted jobs")
	}
}
