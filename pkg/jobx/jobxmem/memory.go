// Package jobxmem is an in-process jobx.Ledger. It is safe for concurrent
// use but keeps nothing across restarts.
package jobxmem

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/Abraxas-365/jobq/pkg/jobx"
)

// Ledger stores jobs in a map guarded by a single mutex.
type Ledger struct {
	mu     sync.Mutex
	nextID int64
	seq    map[string]int64
	jobs   map[string]*jobx.JobInfo
}

var _ jobx.Ledger = (*Ledger)(nil)

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		seq:  make(map[string]int64),
		jobs: make(map[string]*jobx.JobInfo),
	}
}

// Create stores job under the next id.
func (l *Ledger) Create(_ context.Context, job *jobx.JobInfo) (*jobx.JobInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	rec := job.Clone()
	rec.ID = strconv.FormatInt(l.nextID, 10)
	rec.Status = jobx.JobStatusWaiting
	if rec.RunAt.After(rec.CreatedAt) {
		rec.Status = jobx.JobStatusDelayed
	}
	rec.Revision = 1

	l.jobs[rec.ID] = rec
	l.seq[rec.ID] = l.nextID
	return rec.Clone(), nil
}

// Claim activates the oldest eligible job.
func (l *Ledger) Claim(_ context.Context, token string, now time.Time) (*jobx.JobInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var next *jobx.JobInfo
	for _, rec := range l.jobs {
		if !eligible(rec, now) {
			continue
		}
		if next == nil || l.seq[rec.ID] < l.seq[next.ID] {
			next = rec
		}
	}
	if next == nil {
		return nil, nil
	}

	processed := now
	next.Status = jobx.JobStatusActive
	next.Token = token
	next.AttemptsMade++
	next.ProcessedAt = &processed
	next.Revision++
	return next.Clone(), nil
}

func eligible(rec *jobx.JobInfo, now time.Time) bool {
	switch rec.Status {
	case jobx.JobStatusWaiting:
		return true
	case jobx.JobStatusDelayed:
		return !rec.RunAt.After(now)
	default:
		return false
	}
}

// owned returns the active record id claimed under token.
func (l *Ledger) owned(id, token string) (*jobx.JobInfo, error) {
	rec, ok := l.jobs[id]
	if !ok {
		return nil, jobx.NewError(jobx.ErrJobNotFound).WithDetail("job_id", id)
	}
	if rec.Status != jobx.JobStatusActive || rec.Token != token {
		return nil, jobx.NewError(jobx.ErrNotActive).
			WithDetail("job_id", id).
			WithDetail("status", rec.Status)
	}
	return rec, nil
}

// Complete moves an owned active job to completed.
func (l *Ledger) Complete(_ context.Context, id, token string, result json.RawMessage, now time.Time) (*jobx.JobInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.owned(id, token)
	if err != nil {
		return nil, err
	}

	finished := now
	rec.Status = jobx.JobStatusCompleted
	rec.Result = append(json.RawMessage(nil), result...)
	rec.FinishedAt = &finished
	rec.Token = ""
	rec.Revision++
	return rec.Clone(), nil
}

// Fail resolves a failed attempt with jobx.PlanFailure.
func (l *Ledger) Fail(_ context.Context, id, token, reason string, permanent bool, now time.Time) (*jobx.JobInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.owned(id, token)
	if err != nil {
		return nil, err
	}

	plan := jobx.PlanFailure(rec, permanent, now)
	rec.Status = plan.Status
	rec.LastError = reason
	rec.Token = ""
	if plan.Retry() {
		rec.RunAt = plan.RunAt
	} else {
		finished := now
		rec.FailureReason = reason
		rec.FinishedAt = &finished
	}
	rec.Revision++
	return rec.Clone(), nil
}

// UpdateProgress overwrites the progress of an owned active job.
func (l *Ledger) UpdateProgress(_ context.Context, id, token string, progress jobx.Progress) (*jobx.JobInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.owned(id, token)
	if err != nil {
		return nil, err
	}
	rec.Progress = progress
	rec.Revision++
	return rec.Clone(), nil
}

// Get returns a copy of job id.
func (l *Ledger) Get(_ context.Context, id string) (*jobx.JobInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.jobs[id]
	if !ok {
		return nil, jobx.NewError(jobx.ErrJobNotFound).WithDetail("job_id", id)
	}
	return rec.Clone(), nil
}

// Count returns the number of jobs in status.
func (l *Ledger) Count(_ context.Context, status jobx.JobStatus) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, rec := range l.jobs {
		if rec.Status == status {
			n++
		}
	}
	return n, nil
}

// List returns jobs in status, newest id first.
func (l *Ledger) List(_ context.Context, status jobx.JobStatus, offset, limit int) ([]*jobx.JobInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	recs := l.byStatus(status)
	sort.Slice(recs, func(i, j int) bool { return l.seq[recs[i].ID] > l.seq[recs[j].ID] })

	if offset >= len(recs) {
		return []*jobx.JobInfo{}, nil
	}
	end := len(recs)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]*jobx.JobInfo, 0, end-offset)
	for _, rec := range recs[offset:end] {
		out = append(out, rec.Clone())
	}
	return out, nil
}

// Trim deletes the oldest finished jobs in status beyond keep.
func (l *Ledger) Trim(_ context.Context, status jobx.JobStatus, keep int) ([]*jobx.JobInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	recs := l.byStatus(status)
	if len(recs) <= keep {
		return nil, nil
	}
	sort.Slice(recs, func(i, j int) bool {
		ti, tj := finishedAt(recs[i]), finishedAt(recs[j])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return l.seq[recs[i].ID] < l.seq[recs[j].ID]
	})

	evicted := recs[:len(recs)-keep]
	for _, rec := range evicted {
		delete(l.jobs, rec.ID)
		delete(l.seq, rec.ID)
	}
	return evicted, nil
}

// RecoverStalled returns jobs active since before cutoff to waiting, or
// fails them when their attempts are used up.
func (l *Ledger) RecoverStalled(_ context.Context, cutoff, now time.Time) ([]*jobx.JobInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*jobx.JobInfo
	for _, rec := range l.jobs {
		if rec.Status != jobx.JobStatusActive || rec.ProcessedAt == nil || !rec.ProcessedAt.Before(cutoff) {
			continue
		}
		rec.Status = jobx.StalledOutcome(rec)
		rec.Token = ""
		if rec.Status == jobx.JobStatusFailed {
			finished := now
			rec.FailureReason = jobx.StalledReason
			rec.FinishedAt = &finished
		}
		rec.Revision++
		out = append(out, rec.Clone())
	}
	return out, nil
}

// byStatus must be called with l.mu held.
func (l *Ledger) byStatus(status jobx.JobStatus) []*jobx.JobInfo {
	var recs []*jobx.JobInfo
	for _, rec := range l.jobs {
		if rec.Status == status {
			recs = append(recs, rec)
		}
	}
	return recs
}

func finishedAt(rec *jobx.JobInfo) time.Time {
	if rec.FinishedAt == nil {
		return time.Time{}
	}
	return *rec.FinishedAt
}
