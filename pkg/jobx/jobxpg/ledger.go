// Package jobxpg stores a jobx queue in PostgreSQL. Claims use
// FOR UPDATE SKIP LOCKED, so any number of workers can share one table.
package jobxpg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/Abraxas-365/jobq/pkg/jobx"
	"github.com/jmoiron/sqlx"
)

const jobColumns = `id, queue, name, data, status, attempts_made, attempts_max,
	backoff_type, backoff_delay_ms, progress, message, result, failure_reason,
	last_error, token, revision, created_at, run_at, processed_at, finished_at`

// jobRow is the persistence model of a job.
type jobRow struct {
	ID            int64      `db:"id"`
	Queue         string     `db:"queue"`
	Name          string     `db:"name"`
	Data          []byte     `db:"data"`
	Status        string     `db:"status"`
	AttemptsMade  int        `db:"attempts_made"`
	AttemptsMax   int        `db:"attempts_max"`
	BackoffType   string     `db:"backoff_type"`
	BackoffDelay  int64      `db:"backoff_delay_ms"`
	Progress      int        `db:"progress"`
	Message       string     `db:"message"`
	Result        []byte     `db:"result"`
	FailureReason string     `db:"failure_reason"`
	LastError     string     `db:"last_error"`
	Token         string     `db:"token"`
	Revision      int64      `db:"revision"`
	CreatedAt     time.Time  `db:"created_at"`
	RunAt         time.Time  `db:"run_at"`
	ProcessedAt   *time.Time `db:"processed_at"`
	FinishedAt    *time.Time `db:"finished_at"`
}

func (r jobRow) toDomain() *jobx.JobInfo {
	job := &jobx.JobInfo{
		ID:           strconv.FormatInt(r.ID, 10),
		Name:         r.Name,
		Queue:        r.Queue,
		Payload:      json.RawMessage(r.Data),
		Status:       jobx.JobStatus(r.Status),
		AttemptsMade: r.AttemptsMade,
		AttemptsMax:  r.AttemptsMax,
		Backoff: jobx.BackoffPolicy{
			Type:  jobx.BackoffType(r.BackoffType),
			Delay: time.Duration(r.BackoffDelay) * time.Millisecond,
		},
		Progress:      jobx.Progress{Percent: r.Progress, Message: r.Message},
		FailureReason: r.FailureReason,
		LastError:     r.LastError,
		Token:         r.Token,
		Revision:      r.Revision,
		CreatedAt:     r.CreatedAt.UTC(),
		RunAt:         r.RunAt.UTC(),
		ProcessedAt:   utcPtr(r.ProcessedAt),
		FinishedAt:    utcPtr(r.FinishedAt),
	}
	if len(r.Result) > 0 {
		job.Result = json.RawMessage(r.Result)
	}
	return job
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// jsonParam passes raw JSON as text so the driver does not encode it as bytea.
func jsonParam(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func payloadParam(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	return string(raw)
}

// Ledger implements jobx.Ledger on PostgreSQL.
type Ledger struct {
	db    *sqlx.DB
	queue string
}

var _ jobx.Ledger = (*Ledger)(nil)

// NewLedger creates a ledger for queue. Run Migrate once before use.
func NewLedger(db *sqlx.DB, queue string) *Ledger {
	return &Ledger{db: db, queue: queue}
}

func (l *Ledger) queryError(op string, err error) error {
	return pgErrors.NewWithCause(ErrQuery, err).
		WithDetail("queue", l.queue).
		WithDetail("op", op)
}

func parseID(id string) (int64, bool) {
	n, err := strconv.ParseInt(id, 10, 64)
	return n, err == nil
}

func notFound(id string) error {
	return jobx.NewError(jobx.ErrJobNotFound).WithDetail("job_id", id)
}

// Create inserts job and returns it with its assigned id.
func (l *Ledger) Create(ctx context.Context, job *jobx.JobInfo) (*jobx.JobInfo, error) {
	status := jobx.JobStatusWaiting
	if job.RunAt.After(job.CreatedAt) {
		status = jobx.JobStatusDelayed
	}

	query := `
		INSERT INTO jobq_jobs (
			queue, name, data, status, attempts_max, backoff_type, backoff_delay_ms, created_at, run_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING ` + jobColumns

	var row jobRow
	err := l.db.GetContext(ctx, &row, query,
		l.queue, job.Name, payloadParam(job.Payload), string(status), job.AttemptsMax,
		string(job.Backoff.Type), job.Backoff.Delay.Milliseconds(), job.CreatedAt, job.RunAt,
	)
	if err != nil {
		return nil, l.queryError("create", err)
	}
	return row.toDomain(), nil
}

// Claim activates the lowest-id eligible job, skipping rows other workers
// have locked.
func (l *Ledger) Claim(ctx context.Context, token string, now time.Time) (*jobx.JobInfo, error) {
	query := `
		UPDATE jobq_jobs SET
			status = 'active',
			token = $2,
			processed_at = $3,
			attempts_made = attempts_made + 1,
			revision = revision + 1
		WHERE id = (
			SELECT id FROM jobq_jobs
			WHERE queue = $1
			  AND (status = 'waiting' OR (status = 'delayed' AND run_at <= $3))
			ORDER BY id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	var row jobRow
	err := l.db.GetContext(ctx, &row, query, l.queue, token, now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, l.queryError("claim", err)
	}
	return row.toDomain(), nil
}

// Complete moves an owned active job to completed.
func (l *Ledger) Complete(ctx context.Context, id, token string, result json.RawMessage, now time.Time) (*jobx.JobInfo, error) {
	n, ok := parseID(id)
	if !ok {
		return nil, notFound(id)
	}

	query := `
		UPDATE jobq_jobs SET
			status = 'completed',
			result = $4,
			finished_at = $5,
			token = '',
			revision = revision + 1
		WHERE queue = $1 AND id = $2 AND status = 'active' AND token = $3
		RETURNING ` + jobColumns

	var row jobRow
	err := l.db.GetContext(ctx, &row, query, l.queue, n, token, jsonParam(result), now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, l.rejection(ctx, id)
	}
	if err != nil {
		return nil, l.queryError("complete", err)
	}
	return row.toDomain(), nil
}

// Fail resolves a failed attempt with jobx.PlanFailure inside a transaction
// holding the row lock.
func (l *Ledger) Fail(ctx context.Context, id, token, reason string, permanent bool, now time.Time) (*jobx.JobInfo, error) {
	n, ok := parseID(id)
	if !ok {
		return nil, notFound(id)
	}

	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, l.queryError("fail", err)
	}
	defer tx.Rollback()

	var cur jobRow
	err = tx.GetContext(ctx, &cur, `SELECT `+jobColumns+` FROM jobq_jobs WHERE queue = $1 AND id = $2 FOR UPDATE`, l.queue, n)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, l.queryError("fail", err)
	}
	if cur.Status != string(jobx.JobStatusActive) || cur.Token != token {
		return nil, notActive(id, jobx.JobStatus(cur.Status))
	}

	plan := jobx.PlanFailure(cur.toDomain(), permanent, now)

	var row jobRow
	if plan.Retry() {
		err = tx.GetContext(ctx, &row, `
			UPDATE jobq_jobs SET
				status = 'delayed',
				run_at = $2,
				last_error = $3,
				token = '',
				revision = revision + 1
			WHERE id = $1
			RETURNING `+jobColumns, n, plan.RunAt, reason)
	} else {
		err = tx.GetContext(ctx, &row, `
			UPDATE jobq_jobs SET
				status = 'failed',
				last_error = $2,
				failure_reason = $2,
				finished_at = $3,
				token = '',
				revision = revision + 1
			WHERE id = $1
			RETURNING `+jobColumns, n, reason, now)
	}
	if err != nil {
		return nil, l.queryError("fail", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, l.queryError("fail", err)
	}
	return row.toDomain(), nil
}

// UpdateProgress overwrites the progress of an owned active job.
func (l *Ledger) UpdateProgress(ctx context.Context, id, token string, progress jobx.Progress) (*jobx.JobInfo, error) {
	n, ok := parseID(id)
	if !ok {
		return nil, notFound(id)
	}

	query := `
		UPDATE jobq_jobs SET
			progress = $4,
			message = $5,
			revision = revision + 1
		WHERE queue = $1 AND id = $2 AND status = 'active' AND token = $3
		RETURNING ` + jobColumns

	var row jobRow
	err := l.db.GetContext(ctx, &row, query, l.queue, n, token, progress.Percent, progress.Message)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, l.rejection(ctx, id)
	}
	if err != nil {
		return nil, l.queryError("progress", err)
	}
	return row.toDomain(), nil
}

// rejection explains why a token-checked update matched no row.
func (l *Ledger) rejection(ctx context.Context, id string) error {
	job, err := l.Get(ctx, id)
	if err != nil {
		return err
	}
	return notActive(id, job.Status)
}

func notActive(id string, status jobx.JobStatus) error {
	return jobx.NewError(jobx.ErrNotActive).
		WithDetail("job_id", id).
		WithDetail("status", status)
}

// Get loads job id.
func (l *Ledger) Get(ctx context.Context, id string) (*jobx.JobInfo, error) {
	n, ok := parseID(id)
	if !ok {
		return nil, notFound(id)
	}

	var row jobRow
	err := l.db.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM jobq_jobs WHERE queue = $1 AND id = $2`, l.queue, n)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, l.queryError("get", err)
	}
	return row.toDomain(), nil
}

// Count returns the number of jobs in status.
func (l *Ledger) Count(ctx context.Context, status jobx.JobStatus) (int, error) {
	var n int
	err := l.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM jobq_jobs WHERE queue = $1 AND status = $2`, l.queue, string(status))
	if err != nil {
		return 0, l.queryError("count", err)
	}
	return n, nil
}

// List returns jobs in status, newest id first.
func (l *Ledger) List(ctx context.Context, status jobx.JobStatus, offset, limit int) ([]*jobx.JobInfo, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}

	var rows []jobRow
	err := l.db.SelectContext(ctx, &rows, `
		SELECT `+jobColumns+` FROM jobq_jobs
		WHERE queue = $1 AND status = $2
		ORDER BY id DESC
		LIMIT $3 OFFSET $4`, l.queue, string(status), limit, offset)
	if err != nil {
		return nil, l.queryError("list", err)
	}
	return toDomainSlice(rows), nil
}

// Trim deletes the earliest finished jobs in status beyond keep.
func (l *Ledger) Trim(ctx context.Context, status jobx.JobStatus, keep int) ([]*jobx.JobInfo, error) {
	var rows []jobRow
	err := l.db.SelectContext(ctx, &rows, `
		DELETE FROM jobq_jobs
		WHERE id IN (
			SELECT id FROM jobq_jobs
			WHERE queue = $1 AND status = $2
			ORDER BY finished_at DESC, id DESC
			OFFSET $3
		)
		RETURNING `+jobColumns, l.queue, string(status), keep)
	if err != nil {
		return nil, l.queryError("trim", err)
	}

	evicted := toDomainSlice(rows)
	sort.Slice(evicted, func(i, j int) bool {
		a, b := evicted[i], evicted[j]
		if a.FinishedAt != nil && b.FinishedAt != nil && !a.FinishedAt.Equal(*b.FinishedAt) {
			return a.FinishedAt.Before(*b.FinishedAt)
		}
		return lessID(a.ID, b.ID)
	})
	return evicted, nil
}

func lessID(a, b string) bool {
	x, _ := strconv.ParseInt(a, 10, 64)
	y, _ := strconv.ParseInt(b, 10, 64)
	return x < y
}

// RecoverStalled returns jobs active since before cutoff to waiting, or
// fails them when their attempts are used up (see jobx.StalledOutcome).
func (l *Ledger) RecoverStalled(ctx context.Context, cutoff, now time.Time) ([]*jobx.JobInfo, error) {
	var rows []jobRow
	err := l.db.SelectContext(ctx, &rows, `
		UPDATE jobq_jobs SET
			status = CASE WHEN attempts_made >= attempts_max THEN 'failed' ELSE 'waiting' END,
			failure_reason = CASE WHEN attempts_made >= attempts_max THEN $3 ELSE failure_reason END,
			finished_at = CASE WHEN attempts_made >= attempts_max THEN $4 ELSE finished_at END,
			token = '',
			revision = revision + 1
		WHERE queue = $1 AND status = 'active' AND processed_at < $2
		RETURNING `+jobColumns, l.queue, cutoff, jobx.StalledReason, now)
	if err != nil {
		return nil, l.queryError("recover", err)
	}
	return toDomainSlice(rows), nil
}

func toDomainSlice(rows []jobRow) []*jobx.JobInfo {
	out := make([]*jobx.JobInfo, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out
}
