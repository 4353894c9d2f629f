package jobxpg_test

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Abraxas-365/jobq/pkg/jobx"
	"github.com/Abraxas-365/jobq/pkg/jobx/jobxpg"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

var columns = []string{
	"id", "queue", "name", "data", "status", "attempts_made", "attempts_max",
	"backoff_type", "backoff_delay_ms", "progress", "message", "result", "failure_reason",
	"last_error", "token", "revision", "created_at", "run_at", "processed_at", "finished_at",
}

// record describes one returned row; zero fields take the defaults of a
// freshly created echo job.
type record struct {
	id        int64
	status    string
	attempts  int64
	token     string
	result    []byte
	reason    string
	lastError string
	revision  int64
	processed interface{}
	finished  interface{}
}

func (r record) values() []driver.Value {
	if r.revision == 0 {
		r.revision = 1
	}
	var result interface{}
	if r.result != nil {
		result = r.result
	}
	return []driver.Value{
		r.id, "default", "echo", []byte(`{"message":"hi"}`), r.status, r.attempts, int64(3),
		"fixed", int64(1000), int64(0), "", result, r.reason,
		r.lastError, r.token, r.revision, t0, t0, r.processed, r.finished,
	}
}

func rows(recs ...record) *sqlmock.Rows {
	out := sqlmock.NewRows(columns)
	for _, r := range recs {
		out.AddRow(r.values()...)
	}
	return out
}

func setup(t *testing.T) (*jobxpg.Ledger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return jobxpg.NewLedger(sqlx.NewDb(db, "postgres"), "default"), mock
}

func TestLedger_Create(t *testing.T) {
	l, mock := setup(t)

	mock.ExpectQuery("INSERT INTO jobq_jobs").
		WithArgs("default", "echo", `{"message":"hi"}`, "delayed", 3, "fixed", int64(1000), t0, t0.Add(time.Minute)).
		WillReturnRows(rows(record{id: 1, status: "delayed"}))

	job, err := l.Create(context.Background(), &jobx.JobInfo{
		Name:        "echo",
		Queue:       "default",
		Payload:     json.RawMessage(`{"message":"hi"}`),
		AttemptsMax: 3,
		Backoff:     jobx.FixedBackoff(time.Second),
		CreatedAt:   t0,
		RunAt:       t0.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, "1", job.ID)
	assert.Equal(t, jobx.JobStatusDelayed, job.Status)
	assert.Equal(t, jobx.FixedBackoff(time.Second), job.Backoff)
	assert.JSONEq(t, `{"message":"hi"}`, string(job.Payload))
	assert.Nil(t, job.Result)
	assert.Nil(t, job.ProcessedAt)
}

func TestLedger_CreateEmptyPayload(t *testing.T) {
	l, mock := setup(t)

	mock.ExpectQuery("INSERT INTO jobq_jobs").
		WithArgs("default", "echo", "null", "waiting", 3, "fixed", int64(1000), t0, t0).
		WillReturnRows(rows(record{id: 1, status: "waiting"}))

	_, err := l.Create(context.Background(), &jobx.JobInfo{
		Name:        "echo",
		AttemptsMax: 3,
		Backoff:     jobx.FixedBackoff(time.Second),
		CreatedAt:   t0,
		RunAt:       t0,
	})
	require.NoError(t, err)
}

func TestLedger_Claim(t *testing.T) {
	l, mock := setup(t)
	now := t0.Add(time.Second)

	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs("default", "w1:1", now).
		WillReturnRows(rows(record{id: 4, status: "active", attempts: 1, token: "w1:1", revision: 2, processed: now}))

	job, err := l.Claim(context.Background(), "w1:1", now)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "4", job.ID)
	assert.Equal(t, jobx.JobStatusActive, job.Status)
	assert.Equal(t, 1, job.AttemptsMade)
	assert.Equal(t, "w1:1", job.Token)
	require.NotNil(t, job.ProcessedAt)
	assert.True(t, job.ProcessedAt.Equal(now))
}

func TestLedger_ClaimEmpty(t *testing.T) {
	l, mock := setup(t)

	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").WillReturnRows(sqlmock.NewRows(columns))

	job, err := l.Claim(context.Background(), "w1:1", t0)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestLedger_ClaimStorageError(t *testing.T) {
	l, mock := setup(t)

	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").WillReturnError(assert.AnError)

	_, err := l.Claim(context.Background(), "w1:1", t0)
	require.Error(t, err)
	assert.True(t, jobx.IsStorageError(err))
}

func TestLedger_Complete(t *testing.T) {
	l, mock := setup(t)

	mock.ExpectQuery("status = 'completed'").
		WithArgs("default", int64(4), "w1:1", `{"ok":true}`, t0).
		WillReturnRows(rows(record{id: 4, status: "completed", attempts: 1, result: []byte(`{"ok":true}`), revision: 3, finished: t0}))

	job, err := l.Complete(context.Background(), "4", "w1:1", json.RawMessage(`{"ok":true}`), t0)
	require.NoError(t, err)
	assert.Equal(t, jobx.JobStatusCompleted, job.Status)
	assert.JSONEq(t, `{"ok":true}`, string(job.Result))
	require.NotNil(t, job.FinishedAt)
}

func TestLedger_CompleteRejected(t *testing.T) {
	l, mock := setup(t)

	mock.ExpectQuery("status = 'completed'").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("FROM jobq_jobs WHERE queue = \\$1 AND id = \\$2").
		WithArgs("default", int64(4)).
		WillReturnRows(rows(record{id: 4, status: "completed", finished: t0}))

	_, err := l.Complete(context.Background(), "4", "stale:1", nil, t0)
	require.Error(t, err)
	assert.True(t, jobx.IsNotActive(err))
}

func TestLedger_CompleteUnknown(t *testing.T) {
	l, mock := setup(t)

	mock.ExpectQuery("status = 'completed'").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("FROM jobq_jobs WHERE queue = \\$1 AND id = \\$2").WillReturnRows(sqlmock.NewRows(columns))

	_, err := l.Complete(context.Background(), "9", "w1:1", nil, t0)
	require.Error(t, err)
	assert.True(t, jobx.IsNotFound(err))
}

func TestLedger_MalformedIDIsNotFound(t *testing.T) {
	l, _ := setup(t)

	_, err := l.Get(context.Background(), "abc")
	assert.True(t, jobx.IsNotFound(err))
	_, err = l.Fail(context.Background(), "abc", "w1:1", "boom", false, t0)
	assert.True(t, jobx.IsNotFound(err))
}

func TestLedger_FailRetries(t *testing.T) {
	l, mock := setup(t)
	now := t0.Add(time.Minute)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs("default", int64(4)).
		WillReturnRows(rows(record{id: 4, status: "active", attempts: 1, token: "w1:1", revision: 2, processed: t0}))
	mock.ExpectQuery("status = 'delayed'").
		WithArgs(int64(4), now.Add(time.Second), "boom").
		WillReturnRows(rows(record{id: 4, status: "delayed", attempts: 1, lastError: "boom", revision: 3, processed: t0}))
	mock.ExpectCommit()

	job, err := l.Fail(context.Background(), "4", "w1:1", "boom", false, now)
	require.NoError(t, err)
	assert.Equal(t, jobx.JobStatusDelayed, job.Status)
	assert.Equal(t, "boom", job.LastError)
	assert.Empty(t, job.FailureReason)
}

func TestLedger_FailPermanent(t *testing.T) {
	l, mock := setup(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(rows(record{id: 4, status: "active", attempts: 1, token: "w1:1", processed: t0}))
	mock.ExpectQuery("status = 'failed'").
		WithArgs(int64(4), "bad input", t0).
		WillReturnRows(rows(record{id: 4, status: "failed", attempts: 1, reason: "bad input", lastError: "bad input", processed: t0, finished: t0}))
	mock.ExpectCommit()

	job, err := l.Fail(context.Background(), "4", "w1:1", "bad input", true, t0)
	require.NoError(t, err)
	assert.Equal(t, jobx.JobStatusFailed, job.Status)
	assert.Equal(t, "bad input", job.FailureReason)
}

func TestLedger_FailWrongToken(t *testing.T) {
	l, mock := setup(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(rows(record{id: 4, status: "active", attempts: 1, token: "w2:7", processed: t0}))
	mock.ExpectRollback()

	_, err := l.Fail(context.Background(), "4", "w1:1", "boom", false, t0)
	require.Error(t, err)
	assert.True(t, jobx.IsNotActive(err))
}

func TestLedger_UpdateProgress(t *testing.T) {
	l, mock := setup(t)

	mock.ExpectQuery("progress = \\$4").
		WithArgs("default", int64(4), "w1:1", 40, "resizing").
		WillReturnRows(rows(record{id: 4, status: "active", attempts: 1, token: "w1:1", revision: 3, processed: t0}))

	_, err := l.UpdateProgress(context.Background(), "4", "w1:1", jobx.Progress{Percent: 40, Message: "resizing"})
	require.NoError(t, err)
}

func TestLedger_CountAndList(t *testing.T) {
	l, mock := setup(t)

	mock.ExpectQuery("SELECT COUNT").
		WithArgs("default", "waiting").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery("ORDER BY id DESC").
		WithArgs("default", "waiting", 10, 0).
		WillReturnRows(rows(record{id: 2, status: "waiting"}, record{id: 1, status: "waiting"}))

	n, err := l.Count(context.Background(), jobx.JobStatusWaiting)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	jobs, err := l.List(context.Background(), jobx.JobStatusWaiting, 0, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "2", jobs[0].ID)
	assert.Equal(t, "1", jobs[1].ID)
}

func TestLedger_TrimReturnsOldestFirst(t *testing.T) {
	l, mock := setup(t)

	mock.ExpectQuery("DELETE FROM jobq_jobs").
		WithArgs("default", "completed", 1).
		WillReturnRows(rows(
			record{id: 2, status: "completed", finished: t0.Add(2 * time.Second)},
			record{id: 1, status: "completed", finished: t0.Add(time.Second)},
		))

	evicted, err := l.Trim(context.Background(), jobx.JobStatusCompleted, 1)
	require.NoError(t, err)
	require.Len(t, evicted, 2)
	assert.Equal(t, "1", evicted[0].ID)
	assert.Equal(t, "2", evicted[1].ID)
}

func TestLedger_RecoverStalled(t *testing.T) {
	l, mock := setup(t)
	cutoff := t0.Add(-time.Minute)

	mock.ExpectQuery("processed_at < \\$2").
		WithArgs("default", cutoff, jobx.StalledReason, t0).
		WillReturnRows(rows(
			record{id: 1, status: "waiting", attempts: 1, revision: 3, processed: cutoff.Add(-time.Second)},
			record{id: 2, status: "failed", attempts: 3, reason: jobx.StalledReason, revision: 5, processed: cutoff.Add(-time.Second), finished: t0},
		))

	jobs, err := l.RecoverStalled(context.Background(), cutoff, t0)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, jobx.JobStatusWaiting, jobs[0].Status)
	assert.Equal(t, jobx.JobStatusFailed, jobs[1].Status)
	assert.Equal(t, jobx.StalledReason, jobs[1].FailureReason)
}

func TestMigrate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS jobq_jobs").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS jobq_jobs_claim_idx").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS jobq_jobs_finished_idx").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, jobxpg.Migrate(context.Background(), sqlx.NewDb(db, "postgres")))
	assert.NoError(t, mock.ExpectationsWereMet())
}
