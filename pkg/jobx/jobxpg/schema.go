package jobxpg

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// TableName is the table every queue shares; rows are scoped by the queue column.
const TableName = "jobq_jobs"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobq_jobs (
		id               BIGSERIAL PRIMARY KEY,
		queue            TEXT        NOT NULL,
		name             TEXT        NOT NULL,
		data             JSONB       NOT NULL,
		status           TEXT        NOT NULL,
		attempts_made    INT         NOT NULL DEFAULT 0,
		attempts_max     INT         NOT NULL,
		backoff_type     TEXT        NOT NULL,
		backoff_delay_ms BIGINT      NOT NULL,
		progress         INT         NOT NULL DEFAULT 0,
		message          TEXT        NOT NULL DEFAULT '',
		result           JSONB,
		failure_reason   TEXT        NOT NULL DEFAULT '',
		last_error       TEXT        NOT NULL DEFAULT '',
		token            TEXT        NOT NULL DEFAULT '',
		revision         BIGINT      NOT NULL DEFAULT 1,
		created_at       TIMESTAMPTZ NOT NULL,
		run_at           TIMESTAMPTZ NOT NULL,
		processed_at     TIMESTAMPTZ,
		finished_at      TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS jobq_jobs_claim_idx ON jobq_jobs (queue, status, run_at, id)`,
	`CREATE INDEX IF NOT EXISTS jobq_jobs_finished_idx ON jobq_jobs (queue, status, finished_at)`,
}

// Migrate creates the jobs table and its indexes if they do not exist.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return pgErrors.NewWithCause(ErrMigrate, err)
		}
	}
	return nil
}
