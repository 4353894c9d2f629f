// Package jobxredis stores a jobx queue in Redis. Each job is a hash and each
// status a sorted set, so a claim is one Lua script shared safely by any
// number of worker processes.
package jobxredis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Abraxas-365/jobq/pkg/jobx"
	"github.com/redis/go-redis/v9"
)

// Ledger implements jobx.Ledger on Redis.
type Ledger struct {
	rdb    *redis.Client
	queue  string
	prefix string
}

var _ jobx.Ledger = (*Ledger)(nil)

// NewLedger creates a ledger for queue. All keys live under "jobq:<queue>:".
func NewLedger(rdb *redis.Client, queue string) *Ledger {
	return &Ledger{
		rdb:    rdb,
		queue:  queue,
		prefix: fmt.Sprintf("jobq:%s:", queue),
	}
}

// Key helpers
func (l *Ledger) idKey() string                          { return l.prefix + "id" }
func (l *Ledger) jobPrefix() string                      { return l.prefix + "job:" }
func (l *Ledger) jobKey(id string) string                { return l.jobPrefix() + id }
func (l *Ledger) statusKey(status jobx.JobStatus) string { return l.prefix + string(status) }

func (l *Ledger) commandError(op string, err error) error {
	return redisErrors.NewWithCause(ErrCommand, err).
		WithDetail("queue", l.queue).
		WithDetail("op", op)
}

// Create assigns the next id and stores job.
func (l *Ledger) Create(ctx context.Context, job *jobx.JobInfo) (*jobx.JobInfo, error) {
	n, err := l.rdb.Incr(ctx, l.idKey()).Result()
	if err != nil {
		return nil, l.commandError("create", err)
	}

	rec := job.Clone()
	rec.ID = strconv.FormatInt(n, 10)
	rec.Status = jobx.JobStatusWaiting
	score := float64(n)
	if rec.RunAt.After(rec.CreatedAt) {
		rec.Status = jobx.JobStatusDelayed
		score = float64(ceilMillis(rec.RunAt))
	}
	rec.Revision = 1

	_, err = l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, l.jobKey(rec.ID), encodeJob(rec))
		pipe.ZAdd(ctx, l.statusKey(rec.Status), redis.Z{Score: score, Member: rec.ID})
		return nil
	})
	if err != nil {
		return nil, l.commandError("create", err)
	}
	return l.roundTrip(rec), nil
}

// roundTrip converts times to what the hash holds, so Create returns the
// same record a later Get would.
func (l *Ledger) roundTrip(rec *jobx.JobInfo) *jobx.JobInfo {
	rec.CreatedAt = time.UnixMilli(rec.CreatedAt.UnixMilli()).UTC()
	rec.RunAt = time.UnixMilli(ceilMillis(rec.RunAt)).UTC()
	return rec
}

// Claim activates the oldest eligible job.
func (l *Ledger) Claim(ctx context.Context, token string, now time.Time) (*jobx.JobInfo, error) {
	reply, err := claimScript.Run(ctx, l.rdb,
		[]string{
			l.statusKey(jobx.JobStatusWaiting),
			l.statusKey(jobx.JobStatusDelayed),
			l.statusKey(jobx.JobStatusActive),
		},
		now.UnixMilli(), token, l.jobPrefix(),
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, l.commandError("claim", err)
	}
	fields, err := pairs(reply)
	if err != nil {
		return nil, err
	}
	return decodeJob(fields)
}

// Complete moves an owned active job to completed.
func (l *Ledger) Complete(ctx context.Context, id, token string, result json.RawMessage, now time.Time) (*jobx.JobInfo, error) {
	reply, err := completeScript.Run(ctx, l.rdb,
		[]string{
			l.jobKey(id),
			l.statusKey(jobx.JobStatusActive),
			l.statusKey(jobx.JobStatusCompleted),
		},
		token, string(result), now.UnixMilli(), id,
	).Result()
	return l.resolved("complete", id, reply, err)
}

// Fail resolves a failed attempt with jobx.PlanFailure. The plan is computed
// from the stored record and committed only if token still owns it.
func (l *Ledger) Fail(ctx context.Context, id, token, reason string, permanent bool, now time.Time) (*jobx.JobInfo, error) {
	cur, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status != jobx.JobStatusActive || cur.Token != token {
		return nil, notActive(id, cur.Status)
	}

	plan := jobx.PlanFailure(cur, permanent, now)
	reply, err := failScript.Run(ctx, l.rdb,
		[]string{
			l.jobKey(id),
			l.statusKey(jobx.JobStatusActive),
			l.statusKey(jobx.JobStatusDelayed),
			l.statusKey(jobx.JobStatusFailed),
		},
		token, string(plan.Status), ceilMillis(plan.RunAt), reason, now.UnixMilli(), id,
	).Result()
	return l.resolved("fail", id, reply, err)
}

// UpdateProgress overwrites the progress of an owned active job.
func (l *Ledger) UpdateProgress(ctx context.Context, id, token string, progress jobx.Progress) (*jobx.JobInfo, error) {
	reply, err := progressScript.Run(ctx, l.rdb,
		[]string{l.jobKey(id)},
		token, progress.Percent, progress.Message,
	).Result()
	return l.resolved("progress", id, reply, err)
}

// resolved interprets the reply of a token-checked script.
func (l *Ledger) resolved(op, id string, reply interface{}, err error) (*jobx.JobInfo, error) {
	if err != nil {
		return nil, l.commandError(op, err)
	}
	if code, ok := reply.(int64); ok {
		if code < 0 {
			return nil, jobx.NewError(jobx.ErrJobNotFound).WithDetail("job_id", id)
		}
		return nil, notActive(id, "")
	}
	fields, err := pairs(reply)
	if err != nil {
		return nil, err
	}
	return decodeJob(fields)
}

func notActive(id string, status jobx.JobStatus) error {
	e := jobx.NewError(jobx.ErrNotActive).WithDetail("job_id", id)
	if status != "" {
		e = e.WithDetail("status", status)
	}
	return e
}

// Get loads job id.
func (l *Ledger) Get(ctx context.Context, id string) (*jobx.JobInfo, error) {
	fields, err := l.rdb.HGetAll(ctx, l.jobKey(id)).Result()
	if err != nil {
		return nil, l.commandError("get", err)
	}
	if len(fields) == 0 {
		return nil, jobx.NewError(jobx.ErrJobNotFound).WithDetail("job_id", id)
	}
	return decodeJob(fields)
}

// Count returns the size of the status set.
func (l *Ledger) Count(ctx context.Context, status jobx.JobStatus) (int, error) {
	n, err := l.rdb.ZCard(ctx, l.statusKey(status)).Result()
	if err != nil {
		return 0, l.commandError("count", err)
	}
	return int(n), nil
}

// List returns jobs in status by descending score: newest id for waiting,
// latest run time for delayed, latest start or finish for the rest.
func (l *Ledger) List(ctx context.Context, status jobx.JobStatus, offset, limit int) ([]*jobx.JobInfo, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(offset + limit - 1)
	}
	ids, err := l.rdb.ZRevRange(ctx, l.statusKey(status), int64(offset), stop).Result()
	if err != nil {
		return nil, l.commandError("list", err)
	}
	return l.load(ctx, ids)
}

// load fetches ids in one pipeline, skipping records deleted in between.
func (l *Ledger) load(ctx context.Context, ids []string) ([]*jobx.JobInfo, error) {
	if len(ids) == 0 {
		return []*jobx.JobInfo{}, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := l.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, l.jobKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, l.commandError("load", err)
	}

	out := make([]*jobx.JobInfo, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		job, err := decodeJob(fields)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

// Trim deletes the earliest finished jobs in status beyond keep.
func (l *Ledger) Trim(ctx context.Context, status jobx.JobStatus, keep int) ([]*jobx.JobInfo, error) {
	reply, err := trimScript.Run(ctx, l.rdb,
		[]string{l.statusKey(status)},
		keep, l.jobPrefix(),
	).Result()
	if err != nil {
		return nil, l.commandError("trim", err)
	}

	rows, ok := reply.([]interface{})
	if !ok {
		return nil, redisErrors.New(ErrDecode).WithDetail("reply", fmt.Sprintf("%T", reply))
	}
	evicted := make([]*jobx.JobInfo, 0, len(rows))
	for _, row := range rows {
		fields, err := pairs(row)
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			continue
		}
		job, err := decodeJob(fields)
		if err != nil {
			return nil, err
		}
		evicted = append(evicted, job)
	}
	return evicted, nil
}

// RecoverStalled returns jobs active since before cutoff to waiting, or
// fails them when their attempts are used up.
func (l *Ledger) RecoverStalled(ctx context.Context, cutoff, now time.Time) ([]*jobx.JobInfo, error) {
	ids, err := recoverScript.Run(ctx, l.rdb,
		[]string{
			l.statusKey(jobx.JobStatusActive),
			l.statusKey(jobx.JobStatusWaiting),
			l.statusKey(jobx.JobStatusFailed),
		},
		cutoff.UnixMilli(), now.UnixMilli(), l.jobPrefix(), jobx.StalledReason,
	).StringSlice()
	if err != nil {
		return nil, l.commandError("recover", err)
	}
	return l.load(ctx, ids)
}
