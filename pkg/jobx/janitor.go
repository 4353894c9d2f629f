package jobx

import (
	"context"
	"time"

	"github.com/Abraxas-365/jobq/pkg/logx"
	"github.com/robfig/cron/v3"
)

// JanitorOptions configures a Janitor.
type JanitorOptions struct {
	// Schedule is a cron spec, e.g. "@every 30s" or "*/5 * * * *".
	Schedule string

	// StalledTimeout is how long a job may stay active before it is
	// considered abandoned by a crashed worker.
	StalledTimeout time.Duration

	Alerter Alerter
}

// JanitorOption is a functional option for configuring a Janitor.
type JanitorOption func(*JanitorOptions)

// WithSchedule sets the sweep schedule.
func WithSchedule(spec string) JanitorOption {
	return func(o *JanitorOptions) {
		if spec != "" {
			o.Schedule = spec
		}
	}
}

// WithStalledTimeout sets the active-job age after which it is recovered.
func WithStalledTimeout(d time.Duration) JanitorOption {
	return func(o *JanitorOptions) {
		if d > 0 {
			o.StalledTimeout = d
		}
	}
}

// WithJanitorAlerter reports failed sweeps to a.
func WithJanitorAlerter(a Alerter) JanitorOption {
	return func(o *JanitorOptions) {
		o.Alerter = a
	}
}

// SweepReport summarizes one janitor sweep.
type SweepReport struct {
	Recovered int
	Failed    int
	Evicted   int
}

// Janitor periodically recovers stalled jobs and enforces retention, so
// both hold even for jobs whose worker died mid-flight.
type Janitor struct {
	queue *Queue
	opts  JanitorOptions
}

// NewJanitor creates a janitor for q.
func NewJanitor(q *Queue, options ...JanitorOption) *Janitor {
	opts := JanitorOptions{
		Schedule:       "@every 30s",
		StalledTimeout: 5 * time.Minute,
	}
	for _, o := range options {
		o(&opts)
	}
	return &Janitor{queue: q, opts: opts}
}

// Start runs sweeps on the schedule until ctx is cancelled. It returns an
// error only if the schedule cannot be parsed.
func (j *Janitor) Start(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(j.opts.Schedule, func() {
		if _, err := j.Sweep(ctx); err != nil && ctx.Err() == nil {
			logx.WithError(err).WithField("queue", j.queue.name).Error("jobx: janitor sweep failed")
			if j.opts.Alerter != nil {
				j.opts.Alerter.Alert(ctx, Alert{Kind: AlertSweepFailed, Queue: j.queue.name, Err: err, At: time.Now()})
			}
		}
	}); err != nil {
		return jobxErrors.NewWithCause(ErrValidation, err).WithDetail("schedule", j.opts.Schedule)
	}

	logx.WithFields(logx.Fields{"queue": j.queue.name, "schedule": j.opts.Schedule}).Info("jobx: janitor started")
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	logx.WithField("queue", j.queue.name).Info("jobx: janitor stopped")
	return nil
}

// Sweep recovers stalled jobs and applies retention once.
func (j *Janitor) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	recovered, err := j.queue.recoverStalled(ctx, j.opts.StalledTimeout)
	if err != nil {
		return report, err
	}
	for _, job := range recovered {
		if job.Status == JobStatusFailed {
			report.Failed++
		} else {
			report.Recovered++
		}
	}
	if len(recovered) > 0 {
		logx.WithFields(logx.Fields{
			"queue":     j.queue.name,
			"recovered": report.Recovered,
			"failed":    report.Failed,
		}).Warn("jobx: reclaimed stalled jobs")
	}

	report.Evicted, err = j.queue.ApplyRetention(ctx)
	return report, err
}
