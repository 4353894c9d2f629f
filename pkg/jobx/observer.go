package jobx

import (
	"context"
	"time"

	"github.com/Abraxas-365/jobq/pkg/logx"
)

// Observer lets callers follow a job without touching worker internals.
type Observer struct {
	queue *Queue
}

// NewObserver creates an observer over q.
func NewObserver(q *Queue) *Observer {
	return &Observer{queue: q}
}

// Snapshot reads the current state of job id. A missing job yields a
// snapshot with NotFound set and a nil error.
func (o *Observer) Snapshot(ctx context.Context, id string) (Snapshot, error) {
	job, err := o.queue.ledger.Get(ctx, id)
	if err != nil {
		if IsNotFound(err) {
			return notFoundSnapshot(id), nil
		}
		return Snapshot{}, err
	}
	return job.Snapshot(), nil
}

// Subscribe streams snapshots of job id: the current one first, then one per
// status transition or progress update. The channel is closed after the
// first terminal snapshot or when ctx is done. An unknown id produces a
// single NotFound snapshot.
func (o *Observer) Subscribe(ctx context.Context, id string) <-chan Snapshot {
	out := make(chan Snapshot, 1)
	go o.follow(ctx, id, out)
	return out
}

func (o *Observer) follow(ctx context.Context, id string, out chan<- Snapshot) {
	defer close(out)

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	log := logx.WithFields(logx.Fields{"queue": o.queue.name, "job_id": id})

	// Subscribe before the first read so no transition falls in between.
	events, err := o.queue.opts.Bus.Subscribe(subCtx)
	if err != nil {
		log.WithError(err).Warn("jobx: event subscription failed, falling back to polling")
		events = nil
	}

	var (
		lastRev int64 = -1
		seen    bool
	)
	emit := func(s Snapshot) bool {
		if !s.NotFound && s.Revision <= lastRev {
			return true
		}
		select {
		case out <- s:
		case <-ctx.Done():
			return false
		}
		lastRev = s.Revision
		seen = true
		return !s.Terminal()
	}

	if s, err := o.Snapshot(ctx, id); err != nil {
		log.WithError(err).Warn("jobx: snapshot read failed")
	} else if !emit(s) {
		return
	}

	// heard records whether an event for this job arrived since the last
	// tick. Polls only stand in for events that never came.
	heard := false
	onEvent := func(ev Event) bool {
		if ev.JobID != id || ev.Queue != o.queue.name {
			return true
		}
		heard = true
		s := ev.Snapshot
		s.Revision = ev.Revision
		return emit(s)
	}

	ticker := time.NewTicker(o.queue.opts.ObservePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !onEvent(ev) {
				return
			}

		case <-ticker.C:
			// Events already buffered go first, in order.
		drain:
			for events != nil {
				select {
				case ev, ok := <-events:
					if !ok {
						events = nil
						break drain
					}
					if !onEvent(ev) {
						return
					}
				default:
					break drain
				}
			}
			if heard {
				heard = false
				continue
			}

			s, err := o.Snapshot(ctx, id)
			if err != nil {
				continue
			}
			if s.NotFound && seen {
				// Evicted after we last saw it; nothing more will happen.
				return
			}
			if !emit(s) {
				return
			}
		}
	}
}

// JobHandle refers to an enqueued job.
type JobHandle struct {
	ID    string
	queue *Queue
}

// Info returns the full job record.
func (h *JobHandle) Info(ctx context.Context) (*JobInfo, error) {
	return h.queue.ledger.Get(ctx, h.ID)
}

// Snapshot returns the observer view of the job.
func (h *JobHandle) Snapshot(ctx context.Context) (Snapshot, error) {
	return NewObserver(h.queue).Snapshot(ctx, h.ID)
}

// WaitUntilFinished blocks until the job is completed or failed and returns
// its final record. If retention already evicted the record, the returned
// JobInfo is rebuilt from the terminal snapshot.
func (h *JobHandle) WaitUntilFinished(ctx context.Context) (*JobInfo, error) {
	var last Snapshot
	for s := range NewObserver(h.queue).Subscribe(ctx, h.ID) {
		last = s
	}
	if last.NotFound {
		return nil, jobxErrors.New(ErrJobNotFound).WithDetail("job_id", h.ID)
	}
	if !last.State.Terminal() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, jobxErrors.New(ErrJobNotFound).WithDetail("job_id", h.ID)
	}

	job, err := h.Info(ctx)
	if err == nil {
		return job, nil
	}
	if !IsNotFound(err) {
		return nil, err
	}
	return &JobInfo{
		ID:            h.ID,
		Queue:         h.queue.name,
		Status:        last.State,
		Progress:      Progress{Percent: last.Progress, Message: last.Message},
		Result:        last.Result,
		FailureReason: last.Error,
		Revision:      last.Revision,
	}, nil
}
