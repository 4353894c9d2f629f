package jobx

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Abraxas-365/jobq/pkg/asyncx"
	"github.com/Abraxas-365/jobq/pkg/logx"
	"github.com/google/uuid"
)

// Worker runs a fixed number of slots that claim jobs from a queue and
// execute them with the handlers of a registry.
type Worker struct {
	queue    *Queue
	registry *Registry
	opts     WorkerOptions
	id       string
	claims   atomic.Uint64

	mu      sync.Mutex
	running bool
}

// NewWorker creates a worker pool over q. Handlers may be registered on
// registry before or after Start; jobs with no handler fail permanently.
func NewWorker(q *Queue, registry *Registry, options ...WorkerOption) *Worker {
	opts := defaultWorkerOptions()
	for _, o := range options {
		o(&opts)
	}
	return &Worker{
		queue:    q,
		registry: registry,
		opts:     opts,
		id:       uuid.NewString(),
	}
}

// ID identifies this worker in claim tokens and logs.
func (w *Worker) ID() string { return w.id }

// Start runs the slots until ctx is cancelled, then waits up to
// ShutdownTimeout for in-flight jobs to be resolved.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return jobxErrors.New(ErrAlreadyRunning)
	}
	w.running = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	logx.WithFields(logx.Fields{"queue": w.queue.name, "worker": w.id}).
		Infof("jobx: starting %d slots", w.opts.Concurrency)

	var wg sync.WaitGroup
	for i := 0; i < w.opts.Concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.slotLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	logx.WithField("worker", w.id).Info("jobx: shutting down slots...")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logx.WithField("worker", w.id).Info("jobx: all slots stopped")
		return nil
	case <-time.After(w.opts.ShutdownTimeout):
		logx.WithField("worker", w.id).Warn("jobx: shutdown timed out, active jobs will be recovered as stalled")
		return jobxErrors.New(ErrShutdownTimeout)
	}
}

func (w *Worker) slotLoop(ctx context.Context, slot int) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := w.queue.claim(ctx, w.nextToken())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logx.WithError(err).
				WithFields(logx.Fields{"queue": w.queue.name, "worker": w.id, "slot": slot}).
				Error("jobx: claim failed")
			w.alert(ctx, AlertClaimFailed, "", err)
			_ = asyncx.Sleep(ctx, w.opts.StorageRetryDelay)
			continue
		}
		if job == nil {
			_ = asyncx.Sleep(ctx, w.opts.PollInterval)
			continue
		}

		w.processJob(ctx, job)
	}
}

func (w *Worker) nextToken() string {
	return fmt.Sprintf("%s:%d", w.id, w.claims.Add(1))
}

func (w *Worker) processJob(ctx context.Context, job *JobInfo) {
	log := logx.WithFields(logx.Fields{
		"queue":    w.queue.name,
		"job_id":   job.ID,
		"job_name": job.Name,
		"attempt":  job.AttemptsMade,
		"worker":   w.id,
	})

	// Outcomes are stored even while shutting down.
	rctx := context.WithoutCancel(ctx)

	handler, ok := w.registry.Resolve(job.Name)
	if !ok {
		reason := noProcessorReason(job.Name, w.registry.Names())
		log.WithError(jobxErrors.New(ErrNoProcessor)).Warn("jobx: " + reason)
		w.resolve(rctx, job, log, func(ctx context.Context) (*JobInfo, error) {
			return w.queue.fail(ctx, job, reason, true)
		})
		return
	}

	log.Debug("jobx: executing job")
	result, err := w.invoke(ctx, handler, job)
	if err != nil {
		permanent := IsPermanent(err)
		log.WithError(jobxErrors.NewWithCause(ErrHandler, err)).
			WithField("permanent", permanent).
			Warn("jobx: job attempt failed")
		w.resolve(rctx, job, log, func(ctx context.Context) (*JobInfo, error) {
			return w.queue.fail(ctx, job, err.Error(), permanent)
		})
		return
	}

	w.resolve(rctx, job, log, func(ctx context.Context) (*JobInfo, error) {
		return w.queue.complete(ctx, job, result)
	})
}

// invoke runs handler, turning panics into errors.
func (w *Worker) invoke(ctx context.Context, handler HandlerFunc, job *JobInfo) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("handler panicked: %v", r)
		}
	}()

	out, err := handler(ctx, newExecution(job.Clone(), w.queue))
	if err != nil {
		return nil, err
	}
	return encodeResult(out)
}

// resolve stores a job outcome, retrying storage failures. Outcomes for jobs
// this worker no longer owns are dropped; the owner of record decides.
func (w *Worker) resolve(ctx context.Context, job *JobInfo, log *logx.Entry, op func(context.Context) (*JobInfo, error)) {
	updated, err := asyncx.RetryWithBackoffIf(ctx, w.opts.StorageRetries, w.opts.StorageRetryDelay, IsStorageError, op)
	switch {
	case err == nil:
		log.WithField("status", updated.Status).Info("jobx: job resolved")
	case IsNotFound(err), IsNotActive(err):
		log.WithError(err).Warn("jobx: job no longer owned by this claim, outcome dropped")
		return
	default:
		log.WithError(err).Error("jobx: failed to store job outcome")
		w.alert(ctx, AlertResolveFailed, job.ID, err)
		return
	}

	if !updated.Status.Terminal() {
		return
	}
	if _, err := w.queue.ApplyRetention(ctx); err != nil {
		log.WithError(err).Warn("jobx: retention failed")
	}
}

func (w *Worker) alert(ctx context.Context, kind AlertKind, jobID string, err error) {
	if w.opts.Alerter == nil {
		return
	}
	w.opts.Alerter.Alert(ctx, Alert{
		Kind:  kind,
		Queue: w.queue.name,
		JobID: jobID,
		Err:   err,
		At:    time.Now(),
	})
}

func noProcessorReason(name string, registered []string) string {
	list := "none"
	if len(registered) > 0 {
		list = strings.Join(registered, ", ")
	}
	return fmt.Sprintf("no processor registered for job %q (registered: %s)", name, list)
}

func encodeResult(out any) (json.RawMessage, error) {
	switch v := out.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, Permanent(fmt.Errorf("handler returned invalid JSON result"))
		}
		return v, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, Permanent(fmt.Errorf("encode result: %w", err))
		}
		return data, nil
	}
}
