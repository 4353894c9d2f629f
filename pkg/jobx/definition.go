package jobx

import (
	"context"
	"encoding/json"
	"fmt"
)

// Definition ties a job name to its payload type P and result type R, so
// producers and handlers of the same job agree at compile time.
//
//	var Echo = jobx.Define[EchoPayload, EchoResult]("echo")
//
//	Echo.Handle(registry, func(ctx context.Context, exec *jobx.Execution, p EchoPayload) (EchoResult, error) {
//		return EchoResult{Echoed: p.Message}, nil
//	})
//	handle, err := Echo.Enqueue(ctx, queue, EchoPayload{Message: "hi"})
type Definition[P any, R any] struct {
	Name       string
	validators []func(P) error
}

// Define declares a typed job. Validators run on every Enqueue.
func Define[P any, R any](name string, validators ...func(P) error) Definition[P, R] {
	return Definition[P, R]{Name: name, validators: validators}
}

// Validate runs the definition's validators on payload.
func (d Definition[P, R]) Validate(payload P) error {
	for _, v := range d.validators {
		if err := v(payload); err != nil {
			return jobxErrors.NewWithCause(ErrValidation, err).
				WithDetail("job_name", d.Name).
				WithDetail("reason", err.Error())
		}
	}
	return nil
}

// Validator returns a queue option that applies the definition's validators
// to raw payloads enqueued under its name, such as those arriving over HTTP.
func (d Definition[P, R]) Validator() QueueOption {
	return WithValidator(d.Name, func(raw json.RawMessage) error {
		var payload P
		if err := json.Unmarshal(raw, &payload); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		for _, v := range d.validators {
			if err := v(payload); err != nil {
				return err
			}
		}
		return nil
	})
}

// Enqueue validates and enqueues payload on q.
func (d Definition[P, R]) Enqueue(ctx context.Context, q *Queue, payload P, options ...EnqueueOption) (*JobHandle, error) {
	if err := d.Validate(payload); err != nil {
		return nil, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, validationError(fmt.Sprintf("encode payload: %v", err))
	}
	return q.Enqueue(ctx, d.Name, data, options...)
}

// Handle registers fn as the processor of this job.
func (d Definition[P, R]) Handle(registry *Registry, fn func(ctx context.Context, exec *Execution, payload P) (R, error)) bool {
	return registry.Register(d.Name, func(ctx context.Context, exec *Execution) (any, error) {
		var payload P
		if err := exec.Bind(&payload); err != nil {
			return nil, err
		}
		return fn(ctx, exec, payload)
	})
}

// Result decodes the result of a completed job.
func (d Definition[P, R]) Result(job *JobInfo) (R, error) {
	var r R
	if job.Status != JobStatusCompleted {
		return r, fmt.Errorf("job %s is %s, not completed", job.ID, job.Status)
	}
	if len(job.Result) == 0 {
		return r, nil
	}
	if err := json.Unmarshal(job.Result, &r); err != nil {
		return r, fmt.Errorf("decode result of job %s: %w", job.ID, err)
	}
	return r, nil
}
