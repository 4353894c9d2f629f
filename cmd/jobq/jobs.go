package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Abraxas-365/jobq/pkg/jobx"
)

type EchoPayload struct {
	Message string `json:"message"`
}

type EchoResult struct {
	Echoed string `json:"echoed"`
}

// Echo returns its message unchanged.
var Echo = jobx.Define[EchoPayload, EchoResult]("echo", func(p EchoPayload) error {
	if p.Message == "" {
		return errors.New("message is required")
	}
	return nil
})

type CountdownPayload struct {
	Steps      int `json:"steps"`
	IntervalMS int `json:"interval_ms"`
}

type CountdownResult struct {
	Steps int `json:"steps"`
}

// Countdown sleeps through its steps and reports progress after each one.
var Countdown = jobx.Define[CountdownPayload, CountdownResult]("countdown", func(p CountdownPayload) error {
	if p.Steps < 1 || p.Steps > 100 {
		return errors.New("steps must be between 1 and 100")
	}
	if p.IntervalMS < 0 || p.IntervalMS > 60_000 {
		return errors.New("interval_ms must be between 0 and 60000")
	}
	return nil
})

// jobOptions returns the payload validators of every built-in job.
func jobOptions() []jobx.QueueOption {
	return []jobx.QueueOption{Echo.Validator(), Countdown.Validator()}
}

func registerJobs(registry *jobx.Registry) {
	Echo.Handle(registry, func(_ context.Context, _ *jobx.Execution, p EchoPayload) (EchoResult, error) {
		return EchoResult{Echoed: p.Message}, nil
	})

	Countdown.Handle(registry, func(ctx context.Context, exec *jobx.Execution, p CountdownPayload) (CountdownResult, error) {
		interval := time.Duration(p.IntervalMS) * time.Millisecond
		for i := 1; i <= p.Steps; i++ {
			select {
			case <-ctx.Done():
				return CountdownResult{}, ctx.Err()
			case <-time.After(interval):
			}
			if err := exec.ReportProgress(ctx, i*100/p.Steps, fmt.Sprintf("step %d of %d", i, p.Steps)); err != nil {
				return CountdownResult{}, err
			}
		}
		return CountdownResult{Steps: p.Steps}, nil
	})
}
