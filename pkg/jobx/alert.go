package jobx

import (
	"context"
	"time"
)

// AlertKind classifies an Alert.
type AlertKind string

const (
	// AlertClaimFailed means a slot could not claim from the ledger.
	AlertClaimFailed AlertKind = "claim_failed"

	// AlertResolveFailed means a job outcome could not be stored after all
	// retries. The job stays active until stall recovery picks it up.
	AlertResolveFailed AlertKind = "resolve_failed"

	// AlertSweepFailed means a janitor sweep could not complete.
	AlertSweepFailed AlertKind = "sweep_failed"
)

// Alert describes an infrastructure fault that threatens queue liveness.
type Alert struct {
	Kind  AlertKind
	Queue string
	JobID string
	Err   error
	At    time.Time
}

// Alerter is notified of storage faults. Implementations must not block
// for long; they run on worker slots.
type Alerter interface {
	Alert(ctx context.Context, a Alert)
}

// AlerterFunc adapts a function to Alerter.
type AlerterFunc func(ctx context.Context, a Alert)

// Alert calls f.
func (f AlerterFunc) Alert(ctx context.Context, a Alert) { f(ctx, a) }
