package jobx_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Abraxas-365/jobq/pkg/jobx"
	"github.com/Abraxas-365/jobq/pkg/jobx/jobxmem"
)

// flakyLedger fails the first claimFaults claims and completeFaults
// completions with a storage error, then defers to the in-memory ledger.
type flakyLedger struct {
	*jobxmem.Ledger

	mu             sync.Mutex
	claimFaults    int
	completeFaults int
	claims         int
	completes      int
}

func (l *flakyLedger) Claim(ctx context.Context, token string, now time.Time) (*jobx.JobInfo, error) {
	l.mu.Lock()
	l.claims++
	fail := l.claims <= l.claimFaults
	l.mu.Unlock()
	if fail {
		return nil, jobx.StorageError(errors.New("connection reset"))
	}
	return l.Ledger.Claim(ctx, token, now)
}

func (l *flakyLedger) Complete(ctx context.Context, id, token string, result json.RawMessage, now time.Time) (*jobx.JobInfo, error) {
	l.mu.Lock()
	l.completes++
	fail := l.completes <= l.completeFaults
	l.mu.Unlock()
	if fail {
		return nil, jobx.StorageError(errors.New("connection reset"))
	}
	return l.Ledger.Complete(ctx, id, token, result, now)
}

func (l *flakyLedger) completeCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.completes
}

type alertLog struct {
	mu     sync.Mutex
	alerts []jobx.Alert
}

func (a *alertLog) alerter() jobx.Alerter {
	return jobx.AlerterFunc(func(_ context.Context, al jobx.Alert) {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.alerts = append(a.alerts, al)
	})
}

func (a *alertLog) of(kind jobx.AlertKind) []jobx.Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []jobx.Alert
	for _, al := range a.alerts {
		if al.Kind == kind {
			out = append(out, al)
		}
	}
	return out
}

func newFlakyQueue(claimFaults, completeFaults int) (*jobx.Queue, *flakyLedger) {
	ledger := &flakyLedger{
		Ledger:         jobxmem.NewLedger(),
		claimFaults:    claimFaults,
		completeFaults: completeFaults,
	}
	return jobx.NewQueue("test", ledger, jobx.WithObservePollInterval(20*time.Millisecond)), ledger
}

func TestWorker_ClaimFailureAlertsAndRecovers(t *testing.T) {
	q, _ := newFlakyQueue(2, 0)
	reg := jobx.NewRegistry()
	reg.Register("echo", echoHandler)
	alerts := &alertLog{}

	start := time.Now()
	startWorker(t, q, reg,
		jobx.WithConcurrency(1),
		jobx.WithStorageRetry(3, 50*time.Millisecond),
		jobx.WithAlerter(alerts.alerter()),
	)

	h, err := q.Enqueue(context.Background(), "echo", json.RawMessage(`{"n":1}`))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	info := waitFinished(t, h)
	if info.Status != jobx.JobStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", info.Status, info.FailureReason)
	}
	// Each failed claim backs off for the storage retry delay.
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("worker recovered after %s, expected two retry delays", elapsed)
	}

	got := alerts.of(jobx.AlertClaimFailed)
	if len(got) != 2 {
		t.Fatalf("expected 2 claim alerts, got %d", len(got))
	}
	for _, al := range got {
		if al.Queue != "test" || al.JobID != "" {
			t.Fatalf("unexpected alert %+v", al)
		}
		if !jobx.IsStorageError(al.Err) {
			t.Fatalf("expected storage error, got %v", al.Err)
		}
	}
}

func TestWorker_TransientCompleteErrorIsRetried(t *testing.T) {
	q, ledger := newFlakyQueue(0, 2)
	reg := jobx.NewRegistry()
	reg.Register("echo", echoHandler)
	alerts := &alertLog{}
	startWorker(t, q, reg,
		jobx.WithStorageRetry(3, 5*time.Millisecond),
		jobx.WithAlerter(alerts.alerter()),
	)

	h, err := q.Enqueue(context.Background(), "echo", json.RawMessage(`{"n":1}`))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	info := waitFinished(t, h)
	if info.Status != jobx.JobStatusCompleted {
		t.Fatalf("expected completed, got %s", info.Status)
	}
	if info.AttemptsMade != 1 {
		t.Fatalf("storage retries must not count as attempts, got %d", info.AttemptsMade)
	}
	if n := ledger.completeCalls(); n != 3 {
		t.Fatalf("expected 3 Complete calls, got %d", n)
	}
	if got := alerts.of(jobx.AlertResolveFailed); len(got) != 0 {
		t.Fatalf("unexpected resolve alerts: %+v", got)
	}
}

func TestWorker_ExhaustedResolveLeavesJobActive(t *testing.T) {
	q, ledger := newFlakyQueue(0, 1000)
	reg := jobx.NewRegistry()
	reg.Register("echo", echoHandler)
	alerts := &alertLog{}
	startWorker(t, q, reg,
		jobx.WithStorageRetry(3, 5*time.Millisecond),
		jobx.WithAlerter(alerts.alerter()),
	)

	h, err := q.Enqueue(context.Background(), "echo", json.RawMessage(`{"n":1}`))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	eventually(t, func() bool {
		return len(alerts.of(jobx.AlertResolveFailed)) == 1
	}, "resolve failure was not alerted")

	al := alerts.of(jobx.AlertResolveFailed)[0]
	if al.JobID != h.ID {
		t.Fatalf("alert names job %q, expected %q", al.JobID, h.ID)
	}
	if !jobx.IsStorageError(al.Err) {
		t.Fatalf("expected storage error, got %v", al.Err)
	}
	if n := ledger.completeCalls(); n != 3 {
		t.Fatalf("expected 3 Complete calls, got %d", n)
	}

	info, err := ledger.Get(context.Background(), h.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if info.Status != jobx.JobStatusActive {
		t.Fatalf("expected job to stay active for stalled recovery, got %s", info.Status)
	}
}
