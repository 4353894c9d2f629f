package jobxmem_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Abraxas-365/jobq/pkg/jobx"
	"github.com/Abraxas-365/jobq/pkg/jobx/jobxmem"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func newJob(name string, attempts int, delay time.Duration) *jobx.JobInfo {
	return &jobx.JobInfo{
		Name:        name,
		Queue:       "default",
		Payload:     json.RawMessage(`{}`),
		AttemptsMax: attempts,
		Backoff:     jobx.FixedBackoff(time.Second),
		CreatedAt:   t0,
		RunAt:       t0.Add(delay),
	}
}

func mustCreate(t *testing.T, l *jobxmem.Ledger, job *jobx.JobInfo) *jobx.JobInfo {
	t.Helper()
	created, err := l.Create(context.Background(), job)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return created
}

// --- Create / Claim ---

func TestCreate_AssignsIncreasingIDs(t *testing.T) {
	l := jobxmem.NewLedger()
	a := mustCreate(t, l, newJob("a", 1, 0))
	b := mustCreate(t, l, newJob("b", 1, 0))

	if a.ID != "1" || b.ID != "2" {
		t.Fatalf("expected ids 1 and 2, got %s and %s", a.ID, b.ID)
	}
	if a.Status != jobx.JobStatusWaiting || a.Revision != 1 {
		t.Fatalf("expected waiting rev 1, got %s rev %d", a.Status, a.Revision)
	}
}

func TestCreate_DelayedWhenRunAtInFuture(t *testing.T) {
	l := jobxmem.NewLedger()
	job := mustCreate(t, l, newJob("a", 1, time.Minute))
	if job.Status != jobx.JobStatusDelayed {
		t.Fatalf("expected delayed, got %s", job.Status)
	}
}

func TestClaim_OldestFirst(t *testing.T) {
	ctx := context.Background()
	l := jobxmem.NewLedger()
	first := mustCreate(t, l, newJob("a", 1, 0))
	mustCreate(t, l, newJob("b", 1, 0))

	claimed, err := l.Claim(ctx, "w:1", t0)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if claimed.ID != first.ID {
		t.Fatalf("expected job %s, got %s", first.ID, claimed.ID)
	}
	if claimed.Status != jobx.JobStatusActive || claimed.AttemptsMade != 1 || claimed.Token != "w:1" {
		t.Fatalf("unexpected claimed record %+v", claimed)
	}
	if claimed.ProcessedAt == nil || !claimed.ProcessedAt.Equal(t0) {
		t.Fatalf("expected processed_at %v, got %v", t0, claimed.ProcessedAt)
	}
}

func TestClaim_SkipsDelayedUntilDue(t *testing.T) {
	ctx := context.Background()
	l := jobxmem.NewLedger()
	mustCreate(t, l, newJob("a", 1, time.Minute))

	if job, _ := l.Claim(ctx, "w:1", t0.Add(30*time.Second)); job != nil {
		t.Fatalf("claimed delayed job before it was due: %+v", job)
	}
	job, err := l.Claim(ctx, "w:2", t0.Add(time.Minute))
	if err != nil || job == nil {
		t.Fatalf("expected due job to be claimed, got %v, %v", job, err)
	}
}

func TestClaim_EmptyReturnsNil(t *testing.T) {
	job, err := jobxmem.NewLedger().Claim(context.Background(), "w:1", t0)
	if job != nil || err != nil {
		t.Fatalf("expected nil, nil; got %v, %v", job, err)
	}
}

func TestClaim_ConcurrentClaimsArePartitioned(t *testing.T) {
	ctx := context.Background()
	l := jobxmem.NewLedger()
	const jobs = 200
	for i := 0; i < jobs; i++ {
		mustCreate(t, l, newJob("a", 1, 0))
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for n := 0; ; n++ {
				job, err := l.Claim(ctx, fmt.Sprintf("w%d:%d", w, n), t0)
				if err != nil || job == nil {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	if len(seen) != jobs {
		t.Fatalf("expected %d distinct claims, got %d", jobs, len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("job %s claimed %d times", id, n)
		}
	}
}

// --- Resolutions ---

func TestComplete_RequiresMatchingToken(t *testing.T) {
	ctx := context.Background()
	l := jobxmem.NewLedger()
	mustCreate(t, l, newJob("a", 1, 0))
	job, _ := l.Claim(ctx, "w:1", t0)

	if _, err := l.Complete(ctx, job.ID, "w:other", nil, t0); !jobx.IsNotActive(err) {
		t.Fatalf("expected not active error, got %v", err)
	}

	done, err := l.Complete(ctx, job.ID, "w:1", json.RawMessage(`{"ok":true}`), t0.Add(time.Second))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if done.Status != jobx.JobStatusCompleted || string(done.Result) != `{"ok":true}` {
		t.Fatalf("unexpected completed record %+v", done)
	}

	if _, err := l.Complete(ctx, job.ID, "w:1", nil, t0); !jobx.IsNotActive(err) {
		t.Fatalf("expected second complete to be rejected, got %v", err)
	}
	after, _ := l.Get(ctx, job.ID)
	if after.Revision != done.Revision || string(after.Result) != `{"ok":true}` {
		t.Fatalf("rejected complete changed the record: %+v", after)
	}
}

func TestComplete_UnknownJob(t *testing.T) {
	_, err := jobxmem.NewLedger().Complete(context.Background(), "42", "w:1", nil, t0)
	if !jobx.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestFail_RetriesThenFails(t *testing.T) {
	ctx := context.Background()
	l := jobxmem.NewLedger()
	mustCreate(t, l, newJob("a", 2, 0))

	job, _ := l.Claim(ctx, "w:1", t0)
	retry, err := l.Fail(ctx, job.ID, "w:1", "boom", false, t0)
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if retry.Status != jobx.JobStatusDelayed || !retry.RunAt.Equal(t0.Add(time.Second)) {
		t.Fatalf("expected delayed until %v, got %s %v", t0.Add(time.Second), retry.Status, retry.RunAt)
	}
	if retry.LastError != "boom" || retry.FailureReason != "" {
		t.Fatalf("unexpected error fields %+v", retry)
	}

	job, _ = l.Claim(ctx, "w:2", t0.Add(time.Second))
	if job == nil || job.AttemptsMade != 2 {
		t.Fatalf("expected second attempt, got %+v", job)
	}
	failed, err := l.Fail(ctx, job.ID, "w:2", "boom again", false, t0.Add(2*time.Second))
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if failed.Status != jobx.JobStatusFailed || failed.FailureReason != "boom again" || failed.FinishedAt == nil {
		t.Fatalf("expected failed record, got %+v", failed)
	}
}

func TestFail_PermanentSkipsRetries(t *testing.T) {
	ctx := context.Background()
	l := jobxmem.NewLedger()
	mustCreate(t, l, newJob("a", 5, 0))
	job, _ := l.Claim(ctx, "w:1", t0)

	failed, err := l.Fail(ctx, job.ID, "w:1", "bad input", true, t0)
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if failed.Status != jobx.JobStatusFailed || failed.AttemptsMade != 1 {
		t.Fatalf("expected permanent failure after 1 attempt, got %+v", failed)
	}
}

func TestUpdateProgress(t *testing.T) {
	ctx := context.Background()
	l := jobxmem.NewLedger()
	mustCreate(t, l, newJob("a", 1, 0))
	job, _ := l.Claim(ctx, "w:1", t0)

	updated, err := l.UpdateProgress(ctx, job.ID, "w:1", jobx.Progress{Percent: 50, Message: "halfway"})
	if err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	if updated.Progress.Percent != 50 || updated.Revision != job.Revision+1 {
		t.Fatalf("unexpected progress record %+v", updated)
	}
}

// --- Queries ---

func TestList_NewestFirstWithPaging(t *testing.T) {
	ctx := context.Background()
	l := jobxmem.NewLedger()
	for i := 0; i < 5; i++ {
		mustCreate(t, l, newJob("a", 1, 0))
	}

	page, err := l.List(ctx, jobx.JobStatusWaiting, 1, 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page) != 2 || page[0].ID != "4" || page[1].ID != "3" {
		t.Fatalf("unexpected page %+v", page)
	}

	n, _ := l.Count(ctx, jobx.JobStatusWaiting)
	if n != 5 {
		t.Fatalf("expected 5 waiting, got %d", n)
	}

	empty, _ := l.List(ctx, jobx.JobStatusWaiting, 10, 2)
	if len(empty) != 0 {
		t.Fatalf("expected empty page past the end, got %d", len(empty))
	}
}

func TestGet_ReturnsCopy(t *testing.T) {
	ctx := context.Background()
	l := jobxmem.NewLedger()
	job := mustCreate(t, l, newJob("a", 1, 0))

	got, _ := l.Get(ctx, job.ID)
	got.Name = "mutated"

	again, _ := l.Get(ctx, job.ID)
	if again.Name != "a" {
		t.Fatal("Get did not return a copy")
	}
}

// --- Retention ---

func TestTrim_KeepsNewestFinished(t *testing.T) {
	ctx := context.Background()
	l := jobxmem.NewLedger()
	for i := 0; i < 4; i++ {
		mustCreate(t, l, newJob("a", 1, 0))
	}
	for i := 0; i < 4; i++ {
		job, _ := l.Claim(ctx, fmt.Sprintf("w:%d", i), t0)
		if _, err := l.Complete(ctx, job.ID, job.Token, nil, t0.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("Complete: %v", err)
		}
	}

	evicted, err := l.Trim(ctx, jobx.JobStatusCompleted, 2)
	if err != nil {
		t.Fatalf("Trim: %v", err)
	}
	if len(evicted) != 2 || evicted[0].ID != "1" || evicted[1].ID != "2" {
		t.Fatalf("expected jobs 1 and 2 evicted, got %+v", evicted)
	}
	if _, err := l.Get(ctx, "1"); !jobx.IsNotFound(err) {
		t.Fatalf("expected evicted job to be gone, got %v", err)
	}
	if n, _ := l.Count(ctx, jobx.JobStatusCompleted); n != 2 {
		t.Fatalf("expected 2 completed left, got %d", n)
	}
}

func TestTrim_ZeroKeepEvictsAll(t *testing.T) {
	ctx := context.Background()
	l := jobxmem.NewLedger()
	mustCreate(t, l, newJob("a", 1, 0))
	job, _ := l.Claim(ctx, "w:1", t0)
	_, _ = l.Fail(ctx, job.ID, "w:1", "boom", false, t0)

	evicted, _ := l.Trim(ctx, jobx.JobStatusFailed, 0)
	if len(evicted) != 1 {
		t.Fatalf("expected 1 evicted, got %d", len(evicted))
	}
}

// --- Stall recovery ---

func TestRecoverStalled(t *testing.T) {
	ctx := context.Background()
	l := jobxmem.NewLedger()
	mustCreate(t, l, newJob("retry", 2, 0))
	mustCreate(t, l, newJob("exhausted", 1, 0))
	mustCreate(t, l, newJob("fresh", 1, 0))

	a, _ := l.Claim(ctx, "w:1", t0)
	b, _ := l.Claim(ctx, "w:2", t0)
	_, _ = l.Claim(ctx, "w:3", t0.Add(10*time.Minute))

	recovered, err := l.RecoverStalled(ctx, t0.Add(5*time.Minute), t0.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("RecoverStalled: %v", err)
	}
	if len(recovered) != 2 {
		t.Fatalf("expected 2 recovered jobs, got %d", len(recovered))
	}

	ga, _ := l.Get(ctx, a.ID)
	if ga.Status != jobx.JobStatusWaiting {
		t.Fatalf("expected job with attempts left to wait, got %s", ga.Status)
	}
	gb, _ := l.Get(ctx, b.ID)
	if gb.Status != jobx.JobStatusFailed || gb.FailureReason != jobx.StalledReason {
		t.Fatalf("expected exhausted job to fail, got %+v", gb)
	}

	if _, err := l.Complete(ctx, a.ID, "w:1", nil, t0); !jobx.IsNotActive(err) {
		t.Fatalf("expected stale claim to be rejected, got %v", err)
	}
}
