package jobx

import (
	"encoding/json"
	"runtime"
	"time"

	"github.com/Abraxas-365/jobq/pkg/ptrx"
)

// ============================================================================
// Queue options
// ============================================================================

// QueueOptions configures a Queue.
type QueueOptions struct {
	DefaultAttempts int
	DefaultBackoff  BackoffPolicy
	KeepCompleted   int
	KeepFailed      int

	// ObservePollInterval is how often subscribers re-read the ledger in
	// case an event was lost.
	ObservePollInterval time.Duration

	Bus        EventBus
	Archiver   Archiver
	Clock      func() time.Time
	Validators map[string]func(json.RawMessage) error
}

func defaultQueueOptions() QueueOptions {
	return QueueOptions{
		DefaultAttempts:     3,
		DefaultBackoff:      ExponentialBackoff(3 * time.Second),
		KeepCompleted:       1000,
		KeepFailed:          1000,
		ObservePollInterval: time.Second,
		Clock:               time.Now,
		Validators:          make(map[string]func(json.RawMessage) error),
	}
}

// QueueOption is a functional option for configuring a Queue.
type QueueOption func(*QueueOptions)

// WithDefaultAttempts sets the attempts budget for jobs enqueued without one.
func WithDefaultAttempts(n int) QueueOption {
	return func(o *QueueOptions) {
		if n > 0 {
			o.DefaultAttempts = n
		}
	}
}

// WithDefaultBackoff sets the backoff policy for jobs enqueued without one.
func WithDefaultBackoff(b BackoffPolicy) QueueOption {
	return func(o *QueueOptions) {
		o.DefaultBackoff = b
	}
}

// WithRetention bounds how many completed and failed jobs are kept.
func WithRetention(keepCompleted, keepFailed int) QueueOption {
	return func(o *QueueOptions) {
		o.KeepCompleted = max(keepCompleted, 0)
		o.KeepFailed = max(keepFailed, 0)
	}
}

// WithEventBus sets the bus job events are published on. The default is a
// LocalBus, which only reaches observers in the same process.
func WithEventBus(bus EventBus) QueueOption {
	return func(o *QueueOptions) {
		o.Bus = bus
	}
}

// WithArchiver hands records evicted by retention to a.
func WithArchiver(a Archiver) QueueOption {
	return func(o *QueueOptions) {
		o.Archiver = a
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(clock func() time.Time) QueueOption {
	return func(o *QueueOptions) {
		if clock != nil {
			o.Clock = clock
		}
	}
}

// WithObservePollInterval sets the subscriber polling fallback interval.
func WithObservePollInterval(d time.Duration) QueueOption {
	return func(o *QueueOptions) {
		if d > 0 {
			o.ObservePollInterval = d
		}
	}
}

// WithValidator checks the payload of every job enqueued under name.
func WithValidator(name string, fn func(json.RawMessage) error) QueueOption {
	return func(o *QueueOptions) {
		o.Validators[name] = fn
	}
}

// ============================================================================
// Enqueue options
// ============================================================================

// EnqueueOptions are per-job overrides of the queue defaults.
type EnqueueOptions struct {
	Delay    time.Duration
	Attempts *int
	Backoff  *BackoffPolicy
}

// EnqueueOption is a functional option for a single Enqueue call.
type EnqueueOption func(*EnqueueOptions)

// WithDelay makes the job eligible only after d.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *EnqueueOptions) {
		o.Delay = d
	}
}

// WithAttempts sets the total number of attempts, first run included.
func WithAttempts(n int) EnqueueOption {
	return func(o *EnqueueOptions) {
		o.Attempts = ptrx.Int(n)
	}
}

// WithBackoff sets the retry backoff policy of the job.
func WithBackoff(b BackoffPolicy) EnqueueOption {
	return func(o *EnqueueOptions) {
		o.Backoff = ptrx.To(b)
	}
}

// ============================================================================
// Worker options
// ============================================================================

// WorkerOptions configures a Worker.
type WorkerOptions struct {
	Concurrency     int
	PollInterval    time.Duration
	ShutdownTimeout time.Duration

	// StorageRetries bounds how often a slot retries a resolution the
	// ledger could not store, starting at StorageRetryDelay and doubling.
	StorageRetries    int
	StorageRetryDelay time.Duration

	Alerter Alerter
}

func defaultWorkerOptions() WorkerOptions {
	return WorkerOptions{
		Concurrency:       runtime.NumCPU(),
		PollInterval:      500 * time.Millisecond,
		ShutdownTimeout:   30 * time.Second,
		StorageRetries:    5,
		StorageRetryDelay: 500 * time.Millisecond,
	}
}

// WorkerOption is a functional option for configuring a Worker.
type WorkerOption func(*WorkerOptions)

// WithConcurrency sets the number of worker slots.
func WithConcurrency(n int) WorkerOption {
	return func(o *WorkerOptions) {
		if n > 0 {
			o.Concurrency = n
		}
	}
}

// WithPollInterval sets how long an idle slot sleeps before claiming again.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(o *WorkerOptions) {
		if d > 0 {
			o.PollInterval = d
		}
	}
}

// WithShutdownTimeout sets the maximum time to wait for workers to finish on shutdown.
func WithShutdownTimeout(d time.Duration) WorkerOption {
	return func(o *WorkerOptions) {
		o.ShutdownTimeout = d
	}
}

// WithStorageRetry sets the ledger retry budget used by slots.
func WithStorageRetry(retries int, delay time.Duration) WorkerOption {
	return func(o *WorkerOptions) {
		if retries > 0 {
			o.StorageRetries = retries
		}
		if delay > 0 {
			o.StorageRetryDelay = delay
		}
	}
}

// WithAlerter reports storage faults to a.
func WithAlerter(a Alerter) WorkerOption {
	return func(o *WorkerOptions) {
		o.Alerter = a
	}
}
