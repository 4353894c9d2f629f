package jobxpg

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Abraxas-365/jobq/pkg/jobx"
	"github.com/Abraxas-365/jobq/pkg/logx"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Channel is the LISTEN/NOTIFY channel every queue publishes on.
const Channel = "jobq_events"

// NOTIFY payloads are limited to 8000 bytes. Larger events travel as a
// reference and the receiver reloads the snapshot from the ledger.
const maxPayload = 7900

type wireEvent struct {
	jobx.Event
	Ref bool `json:"ref,omitempty"`
}

// Notifier is a jobx.EventBus over LISTEN/NOTIFY. Run must be running for
// subscribers to receive anything.
type Notifier struct {
	db     *sqlx.DB
	dsn    string
	ledger jobx.Ledger
	local  *jobx.LocalBus

	minReconnect time.Duration
	maxReconnect time.Duration
	pingEvery    time.Duration
}

var _ jobx.EventBus = (*Notifier)(nil)

// NewNotifier creates a bus that publishes through db and listens on a
// dedicated connection opened from dsn. ledger rehydrates oversized events.
func NewNotifier(db *sqlx.DB, dsn string, ledger jobx.Ledger) *Notifier {
	return &Notifier{
		db:           db,
		dsn:          dsn,
		ledger:       ledger,
		local:        jobx.NewLocalBus(),
		minReconnect: 100 * time.Millisecond,
		maxReconnect: 10 * time.Second,
		pingEvery:    90 * time.Second,
	}
}

// Publish sends ev to every listener of the channel.
func (n *Notifier) Publish(ctx context.Context, ev jobx.Event) error {
	payload, err := json.Marshal(wireEvent{Event: ev})
	if err != nil {
		return pgErrors.NewWithCause(ErrEncode, err).WithDetail("job_id", ev.JobID)
	}
	if len(payload) > maxPayload {
		ref := ev
		ref.Snapshot = jobx.Snapshot{JobID: ev.JobID, State: ev.Snapshot.State}
		if payload, err = json.Marshal(wireEvent{Event: ref, Ref: true}); err != nil {
			return pgErrors.NewWithCause(ErrEncode, err).WithDetail("job_id", ev.JobID)
		}
	}

	if _, err := n.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, Channel, string(payload)); err != nil {
		return pgErrors.NewWithCause(ErrNotify, err).WithDetail("job_id", ev.JobID)
	}
	return nil
}

// Subscribe streams events received by Run until ctx is done.
func (n *Notifier) Subscribe(ctx context.Context) (<-chan jobx.Event, error) {
	return n.local.Subscribe(ctx)
}

// Run listens on Channel until ctx is done.
func (n *Notifier) Run(ctx context.Context) error {
	listener := pq.NewListener(n.dsn, n.minReconnect, n.maxReconnect, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logx.WithError(err).WithField("event", int(ev)).Warn("jobxpg: listener connection event")
		}
	})
	defer listener.Close()

	if err := listener.Listen(Channel); err != nil {
		return pgErrors.NewWithCause(ErrNotify, err).WithDetail("channel", Channel)
	}
	logx.WithField("channel", Channel).Info("jobxpg: listening for job events")

	ping := time.NewTicker(n.pingEvery)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case note := <-listener.Notify:
			// nil after a reconnect; notifications sent meanwhile are lost
			// and observers catch up by polling.
			if note == nil {
				continue
			}
			n.deliver(ctx, []byte(note.Extra))
		case <-ping.C:
			go func() {
				if err := listener.Ping(); err != nil {
					logx.WithError(err).Warn("jobxpg: listener ping failed")
				}
			}()
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, payload []byte) {
	var w wireEvent
	if err := json.Unmarshal(payload, &w); err != nil {
		logx.WithError(err).Warn("jobxpg: dropping malformed event")
		return
	}

	ev := w.Event
	if w.Ref {
		job, err := n.ledger.Get(ctx, ev.JobID)
		switch {
		case jobx.IsNotFound(err):
			return
		case err != nil:
			logx.WithError(err).WithField("job_id", ev.JobID).Warn("jobxpg: cannot load referenced event")
			return
		}
		if job.Queue != ev.Queue {
			return
		}
		ev.Revision = job.Revision
		ev.Snapshot = job.Snapshot()
	}

	_ = n.local.Publish(ctx, ev)
}
