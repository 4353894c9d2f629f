// Package jobxalert e-mails operators about storage faults reported by
// workers and the janitor. Each alert kind has its own token bucket, so a
// flapping ledger produces a trickle of mail rather than a flood.
package jobxalert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Abraxas-365/jobq/pkg/jobx"
	"github.com/Abraxas-365/jobq/pkg/logx"
	"github.com/Abraxas-365/jobq/pkg/notifx"
	"golang.org/x/time/rate"
)

const templateName = "jobq_alert"

const htmlTemplate = `<h2>jobq alert: {{.Kind}}</h2>
<p>Queue: <strong>{{.Queue}}</strong></p>
{{if .JobID}}<p>Job: {{.JobID}}</p>{{end}}
<p>Error: <code>{{.Error}}</code></p>
<p>At: {{.At}}</p>
{{if .Suppressed}}<p>{{.Suppressed}} earlier alerts of this kind were suppressed.</p>{{end}}`

const textTemplate = `jobq alert: {{.Kind}}
Queue: {{.Queue}}
{{if .JobID}}Job: {{.JobID}}
{{end}}Error: {{.Error}}
At: {{.At}}
{{if .Suppressed}}{{.Suppressed}} earlier alerts of this kind were suppressed.
{{end}}`

type templateData struct {
	Kind       jobx.AlertKind
	Queue      string
	JobID      string
	Error      string
	At         string
	Suppressed int
}

// Options configures an EmailAlerter.
type Options struct {
	From        string
	Every       time.Duration // minimum spacing between mails of one kind
	Burst       int
	SendTimeout time.Duration
	ConfigID    string
}

// Option is a functional option for NewEmailAlerter.
type Option func(*Options)

// WithFrom sets the sender address.
func WithFrom(from string) Option {
	return func(o *Options) { o.From = from }
}

// WithLimit allows burst mails of one kind, then one per every.
func WithLimit(every time.Duration, burst int) Option {
	return func(o *Options) {
		if every > 0 {
			o.Every = every
		}
		if burst > 0 {
			o.Burst = burst
		}
	}
}

// WithSendTimeout bounds each delivery.
func WithSendTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.SendTimeout = d
		}
	}
}

// WithConfigID passes a provider configuration set with every mail.
func WithConfigID(id string) Option {
	return func(o *Options) { o.ConfigID = id }
}

type kindState struct {
	limiter    *rate.Limiter
	suppressed int
}

// EmailAlerter implements jobx.Alerter. Alert never blocks on delivery.
type EmailAlerter struct {
	client *notifx.Client
	to     []string
	opts   Options

	mu    sync.Mutex
	kinds map[jobx.AlertKind]*kindState
	wg    sync.WaitGroup
}

var _ jobx.Alerter = (*EmailAlerter)(nil)

// NewEmailAlerter sends alerts to the given recipients through client.
func NewEmailAlerter(client *notifx.Client, to []string, options ...Option) (*EmailAlerter, error) {
	opts := Options{
		Every:       5 * time.Minute,
		Burst:       1,
		SendTimeout: 10 * time.Second,
	}
	for _, o := range options {
		o(&opts)
	}

	if err := client.RegisterTemplate(templateName, htmlTemplate, textTemplate); err != nil {
		return nil, err
	}
	return &EmailAlerter{
		client: client,
		to:     to,
		opts:   opts,
		kinds:  make(map[jobx.AlertKind]*kindState),
	}, nil
}

// admit reports whether an alert of kind may be sent now and how many were
// dropped since the last one that was.
func (a *EmailAlerter) admit(kind jobx.AlertKind) (bool, int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.kinds[kind]
	if !ok {
		st = &kindState{limiter: rate.NewLimiter(rate.Every(a.opts.Every), a.opts.Burst)}
		a.kinds[kind] = st
	}
	if !st.limiter.Allow() {
		st.suppressed++
		return false, 0
	}
	n := st.suppressed
	st.suppressed = 0
	return true, n
}

// Alert queues an e-mail for al unless its kind is over the limit.
func (a *EmailAlerter) Alert(ctx context.Context, al jobx.Alert) {
	ok, suppressed := a.admit(al.Kind)
	if !ok {
		return
	}

	data := templateData{
		Kind:       al.Kind,
		Queue:      al.Queue,
		JobID:      al.JobID,
		At:         al.At.UTC().Format(time.RFC3339),
		Suppressed: suppressed,
	}
	if al.Err != nil {
		data.Error = al.Err.Error()
	}
	msg := notifx.EmailMessage{
		From:    a.opts.From,
		To:      a.to,
		Subject: fmt.Sprintf("[jobq] %s on queue %s", al.Kind, al.Queue),
	}
	sendOpts := []notifx.Option{notifx.WithTags(map[string]string{"queue": al.Queue, "kind": string(al.Kind)})}
	if a.opts.ConfigID != "" {
		sendOpts = append(sendOpts, notifx.WithConfigID(a.opts.ConfigID))
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.opts.SendTimeout)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer cancel()
		if err := a.client.SendTemplatedEmail(sendCtx, templateName, data, msg, sendOpts...); err != nil {
			logx.WithError(err).WithFields(logx.Fields{
				"queue": al.Queue,
				"kind":  al.Kind,
			}).Error("jobxalert: failed to send alert")
		}
	}()
}

// Close waits for alerts still being delivered.
func (a *EmailAlerter) Close() {
	a.wg.Wait()
}
