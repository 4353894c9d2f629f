package notifxconsole

import (
	"context"
	"strings"

	"github.com/Abraxas-365/jobq/pkg/logx"
	"github.com/Abraxas-365/jobq/pkg/notifx"
)

// ConsoleProvider writes emails to the log instead of sending them.
type ConsoleProvider struct{}

var _ notifx.EmailSender = (*ConsoleProvider)(nil)

// NewConsoleProvider creates a new console email provider.
func NewConsoleProvider() *ConsoleProvider {
	return &ConsoleProvider{}
}

// SendEmail logs the email details instead of sending it.
func (p *ConsoleProvider) SendEmail(_ context.Context, msg notifx.EmailMessage, opts ...notifx.Option) error {
	so := notifx.ApplySendOptions(opts)

	entry := logx.WithFields(logx.Fields{
		"from":    msg.From,
		"to":      strings.Join(msg.To, ", "),
		"subject": msg.Subject,
	})
	for k, v := range so.Tags {
		entry = entry.WithField("tag_"+k, v)
	}
	entry.Info("notifx/console: email sent (dev mode)")

	if msg.TextBody != "" {
		logx.Debugf("notifx/console: text body:\n%s", msg.TextBody)
	}
	if msg.HTMLBody != "" {
		logx.Debugf("notifx/console: html body:\n%s", msg.HTMLBody)
	}

	return nil
}
