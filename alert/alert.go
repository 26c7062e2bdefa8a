// Package alert delivers downtime notifications to website owners.
// Delivery is best-effort: callers log failures and never propagate
// them into the dispatch path.
package alert

import (
	"context"

	"github.com/wneessen/go-mail"
)

// Notifier sends a single notification.
type Notifier interface {
	Notify(ctx context.Context, to, subject, body string) error
}

//nolint:lll
type Config struct {
	SMTPHost string `long:"smtp-host"     description:"SMTP host for alert emails; alerts are disabled when empty"`
	SMTPPort int    `long:"smtp-port"     description:"SMTP port"`
	Username string `long:"smtp-username" description:"SMTP username"`
	Password string `long:"smtp-password" description:"SMTP password"`
	From     string `long:"smtp-from"     description:"Sender address for alert emails"`
}

func DefaultConfig() Config {
	return Config{
		SMTPPort: 587,
	}
}

// Mailer is an SMTP-backed Notifier.
type Mailer struct {
	client *mail.Client
	from   string
}

func NewMailer(cfg Config) (*Mailer, error) {
	client, err := mail.NewClient(
		cfg.SMTPHost,
		mail.WithPort(cfg.SMTPPort),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(cfg.Username),
		mail.WithPassword(cfg.Password),
	)
	if err != nil {
		return nil, err
	}
	return &Mailer{client: client, from: cfg.From}, nil
}

func (m *Mailer) Notify(ctx context.Context, to, subject, body string) error {
	msg := mail.NewMsg()
	if err := msg.From(m.from); err != nil {
		return err
	}
	if err := msg.To(to); err != nil {
		return err
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)
	return m.client.DialAndSendWithContext(ctx, msg)
}

type noop struct{}

// NewNoop returns a Notifier that drops every notification. Used when
// no SMTP host is configured.
func NewNoop() Notifier {
	return noop{}
}

func (noop) Notify(context.Context, string, string, string) error {
	return nil
}
