package alert

import (
	"context"
	"fmt"

	"github.com/wneessen/go-mail"
)

// EmailNotifier is the SMTP fallback channel.
type EmailNotifier struct {
	host     string
	port     int
	username string
	password string
	from     string
	to       []string
}

// NewEmail builds the notifier from SMTP settings. Auth is enabled only
// when a username is set, so an open relay on a private network works
// without credentials.
func NewEmail(host string, port int, username, password, from string, to []string) *EmailNotifier {
	return &EmailNotifier{
		host:     host,
		port:     port,
		username: username,
		password: password,
		from:     from,
		to:       to,
	}
}

func (n *EmailNotifier) Name() string { return "email" }

// Send delivers the run message as one plain-text mail to all recipients.
func (n *EmailNotifier) Send(ctx context.Context, text string) error {
	msg := mail.NewMsg()
	if err := msg.From(n.from); err != nil {
		return fmt.Errorf("email: from address: %w", err)
	}
	if err := msg.To(n.to...); err != nil {
		return fmt.Errorf("email: to addresses: %w", err)
	}
	msg.Subject("transfergov extraction report")
	msg.SetBodyString(mail.TypeTextPlain, text)

	opts := []mail.Option{mail.WithPort(n.port), mail.WithTLSPolicy(mail.TLSOpportunistic)}
	if n.username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(n.username),
			mail.WithPassword(n.password),
		)
	}
	client, err := mail.NewClient(n.host, opts...)
	if err != nil {
		return fmt.Errorf("email: smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("email: send: %w", err)
	}
	return nil
}
