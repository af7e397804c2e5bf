// Package notify composes and sends the failure report mail.
//
// The message shape is fixed: a constant subject, an intro paragraph, and
// the run log quoted between two banner lines. Receivers filter on the
// subject line, so it never varies.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/wneessen/go-mail"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"

	"git.home.luguber.info/inful/autobuild/internal/config"
)

const (
	subject = "Automated build failed"
	intro   = "This message was generated by the automated build script, because the build script failed. Log file content is printed below."
	banner  = "---------------------------------------------------"
)

// Client delivers a composed message. *mail.Client satisfies it.
type Client interface {
	DialAndSendWithContext(ctx context.Context, msgs ...*mail.Msg) error
}

// Mailer composes and delivers the failure report.
type Mailer struct {
	client   Client
	sender   string
	receiver string
	logger   *slog.Logger
}

// NewMailer builds the SMTP mailer. The sender address doubles as the
// authentication username; STARTTLS is mandatory.
func NewMailer(cfg config.SMTPConfig, logger *slog.Logger) (*Mailer, error) {
	client, err := mail.NewClient(cfg.Host,
		mail.WithPort(cfg.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(cfg.Sender),
		mail.WithPassword(cfg.Password),
		mail.WithTLSPolicy(mail.TLSMandatory),
	)
	if err != nil {
		return nil, fmt.Errorf("building smtp client: %w", err)
	}
	return &Mailer{client: client, sender: cfg.Sender, receiver: cfg.Receiver, logger: logger}, nil
}

// WithClient swaps the transport client (tests).
func (m *Mailer) WithClient(c Client) *Mailer {
	m.client = c
	return m
}

// Send delivers the failure report quoting logText. The error return is the
// caller's to log and discard; a failed notification never escalates.
func (m *Mailer) Send(ctx context.Context, logText string) error {
	msg := mail.NewMsg()
	if err := msg.From(m.sender); err != nil {
		return fmt.Errorf("sender address %q: %w", m.sender, err)
	}
	if err := msg.To(m.receiver); err != nil {
		return fmt.Errorf("receiver address %q: %w", m.receiver, err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, composeBody(logText))

	m.logger.Info("Sending failure report mail", slog.String("receiver", m.receiver))
	if err := m.client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("sending failure report: %w", err)
	}
	m.logger.Info("Failure report mail sent", slog.String("receiver", m.receiver))
	return nil
}

func composeBody(logText string) string {
	var b strings.Builder
	b.WriteString("\n\n")
	b.WriteString(intro)
	b.WriteString("\n\n")
	b.WriteString(banner)
	b.WriteString("\n\n")
	b.WriteString(stripNonASCII(logText))
	b.WriteString(banner)
	b.WriteString("\n\n")
	return b.String()
}

var asciiOnly = runes.Remove(runes.Predicate(func(r rune) bool { return r > unicode.MaxASCII }))

// stripNonASCII drops every rune outside the ASCII range, including runes
// decoded from invalid UTF-8.
func stripNonASCII(s string) string {
	out, _, _ := transform.String(asciiOnly, s)
	return out
}
