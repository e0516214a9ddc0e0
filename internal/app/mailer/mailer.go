/*
Package mailer delivers magic link emails.

Without SMTP configuration the links are written to the server log, which is how local development
signs in. With SMTP_ADDR set they are sent as plain-text mail.
*/
package mailer

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"foliochat/internal/pkg/logx"
)

// Purpose selects the wording of a magic link email.
type Purpose string

const (
	PurposeLogin  Purpose = "login"
	PurposeSignup Purpose = "signup"
)

// Mailer sends a magic link to an address.
type Mailer interface {
	SendMagicLink(ctx context.Context, to, link string, purpose Purpose) error
}

// Config configures the SMTP mailer.
type Config struct {
	Addr     string
	From     string
	User     string
	Password string
}

// New returns the SMTP mailer when cfg.Addr is set and the log mailer otherwise.
func New(cfg Config) Mailer {
	if cfg.Addr == "" {
		return NewLogMailer()
	}
	return &SMTPMailer{cfg: cfg, logger: logx.Component("mailer")}
}

// LogMailer writes links to the log instead of sending them.
type LogMailer struct {
	logger zerolog.Logger
}

// NewLogMailer returns a LogMailer.
func NewLogMailer() *LogMailer {
	return &LogMailer{logger: logx.Component("mailer")}
}

func (m *LogMailer) SendMagicLink(_ context.Context, to, link string, purpose Purpose) error {
	m.logger.Info().
		Str("to", to).
		Str("purpose", string(purpose)).
		Str("link", link).
		Msg("Magic link (SMTP not configured)")
	return nil
}

// SMTPMailer sends mail through an SMTP relay.
type SMTPMailer struct {
	cfg    Config
	logger zerolog.Logger
}

func (m *SMTPMailer) SendMagicLink(ctx context.Context, to, link string, purpose Purpose) error {
	msg := Compose(m.cfg.From, to, link, purpose)

	var auth smtp.Auth
	if m.cfg.User != "" {
		host, _, err := net.SplitHostPort(m.cfg.Addr)
		if err != nil {
			host = m.cfg.Addr
		}
		auth = smtp.PlainAuth("", m.cfg.User, m.cfg.Password, host)
	}

	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(m.cfg.Addr, auth, m.cfg.From, []string{to}, msg)
	}()

	select {
	case err := <-done:
		if err != nil {
			m.logger.Error().Err(err).Str("to", to).Msg("Failed to send magic link")
			return fmt.Errorf("send mail: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Compose renders the RFC 5322 message for a magic link.
func Compose(from, to, link string, purpose Purpose) []byte {
	subject := "Your foliochat sign-in link"
	intro := "Click the link below to sign in to the chat:"
	if purpose == PurposeSignup {
		subject = "Confirm your foliochat account"
		intro = "Click the link below to confirm your email address:"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(intro + "\r\n\r\n")
	b.WriteString(link + "\r\n\r\n")
	b.WriteString("If you did not request this email you can ignore it.\r\n")

	return []byte(b.String())
}
