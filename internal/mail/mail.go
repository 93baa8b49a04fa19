// Package mail sends transactional email: verification codes and
// project invitations. Deployments without an SMTP relay fall back to
// a logging mailer so local development never blocks on delivery.
package mail

import (
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"

	"github.com/skybuild/backend/internal/config"
)

// Mailer delivers one message. Implementations must be safe for
// concurrent use.
type Mailer interface {
	Send(to, subject, body string) error
}

// New picks the SMTP mailer when a relay host is configured, the log
// mailer otherwise.
func New(cfg config.SMTPConfig) Mailer {
	if cfg.Host == "" {
		return &LogMailer{log: slog.With("component", "mail")}
	}
	return &SMTPMailer{cfg: cfg}
}

// LogMailer writes messages to the structured log instead of sending
// them.
type LogMailer struct {
	log *slog.Logger
}

func (m *LogMailer) Send(to, subject, body string) error {
	m.log.Info("mail (not sent, no SMTP relay)", "to", to, "subject", subject, "body", body)
	return nil
}

// SMTPMailer delivers through a plain SMTP relay with optional AUTH.
type SMTPMailer struct {
	cfg config.SMTPConfig
}

func (m *SMTPMailer) Send(to, subject, body string) error {
	from := m.cfg.From
	if from == "" {
		from = m.cfg.Username
	}
	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	msg.WriteString(body)

	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	if err := smtp.SendMail(addr, auth, from, []string{to}, []byte(msg.String())); err != nil {
		return fmt.Errorf("smtp send to %s: %w", to, err)
	}
	return nil
}

// Capture is a test double that records messages.
type Capture struct {
	Messages []Message
}

// Message is one captured mail.
type Message struct {
	To      string
	Subject string
	Body    string
}

func (c *Capture) Send(to, subject, body string) error {
	c.Messages = append(c.Messages, Message{To: to, Subject: subject, Body: body})
	return nil
}
