// Package mail sends the Reaper's subscription lifecycle notifications over
// SMTP using github.com/emersion/go-smtp and github.com/emersion/go-sasl.
package mail

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// Mailer sends the two Reaper notification kinds.
type Mailer interface {
	SendExpiredNotification(ctx context.Context, to string) error
	SendReminder(ctx context.Context, to string, daysLeft int) error
}

// Config holds the SMTP submission settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPMailer sends mail via SMTP submission using PLAIN auth.
type SMTPMailer struct {
	cfg    Config
	logger *slog.Logger
}

// New constructs an SMTPMailer. If cfg.Host is empty, sends are logged and
// skipped rather than attempted, so the control plane runs without mail
// configured in development.
func New(cfg Config, logger *slog.Logger) *SMTPMailer {
	if logger != nil {
		logger = logger.With("component", "mail")
	}
	return &SMTPMailer{cfg: cfg, logger: logger}
}

func (m *SMTPMailer) addr() string {
	return fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
}

func (m *SMTPMailer) send(ctx context.Context, to, subject, body string) error {
	if m.cfg.Host == "" {
		if m.logger != nil {
			m.logger.Info("smtp not configured, skipping send", "to", to, "subject", subject)
		}
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "From: %s\r\n", m.cfg.From)
	fmt.Fprintf(&b, "MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n")
	fmt.Fprintf(&b, "Subject: %s\r\n\r\n", subject)
	b.WriteString(body)
	b.WriteString("\r\n")

	auth := sasl.NewPlainClient("", m.cfg.Username, m.cfg.Password)
	msg := strings.NewReader(b.String())
	if err := smtp.SendMail(m.addr(), auth, m.cfg.From, []string{to}, msg); err != nil {
		if m.logger != nil {
			m.logger.Warn("smtp send failed", "to", to, "error", err)
		}
		return err
	}
	return nil
}

// SendExpiredNotification notifies a user their subscription has expired
// and their agents have been stopped.
func (m *SMTPMailer) SendExpiredNotification(ctx context.Context, to string) error {
	return m.send(ctx, to, "Your subscription has expired",
		"Your subscription has expired and your running agents have been stopped. "+
			"Renew your subscription to resume service.")
}

// SendReminder notifies a user their subscription is about to expire.
func (m *SMTPMailer) SendReminder(ctx context.Context, to string, daysLeft int) error {
	return m.send(ctx, to, "Your subscription is expiring soon",
		fmt.Sprintf("Your subscription expires in %d day(s). Renew to avoid interruption.", daysLeft))
}
