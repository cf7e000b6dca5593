// Floragate - Multi-Tenant Greenhouse Telemetry Gateway
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/floragate/floragate

// Package mail sends alert notifications over SMTP.
package mail

import (
	"fmt"
	"net/smtp"
	"strings"

	"github.com/floragate/floragate/internal/logging"
)

// Mailer delivers one alert message to a recipient.
type Mailer interface {
	Send(to, subject, body string) error
}

// SMTPConfig configures the outbound mail relay.
type SMTPConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	From     string `koanf:"from"`
}

// SMTPMailer implements Mailer over a plain-auth SMTP relay.
type SMTPMailer struct {
	cfg SMTPConfig
}

// NewSMTPMailer creates a mailer for the given relay.
func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	return &SMTPMailer{cfg: cfg}
}

// Send delivers one message. Failures are returned to the caller; alert
// delivery is best-effort and never retried here.
func (m *SMTPMailer) Send(to, subject, body string) error {
	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", m.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	msg.WriteString(body)

	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}

	if err := smtp.SendMail(addr, auth, m.cfg.From, []string{to}, []byte(msg.String())); err != nil {
		return fmt.Errorf("send mail to %s: %w", to, err)
	}
	logging.Info().Str("to", to).Str("subject", subject).Msg("alert mail sent")
	return nil
}

// NopMailer discards all messages. Used when no relay is configured.
type NopMailer struct{}

// Send logs and drops the message.
func (NopMailer) Send(to, subject, body string) error {
	logging.Debug().Str("to", to).Str("subject", subject).Msg("mail disabled, dropping alert")
	return nil
}
