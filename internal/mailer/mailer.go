// Package mailer sends run completion notifications. The SMTP implementation
// is deliberately small: plain text, one recipient, no templates.
package mailer

import (
	"fmt"
	"net/smtp"
	"strings"
)

// Mailer delivers a notification to one recipient.
type Mailer interface {
	Send(to, subject, body string) error
}

// Disabled is the default mailer: it drops everything.
type Disabled struct{}

func (Disabled) Send(to, subject, body string) error { return nil }

// SMTP sends mail through a single relay.
type SMTP struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
}

func (m *SMTP) Send(to, subject, body string) error {
	addr := fmt.Sprintf("%s:%d", m.Host, m.Port)
	var auth smtp.Auth
	if m.Username != "" {
		auth = smtp.PlainAuth("", m.Username, m.Password, m.Host)
	}
	msg := strings.Join([]string{
		"From: " + m.From,
		"To: " + to,
		"Subject: " + subject,
		"",
		body,
	}, "\r\n")
	if err := smtp.SendMail(addr, auth, m.From, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("send mail to %s: %w", to, err)
	}
	return nil
}
