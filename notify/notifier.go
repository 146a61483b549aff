// Package notify holds the best-effort outbound side of the core: SMS and
// email delivery for signing links, and the outbox dispatcher that pushes
// committed lifecycle changes to downstream CRM consumers. Nothing here may
// fail a state transition.
package notify

import (
	"context"
	"log"
)

// SMSSender delivers a text message. Implementations are external
// collaborators (Twilio-style gateways); delivery is never guaranteed.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// EmailSender delivers an email.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// Notifier bundles both channels behind the lifecycle's contract.
type Notifier struct {
	sms   SMSSender
	email EmailSender
}

func NewNotifier(sms SMSSender, email EmailSender) *Notifier {
	return &Notifier{sms: sms, email: email}
}

func (n *Notifier) SendSMS(ctx context.Context, to, body string) error {
	return n.sms.SendSMS(ctx, to, body)
}

func (n *Notifier) SendEmail(ctx context.Context, to, subject, body string) error {
	return n.email.SendEmail(ctx, to, subject, body)
}

// LogSender stands in for real gateways in development and tests: it logs
// the message and reports success.
type LogSender struct{}

func (LogSender) SendSMS(_ context.Context, to, body string) error {
	log.Printf("notify: sms to %s: %s", to, body)
	return nil
}

func (LogSender) SendEmail(_ context.Context, to, subject, _ string) error {
	log.Printf("notify: email to %s: %s", to, subject)
	return nil
}
