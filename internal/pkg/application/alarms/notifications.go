package alarms

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

//go:generate moq -rm -out notifier_mock.go . Notifier

// Notifier is the capability to deliver an alert to a human. Both
// channels are optional; an unconfigured channel fails with an error
// so that the caller can log the lost alert.
type Notifier interface {
	SendEmail(ctx context.Context, to, subject, body string) error
	SendSMS(ctx context.Context, to, message string) error
}

type EmailSettings struct {
	Server   string
	Port     int
	Username string
	Password string
	From     string
}

type SMSSettings struct {
	Endpoint string
	Username string
	Password string
	From     string
}

type notifier struct {
	email EmailSettings
	sms   SMSSettings
	rest  *resty.Client
}

func NewNotifier(email EmailSettings, sms SMSSettings) Notifier {
	return &notifier{
		email: email,
		sms:   sms,
		rest: resty.New().
			SetTimeout(15 * time.Second).
			SetHeader("Accept", "application/json"),
	}
}

func (n *notifier) SendEmail(ctx context.Context, to, subject, body string) error {
	if n.email.Server == "" {
		return fmt.Errorf("email channel is not configured")
	}

	headers := []string{
		"From: " + n.email.From,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=\"utf-8\"",
	}

	msg := []byte(strings.Join(headers, "\r\n") + "\r\n\r\n" + body + "\r\n")

	addr := fmt.Sprintf("%s:%d", n.email.Server, n.email.Port)
	auth := smtp.PlainAuth("", n.email.Username, n.email.Password, n.email.Server)

	err := smtp.SendMail(addr, auth, n.email.From, []string{to}, msg)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	return nil
}

func (n *notifier) SendSMS(ctx context.Context, to, message string) error {
	if n.sms.Endpoint == "" {
		return fmt.Errorf("sms channel is not configured")
	}

	resp, err := n.rest.R().
		SetContext(ctx).
		SetBasicAuth(n.sms.Username, n.sms.Password).
		SetFormData(map[string]string{
			"From": n.sms.From,
			"To":   to,
			"Body": message,
		}).
		Post(n.sms.Endpoint)

	if err != nil {
		return fmt.Errorf("failed to send sms: %w", err)
	}

	if resp.IsError() {
		return fmt.Errorf("sms provider returned status code %d", resp.StatusCode())
	}

	return nil
}

type noopNotifier struct{}

// NewNoopNotifier returns a notifier that silently swallows every
// dispatch. Used in deployments without any notification provider.
func NewNoopNotifier() Notifier {
	return &noopNotifier{}
}

func (n *noopNotifier) SendEmail(ctx context.Context, to, subject, body string) error {
	return nil
}

func (n *noopNotifier) SendSMS(ctx context.Context, to, message string) error {
	return nil
}
