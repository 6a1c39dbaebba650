// Package notification pages clinicians about critical imaging findings by
// email and SMS using rendered templates.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// EmailSender is the interface for sending email messages.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// SMSSender is the interface for sending SMS messages.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// Template is a reusable message with {{key}} placeholders.
type Template struct {
	ID      string  `json:"id"`
	Subject string  `json:"subject"`
	Body    string  `json:"body"`
	Channel Channel `json:"channel"`
}

const (
	TemplateCriticalEmail = "critical-result"
	TemplateCriticalSMS   = "critical-result-sms"
	TemplateCriticalAck   = "critical-result-ack"
)

// TemplateEngine manages templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	for _, t := range []Template{
		{
			ID:      TemplateCriticalEmail,
			Subject: "[{{severity}}] Critical result for study {{study_uid}}",
			Body: "A critical finding was recorded for study {{study_uid}}.\n\n" +
				"Severity: {{severity}}\nFinding: {{reason}}\n\n" +
				"Acknowledge finding {{finding_id}} in the reporting dashboard.",
			Channel: ChannelEmail,
		},
		{
			ID:      TemplateCriticalSMS,
			Body:    "CRITICAL ({{severity}}) study {{study_uid}}: {{reason}}. Ack id {{finding_id}}",
			Channel: ChannelSMS,
		},
		{
			ID:      TemplateCriticalAck,
			Subject: "Critical result {{finding_id}} acknowledged",
			Body:    "Finding {{finding_id}} for study {{study_uid}} was acknowledged by {{ack_by}}.",
			Channel: ChannelEmail,
		},
	} {
		t := t
		e.templates[t.ID] = &t
	}
	return e
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render performs {{key}} replacement. Keys absent from data are left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject, body = t.Subject, t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// LogSender writes messages to the structured log instead of a gateway. It
// is the default when no SMTP or SMS provider is configured.
type LogSender struct {
	Logger zerolog.Logger
}

func (s LogSender) SendEmail(_ context.Context, to, subject, body string) error {
	s.Logger.Info().Str("channel", string(ChannelEmail)).Str("to", to).Str("subject", subject).Msg(body)
	return nil
}

func (s LogSender) SendSMS(_ context.Context, to, body string) error {
	s.Logger.Info().Str("channel", string(ChannelSMS)).Str("to", to).Msg(body)
	return nil
}

// EmailCall records a single call to SendEmail.
type EmailCall struct {
	To      string
	Subject string
	Body    string
}

// MockEmailSender is a test double for EmailSender.
type MockEmailSender struct {
	mu         sync.Mutex
	calls      []EmailCall
	ShouldFail bool
	FailError  string
}

func (m *MockEmailSender) SendEmail(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, EmailCall{To: to, Subject: subject, Body: body})
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

// Calls returns a copy of recorded email calls.
func (m *MockEmailSender) Calls() []EmailCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EmailCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// SMSCall records a single call to SendSMS.
type SMSCall struct {
	To   string
	Body string
}

// MockSMSSender is a test double for SMSSender.
type MockSMSSender struct {
	mu         sync.Mutex
	calls      []SMSCall
	ShouldFail bool
	FailError  string
}

func (m *MockSMSSender) SendSMS(_ context.Context, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, SMSCall{To: to, Body: body})
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

// Calls returns a copy of recorded SMS calls.
func (m *MockSMSSender) Calls() []SMSCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SMSCall, len(m.calls))
	copy(out, m.calls)
	return out
}
