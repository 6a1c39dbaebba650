package notification

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestTemplateEngine_RenderCritical(t *testing.T) {
	e := NewTemplateEngine()
	subject, body, err := e.Render(TemplateCriticalEmail, map[string]string{
		"severity":   "life_threatening",
		"study_uid":  "1.2.840.1",
		"reason":     "Tension pneumothorax",
		"finding_id": "cf-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if subject != "[life_threatening] Critical result for study 1.2.840.1" {
		t.Errorf("unexpected subject: %s", subject)
	}
	if !strings.Contains(body, "Tension pneumothorax") || !strings.Contains(body, "cf-1") {
		t.Errorf("unexpected body: %s", body)
	}
}

func TestTemplateEngine_RenderMissing(t *testing.T) {
	e := NewTemplateEngine()
	if _, _, err := e.Render("nope", nil); err == nil {
		t.Fatal("expected error for unknown template")
	}
}

func TestTemplateEngine_RenderMissingKey(t *testing.T) {
	e := NewTemplateEngine()
	e.RegisterTemplate(Template{ID: "x", Body: "Hello {{name}} {{other}}"})
	_, body, err := e.Render("x", map[string]string{"name": "Dr. Jones"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if body != "Hello Dr. Jones {{other}}" {
		t.Errorf("expected unreplaced placeholder to stay, got %q", body)
	}
}

func newTestPager() (*Pager, *MockEmailSender, *MockSMSSender) {
	email := &MockEmailSender{}
	sms := &MockSMSSender{}
	return NewPager(email, sms, nil, zerolog.Nop()), email, sms
}

func TestPager_RoutesBySeverity(t *testing.T) {
	tests := []struct {
		severity  string
		wantEmail int
		wantSMS   int
	}{
		{"life_threatening", 1, 1},
		{"high", 0, 1},
		{"moderate", 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.severity, func(t *testing.T) {
			p, email, sms := newTestPager()
			err := p.Notify(context.Background(), Page{
				FindingID: "cf-1", StudyUID: "1.2.3", Severity: tt.severity,
				Reason: "Free air", NotifyTo: "dr_jones",
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := len(email.Calls()); got != tt.wantEmail {
				t.Errorf("expected %d emails, got %d", tt.wantEmail, got)
			}
			if got := len(sms.Calls()); got != tt.wantSMS {
				t.Errorf("expected %d sms, got %d", tt.wantSMS, got)
			}
		})
	}
}

func TestPager_UnknownSeverity(t *testing.T) {
	p, _, _ := newTestPager()
	if err := p.Notify(context.Background(), Page{Severity: "low"}); err == nil {
		t.Fatal("expected error for unrouted severity")
	}
}

func TestPager_ChannelFailureStillTriesOthers(t *testing.T) {
	p, email, sms := newTestPager()
	sms.ShouldFail = true
	sms.FailError = "gateway timeout"

	err := p.Notify(context.Background(), Page{
		FindingID: "cf-9", StudyUID: "1.2.3", Severity: "life_threatening",
		Reason: "Aortic dissection", NotifyTo: "dr_jones",
	})
	if err == nil || !strings.Contains(err.Error(), "gateway timeout") {
		t.Fatalf("expected joined sms error, got %v", err)
	}
	if len(email.Calls()) != 1 {
		t.Errorf("expected email to be sent despite sms failure")
	}

	d := p.Deliveries("cf-9")
	if len(d) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(d))
	}
	if d[0].Channel != ChannelSMS || d[0].Status != "failed" {
		t.Errorf("expected failed sms delivery first, got %+v", d[0])
	}
	if d[1].Status != "sent" {
		t.Errorf("expected sent email delivery, got %+v", d[1])
	}
}

func TestPager_NotifyAcknowledged(t *testing.T) {
	p, email, _ := newTestPager()
	if err := p.NotifyAcknowledged(context.Background(), "cf-1", "1.2.3", "dr_jones", "dr_smith"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	calls := email.Calls()
	if len(calls) != 1 || !strings.Contains(calls[0].Body, "dr_smith") {
		t.Errorf("unexpected ack email: %+v", calls)
	}
}
