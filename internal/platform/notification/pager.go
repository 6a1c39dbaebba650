package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Page is one critical-result notification request.
type Page struct {
	FindingID string
	StudyUID  string
	Severity  string
	Reason    string
	NotifyTo  string
}

// Delivery records the outcome of sending a page over one channel.
type Delivery struct {
	ID        string    `json:"id"`
	FindingID string    `json:"finding_id"`
	Channel   Channel   `json:"channel"`
	Recipient string    `json:"recipient"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	SentAt    time.Time `json:"sent_at"`
}

// Routes maps a severity to the channels it pages on.
var Routes = map[string][]Channel{
	"life_threatening": {ChannelSMS, ChannelEmail},
	"high":             {ChannelSMS},
	"moderate":         {ChannelEmail},
}

const maxDeliveries = 1000

// Pager delivers critical-result pages. Every channel is attempted even when
// an earlier one fails; the joined error is returned.
type Pager struct {
	email     EmailSender
	sms       SMSSender
	templates *TemplateEngine
	logger    zerolog.Logger

	mu         sync.Mutex
	deliveries []Delivery
}

func NewPager(email EmailSender, sms SMSSender, tpl *TemplateEngine, logger zerolog.Logger) *Pager {
	if tpl == nil {
		tpl = NewTemplateEngine()
	}
	return &Pager{
		email:     email,
		sms:       sms,
		templates: tpl,
		logger:    logger.With().Str("component", "pager").Logger(),
	}
}

// Notify pages p.NotifyTo on every channel routed for p.Severity.
func (p *Pager) Notify(ctx context.Context, page Page) error {
	channels, ok := Routes[page.Severity]
	if !ok {
		return fmt.Errorf("no paging route for severity %q", page.Severity)
	}

	data := map[string]string{
		"finding_id": page.FindingID,
		"study_uid":  page.StudyUID,
		"severity":   page.Severity,
		"reason":     page.Reason,
	}

	var errs []error
	for _, ch := range channels {
		err := p.send(ctx, ch, page.NotifyTo, data)
		p.record(page.FindingID, ch, page.NotifyTo, err)
		if err != nil {
			p.logger.Error().Err(err).
				Str("finding_id", page.FindingID).
				Str("study_uid", page.StudyUID).
				Str("channel", string(ch)).
				Msg("critical page failed")
			errs = append(errs, fmt.Errorf("%s: %w", ch, err))
		}
	}
	return errors.Join(errs...)
}

// NotifyAcknowledged tells the original recipient that the finding was
// acknowledged. Used when someone other than the paged clinician acks.
func (p *Pager) NotifyAcknowledged(ctx context.Context, findingID, studyUID, notifyTo, ackBy string) error {
	data := map[string]string{
		"finding_id": findingID,
		"study_uid":  studyUID,
		"ack_by":     ackBy,
	}
	subject, body, err := p.templates.Render(TemplateCriticalAck, data)
	if err != nil {
		return err
	}
	err = p.email.SendEmail(ctx, notifyTo, subject, body)
	p.record(findingID, ChannelEmail, notifyTo, err)
	return err
}

func (p *Pager) send(ctx context.Context, ch Channel, to string, data map[string]string) error {
	switch ch {
	case ChannelEmail:
		subject, body, err := p.templates.Render(TemplateCriticalEmail, data)
		if err != nil {
			return err
		}
		return p.email.SendEmail(ctx, to, subject, body)
	case ChannelSMS:
		_, body, err := p.templates.Render(TemplateCriticalSMS, data)
		if err != nil {
			return err
		}
		return p.sms.SendSMS(ctx, to, body)
	default:
		return fmt.Errorf("unsupported channel %q", ch)
	}
}

func (p *Pager) record(findingID string, ch Channel, to string, err error) {
	d := Delivery{
		ID:        uuid.NewString(),
		FindingID: findingID,
		Channel:   ch,
		Recipient: to,
		Status:    "sent",
		SentAt:    time.Now().UTC(),
	}
	if err != nil {
		d.Status = "failed"
		d.Error = err.Error()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.deliveries = append(p.deliveries, d)
	if len(p.deliveries) > maxDeliveries {
		p.deliveries = p.deliveries[len(p.deliveries)-maxDeliveries:]
	}
}

// Deliveries returns the recorded deliveries for a finding, oldest first.
func (p *Pager) Deliveries(findingID string) []Delivery {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Delivery
	for _, d := range p.deliveries {
		if d.FindingID == findingID {
			out = append(out, d)
		}
	}
	return out
}
