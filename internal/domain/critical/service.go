package critical

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/radiology/internal/domain/audit"
	"github.com/ehr/radiology/internal/platform/apperr"
	"github.com/ehr/radiology/internal/platform/db"
	"github.com/ehr/radiology/internal/platform/events"
	"github.com/ehr/radiology/internal/platform/metrics"
	"github.com/ehr/radiology/internal/platform/notification"
)

// Notifier delivers pages for critical findings. Calls run off the request
// path; their errors are logged and never change tracker state.
type Notifier interface {
	Notify(ctx context.Context, page notification.Page) error
	NotifyAcknowledged(ctx context.Context, findingID, studyUID, notifyTo, ackBy string) error
}

type Auditor interface {
	Record(ctx context.Context, action, entityType, entityID, detail string)
}

type Service struct {
	repo      Repository
	notifier  Notifier
	publisher events.Publisher
	audit     Auditor
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	now       func() time.Time

	inflight sync.WaitGroup
}

type Option func(*Service)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l.With().Str("component", "critical").Logger() }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(repo Repository, notifier Notifier, publisher events.Publisher, audit Auditor, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		notifier:  notifier,
		publisher: publisher,
		audit:     audit,
		logger:    zerolog.Nop(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// MarkInput carries the fields of a new critical finding.
type MarkInput struct {
	StudyUID string
	ReportID string
	Severity string
	Reason   string
	NotifyTo string
}

func (in MarkInput) validate() (Severity, error) {
	if !studyUIDPattern.MatchString(in.StudyUID) {
		return "", apperr.Validation("study_uid %q is not a valid study identifier", in.StudyUID)
	}
	sev, ok := ParseSeverity(in.Severity)
	if !ok {
		return "", apperr.Validation("severity must be one of moderate, high, life_threatening")
	}
	if strings.TrimSpace(in.Reason) == "" {
		return "", apperr.Validation("reason is required")
	}
	if len(in.Reason) > maxReasonLength {
		return "", apperr.Validation("reason exceeds %d characters", maxReasonLength)
	}
	if strings.TrimSpace(in.NotifyTo) == "" {
		return "", apperr.Validation("notify_to is required")
	}
	return sev, nil
}

// MarkCritical records a pending finding and pages the recipient in the
// background.
func (s *Service) MarkCritical(ctx context.Context, in MarkInput) (out *Finding, err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("critical.mark", start, err) }()

	sev, err := in.validate()
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	f := &Finding{
		ID:         uuid.New(),
		StudyUID:   in.StudyUID,
		ReportID:   strings.TrimSpace(in.ReportID),
		Severity:   sev,
		Reason:     strings.TrimSpace(in.Reason),
		NotifyTo:   strings.TrimSpace(in.NotifyTo),
		State:      StatePending,
		NotifiedAt: now,
		CreatedAt:  now,
	}
	if err := s.repo.Create(ctx, f); err != nil {
		return nil, apperr.FromStore(err)
	}

	s.audit.Record(ctx, audit.ActionCriticalMarked, audit.EntityCriticalFinding, f.ID.String(), string(f.Severity))
	s.publish(ctx, events.TypeCriticalRaised, f.ID, events.CriticalRaised{
		ID:       f.ID.String(),
		StudyUID: f.StudyUID,
		Severity: string(f.Severity),
		Reason:   f.Reason,
		NotifyTo: f.NotifyTo,
	})
	s.page(ctx, f)
	return f, nil
}

func (s *Service) page(ctx context.Context, f *Finding) {
	if s.notifier == nil {
		return
	}
	page := notification.Page{
		FindingID: f.ID.String(),
		StudyUID:  f.StudyUID,
		Severity:  string(f.Severity),
		Reason:    f.Reason,
		NotifyTo:  f.NotifyTo,
	}
	s.background(ctx, func(ctx context.Context) {
		if err := s.notifier.Notify(ctx, page); err != nil {
			s.logger.Error().Err(err).
				Str("finding_id", page.FindingID).
				Str("study_uid", page.StudyUID).
				Msg("critical result page failed")
		}
	})
}

// background runs fn detached from the request's cancellation but keeps its
// values, so tenant and user ids stay visible to the notifier.
func (s *Service) background(ctx context.Context, fn func(context.Context)) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		fn(context.WithoutCancel(ctx))
	}()
}

// Wait blocks until in-flight notifications have returned.
func (s *Service) Wait() {
	s.inflight.Wait()
}

func (s *Service) publish(ctx context.Context, eventType string, id uuid.UUID, payload any) {
	if s.publisher == nil {
		return
	}
	evt := events.New(eventType, db.TenantFromContext(ctx), payload)
	if !s.publisher.Publish(ctx, evt) {
		s.logger.Warn().Str("finding_id", id.String()).Str("event_type", eventType).Msg("critical finding event not published")
	}
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Finding, error) {
	f, err := s.repo.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.NotFound("critical finding", id.String())
	}
	if err != nil {
		return nil, apperr.FromStore(err)
	}
	return f, nil
}

// ListPending returns unacknowledged findings, longest waiting first.
func (s *Service) ListPending(ctx context.Context) ([]*Finding, error) {
	items, err := s.repo.ListPending(ctx)
	if err != nil {
		return nil, apperr.FromStore(err)
	}
	s.metrics.SetPendingCritical(len(items))
	return items, nil
}

func (s *Service) ListByStudy(ctx context.Context, studyUID string) ([]*Finding, error) {
	if !studyUIDPattern.MatchString(studyUID) {
		return nil, apperr.Validation("study_uid %q is not a valid study identifier", studyUID)
	}
	items, err := s.repo.ListByStudy(ctx, studyUID)
	if err != nil {
		return nil, apperr.FromStore(err)
	}
	return items, nil
}

// Acknowledge closes a pending finding. A second acknowledgment is reported
// as AlreadyAcknowledged and leaves the first one untouched.
func (s *Service) Acknowledge(ctx context.Context, id uuid.UUID, ackBy string) (out *Finding, err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("critical.acknowledge", start, err) }()

	ackBy = strings.TrimSpace(ackBy)
	if ackBy == "" {
		return nil, apperr.Validation("ack_by is required")
	}

	f, err := s.repo.Acknowledge(ctx, id, ackBy, s.now().UTC())
	switch {
	case errors.Is(err, ErrNotFound):
		return nil, apperr.NotFound("critical finding", id.String())
	case errors.Is(err, ErrAlreadyAcknowledged):
		return nil, apperr.AlreadyAcknowledged(id.String())
	case err != nil:
		return nil, apperr.FromStore(err)
	}

	s.audit.Record(ctx, audit.ActionCriticalAcknowledged, audit.EntityCriticalFinding, f.ID.String(), ackBy)
	s.publish(ctx, events.TypeCriticalAcknowledged, f.ID, events.CriticalAcknowledged{
		ID:       f.ID.String(),
		StudyUID: f.StudyUID,
		AckBy:    ackBy,
		AckAt:    *f.AcknowledgedAt,
	})

	// Let the paged clinician know when a colleague closed the loop.
	if s.notifier != nil && ackBy != f.NotifyTo {
		s.background(ctx, func(ctx context.Context) {
			if err := s.notifier.NotifyAcknowledged(ctx, f.ID.String(), f.StudyUID, f.NotifyTo, ackBy); err != nil {
				s.logger.Error().Err(err).Str("finding_id", f.ID.String()).Msg("acknowledgment notice failed")
			}
		})
	}
	return f, nil
}
