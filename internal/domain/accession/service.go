package accession

import (
	"context"
	"time"

	"github.com/ehr/radiology/internal/domain/audit"
	"github.com/ehr/radiology/internal/platform/apperr"
	"github.com/ehr/radiology/internal/platform/metrics"
)

// Auditor receives one call per issued accession, after it is committed.
type Auditor interface {
	Record(ctx context.Context, action, entityType, entityID, detail string)
}

type Service struct {
	repo          Repository
	audit         Auditor
	metrics       *metrics.Metrics
	defaultPrefix string
	loc           *time.Location
	timeout       time.Duration
	now           func() time.Time
}

type Option func(*Service)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(repo Repository, audit Auditor, defaultPrefix string, loc *time.Location, timeout time.Duration, opts ...Option) *Service {
	if loc == nil {
		loc = time.UTC
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	s := &Service{
		repo:          repo,
		audit:         audit,
		defaultPrefix: defaultPrefix,
		loc:           loc,
		timeout:       timeout,
		now:           time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Preview formats the next candidate for prefix without allocating it. The
// value may be taken by a concurrent Next before the caller uses it.
func (s *Service) Preview(ctx context.Context, prefix string) (string, error) {
	p, ok := normalizePrefix(prefix, s.defaultPrefix)
	if !ok {
		return "", apperr.Validation("prefix must be 1-12 letters or digits")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	bucket := DateBucket(s.now(), s.loc)
	current, err := s.repo.Current(ctx, p, bucket)
	if err != nil {
		return "", apperr.SequencerUnavailable(err)
	}
	return FormatAccession(p, current+1, CounterWidth, bucket), nil
}

// Next allocates the next accession in today's bucket for prefix.
func (s *Service) Next(ctx context.Context, prefix, modality string) (result *Issued, err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("accession.next", start, err) }()

	p, ok := normalizePrefix(prefix, s.defaultPrefix)
	if !ok {
		return nil, apperr.Validation("prefix must be 1-12 letters or digits")
	}
	m, ok := normalizeModality(modality)
	if !ok {
		return nil, apperr.Validation("modality must be a DICOM modality code of at most 16 characters")
	}

	tctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	now := s.now()
	bucket := DateBucket(now, s.loc)
	counter, err := s.repo.Increment(tctx, p, bucket)
	if err != nil {
		return nil, apperr.SequencerUnavailable(err)
	}

	issued := &Issued{
		Accession: FormatAccession(p, counter, CounterWidth, bucket),
		Prefix:    p,
		Date:      bucket.Format("2006-01-02"),
		Counter:   counter,
		Modality:  m,
		IssuedAt:  now.UTC(),
	}
	s.audit.Record(ctx, audit.ActionAccessionIssued, audit.EntityAccession, issued.Accession, m)
	return issued, nil
}
