package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/radiology/internal/platform/auth"
	"github.com/ehr/radiology/internal/platform/db"
	"github.com/ehr/radiology/internal/platform/metrics"
)

// Recorder writes one Entry per successful governance mutation. Callers
// invoke Record after their mutation has committed. A failed write is queued
// for retry by Run and is never reported to the caller.
type Recorder struct {
	sink        Sink
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	queue       chan retryItem
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	now         func() time.Time
}

type retryItem struct {
	entry    Entry
	attempts int
	due      time.Time
}

type RecorderOption func(*Recorder)

func WithMetrics(m *metrics.Metrics) RecorderOption {
	return func(r *Recorder) { r.metrics = m }
}

// WithBackoff sets the first retry delay and its cap; delays double per
// attempt.
func WithBackoff(base, max time.Duration) RecorderOption {
	return func(r *Recorder) { r.baseDelay, r.maxDelay = base, max }
}

func NewRecorder(sink Sink, logger zerolog.Logger, queueSize, maxAttempts int, opts ...RecorderOption) *Recorder {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if maxAttempts <= 0 {
		maxAttempts = 8
	}
	r := &Recorder{
		sink:        sink,
		logger:      logger.With().Str("component", "audit").Logger(),
		queue:       make(chan retryItem, queueSize),
		maxAttempts: maxAttempts,
		baseDelay:   500 * time.Millisecond,
		maxDelay:    time.Minute,
		now:         time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Record appends an entry for the actor in ctx ("system" when absent).
func (r *Recorder) Record(ctx context.Context, action, entityType, entityID, detail string) {
	actor := auth.UserIDFromContext(ctx)
	if actor == "" {
		actor = SystemActor
	}
	e := Entry{
		ID:         uuid.New(),
		TenantID:   db.TenantFromContext(ctx),
		ActorID:    actor,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
		OccurredAt: r.now().UTC(),
	}

	err := r.sink.Append(ctx, &e)
	if err == nil {
		return
	}
	r.logger.Error().Err(err).
		Str("action", action).
		Str("entity_type", entityType).
		Str("entity_id", entityID).
		Msg("audit write failed, queued for retry")
	r.enqueue(retryItem{entry: e, attempts: 1, due: r.now().Add(r.backoff(1))})
}

func (r *Recorder) enqueue(item retryItem) {
	select {
	case r.queue <- item:
		r.metrics.SetAuditQueueDepth(len(r.queue))
	default:
		r.dropped(item, "retry queue full")
	}
}

func (r *Recorder) dropped(item retryItem, reason string) {
	r.logger.Error().
		Str("audit_id", item.entry.ID.String()).
		Str("action", item.entry.Action).
		Str("entity_type", item.entry.EntityType).
		Str("entity_id", item.entry.EntityID).
		Str("actor_id", item.entry.ActorID).
		Int("attempts", item.attempts).
		Str("reason", reason).
		Msg("audit entry dropped")
	r.metrics.AuditDropped()
}

func (r *Recorder) backoff(attempts int) time.Duration {
	d := r.baseDelay
	for i := 1; i < attempts && d < r.maxDelay; i++ {
		d *= 2
	}
	if d > r.maxDelay {
		d = r.maxDelay
	}
	return d
}

// Pending reports the number of entries waiting for retry.
func (r *Recorder) Pending() int {
	return len(r.queue)
}

// Run drains the retry queue until ctx is cancelled.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			if n := len(r.queue); n > 0 {
				r.logger.Warn().Int("pending", n).Msg("audit retry loop stopped with entries pending")
			}
			return
		case item := <-r.queue:
			r.metrics.SetAuditQueueDepth(len(r.queue))
			if wait := item.due.Sub(r.now()); wait > 0 {
				t := time.NewTimer(wait)
				select {
				case <-t.C:
				case <-ctx.Done():
					t.Stop()
					r.enqueue(item)
					return
				}
			}
			r.retry(ctx, item)
		}
	}
}

func (r *Recorder) retry(ctx context.Context, item retryItem) {
	e := item.entry
	err := r.sink.Append(ctx, &e)
	if err == nil {
		r.logger.Info().
			Str("audit_id", e.ID.String()).
			Int("attempts", item.attempts+1).
			Msg("audit entry written after retry")
		return
	}

	item.attempts++
	r.logger.Error().Err(err).
		Str("audit_id", e.ID.String()).
		Int("attempts", item.attempts).
		Msg("audit retry failed")
	if item.attempts >= r.maxAttempts {
		r.dropped(item, "max attempts reached")
		return
	}
	item.due = r.now().Add(r.backoff(item.attempts))
	r.enqueue(item)
}
