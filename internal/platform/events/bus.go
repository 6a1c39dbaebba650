// Package events is the in-process bus that carries governance side effects
// (distribution, archive, live feeds) to asynchronous workers. Events are
// published only after the originating mutation has committed.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	TypeReportFinalized      = "report.finalized"
	TypeCriticalRaised       = "critical.raised"
	TypeCriticalAcknowledged = "critical.acknowledged"
)

// Event is the envelope delivered to subscribers. Payload is one of the
// payload structs in this package.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	TenantID   string    `json:"tenant_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload"`
}

// New builds an event with a fresh id and timestamp.
func New(eventType, tenantID string, payload any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		TenantID:   tenantID,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}

// ReportFinalized is emitted once per report when it is signed off.
type ReportFinalized struct {
	StudyUID    string            `json:"study_uid"`
	Content     string            `json:"content"`
	Title       string            `json:"title,omitempty"`
	SignerName  string            `json:"signer_name"`
	FinalizedAt time.Time         `json:"finalized_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// CriticalRaised is emitted when a finding is marked critical.
type CriticalRaised struct {
	ID       string `json:"id"`
	StudyUID string `json:"study_uid"`
	Severity string `json:"severity"`
	Reason   string `json:"reason"`
	NotifyTo string `json:"notify_to"`
}

// CriticalAcknowledged is emitted on the pending to acknowledged transition.
type CriticalAcknowledged struct {
	ID       string    `json:"id"`
	StudyUID string    `json:"study_uid"`
	AckBy    string    `json:"ack_by"`
	AckAt    time.Time `json:"acknowledged_at"`
}

// Handler consumes one event. Returned errors are logged; they never reach
// the publisher.
type Handler func(ctx context.Context, evt Event) error

// Publisher is the narrow interface the domain services depend on.
type Publisher interface {
	Publish(ctx context.Context, evt Event) bool
}

// Bus fans events out to subscribers on a fixed pool of workers.
type Bus struct {
	logger  zerolog.Logger
	workers int
	queue   chan Event

	mu   sync.RWMutex
	subs map[string][]named

	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
	closed    chan struct{}

	// OnDrop, when set, is called for events rejected because the queue was full.
	OnDrop func(evt Event)
}

type named struct {
	name string
	h    Handler
}

func NewBus(logger zerolog.Logger, workers, buffer int) *Bus {
	if workers <= 0 {
		workers = 1
	}
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		logger:  logger.With().Str("component", "events").Logger(),
		workers: workers,
		queue:   make(chan Event, buffer),
		subs:    make(map[string][]named),
		closed:  make(chan struct{}),
	}
}

// Subscribe registers h for eventType. name identifies the subscriber in logs.
func (b *Bus) Subscribe(eventType, name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[eventType] = append(b.subs[eventType], named{name: name, h: h})
}

// Publish enqueues evt without blocking. It reports false when the event was
// dropped because the bus is full or closed.
func (b *Bus) Publish(_ context.Context, evt Event) (ok bool) {
	select {
	case <-b.closed:
		b.drop(evt, "bus closed")
		return false
	default:
	}

	defer func() {
		// send on a queue closed concurrently by Close
		if recover() != nil {
			b.drop(evt, "bus closed")
			ok = false
		}
	}()

	select {
	case b.queue <- evt:
		return true
	default:
		b.drop(evt, "queue full")
		return false
	}
}

func (b *Bus) drop(evt Event, reason string) {
	b.logger.Error().
		Str("event_id", evt.ID).
		Str("event_type", evt.Type).
		Str("reason", reason).
		Msg("event dropped")
	if b.OnDrop != nil {
		b.OnDrop(evt)
	}
}

// Start launches the workers. Handlers run with ctx; cancel it (or call
// Close) to stop.
func (b *Bus) Start(ctx context.Context) {
	b.startOnce.Do(func() {
		for i := 0; i < b.workers; i++ {
			b.wg.Add(1)
			go b.work(ctx)
		}
	})
}

// Close stops accepting events and waits for queued ones to be handled.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.closed)
		close(b.queue)
	})
	b.wg.Wait()
}

func (b *Bus) work(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case evt, ok := <-b.queue:
			if !ok {
				return
			}
			b.dispatch(ctx, evt)
		case <-ctx.Done():
			return
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, evt Event) {
	b.mu.RLock()
	subs := b.subs[evt.Type]
	b.mu.RUnlock()

	for _, s := range subs {
		b.run(ctx, s, evt)
	}
}

func (b *Bus) run(ctx context.Context, s named, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("subscriber", s.name).
				Str("event_id", evt.ID).
				Interface("panic", r).
				Msg("event handler panicked")
		}
	}()
	if err := s.h(ctx, evt); err != nil {
		b.logger.Error().Err(err).
			Str("subscriber", s.name).
			Str("event_id", evt.ID).
			Str("event_type", evt.Type).
			Msg("event handler failed")
	}
}
