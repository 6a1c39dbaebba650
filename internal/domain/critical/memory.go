package critical

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepo is an in-process Repository. Acknowledge checks and flips the
// state under the write lock, which gives the same at-most-once guarantee as
// the conditional UPDATE in Postgres.
type MemoryRepo struct {
	mu       sync.RWMutex
	findings map[uuid.UUID]*Finding
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{findings: make(map[uuid.UUID]*Finding)}
}

func clone(f *Finding) *Finding {
	cp := *f
	if f.AcknowledgedAt != nil {
		t := *f.AcknowledgedAt
		cp.AcknowledgedAt = &t
	}
	if f.AckBy != nil {
		s := *f.AckBy
		cp.AckBy = &s
	}
	return &cp
}

func (m *MemoryRepo) Create(ctx context.Context, f *Finding) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.findings[f.ID] = clone(f)
	return nil
}

func (m *MemoryRepo) Get(ctx context.Context, id uuid.UUID) (*Finding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.findings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(f), nil
}

func (m *MemoryRepo) filter(keep func(*Finding) bool) []*Finding {
	m.mu.RLock()
	var out []*Finding
	for _, f := range m.findings {
		if keep(f) {
			out = append(out, clone(f))
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].NotifiedAt.Equal(out[j].NotifiedAt) {
			return out[i].NotifiedAt.Before(out[j].NotifiedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func (m *MemoryRepo) ListPending(ctx context.Context) ([]*Finding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.filter(func(f *Finding) bool { return f.State == StatePending }), nil
}

func (m *MemoryRepo) ListByStudy(ctx context.Context, studyUID string) ([]*Finding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.filter(func(f *Finding) bool { return f.StudyUID == studyUID }), nil
}

func (m *MemoryRepo) Acknowledge(ctx context.Context, id uuid.UUID, ackBy string, at time.Time) (*Finding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.findings[id]
	if !ok {
		return nil, ErrNotFound
	}
	if f.State != StatePending {
		return nil, ErrAlreadyAcknowledged
	}
	f.State = StateAcknowledged
	f.AcknowledgedAt = &at
	f.AckBy = &ackBy
	return clone(f), nil
}
