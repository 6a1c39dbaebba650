package audit

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps entries in process. Used by the in-memory server mode and
// tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(_ context.Context, e *Entry) error {
	cp := *e
	m.mu.Lock()
	m.entries = append(m.entries, &cp)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) List(_ context.Context, f Filter, limit, offset int) ([]*Entry, int, error) {
	m.mu.RLock()
	var matched []*Entry
	for _, e := range m.entries {
		if f.matches(e) {
			cp := *e
			matched = append(matched, &cp)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].OccurredAt.After(matched[j].OccurredAt)
	})

	total := len(matched)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

// Entries returns a snapshot of every entry in append order.
func (m *MemoryStore) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, len(m.entries))
	for i, e := range m.entries {
		out[i] = *e
	}
	return out
}
