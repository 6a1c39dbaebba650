package accession

import (
	"context"
	"sync"
	"time"
)

type bucketKey struct {
	prefix string
	date   string
}

type bucket struct {
	mu      sync.Mutex
	counter int64
}

// MemoryRepo serializes allocation per bucket; distinct buckets never share
// a lock beyond the brief map lookup.
type MemoryRepo struct {
	mu      sync.Mutex
	buckets map[bucketKey]*bucket
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{buckets: make(map[bucketKey]*bucket)}
}

func (m *MemoryRepo) bucket(prefix string, date time.Time) *bucket {
	k := bucketKey{prefix: prefix, date: date.Format("2006-01-02")}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[k]
	if !ok {
		b = &bucket{}
		m.buckets[k] = b
	}
	return b
}

func (m *MemoryRepo) Increment(ctx context.Context, prefix string, date time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b := m.bucket(prefix, date)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counter++
	return b.counter, nil
}

func (m *MemoryRepo) Current(ctx context.Context, prefix string, date time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b := m.bucket(prefix, date)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counter, nil
}
