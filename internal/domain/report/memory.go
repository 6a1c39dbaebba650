package report

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryRepo is an in-process Repository. Writes to one study hold that
// study's mutex for the whole check-and-write; the store mutex only guards
// the maps.
type MemoryRepo struct {
	locks sync.Map // studyUID -> *sync.Mutex

	mu        sync.RWMutex
	reports   map[string]*Report
	addenda   map[string][]*Addendum
	keyImages map[uuid.UUID]*KeyImage
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		reports:   make(map[string]*Report),
		addenda:   make(map[string][]*Addendum),
		keyImages: make(map[uuid.UUID]*KeyImage),
	}
}

func (m *MemoryRepo) lock(studyUID string) func() {
	v, _ := m.locks.LoadOrStore(studyUID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (m *MemoryRepo) load(studyUID string) (*Report, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reports[studyUID]
	return r, ok
}

func (m *MemoryRepo) store(r *Report) *Report {
	cp := *r
	m.mu.Lock()
	m.reports[r.StudyUID] = &cp
	m.mu.Unlock()
	out := cp
	return &out
}

func (m *MemoryRepo) Get(ctx context.Context, studyUID string) (*Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r, ok := m.load(studyUID)
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryRepo) SaveEditable(ctx context.Context, rep *Report) (*Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer m.lock(rep.StudyUID)()

	next := *rep
	if cur, ok := m.load(rep.StudyUID); ok {
		if !cur.Status.Editable() {
			return nil, ErrLocked
		}
		next.CreatedAt = cur.CreatedAt
		next.DisclaimerAccepted = cur.DisclaimerAccepted
		next.SignerName = cur.SignerName
		if next.DraftSavedAt == nil {
			next.DraftSavedAt = cur.DraftSavedAt
		}
	} else {
		next.CreatedAt = rep.UpdatedAt
	}
	return m.store(&next), nil
}

func (m *MemoryRepo) Finalize(ctx context.Context, rep *Report) (*Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer m.lock(rep.StudyUID)()

	next := *rep
	next.Status = StatusFinal
	next.DisclaimerAccepted = true
	next.CreatedAt = *rep.FinalizedAt
	next.UpdatedAt = *rep.FinalizedAt
	if cur, ok := m.load(rep.StudyUID); ok {
		if !cur.Status.CanTransition(StatusFinal) {
			return nil, ErrLocked
		}
		next.CreatedAt = cur.CreatedAt
		next.DraftSavedAt = cur.DraftSavedAt
	}
	return m.store(&next), nil
}

func (m *MemoryRepo) AddAddendum(ctx context.Context, a *Addendum) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer m.lock(a.StudyUID)()

	cur, ok := m.load(a.StudyUID)
	if !ok {
		return ErrNotFound
	}
	if cur.Status != StatusFinal {
		return ErrNotFinal
	}
	cp := *a
	m.mu.Lock()
	m.addenda[a.StudyUID] = append(m.addenda[a.StudyUID], &cp)
	m.mu.Unlock()
	return nil
}

func (m *MemoryRepo) ListAddenda(ctx context.Context, studyUID string) ([]*Addendum, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Addendum, 0, len(m.addenda[studyUID]))
	for _, a := range m.addenda[studyUID] {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryRepo) locked(studyUID string) bool {
	cur, ok := m.load(studyUID)
	return ok && !cur.Status.Editable()
}

func (m *MemoryRepo) AddKeyImage(ctx context.Context, k *KeyImage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer m.lock(k.StudyUID)()

	if m.locked(k.StudyUID) {
		return ErrLocked
	}
	cp := *k
	m.mu.Lock()
	m.keyImages[k.ID] = &cp
	m.mu.Unlock()
	return nil
}

func (m *MemoryRepo) GetKeyImage(ctx context.Context, id uuid.UUID) (*KeyImage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.keyImages[id]
	if !ok {
		return nil, ErrKeyImageNotFound
	}
	cp := *k
	return &cp, nil
}

func (m *MemoryRepo) ListKeyImages(ctx context.Context, studyUID string) ([]*KeyImage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	var out []*KeyImage
	for _, k := range m.keyImages {
		if k.StudyUID == studyUID {
			cp := *k
			out = append(out, &cp)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryRepo) DeleteKeyImage(ctx context.Context, id uuid.UUID) (*KeyImage, error) {
	k, err := m.GetKeyImage(ctx, id)
	if err != nil {
		return nil, err
	}
	defer m.lock(k.StudyUID)()

	if m.locked(k.StudyUID) {
		return nil, ErrLocked
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keyImages[id]; !ok {
		return nil, ErrKeyImageNotFound
	}
	delete(m.keyImages, id)
	return k, nil
}

func (m *MemoryRepo) DeleteKeyImages(ctx context.Context, studyUID string) ([]*KeyImage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer m.lock(studyUID)()

	if m.locked(studyUID) {
		return nil, ErrLocked
	}
	images, _ := m.ListKeyImages(ctx, studyUID)
	m.mu.Lock()
	for _, k := range images {
		delete(m.keyImages, k.ID)
	}
	m.mu.Unlock()
	return images, nil
}
