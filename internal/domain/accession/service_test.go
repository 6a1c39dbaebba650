package accession

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ehr/radiology/internal/platform/apperr"
)

type recordedAudit struct {
	action, entityType, entityID, detail string
}

type fakeAuditor struct {
	mu      sync.Mutex
	entries []recordedAudit
}

func (f *fakeAuditor) Record(_ context.Context, action, entityType, entityID, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, recordedAudit{action, entityType, entityID, detail})
}

func (f *fakeAuditor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

type failingRepo struct{ err error }

func (r failingRepo) Increment(context.Context, string, time.Time) (int64, error) { return 0, r.err }
func (r failingRepo) Current(context.Context, string, time.Time) (int64, error)   { return 0, r.err }

var fixedNow = time.Date(2025, 11, 25, 10, 30, 0, 0, time.UTC)

func newTestService(repo Repository) (*Service, *fakeAuditor) {
	aud := &fakeAuditor{}
	svc := NewService(repo, aud, "ACC", time.UTC, time.Second, WithClock(func() time.Time { return fixedNow }))
	return svc, aud
}

func TestService_NextAndPreview(t *testing.T) {
	svc, aud := newTestService(NewMemoryRepo())
	ctx := context.Background()

	preview, err := svc.Preview(ctx, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if preview != "ACC20251125-000001" {
		t.Errorf("unexpected preview %q", preview)
	}
	// preview does not allocate
	if again, _ := svc.Preview(ctx, ""); again != preview {
		t.Errorf("expected repeated preview %q, got %q", preview, again)
	}

	issued, err := svc.Next(ctx, "", "ct")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if issued.Accession != "ACC20251125-000001" {
		t.Errorf("unexpected accession %q", issued.Accession)
	}
	if issued.Modality != "CT" {
		t.Errorf("expected modality CT, got %q", issued.Modality)
	}

	next, _ := svc.Preview(ctx, "acc")
	if next != "ACC20251125-000002" {
		t.Errorf("expected preview to advance, got %q", next)
	}

	if aud.count() != 1 {
		t.Fatalf("expected 1 audit entry, got %d", aud.count())
	}
	e := aud.entries[0]
	if e.action != "accession.issued" || e.entityID != issued.Accession || e.detail != "CT" {
		t.Errorf("unexpected audit entry %+v", e)
	}
}

func TestService_NextConcurrentIsDistinct(t *testing.T) {
	svc, aud := newTestService(NewMemoryRepo())
	const n = 200

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]bool, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			issued, err := svc.Next(context.Background(), "ACC", "")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[issued.Accession] {
				t.Errorf("duplicate accession %s", issued.Accession)
			}
			seen[issued.Accession] = true
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Errorf("expected %d distinct accessions, got %d", n, len(seen))
	}
	if aud.count() != n {
		t.Errorf("expected %d audit entries, got %d", n, aud.count())
	}
}

func TestService_BucketsAreIndependent(t *testing.T) {
	repo := NewMemoryRepo()
	svc, _ := newTestService(repo)
	ctx := context.Background()

	a, _ := svc.Next(ctx, "CT", "")
	b, _ := svc.Next(ctx, "MR", "")
	if a.Counter != 1 || b.Counter != 1 {
		t.Errorf("expected each prefix to start at 1, got %d and %d", a.Counter, b.Counter)
	}

	tomorrow := NewService(repo, &fakeAuditor{}, "ACC", time.UTC, time.Second,
		WithClock(func() time.Time { return fixedNow.Add(24 * time.Hour) }))
	c, _ := tomorrow.Next(ctx, "CT", "")
	if c.Accession != "CT20251126-000001" {
		t.Errorf("expected new day bucket, got %s", c.Accession)
	}
}

func TestService_UnavailableNeverFabricates(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	svc, aud := newTestService(failingRepo{err: cause})

	issued, err := svc.Next(context.Background(), "ACC", "")
	if issued != nil {
		t.Errorf("expected no accession, got %+v", issued)
	}
	if !errors.Is(err, apperr.ErrSequencerUnavailable) {
		t.Fatalf("expected SequencerUnavailable, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Error("expected the cause to remain wrapped")
	}
	if aud.count() != 0 {
		t.Error("expected no audit entry on failure")
	}

	if _, err := svc.Preview(context.Background(), "ACC"); !errors.Is(err, apperr.ErrSequencerUnavailable) {
		t.Errorf("expected SequencerUnavailable from Preview, got %v", err)
	}
}

func TestService_Timeout(t *testing.T) {
	svc, _ := newTestService(NewMemoryRepo())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Next(ctx, "ACC", "")
	if !errors.Is(err, apperr.ErrSequencerUnavailable) {
		t.Fatalf("expected SequencerUnavailable, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled to be wrapped, got %v", err)
	}
}

func TestService_Validation(t *testing.T) {
	svc, _ := newTestService(NewMemoryRepo())

	if _, err := svc.Next(context.Background(), "bad-prefix", ""); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected ValidationError for prefix, got %v", err)
	}
	if _, err := svc.Next(context.Background(), "ACC", "computed tomography"); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected ValidationError for modality, got %v", err)
	}
	if _, err := svc.Preview(context.Background(), "%%"); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected ValidationError from Preview, got %v", err)
	}
}
