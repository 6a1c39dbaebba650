//go:build integration

package integration

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ehr/radiology/internal/domain/accession"
	"github.com/ehr/radiology/internal/domain/audit"
)

func newAccessionService(clock func() time.Time) (*accession.Service, *audit.MemoryStore) {
	sink := audit.NewMemoryStore()
	rec := audit.NewRecorder(sink, nopLogger(), 8, 1)
	svc := accession.NewService(accession.NewRepoPG(globalPool), rec, "ACC", time.UTC, 3*time.Second,
		accession.WithClock(clock))
	return svc, sink
}

func TestAccession_ConcurrentNextIsDistinct(t *testing.T) {
	tenant := newTenant(t, "acc")
	day := time.Date(2025, 11, 25, 10, 0, 0, 0, time.UTC)
	svc, sink := newAccessionService(func() time.Time { return day })

	const n = 50
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]bool)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := inTenant(t, tenant, func(ctx context.Context) error {
				issued, err := svc.Next(ctx, "ACC", "CT")
				if err != nil {
					return err
				}
				mu.Lock()
				defer mu.Unlock()
				if seen[issued.Accession] {
					t.Errorf("duplicate accession %s", issued.Accession)
				}
				seen[issued.Accession] = true
				return nil
			})
			if err != nil {
				t.Errorf("next: %v", err)
			}
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Fatalf("expected %d distinct accessions, got %d", n, len(seen))
	}
	if !seen["ACC20251125-000001"] || !seen["ACC20251125-000050"] {
		t.Error("expected counters 1..50 in the bucket")
	}
	if got := len(sink.Entries()); got != n {
		t.Errorf("expected %d audit entries, got %d", n, got)
	}

	mustInTenant(t, tenant, func(ctx context.Context) error {
		next, err := svc.Preview(ctx, "ACC")
		if err != nil {
			return err
		}
		if next != "ACC20251125-000051" {
			t.Errorf("unexpected preview %s", next)
		}
		return nil
	})
}

func TestAccession_BucketsAreIndependent(t *testing.T) {
	tenant := newTenant(t, "acc")
	day := time.Date(2025, 11, 25, 10, 0, 0, 0, time.UTC)
	clock := day
	svc, _ := newAccessionService(func() time.Time { return clock })

	mustInTenant(t, tenant, func(ctx context.Context) error {
		a, err := svc.Next(ctx, "ACC", "")
		if err != nil {
			return err
		}
		b, err := svc.Next(ctx, "MR", "")
		if err != nil {
			return err
		}
		clock = day.AddDate(0, 0, 1)
		c, err := svc.Next(ctx, "ACC", "")
		if err != nil {
			return err
		}
		for _, got := range []string{a.Accession, b.Accession, c.Accession} {
			if !strings.HasSuffix(got, "-000001") {
				t.Errorf("expected a fresh counter, got %s", got)
			}
		}
		return nil
	})
}
