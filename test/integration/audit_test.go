//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/radiology/internal/domain/audit"
	"github.com/ehr/radiology/internal/platform/db"
)

func TestAuditStore_AppendAndFilter(t *testing.T) {
	tenant := newTenant(t, "aud")
	store := audit.NewStorePG(globalPool)
	base := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

	entries := []audit.Entry{
		{ActorID: "dr_rao", Action: audit.ActionReportFinalized, EntityType: audit.EntityReport, EntityID: studyUID},
		{ActorID: "dr_rao", Action: audit.ActionAddendumAdded, EntityType: audit.EntityReport, EntityID: studyUID},
		{ActorID: "nurse_kim", Action: audit.ActionCriticalAcknowledged, EntityType: audit.EntityCriticalFinding, EntityID: uuid.NewString()},
	}

	mustInTenant(t, tenant, func(ctx context.Context) error {
		for i := range entries {
			e := entries[i]
			e.ID = uuid.New()
			e.TenantID = tenant
			e.OccurredAt = base.Add(time.Duration(i) * time.Minute)
			if err := store.Append(ctx, &e); err != nil {
				return err
			}
		}

		all, total, err := store.List(ctx, audit.Filter{}, 10, 0)
		if err != nil {
			return err
		}
		if total != 3 || len(all) != 3 {
			t.Fatalf("expected 3 entries, got %d (total %d)", len(all), total)
		}
		if all[0].Action != audit.ActionCriticalAcknowledged {
			t.Errorf("expected newest first, got %s", all[0].Action)
		}

		reports, total, err := store.List(ctx, audit.Filter{EntityType: audit.EntityReport, EntityID: studyUID}, 10, 0)
		if err != nil {
			return err
		}
		if total != 2 || len(reports) != 2 {
			t.Errorf("expected 2 report entries, got %d", len(reports))
		}

		page, total, err := store.List(ctx, audit.Filter{ActorID: "dr_rao"}, 1, 1)
		if err != nil {
			return err
		}
		if total != 2 || len(page) != 1 || page[0].Action != audit.ActionReportFinalized {
			t.Errorf("unexpected second page: %+v (total %d)", page, total)
		}
		return nil
	})
}

func TestAuditStore_AppendOutsideRequestUsesEntryTenant(t *testing.T) {
	tenant := newTenant(t, "aud")
	store := audit.NewStorePG(globalPool)

	e := &audit.Entry{
		ID:         uuid.New(),
		TenantID:   tenant,
		ActorID:    audit.SystemActor,
		Action:     audit.ActionAccessionIssued,
		EntityType: "accession",
		EntityID:   "ACC20260105-000001",
		OccurredAt: time.Now().UTC(),
	}
	if err := store.Append(context.Background(), e); err != nil {
		t.Fatalf("append without a tenant connection: %v", err)
	}

	mustInTenant(t, tenant, func(ctx context.Context) error {
		got, total, err := store.List(ctx, audit.Filter{Action: audit.ActionAccessionIssued}, 10, 0)
		if err != nil {
			return err
		}
		if total != 1 || got[0].ID != e.ID {
			t.Errorf("entry not written to the tenant schema: %+v", got)
		}
		return nil
	})
}

func TestAuditRecorder_WritesThroughTenantConnection(t *testing.T) {
	tenant := newTenant(t, "aud")
	store := audit.NewStorePG(globalPool)
	rec := audit.NewRecorder(store, nopLogger(), 8, 3)

	mustInTenant(t, tenant, func(ctx context.Context) error {
		rec.Record(ctx, audit.ActionReportDraftSaved, audit.EntityReport, studyUID, "")
		if db.TenantFromContext(ctx) != tenant {
			t.Errorf("tenant missing from request context")
		}
		got, _, err := store.List(ctx, audit.Filter{}, 10, 0)
		if err != nil {
			return err
		}
		if len(got) != 1 || got[0].ActorID != audit.SystemActor || got[0].TenantID != tenant {
			t.Errorf("unexpected entries: %+v", got)
		}
		return nil
	})
	if rec.Pending() != 0 {
		t.Errorf("expected no queued retries, got %d", rec.Pending())
	}
}
