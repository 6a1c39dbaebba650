package audit

import (
	"time"

	"github.com/google/uuid"
)

// Actions recorded by the governance core.
const (
	ActionAccessionIssued      = "accession.issued"
	ActionReportDraftSaved     = "report.draft_saved"
	ActionReportPreliminary    = "report.preliminary_set"
	ActionReportFinalized      = "report.finalized"
	ActionAddendumAdded        = "report.addendum_added"
	ActionKeyImageUploaded     = "key_image.uploaded"
	ActionKeyImageDeleted      = "key_image.deleted"
	ActionKeyImagesPurged      = "key_image.purged"
	ActionCriticalMarked       = "critical.marked"
	ActionCriticalAcknowledged = "critical.acknowledged"
)

const (
	EntityAccession       = "accession"
	EntityReport          = "report"
	EntityKeyImage        = "key_image"
	EntityCriticalFinding = "critical_finding"
)

// SystemActor is recorded when no authenticated user is in context.
const SystemActor = "system"

// Entry is an immutable record of one successful state change.
type Entry struct {
	ID         uuid.UUID `db:"id" json:"id"`
	TenantID   string    `db:"tenant_id" json:"tenant_id,omitempty"`
	ActorID    string    `db:"actor_id" json:"actor_id"`
	Action     string    `db:"action" json:"action"`
	EntityType string    `db:"entity_type" json:"entity_type"`
	EntityID   string    `db:"entity_id" json:"entity_id"`
	Detail     string    `db:"detail" json:"detail,omitempty"`
	OccurredAt time.Time `db:"occurred_at" json:"occurred_at"`
}

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	EntityType string
	EntityID   string
	ActorID    string
	Action     string
}

func (f Filter) matches(e *Entry) bool {
	return (f.EntityType == "" || f.EntityType == e.EntityType) &&
		(f.EntityID == "" || f.EntityID == e.EntityID) &&
		(f.ActorID == "" || f.ActorID == e.ActorID) &&
		(f.Action == "" || f.Action == e.Action)
}
