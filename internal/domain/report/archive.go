package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/radiology/internal/platform/blobstore"
	"github.com/ehr/radiology/internal/platform/events"
	"github.com/ehr/radiology/internal/platform/metrics"
)

// Archiver writes a JSON snapshot of every finalized report to the blob
// store. It runs as an events.Bus subscriber, off the finalize path.
type Archiver struct {
	blobs   blobstore.Store
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

func NewArchiver(blobs blobstore.Store, m *metrics.Metrics, logger zerolog.Logger) *Archiver {
	return &Archiver{
		blobs:   blobs,
		metrics: m,
		logger:  logger.With().Str("component", "archiver").Logger(),
	}
}

// ArchiveKey is where the final snapshot of a study is kept. Tenants get
// their own key space.
func ArchiveKey(tenantID, studyUID string) string {
	if tenantID == "" {
		return fmt.Sprintf("reports/%s/final.json", studyUID)
	}
	return fmt.Sprintf("tenants/%s/reports/%s/final.json", tenantID, studyUID)
}

type archivedReport struct {
	EventID string `json:"event_id"`
	events.ReportFinalized
}

func (a *Archiver) HandleReportFinalized(ctx context.Context, evt events.Event) (err error) {
	defer func() { a.metrics.Delivery("archive", err) }()

	p, ok := evt.Payload.(events.ReportFinalized)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", evt.Payload, evt.Type)
	}
	body, err := json.Marshal(archivedReport{EventID: evt.ID, ReportFinalized: p})
	if err != nil {
		return fmt.Errorf("marshal archived report: %w", err)
	}

	key := ArchiveKey(evt.TenantID, p.StudyUID)
	obj, err := a.blobs.Put(ctx, key, "application/json", bytes.NewReader(body), map[string]string{
		"study-uid": p.StudyUID,
		"signer":    p.SignerName,
		"event-id":  evt.ID,
	})
	if err != nil {
		return fmt.Errorf("archive report %s: %w", p.StudyUID, err)
	}
	a.logger.Info().Str("study_uid", p.StudyUID).Str("key", key).Str("sha256", obj.SHA256).Msg("final report archived")
	return nil
}
