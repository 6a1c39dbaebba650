package critical

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/radiology/internal/platform/db"
)

const findingColumns = `id, study_uid, report_id, severity, reason, notify_to, state,
	notified_at, acknowledged_at, ack_by, created_at`

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func scanFinding(row pgx.Row) (*Finding, error) {
	var f Finding
	err := row.Scan(&f.ID, &f.StudyUID, &f.ReportID, &f.Severity, &f.Reason, &f.NotifyTo, &f.State,
		&f.NotifiedAt, &f.AcknowledgedAt, &f.AckBy, &f.CreatedAt)
	return &f, err
}

func (r *repoPG) Create(ctx context.Context, f *Finding) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO critical_finding (id, study_uid, report_id, severity, reason, notify_to, state, notified_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		f.ID, f.StudyUID, f.ReportID, f.Severity, f.Reason, f.NotifyTo, f.State, f.NotifiedAt, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert critical finding: %w", err)
	}
	return nil
}

func (r *repoPG) Get(ctx context.Context, id uuid.UUID) (*Finding, error) {
	f, err := scanFinding(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+findingColumns+` FROM critical_finding WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get critical finding: %w", err)
	}
	return f, nil
}

func (r *repoPG) list(ctx context.Context, query string, args ...interface{}) ([]*Finding, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list critical findings: %w", err)
	}
	defer rows.Close()

	var items []*Finding
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, fmt.Errorf("scan critical finding: %w", err)
		}
		items = append(items, f)
	}
	return items, rows.Err()
}

func (r *repoPG) ListPending(ctx context.Context) ([]*Finding, error) {
	return r.list(ctx, `SELECT `+findingColumns+` FROM critical_finding
		WHERE state = 'pending' ORDER BY notified_at, id`)
}

func (r *repoPG) ListByStudy(ctx context.Context, studyUID string) ([]*Finding, error) {
	return r.list(ctx, `SELECT `+findingColumns+` FROM critical_finding
		WHERE study_uid = $1 ORDER BY notified_at, id`, studyUID)
}

// Acknowledge is a compare-and-set on state; the row lock taken by UPDATE
// lets exactly one concurrent caller match state = 'pending'.
func (r *repoPG) Acknowledge(ctx context.Context, id uuid.UUID, ackBy string, at time.Time) (*Finding, error) {
	f, err := scanFinding(db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE critical_finding
		SET state = 'acknowledged', acknowledged_at = $2, ack_by = $3
		WHERE id = $1 AND state = 'pending'
		RETURNING `+findingColumns, id, at, ackBy))
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("acknowledge critical finding: %w", err)
	}
	if _, err := r.Get(ctx, id); err != nil {
		return nil, err
	}
	return nil, ErrAlreadyAcknowledged
}
