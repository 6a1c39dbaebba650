package report

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/radiology/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const reportCols = `study_uid, status, content, title, workflow_note, disclaimer_accepted,
	signer_name, draft_saved_at, finalized_at, created_at, updated_at`

func scanReport(row pgx.Row) (*Report, error) {
	var (
		rep    Report
		status string
	)
	err := row.Scan(&rep.StudyUID, &status, &rep.Content, &rep.Title, &rep.WorkflowNote,
		&rep.DisclaimerAccepted, &rep.SignerName, &rep.DraftSavedAt, &rep.FinalizedAt,
		&rep.CreatedAt, &rep.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rep.Status = Status(status)
	return &rep, nil
}

func (r *repoPG) Get(ctx context.Context, studyUID string) (*Report, error) {
	rep, err := scanReport(r.conn(ctx).QueryRow(ctx,
		`SELECT `+reportCols+` FROM radiology_report WHERE study_uid = $1`, studyUID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get report: %w", err)
	}
	return rep, nil
}

// SaveEditable upserts unless the stored row is final; the WHERE on the
// conflict branch suppresses the update and RETURNING yields no row.
func (r *repoPG) SaveEditable(ctx context.Context, rep *Report) (*Report, error) {
	out, err := scanReport(r.conn(ctx).QueryRow(ctx, `
		INSERT INTO radiology_report (study_uid, status, content, title, workflow_note,
			draft_saved_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (study_uid) DO UPDATE SET
			status = EXCLUDED.status,
			content = EXCLUDED.content,
			title = EXCLUDED.title,
			workflow_note = EXCLUDED.workflow_note,
			draft_saved_at = COALESCE(EXCLUDED.draft_saved_at, radiology_report.draft_saved_at),
			updated_at = EXCLUDED.updated_at
		WHERE radiology_report.status <> 'final'
		RETURNING `+reportCols,
		rep.StudyUID, string(rep.Status), rep.Content, rep.Title, rep.WorkflowNote,
		rep.DraftSavedAt, rep.UpdatedAt))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrLocked
	}
	if err != nil {
		return nil, fmt.Errorf("save report: %w", err)
	}
	return out, nil
}

// Finalize is a single conditional upsert. Concurrent callers on one study
// serialize on the row lock; the loser re-evaluates the WHERE against the
// winner's final row and gets no row back.
func (r *repoPG) Finalize(ctx context.Context, rep *Report) (*Report, error) {
	out, err := scanReport(r.conn(ctx).QueryRow(ctx, `
		INSERT INTO radiology_report (study_uid, status, content, title, workflow_note,
			disclaimer_accepted, signer_name, finalized_at, created_at, updated_at)
		VALUES ($1, 'final', $2, $3, $4, TRUE, $5, $6, $6, $6)
		ON CONFLICT (study_uid) DO UPDATE SET
			status = 'final',
			content = EXCLUDED.content,
			title = EXCLUDED.title,
			workflow_note = EXCLUDED.workflow_note,
			disclaimer_accepted = TRUE,
			signer_name = EXCLUDED.signer_name,
			finalized_at = EXCLUDED.finalized_at,
			updated_at = EXCLUDED.updated_at
		WHERE radiology_report.status <> 'final'
		RETURNING `+reportCols,
		rep.StudyUID, rep.Content, rep.Title, rep.WorkflowNote, rep.SignerName, rep.FinalizedAt))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrLocked
	}
	if err != nil {
		return nil, fmt.Errorf("finalize report: %w", err)
	}
	return out, nil
}

func (r *repoPG) AddAddendum(ctx context.Context, a *Addendum) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO report_addendum (id, study_uid, note, author_id, created_at)
		SELECT $1::uuid, $2::varchar, $3::text, $4::text, $5::timestamptz
		WHERE EXISTS (SELECT 1 FROM radiology_report WHERE study_uid = $2::varchar AND status = 'final')`,
		a.ID, a.StudyUID, a.Note, a.AuthorID, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert addendum: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := r.Get(ctx, a.StudyUID); err != nil {
		return err
	}
	return ErrNotFinal
}

func (r *repoPG) ListAddenda(ctx context.Context, studyUID string) ([]*Addendum, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, study_uid, note, author_id, created_at
		FROM report_addendum WHERE study_uid = $1 ORDER BY created_at, id`, studyUID)
	if err != nil {
		return nil, fmt.Errorf("list addenda: %w", err)
	}
	defer rows.Close()

	var out []*Addendum
	for rows.Next() {
		var a Addendum
		if err := rows.Scan(&a.ID, &a.StudyUID, &a.Note, &a.AuthorID, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan addendum: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

const keyImageCols = `id, study_uid, file_name, content_type, size_bytes, sha256, storage_key,
	caption, created_by, created_at`

func scanKeyImage(row pgx.Row) (*KeyImage, error) {
	var k KeyImage
	err := row.Scan(&k.ID, &k.StudyUID, &k.FileName, &k.ContentType, &k.Size, &k.SHA256,
		&k.StorageKey, &k.Caption, &k.CreatedBy, &k.CreatedAt)
	return &k, err
}

func (r *repoPG) AddKeyImage(ctx context.Context, k *KeyImage) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO report_key_image (`+keyImageCols+`)
		SELECT $1::uuid, $2::varchar, $3::text, $4::text, $5::bigint, $6::char(64), $7::text,
			$8::text, $9::text, $10::timestamptz
		WHERE NOT EXISTS (SELECT 1 FROM radiology_report WHERE study_uid = $2::varchar AND status = 'final')`,
		k.ID, k.StudyUID, k.FileName, k.ContentType, k.Size, k.SHA256, k.StorageKey,
		k.Caption, k.CreatedBy, k.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert key image: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLocked
	}
	return nil
}

func (r *repoPG) GetKeyImage(ctx context.Context, id uuid.UUID) (*KeyImage, error) {
	k, err := scanKeyImage(r.conn(ctx).QueryRow(ctx,
		`SELECT `+keyImageCols+` FROM report_key_image WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrKeyImageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get key image: %w", err)
	}
	return k, nil
}

func (r *repoPG) ListKeyImages(ctx context.Context, studyUID string) ([]*KeyImage, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+keyImageCols+` FROM report_key_image
		WHERE study_uid = $1 ORDER BY created_at, id`, studyUID)
	if err != nil {
		return nil, fmt.Errorf("list key images: %w", err)
	}
	defer rows.Close()
	return collectKeyImages(rows)
}

func collectKeyImages(rows pgx.Rows) ([]*KeyImage, error) {
	var out []*KeyImage
	for rows.Next() {
		k, err := scanKeyImage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan key image: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

const unlockedGuard = `NOT EXISTS (SELECT 1 FROM radiology_report r
	WHERE r.study_uid = report_key_image.study_uid AND r.status = 'final')`

func (r *repoPG) DeleteKeyImage(ctx context.Context, id uuid.UUID) (*KeyImage, error) {
	k, err := scanKeyImage(r.conn(ctx).QueryRow(ctx, `
		DELETE FROM report_key_image WHERE id = $1 AND `+unlockedGuard+`
		RETURNING `+keyImageCols, id))
	if err == nil {
		return k, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("delete key image: %w", err)
	}
	if _, err := r.GetKeyImage(ctx, id); err != nil {
		return nil, err
	}
	return nil, ErrLocked
}

func (r *repoPG) DeleteKeyImages(ctx context.Context, studyUID string) ([]*KeyImage, error) {
	rep, err := r.Get(ctx, studyUID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if rep != nil && !rep.Status.Editable() {
		return nil, ErrLocked
	}

	rows, err := r.conn(ctx).Query(ctx, `
		DELETE FROM report_key_image WHERE study_uid = $1 AND `+unlockedGuard+`
		RETURNING `+keyImageCols, studyUID)
	if err != nil {
		return nil, fmt.Errorf("purge key images: %w", err)
	}
	defer rows.Close()
	return collectKeyImages(rows)
}
