package accession

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/radiology/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

// Increment relies on the primary key row lock: concurrent upserts on the
// same bucket queue behind each other and each sees the previous counter.
func (r *repoPG) Increment(ctx context.Context, prefix string, bucket time.Time) (int64, error) {
	var counter int64
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO accession_sequence (prefix, date_bucket, counter)
		VALUES ($1, $2, 1)
		ON CONFLICT (prefix, date_bucket)
		DO UPDATE SET counter = accession_sequence.counter + 1, updated_at = NOW()
		RETURNING counter`,
		prefix, bucket).Scan(&counter)
	if err != nil {
		return 0, fmt.Errorf("increment accession counter: %w", err)
	}
	return counter, nil
}

func (r *repoPG) Current(ctx context.Context, prefix string, bucket time.Time) (int64, error) {
	var counter int64
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT counter FROM accession_sequence WHERE prefix = $1 AND date_bucket = $2`,
		prefix, bucket).Scan(&counter)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read accession counter: %w", err)
	}
	return counter, nil
}
