package accession

import (
	"context"
	"time"
)

// Repository owns the per-(prefix, date) counters.
type Repository interface {
	// Increment atomically bumps the bucket counter, creating it at 1, and
	// returns the new value.
	Increment(ctx context.Context, prefix string, bucket time.Time) (int64, error)
	// Current returns the last issued counter for the bucket, 0 when none.
	Current(ctx context.Context, prefix string, bucket time.Time) (int64, error)
}
