package critical

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound            = errors.New("critical finding not found")
	ErrAlreadyAcknowledged = errors.New("critical finding already acknowledged")
)

type Repository interface {
	Create(ctx context.Context, f *Finding) error
	Get(ctx context.Context, id uuid.UUID) (*Finding, error)
	// ListPending returns pending findings ordered by notified_at, then id.
	ListPending(ctx context.Context) ([]*Finding, error)
	ListByStudy(ctx context.Context, studyUID string) ([]*Finding, error)
	// Acknowledge moves a pending finding to acknowledged. It returns
	// ErrAlreadyAcknowledged when the finding has left pending already.
	Acknowledge(ctx context.Context, id uuid.UUID, ackBy string, at time.Time) (*Finding, error)
}
