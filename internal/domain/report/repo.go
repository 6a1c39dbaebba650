package report

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Repository sentinels. The service translates them into governance errors.
var (
	ErrNotFound         = errors.New("report not found")
	ErrKeyImageNotFound = errors.New("key image not found")
	ErrLocked           = errors.New("report is final")
	ErrNotFinal         = errors.New("report is not final")
)

type Repository interface {
	Get(ctx context.Context, studyUID string) (*Report, error)

	// SaveEditable creates or overwrites a non-final report with r's content
	// and status. It returns ErrLocked when the stored report is final.
	SaveEditable(ctx context.Context, r *Report) (*Report, error)

	// Finalize moves a report to final in one conditional write. It returns
	// ErrLocked when the stored report is already final, so at most one
	// caller per study succeeds.
	Finalize(ctx context.Context, r *Report) (*Report, error)

	// AddAddendum returns ErrNotFound or ErrNotFinal when the report is
	// missing or not final.
	AddAddendum(ctx context.Context, a *Addendum) error
	ListAddenda(ctx context.Context, studyUID string) ([]*Addendum, error)

	// Key image mutations return ErrLocked when the report is final.
	AddKeyImage(ctx context.Context, k *KeyImage) error
	GetKeyImage(ctx context.Context, id uuid.UUID) (*KeyImage, error)
	ListKeyImages(ctx context.Context, studyUID string) ([]*KeyImage, error)
	DeleteKeyImage(ctx context.Context, id uuid.UUID) (*KeyImage, error)
	DeleteKeyImages(ctx context.Context, studyUID string) ([]*KeyImage, error)
}
