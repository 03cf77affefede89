package stage

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// Create inserts a new instance. It returns ErrOpenStageExists when the
	// item already has a WAITING or PROCESSING stage.
	Create(ctx context.Context, s *StageState) error
	GetByID(ctx context.Context, id uuid.UUID) (StageState, error)
	// Lock reads a stage and holds its row lock until the surrounding
	// transaction ends, serializing read-modify-write actions on it.
	Lock(ctx context.Context, id uuid.UUID) (StageState, error)
	ListByItem(ctx context.Context, itemID uuid.UUID) ([]StageState, error)
	// Transition applies t only while the stored status equals from and
	// returns pgx.ErrNoRows when another writer got there first.
	Transition(ctx context.Context, id uuid.UUID, from Status, t Transition) (StageState, error)
	// UpdateParameters rewrites parameters of a PROCESSING stage, with the
	// same compare-and-set contract as Transition.
	UpdateParameters(ctx context.Context, id uuid.UUID, params Parameters) (StageState, error)
	CountBySection(ctx context.Context, sectionID uuid.UUID) (map[Status]int, error)
	ListBySection(ctx context.Context, sectionID uuid.UUID, status Status, limit, offset int) ([]StageState, int, error)
}
