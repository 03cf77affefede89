package workflow

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// StepsForMethod returns the live steps of the method's workflow, or
	// pgx.ErrNoRows when the method has no workflow.
	StepsForMethod(ctx context.Context, methodID uuid.UUID) ([]Step, error)
	UpsertSection(ctx context.Context, s *Section) error
	UpsertMethod(ctx context.Context, m *Method) error
	// ReplaceWorkflow installs wf with the given steps, replacing any previous
	// workflow of the same method. Steps past the new end are deleted, or
	// retired when stages still reference them.
	ReplaceWorkflow(ctx context.Context, wf *Workflow, steps []Step) error
	ListSections(ctx context.Context) ([]*Section, error)
}
