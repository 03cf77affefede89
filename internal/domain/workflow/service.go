package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lims/lims/internal/platform/apperr"
	"github.com/lims/lims/internal/platform/db"
)

const CodeTemplateNotConfigured = "TemplateNotConfigured"

type Service struct {
	repo Repository
	tx   db.Transactor
}

func NewService(repo Repository, tx db.Transactor) *Service {
	return &Service{repo: repo, tx: tx}
}

// Resolve returns the ordered stage list of a method. A method without a
// workflow yields a TemplateNotConfigured error; callers treat such items as
// stage-less.
func (s *Service) Resolve(ctx context.Context, methodID uuid.UUID) (Steps, error) {
	steps, err := s.repo.StepsForMethod(ctx, methodID)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && len(steps) == 0) {
		return nil, apperr.NotFound(CodeTemplateNotConfigured, "method %s has no workflow", methodID)
	}
	if err != nil {
		return nil, apperr.Upstream("resolve workflow", err)
	}
	return NewSteps(steps), nil
}

// IsNotConfigured reports whether err means the method has no workflow.
func IsNotConfigured(err error) bool {
	return apperr.HasCode(err, CodeTemplateNotConfigured)
}

func (s *Service) ListSections(ctx context.Context) ([]*Section, error) {
	return s.repo.ListSections(ctx)
}

// LoadResult summarizes a seed load.
type LoadResult struct {
	Sections  int
	Methods   int
	Workflows int
}

// Load installs the sections, methods and workflows of a seed in one
// transaction.
func (s *Service) Load(ctx context.Context, seed *Seed) (LoadResult, error) {
	var res LoadResult
	if err := seed.Validate(); err != nil {
		return res, err
	}
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		sections := make(map[string]uuid.UUID, len(seed.Sections))
		for _, sec := range seed.Sections {
			row := &Section{Name: sec.Name, Active: !sec.Inactive}
			if err := s.repo.UpsertSection(ctx, row); err != nil {
				return fmt.Errorf("upsert section %s: %w", sec.Name, err)
			}
			sections[sec.Name] = row.ID
			res.Sections++
		}
		for _, m := range seed.Methods {
			method := &Method{Code: m.Code, Name: m.Name}
			if err := s.repo.UpsertMethod(ctx, method); err != nil {
				return fmt.Errorf("upsert method %s: %w", m.Code, err)
			}
			res.Methods++
			if len(m.Steps) == 0 {
				continue
			}
			steps := make([]Step, 0, len(m.Steps))
			for i, st := range m.Steps {
				steps = append(steps, Step{SectionID: sections[st.Section], Order: i + 1, Schema: st.Fields})
			}
			if err := NewSteps(steps).Validate(); err != nil {
				return fmt.Errorf("method %s: %w", m.Code, err)
			}
			name := m.Workflow
			if name == "" {
				name = m.Name
			}
			wf := &Workflow{MethodID: method.ID, Name: name}
			if err := s.repo.ReplaceWorkflow(ctx, wf, steps); err != nil {
				return fmt.Errorf("install workflow for %s: %w", m.Code, err)
			}
			res.Workflows++
		}
		return nil
	})
	return res, err
}
