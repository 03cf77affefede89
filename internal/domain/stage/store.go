package stage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lims/lims/internal/domain/order"
	"github.com/lims/lims/internal/domain/workflow"
	"github.com/lims/lims/internal/platform/apperr"
)

// TemplateResolver returns the ordered step list of a method.
type TemplateResolver interface {
	Resolve(ctx context.Context, methodID uuid.UUID) (workflow.Steps, error)
}

// Store owns creation and lookup of stage instances for an item. It
// satisfies order.StageSeeder and order.PipelineChecker.
type Store struct {
	repo      Repository
	templates TemplateResolver
}

func NewStore(repo Repository, templates TemplateResolver) *Store {
	return &Store{repo: repo, templates: templates}
}

var (
	_ order.StageSeeder     = (*Store)(nil)
	_ order.PipelineChecker = (*Store)(nil)
)

func (s *Store) History(ctx context.Context, itemID uuid.UUID) (History, error) {
	states, err := s.repo.ListByItem(ctx, itemID)
	if err != nil {
		return nil, apperr.Upstream("list stages", err)
	}
	return NewHistory(states), nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (StageState, error) {
	st, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return st, apperr.NotFound(CodeStageNotFound, "stage %s not found", id)
	}
	if err != nil {
		return st, apperr.Upstream("load stage", err)
	}
	return st, nil
}

// Lock is Get under a row lock. It must run inside a transaction.
func (s *Store) Lock(ctx context.Context, id uuid.UUID) (StageState, error) {
	st, err := s.repo.Lock(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return st, apperr.NotFound(CodeStageNotFound, "stage %s not found", id)
	}
	if err != nil {
		return st, apperr.Upstream("lock stage", err)
	}
	return st, nil
}

// CreateInitialStage seeds the WAITING first stage of an item that has no
// stages yet.
func (s *Store) CreateInitialStage(ctx context.Context, item *order.Item) (StageState, error) {
	steps, err := s.templates.Resolve(ctx, item.MethodID)
	if err != nil {
		return StageState{}, err
	}
	first, _ := steps.First()
	h, err := s.History(ctx, item.ID)
	if err != nil {
		return StageState{}, err
	}
	if len(h) > 0 {
		return StageState{}, apperr.Conflict(CodeIllegalTransition, "item %s already has stages", item.ID)
	}
	return s.create(ctx, item.ID, first, 1, true)
}

// SeedItem creates the first stage unless the item already has one or its
// method has no workflow.
func (s *Store) SeedItem(ctx context.Context, item *order.Item) (bool, error) {
	h, err := s.History(ctx, item.ID)
	if err != nil {
		return false, err
	}
	if len(h) > 0 {
		return false, nil
	}
	if _, err := s.CreateInitialStage(ctx, item); err != nil {
		if workflow.IsNotConfigured(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// MaterializeNextStage creates a fresh WAITING instance of the step after
// current. It returns false when current is the last step.
func (s *Store) MaterializeNextStage(ctx context.Context, itemID uuid.UUID, steps workflow.Steps, current int) (StageState, bool, error) {
	next, ok := steps.Next(current)
	if !ok {
		return StageState{}, false, nil
	}
	h, err := s.History(ctx, itemID)
	if err != nil {
		return StageState{}, false, err
	}
	st, err := s.create(ctx, itemID, next, h.NextAttempt(next.Order), false)
	return st, err == nil, err
}

// Rework opens a new attempt at target after a rejection. Parameters start
// empty and earlier attempts are left as history.
func (s *Store) Rework(ctx context.Context, itemID uuid.UUID, steps workflow.Steps, target int) (StageState, error) {
	step, ok := steps.At(target)
	if !ok {
		return StageState{}, apperr.Conflict(CodeInvalidRejectionTarget, "workflow has no step %d", target)
	}
	first, _ := steps.First()
	h, err := s.History(ctx, itemID)
	if err != nil {
		return StageState{}, err
	}
	return s.create(ctx, itemID, step, h.NextAttempt(target), step.Order == first.Order)
}

// FindActiveStage returns the item's stage that can currently be worked on:
// the PROCESSING stage, or the WAITING stage whose predecessors are done.
func (s *Store) FindActiveStage(ctx context.Context, item *order.Item) (StageState, bool, error) {
	steps, err := s.templates.Resolve(ctx, item.MethodID)
	if workflow.IsNotConfigured(err) {
		return StageState{}, false, nil
	}
	if err != nil {
		return StageState{}, false, err
	}
	h, err := s.History(ctx, item.ID)
	if err != nil {
		return StageState{}, false, err
	}
	st, ok := activeIn(h, steps)
	return st, ok, nil
}

func activeIn(h History, steps workflow.Steps) (StageState, bool) {
	open, ok := h.Open()
	if !ok {
		return StageState{}, false
	}
	if open.Status == StatusProcessing || open.IsFirstStage || h.PredecessorsFinished(open.Order, steps) {
		return open, true
	}
	return StageState{}, false
}

// PipelineComplete reports whether an item no longer blocks its order.
// Items whose method has no workflow never block. Sampleless items run
// their pipeline like any other item.
func (s *Store) PipelineComplete(ctx context.Context, item *order.Item) (bool, error) {
	steps, err := s.templates.Resolve(ctx, item.MethodID)
	if workflow.IsNotConfigured(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	h, err := s.History(ctx, item.ID)
	if err != nil {
		return false, err
	}
	return h.Complete(steps), nil
}

func (s *Store) create(ctx context.Context, itemID uuid.UUID, step workflow.Step, attempt int, first bool) (StageState, error) {
	st := StageState{
		ItemID:       itemID,
		StepID:       step.ID,
		SectionID:    step.SectionID,
		Order:        step.Order,
		Attempt:      attempt,
		IsFirstStage: first,
		Status:       StatusWaiting,
		Parameters:   Parameters{},
	}
	if err := s.repo.Create(ctx, &st); err != nil {
		if errors.Is(err, ErrOpenStageExists) {
			return StageState{}, apperr.Conflict(CodeStaleStage, "item %s already has an open stage", itemID)
		}
		return StageState{}, apperr.Upstream(fmt.Sprintf("create stage %d", step.Order), err)
	}
	return st, nil
}

// Reconcile opens the frontier stage of an item that has no open stage but
// has unfinished steps, as happens when steps are appended to a template
// after the item finished its old last step. It reports whether a stage was
// created.
func (s *Store) Reconcile(ctx context.Context, itemID uuid.UUID, steps workflow.Steps) (StageState, bool, error) {
	h, err := s.History(ctx, itemID)
	if err != nil {
		return StageState{}, false, err
	}
	if _, open := h.Open(); open {
		return StageState{}, false, nil
	}
	step, ok := h.Frontier(steps)
	if !ok {
		return StageState{}, false, nil
	}
	first, _ := steps.First()
	st, err := s.create(ctx, itemID, step, h.NextAttempt(step.Order), step.Order == first.Order)
	return st, err == nil, err
}
