package stage

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lims/lims/internal/domain/order"
	"github.com/lims/lims/internal/domain/workflow"
	"github.com/lims/lims/internal/platform/apperr"
)

// Reader serves the read-only stage queries used by worklists and the
// per-item stage view.
type Reader struct {
	store     *Store
	repo      Repository
	templates TemplateResolver
	items     order.ItemRepository
}

func NewReader(store *Store, repo Repository, templates TemplateResolver, items order.ItemRepository) *Reader {
	return &Reader{store: store, repo: repo, templates: templates, items: items}
}

func (r *Reader) item(ctx context.Context, id uuid.UUID) (*order.Item, error) {
	item, err := r.items.GetByID(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound(order.CodeItemNotFound, "item %s not found", id)
	}
	if err != nil {
		return nil, apperr.Upstream("load item", err)
	}
	return item, nil
}

// PriorStages returns the template steps of the item with order <= upto.
// A non-positive upto means the order of the item's current stage.
func (r *Reader) PriorStages(ctx context.Context, itemID uuid.UUID, upto int) (workflow.Steps, error) {
	item, err := r.item(ctx, itemID)
	if err != nil {
		return nil, err
	}
	steps, err := r.templates.Resolve(ctx, item.MethodID)
	if err != nil {
		return nil, err
	}
	if upto <= 0 {
		h, err := r.store.History(ctx, itemID)
		if err != nil {
			return nil, err
		}
		open, ok := h.Open()
		if !ok {
			return steps, nil
		}
		upto = open.Order
	}
	return steps.Upto(upto), nil
}

// SectionStats counts stages of a section by status. Every status is
// present in the result, zero when absent.
func (r *Reader) SectionStats(ctx context.Context, sectionID uuid.UUID) (map[Status]int, error) {
	counts, err := r.repo.CountBySection(ctx, sectionID)
	if err != nil {
		return nil, apperr.Upstream("count stages", err)
	}
	out := make(map[Status]int, len(Statuses))
	for _, st := range Statuses {
		out[st] = counts[st]
	}
	return out, nil
}

// ItemHistory returns every attempt of every stage of an item.
func (r *Reader) ItemHistory(ctx context.Context, itemID uuid.UUID) (History, error) {
	if _, err := r.item(ctx, itemID); err != nil {
		return nil, err
	}
	return r.store.History(ctx, itemID)
}

func (r *Reader) Get(ctx context.Context, id uuid.UUID) (StageState, error) {
	return r.store.Get(ctx, id)
}

// Worklist pages through a section's stages, optionally filtered by status.
func (r *Reader) Worklist(ctx context.Context, sectionID uuid.UUID, status Status, limit, offset int) ([]StageState, int, error) {
	out, total, err := r.repo.ListBySection(ctx, sectionID, status, limit, offset)
	if err != nil {
		return nil, 0, apperr.Upstream("list section stages", err)
	}
	return out, total, nil
}
