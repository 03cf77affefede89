package stage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/lims/lims/internal/domain/order"
	"github.com/lims/lims/internal/domain/workflow"
	"github.com/lims/lims/internal/platform/apperr"
	"github.com/lims/lims/internal/platform/db"
	"github.com/lims/lims/internal/platform/events"
	"github.com/lims/lims/internal/platform/telemetry"
)

// Refusal explains why an item cannot be entered into a section.
type Refusal string

const (
	RefusedInProgress   Refusal = "already processing"
	RefusedProcessed    Refusal = "already processed in this section"
	RefusedNotReachable Refusal = "not yet reachable"
	RefusedWrongSection Refusal = "not routed through this section"
	RefusedFinished     Refusal = "pipeline finished"
	RefusedNoWorkflow   Refusal = "method has no workflow"
)

// Coordinator moves WAITING stages to PROCESSING when a technician scans a
// sample into their section.
type Coordinator struct {
	tx        db.Transactor
	store     *Store
	repo      Repository
	templates TemplateResolver
	items     order.ItemRepository
	samples   order.SampleRepository
	gate      AuthorizationGate
	pub       events.Publisher
	metrics   *telemetry.Metrics
	log       zerolog.Logger
	now       func() time.Time
}

func NewCoordinator(tx db.Transactor, store *Store, repo Repository, templates TemplateResolver,
	items order.ItemRepository, samples order.SampleRepository, gate AuthorizationGate, pub events.Publisher) *Coordinator {
	return &Coordinator{
		tx:        tx,
		store:     store,
		repo:      repo,
		templates: templates,
		items:     items,
		samples:   samples,
		gate:      gate,
		pub:       pub,
		log:       zerolog.Nop(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (c *Coordinator) SetLogger(log zerolog.Logger) { c.log = log }

func (c *Coordinator) SetMetrics(m *telemetry.Metrics) { c.metrics = m }

// Enter starts every eligible stage in sectionID fed by the sample with the
// given barcode. Concurrent entries race on a compare-and-set; losers get
// SampleNotWaiting. A sample bound to several items may start several
// stages, and all of them are returned. Each item commits in its own
// transaction; an error stops the loop and is returned together with the
// stages already started.
func (c *Coordinator) Enter(ctx context.Context, barcode string, sectionID uuid.UUID, user string) (out []StageState, err error) {
	ctx, span := telemetry.StartSpan(ctx, "stage.enter",
		attribute.String("sample.barcode", barcode),
		attribute.String("section.id", sectionID.String()))
	defer func() {
		c.metrics.ObserveEntry(err)
		telemetry.EndSpan(span, err)
	}()

	if !c.gate.Can(ctx, user, CapabilityEnter, sectionID) {
		return nil, apperr.Forbidden("%s may not enter samples in section %s", user, sectionID)
	}
	smp, err := c.samples.GetByBarcode(ctx, strings.TrimSpace(barcode))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound(order.CodeSampleNotFound, "no sample with barcode %q", barcode)
	}
	if err != nil {
		return nil, apperr.Upstream("load sample", err)
	}
	itemIDs, err := c.samples.ActiveItemIDs(ctx, smp.ID)
	if err != nil {
		return nil, apperr.Upstream("list sample bindings", err)
	}

	var refusals []string
	for _, itemID := range itemIDs {
		st, why, err := c.enterOne(ctx, itemID, sectionID, user, &smp.ID)
		if err != nil {
			return out, err
		}
		if why != "" {
			refusals = append(refusals, fmt.Sprintf("item %s: %s", itemID, why))
			continue
		}
		out = append(out, st)
	}
	if len(out) == 0 {
		return nil, notWaiting(fmt.Sprintf("sample %s", smp.Barcode), sectionID, refusals)
	}
	c.log.Info().
		Str("barcode", smp.Barcode).
		Str("section_id", sectionID.String()).
		Str("user", user).
		Int("stages", len(out)).
		Msg("sample entered")
	return out, nil
}

// EnterItem starts the eligible stage of a sampleless item in sectionID.
func (c *Coordinator) EnterItem(ctx context.Context, itemID, sectionID uuid.UUID, user string) (out StageState, err error) {
	ctx, span := telemetry.StartSpan(ctx, "stage.enter_item",
		attribute.String("item.id", itemID.String()),
		attribute.String("section.id", sectionID.String()))
	defer func() {
		c.metrics.ObserveEntry(err)
		telemetry.EndSpan(span, err)
	}()

	if !c.gate.Can(ctx, user, CapabilityEnter, sectionID) {
		return out, apperr.Forbidden("%s may not enter items in section %s", user, sectionID)
	}
	item, err := c.items.GetByID(ctx, itemID)
	if errors.Is(err, pgx.ErrNoRows) {
		return out, apperr.NotFound(order.CodeItemNotFound, "item %s not found", itemID)
	}
	if err != nil {
		return out, apperr.Upstream("load item", err)
	}
	if !item.Sampleless {
		return out, apperr.Conflict(CodeIllegalTransition, "item %s needs a sample; enter it by barcode", itemID)
	}

	st, why, err := c.enterOne(ctx, itemID, sectionID, user, nil)
	if err != nil {
		return out, err
	}
	if why != "" {
		return out, notWaiting(fmt.Sprintf("item %s", itemID), sectionID, []string{string(why)})
	}
	return st, nil
}

// enterOne starts one item's stage in its own transaction. A refusal is not
// an error.
func (c *Coordinator) enterOne(ctx context.Context, itemID, sectionID uuid.UUID, user string, sampleID *uuid.UUID) (out StageState, why Refusal, err error) {
	err = events.Deferred(ctx, c.pub, c.log, func(ctx context.Context) error {
		return c.tx.InTx(ctx, func(ctx context.Context) error {
			cand, refusal, err := c.candidate(ctx, itemID, sectionID)
			if err != nil {
				return err
			}
			if refusal != "" {
				why = refusal
				return nil
			}
			st, won, err := c.start(ctx, cand, user, sampleID)
			if err != nil {
				return err
			}
			if !won {
				why = RefusedInProgress
				return nil
			}
			out = st
			return nil
		})
	})
	return out, why, err
}

func notWaiting(subject string, sectionID uuid.UUID, refusals []string) error {
	reason := "no bound items"
	if len(refusals) > 0 {
		reason = strings.Join(refusals, "; ")
	}
	return apperr.Conflict(CodeSampleNotWaiting, "%s is not waiting in section %s: %s", subject, sectionID, reason)
}

// candidate returns the item's stage that may be entered in sectionID, or
// the reason it cannot.
func (c *Coordinator) candidate(ctx context.Context, itemID, sectionID uuid.UUID) (StageState, Refusal, error) {
	item, err := c.items.GetByID(ctx, itemID)
	if err != nil {
		return StageState{}, "", apperr.Upstream("load item", err)
	}
	steps, err := c.templates.Resolve(ctx, item.MethodID)
	if workflow.IsNotConfigured(err) {
		return StageState{}, RefusedNoWorkflow, nil
	}
	if err != nil {
		return StageState{}, "", err
	}
	h, err := c.store.History(ctx, itemID)
	if err != nil {
		return StageState{}, "", err
	}
	st, why := eligible(h, steps, sectionID)
	return st, why, nil
}

// eligible applies the entry rules to one item's history.
func eligible(h History, steps workflow.Steps, sectionID uuid.UUID) (StageState, Refusal) {
	open, ok := h.Open()
	if !ok {
		if h.Complete(steps) {
			return StageState{}, RefusedFinished
		}
		return StageState{}, RefusedNotReachable
	}
	if open.SectionID != sectionID {
		return StageState{}, routeRefusal(h, steps, open, sectionID)
	}
	if open.Status == StatusProcessing {
		return StageState{}, RefusedInProgress
	}
	if !open.IsFirstStage && !h.PredecessorsFinished(open.Order, steps) {
		return StageState{}, RefusedNotReachable
	}
	return open, ""
}

// routeRefusal explains an entry attempt into a section other than the one
// holding the item's open stage.
func routeRefusal(h History, steps workflow.Steps, open StageState, sectionID uuid.UUID) Refusal {
	ahead := false
	for _, st := range steps {
		if st.SectionID != sectionID {
			continue
		}
		if st.Order > open.Order {
			ahead = true
			continue
		}
		if latest, ok := h.Latest(st.Order); ok && latest.Status == StatusFinished {
			return RefusedProcessed
		}
	}
	if ahead {
		return RefusedNotReachable
	}
	return RefusedWrongSection
}

// start moves cand from WAITING to PROCESSING. It reports false when a
// concurrent writer moved the stage first.
func (c *Coordinator) start(ctx context.Context, cand StageState, user string, sampleID *uuid.UUID) (StageState, bool, error) {
	to, err := nextStatus(ctx, cand.Status, triggerEnter)
	if err != nil {
		return StageState{}, false, err
	}
	st, err := c.repo.Transition(ctx, cand.ID, StatusWaiting, Transition{
		To:       to,
		Actor:    user,
		At:       c.now(),
		SampleID: sampleID,
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return StageState{}, false, nil
	}
	if err != nil {
		return StageState{}, false, apperr.Upstream("start stage", err)
	}
	if err := emitTransition(ctx, c.pub, cand.Status, st, user); err != nil {
		return StageState{}, false, err
	}
	return st, true, nil
}

func emitTransition(ctx context.Context, pub events.Publisher, from Status, st StageState, actor string) error {
	evt, err := events.New(events.StageTransitioned, events.StageTransition{
		StageID:   st.ID,
		ItemID:    st.ItemID,
		SectionID: st.SectionID,
		Order:     st.Order,
		Attempt:   st.Attempt,
		From:      string(from),
		To:        string(st.Status),
		Actor:     actor,
	})
	if err != nil {
		return err
	}
	return events.Emit(ctx, pub, evt)
}
