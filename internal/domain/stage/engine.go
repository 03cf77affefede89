package stage

import (
	"context"
	"errors"
	"fmt"
	"sort"
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

// OrderRecomputer refreshes an order's derived status.
type OrderRecomputer interface {
	Recompute(ctx context.Context, orderID uuid.UUID) (order.Status, error)
}

// Command is one operator action against a stage. Target is the rework
// order of a REJECT and is ignored otherwise.
type Command struct {
	Action     Action
	Parameters Parameters
	Details    string
	Target     *int
}

// Result is the outcome of Apply.
type Result struct {
	Stage StageState `json:"stage"`
	// Next is the stage opened by FINISH or REJECT, if any.
	Next         *StageState  `json:"next,omitempty"`
	ItemComplete bool         `json:"item_complete"`
	OrderStatus  order.Status `json:"order_status,omitempty"`
}

const artifactEntityType = "acceptance_item_state"

// Engine applies CONTINUE, FINISH and REJECT to PROCESSING stages.
type Engine struct {
	tx        db.Transactor
	store     *Store
	repo      Repository
	templates TemplateResolver
	items     order.ItemRepository
	orders    order.OrderRepository
	agg       OrderRecomputer
	gate      AuthorizationGate
	pub       events.Publisher
	metrics   *telemetry.Metrics
	log       zerolog.Logger
	now       func() time.Time
}

func NewEngine(tx db.Transactor, store *Store, repo Repository, templates TemplateResolver,
	items order.ItemRepository, orders order.OrderRepository, agg OrderRecomputer,
	gate AuthorizationGate, pub events.Publisher) *Engine {
	return &Engine{
		tx:        tx,
		store:     store,
		repo:      repo,
		templates: templates,
		items:     items,
		orders:    orders,
		agg:       agg,
		gate:      gate,
		pub:       pub,
		log:       zerolog.Nop(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (e *Engine) SetLogger(log zerolog.Logger) { e.log = log }

func (e *Engine) SetMetrics(m *telemetry.Metrics) { e.metrics = m }

// Apply runs cmd against the stage in one transaction. Events raised along
// the way, including the order signals of the recompute, are published
// only after commit.
func (e *Engine) Apply(ctx context.Context, stageID uuid.UUID, cmd Command, user string) (res Result, err error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "stage.apply",
		attribute.String("stage.id", stageID.String()),
		attribute.String("stage.action", cmd.Action.String()))
	defer func() {
		e.metrics.ObserveTransition(cmd.Action.String(), err, time.Since(start))
		telemetry.EndSpan(span, err)
	}()

	trigger, ok := actionTriggers[cmd.Action]
	if !ok {
		return res, apperr.Validation("InvalidAction", "unknown action %s", cmd.Action)
	}

	err = events.Deferred(ctx, e.pub, e.log, func(ctx context.Context) error {
		return e.tx.InTx(ctx, func(ctx context.Context) error {
			st, err := e.store.Lock(ctx, stageID)
			if err != nil {
				return err
			}
			if !e.gate.Can(ctx, user, cmd.Action.Capability(), st.SectionID) {
				return apperr.Forbidden("%s may not %s stages in section %s", user, cmd.Action.Capability(), st.SectionID)
			}
			if _, err := nextStatus(ctx, st.Status, trigger); err != nil {
				return err
			}
			item, err := e.items.GetByID(ctx, st.ItemID)
			if err != nil {
				return apperr.Upstream("load item", err)
			}
			steps, err := e.templates.Resolve(ctx, item.MethodID)
			if err != nil {
				return err
			}
			step, ok := steps.At(st.Order)
			if !ok {
				return apperr.Conflict(CodeIllegalTransition, "workflow of item %s has no step %d", item.ID, st.Order)
			}

			switch cmd.Action {
			case ActionContinue:
				res, err = e.update(ctx, st, step, item, cmd)
			case ActionFinish:
				res, err = e.finish(ctx, st, step, steps, item, cmd, user)
			case ActionReject:
				res, err = e.reject(ctx, st, steps, item, cmd, user)
			}
			return err
		})
	})
	if err != nil {
		return Result{}, err
	}
	e.log.Info().
		Str("stage_id", stageID.String()).
		Str("action", cmd.Action.String()).
		Str("status", string(res.Stage.Status)).
		Str("user", user).
		Msg("stage action applied")
	return res, nil
}

func (e *Engine) update(ctx context.Context, st StageState, step workflow.Step, item *order.Item, cmd Command) (Result, error) {
	merged := st.Parameters.Merge(cmd.Parameters)
	if merged.Equal(st.Parameters) {
		return Result{Stage: st}, nil
	}
	updated, err := e.repo.UpdateParameters(ctx, st.ID, merged)
	if err != nil {
		return Result{}, e.casFailed(ctx, st.ID, err)
	}
	if err := e.linkArtifacts(ctx, step, item, st, merged); err != nil {
		return Result{}, err
	}
	return Result{Stage: updated}, nil
}

func (e *Engine) finish(ctx context.Context, st StageState, step workflow.Step, steps workflow.Steps,
	item *order.Item, cmd Command, user string) (Result, error) {
	merged := st.Parameters.Merge(cmd.Parameters)
	if missing := step.MissingRequired(merged); len(missing) > 0 {
		return Result{}, apperr.Validation(CodeIncompleteParameters, "missing required parameters: %s", strings.Join(missing, ", "))
	}
	finished, err := e.repo.Transition(ctx, st.ID, StatusProcessing, Transition{
		To:         StatusFinished,
		Actor:      user,
		At:         e.now(),
		Parameters: merged,
	})
	if err != nil {
		return Result{}, e.casFailed(ctx, st.ID, err)
	}
	if err := e.linkArtifacts(ctx, step, item, st, merged); err != nil {
		return Result{}, err
	}
	if err := emitTransition(ctx, e.pub, st.Status, finished, user); err != nil {
		return Result{}, err
	}

	res := Result{Stage: finished}
	next, ok, err := e.store.MaterializeNextStage(ctx, item.ID, steps, st.Order)
	if err != nil {
		return Result{}, err
	}
	if ok {
		res.Next = &next
	} else {
		res.ItemComplete = true
	}
	if res.OrderStatus, err = e.agg.Recompute(ctx, item.OrderID); err != nil {
		return Result{}, err
	}
	return res, nil
}

func (e *Engine) reject(ctx context.Context, st StageState, steps workflow.Steps, item *order.Item, cmd Command, user string) (Result, error) {
	details := strings.TrimSpace(cmd.Details)
	if details == "" {
		return Result{}, apperr.Validation(CodeRejectionDetailsRequired, "a rejection needs details")
	}
	if cmd.Target == nil {
		return Result{}, apperr.Conflict(CodeInvalidRejectionTarget, "a rejection needs a target stage")
	}
	target := *cmd.Target
	if _, ok := steps.Upto(st.Order).At(target); !ok {
		return Result{}, apperr.Conflict(CodeInvalidRejectionTarget,
			"rejection target %d is outside 1..%d", target, st.Order)
	}

	rejected, err := e.repo.Transition(ctx, st.ID, StatusProcessing, Transition{
		To:      StatusRejected,
		Actor:   user,
		At:      e.now(),
		Details: &details,
	})
	if err != nil {
		return Result{}, e.casFailed(ctx, st.ID, err)
	}
	if err := emitTransition(ctx, e.pub, st.Status, rejected, user); err != nil {
		return Result{}, err
	}
	rework, err := e.store.Rework(ctx, item.ID, steps, target)
	if err != nil {
		return Result{}, err
	}
	res := Result{Stage: rejected, Next: &rework}
	if res.OrderStatus, err = e.agg.Recompute(ctx, item.OrderID); err != nil {
		return Result{}, err
	}
	return res, nil
}

// Progress re-checks an item's pipeline and its order's status. It is safe
// to call at any time: when nothing is missing it only recomputes.
func (e *Engine) Progress(ctx context.Context, itemID uuid.UUID) (res Result, err error) {
	ctx, span := telemetry.StartSpan(ctx, "stage.progress", attribute.String("item.id", itemID.String()))
	defer func() { telemetry.EndSpan(span, err) }()

	err = events.Deferred(ctx, e.pub, e.log, func(ctx context.Context) error {
		return e.tx.InTx(ctx, func(ctx context.Context) error {
			item, err := e.items.GetByID(ctx, itemID)
			if errors.Is(err, pgx.ErrNoRows) {
				return apperr.NotFound(order.CodeItemNotFound, "item %s not found", itemID)
			}
			if err != nil {
				return apperr.Upstream("load item", err)
			}
			steps, err := e.templates.Resolve(ctx, item.MethodID)
			switch {
			case workflow.IsNotConfigured(err):
				res.ItemComplete = true
			case err != nil:
				return err
			default:
				st, created, err := e.store.Reconcile(ctx, itemID, steps)
				if err != nil {
					return err
				}
				if created {
					res.Next = &st
				}
				active, ok, err := e.store.FindActiveStage(ctx, item)
				if err != nil {
					return err
				}
				if ok {
					res.Stage = active
				}
				h, err := e.store.History(ctx, itemID)
				if err != nil {
					return err
				}
				res.ItemComplete = h.Complete(steps)
			}
			res.OrderStatus, err = e.agg.Recompute(ctx, item.OrderID)
			return err
		})
	})
	return res, err
}

// casFailed turns a lost compare-and-set into StaleStage naming the status
// the stage actually has now.
func (e *Engine) casFailed(ctx context.Context, id uuid.UUID, err error) error {
	if !errors.Is(err, pgx.ErrNoRows) {
		return apperr.Upstream("write stage", err)
	}
	cur, gerr := e.store.Get(ctx, id)
	if gerr != nil {
		return gerr
	}
	return apperr.Conflict(CodeStaleStage, "stage %s is %s now", id, cur.Status)
}

// linkArtifacts emits artifact.linked for every file field whose value is
// new or changed. Cleared fields emit nothing.
func (e *Engine) linkArtifacts(ctx context.Context, step workflow.Step, item *order.Item, before StageState, after Parameters) error {
	fields := step.FileFields()
	if len(fields) == 0 {
		return nil
	}
	var changed []string
	for _, f := range fields {
		v := artifactID(after[f])
		if v != "" && v != artifactID(before.Parameters[f]) {
			changed = append(changed, f)
		}
	}
	if len(changed) == 0 {
		return nil
	}
	sort.Strings(changed)
	o, err := e.orders.GetByID(ctx, item.OrderID)
	if err != nil {
		return apperr.Upstream("load order", err)
	}
	for _, f := range changed {
		evt, err := events.New(events.ArtifactLinked, events.ArtifactLink{
			ArtifactID: artifactID(after[f]),
			PatientID:  o.PatientID,
			Tag:        f,
			EntityType: artifactEntityType,
			EntityID:   before.ID,
		})
		if err != nil {
			return err
		}
		if err := events.Emit(ctx, e.pub, evt); err != nil {
			return err
		}
	}
	return nil
}

func artifactID(v interface{}) string {
	if v == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}
