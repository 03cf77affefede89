package order

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/lims/lims/internal/platform/apperr"
	"github.com/lims/lims/internal/platform/db"
	"github.com/lims/lims/internal/platform/events"
	"github.com/lims/lims/internal/platform/telemetry"
)

// PipelineChecker decides whether an item's stage pipeline is complete.
type PipelineChecker interface {
	PipelineComplete(ctx context.Context, item *Item) (bool, error)
}

// NotificationService receives the one-shot order-ready signal and owns
// channel selection and delivery.
type NotificationService interface {
	OrderReady(ctx context.Context, sig events.OrderSignal) error
}

// Aggregator recomputes an order's status from its items. Recompute is
// idempotent and may be called redundantly.
type Aggregator struct {
	tx       db.Transactor
	orders   OrderRepository
	items    ItemRepository
	pipeline PipelineChecker
	reports  ReportingService
	notifier NotificationService
	pub      events.Publisher
	metrics  *telemetry.Metrics
	log      zerolog.Logger
	now      func() time.Time
}

func NewAggregator(tx db.Transactor, orders OrderRepository, items ItemRepository, pipeline PipelineChecker,
	reports ReportingService, notifier NotificationService, pub events.Publisher) *Aggregator {
	return &Aggregator{
		tx:       tx,
		orders:   orders,
		items:    items,
		pipeline: pipeline,
		reports:  reports,
		notifier: notifier,
		pub:      pub,
		log:      zerolog.Nop(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (a *Aggregator) SetLogger(log zerolog.Logger) { a.log = log }

func (a *Aggregator) SetMetrics(m *telemetry.Metrics) { a.metrics = m }

// Recompute derives the order's status, persists it if it changed and emits
// order.report_ready and order.ready at most once per order. When ctx
// already carries a transaction and event batch, Recompute joins them.
func (a *Aggregator) Recompute(ctx context.Context, orderID uuid.UUID) (Status, error) {
	ctx, span := telemetry.StartSpan(ctx, "order.recompute", attribute.String("order.id", orderID.String()))
	var status Status
	err := events.Deferred(ctx, a.pub, a.log, func(ctx context.Context) error {
		return a.tx.InTx(ctx, func(ctx context.Context) error {
			var err error
			status, err = a.recompute(ctx, orderID)
			return err
		})
	})
	telemetry.EndSpan(span, err)
	if err != nil {
		return "", err
	}
	a.metrics.ObserveRecompute(string(status))
	return status, nil
}

func (a *Aggregator) recompute(ctx context.Context, orderID uuid.UUID) (Status, error) {
	o, err := a.orders.LockByID(ctx, orderID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", apperr.NotFound(CodeOrderNotFound, "order %s not found", orderID)
	}
	if err != nil {
		return "", apperr.Upstream("lock order", err)
	}

	status, err := a.derive(ctx, o)
	if err != nil {
		return "", err
	}

	if status != o.Status {
		if err := a.orders.SetStatus(ctx, o.ID, status); err != nil {
			return "", apperr.Upstream("set order status", err)
		}
	}

	if status == StatusReporting || status == StatusReadyToPublish {
		if err := a.signalReportReady(ctx, o, status); err != nil {
			return "", err
		}
	}
	if status == StatusReadyToPublish && o.WantsNotification() {
		if err := a.signalReady(ctx, o, status); err != nil {
			return "", err
		}
	}
	return status, nil
}

func (a *Aggregator) derive(ctx context.Context, o *Order) (Status, error) {
	if o.PublishedAt != nil {
		return Derive(true, 0, false, false), nil
	}
	items, err := a.items.ListByOrder(ctx, o.ID)
	if err != nil {
		return "", apperr.Upstream("list order items", err)
	}

	complete := true
	for _, it := range items {
		ok, err := a.pipeline.PipelineComplete(ctx, it)
		if err != nil {
			return "", err
		}
		if !ok {
			complete = false
			break
		}
	}

	reported := complete
	if complete {
		for _, it := range items {
			if it.Reportless {
				continue
			}
			ok, err := a.reports.HasApprovedReport(ctx, it.ID)
			if err != nil {
				return "", apperr.Upstream("check report", err)
			}
			if !ok {
				reported = false
				break
			}
		}
	}
	return Derive(false, len(items), complete, reported), nil
}

func signalFor(o *Order, status Status) events.OrderSignal {
	return events.OrderSignal{
		OrderID:          o.ID,
		PatientID:        o.PatientID,
		ReferrerID:       o.ReferrerID,
		Status:           string(status),
		NotifyPatient:    o.NotifyPatient,
		NotifyReferrer:   o.NotifyReferrer,
		EstimatedReadyAt: o.EstimatedReadyAt,
	}
}

func (a *Aggregator) signalReportReady(ctx context.Context, o *Order, status Status) error {
	claimed, err := a.orders.MarkReportReadySignaled(ctx, o.ID, a.now())
	if err != nil {
		return apperr.Upstream("mark report ready", err)
	}
	if !claimed {
		return nil
	}
	evt, err := events.New(events.OrderReportReady, signalFor(o, status))
	if err != nil {
		return err
	}
	a.log.Info().Str("order_id", o.ID.String()).Msg("order ready for reporting")
	a.metrics.ObserveSignal(string(events.OrderReportReady))
	return events.Emit(ctx, a.pub, evt)
}

func (a *Aggregator) signalReady(ctx context.Context, o *Order, status Status) error {
	claimed, err := a.orders.MarkReadyNotified(ctx, o.ID, a.now())
	if err != nil {
		return apperr.Upstream("mark ready notified", err)
	}
	if !claimed || a.notifier == nil {
		return nil
	}
	a.log.Info().Str("order_id", o.ID.String()).Msg("order ready to publish")
	a.metrics.ObserveSignal(string(events.OrderReady))
	return a.notifier.OrderReady(ctx, signalFor(o, status))
}
