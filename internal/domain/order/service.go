package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/platform/apperr"
	"github.com/lims/lims/internal/platform/db"
	"github.com/lims/lims/internal/platform/events"
)

// StageSeeder creates an item's first stage. It returns false for items
// whose method has no workflow.
type StageSeeder interface {
	SeedItem(ctx context.Context, item *Item) (bool, error)
}

// Service owns the order lifecycle around the engine: creation,
// finalization, sample bindings, report approval and publishing.
type Service struct {
	tx      db.Transactor
	orders  OrderRepository
	items   ItemRepository
	samples SampleRepository
	reports ReportRepository
	seeder  StageSeeder
	agg     *Aggregator
	pub     events.Publisher
	log     zerolog.Logger
	now     func() time.Time
}

func NewService(tx db.Transactor, orders OrderRepository, items ItemRepository, samples SampleRepository,
	reports ReportRepository, seeder StageSeeder, agg *Aggregator, pub events.Publisher) *Service {
	return &Service{
		tx:      tx,
		orders:  orders,
		items:   items,
		samples: samples,
		reports: reports,
		seeder:  seeder,
		agg:     agg,
		pub:     pub,
		log:     zerolog.Nop(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) SetLogger(log zerolog.Logger) { s.log = log }

func notFound(err error, code, what string, id interface{}) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound(code, "%s %v not found", what, id)
	}
	return apperr.Upstream("load "+what, err)
}

func (s *Service) CreateOrder(ctx context.Context, o *Order, items []*Item) error {
	if o.PatientID == uuid.Nil {
		return apperr.Validation("InvalidOrder", "patient_id is required")
	}
	if len(items) == 0 {
		return apperr.Validation("InvalidOrder", "at least one item is required")
	}
	for i, it := range items {
		if it.MethodID == uuid.Nil {
			return apperr.Validation("InvalidOrder", "item %d: method_id is required", i)
		}
	}
	o.Status = StatusProcessing
	return s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.orders.Create(ctx, o, items); err != nil {
			return apperr.Upstream("create order", err)
		}
		return nil
	})
}

func (s *Service) GetOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, notFound(err, CodeOrderNotFound, "order", id)
	}
	return o, nil
}

func (s *Service) ListItems(ctx context.Context, orderID uuid.UUID) ([]*Item, error) {
	if _, err := s.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	items, err := s.items.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, apperr.Upstream("list items", err)
	}
	return items, nil
}

// Finalize seeds the first stage of every item that has none and then
// recomputes the order. It is safe to call again after items are added.
func (s *Service) Finalize(ctx context.Context, orderID uuid.UUID) (Status, int, error) {
	var status Status
	seeded := 0
	err := events.Deferred(ctx, s.pub, s.log, func(ctx context.Context) error {
		return s.tx.InTx(ctx, func(ctx context.Context) error {
			if _, err := s.orders.LockByID(ctx, orderID); err != nil {
				return notFound(err, CodeOrderNotFound, "order", orderID)
			}
			items, err := s.items.ListByOrder(ctx, orderID)
			if err != nil {
				return apperr.Upstream("list items", err)
			}
			for _, it := range items {
				created, err := s.seeder.SeedItem(ctx, it)
				if err != nil {
					return fmt.Errorf("seed item %s: %w", it.ID, err)
				}
				if created {
					seeded++
				}
			}
			status, err = s.agg.Recompute(ctx, orderID)
			return err
		})
	})
	if err != nil {
		return "", 0, err
	}
	return status, seeded, nil
}

func (s *Service) Recompute(ctx context.Context, orderID uuid.UUID) (Status, error) {
	return s.agg.Recompute(ctx, orderID)
}

// Publish marks a ready_to_publish order as published, which completes it.
func (s *Service) Publish(ctx context.Context, orderID uuid.UUID) (Status, error) {
	var status Status
	err := events.Deferred(ctx, s.pub, s.log, func(ctx context.Context) error {
		return s.tx.InTx(ctx, func(ctx context.Context) error {
			current, err := s.agg.Recompute(ctx, orderID)
			if err != nil {
				return err
			}
			if current != StatusReadyToPublish {
				return apperr.Conflict(CodeNotPublishable, "order %s is %s, not %s", orderID, current, StatusReadyToPublish)
			}
			if _, err := s.orders.MarkPublished(ctx, orderID, s.now()); err != nil {
				return apperr.Upstream("mark published", err)
			}
			status, err = s.agg.Recompute(ctx, orderID)
			return err
		})
	})
	return status, err
}

// ApproveReport records an approved report for an item and recomputes its order.
func (s *Service) ApproveReport(ctx context.Context, itemID uuid.UUID, by string) (Status, error) {
	var status Status
	err := events.Deferred(ctx, s.pub, s.log, func(ctx context.Context) error {
		return s.tx.InTx(ctx, func(ctx context.Context) error {
			it, err := s.items.GetByID(ctx, itemID)
			if err != nil {
				return notFound(err, CodeItemNotFound, "item", itemID)
			}
			if err := s.reports.Approve(ctx, itemID, by, s.now()); err != nil {
				return apperr.Upstream("approve report", err)
			}
			status, err = s.agg.Recompute(ctx, it.OrderID)
			return err
		})
	})
	return status, err
}

func (s *Service) RegisterSample(ctx context.Context, smp *Sample) error {
	smp.Barcode = strings.TrimSpace(smp.Barcode)
	if smp.Barcode == "" {
		return apperr.Validation("InvalidSample", "barcode is required")
	}
	if err := s.samples.Create(ctx, smp); err != nil {
		return apperr.Upstream("create sample", err)
	}
	return nil
}

func (s *Service) BindSample(ctx context.Context, sampleID, itemID uuid.UUID) (*Binding, error) {
	b := &Binding{SampleID: sampleID, ItemID: itemID}
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if _, err := s.samples.GetByID(ctx, sampleID); err != nil {
			return notFound(err, CodeSampleNotFound, "sample", sampleID)
		}
		it, err := s.items.GetByID(ctx, itemID)
		if err != nil {
			return notFound(err, CodeItemNotFound, "item", itemID)
		}
		if it.Sampleless {
			return apperr.Conflict("IllegalTransition", "item %s is sampleless", itemID)
		}
		if err := s.samples.Bind(ctx, b); err != nil {
			return apperr.Upstream("bind sample", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Service) VoidBinding(ctx context.Context, sampleID, itemID uuid.UUID) error {
	voided, err := s.samples.Void(ctx, sampleID, itemID, s.now())
	if err != nil {
		return apperr.Upstream("void binding", err)
	}
	if !voided {
		return apperr.NotFound("BindingNotFound", "no active binding of sample %s to item %s", sampleID, itemID)
	}
	return nil
}
