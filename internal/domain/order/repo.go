package order

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type OrderRepository interface {
	Create(ctx context.Context, o *Order, items []*Item) error
	GetByID(ctx context.Context, id uuid.UUID) (*Order, error)
	// LockByID reads the order with a row lock held until the transaction ends.
	LockByID(ctx context.Context, id uuid.UUID) (*Order, error)
	SetStatus(ctx context.Context, id uuid.UUID, status Status) error
	// The Mark* methods stamp a timestamp only if it is still NULL and report
	// whether this call did the stamping.
	MarkReportReadySignaled(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	MarkReadyNotified(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
}

type ItemRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Item, error)
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*Item, error)
}

type SampleRepository interface {
	Create(ctx context.Context, s *Sample) error
	GetByID(ctx context.Context, id uuid.UUID) (*Sample, error)
	GetByBarcode(ctx context.Context, barcode string) (*Sample, error)
	// ActiveItemIDs returns the items the sample currently feeds.
	ActiveItemIDs(ctx context.Context, sampleID uuid.UUID) ([]uuid.UUID, error)
	Bind(ctx context.Context, b *Binding) error
	Void(ctx context.Context, sampleID, itemID uuid.UUID, at time.Time) (bool, error)
}

// ReportingService answers whether an approved report exists for an item.
type ReportingService interface {
	HasApprovedReport(ctx context.Context, itemID uuid.UUID) (bool, error)
}

// ReportRepository is the pg-backed ReportingService plus the approval write
// used by the reporting collaborator.
type ReportRepository interface {
	ReportingService
	Approve(ctx context.Context, itemID uuid.UUID, by string, at time.Time) error
}
