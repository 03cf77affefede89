package order

import (
	"time"

	"github.com/google/uuid"
)

// Status is the derived aggregate status of an order.
type Status string

const (
	StatusProcessing     Status = "processing"
	StatusReporting      Status = "reporting"
	StatusReadyToPublish Status = "ready_to_publish"
	StatusCompleted      Status = "completed"
)

const (
	CodeOrderNotFound  = "OrderNotFound"
	CodeItemNotFound   = "ItemNotFound"
	CodeSampleNotFound = "SampleNotFound"
	CodeNotPublishable = "IllegalTransition"
)

// Order maps to the acceptance table: one patient visit bundling test items.
type Order struct {
	ID                    uuid.UUID  `db:"id" json:"id"`
	PatientID             uuid.UUID  `db:"patient_id" json:"patient_id"`
	ReferrerID            *uuid.UUID `db:"referrer_id" json:"referrer_id,omitempty"`
	Status                Status     `db:"status" json:"status"`
	NotifyPatient         bool       `db:"notify_patient" json:"notify_patient"`
	NotifyReferrer        bool       `db:"notify_referrer" json:"notify_referrer"`
	EstimatedReadyAt      *time.Time `db:"estimated_ready_at" json:"estimated_ready_at,omitempty"`
	ReportReadySignaledAt *time.Time `db:"report_ready_signaled_at" json:"report_ready_signaled_at,omitempty"`
	ReadyNotifiedAt       *time.Time `db:"ready_notified_at" json:"ready_notified_at,omitempty"`
	PublishedAt           *time.Time `db:"published_at" json:"published_at,omitempty"`
	CreatedAt             time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time  `db:"updated_at" json:"updated_at"`
}

// WantsNotification reports whether delivery preferences ask for a direct
// patient or referrer notification.
func (o *Order) WantsNotification() bool {
	return o.NotifyPatient || (o.NotifyReferrer && o.ReferrerID != nil)
}

// Item maps to acceptance_item: one ordered test the workflow engine drives.
type Item struct {
	ID         uuid.UUID `db:"id" json:"id"`
	OrderID    uuid.UUID `db:"acceptance_id" json:"order_id"`
	MethodID   uuid.UUID `db:"method_id" json:"method_id"`
	Reportless bool      `db:"reportless" json:"reportless"`
	Sampleless bool      `db:"sampleless" json:"sampleless"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Sample is a physical barcoded specimen.
type Sample struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	Barcode     string     `db:"barcode" json:"barcode"`
	CollectedAt *time.Time `db:"collected_at" json:"collected_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}

// Binding links a sample to an item it feeds.
type Binding struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	SampleID  uuid.UUID  `db:"sample_id" json:"sample_id"`
	ItemID    uuid.UUID  `db:"item_id" json:"item_id"`
	Active    bool       `db:"active" json:"active"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	VoidedAt  *time.Time `db:"voided_at" json:"voided_at,omitempty"`
}

// Derive computes an order's status from the state of its items. It is the
// only place the status is decided.
func Derive(published bool, items int, pipelinesComplete, reportsApproved bool) Status {
	switch {
	case published:
		return StatusCompleted
	case items == 0 || !pipelinesComplete:
		return StatusProcessing
	case !reportsApproved:
		return StatusReporting
	default:
		return StatusReadyToPublish
	}
}
