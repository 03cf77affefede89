package order

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lims/lims/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func connFor(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

// -- orders --

type orderRepoPG struct{ pool *pgxpool.Pool }

func NewOrderRepoPG(pool *pgxpool.Pool) OrderRepository {
	return &orderRepoPG{pool: pool}
}

func (r *orderRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const orderCols = `id, patient_id, referrer_id, status, notify_patient, notify_referrer,
	estimated_ready_at, report_ready_signaled_at, ready_notified_at, published_at,
	created_at, updated_at`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.PatientID, &o.ReferrerID, &o.Status, &o.NotifyPatient, &o.NotifyReferrer,
		&o.EstimatedReadyAt, &o.ReportReadySignaledAt, &o.ReadyNotifiedAt, &o.PublishedAt,
		&o.CreatedAt, &o.UpdatedAt)
	return &o, err
}

func (r *orderRepoPG) Create(ctx context.Context, o *Order, items []*Item) error {
	o.ID = uuid.New()
	if o.Status == "" {
		o.Status = StatusProcessing
	}
	c := r.conn(ctx)
	if err := c.QueryRow(ctx, `
		INSERT INTO acceptance (id, patient_id, referrer_id, status, notify_patient, notify_referrer, estimated_ready_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		o.ID, o.PatientID, o.ReferrerID, o.Status, o.NotifyPatient, o.NotifyReferrer, o.EstimatedReadyAt,
	).Scan(&o.CreatedAt, &o.UpdatedAt); err != nil {
		return err
	}
	for _, it := range items {
		it.ID = uuid.New()
		it.OrderID = o.ID
		if err := c.QueryRow(ctx, `
			INSERT INTO acceptance_item (id, acceptance_id, method_id, reportless, sampleless)
			VALUES ($1, $2, $3, $4, $5) RETURNING created_at`,
			it.ID, it.OrderID, it.MethodID, it.Reportless, it.Sampleless,
		).Scan(&it.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}

func (r *orderRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	return scanOrder(r.conn(ctx).QueryRow(ctx, `SELECT `+orderCols+` FROM acceptance WHERE id = $1`, id))
}

func (r *orderRepoPG) LockByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	return scanOrder(r.conn(ctx).QueryRow(ctx, `SELECT `+orderCols+` FROM acceptance WHERE id = $1 FOR UPDATE`, id))
}

func (r *orderRepoPG) SetStatus(ctx context.Context, id uuid.UUID, status Status) error {
	_, err := r.conn(ctx).Exec(ctx, `UPDATE acceptance SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	return err
}

func (r *orderRepoPG) stampOnce(ctx context.Context, column string, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE acceptance SET `+column+` = $2, updated_at = NOW() WHERE id = $1 AND `+column+` IS NULL`, id, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *orderRepoPG) MarkReportReadySignaled(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	return r.stampOnce(ctx, "report_ready_signaled_at", id, at)
}

func (r *orderRepoPG) MarkReadyNotified(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	return r.stampOnce(ctx, "ready_notified_at", id, at)
}

func (r *orderRepoPG) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	return r.stampOnce(ctx, "published_at", id, at)
}

// -- items --

type itemRepoPG struct{ pool *pgxpool.Pool }

func NewItemRepoPG(pool *pgxpool.Pool) ItemRepository {
	return &itemRepoPG{pool: pool}
}

func (r *itemRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const itemCols = `id, acceptance_id, method_id, reportless, sampleless, created_at`

func scanItem(row pgx.Row) (*Item, error) {
	var it Item
	err := row.Scan(&it.ID, &it.OrderID, &it.MethodID, &it.Reportless, &it.Sampleless, &it.CreatedAt)
	return &it, err
}

func (r *itemRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Item, error) {
	return scanItem(r.conn(ctx).QueryRow(ctx, `SELECT `+itemCols+` FROM acceptance_item WHERE id = $1`, id))
}

func (r *itemRepoPG) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*Item, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+itemCols+` FROM acceptance_item WHERE acceptance_id = $1 ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// -- samples --

type sampleRepoPG struct{ pool *pgxpool.Pool }

func NewSampleRepoPG(pool *pgxpool.Pool) SampleRepository {
	return &sampleRepoPG{pool: pool}
}

func (r *sampleRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const sampleCols = `id, barcode, collected_at, created_at`

func scanSample(row pgx.Row) (*Sample, error) {
	var s Sample
	err := row.Scan(&s.ID, &s.Barcode, &s.CollectedAt, &s.CreatedAt)
	return &s, err
}

func (r *sampleRepoPG) Create(ctx context.Context, s *Sample) error {
	s.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO sample (id, barcode, collected_at) VALUES ($1, $2, $3) RETURNING created_at`,
		s.ID, s.Barcode, s.CollectedAt).Scan(&s.CreatedAt)
}

func (r *sampleRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Sample, error) {
	return scanSample(r.conn(ctx).QueryRow(ctx, `SELECT `+sampleCols+` FROM sample WHERE id = $1`, id))
}

func (r *sampleRepoPG) GetByBarcode(ctx context.Context, barcode string) (*Sample, error) {
	return scanSample(r.conn(ctx).QueryRow(ctx, `SELECT `+sampleCols+` FROM sample WHERE barcode = $1`, barcode))
}

func (r *sampleRepoPG) ActiveItemIDs(ctx context.Context, sampleID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT item_id FROM sample_binding WHERE sample_id = $1 AND active ORDER BY created_at, item_id`, sampleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Bind is idempotent: an existing active binding is returned unchanged.
func (r *sampleRepoPG) Bind(ctx context.Context, b *Binding) error {
	c := r.conn(ctx)
	err := c.QueryRow(ctx, `
		INSERT INTO sample_binding (id, sample_id, item_id, active) VALUES ($1, $2, $3, TRUE)
		ON CONFLICT (sample_id, item_id) WHERE active DO NOTHING
		RETURNING id, active, created_at`,
		uuid.New(), b.SampleID, b.ItemID).Scan(&b.ID, &b.Active, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return c.QueryRow(ctx, `
			SELECT id, active, created_at FROM sample_binding WHERE sample_id = $1 AND item_id = $2 AND active`,
			b.SampleID, b.ItemID).Scan(&b.ID, &b.Active, &b.CreatedAt)
	}
	return err
}

func (r *sampleRepoPG) Void(ctx context.Context, sampleID, itemID uuid.UUID, at time.Time) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE sample_binding SET active = FALSE, voided_at = $3
		WHERE sample_id = $1 AND item_id = $2 AND active`, sampleID, itemID, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// -- reports --

type reportRepoPG struct{ pool *pgxpool.Pool }

func NewReportRepoPG(pool *pgxpool.Pool) ReportRepository {
	return &reportRepoPG{pool: pool}
}

func (r *reportRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

func (r *reportRepoPG) HasApprovedReport(ctx context.Context, itemID uuid.UUID) (bool, error) {
	var ok bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM item_report WHERE item_id = $1 AND approved_at IS NOT NULL)`, itemID).Scan(&ok)
	return ok, err
}

func (r *reportRepoPG) Approve(ctx context.Context, itemID uuid.UUID, by string, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO item_report (item_id, approved_at, approved_by) VALUES ($1, $2, $3)
		ON CONFLICT (item_id) DO UPDATE SET approved_at = EXCLUDED.approved_at, approved_by = EXCLUDED.approved_by`,
		itemID, at, by)
	return err
}
