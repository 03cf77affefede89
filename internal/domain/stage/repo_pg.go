package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

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

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const uniqueViolation = "23505"

const stateCols = `id, item_id, step_id, section_id, step_order, attempt, is_first_stage,
	status, parameters, details, assigned_technician_id, started_by, finished_by,
	started_at, finished_at, bound_sample_id, created_at, updated_at`

func scanState(row pgx.Row) (StageState, error) {
	var s StageState
	var params []byte
	var details *string
	err := row.Scan(&s.ID, &s.ItemID, &s.StepID, &s.SectionID, &s.Order, &s.Attempt, &s.IsFirstStage,
		&s.Status, &params, &details, &s.AssignedTechnicianID, &s.StartedBy, &s.FinishedBy,
		&s.StartedAt, &s.FinishedAt, &s.BoundSampleID, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return s, err
	}
	if details != nil {
		s.Details = *details
	}
	s.Parameters = Parameters{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &s.Parameters); err != nil {
			return s, fmt.Errorf("decode parameters of stage %s: %w", s.ID, err)
		}
	}
	return s, nil
}

func encodeParams(p Parameters) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	return json.Marshal(p)
}

func (r *repoPG) Create(ctx context.Context, s *StageState) error {
	s.ID = uuid.New()
	if s.Status == "" {
		s.Status = StatusWaiting
	}
	if s.Parameters == nil {
		s.Parameters = Parameters{}
	}
	params, err := encodeParams(s.Parameters)
	if err != nil {
		return err
	}
	err = r.conn(ctx).QueryRow(ctx, `
		INSERT INTO acceptance_item_state (id, item_id, step_id, section_id, step_order, attempt,
			is_first_stage, status, parameters)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`,
		s.ID, s.ItemID, s.StepID, s.SectionID, s.Order, s.Attempt, s.IsFirstStage, s.Status, params,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrOpenStageExists, pgErr.ConstraintName)
	}
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (StageState, error) {
	return scanState(r.conn(ctx).QueryRow(ctx, `SELECT `+stateCols+` FROM acceptance_item_state WHERE id = $1`, id))
}

func (r *repoPG) Lock(ctx context.Context, id uuid.UUID) (StageState, error) {
	return scanState(r.conn(ctx).QueryRow(ctx, `SELECT `+stateCols+` FROM acceptance_item_state WHERE id = $1 FOR UPDATE`, id))
}

func (r *repoPG) ListByItem(ctx context.Context, itemID uuid.UUID) ([]StageState, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+stateCols+` FROM acceptance_item_state
		WHERE item_id = $1 ORDER BY step_order, attempt`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

func collect(rows pgx.Rows) ([]StageState, error) {
	var out []StageState
	for rows.Next() {
		s, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Transition is the compare-and-set at the heart of concurrent entry: the
// row only moves when its status still equals from.
func (r *repoPG) Transition(ctx context.Context, id uuid.UUID, from Status, t Transition) (StageState, error) {
	params, err := encodeParams(t.Parameters)
	if err != nil {
		return StageState{}, err
	}
	var startedBy, finishedBy *string
	var startedAt, finishedAt interface{}
	switch t.To {
	case StatusProcessing:
		startedBy, startedAt = &t.Actor, t.At
	case StatusFinished, StatusRejected:
		finishedBy, finishedAt = &t.Actor, t.At
	}
	return scanState(r.conn(ctx).QueryRow(ctx, `
		UPDATE acceptance_item_state SET
			status = $3,
			started_by = COALESCE($4, started_by),
			assigned_technician_id = COALESCE($4, assigned_technician_id),
			started_at = COALESCE($5::timestamptz, started_at),
			finished_by = COALESCE($6, finished_by),
			finished_at = COALESCE($7::timestamptz, finished_at),
			bound_sample_id = COALESCE($8, bound_sample_id),
			details = COALESCE($9, details),
			parameters = COALESCE($10::jsonb, parameters),
			updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING `+stateCols,
		id, from, t.To, startedBy, startedAt, finishedBy, finishedAt, t.SampleID, t.Details, params))
}

func (r *repoPG) UpdateParameters(ctx context.Context, id uuid.UUID, p Parameters) (StageState, error) {
	params, err := encodeParams(p)
	if err != nil {
		return StageState{}, err
	}
	return scanState(r.conn(ctx).QueryRow(ctx, `
		UPDATE acceptance_item_state SET parameters = $2::jsonb, updated_at = NOW()
		WHERE id = $1 AND status = 'PROCESSING'
		RETURNING `+stateCols, id, params))
}

func (r *repoPG) CountBySection(ctx context.Context, sectionID uuid.UUID) (map[Status]int, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT status, COUNT(*) FROM acceptance_item_state
		WHERE section_id = $1 GROUP BY status`, sectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[Status]int, len(Statuses))
	for rows.Next() {
		var st Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

func (r *repoPG) ListBySection(ctx context.Context, sectionID uuid.UUID, status Status, limit, offset int) ([]StageState, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM acceptance_item_state
		WHERE section_id = $1 AND ($2 = '' OR status = $2)`, sectionID, string(status)).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+stateCols+` FROM acceptance_item_state
		WHERE section_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at LIMIT $3 OFFSET $4`, sectionID, string(status), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	out, err := collect(rows)
	return out, total, err
}
