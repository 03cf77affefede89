package workflow

import (
	"context"
	"encoding/json"
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

const stepCols = `s.id, s.workflow_id, s.section_id, s.step_order, s.parameter_schema`

func scanStep(row pgx.Row) (*Step, error) {
	var s Step
	var schema []byte
	if err := row.Scan(&s.ID, &s.WorkflowID, &s.SectionID, &s.Order, &schema); err != nil {
		return nil, err
	}
	if len(schema) > 0 {
		if err := json.Unmarshal(schema, &s.Schema); err != nil {
			return nil, fmt.Errorf("decode parameter schema of step %s: %w", s.ID, err)
		}
	}
	return &s, nil
}

func (r *repoPG) StepsForMethod(ctx context.Context, methodID uuid.UUID) ([]Step, error) {
	var wfID uuid.UUID
	if err := r.conn(ctx).QueryRow(ctx, `SELECT id FROM workflow WHERE method_id = $1`, methodID).Scan(&wfID); err != nil {
		return nil, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+stepCols+` FROM workflow_step s WHERE s.workflow_id = $1 AND s.retired_at IS NULL ORDER BY s.step_order`, wfID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var steps []Step
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, *s)
	}
	return steps, rows.Err()
}

func (r *repoPG) UpsertSection(ctx context.Context, s *Section) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO section (name, active) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET active = EXCLUDED.active
		RETURNING id, created_at`,
		s.Name, s.Active).Scan(&s.ID, &s.CreatedAt)
}

func (r *repoPG) UpsertMethod(ctx context.Context, m *Method) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO method (code, name) VALUES ($1, $2)
		ON CONFLICT (code) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, created_at`,
		m.Code, m.Name).Scan(&m.ID, &m.CreatedAt)
}

func (r *repoPG) ReplaceWorkflow(ctx context.Context, wf *Workflow, steps []Step) error {
	c := r.conn(ctx)
	if err := c.QueryRow(ctx, `
		INSERT INTO workflow (method_id, name) VALUES ($1, $2)
		ON CONFLICT (method_id) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, created_at`,
		wf.MethodID, wf.Name).Scan(&wf.ID, &wf.CreatedAt); err != nil {
		return err
	}
	for i := range steps {
		schema, err := json.Marshal(steps[i].Schema)
		if err != nil {
			return err
		}
		steps[i].WorkflowID = wf.ID
		if err := c.QueryRow(ctx, `
			INSERT INTO workflow_step (workflow_id, section_id, step_order, parameter_schema)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (workflow_id, step_order)
			DO UPDATE SET section_id = EXCLUDED.section_id, parameter_schema = EXCLUDED.parameter_schema,
			              retired_at = NULL
			RETURNING id`,
			wf.ID, steps[i].SectionID, steps[i].Order, schema).Scan(&steps[i].ID); err != nil {
			return err
		}
	}
	// Steps past the new end that stages still reference are retired so
	// their history survives; the rest are dropped.
	if _, err := c.Exec(ctx, `
		UPDATE workflow_step ws SET retired_at = NOW()
		WHERE ws.workflow_id = $1 AND ws.step_order > $2 AND ws.retired_at IS NULL
		  AND EXISTS (SELECT 1 FROM acceptance_item_state st WHERE st.step_id = ws.id)`,
		wf.ID, len(steps)); err != nil {
		return err
	}
	_, err := c.Exec(ctx, `
		DELETE FROM workflow_step ws
		WHERE ws.workflow_id = $1 AND ws.step_order > $2
		  AND NOT EXISTS (SELECT 1 FROM acceptance_item_state st WHERE st.step_id = ws.id)`,
		wf.ID, len(steps))
	return err
}

func (r *repoPG) ListSections(ctx context.Context) ([]*Section, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT id, name, active, created_at FROM section ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Section
	for rows.Next() {
		var s Section
		if err := rows.Scan(&s.ID, &s.Name, &s.Active, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}
