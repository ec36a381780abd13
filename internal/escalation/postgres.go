package escalation

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/platform/db"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists workflows in approval_workflows and approval_steps.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore constructs a store over the pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id int64) (Workflow, error) {
	return loadWorkflow(ctx, s.pool, `WHERE id = $1`, id)
}

// ByEvaluation implements Store.
func (s *PostgresStore) ByEvaluation(ctx context.Context, evaluationID int64) (Workflow, error) {
	return loadWorkflow(ctx, s.pool, `WHERE evaluation_id = $1`, evaluationID)
}

// WithTx implements Store.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(context.Context, Tx) error) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgTx{q: tx})
	})
}

const workflowColumns = `id, evaluation_id, employee_id, department_id, state, requires_improvement_plan, applied_rules, version, created_at, updated_at`

func loadWorkflow(ctx context.Context, q querier, where string, arg int64) (Workflow, error) {
	var (
		wf    Workflow
		dept  pgtype.Int8
		state string
	)
	err := q.QueryRow(ctx, `SELECT `+workflowColumns+` FROM approval_workflows `+where, arg).Scan(
		&wf.ID, &wf.EvaluationID, &wf.EmployeeID, &dept, &state,
		&wf.RequiresImprovementPlan, &wf.AppliedRules, &wf.Version, &wf.CreatedAt, &wf.UpdatedAt,
	)
	if err != nil {
		return Workflow{}, mapErr(err)
	}
	if dept.Valid {
		wf.DepartmentID = &dept.Int64
	}
	wf.State = State(state)
	steps, err := loadSteps(ctx, q, wf.ID)
	if err != nil {
		return Workflow{}, err
	}
	wf.Steps = steps
	return wf, nil
}

func loadSteps(ctx context.Context, q querier, workflowID int64) ([]Step, error) {
	rows, err := q.Query(ctx, `SELECT id, level, label, approver_id, status, source_rule_id, decided_at, comment
FROM approval_steps WHERE workflow_id = $1 ORDER BY level`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("escalation: load steps: %w", err)
	}
	defer rows.Close()
	var steps []Step
	for rows.Next() {
		var (
			s       Step
			status  string
			rule    pgtype.Int8
			decided pgtype.Timestamptz
		)
		if err := rows.Scan(&s.ID, &s.Level, &s.Label, &s.ApproverID, &status, &rule, &decided, &s.Comment); err != nil {
			return nil, err
		}
		s.Status = StepStatus(status)
		if rule.Valid {
			s.SourceRuleID = &rule.Int64
		}
		if decided.Valid {
			t := decided.Time
			s.DecidedAt = &t
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

type pgTx struct {
	q pgx.Tx
}

func (tx *pgTx) Create(ctx context.Context, wf Workflow) (Workflow, error) {
	applied := wf.AppliedRules
	if applied == nil {
		applied = []int64{}
	}
	err := tx.q.QueryRow(ctx, `INSERT INTO approval_workflows
    (evaluation_id, employee_id, department_id, state, requires_improvement_plan, applied_rules, version)
VALUES ($1, $2, $3, $4, $5, $6, 1)
RETURNING id, version, created_at, updated_at`,
		wf.EvaluationID, wf.EmployeeID, wf.DepartmentID, string(wf.State), wf.RequiresImprovementPlan, applied,
	).Scan(&wf.ID, &wf.Version, &wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		return Workflow{}, mapErr(err)
	}
	if err := tx.writeSteps(ctx, &wf); err != nil {
		return Workflow{}, err
	}
	return wf, nil
}

func (tx *pgTx) Save(ctx context.Context, wf Workflow) (Workflow, error) {
	applied := wf.AppliedRules
	if applied == nil {
		applied = []int64{}
	}
	err := tx.q.QueryRow(ctx, `UPDATE approval_workflows
SET state = $3, requires_improvement_plan = $4, applied_rules = $5, version = version + 1, updated_at = NOW()
WHERE id = $1 AND version = $2
RETURNING version, updated_at`,
		wf.ID, wf.Version, string(wf.State), wf.RequiresImprovementPlan, applied,
	).Scan(&wf.Version, &wf.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Workflow{}, ErrVersionConflict
	}
	if err != nil {
		return Workflow{}, mapErr(err)
	}
	if _, err := tx.q.Exec(ctx, `DELETE FROM approval_steps WHERE workflow_id = $1`, wf.ID); err != nil {
		return Workflow{}, fmt.Errorf("escalation: clear steps: %w", err)
	}
	if err := tx.writeSteps(ctx, &wf); err != nil {
		return Workflow{}, err
	}
	return wf, nil
}

func (tx *pgTx) writeSteps(ctx context.Context, wf *Workflow) error {
	for i := range wf.Steps {
		s := &wf.Steps[i]
		err := tx.q.QueryRow(ctx, `INSERT INTO approval_steps
    (workflow_id, level, label, approver_id, status, source_rule_id, decided_at, comment)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id`,
			wf.ID, s.Level, s.Label, s.ApproverID, string(s.Status), s.SourceRuleID, s.DecidedAt, s.Comment,
		).Scan(&s.ID)
		if err != nil {
			return fmt.Errorf("escalation: write step %d: %w", s.Level, err)
		}
	}
	return nil
}

func (tx *pgTx) Recorder() audit.Recorder {
	return audit.NewPostgresRecorder(tx.q)
}

func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrVersionConflict
	}
	return err
}
