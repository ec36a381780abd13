package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

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

// PostgresStore provides PostgreSQL backed persistence.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore constructs a store over the pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// WithTx wraps fn in a repeatable-read transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(context.Context, Tx) error) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgTx{q: tx})
	})
}

const (
	permissionColumns = `p.id, p.codename, p.name, p.description, p.action, p.resource_type, p.department_scope, p.created_at`
	roleColumns       = `r.id, r.name, r.codename, r.description, r.role_type, r.is_requestable, r.requires_approval, r.max_duration_seconds, r.created_at`
	assignmentColumns = `a.id, a.user_id, a.role_id, a.department_id, a.start_time, a.end_time, a.conditions, a.is_active, a.assigned_by, a.reason, a.created_at`
	overrideColumns   = `o.id, o.user_id, o.permission_id, o.override_type, o.start_time, o.end_time, o.is_active, o.reason, o.granted_by, o.created_at`
	bindingColumns    = `b.id, b.role_id, b.permission_id, b.conditions, b.is_active, b.created_at`
	ruleColumns       = `id, name, condition_type, condition_parameters, action, action_parameters, priority, is_active, created_at`
	requestColumns    = `id, user_id, role_id, department_id, start_time, end_time, reason, status, decided_by, decided_at, assignment_id, created_at`
)

// AssignmentsForUser implements Reader.
func (s *PostgresStore) AssignmentsForUser(ctx context.Context, userID int64) ([]AssignmentEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+assignmentColumns+`, `+roleColumns+`
FROM access_user_roles a LEFT JOIN access_roles r ON r.id = a.role_id
WHERE a.user_id = $1 AND a.is_active ORDER BY a.id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AssignmentEntry
	for rows.Next() {
		var (
			entry AssignmentEntry
			role  nullableRole
			conds []byte
		)
		a := &entry.UserRoleAssignment
		if err := rows.Scan(&a.ID, &a.UserID, &a.RoleID, &a.DepartmentID, &a.StartTime, &a.EndTime, &conds, &a.IsActive, &a.AssignedBy, &a.Reason, &a.CreatedAt,
			&role.ID, &role.Name, &role.Codename, &role.Description, &role.RoleType, &role.IsRequestable, &role.RequiresApproval, &role.MaxDurationSeconds, &role.CreatedAt); err != nil {
			return nil, err
		}
		if a.Conditions, err = ParseConditions(conds); err != nil {
			return nil, err
		}
		entry.Role = role.toRole()
		out = append(out, entry)
	}
	return out, rows.Err()
}

// OverridesForUser implements Reader.
func (s *PostgresStore) OverridesForUser(ctx context.Context, userID int64) ([]OverrideEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+overrideColumns+`, `+permissionColumns+`
FROM access_permission_overrides o LEFT JOIN access_permissions p ON p.id = o.permission_id
WHERE o.user_id = $1 AND o.is_active ORDER BY o.id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []OverrideEntry
	for rows.Next() {
		var (
			entry OverrideEntry
			perm  nullablePermission
			kind  string
		)
		o := &entry.PermissionOverride
		if err := rows.Scan(&o.ID, &o.UserID, &o.PermissionID, &kind, &o.StartTime, &o.EndTime, &o.IsActive, &o.Reason, &o.GrantedBy, &o.CreatedAt,
			&perm.ID, &perm.Codename, &perm.Name, &perm.Description, &perm.Action, &perm.ResourceType, &perm.DepartmentScope, &perm.CreatedAt); err != nil {
			return nil, err
		}
		o.OverrideType = OverrideType(kind)
		entry.Permission = perm.toPermission()
		out = append(out, entry)
	}
	return out, rows.Err()
}

// Bindings implements Reader.
func (s *PostgresStore) Bindings(ctx context.Context, roleID int64) ([]Binding, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+bindingColumns+`, `+permissionColumns+`
FROM access_role_permissions b LEFT JOIN access_permissions p ON p.id = b.permission_id
WHERE b.role_id = $1 AND b.is_active ORDER BY b.id`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Binding
	for rows.Next() {
		var (
			entry Binding
			perm  nullablePermission
			conds []byte
		)
		b := &entry.RolePermission
		if err := rows.Scan(&b.ID, &b.RoleID, &b.PermissionID, &conds, &b.IsActive, &b.CreatedAt,
			&perm.ID, &perm.Codename, &perm.Name, &perm.Description, &perm.Action, &perm.ResourceType, &perm.DepartmentScope, &perm.CreatedAt); err != nil {
			return nil, err
		}
		if b.Conditions, err = ParseConditions(conds); err != nil {
			return nil, err
		}
		entry.Permission = perm.toPermission()
		out = append(out, entry)
	}
	return out, rows.Err()
}

// GetRole implements Reader.
func (s *PostgresStore) GetRole(ctx context.Context, id int64) (Role, error) {
	return scanRole(s.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM access_roles r WHERE r.id = $1`, id))
}

// RoleByCodename implements Reader.
func (s *PostgresStore) RoleByCodename(ctx context.Context, codename string) (Role, error) {
	return scanRole(s.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM access_roles r WHERE r.codename = $1`, codename))
}

// GetPermission implements Reader.
func (s *PostgresStore) GetPermission(ctx context.Context, id int64) (Permission, error) {
	return scanPermission(s.pool.QueryRow(ctx, `SELECT `+permissionColumns+` FROM access_permissions p WHERE p.id = $1`, id))
}

// PermissionByCodename implements Reader.
func (s *PostgresStore) PermissionByCodename(ctx context.Context, codename string) (Permission, error) {
	return scanPermission(s.pool.QueryRow(ctx, `SELECT `+permissionColumns+` FROM access_permissions p WHERE p.codename = $1`, codename))
}

// GetAssignment implements Reader.
func (s *PostgresStore) GetAssignment(ctx context.Context, id int64) (UserRoleAssignment, error) {
	return scanAssignment(s.pool.QueryRow(ctx, `SELECT `+assignmentColumns+` FROM access_user_roles a WHERE a.id = $1`, id))
}

// GetOverride implements Reader.
func (s *PostgresStore) GetOverride(ctx context.Context, id int64) (PermissionOverride, error) {
	return scanOverride(s.pool.QueryRow(ctx, `SELECT `+overrideColumns+` FROM access_permission_overrides o WHERE o.id = $1`, id))
}

// GetRoleRequest implements Reader.
func (s *PostgresStore) GetRoleRequest(ctx context.Context, id int64) (RoleRequest, error) {
	return scanRoleRequest(s.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM access_role_requests WHERE id = $1`, id))
}

// ListRoles implements Reader.
func (s *PostgresStore) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+roleColumns+` FROM access_roles r ORDER BY r.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// ListPermissions implements Reader.
func (s *PostgresStore) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+permissionColumns+` FROM access_permissions p ORDER BY p.codename`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		perm, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		perms = append(perms, perm)
	}
	return perms, rows.Err()
}

// ActiveRules implements Reader.
func (s *PostgresStore) ActiveRules(ctx context.Context) ([]ConditionalRule, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+ruleColumns+` FROM access_conditional_rules WHERE is_active ORDER BY priority, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rules []ConditionalRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

type pgTx struct {
	q querier
}

func (tx *pgTx) CreatePermission(ctx context.Context, p Permission) (Permission, error) {
	row := tx.q.QueryRow(ctx, `INSERT INTO access_permissions AS p (codename, name, description, action, resource_type, department_scope)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING `+permissionColumns,
		p.Codename, p.Name, p.Description, string(p.Action), string(p.ResourceType), p.DepartmentScope)
	return scanPermission(row)
}

func (tx *pgTx) CreateRole(ctx context.Context, r Role) (Role, error) {
	var maxSeconds *int64
	if r.MaxDuration != nil {
		secs := int64(r.MaxDuration.Seconds())
		maxSeconds = &secs
	}
	row := tx.q.QueryRow(ctx, `INSERT INTO access_roles AS r (name, codename, description, role_type, is_requestable, requires_approval, max_duration_seconds)
VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING `+roleColumns,
		r.Name, r.Codename, r.Description, string(r.RoleType), r.IsRequestable, r.RequiresApproval, maxSeconds)
	return scanRole(row)
}

func (tx *pgTx) UpsertBinding(ctx context.Context, b RolePermission) (RolePermission, error) {
	conds, err := b.Conditions.JSON()
	if err != nil {
		return RolePermission{}, err
	}
	row := tx.q.QueryRow(ctx, `INSERT INTO access_role_permissions AS b (role_id, permission_id, conditions, is_active)
VALUES ($1, $2, $3, TRUE)
ON CONFLICT (role_id, permission_id) DO UPDATE SET conditions = EXCLUDED.conditions, is_active = TRUE
RETURNING `+bindingColumns, b.RoleID, b.PermissionID, conds)
	return scanBinding(row)
}

func (tx *pgTx) DeactivateBinding(ctx context.Context, roleID, permissionID int64) (RolePermission, error) {
	row := tx.q.QueryRow(ctx, `UPDATE access_role_permissions AS b SET is_active = FALSE
WHERE b.role_id = $1 AND b.permission_id = $2 AND b.is_active RETURNING `+bindingColumns, roleID, permissionID)
	b, err := scanBinding(row)
	if err != nil {
		return RolePermission{}, tx.skipped(ctx, err, `SELECT EXISTS (SELECT 1 FROM access_role_permissions WHERE role_id = $1 AND permission_id = $2)`, roleID, permissionID)
	}
	return b, nil
}

func (tx *pgTx) CreateAssignment(ctx context.Context, a UserRoleAssignment) (UserRoleAssignment, error) {
	conds, err := a.Conditions.JSON()
	if err != nil {
		return UserRoleAssignment{}, err
	}
	row := tx.q.QueryRow(ctx, `INSERT INTO access_user_roles AS a (user_id, role_id, department_id, start_time, end_time, conditions, is_active, assigned_by, reason)
VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7, $8) RETURNING `+assignmentColumns,
		a.UserID, a.RoleID, a.DepartmentID, a.StartTime, a.EndTime, conds, a.AssignedBy, a.Reason)
	return scanAssignment(row)
}

func (tx *pgTx) DeactivateAssignment(ctx context.Context, id int64) (UserRoleAssignment, error) {
	row := tx.q.QueryRow(ctx, `UPDATE access_user_roles AS a SET is_active = FALSE
WHERE a.id = $1 AND a.is_active RETURNING `+assignmentColumns, id)
	a, err := scanAssignment(row)
	if err != nil {
		return UserRoleAssignment{}, tx.skipped(ctx, err, `SELECT EXISTS (SELECT 1 FROM access_user_roles WHERE id = $1)`, id)
	}
	return a, nil
}

func (tx *pgTx) CreateOverride(ctx context.Context, o PermissionOverride) (PermissionOverride, error) {
	row := tx.q.QueryRow(ctx, `INSERT INTO access_permission_overrides AS o (user_id, permission_id, override_type, start_time, end_time, is_active, reason, granted_by)
VALUES ($1, $2, $3, $4, $5, TRUE, $6, $7) RETURNING `+overrideColumns,
		o.UserID, o.PermissionID, string(o.OverrideType), o.StartTime, o.EndTime, o.Reason, o.GrantedBy)
	return scanOverride(row)
}

func (tx *pgTx) DeactivateOverride(ctx context.Context, id int64) (PermissionOverride, error) {
	row := tx.q.QueryRow(ctx, `UPDATE access_permission_overrides AS o SET is_active = FALSE
WHERE o.id = $1 AND o.is_active RETURNING `+overrideColumns, id)
	o, err := scanOverride(row)
	if err != nil {
		return PermissionOverride{}, tx.skipped(ctx, err, `SELECT EXISTS (SELECT 1 FROM access_permission_overrides WHERE id = $1)`, id)
	}
	return o, nil
}

func (tx *pgTx) CreateRule(ctx context.Context, r ConditionalRule) (ConditionalRule, error) {
	condParams, err := json.Marshal(r.ConditionParameters)
	if err != nil {
		return ConditionalRule{}, err
	}
	actionParams, err := json.Marshal(r.ActionParameters)
	if err != nil {
		return ConditionalRule{}, err
	}
	row := tx.q.QueryRow(ctx, `INSERT INTO access_conditional_rules (name, condition_type, condition_parameters, action, action_parameters, priority, is_active)
VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING `+ruleColumns,
		r.Name, string(r.ConditionType), condParams, string(r.Action), actionParams, r.Priority, r.IsActive)
	return scanRule(row)
}

func (tx *pgTx) CreateRoleRequest(ctx context.Context, r RoleRequest) (RoleRequest, error) {
	row := tx.q.QueryRow(ctx, `INSERT INTO access_role_requests (user_id, role_id, department_id, start_time, end_time, reason, status, decided_by, assignment_id)
VALUES ($1, $2, $3, $4, $5, $6, 'pending', 0, 0) RETURNING `+requestColumns,
		r.UserID, r.RoleID, r.DepartmentID, r.StartTime, r.EndTime, r.Reason)
	return scanRoleRequest(row)
}

func (tx *pgTx) DecideRoleRequest(ctx context.Context, id int64, status RequestStatus, decidedBy int64, at time.Time, assignmentID int64) (RoleRequest, error) {
	row := tx.q.QueryRow(ctx, `UPDATE access_role_requests SET status = $2, decided_by = $3, decided_at = $4, assignment_id = $5
WHERE id = $1 AND status = 'pending' RETURNING `+requestColumns, id, string(status), decidedBy, at, assignmentID)
	r, err := scanRoleRequest(row)
	if err != nil {
		return RoleRequest{}, tx.skipped(ctx, err, `SELECT EXISTS (SELECT 1 FROM access_role_requests WHERE id = $1)`, id)
	}
	return r, nil
}

// skipped tells a missing row from one a guarded UPDATE left alone because it
// was no longer active or pending.
func (tx *pgTx) skipped(ctx context.Context, err error, exists string, args ...any) error {
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	var found bool
	if qerr := tx.q.QueryRow(ctx, exists, args...).Scan(&found); qerr != nil {
		return mapErr(qerr)
	}
	if found {
		return ErrInactive
	}
	return ErrNotFound
}

func (tx *pgTx) Recorder() audit.Recorder {
	return audit.NewPostgresRecorder(tx.q)
}

func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return ErrDuplicate
		case "23503":
			return ErrNotFound
		}
	}
	return err
}

func scanPermission(row pgx.Row) (Permission, error) {
	var (
		p             Permission
		action, rtype string
	)
	if err := row.Scan(&p.ID, &p.Codename, &p.Name, &p.Description, &action, &rtype, &p.DepartmentScope, &p.CreatedAt); err != nil {
		return Permission{}, mapErr(err)
	}
	p.Action = Action(action)
	p.ResourceType = ResourceType(rtype)
	return p, nil
}

func scanRole(row pgx.Row) (Role, error) {
	var (
		r          Role
		rtype      string
		maxSeconds *int64
	)
	if err := row.Scan(&r.ID, &r.Name, &r.Codename, &r.Description, &rtype, &r.IsRequestable, &r.RequiresApproval, &maxSeconds, &r.CreatedAt); err != nil {
		return Role{}, mapErr(err)
	}
	r.RoleType = RoleType(rtype)
	if maxSeconds != nil {
		d := time.Duration(*maxSeconds) * time.Second
		r.MaxDuration = &d
	}
	return r, nil
}

func scanBinding(row pgx.Row) (RolePermission, error) {
	var (
		b     RolePermission
		conds []byte
	)
	if err := row.Scan(&b.ID, &b.RoleID, &b.PermissionID, &conds, &b.IsActive, &b.CreatedAt); err != nil {
		return RolePermission{}, mapErr(err)
	}
	var err error
	b.Conditions, err = ParseConditions(conds)
	return b, err
}

func scanAssignment(row pgx.Row) (UserRoleAssignment, error) {
	var (
		a     UserRoleAssignment
		conds []byte
	)
	if err := row.Scan(&a.ID, &a.UserID, &a.RoleID, &a.DepartmentID, &a.StartTime, &a.EndTime, &conds, &a.IsActive, &a.AssignedBy, &a.Reason, &a.CreatedAt); err != nil {
		return UserRoleAssignment{}, mapErr(err)
	}
	var err error
	a.Conditions, err = ParseConditions(conds)
	return a, err
}

func scanOverride(row pgx.Row) (PermissionOverride, error) {
	var (
		o    PermissionOverride
		kind string
	)
	if err := row.Scan(&o.ID, &o.UserID, &o.PermissionID, &kind, &o.StartTime, &o.EndTime, &o.IsActive, &o.Reason, &o.GrantedBy, &o.CreatedAt); err != nil {
		return PermissionOverride{}, mapErr(err)
	}
	o.OverrideType = OverrideType(kind)
	return o, nil
}

func scanRule(row pgx.Row) (ConditionalRule, error) {
	var (
		r                        ConditionalRule
		ctype, action            string
		condParams, actionParams []byte
	)
	if err := row.Scan(&r.ID, &r.Name, &ctype, &condParams, &action, &actionParams, &r.Priority, &r.IsActive, &r.CreatedAt); err != nil {
		return ConditionalRule{}, mapErr(err)
	}
	r.ConditionType = ConditionType(ctype)
	r.Action = RuleAction(action)
	if err := json.Unmarshal(condParams, &r.ConditionParameters); err != nil {
		return ConditionalRule{}, fmt.Errorf("policy: decode rule %d condition parameters: %w", r.ID, err)
	}
	if err := json.Unmarshal(actionParams, &r.ActionParameters); err != nil {
		return ConditionalRule{}, fmt.Errorf("policy: decode rule %d action parameters: %w", r.ID, err)
	}
	return r, nil
}

func scanRoleRequest(row pgx.Row) (RoleRequest, error) {
	var (
		r         RoleRequest
		status    string
		decidedAt pgtype.Timestamptz
	)
	if err := row.Scan(&r.ID, &r.UserID, &r.RoleID, &r.DepartmentID, &r.StartTime, &r.EndTime, &r.Reason, &status, &r.DecidedBy, &decidedAt, &r.AssignmentID, &r.CreatedAt); err != nil {
		return RoleRequest{}, mapErr(err)
	}
	r.Status = RequestStatus(status)
	if decidedAt.Valid {
		t := decidedAt.Time
		r.DecidedAt = &t
	}
	return r, nil
}

type nullableRole struct {
	ID                 pgtype.Int8
	Name               pgtype.Text
	Codename           pgtype.Text
	Description        pgtype.Text
	RoleType           pgtype.Text
	IsRequestable      pgtype.Bool
	RequiresApproval   pgtype.Bool
	MaxDurationSeconds pgtype.Int8
	CreatedAt          pgtype.Timestamptz
}

func (n nullableRole) toRole() *Role {
	if !n.ID.Valid {
		return nil
	}
	r := &Role{
		ID:               n.ID.Int64,
		Name:             n.Name.String,
		Codename:         n.Codename.String,
		Description:      n.Description.String,
		RoleType:         RoleType(n.RoleType.String),
		IsRequestable:    n.IsRequestable.Bool,
		RequiresApproval: n.RequiresApproval.Bool,
		CreatedAt:        n.CreatedAt.Time,
	}
	if n.MaxDurationSeconds.Valid {
		d := time.Duration(n.MaxDurationSeconds.Int64) * time.Second
		r.MaxDuration = &d
	}
	return r
}

type nullablePermission struct {
	ID              pgtype.Int8
	Codename        pgtype.Text
	Name            pgtype.Text
	Description     pgtype.Text
	Action          pgtype.Text
	ResourceType    pgtype.Text
	DepartmentScope *int64
	CreatedAt       pgtype.Timestamptz
}

func (n nullablePermission) toPermission() *Permission {
	if !n.ID.Valid {
		return nil
	}
	return &Permission{
		ID:              n.ID.Int64,
		Codename:        n.Codename.String,
		Name:            n.Name.String,
		Description:     n.Description.String,
		Action:          Action(n.Action.String),
		ResourceType:    ResourceType(n.ResourceType.String),
		DepartmentScope: n.DepartmentScope,
		CreatedAt:       n.CreatedAt.Time,
	}
}
