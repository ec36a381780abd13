package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
)

var (
	// ErrNotFound indicates that the requested record does not exist.
	ErrNotFound = errors.New("policy: not found")
	// ErrDuplicate indicates a unique codename or binding collision.
	ErrDuplicate = errors.New("policy: duplicate")
	// ErrInactive indicates the record was already deactivated.
	ErrInactive = errors.New("policy: already inactive")
)

// InconsistencyError describes a reference to a record that no longer exists.
// The resolver treats it as a denial and logs it; it is never fatal.
type InconsistencyError struct {
	UserID       int64
	RoleID       int64
	PermissionID int64
	Detail       string
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("policy: inconsistent data (user=%d role=%d permission=%d): %s", e.UserID, e.RoleID, e.PermissionID, e.Detail)
}

// AssignmentEntry is an assignment joined with its role. Role is nil when the
// role row is missing.
type AssignmentEntry struct {
	UserRoleAssignment
	Role *Role
}

// OverrideEntry is an override joined with its permission. Permission is nil
// when the permission row is missing.
type OverrideEntry struct {
	PermissionOverride
	Permission *Permission
}

// Reader is the read side of the policy store.
type Reader interface {
	// AssignmentsForUser returns the user's active assignments regardless of window.
	AssignmentsForUser(ctx context.Context, userID int64) ([]AssignmentEntry, error)
	// OverridesForUser returns the user's active overrides regardless of window.
	OverridesForUser(ctx context.Context, userID int64) ([]OverrideEntry, error)
	// Bindings returns the active bindings of a role.
	Bindings(ctx context.Context, roleID int64) ([]Binding, error)
	GetRole(ctx context.Context, id int64) (Role, error)
	RoleByCodename(ctx context.Context, codename string) (Role, error)
	GetPermission(ctx context.Context, id int64) (Permission, error)
	PermissionByCodename(ctx context.Context, codename string) (Permission, error)
	GetAssignment(ctx context.Context, id int64) (UserRoleAssignment, error)
	GetOverride(ctx context.Context, id int64) (PermissionOverride, error)
	GetRoleRequest(ctx context.Context, id int64) (RoleRequest, error)
	ListRoles(ctx context.Context) ([]Role, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	ActiveRules(ctx context.Context) ([]ConditionalRule, error)
}

// Tx exposes the write operations available inside a transaction. Every
// mutation is paired with an audit record written through Recorder; if the
// record fails the transaction is rolled back.
type Tx interface {
	CreatePermission(ctx context.Context, p Permission) (Permission, error)
	CreateRole(ctx context.Context, r Role) (Role, error)
	UpsertBinding(ctx context.Context, b RolePermission) (RolePermission, error)
	DeactivateBinding(ctx context.Context, roleID, permissionID int64) (RolePermission, error)
	CreateAssignment(ctx context.Context, a UserRoleAssignment) (UserRoleAssignment, error)
	DeactivateAssignment(ctx context.Context, id int64) (UserRoleAssignment, error)
	CreateOverride(ctx context.Context, o PermissionOverride) (PermissionOverride, error)
	DeactivateOverride(ctx context.Context, id int64) (PermissionOverride, error)
	CreateRule(ctx context.Context, r ConditionalRule) (ConditionalRule, error)
	CreateRoleRequest(ctx context.Context, r RoleRequest) (RoleRequest, error)
	DecideRoleRequest(ctx context.Context, id int64, status RequestStatus, decidedBy int64, at time.Time, assignmentID int64) (RoleRequest, error)
	Recorder() audit.Recorder
}

// Store is the durable owner of policy records.
type Store interface {
	Reader
	WithTx(ctx context.Context, fn func(context.Context, Tx) error) error
}
