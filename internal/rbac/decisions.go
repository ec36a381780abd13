package rbac

import (
	"context"
	"log/slog"
	"time"

	"github.com/odyssey-erp/odyssey-access/internal/policy"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// Check describes a single authorization question.
type Check struct {
	Codename     string
	ResourceType string
	ResourceID   string
	DepartmentID *int64
	// At defaults to now.
	At time.Time
}

// Decide answers check. Errors are returned alongside a false decision.
func (r *Resolver) Decide(ctx context.Context, principal shared.Principal, check Check) (bool, error) {
	set, err := r.Resolve(ctx, principal, check.At, policy.Context{DepartmentID: check.DepartmentID})
	if err != nil {
		r.metrics.Decision("error")
		return false, err
	}
	allowed := set.Allows(check.Codename, check.ResourceType, check.ResourceID)
	if allowed {
		r.metrics.Decision("allow")
	} else {
		r.metrics.Decision("deny")
	}
	return allowed, nil
}

// HasPermission is the fail-closed projection of Decide: any error denies.
func (r *Resolver) HasPermission(ctx context.Context, principal shared.Principal, check Check) bool {
	allowed, err := r.Decide(ctx, principal, check)
	if err != nil {
		r.logger.Warn("permission check failed closed",
			slog.Int64("user_id", principal.UserID),
			slog.String("permission", check.Codename),
			slog.Any("error", err),
		)
		return false
	}
	return allowed
}

// HasAnyPermission reports whether at least one codename is allowed.
func (r *Resolver) HasAnyPermission(ctx context.Context, principal shared.Principal, department *int64, codenames ...string) bool {
	set, err := r.Resolve(ctx, principal, time.Time{}, policy.Context{DepartmentID: department})
	if err != nil {
		r.metrics.Decision("error")
		return false
	}
	for _, c := range codenames {
		if set.Allows(c, "", "") {
			r.metrics.Decision("allow")
			return true
		}
	}
	r.metrics.Decision("deny")
	return false
}

// HasAllPermissions reports whether every codename is allowed. An empty list
// is allowed.
func (r *Resolver) HasAllPermissions(ctx context.Context, principal shared.Principal, department *int64, codenames ...string) bool {
	set, err := r.Resolve(ctx, principal, time.Time{}, policy.Context{DepartmentID: department})
	if err != nil {
		r.metrics.Decision("error")
		return false
	}
	for _, c := range codenames {
		if !set.Allows(c, "", "") {
			r.metrics.Decision("deny")
			return false
		}
	}
	r.metrics.Decision("allow")
	return true
}

// FilterByPermission keeps the items the principal may act on. When the
// permission holds outside any department every item is kept; otherwise each
// item is checked in its own department and items without one are dropped.
func FilterByPermission[T any](ctx context.Context, r *Resolver, principal shared.Principal, items []T, resourceType policy.ResourceType, action policy.Action, department func(T) *int64) []T {
	if len(items) == 0 || !principal.Authenticated {
		return nil
	}
	codename := policy.Codename(action, resourceType)
	if r.HasPermission(ctx, principal, Check{Codename: codename, ResourceType: string(resourceType)}) {
		return items
	}
	decisions := make(map[int64]bool)
	out := make([]T, 0, len(items))
	for _, item := range items {
		dept := department(item)
		if dept == nil {
			continue
		}
		allowed, seen := decisions[*dept]
		if !seen {
			allowed = r.HasPermission(ctx, principal, Check{Codename: codename, ResourceType: string(resourceType), DepartmentID: dept})
			decisions[*dept] = allowed
		}
		if allowed {
			out = append(out, item)
		}
	}
	return out
}
