package rbac

import (
	"net/http"
	"strconv"
	"strings"

	"log/slog"

	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/policy"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// DepartmentParam is the query parameter naming the request department.
const DepartmentParam = "department_id"

// Middleware wires RBAC authorization helpers for HTTP handlers. Every denial
// and every resolution error surfaces as 403.
type Middleware struct {
	Resolver *Resolver
	Logger   *slog.Logger
}

// RequireAny ensures the current user has at least one of the required permissions.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	normalized := normalizePermissions(perms)
	return m.gate("rbac require any", normalized, func(set PermissionSet) bool {
		return hasAnyPermission(set, normalized)
	})
}

// RequireAll ensures the current user has all required permissions.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	normalized := normalizePermissions(perms)
	return m.gate("rbac require all", normalized, func(set PermissionSet) bool {
		return hasAllPermissions(set, normalized)
	})
}

func (m Middleware) gate(op string, required []string, allowed func(PermissionSet) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(required) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			principal := shared.PrincipalFromContext(r.Context())
			if !principal.Authenticated {
				forbid(w)
				return
			}
			department, ok := departmentFromRequest(r)
			if !ok {
				httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid "+DepartmentParam)
				return
			}
			set, err := m.Resolver.Resolve(r.Context(), principal, m.Resolver.now(), policy.Context{DepartmentID: department})
			if err != nil {
				m.Resolver.metrics.Decision("error")
				if m.Logger != nil {
					m.Logger.Error(op, slog.Int64("user_id", principal.UserID), slog.Any("error", err))
				}
				forbid(w)
				return
			}
			if allowed(set) {
				m.Resolver.metrics.Decision("allow")
				next.ServeHTTP(w, r)
				return
			}
			m.Resolver.metrics.Decision("deny")
			forbid(w)
		})
	}
}

func forbid(w http.ResponseWriter) {
	httpx.Problem(w, http.StatusForbidden, "Forbidden", http.StatusText(http.StatusForbidden))
}

// departmentFromRequest reads the optional department query parameter.
func departmentFromRequest(r *http.Request) (*int64, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(DepartmentParam))
	if raw == "" {
		return nil, true
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return nil, false
	}
	return &id, true
}

func normalizePermissions(perms []string) []string {
	unique := make(map[string]struct{}, len(perms))
	normalized := make([]string, 0, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		if _, seen := unique[p]; seen {
			continue
		}
		unique[p] = struct{}{}
		normalized = append(normalized, p)
	}
	return normalized
}

func hasAnyPermission(set PermissionSet, required []string) bool {
	if len(required) == 0 {
		return true
	}
	for _, r := range required {
		if set.Allows(r, "", "") {
			return true
		}
	}
	return false
}

func hasAllPermissions(set PermissionSet, required []string) bool {
	for _, r := range required {
		if !set.Allows(r, "", "") {
			return false
		}
	}
	return true
}
