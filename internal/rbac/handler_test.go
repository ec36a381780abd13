package rbac

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/policy"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

const adminID int64 = 50

func newTestRouter(t *testing.T) (*fixture, http.Handler) {
	t.Helper()
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.service.SeedDefaults(ctx, actor)
	require.NoError(t, err)
	admin, err := f.store.RoleByCodename(ctx, "admin")
	require.NoError(t, err)
	f.assign(t, adminID, admin, nil, day(2020, 1, 1), nil)

	h := NewHandler(nil, f.service, audit.NewService(f.store.AuditLog()), Middleware{Resolver: f.resolver})
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if raw := req.Header.Get("X-Test-User"); raw != "" {
				id, _ := strconv.ParseInt(raw, 10, 64)
				req = req.WithContext(shared.ContextWithPrincipal(req.Context(), user(id)))
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Route("/access", h.MountRoutes)
	return f, r
}

func do(t *testing.T, h http.Handler, method, target string, userID int64, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&payload).Encode(body))
	}
	req := httptest.NewRequest(method, target, &payload)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != 0 {
		req.Header.Set("X-Test-User", strconv.FormatInt(userID, 10))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerAssignmentLifecycle(t *testing.T) {
	f, h := newTestRouter(t)
	ctx := context.Background()
	staff, err := f.store.RoleByCodename(ctx, "staff")
	require.NoError(t, err)

	rec := do(t, h, http.MethodPost, "/access/assignments", adminID, map[string]any{
		"user_id": 7, "role_id": staff.ID, "reason": "joined",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		ID     int64 `json:"id"`
		UserID int64 `json:"user_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, int64(7), created.UserID)

	rec = do(t, h, http.MethodGet, "/access/me/permissions", 7, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var mine struct {
		Permissions []string `json:"permissions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &mine))
	require.Contains(t, mine.Permissions, "read_evaluation")

	rec = do(t, h, http.MethodPost, "/access/assignments", 7, map[string]any{"user_id": 8, "role_id": staff.ID})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodDelete, fmt.Sprintf("/access/assignments/%d?reason=left", created.ID), adminID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, h, http.MethodDelete, fmt.Sprintf("/access/assignments/%d", created.ID), adminID, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	rec = do(t, h, http.MethodDelete, "/access/assignments/abc", adminID, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/access/me/permissions", 7, nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &mine))
	require.Empty(t, mine.Permissions)
}

func TestHandlerCheck(t *testing.T) {
	_, h := newTestRouter(t)

	rec := do(t, h, http.MethodPost, "/access/check", adminID, map[string]any{"codename": "assign_role"})
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Allowed bool `json:"allowed"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.True(t, out.Allowed)

	rec = do(t, h, http.MethodPost, "/access/check", 7, map[string]any{"codename": "assign_role", "user_id": adminID})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodPost, "/access/check", adminID, map[string]any{"codename": "assign_role", "user_id": 7})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.False(t, out.Allowed)

	rec = do(t, h, http.MethodPost, "/access/check", 0, map[string]any{"codename": "assign_role"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodPost, "/access/check", adminID, map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerOverridesAndAudit(t *testing.T) {
	f, h := newTestRouter(t)
	ctx := context.Background()
	perm, err := f.store.PermissionByCodename(ctx, "export_analytics")
	require.NoError(t, err)

	rec := do(t, h, http.MethodPost, "/access/overrides", adminID, map[string]any{
		"user_id": 9, "permission_id": perm.ID, "override_type": "grant", "reason": "quarter close",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		ID int64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = do(t, h, http.MethodPost, "/access/overrides", adminID, map[string]any{
		"user_id": 9, "permission_id": perm.ID, "override_type": "grant",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodDelete, fmt.Sprintf("/access/overrides/%d", created.ID), adminID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, http.MethodGet, "/access/audit?user_id=9&entity="+audit.EntityOverride, adminID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var timeline struct {
		Events []struct {
			Action string `json:"action"`
			Reason string `json:"reason"`
		} `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &timeline))
	require.Len(t, timeline.Events, 2)

	rec = do(t, h, http.MethodGet, "/access/audit", 9, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	rec = do(t, h, http.MethodGet, "/access/audit?from=yesterday", adminID, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerCatalogAndRoleRequests(t *testing.T) {
	f, h := newTestRouter(t)

	rec := do(t, h, http.MethodPost, "/access/roles", adminID, map[string]any{
		"name": "Mentor", "codename": "mentor", "role_type": "project", "is_requestable": true, "requires_approval": true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var role struct {
		ID int64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &role))

	rec = do(t, h, http.MethodPost, "/access/roles", adminID, map[string]any{"name": "Mentor", "codename": "mentor", "role_type": "project"})
	require.Equal(t, http.StatusConflict, rec.Code)

	perm, err := f.store.PermissionByCodename(context.Background(), "read_goal")
	require.NoError(t, err)
	rec = do(t, h, http.MethodPost, fmt.Sprintf("/access/roles/%d/permissions", role.ID), adminID, map[string]any{"permission_id": perm.ID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/access/role-requests", 11, map[string]any{"role_id": role.ID, "reason": "mentoring juniors"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var req struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &req))
	require.Equal(t, string(policy.RequestPending), req.Status)

	rec = do(t, h, http.MethodPost, fmt.Sprintf("/access/role-requests/%d/approve", req.ID), 11, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodPost, fmt.Sprintf("/access/role-requests/%d/approve", req.ID), adminID, map[string]any{"reason": "ok"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &req))
	require.Equal(t, string(policy.RequestApproved), req.Status)

	rec = do(t, h, http.MethodGet, "/access/roles", adminID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodGet, "/access/roles", 11, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodPost, "/access/rules", adminID, map[string]any{
		"name": "low score", "condition_type": "score_threshold", "condition_parameters": map[string]any{"threshold": 50},
		"action": "notify", "priority": 10,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = do(t, h, http.MethodGet, "/access/rules", adminID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "low score")
}

func TestHandlerGrantsStayWithinActorDepartment(t *testing.T) {
	f, h := newTestRouter(t)
	ctx := context.Background()
	admin, err := f.store.RoleByCodename(ctx, "admin")
	require.NoError(t, err)
	staff, err := f.store.RoleByCodename(ctx, "staff")
	require.NoError(t, err)
	perm, err := f.store.PermissionByCodename(ctx, "export_analytics")
	require.NoError(t, err)
	const deptAdmin int64 = 60
	f.assign(t, deptAdmin, admin, ptr(int64(5)), day(2020, 1, 1), nil)

	rec := do(t, h, http.MethodPost, "/access/assignments", deptAdmin, map[string]any{"user_id": deptAdmin, "role_id": admin.ID})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodPost, "/access/assignments?department_id=5", deptAdmin, map[string]any{"user_id": deptAdmin, "role_id": admin.ID})
	require.Equal(t, http.StatusForbidden, rec.Code)
	rec = do(t, h, http.MethodPost, "/access/assignments?department_id=5", deptAdmin, map[string]any{
		"user_id": 61, "role_id": staff.ID, "department_id": 6,
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.False(t, f.resolver.HasPermission(ctx, user(deptAdmin), Check{Codename: shared.PermConfigureSystem}))

	rec = do(t, h, http.MethodPost, "/access/assignments?department_id=5", deptAdmin, map[string]any{
		"user_id": 61, "role_id": staff.ID, "department_id": 5,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/access/overrides?department_id=5", deptAdmin, map[string]any{
		"user_id": 61, "permission_id": perm.ID, "override_type": "grant", "reason": "month end",
	})
	require.Equal(t, http.StatusForbidden, rec.Code)

	global := f.assign(t, 62, staff, nil, day(2020, 1, 1), nil)
	rec = do(t, h, http.MethodDelete, fmt.Sprintf("/access/assignments/%d?department_id=5", global.ID), deptAdmin, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	rec = do(t, h, http.MethodDelete, fmt.Sprintf("/access/assignments/%d", global.ID), adminID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
}
