package rbac

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-access/internal/policy"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

type failingReader struct {
	policy.Reader
}

func (failingReader) AssignmentsForUser(ctx context.Context, userID int64) ([]policy.AssignmentEntry, error) {
	return nil, errors.New("database unavailable")
}

func serve(t *testing.T, handler http.Handler, principal shared.Principal, target string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req = req.WithContext(shared.ContextWithPrincipal(req.Context(), principal))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec.Code
}

func TestMiddlewareRequireAnyAndAll(t *testing.T) {
	f := newFixture(t)
	read := f.permission(t, "read_goal", policy.ActionRead, policy.ResourceGoal, nil)
	f.permission(t, "delete_goal", policy.ActionDelete, policy.ResourceGoal, nil)
	approve := f.permission(t, "approve_goal", policy.ActionApprove, policy.ResourceGoal, nil)
	f.assign(t, 1, f.role(t, "reader", read), nil, day(2020, 1, 1), nil)
	dept := int64(4)
	f.assign(t, 1, f.role(t, "approver", approve), &dept, day(2020, 1, 1), nil)

	mw := Middleware{Resolver: f.resolver}
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	anyGate := mw.RequireAny("DELETE_GOAL", " read_goal ")(ok)
	require.Equal(t, http.StatusOK, serve(t, anyGate, user(1), "/"))
	require.Equal(t, http.StatusForbidden, serve(t, anyGate, user(2), "/"))
	require.Equal(t, http.StatusForbidden, serve(t, anyGate, shared.Principal{UserID: 1}, "/"))

	all := mw.RequireAll("read_goal", "delete_goal")(ok)
	require.Equal(t, http.StatusForbidden, serve(t, all, user(1), "/"))

	scoped := mw.RequireAll("read_goal", "approve_goal")(ok)
	require.Equal(t, http.StatusForbidden, serve(t, scoped, user(1), "/"))
	require.Equal(t, http.StatusOK, serve(t, scoped, user(1), "/?department_id=4"))
	require.Equal(t, http.StatusForbidden, serve(t, scoped, user(1), "/?department_id=5"))
	require.Equal(t, http.StatusBadRequest, serve(t, scoped, user(1), "/?department_id=abc"))

	open := mw.RequireAny()(ok)
	require.Equal(t, http.StatusOK, serve(t, open, shared.Principal{}, "/"))
}

func TestMiddlewareResolutionErrorIsForbidden(t *testing.T) {
	mw := Middleware{Resolver: NewResolver(failingReader{}, nil, nil)}
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	require.Equal(t, http.StatusForbidden, serve(t, mw.RequireAny("read_goal")(ok), user(1), "/"))
	require.Equal(t, http.StatusForbidden, serve(t, mw.RequireAll("read_goal")(ok), user(1), "/"))
}
