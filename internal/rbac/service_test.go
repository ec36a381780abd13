package rbac

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/permcache"
	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/policy"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

func TestAssignRoleClampsToMaxDuration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	week := 7 * 24 * time.Hour
	r, err := f.service.CreateRole(ctx, actor, RoleInput{Name: "Acting", Codename: "acting", RoleType: policy.RoleTemporary, MaxDuration: &week})
	require.NoError(t, err)

	start := day(2024, 1, 1)
	open, err := f.service.AssignRole(ctx, actor, AssignmentInput{UserID: 1, RoleID: r.ID, StartTime: start})
	require.NoError(t, err)
	require.NotNil(t, open.EndTime)
	require.Equal(t, start.Add(week), *open.EndTime)

	short := start.Add(24 * time.Hour)
	within, err := f.service.AssignRole(ctx, actor, AssignmentInput{UserID: 2, RoleID: r.ID, StartTime: start, EndTime: &short})
	require.NoError(t, err)
	require.Equal(t, short, *within.EndTime)
}

func TestMutationInputValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.permission(t, "read_goal", policy.ActionRead, policy.ResourceGoal, nil)
	r := f.role(t, "reader", p)

	_, err := f.service.AssignRole(ctx, actor, AssignmentInput{RoleID: r.ID})
	require.ErrorIs(t, err, httpx.ErrValidation)

	end := day(2023, 1, 1)
	_, err = f.service.AssignRole(ctx, actor, AssignmentInput{UserID: 1, RoleID: r.ID, StartTime: day(2024, 1, 1), EndTime: &end})
	require.ErrorIs(t, err, httpx.ErrValidation)

	_, err = f.service.GrantOverride(ctx, actor, OverrideInput{UserID: 1, PermissionID: p.ID, OverrideType: policy.OverrideGrant})
	require.ErrorIs(t, err, httpx.ErrValidation, "reason is mandatory")

	_, err = f.service.GrantOverride(ctx, actor, OverrideInput{UserID: 1, PermissionID: p.ID, OverrideType: "upgrade", Reason: "x"})
	require.ErrorIs(t, err, httpx.ErrValidation)

	_, err = f.service.CreatePermission(ctx, actor, PermissionInput{Codename: "fly_plane", Name: "Fly", Action: "fly", ResourceType: policy.ResourceGoal})
	require.ErrorIs(t, err, httpx.ErrValidation)

	_, err = f.service.CreateRule(ctx, actor, RuleInput{Name: "bad", ConditionType: "weather", Action: policy.RuleNotify})
	require.ErrorIs(t, err, httpx.ErrValidation)

	_, err = f.service.AssignRole(ctx, actor, AssignmentInput{UserID: 1, RoleID: 999})
	require.ErrorIs(t, err, policy.ErrNotFound)
	require.ErrorIs(t, MapError(err), httpx.ErrNotFound)
}

func TestOverrideByCodenameAndAuditActions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.permission(t, "export_analytics", policy.ActionExport, policy.ResourceAnalytics, nil)

	kinds := map[policy.OverrideType]audit.Action{
		policy.OverrideGrant:  audit.ActionGranted,
		policy.OverrideDeny:   audit.ActionRevoked,
		policy.OverrideModify: audit.ActionModified,
	}
	for kind, want := range kinds {
		o, err := f.service.GrantOverride(ctx, actor, OverrideInput{UserID: 1, Codename: "export_analytics", OverrideType: kind, Reason: "audit " + string(kind)})
		require.NoError(t, err)
		events := f.store.AuditLog().Events()
		last := events[len(events)-1]
		require.Equal(t, audit.EntityOverride, last.Entity)
		require.Equal(t, want, last.Action)
		require.Equal(t, "export_analytics", last.Permission)
		require.Equal(t, actor, last.ActorID)
		require.Equal(t, int64(1), last.SubjectUserID)
		require.Equal(t, "audit "+string(kind), last.Reason)
		require.Equal(t, o.OverrideType, last.After["override_type"])
	}

	_, err := f.service.GrantOverride(ctx, actor, OverrideInput{UserID: 1, Codename: "missing", OverrideType: policy.OverrideGrant, Reason: "x"})
	require.ErrorIs(t, err, policy.ErrNotFound)
}

func TestAuditFailureRollsBackMutation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.permission(t, "read_goal", policy.ActionRead, policy.ResourceGoal, nil)
	r := f.role(t, "reader", p)

	boom := errors.New("audit sink down")
	f.store.AuditLog().FailWith(boom)
	_, err := f.service.AssignRole(ctx, actor, AssignmentInput{UserID: 1, RoleID: r.ID, StartTime: day(2024, 1, 1)})
	require.ErrorIs(t, err, boom)

	assignments, err := f.store.AssignmentsForUser(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, assignments)

	stamp, err := f.cache.Stamp(ctx, 1)
	require.NoError(t, err)
	require.False(t, stamp.Sealed, "a failed mutation must still release its seal")

	f.store.AuditLog().FailWith(nil)
	f.assign(t, 1, r, nil, day(2024, 1, 1), nil)
	require.True(t, f.resolver.HasPermission(ctx, user(1), Check{Codename: "read_goal", At: day(2024, 2, 1)}))
}

// brokenSealCache cannot guarantee invalidation.
type brokenSealCache struct {
	*permcache.MemoryCache
}

func (c brokenSealCache) Seal(ctx context.Context, userID int64) error {
	return &permcache.InvalidationError{UserID: userID, Op: "seal", Err: errors.New("redis unreachable")}
}

func TestSealFailureAbortsMutation(t *testing.T) {
	store := policy.NewMemoryStore(nil)
	mem := permcache.NewMemoryCache(time.Minute, 0)
	t.Cleanup(func() { _ = mem.Close() })
	cache := brokenSealCache{mem}
	resolver := NewResolver(store, cache, nil)
	svc := NewService(store, cache, nil, resolver, nil)
	ctx := context.Background()

	r, err := svc.CreateRole(ctx, actor, RoleInput{Name: "Reader", Codename: "reader", RoleType: policy.RoleSystem})
	require.NoError(t, err)

	_, err = svc.AssignRole(ctx, actor, AssignmentInput{UserID: 1, RoleID: r.ID, StartTime: day(2024, 1, 1)})
	var invalidation *permcache.InvalidationError
	require.ErrorAs(t, err, &invalidation)
	require.Equal(t, int64(1), invalidation.UserID)
	require.ErrorIs(t, MapError(err), httpx.ErrUnavailable)

	assignments, err := store.AssignmentsForUser(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, assignments)
	for _, ev := range store.AuditLog().Events() {
		require.NotEqual(t, audit.EntityAssignment, ev.Entity)
	}
}

func TestBindingChangesInvalidateEveryUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	read := f.permission(t, "read_goal", policy.ActionRead, policy.ResourceGoal, nil)
	update := f.permission(t, "update_goal", policy.ActionUpdate, policy.ResourceGoal, nil)
	r := f.role(t, "planner", read)
	f.assign(t, 1, r, nil, day(2024, 1, 1), nil)
	f.assign(t, 2, r, nil, day(2024, 1, 1), nil)

	at := day(2024, 2, 1)
	for _, id := range []int64{1, 2} {
		require.False(t, f.resolver.HasPermission(ctx, user(id), Check{Codename: "update_goal", At: at}))
	}

	_, err := f.service.BindPermission(ctx, actor, BindingInput{RoleID: r.ID, PermissionID: update.ID, Reason: "scope grew"})
	require.NoError(t, err)
	for _, id := range []int64{1, 2} {
		require.True(t, f.resolver.HasPermission(ctx, user(id), Check{Codename: "update_goal", At: at}))
	}

	require.NoError(t, f.service.UnbindPermission(ctx, actor, r.ID, update.ID, "scope shrank"))
	for _, id := range []int64{1, 2} {
		require.False(t, f.resolver.HasPermission(ctx, user(id), Check{Codename: "update_goal", At: at}))
	}

	err = f.service.UnbindPermission(ctx, actor, r.ID, update.ID, "again")
	require.ErrorIs(t, err, policy.ErrInactive)
	require.ErrorIs(t, MapError(err), httpx.ErrConflict)
}

func TestRevokeTwiceConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.permission(t, "read_goal", policy.ActionRead, policy.ResourceGoal, nil)
	r := f.role(t, "reader", p)
	a := f.assign(t, 1, r, nil, day(2024, 1, 1), nil)

	require.NoError(t, f.service.RevokeAssignment(ctx, actor, a.ID, "done"))
	require.ErrorIs(t, f.service.RevokeAssignment(ctx, actor, a.ID, "done"), policy.ErrInactive)
	require.ErrorIs(t, f.service.RevokeAssignment(ctx, actor, 12345, "done"), policy.ErrNotFound)

	events := f.store.AuditLog().Events()
	last := events[len(events)-1]
	require.Equal(t, audit.ActionRevoked, last.Action)
	require.Equal(t, true, last.Before["is_active"])
	require.Equal(t, false, last.After["is_active"])
}

func TestRoleRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	assign := f.permission(t, shared.PermAssignRole, policy.ActionAssign, policy.ResourceRole, nil)
	read := f.permission(t, "read_kpi", policy.ActionRead, policy.ResourceKPI, nil)
	admin := f.role(t, "admin", assign)
	f.assign(t, 50, admin, nil, day(2020, 1, 1), nil)

	locked := f.role(t, "locked", read)
	_, err := f.service.RequestRole(ctx, user(1), RoleRequestInput{RoleID: locked.ID, Reason: "please"})
	require.ErrorIs(t, err, ErrNotRequestable)
	require.ErrorIs(t, MapError(err), httpx.ErrValidation)

	_, err = f.service.RequestRole(ctx, shared.Principal{UserID: 1}, RoleRequestInput{RoleID: locked.ID, Reason: "please"})
	require.ErrorIs(t, err, httpx.ErrUnauthorized)

	open, err := f.service.CreateRole(ctx, actor, RoleInput{Name: "Viewer", Codename: "viewer", RoleType: policy.RoleProject, IsRequestable: true})
	require.NoError(t, err)
	_, err = f.service.BindPermission(ctx, actor, BindingInput{RoleID: open.ID, PermissionID: read.ID})
	require.NoError(t, err)

	instant, err := f.service.RequestRole(ctx, user(1), RoleRequestInput{RoleID: open.ID, Reason: "onboarding"})
	require.NoError(t, err)
	require.Equal(t, policy.RequestApproved, instant.Status)
	require.NotZero(t, instant.AssignmentID)
	require.True(t, f.resolver.HasPermission(ctx, user(1), Check{Codename: "read_kpi"}))

	gated, err := f.service.CreateRole(ctx, actor, RoleInput{Name: "Reviewer", Codename: "reviewer", RoleType: policy.RoleProject, IsRequestable: true, RequiresApproval: true})
	require.NoError(t, err)
	_, err = f.service.BindPermission(ctx, actor, BindingInput{RoleID: gated.ID, PermissionID: assign.ID})
	require.NoError(t, err)

	pending, err := f.service.RequestRole(ctx, user(2), RoleRequestInput{RoleID: gated.ID, Reason: "cover"})
	require.NoError(t, err)
	require.Equal(t, policy.RequestPending, pending.Status)
	require.False(t, f.resolver.HasPermission(ctx, user(2), Check{Codename: shared.PermAssignRole}))

	_, err = f.service.ApproveRoleRequest(ctx, user(1), pending.ID, "self service")
	require.ErrorIs(t, err, ErrApproverForbidden)
	require.ErrorIs(t, MapError(err), httpx.ErrForbidden)

	approved, err := f.service.ApproveRoleRequest(ctx, user(50), pending.ID, "ok")
	require.NoError(t, err)
	require.Equal(t, policy.RequestApproved, approved.Status)
	require.Equal(t, int64(50), approved.DecidedBy)
	require.True(t, f.resolver.HasPermission(ctx, user(2), Check{Codename: shared.PermAssignRole}))

	_, err = f.service.RejectRoleRequest(ctx, user(50), pending.ID, "late")
	require.ErrorIs(t, err, policy.ErrInactive)

	second, err := f.service.RequestRole(ctx, user(3), RoleRequestInput{RoleID: gated.ID, Reason: "cover"})
	require.NoError(t, err)
	rejected, err := f.service.RejectRoleRequest(ctx, user(50), second.ID, "not needed")
	require.NoError(t, err)
	require.Equal(t, policy.RequestRejected, rejected.Status)
	require.Zero(t, rejected.AssignmentID)
	require.False(t, f.resolver.HasPermission(ctx, user(3), Check{Codename: shared.PermAssignRole}))
}

func TestSeedDefaultsIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	wantBindings := 0
	for _, r := range policy.DefaultRoles() {
		wantBindings += len(r.Permissions)
	}
	first, err := f.service.SeedDefaults(ctx, actor)
	require.NoError(t, err)
	require.Equal(t, SeedResult{Permissions: len(policy.DefaultPermissions()), Roles: len(policy.DefaultRoles()), Bindings: wantBindings}, first)

	second, err := f.service.SeedDefaults(ctx, actor)
	require.NoError(t, err)
	require.Equal(t, SeedResult{}, second)

	admin, err := f.store.RoleByCodename(ctx, "admin")
	require.NoError(t, err)
	f.assign(t, 1, admin, nil, day(2024, 1, 1), nil)
	require.True(t, f.resolver.HasAllPermissions(ctx, user(1), nil, shared.CoreScopes()...))

	staff, err := f.store.RoleByCodename(ctx, "staff")
	require.NoError(t, err)
	require.Equal(t, "Staff", staff.Name)
	f.assign(t, 2, staff, nil, day(2024, 1, 1), nil)
	require.False(t, f.resolver.HasPermission(ctx, user(2), Check{Codename: shared.PermApproveEvaluation}))
}

func TestLockTimeoutMapsToUnavailable(t *testing.T) {
	require.ErrorIs(t, MapError(shared.ErrLockTimeout), httpx.ErrUnavailable)
	require.NoError(t, MapError(nil))
	plain := errors.New("x")
	require.Equal(t, plain, MapError(plain))
}
