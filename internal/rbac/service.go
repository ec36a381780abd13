package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/observability"
	"github.com/odyssey-erp/odyssey-access/internal/permcache"
	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/policy"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

var (
	// ErrNotRequestable indicates a self-service request for a role that is not requestable.
	ErrNotRequestable = errors.New("rbac: role is not requestable")
	// ErrApproverForbidden indicates the approver may not decide role requests.
	ErrApproverForbidden = errors.New("rbac: approver lacks assign_role")
	// ErrScopeForbidden indicates the actor lacks the permission in the
	// department a grant targets.
	ErrScopeForbidden = errors.New("rbac: actor lacks permission in target scope")
)

// AssignmentInput creates a UserRoleAssignment.
type AssignmentInput struct {
	UserID       int64             `json:"user_id" validate:"required,gt=0"`
	RoleID       int64             `json:"role_id" validate:"required,gt=0"`
	DepartmentID *int64            `json:"department_id,omitempty" validate:"omitempty,gt=0"`
	StartTime    time.Time         `json:"start_time"`
	EndTime      *time.Time        `json:"end_time,omitempty"`
	Conditions   policy.Conditions `json:"conditions,omitempty"`
	Reason       string            `json:"reason" validate:"max=500"`
}

// OverrideInput creates a PermissionOverride. Either PermissionID or
// Codename identifies the permission.
type OverrideInput struct {
	UserID       int64               `json:"user_id" validate:"required,gt=0"`
	PermissionID int64               `json:"permission_id" validate:"required_without=Codename"`
	Codename     string              `json:"codename" validate:"required_without=PermissionID"`
	OverrideType policy.OverrideType `json:"override_type" validate:"required,oneof=grant deny modify"`
	StartTime    time.Time           `json:"start_time"`
	EndTime      *time.Time          `json:"end_time,omitempty"`
	Reason       string              `json:"reason" validate:"required,max=500"`
}

// PermissionInput creates a Permission.
type PermissionInput struct {
	Codename        string              `json:"codename" validate:"required,max=100"`
	Name            string              `json:"name" validate:"required,max=100"`
	Description     string              `json:"description"`
	Action          policy.Action       `json:"action" validate:"required"`
	ResourceType    policy.ResourceType `json:"resource_type" validate:"required"`
	DepartmentScope *int64              `json:"department_scope,omitempty"`
}

// RoleInput creates a Role.
type RoleInput struct {
	Name             string          `json:"name" validate:"required,max=100"`
	Codename         string          `json:"codename" validate:"required,max=50"`
	Description      string          `json:"description"`
	RoleType         policy.RoleType `json:"role_type" validate:"required,oneof=system department project temporary"`
	IsRequestable    bool            `json:"is_requestable"`
	RequiresApproval bool            `json:"requires_approval"`
	MaxDuration      *time.Duration  `json:"max_duration,omitempty"`
}

// BindingInput binds a permission to a role.
type BindingInput struct {
	RoleID       int64             `json:"role_id" validate:"required,gt=0"`
	PermissionID int64             `json:"permission_id" validate:"required,gt=0"`
	Conditions   policy.Conditions `json:"conditions,omitempty"`
	Reason       string            `json:"reason"`
}

// RuleInput creates a ConditionalRule.
type RuleInput struct {
	Name                string               `json:"name" validate:"required,max=200"`
	ConditionType       policy.ConditionType `json:"condition_type" validate:"required,oneof=score_threshold kpi_failure department role custom"`
	ConditionParameters map[string]any       `json:"condition_parameters"`
	Action              policy.RuleAction    `json:"action" validate:"required,oneof=add_approver escalate notify require_improvement_plan"`
	ActionParameters    map[string]any       `json:"action_parameters"`
	Priority            int                  `json:"priority"`
}

// RoleRequestInput is a self-service request for a role.
type RoleRequestInput struct {
	RoleID       int64      `json:"role_id" validate:"required,gt=0"`
	DepartmentID *int64     `json:"department_id,omitempty" validate:"omitempty,gt=0"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	Reason       string     `json:"reason" validate:"required,max=500"`
}

// Service owns policy mutations. Every mutation that can change a user's
// effective set seals the affected cache entries before its transaction,
// records its audit event inside the transaction and unseals after commit.
type Service struct {
	store    policy.Store
	cache    permcache.Cache
	locker   shared.Locker
	resolver *Resolver
	validate *validator.Validate
	logger   *slog.Logger
	metrics  *observability.Metrics
	now      func() time.Time
	txWindow time.Duration
}

// ServiceOption customises a Service.
type ServiceOption func(*Service)

// WithServiceMetrics attaches Prometheus collectors.
func WithServiceMetrics(m *observability.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithServiceClock overrides the clock used for default start times.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithTxWindow bounds every mutation transaction. It must not exceed the
// seal lease of a shared cache.
func WithTxWindow(d time.Duration) ServiceOption {
	return func(s *Service) { s.txWindow = d }
}

// NewService wires the mutation service. cache may be nil.
func NewService(store policy.Store, cache permcache.Cache, locker shared.Locker, resolver *Resolver, logger *slog.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if locker == nil {
		locker = shared.NewKeyedMutex()
	}
	s := &Service{
		store:    store,
		cache:    cache,
		locker:   locker,
		resolver: resolver,
		validate: validator.New(),
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Resolver exposes the resolver used for permission checks.
func (s *Service) Resolver() *Resolver { return s.resolver }

// AuthorizeScope requires actor to hold codename in department. A nil
// department means the grant is global, so the permission must hold with no
// department in the context.
func (s *Service) AuthorizeScope(ctx context.Context, actor shared.Principal, codename string, department *int64) error {
	if !actor.Authenticated {
		return httpx.ErrUnauthorized
	}
	allowed, err := s.resolver.Decide(ctx, actor, Check{Codename: codename, DepartmentID: department})
	if err != nil {
		return err
	}
	if !allowed {
		return fmt.Errorf("%w: user %d %s", ErrScopeForbidden, actor.UserID, codename)
	}
	return nil
}

// AssignmentDepartment returns the department an assignment is scoped to.
func (s *Service) AssignmentDepartment(ctx context.Context, assignmentID int64) (*int64, error) {
	a, err := s.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	return a.DepartmentID, nil
}

func (s *Service) validateStruct(v any) error {
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Field()+" "+fe.Tag())
			}
			return fmt.Errorf("%w: %s", httpx.ErrValidation, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	return nil
}

func validWindow(start time.Time, end *time.Time) error {
	if end != nil && !end.After(start) {
		return fmt.Errorf("%w: end_time must be after start_time", httpx.ErrValidation)
	}
	return nil
}

func (s *Service) txContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.txWindow > 0 {
		return context.WithTimeout(ctx, s.txWindow)
	}
	return context.WithCancel(ctx)
}

// mutateUser serializes mutations of one user and brackets the transaction
// with a seal of the user's cache entries.
func (s *Service) mutateUser(ctx context.Context, userID int64, fn func(context.Context, policy.Tx) error) error {
	unlock, err := s.locker.Lock(ctx, shared.UserLockKey(userID))
	if err != nil {
		return err
	}
	defer unlock()

	if s.cache != nil {
		if err := s.cache.Seal(ctx, userID); err != nil {
			s.metrics.Invalidation("user", err)
			return err
		}
		defer func() {
			err := s.cache.Unseal(context.WithoutCancel(ctx), userID)
			s.metrics.Invalidation("user", err)
			if err != nil {
				s.logger.Warn("decision cache unseal failed; user stays uncached until the seal lease lapses",
					slog.Int64("user_id", userID), slog.Any("error", err))
			}
		}()
	}
	txCtx, cancel := s.txContext(ctx)
	defer cancel()
	return s.store.WithTx(txCtx, fn)
}

// mutateAll brackets a change that can affect any user, such as a role
// binding, with a global seal.
func (s *Service) mutateAll(ctx context.Context, fn func(context.Context, policy.Tx) error) error {
	if s.cache != nil {
		if err := s.cache.SealAll(ctx); err != nil {
			s.metrics.Invalidation("all", err)
			return err
		}
		defer func() {
			err := s.cache.UnsealAll(context.WithoutCancel(ctx))
			s.metrics.Invalidation("all", err)
			if err != nil {
				s.logger.Warn("decision cache global unseal failed", slog.Any("error", err))
			}
		}()
	}
	txCtx, cancel := s.txContext(ctx)
	defer cancel()
	return s.store.WithTx(txCtx, fn)
}

func (s *Service) event(ctx context.Context, actorID int64, entity string, entityID int64, action audit.Action, reason string) audit.Event {
	return audit.Event{
		ActorID:  actorID,
		Entity:   entity,
		EntityID: strconv.FormatInt(entityID, 10),
		Action:   action,
		Reason:   reason,
		Origin:   audit.OriginFromContext(ctx),
	}
}

// CreatePermission adds a permission to the catalog. A new permission is not
// bound to anything, so no cache entry can change.
func (s *Service) CreatePermission(ctx context.Context, actorID int64, in PermissionInput) (policy.Permission, error) {
	if err := s.validateStruct(in); err != nil {
		return policy.Permission{}, err
	}
	if !in.Action.Valid() || !in.ResourceType.Valid() {
		return policy.Permission{}, fmt.Errorf("%w: unknown action or resource type", httpx.ErrValidation)
	}
	var created policy.Permission
	err := s.store.WithTx(ctx, func(ctx context.Context, tx policy.Tx) error {
		var err error
		created, err = tx.CreatePermission(ctx, policy.Permission{
			Codename:        strings.TrimSpace(in.Codename),
			Name:            strings.TrimSpace(in.Name),
			Description:     strings.TrimSpace(in.Description),
			Action:          in.Action,
			ResourceType:    in.ResourceType,
			DepartmentScope: in.DepartmentScope,
		})
		if err != nil {
			return err
		}
		ev := s.event(ctx, actorID, audit.EntityPermission, created.ID, audit.ActionModified, "permission created")
		ev.Permission = created.Codename
		ev.After = map[string]any{"codename": created.Codename, "action": created.Action, "resource_type": created.ResourceType}
		return tx.Recorder().Record(ctx, ev)
	})
	return created, err
}

// CreateRole adds a role to the catalog.
func (s *Service) CreateRole(ctx context.Context, actorID int64, in RoleInput) (policy.Role, error) {
	if err := s.validateStruct(in); err != nil {
		return policy.Role{}, err
	}
	if in.MaxDuration != nil && *in.MaxDuration <= 0 {
		return policy.Role{}, fmt.Errorf("%w: max_duration must be positive", httpx.ErrValidation)
	}
	var created policy.Role
	err := s.store.WithTx(ctx, func(ctx context.Context, tx policy.Tx) error {
		var err error
		created, err = tx.CreateRole(ctx, policy.Role{
			Name:             strings.TrimSpace(in.Name),
			Codename:         strings.TrimSpace(in.Codename),
			Description:      strings.TrimSpace(in.Description),
			RoleType:         in.RoleType,
			IsRequestable:    in.IsRequestable,
			RequiresApproval: in.RequiresApproval,
			MaxDuration:      in.MaxDuration,
		})
		if err != nil {
			return err
		}
		ev := s.event(ctx, actorID, audit.EntityRole, created.ID, audit.ActionModified, "role created")
		ev.Role = created.Codename
		return tx.Recorder().Record(ctx, ev)
	})
	return created, err
}

// BindPermission binds (or re-activates) a permission on a role.
func (s *Service) BindPermission(ctx context.Context, actorID int64, in BindingInput) (policy.RolePermission, error) {
	if err := s.validateStruct(in); err != nil {
		return policy.RolePermission{}, err
	}
	role, err := s.store.GetRole(ctx, in.RoleID)
	if err != nil {
		return policy.RolePermission{}, err
	}
	perm, err := s.store.GetPermission(ctx, in.PermissionID)
	if err != nil {
		return policy.RolePermission{}, err
	}
	var binding policy.RolePermission
	err = s.mutateAll(ctx, func(ctx context.Context, tx policy.Tx) error {
		var err error
		binding, err = tx.UpsertBinding(ctx, policy.RolePermission{RoleID: in.RoleID, PermissionID: in.PermissionID, Conditions: in.Conditions})
		if err != nil {
			return err
		}
		ev := s.event(ctx, actorID, audit.EntityRolePermission, binding.ID, audit.ActionGranted, in.Reason)
		ev.Role = role.Codename
		ev.Permission = perm.Codename
		ev.After = map[string]any{"conditions": map[string]any(in.Conditions), "is_active": true}
		return tx.Recorder().Record(ctx, ev)
	})
	return binding, err
}

// UnbindPermission deactivates a role binding.
func (s *Service) UnbindPermission(ctx context.Context, actorID, roleID, permissionID int64, reason string) error {
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	perm, err := s.store.GetPermission(ctx, permissionID)
	if err != nil {
		return err
	}
	return s.mutateAll(ctx, func(ctx context.Context, tx policy.Tx) error {
		binding, err := tx.DeactivateBinding(ctx, roleID, permissionID)
		if err != nil {
			return err
		}
		ev := s.event(ctx, actorID, audit.EntityRolePermission, binding.ID, audit.ActionRevoked, reason)
		ev.Role = role.Codename
		ev.Permission = perm.Codename
		ev.Before = map[string]any{"is_active": true}
		ev.After = map[string]any{"is_active": false}
		return tx.Recorder().Record(ctx, ev)
	})
}

// AssignRole grants a role to a user. A missing start time means now; roles
// with a maximum duration clamp the end time.
func (s *Service) AssignRole(ctx context.Context, actorID int64, in AssignmentInput) (policy.UserRoleAssignment, error) {
	if err := s.validateStruct(in); err != nil {
		return policy.UserRoleAssignment{}, err
	}
	if in.StartTime.IsZero() {
		in.StartTime = s.now()
	}
	if err := validWindow(in.StartTime, in.EndTime); err != nil {
		return policy.UserRoleAssignment{}, err
	}
	role, err := s.store.GetRole(ctx, in.RoleID)
	if err != nil {
		return policy.UserRoleAssignment{}, err
	}
	in.EndTime = clampEnd(role, in.StartTime, in.EndTime)

	var created policy.UserRoleAssignment
	err = s.mutateUser(ctx, in.UserID, func(ctx context.Context, tx policy.Tx) error {
		var err error
		created, err = s.assignTx(ctx, tx, actorID, role, in)
		return err
	})
	return created, err
}

func (s *Service) assignTx(ctx context.Context, tx policy.Tx, actorID int64, role policy.Role, in AssignmentInput) (policy.UserRoleAssignment, error) {
	created, err := tx.CreateAssignment(ctx, policy.UserRoleAssignment{
		UserID:       in.UserID,
		RoleID:       in.RoleID,
		DepartmentID: in.DepartmentID,
		StartTime:    in.StartTime,
		EndTime:      in.EndTime,
		Conditions:   in.Conditions,
		AssignedBy:   actorID,
		Reason:       strings.TrimSpace(in.Reason),
	})
	if err != nil {
		return policy.UserRoleAssignment{}, err
	}
	ev := s.event(ctx, actorID, audit.EntityAssignment, created.ID, audit.ActionGranted, created.Reason)
	ev.SubjectUserID = created.UserID
	ev.Role = role.Codename
	ev.After = assignmentState(created)
	return created, tx.Recorder().Record(ctx, ev)
}

func clampEnd(role policy.Role, start time.Time, end *time.Time) *time.Time {
	if role.MaxDuration == nil {
		return end
	}
	limit := start.Add(*role.MaxDuration)
	if end == nil || end.After(limit) {
		return &limit
	}
	return end
}

func assignmentState(a policy.UserRoleAssignment) map[string]any {
	state := map[string]any{
		"role_id":    a.RoleID,
		"start_time": a.StartTime,
		"is_active":  a.IsActive,
	}
	if a.DepartmentID != nil {
		state["department_id"] = *a.DepartmentID
	}
	if a.EndTime != nil {
		state["end_time"] = *a.EndTime
	}
	return state
}

// RevokeAssignment deactivates an assignment. The row is kept for audit continuity.
func (s *Service) RevokeAssignment(ctx context.Context, actorID, assignmentID int64, reason string) error {
	current, err := s.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return err
	}
	role, err := s.store.GetRole(ctx, current.RoleID)
	if err != nil && !errors.Is(err, policy.ErrNotFound) {
		return err
	}
	return s.mutateUser(ctx, current.UserID, func(ctx context.Context, tx policy.Tx) error {
		revoked, err := tx.DeactivateAssignment(ctx, assignmentID)
		if err != nil {
			return err
		}
		ev := s.event(ctx, actorID, audit.EntityAssignment, revoked.ID, audit.ActionRevoked, reason)
		ev.SubjectUserID = revoked.UserID
		ev.Role = role.Codename
		ev.Before = assignmentState(current)
		ev.After = assignmentState(revoked)
		return tx.Recorder().Record(ctx, ev)
	})
}

// GrantOverride records a per-user grant, deny or modify override.
func (s *Service) GrantOverride(ctx context.Context, actorID int64, in OverrideInput) (policy.PermissionOverride, error) {
	if err := s.validateStruct(in); err != nil {
		return policy.PermissionOverride{}, err
	}
	if in.StartTime.IsZero() {
		in.StartTime = s.now()
	}
	if err := validWindow(in.StartTime, in.EndTime); err != nil {
		return policy.PermissionOverride{}, err
	}
	var (
		perm policy.Permission
		err  error
	)
	if in.PermissionID > 0 {
		perm, err = s.store.GetPermission(ctx, in.PermissionID)
	} else {
		perm, err = s.store.PermissionByCodename(ctx, strings.TrimSpace(in.Codename))
	}
	if err != nil {
		return policy.PermissionOverride{}, err
	}

	var created policy.PermissionOverride
	err = s.mutateUser(ctx, in.UserID, func(ctx context.Context, tx policy.Tx) error {
		var err error
		created, err = tx.CreateOverride(ctx, policy.PermissionOverride{
			UserID:       in.UserID,
			PermissionID: perm.ID,
			OverrideType: in.OverrideType,
			StartTime:    in.StartTime,
			EndTime:      in.EndTime,
			Reason:       strings.TrimSpace(in.Reason),
			GrantedBy:    actorID,
		})
		if err != nil {
			return err
		}
		ev := s.event(ctx, actorID, audit.EntityOverride, created.ID, overrideAction(created.OverrideType), created.Reason)
		ev.SubjectUserID = created.UserID
		ev.Permission = perm.Codename
		ev.After = overrideState(created)
		return tx.Recorder().Record(ctx, ev)
	})
	return created, err
}

func overrideAction(t policy.OverrideType) audit.Action {
	switch t {
	case policy.OverrideDeny:
		return audit.ActionRevoked
	case policy.OverrideModify:
		return audit.ActionModified
	default:
		return audit.ActionGranted
	}
}

func overrideState(o policy.PermissionOverride) map[string]any {
	state := map[string]any{
		"permission_id": o.PermissionID,
		"override_type": o.OverrideType,
		"start_time":    o.StartTime,
		"is_active":     o.IsActive,
	}
	if o.EndTime != nil {
		state["end_time"] = *o.EndTime
	}
	return state
}

// RevokeOverride deactivates an override.
func (s *Service) RevokeOverride(ctx context.Context, actorID, overrideID int64, reason string) error {
	current, err := s.store.GetOverride(ctx, overrideID)
	if err != nil {
		return err
	}
	perm, err := s.store.GetPermission(ctx, current.PermissionID)
	if err != nil && !errors.Is(err, policy.ErrNotFound) {
		return err
	}
	return s.mutateUser(ctx, current.UserID, func(ctx context.Context, tx policy.Tx) error {
		revoked, err := tx.DeactivateOverride(ctx, overrideID)
		if err != nil {
			return err
		}
		ev := s.event(ctx, actorID, audit.EntityOverride, revoked.ID, audit.ActionRevoked, reason)
		ev.SubjectUserID = revoked.UserID
		ev.Permission = perm.Codename
		ev.Before = overrideState(current)
		ev.After = overrideState(revoked)
		return tx.Recorder().Record(ctx, ev)
	})
}

// CreateRule stores a conditional escalation rule.
func (s *Service) CreateRule(ctx context.Context, actorID int64, in RuleInput) (policy.ConditionalRule, error) {
	if err := s.validateStruct(in); err != nil {
		return policy.ConditionalRule{}, err
	}
	var created policy.ConditionalRule
	err := s.store.WithTx(ctx, func(ctx context.Context, tx policy.Tx) error {
		var err error
		created, err = tx.CreateRule(ctx, policy.ConditionalRule{
			Name:                strings.TrimSpace(in.Name),
			ConditionType:       in.ConditionType,
			ConditionParameters: in.ConditionParameters,
			Action:              in.Action,
			ActionParameters:    in.ActionParameters,
			Priority:            in.Priority,
			IsActive:            true,
		})
		if err != nil {
			return err
		}
		ev := s.event(ctx, actorID, audit.EntityRule, created.ID, audit.ActionModified, "rule created")
		ev.After = map[string]any{"condition_type": created.ConditionType, "action": created.Action, "priority": created.Priority}
		return tx.Recorder().Record(ctx, ev)
	})
	return created, err
}

// ActiveRules lists active rules by ascending priority.
func (s *Service) ActiveRules(ctx context.Context) ([]policy.ConditionalRule, error) {
	return s.store.ActiveRules(ctx)
}

// ListRoles returns all roles.
func (s *Service) ListRoles(ctx context.Context) ([]policy.Role, error) {
	return s.store.ListRoles(ctx)
}

// ListPermissions returns all permissions.
func (s *Service) ListPermissions(ctx context.Context) ([]policy.Permission, error) {
	return s.store.ListPermissions(ctx)
}
