package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/permcache"
	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/policy"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// Handler exposes the access engine over JSON.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	timeline *audit.Service
	rbac     Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, timeline *audit.Service, rbac Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, timeline: timeline, rbac: rbac}
}

// MountRoutes registers the /access routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/me/permissions", h.myPermissions)
	r.Post("/check", h.check)
	r.Post("/role-requests", h.requestRole)
	r.Post("/role-requests/{id}/approve", h.approveRequest)
	r.Post("/role-requests/{id}/reject", h.rejectRequest)

	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermAssignRole))
		r.Post("/assignments", h.assignRole)
		r.Delete("/assignments/{id}", h.revokeAssignment)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermOverridePermission))
		r.Post("/overrides", h.grantOverride)
		r.Delete("/overrides/{id}", h.revokeOverride)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermManageUsers, shared.PermAssignRole, shared.PermConfigureSystem))
		r.Get("/roles", h.listRoles)
		r.Get("/permissions", h.listPermissions)
		r.Get("/rules", h.listRules)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermConfigureSystem))
		r.Post("/roles", h.createRole)
		r.Post("/permissions", h.createPermission)
		r.Post("/roles/{id}/permissions", h.bindPermission)
		r.Delete("/roles/{id}/permissions/{permissionID}", h.unbindPermission)
		r.Post("/rules", h.createRule)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermReadAuditLog))
		r.Get("/audit", h.auditTimeline)
	})
}

// MapError translates engine errors into the httpx taxonomy.
func MapError(err error) error {
	var invalidation *permcache.InvalidationError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, policy.ErrNotFound):
		return fmt.Errorf("%w: %v", httpx.ErrNotFound, err)
	case errors.Is(err, policy.ErrDuplicate):
		return fmt.Errorf("%w: %v", httpx.ErrDuplicate, err)
	case errors.Is(err, policy.ErrInactive):
		return fmt.Errorf("%w: %v", httpx.ErrConflict, err)
	case errors.Is(err, ErrNotRequestable):
		return fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	case errors.Is(err, ErrApproverForbidden), errors.Is(err, ErrScopeForbidden):
		return fmt.Errorf("%w: %v", httpx.ErrForbidden, err)
	case errors.As(err, &invalidation), errors.Is(err, shared.ErrLockTimeout):
		return fmt.Errorf("%w: %v", httpx.ErrUnavailable, err)
	default:
		return err
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	mapped := MapError(err)
	if errors.Is(mapped, httpx.ErrUnavailable) || !isClientError(mapped) {
		h.logger.Error("access request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, mapped)
}

func isClientError(err error) bool {
	for _, target := range []error{httpx.ErrNotFound, httpx.ErrDuplicate, httpx.ErrConflict, httpx.ErrValidation, httpx.ErrForbidden, httpx.ErrUnauthorized} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func principalOrFail(w http.ResponseWriter, r *http.Request) (shared.Principal, bool) {
	principal := shared.PrincipalFromContext(r.Context())
	if !principal.Authenticated {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return shared.Principal{}, false
	}
	return principal, true
}

func idParam(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid %s", httpx.ErrValidation, name)
	}
	return id, nil
}

func decode(r *http.Request, target any) error {
	if err := httpx.DecodeJSON(r, target); err != nil {
		return fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	return nil
}

func (h *Handler) myPermissions(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalOrFail(w, r)
	if !ok {
		return
	}
	department, valid := departmentFromRequest(r)
	if !valid {
		httpx.RespondError(w, fmt.Errorf("%w: invalid %s", httpx.ErrValidation, DepartmentParam))
		return
	}
	set, err := h.service.Resolver().Resolve(r.Context(), principal, time.Time{}, policy.Context{DepartmentID: department})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"user_id":       principal.UserID,
		"department_id": department,
		"permissions":   set.Codenames(),
	})
}

type checkRequest struct {
	UserID       int64      `json:"user_id"`
	Codename     string     `json:"codename"`
	ResourceType string     `json:"resource_type"`
	ResourceID   string     `json:"resource_id"`
	DepartmentID *int64     `json:"department_id"`
	At           *time.Time `json:"at"`
}

// check answers a permission question for the caller, or for another user
// when the caller manages users.
func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalOrFail(w, r)
	if !ok {
		return
	}
	var req checkRequest
	if err := decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if strings.TrimSpace(req.Codename) == "" {
		httpx.RespondError(w, fmt.Errorf("%w: codename required", httpx.ErrValidation))
		return
	}
	subject := principal
	if req.UserID != 0 && req.UserID != principal.UserID {
		if !h.service.Resolver().HasPermission(r.Context(), principal, Check{Codename: shared.PermManageUsers}) {
			httpx.RespondError(w, httpx.ErrForbidden)
			return
		}
		subject = shared.Principal{UserID: req.UserID, Authenticated: true}
	}
	check := Check{
		Codename:     strings.TrimSpace(req.Codename),
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		DepartmentID: req.DepartmentID,
	}
	if req.At != nil {
		check.At = *req.At
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"user_id":  subject.UserID,
		"codename": check.Codename,
		"allowed":  h.service.Resolver().HasPermission(r.Context(), subject, check),
	})
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalOrFail(w, r)
	if !ok {
		return
	}
	var in AssignmentInput
	if err := decode(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.AuthorizeScope(r.Context(), principal, shared.PermAssignRole, in.DepartmentID); err != nil {
		h.fail(w, r, err)
		return
	}
	created, err := h.service.AssignRole(r.Context(), principal.UserID, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, assignmentView(created))
}

func (h *Handler) revokeAssignment(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalOrFail(w, r)
	if !ok {
		return
	}
	id, err := idParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	department, err := h.service.AssignmentDepartment(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.service.AuthorizeScope(r.Context(), principal, shared.PermAssignRole, department); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.service.RevokeAssignment(r.Context(), principal.UserID, id, r.URL.Query().Get("reason")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) grantOverride(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalOrFail(w, r)
	if !ok {
		return
	}
	var in OverrideInput
	if err := decode(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	// Overrides carry no department, so they always need the global grant.
	if err := h.service.AuthorizeScope(r.Context(), principal, shared.PermOverridePermission, nil); err != nil {
		h.fail(w, r, err)
		return
	}
	created, err := h.service.GrantOverride(r.Context(), principal.UserID, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, overrideView(created))
}

func (h *Handler) revokeOverride(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalOrFail(w, r)
	if !ok {
		return
	}
	id, err := idParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.AuthorizeScope(r.Context(), principal, shared.PermOverridePermission, nil); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.service.RevokeOverride(r.Context(), principal.UserID, id, r.URL.Query().Get("reason")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(roles))
	for _, role := range roles {
		out = append(out, roleView(role))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": out})
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.ListPermissions(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(perms))
	for _, p := range perms {
		out = append(out, permissionView(p))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": out})
}

func (h *Handler) listRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.service.ActiveRules(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(rules))
	for _, rule := range rules {
		out = append(out, ruleView(rule))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"rules": out})
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalOrFail(w, r)
	if !ok {
		return
	}
	var in RoleInput
	if err := decode(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	created, err := h.service.CreateRole(r.Context(), principal.UserID, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, roleView(created))
}

func (h *Handler) createPermission(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalOrFail(w, r)
	if !ok {
		return
	}
	var in PermissionInput
	if err := decode(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	created, err := h.service.CreatePermission(r.Context(), principal.UserID, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, permissionView(created))
}

func (h *Handler) bindPermission(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalOrFail(w, r)
	if !ok {
		return
	}
	roleID, err := idParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var in BindingInput
	if err := decode(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	in.RoleID = roleID
	binding, err := h.service.BindPermission(r.Context(), principal.UserID, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"id":            binding.ID,
		"role_id":       binding.RoleID,
		"permission_id": binding.PermissionID,
		"conditions":    binding.Conditions,
		"is_active":     binding.IsActive,
	})
}

func (h *Handler) unbindPermission(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalOrFail(w, r)
	if !ok {
		return
	}
	roleID, err := idParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	permissionID, err := idParam(r, "permissionID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.UnbindPermission(r.Context(), principal.UserID, roleID, permissionID, r.URL.Query().Get("reason")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) createRule(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalOrFail(w, r)
	if !ok {
		return
	}
	var in RuleInput
	if err := decode(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	created, err := h.service.CreateRule(r.Context(), principal.UserID, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, ruleView(created))
}

func (h *Handler) requestRole(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalOrFail(w, r)
	if !ok {
		return
	}
	var in RoleRequestInput
	if err := decode(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	created, err := h.service.RequestRole(r.Context(), principal, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, requestView(created))
}

type decisionRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) approveRequest(w http.ResponseWriter, r *http.Request) {
	h.decideRequest(w, r, h.service.ApproveRoleRequest)
}

func (h *Handler) rejectRequest(w http.ResponseWriter, r *http.Request) {
	h.decideRequest(w, r, h.service.RejectRoleRequest)
}

func (h *Handler) decideRequest(w http.ResponseWriter, r *http.Request, decide func(ctx context.Context, approver shared.Principal, id int64, reason string) (policy.RoleRequest, error)) {
	principal, ok := principalOrFail(w, r)
	if !ok {
		return
	}
	id, err := idParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var body decisionRequest
	if r.ContentLength > 0 {
		if err := decode(r, &body); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	decided, err := decide(r.Context(), principal, id, body.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, requestView(decided))
}

func (h *Handler) auditTimeline(w http.ResponseWriter, r *http.Request) {
	if h.timeline == nil {
		httpx.RespondError(w, fmt.Errorf("%w: audit timeline not configured", httpx.ErrUnavailable))
		return
	}
	filters, err := parseTimelineFilters(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.timeline.Timeline(r.Context(), filters)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	events := make([]map[string]any, 0, len(result.Events))
	for _, ev := range result.Events {
		events = append(events, eventView(ev))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"events": events,
		"paging": map[string]any{
			"page":      result.Paging.Page,
			"page_size": result.Paging.PageSize,
			"has_next":  result.Paging.HasNext,
			"prev_page": result.Paging.PrevPage,
			"next_page": result.Paging.NextPage,
		},
	})
}

func parseTimelineFilters(r *http.Request) (audit.TimelineFilters, error) {
	q := r.URL.Query()
	var filters audit.TimelineFilters
	var err error
	parseTime := func(name string) (time.Time, error) {
		raw := strings.TrimSpace(q.Get(name))
		if raw == "" {
			return time.Time{}, nil
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: invalid %s", httpx.ErrValidation, name)
		}
		return t, nil
	}
	parseInt := func(name string) (int64, error) {
		raw := strings.TrimSpace(q.Get(name))
		if raw == "" {
			return 0, nil
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			return 0, fmt.Errorf("%w: invalid %s", httpx.ErrValidation, name)
		}
		return v, nil
	}
	if filters.From, err = parseTime("from"); err != nil {
		return filters, err
	}
	if filters.To, err = parseTime("to"); err != nil {
		return filters, err
	}
	if filters.ActorID, err = parseInt("actor_id"); err != nil {
		return filters, err
	}
	if filters.SubjectUserID, err = parseInt("user_id"); err != nil {
		return filters, err
	}
	page, err := parseInt("page")
	if err != nil {
		return filters, err
	}
	size, err := parseInt("page_size")
	if err != nil {
		return filters, err
	}
	filters.Page = int(page)
	filters.PageSize = int(size)
	filters.Entity = strings.TrimSpace(q.Get("entity"))
	filters.Action = audit.Action(strings.TrimSpace(q.Get("action")))
	return filters, nil
}

func assignmentView(a policy.UserRoleAssignment) map[string]any {
	return map[string]any{
		"id":            a.ID,
		"user_id":       a.UserID,
		"role_id":       a.RoleID,
		"department_id": a.DepartmentID,
		"start_time":    a.StartTime,
		"end_time":      a.EndTime,
		"conditions":    a.Conditions,
		"is_active":     a.IsActive,
		"assigned_by":   a.AssignedBy,
		"reason":        a.Reason,
	}
}

func overrideView(o policy.PermissionOverride) map[string]any {
	return map[string]any{
		"id":            o.ID,
		"user_id":       o.UserID,
		"permission_id": o.PermissionID,
		"override_type": o.OverrideType,
		"start_time":    o.StartTime,
		"end_time":      o.EndTime,
		"is_active":     o.IsActive,
		"reason":        o.Reason,
		"granted_by":    o.GrantedBy,
	}
}

func roleView(r policy.Role) map[string]any {
	view := map[string]any{
		"id":                r.ID,
		"name":              r.Name,
		"codename":          r.Codename,
		"description":       r.Description,
		"role_type":         r.RoleType,
		"is_requestable":    r.IsRequestable,
		"requires_approval": r.RequiresApproval,
	}
	if r.MaxDuration != nil {
		view["max_duration_seconds"] = int64(r.MaxDuration.Seconds())
	}
	return view
}

func permissionView(p policy.Permission) map[string]any {
	return map[string]any{
		"id":               p.ID,
		"codename":         p.Codename,
		"name":             p.Name,
		"description":      p.Description,
		"action":           p.Action,
		"resource_type":    p.ResourceType,
		"department_scope": p.DepartmentScope,
	}
}

func ruleView(r policy.ConditionalRule) map[string]any {
	return map[string]any{
		"id":                   r.ID,
		"name":                 r.Name,
		"condition_type":       r.ConditionType,
		"condition_parameters": r.ConditionParameters,
		"action":               r.Action,
		"action_parameters":    r.ActionParameters,
		"priority":             r.Priority,
		"is_active":            r.IsActive,
	}
}

func requestView(r policy.RoleRequest) map[string]any {
	return map[string]any{
		"id":            r.ID,
		"user_id":       r.UserID,
		"role_id":       r.RoleID,
		"department_id": r.DepartmentID,
		"start_time":    r.StartTime,
		"end_time":      r.EndTime,
		"reason":        r.Reason,
		"status":        r.Status,
		"decided_by":    r.DecidedBy,
		"decided_at":    r.DecidedAt,
		"assignment_id": r.AssignmentID,
	}
}

func eventView(ev audit.Event) map[string]any {
	return map[string]any{
		"id":              ev.ID.String(),
		"actor_id":        ev.ActorID,
		"subject_user_id": ev.SubjectUserID,
		"entity":          ev.Entity,
		"entity_id":       ev.EntityID,
		"permission":      ev.Permission,
		"role":            ev.Role,
		"action":          ev.Action,
		"reason":          ev.Reason,
		"before":          ev.Before,
		"after":           ev.After,
		"origin":          ev.Origin,
		"occurred_at":     ev.OccurredAt,
	}
}
