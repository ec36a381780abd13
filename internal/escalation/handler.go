package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// Handler exposes the escalation engine over JSON.
type Handler struct {
	logger *slog.Logger
	engine *Engine
	rbac   rbac.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, engine *Engine, mw rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, engine: engine, rbac: mw}
}

// MountRoutes registers the /escalations routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(h.rbac.RequireAny(shared.PermCreateEvaluation, shared.PermUpdateEvaluation)).Post("/submissions", h.submit)
	r.With(h.rbac.RequireAny(shared.PermReadEvaluation, shared.PermApproveEvaluation, shared.PermManageUsers)).Get("/{id}", h.show)
	r.Post("/{id}/approve", h.approve)
	r.Post("/{id}/reject", h.reject)
	r.Post("/{id}/cancel", h.cancel)
}

// MapError translates engine errors into the httpx taxonomy.
func MapError(err error) error {
	var failure *AssignmentFailure
	switch {
	case err == nil:
		return nil
	case errors.As(err, &failure):
		return fmt.Errorf("%w: %v", httpx.ErrConflict, err)
	case errors.Is(err, ErrNotFound):
		return fmt.Errorf("%w: %v", httpx.ErrNotFound, err)
	case errors.Is(err, ErrWorkflowClosed), errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrNoPendingStep), errors.Is(err, ErrVersionConflict):
		return fmt.Errorf("%w: %v", httpx.ErrConflict, err)
	case errors.Is(err, ErrNotCurrentApprover), errors.Is(err, shared.ErrForbidden):
		return fmt.Errorf("%w: %v", httpx.ErrForbidden, err)
	case errors.Is(err, shared.ErrUnauthenticated):
		return fmt.Errorf("%w: %v", httpx.ErrUnauthorized, err)
	case errors.Is(err, shared.ErrLockTimeout):
		return fmt.Errorf("%w: %v", httpx.ErrUnavailable, err)
	default:
		return rbac.MapError(err)
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var failure *AssignmentFailure
	mapped := MapError(err)
	switch {
	case errors.As(err, &failure):
		h.logger.Error("escalation approver assignment failed",
			slog.Int64("rule_id", failure.RuleID),
			slog.String("rule", failure.RuleName),
			slog.Int64("approver_id", failure.ApproverID),
			slog.String("permission", failure.Permission),
			slog.Any("error", failure.Err),
		)
	case errors.Is(mapped, httpx.ErrUnavailable), !isClientError(mapped):
		h.logger.Error("escalation request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
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

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	var sub Submission
	if err := httpx.DecodeJSON(r, &sub); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	res, err := h.engine.SubmitForEscalationCheck(r.Context(), principal.UserID, sub)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	applied := make([]map[string]any, 0, len(res.Applied))
	for _, a := range res.Applied {
		applied = append(applied, map[string]any{
			"rule_id":   a.RuleID,
			"rule_name": a.RuleName,
			"action":    a.Action,
			"detail":    a.Detail,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"from":     res.From,
		"to":       res.To,
		"applied":  applied,
		"workflow": workflowView(res.Workflow),
	})
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	wf, err := h.engine.Workflow(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, workflowView(wf))
}

type decisionRequest struct {
	Comment string `json:"comment"`
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.engine.Approve)
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.engine.Reject)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.engine.Cancel)
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, actor shared.Principal, id int64, comment string) (Workflow, error)) {
	principal := shared.PrincipalFromContext(r.Context())
	if !principal.Authenticated {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	id, err := idParam(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var body decisionRequest
	if r.ContentLength > 0 {
		if err := httpx.DecodeJSON(r, &body); err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
			return
		}
	}
	wf, err := fn(r.Context(), principal, id, body.Comment)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, workflowView(wf))
}

func idParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid id", httpx.ErrValidation)
	}
	return id, nil
}

func workflowView(wf Workflow) map[string]any {
	steps := make([]map[string]any, 0, len(wf.Steps))
	for _, s := range wf.Steps {
		steps = append(steps, map[string]any{
			"id":             s.ID,
			"level":          s.Level,
			"label":          s.Label,
			"approver_id":    s.ApproverID,
			"status":         s.Status,
			"source_rule_id": s.SourceRuleID,
			"decided_at":     s.DecidedAt,
			"comment":        s.Comment,
		})
	}
	applied := wf.AppliedRules
	if applied == nil {
		applied = []int64{}
	}
	return map[string]any{
		"id":                        wf.ID,
		"evaluation_id":             wf.EvaluationID,
		"employee_id":               wf.EmployeeID,
		"department_id":             wf.DepartmentID,
		"state":                     wf.State,
		"requires_improvement_plan": wf.RequiresImprovementPlan,
		"applied_rules":             applied,
		"steps":                     steps,
		"version":                   wf.Version,
		"created_at":                wf.CreatedAt,
		"updated_at":                wf.UpdatedAt,
	}
}
