package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/observability"
	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/policy"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// RuleSource returns the active conditional rules.
type RuleSource interface {
	ActiveRules(ctx context.Context) ([]policy.ConditionalRule, error)
}

// Authorizer answers permission checks. *rbac.Resolver satisfies it.
type Authorizer interface {
	Decide(ctx context.Context, principal shared.Principal, check rbac.Check) (bool, error)
}

// Notifier hands notify actions to the notification collaborator.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Engine evaluates conditional rules against submissions and drives the
// approval workflow state machine.
type Engine struct {
	rules            RuleSource
	store            Store
	authz            Authorizer
	notifier         Notifier
	locker           shared.Locker
	logger           *slog.Logger
	metrics          *observability.Metrics
	tracer           trace.Tracer
	validate         *validator.Validate
	predicates       *registry
	predicateTimeout time.Duration
	now              func() time.Time
}

// Option customises an Engine.
type Option func(*Engine)

// WithNotifier sets the notification collaborator.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithLocker replaces the in-process workflow lock.
func WithLocker(l shared.Locker) Option {
	return func(e *Engine) { e.locker = l }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithPredicateTimeout bounds custom predicates.
func WithPredicateTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.predicateTimeout = d
		}
	}
}

// WithClock overrides the clock stamped on decided steps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine wires the engine.
func NewEngine(rules RuleSource, store Store, authz Authorizer, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		rules:            rules,
		store:            store,
		authz:            authz,
		locker:           shared.NewKeyedMutex(),
		logger:           logger,
		tracer:           otel.Tracer("github.com/odyssey-erp/odyssey-access/internal/escalation"),
		validate:         validator.New(),
		predicates:       newRegistry(),
		predicateTimeout: DefaultPredicateTimeout,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterPredicate makes a custom predicate available to custom rules.
func (e *Engine) RegisterPredicate(name string, p Predicate) error {
	return e.predicates.register(name, p)
}

// Workflow returns a workflow by id.
func (e *Engine) Workflow(ctx context.Context, id int64) (Workflow, error) {
	return e.store.Get(ctx, id)
}

func (e *Engine) validateSubmission(sub Submission) error {
	if err := e.validate.Struct(sub); err != nil {
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

// SubmitForEscalationCheck evaluates every active rule against the submission
// and applies the matches to the evaluation's workflow, creating it from
// sub.Approvers on first submission. Rules apply cumulatively in ascending
// priority; a rule already applied to the workflow is not applied again. An
// approver who lacks the approve permission fails the whole submission with
// *AssignmentFailure and nothing is persisted. Notifications are sent after
// commit and their failures are only logged.
func (e *Engine) SubmitForEscalationCheck(ctx context.Context, actorID int64, sub Submission) (res Result, err error) {
	if err := e.validateSubmission(sub); err != nil {
		return Result{}, err
	}
	ctx, span := e.tracer.Start(ctx, "escalation.SubmitForEscalationCheck", trace.WithAttributes(
		attribute.Int64("evaluation.id", sub.EvaluationID),
		attribute.Float64("evaluation.score", sub.Score),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(
				attribute.String("workflow.state", string(res.To)),
				attribute.Int("rules.applied", len(res.Applied)),
			)
		}
		span.End()
	}()

	rules, err := e.rules.ActiveRules(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("escalation: load rules: %w", err)
	}
	policy.SortRules(rules)

	unlock, err := e.locker.Lock(ctx, shared.WorkflowLockKey(sub.EvaluationID))
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	wf, err := e.store.ByEvaluation(ctx, sub.EvaluationID)
	isNew := errors.Is(err, ErrNotFound)
	switch {
	case isNew:
		wf = openWorkflow(sub)
	case err != nil:
		return Result{}, err
	case wf.State.Terminal():
		return Result{}, fmt.Errorf("%w: %s", ErrWorkflowClosed, wf.State)
	}
	before := workflowState(wf)
	from := wf.State

	var (
		applied       []AppliedAction
		notifications []Notification
	)
	for _, rule := range rules {
		if !rule.IsActive || wf.hasApplied(rule.ID) {
			continue
		}
		if !e.matches(ctx, rule, sub) {
			continue
		}
		action, note, err := e.apply(ctx, &wf, rule, sub)
		if err != nil {
			return Result{}, err
		}
		wf.AppliedRules = append(wf.AppliedRules, rule.ID)
		applied = append(applied, action)
		if note != nil {
			notifications = append(notifications, *note)
		}
	}
	if wf.State == StatePending && wf.CurrentStep() >= 0 {
		if err := wf.transition(StateUnderReview); err != nil {
			return Result{}, err
		}
	}

	if !isNew && len(applied) == 0 && wf.State == from {
		return Result{Workflow: wf, From: from, To: wf.State}, nil
	}

	err = e.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		if isNew {
			wf, err = tx.Create(ctx, wf)
			if err != nil {
				return err
			}
			opened := e.event(ctx, actorID, wf, audit.ActionModified, "approval workflow opened")
			opened.After = workflowState(wf)
			if err := tx.Recorder().Record(ctx, opened); err != nil {
				return err
			}
		} else {
			wf, err = tx.Save(ctx, wf)
			if err != nil {
				return err
			}
		}
		for _, a := range applied {
			ev := e.event(ctx, actorID, wf, auditAction(a.Action), a.RuleName+": "+a.Detail)
			ev.Before, ev.After = before, workflowState(wf)
			if err := tx.Recorder().Record(ctx, ev); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	for _, a := range applied {
		e.metrics.EscalationAction(string(a.Action))
		e.logger.Info("escalation rule applied",
			slog.Int64("evaluation_id", wf.EvaluationID),
			slog.Int64("workflow_id", wf.ID),
			slog.Int64("rule_id", a.RuleID),
			slog.String("action", string(a.Action)),
			slog.String("detail", a.Detail),
		)
	}
	e.notify(ctx, wf, notifications)
	return Result{Workflow: wf, From: from, To: wf.State, Applied: applied}, nil
}

func openWorkflow(sub Submission) Workflow {
	wf := Workflow{
		EvaluationID: sub.EvaluationID,
		EmployeeID:   sub.EmployeeID,
		DepartmentID: sub.DepartmentID,
		State:        StatePending,
	}
	for i, approver := range sub.Approvers {
		wf.Steps = append(wf.Steps, Step{
			Level:      i + 1,
			Label:      "level " + strconv.Itoa(i+1),
			ApproverID: approver,
			Status:     StepPending,
		})
	}
	return wf
}

func (e *Engine) apply(ctx context.Context, wf *Workflow, rule policy.ConditionalRule, sub Submission) (AppliedAction, *Notification, error) {
	params := rule.ActionParameters
	out := AppliedAction{RuleID: rule.ID, RuleName: rule.Name, Action: rule.Action}
	ruleID := rule.ID

	switch rule.Action {
	case policy.RuleAddApprover:
		approverID, err := e.assignable(ctx, rule, sub)
		if err != nil {
			return out, nil, err
		}
		level := wf.maxLevel() + 1
		if raw, ok := params["level"]; ok {
			if v, ok := integer(raw); ok {
				level = int(v)
			}
		}
		label, _ := params["label"].(string)
		placed := wf.insertStep(level, Step{Label: label, ApproverID: approverID, SourceRuleID: &ruleID})
		out.Detail = fmt.Sprintf("approver %d added at level %d", approverID, placed)

	case policy.RuleEscalate:
		approverID, err := e.assignable(ctx, rule, sub)
		if err != nil {
			return out, nil, err
		}
		label := stringParam(params, "level", "label")
		if idx := wf.CurrentStep(); idx >= 0 {
			previous := wf.Steps[idx].ApproverID
			wf.Steps[idx].ApproverID = approverID
			wf.Steps[idx].SourceRuleID = &ruleID
			if label != "" {
				wf.Steps[idx].Label = label
			}
			out.Detail = fmt.Sprintf("level %d reassigned from %d to %d", wf.Steps[idx].Level, previous, approverID)
		} else {
			placed := wf.insertStep(wf.maxLevel()+1, Step{Label: label, ApproverID: approverID, SourceRuleID: &ruleID})
			out.Detail = fmt.Sprintf("approver %d added at level %d", approverID, placed)
		}
		if err := wf.transition(StateEscalated); err != nil {
			return out, nil, err
		}

	case policy.RuleNotify:
		note := Notification{ReferenceID: sub.EvaluationID, RuleID: rule.ID}
		if raw, ok := params["recipient_id"]; ok {
			note.ApproverID, _ = integer(raw)
		} else if idx := wf.CurrentStep(); idx >= 0 {
			note.ApproverID = wf.Steps[idx].ApproverID
		}
		note.Reason = stringParam(params, "message", "reason")
		if note.Reason == "" {
			note.Reason = rule.Name
		}
		if note.ApproverID <= 0 {
			out.Detail = "no recipient"
			return out, nil, nil
		}
		out.Detail = fmt.Sprintf("notify %d", note.ApproverID)
		return out, &note, nil

	case policy.RuleRequireImprovementPlan:
		wf.RequiresImprovementPlan = true
		out.Detail = "improvement plan required"

	default:
		return out, nil, fmt.Errorf("escalation: rule %d has unknown action %q", rule.ID, rule.Action)
	}
	return out, nil, nil
}

// assignable resolves the approver named by the rule and confirms they hold
// the approve permission in the submission's department.
func (e *Engine) assignable(ctx context.Context, rule policy.ConditionalRule, sub Submission) (int64, error) {
	permission := stringParam(rule.ActionParameters, "permission")
	if permission == "" {
		permission = shared.PermApproveEvaluation
	}
	failure := &AssignmentFailure{
		RuleID:       rule.ID,
		RuleName:     rule.Name,
		Action:       rule.Action,
		Permission:   permission,
		DepartmentID: sub.DepartmentID,
	}
	approverID, ok := integer(rule.ActionParameters["approver_id"])
	if !ok || approverID <= 0 {
		failure.Err = ErrMissingApprover
		return 0, failure
	}
	failure.ApproverID = approverID
	allowed, err := e.authz.Decide(ctx, shared.Principal{UserID: approverID, Authenticated: true}, rbac.Check{
		Codename:     permission,
		DepartmentID: sub.DepartmentID,
	})
	if err != nil {
		failure.Err = err
		return 0, failure
	}
	if !allowed {
		return 0, failure
	}
	return approverID, nil
}

func (e *Engine) notify(ctx context.Context, wf Workflow, notes []Notification) {
	if len(notes) == 0 {
		return
	}
	if e.notifier == nil {
		e.logger.Warn("notify rule matched without a notifier", slog.Int64("workflow_id", wf.ID))
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, n := range notes {
		n.WorkflowID = wf.ID
		if err := e.notifier.Notify(ctx, n); err != nil {
			e.logger.Warn("escalation notification failed",
				slog.Int64("workflow_id", wf.ID),
				slog.Int64("rule_id", n.RuleID),
				slog.Int64("approver_id", n.ApproverID),
				slog.Any("error", err),
			)
		}
	}
}

// Approve records the caller's approval of the current step. Approving the
// last pending step approves the workflow.
func (e *Engine) Approve(ctx context.Context, approver shared.Principal, workflowID int64, comment string) (Workflow, error) {
	return e.decideStep(ctx, approver, workflowID, comment, StepApproved)
}

// Reject records the caller's rejection of the current step and closes the
// workflow.
func (e *Engine) Reject(ctx context.Context, approver shared.Principal, workflowID int64, comment string) (Workflow, error) {
	return e.decideStep(ctx, approver, workflowID, comment, StepRejected)
}

func (e *Engine) decideStep(ctx context.Context, approver shared.Principal, workflowID int64, comment string, status StepStatus) (Workflow, error) {
	if !approver.Authenticated {
		return Workflow{}, shared.ErrUnauthenticated
	}
	return e.mutate(ctx, approver.UserID, workflowID, comment, func(wf *Workflow) error {
		idx := wf.CurrentStep()
		if idx < 0 {
			return ErrNoPendingStep
		}
		if wf.Steps[idx].ApproverID != approver.UserID {
			return ErrNotCurrentApprover
		}
		allowed, err := e.authz.Decide(ctx, approver, rbac.Check{
			Codename:     shared.PermApproveEvaluation,
			DepartmentID: wf.DepartmentID,
		})
		if err != nil {
			return err
		}
		if !allowed {
			return shared.ErrForbidden
		}
		now := e.now()
		wf.Steps[idx].Status = status
		wf.Steps[idx].DecidedAt = &now
		wf.Steps[idx].Comment = comment
		if status == StepRejected {
			wf.cancelPending(now)
			return wf.transition(StateRejected)
		}
		if wf.CurrentStep() < 0 {
			return wf.transition(StateApproved)
		}
		if wf.State == StatePending {
			return wf.transition(StateUnderReview)
		}
		return nil
	})
}

// Cancel withdraws the workflow. The evaluated employee or a holder of
// manage_users may cancel.
func (e *Engine) Cancel(ctx context.Context, actor shared.Principal, workflowID int64, reason string) (Workflow, error) {
	if !actor.Authenticated {
		return Workflow{}, shared.ErrUnauthenticated
	}
	return e.mutate(ctx, actor.UserID, workflowID, reason, func(wf *Workflow) error {
		if actor.UserID != wf.EmployeeID {
			allowed, err := e.authz.Decide(ctx, actor, rbac.Check{
				Codename:     shared.PermManageUsers,
				DepartmentID: wf.DepartmentID,
			})
			if err != nil {
				return err
			}
			if !allowed {
				return shared.ErrForbidden
			}
		}
		wf.cancelPending(e.now())
		return wf.transition(StateCancelled)
	})
}

func (e *Engine) mutate(ctx context.Context, actorID, workflowID int64, reason string, fn func(*Workflow) error) (Workflow, error) {
	current, err := e.store.Get(ctx, workflowID)
	if err != nil {
		return Workflow{}, err
	}
	unlock, err := e.locker.Lock(ctx, shared.WorkflowLockKey(current.EvaluationID))
	if err != nil {
		return Workflow{}, err
	}
	defer unlock()

	wf, err := e.store.Get(ctx, workflowID)
	if err != nil {
		return Workflow{}, err
	}
	if wf.State.Terminal() {
		return Workflow{}, fmt.Errorf("%w: %s", ErrWorkflowClosed, wf.State)
	}
	before := workflowState(wf)
	if err := fn(&wf); err != nil {
		return Workflow{}, err
	}
	err = e.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		wf, err = tx.Save(ctx, wf)
		if err != nil {
			return err
		}
		ev := e.event(ctx, actorID, wf, audit.ActionModified, reason)
		ev.Before, ev.After = before, workflowState(wf)
		return tx.Recorder().Record(ctx, ev)
	})
	if err != nil {
		return Workflow{}, err
	}
	e.logger.Info("approval workflow updated",
		slog.Int64("workflow_id", wf.ID),
		slog.Int64("actor_id", actorID),
		slog.String("state", string(wf.State)),
	)
	return wf, nil
}

func (w *Workflow) cancelPending(at time.Time) {
	for i := range w.Steps {
		if w.Steps[i].Status == StepPending {
			w.Steps[i].Status = StepCancelled
			w.Steps[i].DecidedAt = &at
		}
	}
}

func (e *Engine) event(ctx context.Context, actorID int64, wf Workflow, action audit.Action, reason string) audit.Event {
	return audit.Event{
		ActorID:       actorID,
		SubjectUserID: wf.EmployeeID,
		Entity:        audit.EntityWorkflow,
		EntityID:      strconv.FormatInt(wf.ID, 10),
		Permission:    shared.PermApproveEvaluation,
		Action:        action,
		Reason:        reason,
		Origin:        audit.OriginFromContext(ctx),
	}
}

func auditAction(a policy.RuleAction) audit.Action {
	switch a {
	case policy.RuleEscalate, policy.RuleAddApprover:
		return audit.ActionEscalated
	default:
		return audit.ActionModified
	}
}

func workflowState(wf Workflow) map[string]any {
	out := map[string]any{
		"state":                     string(wf.State),
		"requires_improvement_plan": wf.RequiresImprovementPlan,
		"steps":                     len(wf.Steps),
	}
	if idx := wf.CurrentStep(); idx >= 0 {
		out["current_level"] = wf.Steps[idx].Level
		out["current_approver"] = wf.Steps[idx].ApproverID
	}
	return out
}

func stringParam(params map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := params[k].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
