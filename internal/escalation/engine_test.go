package escalation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/observability"
	"github.com/odyssey-erp/odyssey-access/internal/permcache"
	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/policy"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

const (
	actor      int64 = 900
	employee   int64 = 5
	supervisor int64 = 20
	hrOfficer  int64 = 30
	staffer    int64 = 40
	dept       int64 = 7
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

func (n *recordingNotifier) Notify(ctx context.Context, note Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, note)
	return n.err
}

func (n *recordingNotifier) all() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.sent...)
}

type fixture struct {
	policies *policy.MemoryStore
	service  *rbac.Service
	resolver *rbac.Resolver
	store    *MemoryStore
	notifier *recordingNotifier
	engine   *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	log := audit.NewMemoryLog()
	policies := policy.NewMemoryStore(log)
	cache := permcache.NewMemoryCache(time.Minute, 0)
	t.Cleanup(func() { _ = cache.Close() })
	resolver := rbac.NewResolver(policies, cache, nil)
	service := rbac.NewService(policies, cache, nil, resolver, nil)
	_, err := service.SeedDefaults(ctx, actor)
	require.NoError(t, err)

	f := &fixture{
		policies: policies,
		service:  service,
		resolver: resolver,
		store:    NewMemoryStore(log),
		notifier: &recordingNotifier{},
	}
	d := dept
	f.assign(t, supervisor, "supervisor", &d)
	f.assign(t, hrOfficer, "hr_officer", nil)
	f.assign(t, staffer, "staff", &d)
	f.assign(t, employee, "staff", &d)

	f.engine = NewEngine(service, f.store, resolver, nil,
		WithNotifier(f.notifier),
		WithMetrics(observability.NewMetrics()),
		WithPredicateTimeout(100*time.Millisecond),
	)
	return f
}

func (f *fixture) assign(t *testing.T, userID int64, codename string, department *int64) {
	t.Helper()
	ctx := context.Background()
	role, err := f.policies.RoleByCodename(ctx, codename)
	require.NoError(t, err)
	_, err = f.service.AssignRole(ctx, actor, rbac.AssignmentInput{
		UserID:       userID,
		RoleID:       role.ID,
		DepartmentID: department,
		StartTime:    time.Now().Add(-time.Hour),
		Reason:       "test",
	})
	require.NoError(t, err)
}

func (f *fixture) rule(t *testing.T, name string, priority int, cond policy.ConditionType, condParams map[string]any, action policy.RuleAction, actionParams map[string]any) policy.ConditionalRule {
	t.Helper()
	r, err := f.service.CreateRule(context.Background(), actor, rbac.RuleInput{
		Name:                name,
		ConditionType:       cond,
		ConditionParameters: condParams,
		Action:              action,
		ActionParameters:    actionParams,
		Priority:            priority,
	})
	require.NoError(t, err)
	return r
}

func submission(evaluationID int64, score float64, approvers ...int64) Submission {
	d := dept
	return Submission{
		EvaluationID: evaluationID,
		EmployeeID:   employee,
		Score:        score,
		DepartmentID: &d,
		Approvers:    approvers,
	}
}

func principal(id int64) shared.Principal {
	return shared.Principal{UserID: id, Authenticated: true}
}

func TestEscalateLowScoreToHRApprover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.rule(t, "low score to HR", 10, policy.ConditionScoreThreshold, map[string]any{"threshold": 50},
		policy.RuleEscalate, map[string]any{"approver_id": hrOfficer, "level": "HR"})

	res, err := f.engine.SubmitForEscalationCheck(ctx, actor, submission(1, 42, supervisor))
	require.NoError(t, err)
	require.Equal(t, StatePending, res.From)
	require.Equal(t, StateEscalated, res.To)
	require.Len(t, res.Applied, 1)
	require.Equal(t, policy.RuleEscalate, res.Applied[0].Action)

	wf := res.Workflow
	idx := wf.CurrentStep()
	require.GreaterOrEqual(t, idx, 0)
	require.Equal(t, hrOfficer, wf.Steps[idx].ApproverID)
	require.Equal(t, "HR", wf.Steps[idx].Label)
	require.Equal(t, 1, wf.Steps[idx].Level)

	stored, err := f.store.ByEvaluation(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, StateEscalated, stored.State)

	var escalated int
	for _, ev := range f.store.AuditLog().Events() {
		if ev.Entity == audit.EntityWorkflow && ev.Action == audit.ActionEscalated {
			escalated++
			require.Equal(t, employee, ev.SubjectUserID)
		}
	}
	require.Equal(t, 1, escalated)
}

func TestEscalationToUnauthorizedApproverFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rule := f.rule(t, "low score", 10, policy.ConditionScoreThreshold, map[string]any{"threshold": 50},
		policy.RuleEscalate, map[string]any{"approver_id": staffer, "level": "HR"})

	_, err := f.engine.SubmitForEscalationCheck(ctx, actor, submission(2, 42, supervisor))
	var failure *AssignmentFailure
	require.ErrorAs(t, err, &failure)
	require.Equal(t, rule.ID, failure.RuleID)
	require.Equal(t, staffer, failure.ApproverID)
	require.Equal(t, shared.PermApproveEvaluation, failure.Permission)
	require.Equal(t, dept, *failure.DepartmentID)

	_, err = f.store.ByEvaluation(ctx, 2)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSupervisorOutsideDepartmentCannotBeAssigned(t *testing.T) {
	f := newFixture(t)
	f.rule(t, "extra approver", 10, policy.ConditionScoreThreshold, nil,
		policy.RuleAddApprover, map[string]any{"approver_id": supervisor})

	sub := submission(3, 10)
	other := int64(8)
	sub.DepartmentID = &other
	_, err := f.engine.SubmitForEscalationCheck(context.Background(), actor, sub)
	var failure *AssignmentFailure
	require.ErrorAs(t, err, &failure)

	f.rule(t, "missing approver", 5, policy.ConditionScoreThreshold, nil, policy.RuleAddApprover, nil)
	_, err = f.engine.SubmitForEscalationCheck(context.Background(), actor, submission(4, 10))
	require.ErrorAs(t, err, &failure)
	require.ErrorIs(t, err, ErrMissingApprover)
}

func TestScoreAtThresholdDoesNotMatch(t *testing.T) {
	f := newFixture(t)
	f.rule(t, "low score", 10, policy.ConditionScoreThreshold, map[string]any{"threshold": 50},
		policy.RuleEscalate, map[string]any{"approver_id": hrOfficer})

	res, err := f.engine.SubmitForEscalationCheck(context.Background(), actor, submission(5, 50, supervisor))
	require.NoError(t, err)
	require.Empty(t, res.Applied)
	require.Equal(t, StateUnderReview, res.To)
	require.Equal(t, supervisor, res.Workflow.Steps[0].ApproverID)
}

func TestRulesApplyCumulativelyByPriority(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.rule(t, "notify reviewer", 30, policy.ConditionScoreThreshold, map[string]any{"threshold": 60},
		policy.RuleNotify, map[string]any{"message": "low score needs review"})
	f.rule(t, "improvement plan", 40, policy.ConditionScoreThreshold, map[string]any{"threshold": 60},
		policy.RuleRequireImprovementPlan, nil)
	f.rule(t, "second opinion", 20, policy.ConditionScoreThreshold, map[string]any{"threshold": 60},
		policy.RuleAddApprover, map[string]any{"approver_id": supervisor, "level": 2, "label": "second opinion"})
	f.rule(t, "escalate", 10, policy.ConditionScoreThreshold, map[string]any{"threshold": 60},
		policy.RuleEscalate, map[string]any{"approver_id": hrOfficer, "level": "HR"})

	res, err := f.engine.SubmitForEscalationCheck(ctx, actor, submission(6, 30, supervisor))
	require.NoError(t, err)

	actions := make([]policy.RuleAction, 0, len(res.Applied))
	for _, a := range res.Applied {
		actions = append(actions, a.Action)
	}
	require.Equal(t, []policy.RuleAction{
		policy.RuleEscalate, policy.RuleAddApprover, policy.RuleNotify, policy.RuleRequireImprovementPlan,
	}, actions)

	wf := res.Workflow
	require.Equal(t, StateEscalated, wf.State)
	require.True(t, wf.RequiresImprovementPlan)
	require.Len(t, wf.Steps, 2)
	require.Equal(t, hrOfficer, wf.Steps[0].ApproverID)
	require.Equal(t, supervisor, wf.Steps[1].ApproverID)
	require.Equal(t, "second opinion", wf.Steps[1].Label)
	require.Len(t, wf.AppliedRules, 4)

	sent := f.notifier.all()
	require.Len(t, sent, 1)
	require.Equal(t, hrOfficer, sent[0].ApproverID)
	require.Equal(t, int64(6), sent[0].ReferenceID)
	require.Equal(t, wf.ID, sent[0].WorkflowID)
	require.Equal(t, "low score needs review", sent[0].Reason)
}

func TestResubmissionSkipsAppliedRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.rule(t, "notify", 10, policy.ConditionScoreThreshold, nil, policy.RuleNotify, map[string]any{"recipient_id": hrOfficer})

	first, err := f.engine.SubmitForEscalationCheck(ctx, actor, submission(7, 20, supervisor))
	require.NoError(t, err)
	require.Len(t, first.Applied, 1)

	second, err := f.engine.SubmitForEscalationCheck(ctx, actor, submission(7, 10, supervisor))
	require.NoError(t, err)
	require.Empty(t, second.Applied)
	require.Equal(t, first.Workflow.Version, second.Workflow.Version)
	require.Len(t, f.notifier.all(), 1)
}

func TestAddApproverKeepsDecidedLevels(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.SubmitForEscalationCheck(ctx, actor, submission(8, 80, supervisor, hrOfficer))
	require.NoError(t, err)
	require.Equal(t, StateUnderReview, res.To)

	wf, err := f.engine.Approve(ctx, principal(supervisor), res.Workflow.ID, "looks fine")
	require.NoError(t, err)
	require.Equal(t, StepApproved, wf.Steps[0].Status)

	f.rule(t, "extra", 10, policy.ConditionScoreThreshold, map[string]any{"threshold": 90},
		policy.RuleAddApprover, map[string]any{"approver_id": supervisor, "level": 1})
	res, err = f.engine.SubmitForEscalationCheck(ctx, actor, submission(8, 80))
	require.NoError(t, err)
	require.Len(t, res.Applied, 1)

	steps := res.Workflow.Steps
	require.Len(t, steps, 3)
	require.Equal(t, 1, steps[0].Level)
	require.Equal(t, StepApproved, steps[0].Status)
	require.Equal(t, "looks fine", steps[0].Comment)
	require.Equal(t, 2, steps[1].Level)
	require.Equal(t, supervisor, steps[1].ApproverID)
	require.NotNil(t, steps[1].SourceRuleID)
	require.Equal(t, 3, steps[2].Level)
	require.Equal(t, hrOfficer, steps[2].ApproverID)
}

func TestApproveRejectCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.SubmitForEscalationCheck(ctx, actor, submission(9, 80, supervisor, hrOfficer))
	require.NoError(t, err)
	id := res.Workflow.ID

	_, err = f.engine.Approve(ctx, principal(hrOfficer), id, "")
	require.ErrorIs(t, err, ErrNotCurrentApprover)
	_, err = f.engine.Approve(ctx, shared.Principal{UserID: supervisor}, id, "")
	require.ErrorIs(t, err, shared.ErrUnauthenticated)

	wf, err := f.engine.Approve(ctx, principal(supervisor), id, "")
	require.NoError(t, err)
	require.Equal(t, StateUnderReview, wf.State)
	wf, err = f.engine.Approve(ctx, principal(hrOfficer), id, "final")
	require.NoError(t, err)
	require.Equal(t, StateApproved, wf.State)
	_, err = f.engine.Approve(ctx, principal(hrOfficer), id, "")
	require.ErrorIs(t, err, ErrWorkflowClosed)
	_, err = f.engine.SubmitForEscalationCheck(ctx, actor, submission(9, 80))
	require.ErrorIs(t, err, ErrWorkflowClosed)

	res, err = f.engine.SubmitForEscalationCheck(ctx, actor, submission(10, 80, supervisor, hrOfficer))
	require.NoError(t, err)
	wf, err = f.engine.Reject(ctx, principal(supervisor), res.Workflow.ID, "incomplete")
	require.NoError(t, err)
	require.Equal(t, StateRejected, wf.State)
	require.Equal(t, StepRejected, wf.Steps[0].Status)
	require.Equal(t, StepCancelled, wf.Steps[1].Status)

	res, err = f.engine.SubmitForEscalationCheck(ctx, actor, submission(11, 80, supervisor))
	require.NoError(t, err)
	_, err = f.engine.Cancel(ctx, principal(staffer), res.Workflow.ID, "")
	require.ErrorIs(t, err, shared.ErrForbidden)
	wf, err = f.engine.Cancel(ctx, principal(employee), res.Workflow.ID, "withdrawn")
	require.NoError(t, err)
	require.Equal(t, StateCancelled, wf.State)

	res, err = f.engine.SubmitForEscalationCheck(ctx, actor, submission(12, 80, supervisor))
	require.NoError(t, err)
	wf, err = f.engine.Cancel(ctx, principal(hrOfficer), res.Workflow.ID, "duplicate")
	require.NoError(t, err)
	require.Equal(t, StateCancelled, wf.State)

	_, err = f.engine.Approve(ctx, principal(supervisor), 999, "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestNotifierFailureDoesNotRollBack(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("queue down")
	f.rule(t, "notify", 10, policy.ConditionScoreThreshold, nil, policy.RuleNotify, nil)

	res, err := f.engine.SubmitForEscalationCheck(context.Background(), actor, submission(13, 10, supervisor))
	require.NoError(t, err)
	require.Len(t, res.Applied, 1)
	require.Len(t, f.notifier.all(), 1)
	require.Equal(t, supervisor, f.notifier.all()[0].ApproverID)

	_, err = f.store.ByEvaluation(context.Background(), 13)
	require.NoError(t, err)
}

func TestAuditFailureAbortsSubmission(t *testing.T) {
	f := newFixture(t)
	f.rule(t, "plan", 10, policy.ConditionScoreThreshold, nil, policy.RuleRequireImprovementPlan, nil)
	f.store.AuditLog().FailWith(errors.New("audit unavailable"))
	t.Cleanup(func() { f.store.AuditLog().FailWith(nil) })

	_, err := f.engine.SubmitForEscalationCheck(context.Background(), actor, submission(14, 10, supervisor))
	require.Error(t, err)
	_, err = f.store.ByEvaluation(context.Background(), 14)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSubmissionValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.SubmitForEscalationCheck(context.Background(), actor, Submission{EmployeeID: employee})
	require.ErrorIs(t, err, httpx.ErrValidation)

	sub := submission(15, 80)
	sub.KPIResults = []KPIResult{{KPIID: 0}}
	_, err = f.engine.SubmitForEscalationCheck(context.Background(), actor, sub)
	require.ErrorIs(t, err, httpx.ErrValidation)
}

func TestStateMachine(t *testing.T) {
	require.True(t, CanTransition(StatePending, StateUnderReview))
	require.True(t, CanTransition(StateEscalated, StateEscalated))
	require.False(t, CanTransition(StatePending, StateRejected))
	require.False(t, CanTransition(StateApproved, StateEscalated))
	for _, s := range []State{StateApproved, StateRejected, StateCancelled} {
		require.True(t, s.Terminal())
	}

	wf := Workflow{State: StateApproved}
	require.ErrorIs(t, wf.transition(StateEscalated), ErrWorkflowClosed)
	wf = Workflow{State: StatePending}
	require.ErrorIs(t, wf.transition(StateRejected), ErrInvalidTransition)
}
