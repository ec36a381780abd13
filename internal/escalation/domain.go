// Package escalation runs conditional rules against evaluation submissions
// and mutates the live approval workflow of the evaluation.
package escalation

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/odyssey-erp/odyssey-access/internal/policy"
)

var (
	// ErrNotFound indicates the workflow does not exist.
	ErrNotFound = errors.New("escalation: workflow not found")
	// ErrWorkflowClosed indicates the workflow reached a terminal state.
	ErrWorkflowClosed = errors.New("escalation: workflow closed")
	// ErrInvalidTransition indicates a state change the machine does not allow.
	ErrInvalidTransition = errors.New("escalation: invalid state transition")
	// ErrNoPendingStep indicates there is no step awaiting a decision.
	ErrNoPendingStep = errors.New("escalation: no pending approval step")
	// ErrNotCurrentApprover indicates the caller is not assigned to the current step.
	ErrNotCurrentApprover = errors.New("escalation: caller is not the current approver")
	// ErrVersionConflict indicates a concurrent update of the same workflow.
	ErrVersionConflict = errors.New("escalation: workflow modified concurrently")
	// ErrPredicateExists indicates a custom predicate name is already registered.
	ErrPredicateExists = errors.New("escalation: predicate already registered")
	// ErrMissingApprover indicates an add_approver or escalate rule without approver_id.
	ErrMissingApprover = errors.New("escalation: rule has no approver_id")
)

// State of an approval workflow instance.
type State string

const (
	StatePending     State = "pending"
	StateUnderReview State = "under_review"
	StateEscalated   State = "escalated"
	StateApproved    State = "approved"
	StateRejected    State = "rejected"
	StateCancelled   State = "cancelled"
)

var transitions = map[State][]State{
	StatePending:     {StateUnderReview, StateEscalated, StateApproved, StateCancelled},
	StateUnderReview: {StateEscalated, StateApproved, StateRejected, StateCancelled},
	StateEscalated:   {StateEscalated, StateApproved, StateRejected, StateCancelled},
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	_, open := transitions[s]
	return !open
}

// CanTransition reports whether the machine allows from -> to.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StepStatus tracks a single approval step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepApproved  StepStatus = "approved"
	StepRejected  StepStatus = "rejected"
	StepCancelled StepStatus = "cancelled"
)

// Step is one required approval. Levels are contiguous and start at 1.
type Step struct {
	ID           int64
	Level        int
	Label        string
	ApproverID   int64
	Status       StepStatus
	SourceRuleID *int64
	DecidedAt    *time.Time
	Comment      string
}

// Workflow is the live approval instance of one evaluation.
type Workflow struct {
	ID                      int64
	EvaluationID            int64
	EmployeeID              int64
	DepartmentID            *int64
	State                   State
	RequiresImprovementPlan bool
	AppliedRules            []int64
	Steps                   []Step
	Version                 int
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// Clone returns a deep copy safe to mutate.
func (w Workflow) Clone() Workflow {
	out := w
	out.AppliedRules = append([]int64(nil), w.AppliedRules...)
	out.Steps = make([]Step, len(w.Steps))
	copy(out.Steps, w.Steps)
	if w.DepartmentID != nil {
		dept := *w.DepartmentID
		out.DepartmentID = &dept
	}
	return out
}

// CurrentStep returns the index of the lowest pending step, or -1.
func (w Workflow) CurrentStep() int {
	current := -1
	for i, s := range w.Steps {
		if s.Status != StepPending {
			continue
		}
		if current < 0 || s.Level < w.Steps[current].Level {
			current = i
		}
	}
	return current
}

// lastDecidedLevel is the highest level whose step is no longer pending.
func (w Workflow) lastDecidedLevel() int {
	level := 0
	for _, s := range w.Steps {
		if s.Status != StepPending && s.Level > level {
			level = s.Level
		}
	}
	return level
}

func (w Workflow) maxLevel() int {
	level := 0
	for _, s := range w.Steps {
		if s.Level > level {
			level = s.Level
		}
	}
	return level
}

// hasApplied reports whether the rule already changed this workflow.
func (w Workflow) hasApplied(ruleID int64) bool {
	for _, id := range w.AppliedRules {
		if id == ruleID {
			return true
		}
	}
	return false
}

func (w *Workflow) transition(to State) error {
	if w.State == to && to != StateEscalated {
		return nil
	}
	if w.State.Terminal() {
		return fmt.Errorf("%w: %s", ErrWorkflowClosed, w.State)
	}
	if !CanTransition(w.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, w.State, to)
	}
	w.State = to
	return nil
}

// insertStep places a pending step at level, shifting later steps up. Levels
// at or below the last decided level are never disturbed.
func (w *Workflow) insertStep(level int, step Step) int {
	floor := w.lastDecidedLevel() + 1
	if level < floor {
		level = floor
	}
	if ceiling := w.maxLevel() + 1; level > ceiling {
		level = ceiling
	}
	for i := range w.Steps {
		if w.Steps[i].Level >= level {
			w.Steps[i].Level++
		}
	}
	step.Level = level
	step.Status = StepPending
	w.Steps = append(w.Steps, step)
	sortSteps(w.Steps)
	return level
}

func sortSteps(steps []Step) {
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Level < steps[j].Level })
}

// KPIResult is the outcome of one KPI in a submission.
type KPIResult struct {
	KPIID        int64   `json:"kpi_id" validate:"required,gt=0"`
	Score        float64 `json:"score"`
	PassingValue float64 `json:"passing_value"`
}

// Submission is the evaluation context supplied by the submitting collaborator.
type Submission struct {
	EvaluationID int64       `json:"evaluation_id" validate:"required,gt=0"`
	EmployeeID   int64       `json:"employee_id" validate:"required,gt=0"`
	Score        float64     `json:"score"`
	KPIResults   []KPIResult `json:"kpi_results" validate:"dive"`
	DepartmentID *int64      `json:"department_id,omitempty" validate:"omitempty,gt=0"`
	RoleID       *int64      `json:"role_id,omitempty" validate:"omitempty,gt=0"`
	RoleCodename string      `json:"role,omitempty"`
	// Approvers is the initial chain, level 1 first. It is only used when the
	// workflow does not exist yet.
	Approvers   []int64   `json:"approvers" validate:"dive,gt=0"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// AppliedAction describes one rule that changed the workflow.
type AppliedAction struct {
	RuleID   int64
	RuleName string
	Action   policy.RuleAction
	Detail   string
}

// Result is the outcome of a submission.
type Result struct {
	Workflow Workflow
	From     State
	To       State
	Applied  []AppliedAction
}

// Notification is handed to the notification collaborator.
type Notification struct {
	WorkflowID  int64  `json:"workflow_id"`
	ReferenceID int64  `json:"reference_id"`
	RuleID      int64  `json:"rule_id"`
	ApproverID  int64  `json:"approver_id"`
	Reason      string `json:"reason"`
}

// AssignmentFailure reports that a rule designated an approver who does not
// hold the required permission. It needs operator intervention.
type AssignmentFailure struct {
	RuleID       int64
	RuleName     string
	Action       policy.RuleAction
	ApproverID   int64
	Permission   string
	DepartmentID *int64
	Err          error
}

func (e *AssignmentFailure) Error() string {
	dept := "any"
	if e.DepartmentID != nil {
		dept = fmt.Sprintf("%d", *e.DepartmentID)
	}
	msg := fmt.Sprintf("escalation: rule %d (%s) cannot assign approver %d: %s not held in department %s",
		e.RuleID, e.RuleName, e.ApproverID, e.Permission, dept)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AssignmentFailure) Unwrap() error { return e.Err }
