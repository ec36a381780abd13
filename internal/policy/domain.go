package policy

import (
	"strings"
	"time"
)

// Action enumerates the verbs a permission can grant.
type Action string

const (
	ActionCreate          Action = "create"
	ActionRead            Action = "read"
	ActionUpdate          Action = "update"
	ActionDelete          Action = "delete"
	ActionApprove         Action = "approve"
	ActionReject          Action = "reject"
	ActionExport          Action = "export"
	ActionImport          Action = "import"
	ActionAssign          Action = "assign"
	ActionDelegate        Action = "delegate"
	ActionOverride        Action = "override"
	ActionViewAnalytics   Action = "view_analytics"
	ActionManageUsers     Action = "manage_users"
	ActionConfigureSystem Action = "configure_system"
)

var validActions = map[Action]struct{}{
	ActionCreate: {}, ActionRead: {}, ActionUpdate: {}, ActionDelete: {},
	ActionApprove: {}, ActionReject: {}, ActionExport: {}, ActionImport: {},
	ActionAssign: {}, ActionDelegate: {}, ActionOverride: {}, ActionViewAnalytics: {},
	ActionManageUsers: {}, ActionConfigureSystem: {},
}

// Valid reports whether the action belongs to the closed enumeration.
func (a Action) Valid() bool {
	_, ok := validActions[a]
	return ok
}

// ResourceType enumerates the protected resource kinds.
type ResourceType string

const (
	ResourceEvaluation   ResourceType = "evaluation"
	ResourceKPI          ResourceType = "kpi"
	ResourceFormTemplate ResourceType = "form_template"
	ResourceGoal         ResourceType = "goal"
	ResourceApproval     ResourceType = "approval"
	ResourceAnalytics    ResourceType = "analytics"
	ResourceUser         ResourceType = "user"
	ResourceDepartment   ResourceType = "department"
	ResourceRole         ResourceType = "role"
	ResourcePermission   ResourceType = "permission"
	ResourceSystemConfig ResourceType = "system_config"
	ResourceAuditLog     ResourceType = "audit_log"
	ResourceNotification ResourceType = "notification"
	ResourceReport       ResourceType = "report"
)

var validResources = map[ResourceType]struct{}{
	ResourceEvaluation: {}, ResourceKPI: {}, ResourceFormTemplate: {}, ResourceGoal: {},
	ResourceApproval: {}, ResourceAnalytics: {}, ResourceUser: {}, ResourceDepartment: {},
	ResourceRole: {}, ResourcePermission: {}, ResourceSystemConfig: {}, ResourceAuditLog: {},
	ResourceNotification: {}, ResourceReport: {},
}

// Valid reports whether the resource type belongs to the closed enumeration.
func (r ResourceType) Valid() bool {
	_, ok := validResources[r]
	return ok
}

// Codename builds the canonical "<action>_<resource>" permission codename.
func Codename(action Action, resource ResourceType) string {
	return string(action) + "_" + string(resource)
}

// RoleType classifies roles.
type RoleType string

const (
	RoleSystem     RoleType = "system"
	RoleDepartment RoleType = "department"
	RoleProject    RoleType = "project"
	RoleTemporary  RoleType = "temporary"
)

// OverrideType controls how an override alters the role-derived set.
type OverrideType string

const (
	OverrideGrant  OverrideType = "grant"
	OverrideDeny   OverrideType = "deny"
	OverrideModify OverrideType = "modify"
)

// Permission is an atomic capability identified by a unique codename.
type Permission struct {
	ID              int64
	Codename        string
	Name            string
	Description     string
	Action          Action
	ResourceType    ResourceType
	DepartmentScope *int64
	CreatedAt       time.Time
}

// Role groups permission bindings.
type Role struct {
	ID               int64
	Name             string
	Codename         string
	Description      string
	RoleType         RoleType
	IsRequestable    bool
	RequiresApproval bool
	MaxDuration      *time.Duration
	CreatedAt        time.Time
}

// RolePermission binds a permission to a role, optionally gated by conditions.
type RolePermission struct {
	ID           int64
	RoleID       int64
	PermissionID int64
	Conditions   Conditions
	IsActive     bool
	CreatedAt    time.Time
}

// Binding is a RolePermission joined with its permission row. Permission is
// nil when the referenced permission no longer exists.
type Binding struct {
	RolePermission
	Permission *Permission
}

// UserRoleAssignment grants a role to a user for a time window.
type UserRoleAssignment struct {
	ID           int64
	UserID       int64
	RoleID       int64
	DepartmentID *int64
	StartTime    time.Time
	EndTime      *time.Time
	Conditions   Conditions
	IsActive     bool
	AssignedBy   int64
	Reason       string
	CreatedAt    time.Time
}

// IsCurrent reports whether the assignment is in force at t.
func (a UserRoleAssignment) IsCurrent(t time.Time) bool {
	return isCurrent(a.IsActive, a.StartTime, a.EndTime, t)
}

// PermissionOverride is a per-user exception to the role structure.
type PermissionOverride struct {
	ID           int64
	UserID       int64
	PermissionID int64
	OverrideType OverrideType
	StartTime    time.Time
	EndTime      *time.Time
	IsActive     bool
	Reason       string
	GrantedBy    int64
	CreatedAt    time.Time
}

// IsCurrent reports whether the override is in force at t.
func (o PermissionOverride) IsCurrent(t time.Time) bool {
	return isCurrent(o.IsActive, o.StartTime, o.EndTime, t)
}

func isCurrent(active bool, start time.Time, end *time.Time, t time.Time) bool {
	if !active || start.After(t) {
		return false
	}
	return end == nil || !end.Before(t)
}

// ConditionType enumerates the conditional rule triggers.
type ConditionType string

const (
	ConditionScoreThreshold ConditionType = "score_threshold"
	ConditionKPIFailure     ConditionType = "kpi_failure"
	ConditionDepartment     ConditionType = "department"
	ConditionRole           ConditionType = "role"
	ConditionCustom         ConditionType = "custom"
)

// RuleAction enumerates what a matched rule does to the workflow.
type RuleAction string

const (
	RuleAddApprover            RuleAction = "add_approver"
	RuleEscalate               RuleAction = "escalate"
	RuleNotify                 RuleAction = "notify"
	RuleRequireImprovementPlan RuleAction = "require_improvement_plan"
)

// ConditionalRule alters an approval workflow when its condition matches a submission.
type ConditionalRule struct {
	ID                  int64
	Name                string
	ConditionType       ConditionType
	ConditionParameters map[string]any
	Action              RuleAction
	ActionParameters    map[string]any
	Priority            int
	IsActive            bool
	CreatedAt           time.Time
}

// RequestStatus tracks self-service role requests.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestRejected RequestStatus = "rejected"
)

// RoleRequest is a self-service request for a requestable role.
type RoleRequest struct {
	ID           int64
	UserID       int64
	RoleID       int64
	DepartmentID *int64
	StartTime    time.Time
	EndTime      *time.Time
	Reason       string
	Status       RequestStatus
	DecidedBy    int64
	DecidedAt    *time.Time
	AssignmentID int64
	CreatedAt    time.Time
}

// Context carries request attributes evaluated against binding conditions.
type Context struct {
	DepartmentID *int64
}

// Fingerprint returns a stable key for the context.
func (c Context) Fingerprint() string {
	var b strings.Builder
	b.WriteString("dept:")
	if c.DepartmentID == nil {
		b.WriteString("-")
	} else {
		b.WriteString(formatInt(*c.DepartmentID))
	}
	return b.String()
}

// InDepartment returns a context scoped to the department.
func InDepartment(id int64) Context {
	return Context{DepartmentID: &id}
}
