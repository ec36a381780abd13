package policy

import "strings"

// PermissionTemplate describes a catalog permission.
type PermissionTemplate struct {
	Codename     string
	Name         string
	Description  string
	Action       Action
	ResourceType ResourceType
}

// RoleTemplate describes a catalog role with its bound permission codenames.
type RoleTemplate struct {
	Codename    string
	Description string
	Permissions []string
}

// Name derives the display name from the codename ("hr_officer" -> "Hr Officer").
func (t RoleTemplate) Name() string {
	parts := strings.Split(t.Codename, "_")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, " ")
}

func perm(action Action, resource ResourceType, name, description string) PermissionTemplate {
	return PermissionTemplate{
		Codename:     Codename(action, resource),
		Name:         name,
		Description:  description,
		Action:       action,
		ResourceType: resource,
	}
}

// DefaultPermissions is the built-in permission catalog.
func DefaultPermissions() []PermissionTemplate {
	return []PermissionTemplate{
		perm(ActionCreate, ResourceEvaluation, "Create Evaluation", "Can create new evaluation forms"),
		perm(ActionRead, ResourceEvaluation, "Read Evaluation", "Can view evaluation forms"),
		perm(ActionUpdate, ResourceEvaluation, "Update Evaluation", "Can update evaluation forms"),
		perm(ActionDelete, ResourceEvaluation, "Delete Evaluation", "Can delete evaluation forms"),
		perm(ActionApprove, ResourceEvaluation, "Approve Evaluation", "Can approve evaluation forms"),
		perm(ActionCreate, ResourceKPI, "Create KPI", "Can create new KPI templates"),
		perm(ActionRead, ResourceKPI, "Read KPI", "Can view KPI templates"),
		perm(ActionUpdate, ResourceKPI, "Update KPI", "Can update KPI templates"),
		perm(ActionDelete, ResourceKPI, "Delete KPI", "Can delete KPI templates"),
		perm(ActionCreate, ResourceGoal, "Create Goal", "Can create goals"),
		perm(ActionRead, ResourceGoal, "Read Goal", "Can view goals"),
		perm(ActionUpdate, ResourceGoal, "Update Goal", "Can update goals"),
		perm(ActionDelete, ResourceGoal, "Delete Goal", "Can delete goals"),
		{Codename: "view_analytics", Name: "View Analytics", Description: "Can view analytics dashboards", Action: ActionViewAnalytics, ResourceType: ResourceAnalytics},
		perm(ActionExport, ResourceAnalytics, "Export Analytics", "Can export analytics data"),
		{Codename: "manage_users", Name: "Manage Users", Description: "Can manage user accounts", Action: ActionManageUsers, ResourceType: ResourceUser},
		{Codename: "configure_system", Name: "Configure System", Description: "Can configure system settings", Action: ActionConfigureSystem, ResourceType: ResourceSystemConfig},
		perm(ActionAssign, ResourceRole, "Assign Role", "Can assign roles and decide role requests"),
		perm(ActionOverride, ResourcePermission, "Override Permission", "Can grant and revoke permission overrides"),
		perm(ActionRead, ResourceAuditLog, "Read Audit Log", "Can view the access audit timeline"),
	}
}

// DefaultRoles is the built-in role catalog.
func DefaultRoles() []RoleTemplate {
	return []RoleTemplate{
		{
			Codename:    "staff",
			Description: "Default staff role",
			Permissions: []string{"read_evaluation", "update_evaluation", "create_goal", "read_goal", "update_goal"},
		},
		{
			Codename:    "supervisor",
			Description: "Default supervisor role",
			Permissions: []string{"read_evaluation", "update_evaluation", "approve_evaluation", "create_goal", "read_goal", "update_goal", "view_analytics"},
		},
		{
			Codename:    "hr_officer",
			Description: "Default hr_officer role",
			Permissions: []string{
				"create_evaluation", "read_evaluation", "update_evaluation", "approve_evaluation",
				"create_kpi", "read_kpi", "update_kpi",
				"create_goal", "read_goal", "update_goal",
				"view_analytics", "export_analytics", "manage_users", "read_audit_log",
			},
		},
		{
			Codename:    "admin",
			Description: "Default admin role",
			Permissions: []string{
				"create_evaluation", "read_evaluation", "update_evaluation", "delete_evaluation", "approve_evaluation",
				"create_kpi", "read_kpi", "update_kpi", "delete_kpi",
				"create_goal", "read_goal", "update_goal", "delete_goal",
				"view_analytics", "export_analytics", "manage_users", "configure_system",
				"assign_role", "override_permission", "read_audit_log",
			},
		},
	}
}
