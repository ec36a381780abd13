package shared

// Permission codenames guarding the access engine's own operations.
const (
	PermAssignRole         = "assign_role"
	PermOverridePermission = "override_permission"
	PermReadAuditLog       = "read_audit_log"
	PermConfigureSystem    = "configure_system"
	PermManageUsers        = "manage_users"
	PermApproveEvaluation  = "approve_evaluation"
	PermReadEvaluation     = "read_evaluation"
	PermCreateEvaluation   = "create_evaluation"
	PermUpdateEvaluation   = "update_evaluation"
)

// CoreScopes lists the permissions the admin surface depends on.
func CoreScopes() []string {
	return []string{
		PermAssignRole,
		PermOverridePermission,
		PermReadAuditLog,
		PermConfigureSystem,
		PermManageUsers,
	}
}
