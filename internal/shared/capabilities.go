package shared

// Management capabilities checked by the boundary validator and the
// administrative service. Expressed as resourceType/action pairs like
// every other permission.
const (
	ResourceRoles       = "roles"
	ResourceTenants     = "tenants"
	ResourcePermissions = "permissions"

	ActionManage = "manage"
	ActionView   = "view"
)

// Capability identifies a management permission by resource type and action.
type Capability struct {
	ResourceType string
	Action       string
}

// Capabilities required by administrative operations.
var (
	CapManageRoles       = Capability{ResourceRoles, ActionManage}
	CapManagePermissions = Capability{ResourcePermissions, ActionManage}
	CapCrossTenant       = Capability{ResourceTenants, ActionManage}
)
