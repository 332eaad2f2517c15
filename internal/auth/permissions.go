package auth

// Role is the caller class carried in a token.
type Role string

const (
	// RoleOperator may read devices, drive their lifecycle and use the
	// worker passthrough.
	RoleOperator Role = "operator"

	// RoleAdmin may additionally register and delete devices and use the
	// webhook verification endpoint.
	RoleAdmin Role = "admin"
)

// Permission is a named capability checked per route.
type Permission string

const (
	PermDeviceRead      Permission = "device:read"
	PermDeviceOperate   Permission = "device:operate"
	PermDeviceConfigure Permission = "device:configure"
	PermWebhookVerify   Permission = "webhook:verify"
)

var rolePermissions = map[Role][]Permission{
	RoleOperator: {
		PermDeviceRead,
		PermDeviceOperate,
	},
	RoleAdmin: {
		PermDeviceRead,
		PermDeviceOperate,
		PermDeviceConfigure,
		PermWebhookVerify,
	},
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := rolePermissions[r]
	return ok
}

// HasPermission reports whether role grants perm.
func HasPermission(role Role, perm Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}
