package auth

import "slices"

// Permission names an action on the device.
type Permission string

const (
	// PermDeviceRead covers state, progress, journal and audit reads.
	PermDeviceRead Permission = "device:read"
	// PermDeviceOperate covers every command that writes to the device.
	PermDeviceOperate Permission = "device:operate"
)

var grants = map[Role][]Permission{
	RoleViewer:   {PermDeviceRead},
	RoleOperator: {PermDeviceRead, PermDeviceOperate},
}

// HasPermission reports whether role grants perm. Unknown roles grant
// nothing.
func HasPermission(role Role, perm Permission) bool {
	return slices.Contains(grants[role], perm)
}
