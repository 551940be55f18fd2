package auth

import "errors"

// Role is an authorisation tier.
type Role string

const (
	// RoleViewer may read state, history and metrics.
	RoleViewer Role = "viewer"

	// RoleOperator may additionally issue transformations and state requests.
	RoleOperator Role = "operator"
)

// ValidRoles lists every role a token may carry.
var ValidRoles = []Role{RoleViewer, RoleOperator}

// IsValidRole reports whether r is a known role.
func IsValidRole(r Role) bool {
	for _, v := range ValidRoles {
		if r == v {
			return true
		}
	}
	return false
}

// Auth errors.
var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrForbidden    = errors.New("insufficient permissions")
	ErrNoSecret     = errors.New("no signing secret configured")
	ErrInvalidRole  = errors.New("invalid role")
)
