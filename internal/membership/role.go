package membership

import "fmt"

// Role is a user's authority level within a group. The numeric ordering is
// the authorization ordering: admin > moderator > member.
type Role int8

const (
	RoleMember Role = iota
	RoleModerator
	RoleAdmin
)

// ParseRole converts a stored role string into a Role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "member":
		return RoleMember, nil
	case "moderator":
		return RoleModerator, nil
	case "admin":
		return RoleAdmin, nil
	default:
		return RoleMember, fmt.Errorf("membership: unknown role %q", s)
	}
}

// String returns the wire/storage representation of the role.
func (r Role) String() string {
	switch r {
	case RoleModerator:
		return "moderator"
	case RoleAdmin:
		return "admin"
	default:
		return "member"
	}
}

// AtLeast reports whether r carries at least the authority of other.
func (r Role) AtLeast(other Role) bool {
	return r >= other
}

// CanModerate reports whether the role may perform moderation actions
// (message delete/warn, user ban).
func (r Role) CanModerate() bool {
	return r >= RoleModerator
}
