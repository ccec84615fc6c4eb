package model

// Role represents a user's permission level.
type Role int

const (
	RoleUser  Role = iota // Default role, can join chatboxes and send messages
	RoleAdmin             // Can create users and moderate chatboxes
)

func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// ParseRole converts a string to a Role.
func ParseRole(s string) Role {
	if s == "admin" {
		return RoleAdmin
	}
	return RoleUser
}

// Valid returns true if the role is a recognised value (User or Admin).
func (r Role) Valid() bool {
	return r >= RoleUser && r <= RoleAdmin
}
