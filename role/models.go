package role

import (
	"fmt"
	"strings"
	"time"
)

// Role is a named privilege level. A principal may hold several at once.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleAgent Role = "agent"
	RoleUser  Role = "user"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r.rank() > 0
}

// rank orders roles by privilege: admin > agent > user.
func (r Role) rank() int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleAgent:
		return 2
	case RoleUser:
		return 1
	default:
		return 0
	}
}

// Outranks reports whether r carries more privilege than other.
func (r Role) Outranks(other Role) bool {
	return r.rank() > other.rank()
}

// Highest picks the most privileged role in roles, or RoleUser when roles
// holds nothing recognisable.
func Highest(roles []Role) Role {
	best := RoleUser
	for _, r := range roles {
		if r.Outranks(best) {
			best = r
		}
	}
	return best
}

// Parse converts user input into a Role.
func Parse(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
	return r, nil
}

// Assignment mirrors a user_roles row. Rows are never updated in place.
type Assignment struct {
	ID          string
	PrincipalID string
	Role        Role
	CreatedAt   time.Time
	ApprovedBy  *string
	ApprovedAt  *time.Time
}

// AssignParams contains write parameters for a role grant. ApprovedBy is
// empty for grants made by the system itself.
type AssignParams struct {
	PrincipalID string
	Role        Role
	ApprovedBy  string
}
