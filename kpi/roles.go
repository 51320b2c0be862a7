package kpi

import "strings"

// Role is an organizational role. Roles are compared by rank, never by name.
type Role string

const (
	RoleEmployee   Role = "employee"
	RoleManager    Role = "manager"
	RolePMO        Role = "pmo"
	RoleExecutive  Role = "executive"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

// roleRanks orders roles from lowest to highest. Inserting a new role only
// requires a new entry here.
var roleRanks = map[Role]int{
	RoleEmployee:   1,
	RoleManager:    2,
	RolePMO:        3,
	RoleExecutive:  4,
	RoleAdmin:      5,
	RoleSuperAdmin: 6,
}

// DefaultMinApprovalRole applies to organizations without settings.
const DefaultMinApprovalRole = RolePMO

// Rank returns the role's rank, 0 for unknown roles.
func (r Role) Rank() int { return roleRanks[r] }

// AtLeast reports whether r ranks at or above other.
func (r Role) AtLeast(other Role) bool {
	return r.Rank() > 0 && r.Rank() >= other.Rank()
}

// ParseRole accepts any casing and '-' or ' ' as separators.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.NewReplacer("-", "_", " ", "_").Replace(strings.ToLower(strings.TrimSpace(s))))
	_, ok := roleRanks[r]
	return r, ok
}

// IsApprover reports whether the actor may approve values in an
// organization configured with settings.
func IsApprover(actor Actor, settings OrgSettings) bool {
	minRole := settings.MinApprovalRole
	if minRole.Rank() == 0 {
		minRole = DefaultMinApprovalRole
	}
	return actor.Role.AtLeast(minRole)
}

// IsAdmin reports whether the actor may edit locked periods and lock approved ones.
func IsAdmin(actor Actor) bool {
	return actor.Role.AtLeast(RoleAdmin)
}
