package auth

import "strings"

// Role is the access tier carried in a token's role claim. Tiers are
// ordered; each one can do everything the tiers below it can.
type Role string

const (
	// RoleViewer reads units, readings, rollups and alerts.
	RoleViewer Role = "viewer"
	// RoleTechnician also acknowledges alerts from the field.
	RoleTechnician Role = "technician"
	// RoleOperator also registers units and writes through the API.
	RoleOperator Role = "operator"
	// RoleAdmin also manages alert rules, unit lifecycle and background jobs.
	RoleAdmin Role = "admin"
)

var roleTiers = []Role{RoleViewer, RoleTechnician, RoleOperator, RoleAdmin}

// ParseRole maps a claim value onto a known tier. Matching ignores case and
// surrounding space.
func ParseRole(value string) (Role, bool) {
	candidate := Role(strings.ToLower(strings.TrimSpace(value)))
	if candidate.tier() == 0 {
		return "", false
	}
	return candidate, true
}

// Allows reports whether r meets the required tier. Unknown roles allow
// nothing.
func (r Role) Allows(required Role) bool {
	have := r.tier()
	return have > 0 && have >= required.tier()
}

func (r Role) tier() int {
	for i, known := range roleTiers {
		if r == known {
			return i + 1
		}
	}
	return 0
}
