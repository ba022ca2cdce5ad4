package authz

// RoleSystem is the role of the built-in system principal.
const RoleSystem = "system"

// User is the acting principal of an invocation, supplied per call by the
// transport or auth layer.
type User struct {
	Username string `yaml:"username" json:"username"`
	Role     string `yaml:"role" json:"role"`

	system bool
}

// System is the principal used for internal invocations (startup code,
// plugins calling each other). It is pre-granted every permission.
var System = User{Username: "system", Role: RoleSystem, system: true}

// IsSystem reports whether u is the system principal. Only copies of
// System qualify; a user built or decoded with the system role does not.
func (u User) IsSystem() bool {
	return u.system
}

// Anonymous reports whether u carries no identity at all.
func (u User) Anonymous() bool {
	return u.Username == "" && u.Role == ""
}

func (u User) String() string {
	if u.Anonymous() {
		return "anonymous"
	}
	return u.Username + "(" + u.Role + ")"
}
