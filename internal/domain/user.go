package domain

import "time"

// Role enumerates portal roles relevant to the change request workflow.
type Role string

const (
	RoleUser          Role = "USER"
	RoleDeveloper     Role = "DEVELOPER"
	RoleAdministrator Role = "ADMINISTRATOR"
	RoleMaster        Role = "MASTER"
	RoleSystem        Role = "SYSTEM"
)

// Valid reports whether the role is one of the known values.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleDeveloper, RoleAdministrator, RoleMaster, RoleSystem:
		return true
	}
	return false
}

// IsAdmin reports administrator or master privilege.
func (r Role) IsAdmin() bool {
	return r == RoleAdministrator || r == RoleMaster
}

// CanDevelop reports whether users with this role may be assigned requests.
func (r Role) CanDevelop() bool {
	return r == RoleDeveloper || r == RoleMaster
}

// User is a portal account as seen by this subsystem. Accounts are managed elsewhere.
type User struct {
	ID        string
	Name      string
	Email     string
	Role      Role
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsDeveloper reports developer capability.
func (u *User) IsDeveloper() bool {
	return u != nil && u.Active && u.Role.CanDevelop()
}
