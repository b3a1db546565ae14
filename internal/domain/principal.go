package domain

type Role string

const (
	RoleCustomer Role = "CUSTOMER"
	RoleAdmin    Role = "ADMIN"
	RoleSystem   Role = "SYSTEM"
)

// Principal is the caller identity resolved by the upstream auth layer.
type Principal struct {
	UserID string
	Role   Role
}

// System is used by the webhook and reconciler paths.
var System = Principal{UserID: "system", Role: RoleSystem}

func (p Principal) Authenticated() bool { return p.UserID != "" }

func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin || p.Role == RoleSystem }

// CanAccess reports whether p may act on a resource owned by ownerID.
func (p Principal) CanAccess(ownerID string) bool {
	return p.IsAdmin() || (p.UserID != "" && p.UserID == ownerID)
}

// ParseRole maps an external role claim. SYSTEM is never granted from outside.
func ParseRole(s string) Role {
	switch Role(s) {
	case RoleAdmin:
		return RoleAdmin
	case RoleCustomer, RoleSystem:
		return RoleCustomer
	}
	return RoleCustomer
}
