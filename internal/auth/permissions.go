package auth

const (
	PermEnvelopeRead      = "esign.envelope.read"
	PermEnvelopeCreate    = "esign.envelope.create"
	PermEnvelopeComplete  = "esign.envelope.complete"
	PermEnvelopeReconcile = "esign.envelope.reconcile"

	RoleOperator = "esign_operator"
	RoleViewer   = "esign_viewer"
)

var rolePermissions = map[string][]string{
	RoleOperator: {PermEnvelopeRead, PermEnvelopeCreate, PermEnvelopeComplete, PermEnvelopeReconcile},
	RoleViewer:   {PermEnvelopeRead},
}

// Principal represents an authenticated caller with resolved permissions.
type Principal struct {
	UserID      string
	Roles       []string
	Permissions map[string]struct{}
}

// NewPrincipal resolves the permissions granted by roles.
func NewPrincipal(userID string, roles []string) Principal {
	roles = dedupeRoles(roles)
	set := make(map[string]struct{})
	for _, role := range roles {
		for _, perm := range rolePermissions[role] {
			set[perm] = struct{}{}
		}
	}
	return Principal{UserID: userID, Roles: roles, Permissions: set}
}

// HasPermission reports whether the principal can execute action identified by key.
func (p Principal) HasPermission(key string) bool {
	_, ok := p.Permissions[key]
	return ok
}
