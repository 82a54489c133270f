package authz

// Builtin permission catalog. Ensured on every startup; rows are system
// permissions and reject mutation.
var BuiltinPermissions = []Permission{
	{Name: "Full access", Resource: Wildcard, Action: Wildcard, Active: true, System: true},
	{Name: "Read users", Resource: "user", Action: "read", Active: true, System: true},
	{Name: "Read own user", Resource: "user", Action: "read-self", Active: true, System: true},
	{Name: "Write users", Resource: "user", Action: "write", Active: true, System: true},
	{Name: "Write own user", Resource: "user", Action: "write-self", Active: true, System: true},
	{Name: "Delete users", Resource: "user", Action: "delete", Active: true, System: true},
	{Name: "Read roles", Resource: "role", Action: "read", Active: true, System: true},
	{Name: "Write roles", Resource: "role", Action: "write", Active: true, System: true},
	{Name: "Read endpoint rules", Resource: "rule", Action: "read", Active: true, System: true},
	{Name: "Write endpoint rules", Resource: "rule", Action: "write", Active: true, System: true},
	{Name: "Read sessions", Resource: "session", Action: "read", Active: true, System: true},
	{Name: "Revoke sessions", Resource: "session", Action: "revoke", Active: true, System: true},
}

// SystemRoleSpec declares a role seeded at startup.
type SystemRoleSpec struct {
	Name        string
	Description string
	Authorities []string
}

// SystemRoles are created if missing and cannot be mutated afterwards.
var SystemRoles = []SystemRoleSpec{
	{
		Name:        "admin",
		Description: "Full administrative access",
		Authorities: []string{"*:*"},
	},
	{
		Name:        "user",
		Description: "Self-service access",
		Authorities: []string{"user:read-self", "user:write-self"},
	},
}
