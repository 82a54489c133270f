package authz

import "context"

// Store describes persistence operations required by the RBAC subsystem.
// Role and permission mutations are single transactional writes; the
// service layer owns validity filtering and system-resource guards.
type Store interface {
	CreateRole(ctx context.Context, role *Role) error
	GetRole(ctx context.Context, roleID string) (*Role, error)
	GetRoleByName(ctx context.Context, name string) (*Role, error)
	ListRoles(ctx context.Context) ([]*Role, error)
	UpdateRole(ctx context.Context, role *Role) error
	// DeleteRole removes the role; implementations return ErrRoleInUse
	// when active assignments still reference it.
	DeleteRole(ctx context.Context, roleID string) error

	CreatePermission(ctx context.Context, perm *Permission) error
	GetPermission(ctx context.Context, permID string) (*Permission, error)
	ListPermissions(ctx context.Context) ([]*Permission, error)
	// EnsurePermissions inserts any missing builtin permissions and
	// leaves existing rows untouched.
	EnsurePermissions(ctx context.Context, perms []Permission) error

	SetRolePermissions(ctx context.Context, roleID string, permIDs []string) error
	AddRolePermission(ctx context.Context, roleID, permID string) error
	RemoveRolePermission(ctx context.Context, roleID, permID string) error
	PermissionsForRole(ctx context.Context, roleID string) ([]*Permission, error)

	Assign(ctx context.Context, a Assignment) error
	RevokeAssignment(ctx context.Context, userID, roleID string) error
	AssignmentsForUser(ctx context.Context, userID string) ([]Assignment, error)
	AssignmentsForRole(ctx context.Context, roleID string) ([]Assignment, error)
}
