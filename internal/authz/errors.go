package authz

import "errors"

var (
	ErrNotFound     = errors.New("authz: not found")
	ErrConflict     = errors.New("authz: resource conflict")
	ErrInvalidInput = errors.New("authz: invalid input")

	// ErrRoleInUse is returned when deleting a role that still has
	// active assignments.
	ErrRoleInUse = errors.New("authz: role has active assignments")

	// ErrImmutable is returned for any mutation of a system role or
	// system permission.
	ErrImmutable = errors.New("authz: system resource is immutable")

	// ErrInsufficientPermission is returned when a subject's effective
	// permission set does not satisfy a requirement.
	ErrInsufficientPermission = errors.New("authz: insufficient permission")
)
