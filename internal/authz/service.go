package authz

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"krepost.org/internal/ids"
)

// Service provides role/permission resolution and administration on top
// of a Store. All reads filter out expired or deactivated assignments and
// inactive roles/permissions; callers never see a stale grant.
type Service struct {
	store Store
	now   func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs a Service.
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("authz: store is required")
	}
	s := &Service{store: store, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// EnsureBuiltins makes sure the builtin permission catalog and system
// roles exist. Safe to call on every startup. Each permission is handed
// to the store with a fresh id and creation time; the store keeps the
// existing row when the (resource, action) pair is already present.
func (s *Service) EnsureBuiltins(ctx context.Context) error {
	now := s.now().UTC()
	perms := make([]Permission, len(BuiltinPermissions))
	for i, p := range BuiltinPermissions {
		p.ID = ids.New()
		p.CreatedAt = now
		perms[i] = p
	}
	if err := s.store.EnsurePermissions(ctx, perms); err != nil {
		return err
	}
	return s.ensureSystemRoles(ctx)
}

// EffectivePermissions returns the union of permissions of all roles
// reachable through currently valid assignments. Order is deterministic
// (by resource, then action) so the set can be embedded into tokens.
func (s *Service) EffectivePermissions(ctx context.Context, subjectID string) ([]Permission, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return nil, fmt.Errorf("%w: subject id is required", ErrInvalidInput)
	}
	assignments, err := s.store.AssignmentsForUser(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	seen := make(map[string]Permission)
	for _, a := range assignments {
		if !a.Valid(now) {
			continue
		}
		role, err := s.store.GetRole(ctx, a.RoleID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if !role.Active {
			continue
		}
		perms, err := s.store.PermissionsForRole(ctx, role.ID)
		if err != nil {
			return nil, err
		}
		for _, p := range perms {
			if !p.Active {
				continue
			}
			seen[p.Authority()] = *p
		}
	}
	out := make([]Permission, 0, len(seen))
	for _, p := range seen {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Resource != out[j].Resource {
			return out[i].Resource < out[j].Resource
		}
		return out[i].Action < out[j].Action
	})
	return out, nil
}

// Authorities returns the effective permission set rendered as
// resource:action strings, the form carried inside access tokens.
func (s *Service) Authorities(ctx context.Context, subjectID string) ([]string, error) {
	perms, err := s.EffectivePermissions(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		out = append(out, p.Authority())
	}
	return out, nil
}

// HasPermission reports whether the subject's effective permission set
// satisfies (resource, action). Short-circuits on the first match.
func (s *Service) HasPermission(ctx context.Context, subjectID, resource, action string) (bool, error) {
	perms, err := s.EffectivePermissions(ctx, subjectID)
	if err != nil {
		return false, err
	}
	required := Permission{Resource: resource, Action: action}
	for _, held := range perms {
		if Matches(required, held) {
			return true, nil
		}
	}
	return false, nil
}

// CreateRole registers a new non-system role.
func (s *Service) CreateRole(ctx context.Context, name, description string) (*Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	now := s.now().UTC()
	role := &Role{
		ID:          ids.New(),
		Name:        name,
		Description: strings.TrimSpace(description),
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateRole(ctx, role); err != nil {
		return nil, err
	}
	return role, nil
}

// UpdateRole changes name/description/active of a non-system role.
func (s *Service) UpdateRole(ctx context.Context, roleID string, upd RoleUpdate) (*Role, error) {
	role, err := s.mutableRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: role name is required", ErrInvalidInput)
		}
		role.Name = name
	}
	if upd.Description != nil {
		role.Description = strings.TrimSpace(*upd.Description)
	}
	if upd.Active != nil {
		role.Active = *upd.Active
	}
	role.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateRole(ctx, role); err != nil {
		return nil, err
	}
	return role, nil
}

// DeleteRole removes a non-system role without active assignments.
func (s *Service) DeleteRole(ctx context.Context, roleID string) error {
	role, err := s.mutableRole(ctx, roleID)
	if err != nil {
		return err
	}
	assignments, err := s.store.AssignmentsForRole(ctx, role.ID)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	for _, a := range assignments {
		if a.Valid(now) {
			return ErrRoleInUse
		}
	}
	return s.store.DeleteRole(ctx, role.ID)
}

// GetRole returns the role by id.
func (s *Service) GetRole(ctx context.Context, roleID string) (*Role, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return nil, fmt.Errorf("%w: role id is required", ErrInvalidInput)
	}
	return s.store.GetRole(ctx, roleID)
}

// ListRoles returns all roles.
func (s *Service) ListRoles(ctx context.Context) ([]*Role, error) {
	return s.store.ListRoles(ctx)
}

// CreatePermission registers a new non-system permission.
func (s *Service) CreatePermission(ctx context.Context, name, resource, action string) (*Permission, error) {
	name = strings.TrimSpace(name)
	resource = strings.TrimSpace(resource)
	action = strings.TrimSpace(action)
	if name == "" || resource == "" || action == "" {
		return nil, fmt.Errorf("%w: name, resource and action are required", ErrInvalidInput)
	}
	perm := &Permission{
		ID:        ids.New(),
		Name:      name,
		Resource:  resource,
		Action:    action,
		Active:    true,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.CreatePermission(ctx, perm); err != nil {
		return nil, err
	}
	return perm, nil
}

// ListPermissions returns the full permission catalog.
func (s *Service) ListPermissions(ctx context.Context) ([]*Permission, error) {
	return s.store.ListPermissions(ctx)
}

// RolePermissions returns the permissions attached to a role.
func (s *Service) RolePermissions(ctx context.Context, roleID string) ([]*Permission, error) {
	if _, err := s.store.GetRole(ctx, roleID); err != nil {
		return nil, err
	}
	return s.store.PermissionsForRole(ctx, roleID)
}

// SetRolePermissions replaces the permission set of a non-system role.
func (s *Service) SetRolePermissions(ctx context.Context, roleID string, permIDs []string) error {
	role, err := s.mutableRole(ctx, roleID)
	if err != nil {
		return err
	}
	return s.store.SetRolePermissions(ctx, role.ID, dedupeStrings(permIDs))
}

// AddPermissionToRole attaches one permission to a non-system role.
func (s *Service) AddPermissionToRole(ctx context.Context, roleID, permID string) error {
	role, err := s.mutableRole(ctx, roleID)
	if err != nil {
		return err
	}
	permID = strings.TrimSpace(permID)
	if permID == "" {
		return fmt.Errorf("%w: permission id is required", ErrInvalidInput)
	}
	perm, err := s.store.GetPermission(ctx, permID)
	if err != nil {
		return err
	}
	return s.store.AddRolePermission(ctx, role.ID, perm.ID)
}

// RemovePermissionFromRole detaches one permission from a non-system role.
func (s *Service) RemovePermissionFromRole(ctx context.Context, roleID, permID string) error {
	role, err := s.mutableRole(ctx, roleID)
	if err != nil {
		return err
	}
	return s.store.RemoveRolePermission(ctx, role.ID, strings.TrimSpace(permID))
}

// AssignRole grants a role to a user, optionally with an expiry.
func (s *Service) AssignRole(ctx context.Context, userID, roleID, grantedBy string, expiresAt *time.Time) (Assignment, error) {
	userID = strings.TrimSpace(userID)
	roleID = strings.TrimSpace(roleID)
	if userID == "" || roleID == "" {
		return Assignment{}, fmt.Errorf("%w: user id and role id are required", ErrInvalidInput)
	}
	now := s.now().UTC()
	if expiresAt != nil && !expiresAt.After(now) {
		return Assignment{}, fmt.Errorf("%w: expiry must be in the future", ErrInvalidInput)
	}
	if _, err := s.store.GetRole(ctx, roleID); err != nil {
		return Assignment{}, err
	}
	a := Assignment{
		UserID:    userID,
		RoleID:    roleID,
		GrantedBy: strings.TrimSpace(grantedBy),
		ExpiresAt: expiresAt,
		Active:    true,
		CreatedAt: now,
	}
	if err := s.store.Assign(ctx, a); err != nil {
		return Assignment{}, err
	}
	return a, nil
}

// RevokeRole removes a user's role grant. Idempotent.
func (s *Service) RevokeRole(ctx context.Context, userID, roleID string) error {
	userID = strings.TrimSpace(userID)
	roleID = strings.TrimSpace(roleID)
	if userID == "" || roleID == "" {
		return fmt.Errorf("%w: user id and role id are required", ErrInvalidInput)
	}
	err := s.store.RevokeAssignment(ctx, userID, roleID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// ListAssignments returns all grants for a user, valid or not.
func (s *Service) ListAssignments(ctx context.Context, userID string) ([]Assignment, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	return s.store.AssignmentsForUser(ctx, userID)
}

// RoleUpdate carries optional role mutations.
type RoleUpdate struct {
	Name        *string
	Description *string
	Active      *bool
}

func (s *Service) mutableRole(ctx context.Context, roleID string) (*Role, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return nil, fmt.Errorf("%w: role id is required", ErrInvalidInput)
	}
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if role.System {
		return nil, ErrImmutable
	}
	return role, nil
}

func (s *Service) ensureSystemRoles(ctx context.Context) error {
	perms, err := s.store.ListPermissions(ctx)
	if err != nil {
		return err
	}
	byAuthority := make(map[string]*Permission, len(perms))
	for _, p := range perms {
		byAuthority[p.Authority()] = p
	}
	now := s.now().UTC()
	for _, sys := range SystemRoles {
		role, err := s.store.GetRoleByName(ctx, sys.Name)
		if errors.Is(err, ErrNotFound) {
			role = &Role{
				ID:          ids.New(),
				Name:        sys.Name,
				Description: sys.Description,
				Active:      true,
				System:      true,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := s.store.CreateRole(ctx, role); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		var permIDs []string
		for _, authority := range sys.Authorities {
			if p, ok := byAuthority[authority]; ok {
				permIDs = append(permIDs, p.ID)
			}
		}
		if err := s.store.SetRolePermissions(ctx, role.ID, permIDs); err != nil {
			return err
		}
	}
	return nil
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
