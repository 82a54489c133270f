package memory

import (
	"context"

	"krepost.org/internal/authz"
	"krepost.org/internal/ids"
)

type roleRow struct{ role authz.Role }
type permRow struct{ perm authz.Permission }
type assignmentRow struct{ assignment authz.Assignment }

var _ authz.Store = (*Store)(nil)

func (s *Store) CreateRole(_ context.Context, role *authz.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.roles {
		if row.role.Name == role.Name {
			return authz.ErrConflict
		}
	}
	s.roles[role.ID] = roleRow{role: *role}
	return nil
}

func (s *Store) GetRole(_ context.Context, roleID string) (*authz.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.roles[roleID]
	if !ok {
		return nil, authz.ErrNotFound
	}
	role := row.role
	return &role, nil
}

func (s *Store) GetRoleByName(_ context.Context, name string) (*authz.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.roles {
		if row.role.Name == name {
			role := row.role
			return &role, nil
		}
	}
	return nil, authz.ErrNotFound
}

func (s *Store) ListRoles(_ context.Context) ([]*authz.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*authz.Role, 0, len(s.roles))
	for _, id := range sortedKeys(s.roles) {
		role := s.roles[id].role
		out = append(out, &role)
	}
	return out, nil
}

func (s *Store) UpdateRole(_ context.Context, role *authz.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[role.ID]; !ok {
		return authz.ErrNotFound
	}
	s.roles[role.ID] = roleRow{role: *role}
	return nil
}

func (s *Store) DeleteRole(_ context.Context, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[roleID]; !ok {
		return authz.ErrNotFound
	}
	for _, row := range s.grants {
		if row.assignment.RoleID == roleID && row.assignment.Active {
			return authz.ErrRoleInUse
		}
	}
	delete(s.roles, roleID)
	delete(s.rolePerms, roleID)
	return nil
}

func (s *Store) CreatePermission(_ context.Context, perm *authz.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.perms {
		if row.perm.Resource == perm.Resource && row.perm.Action == perm.Action {
			return authz.ErrConflict
		}
	}
	s.perms[perm.ID] = permRow{perm: *perm}
	return nil
}

func (s *Store) GetPermission(_ context.Context, permID string) (*authz.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.perms[permID]
	if !ok {
		return nil, authz.ErrNotFound
	}
	perm := row.perm
	return &perm, nil
}

func (s *Store) ListPermissions(_ context.Context) ([]*authz.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*authz.Permission, 0, len(s.perms))
	for _, id := range sortedKeys(s.perms) {
		perm := s.perms[id].perm
		out = append(out, &perm)
	}
	return out, nil
}

func (s *Store) EnsurePermissions(_ context.Context, perms []authz.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, perm := range perms {
		exists := false
		for _, row := range s.perms {
			if row.perm.Resource == perm.Resource && row.perm.Action == perm.Action {
				exists = true
				break
			}
		}
		if exists {
			continue
		}
		if perm.ID == "" {
			perm.ID = ids.New()
		}
		s.perms[perm.ID] = permRow{perm: perm}
	}
	return nil
}

func (s *Store) SetRolePermissions(_ context.Context, roleID string, permIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[roleID]; !ok {
		return authz.ErrNotFound
	}
	set := make(map[string]struct{}, len(permIDs))
	for _, id := range permIDs {
		if _, ok := s.perms[id]; !ok {
			return authz.ErrNotFound
		}
		set[id] = struct{}{}
	}
	s.rolePerms[roleID] = set
	return nil
}

func (s *Store) AddRolePermission(_ context.Context, roleID, permID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[roleID]; !ok {
		return authz.ErrNotFound
	}
	if _, ok := s.perms[permID]; !ok {
		return authz.ErrNotFound
	}
	if s.rolePerms[roleID] == nil {
		s.rolePerms[roleID] = make(map[string]struct{})
	}
	s.rolePerms[roleID][permID] = struct{}{}
	return nil
}

func (s *Store) RemoveRolePermission(_ context.Context, roleID, permID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[roleID]; !ok {
		return authz.ErrNotFound
	}
	delete(s.rolePerms[roleID], permID)
	return nil
}

func (s *Store) PermissionsForRole(_ context.Context, roleID string) ([]*authz.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.rolePerms[roleID]
	out := make([]*authz.Permission, 0, len(set))
	for _, id := range sortedKeys(set) {
		if row, ok := s.perms[id]; ok {
			perm := row.perm
			out = append(out, &perm)
		}
	}
	return out, nil
}

func (s *Store) Assign(_ context.Context, a authz.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[a.RoleID]; !ok {
		return authz.ErrNotFound
	}
	key := grantKey(a.UserID, a.RoleID)
	if existing, ok := s.grants[key]; ok && existing.assignment.Active {
		return authz.ErrConflict
	}
	s.grants[key] = assignmentRow{assignment: a}
	return nil
}

func (s *Store) RevokeAssignment(_ context.Context, userID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := grantKey(userID, roleID)
	row, ok := s.grants[key]
	if !ok {
		return authz.ErrNotFound
	}
	row.assignment.Active = false
	s.grants[key] = row
	return nil
}

func (s *Store) AssignmentsForUser(_ context.Context, userID string) ([]authz.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []authz.Assignment
	for _, key := range sortedKeys(s.grants) {
		if s.grants[key].assignment.UserID == userID {
			out = append(out, s.grants[key].assignment)
		}
	}
	return out, nil
}

func (s *Store) AssignmentsForRole(_ context.Context, roleID string) ([]authz.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []authz.Assignment
	for _, key := range sortedKeys(s.grants) {
		if s.grants[key].assignment.RoleID == roleID {
			out = append(out, s.grants[key].assignment)
		}
	}
	return out, nil
}
