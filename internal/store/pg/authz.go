package pg

import (
	"context"
	"database/sql"
	"errors"

	"krepost.org/internal/authz"
)

var _ authz.Store = (*Store)(nil)

const roleColumns = `id, name, description, active, system, created_at`
const permColumns = `id, name, resource, action, active, system, created_at`

func scanRole(row interface{ Scan(...any) error }) (*authz.Role, error) {
	var (
		role authz.Role
		desc sql.NullString
	)
	err := row.Scan(&role.ID, &role.Name, &desc, &role.Active, &role.System, &role.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, authz.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	role.Description = desc.String
	return &role, nil
}

func scanPermission(row interface{ Scan(...any) error }) (*authz.Permission, error) {
	var p authz.Permission
	err := row.Scan(&p.ID, &p.Name, &p.Resource, &p.Action, &p.Active, &p.System, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, authz.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) CreateRole(ctx context.Context, role *authz.Role) error {
	_, err := s.db.ExecContext(ctx, `
		insert into roles (id, name, description, active, system, created_at)
		values ($1, $2, $3, $4, $5, $6)
	`, role.ID, role.Name, nullIfEmpty(role.Description), role.Active, role.System, role.CreatedAt)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return authz.ErrConflict
	}
	return err
}

func (s *Store) GetRole(ctx context.Context, roleID string) (*authz.Role, error) {
	return scanRole(s.db.QueryRowContext(ctx, `select `+roleColumns+` from roles where id = $1`, roleID))
}

func (s *Store) GetRoleByName(ctx context.Context, name string) (*authz.Role, error) {
	return scanRole(s.db.QueryRowContext(ctx, `select `+roleColumns+` from roles where name = $1`, name))
}

func (s *Store) ListRoles(ctx context.Context) ([]*authz.Role, error) {
	rows, err := s.db.QueryContext(ctx, `select `+roleColumns+` from roles order by name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []*authz.Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (s *Store) UpdateRole(ctx context.Context, role *authz.Role) error {
	res, err := s.db.ExecContext(ctx, `
		update roles set name = $2, description = $3, active = $4
		where id = $1
	`, role.ID, role.Name, nullIfEmpty(role.Description), role.Active)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return authz.ErrConflict
	}
	if err != nil {
		return err
	}
	return requireRow(res, authz.ErrNotFound)
}

func (s *Store) DeleteRole(ctx context.Context, roleID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var inUse int
	err = tx.QueryRowContext(ctx, `
		select count(*) from user_role_assignments
		where role_id = $1 and active
		  and (expires_at is null or expires_at > now())
	`, roleID).Scan(&inUse)
	if err != nil {
		return err
	}
	if inUse > 0 {
		return authz.ErrRoleInUse
	}
	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, roleID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `delete from user_role_assignments where role_id = $1`, roleID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `delete from roles where id = $1`, roleID)
	if err != nil {
		return err
	}
	if err := requireRow(res, authz.ErrNotFound); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) CreatePermission(ctx context.Context, perm *authz.Permission) error {
	_, err := s.db.ExecContext(ctx, `
		insert into permissions (id, name, resource, action, active, system, created_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, perm.ID, perm.Name, perm.Resource, perm.Action, perm.Active, perm.System, perm.CreatedAt)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return authz.ErrConflict
	}
	return err
}

func (s *Store) GetPermission(ctx context.Context, permID string) (*authz.Permission, error) {
	return scanPermission(s.db.QueryRowContext(ctx, `select `+permColumns+` from permissions where id = $1`, permID))
}

func (s *Store) ListPermissions(ctx context.Context) ([]*authz.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `select `+permColumns+` from permissions order by resource, action`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []*authz.Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

func (s *Store) EnsurePermissions(ctx context.Context, perms []authz.Permission) error {
	for _, p := range perms {
		_, err := s.db.ExecContext(ctx, `
			insert into permissions (id, name, resource, action, active, system, created_at)
			values ($1, $2, $3, $4, $5, $6, $7)
			on conflict (resource, action) do nothing
		`, p.ID, p.Name, p.Resource, p.Action, p.Active, p.System, p.CreatedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) SetRolePermissions(ctx context.Context, roleID string, permIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, roleID); err != nil {
		return err
	}
	for _, permID := range permIDs {
		if _, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_id, permission_id)
			values ($1, $2)
		`, roleID, permID); err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
				return authz.ErrNotFound
			}
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) AddRolePermission(ctx context.Context, roleID, permID string) error {
	_, err := s.db.ExecContext(ctx, `
		insert into role_permissions (role_id, permission_id)
		values ($1, $2)
		on conflict do nothing
	`, roleID, permID)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
		return authz.ErrNotFound
	}
	return err
}

func (s *Store) RemoveRolePermission(ctx context.Context, roleID, permID string) error {
	_, err := s.db.ExecContext(ctx, `
		delete from role_permissions where role_id = $1 and permission_id = $2
	`, roleID, permID)
	return err
}

func (s *Store) PermissionsForRole(ctx context.Context, roleID string) ([]*authz.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		select p.id, p.name, p.resource, p.action, p.active, p.system, p.created_at
		from permissions p
		join role_permissions rp on rp.permission_id = p.id
		where rp.role_id = $1
		order by p.resource, p.action
	`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []*authz.Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

func (s *Store) Assign(ctx context.Context, a authz.Assignment) error {
	_, err := s.db.ExecContext(ctx, `
		insert into user_role_assignments (user_id, role_id, granted_by, expires_at, active, created_at)
		values ($1, $2, $3, $4, $5, $6)
		on conflict (user_id, role_id) do update
		set granted_by = excluded.granted_by,
		    expires_at = excluded.expires_at,
		    active = excluded.active,
		    created_at = excluded.created_at
	`, a.UserID, a.RoleID, nullIfEmpty(a.GrantedBy), nullIfZero(a.ExpiresAt), a.Active, a.CreatedAt)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
		return authz.ErrNotFound
	}
	return err
}

func (s *Store) RevokeAssignment(ctx context.Context, userID, roleID string) error {
	res, err := s.db.ExecContext(ctx, `
		delete from user_role_assignments where user_id = $1 and role_id = $2
	`, userID, roleID)
	if err != nil {
		return err
	}
	return requireRow(res, authz.ErrNotFound)
}

func (s *Store) AssignmentsForUser(ctx context.Context, userID string) ([]authz.Assignment, error) {
	return s.queryAssignments(ctx, `
		select user_id, role_id, granted_by, expires_at, active, created_at
		from user_role_assignments
		where user_id = $1
		order by created_at
	`, userID)
}

func (s *Store) AssignmentsForRole(ctx context.Context, roleID string) ([]authz.Assignment, error) {
	return s.queryAssignments(ctx, `
		select user_id, role_id, granted_by, expires_at, active, created_at
		from user_role_assignments
		where role_id = $1
		order by created_at
	`, roleID)
}

func (s *Store) queryAssignments(ctx context.Context, query string, arg any) ([]authz.Assignment, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var grants []authz.Assignment
	for rows.Next() {
		var (
			g         authz.Assignment
			grantedBy sql.NullString
			expiresAt sql.NullTime
		)
		if err := rows.Scan(&g.UserID, &g.RoleID, &grantedBy, &expiresAt, &g.Active, &g.CreatedAt); err != nil {
			return nil, err
		}
		g.GrantedBy = grantedBy.String
		if expiresAt.Valid {
			t := expiresAt.Time
			g.ExpiresAt = &t
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
