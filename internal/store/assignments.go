package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pellenbrig/aegis/internal/apperr"
)

const userRoleColumns = `id, user_id, role_id, organization_id, granted_at, granted_by, expires_at, revoked_at, revoked_by, reason`

const qInsertUserRole = `
INSERT INTO user_roles (` + userRoleColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

const qActiveAssignment = `
SELECT ` + userRoleColumns + `
FROM user_roles
WHERE user_id = $1 AND role_id = $2 AND revoked_at IS NULL
	AND (expires_at IS NULL OR expires_at > $3)
ORDER BY granted_at DESC
LIMIT 1`

const qCountActiveUserRoles = `
SELECT COUNT(*)
FROM user_roles
WHERE user_id = $1 AND revoked_at IS NULL AND (expires_at IS NULL OR expires_at > $2)`

const qCountActiveRoleHolders = `
SELECT COUNT(*)
FROM user_roles
WHERE role_id = $1 AND revoked_at IS NULL AND (expires_at IS NULL OR expires_at > $2)`

const qRevokeUserRole = `
UPDATE user_roles
SET revoked_at = $2, revoked_by = $3, reason = COALESCE($4, reason)
WHERE id = $1 AND revoked_at IS NULL`

const qActiveUserRolesWithRole = `
SELECT ur.id, ur.user_id, ur.role_id, ur.organization_id, ur.granted_at, ur.granted_by,
	ur.expires_at, ur.revoked_at, ur.revoked_by, ur.reason,
	r.id, r.name, r.display_name, r.description, r.is_system, r.is_active,
	r.parent_role_id, r.organization_id, r.metadata, r.created_at, r.updated_at
FROM user_roles ur
JOIN roles r ON r.id = ur.role_id
WHERE ur.user_id = $1 AND ur.revoked_at IS NULL
	AND (ur.expires_at IS NULL OR ur.expires_at > $2)
	AND r.is_active
ORDER BY ur.granted_at ASC`

const qUserIDsWithRole = `
SELECT DISTINCT user_id
FROM user_roles
WHERE role_id = $1 AND revoked_at IS NULL AND (expires_at IS NULL OR expires_at > $2)`

const qInsertRolePermission = `
INSERT INTO role_permissions (role_id, permission_id)
SELECT $1, p FROM unnest($2::uuid[]) AS p
ON CONFLICT (role_id, permission_id) DO NOTHING`

const qDeleteRolePermission = `
DELETE FROM role_permissions
WHERE role_id = $1 AND permission_id = ANY($2)`

const qRolePermissions = `
SELECT p.id, p.resource, p.action, p.display_name, p.description, p.module, p.conditions, p.is_active, p.created_at
FROM role_permissions rp
JOIN permissions p ON p.id = rp.permission_id
WHERE rp.role_id = $1
ORDER BY p.resource, p.action`

const qPermissionsByRoleIDs = `
SELECT rp.role_id, p.id, p.resource, p.action, p.display_name, p.description, p.module, p.conditions, p.is_active, p.created_at
FROM role_permissions rp
JOIN permissions p ON p.id = rp.permission_id
WHERE rp.role_id = ANY($1) AND p.is_active`

func (s *Store) InsertUserRole(ctx context.Context, ur *UserRole) error {
	_, err := s.pool.Exec(ctx, qInsertUserRole,
		ur.ID, ur.UserID, ur.RoleID, ur.OrganizationID, ur.GrantedAt, ur.GrantedBy,
		ur.ExpiresAt, ur.RevokedAt, ur.RevokedBy, ur.Reason,
	)
	if err != nil {
		return fmt.Errorf("insert user role: %w", err)
	}
	return nil
}

// GetActiveAssignment finds the live assignment of a role to a user, if any.
func (s *Store) GetActiveAssignment(ctx context.Context, userID, roleID uuid.UUID, now time.Time) (*UserRole, error) {
	var ur UserRole
	err := s.pool.QueryRow(ctx, qActiveAssignment, userID, roleID, now).Scan(
		&ur.ID, &ur.UserID, &ur.RoleID, &ur.OrganizationID, &ur.GrantedAt, &ur.GrantedBy,
		&ur.ExpiresAt, &ur.RevokedAt, &ur.RevokedBy, &ur.Reason,
	)
	if noRows(err) {
		return nil, apperr.NotFound("Role assignment")
	}
	if err != nil {
		return nil, fmt.Errorf("get active assignment: %w", err)
	}
	return &ur, nil
}

func (s *Store) CountActiveUserRoles(ctx context.Context, userID uuid.UUID, now time.Time) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, qCountActiveUserRoles, userID, now).Scan(&n); err != nil {
		return 0, fmt.Errorf("count active user roles: %w", err)
	}
	return n, nil
}

func (s *Store) CountActiveRoleHolders(ctx context.Context, roleID uuid.UUID, now time.Time) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, qCountActiveRoleHolders, roleID, now).Scan(&n); err != nil {
		return 0, fmt.Errorf("count active role holders: %w", err)
	}
	return n, nil
}

func (s *Store) RevokeUserRole(ctx context.Context, id uuid.UUID, at time.Time, by *uuid.UUID, reason *string) error {
	tag, err := s.pool.Exec(ctx, qRevokeUserRole, id, at, by, reason)
	if err != nil {
		return fmt.Errorf("revoke user role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("Role assignment")
	}
	return nil
}

// ListActiveUserRoles returns the user's live assignments joined with their
// active roles.
func (s *Store) ListActiveUserRoles(ctx context.Context, userID uuid.UUID, now time.Time) ([]UserRoleWithRole, error) {
	rows, err := s.pool.Query(ctx, qActiveUserRolesWithRole, userID, now)
	if err != nil {
		return nil, fmt.Errorf("list active user roles: %w", err)
	}
	defer rows.Close()

	var out []UserRoleWithRole
	for rows.Next() {
		var x UserRoleWithRole
		err := rows.Scan(
			&x.UserRole.ID, &x.UserRole.UserID, &x.UserRole.RoleID, &x.UserRole.OrganizationID,
			&x.UserRole.GrantedAt, &x.UserRole.GrantedBy, &x.UserRole.ExpiresAt,
			&x.UserRole.RevokedAt, &x.UserRole.RevokedBy, &x.UserRole.Reason,
			&x.Role.ID, &x.Role.Name, &x.Role.DisplayName, &x.Role.Description,
			&x.Role.IsSystem, &x.Role.IsActive, &x.Role.ParentRoleID, &x.Role.OrganizationID,
			&x.Role.Metadata, &x.Role.CreatedAt, &x.Role.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan user role: %w", err)
		}
		out = append(out, x)
	}
	return out, rows.Err()
}

// ListUserIDsWithRole returns the users currently holding the role, used for
// cache invalidation fan-out.
func (s *Store) ListUserIDsWithRole(ctx context.Context, roleID uuid.UUID, now time.Time) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, qUserIDsWithRole, roleID, now)
	if err != nil {
		return nil, fmt.Errorf("list users with role: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ModifyRolePermissions applies adds and removes in one transaction.
func (s *Store) ModifyRolePermissions(ctx context.Context, roleID uuid.UUID, add, remove []uuid.UUID) error {
	return s.withTx(ctx, func(q querier) error {
		if len(add) > 0 {
			if _, err := q.Exec(ctx, qInsertRolePermission, roleID, add); err != nil {
				return fmt.Errorf("insert role permissions: %w", err)
			}
		}
		if len(remove) > 0 {
			if _, err := q.Exec(ctx, qDeleteRolePermission, roleID, remove); err != nil {
				return fmt.Errorf("delete role permissions: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) ListRolePermissions(ctx context.Context, roleID uuid.UUID) ([]Permission, error) {
	rows, err := s.pool.Query(ctx, qRolePermissions, roleID)
	if err != nil {
		return nil, fmt.Errorf("list role permissions: %w", err)
	}
	defer rows.Close()
	return collectPermissions(rows)
}

// GetPermissionsByRoleIDs returns every active permission carried by any of
// the given roles, tagged with the carrying role.
func (s *Store) GetPermissionsByRoleIDs(ctx context.Context, roleIDs []uuid.UUID) ([]RolePermissionRow, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, qPermissionsByRoleIDs, roleIDs)
	if err != nil {
		return nil, fmt.Errorf("get permissions by roles: %w", err)
	}
	defer rows.Close()

	var out []RolePermissionRow
	for rows.Next() {
		var rp RolePermissionRow
		err := rows.Scan(
			&rp.RoleID, &rp.Permission.ID, &rp.Permission.Resource, &rp.Permission.Action,
			&rp.Permission.DisplayName, &rp.Permission.Description, &rp.Permission.Module,
			&rp.Permission.Conditions, &rp.Permission.IsActive, &rp.Permission.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan role permission: %w", err)
		}
		out = append(out, rp)
	}
	return out, rows.Err()
}
