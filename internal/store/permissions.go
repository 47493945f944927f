package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pellenbrig/aegis/internal/apperr"
)

const permissionColumns = `id, resource, action, display_name, description, module, conditions, is_active, created_at`

const qPermissionByID = `SELECT ` + permissionColumns + ` FROM permissions WHERE id = $1`

const qPermissionByKey = `SELECT ` + permissionColumns + ` FROM permissions WHERE resource = $1 AND action = $2`

const qPermissionsByIDs = `SELECT ` + permissionColumns + ` FROM permissions WHERE id = ANY($1)`

const qInsertPermission = `
INSERT INTO permissions (` + permissionColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

const qUpdatePermission = `
UPDATE permissions
SET display_name = $2, description = $3, module = $4, conditions = $5, is_active = $6
WHERE id = $1`

const qCountPermissionRefs = `
SELECT
	(SELECT COUNT(*) FROM role_permissions WHERE permission_id = $1),
	(SELECT COUNT(*) FROM user_permissions WHERE permission_id = $1)`

const qDeactivatePermission = `UPDATE permissions SET is_active = FALSE WHERE id = $1`

const qListPermissions = `
SELECT ` + permissionColumns + `, COUNT(*) OVER ()
FROM permissions
WHERE ($1 = '' OR module = $1)
	AND ($2 = '' OR resource = $2)
	AND ($3 = '' OR resource ILIKE '%' || $3 || '%' OR action ILIKE '%' || $3 || '%' OR display_name ILIKE '%' || $3 || '%')
	AND (is_active OR $4)
ORDER BY module, resource, action
LIMIT $5 OFFSET $6`

const userPermissionColumns = `id, user_id, permission_id, is_granted, conditions, reason, expires_at, granted_by, created_at`

const qUserPermission = `
SELECT ` + userPermissionColumns + `
FROM user_permissions
WHERE user_id = $1 AND permission_id = $2`

const qUpsertUserPermission = `
INSERT INTO user_permissions (` + userPermissionColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (user_id, permission_id) DO UPDATE
SET is_granted = EXCLUDED.is_granted,
	conditions = EXCLUDED.conditions,
	reason = EXCLUDED.reason,
	expires_at = EXCLUDED.expires_at,
	granted_by = EXCLUDED.granted_by`

const qDeleteUserPermission = `DELETE FROM user_permissions WHERE user_id = $1 AND permission_id = $2`

const qDeleteUserPermissions = `DELETE FROM user_permissions WHERE user_id = $1 AND permission_id = ANY($2)`

const qUserPermissionsWithDetail = `
SELECT up.id, up.user_id, up.permission_id, up.is_granted, up.conditions, up.reason,
	up.expires_at, up.granted_by, up.created_at,
	p.id, p.resource, p.action, p.display_name, p.description, p.module, p.conditions, p.is_active, p.created_at
FROM user_permissions up
JOIN permissions p ON p.id = up.permission_id
WHERE up.user_id = $1 AND (up.expires_at IS NULL OR up.expires_at > $2)
ORDER BY p.resource, p.action`

const qUpsertEffectivePermissions = `
INSERT INTO effective_permissions_cache (user_id, roles, permissions, permission_keys, computed_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (user_id) DO UPDATE
SET roles = EXCLUDED.roles,
	permissions = EXCLUDED.permissions,
	permission_keys = EXCLUDED.permission_keys,
	computed_at = EXCLUDED.computed_at`

const qUserIDsForPermission = `
SELECT DISTINCT ur.user_id
FROM role_permissions rp
JOIN role_hierarchy rh ON rh.ancestor_role_id = rp.role_id
JOIN user_roles ur ON ur.role_id = rh.descendant_role_id
WHERE rp.permission_id = $1 AND ur.revoked_at IS NULL
	AND (ur.expires_at IS NULL OR ur.expires_at > $2)
UNION
SELECT user_id FROM user_permissions WHERE permission_id = $1`

// PermissionFilter narrows and pages ListPermissions.
type PermissionFilter struct {
	Module          string
	Resource        string
	Search          string
	IncludeInactive bool
	Limit           int
	Offset          int
}

func scanPermission(row interface{ Scan(dest ...any) error }) (*Permission, error) {
	var p Permission
	err := row.Scan(
		&p.ID, &p.Resource, &p.Action, &p.DisplayName, &p.Description,
		&p.Module, &p.Conditions, &p.IsActive, &p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func collectPermissions(rows pgx.Rows) ([]Permission, error) {
	var out []Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan permission: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *Store) GetPermissionByID(ctx context.Context, id uuid.UUID) (*Permission, error) {
	p, err := scanPermission(s.pool.QueryRow(ctx, qPermissionByID, id))
	if noRows(err) {
		return nil, apperr.NotFound("Permission")
	}
	if err != nil {
		return nil, fmt.Errorf("get permission: %w", err)
	}
	return p, nil
}

func (s *Store) GetPermissionByKey(ctx context.Context, resource, action string) (*Permission, error) {
	p, err := scanPermission(s.pool.QueryRow(ctx, qPermissionByKey, resource, action))
	if noRows(err) {
		return nil, apperr.NotFound("Permission")
	}
	if err != nil {
		return nil, fmt.Errorf("get permission by key: %w", err)
	}
	return p, nil
}

func (s *Store) GetPermissionsByIDs(ctx context.Context, ids []uuid.UUID) ([]Permission, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, qPermissionsByIDs, ids)
	if err != nil {
		return nil, fmt.Errorf("get permissions by ids: %w", err)
	}
	defer rows.Close()
	return collectPermissions(rows)
}

func (s *Store) CreatePermission(ctx context.Context, p *Permission) error {
	_, err := s.pool.Exec(ctx, qInsertPermission,
		p.ID, p.Resource, p.Action, p.DisplayName, p.Description,
		p.Module, p.Conditions, p.IsActive, p.CreatedAt,
	)
	if isUniqueViolation(err) {
		return apperr.Conflict("Permission already exists").WithCause(err)
	}
	if err != nil {
		return fmt.Errorf("insert permission: %w", err)
	}
	return nil
}

func (s *Store) UpdatePermission(ctx context.Context, p *Permission) error {
	tag, err := s.pool.Exec(ctx, qUpdatePermission,
		p.ID, p.DisplayName, p.Description, p.Module, p.Conditions, p.IsActive,
	)
	if err != nil {
		return fmt.Errorf("update permission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("Permission")
	}
	return nil
}

// CountPermissionReferences counts live role and user references so deletes
// can be rejected while the permission is still in use.
func (s *Store) CountPermissionReferences(ctx context.Context, id uuid.UUID) (roleRefs, userRefs int, err error) {
	if err := s.pool.QueryRow(ctx, qCountPermissionRefs, id).Scan(&roleRefs, &userRefs); err != nil {
		return 0, 0, fmt.Errorf("count permission references: %w", err)
	}
	return roleRefs, userRefs, nil
}

func (s *Store) DeactivatePermission(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, qDeactivatePermission, id)
	if err != nil {
		return fmt.Errorf("deactivate permission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("Permission")
	}
	return nil
}

// ListPermissions pages the catalog and returns the unpaged total.
func (s *Store) ListPermissions(ctx context.Context, f PermissionFilter) ([]Permission, int, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	rows, err := s.pool.Query(ctx, qListPermissions,
		f.Module, f.Resource, f.Search, f.IncludeInactive, f.Limit, f.Offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list permissions: %w", err)
	}
	defer rows.Close()

	var out []Permission
	var total int
	for rows.Next() {
		var p Permission
		err := rows.Scan(
			&p.ID, &p.Resource, &p.Action, &p.DisplayName, &p.Description,
			&p.Module, &p.Conditions, &p.IsActive, &p.CreatedAt, &total,
		)
		if err != nil {
			return nil, 0, fmt.Errorf("scan permission: %w", err)
		}
		out = append(out, p)
	}
	return out, total, rows.Err()
}

func (s *Store) GetUserPermission(ctx context.Context, userID, permissionID uuid.UUID) (*UserPermission, error) {
	var up UserPermission
	err := s.pool.QueryRow(ctx, qUserPermission, userID, permissionID).Scan(
		&up.ID, &up.UserID, &up.PermissionID, &up.IsGranted, &up.Conditions,
		&up.Reason, &up.ExpiresAt, &up.GrantedBy, &up.CreatedAt,
	)
	if noRows(err) {
		return nil, apperr.NotFound("User permission")
	}
	if err != nil {
		return nil, fmt.Errorf("get user permission: %w", err)
	}
	return &up, nil
}

// UpsertUserPermission creates or overwrites a user-direct grant or deny.
func (s *Store) UpsertUserPermission(ctx context.Context, up *UserPermission) error {
	_, err := s.pool.Exec(ctx, qUpsertUserPermission,
		up.ID, up.UserID, up.PermissionID, up.IsGranted, up.Conditions,
		up.Reason, up.ExpiresAt, up.GrantedBy, up.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert user permission: %w", err)
	}
	return nil
}

// DeleteUserPermission reports whether a grant existed.
func (s *Store) DeleteUserPermission(ctx context.Context, userID, permissionID uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx, qDeleteUserPermission, userID, permissionID)
	if err != nil {
		return false, fmt.Errorf("delete user permission: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ApplyUserPermissions applies bulk grants and revokes atomically. Callers
// validate the permission ids first.
func (s *Store) ApplyUserPermissions(ctx context.Context, userID uuid.UUID, grants []UserPermission, revokeIDs []uuid.UUID) error {
	return s.withTx(ctx, func(q querier) error {
		for i := range grants {
			up := &grants[i]
			_, err := q.Exec(ctx, qUpsertUserPermission,
				up.ID, up.UserID, up.PermissionID, up.IsGranted, up.Conditions,
				up.Reason, up.ExpiresAt, up.GrantedBy, up.CreatedAt,
			)
			if err != nil {
				return fmt.Errorf("upsert user permission: %w", err)
			}
		}
		if len(revokeIDs) > 0 {
			if _, err := q.Exec(ctx, qDeleteUserPermissions, userID, revokeIDs); err != nil {
				return fmt.Errorf("delete user permissions: %w", err)
			}
		}
		return nil
	})
}

// ListUserPermissions returns unexpired user-direct grants with their
// permissions.
func (s *Store) ListUserPermissions(ctx context.Context, userID uuid.UUID, now time.Time) ([]UserPermissionDetail, error) {
	rows, err := s.pool.Query(ctx, qUserPermissionsWithDetail, userID, now)
	if err != nil {
		return nil, fmt.Errorf("list user permissions: %w", err)
	}
	defer rows.Close()

	var out []UserPermissionDetail
	for rows.Next() {
		var d UserPermissionDetail
		err := rows.Scan(
			&d.UserPermission.ID, &d.UserPermission.UserID, &d.UserPermission.PermissionID,
			&d.UserPermission.IsGranted, &d.UserPermission.Conditions, &d.UserPermission.Reason,
			&d.UserPermission.ExpiresAt, &d.UserPermission.GrantedBy, &d.UserPermission.CreatedAt,
			&d.Permission.ID, &d.Permission.Resource, &d.Permission.Action,
			&d.Permission.DisplayName, &d.Permission.Description, &d.Permission.Module,
			&d.Permission.Conditions, &d.Permission.IsActive, &d.Permission.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan user permission: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpsertEffectivePermissions refreshes the persistent effective-permissions
// snapshot for a user.
func (s *Store) UpsertEffectivePermissions(ctx context.Context, userID uuid.UUID, roles []string, permissions []byte, keys []string, computedAt time.Time) error {
	_, err := s.pool.Exec(ctx, qUpsertEffectivePermissions, userID, roles, permissions, keys, computedAt)
	if err != nil {
		return fmt.Errorf("upsert effective permissions: %w", err)
	}
	return nil
}

// ListUserIDsForPermission returns every user whose effective set can be
// touched by a change to the permission: direct holders plus users holding
// any role that inherits it.
func (s *Store) ListUserIDsForPermission(ctx context.Context, permissionID uuid.UUID, now time.Time) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, qUserIDsForPermission, permissionID, now)
	if err != nil {
		return nil, fmt.Errorf("list users for permission: %w", err)
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
