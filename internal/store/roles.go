package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pellenbrig/aegis/internal/apperr"
)

const roleColumns = `id, name, display_name, description, is_system, is_active, parent_role_id, organization_id, metadata, created_at, updated_at`

const qRoleByID = `SELECT ` + roleColumns + ` FROM roles WHERE id = $1`

const qRoleByName = `
SELECT ` + roleColumns + `
FROM roles
WHERE name = $1 AND organization_id IS NOT DISTINCT FROM $2`

const qListRoles = `
SELECT ` + roleColumns + `
FROM roles
WHERE is_active OR $1
ORDER BY name ASC`

const qInsertRole = `
INSERT INTO roles (` + roleColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

const qUpdateRole = `
UPDATE roles
SET display_name = $2, description = $3, parent_role_id = $4, metadata = $5, is_active = $6, updated_at = $7
WHERE id = $1`

const qDeactivateRole = `UPDATE roles SET is_active = FALSE, updated_at = $2 WHERE id = $1`

const qAncestorRows = `
SELECT ancestor_role_id, descendant_role_id, depth
FROM role_hierarchy
WHERE descendant_role_id = $1
ORDER BY depth ASC`

const qDescendantRows = `
SELECT ancestor_role_id, descendant_role_id, depth
FROM role_hierarchy
WHERE ancestor_role_id = $1
ORDER BY depth ASC`

const qHasPath = `
SELECT EXISTS (
	SELECT 1 FROM role_hierarchy WHERE ancestor_role_id = $1 AND descendant_role_id = $2
)`

const qInsertHierarchyRows = `
INSERT INTO role_hierarchy (ancestor_role_id, descendant_role_id, depth)
SELECT t.ancestor, t.descendant, t.depth
FROM unnest($1::uuid[], $2::uuid[], $3::int[]) AS t(ancestor, descendant, depth)
ON CONFLICT (ancestor_role_id, descendant_role_id) DO NOTHING`

const qDeleteHierarchyPairs = `
DELETE FROM role_hierarchy
WHERE (ancestor_role_id, descendant_role_id) IN (
	SELECT t.ancestor, t.descendant FROM unnest($1::uuid[], $2::uuid[]) AS t(ancestor, descendant)
)`

func scanRole(row interface{ Scan(dest ...any) error }) (*Role, error) {
	var r Role
	err := row.Scan(
		&r.ID, &r.Name, &r.DisplayName, &r.Description, &r.IsSystem, &r.IsActive,
		&r.ParentRoleID, &r.OrganizationID, &r.Metadata, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) GetRoleByID(ctx context.Context, id uuid.UUID) (*Role, error) {
	r, err := scanRole(s.pool.QueryRow(ctx, qRoleByID, id))
	if noRows(err) {
		return nil, apperr.NotFound("Role")
	}
	if err != nil {
		return nil, fmt.Errorf("get role: %w", err)
	}
	return r, nil
}

func (s *Store) GetRoleByName(ctx context.Context, name string, orgID *uuid.UUID) (*Role, error) {
	r, err := scanRole(s.pool.QueryRow(ctx, qRoleByName, name, orgID))
	if noRows(err) {
		return nil, apperr.NotFound("Role")
	}
	if err != nil {
		return nil, fmt.Errorf("get role by name: %w", err)
	}
	return r, nil
}

func (s *Store) ListRoles(ctx context.Context, includeInactive bool) ([]Role, error) {
	rows, err := s.pool.Query(ctx, qListRoles, includeInactive)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	defer rows.Close()

	var out []Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// CreateRole inserts the role and its closure rows in one transaction.
func (s *Store) CreateRole(ctx context.Context, r *Role, closure []HierarchyRow) error {
	err := s.withTx(ctx, func(q querier) error {
		_, err := q.Exec(ctx, qInsertRole,
			r.ID, r.Name, r.DisplayName, r.Description, r.IsSystem, r.IsActive,
			r.ParentRoleID, r.OrganizationID, r.Metadata, r.CreatedAt, r.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert role: %w", err)
		}
		return insertHierarchyRows(ctx, q, closure)
	})
	if isUniqueViolation(err) {
		return apperr.Conflict("Role name already exists").WithCause(err)
	}
	return err
}

// UpdateRole rewrites the role row and applies a closure delta (moved
// subtrees) atomically.
func (s *Store) UpdateRole(ctx context.Context, r *Role, removePairs, addRows []HierarchyRow) error {
	return s.withTx(ctx, func(q querier) error {
		tag, err := q.Exec(ctx, qUpdateRole,
			r.ID, r.DisplayName, r.Description, r.ParentRoleID, r.Metadata, r.IsActive, r.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("update role: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return apperr.NotFound("Role")
		}
		if err := deleteHierarchyPairs(ctx, q, removePairs); err != nil {
			return err
		}
		return insertHierarchyRows(ctx, q, addRows)
	})
}

// DeactivateRole soft-deletes a role.
func (s *Store) DeactivateRole(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx, qDeactivateRole, id, at)
	if err != nil {
		return fmt.Errorf("deactivate role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("Role")
	}
	return nil
}

func (s *Store) listHierarchyRows(ctx context.Context, query string, roleID uuid.UUID) ([]HierarchyRow, error) {
	rows, err := s.pool.Query(ctx, query, roleID)
	if err != nil {
		return nil, fmt.Errorf("list hierarchy rows: %w", err)
	}
	defer rows.Close()

	var out []HierarchyRow
	for rows.Next() {
		var h HierarchyRow
		if err := rows.Scan(&h.AncestorRoleID, &h.DescendantRoleID, &h.Depth); err != nil {
			return nil, fmt.Errorf("scan hierarchy row: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// GetAncestorRows returns the closure rows ending at the role, self-row
// included.
func (s *Store) GetAncestorRows(ctx context.Context, roleID uuid.UUID) ([]HierarchyRow, error) {
	return s.listHierarchyRows(ctx, qAncestorRows, roleID)
}

// GetDescendantRows returns the closure rows starting at the role, self-row
// included.
func (s *Store) GetDescendantRows(ctx context.Context, roleID uuid.UUID) ([]HierarchyRow, error) {
	return s.listHierarchyRows(ctx, qDescendantRows, roleID)
}

// HasPath reports whether ancestor reaches descendant through the closure.
func (s *Store) HasPath(ctx context.Context, ancestorID, descendantID uuid.UUID) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, qHasPath, ancestorID, descendantID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check hierarchy path: %w", err)
	}
	return exists, nil
}

func insertHierarchyRows(ctx context.Context, q querier, rows []HierarchyRow) error {
	if len(rows) == 0 {
		return nil
	}
	ancestors := make([]uuid.UUID, len(rows))
	descendants := make([]uuid.UUID, len(rows))
	depths := make([]int32, len(rows))
	for i, h := range rows {
		ancestors[i] = h.AncestorRoleID
		descendants[i] = h.DescendantRoleID
		depths[i] = int32(h.Depth)
	}
	if _, err := q.Exec(ctx, qInsertHierarchyRows, ancestors, descendants, depths); err != nil {
		return fmt.Errorf("insert hierarchy rows: %w", err)
	}
	return nil
}

func deleteHierarchyPairs(ctx context.Context, q querier, rows []HierarchyRow) error {
	if len(rows) == 0 {
		return nil
	}
	ancestors := make([]uuid.UUID, len(rows))
	descendants := make([]uuid.UUID, len(rows))
	for i, h := range rows {
		ancestors[i] = h.AncestorRoleID
		descendants[i] = h.DescendantRoleID
	}
	if _, err := q.Exec(ctx, qDeleteHierarchyPairs, ancestors, descendants); err != nil {
		return fmt.Errorf("delete hierarchy pairs: %w", err)
	}
	return nil
}
