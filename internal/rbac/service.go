// Package rbac implements role-based access control: role CRUD with a
// transitive-closure hierarchy, user role assignments, the permission
// catalog with user-direct grants and denies, and the effective-permission
// resolution both of those feed.
package rbac

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/pellenbrig/aegis/internal/apperr"
	"github.com/pellenbrig/aegis/internal/audit"
	"github.com/pellenbrig/aegis/internal/cache"
	"github.com/pellenbrig/aegis/internal/clock"
	"github.com/pellenbrig/aegis/internal/store"
)

var roleNamePattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// Permission sources in effective sets.
const (
	SourceRole   = "role"
	SourceDirect = "direct"
)

// Store is the persistence surface the RBAC service needs.
type Store interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (*store.User, error)

	GetRoleByID(ctx context.Context, id uuid.UUID) (*store.Role, error)
	GetRoleByName(ctx context.Context, name string, orgID *uuid.UUID) (*store.Role, error)
	ListRoles(ctx context.Context, includeInactive bool) ([]store.Role, error)
	CreateRole(ctx context.Context, r *store.Role, closure []store.HierarchyRow) error
	UpdateRole(ctx context.Context, r *store.Role, removePairs, addRows []store.HierarchyRow) error
	DeactivateRole(ctx context.Context, id uuid.UUID, at time.Time) error
	GetAncestorRows(ctx context.Context, roleID uuid.UUID) ([]store.HierarchyRow, error)
	GetDescendantRows(ctx context.Context, roleID uuid.UUID) ([]store.HierarchyRow, error)
	HasPath(ctx context.Context, ancestorID, descendantID uuid.UUID) (bool, error)

	InsertUserRole(ctx context.Context, ur *store.UserRole) error
	GetActiveAssignment(ctx context.Context, userID, roleID uuid.UUID, now time.Time) (*store.UserRole, error)
	CountActiveUserRoles(ctx context.Context, userID uuid.UUID, now time.Time) (int, error)
	CountActiveRoleHolders(ctx context.Context, roleID uuid.UUID, now time.Time) (int, error)
	RevokeUserRole(ctx context.Context, id uuid.UUID, at time.Time, by *uuid.UUID, reason *string) error
	ListActiveUserRoles(ctx context.Context, userID uuid.UUID, now time.Time) ([]store.UserRoleWithRole, error)
	ListUserIDsWithRole(ctx context.Context, roleID uuid.UUID, now time.Time) ([]uuid.UUID, error)

	ModifyRolePermissions(ctx context.Context, roleID uuid.UUID, add, remove []uuid.UUID) error
	ListRolePermissions(ctx context.Context, roleID uuid.UUID) ([]store.Permission, error)
	GetPermissionsByRoleIDs(ctx context.Context, roleIDs []uuid.UUID) ([]store.RolePermissionRow, error)
	GetPermissionsByIDs(ctx context.Context, ids []uuid.UUID) ([]store.Permission, error)
	ListUserPermissions(ctx context.Context, userID uuid.UUID, now time.Time) ([]store.UserPermissionDetail, error)
	UpsertEffectivePermissions(ctx context.Context, userID uuid.UUID, roles []string, permissions []byte, keys []string, computedAt time.Time) error
}

// Cache is the fast-cache surface this service needs.
type Cache interface {
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Options tunes the service. Zero values fall back to defaults.
type Options struct {
	EffPermTTL time.Duration // fast-cache TTL for effective permission sets
	RoleTTL    time.Duration // fast-cache TTL for role detail reads
}

func (o Options) withDefaults() Options {
	if o.EffPermTTL <= 0 {
		o.EffPermTTL = 5 * time.Minute
	}
	if o.RoleTTL <= 0 {
		o.RoleTTL = 10 * time.Minute
	}
	return o
}

type Service struct {
	store Store
	cache Cache
	audit audit.Logger
	clock clock.Clock
	log   *slog.Logger
	opts  Options
}

func NewService(st Store, c Cache, al audit.Logger, clk clock.Clock, log *slog.Logger, opts Options) *Service {
	return &Service{
		store: st,
		cache: c,
		audit: al,
		clock: clk,
		log:   log,
		opts:  opts.withDefaults(),
	}
}

// CreateRoleInput describes a new role. PermissionIDs may seed the role's
// permission set in the same call.
type CreateRoleInput struct {
	Name           string
	DisplayName    string
	Description    string
	ParentRoleID   *uuid.UUID
	OrganizationID *uuid.UUID
	PermissionIDs  []uuid.UUID
	Metadata       map[string]any
	ActorID        uuid.UUID
}

// CreateRole inserts a role together with its closure rows: a self-row at
// depth 0 plus, when a parent is given, one row per ancestor of the parent.
func (s *Service) CreateRole(ctx context.Context, in CreateRoleInput) (*store.Role, error) {
	if !roleNamePattern.MatchString(in.Name) {
		return nil, apperr.BadRequest("Role name must match ^[A-Z][A-Z0-9_]*$")
	}

	_, err := s.store.GetRoleByName(ctx, in.Name, in.OrganizationID)
	switch {
	case err == nil:
		return nil, apperr.Conflict("Role name already exists")
	case !apperr.IsCode(err, apperr.CodeNotFound):
		return nil, err
	}

	now := s.clock.Now()
	role := &store.Role{
		ID:             uuid.New(),
		Name:           in.Name,
		DisplayName:    in.DisplayName,
		Description:    in.Description,
		IsActive:       true,
		ParentRoleID:   in.ParentRoleID,
		OrganizationID: in.OrganizationID,
		Metadata:       in.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	closure := []store.HierarchyRow{{AncestorRoleID: role.ID, DescendantRoleID: role.ID, Depth: 0}}
	if in.ParentRoleID != nil {
		parent, err := s.store.GetRoleByID(ctx, *in.ParentRoleID)
		if err != nil {
			return nil, err
		}
		if !parent.IsActive {
			return nil, apperr.BadRequest("Parent role is not active")
		}
		parentAncestors, err := s.store.GetAncestorRows(ctx, parent.ID)
		if err != nil {
			return nil, err
		}
		for _, a := range parentAncestors {
			closure = append(closure, store.HierarchyRow{
				AncestorRoleID:   a.AncestorRoleID,
				DescendantRoleID: role.ID,
				Depth:            a.Depth + 1,
			})
		}
	}

	if err := s.store.CreateRole(ctx, role, closure); err != nil {
		return nil, err
	}

	if len(in.PermissionIDs) > 0 {
		if err := s.requireAllPermissions(ctx, in.PermissionIDs); err != nil {
			return nil, err
		}
		if err := s.store.ModifyRolePermissions(ctx, role.ID, in.PermissionIDs, nil); err != nil {
			return nil, err
		}
	}

	s.audit.Log(ctx, audit.EventRoleCreated, audit.Entry{
		ActorID:    &in.ActorID,
		TargetType: "role",
		TargetID:   role.ID.String(),
		Metadata:   map[string]any{"roleName": role.Name},
	})
	return role, nil
}

// UpdateRoleInput carries a partial role update. Nil fields are unchanged;
// SetParent distinguishes "reparent to nil" from "leave the parent alone".
type UpdateRoleInput struct {
	RoleID       uuid.UUID
	DisplayName  *string
	Description  *string
	ParentRoleID *uuid.UUID
	SetParent    bool
	Metadata     map[string]any
	ActorID      uuid.UUID
}

// UpdateRole mutates a role and, when the parent changes, moves the whole
// subtree in the closure table. System roles are immutable.
func (s *Service) UpdateRole(ctx context.Context, in UpdateRoleInput) (*store.Role, error) {
	role, err := s.store.GetRoleByID(ctx, in.RoleID)
	if err != nil {
		return nil, err
	}
	if role.IsSystem {
		return nil, apperr.Forbidden("System roles cannot be modified")
	}

	if in.DisplayName != nil {
		role.DisplayName = *in.DisplayName
	}
	if in.Description != nil {
		role.Description = *in.Description
	}
	if in.Metadata != nil {
		role.Metadata = in.Metadata
	}

	var removePairs, addRows []store.HierarchyRow
	if in.SetParent && !sameParent(role.ParentRoleID, in.ParentRoleID) {
		removePairs, addRows, err = s.reparentDelta(ctx, role, in.ParentRoleID)
		if err != nil {
			return nil, err
		}
		role.ParentRoleID = in.ParentRoleID
	}

	role.UpdatedAt = s.clock.Now()
	if err := s.store.UpdateRole(ctx, role, removePairs, addRows); err != nil {
		return nil, err
	}

	s.dropCache(ctx, cache.RoleKey(role.ID))
	s.audit.Log(ctx, audit.EventRoleUpdated, audit.Entry{
		ActorID:    &in.ActorID,
		TargetType: "role",
		TargetID:   role.ID.String(),
		Metadata:   map[string]any{"roleName": role.Name},
	})
	return role, nil
}

// reparentDelta computes the closure rows to delete and insert when the role
// moves under a new parent, carrying its whole subtree along.
func (s *Service) reparentDelta(ctx context.Context, role *store.Role, newParentID *uuid.UUID) (removePairs, addRows []store.HierarchyRow, err error) {
	if newParentID != nil {
		if *newParentID == role.ID {
			return nil, nil, apperr.BadRequest("A role cannot be its own parent")
		}
		parent, err := s.store.GetRoleByID(ctx, *newParentID)
		if err != nil {
			return nil, nil, err
		}
		if !parent.IsActive {
			return nil, nil, apperr.BadRequest("Parent role is not active")
		}
		// The new parent must not sit below this role, or the hierarchy
		// would close into a cycle.
		cyclic, err := s.store.HasPath(ctx, role.ID, *newParentID)
		if err != nil {
			return nil, nil, err
		}
		if cyclic {
			return nil, nil, apperr.BadRequest("Role hierarchy cannot contain cycles")
		}
	}

	subtree, err := s.store.GetDescendantRows(ctx, role.ID)
	if err != nil {
		return nil, nil, err
	}
	oldAncestors, err := s.store.GetAncestorRows(ctx, role.ID)
	if err != nil {
		return nil, nil, err
	}

	// Sever every link from the role's former ancestors into the subtree.
	for _, a := range oldAncestors {
		if a.AncestorRoleID == role.ID {
			continue // self-row stays
		}
		for _, d := range subtree {
			removePairs = append(removePairs, store.HierarchyRow{
				AncestorRoleID:   a.AncestorRoleID,
				DescendantRoleID: d.DescendantRoleID,
			})
		}
	}

	if newParentID != nil {
		newAncestors, err := s.store.GetAncestorRows(ctx, *newParentID)
		if err != nil {
			return nil, nil, err
		}
		for _, a := range newAncestors {
			for _, d := range subtree {
				addRows = append(addRows, store.HierarchyRow{
					AncestorRoleID:   a.AncestorRoleID,
					DescendantRoleID: d.DescendantRoleID,
					Depth:            a.Depth + 1 + d.Depth,
				})
			}
		}
	}
	return removePairs, addRows, nil
}

// DeleteRole soft-deletes a role. The role must be user-made and have no
// active assignments.
func (s *Service) DeleteRole(ctx context.Context, roleID, actorID uuid.UUID) error {
	role, err := s.store.GetRoleByID(ctx, roleID)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return apperr.Forbidden("System roles cannot be deleted")
	}
	now := s.clock.Now()
	holders, err := s.store.CountActiveRoleHolders(ctx, roleID, now)
	if err != nil {
		return err
	}
	if holders > 0 {
		return apperr.Conflict("Role still has active assignments")
	}
	if err := s.store.DeactivateRole(ctx, roleID, now); err != nil {
		return err
	}

	s.dropCache(ctx, cache.RoleKey(roleID))
	s.audit.Log(ctx, audit.EventRoleDeleted, audit.Entry{
		ActorID:    &actorID,
		TargetType: "role",
		TargetID:   roleID.String(),
		Metadata:   map[string]any{"roleName": role.Name},
	})
	return nil
}

// RoleDetail is a role plus its directly attached permissions.
type RoleDetail struct {
	Role        store.Role         `json:"role"`
	Permissions []store.Permission `json:"permissions"`
}

// GetRole reads a role and its permissions through the role:{id} cache.
func (s *Service) GetRole(ctx context.Context, roleID uuid.UUID) (*RoleDetail, error) {
	key := cache.RoleKey(roleID)
	var cached RoleDetail
	if found, err := s.cache.GetJSON(ctx, key, &cached); err == nil && found {
		return &cached, nil
	} else if err != nil {
		s.log.Warn("role_cache_read_failed", slog.String("error", err.Error()))
	}

	role, err := s.store.GetRoleByID(ctx, roleID)
	if err != nil {
		return nil, err
	}
	perms, err := s.store.ListRolePermissions(ctx, roleID)
	if err != nil {
		return nil, err
	}
	detail := &RoleDetail{Role: *role, Permissions: perms}
	if err := s.cache.SetJSON(ctx, key, detail, s.opts.RoleTTL); err != nil {
		s.log.Warn("role_cache_write_failed", slog.String("error", err.Error()))
	}
	return detail, nil
}

func (s *Service) ListRoles(ctx context.Context, includeInactive bool) ([]store.Role, error) {
	return s.store.ListRoles(ctx, includeInactive)
}

// UpdateRolePermissions replaces the role's permission set in one
// transaction and invalidates the effective-permission cache of every
// current holder.
func (s *Service) UpdateRolePermissions(ctx context.Context, roleID uuid.UUID, permissionIDs []uuid.UUID, actorID uuid.UUID) error {
	role, err := s.store.GetRoleByID(ctx, roleID)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return apperr.Forbidden("System roles cannot be modified")
	}
	if err := s.requireAllPermissions(ctx, permissionIDs); err != nil {
		return err
	}

	current, err := s.store.ListRolePermissions(ctx, roleID)
	if err != nil {
		return err
	}
	want := make(map[uuid.UUID]bool, len(permissionIDs))
	for _, id := range permissionIDs {
		want[id] = true
	}
	have := make(map[uuid.UUID]bool, len(current))
	var remove []uuid.UUID
	for _, p := range current {
		have[p.ID] = true
		if !want[p.ID] {
			remove = append(remove, p.ID)
		}
	}
	var add []uuid.UUID
	for _, id := range permissionIDs {
		if !have[id] {
			add = append(add, id)
		}
	}

	if err := s.store.ModifyRolePermissions(ctx, roleID, add, remove); err != nil {
		return err
	}

	s.dropCache(ctx, cache.RoleKey(roleID))
	s.invalidateRoleHolders(ctx, roleID)
	s.audit.Log(ctx, audit.EventRolePermissionsUpdated, audit.Entry{
		ActorID:    &actorID,
		TargetType: "role",
		TargetID:   roleID.String(),
		Metadata:   map[string]any{"roleName": role.Name, "added": len(add), "removed": len(remove)},
	})
	return nil
}

// AssignRoleInput grants a role to a user, optionally until ExpiresAt.
type AssignRoleInput struct {
	UserID         uuid.UUID
	RoleID         uuid.UUID
	OrganizationID *uuid.UUID
	ExpiresAt      *time.Time
	Reason         string
	ActorID        uuid.UUID
}

func (s *Service) AssignRole(ctx context.Context, in AssignRoleInput) (*store.UserRole, error) {
	if _, err := s.store.GetUserByID(ctx, in.UserID); err != nil {
		return nil, err
	}
	role, err := s.store.GetRoleByID(ctx, in.RoleID)
	if err != nil {
		return nil, err
	}
	if !role.IsActive {
		return nil, apperr.BadRequest("Role is not active")
	}

	now := s.clock.Now()
	if in.ExpiresAt != nil && !in.ExpiresAt.After(now) {
		return nil, apperr.BadRequest("Expiry must be in the future")
	}

	_, err = s.store.GetActiveAssignment(ctx, in.UserID, in.RoleID, now)
	switch {
	case err == nil:
		return nil, apperr.Conflict("Role is already assigned to this user")
	case !apperr.IsCode(err, apperr.CodeNotFound):
		return nil, err
	}

	ur := &store.UserRole{
		ID:             uuid.New(),
		UserID:         in.UserID,
		RoleID:         in.RoleID,
		OrganizationID: in.OrganizationID,
		GrantedAt:      now,
		GrantedBy:      &in.ActorID,
		ExpiresAt:      in.ExpiresAt,
	}
	if in.Reason != "" {
		ur.Reason = &in.Reason
	}
	if err := s.store.InsertUserRole(ctx, ur); err != nil {
		return nil, err
	}

	s.dropCache(ctx, cache.EffectivePermissionsKey(in.UserID))
	s.audit.Log(ctx, audit.EventRoleAssigned, audit.Entry{
		UserID:     &in.UserID,
		ActorID:    &in.ActorID,
		TargetType: "role",
		TargetID:   in.RoleID.String(),
		Metadata:   map[string]any{"roleId": in.RoleID.String(), "roleName": role.Name, "reason": in.Reason},
	})
	return ur, nil
}

// RevokeRoleInput removes an active assignment. The reason is mandatory and
// stored with the revocation.
type RevokeRoleInput struct {
	UserID  uuid.UUID
	RoleID  uuid.UUID
	Reason  string
	ActorID uuid.UUID
}

func (s *Service) RevokeRole(ctx context.Context, in RevokeRoleInput) error {
	if len(in.Reason) < 5 {
		return apperr.BadRequest("Revocation reason must be at least 5 characters")
	}
	now := s.clock.Now()
	assignment, err := s.store.GetActiveAssignment(ctx, in.UserID, in.RoleID, now)
	if err != nil {
		return err
	}

	active, err := s.store.CountActiveUserRoles(ctx, in.UserID, now)
	if err != nil {
		return err
	}
	if active <= 1 {
		return apperr.Conflict("Cannot revoke the user's last active role")
	}

	if err := s.store.RevokeUserRole(ctx, assignment.ID, now, &in.ActorID, &in.Reason); err != nil {
		return err
	}

	s.dropCache(ctx, cache.EffectivePermissionsKey(in.UserID))
	s.audit.Log(ctx, audit.EventRoleRevoked, audit.Entry{
		UserID:     &in.UserID,
		ActorID:    &in.ActorID,
		TargetType: "role",
		TargetID:   in.RoleID.String(),
		Metadata:   map[string]any{"roleId": in.RoleID.String(), "reason": in.Reason},
	})
	return nil
}

// ListUserRoles returns the user's live assignments with their roles.
func (s *Service) ListUserRoles(ctx context.Context, userID uuid.UUID) ([]store.UserRoleWithRole, error) {
	if _, err := s.store.GetUserByID(ctx, userID); err != nil {
		return nil, err
	}
	return s.store.ListActiveUserRoles(ctx, userID, s.clock.Now())
}

// EffectivePermission is one entry of a resolved permission set.
type EffectivePermission struct {
	Resource    string            `json:"resource"`
	Action      string            `json:"action"`
	Key         string            `json:"key"`
	Source      string            `json:"source"`
	SourceRoles []string          `json:"sourceRoles,omitempty"`
	Conditions  []store.Condition `json:"conditions,omitempty"`
}

// EffectiveSet is a user's fully resolved permission set. PermissionKeys
// mirrors Permissions for O(1) membership checks.
type EffectiveSet struct {
	UserID         uuid.UUID             `json:"userId"`
	Roles          []string              `json:"roles"`
	Permissions    []EffectivePermission `json:"permissions"`
	PermissionKeys []string              `json:"permissionKeys"`
	ComputedAt     time.Time             `json:"computedAt"`
}

// Has reports whether the set grants resource:action, honouring the
// resource-level wildcard.
func (e *EffectiveSet) Has(resource, action string) bool {
	exact, wildcard := resource+":"+action, resource+":*"
	for _, k := range e.PermissionKeys {
		if k == exact || k == wildcard {
			return true
		}
	}
	return false
}

// GroupedPermissions splits an effective set by source.
type GroupedPermissions struct {
	Roles  []EffectivePermission `json:"roles"`
	Direct []EffectivePermission `json:"direct"`
}

// Grouped partitions the set into role-derived and user-direct entries.
func (e *EffectiveSet) Grouped() *GroupedPermissions {
	g := &GroupedPermissions{}
	for _, p := range e.Permissions {
		if p.Source == SourceDirect {
			g.Direct = append(g.Direct, p)
		} else {
			g.Roles = append(g.Roles, p)
		}
	}
	return g
}

// EffectivePermissions resolves the user's permission set: role-derived
// permissions from the full ancestor closure of every held role, plus
// user-direct grants, minus user-direct denies. The result lands in the
// fast cache and the persistent snapshot before being returned.
func (s *Service) EffectivePermissions(ctx context.Context, userID uuid.UUID) (*EffectiveSet, error) {
	key := cache.EffectivePermissionsKey(userID)
	var cached EffectiveSet
	if found, err := s.cache.GetJSON(ctx, key, &cached); err == nil && found {
		return &cached, nil
	} else if err != nil {
		s.log.Warn("effperm_cache_read_failed", slog.String("error", err.Error()))
	}

	now := s.clock.Now()
	assignments, err := s.store.ListActiveUserRoles(ctx, userID, now)
	if err != nil {
		return nil, err
	}

	// Walk each held role up through the closure; permissions carried by
	// any ancestor are inherited. sourcesFor remembers which held roles
	// reach a given ancestor so entries can be tagged.
	roleNames := make([]string, 0, len(assignments))
	sourcesFor := make(map[uuid.UUID][]string)
	var ancestorIDs []uuid.UUID
	for _, a := range assignments {
		roleNames = append(roleNames, a.Role.Name)
		ancestors, err := s.store.GetAncestorRows(ctx, a.Role.ID)
		if err != nil {
			return nil, err
		}
		for _, h := range ancestors {
			if _, seen := sourcesFor[h.AncestorRoleID]; !seen {
				ancestorIDs = append(ancestorIDs, h.AncestorRoleID)
			}
			sourcesFor[h.AncestorRoleID] = appendUnique(sourcesFor[h.AncestorRoleID], a.Role.Name)
		}
	}

	rolePerms, err := s.store.GetPermissionsByRoleIDs(ctx, ancestorIDs)
	if err != nil {
		return nil, err
	}

	byKey := make(map[string]*EffectivePermission)
	order := make([]string, 0, len(rolePerms))
	for _, rp := range rolePerms {
		k := rp.Permission.Key()
		if existing, ok := byKey[k]; ok {
			for _, src := range sourcesFor[rp.RoleID] {
				existing.SourceRoles = appendUnique(existing.SourceRoles, src)
			}
			continue
		}
		byKey[k] = &EffectivePermission{
			Resource:    rp.Permission.Resource,
			Action:      rp.Permission.Action,
			Key:         k,
			Source:      SourceRole,
			SourceRoles: append([]string(nil), sourcesFor[rp.RoleID]...),
		}
		order = append(order, k)
	}

	direct, err := s.store.ListUserPermissions(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	// Grants first, denies last so a deny always wins.
	for _, d := range direct {
		if !d.UserPermission.IsGranted || !d.Permission.IsActive {
			continue
		}
		k := d.Permission.Key()
		if _, ok := byKey[k]; !ok {
			order = append(order, k)
		}
		byKey[k] = &EffectivePermission{
			Resource:   d.Permission.Resource,
			Action:     d.Permission.Action,
			Key:        k,
			Source:     SourceDirect,
			Conditions: d.UserPermission.Conditions,
		}
	}
	for _, d := range direct {
		if d.UserPermission.IsGranted {
			continue
		}
		delete(byKey, d.Permission.Key())
	}

	set := &EffectiveSet{
		UserID:     userID,
		Roles:      roleNames,
		ComputedAt: now,
	}
	for _, k := range order {
		p, ok := byKey[k]
		if !ok {
			continue // denied
		}
		set.Permissions = append(set.Permissions, *p)
		set.PermissionKeys = append(set.PermissionKeys, k)
	}

	if err := s.cache.SetJSON(ctx, key, set, s.opts.EffPermTTL); err != nil {
		s.log.Warn("effperm_cache_write_failed", slog.String("error", err.Error()))
	}
	s.persistSnapshot(ctx, set)
	return set, nil
}

// persistSnapshot upserts the durable effective-permission row. Snapshot
// failures are logged, not returned: the resolved set is still correct.
func (s *Service) persistSnapshot(ctx context.Context, set *EffectiveSet) {
	blob, err := json.Marshal(set.Permissions)
	if err != nil {
		s.log.Error("effperm_snapshot_marshal_failed", slog.String("error", err.Error()))
		return
	}
	err = s.store.UpsertEffectivePermissions(ctx, set.UserID, set.Roles, blob, set.PermissionKeys, set.ComputedAt)
	if err != nil {
		s.log.Error("effperm_snapshot_write_failed",
			slog.String("user_id", set.UserID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// PermissionRef names one permission to check.
type PermissionRef struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

// CheckPermission reports whether the user holds resource:action, directly,
// via a role, or through the resource:* wildcard.
func (s *Service) CheckPermission(ctx context.Context, userID uuid.UUID, resource, action string) (bool, error) {
	set, err := s.EffectivePermissions(ctx, userID)
	if err != nil {
		return false, err
	}
	return set.Has(resource, action), nil
}

// CheckPermissions answers many checks from a single resolution.
func (s *Service) CheckPermissions(ctx context.Context, userID uuid.UUID, refs []PermissionRef) (map[string]bool, error) {
	set, err := s.EffectivePermissions(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(refs))
	for _, ref := range refs {
		out[ref.Resource+":"+ref.Action] = set.Has(ref.Resource, ref.Action)
	}
	return out, nil
}

// InvalidateUserPermissions drops the user's fast-cache entry so the next
// check recomputes. Used by the permission service after mutations.
func (s *Service) InvalidateUserPermissions(ctx context.Context, userIDs ...uuid.UUID) {
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = cache.EffectivePermissionsKey(id)
	}
	s.dropCache(ctx, keys...)
}

// invalidateRoleHolders drops effective-permission caches for everyone
// currently holding the role.
func (s *Service) invalidateRoleHolders(ctx context.Context, roleID uuid.UUID) {
	userIDs, err := s.store.ListUserIDsWithRole(ctx, roleID, s.clock.Now())
	if err != nil {
		s.log.Error("role_holder_lookup_failed",
			slog.String("role_id", roleID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	s.InvalidateUserPermissions(ctx, userIDs...)
}

func (s *Service) dropCache(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := s.cache.Delete(ctx, keys...); err != nil {
		s.log.Warn("rbac_cache_invalidate_failed", slog.String("error", err.Error()))
	}
}

// requireAllPermissions rejects the call unless every id resolves.
func (s *Service) requireAllPermissions(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	found, err := s.store.GetPermissionsByIDs(ctx, ids)
	if err != nil {
		return err
	}
	if len(found) != len(uniqueIDs(ids)) {
		return apperr.BadRequest("One or more permissions do not exist")
	}
	return nil
}

func uniqueIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

func sameParent(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
