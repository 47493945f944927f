package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/pellenbrig/aegis/internal/apperr"
	"github.com/pellenbrig/aegis/internal/audit"
	"github.com/pellenbrig/aegis/internal/clock"
	"github.com/pellenbrig/aegis/internal/store"
)

var resourcePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ConditionOwnOrganization is the only ratified condition type. Anything
// else denies by default.
const ConditionOwnOrganization = "own_organization"

// PermissionStore is the persistence surface the permission service needs.
type PermissionStore interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (*store.User, error)

	GetPermissionByID(ctx context.Context, id uuid.UUID) (*store.Permission, error)
	GetPermissionByKey(ctx context.Context, resource, action string) (*store.Permission, error)
	GetPermissionsByIDs(ctx context.Context, ids []uuid.UUID) ([]store.Permission, error)
	CreatePermission(ctx context.Context, p *store.Permission) error
	UpdatePermission(ctx context.Context, p *store.Permission) error
	CountPermissionReferences(ctx context.Context, id uuid.UUID) (roleRefs, userRefs int, err error)
	DeactivatePermission(ctx context.Context, id uuid.UUID) error
	ListPermissions(ctx context.Context, f store.PermissionFilter) ([]store.Permission, int, error)
	ListUserIDsForPermission(ctx context.Context, permissionID uuid.UUID, now time.Time) ([]uuid.UUID, error)

	GetRoleByID(ctx context.Context, id uuid.UUID) (*store.Role, error)
	ModifyRolePermissions(ctx context.Context, roleID uuid.UUID, add, remove []uuid.UUID) error
	ListUserIDsWithRole(ctx context.Context, roleID uuid.UUID, now time.Time) ([]uuid.UUID, error)

	GetUserPermission(ctx context.Context, userID, permissionID uuid.UUID) (*store.UserPermission, error)
	UpsertUserPermission(ctx context.Context, up *store.UserPermission) error
	DeleteUserPermission(ctx context.Context, userID, permissionID uuid.UUID) (bool, error)
	ApplyUserPermissions(ctx context.Context, userID uuid.UUID, grants []store.UserPermission, revokeIDs []uuid.UUID) error
	ListUserPermissions(ctx context.Context, userID uuid.UUID, now time.Time) ([]store.UserPermissionDetail, error)
}

// PermissionService owns the permission catalog and user-direct grants.
// Effective-set resolution stays with the RBAC Service; this type leans on
// it for cache invalidation and context-aware checks.
type PermissionService struct {
	store PermissionStore
	rbac  *Service
	audit audit.Logger
	clock clock.Clock
	log   *slog.Logger
}

func NewPermissionService(st PermissionStore, rbacSvc *Service, al audit.Logger, clk clock.Clock, log *slog.Logger) *PermissionService {
	return &PermissionService{
		store: st,
		rbac:  rbacSvc,
		audit: al,
		clock: clk,
		log:   log,
	}
}

// CreatePermissionInput describes a new catalog entry.
type CreatePermissionInput struct {
	Resource    string
	Action      string
	DisplayName string
	Description string
	Module      string
	Conditions  json.RawMessage
	ActorID     uuid.UUID
}

func (s *PermissionService) Create(ctx context.Context, in CreatePermissionInput) (*store.Permission, error) {
	if !resourcePattern.MatchString(in.Resource) {
		return nil, apperr.BadRequest("Resource must match ^[a-z][a-z0-9_]*$")
	}
	if in.Action != "*" && !resourcePattern.MatchString(in.Action) {
		return nil, apperr.BadRequest("Action must match ^[a-z][a-z0-9_]*$ or be *")
	}

	_, err := s.store.GetPermissionByKey(ctx, in.Resource, in.Action)
	switch {
	case err == nil:
		return nil, apperr.Conflict("Permission already exists")
	case !apperr.IsCode(err, apperr.CodeNotFound):
		return nil, err
	}

	p := &store.Permission{
		ID:          uuid.New(),
		Resource:    in.Resource,
		Action:      in.Action,
		DisplayName: in.DisplayName,
		Description: in.Description,
		Module:      in.Module,
		Conditions:  in.Conditions,
		IsActive:    true,
		CreatedAt:   s.clock.Now(),
	}
	if err := s.store.CreatePermission(ctx, p); err != nil {
		return nil, err
	}

	s.audit.Log(ctx, audit.EventPermissionCreated, audit.Entry{
		ActorID:    &in.ActorID,
		TargetType: "permission",
		TargetID:   p.ID.String(),
		Metadata:   map[string]any{"key": p.Key()},
	})
	return p, nil
}

// UpdatePermissionInput carries a partial catalog update. Nil fields are
// unchanged. Resource and action are immutable; create a new permission
// instead.
type UpdatePermissionInput struct {
	PermissionID uuid.UUID
	DisplayName  *string
	Description  *string
	Module       *string
	Conditions   json.RawMessage
	ActorID      uuid.UUID
}

func (s *PermissionService) Update(ctx context.Context, in UpdatePermissionInput) (*store.Permission, error) {
	p, err := s.store.GetPermissionByID(ctx, in.PermissionID)
	if err != nil {
		return nil, err
	}
	if in.DisplayName != nil {
		p.DisplayName = *in.DisplayName
	}
	if in.Description != nil {
		p.Description = *in.Description
	}
	if in.Module != nil {
		p.Module = *in.Module
	}
	if in.Conditions != nil {
		p.Conditions = in.Conditions
	}
	if err := s.store.UpdatePermission(ctx, p); err != nil {
		return nil, err
	}

	s.invalidateAffectedUsers(ctx, p.ID)
	s.audit.Log(ctx, audit.EventPermissionUpdated, audit.Entry{
		ActorID:    &in.ActorID,
		TargetType: "permission",
		TargetID:   p.ID.String(),
		Metadata:   map[string]any{"key": p.Key()},
	})
	return p, nil
}

// Delete soft-deletes a permission. Blocked while any role or user still
// references it.
func (s *PermissionService) Delete(ctx context.Context, permissionID, actorID uuid.UUID) error {
	p, err := s.store.GetPermissionByID(ctx, permissionID)
	if err != nil {
		return err
	}
	roleRefs, userRefs, err := s.store.CountPermissionReferences(ctx, permissionID)
	if err != nil {
		return err
	}
	if roleRefs > 0 || userRefs > 0 {
		return apperr.Conflict(fmt.Sprintf("Permission is still referenced by %d roles and %d users", roleRefs, userRefs))
	}
	if err := s.store.DeactivatePermission(ctx, permissionID); err != nil {
		return err
	}

	s.audit.Log(ctx, audit.EventPermissionDeleted, audit.Entry{
		ActorID:    &actorID,
		TargetType: "permission",
		TargetID:   permissionID.String(),
		Metadata:   map[string]any{"key": p.Key()},
	})
	return nil
}

func (s *PermissionService) Get(ctx context.Context, permissionID uuid.UUID) (*store.Permission, error) {
	return s.store.GetPermissionByID(ctx, permissionID)
}

// ListInput pages and filters the catalog.
type ListInput struct {
	Module          string
	Resource        string
	Search          string
	IncludeInactive bool
	Page            int
	Limit           int
}

// PermissionPage is one page of the catalog.
type PermissionPage struct {
	Permissions []store.Permission `json:"permissions"`
	Total       int                `json:"total"`
	Page        int                `json:"page"`
	Limit       int                `json:"limit"`
	TotalPages  int                `json:"totalPages"`
}

func (s *PermissionService) List(ctx context.Context, in ListInput) (*PermissionPage, error) {
	if in.Page < 1 {
		in.Page = 1
	}
	if in.Limit < 1 {
		in.Limit = 50
	}
	perms, total, err := s.store.ListPermissions(ctx, store.PermissionFilter{
		Module:          in.Module,
		Resource:        in.Resource,
		Search:          in.Search,
		IncludeInactive: in.IncludeInactive,
		Limit:           in.Limit,
		Offset:          (in.Page - 1) * in.Limit,
	})
	if err != nil {
		return nil, err
	}
	return &PermissionPage{
		Permissions: perms,
		Total:       total,
		Page:        in.Page,
		Limit:       in.Limit,
		TotalPages:  int(math.Ceil(float64(total) / float64(in.Limit))),
	}, nil
}

// AssignInput grants (or denies) one permission directly to a user.
type AssignInput struct {
	UserID       uuid.UUID
	PermissionID uuid.UUID
	IsGranted    *bool // default true
	Conditions   []store.Condition
	Reason       string
	ExpiresAt    *time.Time
	ActorID      uuid.UUID
}

func (s *PermissionService) AssignToUser(ctx context.Context, in AssignInput) (*store.UserPermission, error) {
	if _, err := s.store.GetUserByID(ctx, in.UserID); err != nil {
		return nil, err
	}
	p, err := s.store.GetPermissionByID(ctx, in.PermissionID)
	if err != nil {
		return nil, err
	}
	if !p.IsActive {
		return nil, apperr.BadRequest("Permission is not active")
	}

	_, err = s.store.GetUserPermission(ctx, in.UserID, in.PermissionID)
	switch {
	case err == nil:
		return nil, apperr.Conflict("Permission is already assigned to this user")
	case !apperr.IsCode(err, apperr.CodeNotFound):
		return nil, err
	}

	now := s.clock.Now()
	if in.ExpiresAt != nil && !in.ExpiresAt.After(now) {
		return nil, apperr.BadRequest("Expiry must be in the future")
	}

	granted := true
	if in.IsGranted != nil {
		granted = *in.IsGranted
	}
	up := &store.UserPermission{
		ID:           uuid.New(),
		UserID:       in.UserID,
		PermissionID: in.PermissionID,
		IsGranted:    granted,
		Conditions:   in.Conditions,
		Reason:       in.Reason,
		ExpiresAt:    in.ExpiresAt,
		GrantedBy:    &in.ActorID,
		CreatedAt:    now,
	}
	if err := s.store.UpsertUserPermission(ctx, up); err != nil {
		return nil, err
	}

	s.rbac.InvalidateUserPermissions(ctx, in.UserID)
	s.audit.Log(ctx, audit.EventUserPermissionAssigned, audit.Entry{
		UserID:     &in.UserID,
		ActorID:    &in.ActorID,
		TargetType: "permission",
		TargetID:   in.PermissionID.String(),
		Metadata:   map[string]any{"key": p.Key(), "isGranted": granted, "reason": in.Reason},
	})
	return up, nil
}

func (s *PermissionService) RevokeFromUser(ctx context.Context, userID, permissionID, actorID uuid.UUID) error {
	existed, err := s.store.DeleteUserPermission(ctx, userID, permissionID)
	if err != nil {
		return err
	}
	if !existed {
		return apperr.NotFound("User permission")
	}

	s.rbac.InvalidateUserPermissions(ctx, userID)
	s.audit.Log(ctx, audit.EventUserPermissionRevoked, audit.Entry{
		UserID:     &userID,
		ActorID:    &actorID,
		TargetType: "permission",
		TargetID:   permissionID.String(),
	})
	return nil
}

// ListUserDirect returns the user's unexpired direct grants and denies.
func (s *PermissionService) ListUserDirect(ctx context.Context, userID uuid.UUID) ([]store.UserPermissionDetail, error) {
	if _, err := s.store.GetUserByID(ctx, userID); err != nil {
		return nil, err
	}
	return s.store.ListUserPermissions(ctx, userID, s.clock.Now())
}

// Bulk targets and operations.
const (
	BulkTargetRole = "role"
	BulkTargetUser = "user"
	BulkOpAdd      = "add"
	BulkOpRemove   = "remove"
)

// BulkInput applies one operation over many permissions against a role or a
// user. All ids are validated before anything mutates.
type BulkInput struct {
	TargetType    string
	TargetID      uuid.UUID
	PermissionIDs []uuid.UUID
	Operation     string
	ActorID       uuid.UUID
}

func (s *PermissionService) Bulk(ctx context.Context, in BulkInput) error {
	if in.Operation != BulkOpAdd && in.Operation != BulkOpRemove {
		return apperr.BadRequest("Operation must be add or remove")
	}
	if len(in.PermissionIDs) == 0 {
		return apperr.BadRequest("At least one permission id is required")
	}
	found, err := s.store.GetPermissionsByIDs(ctx, in.PermissionIDs)
	if err != nil {
		return err
	}
	if len(found) != len(uniqueIDs(in.PermissionIDs)) {
		return apperr.BadRequest("One or more permissions do not exist")
	}

	switch in.TargetType {
	case BulkTargetRole:
		if err := s.bulkRole(ctx, in); err != nil {
			return err
		}
	case BulkTargetUser:
		if err := s.bulkUser(ctx, in); err != nil {
			return err
		}
	default:
		return apperr.BadRequest("Target type must be role or user")
	}

	s.audit.Log(ctx, audit.EventBulkPermissionsAssigned, audit.Entry{
		ActorID:    &in.ActorID,
		TargetType: in.TargetType,
		TargetID:   in.TargetID.String(),
		Metadata: map[string]any{
			"operation":       in.Operation,
			"permissionCount": len(in.PermissionIDs),
		},
	})
	return nil
}

func (s *PermissionService) bulkRole(ctx context.Context, in BulkInput) error {
	role, err := s.store.GetRoleByID(ctx, in.TargetID)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return apperr.Forbidden("System roles cannot be modified")
	}

	var add, remove []uuid.UUID
	if in.Operation == BulkOpAdd {
		add = in.PermissionIDs
	} else {
		remove = in.PermissionIDs
	}
	if err := s.store.ModifyRolePermissions(ctx, in.TargetID, add, remove); err != nil {
		return err
	}

	userIDs, err := s.store.ListUserIDsWithRole(ctx, in.TargetID, s.clock.Now())
	if err != nil {
		s.log.Error("role_holder_lookup_failed",
			slog.String("role_id", in.TargetID.String()),
			slog.String("error", err.Error()),
		)
		return nil
	}
	s.rbac.InvalidateUserPermissions(ctx, userIDs...)
	return nil
}

func (s *PermissionService) bulkUser(ctx context.Context, in BulkInput) error {
	if _, err := s.store.GetUserByID(ctx, in.TargetID); err != nil {
		return err
	}

	if in.Operation == BulkOpRemove {
		if err := s.store.ApplyUserPermissions(ctx, in.TargetID, nil, in.PermissionIDs); err != nil {
			return err
		}
	} else {
		now := s.clock.Now()
		grants := make([]store.UserPermission, len(in.PermissionIDs))
		for i, pid := range in.PermissionIDs {
			grants[i] = store.UserPermission{
				ID:           uuid.New(),
				UserID:       in.TargetID,
				PermissionID: pid,
				IsGranted:    true,
				GrantedBy:    &in.ActorID,
				CreatedAt:    now,
			}
		}
		if err := s.store.ApplyUserPermissions(ctx, in.TargetID, grants, nil); err != nil {
			return err
		}
	}

	s.rbac.InvalidateUserPermissions(ctx, in.TargetID)
	return nil
}

// ConditionContext carries the request-time facts conditions are evaluated
// against.
type ConditionContext struct {
	OrganizationID string `json:"organizationId"`
}

// CheckResult answers a context-aware permission check. Reason is set only
// on denial.
type CheckResult struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// CheckWithContext resolves the user's effective set, then evaluates
// conditions when the match came from a conditional user-direct grant.
// Role-derived permissions are unconditional.
func (s *PermissionService) CheckWithContext(ctx context.Context, userID uuid.UUID, resource, action string, condCtx ConditionContext) (*CheckResult, error) {
	set, err := s.rbac.EffectivePermissions(ctx, userID)
	if err != nil {
		return nil, err
	}

	match := findMatch(set, resource, action)
	if match == nil {
		return &CheckResult{Allowed: false, Reason: "Permission not granted"}, nil
	}
	if match.Source != SourceDirect || len(match.Conditions) == 0 {
		return &CheckResult{Allowed: true}, nil
	}

	ok, reason := evaluateConditions(match.Conditions, condCtx)
	if !ok {
		return &CheckResult{Allowed: false, Reason: reason}, nil
	}
	return &CheckResult{Allowed: true}, nil
}

// findMatch prefers the exact key over the wildcard.
func findMatch(set *EffectiveSet, resource, action string) *EffectivePermission {
	exact, wildcard := resource+":"+action, resource+":*"
	var wild *EffectivePermission
	for i := range set.Permissions {
		p := &set.Permissions[i]
		if p.Key == exact {
			return p
		}
		if p.Key == wildcard {
			wild = p
		}
	}
	return wild
}

// evaluateConditions requires every condition to pass. Unknown types deny.
func evaluateConditions(conds []store.Condition, condCtx ConditionContext) (bool, string) {
	for _, c := range conds {
		switch c.Type {
		case ConditionOwnOrganization:
			orgID, _ := c.Value["orgId"].(string)
			if condCtx.OrganizationID == "" || condCtx.OrganizationID != orgID {
				return false, "Permission is restricted to the user's own organization"
			}
		default:
			return false, fmt.Sprintf("Unknown condition type %q", c.Type)
		}
	}
	return true, ""
}

// invalidateAffectedUsers drops effective-permission caches across everyone
// the permission can reach. Failures degrade to a shorter-lived stale cache.
func (s *PermissionService) invalidateAffectedUsers(ctx context.Context, permissionID uuid.UUID) {
	userIDs, err := s.store.ListUserIDsForPermission(ctx, permissionID, s.clock.Now())
	if err != nil {
		s.log.Error("permission_holder_lookup_failed",
			slog.String("permission_id", permissionID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	s.rbac.InvalidateUserPermissions(ctx, userIDs...)
}
