package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/pellenbrig/aegis/internal/apperr"
	"github.com/pellenbrig/aegis/internal/rbac"
	"github.com/pellenbrig/aegis/internal/store"
)

// RoleService is the role-administration surface the transport needs.
type RoleService interface {
	PermissionChecker
	CreateRole(ctx context.Context, in rbac.CreateRoleInput) (*store.Role, error)
	UpdateRole(ctx context.Context, in rbac.UpdateRoleInput) (*store.Role, error)
	DeleteRole(ctx context.Context, roleID, actorID uuid.UUID) error
	GetRole(ctx context.Context, roleID uuid.UUID) (*rbac.RoleDetail, error)
	ListRoles(ctx context.Context, includeInactive bool) ([]store.Role, error)
	UpdateRolePermissions(ctx context.Context, roleID uuid.UUID, permissionIDs []uuid.UUID, actorID uuid.UUID) error
	AssignRole(ctx context.Context, in rbac.AssignRoleInput) (*store.UserRole, error)
	RevokeRole(ctx context.Context, in rbac.RevokeRoleInput) error
	ListUserRoles(ctx context.Context, userID uuid.UUID) ([]store.UserRoleWithRole, error)
	EffectivePermissions(ctx context.Context, userID uuid.UUID) (*rbac.EffectiveSet, error)
	CheckPermissions(ctx context.Context, userID uuid.UUID, refs []rbac.PermissionRef) (map[string]bool, error)
}

type RoleHandler struct {
	svc RoleService
	log *slog.Logger
}

func NewRoleHandler(svc RoleService, log *slog.Logger) *RoleHandler {
	return &RoleHandler{svc: svc, log: log}
}

func (h *RoleHandler) List(w http.ResponseWriter, r *http.Request) {
	includeInactive := r.URL.Query().Get("includeInactive") == "true"
	roles, err := h.svc.ListRoles(r.Context(), includeInactive)
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, map[string]any{"roles": renderRoles(roles)})
}

func (h *RoleHandler) Get(w http.ResponseWriter, r *http.Request) {
	roleID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, h.log, apperr.BadRequest("Invalid role id"))
		return
	}
	detail, err := h.svc.GetRole(r.Context(), roleID)
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, map[string]any{
		"role":        renderRole(&detail.Role),
		"permissions": renderPermissions(detail.Permissions),
	})
}

type createRoleRequest struct {
	Name           string         `json:"name"`
	DisplayName    string         `json:"displayName"`
	Description    string         `json:"description,omitempty"`
	ParentRoleID   *uuid.UUID     `json:"parentRoleId,omitempty"`
	OrganizationID *uuid.UUID     `json:"organizationId,omitempty"`
	PermissionIDs  []uuid.UUID    `json:"permissionIds,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func (req *createRoleRequest) Validate() error {
	if req.Name == "" {
		return apperr.BadRequest("Role name is required")
	}
	if req.DisplayName == "" {
		return apperr.BadRequest("Display name is required")
	}
	return nil
}

func (h *RoleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, h.log, err)
		return
	}
	if err := req.Validate(); err != nil {
		respondError(w, r, h.log, err)
		return
	}

	id := MustIdentity(r.Context())
	role, err := h.svc.CreateRole(r.Context(), rbac.CreateRoleInput{
		Name:           req.Name,
		DisplayName:    req.DisplayName,
		Description:    req.Description,
		ParentRoleID:   req.ParentRoleID,
		OrganizationID: req.OrganizationID,
		PermissionIDs:  req.PermissionIDs,
		Metadata:       req.Metadata,
		ActorID:        id.UserID,
	})
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusCreated, renderRole(role))
}

type updateRoleRequest struct {
	DisplayName  *string        `json:"displayName,omitempty"`
	Description  *string        `json:"description,omitempty"`
	ParentRoleID *uuid.UUID     `json:"parentRoleId,omitempty"`
	SetParent    bool           `json:"setParent,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func (h *RoleHandler) Update(w http.ResponseWriter, r *http.Request) {
	roleID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, h.log, apperr.BadRequest("Invalid role id"))
		return
	}
	var req updateRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, h.log, err)
		return
	}

	id := MustIdentity(r.Context())
	role, err := h.svc.UpdateRole(r.Context(), rbac.UpdateRoleInput{
		RoleID:       roleID,
		DisplayName:  req.DisplayName,
		Description:  req.Description,
		ParentRoleID: req.ParentRoleID,
		SetParent:    req.SetParent,
		Metadata:     req.Metadata,
		ActorID:      id.UserID,
	})
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, renderRole(role))
}

func (h *RoleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	roleID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, h.log, apperr.BadRequest("Invalid role id"))
		return
	}
	id := MustIdentity(r.Context())
	if err := h.svc.DeleteRole(r.Context(), roleID, id.UserID); err != nil {
		respondError(w, r, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type setRolePermissionsRequest struct {
	PermissionIDs []uuid.UUID `json:"permissionIds"`
}

func (h *RoleHandler) SetPermissions(w http.ResponseWriter, r *http.Request) {
	roleID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, h.log, apperr.BadRequest("Invalid role id"))
		return
	}
	var req setRolePermissionsRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, h.log, err)
		return
	}

	id := MustIdentity(r.Context())
	if err := h.svc.UpdateRolePermissions(r.Context(), roleID, req.PermissionIDs, id.UserID); err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, map[string]any{"success": true})
}

func (h *RoleHandler) ListUserRoles(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, h.log, apperr.BadRequest("Invalid user id"))
		return
	}
	assignments, err := h.svc.ListUserRoles(r.Context(), userID)
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, map[string]any{"roles": renderUserRoles(assignments)})
}

type assignRoleRequest struct {
	RoleID         uuid.UUID  `json:"roleId"`
	OrganizationID *uuid.UUID `json:"organizationId,omitempty"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	Reason         string     `json:"reason,omitempty"`
}

func (req *assignRoleRequest) Validate() error {
	if req.RoleID == uuid.Nil {
		return apperr.BadRequest("Role id is required")
	}
	return nil
}

func (h *RoleHandler) Assign(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, h.log, apperr.BadRequest("Invalid user id"))
		return
	}
	var req assignRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, h.log, err)
		return
	}
	if err := req.Validate(); err != nil {
		respondError(w, r, h.log, err)
		return
	}

	id := MustIdentity(r.Context())
	assignment, err := h.svc.AssignRole(r.Context(), rbac.AssignRoleInput{
		UserID:         userID,
		RoleID:         req.RoleID,
		OrganizationID: req.OrganizationID,
		ExpiresAt:      req.ExpiresAt,
		Reason:         req.Reason,
		ActorID:        id.UserID,
	})
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusCreated, renderAssignment(assignment))
}

type revokeRoleRequest struct {
	Reason string `json:"reason"`
}

func (req *revokeRoleRequest) Validate() error {
	if req.Reason == "" {
		return apperr.BadRequest("Revocation reason is required")
	}
	return nil
}

func (h *RoleHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, h.log, apperr.BadRequest("Invalid user id"))
		return
	}
	roleID, err := uuid.Parse(chi.URLParam(r, "roleID"))
	if err != nil {
		respondError(w, r, h.log, apperr.BadRequest("Invalid role id"))
		return
	}
	var req revokeRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, h.log, err)
		return
	}
	if err := req.Validate(); err != nil {
		respondError(w, r, h.log, err)
		return
	}

	id := MustIdentity(r.Context())
	err = h.svc.RevokeRole(r.Context(), rbac.RevokeRoleInput{
		UserID:  userID,
		RoleID:  roleID,
		Reason:  req.Reason,
		ActorID: id.UserID,
	})
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
