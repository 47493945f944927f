package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/pellenbrig/aegis/internal/apperr"
	"github.com/pellenbrig/aegis/internal/rbac"
	"github.com/pellenbrig/aegis/internal/store"
)

// PermissionCatalog is the permission-administration surface the transport
// needs.
type PermissionCatalog interface {
	Create(ctx context.Context, in rbac.CreatePermissionInput) (*store.Permission, error)
	Update(ctx context.Context, in rbac.UpdatePermissionInput) (*store.Permission, error)
	Delete(ctx context.Context, permissionID, actorID uuid.UUID) error
	Get(ctx context.Context, permissionID uuid.UUID) (*store.Permission, error)
	List(ctx context.Context, in rbac.ListInput) (*rbac.PermissionPage, error)
	AssignToUser(ctx context.Context, in rbac.AssignInput) (*store.UserPermission, error)
	RevokeFromUser(ctx context.Context, userID, permissionID, actorID uuid.UUID) error
	ListUserDirect(ctx context.Context, userID uuid.UUID) ([]store.UserPermissionDetail, error)
	Bulk(ctx context.Context, in rbac.BulkInput) error
	CheckWithContext(ctx context.Context, userID uuid.UUID, resource, action string, condCtx rbac.ConditionContext) (*rbac.CheckResult, error)
}

// PermissionHandler serves the catalog plus the per-user grant and check
// surface. Effective-set reads go through the role service, which owns the
// closure resolution and its cache.
type PermissionHandler struct {
	catalog PermissionCatalog
	roles   RoleService
	log     *slog.Logger
}

func NewPermissionHandler(catalog PermissionCatalog, roles RoleService, log *slog.Logger) *PermissionHandler {
	return &PermissionHandler{catalog: catalog, roles: roles, log: log}
}

func (h *PermissionHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))

	result, err := h.catalog.List(r.Context(), rbac.ListInput{
		Module:          q.Get("module"),
		Resource:        q.Get("resource"),
		Search:          q.Get("search"),
		IncludeInactive: q.Get("includeInactive") == "true",
		Page:            page,
		Limit:           limit,
	})
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, map[string]any{
		"permissions": renderPermissions(result.Permissions),
		"total":       result.Total,
		"page":        result.Page,
		"limit":       result.Limit,
		"totalPages":  result.TotalPages,
	})
}

func (h *PermissionHandler) Get(w http.ResponseWriter, r *http.Request) {
	permissionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, h.log, apperr.BadRequest("Invalid permission id"))
		return
	}
	p, err := h.catalog.Get(r.Context(), permissionID)
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, renderPermission(p))
}

type createPermissionRequest struct {
	Resource    string          `json:"resource"`
	Action      string          `json:"action"`
	DisplayName string          `json:"displayName"`
	Description string          `json:"description,omitempty"`
	Module      string          `json:"module,omitempty"`
	Conditions  json.RawMessage `json:"conditions,omitempty"`
}

func (req *createPermissionRequest) Validate() error {
	if req.Resource == "" {
		return apperr.BadRequest("Resource is required")
	}
	if req.Action == "" {
		return apperr.BadRequest("Action is required")
	}
	if req.DisplayName == "" {
		return apperr.BadRequest("Display name is required")
	}
	return nil
}

func (h *PermissionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createPermissionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, h.log, err)
		return
	}
	if err := req.Validate(); err != nil {
		respondError(w, r, h.log, err)
		return
	}

	id := MustIdentity(r.Context())
	p, err := h.catalog.Create(r.Context(), rbac.CreatePermissionInput{
		Resource:    req.Resource,
		Action:      req.Action,
		DisplayName: req.DisplayName,
		Description: req.Description,
		Module:      req.Module,
		Conditions:  req.Conditions,
		ActorID:     id.UserID,
	})
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusCreated, renderPermission(p))
}

type updatePermissionRequest struct {
	DisplayName *string         `json:"displayName,omitempty"`
	Description *string         `json:"description,omitempty"`
	Module      *string         `json:"module,omitempty"`
	Conditions  json.RawMessage `json:"conditions,omitempty"`
}

func (h *PermissionHandler) Update(w http.ResponseWriter, r *http.Request) {
	permissionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, h.log, apperr.BadRequest("Invalid permission id"))
		return
	}
	var req updatePermissionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, h.log, err)
		return
	}

	id := MustIdentity(r.Context())
	p, err := h.catalog.Update(r.Context(), rbac.UpdatePermissionInput{
		PermissionID: permissionID,
		DisplayName:  req.DisplayName,
		Description:  req.Description,
		Module:       req.Module,
		Conditions:   req.Conditions,
		ActorID:      id.UserID,
	})
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, renderPermission(p))
}

func (h *PermissionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	permissionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, h.log, apperr.BadRequest("Invalid permission id"))
		return
	}
	id := MustIdentity(r.Context())
	if err := h.catalog.Delete(r.Context(), permissionID, id.UserID); err != nil {
		respondError(w, r, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type bulkPermissionsRequest struct {
	TargetType    string      `json:"targetType"`
	TargetID      uuid.UUID   `json:"targetId"`
	PermissionIDs []uuid.UUID `json:"permissionIds"`
	Operation     string      `json:"operation"`
}

func (req *bulkPermissionsRequest) Validate() error {
	if req.TargetType == "" {
		return apperr.BadRequest("Target type is required")
	}
	if req.TargetID == uuid.Nil {
		return apperr.BadRequest("Target id is required")
	}
	if req.Operation == "" {
		return apperr.BadRequest("Operation is required")
	}
	return nil
}

func (h *PermissionHandler) Bulk(w http.ResponseWriter, r *http.Request) {
	var req bulkPermissionsRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, h.log, err)
		return
	}
	if err := req.Validate(); err != nil {
		respondError(w, r, h.log, err)
		return
	}

	id := MustIdentity(r.Context())
	err := h.catalog.Bulk(r.Context(), rbac.BulkInput{
		TargetType:    req.TargetType,
		TargetID:      req.TargetID,
		PermissionIDs: req.PermissionIDs,
		Operation:     req.Operation,
		ActorID:       id.UserID,
	})
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, map[string]any{"success": true})
}

// EffectiveForUser returns the user's resolved permission set;
// ?grouped=true splits it into role-derived and direct entries.
func (h *PermissionHandler) EffectiveForUser(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, h.log, apperr.BadRequest("Invalid user id"))
		return
	}
	set, err := h.roles.EffectivePermissions(r.Context(), userID)
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	if r.URL.Query().Get("grouped") == "true" {
		respondJSON(w, h.log, http.StatusOK, map[string]any{
			"userId":     set.UserID,
			"roles":      set.Roles,
			"grouped":    set.Grouped(),
			"computedAt": set.ComputedAt,
		})
		return
	}
	respondJSON(w, h.log, http.StatusOK, set)
}

func (h *PermissionHandler) ListUserDirect(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, h.log, apperr.BadRequest("Invalid user id"))
		return
	}
	details, err := h.catalog.ListUserDirect(r.Context(), userID)
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, map[string]any{"permissions": renderUserPermissions(details)})
}

type assignPermissionRequest struct {
	PermissionID uuid.UUID         `json:"permissionId"`
	IsGranted    *bool             `json:"isGranted,omitempty"`
	Conditions   []store.Condition `json:"conditions,omitempty"`
	Reason       string            `json:"reason,omitempty"`
	ExpiresAt    *time.Time        `json:"expiresAt,omitempty"`
}

func (req *assignPermissionRequest) Validate() error {
	if req.PermissionID == uuid.Nil {
		return apperr.BadRequest("Permission id is required")
	}
	return nil
}

func (h *PermissionHandler) AssignToUser(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, h.log, apperr.BadRequest("Invalid user id"))
		return
	}
	var req assignPermissionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, h.log, err)
		return
	}
	if err := req.Validate(); err != nil {
		respondError(w, r, h.log, err)
		return
	}

	id := MustIdentity(r.Context())
	grant, err := h.catalog.AssignToUser(r.Context(), rbac.AssignInput{
		UserID:       userID,
		PermissionID: req.PermissionID,
		IsGranted:    req.IsGranted,
		Conditions:   req.Conditions,
		Reason:       req.Reason,
		ExpiresAt:    req.ExpiresAt,
		ActorID:      id.UserID,
	})
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusCreated, renderGrant(grant))
}

func (h *PermissionHandler) RevokeFromUser(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, h.log, apperr.BadRequest("Invalid user id"))
		return
	}
	permissionID, err := uuid.Parse(chi.URLParam(r, "permissionID"))
	if err != nil {
		respondError(w, r, h.log, apperr.BadRequest("Invalid permission id"))
		return
	}
	id := MustIdentity(r.Context())
	if err := h.catalog.RevokeFromUser(r.Context(), userID, permissionID, id.UserID); err != nil {
		respondError(w, r, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type checkPermissionsRequest struct {
	Resource string               `json:"resource,omitempty"`
	Action   string               `json:"action,omitempty"`
	Checks   []rbac.PermissionRef `json:"checks,omitempty"`
}

func (req *checkPermissionsRequest) Validate() error {
	if len(req.Checks) > 0 {
		return nil
	}
	if req.Resource == "" || req.Action == "" {
		return apperr.BadRequest("Provide resource and action, or a checks list")
	}
	return nil
}

// Check answers one resource:action question, or a batch when "checks" is
// given.
func (h *PermissionHandler) Check(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, h.log, apperr.BadRequest("Invalid user id"))
		return
	}
	var req checkPermissionsRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, h.log, err)
		return
	}
	if err := req.Validate(); err != nil {
		respondError(w, r, h.log, err)
		return
	}

	if len(req.Checks) > 0 {
		results, err := h.roles.CheckPermissions(r.Context(), userID, req.Checks)
		if err != nil {
			respondError(w, r, h.log, err)
			return
		}
		respondJSON(w, h.log, http.StatusOK, map[string]any{"results": results})
		return
	}

	allowed, err := h.roles.CheckPermission(r.Context(), userID, req.Resource, req.Action)
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, map[string]any{"allowed": allowed})
}

type checkContextRequest struct {
	Resource string                `json:"resource"`
	Action   string                `json:"action"`
	Context  rbac.ConditionContext `json:"context"`
}

func (req *checkContextRequest) Validate() error {
	if req.Resource == "" || req.Action == "" {
		return apperr.BadRequest("Resource and action are required")
	}
	return nil
}

// CheckWithContext evaluates conditional grants against request-time facts.
func (h *PermissionHandler) CheckWithContext(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, h.log, apperr.BadRequest("Invalid user id"))
		return
	}
	var req checkContextRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, h.log, err)
		return
	}
	if err := req.Validate(); err != nil {
		respondError(w, r, h.log, err)
		return
	}

	result, err := h.catalog.CheckWithContext(r.Context(), userID, req.Resource, req.Action, req.Context)
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, result)
}
