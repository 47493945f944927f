package httpapi

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/pellenbrig/aegis/internal/store"
)

// Wire shapes for persistence models. The store keeps its structs free of
// transport concerns, so the camelCase JSON contract lives here.

type roleJSON struct {
	ID             uuid.UUID      `json:"id"`
	Name           string         `json:"name"`
	DisplayName    string         `json:"displayName"`
	Description    string         `json:"description,omitempty"`
	IsSystem       bool           `json:"isSystem"`
	IsActive       bool           `json:"isActive"`
	ParentRoleID   *uuid.UUID     `json:"parentRoleId,omitempty"`
	OrganizationID *uuid.UUID     `json:"organizationId,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

func renderRole(r *store.Role) roleJSON {
	return roleJSON{
		ID:             r.ID,
		Name:           r.Name,
		DisplayName:    r.DisplayName,
		Description:    r.Description,
		IsSystem:       r.IsSystem,
		IsActive:       r.IsActive,
		ParentRoleID:   r.ParentRoleID,
		OrganizationID: r.OrganizationID,
		Metadata:       r.Metadata,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func renderRoles(roles []store.Role) []roleJSON {
	out := make([]roleJSON, 0, len(roles))
	for i := range roles {
		out = append(out, renderRole(&roles[i]))
	}
	return out
}

type permissionJSON struct {
	ID          uuid.UUID       `json:"id"`
	Resource    string          `json:"resource"`
	Action      string          `json:"action"`
	Key         string          `json:"key"`
	DisplayName string          `json:"displayName"`
	Description string          `json:"description,omitempty"`
	Module      string          `json:"module,omitempty"`
	Conditions  json.RawMessage `json:"conditions,omitempty"`
	IsActive    bool            `json:"isActive"`
	CreatedAt   time.Time       `json:"createdAt"`
}

func renderPermission(p *store.Permission) permissionJSON {
	return permissionJSON{
		ID:          p.ID,
		Resource:    p.Resource,
		Action:      p.Action,
		Key:         p.Key(),
		DisplayName: p.DisplayName,
		Description: p.Description,
		Module:      p.Module,
		Conditions:  p.Conditions,
		IsActive:    p.IsActive,
		CreatedAt:   p.CreatedAt,
	}
}

func renderPermissions(perms []store.Permission) []permissionJSON {
	out := make([]permissionJSON, 0, len(perms))
	for i := range perms {
		out = append(out, renderPermission(&perms[i]))
	}
	return out
}

type userRoleJSON struct {
	ID             uuid.UUID  `json:"id"`
	UserID         uuid.UUID  `json:"userId"`
	Role           roleJSON   `json:"role"`
	OrganizationID *uuid.UUID `json:"organizationId,omitempty"`
	GrantedAt      time.Time  `json:"grantedAt"`
	GrantedBy      *uuid.UUID `json:"grantedBy,omitempty"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
}

func renderUserRoles(assignments []store.UserRoleWithRole) []userRoleJSON {
	out := make([]userRoleJSON, 0, len(assignments))
	for i := range assignments {
		a := &assignments[i]
		out = append(out, userRoleJSON{
			ID:             a.UserRole.ID,
			UserID:         a.UserRole.UserID,
			Role:           renderRole(&a.Role),
			OrganizationID: a.UserRole.OrganizationID,
			GrantedAt:      a.UserRole.GrantedAt,
			GrantedBy:      a.UserRole.GrantedBy,
			ExpiresAt:      a.UserRole.ExpiresAt,
		})
	}
	return out
}

type assignmentJSON struct {
	ID             uuid.UUID  `json:"id"`
	UserID         uuid.UUID  `json:"userId"`
	RoleID         uuid.UUID  `json:"roleId"`
	OrganizationID *uuid.UUID `json:"organizationId,omitempty"`
	GrantedAt      time.Time  `json:"grantedAt"`
	GrantedBy      *uuid.UUID `json:"grantedBy,omitempty"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
}

func renderAssignment(a *store.UserRole) assignmentJSON {
	return assignmentJSON{
		ID:             a.ID,
		UserID:         a.UserID,
		RoleID:         a.RoleID,
		OrganizationID: a.OrganizationID,
		GrantedAt:      a.GrantedAt,
		GrantedBy:      a.GrantedBy,
		ExpiresAt:      a.ExpiresAt,
	}
}

type userPermissionJSON struct {
	ID         uuid.UUID         `json:"id"`
	UserID     uuid.UUID         `json:"userId"`
	Permission permissionJSON    `json:"permission"`
	IsGranted  bool              `json:"isGranted"`
	Conditions []store.Condition `json:"conditions,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	ExpiresAt  *time.Time        `json:"expiresAt,omitempty"`
	GrantedBy  *uuid.UUID        `json:"grantedBy,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

func renderUserPermissions(details []store.UserPermissionDetail) []userPermissionJSON {
	out := make([]userPermissionJSON, 0, len(details))
	for i := range details {
		d := &details[i]
		out = append(out, userPermissionJSON{
			ID:         d.UserPermission.ID,
			UserID:     d.UserPermission.UserID,
			Permission: renderPermission(&d.Permission),
			IsGranted:  d.UserPermission.IsGranted,
			Conditions: d.UserPermission.Conditions,
			Reason:     d.UserPermission.Reason,
			ExpiresAt:  d.UserPermission.ExpiresAt,
			GrantedBy:  d.UserPermission.GrantedBy,
			CreatedAt:  d.UserPermission.CreatedAt,
		})
	}
	return out
}

type grantJSON struct {
	ID           uuid.UUID         `json:"id"`
	UserID       uuid.UUID         `json:"userId"`
	PermissionID uuid.UUID         `json:"permissionId"`
	IsGranted    bool              `json:"isGranted"`
	Conditions   []store.Condition `json:"conditions,omitempty"`
	Reason       string            `json:"reason,omitempty"`
	ExpiresAt    *time.Time        `json:"expiresAt,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
}

func renderGrant(g *store.UserPermission) grantJSON {
	return grantJSON{
		ID:           g.ID,
		UserID:       g.UserID,
		PermissionID: g.PermissionID,
		IsGranted:    g.IsGranted,
		Conditions:   g.Conditions,
		Reason:       g.Reason,
		ExpiresAt:    g.ExpiresAt,
		CreatedAt:    g.CreatedAt,
	}
}

type alertJSON struct {
	ID          uuid.UUID           `json:"id"`
	UserID      *uuid.UUID          `json:"userId,omitempty"`
	UserEmail   string              `json:"userEmail,omitempty"`
	Type        string              `json:"type"`
	Severity    store.AlertSeverity `json:"severity"`
	Status      store.AlertStatus   `json:"status"`
	Title       string              `json:"title"`
	Description string              `json:"description,omitempty"`
	Metadata    map[string]any      `json:"metadata,omitempty"`
	IPAddress   *string             `json:"ipAddress,omitempty"`
	ResolvedAt  *time.Time          `json:"resolvedAt,omitempty"`
	ResolvedBy  *uuid.UUID          `json:"resolvedBy,omitempty"`
	CreatedAt   time.Time           `json:"createdAt"`
	UpdatedAt   time.Time           `json:"updatedAt"`
}

func renderAlert(a *store.SecurityAlert) alertJSON {
	return alertJSON{
		ID:          a.ID,
		UserID:      a.UserID,
		Type:        a.Type,
		Severity:    a.Severity,
		Status:      a.Status,
		Title:       a.Title,
		Description: a.Description,
		Metadata:    a.Metadata,
		IPAddress:   a.IPAddress,
		ResolvedAt:  a.ResolvedAt,
		ResolvedBy:  a.ResolvedBy,
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.UpdatedAt,
	}
}

func renderAlertsWithUser(alerts []store.AlertWithUser) []alertJSON {
	out := make([]alertJSON, 0, len(alerts))
	for i := range alerts {
		a := renderAlert(&alerts[i].Alert)
		if alerts[i].User != nil {
			a.UserEmail = alerts[i].User.Email
		}
		out = append(out, a)
	}
	return out
}

type groupCountJSON struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

func renderGroupCounts(counts []store.GroupCount) []groupCountJSON {
	out := make([]groupCountJSON, 0, len(counts))
	for _, c := range counts {
		out = append(out, groupCountJSON{Key: c.Key, Count: c.Count})
	}
	return out
}

type subscriptionJSON struct {
	ID         uuid.UUID `json:"id"`
	UserID     uuid.UUID `json:"userId"`
	Channel    string    `json:"channel"`
	Endpoint   string    `json:"endpoint"`
	EventTypes []string  `json:"eventTypes,omitempty"`
	Severities []string  `json:"severities,omitempty"`
	IsActive   bool      `json:"isActive"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func renderSubscription(s *store.NotificationSubscription) subscriptionJSON {
	return subscriptionJSON{
		ID:         s.ID,
		UserID:     s.UserID,
		Channel:    s.Channel,
		Endpoint:   s.Endpoint,
		EventTypes: s.EventTypes,
		Severities: s.Severities,
		IsActive:   s.IsActive,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
	}
}

func renderSubscriptions(subs []store.NotificationSubscription) []subscriptionJSON {
	out := make([]subscriptionJSON, 0, len(subs))
	for i := range subs {
		out = append(out, renderSubscription(&subs[i]))
	}
	return out
}
