package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pellenbrig/aegis/internal/apperr"
	"github.com/pellenbrig/aegis/internal/rbac"
	"github.com/pellenbrig/aegis/internal/store"
)

func samplePermission() *store.Permission {
	return &store.Permission{
		ID:          uuid.New(),
		Resource:    "reports",
		Action:      "export",
		DisplayName: "Export reports",
		Module:      "reporting",
		IsActive:    true,
		CreatedAt:   time.Now().UTC(),
	}
}

func TestListPermissions(t *testing.T) {
	ts := newTestServer(t)

	var got rbac.ListInput
	ts.catalog.listFn = func(_ context.Context, in rbac.ListInput) (*rbac.PermissionPage, error) {
		got = in
		return &rbac.PermissionPage{
			Permissions: []store.Permission{*samplePermission()},
			Total:       1,
			Page:        2,
			Limit:       25,
			TotalPages:  1,
		}, nil
	}

	rec := ts.do(t, http.MethodGet,
		"/api/v1/permissions?module=reporting&search=export&includeInactive=true&page=2&limit=25", "", true)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "reporting", got.Module)
	assert.Equal(t, "export", got.Search)
	assert.True(t, got.IncludeInactive)
	assert.Equal(t, 2, got.Page)
	assert.Equal(t, 25, got.Limit)

	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["total"])
	perms := body["permissions"].([]any)
	require.Len(t, perms, 1)
	// The wire shape is camelCase even though the store model is not tagged.
	entry := perms[0].(map[string]any)
	assert.Equal(t, "reports:export", entry["key"])
	assert.Equal(t, "Export reports", entry["displayName"])
	assert.NotContains(t, entry, "DisplayName")
}

func TestCreatePermission(t *testing.T) {
	ts := newTestServer(t)

	var got rbac.CreatePermissionInput
	ts.catalog.createFn = func(_ context.Context, in rbac.CreatePermissionInput) (*store.Permission, error) {
		got = in
		p := samplePermission()
		p.Resource = in.Resource
		p.Action = in.Action
		return p, nil
	}

	rec := ts.do(t, http.MethodPost, "/api/v1/permissions",
		`{"resource":"invoices","action":"approve","displayName":"Approve invoices","conditions":[{"type":"own_organization","value":""}]}`, true)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "invoices:approve", decodeBody(t, rec)["key"])
	assert.Equal(t, "invoices", got.Resource)
	assert.Equal(t, ts.userID, got.ActorID)
	assert.JSONEq(t, `[{"type":"own_organization","value":""}]`, string(got.Conditions))
}

func TestCreatePermission_Validation(t *testing.T) {
	ts := newTestServer(t)

	for _, body := range []string{
		`{"action":"approve","displayName":"x"}`,
		`{"resource":"invoices","displayName":"x"}`,
		`{"resource":"invoices","action":"approve"}`,
	} {
		rec := ts.do(t, http.MethodPost, "/api/v1/permissions", body, true)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body: %s", body)
	}
}

func TestUpdatePermission(t *testing.T) {
	ts := newTestServer(t)

	p := samplePermission()
	var got rbac.UpdatePermissionInput
	ts.catalog.updateFn = func(_ context.Context, in rbac.UpdatePermissionInput) (*store.Permission, error) {
		got = in
		return p, nil
	}

	rec := ts.do(t, http.MethodPut, "/api/v1/permissions/"+p.ID.String(),
		`{"displayName":"Export quarterly reports"}`, true)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, p.ID, got.PermissionID)
	require.NotNil(t, got.DisplayName)
	assert.Equal(t, "Export quarterly reports", *got.DisplayName)
	assert.Nil(t, got.Module)
}

func TestDeletePermission(t *testing.T) {
	ts := newTestServer(t)

	p := samplePermission()
	ts.catalog.deleteFn = func(_ context.Context, permissionID, actorID uuid.UUID) error {
		assert.Equal(t, p.ID, permissionID)
		assert.Equal(t, ts.userID, actorID)
		return nil
	}

	rec := ts.do(t, http.MethodDelete, "/api/v1/permissions/"+p.ID.String(), "", true)

	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestBulkPermissions(t *testing.T) {
	ts := newTestServer(t)

	roleID := uuid.New()
	p1, p2 := uuid.New(), uuid.New()
	var got rbac.BulkInput
	ts.catalog.bulkFn = func(_ context.Context, in rbac.BulkInput) error {
		got = in
		return nil
	}

	rec := ts.do(t, http.MethodPost, "/api/v1/permissions/bulk",
		`{"targetType":"role","targetId":"`+roleID.String()+`","permissionIds":["`+p1.String()+`","`+p2.String()+`"],"operation":"add"}`, true)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "role", got.TargetType)
	assert.Equal(t, roleID, got.TargetID)
	assert.Equal(t, []uuid.UUID{p1, p2}, got.PermissionIDs)
	assert.Equal(t, "add", got.Operation)
}

func TestEffectivePermissions(t *testing.T) {
	ts := newTestServer(t)

	ts.roles.effectiveFn = func(_ context.Context, userID uuid.UUID) (*rbac.EffectiveSet, error) {
		return &rbac.EffectiveSet{
			UserID: userID,
			Roles:  []string{"SUPPORT_AGENT"},
			Permissions: []rbac.EffectivePermission{
				{Resource: "tickets", Action: "read", Key: "tickets:read", Source: "role", SourceRoles: []string{"SUPPORT_AGENT"}},
			},
			PermissionKeys: []string{"tickets:read"},
			ComputedAt:     time.Now().UTC(),
		}, nil
	}

	rec := ts.do(t, http.MethodGet, "/api/v1/users/"+ts.userID.String()+"/permissions", "", true)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, ts.userID.String(), body["userId"])
	keys := body["permissionKeys"].([]any)
	assert.Contains(t, keys, "tickets:read")
}

func TestEffectivePermissions_Grouped(t *testing.T) {
	ts := newTestServer(t)

	ts.roles.effectiveFn = func(_ context.Context, userID uuid.UUID) (*rbac.EffectiveSet, error) {
		return &rbac.EffectiveSet{
			UserID: userID,
			Roles:  []string{"SUPPORT_AGENT"},
			Permissions: []rbac.EffectivePermission{
				{Key: "tickets:read", Source: "role"},
				{Key: "reports:export", Source: "direct"},
			},
		}, nil
	}

	rec := ts.do(t, http.MethodGet, "/api/v1/users/"+ts.userID.String()+"/permissions?grouped=true", "", true)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	grouped := body["grouped"].(map[string]any)
	assert.Len(t, grouped["roles"].([]any), 1)
	assert.Len(t, grouped["direct"].([]any), 1)
}

func TestListUserDirectPermissions(t *testing.T) {
	ts := newTestServer(t)

	p := samplePermission()
	ts.catalog.listDirectFn = func(_ context.Context, userID uuid.UUID) ([]store.UserPermissionDetail, error) {
		return []store.UserPermissionDetail{
			{
				UserPermission: store.UserPermission{
					ID:           uuid.New(),
					UserID:       userID,
					PermissionID: p.ID,
					IsGranted:    true,
					Reason:       "quarter-end closing",
					CreatedAt:    time.Now().UTC(),
				},
				Permission: *p,
			},
		}, nil
	}

	rec := ts.do(t, http.MethodGet, "/api/v1/users/"+ts.userID.String()+"/permissions/direct", "", true)

	require.Equal(t, http.StatusOK, rec.Code)
	perms := decodeBody(t, rec)["permissions"].([]any)
	require.Len(t, perms, 1)
	entry := perms[0].(map[string]any)
	assert.Equal(t, true, entry["isGranted"])
	assert.Equal(t, "reports:export", entry["permission"].(map[string]any)["key"])
}

func TestAssignPermissionToUser(t *testing.T) {
	ts := newTestServer(t)

	target := uuid.New()
	p := samplePermission()
	denied := false
	var got rbac.AssignInput
	ts.catalog.assignFn = func(_ context.Context, in rbac.AssignInput) (*store.UserPermission, error) {
		got = in
		granted := true
		if in.IsGranted != nil {
			granted = *in.IsGranted
		}
		return &store.UserPermission{
			ID:           uuid.New(),
			UserID:       in.UserID,
			PermissionID: in.PermissionID,
			IsGranted:    granted,
			Conditions:   in.Conditions,
			Reason:       in.Reason,
			CreatedAt:    time.Now().UTC(),
		}, nil
	}

	body, err := json.Marshal(map[string]any{
		"permissionId": p.ID,
		"isGranted":    denied,
		"conditions":   []store.Condition{{Type: "own_organization"}},
		"reason":       "temporary block",
	})
	require.NoError(t, err)

	rec := ts.do(t, http.MethodPost, "/api/v1/users/"+target.String()+"/permissions", string(body), true)

	require.Equal(t, http.StatusCreated, rec.Code)
	res := decodeBody(t, rec)
	assert.Equal(t, false, res["isGranted"])
	assert.Equal(t, p.ID.String(), res["permissionId"])
	require.NotNil(t, got.IsGranted)
	assert.False(t, *got.IsGranted)
	require.Len(t, got.Conditions, 1)
	assert.Equal(t, "own_organization", got.Conditions[0].Type)
	assert.Equal(t, ts.userID, got.ActorID)
}

func TestRevokePermissionFromUser(t *testing.T) {
	ts := newTestServer(t)

	target := uuid.New()
	p := samplePermission()
	ts.catalog.revokeFn = func(_ context.Context, userID, permissionID, actorID uuid.UUID) error {
		assert.Equal(t, target, userID)
		assert.Equal(t, p.ID, permissionID)
		assert.Equal(t, ts.userID, actorID)
		return nil
	}

	rec := ts.do(t, http.MethodDelete,
		"/api/v1/users/"+target.String()+"/permissions/"+p.ID.String(), "", true)

	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestCheckPermission_Single(t *testing.T) {
	ts := newTestServer(t)
	// The self-or-permission guard and the check itself share the fake, so
	// keep allowAll on and answer the explicit batch/single paths below.

	rec := ts.do(t, http.MethodPost, "/api/v1/users/"+ts.userID.String()+"/permissions/check",
		`{"resource":"tickets","action":"read"}`, true)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["allowed"])
}

func TestCheckPermission_Batch(t *testing.T) {
	ts := newTestServer(t)

	var gotRefs []rbac.PermissionRef
	ts.roles.checkManyFn = func(_ context.Context, _ uuid.UUID, refs []rbac.PermissionRef) (map[string]bool, error) {
		gotRefs = refs
		return map[string]bool{"tickets:read": true, "tickets:delete": false}, nil
	}

	rec := ts.do(t, http.MethodPost, "/api/v1/users/"+ts.userID.String()+"/permissions/check",
		`{"checks":[{"resource":"tickets","action":"read"},{"resource":"tickets","action":"delete"}]}`, true)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, gotRefs, 2)
	results := decodeBody(t, rec)["results"].(map[string]any)
	assert.Equal(t, true, results["tickets:read"])
	assert.Equal(t, false, results["tickets:delete"])
}

func TestCheckPermission_NeedsInput(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/users/"+ts.userID.String()+"/permissions/check",
		`{"resource":"tickets"}`, true)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, apperr.CodeBadRequest, errCode(t, rec))
}

func TestCheckWithContext(t *testing.T) {
	ts := newTestServer(t)

	var gotCtx rbac.ConditionContext
	ts.catalog.checkWithCtxFn = func(_ context.Context, _ uuid.UUID, resource, action string, condCtx rbac.ConditionContext) (*rbac.CheckResult, error) {
		assert.Equal(t, "reports", resource)
		assert.Equal(t, "export", action)
		gotCtx = condCtx
		return &rbac.CheckResult{Allowed: false, Reason: "condition not satisfied"}, nil
	}

	rec := ts.do(t, http.MethodPost, "/api/v1/users/"+ts.userID.String()+"/permissions/check-context",
		`{"resource":"reports","action":"export","context":{"organizationId":"org-42"}}`, true)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["allowed"])
	assert.Equal(t, "condition not satisfied", body["reason"])
	assert.Equal(t, "org-42", gotCtx.OrganizationID)
}
