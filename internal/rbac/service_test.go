package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pellenbrig/aegis/internal/apperr"
	"github.com/pellenbrig/aegis/internal/audit"
	"github.com/pellenbrig/aegis/internal/cache"
	"github.com/pellenbrig/aegis/internal/clock"
	"github.com/pellenbrig/aegis/internal/store"
)

type fakeRBACStore struct {
	mu              sync.Mutex
	users           map[uuid.UUID]*store.User
	roles           map[uuid.UUID]*store.Role
	hierarchy       []store.HierarchyRow
	assignments     map[uuid.UUID]*store.UserRole
	rolePerms       map[uuid.UUID]map[uuid.UUID]bool
	permissions     map[uuid.UUID]*store.Permission
	userPerms       map[uuid.UUID]map[uuid.UUID]*store.UserPermission
	snapshots       map[uuid.UUID][]string // user -> permission keys
	listRolesCalls  int
	listActiveCalls int
}

func newFakeRBACStore() *fakeRBACStore {
	return &fakeRBACStore{
		users:       make(map[uuid.UUID]*store.User),
		roles:       make(map[uuid.UUID]*store.Role),
		assignments: make(map[uuid.UUID]*store.UserRole),
		rolePerms:   make(map[uuid.UUID]map[uuid.UUID]bool),
		permissions: make(map[uuid.UUID]*store.Permission),
		userPerms:   make(map[uuid.UUID]map[uuid.UUID]*store.UserPermission),
		snapshots:   make(map[uuid.UUID][]string),
	}
}

func (f *fakeRBACStore) GetUserByID(_ context.Context, id uuid.UUID) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, apperr.NotFound("User")
	}
	cp := *u
	return &cp, nil
}

func (f *fakeRBACStore) GetRoleByID(_ context.Context, id uuid.UUID) (*store.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.roles[id]
	if !ok {
		return nil, apperr.NotFound("Role")
	}
	cp := *r
	return &cp, nil
}

func (f *fakeRBACStore) GetRoleByName(_ context.Context, name string, orgID *uuid.UUID) (*store.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.roles {
		if r.Name == name && sameParent(r.OrganizationID, orgID) {
			cp := *r
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("Role")
}

func (f *fakeRBACStore) ListRoles(_ context.Context, includeInactive bool) ([]store.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listRolesCalls++
	var out []store.Role
	for _, r := range f.roles {
		if r.IsActive || includeInactive {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *fakeRBACStore) CreateRole(_ context.Context, r *store.Role, closure []store.HierarchyRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.roles {
		if existing.Name == r.Name && sameParent(existing.OrganizationID, r.OrganizationID) {
			return apperr.Conflict("Role name already exists")
		}
	}
	cp := *r
	f.roles[r.ID] = &cp
	f.hierarchy = append(f.hierarchy, closure...)
	return nil
}

func (f *fakeRBACStore) UpdateRole(_ context.Context, r *store.Role, removePairs, addRows []store.HierarchyRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.roles[r.ID]; !ok {
		return apperr.NotFound("Role")
	}
	cp := *r
	f.roles[r.ID] = &cp
	if len(removePairs) > 0 {
		kept := f.hierarchy[:0]
		for _, h := range f.hierarchy {
			drop := false
			for _, rm := range removePairs {
				if h.AncestorRoleID == rm.AncestorRoleID && h.DescendantRoleID == rm.DescendantRoleID {
					drop = true
					break
				}
			}
			if !drop {
				kept = append(kept, h)
			}
		}
		f.hierarchy = kept
	}
	f.hierarchy = append(f.hierarchy, addRows...)
	return nil
}

func (f *fakeRBACStore) DeactivateRole(_ context.Context, id uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.roles[id]
	if !ok {
		return apperr.NotFound("Role")
	}
	r.IsActive = false
	r.UpdatedAt = at
	return nil
}

func (f *fakeRBACStore) GetAncestorRows(_ context.Context, roleID uuid.UUID) ([]store.HierarchyRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.HierarchyRow
	for _, h := range f.hierarchy {
		if h.DescendantRoleID == roleID {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Depth < out[j].Depth })
	return out, nil
}

func (f *fakeRBACStore) GetDescendantRows(_ context.Context, roleID uuid.UUID) ([]store.HierarchyRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.HierarchyRow
	for _, h := range f.hierarchy {
		if h.AncestorRoleID == roleID {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Depth < out[j].Depth })
	return out, nil
}

func (f *fakeRBACStore) HasPath(_ context.Context, ancestorID, descendantID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, h := range f.hierarchy {
		if h.AncestorRoleID == ancestorID && h.DescendantRoleID == descendantID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeRBACStore) InsertUserRole(_ context.Context, ur *store.UserRole) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *ur
	f.assignments[ur.ID] = &cp
	return nil
}

func (f *fakeRBACStore) GetActiveAssignment(_ context.Context, userID, roleID uuid.UUID, now time.Time) (*store.UserRole, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.assignments {
		if a.UserID == userID && a.RoleID == roleID && a.Active(now) {
			cp := *a
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("Role assignment")
}

func (f *fakeRBACStore) CountActiveUserRoles(_ context.Context, userID uuid.UUID, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.assignments {
		if a.UserID == userID && a.Active(now) {
			n++
		}
	}
	return n, nil
}

func (f *fakeRBACStore) CountActiveRoleHolders(_ context.Context, roleID uuid.UUID, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.assignments {
		if a.RoleID == roleID && a.Active(now) {
			n++
		}
	}
	return n, nil
}

func (f *fakeRBACStore) RevokeUserRole(_ context.Context, id uuid.UUID, at time.Time, by *uuid.UUID, reason *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.assignments[id]
	if !ok || a.RevokedAt != nil {
		return apperr.NotFound("Role assignment")
	}
	revoked := at
	a.RevokedAt = &revoked
	a.RevokedBy = by
	if reason != nil {
		a.Reason = reason
	}
	return nil
}

func (f *fakeRBACStore) ListActiveUserRoles(_ context.Context, userID uuid.UUID, now time.Time) ([]store.UserRoleWithRole, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listActiveCalls++
	var out []store.UserRoleWithRole
	for _, a := range f.assignments {
		if a.UserID != userID || !a.Active(now) {
			continue
		}
		r, ok := f.roles[a.RoleID]
		if !ok || !r.IsActive {
			continue
		}
		out = append(out, store.UserRoleWithRole{UserRole: *a, Role: *r})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserRole.GrantedAt.Before(out[j].UserRole.GrantedAt) })
	return out, nil
}

func (f *fakeRBACStore) ListUserIDsWithRole(_ context.Context, roleID uuid.UUID, now time.Time) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[uuid.UUID]bool)
	var out []uuid.UUID
	for _, a := range f.assignments {
		if a.RoleID == roleID && a.Active(now) && !seen[a.UserID] {
			seen[a.UserID] = true
			out = append(out, a.UserID)
		}
	}
	return out, nil
}

func (f *fakeRBACStore) ModifyRolePermissions(_ context.Context, roleID uuid.UUID, add, remove []uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	set, ok := f.rolePerms[roleID]
	if !ok {
		set = make(map[uuid.UUID]bool)
		f.rolePerms[roleID] = set
	}
	for _, id := range add {
		set[id] = true
	}
	for _, id := range remove {
		delete(set, id)
	}
	return nil
}

func (f *fakeRBACStore) ListRolePermissions(_ context.Context, roleID uuid.UUID) ([]store.Permission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Permission
	for pid := range f.rolePerms[roleID] {
		if p, ok := f.permissions[pid]; ok {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (f *fakeRBACStore) GetPermissionsByRoleIDs(_ context.Context, roleIDs []uuid.UUID) ([]store.RolePermissionRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.RolePermissionRow
	for _, rid := range roleIDs {
		for pid := range f.rolePerms[rid] {
			p, ok := f.permissions[pid]
			if !ok || !p.IsActive {
				continue
			}
			out = append(out, store.RolePermissionRow{RoleID: rid, Permission: *p})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Permission.Key() < out[j].Permission.Key() })
	return out, nil
}

func (f *fakeRBACStore) GetPermissionsByIDs(_ context.Context, ids []uuid.UUID) ([]store.Permission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[uuid.UUID]bool)
	var out []store.Permission
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if p, ok := f.permissions[id]; ok {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakeRBACStore) GetPermissionByID(_ context.Context, id uuid.UUID) (*store.Permission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.permissions[id]
	if !ok {
		return nil, apperr.NotFound("Permission")
	}
	cp := *p
	return &cp, nil
}

func (f *fakeRBACStore) GetPermissionByKey(_ context.Context, resource, action string) (*store.Permission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.permissions {
		if p.Resource == resource && p.Action == action {
			cp := *p
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("Permission")
}

func (f *fakeRBACStore) CreatePermission(_ context.Context, p *store.Permission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.permissions {
		if existing.Resource == p.Resource && existing.Action == p.Action {
			return apperr.Conflict("Permission already exists")
		}
	}
	cp := *p
	f.permissions[p.ID] = &cp
	return nil
}

func (f *fakeRBACStore) UpdatePermission(_ context.Context, p *store.Permission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.permissions[p.ID]; !ok {
		return apperr.NotFound("Permission")
	}
	cp := *p
	f.permissions[p.ID] = &cp
	return nil
}

func (f *fakeRBACStore) CountPermissionReferences(_ context.Context, id uuid.UUID) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	roleRefs := 0
	for _, set := range f.rolePerms {
		if set[id] {
			roleRefs++
		}
	}
	userRefs := 0
	for _, perms := range f.userPerms {
		if _, ok := perms[id]; ok {
			userRefs++
		}
	}
	return roleRefs, userRefs, nil
}

func (f *fakeRBACStore) DeactivatePermission(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.permissions[id]
	if !ok {
		return apperr.NotFound("Permission")
	}
	p.IsActive = false
	return nil
}

func (f *fakeRBACStore) ListPermissions(_ context.Context, filter store.PermissionFilter) ([]store.Permission, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []store.Permission
	for _, p := range f.permissions {
		if filter.Module != "" && p.Module != filter.Module {
			continue
		}
		if filter.Resource != "" && p.Resource != filter.Resource {
			continue
		}
		if filter.Search != "" {
			needle := strings.ToLower(filter.Search)
			hay := strings.ToLower(p.Resource + " " + p.Action + " " + p.DisplayName)
			if !strings.Contains(hay, needle) {
				continue
			}
		}
		if !p.IsActive && !filter.IncludeInactive {
			continue
		}
		all = append(all, *p)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Key() < all[j].Key() })
	total := len(all)
	if filter.Offset >= len(all) {
		return nil, total, nil
	}
	all = all[filter.Offset:]
	if filter.Limit > 0 && len(all) > filter.Limit {
		all = all[:filter.Limit]
	}
	return all, total, nil
}

func (f *fakeRBACStore) ListUserIDsForPermission(_ context.Context, permissionID uuid.UUID, now time.Time) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[uuid.UUID]bool)
	var out []uuid.UUID
	for userID, perms := range f.userPerms {
		if _, ok := perms[permissionID]; ok && !seen[userID] {
			seen[userID] = true
			out = append(out, userID)
		}
	}
	for rid, set := range f.rolePerms {
		if !set[permissionID] {
			continue
		}
		for _, h := range f.hierarchy {
			if h.AncestorRoleID != rid {
				continue
			}
			for _, a := range f.assignments {
				if a.RoleID == h.DescendantRoleID && a.Active(now) && !seen[a.UserID] {
					seen[a.UserID] = true
					out = append(out, a.UserID)
				}
			}
		}
	}
	return out, nil
}

func (f *fakeRBACStore) GetUserPermission(_ context.Context, userID, permissionID uuid.UUID) (*store.UserPermission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if up, ok := f.userPerms[userID][permissionID]; ok {
		cp := *up
		return &cp, nil
	}
	return nil, apperr.NotFound("User permission")
}

func (f *fakeRBACStore) UpsertUserPermission(_ context.Context, up *store.UserPermission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.userPerms[up.UserID] == nil {
		f.userPerms[up.UserID] = make(map[uuid.UUID]*store.UserPermission)
	}
	cp := *up
	f.userPerms[up.UserID][up.PermissionID] = &cp
	return nil
}

func (f *fakeRBACStore) DeleteUserPermission(_ context.Context, userID, permissionID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.userPerms[userID][permissionID]; !ok {
		return false, nil
	}
	delete(f.userPerms[userID], permissionID)
	return true, nil
}

func (f *fakeRBACStore) ApplyUserPermissions(_ context.Context, userID uuid.UUID, grants []store.UserPermission, revokeIDs []uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.userPerms[userID] == nil {
		f.userPerms[userID] = make(map[uuid.UUID]*store.UserPermission)
	}
	for i := range grants {
		cp := grants[i]
		f.userPerms[userID][cp.PermissionID] = &cp
	}
	for _, id := range revokeIDs {
		delete(f.userPerms[userID], id)
	}
	return nil
}

func (f *fakeRBACStore) ListUserPermissions(_ context.Context, userID uuid.UUID, now time.Time) ([]store.UserPermissionDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.UserPermissionDetail
	for pid, up := range f.userPerms[userID] {
		if !up.Active(now) {
			continue
		}
		p, ok := f.permissions[pid]
		if !ok {
			continue
		}
		out = append(out, store.UserPermissionDetail{UserPermission: *up, Permission: *p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Permission.Key() < out[j].Permission.Key() })
	return out, nil
}

func (f *fakeRBACStore) UpsertEffectivePermissions(_ context.Context, userID uuid.UUID, _ []string, _ []byte, keys []string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[userID] = keys
	return nil
}

type fakeCache struct {
	mu       sync.Mutex
	json     map[string][]byte
	failGets bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{json: make(map[string][]byte)}
}

func (f *fakeCache) GetJSON(_ context.Context, key string, dest any) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGets {
		return false, errors.New("cache down")
	}
	raw, ok := f.json[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dest)
}

func (f *fakeCache) SetJSON(_ context.Context, key string, v any, _ time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.json[key] = raw
	return nil
}

func (f *fakeCache) Delete(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.json, k)
	}
	return nil
}

func (f *fakeCache) hasJSON(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.json[key]
	return ok
}

type testEnv struct {
	svc   *Service
	perms *PermissionService
	store *fakeRBACStore
	cache *fakeCache
	audit *audit.Recorder
	clk   *clock.Manual
	actor uuid.UUID
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	st := newFakeRBACStore()
	c := newFakeCache()
	rec := audit.NewRecorder()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(st, c, rec, clk, log, Options{})
	perms := NewPermissionService(st, svc, rec, clk, log)
	return &testEnv{svc: svc, perms: perms, store: st, cache: c, audit: rec, clk: clk, actor: uuid.New()}
}

func (e *testEnv) seedUser(t *testing.T) *store.User {
	t.Helper()
	u := &store.User{ID: uuid.New(), Email: "user@example.com", Status: store.UserStatusActive}
	e.store.users[u.ID] = u
	return u
}

func (e *testEnv) seedRole(t *testing.T, name string, parentID *uuid.UUID) *store.Role {
	t.Helper()
	role, err := e.svc.CreateRole(context.Background(), CreateRoleInput{
		Name:         name,
		DisplayName:  name,
		ParentRoleID: parentID,
		ActorID:      e.actor,
	})
	require.NoError(t, err)
	return role
}

func (e *testEnv) seedPermission(t *testing.T, resource, action string) *store.Permission {
	t.Helper()
	p, err := e.perms.Create(context.Background(), CreatePermissionInput{
		Resource:    resource,
		Action:      action,
		DisplayName: resource + " " + action,
		Module:      "core",
		ActorID:     e.actor,
	})
	require.NoError(t, err)
	return p
}

func (e *testEnv) assign(t *testing.T, userID, roleID uuid.UUID) {
	t.Helper()
	_, err := e.svc.AssignRole(context.Background(), AssignRoleInput{
		UserID:  userID,
		RoleID:  roleID,
		Reason:  "initial grant",
		ActorID: e.actor,
	})
	require.NoError(t, err)
}

func TestCreateRole_ValidatesNameFormat(t *testing.T) {
	env := newTestEnv(t)

	for _, bad := range []string{"manager", "1MANAGER", "MANAGER-X", ""} {
		_, err := env.svc.CreateRole(context.Background(), CreateRoleInput{Name: bad, ActorID: env.actor})
		assert.Equal(t, apperr.CodeBadRequest, apperr.Code(err), "name %q", bad)
	}

	role, err := env.svc.CreateRole(context.Background(), CreateRoleInput{Name: "TEAM_LEAD_2", DisplayName: "Team Lead", ActorID: env.actor})
	require.NoError(t, err)
	assert.True(t, role.IsActive)
	assert.True(t, env.audit.Has(audit.EventRoleCreated))
}

func TestCreateRole_DuplicateNameRejected(t *testing.T) {
	env := newTestEnv(t)
	env.seedRole(t, "MANAGER", nil)

	_, err := env.svc.CreateRole(context.Background(), CreateRoleInput{Name: "MANAGER", ActorID: env.actor})
	assert.Equal(t, apperr.CodeConflict, apperr.Code(err))
}

func TestCreateRole_BuildsClosureUnderParent(t *testing.T) {
	env := newTestEnv(t)
	grand := env.seedRole(t, "DIRECTOR", nil)
	parent := env.seedRole(t, "MANAGER", &grand.ID)
	child := env.seedRole(t, "EMPLOYEE", &parent.ID)

	rows, err := env.store.GetAncestorRows(context.Background(), child.ID)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, child.ID, rows[0].AncestorRoleID)
	assert.Equal(t, 0, rows[0].Depth)
	assert.Equal(t, parent.ID, rows[1].AncestorRoleID)
	assert.Equal(t, 1, rows[1].Depth)
	assert.Equal(t, grand.ID, rows[2].AncestorRoleID)
	assert.Equal(t, 2, rows[2].Depth)
}

func TestCreateRole_InactiveParentRejected(t *testing.T) {
	env := newTestEnv(t)
	parent := env.seedRole(t, "MANAGER", nil)
	env.store.roles[parent.ID].IsActive = false

	_, err := env.svc.CreateRole(context.Background(), CreateRoleInput{
		Name:         "EMPLOYEE",
		ParentRoleID: &parent.ID,
		ActorID:      env.actor,
	})
	assert.Equal(t, apperr.CodeBadRequest, apperr.Code(err))
}

func TestUpdateRole_RejectsCycleAndSelfParent(t *testing.T) {
	env := newTestEnv(t)
	top := env.seedRole(t, "DIRECTOR", nil)
	mid := env.seedRole(t, "MANAGER", &top.ID)
	leaf := env.seedRole(t, "EMPLOYEE", &mid.ID)

	_, err := env.svc.UpdateRole(context.Background(), UpdateRoleInput{
		RoleID: top.ID, SetParent: true, ParentRoleID: &leaf.ID, ActorID: env.actor,
	})
	assert.Equal(t, apperr.CodeBadRequest, apperr.Code(err))

	_, err = env.svc.UpdateRole(context.Background(), UpdateRoleInput{
		RoleID: mid.ID, SetParent: true, ParentRoleID: &mid.ID, ActorID: env.actor,
	})
	assert.Equal(t, apperr.CodeBadRequest, apperr.Code(err))
}

func TestUpdateRole_ReparentMovesSubtree(t *testing.T) {
	env := newTestEnv(t)
	oldTop := env.seedRole(t, "OPS_DIRECTOR", nil)
	newTop := env.seedRole(t, "IT_DIRECTOR", nil)
	mid := env.seedRole(t, "MANAGER", &oldTop.ID)
	leaf := env.seedRole(t, "EMPLOYEE", &mid.ID)

	_, err := env.svc.UpdateRole(context.Background(), UpdateRoleInput{
		RoleID: mid.ID, SetParent: true, ParentRoleID: &newTop.ID, ActorID: env.actor,
	})
	require.NoError(t, err)

	// The leaf now reaches the new top and no longer reaches the old one.
	has, err := env.store.HasPath(context.Background(), newTop.ID, leaf.ID)
	require.NoError(t, err)
	assert.True(t, has)
	has, err = env.store.HasPath(context.Background(), oldTop.ID, leaf.ID)
	require.NoError(t, err)
	assert.False(t, has)

	rows, err := env.store.GetAncestorRows(context.Background(), leaf.ID)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, newTop.ID, rows[2].AncestorRoleID)
	assert.Equal(t, 2, rows[2].Depth)
}

func TestUpdateRole_SystemRoleImmutable(t *testing.T) {
	env := newTestEnv(t)
	role := env.seedRole(t, "SUPER_ADMIN", nil)
	env.store.roles[role.ID].IsSystem = true

	name := "renamed"
	_, err := env.svc.UpdateRole(context.Background(), UpdateRoleInput{RoleID: role.ID, DisplayName: &name, ActorID: env.actor})
	assert.Equal(t, apperr.CodeForbidden, apperr.Code(err))

	err = env.svc.DeleteRole(context.Background(), role.ID, env.actor)
	assert.Equal(t, apperr.CodeForbidden, apperr.Code(err))

	err = env.svc.UpdateRolePermissions(context.Background(), role.ID, nil, env.actor)
	assert.Equal(t, apperr.CodeForbidden, apperr.Code(err))
}

func TestDeleteRole_BlockedWithActiveHolders(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t)
	role := env.seedRole(t, "MANAGER", nil)
	env.assign(t, user.ID, role.ID)

	err := env.svc.DeleteRole(context.Background(), role.ID, env.actor)
	assert.Equal(t, apperr.CodeConflict, apperr.Code(err))

	// Revoking needs a second role first.
	other := env.seedRole(t, "EMPLOYEE", nil)
	env.assign(t, user.ID, other.ID)
	require.NoError(t, env.svc.RevokeRole(context.Background(), RevokeRoleInput{
		UserID: user.ID, RoleID: role.ID, Reason: "restructure", ActorID: env.actor,
	}))

	require.NoError(t, env.svc.DeleteRole(context.Background(), role.ID, env.actor))
	assert.False(t, env.store.roles[role.ID].IsActive)
	assert.True(t, env.audit.Has(audit.EventRoleDeleted))
}

func TestAssignRole_DuplicateActiveRejected(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t)
	role := env.seedRole(t, "MANAGER", nil)
	env.assign(t, user.ID, role.ID)

	_, err := env.svc.AssignRole(context.Background(), AssignRoleInput{
		UserID: user.ID, RoleID: role.ID, ActorID: env.actor,
	})
	assert.Equal(t, apperr.CodeConflict, apperr.Code(err))
}

func TestAssignRole_PastExpiryRejected(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t)
	role := env.seedRole(t, "MANAGER", nil)

	past := env.clk.Now().Add(-time.Hour)
	_, err := env.svc.AssignRole(context.Background(), AssignRoleInput{
		UserID: user.ID, RoleID: role.ID, ExpiresAt: &past, ActorID: env.actor,
	})
	assert.Equal(t, apperr.CodeBadRequest, apperr.Code(err))
}

func TestRevokeRole_Rules(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t)
	role := env.seedRole(t, "MANAGER", nil)
	env.assign(t, user.ID, role.ID)

	err := env.svc.RevokeRole(context.Background(), RevokeRoleInput{
		UserID: user.ID, RoleID: role.ID, Reason: "why", ActorID: env.actor,
	})
	assert.Equal(t, apperr.CodeBadRequest, apperr.Code(err), "short reason must be rejected")

	err = env.svc.RevokeRole(context.Background(), RevokeRoleInput{
		UserID: user.ID, RoleID: role.ID, Reason: "offboarding", ActorID: env.actor,
	})
	assert.Equal(t, apperr.CodeConflict, apperr.Code(err), "last active role must survive")

	second := env.seedRole(t, "EMPLOYEE", nil)
	env.assign(t, user.ID, second.ID)
	require.NoError(t, env.svc.RevokeRole(context.Background(), RevokeRoleInput{
		UserID: user.ID, RoleID: role.ID, Reason: "offboarding", ActorID: env.actor,
	}))
	assert.True(t, env.audit.Has(audit.EventRoleRevoked))
}

func TestEffectivePermissions_InheritsFromAncestors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.seedUser(t)

	parent := env.seedRole(t, "MANAGER", nil)
	child := env.seedRole(t, "EMPLOYEE", &parent.ID)
	reports := env.seedPermission(t, "reports", "read")
	approve := env.seedPermission(t, "leave_requests", "approve")

	require.NoError(t, env.svc.UpdateRolePermissions(ctx, parent.ID, []uuid.UUID{reports.ID, approve.ID}, env.actor))
	env.assign(t, user.ID, child.ID)

	set, err := env.svc.EffectivePermissions(ctx, user.ID)
	require.NoError(t, err)

	assert.True(t, set.Has("reports", "read"))
	assert.True(t, set.Has("leave_requests", "approve"))
	assert.Equal(t, []string{"EMPLOYEE"}, set.Roles)
	require.Len(t, set.Permissions, 2)
	for _, p := range set.Permissions {
		assert.Equal(t, SourceRole, p.Source)
		assert.Contains(t, p.SourceRoles, "EMPLOYEE")
	}

	assert.ElementsMatch(t, []string{"reports:read", "leave_requests:approve"}, env.store.snapshots[user.ID])
}

func TestEffectivePermissions_DirectDenyWins(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.seedUser(t)
	role := env.seedRole(t, "MANAGER", nil)
	perm := env.seedPermission(t, "reports", "read")
	require.NoError(t, env.svc.UpdateRolePermissions(ctx, role.ID, []uuid.UUID{perm.ID}, env.actor))
	env.assign(t, user.ID, role.ID)

	deny := false
	_, err := env.perms.AssignToUser(ctx, AssignInput{
		UserID: user.ID, PermissionID: perm.ID, IsGranted: &deny, Reason: "audit hold", ActorID: env.actor,
	})
	require.NoError(t, err)

	set, err := env.svc.EffectivePermissions(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, set.Has("reports", "read"))
	assert.Empty(t, set.PermissionKeys)
}

func TestEffectivePermissions_DirectGrantAdds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.seedUser(t)
	role := env.seedRole(t, "EMPLOYEE", nil)
	env.assign(t, user.ID, role.ID)
	perm := env.seedPermission(t, "invoices", "approve")

	_, err := env.perms.AssignToUser(ctx, AssignInput{
		UserID: user.ID, PermissionID: perm.ID, Reason: "temporary cover", ActorID: env.actor,
	})
	require.NoError(t, err)

	set, err := env.svc.EffectivePermissions(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, set.Permissions, 1)
	assert.Equal(t, SourceDirect, set.Permissions[0].Source)
	assert.True(t, set.Has("invoices", "approve"))

	grouped := set.Grouped()
	assert.Empty(t, grouped.Roles)
	require.Len(t, grouped.Direct, 1)
}

func TestEffectivePermissions_SecondCallServedFromCache(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.seedUser(t)
	role := env.seedRole(t, "EMPLOYEE", nil)
	env.assign(t, user.ID, role.ID)

	_, err := env.svc.EffectivePermissions(ctx, user.ID)
	require.NoError(t, err)
	calls := env.store.listActiveCalls

	_, err = env.svc.EffectivePermissions(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, calls, env.store.listActiveCalls)
	assert.True(t, env.cache.hasJSON(cache.EffectivePermissionsKey(user.ID)))
}

func TestEffectivePermissions_CacheOutageFallsBack(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.seedUser(t)
	role := env.seedRole(t, "EMPLOYEE", nil)
	perm := env.seedPermission(t, "reports", "read")
	require.NoError(t, env.svc.UpdateRolePermissions(ctx, role.ID, []uuid.UUID{perm.ID}, env.actor))
	env.assign(t, user.ID, role.ID)

	env.cache.failGets = true
	set, err := env.svc.EffectivePermissions(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, set.Has("reports", "read"))
}

func TestCheckPermission_WildcardMatches(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.seedUser(t)
	role := env.seedRole(t, "ADMIN", nil)
	wildcard := env.seedPermission(t, "documents", "*")
	require.NoError(t, env.svc.UpdateRolePermissions(ctx, role.ID, []uuid.UUID{wildcard.ID}, env.actor))
	env.assign(t, user.ID, role.ID)

	ok, err := env.svc.CheckPermission(ctx, user.ID, "documents", "delete")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = env.svc.CheckPermission(ctx, user.ID, "reports", "read")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckPermissions_SingleResolution(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.seedUser(t)
	role := env.seedRole(t, "EMPLOYEE", nil)
	perm := env.seedPermission(t, "reports", "read")
	require.NoError(t, env.svc.UpdateRolePermissions(ctx, role.ID, []uuid.UUID{perm.ID}, env.actor))
	env.assign(t, user.ID, role.ID)

	out, err := env.svc.CheckPermissions(ctx, user.ID, []PermissionRef{
		{Resource: "reports", Action: "read"},
		{Resource: "reports", Action: "write"},
	})
	require.NoError(t, err)
	assert.True(t, out["reports:read"])
	assert.False(t, out["reports:write"])
}

func TestUpdateRolePermissions_InvalidatesHolders(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.seedUser(t)
	role := env.seedRole(t, "EMPLOYEE", nil)
	env.assign(t, user.ID, role.ID)

	_, err := env.svc.EffectivePermissions(ctx, user.ID)
	require.NoError(t, err)
	require.True(t, env.cache.hasJSON(cache.EffectivePermissionsKey(user.ID)))

	perm := env.seedPermission(t, "reports", "read")
	require.NoError(t, env.svc.UpdateRolePermissions(ctx, role.ID, []uuid.UUID{perm.ID}, env.actor))

	assert.False(t, env.cache.hasJSON(cache.EffectivePermissionsKey(user.ID)))
	assert.True(t, env.audit.Has(audit.EventRolePermissionsUpdated))

	set, err := env.svc.EffectivePermissions(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, set.Has("reports", "read"))
}

func TestUpdateRolePermissions_UnknownIDRejected(t *testing.T) {
	env := newTestEnv(t)
	role := env.seedRole(t, "EMPLOYEE", nil)

	err := env.svc.UpdateRolePermissions(context.Background(), role.ID, []uuid.UUID{uuid.New()}, env.actor)
	assert.Equal(t, apperr.CodeBadRequest, apperr.Code(err))
}

func TestGetRole_CachesDetail(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	role := env.seedRole(t, "EMPLOYEE", nil)

	detail, err := env.svc.GetRole(ctx, role.ID)
	require.NoError(t, err)
	assert.Equal(t, role.ID, detail.Role.ID)
	assert.True(t, env.cache.hasJSON(cache.RoleKey(role.ID)))

	// A stale cache copy is served until the role mutates.
	env.store.roles[role.ID].DisplayName = "changed behind the cache"
	detail, err = env.svc.GetRole(ctx, role.ID)
	require.NoError(t, err)
	assert.Equal(t, "EMPLOYEE", detail.Role.DisplayName)

	name := "Employee v2"
	_, err = env.svc.UpdateRole(ctx, UpdateRoleInput{RoleID: role.ID, DisplayName: &name, ActorID: env.actor})
	require.NoError(t, err)
	assert.False(t, env.cache.hasJSON(cache.RoleKey(role.ID)))
}
