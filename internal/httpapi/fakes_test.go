package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/pellenbrig/aegis/internal/auth"
	"github.com/pellenbrig/aegis/internal/mfa"
	"github.com/pellenbrig/aegis/internal/rbac"
	"github.com/pellenbrig/aegis/internal/security"
	"github.com/pellenbrig/aegis/internal/session"
	"github.com/pellenbrig/aegis/internal/store"
	"github.com/pellenbrig/aegis/internal/token"
)

// Unstubbed fake methods return this so a test that wanders onto an
// endpoint it never configured fails loudly instead of passing by
// accident.
var errNotStubbed = errors.New("not stubbed")

type fakeLogin struct {
	loginFn       func(context.Context, auth.LoginInput) (*auth.LoginResult, error)
	completeMFAFn func(context.Context, auth.CompleteMFAInput) (*auth.LoginResult, error)
}

func (f *fakeLogin) Login(ctx context.Context, in auth.LoginInput) (*auth.LoginResult, error) {
	if f.loginFn == nil {
		return nil, errNotStubbed
	}
	return f.loginFn(ctx, in)
}

func (f *fakeLogin) CompleteMFALogin(ctx context.Context, in auth.CompleteMFAInput) (*auth.LoginResult, error) {
	if f.completeMFAFn == nil {
		return nil, errNotStubbed
	}
	return f.completeMFAFn(ctx, in)
}

type fakeReset struct {
	requestFn  func(context.Context, auth.RequestInput) (*auth.RequestResult, error)
	resetFn    func(context.Context, auth.ResetInput) error
	validateFn func(context.Context, string) (*auth.TokenStatus, error)
}

func (f *fakeReset) Request(ctx context.Context, in auth.RequestInput) (*auth.RequestResult, error) {
	if f.requestFn == nil {
		return nil, errNotStubbed
	}
	return f.requestFn(ctx, in)
}

func (f *fakeReset) Reset(ctx context.Context, in auth.ResetInput) error {
	if f.resetFn == nil {
		return errNotStubbed
	}
	return f.resetFn(ctx, in)
}

func (f *fakeReset) ValidateToken(ctx context.Context, raw string) (*auth.TokenStatus, error) {
	if f.validateFn == nil {
		return nil, errNotStubbed
	}
	return f.validateFn(ctx, raw)
}

type fakeSessions struct {
	validateFn    func(context.Context, uuid.UUID, time.Time) (*session.Validation, error)
	blacklistedFn func(context.Context, string) (bool, error)
	refreshFn     func(context.Context, session.RefreshInput) (*session.RefreshResult, error)
	logoutFn      func(context.Context, session.LogoutInput) (*session.LogoutResult, error)
	logoutAllFn   func(context.Context, session.LogoutAllInput) (int, error)
	listFn        func(context.Context, uuid.UUID, uuid.UUID) ([]session.View, error)
	revokeFn      func(context.Context, uuid.UUID, uuid.UUID) error
	heartbeatFn   func(context.Context, uuid.UUID) error
	timeoutFn     func(context.Context, uuid.UUID) (*session.TimeoutStatus, error)
	forceLogoutFn func(context.Context, session.ForceLogoutInput) error
}

func (f *fakeSessions) Validate(ctx context.Context, sessionID uuid.UUID, accessExpiresAt time.Time) (*session.Validation, error) {
	if f.validateFn == nil {
		return nil, errNotStubbed
	}
	return f.validateFn(ctx, sessionID, accessExpiresAt)
}

func (f *fakeSessions) IsTokenBlacklisted(ctx context.Context, tokenHash string) (bool, error) {
	if f.blacklistedFn == nil {
		return false, errNotStubbed
	}
	return f.blacklistedFn(ctx, tokenHash)
}

func (f *fakeSessions) Refresh(ctx context.Context, in session.RefreshInput) (*session.RefreshResult, error) {
	if f.refreshFn == nil {
		return nil, errNotStubbed
	}
	return f.refreshFn(ctx, in)
}

func (f *fakeSessions) Logout(ctx context.Context, in session.LogoutInput) (*session.LogoutResult, error) {
	if f.logoutFn == nil {
		return nil, errNotStubbed
	}
	return f.logoutFn(ctx, in)
}

func (f *fakeSessions) LogoutAllDevices(ctx context.Context, in session.LogoutAllInput) (int, error) {
	if f.logoutAllFn == nil {
		return 0, errNotStubbed
	}
	return f.logoutAllFn(ctx, in)
}

func (f *fakeSessions) List(ctx context.Context, userID, currentSessionID uuid.UUID) ([]session.View, error) {
	if f.listFn == nil {
		return nil, errNotStubbed
	}
	return f.listFn(ctx, userID, currentSessionID)
}

func (f *fakeSessions) Revoke(ctx context.Context, sessionID, callerID uuid.UUID) error {
	if f.revokeFn == nil {
		return errNotStubbed
	}
	return f.revokeFn(ctx, sessionID, callerID)
}

func (f *fakeSessions) Heartbeat(ctx context.Context, sessionID uuid.UUID) error {
	if f.heartbeatFn == nil {
		return errNotStubbed
	}
	return f.heartbeatFn(ctx, sessionID)
}

func (f *fakeSessions) CheckTimeout(ctx context.Context, sessionID uuid.UUID) (*session.TimeoutStatus, error) {
	if f.timeoutFn == nil {
		return nil, errNotStubbed
	}
	return f.timeoutFn(ctx, sessionID)
}

func (f *fakeSessions) ForceLogout(ctx context.Context, in session.ForceLogoutInput) error {
	if f.forceLogoutFn == nil {
		return errNotStubbed
	}
	return f.forceLogoutFn(ctx, in)
}

type fakeMFA struct {
	statusFn       func(context.Context, uuid.UUID) (*mfa.Status, error)
	beginSetupFn   func(context.Context, mfa.SetupInput) (*mfa.SetupSession, error)
	confirmSetupFn func(context.Context, mfa.ConfirmInput) (*mfa.EnableResult, error)
	disableFn      func(context.Context, mfa.DisableInput) error
	regenerateFn   func(context.Context, mfa.RegenerateInput) (*mfa.EnableResult, error)
	codesStatusFn  func(context.Context, uuid.UUID) (*mfa.CodesStatus, error)
	listUsedFn     func(context.Context, uuid.UUID, int, int) (*mfa.UsedCodesPage, error)
	exportFn       func(context.Context, mfa.ExportInput) (*mfa.ExportResult, error)
	verifyDirectFn func(context.Context, mfa.DirectVerifyInput) (*mfa.DirectVerifyResult, error)
}

func (f *fakeMFA) Status(ctx context.Context, userID uuid.UUID) (*mfa.Status, error) {
	if f.statusFn == nil {
		return nil, errNotStubbed
	}
	return f.statusFn(ctx, userID)
}

func (f *fakeMFA) BeginSetup(ctx context.Context, in mfa.SetupInput) (*mfa.SetupSession, error) {
	if f.beginSetupFn == nil {
		return nil, errNotStubbed
	}
	return f.beginSetupFn(ctx, in)
}

func (f *fakeMFA) ConfirmSetup(ctx context.Context, in mfa.ConfirmInput) (*mfa.EnableResult, error) {
	if f.confirmSetupFn == nil {
		return nil, errNotStubbed
	}
	return f.confirmSetupFn(ctx, in)
}

func (f *fakeMFA) Disable(ctx context.Context, in mfa.DisableInput) error {
	if f.disableFn == nil {
		return errNotStubbed
	}
	return f.disableFn(ctx, in)
}

func (f *fakeMFA) RegenerateBackupCodes(ctx context.Context, in mfa.RegenerateInput) (*mfa.EnableResult, error) {
	if f.regenerateFn == nil {
		return nil, errNotStubbed
	}
	return f.regenerateFn(ctx, in)
}

func (f *fakeMFA) CodesStatus(ctx context.Context, userID uuid.UUID) (*mfa.CodesStatus, error) {
	if f.codesStatusFn == nil {
		return nil, errNotStubbed
	}
	return f.codesStatusFn(ctx, userID)
}

func (f *fakeMFA) ListUsedCodes(ctx context.Context, userID uuid.UUID, page, limit int) (*mfa.UsedCodesPage, error) {
	if f.listUsedFn == nil {
		return nil, errNotStubbed
	}
	return f.listUsedFn(ctx, userID, page, limit)
}

func (f *fakeMFA) ExportCodes(ctx context.Context, in mfa.ExportInput) (*mfa.ExportResult, error) {
	if f.exportFn == nil {
		return nil, errNotStubbed
	}
	return f.exportFn(ctx, in)
}

func (f *fakeMFA) VerifyDirect(ctx context.Context, in mfa.DirectVerifyInput) (*mfa.DirectVerifyResult, error) {
	if f.verifyDirectFn == nil {
		return nil, errNotStubbed
	}
	return f.verifyDirectFn(ctx, in)
}

// fakeRoles answers permission checks from the perms map ("resource:action"
// keys); allowAll short-circuits it for tests that are not about guards.
type fakeRoles struct {
	allowAll bool
	perms    map[string]bool
	checkErr error

	createRoleFn      func(context.Context, rbac.CreateRoleInput) (*store.Role, error)
	updateRoleFn      func(context.Context, rbac.UpdateRoleInput) (*store.Role, error)
	deleteRoleFn      func(context.Context, uuid.UUID, uuid.UUID) error
	getRoleFn         func(context.Context, uuid.UUID) (*rbac.RoleDetail, error)
	listRolesFn       func(context.Context, bool) ([]store.Role, error)
	updateRolePermsFn func(context.Context, uuid.UUID, []uuid.UUID, uuid.UUID) error
	assignRoleFn      func(context.Context, rbac.AssignRoleInput) (*store.UserRole, error)
	revokeRoleFn      func(context.Context, rbac.RevokeRoleInput) error
	listUserRolesFn   func(context.Context, uuid.UUID) ([]store.UserRoleWithRole, error)
	effectiveFn       func(context.Context, uuid.UUID) (*rbac.EffectiveSet, error)
	checkManyFn       func(context.Context, uuid.UUID, []rbac.PermissionRef) (map[string]bool, error)
}

func (f *fakeRoles) CheckPermission(_ context.Context, _ uuid.UUID, resource, action string) (bool, error) {
	if f.checkErr != nil {
		return false, f.checkErr
	}
	if f.allowAll {
		return true, nil
	}
	return f.perms[resource+":"+action], nil
}

func (f *fakeRoles) CreateRole(ctx context.Context, in rbac.CreateRoleInput) (*store.Role, error) {
	if f.createRoleFn == nil {
		return nil, errNotStubbed
	}
	return f.createRoleFn(ctx, in)
}

func (f *fakeRoles) UpdateRole(ctx context.Context, in rbac.UpdateRoleInput) (*store.Role, error) {
	if f.updateRoleFn == nil {
		return nil, errNotStubbed
	}
	return f.updateRoleFn(ctx, in)
}

func (f *fakeRoles) DeleteRole(ctx context.Context, roleID, actorID uuid.UUID) error {
	if f.deleteRoleFn == nil {
		return errNotStubbed
	}
	return f.deleteRoleFn(ctx, roleID, actorID)
}

func (f *fakeRoles) GetRole(ctx context.Context, roleID uuid.UUID) (*rbac.RoleDetail, error) {
	if f.getRoleFn == nil {
		return nil, errNotStubbed
	}
	return f.getRoleFn(ctx, roleID)
}

func (f *fakeRoles) ListRoles(ctx context.Context, includeInactive bool) ([]store.Role, error) {
	if f.listRolesFn == nil {
		return nil, errNotStubbed
	}
	return f.listRolesFn(ctx, includeInactive)
}

func (f *fakeRoles) UpdateRolePermissions(ctx context.Context, roleID uuid.UUID, permissionIDs []uuid.UUID, actorID uuid.UUID) error {
	if f.updateRolePermsFn == nil {
		return errNotStubbed
	}
	return f.updateRolePermsFn(ctx, roleID, permissionIDs, actorID)
}

func (f *fakeRoles) AssignRole(ctx context.Context, in rbac.AssignRoleInput) (*store.UserRole, error) {
	if f.assignRoleFn == nil {
		return nil, errNotStubbed
	}
	return f.assignRoleFn(ctx, in)
}

func (f *fakeRoles) RevokeRole(ctx context.Context, in rbac.RevokeRoleInput) error {
	if f.revokeRoleFn == nil {
		return errNotStubbed
	}
	return f.revokeRoleFn(ctx, in)
}

func (f *fakeRoles) ListUserRoles(ctx context.Context, userID uuid.UUID) ([]store.UserRoleWithRole, error) {
	if f.listUserRolesFn == nil {
		return nil, errNotStubbed
	}
	return f.listUserRolesFn(ctx, userID)
}

func (f *fakeRoles) EffectivePermissions(ctx context.Context, userID uuid.UUID) (*rbac.EffectiveSet, error) {
	if f.effectiveFn == nil {
		return nil, errNotStubbed
	}
	return f.effectiveFn(ctx, userID)
}

func (f *fakeRoles) CheckPermissions(ctx context.Context, userID uuid.UUID, refs []rbac.PermissionRef) (map[string]bool, error) {
	if f.checkManyFn == nil {
		return nil, errNotStubbed
	}
	return f.checkManyFn(ctx, userID, refs)
}

type fakeCatalog struct {
	createFn       func(context.Context, rbac.CreatePermissionInput) (*store.Permission, error)
	updateFn       func(context.Context, rbac.UpdatePermissionInput) (*store.Permission, error)
	deleteFn       func(context.Context, uuid.UUID, uuid.UUID) error
	getFn          func(context.Context, uuid.UUID) (*store.Permission, error)
	listFn         func(context.Context, rbac.ListInput) (*rbac.PermissionPage, error)
	assignFn       func(context.Context, rbac.AssignInput) (*store.UserPermission, error)
	revokeFn       func(context.Context, uuid.UUID, uuid.UUID, uuid.UUID) error
	listDirectFn   func(context.Context, uuid.UUID) ([]store.UserPermissionDetail, error)
	bulkFn         func(context.Context, rbac.BulkInput) error
	checkWithCtxFn func(context.Context, uuid.UUID, string, string, rbac.ConditionContext) (*rbac.CheckResult, error)
}

func (f *fakeCatalog) Create(ctx context.Context, in rbac.CreatePermissionInput) (*store.Permission, error) {
	if f.createFn == nil {
		return nil, errNotStubbed
	}
	return f.createFn(ctx, in)
}

func (f *fakeCatalog) Update(ctx context.Context, in rbac.UpdatePermissionInput) (*store.Permission, error) {
	if f.updateFn == nil {
		return nil, errNotStubbed
	}
	return f.updateFn(ctx, in)
}

func (f *fakeCatalog) Delete(ctx context.Context, permissionID, actorID uuid.UUID) error {
	if f.deleteFn == nil {
		return errNotStubbed
	}
	return f.deleteFn(ctx, permissionID, actorID)
}

func (f *fakeCatalog) Get(ctx context.Context, permissionID uuid.UUID) (*store.Permission, error) {
	if f.getFn == nil {
		return nil, errNotStubbed
	}
	return f.getFn(ctx, permissionID)
}

func (f *fakeCatalog) List(ctx context.Context, in rbac.ListInput) (*rbac.PermissionPage, error) {
	if f.listFn == nil {
		return nil, errNotStubbed
	}
	return f.listFn(ctx, in)
}

func (f *fakeCatalog) AssignToUser(ctx context.Context, in rbac.AssignInput) (*store.UserPermission, error) {
	if f.assignFn == nil {
		return nil, errNotStubbed
	}
	return f.assignFn(ctx, in)
}

func (f *fakeCatalog) RevokeFromUser(ctx context.Context, userID, permissionID, actorID uuid.UUID) error {
	if f.revokeFn == nil {
		return errNotStubbed
	}
	return f.revokeFn(ctx, userID, permissionID, actorID)
}

func (f *fakeCatalog) ListUserDirect(ctx context.Context, userID uuid.UUID) ([]store.UserPermissionDetail, error) {
	if f.listDirectFn == nil {
		return nil, errNotStubbed
	}
	return f.listDirectFn(ctx, userID)
}

func (f *fakeCatalog) Bulk(ctx context.Context, in rbac.BulkInput) error {
	if f.bulkFn == nil {
		return errNotStubbed
	}
	return f.bulkFn(ctx, in)
}

func (f *fakeCatalog) CheckWithContext(ctx context.Context, userID uuid.UUID, resource, action string, condCtx rbac.ConditionContext) (*rbac.CheckResult, error) {
	if f.checkWithCtxFn == nil {
		return nil, errNotStubbed
	}
	return f.checkWithCtxFn(ctx, userID, resource, action, condCtx)
}

type fakeSecurity struct {
	createAlertFn func(context.Context, security.CreateAlertInput) (*store.SecurityAlert, error)
	getFn         func(context.Context, uuid.UUID) (*store.SecurityAlert, error)
	ackFn         func(context.Context, uuid.UUID, uuid.UUID, string) (*store.SecurityAlert, error)
	resolveFn     func(context.Context, uuid.UUID, uuid.UUID, string, []string) (*store.SecurityAlert, error)
	dismissFn     func(context.Context, uuid.UUID, uuid.UUID, string, bool) (*store.SecurityAlert, error)
	listFn        func(context.Context, security.ListInput) (*security.AlertPage, error)
	statsFn       func(context.Context, security.StatsInput) (*security.Stats, error)
	dashboardFn   func(context.Context) (*security.DashboardSummary, error)
	createSubFn   func(context.Context, security.SubscriptionInput) (*store.NotificationSubscription, error)
	updateSubFn   func(context.Context, uuid.UUID, uuid.UUID, security.SubscriptionUpdate) (*store.NotificationSubscription, error)
	deleteSubFn   func(context.Context, uuid.UUID, uuid.UUID) error
	listSubsFn    func(context.Context, uuid.UUID, string, bool) ([]store.NotificationSubscription, error)
}

func (f *fakeSecurity) CreateAlert(ctx context.Context, in security.CreateAlertInput) (*store.SecurityAlert, error) {
	if f.createAlertFn == nil {
		return nil, errNotStubbed
	}
	return f.createAlertFn(ctx, in)
}

func (f *fakeSecurity) Get(ctx context.Context, id uuid.UUID) (*store.SecurityAlert, error) {
	if f.getFn == nil {
		return nil, errNotStubbed
	}
	return f.getFn(ctx, id)
}

func (f *fakeSecurity) Acknowledge(ctx context.Context, id, actorID uuid.UUID, notes string) (*store.SecurityAlert, error) {
	if f.ackFn == nil {
		return nil, errNotStubbed
	}
	return f.ackFn(ctx, id, actorID, notes)
}

func (f *fakeSecurity) Resolve(ctx context.Context, id, actorID uuid.UUID, resolution string, preventionActions []string) (*store.SecurityAlert, error) {
	if f.resolveFn == nil {
		return nil, errNotStubbed
	}
	return f.resolveFn(ctx, id, actorID, resolution, preventionActions)
}

func (f *fakeSecurity) Dismiss(ctx context.Context, id, actorID uuid.UUID, reason string, falsePositive bool) (*store.SecurityAlert, error) {
	if f.dismissFn == nil {
		return nil, errNotStubbed
	}
	return f.dismissFn(ctx, id, actorID, reason, falsePositive)
}

func (f *fakeSecurity) List(ctx context.Context, in security.ListInput) (*security.AlertPage, error) {
	if f.listFn == nil {
		return nil, errNotStubbed
	}
	return f.listFn(ctx, in)
}

func (f *fakeSecurity) GetStats(ctx context.Context, in security.StatsInput) (*security.Stats, error) {
	if f.statsFn == nil {
		return nil, errNotStubbed
	}
	return f.statsFn(ctx, in)
}

func (f *fakeSecurity) Dashboard(ctx context.Context) (*security.DashboardSummary, error) {
	if f.dashboardFn == nil {
		return nil, errNotStubbed
	}
	return f.dashboardFn(ctx)
}

func (f *fakeSecurity) CreateSubscription(ctx context.Context, in security.SubscriptionInput) (*store.NotificationSubscription, error) {
	if f.createSubFn == nil {
		return nil, errNotStubbed
	}
	return f.createSubFn(ctx, in)
}

func (f *fakeSecurity) UpdateSubscription(ctx context.Context, id, callerID uuid.UUID, upd security.SubscriptionUpdate) (*store.NotificationSubscription, error) {
	if f.updateSubFn == nil {
		return nil, errNotStubbed
	}
	return f.updateSubFn(ctx, id, callerID, upd)
}

func (f *fakeSecurity) DeleteSubscription(ctx context.Context, id, callerID uuid.UUID) error {
	if f.deleteSubFn == nil {
		return errNotStubbed
	}
	return f.deleteSubFn(ctx, id, callerID)
}

func (f *fakeSecurity) ListUserSubscriptions(ctx context.Context, userID uuid.UUID, channel string, includeInactive bool) ([]store.NotificationSubscription, error) {
	if f.listSubsFn == nil {
		return nil, errNotStubbed
	}
	return f.listSubsFn(ctx, userID, channel, includeInactive)
}

type fakeVerifier struct {
	verifyFn func(string) (*token.AccessClaims, error)
}

func (f *fakeVerifier) VerifyAccess(raw string) (*token.AccessClaims, error) {
	if f.verifyFn == nil {
		return nil, errNotStubbed
	}
	return f.verifyFn(raw)
}

const testBearer = "test-access-token"

// testServer wires a full router over fakes. The default configuration
// authenticates testBearer as an active user and allows every permission;
// individual tests override the pieces they exercise.
type testServer struct {
	router    chi.Router
	login     *fakeLogin
	reset     *fakeReset
	sessions  *fakeSessions
	mfa       *fakeMFA
	roles     *fakeRoles
	catalog   *fakeCatalog
	security  *fakeSecurity
	verifier  *fakeVerifier
	userID    uuid.UUID
	sessionID uuid.UUID
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	ts := &testServer{
		login:     &fakeLogin{},
		reset:     &fakeReset{},
		sessions:  &fakeSessions{},
		mfa:       &fakeMFA{},
		roles:     &fakeRoles{allowAll: true},
		catalog:   &fakeCatalog{},
		security:  &fakeSecurity{},
		verifier:  &fakeVerifier{},
		userID:    uuid.New(),
		sessionID: uuid.New(),
	}

	ts.verifier.verifyFn = func(raw string) (*token.AccessClaims, error) {
		if raw != testBearer {
			return nil, errors.New("signature invalid")
		}
		return &token.AccessClaims{
			UserID:    ts.userID,
			SessionID: ts.sessionID,
			TokenUse:  "access",
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(15 * time.Minute)),
			},
		}, nil
	}
	ts.sessions.blacklistedFn = func(context.Context, string) (bool, error) {
		return false, nil
	}
	ts.sessions.validateFn = func(context.Context, uuid.UUID, time.Time) (*session.Validation, error) {
		return &session.Validation{
			Valid:      true,
			SessionID:  ts.sessionID,
			UserID:     ts.userID,
			Email:      "user@example.com",
			UserStatus: store.UserStatusActive,
		}, nil
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ts.router = NewRouter(Deps{
		Login:       ts.login,
		Reset:       ts.reset,
		Sessions:    ts.sessions,
		MFA:         ts.mfa,
		Roles:       ts.roles,
		Permissions: ts.catalog,
		Security:    ts.security,
		Tokens:      ts.verifier,
		Log:         log,
	}, Options{
		// High enough that tests never trip the IP limiter.
		RPS:   1000,
		Burst: 1000,
	})
	return ts
}

func newRequest(t *testing.T, method, target, body string) *http.Request {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.RemoteAddr = "203.0.113.50:4444"
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func serve(ts *testServer, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

// do runs one request through the router. A non-empty body is sent as JSON;
// authed requests carry the default bearer token.
func (ts *testServer) do(t *testing.T, method, target, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()

	req := newRequest(t, method, target, body)
	if authed {
		req.Header.Set("Authorization", "Bearer "+testBearer)
	}
	return serve(ts, req)
}

// errCode pulls the machine code out of an error response body.
func errCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, rec)
	code, _ := body["code"].(string)
	return code
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), "body: %s", rec.Body.String())
	return body
}
