package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/warden/pkg/auth"
	"github.com/platinummonkey/warden/pkg/contextkeys"
	apperrors "github.com/platinummonkey/warden/pkg/errors"
	"github.com/platinummonkey/warden/pkg/httputil"
)

// countingChecker counts resolves
type countingChecker struct {
	*mapChecker
	resolves atomic.Int32
}

func (c *countingChecker) Resolve(ctx context.Context, userID int64) (*EffectivePermissionSet, error) {
	c.resolves.Add(1)
	return c.mapChecker.Resolve(ctx, userID)
}

func testSets() map[int64]*EffectivePermissionSet {
	return map[int64]*EffectivePermissionSet{
		1: leveled(1, 10, "super_admin"),
		3: leveled(3, 8, "admin", "roles.read", "users.read", "users.update"),
		4: leveled(4, 5, "manager", "campaigns.read", "campaigns.create", "campaigns.update", "reports.read", "users.read"),
		5: leveled(5, 5, "manager", "campaigns.read"),
		6: leveled(6, 1, "viewer", "campaigns.read", "reports.read"),
	}
}

func authed(r *http.Request, userID int64) *http.Request {
	ctx := contextkeys.WithAuth(r.Context(), &auth.AuthContext{User: &auth.User{ID: userID, IsActive: true}})
	return r.WithContext(ctx)
}

func okHandler(t *testing.T, reached *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*reached = true
		assert.NotNil(t, PermissionSetFromRequest(r))
		w.WriteHeader(http.StatusOK)
	})
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) httputil.Response {
	t.Helper()
	var resp httputil.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func serve(h http.Handler, userID int64) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if userID != 0 {
		req = authed(req, userID)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRequirePermission_DeniedWithDetails(t *testing.T) {
	pm := NewPermissionMiddleware(&mapChecker{sets: testSets()})
	var reached bool

	rec := serve(pm.RequirePermission("campaigns.delete")(okHandler(t, &reached)), 6)

	assert.False(t, reached)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	resp := decode(t, rec)
	assert.False(t, resp.Success)
	assert.Equal(t, string(apperrors.CodeMissingPermission), resp.Code)
	require.NotNil(t, resp.Details)
	assert.Equal(t, "viewer", resp.Details.UserRole)
	assert.Equal(t, "campaigns.delete", resp.Details.RequiredPermission)
	assert.Equal(t, []string{"read"}, resp.Details.AvailableActions)
}

func TestRequirePermission_AllowedExposesHeaders(t *testing.T) {
	pm := NewPermissionMiddleware(&mapChecker{sets: testSets()})
	var reached bool

	rec := serve(pm.RequirePermission("reports.read")(okHandler(t, &reached)), 6)

	assert.True(t, reached)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "campaigns.read,reports.read", rec.Header().Get(HeaderUserPermissions))
	assert.Equal(t, "viewer", rec.Header().Get(HeaderUserRoles))
}

func TestRequirePermission_SuperAdmin(t *testing.T) {
	pm := NewPermissionMiddleware(&mapChecker{sets: testSets()})
	var reached bool

	rec := serve(pm.RequirePermission("anything.at_all")(okHandler(t, &reached)), 1)

	assert.True(t, reached)
	assert.Equal(t, "*", rec.Header().Get(HeaderUserPermissions))
	assert.Equal(t, "super_admin", rec.Header().Get(HeaderUserRoles))
}

func TestStage_Unauthenticated(t *testing.T) {
	pm := NewPermissionMiddleware(&mapChecker{sets: testSets()})
	var reached bool

	rec := serve(pm.RequirePermission("campaigns.read")(okHandler(t, &reached)), 0)

	assert.False(t, reached)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, string(apperrors.CodeInvalidToken), decode(t, rec).Code)
}

func TestStage_StoreUnavailableDenies(t *testing.T) {
	checker := &mapChecker{err: apperrors.Unavailable("resolve", errors.New("dial tcp: connection refused"))}
	pm := NewPermissionMiddleware(checker)

	stages := map[string]func(http.Handler) http.Handler{
		"permission": pm.RequirePermission("campaigns.read"),
		"any":        pm.RequireAnyPermission("campaigns.read"),
		"role":       pm.RequireRole("viewer"),
		"module":     pm.RequireModuleAccess("campaigns"),
	}
	for name, stage := range stages {
		t.Run(name, func(t *testing.T) {
			var reached bool
			rec := serve(stage(okHandler(t, &reached)), 6)

			assert.False(t, reached)
			assert.Equal(t, http.StatusInternalServerError, rec.Code)
			resp := decode(t, rec)
			assert.Equal(t, string(apperrors.CodeStoreUnavailable), resp.Code)
			assert.NotContains(t, resp.Message, "connection refused")
		})
	}
}

func TestRequireAnyPermission(t *testing.T) {
	pm := NewPermissionMiddleware(&mapChecker{sets: testSets()})

	var reached bool
	rec := serve(pm.RequireAnyPermission("campaigns.delete", "campaigns.update")(okHandler(t, &reached)), 4)
	assert.True(t, reached)
	assert.Equal(t, http.StatusOK, rec.Code)

	reached = false
	rec = serve(pm.RequireAnyPermission("campaigns.delete", "campaigns.update")(okHandler(t, &reached)), 6)
	assert.False(t, reached)
	resp := decode(t, rec)
	assert.Equal(t, "campaigns.delete|campaigns.update", resp.Details.RequiredPermission)
}

func TestRequireRole(t *testing.T) {
	pm := NewPermissionMiddleware(&mapChecker{sets: testSets()})

	tests := []struct {
		name   string
		user   int64
		roles  []string
		status int
	}{
		{"matching role", 3, []string{"admin"}, http.StatusOK},
		{"case-insensitive", 3, []string{"ADMIN"}, http.StatusOK},
		{"one of several", 6, []string{"admin", "viewer"}, http.StatusOK},
		{"superadmin tier does not stand in for a role name", 1, []string{"admin"}, http.StatusForbidden},
		{"wrong role", 4, []string{"admin"}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var reached bool
			rec := serve(pm.RequireRole(tt.roles...)(okHandler(t, &reached)), tt.user)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.status == http.StatusOK, reached)
			if tt.status == http.StatusForbidden {
				assert.Equal(t, string(apperrors.CodeRoleNotAllowed), decode(t, rec).Code)
			}
		})
	}
}

func TestRequireModuleAccess(t *testing.T) {
	pm := NewPermissionMiddleware(&mapChecker{sets: testSets()})

	var reached bool
	rec := serve(pm.RequireModuleAccess("reports")(okHandler(t, &reached)), 6)
	assert.Equal(t, http.StatusOK, rec.Code)

	reached = false
	rec = serve(pm.RequireModuleAccess("roles")(okHandler(t, &reached)), 6)
	assert.False(t, reached)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	resp := decode(t, rec)
	assert.Equal(t, string(apperrors.CodeModuleAccessDenied), resp.Code)
	assert.Empty(t, resp.Details.AvailableActions)
}

func TestRequireAction_UsesPolicyTable(t *testing.T) {
	policy := NewPolicyTable(map[string]map[string]string{
		"campaigns": {"archive": "campaigns.update"},
	})
	pm := NewPermissionMiddleware(&mapChecker{sets: testSets()}, WithPolicy(policy))

	var reached bool
	rec := serve(pm.RequireAction("campaigns", "archive")(okHandler(t, &reached)), 4)
	assert.True(t, reached)
	assert.Equal(t, http.StatusOK, rec.Code)

	reached = false
	rec = serve(pm.RequireAction("campaigns", "delete")(okHandler(t, &reached)), 4)
	assert.False(t, reached)
	assert.Equal(t, "campaigns.delete", decode(t, rec).Details.RequiredPermission)
}

func TestRequireUserManagement(t *testing.T) {
	pm := NewPermissionMiddleware(&mapChecker{sets: testSets()})
	var reached bool

	router := mux.NewRouter()
	router.Handle("/users/{id}", pm.RequireUserManagement("id")(okHandler(t, &reached)))

	tests := []struct {
		name   string
		actor  int64
		path   string
		status int
		code   apperrors.Code
	}{
		{"manager manages viewer", 4, "/users/6", http.StatusOK, ""},
		{"equal levels", 4, "/users/5", http.StatusForbidden, apperrors.CodeInsufficientRoleLevel},
		{"viewer over manager", 6, "/users/4", http.StatusForbidden, apperrors.CodeInsufficientRoleLevel},
		{"self", 6, "/users/6", http.StatusOK, ""},
		{"malformed id", 4, "/users/abc", http.StatusBadRequest, apperrors.CodeInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reached = false
			req := authed(httptest.NewRequest(http.MethodPut, tt.path, nil), tt.actor)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.status == http.StatusOK, reached)
			if tt.code != "" {
				assert.Equal(t, string(tt.code), decode(t, rec).Code)
			}
		})
	}
}

func TestStages_ResolveOncePerRequest(t *testing.T) {
	checker := &countingChecker{mapChecker: &mapChecker{sets: testSets()}}
	pm := NewPermissionMiddleware(checker)
	var reached bool

	h := pm.RequireModuleAccess("campaigns")(
		pm.RequirePermission("campaigns.read")(
			pm.RequireRole("manager")(okHandler(t, &reached)),
		),
	)
	rec := serve(h, 4)

	assert.True(t, reached)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(1), checker.resolves.Load())
}

func TestStages_ObserverSeesDecisions(t *testing.T) {
	obs := &decisionObserver{}
	pm := NewPermissionMiddleware(&mapChecker{sets: testSets()}, WithMiddlewareObserver(obs))
	var reached bool

	serve(pm.RequirePermission("campaigns.read")(okHandler(t, &reached)), 6)
	serve(pm.RequirePermission("campaigns.delete")(okHandler(t, &reached)), 6)

	assert.Equal(t, []string{"require_permission:true", "require_permission:false"}, obs.decisions)
}

type decisionObserver struct {
	noopObserver
	decisions []string
}

func (o *decisionObserver) Decision(stage string, allowed bool) {
	if allowed {
		o.decisions = append(o.decisions, stage+":true")
		return
	}
	o.decisions = append(o.decisions, stage+":false")
}
