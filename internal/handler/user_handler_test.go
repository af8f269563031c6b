package handler_test

import (
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-plm/internal/model"
	"go-plm/internal/security/rbac"
	"go-plm/pkg/apierror"
)

func TestAdminRoutes_RequireRoles(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	s.seedUser(t, "viewer@example.com", rbac.RoleViewer)
	s.seedUser(t, "owner@example.com", rbac.RoleOwner)
	viewer := s.login(t, "viewer@example.com", "192.0.2.1")
	owner := s.login(t, "owner@example.com", "192.0.2.2")

	resp, env, _ := s.request(t, http.MethodGet, "/api/v1/users", "192.0.2.1", nil, bearer(viewer.access))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, apierror.CodeForbidden, env.Error.Code)

	resp, _, _ = s.request(t, http.MethodGet, "/api/v1/users", "192.0.2.2", nil, bearer(owner.access))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _, _ = s.request(t, http.MethodGet, "/api/v1/audit", "192.0.2.2", nil, bearer(owner.access))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "owner is not on the audit allow-list")

	resp, _, _ = s.request(t, http.MethodGet, "/api/v1/users", "192.0.2.3", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdminRoutes_ManageUsers(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	admin := s.seedUser(t, "admin@example.com", rbac.RoleAdmin)
	target := s.seedUser(t, "ada@example.com", rbac.RoleViewer)
	adminSess := s.login(t, "admin@example.com", "192.0.2.10")
	targetSess := s.login(t, "ada@example.com", "192.0.2.11")

	resp, env, _ := s.request(t, http.MethodGet, "/api/v1/users?limit=1", "192.0.2.10", nil, bearer(adminSess.access))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, env.Meta)
	assert.Equal(t, 2, env.Meta.Total)
	assert.Equal(t, 1, env.Meta.Limit)

	resp, env, _ = s.request(t, http.MethodPut, "/api/v1/users/"+target.ID+"/roles", "192.0.2.10",
		map[string][]string{"roles": {"viewer", "owner"}}, bearer(adminSess.access))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated model.AdminUser
	require.NoError(t, json.Unmarshal(env.Data, &updated))
	assert.Equal(t, []rbac.Role{rbac.RoleOwner, rbac.RoleViewer}, updated.Roles)

	resp, env, _ = s.request(t, http.MethodPut, "/api/v1/users/"+target.ID+"/roles", "192.0.2.10",
		map[string][]string{"roles": {"superuser"}}, bearer(adminSess.access))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, apierror.CodeValidation, env.Error.Code)

	resp, _, _ = s.request(t, http.MethodPut, "/api/v1/users/"+admin.ID+"/roles", "192.0.2.10",
		map[string][]string{"roles": {"viewer"}}, bearer(adminSess.access))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _, _ = s.request(t, http.MethodPost, "/api/v1/users/"+target.ID+"/deactivate", "192.0.2.10", nil, bearer(adminSess.access))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _, _ = s.request(t, http.MethodGet, "/api/v1/auth/me", "192.0.2.11", nil, bearer(targetSess.access))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _, _ = s.request(t, http.MethodPost, "/api/v1/users/"+admin.ID+"/deactivate", "192.0.2.10", nil, bearer(adminSess.access))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, env, _ = s.request(t, http.MethodPost, "/api/v1/users/00000000-0000-0000-0000-000000000000/unlock", "192.0.2.10", nil, bearer(adminSess.access))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, apierror.CodeNotFound, env.Error.Code)
}

func TestAuditRoute(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	s.seedUser(t, "admin@example.com", rbac.RoleAdmin)
	s.seedUser(t, "viewer@example.com", rbac.RoleViewer)
	admin := s.login(t, "admin@example.com", "192.0.2.20")
	viewer := s.login(t, "viewer@example.com", "192.0.2.21")

	resp, _, _ := s.request(t, http.MethodGet, "/api/v1/users", "192.0.2.21", nil, bearer(viewer.access))
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	type auditList struct {
		Items []model.AuditEntry `json:"items"`
	}
	var denied auditList
	require.Eventually(t, func() bool {
		_, env, _ := s.request(t, http.MethodGet, "/api/v1/audit?action=authz.denied", "192.0.2.20", nil, bearer(admin.access))
		denied = auditList{}
		return env.Success && json.Unmarshal(env.Data, &denied) == nil && len(denied.Items) == 1
	}, 2*time.Second, 20*time.Millisecond)

	entry := denied.Items[0]
	assert.Equal(t, "failure", entry.Status)
	assert.Equal(t, "viewer@example.com", entry.Actor.Email)
	assert.Equal(t, "192.0.2.21", entry.Actor.IP)
	assert.Equal(t, "GET /api/v1/users", entry.Resource)

	resp, env, _ := s.request(t, http.MethodGet, "/api/v1/audit?from=yesterday", "192.0.2.20", nil, bearer(admin.access))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, apierror.CodeValidation, env.Error.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)

	resp, _, body := s.request(t, http.MethodGet, "/health", "192.0.2.30", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Equal(t, "no-referrer", resp.Header.Get("Referrer-Policy"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, _, _ = s.request(t, http.MethodPost, "/api/v1/auth/login", "192.0.2.30",
		map[string]string{"email": "nobody@example.com", "password": "Wrong-Horse-1"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	metricsResp, err := http.Get(s.URL + "/metrics")
	require.NoError(t, err)
	t.Cleanup(func() { _ = metricsResp.Body.Close() })
	raw, err := io.ReadAll(metricsResp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `plm_http_request_duration_seconds_count{method="POST",route="/api/v1/auth/login",status="401"} 1`)
}
