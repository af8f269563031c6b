//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"go-plm/internal/app"
	"go-plm/internal/config"
	"go-plm/internal/database"
	"go-plm/internal/model"
	"go-plm/internal/repository"
	"go-plm/internal/security/password"
	"go-plm/internal/security/rbac"
)

const (
	goodPassword = "Correct-Horse-9"
	testOrigin   = "https://app.plm.test"
)

type stack struct {
	*httptest.Server
	db     *database.DB
	users  *repository.UserRepository
	audit  *repository.AuditRepository
	engine *password.Engine
}

// newStack boots the full application against the database named by
// TEST_DATABASE_URL and serves it over a loopback listener.
func newStack(t *testing.T) *stack {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	db, err := database.New(ctx, database.PoolConfig{URL: url, MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(db.Close)
	require.NoError(t, db.EnsureSchema(ctx))
	_, err = db.Pool.Exec(ctx, `TRUNCATE sessions, users, audit_entries RESTART IDENTITY CASCADE`)
	require.NoError(t, err)

	cfg := &config.Config{
		ServerPort:             "0",
		RequestTimeout:         10 * time.Second,
		ShutdownTimeout:        5 * time.Second,
		DatabaseURL:            url,
		DBMaxConns:             8,
		JWTIssuer:              "plm-integration",
		JWTAccessSecret:        strings.Repeat("a", 32),
		JWTRefreshSecret:       strings.Repeat("r", 32),
		JWTVerificationSecret:  strings.Repeat("v", 32),
		JWTResetSecret:         strings.Repeat("p", 32),
		AccessTTL:              15 * time.Minute,
		RefreshTTL:             24 * time.Hour,
		VerificationTTL:        time.Hour,
		ResetTTL:               time.Hour,
		BcryptCost:             4,
		MaxSessionsPerUser:     5,
		LockoutThreshold:       5,
		LockoutDuration:        15 * time.Minute,
		LoginRateLimitMax:      50,
		LoginRateLimitWindow:   time.Minute,
		ResetRateLimitMax:      3,
		ResetRateLimitWindow:   time.Hour,
		RateLimitBackend:       config.RateLimitBackendMemory,
		RateLimitRPM:           1000,
		CORSOrigins:            []string{testOrigin},
		TrustProxyHeaders:      true,
		AccessCookieName:       "plm_access",
		RefreshCookieName:      "plm_refresh",
		LogFormat:              "json",
		SessionCleanupInterval: time.Hour,
		AppBaseURL:             "https://plm.test",
	}
	require.NoError(t, cfg.Validate())

	application, err := app.New(ctx, cfg)
	require.NoError(t, err)
	srv := httptest.NewServer(application.Handler())
	t.Cleanup(func() {
		srv.Close()
		require.NoError(t, application.Close(context.Background()))
	})

	engine, err := password.NewEngine(password.Config{Cost: 4})
	require.NoError(t, err)

	return &stack{
		Server: srv,
		db:     db,
		users:  repository.NewUserRepository(db.Pool),
		audit:  repository.NewAuditRepository(db.Pool),
		engine: engine,
	}
}

func (s *stack) seedUser(t *testing.T, email string, roles ...rbac.Role) model.User {
	t.Helper()

	hash, err := s.engine.Hash(context.Background(), goodPassword)
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Microsecond)
	u := model.User{
		ID:                    uuid.NewString(),
		Email:                 email,
		DisplayName:           strings.Split(email, "@")[0],
		PasswordHash:          hash,
		PasswordPolicyVersion: password.PolicyVersion,
		PasswordChangedAt:     now,
		Roles:                 roles,
		Status:                model.StatusActive,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	require.NoError(t, s.users.Create(context.Background(), u))
	return u
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *model.APIError `json:"error"`
	Meta    *model.Meta     `json:"meta"`
}

func (s *stack) do(t *testing.T, method string, path string, ip string, body any, headers map[string]string) (*http.Response, envelope) {
	t.Helper()

	var reader io.Reader = http.NoBody
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if ip != "" {
		req.Header.Set("X-Forwarded-For", ip)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var env envelope
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &env))
	}
	return resp, env
}

type tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func (s *stack) login(t *testing.T, email string, ip string) tokens {
	t.Helper()

	resp, env := s.do(t, http.MethodPost, "/api/v1/auth/login", ip, map[string]string{"email": email, "password": goodPassword}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "login failed: %+v", env.Error)

	var pair tokens
	require.NoError(t, json.Unmarshal(env.Data, &pair))
	return pair
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}
