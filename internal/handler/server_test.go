package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"go-plm/internal/config"
	"go-plm/internal/event"
	"go-plm/internal/handler"
	"go-plm/internal/mailer"
	"go-plm/internal/metrics"
	"go-plm/internal/middleware"
	"go-plm/internal/model"
	"go-plm/internal/repository/memstore"
	"go-plm/internal/router"
	"go-plm/internal/security/lockout"
	"go-plm/internal/security/password"
	"go-plm/internal/security/ratelimit"
	"go-plm/internal/security/rbac"
	"go-plm/internal/security/token"
	"go-plm/internal/service"
)

const (
	goodPassword  = "Correct-Horse-9"
	accessCookie  = "plm_access"
	refreshCookie = "plm_refresh"
)

type testServer struct {
	*httptest.Server
	auth     *service.AuthService
	users    *memstore.UserStore
	audit    *memstore.AuditStore
	engine   *password.Engine
	mail     *mailer.MockMailer
	loginMax int
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	bus := event.NewBus()
	tokens, err := token.New(token.Config{
		Issuer:       "plm-test",
		Access:       token.KeyConfig{Secret: strings.Repeat("a", 32), TTL: token.DefaultAccessTTL},
		Refresh:      token.KeyConfig{Secret: strings.Repeat("r", 32), TTL: token.DefaultRefreshTTL},
		Verification: token.KeyConfig{Secret: strings.Repeat("v", 32), TTL: token.DefaultVerificationTTL},
		Reset:        token.KeyConfig{Secret: strings.Repeat("p", 32), TTL: token.DefaultResetTTL},
	})
	require.NoError(t, err)

	engine, err := password.NewEngine(password.Config{Cost: 4})
	require.NoError(t, err)

	loginPolicy := ratelimit.Policy{Name: "login", Max: 3, Window: time.Minute}
	loginLimiter, err := ratelimit.NewSlidingWindow(loginPolicy)
	require.NoError(t, err)
	resetLimiter, err := ratelimit.NewSlidingWindow(ratelimit.PasswordResetPolicy)
	require.NoError(t, err)

	users := memstore.NewUserStore()
	auditStore := memstore.NewAuditStore()
	sessions := service.NewSessionService(memstore.NewSessionStore(), bus, service.SessionConfig{RefreshTTL: token.DefaultRefreshTTL})

	mail := new(mailer.MockMailer)
	mail.On("Send", mock.Anything, mock.Anything).Return(nil)

	auth := service.NewAuthService(service.AuthDeps{
		Users:        users,
		Sessions:     sessions,
		Passwords:    engine,
		Tokens:       tokens,
		LoginLimiter: loginLimiter,
		ResetLimiter: resetLimiter,
		Lockout:      lockout.DefaultPolicy(),
		Mailer:       mail,
		Composer:     mailer.NewComposer("https://plm.test"),
		Bus:          bus,
	})
	audit := service.NewAuditService(auditStore)
	meter := metrics.New(bus.Dropped)

	auditEvents, unsubscribe := bus.Subscribe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		audit.Run(ctx, auditEvents)
	}()

	cfg := &config.Config{
		RequestTimeout:    5 * time.Second,
		RateLimitRPM:      1000,
		CORSOrigins:       []string{"https://app.plm.test"},
		TrustProxyHeaders: true,
		AccessCookieName:  accessCookie,
		RefreshCookieName: refreshCookie,
	}

	srv := httptest.NewServer(router.New(cfg, router.Deps{
		Auth:    middleware.NewAuthMiddleware(auth, accessCookie, bus),
		Metrics: meter,
		AuthHandler: handler.NewAuthHandler(auth, sessions, handler.CookieConfig{
			AccessName:  accessCookie,
			RefreshName: refreshCookie,
		}),
		UserHandler:  handler.NewUserHandler(service.NewUserService(users, sessions, bus)),
		AuditHandler: handler.NewAuditHandler(audit),
	}))

	t.Cleanup(func() {
		srv.Close()
		_ = auth.WaitForMail(context.Background())
		unsubscribe()
		<-done
		cancel()
	})

	return &testServer{
		Server:   srv,
		auth:     auth,
		users:    users,
		audit:    auditStore,
		engine:   engine,
		mail:     mail,
		loginMax: loginPolicy.Max,
	}
}

func (s *testServer) seedUser(t *testing.T, email string, roles ...rbac.Role) model.User {
	t.Helper()

	hash, err := s.engine.Hash(context.Background(), goodPassword)
	require.NoError(t, err)

	now := time.Now().UTC()
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

type session struct {
	access  string
	refresh string
	cookies []*http.Cookie
}

// request sends a JSON request from ip. A nil body sends no payload.
func (s *testServer) request(t *testing.T, method string, path string, ip string, body any, mutate ...func(*http.Request)) (*http.Response, envelope, []byte) {
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
	req.Header.Set("X-Forwarded-For", ip)
	for _, fn := range mutate {
		fn(req)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var env envelope
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &env))
	}
	return resp, env, raw
}

func (s *testServer) login(t *testing.T, email string, ip string) session {
	t.Helper()

	resp, env, _ := s.request(t, http.MethodPost, "/api/v1/auth/login", ip, map[string]string{"email": email, "password": goodPassword})
	require.Equal(t, http.StatusOK, resp.StatusCode, "login failed: %+v", env.Error)

	var pair struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &pair))
	return session{access: pair.AccessToken, refresh: pair.RefreshToken, cookies: resp.Cookies()}
}

func bearer(token string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func withCookie(name string, value string) func(*http.Request) {
	return func(r *http.Request) { r.AddCookie(&http.Cookie{Name: name, Value: value}) }
}

func cookieNamed(cookies []*http.Cookie, name string) *http.Cookie {
	for _, c := range cookies {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func tokenOf(msg mailer.Message) string {
	return mailer.TokenFromLink(msg.Link)
}
