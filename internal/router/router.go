package router

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"go-plm/internal/config"
	"go-plm/internal/handler"
	"go-plm/internal/middleware"
	"go-plm/internal/security/rbac"
)

// HealthChecker reports whether a backing dependency is reachable.
type HealthChecker func(ctx context.Context) error

type Deps struct {
	Auth    *middleware.AuthMiddleware
	Metrics interface {
		middleware.RequestRecorder
		Handler() http.Handler
	}
	Health HealthChecker

	AuthHandler  *handler.AuthHandler
	UserHandler  *handler.UserHandler
	AuditHandler *handler.AuditHandler
}

func New(cfg *config.Config, deps Deps) http.Handler {
	r := chi.NewRouter()
	rateLimitMiddleware := middleware.NewRateLimitMiddleware(cfg.RateLimitRPM)
	authn := deps.Auth.RequireAuth
	admin := deps.Auth.RequireRoles(rbac.RoleAdmin)

	r.Use(middleware.Recovery)
	r.Use(middleware.ClientIP(cfg.TrustProxyHeaders))
	r.Use(middleware.Logging)
	r.Use(middleware.Metrics(deps.Metrics))
	r.Use(middleware.CORS(cfg.CORSOrigins))
	r.Use(middleware.SecurityHeaders)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if deps.Health != nil {
			if err := deps.Health(r.Context()); err != nil {
				http.Error(w, "unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(rateLimitMiddleware.Handler)
		api.Use(middleware.Timeout(cfg.RequestTimeout))

		api.Route("/auth", func(auth chi.Router) {
			h := deps.AuthHandler
			auth.Post("/register", h.Register)
			auth.Post("/verify-email", h.VerifyEmail)
			auth.Post("/login", h.Login)
			auth.Post("/refresh", h.Refresh)
			auth.Post("/request-password-reset", h.RequestPasswordReset)
			auth.Post("/reset-password", h.ResetPassword)

			auth.Group(func(private chi.Router) {
				private.Use(authn)
				private.Post("/logout", h.Logout)
				private.Post("/change-password", h.ChangePassword)
				private.Get("/me", h.Me)
				private.Get("/sessions", h.ListSessions)
				private.Post("/sessions/revoke", h.RevokeSession)
				private.Post("/sessions/revoke-all", h.RevokeAllSessions)
			})
		})

		api.Route("/users", func(users chi.Router) {
			users.Use(authn)
			users.With(deps.Auth.RequireRoles(rbac.RoleAdmin, rbac.RoleOwner)).Get("/", deps.UserHandler.List)
			users.With(deps.Auth.RequireRoles(rbac.RoleAdmin, rbac.RoleOwner)).Get("/{id}", deps.UserHandler.Get)
			users.With(admin).Put("/{id}/roles", deps.UserHandler.UpdateRoles)
			users.With(admin).Post("/{id}/deactivate", deps.UserHandler.Deactivate)
			users.With(admin).Post("/{id}/unlock", deps.UserHandler.Unlock)
		})

		api.With(authn, admin).Get("/audit", deps.AuditHandler.List)
	})

	return r
}
