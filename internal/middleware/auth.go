package middleware

import (
	"context"
	"net/http"
	"strings"

	"go-plm/internal/event"
	"go-plm/internal/model"
	"go-plm/internal/security/rbac"
	"go-plm/pkg/apierror"
)

// Authenticator resolves a raw access token to the caller's identity.
type Authenticator interface {
	Authenticate(ctx context.Context, raw string) (model.Identity, error)
}

type AuthMiddleware struct {
	auth       Authenticator
	cookieName string
	bus        event.Bus
}

func NewAuthMiddleware(auth Authenticator, cookieName string, bus event.Bus) *AuthMiddleware {
	if bus == nil {
		bus = event.Nop{}
	}
	return &AuthMiddleware{auth: auth, cookieName: cookieName, bus: bus}
}

// RequireAuth accepts the access token from the session cookie or an
// Authorization bearer header. The cookie wins when both are present.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := m.accessToken(r)
		if raw == "" {
			WriteError(w, r, apierror.Unauthenticated("authentication required"))
			return
		}

		identity, err := m.auth.Authenticate(r.Context(), raw)
		if err != nil {
			WriteError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), identityContextKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRoles admits callers holding at least one of the listed roles.
// Denials are published so they land in the audit trail.
func (m *AuthMiddleware) RequireRoles(required ...rbac.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := IdentityFromContext(r.Context())
			if !ok {
				WriteError(w, r, apierror.Unauthenticated("authentication required"))
				return
			}

			decision := rbac.Authorize(identity.Roles, required)
			switch decision.Outcome {
			case rbac.Allow:
				next.ServeHTTP(w, r)
				return
			case rbac.DenyUnauthenticated:
				WriteError(w, r, apierror.Unauthenticated("authentication required"))
			default:
				WriteError(w, r, apierror.Forbidden("you do not have permission to perform this action"))
			}

			m.bus.Publish(event.Event{
				Type:      event.TypeAuthorizationDenied,
				Status:    event.StatusFailure,
				UserID:    identity.UserID,
				Email:     identity.Email,
				IP:        ClientIPFromRequest(r),
				SessionID: identity.SessionID,
				Resource:  r.Method + " " + r.URL.Path,
				Details:   map[string]any{"outcome": decision.Outcome.String(), "reason": decision.Reason},
			})
		})
	}
}

func (m *AuthMiddleware) accessToken(r *http.Request) string {
	if m.cookieName != "" {
		if c, err := r.Cookie(m.cookieName); err == nil && strings.TrimSpace(c.Value) != "" {
			return strings.TrimSpace(c.Value)
		}
	}

	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

func IdentityFromContext(ctx context.Context) (model.Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(model.Identity)
	return identity, ok
}

// WithIdentity attaches identity to ctx. Handlers under test use it in place
// of RequireAuth.
func WithIdentity(ctx context.Context, identity model.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}
