package handler

import (
	"net/http"
	"strings"
	"time"

	"go-plm/internal/middleware"
	"go-plm/internal/model"
	"go-plm/internal/service"
	"go-plm/pkg/apierror"
)

const refreshCookiePath = "/api/v1/auth"

// CookieConfig names the session cookies and their attributes.
type CookieConfig struct {
	AccessName  string
	RefreshName string
	Domain      string
	Secure      bool
}

type AuthHandler struct {
	auth     *service.AuthService
	sessions *service.SessionService
	cookies  CookieConfig
}

func NewAuthHandler(auth *service.AuthService, sessions *service.SessionService, cookies CookieConfig) *AuthHandler {
	return &AuthHandler{auth: auth, sessions: sessions, cookies: cookies}
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var payload model.RegisterRequest
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, r, err)
		return
	}

	user, err := h.auth.Register(r.Context(), payload, clientInfo(r))
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeSuccess(w, http.StatusCreated, user, nil)
}

func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var payload model.VerifyEmailRequest
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, r, err)
		return
	}

	user, err := h.auth.VerifyEmail(r.Context(), payload.Token)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeSuccess(w, http.StatusOK, user, nil)
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var payload model.LoginRequest
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, r, err)
		return
	}

	tokens, err := h.auth.Login(r.Context(), payload, clientInfo(r))
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.setSessionCookies(w, tokens)
	writeSuccess(w, http.StatusOK, tokens, nil)
}

// Refresh takes the refresh token from its cookie, or from the body for
// clients that do not keep cookies. Only body clients get the rotated
// refresh token back in the payload.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	raw := ""
	fromBody := false
	if c, err := r.Cookie(h.cookies.RefreshName); err == nil {
		raw = strings.TrimSpace(c.Value)
	}
	if raw == "" && r.ContentLength != 0 {
		var payload model.RefreshRequest
		if err := decodeJSON(w, r, &payload); err != nil {
			writeError(w, r, err)
			return
		}
		raw = strings.TrimSpace(payload.RefreshToken)
		fromBody = true
	}
	if raw == "" {
		writeError(w, r, apierror.Validation("refresh_token is required", "refresh_token"))
		return
	}

	tokens, err := h.auth.Refresh(r.Context(), raw)
	if err != nil {
		h.clearSessionCookies(w)
		writeError(w, r, err)
		return
	}

	h.setSessionCookies(w, tokens)
	if !fromBody {
		tokens.RefreshToken = ""
	}
	writeSuccess(w, http.StatusOK, tokens, nil)
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	identity, err := identityFromRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.auth.Logout(r.Context(), identity); err != nil {
		writeError(w, r, err)
		return
	}

	h.clearSessionCookies(w)
	writeSuccess(w, http.StatusOK, model.MessageResponse{Message: "logged out"}, nil)
}

// RequestPasswordReset answers the same way whether or not the address
// belongs to an account.
func (h *AuthHandler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var payload model.PasswordResetRequest
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.auth.RequestPasswordReset(r.Context(), payload.Email, clientInfo(r)); err != nil {
		writeError(w, r, err)
		return
	}

	message := middleware.LocalizeMessage(w, r, service.ResetRequestedMessage)
	writeSuccess(w, http.StatusAccepted, model.MessageResponse{Message: message}, nil)
}

func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var payload model.ResetPasswordRequest
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.auth.ResetPassword(r.Context(), payload.Token, payload.NewPassword, clientInfo(r)); err != nil {
		writeError(w, r, err)
		return
	}

	h.clearSessionCookies(w)
	writeSuccess(w, http.StatusOK, model.MessageResponse{Message: "password has been reset"}, nil)
}

func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	identity, err := identityFromRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var payload model.ChangePasswordRequest
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.auth.ChangePassword(r.Context(), identity, payload.CurrentPassword, payload.NewPassword, clientInfo(r)); err != nil {
		writeError(w, r, err)
		return
	}

	writeSuccess(w, http.StatusOK, model.MessageResponse{Message: "password changed"}, nil)
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	identity, err := identityFromRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	user, err := h.auth.CurrentUser(r.Context(), identity)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeSuccess(w, http.StatusOK, user, nil)
}

func (h *AuthHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	identity, err := identityFromRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	views, err := h.sessions.List(r.Context(), identity.UserID, identity.SessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeSuccess(w, http.StatusOK, views, nil)
}

func (h *AuthHandler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	identity, err := identityFromRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var payload model.RevokeSessionRequest
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.sessions.RevokeForUser(r.Context(), identity.UserID, payload.SessionID); err != nil {
		writeError(w, r, err)
		return
	}

	if payload.SessionID == identity.SessionID {
		h.clearSessionCookies(w)
	}
	writeSuccess(w, http.StatusOK, model.MessageResponse{Message: "session revoked"}, nil)
}

// RevokeAllSessions ends every session of the caller except the current one.
func (h *AuthHandler) RevokeAllSessions(w http.ResponseWriter, r *http.Request) {
	identity, err := identityFromRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	n, err := h.sessions.RevokeAll(r.Context(), identity.UserID, identity.SessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeSuccess(w, http.StatusOK, model.RevokeAllResponse{Revoked: n}, nil)
}

func (h *AuthHandler) setSessionCookies(w http.ResponseWriter, tokens model.TokenPair) {
	http.SetCookie(w, h.cookie(h.cookies.AccessName, tokens.AccessToken, "/", tokens.AccessExpiresAt))
	http.SetCookie(w, h.cookie(h.cookies.RefreshName, tokens.RefreshToken, refreshCookiePath, tokens.RefreshExpiresAt))
}

func (h *AuthHandler) clearSessionCookies(w http.ResponseWriter) {
	for _, c := range []*http.Cookie{
		h.cookie(h.cookies.AccessName, "", "/", time.Time{}),
		h.cookie(h.cookies.RefreshName, "", refreshCookiePath, time.Time{}),
	} {
		c.MaxAge = -1
		http.SetCookie(w, c)
	}
}

func (h *AuthHandler) cookie(name string, value string, path string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Domain:   h.cookies.Domain,
		Expires:  expires,
		HttpOnly: true,
		Secure:   h.cookies.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}
