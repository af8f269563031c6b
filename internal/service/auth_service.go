package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"go-plm/internal/event"
	"go-plm/internal/mailer"
	"go-plm/internal/model"
	"go-plm/internal/repository"
	"go-plm/internal/security/lockout"
	"go-plm/internal/security/password"
	"go-plm/internal/security/ratelimit"
	"go-plm/internal/security/rbac"
	"go-plm/internal/security/token"
	"go-plm/internal/util"
	"go-plm/pkg/apierror"
)

const (
	maxDeviceLength = 512
	mailTimeout     = 30 * time.Second
)

// ResetRequestedMessage is returned for every accepted reset request,
// whether or not the address belongs to an account.
const ResetRequestedMessage = "if an account exists for that address, a reset link has been sent"

type AuthDeps struct {
	Users        repository.UserStore
	Sessions     *SessionService
	Passwords    *password.Engine
	Tokens       *token.Service
	LoginLimiter ratelimit.Limiter
	ResetLimiter ratelimit.Limiter
	Lockout      lockout.Policy
	Mailer       mailer.Mailer
	Composer     *mailer.Composer
	Bus          event.Bus
}

type AuthService struct {
	users        repository.UserStore
	sessions     *SessionService
	passwords    *password.Engine
	tokens       *token.Service
	loginLimiter ratelimit.Limiter
	resetLimiter ratelimit.Limiter
	lockout      lockout.Policy
	mailer       mailer.Mailer
	composer     *mailer.Composer
	bus          event.Bus
	now          func() time.Time

	// mail tracks in-flight background deliveries.
	mail sync.WaitGroup
}

func NewAuthService(deps AuthDeps) *AuthService {
	if deps.Bus == nil {
		deps.Bus = event.Nop{}
	}
	if deps.Composer == nil {
		deps.Composer = mailer.NewComposer("")
	}
	return &AuthService{
		users:        deps.Users,
		sessions:     deps.Sessions,
		passwords:    deps.Passwords,
		tokens:       deps.Tokens,
		loginLimiter: deps.LoginLimiter,
		resetLimiter: deps.ResetLimiter,
		lockout:      deps.Lockout,
		mailer:       deps.Mailer,
		composer:     deps.Composer,
		bus:          deps.Bus,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func loginLimitKey(ip string) string    { return "login:" + ip }
func resetLimitKey(email string) string { return "reset:" + email }

func (s *AuthService) Register(ctx context.Context, req model.RegisterRequest, client model.ClientInfo) (model.PublicUser, error) {
	email := normalizeEmail(req.Email)
	if email == "" {
		return model.PublicUser{}, apierror.Validation("email is required", "email")
	}
	displayName, err := util.SanitizeDisplayName(req.DisplayName)
	if err != nil {
		return model.PublicUser{}, err
	}

	if strength := password.ValidateStrength(req.Password); !strength.Valid {
		return model.PublicUser{}, apierror.WeakPassword(strength.Errors)
	}

	hash, err := s.passwords.Hash(ctx, req.Password)
	if err != nil {
		return model.PublicUser{}, fmt.Errorf("hash password: %w", err)
	}

	now := s.now()
	user := model.User{
		ID:                    uuid.NewString(),
		Email:                 email,
		DisplayName:           displayName,
		PasswordHash:          hash,
		PasswordPolicyVersion: password.PolicyVersion,
		PasswordChangedAt:     now,
		Roles:                 []rbac.Role{rbac.RoleViewer},
		Status:                model.StatusPending,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, model.ErrUserAlreadyExists) {
			return model.PublicUser{}, apierror.Conflict("an account with this email already exists", "")
		}
		return model.PublicUser{}, err
	}

	s.bus.Publish(event.Event{Type: event.TypeUserRegistered, UserID: user.ID, Email: email, IP: client.IP})
	s.sendVerification(ctx, user)

	return user.Public(now), nil
}

func (s *AuthService) sendVerification(ctx context.Context, user model.User) {
	raw, _, err := s.tokens.SignVerification(user.ID, user.Email)
	if err != nil {
		slog.ErrorContext(ctx, "sign verification token", "user_id", user.ID, "error", err)
		return
	}
	s.deliver(ctx, s.composer.Verification(user.Email, user.DisplayName, raw))
}

// deliver sends msg in the background so callers never wait on the mail
// transport.
func (s *AuthService) deliver(ctx context.Context, msg mailer.Message) {
	if s.mailer == nil {
		return
	}
	mailCtx := context.WithoutCancel(ctx)
	s.mail.Go(func() {
		ctx, cancel := context.WithTimeout(mailCtx, mailTimeout)
		defer cancel()
		if err := s.mailer.Send(ctx, msg); err != nil {
			slog.ErrorContext(ctx, "send mail", "subject", msg.Subject, "error", err)
		}
	})
}

// WaitForMail blocks until background deliveries finish or ctx ends.
func (s *AuthService) WaitForMail(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.mail.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *AuthService) VerifyEmail(ctx context.Context, raw string) (model.PublicUser, error) {
	claims, err := s.tokens.VerifyVerification(raw)
	if err != nil {
		return model.PublicUser{}, tokenError(err)
	}

	user, err := s.users.FindByID(ctx, claims.Subject)
	if errors.Is(err, model.ErrUserNotFound) {
		return model.PublicUser{}, apierror.TokenInvalid()
	}
	if err != nil {
		return model.PublicUser{}, err
	}
	if !strings.EqualFold(user.Email, claims.Email) || user.Status == model.StatusDeactivated {
		return model.PublicUser{}, apierror.TokenInvalid()
	}

	now := s.now()
	if err := s.users.MarkEmailVerified(ctx, user.ID, now); err != nil {
		return model.PublicUser{}, err
	}
	if user.Status == model.StatusPending {
		user.Status = model.StatusActive
	}

	s.bus.Publish(event.Event{Type: event.TypeEmailVerified, UserID: user.ID, Email: user.Email})
	return user.Public(now), nil
}

// Login authenticates by email and password. Unknown accounts, deactivated
// accounts and wrong passwords all fail with the same error after the same
// amount of hashing work.
func (s *AuthService) Login(ctx context.Context, req model.LoginRequest, client model.ClientInfo) (model.TokenPair, error) {
	email := normalizeEmail(req.Email)
	limitKey := loginLimitKey(client.IP)

	limit, err := s.loginLimiter.CheckLimit(ctx, limitKey)
	if err != nil {
		slog.ErrorContext(ctx, "login rate limiter unavailable", "error", err)
		return model.TokenPair{}, apierror.Unavailable("login is temporarily unavailable")
	}
	if !limit.Allowed {
		s.bus.Publish(event.Event{
			Type:    event.TypeRateLimited,
			Status:  event.StatusFailure,
			Email:   email,
			IP:      client.IP,
			Details: map[string]any{"policy": s.loginLimiter.Policy().Name},
		})
		return model.TokenPair{}, apierror.TooManyRequests(limit.Limit, limit.Remaining, limit.ResetAt)
	}

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil && !errors.Is(err, model.ErrUserNotFound) {
		return model.TokenPair{}, err
	}
	if err != nil || user.Status == model.StatusDeactivated {
		s.passwords.DummyVerify(ctx, req.Password)
		s.publishLoginFailure(user.ID, email, client.IP, "unknown_or_disabled")
		return model.TokenPair{}, apierror.InvalidCredentials()
	}

	now := s.now()
	if lockout.IsLocked(user.LockedUntil, now) {
		s.passwords.DummyVerify(ctx, req.Password)
		s.bus.Publish(event.Event{
			Type:    event.TypeLoginBlocked,
			Status:  event.StatusFailure,
			UserID:  user.ID,
			Email:   email,
			IP:      client.IP,
			Details: map[string]any{"locked_until": user.LockedUntil},
		})
		return model.TokenPair{}, apierror.AccountLocked()
	}

	if !s.passwords.Verify(ctx, req.Password, user.PasswordHash) {
		if err := ctx.Err(); err != nil {
			return model.TokenPair{}, err
		}

		failure := event.Event{
			Type:    event.TypeLoginFailed,
			Status:  event.StatusFailure,
			UserID:  user.ID,
			Email:   email,
			IP:      client.IP,
			Details: map[string]any{"reason": "bad_password"},
		}
		if err := s.recordBadPassword(ctx, user, failure, now); err != nil {
			return model.TokenPair{}, err
		}
		return model.TokenPair{}, apierror.InvalidCredentials()
	}

	s.rehashIfNeeded(ctx, user, req.Password)

	pair, err := s.issueSession(ctx, user, client)
	if err != nil {
		return model.TokenPair{}, err
	}

	if err := s.loginLimiter.Reset(ctx, limitKey); err != nil {
		slog.WarnContext(ctx, "reset login limiter", "error", err)
	}
	if user.FailedLoginAttempts > 0 || user.LockedUntil != nil {
		if err := s.users.ResetLoginFailures(ctx, user.ID); err != nil {
			slog.WarnContext(ctx, "reset failed login counter", "user_id", user.ID, "error", err)
		}
	}

	s.bus.Publish(event.Event{
		Type:      event.TypeLoginSucceeded,
		UserID:    user.ID,
		Email:     email,
		IP:        client.IP,
		SessionID: pair.SessionID,
	})
	return pair, nil
}

func (s *AuthService) publishLoginFailure(userID string, email string, ip string, reason string) {
	s.bus.Publish(event.Event{
		Type:    event.TypeLoginFailed,
		Status:  event.StatusFailure,
		UserID:  userID,
		Email:   email,
		IP:      ip,
		Details: map[string]any{"reason": reason},
	})
}

// recordBadPassword counts a wrong password against the lockout policy, then
// publishes failure and, on the attempt that trips the lock, the lock event.
func (s *AuthService) recordBadPassword(ctx context.Context, user model.User, failure event.Event, now time.Time) error {
	decision, err := s.users.RecordLoginFailure(ctx, user.ID, s.lockout, now)
	if err != nil {
		return fmt.Errorf("record login failure: %w", err)
	}
	s.bus.Publish(failure)
	if decision.JustLocked {
		s.bus.Publish(event.Event{
			Type:    event.TypeAccountLocked,
			Status:  event.StatusFailure,
			UserID:  user.ID,
			Email:   user.Email,
			IP:      failure.IP,
			Details: map[string]any{"failed_attempts": decision.FailedAttempts, "locked_until": decision.LockedUntil},
		})
	}
	return nil
}

// rehashIfNeeded upgrades a credential hashed at an outdated cost. The change
// timestamp is kept, and with it the reset token fingerprint, so outstanding
// reset links stay valid. A concurrent password change wins over the rehash.
func (s *AuthService) rehashIfNeeded(ctx context.Context, user model.User, plaintext string) {
	if !s.passwords.NeedsRehash(user.PasswordHash) && user.PasswordPolicyVersion == password.PolicyVersion {
		return
	}

	hash, err := s.passwords.Hash(ctx, plaintext)
	if err != nil {
		slog.WarnContext(ctx, "rehash password", "user_id", user.ID, "error", err)
		return
	}
	err = s.users.UpdatePassword(ctx, user.ID, user.PasswordHash, hash, password.PolicyVersion, user.PasswordChangedAt)
	if errors.Is(err, model.ErrCredentialChanged) {
		slog.DebugContext(ctx, "password changed before rehash was stored", "user_id", user.ID)
		return
	}
	if err != nil {
		slog.WarnContext(ctx, "store rehashed password", "user_id", user.ID, "error", err)
		return
	}
	s.bus.Publish(event.Event{
		Type:    event.TypePasswordRehashed,
		UserID:  user.ID,
		Details: map[string]any{"cost": s.passwords.Cost()},
	})
}

func (s *AuthService) issueSession(ctx context.Context, user model.User, client model.ClientInfo) (model.TokenPair, error) {
	sid := uuid.NewString()

	refresh, refreshExp, err := s.tokens.SignRefresh(user.ID, sid)
	if err != nil {
		return model.TokenPair{}, fmt.Errorf("sign refresh token: %w", err)
	}

	if _, err := s.sessions.Create(ctx, model.NewSession{
		ID:               sid,
		UserID:           user.ID,
		RefreshTokenHash: token.HashToken(refresh),
		Device:           truncate(client.UserAgent, maxDeviceLength),
		IP:               client.IP,
		ExpiresAt:        refreshExp,
	}); err != nil {
		return model.TokenPair{}, fmt.Errorf("create session: %w", err)
	}

	return s.tokenPair(user, sid, refresh, refreshExp)
}

func (s *AuthService) tokenPair(user model.User, sid string, refresh string, refreshExp time.Time) (model.TokenPair, error) {
	access, accessExp, err := s.tokens.SignAccess(user.ID, user.Email, sid)
	if err != nil {
		return model.TokenPair{}, fmt.Errorf("sign access token: %w", err)
	}

	return model.TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		TokenType:        "Bearer",
		ExpiresIn:        int64(s.tokens.TTL(token.KindAccess).Seconds()),
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
		SessionID:        sid,
		User:             user.Public(s.now()),
	}, nil
}

// Refresh exchanges a refresh token for a new pair. The presented token is
// retired; presenting it again revokes the whole session.
func (s *AuthService) Refresh(ctx context.Context, raw string) (model.TokenPair, error) {
	claims, err := s.tokens.VerifyRefresh(raw)
	if err != nil {
		return model.TokenPair{}, tokenError(err)
	}

	oldHash := token.HashToken(raw)
	sess, err := s.sessions.Validate(ctx, claims.SessionID, oldHash)
	if err != nil {
		return model.TokenPair{}, sessionError(err)
	}
	if sess.UserID != claims.Subject {
		return model.TokenPair{}, apierror.TokenInvalid()
	}

	user, err := s.users.FindByID(ctx, claims.Subject)
	if errors.Is(err, model.ErrUserNotFound) {
		return model.TokenPair{}, apierror.TokenInvalid()
	}
	if err != nil {
		return model.TokenPair{}, err
	}
	if user.Status == model.StatusDeactivated {
		if err := s.sessions.Revoke(ctx, sess.ID); err != nil {
			slog.WarnContext(ctx, "revoke session of deactivated user", "session_id", sess.ID, "error", err)
		}
		return model.TokenPair{}, apierror.TokenInvalid()
	}

	refresh, refreshExp, err := s.tokens.SignRefresh(user.ID, sess.ID)
	if err != nil {
		return model.TokenPair{}, fmt.Errorf("sign refresh token: %w", err)
	}
	if _, err := s.sessions.Rotate(ctx, sess.ID, oldHash, token.HashToken(refresh), refreshExp); err != nil {
		return model.TokenPair{}, sessionError(err)
	}

	s.bus.Publish(event.Event{Type: event.TypeTokenRefreshed, UserID: user.ID, SessionID: sess.ID})
	return s.tokenPair(user, sess.ID, refresh, refreshExp)
}

// Logout revokes the caller's current session.
func (s *AuthService) Logout(ctx context.Context, identity model.Identity) error {
	if identity.SessionID != "" {
		err := s.sessions.Revoke(ctx, identity.SessionID)
		if err != nil && !errors.Is(err, model.ErrSessionNotFound) {
			return err
		}
	}
	s.bus.Publish(event.Event{Type: event.TypeLogout, UserID: identity.UserID, SessionID: identity.SessionID})
	return nil
}

// RequestPasswordReset always answers the same way for any well-formed
// address. Token signing and delivery happen in the background.
func (s *AuthService) RequestPasswordReset(ctx context.Context, rawEmail string, client model.ClientInfo) error {
	email := normalizeEmail(rawEmail)

	limit, err := s.resetLimiter.CheckLimit(ctx, resetLimitKey(email))
	if err != nil {
		slog.ErrorContext(ctx, "reset rate limiter unavailable", "error", err)
		return apierror.Unavailable("password reset is temporarily unavailable")
	}
	if !limit.Allowed {
		s.bus.Publish(event.Event{
			Type:    event.TypeRateLimited,
			Status:  event.StatusFailure,
			Email:   email,
			IP:      client.IP,
			Details: map[string]any{"policy": s.resetLimiter.Policy().Name},
		})
		return apierror.TooManyRequests(limit.Limit, limit.Remaining, limit.ResetAt)
	}

	s.bus.Publish(event.Event{Type: event.TypeResetRequested, Email: email, IP: client.IP})

	bg := context.WithoutCancel(ctx)
	s.mail.Go(func() {
		ctx, cancel := context.WithTimeout(bg, mailTimeout)
		defer cancel()
		s.sendReset(ctx, email)
	})
	return nil
}

func (s *AuthService) sendReset(ctx context.Context, email string) {
	user, err := s.users.FindByEmail(ctx, email)
	if errors.Is(err, model.ErrUserNotFound) {
		return
	}
	if err != nil {
		slog.ErrorContext(ctx, "look up reset account", "error", err)
		return
	}
	if user.Status == model.StatusDeactivated {
		return
	}

	raw, _, err := s.tokens.SignReset(user.ID, token.Fingerprint(user.ID, user.PasswordChangedAt))
	if err != nil {
		slog.ErrorContext(ctx, "sign reset token", "user_id", user.ID, "error", err)
		return
	}
	if s.mailer == nil {
		return
	}
	if err := s.mailer.Send(ctx, s.composer.PasswordReset(user.Email, user.DisplayName, raw)); err != nil {
		slog.ErrorContext(ctx, "send reset mail", "user_id", user.ID, "error", err)
	}
}

// ResetPassword sets a new password from a reset token. The token is bound to
// the credential generation it replaces, so it works once even when two
// requests race. Lockout is cleared and every session is revoked.
func (s *AuthService) ResetPassword(ctx context.Context, raw string, newPassword string, client model.ClientInfo) error {
	claims, err := s.tokens.VerifyReset(raw)
	if err != nil {
		return tokenError(err)
	}

	user, err := s.resetTarget(ctx, claims)
	if err != nil {
		return err
	}

	if strength := password.ValidateStrength(newPassword); !strength.Valid {
		return apierror.WeakPassword(strength.Errors)
	}

	hash, err := s.passwords.Hash(ctx, newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	// A rehash may replace the stored hash without changing the generation;
	// one re-read tells that apart from a competing reset.
	for attempt := 0; ; attempt++ {
		err = s.replacePassword(ctx, user, hash)
		if !errors.Is(err, model.ErrCredentialChanged) {
			break
		}
		if attempt > 0 {
			return apierror.TokenInvalid()
		}
		if user, err = s.resetTarget(ctx, claims); err != nil {
			return err
		}
	}
	if err != nil {
		return err
	}
	if _, err := s.sessions.RevokeAll(ctx, user.ID, ""); err != nil {
		return fmt.Errorf("revoke sessions after reset: %w", err)
	}

	s.bus.Publish(event.Event{Type: event.TypePasswordReset, UserID: user.ID, Email: user.Email, IP: client.IP})
	return nil
}

func (s *AuthService) resetTarget(ctx context.Context, claims *token.ResetClaims) (model.User, error) {
	user, err := s.users.FindByID(ctx, claims.Subject)
	if errors.Is(err, model.ErrUserNotFound) {
		return model.User{}, apierror.TokenInvalid()
	}
	if err != nil {
		return model.User{}, err
	}
	if user.Status == model.StatusDeactivated || token.Fingerprint(user.ID, user.PasswordChangedAt) != claims.Fingerprint {
		return model.User{}, apierror.TokenInvalid()
	}
	return user, nil
}

// ChangePassword replaces the caller's password and signs out every other
// session. Wrong current passwords count toward lockout like failed logins,
// so a stolen access token cannot be used to guess the password.
func (s *AuthService) ChangePassword(ctx context.Context, identity model.Identity, current string, next string, client model.ClientInfo) error {
	user, err := s.users.FindByID(ctx, identity.UserID)
	if errors.Is(err, model.ErrUserNotFound) {
		return apierror.Unauthenticated("authentication required")
	}
	if err != nil {
		return err
	}

	now := s.now()
	if lockout.IsLocked(user.LockedUntil, now) {
		s.passwords.DummyVerify(ctx, current)
		s.bus.Publish(event.Event{
			Type:    event.TypePasswordChanged,
			Status:  event.StatusFailure,
			UserID:  user.ID,
			Email:   user.Email,
			IP:      client.IP,
			Details: map[string]any{"reason": "account_locked", "locked_until": user.LockedUntil},
		})
		return apierror.AccountLocked()
	}

	if !s.passwords.Verify(ctx, current, user.PasswordHash) {
		if err := ctx.Err(); err != nil {
			return err
		}
		failure := event.Event{
			Type:    event.TypePasswordChanged,
			Status:  event.StatusFailure,
			UserID:  user.ID,
			Email:   user.Email,
			IP:      client.IP,
			Details: map[string]any{"reason": "bad_current_password"},
		}
		if err := s.recordBadPassword(ctx, user, failure, now); err != nil {
			return err
		}
		return apierror.Validation("current password is incorrect", "current_password")
	}
	if current == next {
		return apierror.Validation("new password must differ from the current one", "new_password")
	}
	if strength := password.ValidateStrength(next); !strength.Valid {
		return apierror.WeakPassword(strength.Errors)
	}

	hash, err := s.passwords.Hash(ctx, next)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	err = s.replacePassword(ctx, user, hash)
	if errors.Is(err, model.ErrCredentialChanged) {
		return apierror.Conflict("password was changed by another request", "")
	}
	if err != nil {
		return err
	}
	if _, err := s.sessions.RevokeAll(ctx, user.ID, identity.SessionID); err != nil {
		return fmt.Errorf("revoke other sessions: %w", err)
	}

	s.bus.Publish(event.Event{Type: event.TypePasswordChanged, UserID: user.ID, IP: client.IP, SessionID: identity.SessionID})
	return nil
}

// replacePassword swaps user's current hash for hash. The change time always
// moves forward by at least a microsecond, so every replacement starts a new
// reset token generation even under a coarse or frozen clock.
func (s *AuthService) replacePassword(ctx context.Context, user model.User, hash string) error {
	changedAt := s.now().Truncate(time.Microsecond)
	if previous := user.PasswordChangedAt.Truncate(time.Microsecond); !changedAt.After(previous) {
		changedAt = previous.Add(time.Microsecond)
	}

	err := s.users.UpdatePassword(ctx, user.ID, user.PasswordHash, hash, password.PolicyVersion, changedAt)
	if errors.Is(err, model.ErrCredentialChanged) {
		return err
	}
	if err != nil {
		return fmt.Errorf("store password: %w", err)
	}
	return nil
}

// Authenticate resolves an access token to the current identity. Roles and
// status come from the store, never from the token.
func (s *AuthService) Authenticate(ctx context.Context, raw string) (model.Identity, error) {
	claims, err := s.tokens.VerifyAccess(raw)
	if err != nil {
		return model.Identity{}, unauthenticated(ctx, "access token rejected", err)
	}

	user, err := s.users.FindByID(ctx, claims.Subject)
	if errors.Is(err, model.ErrUserNotFound) {
		return model.Identity{}, unauthenticated(ctx, "token subject no longer exists", err)
	}
	if err != nil {
		return model.Identity{}, err
	}
	if user.Status == model.StatusDeactivated {
		return model.Identity{}, unauthenticated(ctx, "account deactivated", nil)
	}

	if claims.SessionID != "" {
		err := s.sessions.CheckActive(ctx, claims.SessionID, user.ID)
		if errors.Is(err, model.ErrSessionNotFound) || errors.Is(err, model.ErrSessionInactive) {
			return model.Identity{}, unauthenticated(ctx, "session ended", err)
		}
		if err != nil {
			return model.Identity{}, err
		}
	}

	return model.Identity{
		UserID:      user.ID,
		Email:       user.Email,
		DisplayName: user.DisplayName,
		Roles:       user.Roles,
		Status:      user.EffectiveStatus(s.now()),
		SessionID:   claims.SessionID,
	}, nil
}

func (s *AuthService) CurrentUser(ctx context.Context, identity model.Identity) (model.PublicUser, error) {
	user, err := s.users.FindByID(ctx, identity.UserID)
	if errors.Is(err, model.ErrUserNotFound) {
		return model.PublicUser{}, apierror.Unauthenticated("authentication required")
	}
	if err != nil {
		return model.PublicUser{}, err
	}
	return user.Public(s.now()), nil
}

func unauthenticated(ctx context.Context, reason string, err error) error {
	slog.DebugContext(ctx, "request not authenticated", "reason", reason, "error", err)
	return apierror.Unauthenticated("session expired, please log in again")
}

// tokenError keeps expired and invalid apart for callers; both carry the
// same user-facing message.
func tokenError(err error) error {
	if errors.Is(err, token.ErrTokenExpired) {
		return apierror.TokenExpired()
	}
	return apierror.TokenInvalid()
}

func sessionError(err error) error {
	switch {
	case errors.Is(err, model.ErrSessionNotFound),
		errors.Is(err, model.ErrSessionInactive),
		errors.Is(err, model.ErrSessionMismatch):
		return apierror.TokenInvalid()
	default:
		return err
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}
