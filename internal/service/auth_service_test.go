package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"go-plm/internal/event"
	"go-plm/internal/mailer"
	"go-plm/internal/model"
	"go-plm/internal/repository/memstore"
	"go-plm/internal/security/lockout"
	"go-plm/internal/security/password"
	"go-plm/internal/security/ratelimit"
	"go-plm/internal/security/rbac"
	"go-plm/internal/security/token"
	"go-plm/pkg/apierror"
)

const (
	goodPassword = "Correct-Horse-9"
	newPassword  = "Battery-Staple-7"
)

var client = model.ClientInfo{IP: "203.0.113.10", UserAgent: "Mozilla/5.0 (X11; Linux x86_64)"}

type authFixture struct {
	svc          *AuthService
	users        *memstore.UserStore
	sessions     *SessionService
	tokens       *token.Service
	passwords    *password.Engine
	mail         *mailer.MockMailer
	loginLimiter *ratelimit.SlidingWindow
	clk          *clock
	events       <-chan event.Event
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()

	clk := &clock{now: t0}
	bus := event.NewBus()
	events, unsubscribe := bus.Subscribe()
	t.Cleanup(unsubscribe)

	tokens, err := token.New(token.Config{
		Issuer:       "plm-test",
		Access:       token.KeyConfig{Secret: strings.Repeat("a", 32), TTL: token.DefaultAccessTTL},
		Refresh:      token.KeyConfig{Secret: strings.Repeat("r", 32), TTL: token.DefaultRefreshTTL},
		Verification: token.KeyConfig{Secret: strings.Repeat("v", 32), TTL: token.DefaultVerificationTTL},
		Reset:        token.KeyConfig{Secret: strings.Repeat("p", 32), TTL: token.DefaultResetTTL},
	}, token.WithClock(clk.Now))
	require.NoError(t, err)

	engine, err := password.NewEngine(password.Config{Cost: 4})
	require.NoError(t, err)

	loginLimiter, err := ratelimit.NewSlidingWindow(ratelimit.LoginPolicy, ratelimit.WithClock(clk.Now))
	require.NoError(t, err)
	resetLimiter, err := ratelimit.NewSlidingWindow(ratelimit.PasswordResetPolicy, ratelimit.WithClock(clk.Now))
	require.NoError(t, err)

	users := memstore.NewUserStore()
	sessions := NewSessionService(memstore.NewSessionStore(), bus, SessionConfig{RefreshTTL: token.DefaultRefreshTTL})
	sessions.now = clk.Now

	mail := new(mailer.MockMailer)
	mail.On("Send", mock.Anything, mock.Anything).Return(nil)

	svc := NewAuthService(AuthDeps{
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
	svc.now = clk.Now

	return &authFixture{
		svc:          svc,
		users:        users,
		sessions:     sessions,
		tokens:       tokens,
		passwords:    engine,
		mail:         mail,
		loginLimiter: loginLimiter,
		clk:          clk,
		events:       events,
	}
}

// lastMail waits for background deliveries and returns the newest message.
func (f *authFixture) lastMail(t *testing.T) mailer.Message {
	t.Helper()

	require.NoError(t, f.svc.WaitForMail(context.Background()))
	sent := f.mail.Sent()
	require.NotEmpty(t, sent)
	return sent[len(sent)-1]
}

func (f *authFixture) activeUser(t *testing.T, email string) model.PublicUser {
	t.Helper()
	ctx := context.Background()

	_, err := f.svc.Register(ctx, model.RegisterRequest{Email: email, Password: goodPassword, DisplayName: "Ada"}, client)
	require.NoError(t, err)

	msg := f.lastMail(t)
	require.Equal(t, normalizeEmail(email), msg.To)

	user, err := f.svc.VerifyEmail(ctx, mailer.TokenFromLink(msg.Link))
	require.NoError(t, err)
	require.Equal(t, model.StatusActive, user.Status)
	return user
}

func (f *authFixture) login(t *testing.T, email string, pw string) model.TokenPair {
	t.Helper()

	pair, err := f.svc.Login(context.Background(), model.LoginRequest{Email: email, Password: pw}, client)
	require.NoError(t, err)
	return pair
}

func apiCode(t *testing.T, err error) string {
	t.Helper()

	var apiErr *apierror.APIError
	require.True(t, errors.As(err, &apiErr), "expected *apierror.APIError, got %v", err)
	return apiErr.Code
}

func TestAuthService_RegisterAndVerify(t *testing.T) {
	t.Parallel()

	f := newAuthFixture(t)
	ctx := context.Background()

	user, err := f.svc.Register(ctx, model.RegisterRequest{
		Email: "  Ada@Example.com ", Password: goodPassword, DisplayName: " Ada ",
	}, client)
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", user.Email)
	assert.Equal(t, "Ada", user.DisplayName)
	assert.Equal(t, model.StatusPending, user.Status)
	assert.Equal(t, []rbac.Role{rbac.RoleViewer}, user.Roles)

	msg := f.lastMail(t)
	assert.Equal(t, "Confirm your email address", msg.Subject)

	pair := f.login(t, "ada@example.com", goodPassword)
	assert.Equal(t, model.StatusPending, pair.User.Status)

	verified, err := f.svc.VerifyEmail(ctx, mailer.TokenFromLink(msg.Link))
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, verified.Status)

	stored, err := f.users.FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.EmailVerifiedAt)

	_, err = f.svc.VerifyEmail(ctx, "not-a-token")
	assert.Equal(t, apierror.CodeTokenInvalid, apiCode(t, err))
}

func TestAuthService_RegisterRejectsWeakAndDuplicate(t *testing.T) {
	t.Parallel()

	f := newAuthFixture(t)
	ctx := context.Background()

	_, err := f.svc.Register(ctx, model.RegisterRequest{Email: "weak@example.com", Password: "short", DisplayName: "W"}, client)
	require.Equal(t, apierror.CodeWeakPassword, apiCode(t, err))
	var apiErr *apierror.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.ElementsMatch(t, []string{password.RuleTooShort, password.RuleCharacterClasses}, apiErr.Fields)

	f.activeUser(t, "dup@example.com")
	_, err = f.svc.Register(ctx, model.RegisterRequest{Email: "DUP@example.com", Password: goodPassword, DisplayName: "D"}, client)
	assert.Equal(t, apierror.CodeConflict, apiCode(t, err))
}

func TestAuthService_RegisterSanitizesDisplayName(t *testing.T) {
	t.Parallel()

	f := newAuthFixture(t)
	ctx := context.Background()

	user, err := f.svc.Register(ctx, model.RegisterRequest{Email: "grace@example.com", Password: goodPassword, DisplayName: "Gr\u200Bace\tHopper"}, client)
	require.NoError(t, err)
	assert.Equal(t, "Grace Hopper", user.DisplayName)

	_, err = f.svc.Register(ctx, model.RegisterRequest{Email: "ghost@example.com", Password: goodPassword, DisplayName: "\u200B\u200D"}, client)
	assert.Equal(t, apierror.CodeValidation, apiCode(t, err))
}

func TestAuthService_LoginIssuesUsableTokens(t *testing.T) {
	t.Parallel()

	f := newAuthFixture(t)
	ctx := context.Background()
	user := f.activeUser(t, "ada@example.com")

	pair := f.login(t, "ADA@example.com", goodPassword)
	assert.Equal(t, "Bearer", pair.TokenType)
	assert.Equal(t, int64(token.DefaultAccessTTL.Seconds()), pair.ExpiresIn)
	assert.Equal(t, t0.Add(token.DefaultAccessTTL), pair.AccessExpiresAt)
	assert.Equal(t, t0.Add(token.DefaultRefreshTTL), pair.RefreshExpiresAt)
	assert.Equal(t, user.ID, pair.User.ID)

	identity, err := f.svc.Authenticate(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, identity.UserID)
	assert.Equal(t, pair.SessionID, identity.SessionID)
	assert.Equal(t, []rbac.Role{rbac.RoleViewer}, identity.Roles)

	views, err := f.sessions.List(ctx, user.ID, identity.SessionID)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.True(t, views[0].IsCurrent)
	assert.Equal(t, client.UserAgent, views[0].Device)
	assert.Equal(t, client.IP, views[0].IP)

	_, err = f.svc.Authenticate(ctx, pair.RefreshToken)
	assert.Equal(t, apierror.CodeUnauthenticated, apiCode(t, err))

	f.clk.Advance(token.DefaultAccessTTL + time.Second)
	_, err = f.svc.Authenticate(ctx, pair.AccessToken)
	assert.Equal(t, apierror.CodeUnauthenticated, apiCode(t, err))
}

func TestAuthService_LoginDoesNotRevealAccountExistence(t *testing.T) {
	t.Parallel()

	f := newAuthFixture(t)
	ctx := context.Background()
	f.activeUser(t, "ada@example.com")

	_, unknownErr := f.svc.Login(ctx, model.LoginRequest{Email: "nobody@example.com", Password: goodPassword}, client)
	_, wrongErr := f.svc.Login(ctx, model.LoginRequest{Email: "ada@example.com", Password: "Wrong-Passw0rd"}, client)

	assert.Equal(t, unknownErr, wrongErr)
	assert.Equal(t, apierror.CodeInvalidCredentials, apiCode(t, unknownErr))
}

func TestAuthService_LockoutAfterRepeatedFailures(t *testing.T) {
	t.Parallel()

	f := newAuthFixture(t)
	ctx := context.Background()
	user := f.activeUser(t, "ada@example.com")
	drain(f.events)

	for i := range lockout.DefaultThreshold {
		_, err := f.svc.Login(ctx, model.LoginRequest{Email: "ada@example.com", Password: "Wrong-Passw0rd"}, client)
		require.Equal(t, apierror.CodeInvalidCredentials, apiCode(t, err), "attempt %d", i+1)
	}
	assert.Contains(t, eventTypes(drain(f.events)), event.TypeAccountLocked)

	_, err := f.svc.Login(ctx, model.LoginRequest{Email: "ada@example.com", Password: goodPassword}, client)
	assert.Equal(t, apierror.CodeAccountLocked, apiCode(t, err))

	stored, err := f.users.FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusLocked, stored.EffectiveStatus(f.clk.now))

	f.clk.Advance(lockout.DefaultDuration + time.Second)
	f.login(t, "ada@example.com", goodPassword)

	stored, err = f.users.FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.FailedLoginAttempts)
	assert.Nil(t, stored.LockedUntil)
	assert.Equal(t, model.StatusActive, stored.EffectiveStatus(f.clk.now))
}

func TestAuthService_LoginRateLimit(t *testing.T) {
	t.Parallel()

	f := newAuthFixture(t)
	ctx := context.Background()
	f.activeUser(t, "ada@example.com")

	for range ratelimit.LoginPolicy.Max - 1 {
		_, err := f.svc.Login(ctx, model.LoginRequest{Email: uuid.NewString() + "@example.com", Password: "x"}, client)
		require.Equal(t, apierror.CodeInvalidCredentials, apiCode(t, err))
	}

	// A successful login clears the window for the client.
	f.login(t, "ada@example.com", goodPassword)

	for range ratelimit.LoginPolicy.Max {
		_, err := f.svc.Login(ctx, model.LoginRequest{Email: "nobody@example.com", Password: "x"}, client)
		require.Equal(t, apierror.CodeInvalidCredentials, apiCode(t, err))
	}

	_, err := f.svc.Login(ctx, model.LoginRequest{Email: "ada@example.com", Password: goodPassword}, client)
	require.Equal(t, apierror.CodeTooManyRequests, apiCode(t, err))

	var apiErr *apierror.APIError
	require.True(t, errors.As(err, &apiErr))
	require.NotNil(t, apiErr.RateLimit)
	assert.Equal(t, ratelimit.LoginPolicy.Max, apiErr.RateLimit.Limit)
	assert.Zero(t, apiErr.RateLimit.Remaining)
	assert.Equal(t, t0.Add(ratelimit.LoginPolicy.Window), apiErr.RateLimit.ResetAt)

	other := client
	other.IP = "203.0.113.99"
	_, err = f.svc.Login(ctx, model.LoginRequest{Email: "ada@example.com", Password: goodPassword}, other)
	require.NoError(t, err)
}

type brokenLimiter struct {
	ratelimit.Limiter
}

func (brokenLimiter) CheckLimit(context.Context, string) (ratelimit.Result, error) {
	return ratelimit.Result{}, ratelimit.ErrBackendUnavailable
}

func TestAuthService_LoginFailsClosedWhenLimiterIsDown(t *testing.T) {
	t.Parallel()

	f := newAuthFixture(t)
	f.activeUser(t, "ada@example.com")
	f.svc.loginLimiter = brokenLimiter{}

	_, err := f.svc.Login(context.Background(), model.LoginRequest{Email: "ada@example.com", Password: goodPassword}, client)
	assert.Equal(t, apierror.CodeUnavailable, apiCode(t, err))
}

func TestAuthService_LoginRejectsDeactivated(t *testing.T) {
	t.Parallel()

	f := newAuthFixture(t)
	ctx := context.Background()
	user := f.activeUser(t, "ada@example.com")
	pair := f.login(t, "ada@example.com", goodPassword)

	require.NoError(t, f.users.UpdateStatus(ctx, user.ID, model.StatusDeactivated))

	_, err := f.svc.Login(ctx, model.LoginRequest{Email: "ada@example.com", Password: goodPassword}, client)
	assert.Equal(t, apierror.CodeInvalidCredentials, apiCode(t, err))

	_, err = f.svc.Authenticate(ctx, pair.AccessToken)
	assert.Equal(t, apierror.CodeUnauthenticated, apiCode(t, err))

	_, err = f.svc.Refresh(ctx, pair.RefreshToken)
	assert.Equal(t, apierror.CodeTokenInvalid, apiCode(t, err))
}

func TestAuthService_LoginRehashesOutdatedCost(t *testing.T) {
	t.Parallel()

	f := newAuthFixture(t)
	ctx := context.Background()

	older, err := password.NewEngine(password.Config{Cost: 5})
	require.NoError(t, err)
	hash, err := older.Hash(ctx, goodPassword)
	require.NoError(t, err)

	user := model.User{
		ID: uuid.NewString(), Email: "legacy@example.com", DisplayName: "Legacy",
		PasswordHash: hash, PasswordPolicyVersion: password.PolicyVersion, PasswordChangedAt: t0,
		Roles: []rbac.Role{rbac.RoleMember}, Status: model.StatusActive, CreatedAt: t0, UpdatedAt: t0,
	}
	require.NoError(t, f.users.Create(ctx, user))

	f.login(t, "legacy@example.com", goodPassword)
	assert.Contains(t, eventTypes(drain(f.events)), event.TypePasswordRehashed)

	stored, err := f.users.FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, f.passwords.NeedsRehash(stored.PasswordHash))
	assert.Equal(t, t0, stored.PasswordChangedAt)
	f.login(t, "legacy@example.com", goodPassword)
}

func TestAuthService_RefreshRotatesAndDetectsReuse(t *testing.T) {
	t.Parallel()

	f := newAuthFixture(t)
	ctx := context.Background()
	f.activeUser(t, "ada@example.com")
	first := f.login(t, "ada@example.com", goodPassword)

	f.clk.Advance(time.Minute)
	second, err := f.svc.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, f.clk.now.Add(token.DefaultRefreshTTL), second.RefreshExpiresAt)

	_, err = f.svc.Authenticate(ctx, second.AccessToken)
	require.NoError(t, err)
	drain(f.events)

	_, err = f.svc.Refresh(ctx, first.RefreshToken)
	assert.Equal(t, apierror.CodeTokenInvalid, apiCode(t, err))
	assert.Contains(t, eventTypes(drain(f.events)), event.TypeRefreshReuse)

	_, err = f.svc.Refresh(ctx, second.RefreshToken)
	assert.Equal(t, apierror.CodeTokenInvalid, apiCode(t, err))
	_, err = f.svc.Authenticate(ctx, second.AccessToken)
	assert.Equal(t, apierror.CodeUnauthenticated, apiCode(t, err))
}

func TestAuthService_RefreshRejectsWrongKindAndExpired(t *testing.T) {
	t.Parallel()

	f := newAuthFixture(t)
	ctx := context.Background()
	f.activeUser(t, "ada@example.com")
	pair := f.login(t, "ada@example.com", goodPassword)

	_, err := f.svc.Refresh(ctx, pair.AccessToken)
	assert.Equal(t, apierror.CodeTokenInvalid, apiCode(t, err))

	f.clk.Advance(token.DefaultRefreshTTL + time.Second)
	_, err = f.svc.Refresh(ctx, pair.RefreshToken)
	assert.Equal(t, apierror.CodeTokenExpired, apiCode(t, err))
}

func TestAuthService_SessionCapEvictsOldestLogin(t *testing.T) {
	t.Parallel()

	f := newAuthFixture(t)
	ctx := context.Background()
	user := f.activeUser(t, "ada@example.com")

	pairs := make([]model.TokenPair, 0, DefaultMaxSessions+1)
	for range DefaultMaxSessions + 1 {
		f.clk.Advance(time.Second)
		pairs = append(pairs, f.login(t, "ada@example.com", goodPassword))
	}

	_, err := f.svc.Authenticate(ctx, pairs[0].AccessToken)
	assert.Equal(t, apierror.CodeUnauthenticated, apiCode(t, err))
	_, err = f.svc.Refresh(ctx, pairs[0].RefreshToken)
	assert.Equal(t, apierror.CodeTokenInvalid, apiCode(t, err))

	for _, pair := range pairs[1:] {
		_, err := f.svc.Authenticate(ctx, pair.AccessToken)
		require.NoError(t, err)
	}

	views, err := f.sessions.List(ctx, user.ID, "")
	require.NoError(t, err)
	assert.Len(t, views, DefaultMaxSessions)
}

func TestAuthService_Logout(t *testing.T) {
	t.Parallel()

	f := newAuthFixture(t)
	ctx := context.Background()
	f.activeUser(t, "ada@example.com")
	pair := f.login(t, "ada@example.com", goodPassword)

	identity, err := f.svc.Authenticate(ctx, pair.AccessToken)
	require.NoError(t, err)

	require.NoError(t, f.svc.Logout(ctx, identity))
	require.NoError(t, f.svc.Logout(ctx, identity))

	_, err = f.svc.Authenticate(ctx, pair.AccessToken)
	assert.Equal(t, apierror.CodeUnauthenticated, apiCode(t, err))
	_, err = f.svc.Refresh(ctx, pair.RefreshToken)
	assert.Equal(t, apierror.CodeTokenInvalid, apiCode(t, err))
}

func TestAuthService_PasswordResetRequestIsUniform(t *testing.T) {
	t.Parallel()

	f := newAuthFixture(t)
	ctx := context.Background()
	f.activeUser(t, "ada@example.com")
	before := len(f.mail.Sent())

	existing := f.svc.RequestPasswordReset(ctx, "ada@example.com", client)
	missing := f.svc.RequestPasswordReset(ctx, "ghost@example.com", client)
	assert.NoError(t, existing)
	assert.Equal(t, existing, missing)

	require.NoError(t, f.svc.WaitForMail(ctx))
	sent := f.mail.Sent()[before:]
	require.Len(t, sent, 1)
	assert.Equal(t, "ada@example.com", sent[0].To)
	assert.Equal(t, "Reset your password", sent[0].Subject)
}

func TestAuthService_PasswordResetRequestIsRateLimitedPerEmail(t *testing.T) {
	t.Parallel()

	f := newAuthFixture(t)
	ctx := context.Background()

	for range ratelimit.PasswordResetPolicy.Max {
		require.NoError(t, f.svc.RequestPasswordReset(ctx, "ghost@example.com", client))
	}
	err := f.svc.RequestPasswordReset(ctx, " GHOST@example.com", client)
	assert.Equal(t, apierror.CodeTooManyRequests, apiCode(t, err))

	require.NoError(t, f.svc.RequestPasswordReset(ctx, "other@example.com", client))
	require.NoError(t, f.svc.WaitForMail(ctx))
}

func TestAuthService_ResetPasswordIsSingleUse(t *testing.T) {
	t.Parallel()

	f := newAuthFixture(t)
	ctx := context.Background()
	user := f.activeUser(t, "ada@example.com")

	f.login(t, "ada@example.com", goodPassword)
	f.login(t, "ada@example.com", goodPassword)
	for range 3 {
		_, err := f.svc.Login(ctx, model.LoginRequest{Email: "ada@example.com", Password: "Wrong-Passw0rd"}, client)
		require.Error(t, err)
	}

	require.NoError(t, f.svc.RequestPasswordReset(ctx, "ada@example.com", client))
	resetToken := mailer.TokenFromLink(f.lastMail(t).Link)

	err := f.svc.ResetPassword(ctx, resetToken, "weak", client)
	assert.Equal(t, apierror.CodeWeakPassword, apiCode(t, err))

	require.NoError(t, f.svc.ResetPassword(ctx, resetToken, newPassword, client))

	views, err := f.sessions.List(ctx, user.ID, "")
	require.NoError(t, err)
	assert.Empty(t, views)

	stored, err := f.users.FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.FailedLoginAttempts)

	err = f.svc.ResetPassword(ctx, resetToken, "Another-Passw0rd", client)
	assert.Equal(t, apierror.CodeTokenInvalid, apiCode(t, err))

	_, err = f.svc.Login(ctx, model.LoginRequest{Email: "ada@example.com", Password: goodPassword}, client)
	assert.Equal(t, apierror.CodeInvalidCredentials, apiCode(t, err))
	f.login(t, "ada@example.com", newPassword)
}

func TestAuthService_ResetTokenExpires(t *testing.T) {
	t.Parallel()

	f := newAuthFixture(t)
	ctx := context.Background()
	f.activeUser(t, "ada@example.com")

	require.NoError(t, f.svc.RequestPasswordReset(ctx, "ada@example.com", client))
	resetToken := mailer.TokenFromLink(f.lastMail(t).Link)

	f.clk.Advance(token.DefaultResetTTL + time.Second)
	err := f.svc.ResetPassword(ctx, resetToken, newPassword, client)
	assert.Equal(t, apierror.CodeTokenExpired, apiCode(t, err))
}

func TestAuthService_ChangePasswordKeepsCurrentSession(t *testing.T) {
	t.Parallel()

	f := newAuthFixture(t)
	ctx := context.Background()
	f.activeUser(t, "ada@example.com")

	current := f.login(t, "ada@example.com", goodPassword)
	other := f.login(t, "ada@example.com", goodPassword)
	identity, err := f.svc.Authenticate(ctx, current.AccessToken)
	require.NoError(t, err)

	err = f.svc.ChangePassword(ctx, identity, "Wrong-Passw0rd", newPassword, client)
	assert.Equal(t, apierror.CodeValidation, apiCode(t, err))

	err = f.svc.ChangePassword(ctx, identity, goodPassword, "alllowercase", client)
	assert.Equal(t, apierror.CodeWeakPassword, apiCode(t, err))

	err = f.svc.ChangePassword(ctx, identity, goodPassword, goodPassword, client)
	assert.Equal(t, apierror.CodeValidation, apiCode(t, err))

	require.NoError(t, f.svc.ChangePassword(ctx, identity, goodPassword, newPassword, client))

	_, err = f.svc.Authenticate(ctx, current.AccessToken)
	require.NoError(t, err)
	_, err = f.svc.Authenticate(ctx, other.AccessToken)
	assert.Equal(t, apierror.CodeUnauthenticated, apiCode(t, err))

	f.login(t, "ada@example.com", newPassword)
}

func TestAuthService_ChangePasswordCountsTowardLockout(t *testing.T) {
	t.Parallel()

	f := newAuthFixture(t)
	ctx := context.Background()
	user := f.activeUser(t, "ada@example.com")

	pair := f.login(t, "ada@example.com", goodPassword)
	identity, err := f.svc.Authenticate(ctx, pair.AccessToken)
	require.NoError(t, err)
	drain(f.events)

	threshold := lockout.DefaultPolicy().Threshold
	for range threshold {
		err := f.svc.ChangePassword(ctx, identity, "Wrong-Guess-1", newPassword, client)
		assert.Equal(t, apierror.CodeValidation, apiCode(t, err))
	}

	stored, err := f.users.FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, threshold, stored.FailedLoginAttempts)
	require.NotNil(t, stored.LockedUntil)

	locks := 0
	for _, e := range drain(f.events) {
		if e.Type == event.TypeAccountLocked {
			locks++
		}
	}
	assert.Equal(t, 1, locks)

	err = f.svc.ChangePassword(ctx, identity, goodPassword, newPassword, client)
	assert.Equal(t, apierror.CodeAccountLocked, apiCode(t, err))
	_, err = f.svc.Login(ctx, model.LoginRequest{Email: "ada@example.com", Password: goodPassword}, client)
	assert.Equal(t, apierror.CodeAccountLocked, apiCode(t, err))

	f.clk.Advance(lockout.DefaultPolicy().Duration + time.Second)
	require.NoError(t, f.svc.ChangePassword(ctx, identity, goodPassword, newPassword, client))
	f.login(t, "ada@example.com", newPassword)
}

func TestAuthService_ResetLinkSurvivesRehash(t *testing.T) {
	t.Parallel()

	f := newAuthFixture(t)
	ctx := context.Background()

	older, err := password.NewEngine(password.Config{Cost: 5})
	require.NoError(t, err)
	hash, err := older.Hash(ctx, goodPassword)
	require.NoError(t, err)

	user := model.User{
		ID: uuid.NewString(), Email: "legacy@example.com", DisplayName: "Legacy",
		PasswordHash: hash, PasswordPolicyVersion: password.PolicyVersion, PasswordChangedAt: t0,
		Roles: []rbac.Role{rbac.RoleMember}, Status: model.StatusActive, CreatedAt: t0, UpdatedAt: t0,
	}
	require.NoError(t, f.users.Create(ctx, user))

	require.NoError(t, f.svc.RequestPasswordReset(ctx, "legacy@example.com", client))
	resetToken := mailer.TokenFromLink(f.lastMail(t).Link)

	f.login(t, "legacy@example.com", goodPassword)
	stored, err := f.users.FindByID(ctx, user.ID)
	require.NoError(t, err)
	require.NotEqual(t, hash, stored.PasswordHash, "login should have upgraded the hash")

	require.NoError(t, f.svc.ResetPassword(ctx, resetToken, newPassword, client))
	err = f.svc.ResetPassword(ctx, resetToken, "Another-Passw0rd", client)
	assert.Equal(t, apierror.CodeTokenInvalid, apiCode(t, err))
	f.login(t, "legacy@example.com", newPassword)
}

func TestAuthService_ConcurrentResetsWithOneTokenSucceedOnce(t *testing.T) {
	t.Parallel()

	f := newAuthFixture(t)
	ctx := context.Background()
	f.activeUser(t, "ada@example.com")

	require.NoError(t, f.svc.RequestPasswordReset(ctx, "ada@example.com", client))
	resetToken := mailer.TokenFromLink(f.lastMail(t).Link)

	const racers = 8
	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i := range racers {
		wg.Go(func() {
			errs[i] = f.svc.ResetPassword(ctx, resetToken, fmt.Sprintf("Racer-Passw0rd-%d", i), client)
		})
	}
	wg.Wait()

	winner := -1
	for i, err := range errs {
		if err == nil {
			require.Equal(t, -1, winner, "more than one reset succeeded")
			winner = i
			continue
		}
		assert.Equal(t, apierror.CodeTokenInvalid, apiCode(t, err))
	}
	require.NotEqual(t, -1, winner, "no reset succeeded")
	f.login(t, "ada@example.com", fmt.Sprintf("Racer-Passw0rd-%d", winner))
}
