// Package token signs and verifies the four JWT kinds used by the service.
// Each kind has its own HS256 secret, audience and lifetime; a token of one
// kind never verifies as another.
package token

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type Kind string

const (
	KindAccess       Kind = "access"
	KindRefresh      Kind = "refresh"
	KindVerification Kind = "email_verification"
	KindReset        Kind = "password_reset"
)

// MinSecretLength is the shortest accepted HS256 secret, in bytes.
const MinSecretLength = 32

const (
	DefaultAccessTTL       = 15 * time.Minute
	DefaultRefreshTTL      = 7 * 24 * time.Hour
	DefaultVerificationTTL = 24 * time.Hour
	DefaultResetTTL        = time.Hour
)

var (
	ErrConfiguration = errors.New("token configuration error")
	ErrTokenInvalid  = errors.New("token is invalid")
	ErrTokenExpired  = errors.New("token is expired")
)

type AccessClaims struct {
	Email     string `json:"email"`
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

type RefreshClaims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

type VerificationClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// ResetClaims binds a reset token to the credential it replaces. Once the
// password changes the fingerprint no longer matches and the token is spent.
type ResetClaims struct {
	Fingerprint string `json:"pwf"`
	jwt.RegisteredClaims
}

type KeyConfig struct {
	Secret string
	TTL    time.Duration
}

type Config struct {
	Issuer       string
	Access       KeyConfig
	Refresh      KeyConfig
	Verification KeyConfig
	Reset        KeyConfig
}

type key struct {
	secret []byte
	ttl    time.Duration
}

type Service struct {
	issuer string
	keys   map[Kind]key
	now    func() time.Time
}

type Option func(*Service)

// WithClock replaces time.Now for signing and validation.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// New validates every secret up front. A missing, short or reused secret is
// a startup failure, never a per-request one. A zero TTL is accepted and
// yields tokens that are already expired when verified.
func New(cfg Config, opts ...Option) (*Service, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("%w: issuer is required", ErrConfiguration)
	}

	kinds := map[Kind]KeyConfig{
		KindAccess:       cfg.Access,
		KindRefresh:      cfg.Refresh,
		KindVerification: cfg.Verification,
		KindReset:        cfg.Reset,
	}

	seen := map[string]Kind{}
	keys := make(map[Kind]key, len(kinds))
	for kind, kc := range kinds {
		if kc.Secret == "" {
			return nil, fmt.Errorf("%w: %s secret is not set", ErrConfiguration, kind)
		}
		if len(kc.Secret) < MinSecretLength {
			return nil, fmt.Errorf("%w: %s secret must be at least %d bytes", ErrConfiguration, kind, MinSecretLength)
		}
		if other, dup := seen[kc.Secret]; dup {
			return nil, fmt.Errorf("%w: %s and %s secrets must differ", ErrConfiguration, kind, other)
		}
		if kc.TTL < 0 {
			return nil, fmt.Errorf("%w: %s ttl must not be negative", ErrConfiguration, kind)
		}
		seen[kc.Secret] = kind
		keys[kind] = key{secret: []byte(kc.Secret), ttl: kc.TTL}
	}

	s := &Service{issuer: cfg.Issuer, keys: keys, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Service) TTL(kind Kind) time.Duration {
	return s.keys[kind].ttl
}

func (s *Service) SignAccess(userID string, email string, sessionID string) (string, time.Time, error) {
	claims := &AccessClaims{Email: email, SessionID: sessionID}
	return s.sign(KindAccess, userID, claims, &claims.RegisteredClaims)
}

func (s *Service) SignRefresh(userID string, sessionID string) (string, time.Time, error) {
	claims := &RefreshClaims{SessionID: sessionID}
	return s.sign(KindRefresh, userID, claims, &claims.RegisteredClaims)
}

func (s *Service) SignVerification(userID string, email string) (string, time.Time, error) {
	claims := &VerificationClaims{Email: email}
	return s.sign(KindVerification, userID, claims, &claims.RegisteredClaims)
}

func (s *Service) SignReset(userID string, fingerprint string) (string, time.Time, error) {
	claims := &ResetClaims{Fingerprint: fingerprint}
	return s.sign(KindReset, userID, claims, &claims.RegisteredClaims)
}

func (s *Service) VerifyAccess(raw string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := s.verify(KindAccess, raw, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func (s *Service) VerifyRefresh(raw string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := s.verify(KindRefresh, raw, claims); err != nil {
		return nil, err
	}
	if claims.SessionID == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

func (s *Service) VerifyVerification(raw string) (*VerificationClaims, error) {
	claims := &VerificationClaims{}
	if err := s.verify(KindVerification, raw, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func (s *Service) VerifyReset(raw string) (*ResetClaims, error) {
	claims := &ResetClaims{}
	if err := s.verify(KindReset, raw, claims); err != nil {
		return nil, err
	}
	if claims.Fingerprint == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

func (s *Service) sign(kind Kind, subject string, claims jwt.Claims, registered *jwt.RegisteredClaims) (string, time.Time, error) {
	k := s.keys[kind]
	now := s.now()
	expiresAt := now.Add(k.ttl)

	*registered = jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{string(kind)},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		ID:        uuid.NewString(),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(k.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign %s token: %w", kind, err)
	}
	return signed, expiresAt, nil
}

// verify checks the signature before looking at any claim, then validates
// issuer, audience and expiry against the service clock.
func (s *Service) verify(kind Kind, raw string, claims jwt.Claims) error {
	if raw == "" {
		return ErrTokenInvalid
	}
	k := s.keys[kind]

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	parsed, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return k.secret, nil
	})
	if err != nil || !parsed.Valid {
		return ErrTokenInvalid
	}

	validator := jwt.NewValidator(
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(string(kind)),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	)
	if err := validator.Validate(claims); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrTokenExpired
		}
		return ErrTokenInvalid
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return ErrTokenInvalid
	}
	return nil
}

// HashToken is the digest stored in place of a raw refresh token.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Fingerprint names one credential generation of a user for embedding in
// reset tokens. It changes whenever the password is replaced and survives a
// rehash of the same password. Timestamps compare at microsecond precision,
// the precision the stores keep.
func Fingerprint(userID string, passwordChangedAt time.Time) string {
	micros := strconv.FormatInt(passwordChangedAt.UnixMicro(), 10)
	sum := sha256.Sum256([]byte("pwf:" + userID + ":" + micros))
	return hex.EncodeToString(sum[:8])
}
