package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	RateLimitBackendMemory = "memory"
	RateLimitBackendRedis  = "redis"
)

type Config struct {
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	ServerIdleTimeout  time.Duration
	RequestTimeout     time.Duration
	ShutdownTimeout    time.Duration

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	JWTIssuer             string
	JWTAccessSecret       string
	JWTRefreshSecret      string
	JWTVerificationSecret string
	JWTResetSecret        string
	AccessTTL             time.Duration
	RefreshTTL            time.Duration
	VerificationTTL       time.Duration
	ResetTTL              time.Duration

	BcryptCost              int
	PasswordHashConcurrency int
	MaxSessionsPerUser      int
	LockoutThreshold        int
	LockoutDuration         time.Duration

	LoginRateLimitMax    int
	LoginRateLimitWindow time.Duration
	ResetRateLimitMax    int
	ResetRateLimitWindow time.Duration
	RateLimitBackend     string
	RedisURL             string
	RateLimitRPM         int

	CORSOrigins       []string
	TrustProxyHeaders bool
	AccessCookieName  string
	RefreshCookieName string
	CookieDomain      string
	CookieSecure      bool

	LogFormat              string
	LogLevel               slog.Level
	SessionCleanupInterval time.Duration
	AppBaseURL             string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ServerPort:         getEnv("SERVER_PORT", "8080"),
		ServerReadTimeout:  getDuration("SERVER_READ_TIMEOUT", 15*time.Second),
		ServerWriteTimeout: getDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
		ServerIdleTimeout:  getDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
		RequestTimeout:     getDuration("REQUEST_TIMEOUT", 15*time.Second),
		ShutdownTimeout:    getDuration("SHUTDOWN_TIMEOUT", 15*time.Second),

		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DBMaxConns:  int32(getInt("DB_MAX_CONNS", 10)),
		DBMinConns:  int32(getInt("DB_MIN_CONNS", 1)),

		JWTIssuer:             getEnv("JWT_ISSUER", "go-plm"),
		JWTAccessSecret:       strings.TrimSpace(os.Getenv("JWT_ACCESS_SECRET")),
		JWTRefreshSecret:      strings.TrimSpace(os.Getenv("JWT_REFRESH_SECRET")),
		JWTVerificationSecret: strings.TrimSpace(os.Getenv("JWT_VERIFICATION_SECRET")),
		JWTResetSecret:        strings.TrimSpace(os.Getenv("JWT_RESET_SECRET")),
		AccessTTL:             getDuration("JWT_ACCESS_TTL", 15*time.Minute),
		RefreshTTL:            getDuration("JWT_REFRESH_TTL", 7*24*time.Hour),
		VerificationTTL:       getDuration("JWT_VERIFICATION_TTL", 24*time.Hour),
		ResetTTL:              getDuration("JWT_RESET_TTL", time.Hour),

		BcryptCost:              getInt("BCRYPT_COST", 12),
		PasswordHashConcurrency: getInt("PASSWORD_HASH_CONCURRENCY", 0),
		MaxSessionsPerUser:      getInt("MAX_SESSIONS_PER_USER", 5),
		LockoutThreshold:        getInt("LOCKOUT_THRESHOLD", 5),
		LockoutDuration:         getDuration("LOCKOUT_DURATION", 15*time.Minute),

		LoginRateLimitMax:    getInt("LOGIN_RATE_LIMIT_MAX", 10),
		LoginRateLimitWindow: getDuration("LOGIN_RATE_LIMIT_WINDOW", time.Minute),
		ResetRateLimitMax:    getInt("RESET_RATE_LIMIT_MAX", 3),
		ResetRateLimitWindow: getDuration("RESET_RATE_LIMIT_WINDOW", time.Hour),
		RateLimitBackend:     strings.ToLower(getEnv("RATE_LIMIT_BACKEND", RateLimitBackendMemory)),
		RedisURL:             strings.TrimSpace(os.Getenv("REDIS_URL")),
		RateLimitRPM:         getInt("RATE_LIMIT_RPM", 300),

		CORSOrigins:       splitCSV(getEnv("CORS_ORIGINS", "*")),
		TrustProxyHeaders: getBool("TRUST_PROXY_HEADERS", false),
		AccessCookieName:  getEnv("ACCESS_COOKIE_NAME", "plm_access"),
		RefreshCookieName: getEnv("REFRESH_COOKIE_NAME", "plm_refresh"),
		CookieDomain:      strings.TrimSpace(os.Getenv("COOKIE_DOMAIN")),
		CookieSecure:      getBool("COOKIE_SECURE", true),

		LogFormat:              strings.ToLower(getEnv("LOG_FORMAT", "pretty")),
		LogLevel:               getLevel("LOG_LEVEL", slog.LevelInfo),
		SessionCleanupInterval: getDuration("SESSION_CLEANUP_INTERVAL", time.Hour),
		AppBaseURL:             strings.TrimRight(getEnv("APP_BASE_URL", "http://localhost:3000"), "/"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate reports every problem at once. JWT secret strength is checked by
// the token service when it is built.
func (c *Config) Validate() error {
	var errs []error

	if c.ServerPort == "" {
		errs = append(errs, fmt.Errorf("SERVER_PORT cannot be empty"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("REQUEST_TIMEOUT must be positive"))
	}
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 {
		errs = append(errs, fmt.Errorf("JWT_ACCESS_TTL and JWT_REFRESH_TTL must be positive"))
	}
	if c.AccessTTL >= c.RefreshTTL {
		errs = append(errs, fmt.Errorf("JWT_ACCESS_TTL must be shorter than JWT_REFRESH_TTL"))
	}
	if c.MaxSessionsPerUser <= 0 {
		errs = append(errs, fmt.Errorf("MAX_SESSIONS_PER_USER must be positive"))
	}
	if c.LockoutThreshold <= 0 || c.LockoutDuration <= 0 {
		errs = append(errs, fmt.Errorf("LOCKOUT_THRESHOLD and LOCKOUT_DURATION must be positive"))
	}
	if c.LoginRateLimitMax <= 0 || c.LoginRateLimitWindow <= 0 {
		errs = append(errs, fmt.Errorf("LOGIN_RATE_LIMIT_MAX and LOGIN_RATE_LIMIT_WINDOW must be positive"))
	}
	if c.ResetRateLimitMax <= 0 || c.ResetRateLimitWindow <= 0 {
		errs = append(errs, fmt.Errorf("RESET_RATE_LIMIT_MAX and RESET_RATE_LIMIT_WINDOW must be positive"))
	}

	switch c.RateLimitBackend {
	case RateLimitBackendMemory:
	case RateLimitBackendRedis:
		if c.RedisURL == "" {
			errs = append(errs, fmt.Errorf("REDIS_URL is required when RATE_LIMIT_BACKEND=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("RATE_LIMIT_BACKEND must be %q or %q", RateLimitBackendMemory, RateLimitBackendRedis))
	}

	switch c.LogFormat {
	case "pretty", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be pretty or json"))
	}

	if c.AccessCookieName == "" || c.RefreshCookieName == "" || c.AccessCookieName == c.RefreshCookieName {
		errs = append(errs, fmt.Errorf("ACCESS_COOKIE_NAME and REFRESH_COOKIE_NAME must be set and differ"))
	}
	if c.SessionCleanupInterval <= 0 {
		errs = append(errs, fmt.Errorf("SESSION_CLEANUP_INTERVAL must be positive"))
	}

	return errors.Join(errs...)
}

func getEnv(key string, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}

	return v
}

func getInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}

	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}

	return v
}

func getBool(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}

	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}

	return v
}

func getDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}

	v, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return v
}

func getLevel(key string, fallback slog.Level) slog.Level {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return fallback
	}

	return level
}

func splitCSV(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}

	return out
}
