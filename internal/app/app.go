package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"go-plm/internal/config"
	"go-plm/internal/database"
	"go-plm/internal/event"
	"go-plm/internal/handler"
	"go-plm/internal/mailer"
	"go-plm/internal/metrics"
	"go-plm/internal/middleware"
	"go-plm/internal/repository"
	"go-plm/internal/repository/memstore"
	"go-plm/internal/router"
	"go-plm/internal/security/lockout"
	"go-plm/internal/security/password"
	"go-plm/internal/security/ratelimit"
	"go-plm/internal/security/token"
	"go-plm/internal/service"
)

const limiterCleanupInterval = 5 * time.Minute

type App struct {
	cfg    *config.Config
	server *http.Server
	auth   *service.AuthService

	background       *errgroup.Group
	cancelBackground context.CancelFunc
	// Closing the subscriptions in drainFuncs lets subscribers flush what is
	// buffered; they exit on their own once their channel closes.
	subscribers  sync.WaitGroup
	drainFuncs   []func()
	cleanupFuncs []func()
}

type stores struct {
	users    repository.UserStore
	sessions repository.SessionStore
	audit    repository.AuditStore
	health   router.HealthChecker
}

// New wires every component. On error, anything already opened is closed.
func New(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	a := &App{cfg: cfg}
	defer func() {
		if err != nil {
			a.cleanup()
		}
	}()

	tokens, err := token.New(token.Config{
		Issuer:       cfg.JWTIssuer,
		Access:       token.KeyConfig{Secret: cfg.JWTAccessSecret, TTL: cfg.AccessTTL},
		Refresh:      token.KeyConfig{Secret: cfg.JWTRefreshSecret, TTL: cfg.RefreshTTL},
		Verification: token.KeyConfig{Secret: cfg.JWTVerificationSecret, TTL: cfg.VerificationTTL},
		Reset:        token.KeyConfig{Secret: cfg.JWTResetSecret, TTL: cfg.ResetTTL},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token service: %w", err)
	}

	passwords, err := password.NewEngine(password.Config{Cost: cfg.BcryptCost, Concurrency: cfg.PasswordHashConcurrency})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize password engine: %w", err)
	}

	st, err := a.openStores(ctx)
	if err != nil {
		return nil, err
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	a.cancelBackground = cancel
	a.background, bgCtx = errgroup.WithContext(bgCtx)

	loginLimiter, resetLimiter, err := a.openLimiters(ctx, bgCtx)
	if err != nil {
		return nil, err
	}

	bus := event.NewBus()
	meter := metrics.New(bus.Dropped)

	sessions := service.NewSessionService(st.sessions, bus, service.SessionConfig{
		MaxSessions: cfg.MaxSessionsPerUser,
		RefreshTTL:  cfg.RefreshTTL,
	})
	a.auth = service.NewAuthService(service.AuthDeps{
		Users:        st.users,
		Sessions:     sessions,
		Passwords:    passwords,
		Tokens:       tokens,
		LoginLimiter: loginLimiter,
		ResetLimiter: resetLimiter,
		Lockout:      lockout.Policy{Threshold: cfg.LockoutThreshold, Duration: cfg.LockoutDuration},
		Mailer:       mailer.NewLogMailer(slog.Default()),
		Composer:     mailer.NewComposer(cfg.AppBaseURL),
		Bus:          bus,
	})
	users := service.NewUserService(st.users, sessions, bus)
	audit := service.NewAuditService(st.audit)

	auditEvents, unsubscribeAudit := bus.Subscribe()
	metricEvents, unsubscribeMetrics := bus.Subscribe()
	a.drainFuncs = append(a.drainFuncs, unsubscribeAudit, unsubscribeMetrics)
	subCtx := context.WithoutCancel(bgCtx)
	a.subscribers.Go(func() { audit.Run(subCtx, auditEvents) })
	a.subscribers.Go(func() { meter.Run(subCtx, metricEvents) })
	a.background.Go(func() error {
		sessions.StartCleanupTicker(bgCtx, cfg.SessionCleanupInterval)
		return nil
	})

	appRouter := router.New(cfg, router.Deps{
		Auth:    middleware.NewAuthMiddleware(a.auth, cfg.AccessCookieName, bus),
		Metrics: meter,
		Health:  st.health,
		AuthHandler: handler.NewAuthHandler(a.auth, sessions, handler.CookieConfig{
			AccessName:  cfg.AccessCookieName,
			RefreshName: cfg.RefreshCookieName,
			Domain:      cfg.CookieDomain,
			Secure:      cfg.CookieSecure,
		}),
		UserHandler:  handler.NewUserHandler(users),
		AuditHandler: handler.NewAuditHandler(audit),
	})

	a.server = &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           appRouter,
		ReadHeaderTimeout: cfg.ServerReadTimeout,
		ReadTimeout:       cfg.ServerReadTimeout,
		WriteTimeout:      cfg.ServerWriteTimeout,
		IdleTimeout:       cfg.ServerIdleTimeout,
	}

	return a, nil
}

func (a *App) openStores(ctx context.Context) (stores, error) {
	if a.cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set, using in-memory stores; data is lost on restart")
		return stores{
			users:    memstore.NewUserStore(),
			sessions: memstore.NewSessionStore(),
			audit:    memstore.NewAuditStore(),
		}, nil
	}

	slog.Info("connecting to PostgreSQL")
	db, err := database.New(ctx, database.PoolConfig{
		URL:      a.cfg.DatabaseURL,
		MaxConns: a.cfg.DBMaxConns,
		MinConns: a.cfg.DBMinConns,
	})
	if err != nil {
		return stores{}, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.cleanupFuncs = append(a.cleanupFuncs, db.Close)

	if err := db.EnsureSchema(ctx); err != nil {
		return stores{}, fmt.Errorf("failed to ensure database schema: %w", err)
	}
	slog.Info("database ready")

	return stores{
		users:    repository.NewUserRepository(db.Pool),
		sessions: repository.NewSessionRepository(db.Pool),
		audit:    repository.NewAuditRepository(db.Pool),
		health:   db.Health,
	}, nil
}

func (a *App) openLimiters(ctx context.Context, bgCtx context.Context) (ratelimit.Limiter, ratelimit.Limiter, error) {
	loginPolicy := ratelimit.Policy{Name: ratelimit.LoginPolicy.Name, Max: a.cfg.LoginRateLimitMax, Window: a.cfg.LoginRateLimitWindow}
	resetPolicy := ratelimit.Policy{Name: ratelimit.PasswordResetPolicy.Name, Max: a.cfg.ResetRateLimitMax, Window: a.cfg.ResetRateLimitWindow}

	if a.cfg.RateLimitBackend == config.RateLimitBackendRedis {
		opts, err := redis.ParseURL(a.cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		a.cleanupFuncs = append(a.cleanupFuncs, func() { _ = client.Close() })

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			return nil, nil, fmt.Errorf("failed to reach redis: %w", err)
		}

		login, err := ratelimit.NewRedisSlidingWindow(client, loginPolicy, nil)
		if err != nil {
			return nil, nil, err
		}
		reset, err := ratelimit.NewRedisSlidingWindow(client, resetPolicy, nil)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("rate limits backed by redis", "addr", opts.Addr)
		return login, reset, nil
	}

	login, err := ratelimit.NewSlidingWindow(loginPolicy)
	if err != nil {
		return nil, nil, err
	}
	reset, err := ratelimit.NewSlidingWindow(resetPolicy)
	if err != nil {
		return nil, nil, err
	}
	for _, l := range []*ratelimit.SlidingWindow{login, reset} {
		a.background.Go(func() error {
			l.StartCleanupTicker(bgCtx, limiterCleanupInterval)
			return nil
		})
	}
	return login, reset, nil
}

// Run serves until SIGINT or SIGTERM, then drains in order: HTTP requests,
// pending mail, event subscribers, background loops, connections.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		runErr = fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("graceful shutdown failed: %w", err))
	}
	if err := a.auth.WaitForMail(shutdownCtx); err != nil {
		slog.Warn("pending mail abandoned at shutdown", "error", err)
	}

	a.cleanup()
	slog.Info("server stopped")
	return runErr
}

// Handler exposes the fully wired router.
func (a *App) Handler() http.Handler {
	return a.server.Handler
}

// Close releases everything New opened without serving. Run calls the same
// steps after the server stops.
func (a *App) Close(ctx context.Context) error {
	err := a.auth.WaitForMail(ctx)
	a.cleanup()
	return err
}

func (a *App) cleanup() {
	for _, drain := range a.drainFuncs {
		drain()
	}
	a.drainFuncs = nil
	a.subscribers.Wait()

	if a.background != nil {
		a.cancelBackground()
		_ = a.background.Wait()
		a.background = nil
	}

	for i := len(a.cleanupFuncs) - 1; i >= 0; i-- {
		a.cleanupFuncs[i]()
	}
	a.cleanupFuncs = nil
}
