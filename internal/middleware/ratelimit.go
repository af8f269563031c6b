package middleware

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"go-plm/pkg/apierror"
)

const (
	limiterIdleTTL  = 10 * time.Minute
	limiterGCPeriod = 1000
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimitMiddleware is a coarse per-IP token bucket in front of the whole
// API. Credential endpoints carry their own sliding-window limits in the
// service layer.
type RateLimitMiddleware struct {
	perMinute int
	mu        sync.Mutex
	clients   map[string]*clientLimiter
	now       func() time.Time
}

func NewRateLimitMiddleware(perMinute int) *RateLimitMiddleware {
	if perMinute <= 0 {
		perMinute = 300
	}

	return &RateLimitMiddleware{
		perMinute: perMinute,
		clients:   map[string]*clientLimiter{},
		now:       time.Now,
	}
}

func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := m.now()
		limiter := m.getLimiter(ClientIPFromRequest(r), now)

		reservation := limiter.ReserveN(now, 1)
		if delay := reservation.DelayFrom(now); delay > 0 {
			reservation.CancelAt(now)
			WriteError(w, r, apierror.TooManyRequests(m.perMinute, 0, now.Add(delay)))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (m *RateLimitMiddleware) getLimiter(clientIP string, now time.Time) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, exists := m.clients[clientIP]; exists {
		entry.lastSeen = now
		return entry.limiter
	}

	m.gcLocked(now)
	limiter := rate.NewLimiter(rate.Every(time.Minute/time.Duration(m.perMinute)), m.perMinute)
	m.clients[clientIP] = &clientLimiter{limiter: limiter, lastSeen: now}
	return limiter
}

func (m *RateLimitMiddleware) gcLocked(now time.Time) {
	if len(m.clients) < limiterGCPeriod {
		return
	}

	cutoff := now.Add(-limiterIdleTTL)
	for ip, entry := range m.clients {
		if entry.lastSeen.Before(cutoff) {
			delete(m.clients, ip)
		}
	}
}
