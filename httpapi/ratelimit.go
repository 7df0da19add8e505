package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lotline-io/openlot/fault"
	"github.com/lotline-io/openlot/metrics"
)

// Limiter is a fixed-window counter keyed by caller identity and route.
type Limiter interface {
	// Allow reports whether one more request fits in the current window.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// RedisLimiter shares windows across instances with INCR plus a window-sized
// expiry set on the first hit.
type RedisLimiter struct {
	Client *redis.Client
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	count, err := l.Client.Incr(ctx, "ratelimit:"+key).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		if err := l.Client.Expire(ctx, "ratelimit:"+key, window).Err(); err != nil {
			return false, err
		}
	}
	return count <= int64(limit), nil
}

// MemoryLimiter is the single-instance fallback when redis is not
// configured.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

type window struct {
	start time.Time
	count int
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{windows: make(map[string]*window), now: time.Now}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string, limit int, windowSize time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= windowSize {
		l.windows[key] = &window{start: now, count: 1}
		return limit >= 1, nil
	}
	w.count++
	return w.count <= limit, nil
}

// rateLimit wraps a handler with a per-identity fixed window. It runs after
// authentication so the key is the user id; unauthenticated routes are not
// rate limited here. A limiter backend failure lets the request through:
// the limiter protects capacity, it is not an authorization control.
func (s *Server) rateLimit(route string, limit int, window time.Duration, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identityFrom(r.Context())
		if !ok {
			next(w, r)
			return
		}
		key := fmt.Sprintf("%s:%s", route, id.UserID)
		allowed, err := s.limiter.Allow(r.Context(), key, limit, window)
		if err != nil {
			s.logger.Error("rate limiter unavailable, allowing request", "route", route, "error", err)
			next(w, r)
			return
		}
		if !allowed {
			metrics.RateLimitedTotal.WithLabelValues(route).Inc()
			writeFault(w, fault.RateLimited("rate_limited", "too many requests, retry later"))
			return
		}
		next(w, r)
	}
}
