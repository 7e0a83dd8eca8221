package api

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"apiagg/internal/config"
	"apiagg/internal/errors"
)

const (
	defaultRPS   = 10
	defaultBurst = 20
	// clients idle this long lose their bucket
	clientIdleTTL = 10 * time.Minute
)

// RateLimiter keeps one token bucket per client IP for a set of paths.
type RateLimiter struct {
	limit rate.Limit
	burst int
	paths map[string]bool
	now   func() time.Time

	mu        sync.Mutex
	clients   map[string]*client
	lastSweep time.Time

	allowed uint64
	limited uint64
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimitStats reports limiter activity.
type RateLimitStats struct {
	Clients int    `json:"clients"`
	Allowed uint64 `json:"allowed"`
	Limited uint64 `json:"limited"`
}

// NewRateLimiter creates a limiter applied to the given exact paths.
func NewRateLimiter(cfg config.RateLimitConfig, paths []string) *RateLimiter {
	rps := cfg.RPS
	if rps <= 0 {
		rps = defaultRPS
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	rl := &RateLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		paths:   make(map[string]bool, len(paths)),
		now:     time.Now,
		clients: make(map[string]*client),
	}
	for _, p := range paths {
		rl.paths[p] = true
	}
	return rl
}

// Applies reports whether path is rate limited.
func (rl *RateLimiter) Applies(path string) bool {
	return rl.paths[path]
}

// Allow takes a token for key. When it returns false, retryAfter is how long
// until a token is available.
func (rl *RateLimiter) Allow(key string) (ok bool, retryAfter time.Duration) {
	now := rl.now()
	lim := rl.clientLimiter(key, now)

	if lim.AllowN(now, 1) {
		atomic.AddUint64(&rl.allowed, 1)
		return true, 0
	}
	atomic.AddUint64(&rl.limited, 1)

	res := lim.ReserveN(now, 1)
	retryAfter = res.DelayFrom(now)
	res.CancelAt(now)
	return false, retryAfter
}

// Stats returns current limiter statistics
func (rl *RateLimiter) Stats() RateLimitStats {
	rl.mu.Lock()
	n := len(rl.clients)
	rl.mu.Unlock()
	return RateLimitStats{
		Clients: n,
		Allowed: atomic.LoadUint64(&rl.allowed),
		Limited: atomic.LoadUint64(&rl.limited),
	}
}

func (rl *RateLimiter) clientLimiter(key string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.Sub(rl.lastSweep) > clientIdleTTL {
		for k, c := range rl.clients {
			if now.Sub(c.lastSeen) > clientIdleTTL {
				delete(rl.clients, k)
			}
		}
		rl.lastSweep = now
	}

	c, ok := rl.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[key] = c
	}
	c.lastSeen = now
	return c.limiter
}

// clientKey is the request's remote IP without the port.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimitMiddleware rejects requests over the per-client rate with 429.
func RateLimitMiddleware(rl *RateLimiter, metrics *MetricsCollector, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.Applies(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			key := clientKey(r)
			ok, retryAfter := rl.Allow(key)
			if ok {
				next.ServeHTTP(w, r)
				return
			}

			secs := int(math.Ceil(retryAfter.Seconds()))
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			if metrics != nil {
				metrics.RecordRateLimited(routeLabel(r.URL.Path))
			}
			logger.Debug("Rate limit exceeded", "client", key, "path", r.URL.Path, "retryAfter", secs)

			WriteError(w, errors.New(errors.RateLimited, "rate limit exceeded").
				WithDetails(map[string]interface{}{"retryAfterSeconds": secs}), http.StatusTooManyRequests)
		})
	}
}
