package middleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"lcc-server/internal/domain"
)

// RateLimitConfig holds configuration for the rate limiter middleware.
type RateLimitConfig struct {
	// Limits supplies each role's max_requests_per_minute. Zero means
	// unlimited.
	Limits domain.LimitsProvider
	// Burst is the maximum number of requests allowed in a burst.
	Burst int
	// IdleTTL is how long an unused client limiter is kept (default 10m).
	IdleTTL time.Duration
}

// clientLimiter tracks a per-client rate limiter and when it was last seen.
type clientLimiter struct {
	limiter  *rate.Limiter
	perMin   int
	lastSeen time.Time
}

// RateLimiter is a per-client token-bucket limiter whose rate follows the
// caller's role. Authenticated users are keyed by user id, anonymous
// callers by remote address. It must run after Identity.
type RateLimiter struct {
	cfg     RateLimitConfig
	mu      sync.Mutex
	clients map[string]*clientLimiter
}

// NewRateLimiter creates a RateLimiter.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	return &RateLimiter{cfg: cfg, clients: make(map[string]*clientLimiter)}
}

// Run removes idle client limiters every minute until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			rl.sweep(now)
		}
	}
}

func (rl *RateLimiter) sweep(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, cl := range rl.clients {
		if now.Sub(cl.lastSeen) > rl.cfg.IdleTTL {
			delete(rl.clients, key)
		}
	}
}

// limiter returns the client's limiter, replacing it when the role's rate
// changed. A nil limiter means unlimited.
func (rl *RateLimiter) limiter(key string, perMin int) *rate.Limiter {
	if perMin <= 0 {
		return nil
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cl, ok := rl.clients[key]
	if !ok || cl.perMin != perMin {
		cl = &clientLimiter{
			limiter: rate.NewLimiter(rate.Limit(float64(perMin)/60), rl.cfg.Burst),
			perMin:  perMin,
		}
		rl.clients[key] = cl
	}
	cl.lastSeen = time.Now()
	return cl.limiter
}

// Middleware returns the HTTP middleware. When the limit is exceeded it
// responds with 429 Too Many Requests and sets standard rate-limit headers.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := domain.CallerFromContext(r.Context())
		if !ok {
			caller = domain.AnonymousCaller("")
		}
		key := "ip:" + clientIP(r)
		if !caller.IsAnonymous() {
			key = "user:" + strconv.FormatInt(caller.UserID, 10)
		}
		perMin := rl.cfg.Limits.Limits(caller.Role).MaxRequestsPerMinute
		limiter := rl.limiter(key, perMin)
		if limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		reservation := limiter.Reserve()
		if !reservation.OK() {
			writeTooManyRequests(w, r, 0)
			return
		}
		if delay := reservation.Delay(); delay > 0 {
			reservation.Cancel()
			writeTooManyRequests(w, r, int(delay.Seconds())+1)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(perMin))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(limiter.Tokens())))
		next.ServeHTTP(w, r)
	})
}

// clientIP extracts the client IP address from the request, stripping the port.
// Only uses RemoteAddr. X-Forwarded-For is untrusted and ignored to prevent
// rate-limit bypass via header spoofing.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	if retryAfterSecs > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	}
	writeRejection(w, r, http.StatusTooManyRequests, "rate limit exceeded")
}
