package edge

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/time/rate"

	"krepost.org/internal/authz"
	"krepost.org/internal/obs"
)

// Limiter is the shared rate-limiter store injected into the pipeline.
// Implementations must be safe under concurrent requests; decisions use
// atomic operations, never read-then-write.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// LocalLimiter keeps one token bucket per key in process memory. Idle
// buckets are dropped after a TTL so the map stays bounded.
type LocalLimiter struct {
	mu      sync.Mutex
	buckets map[string]*localBucket
	rate    rate.Limit
	burst   int
	ttl     time.Duration
	now     func() time.Time
}

type localBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewLocalLimiter builds a limiter refilling perSecond tokens with the
// given burst capacity.
func NewLocalLimiter(perSecond float64, burst int) *LocalLimiter {
	return &LocalLimiter{
		buckets: make(map[string]*localBucket),
		rate:    rate.Limit(perSecond),
		burst:   burst,
		ttl:     5 * time.Minute,
		now:     time.Now,
	}
}

// Allow consumes one token for the key.
func (l *LocalLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := l.now()
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &localBucket{lim: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now
	if len(l.buckets) > 1024 {
		for k, stale := range l.buckets {
			if now.Sub(stale.seen) > l.ttl {
				delete(l.buckets, k)
			}
		}
	}
	l.mu.Unlock()
	return b.lim.Allow(), nil
}

// RedisLimiter shares counters across edge instances through Redis.
// The INCR+EXPIRE pair runs in one pipeline so concurrent edges never
// lose increments. On Redis failure it fails open: dropping legitimate
// traffic because the limiter store blinked is the worse outcome.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	limit  int64
	window time.Duration
}

// NewRedisLimiter allows limit requests per window per key.
func NewRedisLimiter(client *redis.Client, prefix string, limit int64, window time.Duration) *RedisLimiter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisLimiter{client: client, prefix: prefix, limit: limit, window: window}
}

// Allow atomically increments the key's window counter.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := l.prefix + ":" + key
	pipe := l.client.Pipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return true, fmt.Errorf("edge: redis limiter: %w", err)
	}
	return incr.Val() <= l.limit, nil
}

// RateLimit is the fourth pipeline stage. Authenticated requests are
// keyed by subject id so one noisy caller cannot starve others behind
// the same NAT; anonymous requests fall back to the client IP.
func RateLimit(limiter Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var key string
			if subjectID, ok := authz.SubjectIDFromContext(r.Context()); ok {
				key = "subject:" + subjectID
			} else {
				key = "ip:" + clientIP(r)
			}
			allowed, err := limiter.Allow(r.Context(), key)
			if err != nil {
				// Fail open but leave a trace.
				obs.LogRequest(map[string]any{
					"ts":    time.Now().UTC().Format(time.RFC3339Nano),
					"level": "warn",
					"msg":   "rate_limiter_error",
					"error": err.Error(),
				})
			}
			if !allowed {
				obs.RateLimitDrops.Inc()
				w.Header().Set("Retry-After", strconv.Itoa(1))
				writeError(w, r, http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
