package middleware

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pathmark/backend/internal/auth"
)

// RateLimiter enforces a fixed-window per-credential request budget.
// Counters live in Redis so the limit holds across instances; when
// Redis is unavailable the limiter falls back to per-process in-memory
// windows rather than failing requests.
type RateLimiter struct {
	rdb       *redis.Client
	perMinute int
	logger    *log.Logger

	mu      sync.Mutex
	windows map[string]*memWindow
}

type memWindow struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter creates the limiter. rdb may be nil to run purely
// in-memory.
func NewRateLimiter(rdb *redis.Client, perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 120
	}
	rl := &RateLimiter{
		rdb:       rdb,
		perMinute: perMinute,
		logger:    log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
		windows:   make(map[string]*memWindow),
	}
	go rl.sweep()
	return rl
}

// Allow reports whether one more request from key fits the current
// minute window.
func (rl *RateLimiter) Allow(ctx context.Context, key string) bool {
	if rl.rdb != nil {
		allowed, err := rl.allowRedis(ctx, key)
		if err == nil {
			return allowed
		}
		rl.logger.Printf("⚠️  Redis unavailable, using in-memory window: %v", err)
	}
	return rl.allowMemory(key)
}

func (rl *RateLimiter) allowRedis(ctx context.Context, key string) (bool, error) {
	window := time.Now().Unix() / 60
	redisKey := fmt.Sprintf("ratelimit:%s:%d", key, window)

	pipe := rl.rdb.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, 2*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}

	count := incr.Val()
	if count > int64(rl.perMinute) {
		rl.logger.Printf("Rate limit exceeded: key=%s count=%d limit=%d", key, count, rl.perMinute)
		return false, nil
	}
	return true, nil
}

func (rl *RateLimiter) allowMemory(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[key]
	if !ok || now.Sub(w.windowStart) > time.Minute {
		rl.windows[key] = &memWindow{count: 1, windowStart: now}
		return true
	}
	w.count++
	return w.count <= rl.perMinute
}

// sweep drops stale in-memory windows.
func (rl *RateLimiter) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		now := time.Now()
		for key, w := range rl.windows {
			if now.Sub(w.windowStart) > 2*time.Minute {
				delete(rl.windows, key)
			}
		}
		rl.mu.Unlock()
	}
}

// Middleware keys the window on the authenticated principal, falling
// back to the client IP for anonymous routes.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		if !rl.Allow(r.Context(), key) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded","retry_after_seconds":60}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	if p := auth.PrincipalFrom(r.Context()); p != nil {
		switch p.Kind {
		case auth.KindAPIKey:
			return fmt.Sprintf("key:%d", p.APIKeyID)
		case auth.KindDeviceToken:
			return fmt.Sprintf("device:%d", p.DeviceID)
		case auth.KindUserSession:
			return "user:" + p.UserID.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}
