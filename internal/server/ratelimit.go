package server

import (
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"videosummary/internal/api"
	"videosummary/internal/models"
	"videosummary/internal/observability/metrics"
)

// RateLimitConfig sizes the two per-client token buckets: one for uploads,
// one for summary work. A zero capacity disables that bucket.
type RateLimitConfig struct {
	UploadPerMinute  int
	SummaryPerMinute int
}

// scopedLimiter holds one token bucket per client for a single scope. Idle
// clients are swept out so the map does not grow without bound.
type scopedLimiter struct {
	perMinute int

	mu      sync.Mutex
	clients map[string]*clientBucket
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newScopedLimiter(perMinute int) *scopedLimiter {
	return &scopedLimiter{
		perMinute: perMinute,
		clients:   make(map[string]*clientBucket),
	}
}

// allow consumes one token for key, reporting how long the client should
// wait when the bucket is empty.
func (s *scopedLimiter) allow(key string, now time.Time) (bool, time.Duration) {
	if s == nil || s.perMinute <= 0 {
		return true, 0
	}
	if key == "" {
		key = "unknown"
	}

	s.mu.Lock()
	bucket, exists := s.clients[key]
	if !exists {
		bucket = &clientBucket{
			limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(s.perMinute)), s.perMinute),
		}
		s.clients[key] = bucket
	}
	bucket.lastSeen = now
	s.cleanupLocked(now)
	s.mu.Unlock()

	reservation := bucket.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, time.Minute
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return false, delay
	}
	return true, 0
}

func (s *scopedLimiter) cleanupLocked(now time.Time) {
	if len(s.clients) == 0 {
		return
	}
	cutoff := now.Add(-2 * time.Minute)
	for key, bucket := range s.clients {
		if bucket.lastSeen.Before(cutoff) {
			delete(s.clients, key)
		}
	}
}

type rateLimiter struct {
	upload  *scopedLimiter
	summary *scopedLimiter
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	return &rateLimiter{
		upload:  newScopedLimiter(cfg.UploadPerMinute),
		summary: newScopedLimiter(cfg.SummaryPerMinute),
	}
}

// scopeForPath classifies a request into a bucket scope; empty means the
// path is not rate limited.
func scopeForPath(path string) string {
	switch {
	case path == "/api/uploads":
		return "upload"
	case path == "/api/summaries", path == "/api/cache/lookup":
		return "summary"
	}
	return ""
}

// clientKey identifies the caller: an API token if one is presented, else
// the first hop of X-Forwarded-For, else the remote host.
func clientKey(r *http.Request) string {
	if token := strings.TrimSpace(r.Header.Get("X-Api-Token")); token != "" {
		return "token:" + token
	}
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		if first := strings.TrimSpace(strings.Split(forwarded, ",")[0]); first != "" {
			return "ip:" + first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

func rateLimitMiddleware(rl *rateLimiter, recorder *metrics.Recorder, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope := scopeForPath(r.URL.Path)
		if scope == "" {
			next.ServeHTTP(w, r)
			return
		}

		limiter := rl.summary
		if scope == "upload" {
			limiter = rl.upload
		}
		allowed, retryAfter := limiter.allow(clientKey(r), time.Now())
		if allowed {
			next.ServeHTTP(w, r)
			return
		}

		seconds := int(math.Ceil(retryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
		recorder.ObserveRateLimited(scope)
		if logger != nil {
			logger.Warn("rate limit exceeded",
				"scope", scope, "path", r.URL.Path, "retry_after_s", seconds)
		}
		api.WriteKindError(w, r, models.KindTooManyRequests,
			fmt.Sprintf("%s rate limit exceeded, retry in %ds", scope, seconds))
	})
}
