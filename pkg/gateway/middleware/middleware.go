package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// HTTPMiddleware wraps an http.Handler.
type HTTPMiddleware func(http.Handler) http.Handler

// ErrorBody is the JSON shape of every gateway error.
type ErrorBody struct {
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

// JSONError writes an ErrorBody with status.
func JSONError(w http.ResponseWriter, status int, kind, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorBody{Kind: kind, Error: msg})
}

// APIKeyAuth enforces a shared secret sent via X-API-Key or Bearer token.
// An empty key disables the check.
func APIKeyAuth(key string) HTTPMiddleware {
	secret := strings.TrimSpace(key)
	if secret == "" {
		return passthrough
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if subtle.ConstantTimeCompare([]byte(extractAPIKey(r)), []byte(secret)) != 1 {
				JSONError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid api key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractAPIKey(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-API-Key")); v != "" {
		return v
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// RateLimitOptions configures the token bucket limiter.
type RateLimitOptions struct {
	Requests int
	Window   time.Duration
	// PerClient keeps one bucket per remote IP instead of one shared bucket.
	PerClient bool
	Now       func() time.Time
}

// RateLimit enforces a token bucket over requests. A zero Requests or
// Window disables it.
func RateLimit(opts RateLimitOptions) HTTPMiddleware {
	if opts.Requests <= 0 || opts.Window <= 0 {
		return passthrough
	}
	buckets := &bucketSet{opts: opts, shared: newTokenBucket(opts), perClient: map[string]*tokenBucket{}}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !buckets.get(r).Allow() {
				w.Header().Set("Retry-After", "1")
				JSONError(w, http.StatusTooManyRequests, "rate limited", "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Logger logs one line per request with slog.
func Logger(log *slog.Logger) HTTPMiddleware {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", chimw.GetReqID(r.Context()),
				"remote", r.RemoteAddr,
			)
		})
	}
}

func passthrough(next http.Handler) http.Handler { return next }

type bucketSet struct {
	opts      RateLimitOptions
	shared    *tokenBucket
	mu        sync.Mutex
	perClient map[string]*tokenBucket
}

func (b *bucketSet) get(r *http.Request) *tokenBucket {
	if !b.opts.PerClient {
		return b.shared
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	tb, ok := b.perClient[host]
	if !ok {
		tb = newTokenBucket(b.opts)
		b.perClient[host] = tb
	}
	return tb
}

type tokenBucket struct {
	mu           sync.Mutex
	capacity     float64
	tokens       float64
	refillPerSec float64
	last         time.Time
	now          func() time.Time
}

func newTokenBucket(opts RateLimitOptions) *tokenBucket {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &tokenBucket{
		capacity:     float64(opts.Requests),
		tokens:       float64(opts.Requests),
		refillPerSec: float64(opts.Requests) / opts.Window.Seconds(),
		last:         now(),
		now:          now,
	}
}

func (t *tokenBucket) Allow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	elapsed := now.Sub(t.last).Seconds()
	if elapsed > 0 {
		t.tokens += elapsed * t.refillPerSec
		if t.tokens > t.capacity {
			t.tokens = t.capacity
		}
		t.last = now
	}
	if t.tokens < 1 {
		return false
	}
	t.tokens--
	return true
}
