package api

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	protocolRateLimitPerSec = 20.0
	protocolRateLimitBurst  = 40.0

	limiterBucketTTL       = 10 * time.Minute
	limiterCleanupInterval = time.Minute
)

type rateLimitBucket struct {
	tokens     float64
	lastRefill time.Time
	lastSeen   time.Time
}

type tokenBucketLimiter struct {
	mu          sync.Mutex
	ratePerSec  float64
	burst       float64
	buckets     map[string]rateLimitBucket
	lastCleanup time.Time
}

func newTokenBucketLimiter(ratePerSec, burst float64) *tokenBucketLimiter {
	return &tokenBucketLimiter{
		ratePerSec: ratePerSec,
		burst:      burst,
		buckets:    make(map[string]rateLimitBucket),
	}
}

func (l *tokenBucketLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.buckets[key]
	if b.lastRefill.IsZero() {
		b.tokens = l.burst
		b.lastRefill = now
	}
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * l.ratePerSec
		if b.tokens > l.burst {
			b.tokens = l.burst
		}
		b.lastRefill = now
	}
	b.lastSeen = now
	allowed := b.tokens >= 1.0
	if allowed {
		b.tokens -= 1.0
	}
	l.buckets[key] = b

	if l.lastCleanup.IsZero() || now.Sub(l.lastCleanup) >= limiterCleanupInterval {
		for k, entry := range l.buckets {
			if now.Sub(entry.lastSeen) > limiterBucketTTL {
				delete(l.buckets, k)
			}
		}
		l.lastCleanup = now
	}
	return allowed
}

// requestRateLimiter throttles the Smart HTTP surface per client IP. The
// teacher corpus splits limiters by route scope (auth/api/protocol); this
// server only exposes the protocol scope, so a single bucket suffices.
type requestRateLimiter struct {
	protocol *tokenBucketLimiter
}

func newRequestRateLimiter() *requestRateLimiter {
	return &requestRateLimiter{
		protocol: newTokenBucketLimiter(protocolRateLimitPerSec, protocolRateLimitBurst),
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func generateRequestID() string {
	return uuid.NewString()
}

// clientIPResolver extracts the real client address from a request,
// honoring X-Forwarded-For only when the immediate peer is a configured
// trusted proxy. With no trusted CIDRs configured it falls back to the
// TCP peer address, ignoring X-Forwarded-For entirely.
type clientIPResolver struct {
	trusted []*net.IPNet
}

func newClientIPResolver(trustedProxyCIDRs []string) *clientIPResolver {
	r := &clientIPResolver{}
	for _, cidr := range trustedProxyCIDRs {
		if _, ipnet, err := net.ParseCIDR(strings.TrimSpace(cidr)); err == nil {
			r.trusted = append(r.trusted, ipnet)
		}
	}
	return r
}

func (r *clientIPResolver) isTrustedProxy(ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, n := range r.trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (r *clientIPResolver) clientIPFromRequest(req *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		host = strings.TrimSpace(req.RemoteAddr)
	}
	if r != nil && r.isTrustedProxy(net.ParseIP(host)) {
		if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
			if idx := strings.Index(forwarded, ","); idx >= 0 {
				forwarded = strings.TrimSpace(forwarded[:idx])
			}
			if forwarded != "" {
				return forwarded
			}
		}
	}
	return host
}

func requestLoggingMiddleware(resolver *clientIPResolver, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := generateRequestID()
		w.Header().Set("X-Request-ID", reqID)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Info("request",
			"request_id", reqID,
			"method", r.Method,
			"path", r.URL.RequestURI(),
			"status", rec.status,
			"duration", time.Since(start),
			"ip", resolver.clientIPFromRequest(r),
		)
	})
}

func corsMiddleware(allowedOrigins []string, next http.Handler) http.Handler {
	if len(allowedOrigins) == 0 {
		return next
	}
	origin := strings.Join(allowedOrigins, " ")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		w.Header().Set("Access-Control-Max-Age", "600")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestRateLimitMiddleware(resolver *clientIPResolver, limiter *requestRateLimiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if limiter == nil || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		key := resolver.clientIPFromRequest(r)
		if !limiter.protocol.allow(key, time.Now()) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// maxReceivePackBodyBytes caps an incoming receive-pack upload. It is a
// var rather than a const so tests can shrink it without allocating a
// multi-gigabyte body.
var maxReceivePackBodyBytes int64 = 2 << 30 // 2 GiB

// requestBodyLimitMiddleware caps the size of incoming receive-pack
// uploads so a misbehaving client cannot exhaust server memory or disk
// while the pack is being streamed into the object store.
func requestBodyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/git-receive-pack") {
			next.ServeHTTP(w, r)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxReceivePackBodyBytes)
		next.ServeHTTP(w, r)
	})
}
