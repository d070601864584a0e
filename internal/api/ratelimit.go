package api

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// sweepEvery is the number of admissions between stale-bucket sweeps.
	sweepEvery = 256

	// staleAfter is how long an idle IP keeps its bucket.
	staleAfter = 10 * time.Minute
)

// ipThrottle admits requests per client IP through token buckets. Buckets
// for idle IPs are swept every sweepEvery admissions, so memory stays
// proportional to the active client set without a janitor goroutine.
type ipThrottle struct {
	mu      sync.Mutex
	buckets map[string]*ipBucket
	rate    rate.Limit
	burst   int
	ops     int
}

type ipBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// newRateLimiter creates a per-IP throttle refilling perSec tokens per
// second, with burst tokens available up front.
func newRateLimiter(perSec float64, burst int) *ipThrottle {
	return &ipThrottle{
		buckets: make(map[string]*ipBucket),
		rate:    rate.Limit(perSec),
		burst:   burst,
	}
}

// allow reports whether a request from ip may proceed, consuming one
// token when it does. Unknown IPs get a fresh bucket.
func (t *ipThrottle) allow(ip string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()

	t.ops++
	if t.ops >= sweepEvery {
		t.sweep(now)
		t.ops = 0
	}

	b := t.buckets[ip]
	if b == nil {
		b = &ipBucket{lim: rate.NewLimiter(t.rate, t.burst)}
		t.buckets[ip] = b
	}
	b.lastSeen = now
	return b.lim.Allow()
}

// sweep drops buckets idle longer than staleAfter. Caller holds mu.
func (t *ipThrottle) sweep(now time.Time) {
	for ip, b := range t.buckets {
		if now.Sub(b.lastSeen) > staleAfter {
			delete(t.buckets, ip)
		}
	}
}

// rateLimitMiddleware rejects requests from IPs that exhausted their
// token bucket with 429 and a Retry-After hint.
func rateLimitMiddleware(t *ipThrottle, trustProxy bool, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r, trustProxy)
			if !t.allow(ip) {
				logger.Warn("rate limit exceeded",
					"ip", ip,
					"path", r.URL.Path,
					"method", r.Method,
				)
				w.Header().Set("Retry-After", "1")
				WriteError(w, http.StatusTooManyRequests, "rate_limited", "too many requests", logger)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP resolves the address a request should be throttled under.
//
// Behind a trusted proxy the forwarded headers are consulted, first hop
// only, and the value must parse as an IP so header garbage cannot mint
// fresh buckets. Otherwise the peer address is authoritative.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		for _, header := range []string{"X-Real-IP", "X-Forwarded-For"} {
			raw := r.Header.Get(header)
			if raw == "" {
				continue
			}
			if first, _, found := strings.Cut(raw, ","); found {
				raw = first
			}
			if ip := net.ParseIP(strings.TrimSpace(raw)); ip != nil {
				return ip.String()
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
