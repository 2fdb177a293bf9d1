package security

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/mcncl/slowhello/internal/errors"
	"github.com/mcncl/slowhello/internal/metrics"
)

// RateLimiter provides global rate limiting
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter creates a new rate limiter with specified requests per minute
func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	return &RateLimiter{limiter: newLimiter(requestsPerMinute)}
}

// Allow reports whether a request may proceed now
func (l *RateLimiter) Allow() bool {
	return l.limiter.Allow()
}

func newLimiter(requestsPerMinute int) *rate.Limiter {
	return rate.NewLimiter(
		rate.Every(time.Minute/time.Duration(requestsPerMinute)),
		requestsPerMinute,
	)
}

// WithRateLimit applies global rate limiting to requests. A non-positive
// limit disables it.
func WithRateLimit(requestsPerMinute int) func(http.Handler) http.Handler {
	if requestsPerMinute <= 0 {
		return passthrough
	}
	limiter := NewRateLimiter(requestsPerMinute)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				reject(w, "global", requestsPerMinute)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // unix nanos
}

// IPRateLimiter provides per-IP rate limiting
type IPRateLimiter struct {
	ips               sync.Map // map[string]*ipEntry
	requestsPerMinute int
	trustForwardedFor bool
}

// IPRateLimiterOption configures an IPRateLimiter
type IPRateLimiterOption func(*IPRateLimiter)

// TrustForwardedFor keys clients by the first X-Forwarded-For address.
// Only safe behind a proxy that overwrites the header; otherwise any client
// can pick its own key.
func TrustForwardedFor(trust bool) IPRateLimiterOption {
	return func(i *IPRateLimiter) {
		i.trustForwardedFor = trust
	}
}

// NewIPRateLimiter creates a new IP-based rate limiter. Clients are keyed by
// the connection's remote address unless TrustForwardedFor is given.
func NewIPRateLimiter(requestsPerMinute int, opts ...IPRateLimiterOption) *IPRateLimiter {
	i := &IPRateLimiter{requestsPerMinute: requestsPerMinute}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// ClientIP returns the key r is limited under
func (i *IPRateLimiter) ClientIP(r *http.Request) string {
	return getIP(r, i.trustForwardedFor)
}

// GetLimiter returns the rate limiter for a specific IP
func (i *IPRateLimiter) GetLimiter(ip string) *rate.Limiter {
	v, ok := i.ips.Load(ip)
	if !ok {
		v, _ = i.ips.LoadOrStore(ip, &ipEntry{limiter: newLimiter(i.requestsPerMinute)})
	}
	entry := v.(*ipEntry)
	entry.lastSeen.Store(time.Now().UnixNano())
	return entry.limiter
}

// CleanupExpired drops limiters for IPs not seen within idle
func (i *IPRateLimiter) CleanupExpired(idle time.Duration) int {
	cutoff := time.Now().Add(-idle).UnixNano()
	removed := 0
	i.ips.Range(func(key, value interface{}) bool {
		if value.(*ipEntry).lastSeen.Load() < cutoff {
			i.ips.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

// Len returns the number of tracked IPs
func (i *IPRateLimiter) Len() int {
	n := 0
	i.ips.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// RunCleanup calls CleanupExpired every interval until ctx is done
func (i *IPRateLimiter) RunCleanup(ctx context.Context, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			i.CleanupExpired(idle)
		}
	}
}

// WithIPRateLimit applies per-IP rate limiting to requests using limiter.
// A nil limiter disables it.
func WithIPRateLimit(limiter *IPRateLimiter) func(http.Handler) http.Handler {
	if limiter == nil || limiter.requestsPerMinute <= 0 {
		return passthrough
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.GetLimiter(limiter.ClientIP(r)).Allow() {
				reject(w, "ip", limiter.requestsPerMinute)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func passthrough(next http.Handler) http.Handler { return next }

func reject(w http.ResponseWriter, limiter string, requestsPerMinute int) {
	metrics.RecordRateLimited(limiter)

	err := errors.WithDetails(
		errors.NewRateLimitError("too many requests"),
		map[string]interface{}{"limiter": limiter, "requests_per_minute": requestsPerMinute},
	)
	w.Header().Set("Retry-After", strconv.Itoa(int((time.Minute / time.Duration(requestsPerMinute)).Seconds())+1))
	_ = errors.WriteJSON(w, http.StatusTooManyRequests, err)
}

// getIP extracts the client IP from the request. X-Forwarded-For is only
// consulted when trustForwarded is set.
func getIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
			// Take the first IP if multiple are present
			if i := strings.Index(ip, ","); i > -1 {
				ip = ip[:i]
			}
			if ip = strings.TrimSpace(ip); ip != "" {
				return ip
			}
		}
	}

	// Fall back to RemoteAddr
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
