package utils

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"
)

// MaxBodyBytes caps ingest request bodies.
const MaxBodyBytes = 1 << 20

// RateLimiter holds rate limiting information
type RateLimiter struct {
	mu sync.Mutex
	// Map IP addresses to rate limiters
	ips map[string]*IPRateLimiter
	// Rate at which tokens are regenerated
	rate rate.Limit
	// Burst of requests allowed
	burst int
}

// IPRateLimiter holds the limiter for each IP
type IPRateLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(r rate.Limit, burst int) *RateLimiter {
	return &RateLimiter{
		ips:   make(map[string]*IPRateLimiter),
		rate:  r,
		burst: burst,
	}
}

// Allow reports whether ip may make one more request now
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	entry, exists := rl.ips[ip]
	if !exists {
		entry = &IPRateLimiter{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.ips[ip] = entry
	}
	entry.lastSeen = time.Now()
	rl.mu.Unlock()

	return entry.limiter.Allow()
}

// Sweep drops limiters idle for longer than idle
func (rl *RateLimiter) Sweep(idle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for ip, entry := range rl.ips {
		if time.Since(entry.lastSeen) > idle {
			delete(rl.ips, ip)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked IPs
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.ips)
}

// RateLimitMiddleware returns a per-IP rate limiting middleware. The idle
// sweeper is owned by the caller (see RateLimiter.Sweep).
func RateLimitMiddleware(rl *RateLimiter) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.Allow(getIP(r)) {
				SendErrorResponse(w, NewAPIError("Rate limit exceeded", http.StatusTooManyRequests))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Get IP address from request
func getIP(r *http.Request) string {
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		ips := strings.Split(forwarded, ",")
		return strings.TrimSpace(ips[0])
	}

	realIP := r.Header.Get("X-Real-IP")
	if realIP != "" {
		return realIP
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// InputValidationMiddleware sets security headers and rejects bad content
// types and path traversal attempts.
func InputValidationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")

		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			contentType := r.Header.Get("Content-Type")
			if contentType != "" && !strings.HasPrefix(contentType, "application/json") {
				SendErrorResponse(w, NewAPIError("Invalid content type", http.StatusUnsupportedMediaType))
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
		}

		if strings.Contains(r.URL.Path, "..") || strings.Contains(r.URL.Path, "/.") {
			SendErrorResponse(w, NewAPIError("Invalid path", http.StatusBadRequest))
			return
		}

		next.ServeHTTP(w, r)
	})
}
