package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/time/rate"
)

// limiterIdleTimeout is how long an unused per-IP limiter is kept
const limiterIdleTimeout = 10 * time.Minute

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter manages per-IP rate limiters using token bucket algorithm
type IPRateLimiter struct {
	limiters map[string]*ipLimiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
}

// NewIPRateLimiter creates a new IP-based rate limiter
func NewIPRateLimiter(requestsPerMinute int) *IPRateLimiter {
	r := rate.Limit(float64(requestsPerMinute) / 60.0)
	return &IPRateLimiter{
		limiters: make(map[string]*ipLimiter),
		rate:     r,
		burst:    requestsPerMinute,
	}
}

// GetLimiter returns the rate limiter for a given IP
func (ipl *IPRateLimiter) GetLimiter(ip string) *rate.Limiter {
	ipl.mu.Lock()
	defer ipl.mu.Unlock()

	entry, exists := ipl.limiters[ip]
	if !exists {
		entry = &ipLimiter{limiter: rate.NewLimiter(ipl.rate, ipl.burst)}
		ipl.limiters[ip] = entry
	}
	entry.lastSeen = time.Now()

	return entry.limiter
}

// Cleanup drops limiters idle for longer than maxIdle and returns how many were removed
func (ipl *IPRateLimiter) Cleanup(maxIdle time.Duration) int {
	ipl.mu.Lock()
	defer ipl.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	for ip, entry := range ipl.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(ipl.limiters, ip)
			removed++
		}
	}
	return removed
}

// Run periodically cleans up idle limiters until ctx is cancelled
func (ipl *IPRateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(limiterIdleTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := ipl.Cleanup(limiterIdleTimeout); removed > 0 {
				logger.Debug("Cleaned up idle rate limiters", "removed", removed)
			}
		}
	}
}

// RateLimitMiddleware creates rate limiting middleware
func RateLimitMiddleware(limiter *IPRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := getClientIP(r)
			l := limiter.GetLimiter(ip)

			remaining := int(l.Tokens())
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

			if !l.Allow() {
				WriteError(w, http.StatusTooManyRequests, ErrCodeRateLimited, "Too Many Requests")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// getClientIP extracts the client IP from the request
func getClientIP(r *http.Request) string {
	xff := r.Header.Get("X-Forwarded-For")
	if xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	xri := r.Header.Get("X-Real-IP")
	if xri != "" {
		return xri
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// BodySizeLimitMiddleware limits the request body size for POST/PUT/PATCH requests
func BodySizeLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// DecodeJSONBody decodes JSON body and handles max bytes errors appropriately
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			WriteError(w, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge, "Payload Too Large")
			return err
		}
		WriteError(w, http.StatusBadRequest, ErrCodeInvalidBody, "Invalid request body")
		return err
	}
	return nil
}

type contextKey string

// RequestIDContextKey is the context key for request IDs
const RequestIDContextKey contextKey = "requestID"

// RequestIDMiddleware generates a UUID for each request and adds it to context and response header
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		w.Header().Set("X-Request-ID", requestID)

		ctx := context.WithValue(r.Context(), RequestIDContextKey, requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID retrieves the request ID from context
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDContextKey).(string); ok {
		return id
	}
	return ""
}

// MetricsMiddleware records HTTP request metrics, labelled by route template
// so that identity IDs in paths do not explode label cardinality
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := routeTemplate(r)
		status := strconv.Itoa(wrapped.statusCode)

		httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// statusResponseWriter wraps http.ResponseWriter to capture status code
type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Validation helpers

var identityIDRegex = regexp.MustCompile(`^[a-f0-9]{16}$`)

// IsValidIdentityID checks if an identity ID has valid format (16 lowercase hex characters)
func IsValidIdentityID(id string) bool {
	return identityIDRegex.MatchString(id)
}

// Field length limits
const (
	MaxFactIDLength        = 128
	MaxResourceClassLength = 64
	MaxPublicKeyHexLength  = 512
)

// ValidateStringField checks for max length and control characters
func ValidateStringField(s string, maxLength int) bool {
	if len(s) > maxLength {
		return false
	}
	return !ContainsControlCharacters(s)
}

// ContainsControlCharacters checks if a string contains invalid control characters
func ContainsControlCharacters(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return true
		}
	}
	return false
}
