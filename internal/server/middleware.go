// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"crypto/subtle"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ============================================================================
// Auth Middleware
// ============================================================================

// AuthMiddleware rejects requests whose bearer token does not match token.
// An empty token disables authentication. /health is always open.
func AuthMiddleware(token string, log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" || r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}

			clientIP := GetClientIP(r)
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				log.Warn().Str("ip", clientIP).Str("reason", "missing_bearer").Msg("auth denied")
				writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
				return
			}
			if !ValidateBearerToken(strings.TrimPrefix(authHeader, "Bearer "), token) {
				log.Warn().Str("ip", clientIP).Str("reason", "invalid_token").Msg("auth denied")
				writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ValidateBearerToken compares tokens in constant time. Returns false if
// either token is empty.
func ValidateBearerToken(token, expected string) bool {
	if token == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1
}

// ============================================================================
// Rate Limiter
// ============================================================================

// RateLimiter is a token bucket per client IP.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewRateLimiter allows perSecond requests per IP with the given burst.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

// Allow reports whether a request from ip may proceed now.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	lim, ok := rl.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(rl.limit, rl.burst)
		rl.limiters[ip] = lim
	}
	rl.mu.Unlock()
	return lim.Allow()
}

// RateLimitMiddleware returns 429 when a client exceeds its budget.
func RateLimitMiddleware(limiter *RateLimiter, log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := GetClientIP(r)
			w.Header().Set("X-RateLimit-Limit", strconv.FormatFloat(float64(limiter.limit), 'f', -1, 64))
			if !limiter.Allow(clientIP) {
				w.Header().Set("Retry-After", "1")
				log.Warn().Str("ip", clientIP).Msg("rate limit exceeded")
				writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ============================================================================
// Request Logging Middleware
// ============================================================================

// responseWriter captures the status code. It forwards Flush so streaming
// handlers keep working behind it.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// LoggingMiddleware logs method, path, status and duration of every request.
func LoggingMiddleware(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := newResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", wrapped.statusCode).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

// ============================================================================
// Recovery Middleware
// ============================================================================

// RecoveryMiddleware turns a handler panic into a 500 and logs the stack.
func RecoveryMiddleware(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.Error().
						Str("method", r.Method).
						Str("path", r.URL.Path).
						Interface("panic", err).
						Bytes("stack", debug.Stack()).
						Msg("panic recovered")
					writeError(w, http.StatusInternalServerError, "internal", "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// ============================================================================
// Middleware Chain Helper
// ============================================================================

// Chain composes middleware so they run in the order given.
func Chain(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// ============================================================================
// IP Extraction Helper
// ============================================================================

// trustedProxies may set X-Forwarded-For and X-Real-IP.
var trustedProxies = []string{
	"127.0.0.1/32",
	"::1/128",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"fc00::/7",
}

var (
	parsedTrustedProxies []*net.IPNet
	trustedProxiesOnce   sync.Once
)

func isTrustedProxy(ipStr string) bool {
	trustedProxiesOnce.Do(func() {
		for _, cidr := range trustedProxies {
			if _, ipNet, err := net.ParseCIDR(cidr); err == nil {
				parsedTrustedProxies = append(parsedTrustedProxies, ipNet)
			}
		}
	})

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, cidr := range parsedTrustedProxies {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// GetClientIP returns the client address. Forwarded headers are honoured
// only when the connection comes from a trusted proxy.
func GetClientIP(r *http.Request) string {
	connIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		connIP = r.RemoteAddr
	}
	if !isTrustedProxy(connIP) {
		return connIP
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if net.ParseIP(first) != nil {
			return first
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(xri) != nil {
		return xri
	}
	return connIP
}
