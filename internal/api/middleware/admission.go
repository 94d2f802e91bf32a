// Package middleware implements the admission controls applied to every
// non-health request: a request size cap and a per-client-IP sliding
// window rate limit.
package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"

	"github.com/flowrun/flowrun/internal/api/response"
	"github.com/flowrun/flowrun/internal/metrics"
	"github.com/flowrun/flowrun/internal/ratelimit"
)

// exemptPaths bypass admission entirely.
var exemptPaths = map[string]bool{
	"/health": true,
}

// Admission builds the admission middleware. The limiter is owned by the
// server; metrics may be nil.
func Admission(limiter *ratelimit.SlidingWindowLimiter, maxRequestSize int64, m *metrics.Metrics, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if exemptPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			if r.ContentLength > maxRequestSize {
				if m != nil {
					m.RequestSizeRejects.Inc()
				}
				logger.Warn("request too large",
					"path", r.URL.Path,
					"content_length", r.ContentLength,
					"max_size", maxRequestSize,
				)
				response.JSON(w, http.StatusRequestEntityTooLarge, map[string]any{
					"error":         "Request too large",
					"max_size":      maxRequestSize,
					"received_size": r.ContentLength,
				})
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestSize)

			clientIP := clientAddr(r)
			if !limiter.Allow(clientIP) {
				retryAfter := int(math.Ceil(limiter.RetryAfter(clientIP).Seconds()))
				if m != nil {
					m.RateLimitRejects.Inc()
				}
				logger.Warn("rate limit exceeded",
					"client_ip", clientIP,
					"path", r.URL.Path,
					"retry_after", retryAfter,
				)
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				response.JSON(w, http.StatusTooManyRequests, map[string]any{
					"error":       "Rate limit exceeded",
					"retry_after": retryAfter,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientAddr extracts the client IP, tolerating bare hosts without ports.
func clientAddr(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
