package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SecurityHeaders adds OWASP-recommended headers to all responses.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Content-Security-Policy", "default-src 'self'")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security",
				"max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimitConfig configures the per-client request limiter.
type RateLimitConfig struct {
	RequestsPerMin int
	BurstSize      int
	// TrustedProxies lists proxy IPs whose X-Forwarded-For / X-Real-IP
	// headers are honored. Empty means headers are ignored and the direct
	// connection IP is used, which prevents spoofed client addresses.
	TrustedProxies []string
}

// RateLimit applies token bucket rate limiting per client IP. The context
// bounds the lifetime of the stale-entry cleanup goroutine.
func RateLimit(ctx context.Context, requestsPerMin, burstSize int) func(http.Handler) http.Handler {
	return RateLimitWithConfig(ctx, RateLimitConfig{
		RequestsPerMin: requestsPerMin,
		BurstSize:      burstSize,
	})
}

// RateLimitWithConfig is RateLimit with trusted proxy support.
func RateLimitWithConfig(ctx context.Context, cfg RateLimitConfig) func(http.Handler) http.Handler {
	type client struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}

	clients := make(map[string]*client)
	mu := &sync.Mutex{}

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				mu.Lock()
				for ip, c := range clients {
					if time.Since(c.lastSeen) > 3*time.Minute {
						delete(clients, ip)
					}
				}
				mu.Unlock()
			case <-ctx.Done():
				return
			}
		}
	}()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r, cfg.TrustedProxies)

			mu.Lock()
			c, ok := clients[ip]
			if !ok {
				// requestsPerMin spread over 60 seconds
				c = &client{limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerMin)/60.0, cfg.BurstSize)}
				clients[ip] = c
			}
			c.lastSeen = time.Now()
			limiter := c.limiter
			mu.Unlock()

			if !limiter.Allow() {
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP resolves the client address, honoring proxy headers only when the
// direct peer is a configured trusted proxy.
func clientIP(r *http.Request, trustedProxies []string) string {
	directIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(directIP); err == nil {
		directIP = host
	}

	trusted := false
	for _, p := range trustedProxies {
		if directIP == p {
			trusted = true
			break
		}
	}
	if !trusted {
		return directIP
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// First entry is the originating client.
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	return directIP
}
