package api

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"lolbin-sentinel/internal/config"
)

// APIError is the structured error body for all non-2xx responses.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, code, message, details string) {
	writeJSON(w, status, APIError{Code: code, Message: message, Details: details})
}

// exemptPaths are never rate limited or authenticated. Probes and scrapers
// hit these on tight intervals.
var exemptPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// rateLimiter is a fixed-window per-IP limiter with background cleanup of
// idle entries.
type rateLimiter struct {
	cfg     config.RateLimitConfig
	mu      sync.Mutex
	clients map[string]*clientWindow
	stopCh  chan struct{}
	logger  *slog.Logger
}

type clientWindow struct {
	count     int
	windowEnd time.Time
}

func newRateLimiter(cfg config.RateLimitConfig, logger *slog.Logger) *rateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	rl := &rateLimiter{
		cfg:     cfg,
		clients: make(map[string]*clientWindow),
		stopCh:  make(chan struct{}),
		logger:  logger,
	}
	if cfg.CleanupPeriod > 0 {
		go rl.cleanupLoop()
	}
	return rl
}

// allow reports whether a request from ip fits the current window, plus the
// remaining request count and the window reset time.
func (rl *rateLimiter) allow(ip string) (bool, int, time.Time) {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	client, ok := rl.clients[ip]
	if !ok || now.After(client.windowEnd) {
		client = &clientWindow{windowEnd: now.Add(rl.cfg.WindowSize)}
		rl.clients[ip] = client
	}

	if client.count >= rl.cfg.RequestsPerIP {
		return false, 0, client.windowEnd
	}
	client.count++
	return true, rl.cfg.RequestsPerIP - client.count, client.windowEnd
}

func (rl *rateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cfg.CleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *rateLimiter) cleanup() {
	threshold := time.Now().Add(-2 * rl.cfg.WindowSize)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for ip, client := range rl.clients {
		if client.windowEnd.Before(threshold) {
			delete(rl.clients, ip)
			removed++
		}
	}
	if removed > 0 {
		rl.logger.Debug("rate limiter cleanup", "removed", removed, "remaining", len(rl.clients))
	}
}

func (rl *rateLimiter) stop() {
	close(rl.stopCh)
}

// middleware applies the rate limit and sets the standard X-RateLimit
// headers. Exceeding clients receive 429 with Retry-After.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.cfg.Enabled || exemptPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		ip := clientIP(r, rl.cfg.TrustProxy)
		allowed, remaining, resetAt := rl.allow(ip)

		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", rl.cfg.RequestsPerIP))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", resetAt.Unix()))

		if !allowed {
			rl.logger.Warn("rate limit exceeded", "ip", ip, "path", r.URL.Path, "method", r.Method)
			retryAfter := int(time.Until(resetAt).Seconds()) + 1
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			writeJSONError(w, http.StatusTooManyRequests, "RATE_LIMITED",
				"too many requests", fmt.Sprintf("retry after %d seconds", retryAfter))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientIP extracts the caller address. Behind a trusted proxy the rightmost
// X-Forwarded-For entry wins since the client cannot spoof it.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			for i := len(parts) - 1; i >= 0; i-- {
				if ip := strings.TrimSpace(parts[i]); ip != "" {
					return ip
				}
			}
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// authMiddleware checks the X-API-Key header (or a bearer token) against the
// configured key set using constant-time comparison.
func authMiddleware(cfg config.AuthConfig, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cfg.Enabled || exemptPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get("X-API-Key")
		if key == "" {
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if key == "" {
			writeJSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing API key", "")
			return
		}

		for _, valid := range cfg.APIKeys {
			if subtle.ConstantTimeCompare([]byte(key), []byte(valid)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}
		writeJSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid API key", "")
	})
}
