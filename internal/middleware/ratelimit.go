// Package middleware provides HTTP middleware for the dashboard API.
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"sectrail/internal/metrics"
	"sectrail/internal/monitor"
	"sectrail/internal/schema"
)

// RateLimitConfig configures per-IP request limiting.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RequestsPerIP int           `yaml:"requests_per_ip"`
	BurstSize     int           `yaml:"burst_size"`
	Window        time.Duration `yaml:"window"`
	CleanupPeriod time.Duration `yaml:"cleanup_period"`
	ExemptPaths   []string      `yaml:"exempt_paths"`

	// TrustProxy resolves the client from X-Real-IP / X-Forwarded-For.
	TrustProxy bool `yaml:"trust_proxy"`
}

// DefaultRateLimitConfig returns the default limiter settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:       true,
		RequestsPerIP: 120,
		BurstSize:     30,
		Window:        time.Minute,
		CleanupPeriod: 5 * time.Minute,
		ExemptPaths:   []string{"/health"},
	}
}

// Validate checks the limiter settings.
func (c RateLimitConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.RequestsPerIP <= 0 || c.BurstSize < 0 {
		return fmt.Errorf("rate_limit: requests_per_ip must be positive and burst_size non-negative")
	}
	if c.Window <= 0 || c.CleanupPeriod <= 0 {
		return fmt.Errorf("rate_limit: window and cleanup_period must be positive")
	}
	return nil
}

// EventLogger records rejected clients as security events.
type EventLogger interface {
	LogSecurityEvent(ctx context.Context, in monitor.LogInput) (*schema.SecurityEvent, error)
}

// RateLimiter is a fixed-window per-IP request limiter.
type RateLimiter struct {
	cfg     RateLimitConfig
	exempt  map[string]bool
	events  EventLogger
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.Mutex
	clients map[string]*clientState

	limited atomic.Uint64
	allowed atomic.Uint64

	stop chan struct{}
	once sync.Once
}

type clientState struct {
	count     int
	windowEnd time.Time
	reported  bool // a RATE_LIMIT_EXCEEDED event was logged this window
}

// NewRateLimiter creates a limiter and starts its cleanup loop. events may be
// nil, in which case rejections are only logged.
func NewRateLimiter(cfg RateLimitConfig, events EventLogger, logger *slog.Logger, m *metrics.Metrics) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	exempt := make(map[string]bool, len(cfg.ExemptPaths))
	for _, p := range cfg.ExemptPaths {
		exempt[p] = true
	}
	rl := &RateLimiter{
		cfg:     cfg,
		exempt:  exempt,
		events:  events,
		logger:  logger,
		metrics: m,
		now:     time.Now,
		clients: make(map[string]*clientState),
		stop:    make(chan struct{}),
	}
	if cfg.Enabled && cfg.CleanupPeriod > 0 {
		go rl.cleanupLoop()
	}
	return rl
}

// Allow counts a request from ip. It returns whether the request is allowed,
// the requests left in the window and when the window resets. firstDenial is
// set on the first rejection of a window.
func (rl *RateLimiter) Allow(ip string) (allowed bool, remaining int, reset time.Time, firstDenial bool) {
	now := rl.now()
	limit := rl.cfg.RequestsPerIP + rl.cfg.BurstSize

	rl.mu.Lock()
	defer rl.mu.Unlock()

	c, ok := rl.clients[ip]
	if !ok || now.After(c.windowEnd) {
		c = &clientState{windowEnd: now.Add(rl.cfg.Window)}
		rl.clients[ip] = c
	}

	if c.count >= limit {
		first := !c.reported
		c.reported = true
		return false, 0, c.windowEnd, first
	}
	c.count++
	return true, limit - c.count, c.windowEnd, false
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stop:
			return
		}
	}
}

func (rl *RateLimiter) cleanup() {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for ip, c := range rl.clients {
		if now.After(c.windowEnd) {
			delete(rl.clients, ip)
			removed++
		}
	}
	if removed > 0 {
		rl.logger.Debug("rate limiter cleanup", "removed", removed, "remaining", len(rl.clients))
	}
}

// Stop ends the cleanup loop.
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

// Stats holds limiter counters.
type Stats struct {
	TrackedIPs int    `json:"tracked_ips"`
	Allowed    uint64 `json:"allowed"`
	Limited    uint64 `json:"limited"`
}

// Stats returns current limiter counters.
func (rl *RateLimiter) Stats() Stats {
	rl.mu.Lock()
	n := len(rl.clients)
	rl.mu.Unlock()
	return Stats{TrackedIPs: n, Allowed: rl.allowed.Load(), Limited: rl.limited.Load()}
}

// Middleware applies the limiter to next. Rejected requests get 429 with a
// Retry-After header.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	if !rl.cfg.Enabled {
		return next
	}
	limit := rl.cfg.RequestsPerIP + rl.cfg.BurstSize

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.exempt[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		ip := clientIP(r, rl.cfg.TrustProxy)
		allowed, remaining, reset, first := rl.Allow(ip)

		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", reset.Unix()))

		if allowed {
			rl.allowed.Add(1)
			next.ServeHTTP(w, r)
			return
		}

		rl.limited.Add(1)
		rl.metrics.RateLimited()
		rl.logger.Warn("rate limit exceeded", "ip", ip, "path", r.URL.Path, "method", r.Method)
		if first {
			rl.report(r, ip, limit)
		}

		retryAfter := int(reset.Sub(rl.now()).Seconds()) + 1
		w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprintf(w, `{"code":"RATE_LIMITED","message":"too many requests","retry_after":%d}`, retryAfter)
	})
}

func (rl *RateLimiter) report(r *http.Request, ip string, limit int) {
	if rl.events == nil {
		return
	}
	rc := schema.FromHTTPRequest(r)
	if _, err := rl.events.LogSecurityEvent(context.WithoutCancel(r.Context()), monitor.LogInput{
		EventType: schema.EventRateLimitExceeded,
		Severity:  schema.SeverityMedium,
		Request:   rc,
		Details: schema.EventDetails{
			Resource: r.URL.Path,
			Reason:   fmt.Sprintf("more than %d requests in %s", limit, rl.cfg.Window),
			Extra:    map[string]any{"ip": ip},
		},
	}); err != nil {
		rl.logger.Error("failed to log rate limit event", "ip", ip, "error", err)
	}
}

// clientIP resolves the caller's address. Proxy headers are honoured only
// when trustProxy is set; the rightmost X-Forwarded-For hop is used since it
// was appended by the proxy.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return xri
		}
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			for i := len(parts) - 1; i >= 0; i-- {
				if ip := strings.TrimSpace(parts[i]); ip != "" {
					return ip
				}
			}
		}
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
