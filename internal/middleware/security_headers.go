package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
)

// SecurityHeadersConfig holds the response headers set on every API reply.
type SecurityHeadersConfig struct {
	Enabled bool `yaml:"enabled"`

	// HSTSMaxAge is in seconds; 0 disables Strict-Transport-Security.
	HSTSMaxAge            int  `yaml:"hsts_max_age"`
	HSTSIncludeSubdomains bool `yaml:"hsts_include_subdomains"`

	ContentSecurityPolicy string `yaml:"content_security_policy"`
	FrameOptions          string `yaml:"frame_options"`
	ReferrerPolicy        string `yaml:"referrer_policy"`

	// NoStore sets Cache-Control: no-store. Dashboard responses carry
	// user and IP breakdowns.
	NoStore bool `yaml:"no_store"`

	CustomHeaders map[string]string `yaml:"custom_headers"`
}

// DefaultSecurityHeadersConfig returns headers suited to a JSON-only API.
func DefaultSecurityHeadersConfig() SecurityHeadersConfig {
	return SecurityHeadersConfig{
		Enabled:               true,
		HSTSMaxAge:            31536000,
		HSTSIncludeSubdomains: true,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		FrameOptions:          "DENY",
		ReferrerPolicy:        "no-referrer",
		NoStore:               true,
	}
}

// SecurityHeaders returns a middleware that sets the configured headers.
func SecurityHeaders(cfg SecurityHeadersConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Enabled {
		logger.Info("security headers middleware disabled")
		return func(next http.Handler) http.Handler { return next }
	}

	hsts := ""
	if cfg.HSTSMaxAge > 0 {
		hsts = fmt.Sprintf("max-age=%d", cfg.HSTSMaxAge)
		if cfg.HSTSIncludeSubdomains {
			hsts += "; includeSubDomains"
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			if hsts != "" {
				h.Set("Strict-Transport-Security", hsts)
			}
			if cfg.ContentSecurityPolicy != "" {
				h.Set("Content-Security-Policy", cfg.ContentSecurityPolicy)
			}
			if cfg.FrameOptions != "" {
				h.Set("X-Frame-Options", cfg.FrameOptions)
			}
			if cfg.ReferrerPolicy != "" {
				h.Set("Referrer-Policy", cfg.ReferrerPolicy)
			}
			if cfg.NoStore {
				h.Set("Cache-Control", "no-store")
			}
			for k, v := range cfg.CustomHeaders {
				h.Set(k, v)
			}
			next.ServeHTTP(w, r)
		})
	}
}
