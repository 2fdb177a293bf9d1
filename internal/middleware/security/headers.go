package security

import (
	"net/http"
	"strconv"
	"strings"
)

// SecurityConfig defines the configuration for security headers and CORS
type SecurityConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	MaxAge         int // in seconds
}

// DefaultConfig returns a default security configuration
func DefaultConfig() SecurityConfig {
	return SecurityConfig{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept",
			"Content-Type",
			"X-Request-ID",
		},
		MaxAge: 3600,
	}
}

// WithSecurityHeaders adds security headers to responses
func WithSecurityHeaders(config SecurityConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			setSecurityHeaders(w)

			// Preflights never reach the router
			if handleCORS(w, r, config) && r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func setSecurityHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
	h.Set("Content-Security-Policy", strings.Join([]string{
		"default-src 'none'",
		"frame-ancestors 'none'",
		"base-uri 'none'",
		"form-action 'none'",
	}, "; "))
	h.Set("Cache-Control", "no-store")
}

func handleCORS(w http.ResponseWriter, r *http.Request, config SecurityConfig) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}

	allowed := false
	wildcard := false
	for _, allowedOrigin := range config.AllowedOrigins {
		if allowedOrigin == "*" {
			allowed, wildcard = true, true
			break
		}
		if allowedOrigin == origin {
			allowed = true
			break
		}
	}

	if !allowed {
		return false
	}

	// Credentials are only advertised for explicitly listed origins
	if wildcard {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	} else {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Add("Vary", "Origin")
	}
	w.Header().Set("Access-Control-Allow-Methods", strings.Join(config.AllowedMethods, ", "))
	w.Header().Set("Access-Control-Allow-Headers", strings.Join(config.AllowedHeaders, ", "))
	w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID, X-Timeout")
	if config.MaxAge > 0 {
		w.Header().Set("Access-Control-Max-Age", strconv.Itoa(config.MaxAge))
	}

	return true
}
