package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/gatehouse/gatehouse/internal/auth"
)

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// DefaultCredentialRateLimit returns the limit applied to unauthenticated
// credential endpoints (10 requests per minute per IP)
func DefaultCredentialRateLimit() RateLimitConfig {
	return RateLimitConfig{
		Requests: 10,
		Window:   time.Minute,
	}
}

// DefaultSessionRateLimit returns the limit applied to authenticated
// endpoints (60 requests per minute per account)
func DefaultSessionRateLimit() RateLimitConfig {
	return RateLimitConfig{
		Requests: 60,
		Window:   time.Minute,
	}
}

// RateLimitByIP creates a middleware that rate limits requests by client IP
func RateLimitByIP(config RateLimitConfig) func(next http.Handler) http.Handler {
	return httprate.Limit(
		config.Requests,
		config.Window,
		httprate.WithKeyByRealIP(),
		httprate.WithLimitHandler(rateLimitExceeded),
	)
}

// RateLimitBySession creates a middleware that rate limits authenticated
// requests per account, falling back to the client IP when no session is
// present.
func RateLimitBySession(config RateLimitConfig) func(next http.Handler) http.Handler {
	return httprate.Limit(
		config.Requests,
		config.Window,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if claims := auth.GetSessionFromContext(r); claims != nil {
				return "account:" + claims.AccountID, nil
			}
			return httprate.KeyByRealIP(r)
		}),
		httprate.WithLimitHandler(rateLimitExceeded),
	)
}

func rateLimitExceeded(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	w.Write([]byte(`{"error":"rate_limited","message":"Rate limit exceeded"}`))
}
