package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/gatehouse/gatehouse/internal/auth"
	"github.com/gatehouse/gatehouse/internal/handlers"
	"github.com/gatehouse/gatehouse/internal/middleware"
)

// Config carries the per-route-group rate limits.
type Config struct {
	CredentialLimit middleware.RateLimitConfig
	SessionLimit    middleware.RateLimitConfig
}

// DefaultConfig returns the production rate limits
func DefaultConfig() Config {
	return Config{
		CredentialLimit: middleware.DefaultCredentialRateLimit(),
		SessionLimit:    middleware.DefaultSessionRateLimit(),
	}
}

// RegisterRoutes registers all application routes
func RegisterRoutes(
	router chi.Router,
	cfg Config,
	authHandler *handlers.AuthHandler,
	tokenManager *auth.TokenManager,
) {
	// Public routes - no authentication required
	router.Group(func(r chi.Router) {
		r.Use(middleware.RateLimitByIP(cfg.CredentialLimit))

		r.Post("/auth/register", authHandler.Register)
		r.Post("/auth/login", authHandler.Login)
		r.Post("/auth/forgot-password", authHandler.ForgotPassword)
		r.Post("/auth/reset-password", authHandler.ResetPassword)
	})

	// Protected routes - valid session token required
	router.Group(func(r chi.Router) {
		r.Use(auth.Middleware(tokenManager))
		r.Use(middleware.RateLimitBySession(cfg.SessionLimit))

		r.Get("/auth/profile", authHandler.Profile)
		r.Get("/auth/logout", authHandler.Logout)
	})
}
