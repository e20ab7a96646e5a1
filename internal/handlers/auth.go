package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gatehouse/gatehouse/internal/auth"
	"github.com/gatehouse/gatehouse/internal/models"
	"github.com/gatehouse/gatehouse/internal/services"
	pkghttp "github.com/gatehouse/gatehouse/pkg/http"
)

// AuthServiceInterface defines the interface for the authentication engine
type AuthServiceInterface interface {
	Register(ctx context.Context, username, email, password string) (*services.AuthResponse, error)
	Login(ctx context.Context, identifier, password, ipAddress, userAgent string) (*services.AuthResponse, error)
	ForgotPassword(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, token, newPassword string) error
	Profile(ctx context.Context, accountID string) (*services.AccountResponse, error)
}

// AuthHandler handles authentication-related HTTP requests
type AuthHandler struct {
	service  AuthServiceInterface
	ipConfig *pkghttp.IPConfig
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(service AuthServiceInterface, ipConfig *pkghttp.IPConfig) *AuthHandler {
	return &AuthHandler{
		service:  service,
		ipConfig: ipConfig,
	}
}

// Request DTOs. All credential fields are plain strings, so structured JSON
// values (objects, arrays) fail at decode time and never reach a query.

// RegisterRequest represents the request body for registration
type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginRequest represents the request body for login. The identifier may be
// a username or an email.
type LoginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

// ForgotPasswordRequest represents the request body for forgot-password
type ForgotPasswordRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// ResetPasswordRequest represents the request body for reset-password
type ResetPasswordRequest struct {
	Token       string `json:"token" validate:"required"`
	NewPassword string `json:"new_password" validate:"required"`
}

// Register handles account registration
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	authResp, err := h.service.Register(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, authResp)
}

// Login handles a login attempt
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	ipAddress := pkghttp.ExtractClientIP(r, h.ipConfig)
	userAgent := r.Header.Get("User-Agent")

	authResp, err := h.service.Login(r.Context(), req.Identifier, req.Password, ipAddress, userAgent)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, authResp)
}

// ForgotPassword issues a reset token. The response is the same whether or
// not the email is registered.
func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req ForgotPasswordRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	if err := h.service.ForgotPassword(r.Context(), req.Email); err != nil {
		writeAuthError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, map[string]string{
		"msg": "If that email is registered, a password reset link has been sent.",
	})
}

// ResetPassword redeems a reset token and replaces the password
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req ResetPasswordRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	if err := h.service.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
		writeAuthError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, map[string]string{
		"msg": "Password has been updated",
	})
}

// Profile returns the authenticated account's public fields
func (h *AuthHandler) Profile(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetSessionFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	account, err := h.service.Profile(r.Context(), claims.AccountID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			pkghttp.WriteNotFound(w, "Account not found")
			return
		}
		writeAuthError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, account)
}

// Logout acknowledges a logout. Sessions are stateless; the client discards
// the token.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	pkghttp.WriteJSON(w, http.StatusOK, map[string]string{
		"msg": "Logged out successfully",
	})
}

// writeAuthError maps engine errors onto the HTTP contract.
func writeAuthError(w http.ResponseWriter, err error) {
	var (
		validationErr *models.ValidationError
		conflictErr   *models.ConflictError
		credsErr      *models.InvalidCredentialsError
		lockedErr     *models.AccountLockedError
	)

	switch {
	case errors.As(err, &validationErr):
		pkghttp.WriteErrorWithDetails(w, http.StatusBadRequest, "validation_failed", "Validation failed", validationErr.Fields)
	case errors.As(err, &conflictErr):
		pkghttp.WriteErrorWithDetails(w, http.StatusBadRequest, "conflict", conflictErr.Error(), map[string]string{"field": conflictErr.Field})
	case errors.As(err, &credsErr):
		// Identical message whether the identifier or the password was wrong
		if credsErr.AttemptsRemaining >= 0 {
			pkghttp.WriteErrorWithDetails(w, http.StatusBadRequest, "invalid_credentials", "Invalid credentials",
				map[string]int{"attempts_remaining": credsErr.AttemptsRemaining})
		} else {
			pkghttp.WriteError(w, http.StatusBadRequest, "invalid_credentials", "Invalid credentials")
		}
	case errors.As(err, &lockedErr):
		pkghttp.WriteErrorWithDetails(w, http.StatusForbidden, "account_locked",
			"Account is locked due to multiple failed login attempts",
			map[string]int{"minutes_remaining": lockedErr.MinutesRemaining})
	case errors.Is(err, models.ErrResetTokenUsed):
		pkghttp.WriteError(w, http.StatusBadRequest, "invalid_or_expired_token", "Password reset token is invalid or has expired")
	default:
		pkghttp.WriteInternalError(w, "Internal server error")
	}
}
