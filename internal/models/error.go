package models

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for common failure conditions
var (
	ErrNotFound        = errors.New("resource not found")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrInternalServer  = errors.New("internal server error")
	ErrInfrastructure  = errors.New("credential store unavailable")
	ErrInvalidCreds    = errors.New("invalid credentials")
	ErrResetTokenUsed  = errors.New("password reset token is invalid or has expired")
)

// FieldError describes a single violated input constraint.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError reports every syntactic constraint an input violated.
// It is always produced before any store access.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// ConflictError reports a uniqueness violation during registration.
type ConflictError struct {
	Field string // "email" or "username"
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("an account with this %s already exists", e.Field)
}

// InvalidCredentialsError is the uniform rejection for a failed login. The
// message never reveals whether the identifier or the password was wrong.
// AttemptsRemaining counts down to the lockout threshold; it is -1 when the
// account could not be resolved at all.
type InvalidCredentialsError struct {
	AttemptsRemaining int
}

func (e *InvalidCredentialsError) Error() string {
	return "invalid credentials"
}

func (e *InvalidCredentialsError) Is(target error) bool {
	return target == ErrInvalidCreds
}

// AccountLockedError is returned while a lockout window is active.
type AccountLockedError struct {
	MinutesRemaining int
}

func (e *AccountLockedError) Error() string {
	return fmt.Sprintf("account is locked due to multiple failed login attempts, try again in %d minutes", e.MinutesRemaining)
}
