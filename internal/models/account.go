package models

import (
	"time"
)

// Account is the persistent identity record: credentials, lockout state,
// and the pending password-reset token (stored hashed).
type Account struct {
	ID                  string
	Username            string
	Email               string
	PasswordHash        string // never serialized
	FailedLoginAttempts int
	LockUntil           *time.Time
	LastLogin           *time.Time
	ResetTokenHash      *string
	ResetTokenExpires   *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// IsLocked reports whether the account is under an active lockout.
func (a *Account) IsLocked(now time.Time) bool {
	return a.LockUntil != nil && a.LockUntil.After(now)
}

// LockExpired reports whether a previously set lockout has since lapsed.
func (a *Account) LockExpired(now time.Time) bool {
	return a.LockUntil != nil && !a.LockUntil.After(now)
}
