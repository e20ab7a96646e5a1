package auth

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"
)

const (
	BcryptCost     = 12 // slow enough to resist offline brute force
	MinPasswordLen = 8
	MaxPasswordLen = 128
)

// PasswordPolicyError holds every complexity rule the candidate violated.
type PasswordPolicyError struct {
	Violations []string
}

func (e *PasswordPolicyError) Error() string {
	if len(e.Violations) == 0 {
		return "password does not meet the complexity policy"
	}
	return "password " + strings.Join(e.Violations, ", ")
}

func HashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password cannot be empty")
	}
	hashedBytes, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hashedBytes), nil
}

// ComparePassword verifies a candidate against a stored hash. The comparison
// is case-sensitive and constant-time within bcrypt itself.
func ComparePassword(hashedPassword, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password))
}

// ValidatePassword enforces the complexity policy: length in [8,128] and at
// least one uppercase letter, one lowercase letter, one digit, and one
// non-alphanumeric symbol.
func ValidatePassword(password string) error {
	violations := make([]string, 0)

	// Length bounds count characters, not bytes
	length := utf8.RuneCountInString(password)
	if length < MinPasswordLen {
		violations = append(violations, fmt.Sprintf("must be at least %d characters", MinPasswordLen))
	}
	if length > MaxPasswordLen {
		violations = append(violations, fmt.Sprintf("must be at most %d characters", MaxPasswordLen))
	}

	hasUpper := false
	hasLower := false
	hasDigit := false
	hasSymbol := false

	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			hasSymbol = true
		}
	}

	if !hasUpper {
		violations = append(violations, "must contain at least one uppercase letter")
	}
	if !hasLower {
		violations = append(violations, "must contain at least one lowercase letter")
	}
	if !hasDigit {
		violations = append(violations, "must contain at least one digit")
	}
	if !hasSymbol {
		violations = append(violations, "must contain at least one special character")
	}

	if len(violations) > 0 {
		return &PasswordPolicyError{Violations: violations}
	}

	return nil
}
