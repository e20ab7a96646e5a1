package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/gatehouse/gatehouse/internal/auth"
	"github.com/gatehouse/gatehouse/internal/models"
	pkgauth "github.com/gatehouse/gatehouse/pkg/auth"
	pkglogger "github.com/gatehouse/gatehouse/pkg/logger"
)

const (
	MinUsernameLen = 3
	MaxUsernameLen = 30
)

// AccountRepository defines the credential store operations the engine needs.
type AccountRepository interface {
	Create(ctx context.Context, account *models.Account) (*models.Account, error)
	GetByID(ctx context.Context, id string) (*models.Account, error)
	GetByIdentifier(ctx context.Context, identifier string) (*models.Account, error)
	GetByEmail(ctx context.Context, email string) (*models.Account, error)
	GetByUsername(ctx context.Context, username string) (*models.Account, error)
	RecordFailedAttempt(ctx context.Context, id string, maxAttempts int, lockDuration time.Duration) (*models.Account, error)
	RecordSuccessfulLogin(ctx context.Context, id string, at time.Time) (*models.Account, error)
	ClearExpiredLock(ctx context.Context, id string) (*models.Account, error)
	SetResetToken(ctx context.Context, id, tokenHash string, expiresAt time.Time) error
	ConsumeResetToken(ctx context.Context, tokenHash, newPasswordHash string) (*models.Account, error)
}

// ResetTokenMailer delivers a password reset token out-of-band.
type ResetTokenMailer interface {
	SendResetToken(ctx context.Context, email, token string, expiresAt time.Time) error
}

// LockoutPolicy tunes the failed-attempt state machine.
type LockoutPolicy struct {
	MaxFailedLogins int
	LockoutDuration time.Duration
}

// AuthService is the authentication engine: pure decision logic over the
// credential store. It holds no per-request state of its own.
type AuthService struct {
	repo          AccountRepository
	tm            *auth.TokenManager
	mailer        ResetTokenMailer
	logger        *slog.Logger
	auditLogger   *pkglogger.AuditLogger
	policy        LockoutPolicy
	resetTokenTTL time.Duration
	validate      *validator.Validate
}

// NewAuthService creates a new AuthService
func NewAuthService(
	repo AccountRepository,
	tm *auth.TokenManager,
	mailer ResetTokenMailer,
	logger *slog.Logger,
	auditLogger *pkglogger.AuditLogger,
	policy LockoutPolicy,
	resetTokenTTL time.Duration,
) *AuthService {
	return &AuthService{
		repo:          repo,
		tm:            tm,
		mailer:        mailer,
		logger:        logger,
		auditLogger:   auditLogger,
		policy:        policy,
		resetTokenTTL: resetTokenTTL,
		validate:      validator.New(),
	}
}

// AccountResponse carries an account's public fields. The password hash and
// reset token never appear here.
type AccountResponse struct {
	ID        string  `json:"id"`
	Username  string  `json:"username"`
	Email     string  `json:"email"`
	LastLogin *string `json:"last_login,omitempty"`
}

// AuthResponse is the result of a successful register or login.
type AuthResponse struct {
	Token   string           `json:"token"`
	Account *AccountResponse `json:"user"`
}

// Register validates and normalizes the input, checks uniqueness, and creates
// the account with zeroed lockout counters. Syntactic validation runs in full
// before the store is touched, so the caller sees every violated field at once.
func (s *AuthService) Register(ctx context.Context, username, email, password string) (*AuthResponse, error) {
	username = strings.TrimSpace(username)
	email = strings.ToLower(strings.TrimSpace(email))

	if verr := s.validateRegistration(username, email, password); verr != nil {
		return nil, verr
	}

	// Uniqueness: email first, then username, both case-insensitive.
	if _, err := s.repo.GetByEmail(ctx, email); err == nil {
		s.logger.Info("registration failed: email already registered")
		return nil, &models.ConflictError{Field: "email"}
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, s.storeFailure("failed to check email uniqueness", err)
	}

	if _, err := s.repo.GetByUsername(ctx, username); err == nil {
		s.logger.Info("registration failed: username already taken")
		return nil, &models.ConflictError{Field: "username"}
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, s.storeFailure("failed to check username uniqueness", err)
	}

	hashedPassword, err := pkgauth.HashPassword(password)
	if err != nil {
		s.logger.Error("failed to hash password", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	account := &models.Account{
		Username:     username,
		Email:        email,
		PasswordHash: hashedPassword,
	}

	created, err := s.repo.Create(ctx, account)
	if err != nil {
		// The unique indexes backstop the lookups above under concurrent
		// registration; surface a constraint hit as the same conflict.
		var conflict *models.ConflictError
		if errors.As(err, &conflict) {
			return nil, conflict
		}
		return nil, s.storeFailure("failed to create account", err)
	}

	token, err := s.tm.Generate(created.ID, created.Username)
	if err != nil {
		s.logger.Error("failed to sign session token", slog.String("account_id", created.ID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	s.logger.Info("account registered", slog.String("account_id", created.ID))
	s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
		EventType: "register_success",
		AccountID: created.ID,
		Success:   true,
	})

	return &AuthResponse{
		Token:   token,
		Account: accountToResponse(created),
	}, nil
}

// Login runs the lockout state machine for one attempt. The lock state is
// re-read from the store on every call; a locked account short-circuits
// before any password comparison.
func (s *AuthService) Login(ctx context.Context, identifier, password, ipAddress, userAgent string) (*AuthResponse, error) {
	identifier = strings.TrimSpace(identifier)

	if identifier == "" {
		return nil, &models.ValidationError{Fields: []models.FieldError{
			{Field: "identifier", Message: "identifier is required"},
		}}
	}
	if password == "" {
		return nil, &models.ValidationError{Fields: []models.FieldError{
			{Field: "password", Message: "password is required"},
		}}
	}

	account, err := s.repo.GetByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			// Same rejection as a wrong password; nothing reveals whether
			// the identifier resolved.
			s.logger.Info("login failed: invalid credentials")
			s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
				EventType:     "login_failed",
				IPAddress:     ipAddress,
				UserAgent:     userAgent,
				FailureReason: "invalid_credentials",
				Success:       false,
			})
			return nil, &models.InvalidCredentialsError{AttemptsRemaining: -1}
		}
		return nil, s.storeFailure("failed to look up account", err)
	}

	now := time.Now()

	if account.IsLocked(now) {
		remaining := int(math.Ceil(time.Until(*account.LockUntil).Minutes()))
		s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
			EventType:     "login_failed",
			AccountID:     account.ID,
			IPAddress:     ipAddress,
			UserAgent:     userAgent,
			FailureReason: "account_locked",
			Success:       false,
		})
		return nil, &models.AccountLockedError{MinutesRemaining: remaining}
	}

	if account.LockExpired(now) {
		account, err = s.repo.ClearExpiredLock(ctx, account.ID)
		if err != nil {
			return nil, s.storeFailure("failed to clear expired lock", err)
		}
	}

	if err := pkgauth.ComparePassword(account.PasswordHash, password); err != nil {
		return nil, s.recordFailure(ctx, account, ipAddress, userAgent)
	}

	account, err = s.repo.RecordSuccessfulLogin(ctx, account.ID, now)
	if err != nil {
		return nil, s.storeFailure("failed to record successful login", err)
	}

	token, err := s.tm.Generate(account.ID, account.Username)
	if err != nil {
		s.logger.Error("failed to sign session token", slog.String("account_id", account.ID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	s.logger.Info("login succeeded", slog.String("account_id", account.ID))
	s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
		EventType: "login_success",
		AccountID: account.ID,
		IPAddress: ipAddress,
		UserAgent: userAgent,
		Success:   true,
	})

	return &AuthResponse{
		Token:   token,
		Account: accountToResponse(account),
	}, nil
}

// recordFailure increments the failure counter atomically at the store and
// decides between "attempts remaining" and "now locked" from the returned row.
func (s *AuthService) recordFailure(ctx context.Context, account *models.Account, ipAddress, userAgent string) error {
	updated, err := s.repo.RecordFailedAttempt(ctx, account.ID, s.policy.MaxFailedLogins, s.policy.LockoutDuration)
	if err != nil {
		return s.storeFailure("failed to record failed attempt", err)
	}

	s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
		EventType:     "login_failed",
		AccountID:     account.ID,
		IPAddress:     ipAddress,
		UserAgent:     userAgent,
		FailureReason: "invalid_credentials",
		Success:       false,
	})

	if updated.IsLocked(time.Now()) {
		s.logger.Warn("account locked after repeated failures",
			slog.String("account_id", account.ID),
			slog.Int("failed_attempts", updated.FailedLoginAttempts))
		return &models.AccountLockedError{MinutesRemaining: int(s.policy.LockoutDuration.Minutes())}
	}

	s.logger.Info("login failed: invalid credentials")
	return &models.InvalidCredentialsError{
		AttemptsRemaining: s.policy.MaxFailedLogins - updated.FailedLoginAttempts,
	}
}

// ForgotPassword stores a fresh reset token for the account and hands the
// plaintext to the mailer. The outcome is deliberately indistinguishable to
// the caller whether or not the email is registered.
func (s *AuthService) ForgotPassword(ctx context.Context, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))

	account, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.logger.Info("password reset requested for unknown email",
				slog.String("email", pkglogger.SanitizedEmail(email)))
			return nil
		}
		return s.storeFailure("failed to look up account for reset", err)
	}

	plainToken, tokenHash, err := generateResetToken()
	if err != nil {
		s.logger.Error("failed to generate reset token", slog.Any("error", err))
		return models.ErrInternalServer
	}

	expiresAt := time.Now().Add(s.resetTokenTTL)
	if err := s.repo.SetResetToken(ctx, account.ID, tokenHash, expiresAt); err != nil {
		return s.storeFailure("failed to store reset token", err)
	}

	if err := s.mailer.SendResetToken(ctx, account.Email, plainToken, expiresAt); err != nil {
		s.logger.Error("failed to deliver reset token",
			slog.String("account_id", account.ID),
			slog.Any("error", err))
		return models.ErrInternalServer
	}

	s.logger.Info("reset token issued", slog.String("account_id", account.ID))
	s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
		EventType: "password_reset_requested",
		AccountID: account.ID,
		Success:   true,
	})

	return nil
}

// ResetPassword redeems a reset token. The token is single-use: redemption
// clears it, and a successful reset also lifts any lockout.
func (s *AuthService) ResetPassword(ctx context.Context, token, newPassword string) error {
	if token = strings.TrimSpace(token); token == "" {
		return models.ErrResetTokenUsed
	}

	if err := pkgauth.ValidatePassword(newPassword); err != nil {
		var policyErr *pkgauth.PasswordPolicyError
		if errors.As(err, &policyErr) {
			return passwordViolations(policyErr)
		}
		return models.ErrInternalServer
	}

	newHash, err := pkgauth.HashPassword(newPassword)
	if err != nil {
		s.logger.Error("failed to hash password", slog.Any("error", err))
		return models.ErrInternalServer
	}

	hash := sha256.Sum256([]byte(token))
	account, err := s.repo.ConsumeResetToken(ctx, hex.EncodeToString(hash[:]), newHash)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.logger.Info("reset attempted with invalid or expired token")
			return models.ErrResetTokenUsed
		}
		return s.storeFailure("failed to consume reset token", err)
	}

	s.logger.Info("password reset", slog.String("account_id", account.ID))
	s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
		EventType: "password_reset",
		AccountID: account.ID,
		Success:   true,
	})

	return nil
}

// Profile returns the public fields of the account bound to a session.
func (s *AuthService) Profile(ctx context.Context, accountID string) (*AccountResponse, error) {
	account, err := s.repo.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrNotFound
		}
		return nil, s.storeFailure("failed to load account", err)
	}
	return accountToResponse(account), nil
}

// validateRegistration collects every violated field before any store access.
func (s *AuthService) validateRegistration(username, email, password string) error {
	fields := make([]models.FieldError, 0)

	if n := utf8.RuneCountInString(username); n < MinUsernameLen || n > MaxUsernameLen {
		fields = append(fields, models.FieldError{
			Field:   "username",
			Message: fmt.Sprintf("must be between %d and %d characters", MinUsernameLen, MaxUsernameLen),
		})
	}

	if err := s.validate.Var(email, "required,email"); err != nil {
		fields = append(fields, models.FieldError{
			Field:   "email",
			Message: "must be a valid email address",
		})
	}

	if err := pkgauth.ValidatePassword(password); err != nil {
		var policyErr *pkgauth.PasswordPolicyError
		if errors.As(err, &policyErr) {
			for _, v := range policyErr.Violations {
				fields = append(fields, models.FieldError{Field: "password", Message: v})
			}
		} else {
			fields = append(fields, models.FieldError{Field: "password", Message: "invalid password"})
		}
	}

	if len(fields) > 0 {
		return &models.ValidationError{Fields: fields}
	}
	return nil
}

// storeFailure logs the underlying cause server-side and surfaces a generic
// infrastructure failure, never a credentials failure.
func (s *AuthService) storeFailure(msg string, err error) error {
	s.logger.Error(msg, slog.Any("error", err))
	return models.ErrInfrastructure
}

func passwordViolations(policyErr *pkgauth.PasswordPolicyError) error {
	fields := make([]models.FieldError, 0, len(policyErr.Violations))
	for _, v := range policyErr.Violations {
		fields = append(fields, models.FieldError{Field: "password", Message: v})
	}
	return &models.ValidationError{Fields: fields}
}

// generateResetToken draws 32 random bytes and returns the URL-safe plaintext
// alongside the SHA-256 hex digest under which it is stored. Only the hash
// ever reaches the database.
func generateResetToken() (plain, hash string, err error) {
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate token: %w", err)
	}

	plain = base64.URLEncoding.EncodeToString(tokenBytes)
	digest := sha256.Sum256([]byte(plain))
	return plain, hex.EncodeToString(digest[:]), nil
}

func accountToResponse(account *models.Account) *AccountResponse {
	resp := &AccountResponse{
		ID:       account.ID,
		Username: account.Username,
		Email:    account.Email,
	}
	if account.LastLogin != nil {
		lastLogin := account.LastLogin.Format(time.RFC3339)
		resp.LastLogin = &lastLogin
	}
	return resp
}
