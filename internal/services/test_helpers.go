package services

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/gatehouse/gatehouse/internal/auth"
	"github.com/gatehouse/gatehouse/internal/models"
	pkgauth "github.com/gatehouse/gatehouse/pkg/auth"
	pkglogger "github.com/gatehouse/gatehouse/pkg/logger"
)

const testJWTSecret = "test-jwt-secret-at-least-32-chars-long"

// testPolicy is the default lockout policy used across engine tests.
var testPolicy = LockoutPolicy{
	MaxFailedLogins: 5,
	LockoutDuration: 15 * time.Minute,
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestAuthService wires an engine over the given store with quiet logging.
func newTestAuthService(repo AccountRepository, mailer ResetTokenMailer) *AuthService {
	logger := discardLogger()
	return NewAuthService(
		repo,
		auth.NewTokenManager(testJWTSecret, time.Hour),
		mailer,
		logger,
		pkglogger.NewAuditLogger(logger),
		testPolicy,
		time.Hour,
	)
}

// NewTestAccount creates an account with a real bcrypt hash of the given
// password, so comparison paths behave exactly as in production.
func NewTestAccount(t *testing.T, username, email, password string) *models.Account {
	t.Helper()
	hash, err := pkgauth.HashPassword(password)
	if err != nil {
		t.Fatalf("failed to hash test password: %v", err)
	}
	now := time.Now()
	return &models.Account{
		ID:           uuid.New().String(),
		Username:     username,
		Email:        strings.ToLower(email),
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// SentReset records one delivery through the MockResetTokenMailer.
type SentReset struct {
	Email     string
	Token     string
	ExpiresAt time.Time
}

// MockResetTokenMailer captures reset tokens instead of sending email.
type MockResetTokenMailer struct {
	mu   sync.Mutex
	Err  error
	Sent []SentReset
}

func (m *MockResetTokenMailer) SendResetToken(ctx context.Context, email, token string, expiresAt time.Time) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent = append(m.Sent, SentReset{Email: email, Token: token, ExpiresAt: expiresAt})
	return nil
}

// LastToken returns the most recently captured reset token.
func (m *MockResetTokenMailer) LastToken(t *testing.T) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Sent) == 0 {
		t.Fatal("no reset token was sent")
	}
	return m.Sent[len(m.Sent)-1].Token
}

// MockAccountRepository implements AccountRepository with overridable funcs
type MockAccountRepository struct {
	CreateFunc                func(ctx context.Context, account *models.Account) (*models.Account, error)
	GetByIDFunc               func(ctx context.Context, id string) (*models.Account, error)
	GetByIdentifierFunc       func(ctx context.Context, identifier string) (*models.Account, error)
	GetByEmailFunc            func(ctx context.Context, email string) (*models.Account, error)
	GetByUsernameFunc         func(ctx context.Context, username string) (*models.Account, error)
	RecordFailedAttemptFunc   func(ctx context.Context, id string, maxAttempts int, lockDuration time.Duration) (*models.Account, error)
	RecordSuccessfulLoginFunc func(ctx context.Context, id string, at time.Time) (*models.Account, error)
	ClearExpiredLockFunc      func(ctx context.Context, id string) (*models.Account, error)
	SetResetTokenFunc         func(ctx context.Context, id, tokenHash string, expiresAt time.Time) error
	ConsumeResetTokenFunc     func(ctx context.Context, tokenHash, newPasswordHash string) (*models.Account, error)
}

func (m *MockAccountRepository) Create(ctx context.Context, account *models.Account) (*models.Account, error) {
	if m.CreateFunc == nil {
		return nil, models.ErrInfrastructure
	}
	return m.CreateFunc(ctx, account)
}

func (m *MockAccountRepository) GetByID(ctx context.Context, id string) (*models.Account, error) {
	if m.GetByIDFunc == nil {
		return nil, models.ErrNotFound
	}
	return m.GetByIDFunc(ctx, id)
}

func (m *MockAccountRepository) GetByIdentifier(ctx context.Context, identifier string) (*models.Account, error) {
	if m.GetByIdentifierFunc == nil {
		return nil, models.ErrNotFound
	}
	return m.GetByIdentifierFunc(ctx, identifier)
}

func (m *MockAccountRepository) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	if m.GetByEmailFunc == nil {
		return nil, models.ErrNotFound
	}
	return m.GetByEmailFunc(ctx, email)
}

func (m *MockAccountRepository) GetByUsername(ctx context.Context, username string) (*models.Account, error) {
	if m.GetByUsernameFunc == nil {
		return nil, models.ErrNotFound
	}
	return m.GetByUsernameFunc(ctx, username)
}

func (m *MockAccountRepository) RecordFailedAttempt(ctx context.Context, id string, maxAttempts int, lockDuration time.Duration) (*models.Account, error) {
	if m.RecordFailedAttemptFunc == nil {
		return nil, models.ErrInfrastructure
	}
	return m.RecordFailedAttemptFunc(ctx, id, maxAttempts, lockDuration)
}

func (m *MockAccountRepository) RecordSuccessfulLogin(ctx context.Context, id string, at time.Time) (*models.Account, error) {
	if m.RecordSuccessfulLoginFunc == nil {
		return nil, models.ErrInfrastructure
	}
	return m.RecordSuccessfulLoginFunc(ctx, id, at)
}

func (m *MockAccountRepository) ClearExpiredLock(ctx context.Context, id string) (*models.Account, error) {
	if m.ClearExpiredLockFunc == nil {
		return nil, models.ErrInfrastructure
	}
	return m.ClearExpiredLockFunc(ctx, id)
}

func (m *MockAccountRepository) SetResetToken(ctx context.Context, id, tokenHash string, expiresAt time.Time) error {
	if m.SetResetTokenFunc == nil {
		return models.ErrInfrastructure
	}
	return m.SetResetTokenFunc(ctx, id, tokenHash, expiresAt)
}

func (m *MockAccountRepository) ConsumeResetToken(ctx context.Context, tokenHash, newPasswordHash string) (*models.Account, error) {
	if m.ConsumeResetTokenFunc == nil {
		return nil, models.ErrNotFound
	}
	return m.ConsumeResetTokenFunc(ctx, tokenHash, newPasswordHash)
}

// memoryAccountStore is an in-memory AccountRepository whose transitions
// mirror the SQL statements in the postgres repository, including atomic
// counter increments and single-use token redemption. Used for scenario
// tests that walk the full lockout state machine.
type memoryAccountStore struct {
	mu       sync.Mutex
	accounts map[string]*models.Account
}

func newMemoryAccountStore(accounts ...*models.Account) *memoryAccountStore {
	store := &memoryAccountStore{accounts: make(map[string]*models.Account)}
	for _, a := range accounts {
		copied := *a
		store.accounts[a.ID] = &copied
	}
	return store
}

func (s *memoryAccountStore) snapshot(a *models.Account) *models.Account {
	copied := *a
	return &copied
}

func (s *memoryAccountStore) Create(ctx context.Context, account *models.Account) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.accounts {
		if strings.EqualFold(existing.Email, account.Email) {
			return nil, &models.ConflictError{Field: "email"}
		}
		if strings.EqualFold(existing.Username, account.Username) {
			return nil, &models.ConflictError{Field: "username"}
		}
	}
	copied := *account
	copied.ID = uuid.New().String()
	now := time.Now()
	copied.CreatedAt = now
	copied.UpdatedAt = now
	s.accounts[copied.ID] = &copied
	return s.snapshot(&copied), nil
}

func (s *memoryAccountStore) GetByID(ctx context.Context, id string) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[id]; ok {
		return s.snapshot(a), nil
	}
	return nil, models.ErrNotFound
}

func (s *memoryAccountStore) GetByIdentifier(ctx context.Context, identifier string) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if strings.EqualFold(a.Username, identifier) || strings.EqualFold(a.Email, identifier) {
			return s.snapshot(a), nil
		}
	}
	return nil, models.ErrNotFound
}

func (s *memoryAccountStore) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if strings.EqualFold(a.Email, email) {
			return s.snapshot(a), nil
		}
	}
	return nil, models.ErrNotFound
}

func (s *memoryAccountStore) GetByUsername(ctx context.Context, username string) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if strings.EqualFold(a.Username, username) {
			return s.snapshot(a), nil
		}
	}
	return nil, models.ErrNotFound
}

func (s *memoryAccountStore) RecordFailedAttempt(ctx context.Context, id string, maxAttempts int, lockDuration time.Duration) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	a.FailedLoginAttempts++
	if a.FailedLoginAttempts >= maxAttempts {
		until := time.Now().Add(lockDuration)
		a.LockUntil = &until
	}
	a.UpdatedAt = time.Now()
	return s.snapshot(a), nil
}

func (s *memoryAccountStore) RecordSuccessfulLogin(ctx context.Context, id string, at time.Time) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	a.FailedLoginAttempts = 0
	a.LockUntil = nil
	a.LastLogin = &at
	a.UpdatedAt = time.Now()
	return s.snapshot(a), nil
}

func (s *memoryAccountStore) ClearExpiredLock(ctx context.Context, id string) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	if a.LockUntil != nil && !a.LockUntil.After(time.Now()) {
		a.FailedLoginAttempts = 0
		a.LockUntil = nil
		a.UpdatedAt = time.Now()
	}
	return s.snapshot(a), nil
}

func (s *memoryAccountStore) SetResetToken(ctx context.Context, id, tokenHash string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return models.ErrNotFound
	}
	a.ResetTokenHash = &tokenHash
	a.ResetTokenExpires = &expiresAt
	a.UpdatedAt = time.Now()
	return nil
}

func (s *memoryAccountStore) ConsumeResetToken(ctx context.Context, tokenHash, newPasswordHash string) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.ResetTokenHash == nil || *a.ResetTokenHash != tokenHash {
			continue
		}
		if a.ResetTokenExpires == nil || !a.ResetTokenExpires.After(time.Now()) {
			continue
		}
		a.PasswordHash = newPasswordHash
		a.ResetTokenHash = nil
		a.ResetTokenExpires = nil
		a.FailedLoginAttempts = 0
		a.LockUntil = nil
		a.UpdatedAt = time.Now()
		return s.snapshot(a), nil
	}
	return nil, models.ErrNotFound
}
