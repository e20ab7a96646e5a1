package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gatehouse/gatehouse/internal/database"
	"github.com/gatehouse/gatehouse/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const accountColumns = `id, username, email, password_hash, failed_login_attempts, lock_until, last_login, reset_token_hash, reset_token_expires, created_at, updated_at`

// AccountRepository is the credential store: one row per account, looked up
// by id or by a case-insensitive identifier, mutated by atomic updates.
type AccountRepository struct {
	db *database.DB
}

func NewAccountRepository(db *database.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// queryAccount runs a single-row statement under the configured query
// deadline and scans the result.
func (r *AccountRepository) queryAccount(ctx context.Context, query string, args ...interface{}) (*models.Account, error) {
	ctx, cancel := r.db.WithQueryTimeout(ctx)
	defer cancel()
	return scanAccountRow(r.db.Pool.QueryRow(ctx, query, args...))
}

func (r *AccountRepository) exec(ctx context.Context, query string, args ...interface{}) (pgconn.CommandTag, error) {
	ctx, cancel := r.db.WithQueryTimeout(ctx)
	defer cancel()
	return r.db.Pool.Exec(ctx, query, args...)
}

// rowScanner covers both pgx.Row and pgx.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccountRow(scanner rowScanner) (*models.Account, error) {
	var account models.Account

	err := scanner.Scan(
		&account.ID, &account.Username, &account.Email, &account.PasswordHash,
		&account.FailedLoginAttempts, &account.LockUntil, &account.LastLogin,
		&account.ResetTokenHash, &account.ResetTokenExpires,
		&account.CreatedAt, &account.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return &account, nil
}

func (r *AccountRepository) Create(ctx context.Context, account *models.Account) (*models.Account, error) {
	account.ID = uuid.New().String()

	now := time.Now()
	account.CreatedAt = now
	account.UpdatedAt = now

	query := `
		INSERT INTO accounts (id, username, email, password_hash, failed_login_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6)
		RETURNING ` + accountColumns

	return r.queryAccount(ctx, query,
		account.ID, account.Username, account.Email, account.PasswordHash,
		account.CreatedAt, account.UpdatedAt,
	)
}

func (r *AccountRepository) GetByID(ctx context.Context, id string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return r.queryAccount(ctx, query, id)
}

// GetByIdentifier resolves a username or email. Comparison is a case-folded
// equality, so user input never reaches any pattern matcher.
func (r *AccountRepository) GetByIdentifier(ctx context.Context, identifier string) (*models.Account, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM accounts
		WHERE LOWER(username) = LOWER($1) OR LOWER(email) = LOWER($1)
	`
	return r.queryAccount(ctx, query, identifier)
}

func (r *AccountRepository) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE LOWER(email) = LOWER($1)`
	return r.queryAccount(ctx, query, email)
}

func (r *AccountRepository) GetByUsername(ctx context.Context, username string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE LOWER(username) = LOWER($1)`
	return r.queryAccount(ctx, query, username)
}

// RecordFailedAttempt increments the failure counter in a single UPDATE and
// engages the lock when the new count reaches maxAttempts. The increment and
// the lock decision happen in one statement, so concurrent failures cannot
// slip past the threshold once the row reflects it.
func (r *AccountRepository) RecordFailedAttempt(ctx context.Context, id string, maxAttempts int, lockDuration time.Duration) (*models.Account, error) {
	query := `
		UPDATE accounts
		SET failed_login_attempts = failed_login_attempts + 1,
		    lock_until = CASE
		        WHEN failed_login_attempts + 1 >= $2 THEN now() + $3::interval
		        ELSE lock_until
		    END,
		    updated_at = now()
		WHERE id = $1
		RETURNING ` + accountColumns

	interval := fmt.Sprintf("%d seconds", int(lockDuration.Seconds()))
	return r.queryAccount(ctx, query, id, maxAttempts, interval)
}

// RecordSuccessfulLogin zeroes the counter, lifts any lock, and stamps last_login.
func (r *AccountRepository) RecordSuccessfulLogin(ctx context.Context, id string, at time.Time) (*models.Account, error) {
	query := `
		UPDATE accounts
		SET failed_login_attempts = 0,
		    lock_until = NULL,
		    last_login = $2,
		    updated_at = now()
		WHERE id = $1
		RETURNING ` + accountColumns

	return r.queryAccount(ctx, query, id, at)
}

// ClearExpiredLock persists a lazy unlock: the lock is removed and the
// counter zeroed only if the stored lock_until has already passed.
func (r *AccountRepository) ClearExpiredLock(ctx context.Context, id string) (*models.Account, error) {
	query := `
		UPDATE accounts
		SET failed_login_attempts = 0,
		    lock_until = NULL,
		    updated_at = now()
		WHERE id = $1 AND lock_until IS NOT NULL AND lock_until <= now()
		RETURNING ` + accountColumns

	account, err := r.queryAccount(ctx, query, id)
	if errors.Is(err, models.ErrNotFound) {
		// Another request already cleared it, or the lock is still active;
		// hand back the current row either way.
		return r.GetByID(ctx, id)
	}
	return account, err
}

// SetResetToken stores a new reset token hash and its expiry, superseding any
// earlier pending token.
func (r *AccountRepository) SetResetToken(ctx context.Context, id, tokenHash string, expiresAt time.Time) error {
	query := `
		UPDATE accounts
		SET reset_token_hash = $2,
		    reset_token_expires = $3,
		    updated_at = now()
		WHERE id = $1
	`

	result, err := r.exec(ctx, query, id, tokenHash, expiresAt)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ConsumeResetToken replaces the password hash for the account holding an
// unexpired token with the given hash, clearing the token and any lockout in
// the same statement. The single UPDATE makes the token single-use even under
// concurrent redemption: only one caller matches the WHERE clause.
func (r *AccountRepository) ConsumeResetToken(ctx context.Context, tokenHash, newPasswordHash string) (*models.Account, error) {
	query := `
		UPDATE accounts
		SET password_hash = $2,
		    reset_token_hash = NULL,
		    reset_token_expires = NULL,
		    failed_login_attempts = 0,
		    lock_until = NULL,
		    updated_at = now()
		WHERE reset_token_hash = $1 AND reset_token_expires > now()
		RETURNING ` + accountColumns

	return r.queryAccount(ctx, query, tokenHash, newPasswordHash)
}

// PurgeExpiredResetTokens clears token fields left behind by requests that
// were never redeemed.
func (r *AccountRepository) PurgeExpiredResetTokens(ctx context.Context) (int64, error) {
	query := `
		UPDATE accounts
		SET reset_token_hash = NULL,
		    reset_token_expires = NULL,
		    updated_at = now()
		WHERE reset_token_hash IS NOT NULL AND reset_token_expires <= now()
	`

	result, err := r.exec(ctx, query)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return result.RowsAffected(), nil
}
