package integration

import (
	"context"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/gatehouse/gatehouse/internal/database"
	"github.com/gatehouse/gatehouse/internal/models"
	"github.com/gatehouse/gatehouse/pkg/auth"
)

// TestDB manages the PostgreSQL testcontainer and database operations
type TestDB struct {
	Container  testcontainers.Container
	ConnString string
	Pool       *pgxpool.Pool
	DB         *database.DB
}

// SetupTestDatabase creates a PostgreSQL testcontainer, runs migrations, returns TestDB
func SetupTestDatabase(ctx context.Context) (*TestDB, error) {
	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:16-alpine"),
		postgres.WithDatabase("gatehouse"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start postgres container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get connection string: %w", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(ctx, pool); err != nil {
		pool.Close()
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &TestDB{
		Container:  container,
		ConnString: connStr,
		Pool:       pool,
		DB:         &database.DB{Pool: pool},
	}, nil
}

// runMigrations executes all goose migrations against the container
func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	migrationsDir, err := filepath.Abs("../../migrations")
	if err != nil {
		return fmt.Errorf("failed to get migrations path: %w", err)
	}

	goose.SetLogger(log.New(io.Discard, "", 0))

	// Goose needs a database/sql connection; use the pgx stdlib adapter
	sqlDB := stdlib.OpenDB(*pool.Config().ConnConfig)
	defer sqlDB.Close()

	if err := goose.UpContext(ctx, sqlDB, migrationsDir); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}

// Teardown stops the container and closes the connection pool
func (db *TestDB) Teardown(ctx context.Context) error {
	if db.Pool != nil {
		db.Pool.Close()
	}
	if db.Container != nil {
		return db.Container.Terminate(ctx)
	}
	return nil
}

// CleanupTables truncates all tables for test isolation
func (db *TestDB) CleanupTables(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, "TRUNCATE TABLE accounts CASCADE"); err != nil {
		return fmt.Errorf("failed to truncate accounts: %w", err)
	}
	return nil
}

// SeedAccount inserts a test account with a hashed password
func SeedAccount(ctx context.Context, pool *pgxpool.Pool, username, email, password string) (*models.Account, error) {
	hashedPassword, err := auth.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	query := `
		INSERT INTO accounts (id, username, email, password_hash, failed_login_attempts, created_at, updated_at)
		VALUES (gen_random_uuid(), $1, $2, $3, 0, NOW(), NOW())
		RETURNING id, username, email, password_hash, failed_login_attempts, created_at, updated_at
	`

	var account models.Account
	err = pool.QueryRow(ctx, query, username, email, hashedPassword).Scan(
		&account.ID,
		&account.Username,
		&account.Email,
		&account.PasswordHash,
		&account.FailedLoginAttempts,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert account: %w", err)
	}

	return &account, nil
}

// SeedLockedAccount inserts an account already under an active lockout
func SeedLockedAccount(ctx context.Context, pool *pgxpool.Pool, username, email, password string, lockedFor time.Duration) (*models.Account, error) {
	account, err := SeedAccount(ctx, pool, username, email, password)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE accounts
		SET failed_login_attempts = 5, lock_until = NOW() + $2::interval, updated_at = NOW()
		WHERE id = $1
	`
	interval := fmt.Sprintf("%d seconds", int(lockedFor.Seconds()))
	if _, err := pool.Exec(ctx, query, account.ID, interval); err != nil {
		return nil, fmt.Errorf("failed to lock account: %w", err)
	}

	return account, nil
}

// ExpireLock backdates an account's lockout so it has already lapsed
func ExpireLock(ctx context.Context, pool *pgxpool.Pool, accountID string) error {
	query := `UPDATE accounts SET lock_until = NOW() - INTERVAL '1 minute' WHERE id = $1`
	if _, err := pool.Exec(ctx, query, accountID); err != nil {
		return fmt.Errorf("failed to expire lock: %w", err)
	}
	return nil
}

// ExpireResetToken backdates an account's pending reset token
func ExpireResetToken(ctx context.Context, pool *pgxpool.Pool, accountID string) error {
	query := `UPDATE accounts SET reset_token_expires = NOW() - INTERVAL '1 minute' WHERE id = $1`
	if _, err := pool.Exec(ctx, query, accountID); err != nil {
		return fmt.Errorf("failed to expire reset token: %w", err)
	}
	return nil
}
