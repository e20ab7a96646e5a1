package database

import (
	"context"
	"errors"
	"strings"

	"github.com/gatehouse/gatehouse/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// MapPostgresError translates driver-level failures into domain errors so no
// raw pgx error escapes the repository boundary.
func MapPostgresError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrNotFound
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return models.ErrInfrastructure
	}

	if pgErr, ok := err.(*pgconn.PgError); ok {
		switch pgErr.Code {
		case "23505": // unique_violation
			return &models.ConflictError{Field: conflictField(pgErr.ConstraintName)}
		case "23502": // not_null_violation
			return models.ErrInternalServer
		}
	}

	return models.ErrInfrastructure
}

// conflictField recovers which unique constraint was violated from its name.
func conflictField(constraint string) string {
	switch {
	case strings.Contains(constraint, "email"):
		return "email"
	case strings.Contains(constraint, "username"):
		return "username"
	default:
		return "account"
	}
}
