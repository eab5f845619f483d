package apperrors

import (
	"context"
	"errors"
	"net"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// MapDBError maps Postgres and pgx errors onto AppError codes:
//   - pgx.ErrNoRows → NotFound
//   - unique violation → DuplicateIdentifier
//   - connection failures, timeouts, admin shutdown → Unavailable
//
// Unrecognized errors are returned unchanged.
func MapDBError(err error) error {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return err
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return &AppError{Code: CodeNotFound, Message: "record not found", Cause: err}
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return Unavailable("database", err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgerrcode.UniqueViolation:
			return &AppError{
				Code:    CodeDuplicateIdentifier,
				Message: "value already exists",
				Field:   pgErr.ColumnName,
				Cause:   err,
			}
		case pgerrcode.IsConnectionException(pgErr.Code),
			pgerrcode.IsOperatorIntervention(pgErr.Code),
			pgerrcode.IsInsufficientResources(pgErr.Code):
			return Unavailable("database", err)
		}
		return err
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return Unavailable("database", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Unavailable("database", err)
	}
	return err
}
