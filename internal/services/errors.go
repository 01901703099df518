package services

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/fitversal/coachchat/internal/repository"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrUpload             = errors.New("attachment upload failed")
	ErrNotFound           = errors.New("not found")
	ErrTransient          = errors.New("service temporarily unavailable")
	ErrForbidden          = errors.New("forbidden")
	ErrInvalidInput       = errors.New("invalid input")
	ErrStorageUnavailable = errors.New("storage service is not configured")
	ErrObjectExists       = errors.New("storage object already exists")
)

const (
	pgForeignKeyViolation = "23503"
	pgInvalidTextSyntax   = "22P02"
)

// IsTransient reports whether err means the backing service could not be reached,
// as opposed to a request the service rejected.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) ||
		errors.Is(err, repository.ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return pgconn.SafeToRetry(err)
}

// translateStoreError maps repository failures onto the service taxonomy.
func translateStoreError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == pgForeignKeyViolation || pgErr.Code == pgInvalidTextSyntax) {
		return ErrNotFound
	}

	if IsTransient(err) && !errors.Is(err, ErrTransient) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return err
}
