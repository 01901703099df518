package services

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/fitversal/coachchat/internal/repository"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestTranslateStoreError(t *testing.T) {
	assert.NoError(t, translateStoreError(nil))
	assert.ErrorIs(t, translateStoreError(pgx.ErrNoRows), ErrNotFound)
	assert.ErrorIs(t, translateStoreError(&pgconn.PgError{Code: pgForeignKeyViolation}), ErrNotFound)

	unavailable := translateStoreError(fmt.Errorf("list: %w", repository.ErrUnavailable))
	assert.ErrorIs(t, unavailable, ErrTransient)
	assert.ErrorIs(t, unavailable, repository.ErrUnavailable)

	plain := errors.New("constraint violated")
	assert.Equal(t, plain, translateStoreError(plain))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(fmt.Errorf("wrapped: %w", ErrTransient)))
	assert.False(t, IsTransient(ErrValidation))
	assert.False(t, IsTransient(nil))
}
