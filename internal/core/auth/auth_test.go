package auth

import (
	"context"
	"testing"

	"payments-ledger/internal/core/domain"
	"payments-ledger/pkg/apperror"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaller_NoSession(t *testing.T) {
	acc, err := Caller(context.Background())

	assert.Nil(t, acc)
	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "AUTH_001", appErr.Code)
	assert.Equal(t, apperror.KindUnauthenticated, appErr.Kind)
}

func TestCaller_NilSession(t *testing.T) {
	ctx := WithSession(context.Background(), nil)

	_, err := Caller(ctx)
	assert.Equal(t, apperror.KindUnauthenticated, apperror.KindOf(err))
}

func TestCaller_EmptyAccount(t *testing.T) {
	ctx := WithSession(context.Background(), &domain.Session{ID: "s1"})

	_, err := Caller(ctx)
	assert.Equal(t, apperror.KindUnauthenticated, apperror.KindOf(err))
}

func TestCaller_ReturnsCopy(t *testing.T) {
	s := &domain.Session{ID: "s1", Account: domain.Account{ID: uuid.New(), Email: "a@x.io", Name: "Alice"}}
	ctx := WithSession(context.Background(), s)

	acc, err := Caller(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a@x.io", acc.Email)

	acc.Email = "mutated@x.io"
	again, _ := Caller(ctx)
	assert.Equal(t, "a@x.io", again.Email)

	got, ok := SessionFrom(ctx)
	require.True(t, ok)
	assert.Equal(t, "s1", got.ID)
}
