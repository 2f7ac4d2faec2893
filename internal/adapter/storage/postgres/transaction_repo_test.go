package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"payments-ledger/internal/core/domain"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTransaction(amount string, at time.Time) *domain.Transaction {
	return domain.NewTransaction(
		&domain.Account{ID: uuid.New(), Email: "alice@example.com", Name: "Alice"},
		&domain.Account{ID: uuid.New(), Email: "bob@example.com", Name: "Bob"},
		decimal.RequireFromString(amount),
		at,
	)
}

func transactionRows(t *testing.T, txns ...*domain.Transaction) *pgxmock.Rows {
	t.Helper()
	rows := pgxmock.NewRows([]string{"id", "sender", "recipient", "amount", "created_at"})
	for _, txn := range txns {
		sender, err := json.Marshal(txn.Sender)
		require.NoError(t, err)
		recipient, err := json.Marshal(txn.Recipient)
		require.NoError(t, err)
		rows.AddRow(txn.ID, sender, recipient, domain.FormatAmount(txn.Amount), txn.CreatedAt)
	}
	return rows
}

func TestTransactionRepo_ListByParticipant(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewTransactionRepo(mock)
	first := newTestTransaction("300", time.Now().Add(-time.Minute))
	second := newTestTransaction("12.5", time.Now())

	mock.ExpectQuery("SELECT .+ FROM transactions WHERE sender_email = \\$1 OR recipient_email = \\$1 ORDER BY created_at ASC").
		WithArgs("bob@example.com").
		WillReturnRows(transactionRows(t, first, second))

	txns, err := repo.ListByParticipant(context.Background(), "bob@example.com")
	require.NoError(t, err)
	require.Len(t, txns, 2)
	assert.Equal(t, first.ID, txns[0].ID)
	assert.Equal(t, first.Sender, txns[0].Sender)
	assert.Equal(t, "bob@example.com", txns[0].Recipient.Email)
	assert.Equal(t, "12.50", domain.FormatAmount(txns[1].Amount))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionRepo_ListByParticipant_Empty(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewTransactionRepo(mock)

	mock.ExpectQuery("SELECT .+ FROM transactions").
		WithArgs("new@example.com").
		WillReturnRows(pgxmock.NewRows([]string{"id", "sender", "recipient", "amount", "created_at"}))

	txns, err := repo.ListByParticipant(context.Background(), "new@example.com")
	require.NoError(t, err)
	assert.NotNil(t, txns)
	assert.Empty(t, txns)
}

func TestTransactionRepo_ListByParticipant_QueryError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewTransactionRepo(mock)

	mock.ExpectQuery("SELECT .+ FROM transactions").
		WithArgs("bob@example.com").
		WillReturnError(errors.New("connection lost"))

	_, err = repo.ListByParticipant(context.Background(), "bob@example.com")
	assert.Error(t, err)
}

func TestInsertTransaction(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	txn := newTestTransaction("42", time.Now())
	sender, _ := json.Marshal(txn.Sender)
	recipient, _ := json.Marshal(txn.Recipient)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO transactions").
		WithArgs(txn.ID, "alice@example.com", "bob@example.com", sender, recipient, "42.00", txn.CreatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	require.NoError(t, insertTransaction(context.Background(), tx, txn))
	assert.NoError(t, mock.ExpectationsWereMet())
}
