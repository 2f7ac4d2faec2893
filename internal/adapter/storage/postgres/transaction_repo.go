package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"payments-ledger/internal/core/domain"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// TransactionRepo implements ports.TransactionRepository.
type TransactionRepo struct {
	pool Pool
}

// NewTransactionRepo creates a new TransactionRepo.
func NewTransactionRepo(pool Pool) *TransactionRepo {
	return &TransactionRepo{pool: pool}
}

// ListByParticipant returns every transfer email sent or received, oldest
// first.
func (r *TransactionRepo) ListByParticipant(ctx context.Context, email string) ([]domain.Transaction, error) {
	query := `SELECT id, sender, recipient, amount::text, created_at
		FROM transactions
		WHERE sender_email = $1 OR recipient_email = $1
		ORDER BY created_at ASC, id ASC`

	rows, err := r.pool.Query(ctx, query, email)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	txns := []domain.Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transaction rows: %w", err)
	}
	return txns, nil
}

// insertTransaction appends t to the log inside tx.
func insertTransaction(ctx context.Context, tx pgx.Tx, t *domain.Transaction) error {
	sender, err := json.Marshal(t.Sender)
	if err != nil {
		return fmt.Errorf("marshal sender: %w", err)
	}
	recipient, err := json.Marshal(t.Recipient)
	if err != nil {
		return fmt.Errorf("marshal recipient: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO transactions (id, sender_email, recipient_email, sender, recipient, amount, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.Sender.Email, t.Recipient.Email, sender, recipient,
		domain.FormatAmount(t.Amount), t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", translateError(err))
	}
	return nil
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var (
		t                 domain.Transaction
		sender, recipient []byte
		amount            string
	)
	if err := row.Scan(&t.ID, &sender, &recipient, &amount, &t.CreatedAt); err != nil {
		return nil, fmt.Errorf("scan transaction row: %w", err)
	}
	if err := json.Unmarshal(sender, &t.Sender); err != nil {
		return nil, fmt.Errorf("decode sender snapshot: %w", err)
	}
	if err := json.Unmarshal(recipient, &t.Recipient); err != nil {
		return nil, fmt.Errorf("decode recipient snapshot: %w", err)
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	t.Amount = d
	return &t, nil
}
