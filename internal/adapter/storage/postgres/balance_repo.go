package postgres

import (
	"context"
	"errors"
	"fmt"

	"payments-ledger/internal/core/domain"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const balanceColumns = `email, amount::text, version, updated_at`

// BalanceRepo implements ports.BalanceRepository.
type BalanceRepo struct {
	pool Pool
}

// NewBalanceRepo creates a new BalanceRepo.
func NewBalanceRepo(pool Pool) *BalanceRepo {
	return &BalanceRepo{pool: pool}
}

// GetByEmail fetches the committed balance for email.
func (r *BalanceRepo) GetByEmail(ctx context.Context, email string) (*domain.Balance, error) {
	query := `SELECT ` + balanceColumns + ` FROM balances WHERE email = $1`

	b, err := scanBalance(r.pool.QueryRow(ctx, query, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return b, nil
}

// scanBalance reads a row selected with balanceColumns.
func scanBalance(row pgx.Row) (*domain.Balance, error) {
	var (
		b      domain.Balance
		amount string
	)
	if err := row.Scan(&b.Email, &amount, &b.Version, &b.UpdatedAt); err != nil {
		return nil, err
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	b.Amount = d
	return &b, nil
}
