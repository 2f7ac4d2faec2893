package postgres

import (
	"context"
	"errors"
	"fmt"

	"payments-ledger/internal/core/domain"
	"payments-ledger/internal/core/ports"

	"github.com/jackc/pgx/v5"
)

// AccountRepo implements ports.AccountRepository.
type AccountRepo struct {
	pool Pool
}

// NewAccountRepo creates a new AccountRepo.
func NewAccountRepo(pool Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

// CreateWithBalance inserts the account and its opening balance in one
// transaction.
func (r *AccountRepo) CreateWithBalance(ctx context.Context, a *domain.Account, b *domain.Balance) error {
	return runInTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO accounts (id, email, name, password_hash, created_at)
			VALUES ($1, $2, $3, $4, $5) ON CONFLICT (email) DO NOTHING`,
			a.ID, a.Email, a.Name, a.PasswordHash, a.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert account: %w", translateError(err))
		}
		if tag.RowsAffected() == 0 {
			return ports.ErrDuplicate
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO balances (email, amount, version, updated_at) VALUES ($1, $2, $3, $4)`,
			b.Email, domain.FormatAmount(b.Amount), b.Version, b.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert balance: %w", translateError(err))
		}
		return nil
	})
}

// GetByEmail fetches an account by its email.
func (r *AccountRepo) GetByEmail(ctx context.Context, email string) (*domain.Account, error) {
	query := `SELECT id, email, name, password_hash, created_at FROM accounts WHERE email = $1`

	a := &domain.Account{}
	err := r.pool.QueryRow(ctx, query, email).Scan(&a.ID, &a.Email, &a.Name, &a.PasswordHash, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get account by email: %w", err)
	}
	return a, nil
}
