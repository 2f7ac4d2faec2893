package postgres

import (
	"context"
	"fmt"
	"sort"

	"payments-ledger/internal/core/domain"
	"payments-ledger/internal/core/ports"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// LedgerStore implements ports.LedgerStore on one PostgreSQL transaction.
// Balance rows are locked with SELECT ... FOR UPDATE in email order, so two
// transfers touching the same accounts serialize instead of deadlocking.
type LedgerStore struct {
	pool Pool
}

// NewLedgerStore creates a new LedgerStore.
func NewLedgerStore(pool Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

// WithinTx runs fn inside a transaction.
func (s *LedgerStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx ports.LedgerTx) error) error {
	return runInTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(ctx, &ledgerTx{tx: tx})
	})
}

type ledgerTx struct {
	tx pgx.Tx
}

func (t *ledgerTx) LockBalances(ctx context.Context, emails []string) (map[string]*domain.Balance, error) {
	sorted := append([]string(nil), emails...)
	sort.Strings(sorted)

	rows, err := t.tx.Query(ctx,
		`SELECT `+balanceColumns+` FROM balances WHERE email = ANY($1) ORDER BY email FOR UPDATE`,
		sorted,
	)
	if err != nil {
		return nil, fmt.Errorf("lock balances: %w", translateError(err))
	}
	defer rows.Close()

	out := make(map[string]*domain.Balance, len(sorted))
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan balance row: %w", err)
		}
		out[b.Email] = b
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lock balances: %w", translateError(err))
	}
	return out, nil
}

func (t *ledgerTx) UpdateBalance(ctx context.Context, current *domain.Balance, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("balance for %s would become negative", current.Email)
	}

	tag, err := t.tx.Exec(ctx,
		`UPDATE balances SET amount = $1, version = version + 1, updated_at = now()
		WHERE email = $2 AND version = $3`,
		domain.FormatAmount(amount), current.Email, current.Version,
	)
	if err != nil {
		return fmt.Errorf("update balance: %w", translateError(err))
	}
	if tag.RowsAffected() == 0 {
		return ports.ErrConflict
	}
	return nil
}

func (t *ledgerTx) AppendTransaction(ctx context.Context, txn *domain.Transaction) error {
	return insertTransaction(ctx, t.tx, txn)
}

func (t *ledgerTx) EnqueueEvent(ctx context.Context, e *domain.OutboxEvent) error {
	return insertOutboxEvent(ctx, t.tx, e)
}

func (t *ledgerTx) SaveIdempotency(ctx context.Context, rec *domain.IdempotencyRecord) error {
	return insertIdempotency(ctx, t.tx, rec)
}
