package postgres

import (
	"context"
	"errors"
	"fmt"

	"payments-ledger/internal/core/domain"
	"payments-ledger/internal/core/ports"

	"github.com/jackc/pgx/v5"
)

// IdempotencyRepo implements ports.IdempotencyRepository.
type IdempotencyRepo struct {
	pool Pool
}

// NewIdempotencyRepo creates a new IdempotencyRepo.
func NewIdempotencyRepo(pool Pool) *IdempotencyRepo {
	return &IdempotencyRepo{pool: pool}
}

// Get fetches an idempotency record by key.
func (r *IdempotencyRepo) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	query := `SELECT key, transaction_id, fingerprint, response_json, created_at
		FROM idempotency_records WHERE key = $1`

	rec := &domain.IdempotencyRecord{}
	err := r.pool.QueryRow(ctx, query, key).Scan(
		&rec.Key, &rec.TransactionID, &rec.Fingerprint, &rec.ResponseJSON, &rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	return rec, nil
}

// insertIdempotency stores rec inside tx. A key that already exists yields
// ports.ErrDuplicate without aborting the transaction.
func insertIdempotency(ctx context.Context, tx pgx.Tx, rec *domain.IdempotencyRecord) error {
	tag, err := tx.Exec(ctx,
		`INSERT INTO idempotency_records (key, transaction_id, fingerprint, response_json, created_at)
		VALUES ($1, $2, $3, $4, $5) ON CONFLICT (key) DO NOTHING`,
		rec.Key, rec.TransactionID, rec.Fingerprint, rec.ResponseJSON, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert idempotency record: %w", translateError(err))
	}
	if tag.RowsAffected() == 0 {
		return ports.ErrDuplicate
	}
	return nil
}
