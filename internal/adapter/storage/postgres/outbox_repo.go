package postgres

import (
	"context"
	"fmt"
	"sort"
	"time"

	"payments-ledger/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const outboxColumns = `id, event_type, aggregate_id, payload, status, attempts, last_error, published_at, created_at, updated_at`

// OutboxRepo implements ports.OutboxRepository.
type OutboxRepo struct {
	pool Pool
}

// NewOutboxRepo creates a new OutboxRepo.
func NewOutboxRepo(pool Pool) *OutboxRepo {
	return &OutboxRepo{pool: pool}
}

// ClaimPending moves up to limit stale rows to PROCESSING. SKIP LOCKED lets
// several relays run side by side without claiming the same row.
func (r *OutboxRepo) ClaimPending(ctx context.Context, limit int, staleBefore time.Time) ([]*domain.OutboxEvent, error) {
	query := `UPDATE outbox_events SET status = 'PROCESSING', updated_at = now()
		WHERE id IN (
			SELECT id FROM outbox_events
			WHERE status IN ('PENDING', 'PROCESSING') AND updated_at < $1
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + outboxColumns

	rows, err := r.pool.Query(ctx, query, staleBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbox events: %w", err)
	}
	defer rows.Close()

	var events []*domain.OutboxEvent
	for rows.Next() {
		ev, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox rows: %w", err)
	}

	// RETURNING does not preserve the subquery order.
	sort.SliceStable(events, func(i, j int) bool { return events[i].CreatedAt.Before(events[j].CreatedAt) })
	return events, nil
}

// MarkPublished records broker confirmation for id.
func (r *OutboxRepo) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE outbox_events SET status = 'PUBLISHED', published_at = $2, updated_at = $2 WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("mark outbox event published: %w", err)
	}
	return nil
}

// MarkFailed records a failed attempt for id.
func (r *OutboxRepo) MarkFailed(ctx context.Context, id uuid.UUID, reason string, maxAttempts int) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE outbox_events
		SET attempts = attempts + 1,
			last_error = $2,
			status = CASE WHEN attempts + 1 >= $3 THEN 'FAILED' ELSE 'PENDING' END,
			updated_at = now()
		WHERE id = $1 AND status <> 'PUBLISHED'`,
		id, reason, maxAttempts,
	)
	if err != nil {
		return fmt.Errorf("mark outbox event failed: %w", err)
	}
	return nil
}

func insertOutboxEvent(ctx context.Context, tx pgx.Tx, e *domain.OutboxEvent) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO outbox_events (id, event_type, aggregate_id, payload, status, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.EventType, e.AggregateID, []byte(e.Payload), string(e.Status), e.Attempts, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", translateError(err))
	}
	return nil
}

func scanOutboxEvent(row pgx.Row) (*domain.OutboxEvent, error) {
	var (
		ev      domain.OutboxEvent
		payload []byte
		status  string
	)
	err := row.Scan(
		&ev.ID, &ev.EventType, &ev.AggregateID, &payload, &status, &ev.Attempts,
		&ev.LastError, &ev.PublishedAt, &ev.CreatedAt, &ev.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan outbox row: %w", err)
	}
	ev.Payload = payload
	ev.Status = domain.OutboxStatus(status)
	return &ev, nil
}
