package memory

import (
	"context"
	"fmt"
	"sort"

	"payments-ledger/internal/core/domain"
	"payments-ledger/internal/core/ports"

	"github.com/shopspring/decimal"
)

type ledgerStore struct{ s *Store }

// WithinTx buffers the unit's writes and applies them under the store lock
// only if every balance it updated is still at the version it read.
func (l *ledgerStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx ports.LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &ledgerTx{
		s:        l.s,
		expected: make(map[string]int64),
		writes:   make(map[string]decimal.Decimal),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return l.s.commit(ctx, tx)
}

type ledgerTx struct {
	s        *Store
	expected map[string]int64
	writes   map[string]decimal.Decimal
	txns     []domain.Transaction
	events   []domain.OutboxEvent
	records  []domain.IdempotencyRecord
}

func (t *ledgerTx) LockBalances(ctx context.Context, emails []string) (map[string]*domain.Balance, error) {
	sorted := append([]string(nil), emails...)
	sort.Strings(sorted)

	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	out := make(map[string]*domain.Balance, len(sorted))
	for _, email := range sorted {
		if b, ok := t.s.balances[email]; ok {
			cp := b
			out[email] = &cp
		}
	}
	return out, nil
}

func (t *ledgerTx) UpdateBalance(ctx context.Context, current *domain.Balance, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("balance for %s would become negative", current.Email)
	}

	t.s.mu.RLock()
	stored, ok := t.s.balances[current.Email]
	t.s.mu.RUnlock()
	if !ok || stored.Version != current.Version {
		return ports.ErrConflict
	}

	if _, seen := t.expected[current.Email]; !seen {
		t.expected[current.Email] = current.Version
	}
	t.writes[current.Email] = amount
	return nil
}

func (t *ledgerTx) AppendTransaction(ctx context.Context, txn *domain.Transaction) error {
	t.txns = append(t.txns, *txn)
	return nil
}

func (t *ledgerTx) EnqueueEvent(ctx context.Context, e *domain.OutboxEvent) error {
	t.events = append(t.events, *e)
	return nil
}

func (t *ledgerTx) SaveIdempotency(ctx context.Context, rec *domain.IdempotencyRecord) error {
	for _, r := range t.records {
		if r.Key == rec.Key {
			return ports.ErrDuplicate
		}
	}
	t.records = append(t.records, *rec)
	return nil
}

func (s *Store) commit(ctx context.Context, tx *ledgerTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	for email, version := range tx.expected {
		if b, ok := s.balances[email]; !ok || b.Version != version {
			return ports.ErrConflict
		}
	}
	for _, rec := range tx.records {
		if _, ok := s.idempotency[rec.Key]; ok {
			return ports.ErrDuplicate
		}
	}

	now := s.now().UTC()
	for email, amount := range tx.writes {
		b := s.balances[email]
		b.Amount = amount
		b.Version++
		b.UpdatedAt = now
		s.balances[email] = b
	}
	s.transactions = append(s.transactions, tx.txns...)
	for i := range tx.events {
		ev := tx.events[i]
		s.outbox[ev.ID] = &ev
		s.outboxOrder = append(s.outboxOrder, ev.ID)
	}
	for _, rec := range tx.records {
		s.idempotency[rec.Key] = rec
	}
	return nil
}
