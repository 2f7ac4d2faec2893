// Package memory is a process-local ledger backend. It validates balance
// versions at commit time, so concurrent transfers behave as they do on the
// database backends: a stale unit fails with ports.ErrConflict and is
// retried by the engine. Data is lost on restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"payments-ledger/internal/core/domain"
	"payments-ledger/internal/core/ports"

	"github.com/google/uuid"
)

// Store holds every collection behind one lock.
type Store struct {
	mu           sync.RWMutex
	accounts     map[string]domain.Account
	balances     map[string]domain.Balance
	transactions []domain.Transaction
	outbox       map[uuid.UUID]*domain.OutboxEvent
	outboxOrder  []uuid.UUID
	idempotency  map[string]domain.IdempotencyRecord
	now          func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		accounts:    make(map[string]domain.Account),
		balances:    make(map[string]domain.Balance),
		outbox:      make(map[uuid.UUID]*domain.OutboxEvent),
		idempotency: make(map[string]domain.IdempotencyRecord),
		now:         time.Now,
	}
}

// Storage exposes the store through the repository ports.
func (s *Store) Storage() ports.Storage {
	return ports.Storage{
		Accounts:     &accountRepo{s: s},
		Balances:     &balanceRepo{s: s},
		Transactions: &transactionRepo{s: s},
		Idempotency:  &idempotencyRepo{s: s},
		Outbox:       &outboxRepo{s: s},
		Ledger:       &ledgerStore{s: s},
		Health:       s,
	}
}

// Name implements ports.HealthChecker.
func (s *Store) Name() string { return "memory" }

// Ping implements ports.HealthChecker.
func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

// --- accounts ---

type accountRepo struct{ s *Store }

func (r *accountRepo) CreateWithBalance(ctx context.Context, account *domain.Account, balance *domain.Balance) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.accounts[account.Email]; ok {
		return ports.ErrDuplicate
	}
	if _, ok := r.s.balances[balance.Email]; ok {
		return ports.ErrDuplicate
	}
	r.s.accounts[account.Email] = *account
	r.s.balances[balance.Email] = *balance
	return nil
}

func (r *accountRepo) GetByEmail(ctx context.Context, email string) (*domain.Account, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	a, ok := r.s.accounts[email]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

// --- balances ---

type balanceRepo struct{ s *Store }

func (r *balanceRepo) GetByEmail(ctx context.Context, email string) (*domain.Balance, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	b, ok := r.s.balances[email]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

// --- transactions ---

type transactionRepo struct{ s *Store }

func (r *transactionRepo) ListByParticipant(ctx context.Context, email string) ([]domain.Transaction, error) {
	r.s.mu.RLock()
	var out []domain.Transaction
	for _, t := range r.s.transactions {
		if t.Involves(email) {
			out = append(out, t)
		}
	}
	r.s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

// --- idempotency ---

type idempotencyRepo struct{ s *Store }

func (r *idempotencyRepo) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	rec, ok := r.s.idempotency[key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// --- outbox ---

type outboxRepo struct{ s *Store }

func (r *outboxRepo) ClaimPending(ctx context.Context, limit int, staleBefore time.Time) ([]*domain.OutboxEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := r.s.now().UTC()
	var claimed []*domain.OutboxEvent
	for _, id := range r.s.outboxOrder {
		if len(claimed) >= limit {
			break
		}
		ev := r.s.outbox[id]
		if ev.Status != domain.OutboxStatusPending && ev.Status != domain.OutboxStatusProcessing {
			continue
		}
		if !ev.UpdatedAt.Before(staleBefore) {
			continue
		}
		ev.Status = domain.OutboxStatusProcessing
		ev.UpdatedAt = now
		cp := *ev
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (r *outboxRepo) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ev, ok := r.s.outbox[id]
	if !ok {
		return nil
	}
	at = at.UTC()
	ev.Status = domain.OutboxStatusPublished
	ev.PublishedAt = &at
	ev.UpdatedAt = at
	return nil
}

func (r *outboxRepo) MarkFailed(ctx context.Context, id uuid.UUID, reason string, maxAttempts int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ev, ok := r.s.outbox[id]
	if !ok || ev.Status == domain.OutboxStatusPublished {
		return nil
	}
	ev.Attempts++
	ev.LastError = &reason
	ev.UpdatedAt = r.s.now().UTC()
	if ev.Attempts >= maxAttempts {
		ev.Status = domain.OutboxStatusFailed
	} else {
		ev.Status = domain.OutboxStatusPending
	}
	return nil
}

// Event returns a copy of the outbox row with id, for inspection.
func (s *Store) Event(id uuid.UUID) (domain.OutboxEvent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.outbox[id]
	if !ok {
		return domain.OutboxEvent{}, false
	}
	return *ev, true
}
