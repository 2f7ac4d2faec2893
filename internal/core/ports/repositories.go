package ports

//go:generate mockgen -source=repositories.go -destination=mocks/repositories_mock.go -package=mocks

import (
	"context"
	"errors"
	"time"

	"payments-ledger/internal/core/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Adapter sentinels. Storage adapters translate driver errors into these so
// services can branch without knowing the backend.
var (
	// ErrConflict means a concurrent writer changed the data first; the
	// whole atomic unit may be retried.
	ErrConflict = errors.New("concurrent modification")
	// ErrDuplicate means a uniqueness constraint rejected the write.
	ErrDuplicate = errors.New("duplicate key")
	// ErrCommitUnknown means the commit was sent but its outcome could not
	// be confirmed; the unit may have been applied and must not be re-run
	// blindly.
	ErrCommitUnknown = errors.New("commit outcome unknown")
)

// AccountRepository defines persistence operations for accounts.
type AccountRepository interface {
	// CreateWithBalance stores the account and its opening balance atomically.
	// Returns ErrDuplicate when the email is taken.
	CreateWithBalance(ctx context.Context, account *domain.Account, balance *domain.Balance) error
	// GetByEmail returns nil, nil when no account matches.
	GetByEmail(ctx context.Context, email string) (*domain.Account, error)
}

// BalanceRepository reads committed balances outside a transfer.
type BalanceRepository interface {
	GetByEmail(ctx context.Context, email string) (*domain.Balance, error)
}

// TransactionRepository reads the transaction log.
type TransactionRepository interface {
	// ListByParticipant returns every record where email is sender or
	// recipient, oldest first.
	ListByParticipant(ctx context.Context, email string) ([]domain.Transaction, error)
}

// IdempotencyRepository reads stored transfer outcomes (DB backup of the cache).
type IdempotencyRepository interface {
	Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error)
}

// OutboxRepository drives relay of committed events to the broker.
type OutboxRepository interface {
	// ClaimPending marks up to limit PENDING or PROCESSING rows not updated
	// since staleBefore as PROCESSING and returns them, oldest first.
	ClaimPending(ctx context.Context, limit int, staleBefore time.Time) ([]*domain.OutboxEvent, error)
	MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error
	// MarkFailed records a failed attempt. The row returns to PENDING, or
	// becomes FAILED once attempts reach maxAttempts.
	MarkFailed(ctx context.Context, id uuid.UUID, reason string, maxAttempts int) error
}

// LedgerStore runs a transfer's mutations as one atomic unit. Either every
// write made through tx is committed or none is.
type LedgerStore interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx LedgerTx) error) error
}

// LedgerTx is the set of operations available inside an atomic unit.
type LedgerTx interface {
	// LockBalances reads the current balances for emails, in sorted email
	// order, serializing against other units touching the same accounts.
	LockBalances(ctx context.Context, emails []string) (map[string]*domain.Balance, error)
	// UpdateBalance sets the amount if current.Version is still the stored
	// version. Returns ErrConflict otherwise.
	UpdateBalance(ctx context.Context, current *domain.Balance, amount decimal.Decimal) error
	AppendTransaction(ctx context.Context, t *domain.Transaction) error
	EnqueueEvent(ctx context.Context, e *domain.OutboxEvent) error
	// SaveIdempotency returns ErrDuplicate if the key already exists.
	SaveIdempotency(ctx context.Context, rec *domain.IdempotencyRecord) error
}

// Storage groups the implementations provided by one backend.
type Storage struct {
	Accounts     AccountRepository
	Balances     BalanceRepository
	Transactions TransactionRepository
	Idempotency  IdempotencyRepository
	Outbox       OutboxRepository
	Ledger       LedgerStore
	Health       HealthChecker
}
