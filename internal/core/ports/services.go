package ports

//go:generate mockgen -source=services.go -destination=mocks/services_mock.go -package=mocks

import (
	"context"
	"errors"
	"time"

	"payments-ledger/internal/core/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MessageSigner signs and verifies broker message bodies.
type MessageSigner interface {
	Sign(payload []byte) string
	Verify(payload []byte, signature string) bool
}

// HashService handles password hashing (Argon2id).
type HashService interface {
	Hash(password string) (string, error)
	Verify(password string, hash string) (bool, error)
}

// TokenService handles JWT token operations.
type TokenService interface {
	Generate(sessionID string, accountID uuid.UUID, expiresAt time.Time) (string, error)
	Validate(tokenString string) (*TokenClaims, error)
}

// TokenClaims holds the parsed JWT claims.
type TokenClaims struct {
	SessionID string
	AccountID uuid.UUID
}

// IdempotencyCache is the Redis-layer idempotency check (fast path).
type IdempotencyCache interface {
	Get(ctx context.Context, key string) ([]byte, error) // Returns cached response JSON or nil
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// SessionStore keeps server-side sessions. The record expires at
// Session.ExpiresAt.
type SessionStore interface {
	Create(ctx context.Context, session *domain.Session) error
	// Get returns nil, nil for a missing or expired session.
	Get(ctx context.Context, id string) (*domain.Session, error)
	Delete(ctx context.Context, id string) error
}

// DeliveryDeduplicator suppresses redelivered broker messages.
type DeliveryDeduplicator interface {
	// MarkSeen returns true the first time messageID is seen within ttl.
	MarkSeen(ctx context.Context, messageID string, ttl time.Duration) (bool, error)
}

// ErrPublisherUnavailable means the publisher has no usable broker channel.
// The event was not sent and the failure says nothing about the event itself.
var ErrPublisherUnavailable = errors.New("publisher unavailable")

// EventPublisher delivers an outbox event to the broker and returns once
// the broker has confirmed it.
type EventPublisher interface {
	Publish(ctx context.Context, event *domain.OutboxEvent) error
}

// Notifier accepts committed events for asynchronous delivery. Notify must
// not block the caller.
type Notifier interface {
	Notify(event *domain.OutboxEvent)
}

// --- Service Ports (Business Logic) ---

// TransferService moves funds between two accounts.
type TransferService interface {
	Transfer(ctx context.Context, req TransferRequest) (*domain.Transaction, error)
}

// TransferRequest holds input for a transfer from the authenticated caller.
type TransferRequest struct {
	RecipientEmail string
	Amount         decimal.Decimal
	IdempotencyKey string // optional
}

// AccountService covers the account lifecycle and the caller's read queries.
type AccountService interface {
	CreateAccount(ctx context.Context, req CreateAccountRequest) (*AuthResult, error)
	Login(ctx context.Context, email, password string) (*AuthResult, error)
	Logout(ctx context.Context) error
	Account(ctx context.Context) (*domain.Account, error)
	Balance(ctx context.Context) (*domain.Balance, error)
	Transactions(ctx context.Context) ([]domain.Transaction, error)
}

// CreateAccountRequest holds input for account creation.
type CreateAccountRequest struct {
	Name     string `validate:"required,min=3,max=128"`
	Email    string `validate:"required,email"`
	Password string `validate:"required,min=6,max=128"`
}

// AuthResult is returned when a session is established.
type AuthResult struct {
	Account   *domain.Account
	SessionID string
	Token     string
	ExpiresAt time.Time
}
