package mongo

import (
	"fmt"
	"time"

	"payments-ledger/internal/core/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Collection names.
const (
	collAccounts     = "accounts"
	collBalances     = "balances"
	collTransactions = "transactions"
	collIdempotency  = "idempotency_records"
	collOutbox       = "outbox_events"
)

type accountDoc struct {
	ID           string    `bson:"_id"`
	Email        string    `bson:"email"`
	Name         string    `bson:"name"`
	PasswordHash string    `bson:"password_hash"`
	CreatedAt    time.Time `bson:"created_at"`
}

func toAccountDoc(a *domain.Account) accountDoc {
	return accountDoc{
		ID:           a.ID.String(),
		Email:        a.Email,
		Name:         a.Name,
		PasswordHash: a.PasswordHash,
		CreatedAt:    a.CreatedAt,
	}
}

func (d accountDoc) toDomain() (*domain.Account, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, fmt.Errorf("account id: %w", err)
	}
	return &domain.Account{
		ID:           id,
		Email:        d.Email,
		Name:         d.Name,
		PasswordHash: d.PasswordHash,
		CreatedAt:    d.CreatedAt.UTC(),
	}, nil
}

// balanceDoc is keyed by email.
type balanceDoc struct {
	Email     string               `bson:"_id"`
	Amount    primitive.Decimal128 `bson:"amount"`
	Version   int64                `bson:"version"`
	UpdatedAt time.Time            `bson:"updated_at"`
}

func toBalanceDoc(b *domain.Balance) (balanceDoc, error) {
	amount, err := toDecimal128(b.Amount)
	if err != nil {
		return balanceDoc{}, err
	}
	return balanceDoc{Email: b.Email, Amount: amount, Version: b.Version, UpdatedAt: b.UpdatedAt}, nil
}

func (d balanceDoc) toDomain() (*domain.Balance, error) {
	amount, err := fromDecimal128(d.Amount)
	if err != nil {
		return nil, err
	}
	return &domain.Balance{Email: d.Email, Amount: amount, Version: d.Version, UpdatedAt: d.UpdatedAt.UTC()}, nil
}

type snapshotDoc struct {
	ID    string `bson:"id"`
	Email string `bson:"email"`
	Name  string `bson:"name"`
}

func toSnapshotDoc(s domain.AccountSnapshot) snapshotDoc {
	return snapshotDoc{ID: s.ID.String(), Email: s.Email, Name: s.Name}
}

func (d snapshotDoc) toDomain() (domain.AccountSnapshot, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return domain.AccountSnapshot{}, fmt.Errorf("snapshot id: %w", err)
	}
	return domain.AccountSnapshot{ID: id, Email: d.Email, Name: d.Name}, nil
}

type transactionDoc struct {
	ID        string               `bson:"_id"`
	Sender    snapshotDoc          `bson:"sender"`
	Recipient snapshotDoc          `bson:"recipient"`
	Amount    primitive.Decimal128 `bson:"amount"`
	CreatedAt time.Time            `bson:"created_at"`
}

func toTransactionDoc(t *domain.Transaction) (transactionDoc, error) {
	amount, err := toDecimal128(t.Amount)
	if err != nil {
		return transactionDoc{}, err
	}
	return transactionDoc{
		ID:        t.ID.String(),
		Sender:    toSnapshotDoc(t.Sender),
		Recipient: toSnapshotDoc(t.Recipient),
		Amount:    amount,
		CreatedAt: t.CreatedAt,
	}, nil
}

func (d transactionDoc) toDomain() (*domain.Transaction, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, fmt.Errorf("transaction id: %w", err)
	}
	sender, err := d.Sender.toDomain()
	if err != nil {
		return nil, err
	}
	recipient, err := d.Recipient.toDomain()
	if err != nil {
		return nil, err
	}
	amount, err := fromDecimal128(d.Amount)
	if err != nil {
		return nil, err
	}
	return &domain.Transaction{
		ID:        id,
		Sender:    sender,
		Recipient: recipient,
		Amount:    amount,
		CreatedAt: d.CreatedAt.UTC(),
	}, nil
}

type idempotencyDoc struct {
	Key           string    `bson:"_id"`
	TransactionID string    `bson:"transaction_id"`
	Fingerprint   string    `bson:"fingerprint"`
	ResponseJSON  string    `bson:"response_json"`
	CreatedAt     time.Time `bson:"created_at"`
}

func toIdempotencyDoc(r *domain.IdempotencyRecord) idempotencyDoc {
	return idempotencyDoc{
		Key:           r.Key,
		TransactionID: r.TransactionID.String(),
		Fingerprint:   r.Fingerprint,
		ResponseJSON:  string(r.ResponseJSON),
		CreatedAt:     r.CreatedAt,
	}
}

func (d idempotencyDoc) toDomain() (*domain.IdempotencyRecord, error) {
	id, err := uuid.Parse(d.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("idempotency transaction id: %w", err)
	}
	return &domain.IdempotencyRecord{
		Key:           d.Key,
		TransactionID: id,
		Fingerprint:   d.Fingerprint,
		ResponseJSON:  []byte(d.ResponseJSON),
		CreatedAt:     d.CreatedAt.UTC(),
	}, nil
}

type outboxDoc struct {
	ID          string     `bson:"_id"`
	EventType   string     `bson:"event_type"`
	AggregateID string     `bson:"aggregate_id"`
	Payload     string     `bson:"payload"`
	Status      string     `bson:"status"`
	Attempts    int        `bson:"attempts"`
	LastError   *string    `bson:"last_error,omitempty"`
	PublishedAt *time.Time `bson:"published_at,omitempty"`
	CreatedAt   time.Time  `bson:"created_at"`
	UpdatedAt   time.Time  `bson:"updated_at"`
}

func toOutboxDoc(e *domain.OutboxEvent) outboxDoc {
	return outboxDoc{
		ID:          e.ID.String(),
		EventType:   e.EventType,
		AggregateID: e.AggregateID.String(),
		Payload:     string(e.Payload),
		Status:      string(e.Status),
		Attempts:    e.Attempts,
		LastError:   e.LastError,
		PublishedAt: e.PublishedAt,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}
}

func (d outboxDoc) toDomain() (*domain.OutboxEvent, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, fmt.Errorf("outbox id: %w", err)
	}
	agg, err := uuid.Parse(d.AggregateID)
	if err != nil {
		return nil, fmt.Errorf("outbox aggregate id: %w", err)
	}
	return &domain.OutboxEvent{
		ID:          id,
		EventType:   d.EventType,
		AggregateID: agg,
		Payload:     []byte(d.Payload),
		Status:      domain.OutboxStatus(d.Status),
		Attempts:    d.Attempts,
		LastError:   d.LastError,
		PublishedAt: d.PublishedAt,
		CreatedAt:   d.CreatedAt.UTC(),
		UpdatedAt:   d.UpdatedAt.UTC(),
	}, nil
}

func toDecimal128(d decimal.Decimal) (primitive.Decimal128, error) {
	v, err := primitive.ParseDecimal128(domain.FormatAmount(d))
	if err != nil {
		return primitive.Decimal128{}, fmt.Errorf("encode amount %s: %w", d, err)
	}
	return v, nil
}

func fromDecimal128(v primitive.Decimal128) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v.String())
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("decode amount %s: %w", v, err)
	}
	return d, nil
}
