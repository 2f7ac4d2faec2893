package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"payments-ledger/internal/core/ports"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Server error code and labels the adapter translates.
const (
	codeWriteConflict              = 112
	labelTransientTransactionError = "TransientTransactionError"
)

// Store holds the handles shared by the repositories.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	now    func() time.Time
}

// New creates a Store on the named database.
func New(client *mongo.Client, database string) *Store {
	return &Store{
		client: client,
		db:     client.Database(database),
		now:    time.Now,
	}
}

// Storage exposes the store through the repository ports.
func (s *Store) Storage() ports.Storage {
	return ports.Storage{
		Accounts:     &AccountRepo{s: s},
		Balances:     &BalanceRepo{s: s},
		Transactions: &TransactionRepo{s: s},
		Idempotency:  &IdempotencyRepo{s: s},
		Outbox:       &OutboxRepo{s: s},
		Ledger:       &LedgerStore{s: s},
		Health:       s,
	}
}

// Name implements ports.HealthChecker.
func (s *Store) Name() string { return "mongodb" }

// Ping implements ports.HealthChecker.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Indexes lists the secondary indexes each collection needs. Uniqueness of
// balances and idempotency keys comes from their _id.
func Indexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		collAccounts: {
			{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true).SetName("uniq_email")},
		},
		collTransactions: {
			{Keys: bson.D{{Key: "sender.email", Value: 1}, {Key: "created_at", Value: 1}}, Options: options.Index().SetName("by_sender")},
			{Keys: bson.D{{Key: "recipient.email", Value: 1}, {Key: "created_at", Value: 1}}, Options: options.Index().SetName("by_recipient")},
		},
		collOutbox: {
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "updated_at", Value: 1}}, Options: options.Index().SetName("claimable")},
		},
	}
}

// EnsureIndexes creates every index in Indexes. Existing indexes are left
// alone.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	for _, coll := range []string{collAccounts, collTransactions, collOutbox} {
		models := Indexes()[coll]
		if _, err := s.db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("create indexes on %s: %w", coll, err)
		}
	}
	return nil
}

// translateError maps driver errors onto the port sentinels.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %v", ports.ErrDuplicate, err)
	}
	var se mongo.ServerError
	if errors.As(err, &se) && (se.HasErrorLabel(labelTransientTransactionError) || se.HasErrorCode(codeWriteConflict)) {
		return fmt.Errorf("%w: %v", ports.ErrConflict, err)
	}
	return err
}
