package mongo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"payments-ledger/internal/core/domain"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// AccountRepo implements ports.AccountRepository.
type AccountRepo struct {
	s *Store
}

// CreateWithBalance inserts the account and its opening balance in one
// transaction. A taken email yields ports.ErrDuplicate.
func (r *AccountRepo) CreateWithBalance(ctx context.Context, a *domain.Account, b *domain.Balance) error {
	balance, err := toBalanceDoc(b)
	if err != nil {
		return err
	}
	return r.s.runInTx(ctx, func(sc mongo.SessionContext) error {
		if _, err := r.s.db.Collection(collAccounts).InsertOne(sc, toAccountDoc(a)); err != nil {
			return fmt.Errorf("insert account: %w", translateError(err))
		}
		if _, err := r.s.db.Collection(collBalances).InsertOne(sc, balance); err != nil {
			return fmt.Errorf("insert balance: %w", translateError(err))
		}
		return nil
	})
}

// GetByEmail returns nil, nil when no account matches.
func (r *AccountRepo) GetByEmail(ctx context.Context, email string) (*domain.Account, error) {
	var doc accountDoc
	err := r.s.db.Collection(collAccounts).FindOne(ctx, bson.D{{Key: "email", Value: email}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("get account by email: %w", err)
	}
	return doc.toDomain()
}

// BalanceRepo implements ports.BalanceRepository.
type BalanceRepo struct {
	s *Store
}

// GetByEmail returns nil, nil when no balance matches.
func (r *BalanceRepo) GetByEmail(ctx context.Context, email string) (*domain.Balance, error) {
	var doc balanceDoc
	err := r.s.db.Collection(collBalances).FindOne(ctx, bson.D{{Key: "_id", Value: email}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return doc.toDomain()
}

// TransactionRepo implements ports.TransactionRepository.
type TransactionRepo struct {
	s *Store
}

// ListByParticipant returns every transfer email sent or received, oldest
// first.
func (r *TransactionRepo) ListByParticipant(ctx context.Context, email string) ([]domain.Transaction, error) {
	filter := bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "sender.email", Value: email}},
		bson.D{{Key: "recipient.email", Value: email}},
	}}}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})

	cur, err := r.s.db.Collection(collTransactions).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer cur.Close(ctx)

	txns := []domain.Transaction{}
	for cur.Next(ctx) {
		var doc transactionDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode transaction: %w", err)
		}
		t, err := doc.toDomain()
		if err != nil {
			return nil, err
		}
		txns = append(txns, *t)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return txns, nil
}

// IdempotencyRepo implements ports.IdempotencyRepository.
type IdempotencyRepo struct {
	s *Store
}

// Get returns nil, nil for an unused key.
func (r *IdempotencyRepo) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	var doc idempotencyDoc
	err := r.s.db.Collection(collIdempotency).FindOne(ctx, bson.D{{Key: "_id", Value: key}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	return doc.toDomain()
}

// OutboxRepo implements ports.OutboxRepository.
type OutboxRepo struct {
	s *Store
}

func claimableFilter(staleBefore time.Time) bson.D {
	return bson.D{
		{Key: "status", Value: bson.D{{Key: "$in", Value: bson.A{
			string(domain.OutboxStatusPending), string(domain.OutboxStatusProcessing),
		}}}},
		{Key: "updated_at", Value: bson.D{{Key: "$lt", Value: staleBefore}}},
	}
}

// ClaimPending selects candidates, then claims each with a conditional
// update. A row another relay claimed in between is skipped.
func (r *OutboxRepo) ClaimPending(ctx context.Context, limit int, staleBefore time.Time) ([]*domain.OutboxEvent, error) {
	coll := r.s.db.Collection(collOutbox)

	cur, err := coll.Find(ctx, claimableFilter(staleBefore),
		options.Find().
			SetSort(bson.D{{Key: "created_at", Value: 1}}).
			SetLimit(int64(limit)).
			SetProjection(bson.D{{Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("find claimable outbox events: %w", err)
	}
	var ids []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &ids); err != nil {
		return nil, fmt.Errorf("read claimable outbox events: %w", err)
	}

	now := r.s.now().UTC()
	var claimed []*domain.OutboxEvent
	for _, row := range ids {
		filter := append(bson.D{{Key: "_id", Value: row.ID}}, claimableFilter(staleBefore)...)
		update := bson.D{{Key: "$set", Value: bson.D{
			{Key: "status", Value: string(domain.OutboxStatusProcessing)},
			{Key: "updated_at", Value: now},
		}}}

		var doc outboxDoc
		err := coll.FindOneAndUpdate(ctx, filter, update,
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("claim outbox event %s: %w", row.ID, err)
		}
		ev, err := doc.toDomain()
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, ev)
	}

	sort.SliceStable(claimed, func(i, j int) bool { return claimed[i].CreatedAt.Before(claimed[j].CreatedAt) })
	return claimed, nil
}

// MarkPublished records broker confirmation for id.
func (r *OutboxRepo) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	at = at.UTC()
	_, err := r.s.db.Collection(collOutbox).UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id.String()}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "status", Value: string(domain.OutboxStatusPublished)},
			{Key: "published_at", Value: at},
			{Key: "updated_at", Value: at},
		}}},
	)
	if err != nil {
		return fmt.Errorf("mark outbox event published: %w", err)
	}
	return nil
}

// MarkFailed records a failed attempt for id. The status is computed from
// the incremented attempt count in the same update.
func (r *OutboxRepo) MarkFailed(ctx context.Context, id uuid.UUID, reason string, maxAttempts int) error {
	nextAttempts := bson.D{{Key: "$add", Value: bson.A{"$attempts", 1}}}
	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "attempts", Value: nextAttempts},
			{Key: "last_error", Value: reason},
			{Key: "updated_at", Value: r.s.now().UTC()},
			{Key: "status", Value: bson.D{{Key: "$cond", Value: bson.A{
				bson.D{{Key: "$gte", Value: bson.A{nextAttempts, maxAttempts}}},
				string(domain.OutboxStatusFailed),
				string(domain.OutboxStatusPending),
			}}}},
		}}},
	}

	_, err := r.s.db.Collection(collOutbox).UpdateOne(ctx,
		bson.D{
			{Key: "_id", Value: id.String()},
			{Key: "status", Value: bson.D{{Key: "$ne", Value: string(domain.OutboxStatusPublished)}}},
		},
		pipeline,
	)
	if err != nil {
		return fmt.Errorf("mark outbox event failed: %w", err)
	}
	return nil
}
