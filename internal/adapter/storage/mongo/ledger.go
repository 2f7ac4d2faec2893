package mongo

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"payments-ledger/internal/core/domain"
	"payments-ledger/internal/core/ports"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

const (
	labelUnknownCommitResult = "UnknownTransactionCommitResult"
	maxCommitAttempts        = 3
)

// LedgerStore implements ports.LedgerStore with a snapshot transaction.
// Balances are not locked on read; UpdateBalance compares the version it
// read, and a concurrent writer surfaces as a write conflict. Both come
// back as ports.ErrConflict so the engine can retry.
type LedgerStore struct {
	s *Store
}

// WithinTx runs fn in one multi-document transaction.
func (l *LedgerStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx ports.LedgerTx) error) error {
	return l.s.runInTx(ctx, func(sc mongo.SessionContext) error {
		return fn(sc, &ledgerTx{s: l.s})
	})
}

func (s *Store) runInTx(ctx context.Context, fn func(sc mongo.SessionContext) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer sess.EndSession(ctx)

	txOpts := options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())

	return mongo.WithSession(ctx, sess, func(sc mongo.SessionContext) error {
		if err := sess.StartTransaction(txOpts); err != nil {
			return fmt.Errorf("start transaction: %w", err)
		}

		if err := fn(sc); err != nil {
			_ = sess.AbortTransaction(sc)
			return err
		}

		// Only the commit is retried; re-running fn after an unknown
		// outcome could apply the transfer twice.
		var commitErr error
		for attempt := 0; attempt < maxCommitAttempts; attempt++ {
			commitErr = sess.CommitTransaction(sc)
			if commitErr == nil || !unknownCommitResult(commitErr) {
				break
			}
		}
		switch {
		case commitErr == nil:
			return nil
		case unknownCommitResult(commitErr):
			return fmt.Errorf("commit: %w: %v", ports.ErrCommitUnknown, commitErr)
		default:
			return fmt.Errorf("commit: %w", translateError(commitErr))
		}
	})
}

func unknownCommitResult(err error) bool {
	var se mongo.ServerError
	return errors.As(err, &se) && se.HasErrorLabel(labelUnknownCommitResult)
}

type ledgerTx struct {
	s *Store
}

func (t *ledgerTx) LockBalances(ctx context.Context, emails []string) (map[string]*domain.Balance, error) {
	sorted := append([]string(nil), emails...)
	sort.Strings(sorted)

	cur, err := t.s.db.Collection(collBalances).Find(ctx,
		bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: sorted}}}},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("read balances: %w", translateError(err))
	}
	defer cur.Close(ctx)

	out := make(map[string]*domain.Balance, len(sorted))
	for cur.Next(ctx) {
		var doc balanceDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode balance: %w", err)
		}
		b, err := doc.toDomain()
		if err != nil {
			return nil, err
		}
		out[b.Email] = b
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("read balances: %w", translateError(err))
	}
	return out, nil
}

func (t *ledgerTx) UpdateBalance(ctx context.Context, current *domain.Balance, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("balance for %s would become negative", current.Email)
	}
	value, err := toDecimal128(amount)
	if err != nil {
		return err
	}

	res, err := t.s.db.Collection(collBalances).UpdateOne(ctx,
		bson.D{{Key: "_id", Value: current.Email}, {Key: "version", Value: current.Version}},
		bson.D{
			{Key: "$set", Value: bson.D{{Key: "amount", Value: value}, {Key: "updated_at", Value: t.s.now().UTC()}}},
			{Key: "$inc", Value: bson.D{{Key: "version", Value: int64(1)}}},
		},
	)
	if err != nil {
		return fmt.Errorf("update balance: %w", translateError(err))
	}
	if res.MatchedCount == 0 {
		return ports.ErrConflict
	}
	return nil
}

func (t *ledgerTx) AppendTransaction(ctx context.Context, txn *domain.Transaction) error {
	doc, err := toTransactionDoc(txn)
	if err != nil {
		return err
	}
	if _, err := t.s.db.Collection(collTransactions).InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert transaction: %w", translateError(err))
	}
	return nil
}

func (t *ledgerTx) EnqueueEvent(ctx context.Context, e *domain.OutboxEvent) error {
	if _, err := t.s.db.Collection(collOutbox).InsertOne(ctx, toOutboxDoc(e)); err != nil {
		return fmt.Errorf("insert outbox event: %w", translateError(err))
	}
	return nil
}

func (t *ledgerTx) SaveIdempotency(ctx context.Context, rec *domain.IdempotencyRecord) error {
	if _, err := t.s.db.Collection(collIdempotency).InsertOne(ctx, toIdempotencyDoc(rec)); err != nil {
		return fmt.Errorf("insert idempotency record: %w", translateError(err))
	}
	return nil
}
