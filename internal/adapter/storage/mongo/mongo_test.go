package mongo

import (
	"context"
	"errors"
	"testing"
	"time"

	"payments-ledger/internal/core/domain"
	"payments-ledger/internal/core/ports"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

func newMockT(t *testing.T) *mtest.T {
	return mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
}

func newTestStore(mt *mtest.T) *Store {
	return New(mt.Client, mt.DB.Name())
}

// asDoc converts a document struct into the bson.D mock cursors expect.
func asDoc(t *testing.T, v any) bson.D {
	t.Helper()
	raw, err := bson.Marshal(v)
	require.NoError(t, err)
	var d bson.D
	require.NoError(t, bson.Unmarshal(raw, &d))
	return d
}

func ns(mt *mtest.T, coll string) string {
	return mt.DB.Name() + "." + coll
}

func TestAccountRepo_GetByEmail(t *testing.T) {
	mt := newMockT(t)

	mt.Run("found", func(mt *mtest.T) {
		acc := &domain.Account{
			ID:           uuid.New(),
			Email:        "alice@example.com",
			Name:         "Alice",
			PasswordHash: "$argon2id$hash",
			CreatedAt:    time.Now().UTC().Truncate(time.Millisecond),
		}
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns(mt, collAccounts), mtest.FirstBatch, asDoc(t, toAccountDoc(acc))))

		repo := newTestStore(mt).Storage().Accounts
		got, err := repo.GetByEmail(context.Background(), acc.Email)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, acc.ID, got.ID)
		assert.Equal(t, acc.PasswordHash, got.PasswordHash)
		assert.True(t, acc.CreatedAt.Equal(got.CreatedAt))
	})

	mt.Run("not found", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns(mt, collAccounts), mtest.FirstBatch))

		got, err := newTestStore(mt).Storage().Accounts.GetByEmail(context.Background(), "ghost@example.com")
		assert.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestBalanceRepo_GetByEmail(t *testing.T) {
	mt := newMockT(t)

	mt.Run("decimal amount", func(mt *mtest.T) {
		doc, err := toBalanceDoc(&domain.Balance{
			Email:     "alice@example.com",
			Amount:    decimal.RequireFromString("1300.5"),
			Version:   7,
			UpdatedAt: time.Now().UTC(),
		})
		require.NoError(t, err)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns(mt, collBalances), mtest.FirstBatch, asDoc(t, doc)))

		b, err := newTestStore(mt).Storage().Balances.GetByEmail(context.Background(), "alice@example.com")
		require.NoError(t, err)
		require.NotNil(t, b)
		assert.Equal(t, "1300.50", domain.FormatAmount(b.Amount))
		assert.Equal(t, int64(7), b.Version)
	})

	mt.Run("query error", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{Code: 13, Message: "unauthorized"}))

		_, err := newTestStore(mt).Storage().Balances.GetByEmail(context.Background(), "alice@example.com")
		assert.Error(t, err)
	})
}

func TestTransactionRepo_ListByParticipant(t *testing.T) {
	mt := newMockT(t)

	mt.Run("decodes snapshots", func(mt *mtest.T) {
		alice := &domain.Account{ID: uuid.New(), Email: "alice@example.com", Name: "Alice"}
		bob := &domain.Account{ID: uuid.New(), Email: "bob@example.com", Name: "Bob"}
		first := domain.NewTransaction(alice, bob, decimal.NewFromInt(300), time.Now().Add(-time.Minute))
		second := domain.NewTransaction(bob, alice, decimal.RequireFromString("0.01"), time.Now())

		d1, err := toTransactionDoc(first)
		require.NoError(t, err)
		d2, err := toTransactionDoc(second)
		require.NoError(t, err)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns(mt, collTransactions), mtest.FirstBatch, asDoc(t, d1), asDoc(t, d2)))

		txns, err := newTestStore(mt).Storage().Transactions.ListByParticipant(context.Background(), "bob@example.com")
		require.NoError(t, err)
		require.Len(t, txns, 2)
		assert.Equal(t, first.ID, txns[0].ID)
		assert.Equal(t, first.Sender, txns[0].Sender)
		assert.Equal(t, "0.01", domain.FormatAmount(txns[1].Amount))
	})

	mt.Run("empty", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns(mt, collTransactions), mtest.FirstBatch))

		txns, err := newTestStore(mt).Storage().Transactions.ListByParticipant(context.Background(), "new@example.com")
		require.NoError(t, err)
		assert.NotNil(t, txns)
		assert.Empty(t, txns)
	})
}

func TestIdempotencyRepo_Get(t *testing.T) {
	mt := newMockT(t)

	mt.Run("found", func(mt *mtest.T) {
		rec := &domain.IdempotencyRecord{
			Key:           "acc:order-1",
			TransactionID: uuid.New(),
			Fingerprint:   "fp",
			ResponseJSON:  []byte(`{"id":"x"}`),
			CreatedAt:     time.Now().UTC(),
		}
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns(mt, collIdempotency), mtest.FirstBatch, asDoc(t, toIdempotencyDoc(rec))))

		got, err := newTestStore(mt).Storage().Idempotency.Get(context.Background(), rec.Key)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, rec.TransactionID, got.TransactionID)
		assert.Equal(t, rec.ResponseJSON, got.ResponseJSON)
	})

	mt.Run("missing", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns(mt, collIdempotency), mtest.FirstBatch))

		got, err := newTestStore(mt).Storage().Idempotency.Get(context.Background(), "nope")
		assert.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestLedgerTx_LockBalances(t *testing.T) {
	mt := newMockT(t)

	mt.Run("returns map by email", func(mt *mtest.T) {
		a, err := toBalanceDoc(&domain.Balance{Email: "a@example.com", Amount: decimal.NewFromInt(10), Version: 1})
		require.NoError(t, err)
		b, err := toBalanceDoc(&domain.Balance{Email: "b@example.com", Amount: decimal.NewFromInt(20), Version: 2})
		require.NoError(t, err)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns(mt, collBalances), mtest.FirstBatch, asDoc(t, a), asDoc(t, b)))

		tx := &ledgerTx{s: newTestStore(mt)}
		got, err := tx.LockBalances(context.Background(), []string{"b@example.com", "a@example.com"})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, int64(2), got["b@example.com"].Version)
		assert.Equal(t, "10.00", domain.FormatAmount(got["a@example.com"].Amount))
	})
}

func TestLedgerTx_UpdateBalance(t *testing.T) {
	mt := newMockT(t)
	current := &domain.Balance{Email: "a@example.com", Version: 3}

	mt.Run("matched", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}, bson.E{Key: "nModified", Value: 1}))

		tx := &ledgerTx{s: newTestStore(mt)}
		assert.NoError(t, tx.UpdateBalance(context.Background(), current, decimal.NewFromInt(5)))
	})

	mt.Run("stale version", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}, bson.E{Key: "nModified", Value: 0}))

		tx := &ledgerTx{s: newTestStore(mt)}
		err := tx.UpdateBalance(context.Background(), current, decimal.NewFromInt(5))
		assert.ErrorIs(t, err, ports.ErrConflict)
	})

	mt.Run("write conflict", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{
			Code:    codeWriteConflict,
			Name:    "WriteConflict",
			Message: "WriteConflict error",
			Labels:  []string{labelTransientTransactionError},
		}))

		tx := &ledgerTx{s: newTestStore(mt)}
		err := tx.UpdateBalance(context.Background(), current, decimal.NewFromInt(5))
		assert.ErrorIs(t, err, ports.ErrConflict)
	})

	mt.Run("negative", func(mt *mtest.T) {
		tx := &ledgerTx{s: newTestStore(mt)}
		err := tx.UpdateBalance(context.Background(), current, decimal.NewFromInt(-1))
		require.Error(t, err)
		assert.NotErrorIs(t, err, ports.ErrConflict)
	})
}

func TestLedgerTx_Inserts(t *testing.T) {
	mt := newMockT(t)
	alice := &domain.Account{ID: uuid.New(), Email: "a@example.com", Name: "A"}
	bob := &domain.Account{ID: uuid.New(), Email: "b@example.com", Name: "B"}
	txn := domain.NewTransaction(alice, bob, decimal.NewFromInt(1), time.Now())

	mt.Run("transaction and event", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(), mtest.CreateSuccessResponse())

		tx := &ledgerTx{s: newTestStore(mt)}
		require.NoError(t, tx.AppendTransaction(context.Background(), txn))
		ev, err := domain.NewTransferCompletedOutbox(txn)
		require.NoError(t, err)
		require.NoError(t, tx.EnqueueEvent(context.Background(), ev))
	})

	mt.Run("duplicate idempotency key", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{
			Index:   0,
			Code:    11000,
			Message: "E11000 duplicate key error collection: idempotency_records",
		}))

		tx := &ledgerTx{s: newTestStore(mt)}
		err := tx.SaveIdempotency(context.Background(), &domain.IdempotencyRecord{Key: "k", TransactionID: txn.ID})
		assert.ErrorIs(t, err, ports.ErrDuplicate)
	})
}

func commandNames(mt *mtest.T) []string {
	var names []string
	for _, ev := range mt.GetAllStartedEvents() {
		names = append(names, ev.CommandName)
	}
	return names
}

func unknownCommitResponse() bson.D {
	return mtest.CreateCommandErrorResponse(mtest.CommandError{
		Code:    6,
		Name:    "HostUnreachable",
		Message: "connection reset while committing",
		Labels:  []string{labelUnknownCommitResult},
	})
}

func TestLedgerStore_WithinTx(t *testing.T) {
	mt := newMockT(t)
	alice := &domain.Account{ID: uuid.New(), Email: "a@example.com", Name: "A"}
	bob := &domain.Account{ID: uuid.New(), Email: "b@example.com", Name: "B"}
	txn := domain.NewTransaction(alice, bob, decimal.NewFromInt(1), time.Now())

	appendTxn := func(ctx context.Context, tx ports.LedgerTx) error {
		return tx.AppendTransaction(ctx, txn)
	}

	mt.Run("commits", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(), mtest.CreateSuccessResponse())

		err := newTestStore(mt).Storage().Ledger.WithinTx(context.Background(), appendTxn)
		require.NoError(t, err)
		assert.Equal(t, []string{"insert", "commitTransaction"}, commandNames(mt))
	})

	mt.Run("fn error aborts", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(), mtest.CreateSuccessResponse())
		boom := errors.New("insufficient funds")

		err := newTestStore(mt).Storage().Ledger.WithinTx(context.Background(), func(ctx context.Context, tx ports.LedgerTx) error {
			if err := appendTxn(ctx, tx); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, []string{"insert", "abortTransaction"}, commandNames(mt))
	})

	mt.Run("transient commit error is a conflict", func(mt *mtest.T) {
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(),
			mtest.CreateCommandErrorResponse(mtest.CommandError{
				Code:    codeWriteConflict,
				Name:    "WriteConflict",
				Message: "WriteConflict error",
				Labels:  []string{labelTransientTransactionError},
			}),
		)

		err := newTestStore(mt).Storage().Ledger.WithinTx(context.Background(), appendTxn)
		assert.ErrorIs(t, err, ports.ErrConflict)
		assert.NotErrorIs(t, err, ports.ErrCommitUnknown)
		assert.Equal(t, []string{"insert", "commitTransaction"}, commandNames(mt))
	})

	mt.Run("unknown commit result is retried", func(mt *mtest.T) {
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(),
			unknownCommitResponse(),
			mtest.CreateSuccessResponse(),
		)

		err := newTestStore(mt).Storage().Ledger.WithinTx(context.Background(), appendTxn)
		require.NoError(t, err)
		assert.Equal(t, []string{"insert", "commitTransaction", "commitTransaction"}, commandNames(mt))
	})

	mt.Run("unknown commit result after every attempt", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse())
		for i := 0; i < maxCommitAttempts; i++ {
			mt.AddMockResponses(unknownCommitResponse())
		}

		err := newTestStore(mt).Storage().Ledger.WithinTx(context.Background(), appendTxn)
		assert.ErrorIs(t, err, ports.ErrCommitUnknown)
		assert.NotErrorIs(t, err, ports.ErrConflict)

		names := commandNames(mt)
		assert.Len(t, names, 1+maxCommitAttempts)
		assert.NotContains(t, names, "abortTransaction")
	})
}

func TestAccountRepo_CreateWithBalance(t *testing.T) {
	mt := newMockT(t)
	acc := &domain.Account{
		ID:           uuid.New(),
		Email:        "alice@example.com",
		Name:         "Alice",
		PasswordHash: "$argon2id$hash",
		CreatedAt:    time.Now().UTC(),
	}
	bal := &domain.Balance{Email: acc.Email, Amount: decimal.NewFromInt(1000), UpdatedAt: time.Now().UTC()}

	mt.Run("inserts both in one transaction", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(), mtest.CreateSuccessResponse(), mtest.CreateSuccessResponse())

		err := newTestStore(mt).Storage().Accounts.CreateWithBalance(context.Background(), acc, bal)
		require.NoError(t, err)
		assert.Equal(t, []string{"insert", "insert", "commitTransaction"}, commandNames(mt))
	})

	mt.Run("duplicate balance aborts", func(mt *mtest.T) {
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(),
			mtest.CreateWriteErrorsResponse(mtest.WriteError{
				Index:   0,
				Code:    11000,
				Message: "E11000 duplicate key error collection: balances",
			}),
			mtest.CreateSuccessResponse(),
		)

		err := newTestStore(mt).Storage().Accounts.CreateWithBalance(context.Background(), acc, bal)
		assert.ErrorIs(t, err, ports.ErrDuplicate)
		assert.Contains(t, err.Error(), "insert balance")
		assert.Equal(t, []string{"insert", "insert", "abortTransaction"}, commandNames(mt))
	})
}

func TestOutboxRepo_ClaimPending(t *testing.T) {
	mt := newMockT(t)

	mt.Run("skips rows claimed elsewhere", func(mt *mtest.T) {
		now := time.Now().UTC()
		claimedID, lostID := uuid.New(), uuid.New()
		claimed := outboxDoc{
			ID:          claimedID.String(),
			EventType:   domain.EventTypeTransferCompleted,
			AggregateID: uuid.NewString(),
			Payload:     `{}`,
			Status:      string(domain.OutboxStatusProcessing),
			CreatedAt:   now.Add(-time.Minute),
			UpdatedAt:   now,
		}

		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, ns(mt, collOutbox), mtest.FirstBatch,
				bson.D{{Key: "_id", Value: claimedID.String()}},
				bson.D{{Key: "_id", Value: lostID.String()}},
			),
			mtest.CreateSuccessResponse(bson.E{Key: "value", Value: asDoc(t, claimed)}),
			mtest.CreateSuccessResponse(bson.E{Key: "value", Value: nil}),
		)

		repo := newTestStore(mt).Storage().Outbox
		events, err := repo.ClaimPending(context.Background(), 10, now)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, claimedID, events[0].ID)
		assert.Equal(t, domain.OutboxStatusProcessing, events[0].Status)
	})

	mt.Run("nothing pending", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns(mt, collOutbox), mtest.FirstBatch))

		events, err := newTestStore(mt).Storage().Outbox.ClaimPending(context.Background(), 10, time.Now())
		require.NoError(t, err)
		assert.Empty(t, events)
	})
}

func TestOutboxRepo_Marks(t *testing.T) {
	mt := newMockT(t)

	mt.Run("published", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}, bson.E{Key: "nModified", Value: 1}))
		assert.NoError(t, newTestStore(mt).Storage().Outbox.MarkPublished(context.Background(), uuid.New(), time.Now()))
	})

	mt.Run("failed", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}, bson.E{Key: "nModified", Value: 1}))
		assert.NoError(t, newTestStore(mt).Storage().Outbox.MarkFailed(context.Background(), uuid.New(), "nack", 5))
	})

	mt.Run("failed with server error", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{Code: 2, Message: "bad pipeline"}))
		assert.Error(t, newTestStore(mt).Storage().Outbox.MarkFailed(context.Background(), uuid.New(), "nack", 5))
	})
}

func TestStore_HealthAndIndexes(t *testing.T) {
	mt := newMockT(t)

	mt.Run("ping", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse())
		store := newTestStore(mt)
		assert.NoError(t, store.Ping(context.Background()))
		assert.Equal(t, "mongodb", store.Name())
	})

	mt.Run("ensure indexes", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(), mtest.CreateSuccessResponse(), mtest.CreateSuccessResponse())
		assert.NoError(t, newTestStore(mt).EnsureIndexes(context.Background()))
	})

	mt.Run("ensure indexes fails", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{Code: 85, Message: "IndexOptionsConflict"}))
		err := newTestStore(mt).EnsureIndexes(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), collAccounts)
	})
}

func TestIndexes(t *testing.T) {
	idx := Indexes()
	require.Len(t, idx[collAccounts], 1)
	assert.True(t, *idx[collAccounts][0].Options.Unique)
	assert.Len(t, idx[collTransactions], 2)
	assert.Len(t, idx[collOutbox], 1)
}

func TestTranslateError(t *testing.T) {
	dup := mongo.WriteException{WriteErrors: mongo.WriteErrors{{Code: 11000, Message: "E11000"}}}
	assert.ErrorIs(t, translateError(dup), ports.ErrDuplicate)

	conflict := mongo.CommandError{Code: codeWriteConflict, Message: "WriteConflict"}
	assert.ErrorIs(t, translateError(conflict), ports.ErrConflict)

	transient := mongo.CommandError{Code: 251, Labels: []string{labelTransientTransactionError}}
	assert.ErrorIs(t, translateError(transient), ports.ErrConflict)

	plain := errors.New("network down")
	assert.Equal(t, plain, translateError(plain))
	assert.NoError(t, translateError(nil))
}

func TestDecimal128RoundTrip(t *testing.T) {
	for _, s := range []string{"0", "0.01", "1000", "123456789.99"} {
		v, err := toDecimal128(decimal.RequireFromString(s))
		require.NoError(t, err)
		back, err := fromDecimal128(v)
		require.NoError(t, err)
		assert.True(t, back.Equal(decimal.RequireFromString(s)), s)
	}
}
