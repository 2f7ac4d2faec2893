package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"payments-ledger/internal/core/auth"
	"payments-ledger/internal/core/domain"
	"payments-ledger/internal/core/ports"
	"payments-ledger/pkg/apperror"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const maxIdempotencyKeyLen = 128

// TransferConfig bounds the engine's retry behaviour.
type TransferConfig struct {
	MaxRetries     int
	RetryBaseDelay time.Duration
	IdempotencyTTL time.Duration
}

// TransferServiceImpl implements ports.TransferService.
type TransferServiceImpl struct {
	accounts   ports.AccountRepository
	ledger     ports.LedgerStore
	idempRepo  ports.IdempotencyRepository
	idempCache ports.IdempotencyCache
	notifier   ports.Notifier
	cfg        TransferConfig
	now        func() time.Time
	log        zerolog.Logger
}

// NewTransferService creates a new TransferServiceImpl.
func NewTransferService(
	accounts ports.AccountRepository,
	ledger ports.LedgerStore,
	idempRepo ports.IdempotencyRepository,
	idempCache ports.IdempotencyCache,
	notifier ports.Notifier,
	cfg TransferConfig,
	log zerolog.Logger,
) *TransferServiceImpl {
	return &TransferServiceImpl{
		accounts:   accounts,
		ledger:     ledger,
		idempRepo:  idempRepo,
		idempCache: idempCache,
		notifier:   notifier,
		cfg:        cfg,
		now:        time.Now,
		log:        log,
	}
}

// idempotencyScope carries a keyed request through the engine.
type idempotencyScope struct {
	key         string
	fingerprint string
}

// Transfer moves amount from the caller to the recipient. All checks run
// before any mutation; the debit, credit, log append and outbox row commit
// together or not at all.
func (s *TransferServiceImpl) Transfer(ctx context.Context, req ports.TransferRequest) (*domain.Transaction, error) {
	sender, err := auth.Caller(ctx)
	if err != nil {
		return nil, err
	}

	recipientEmail := domain.NormalizeEmail(req.RecipientEmail)
	if recipientEmail == "" {
		return nil, apperror.InvalidInput("email", "Recipient email is required.")
	}
	if recipientEmail == sender.Email {
		return nil, apperror.ErrSelfTransfer()
	}

	recipient, err := s.accounts.GetByEmail(ctx, recipientEmail)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("get recipient: %w", err))
	}
	if recipient == nil {
		return nil, apperror.ErrRecipientNotFound()
	}

	if !req.Amount.IsPositive() {
		return nil, apperror.ErrInvalidAmount()
	}
	if !domain.HasValidScale(req.Amount) {
		return nil, apperror.InvalidInput("amount", "Amount must have at most 2 decimal places.")
	}

	var scope *idempotencyScope
	if req.IdempotencyKey != "" {
		if len(req.IdempotencyKey) > maxIdempotencyKeyLen {
			return nil, apperror.InvalidInput("idempotency_key", "Idempotency key is too long.")
		}
		scope = &idempotencyScope{
			key:         domain.BuildIdempotencyKey(sender.ID, req.IdempotencyKey),
			fingerprint: domain.TransferFingerprint(recipientEmail, req.Amount),
		}
		if txn, err := s.lookupIdempotent(ctx, scope); err != nil || txn != nil {
			return txn, err
		}
	}

	txn, event, record, err := s.commitWithRetry(ctx, sender, recipient, req.Amount, scope)
	if err != nil {
		if scope != nil && errors.Is(err, ports.ErrDuplicate) {
			// Lost the race against a concurrent request with the same key.
			txn, err := s.lookupIdempotent(ctx, scope)
			if err == nil && txn == nil {
				return nil, apperror.ErrConflict(ports.ErrDuplicate)
			}
			return txn, err
		}
		return nil, err
	}

	if record != nil {
		s.cacheIdempotent(ctx, record)
	}

	s.notifier.Notify(event)

	s.log.Info().
		Str("tx_id", txn.ID.String()).
		Str("sender", txn.Sender.Email).
		Str("recipient", txn.Recipient.Email).
		Str("amount", domain.FormatAmount(txn.Amount)).
		Msg("transfer committed")

	return txn, nil
}

// commitWithRetry runs the read-validate-write unit, retrying the whole
// unit when a concurrent writer invalidated the balances it read.
func (s *TransferServiceImpl) commitWithRetry(
	ctx context.Context,
	sender, recipient *domain.Account,
	amount decimal.Decimal,
	scope *idempotencyScope,
) (*domain.Transaction, *domain.OutboxEvent, *domain.IdempotencyRecord, error) {
	var (
		event  *domain.OutboxEvent
		record *domain.IdempotencyRecord
	)

	attempt := 0
	op := func() (*domain.Transaction, error) {
		attempt++
		txn, ev, rec, err := s.commitOnce(ctx, sender, recipient, amount, scope)
		if err == nil {
			event, record = ev, rec
			return txn, nil
		}
		if errors.Is(err, ports.ErrConflict) {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	notify := func(err error, wait time.Duration) {
		s.log.Debug().Err(err).
			Int("attempt", attempt).
			Dur("wait", wait).
			Str("sender", sender.Email).
			Msg("transfer conflict, retrying")
	}

	txn, err := backoff.RetryNotifyWithData(op, s.retryPolicy(ctx), notify)
	if err == nil {
		return txn, event, record, nil
	}

	var appErr *apperror.AppError
	switch {
	case errors.As(err, &appErr):
		return nil, nil, nil, appErr
	case errors.Is(err, ports.ErrDuplicate):
		return nil, nil, nil, err
	case errors.Is(err, ports.ErrConflict):
		s.log.Warn().Int("attempts", attempt).Str("sender", sender.Email).Msg("transfer retries exhausted")
		return nil, nil, nil, apperror.ErrConflict(err)
	case errors.Is(err, ports.ErrCommitUnknown):
		s.log.Error().Err(err).Str("sender", sender.Email).Msg("transfer commit outcome unknown")
		return nil, nil, nil, apperror.ErrCommitUnknown(err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, nil, nil, apperror.ErrConflict(err)
	default:
		return nil, nil, nil, apperror.ErrDatabaseError(err)
	}
}

func (s *TransferServiceImpl) retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryBaseDelay
	b.MaxInterval = 50 * s.cfg.RetryBaseDelay
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.cfg.MaxRetries)), ctx)
}

// commitOnce performs a single attempt inside one atomic unit.
func (s *TransferServiceImpl) commitOnce(
	ctx context.Context,
	sender, recipient *domain.Account,
	amount decimal.Decimal,
	scope *idempotencyScope,
) (*domain.Transaction, *domain.OutboxEvent, *domain.IdempotencyRecord, error) {
	var (
		txn    *domain.Transaction
		event  *domain.OutboxEvent
		record *domain.IdempotencyRecord
	)

	err := s.ledger.WithinTx(ctx, func(ctx context.Context, tx ports.LedgerTx) error {
		balances, err := tx.LockBalances(ctx, []string{sender.Email, recipient.Email})
		if err != nil {
			return fmt.Errorf("lock balances: %w", err)
		}
		from, to := balances[sender.Email], balances[recipient.Email]
		if from == nil || to == nil {
			return apperror.InternalError(fmt.Errorf("balance record missing for %s or %s", sender.Email, recipient.Email))
		}

		if !from.Covers(amount) {
			return apperror.ErrInsufficientBalance()
		}

		if err := tx.UpdateBalance(ctx, from, from.Amount.Sub(amount)); err != nil {
			return fmt.Errorf("debit %s: %w", sender.Email, err)
		}
		if err := tx.UpdateBalance(ctx, to, to.Amount.Add(amount)); err != nil {
			return fmt.Errorf("credit %s: %w", recipient.Email, err)
		}

		txn = domain.NewTransaction(sender, recipient, amount, s.now())
		if err := tx.AppendTransaction(ctx, txn); err != nil {
			return fmt.Errorf("append transaction: %w", err)
		}

		event, err = domain.NewTransferCompletedOutbox(txn)
		if err != nil {
			return err
		}
		if err := tx.EnqueueEvent(ctx, event); err != nil {
			return fmt.Errorf("enqueue event: %w", err)
		}

		if scope != nil {
			respJSON, err := json.Marshal(txn)
			if err != nil {
				return fmt.Errorf("marshal response: %w", err)
			}
			record = &domain.IdempotencyRecord{
				Key:           scope.key,
				TransactionID: txn.ID,
				Fingerprint:   scope.fingerprint,
				ResponseJSON:  respJSON,
				CreatedAt:     txn.CreatedAt,
			}
			if err := tx.SaveIdempotency(ctx, record); err != nil {
				return fmt.Errorf("save idempotency record: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return txn, event, record, nil
}

// lookupIdempotent returns the stored outcome for scope, or nil when the
// key has not been used.
func (s *TransferServiceImpl) lookupIdempotent(ctx context.Context, scope *idempotencyScope) (*domain.Transaction, error) {
	// Layer 1: Redis
	cached, err := s.idempCache.Get(ctx, scope.key)
	if err != nil {
		s.log.Warn().Err(err).Str("key", scope.key).Msg("redis idempotency check failed, falling through to DB")
	}
	if cached != nil {
		var rec domain.IdempotencyRecord
		if err := json.Unmarshal(cached, &rec); err == nil {
			return s.replay(&rec, scope)
		}
		s.log.Warn().Str("key", scope.key).Msg("discarding unreadable cached idempotency record")
	}

	// Layer 2: DB
	rec, err := s.idempRepo.Get(ctx, scope.key)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("db idempotency check: %w", err))
	}
	if rec == nil {
		return nil, nil
	}
	s.cacheIdempotent(ctx, rec)
	return s.replay(rec, scope)
}

func (s *TransferServiceImpl) replay(rec *domain.IdempotencyRecord, scope *idempotencyScope) (*domain.Transaction, error) {
	if rec.Fingerprint != scope.fingerprint {
		return nil, apperror.ErrIdempotencyKeyReused()
	}
	var txn domain.Transaction
	if err := json.Unmarshal(rec.ResponseJSON, &txn); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("unmarshal stored transaction: %w", err))
	}
	s.log.Info().Str("key", rec.Key).Str("tx_id", txn.ID.String()).Msg("replaying idempotent transfer")
	return &txn, nil
}

// cacheIdempotent is best-effort; the DB record stays authoritative.
func (s *TransferServiceImpl) cacheIdempotent(ctx context.Context, rec *domain.IdempotencyRecord) {
	raw, err := json.Marshal(rec)
	if err != nil {
		s.log.Warn().Err(err).Str("key", rec.Key).Msg("failed to marshal idempotency record")
		return
	}
	if err := s.idempCache.Set(ctx, rec.Key, raw, s.cfg.IdempotencyTTL); err != nil {
		s.log.Warn().Err(err).Str("key", rec.Key).Msg("failed to cache idempotency in redis")
	}
}
