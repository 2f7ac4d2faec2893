package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"payments-ledger/internal/core/auth"
	"payments-ledger/internal/core/domain"
	"payments-ledger/internal/core/ports"
	"payments-ledger/pkg/apperror"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// AccountConfig holds account lifecycle settings.
type AccountConfig struct {
	SeedBalance decimal.Decimal
	SessionTTL  time.Duration
}

// AccountServiceImpl implements ports.AccountService.
type AccountServiceImpl struct {
	accounts     ports.AccountRepository
	balances     ports.BalanceRepository
	transactions ports.TransactionRepository
	sessions     ports.SessionStore
	hashSvc      ports.HashService
	tokenSvc     ports.TokenService
	validate     *validator.Validate
	cfg          AccountConfig
	now          func() time.Time
	log          zerolog.Logger
}

// NewAccountService creates a new AccountServiceImpl.
func NewAccountService(
	accounts ports.AccountRepository,
	balances ports.BalanceRepository,
	transactions ports.TransactionRepository,
	sessions ports.SessionStore,
	hashSvc ports.HashService,
	tokenSvc ports.TokenService,
	cfg AccountConfig,
	log zerolog.Logger,
) *AccountServiceImpl {
	return &AccountServiceImpl{
		accounts:     accounts,
		balances:     balances,
		transactions: transactions,
		sessions:     sessions,
		hashSvc:      hashSvc,
		tokenSvc:     tokenSvc,
		validate:     validator.New(),
		cfg:          cfg,
		now:          time.Now,
		log:          log,
	}
}

// CreateAccount registers a new account with the seed balance and signs
// the caller in.
func (s *AccountServiceImpl) CreateAccount(ctx context.Context, req ports.CreateAccountRequest) (*ports.AuthResult, error) {
	req.Email = domain.NormalizeEmail(req.Email)
	req.Name = strings.TrimSpace(req.Name)
	if err := s.validateCreate(req); err != nil {
		return nil, err
	}

	existing, err := s.accounts.GetByEmail(ctx, req.Email)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("check email: %w", err))
	}
	if existing != nil {
		return nil, apperror.ErrAccountExists()
	}

	passwordHash, err := s.hashSvc.Hash(req.Password)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("hash password: %w", err))
	}

	now := s.now().UTC()
	account := &domain.Account{
		ID:           uuid.New(),
		Email:        req.Email,
		Name:         req.Name,
		PasswordHash: passwordHash,
		CreatedAt:    now,
	}
	balance := &domain.Balance{
		Email:     account.Email,
		Amount:    s.cfg.SeedBalance,
		UpdatedAt: now,
	}

	if err := s.accounts.CreateWithBalance(ctx, account, balance); err != nil {
		if errors.Is(err, ports.ErrDuplicate) {
			return nil, apperror.ErrAccountExists()
		}
		return nil, apperror.ErrDatabaseError(fmt.Errorf("create account: %w", err))
	}

	s.log.Info().
		Str("account_id", account.ID.String()).
		Str("email", account.Email).
		Msg("account created")

	return s.startSession(ctx, account)
}

// Login verifies credentials and opens a new session.
func (s *AccountServiceImpl) Login(ctx context.Context, email, password string) (*ports.AuthResult, error) {
	email = domain.NormalizeEmail(email)
	if err := s.validate.Var(email, "required,email"); err != nil {
		return nil, apperror.InvalidInput("email", "Email is invalid.")
	}
	if password == "" {
		return nil, apperror.InvalidInput("password", "Password is required.")
	}

	account, err := s.accounts.GetByEmail(ctx, email)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("find account: %w", err))
	}
	if account == nil {
		return nil, apperror.ErrAccountNotFound()
	}

	valid, err := s.hashSvc.Verify(password, account.PasswordHash)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("verify password: %w", err))
	}
	if !valid {
		return nil, apperror.ErrIncorrectPassword()
	}

	return s.startSession(ctx, account)
}

// Logout revokes the caller's session.
func (s *AccountServiceImpl) Logout(ctx context.Context) error {
	session, ok := auth.SessionFrom(ctx)
	if !ok {
		return apperror.ErrUnauthenticated()
	}
	if err := s.sessions.Delete(ctx, session.ID); err != nil {
		return apperror.InternalError(fmt.Errorf("delete session: %w", err))
	}
	return nil
}

// Account returns the caller as recorded in their session.
func (s *AccountServiceImpl) Account(ctx context.Context) (*domain.Account, error) {
	return auth.Caller(ctx)
}

// Balance returns the caller's current balance.
func (s *AccountServiceImpl) Balance(ctx context.Context) (*domain.Balance, error) {
	caller, err := auth.Caller(ctx)
	if err != nil {
		return nil, err
	}
	balance, err := s.balances.GetByEmail(ctx, caller.Email)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("get balance: %w", err))
	}
	if balance == nil {
		return nil, apperror.InternalError(fmt.Errorf("balance record missing for %s", caller.Email))
	}
	return balance, nil
}

// Transactions returns every transfer the caller took part in, oldest first.
func (s *AccountServiceImpl) Transactions(ctx context.Context) ([]domain.Transaction, error) {
	caller, err := auth.Caller(ctx)
	if err != nil {
		return nil, err
	}
	txns, err := s.transactions.ListByParticipant(ctx, caller.Email)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("list transactions: %w", err))
	}
	if txns == nil {
		txns = []domain.Transaction{}
	}
	return txns, nil
}

func (s *AccountServiceImpl) startSession(ctx context.Context, account *domain.Account) (*ports.AuthResult, error) {
	sessionID, err := generateRandomHex(32)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("generate session id: %w", err))
	}

	now := s.now().UTC()
	session := &domain.Session{
		ID:        sessionID,
		Account:   *account,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.SessionTTL),
	}
	session.Account.PasswordHash = ""

	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("create session: %w", err))
	}

	token, err := s.tokenSvc.Generate(session.ID, account.ID, session.ExpiresAt)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("generate token: %w", err))
	}

	acc := session.Account
	return &ports.AuthResult{
		Account:   &acc,
		SessionID: session.ID,
		Token:     token,
		ExpiresAt: session.ExpiresAt,
	}, nil
}

// validateCreate maps the first failing field to a client-facing message.
func (s *AccountServiceImpl) validateCreate(req ports.CreateAccountRequest) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return apperror.InvalidInput("", err.Error())
	}
	switch fe := fieldErrs[0]; fe.Field() {
	case "Name":
		return apperror.InvalidInput("name", "Name must be between 3 to 128 characters long.")
	case "Email":
		return apperror.InvalidInput("email", "Email is invalid.")
	case "Password":
		if fe.Tag() == "max" {
			return apperror.InvalidInput("password", "Password must be at most 128 characters long.")
		}
		return apperror.InvalidInput("password", "Password must be at least 6 characters long.")
	default:
		return apperror.InvalidInput(strings.ToLower(fe.Field()), fe.Error())
	}
}

// generateRandomHex generates a random hex string of n bytes.
func generateRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
