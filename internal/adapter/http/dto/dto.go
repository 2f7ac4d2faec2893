package dto

import (
	"time"

	"payments-ledger/internal/core/domain"

	"github.com/shopspring/decimal"
)

// CreateAccountRequest is the request body for POST /accounts.
type CreateAccountRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password" sanitize:"-"`
}

// LoginRequest is the request body for POST /sessions.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password" sanitize:"-"`
}

// TransferRequest is the request body for POST /transfers. Amount accepts a
// JSON number or a decimal string.
type TransferRequest struct {
	Email  string          `json:"email" binding:"required"`
	Amount decimal.Decimal `json:"amount"`
}

// AccountResponse is the public view of an account. Credentials never leave
// the service.
type AccountResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	CreatedAt string `json:"created_at,omitempty"`
}

// AuthResponse is returned when a session is established.
type AuthResponse struct {
	Account   AccountResponse `json:"account"`
	Token     string          `json:"token"`
	ExpiresAt int64           `json:"expires_at"` // Unix timestamp
}

// BalanceResponse is the response for GET /balance.
type BalanceResponse struct {
	Amount    string `json:"amount"`
	UpdatedAt string `json:"updated_at"`
}

// TransactionResponse is one ledger entry.
type TransactionResponse struct {
	ID        string          `json:"id"`
	Sender    AccountResponse `json:"sender"`
	Recipient AccountResponse `json:"recipient"`
	Amount    string          `json:"amount"`
	CreatedAt string          `json:"created_at"`
}

// NewAccountResponse renders an account without its password hash.
func NewAccountResponse(a *domain.Account) AccountResponse {
	return AccountResponse{
		ID:        a.ID.String(),
		Name:      a.Name,
		Email:     a.Email,
		CreatedAt: formatTime(a.CreatedAt),
	}
}

// NewAuthResponse pairs the account with its bearer token and expiry in Unix seconds.
func NewAuthResponse(a *domain.Account, token string, expiresAt time.Time) AuthResponse {
	return AuthResponse{
		Account:   NewAccountResponse(a),
		Token:     token,
		ExpiresAt: expiresAt.Unix(),
	}
}

// NewBalanceResponse renders the balance with two fractional digits.
func NewBalanceResponse(b *domain.Balance) BalanceResponse {
	return BalanceResponse{
		Amount:    domain.FormatAmount(b.Amount),
		UpdatedAt: formatTime(b.UpdatedAt),
	}
}

// NewTransactionResponse renders a transfer with the participant snapshots taken at commit.
func NewTransactionResponse(t *domain.Transaction) TransactionResponse {
	return TransactionResponse{
		ID:        t.ID.String(),
		Sender:    snapshotResponse(t.Sender),
		Recipient: snapshotResponse(t.Recipient),
		Amount:    domain.FormatAmount(t.Amount),
		CreatedAt: formatTime(t.CreatedAt),
	}
}

// NewTransactionList renders a history. It never returns nil, so an empty history renders as [].
func NewTransactionList(txns []domain.Transaction) []TransactionResponse {
	out := make([]TransactionResponse, 0, len(txns))
	for i := range txns {
		out = append(out, NewTransactionResponse(&txns[i]))
	}
	return out
}

func snapshotResponse(s domain.AccountSnapshot) AccountResponse {
	return AccountResponse{ID: s.ID.String(), Name: s.Name, Email: s.Email}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
