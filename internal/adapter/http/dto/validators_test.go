package dto

import (
	"encoding/json"
	"testing"
	"time"

	"payments-ledger/internal/core/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- SanitizeStruct tests ---

func TestSanitizeStruct_TrimsWhitespace(t *testing.T) {
	req := CreateAccountRequest{
		Name:     "  Alice  ",
		Email:    " alice@example.com\n",
		Password: "  pass word  ",
	}
	SanitizeStruct(&req)

	assert.Equal(t, "Alice", req.Name)
	assert.Equal(t, "alice@example.com", req.Email)
	assert.Equal(t, "  pass word  ", req.Password, "passwords are taken verbatim")
}

func TestSanitizeStruct_DropsControlCharacters(t *testing.T) {
	req := CreateAccountRequest{Name: "Bob\x00 \x1bSmith"}
	SanitizeStruct(&req)
	assert.Equal(t, "Bob Smith", req.Name)
}

func TestSanitizeStruct_KeepsMarkup(t *testing.T) {
	req := CreateAccountRequest{Name: "O'Brien <Co>"}
	SanitizeStruct(&req)
	assert.Equal(t, "O'Brien <Co>", req.Name)
}

func TestSanitizeStruct_NonPointerIsNoOp(t *testing.T) {
	s := "hello"
	SanitizeStruct(s) // should not panic
}

// --- Idempotency key tests ---

func TestValidIdempotencyKey(t *testing.T) {
	valid := []string{"", "order-001", uuid.NewString(), "a.b:c_d"}
	for _, k := range valid {
		assert.True(t, ValidIdempotencyKey(k), "expected valid: %q", k)
	}

	invalid := []string{"with space", "semi;colon", "new\nline", string(make([]byte, 129))}
	for _, k := range invalid {
		assert.False(t, ValidIdempotencyKey(k), "expected invalid: %q", k)
	}
}

// --- Amount decoding ---

func TestTransferRequest_AmountAcceptsNumberOrString(t *testing.T) {
	for _, body := range []string{
		`{"email":"bob@example.com","amount":300}`,
		`{"email":"bob@example.com","amount":"300.00"}`,
		`{"email":"bob@example.com","amount":300.0}`,
	} {
		var req TransferRequest
		require.NoError(t, json.Unmarshal([]byte(body), &req), body)
		assert.True(t, req.Amount.Equal(decimal.NewFromInt(300)), body)
	}

	var req TransferRequest
	assert.Error(t, json.Unmarshal([]byte(`{"amount":"three hundred"}`), &req))
}

// --- Responses ---

func TestNewTransactionResponse(t *testing.T) {
	alice := &domain.Account{ID: uuid.New(), Email: "alice@example.com", Name: "Alice", PasswordHash: "secret"}
	bob := &domain.Account{ID: uuid.New(), Email: "bob@example.com", Name: "Bob"}
	txn := domain.NewTransaction(alice, bob, decimal.RequireFromString("12.5"), time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))

	resp := NewTransactionResponse(txn)
	assert.Equal(t, "12.50", resp.Amount)
	assert.Equal(t, "alice@example.com", resp.Sender.Email)
	assert.Equal(t, bob.ID.String(), resp.Recipient.ID)
	assert.Equal(t, "2024-01-02T03:04:05Z", resp.CreatedAt)

	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret")
}

func TestNewTransactionList_EmptyIsNotNil(t *testing.T) {
	list := NewTransactionList(nil)
	require.NotNil(t, list)
	raw, err := json.Marshal(list)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(raw))
}

func TestNewBalanceResponse(t *testing.T) {
	resp := NewBalanceResponse(&domain.Balance{Amount: decimal.NewFromInt(1000)})
	assert.Equal(t, "1000.00", resp.Amount)
	assert.Empty(t, resp.UpdatedAt)
}
