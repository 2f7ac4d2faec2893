package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Transaction is an immutable record of one completed transfer.
type Transaction struct {
	ID        uuid.UUID       `json:"id"`
	Sender    AccountSnapshot `json:"sender"`
	Recipient AccountSnapshot `json:"recipient"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewTransaction builds the record for a transfer from sender to recipient.
func NewTransaction(sender, recipient *Account, amount decimal.Decimal, at time.Time) *Transaction {
	return &Transaction{
		ID:        uuid.New(),
		Sender:    sender.Snapshot(),
		Recipient: recipient.Snapshot(),
		Amount:    amount,
		CreatedAt: at.UTC(),
	}
}

// Involves reports whether email is the sender or the recipient.
func (t *Transaction) Involves(email string) bool {
	return t.Sender.Email == email || t.Recipient.Email == email
}
