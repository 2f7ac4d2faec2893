package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Account is a ledger participant identified by a unique email.
type Account struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"` // Argon2id, never expose
	CreatedAt    time.Time `json:"created_at"`
}

// AccountSnapshot is the copy of an account embedded in a transaction.
// It reflects the account at transfer time and never carries credentials.
type AccountSnapshot struct {
	ID    uuid.UUID `json:"id"`
	Email string    `json:"email"`
	Name  string    `json:"name"`
}

// Snapshot returns the denormalized view of the account.
func (a *Account) Snapshot() AccountSnapshot {
	return AccountSnapshot{ID: a.ID, Email: a.Email, Name: a.Name}
}

// NormalizeEmail trims and lower-cases an email so lookups and
// self-transfer checks agree on identity.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
