package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// IdempotencyRecord stores the outcome of a keyed transfer request so a
// retry returns the original transaction instead of moving money twice.
type IdempotencyRecord struct {
	Key           string    `json:"key"` // Format: "account_id:client_key"
	TransactionID uuid.UUID `json:"transaction_id"`
	Fingerprint   string    `json:"fingerprint"`
	ResponseJSON  []byte    `json:"response_json"` // Serialized Transaction
	CreatedAt     time.Time `json:"created_at"`
}

// BuildIdempotencyKey scopes a client-supplied key to the caller.
func BuildIdempotencyKey(accountID uuid.UUID, clientKey string) string {
	return accountID.String() + ":" + clientKey
}

// TransferFingerprint identifies the request body a key was first used with.
func TransferFingerprint(recipientEmail string, amount decimal.Decimal) string {
	sum := sha256.Sum256([]byte(NormalizeEmail(recipientEmail) + "|" + FormatAmount(amount)))
	return hex.EncodeToString(sum[:])
}
