package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AmountScale is the number of fractional digits money is kept in.
const AmountScale int32 = 2

// Balance is the spendable amount of one account. Version increases on
// every committed change and guards conditional updates.
type Balance struct {
	Email     string          `json:"email"`
	Amount    decimal.Decimal `json:"amount"`
	Version   int64           `json:"-"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Covers reports whether the balance can fund amount.
func (b *Balance) Covers(amount decimal.Decimal) bool {
	return b.Amount.GreaterThanOrEqual(amount)
}

// HasValidScale reports whether amount fits in AmountScale fractional digits.
func HasValidScale(amount decimal.Decimal) bool {
	return amount.Equal(amount.Truncate(AmountScale))
}

// FormatAmount renders money with exactly AmountScale fractional digits.
func FormatAmount(amount decimal.Decimal) string {
	return amount.StringFixed(AmountScale)
}
