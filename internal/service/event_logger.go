package service

import (
	"context"

	"payments-ledger/internal/core/domain"

	"github.com/rs/zerolog"
)

// TransferEventLogger is the downstream consumer of transfer notifications:
// it records each completed transfer in the structured log.
type TransferEventLogger struct {
	log zerolog.Logger
}

// NewTransferEventLogger creates a new TransferEventLogger.
func NewTransferEventLogger(log zerolog.Logger) *TransferEventLogger {
	return &TransferEventLogger{log: log}
}

// Handle logs ev.
func (h *TransferEventLogger) Handle(_ context.Context, ev *domain.TransferCompletedEvent) error {
	h.log.Info().
		Str("tx_id", ev.TransactionID.String()).
		Str("sender", ev.Sender).
		Str("recipient", ev.Recipient).
		Str("amount", ev.Amount).
		Time("occurred_at", ev.OccurredAt).
		Msg("transfer completed")
	return nil
}
