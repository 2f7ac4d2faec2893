package handler

import (
	"payments-ledger/internal/adapter/http/dto"
	"payments-ledger/internal/core/ports"
	"payments-ledger/pkg/apperror"
	"payments-ledger/pkg/response"

	"github.com/gin-gonic/gin"
)

// HeaderIdempotencyKey carries the client key that makes a transfer safe to replay.
const HeaderIdempotencyKey = "Idempotency-Key"

// TransferHandler handles POST /api/v1/transfers.
type TransferHandler struct {
	transferSvc ports.TransferService
}

// NewTransferHandler creates a new TransferHandler.
func NewTransferHandler(transferSvc ports.TransferService) *TransferHandler {
	return &TransferHandler{transferSvc: transferSvc}
}

// Transfer moves funds from the caller to the account named in the body.
// A repeated Idempotency-Key replays the original transaction.
func (h *TransferHandler) Transfer(c *gin.Context) {
	key := c.GetHeader(HeaderIdempotencyKey)
	if !dto.ValidIdempotencyKey(key) {
		response.Error(c, apperror.InvalidInput("idempotency_key", "Idempotency key is invalid."))
		return
	}

	var req dto.TransferRequest
	if !bindJSON(c, &req) {
		return
	}

	txn, err := h.transferSvc.Transfer(c.Request.Context(), ports.TransferRequest{
		RecipientEmail: req.Email,
		Amount:         req.Amount,
		IdempotencyKey: key,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, dto.NewTransactionResponse(txn))
}
