package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OutboxStatus represents the delivery state of an outbox event.
type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "PENDING"
	OutboxStatusProcessing OutboxStatus = "PROCESSING"
	OutboxStatusPublished  OutboxStatus = "PUBLISHED"
	OutboxStatusFailed     OutboxStatus = "FAILED"
)

// EventTypeTransferCompleted is emitted once per committed transfer.
const EventTypeTransferCompleted = "transfer.completed"

// OutboxEvent is a notification persisted in the same atomic unit as the
// state change it announces, then relayed to the broker.
type OutboxEvent struct {
	ID          uuid.UUID       `json:"id"`
	EventType   string          `json:"event_type"`
	AggregateID uuid.UUID       `json:"aggregate_id"` // transaction id
	Payload     json.RawMessage `json:"payload"`
	Status      OutboxStatus    `json:"status"`
	Attempts    int             `json:"attempts"`
	LastError   *string         `json:"last_error,omitempty"`
	PublishedAt *time.Time      `json:"published_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// TransferCompletedEvent is the broker payload for a completed transfer.
type TransferCompletedEvent struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	Sender        string    `json:"sender"`
	Recipient     string    `json:"recipient"`
	Amount        string    `json:"amount"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// NewTransferCompletedOutbox builds the pending outbox row for t.
func NewTransferCompletedOutbox(t *Transaction) (*OutboxEvent, error) {
	payload, err := json.Marshal(TransferCompletedEvent{
		TransactionID: t.ID,
		Sender:        t.Sender.Email,
		Recipient:     t.Recipient.Email,
		Amount:        FormatAmount(t.Amount),
		OccurredAt:    t.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal transfer event: %w", err)
	}

	return &OutboxEvent{
		ID:          uuid.New(),
		EventType:   EventTypeTransferCompleted,
		AggregateID: t.ID,
		Payload:     payload,
		Status:      OutboxStatusPending,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.CreatedAt,
	}, nil
}

// DecodeTransferCompleted parses a transfer event payload.
func DecodeTransferCompleted(payload []byte) (*TransferCompletedEvent, error) {
	var ev TransferCompletedEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("decode transfer event: %w", err)
	}
	if ev.TransactionID == uuid.Nil {
		return nil, fmt.Errorf("decode transfer event: missing transaction_id")
	}
	return &ev, nil
}
