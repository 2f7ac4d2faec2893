package service

import (
	"context"
	"errors"
	"time"

	"payments-ledger/internal/core/domain"
	"payments-ledger/internal/core/ports"

	"github.com/rs/zerolog"
)

// NotifierConfig tunes delivery of committed outbox events.
type NotifierConfig struct {
	BufferSize     int
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	RetryAfter     time.Duration // age before the relay picks up a row
	PublishTimeout time.Duration
}

// OutboxDispatcher implements ports.Notifier. Events handed over by Notify
// are published right away by the worker; anything missed (full queue,
// broker outage, crash) is picked up later by the relay sweep because the
// outbox row is still pending. Delivery is at-least-once.
type OutboxDispatcher struct {
	outbox    ports.OutboxRepository
	publisher ports.EventPublisher
	cfg       NotifierConfig
	queue     chan *domain.OutboxEvent
	now       func() time.Time
	log       zerolog.Logger
}

// NewOutboxDispatcher creates a dispatcher. Call Run to start delivery.
func NewOutboxDispatcher(
	outbox ports.OutboxRepository,
	publisher ports.EventPublisher,
	cfg NotifierConfig,
	log zerolog.Logger,
) *OutboxDispatcher {
	return &OutboxDispatcher{
		outbox:    outbox,
		publisher: publisher,
		cfg:       cfg,
		queue:     make(chan *domain.OutboxEvent, cfg.BufferSize),
		now:       time.Now,
		log:       log,
	}
}

// Notify enqueues event without blocking.
func (d *OutboxDispatcher) Notify(event *domain.OutboxEvent) {
	select {
	case d.queue <- event:
	default:
		d.log.Warn().
			Str("event_id", event.ID.String()).
			Str("tx_id", event.AggregateID.String()).
			Msg("notification queue full, leaving event to relay")
	}
}

// Run delivers queued events and sweeps the outbox until ctx is done.
// Events still queued at shutdown remain pending in the outbox.
func (d *OutboxDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	d.log.Info().
		Dur("poll_interval", d.cfg.PollInterval).
		Int("batch_size", d.cfg.BatchSize).
		Msg("outbox dispatcher started")

	for {
		select {
		case <-ctx.Done():
			d.log.Info().Int("queued", len(d.queue)).Msg("outbox dispatcher stopped")
			return
		case ev := <-d.queue:
			d.deliver(ctx, ev)
		case <-ticker.C:
			if _, err := d.Sweep(ctx); err != nil {
				d.log.Error().Err(err).Msg("outbox sweep failed")
			}
		}
	}
}

// Sweep claims stale pending rows and delivers them. Returns the number of
// rows claimed.
func (d *OutboxDispatcher) Sweep(ctx context.Context) (int, error) {
	events, err := d.outbox.ClaimPending(ctx, d.cfg.BatchSize, d.now().Add(-d.cfg.RetryAfter))
	if err != nil {
		return 0, err
	}
	for i, ev := range events {
		if !d.deliver(ctx, ev) {
			// The rest stay claimed and come back after RetryAfter.
			d.log.Warn().Int("deferred", len(events)-i).Msg("publisher unavailable, pausing relay")
			break
		}
	}
	if len(events) > 0 {
		d.log.Info().Int("count", len(events)).Msg("outbox relay delivered pending events")
	}
	return len(events), nil
}

// deliver publishes ev and records the outcome. It returns false when the
// publisher itself is unavailable; such failures do not use up the event's
// attempts, so a broker outage never parks events in FAILED.
func (d *OutboxDispatcher) deliver(ctx context.Context, ev *domain.OutboxEvent) bool {
	pubCtx, cancel := context.WithTimeout(ctx, d.cfg.PublishTimeout)
	err := d.publisher.Publish(pubCtx, ev)
	cancel()

	if errors.Is(err, ports.ErrPublisherUnavailable) {
		d.log.Warn().Err(err).
			Str("event_id", ev.ID.String()).
			Str("tx_id", ev.AggregateID.String()).
			Msg("publisher unavailable, leaving event to relay")
		return false
	}
	if err != nil {
		d.log.Warn().Err(err).
			Str("event_id", ev.ID.String()).
			Str("tx_id", ev.AggregateID.String()).
			Int("attempt", ev.Attempts+1).
			Msg("publish failed")
		if mErr := d.outbox.MarkFailed(ctx, ev.ID, err.Error(), d.cfg.MaxAttempts); mErr != nil {
			d.log.Error().Err(mErr).Str("event_id", ev.ID.String()).Msg("failed to record publish failure")
		}
		return true
	}

	if err := d.outbox.MarkPublished(ctx, ev.ID, d.now()); err != nil {
		// The row stays claimable; the relay will publish it again.
		d.log.Error().Err(err).Str("event_id", ev.ID.String()).Msg("failed to mark event published")
		return true
	}

	d.log.Debug().
		Str("event_id", ev.ID.String()).
		Str("tx_id", ev.AggregateID.String()).
		Msg("event published")
	return true
}
