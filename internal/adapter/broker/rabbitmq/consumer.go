package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"payments-ledger/internal/core/domain"
	"payments-ledger/internal/core/ports"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

var ErrDeliveriesClosed = errors.New("rabbitmq: delivery channel closed")

// ConsumeChannel is the subset of *amqp.Channel the consumer needs.
type ConsumeChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

// EventHandler processes one decoded transfer event.
type EventHandler interface {
	Handle(ctx context.Context, ev *domain.TransferCompletedEvent) error
}

type ConsumerConfig struct {
	Queue    string
	Tag      string
	Prefetch int
	DedupTTL time.Duration
}

// Consumer reads transfer events with manual acks. Messages that fail
// verification or decoding are rejected to the dead-letter exchange;
// redeliveries of an already handled message are acked and dropped.
type Consumer struct {
	ch      ConsumeChannel
	signer  ports.MessageSigner
	dedup   ports.DeliveryDeduplicator
	handler EventHandler
	cfg     ConsumerConfig
	log     zerolog.Logger
}

func NewConsumer(
	ch ConsumeChannel,
	signer ports.MessageSigner,
	dedup ports.DeliveryDeduplicator,
	handler EventHandler,
	cfg ConsumerConfig,
	log zerolog.Logger,
) *Consumer {
	return &Consumer{
		ch:      ch,
		signer:  signer,
		dedup:   dedup,
		handler: handler,
		cfg:     cfg,
		log:     log,
	}
}

// Run consumes until ctx is cancelled or the broker closes the channel.
func (c *Consumer) Run(ctx context.Context) error {
	if c.cfg.Prefetch > 0 {
		if err := c.ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
			return fmt.Errorf("set qos: %w", err)
		}
	}

	deliveries, err := c.ch.Consume(c.cfg.Queue, c.cfg.Tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.cfg.Queue, err)
	}

	c.log.Info().Str("queue", c.cfg.Queue).Int("prefetch", c.cfg.Prefetch).Msg("consumer started")

	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("consumer stopped")
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return ErrDeliveriesClosed
			}
			c.handle(ctx, d)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	log := c.log.With().Str("message_id", d.MessageId).Uint64("delivery_tag", d.DeliveryTag).Logger()

	sig, _ := d.Headers[headerSignature].(string)
	if !c.signer.Verify(d.Body, sig) {
		log.Warn().Msg("rejecting message with invalid signature")
		c.reject(log, d)
		return
	}

	payload, err := decodeBody(d.Body, d.ContentEncoding)
	if err != nil {
		log.Warn().Err(err).Msg("rejecting undecodable message")
		c.reject(log, d)
		return
	}

	ev, err := domain.DecodeTransferCompleted(payload)
	if err != nil {
		log.Warn().Err(err).Msg("rejecting malformed transfer event")
		c.reject(log, d)
		return
	}

	messageID := d.MessageId
	if messageID == "" {
		messageID = ev.TransactionID.String()
	}

	first, err := c.dedup.MarkSeen(ctx, messageID, c.cfg.DedupTTL)
	if err != nil {
		// At-least-once: without the dedup store, process anyway.
		log.Warn().Err(err).Msg("dedup check failed, processing delivery")
		first = true
	}
	if !first {
		log.Debug().Msg("dropping duplicate delivery")
		c.ack(log, d)
		return
	}

	if err := c.handler.Handle(ctx, ev); err != nil {
		log.Error().Err(err).Msg("handler failed, dead-lettering message")
		c.reject(log, d)
		return
	}
	c.ack(log, d)
}

func (c *Consumer) ack(log zerolog.Logger, d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		log.Error().Err(err).Msg("ack failed")
	}
}

func (c *Consumer) reject(log zerolog.Logger, d amqp.Delivery) {
	if err := d.Nack(false, false); err != nil {
		log.Error().Err(err).Msg("nack failed")
	}
}
