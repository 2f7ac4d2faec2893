package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"payments-ledger/internal/core/domain"
	"payments-ledger/internal/core/ports"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

var (
	ErrPublishNacked  = errors.New("rabbitmq: message was nacked by broker")
	ErrConfirmTimeout = errors.New("rabbitmq: confirmation timed out")
	ErrChannelClosed  = errors.New("rabbitmq: confirm channel closed")
)

const (
	DefaultConfirmTimeout = 5 * time.Second

	confirmChannelBuffer = 256
)

// ConfirmableChannel is the subset of *amqp.Channel the publisher needs.
type ConfirmableChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// ChannelProvider opens a replacement channel once the current one is gone.
type ChannelProvider func() (ConfirmableChannel, error)

type PublisherConfig struct {
	Exchange       string
	RoutingKey     string
	Compress       bool
	ConfirmTimeout time.Duration
}

// Publisher implements ports.EventPublisher with publisher confirms. A
// Publish returns nil only after the broker acknowledged the message.
//
// When the broker closes the channel, the next Publish asks the
// ChannelProvider for a new one. Until that succeeds, Publish fails with
// ports.ErrPublisherUnavailable.
type Publisher struct {
	signer   ports.MessageSigner
	cfg      PublisherConfig
	provider ChannelProvider
	log      zerolog.Logger

	mu       sync.Mutex
	ch       ConfirmableChannel
	confirms chan amqp.Confirmation
	closed   chan *amqp.Error
	nextTag  uint64
}

// NewPublisher puts ch into confirm mode.
func NewPublisher(ch ConfirmableChannel, signer ports.MessageSigner, cfg PublisherConfig, log zerolog.Logger) (*Publisher, error) {
	if ch == nil {
		return nil, errors.New("rabbitmq: channel is required")
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}

	p := &Publisher{
		signer: signer,
		cfg:    cfg,
		log:    log,
	}
	if err := p.attach(ch); err != nil {
		return nil, err
	}
	return p, nil
}

// WithRecovery lets the publisher replace a closed channel using provider.
func (p *Publisher) WithRecovery(provider ChannelProvider) *Publisher {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.provider = provider
	return p
}

// attach puts ch into confirm mode and starts delivery tags over.
func (p *Publisher) attach(ch ConfirmableChannel) error {
	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("enable confirm mode: %w", err)
	}
	p.ch = ch
	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, confirmChannelBuffer))
	p.closed = ch.NotifyClose(make(chan *amqp.Error, 1))
	p.nextTag = 1
	return nil
}

func (p *Publisher) detach() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	p.ch = nil
	p.confirms = nil
	p.closed = nil
}

// ensureChannel must be called with p.mu held.
func (p *Publisher) ensureChannel() error {
	if p.ch != nil {
		select {
		case amqpErr := <-p.closed:
			ev := p.log.Warn()
			if amqpErr != nil {
				ev = ev.Int("code", amqpErr.Code).Str("reason", amqpErr.Reason)
			}
			ev.Msg("publisher channel closed")
			p.detach()
		default:
			return nil
		}
	}

	if p.provider == nil {
		return fmt.Errorf("%w: %w", ports.ErrPublisherUnavailable, ErrChannelClosed)
	}
	ch, err := p.provider()
	if err != nil {
		return fmt.Errorf("%w: reopen channel: %w", ports.ErrPublisherUnavailable, err)
	}
	if err := p.attach(ch); err != nil {
		_ = ch.Close()
		p.ch = nil
		return fmt.Errorf("%w: %w", ports.ErrPublisherUnavailable, err)
	}
	p.log.Info().Msg("publisher channel recovered")
	return nil
}

// Publish sends one outbox event. The message id is the transaction id so
// consumers can drop redeliveries.
func (p *Publisher) Publish(ctx context.Context, ev *domain.OutboxEvent) error {
	body, encoding, err := encodeBody(ev.Payload, p.cfg.Compress)
	if err != nil {
		return err
	}

	headers := amqp.Table{headerEventType: ev.EventType}
	if sig := p.signer.Sign(body); sig != "" {
		headers[headerSignature] = sig
	}

	msg := amqp.Publishing{
		ContentType:     contentTypeJSON,
		ContentEncoding: encoding,
		DeliveryMode:    amqp.Persistent,
		MessageId:       ev.AggregateID.String(),
		Timestamp:       ev.CreatedAt,
		Type:            ev.EventType,
		Headers:         headers,
		Body:            body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureChannel(); err != nil {
		return err
	}

	if err := p.ch.PublishWithContext(ctx, p.cfg.Exchange, p.cfg.RoutingKey, false, false, msg); err != nil {
		if errors.Is(err, amqp.ErrClosed) {
			p.detach()
			return fmt.Errorf("publish %s: %w: %w", ev.ID, ports.ErrPublisherUnavailable, err)
		}
		return fmt.Errorf("publish %s: %w", ev.ID, err)
	}
	tag := p.nextTag
	p.nextTag++

	err = p.waitConfirm(ctx, tag)
	if errors.Is(err, ErrChannelClosed) {
		p.detach()
		return fmt.Errorf("%w: %w", ports.ErrPublisherUnavailable, err)
	}
	return err
}

func (p *Publisher) waitConfirm(ctx context.Context, tag uint64) error {
	timer := time.NewTimer(p.cfg.ConfirmTimeout)
	defer timer.Stop()

	for {
		select {
		case c, ok := <-p.confirms:
			if !ok {
				return ErrChannelClosed
			}
			if c.DeliveryTag < tag {
				// Late confirm for a publish that already timed out.
				continue
			}
			if !c.Ack {
				return ErrPublishNacked
			}
			return nil
		case <-timer.C:
			return ErrConfirmTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
