// Package rabbitmq relays transfer notifications through a RabbitMQ topic
// exchange and consumes them on the other side.
package rabbitmq

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"payments-ledger/config"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	exchangeKindTopic  = "topic"
	exchangeKindFanout = "fanout"

	// BindingPattern routes every transfer.* event to the log queue.
	BindingPattern = "transfer.#"

	dialHeartbeat = 10 * time.Second
)

var ErrEmptyURL = errors.New("rabbitmq: broker url is empty")

// Dial opens a connection to the broker named by cfg.URL.
func Dial(cfg config.BrokerConfig, name string, log zerolog.Logger) (*amqp.Connection, error) {
	if cfg.URL == "" {
		return nil, ErrEmptyURL
	}

	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(name)

	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
		Heartbeat:  dialHeartbeat,
		Properties: props,
	})
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}

	log.Info().Str("exchange", cfg.Exchange).Str("connection", name).Msg("connected to RabbitMQ")
	return conn, nil
}

// Redialer owns a broker connection and hands out channels with the
// topology declared. A closed connection is dialed again on the next call,
// so Channel can serve as a ChannelProvider.
type Redialer struct {
	cfg  config.BrokerConfig
	name string
	log  zerolog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
}

func NewRedialer(cfg config.BrokerConfig, name string, log zerolog.Logger) *Redialer {
	return &Redialer{cfg: cfg, name: name, log: log}
}

// Channel returns a fresh channel, reconnecting first if needed.
func (r *Redialer) Channel() (ConfirmableChannel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn == nil || r.conn.IsClosed() {
		conn, err := Dial(r.cfg, r.name, r.log)
		if err != nil {
			return nil, err
		}
		r.conn = conn
	}

	ch, err := r.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := DeclareTopology(ch, TopologyFromConfig(r.cfg)); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return ch, nil
}

// IsClosed reports whether there is no live connection. It lets the
// Redialer back a HealthCheck.
func (r *Redialer) IsClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn == nil || r.conn.IsClosed()
}

func (r *Redialer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	r.conn = nil
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}

// TopologyChannel is the subset of *amqp.Channel needed to declare topology.
type TopologyChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// Topology names the exchanges and queues transfer events travel through.
type Topology struct {
	Exchange           string
	Queue              string
	DeadLetterExchange string
}

// TopologyFromConfig maps broker settings onto a Topology.
func TopologyFromConfig(cfg config.BrokerConfig) Topology {
	return Topology{
		Exchange:           cfg.Exchange,
		Queue:              cfg.Queue,
		DeadLetterExchange: cfg.DeadLetterExchange,
	}
}

// DeadLetterQueue is the queue rejected messages end up in.
func (t Topology) DeadLetterQueue() string {
	return t.Queue + ".dlq"
}

// DeclareTopology idempotently declares the durable exchange, the log queue
// and its dead-letter pair.
func DeclareTopology(ch TopologyChannel, t Topology) error {
	if err := ch.ExchangeDeclare(t.Exchange, exchangeKindTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", t.Exchange, err)
	}

	if t.DeadLetterExchange != "" {
		if err := ch.ExchangeDeclare(t.DeadLetterExchange, exchangeKindFanout, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare dead-letter exchange %s: %w", t.DeadLetterExchange, err)
		}
		if _, err := ch.QueueDeclare(t.DeadLetterQueue(), true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare dead-letter queue: %w", err)
		}
		if err := ch.QueueBind(t.DeadLetterQueue(), "", t.DeadLetterExchange, false, nil); err != nil {
			return fmt.Errorf("bind dead-letter queue: %w", err)
		}
	}

	var args amqp.Table
	if t.DeadLetterExchange != "" {
		args = amqp.Table{"x-dead-letter-exchange": t.DeadLetterExchange}
	}
	if _, err := ch.QueueDeclare(t.Queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", t.Queue, err)
	}
	if err := ch.QueueBind(t.Queue, BindingPattern, t.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", t.Queue, err)
	}
	return nil
}
