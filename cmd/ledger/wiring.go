package main

import (
	"context"
	"fmt"

	"payments-ledger/config"
	"payments-ledger/internal/adapter/broker/rabbitmq"
	"payments-ledger/internal/adapter/storage/memory"
	mongoStorage "payments-ledger/internal/adapter/storage/mongo"
	pgStorage "payments-ledger/internal/adapter/storage/postgres"
	"payments-ledger/internal/core/ports"
	"payments-ledger/pkg/logger"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// loadConfig reads configuration and builds the logger. The API server
// validates the full config; tooling commands only need it to parse.
func loadConfig(path, component string, validate bool) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load config: %w", err)
	}
	if !validate {
		return cfg, logger.New("payments-ledger-"+component, cfg.Log.Level, cfg.Log.Pretty), nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("invalid config: %w", err)
	}
	return cfg, logger.New("payments-ledger-"+component, cfg.Log.Level, cfg.Log.Pretty), nil
}

// openStorage connects the configured ledger backend. The returned func
// releases its connections.
func openStorage(ctx context.Context, cfg *config.Config, log zerolog.Logger) (ports.Storage, func(), error) {
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		pool, err := pgStorage.NewPool(ctx, cfg.Database, log)
		if err != nil {
			return ports.Storage{}, nil, fmt.Errorf("connect postgres: %w", err)
		}
		log.Info().Msg("PostgreSQL connected")
		return pgStorage.NewStorage(pool), pool.Close, nil

	case config.DriverMongo:
		client, err := mongoStorage.NewClient(ctx, cfg.Mongo, log)
		if err != nil {
			return ports.Storage{}, nil, fmt.Errorf("connect mongo: %w", err)
		}
		closer := func() {
			if err := client.Disconnect(context.Background()); err != nil {
				log.Warn().Err(err).Msg("mongo disconnect failed")
			}
		}
		return mongoStorage.New(client, cfg.Mongo.Database).Storage(), closer, nil

	case config.DriverMemory:
		log.Warn().Msg("using in-memory storage, data is lost on restart")
		return memory.New().Storage(), func() {}, nil

	default:
		return ports.Storage{}, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// openBroker dials RabbitMQ, opens a channel and declares the topology.
func openBroker(cfg *config.Config, name string, log zerolog.Logger) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := rabbitmq.Dial(cfg.Broker, name, log)
	if err != nil {
		return nil, nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}

	if err := rabbitmq.DeclareTopology(ch, rabbitmq.TopologyFromConfig(cfg.Broker)); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, ch, nil
}
