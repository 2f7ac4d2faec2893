// Package mongo stores the ledger in MongoDB. Multi-document transactions
// need a replica set; a single-node replica set is enough for development.
package mongo

import (
	"context"
	"errors"
	"fmt"

	"payments-ledger/config"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

var (
	// ErrEmptyURI is returned when mongo.uri is not set.
	ErrEmptyURI = errors.New("mongo uri cannot be empty")
	// ErrEmptyDatabaseName is returned when mongo.database is not set.
	ErrEmptyDatabaseName = errors.New("mongo database name cannot be empty")
)

// NewClient connects to MongoDB and verifies the primary is reachable.
func NewClient(ctx context.Context, cfg config.MongoConfig, log zerolog.Logger) (*mongo.Client, error) {
	if cfg.URI == "" {
		return nil, ErrEmptyURI
	}
	if cfg.Database == "" {
		return nil, ErrEmptyDatabaseName
	}

	opts := options.Client().ApplyURI(cfg.URI)
	if cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectTimeout)
		opts.SetServerSelectionTimeout(cfg.ConnectTimeout)
	}
	if cfg.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(cfg.MaxPoolSize)
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		if dErr := client.Disconnect(ctx); dErr != nil {
			log.Warn().Err(dErr).Msg("failed to disconnect after ping failure")
		}
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	log.Info().
		Str("database", cfg.Database).
		Uint64("max_pool_size", cfg.MaxPoolSize).
		Msg("MongoDB connection established")

	return client, nil
}
