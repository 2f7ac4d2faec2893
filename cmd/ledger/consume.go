package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"payments-ledger/internal/adapter/broker/rabbitmq"
	redisStorage "payments-ledger/internal/adapter/storage/redis"
	"payments-ledger/internal/service"

	"github.com/spf13/cobra"
)

const consumerTag = "ledger-consumer"

func consumeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "consume",
		Short: "Consume transfer events and write them to the structured log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConsume(*configPath)
		},
	}
}

func runConsume(configPath string) error {
	cfg, log, err := loadConfig(configPath, "consumer", false)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := redisStorage.NewClient(ctx, cfg.Redis, log)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer rdb.Close()

	conn, ch, err := openBroker(cfg, consumerTag, log)
	if err != nil {
		return err
	}
	defer conn.Close()

	consumer := rabbitmq.NewConsumer(
		ch,
		service.NewHMACSigner(cfg.Broker.SigningSecret),
		redisStorage.NewDeliveryDeduplicator(rdb, cfg.Broker.Queue),
		service.NewTransferEventLogger(log),
		rabbitmq.ConsumerConfig{
			Queue:    cfg.Broker.Queue,
			Tag:      consumerTag,
			Prefetch: cfg.Consumer.Prefetch,
			DedupTTL: cfg.Consumer.DedupTTL,
		},
		log,
	)

	err = consumer.Run(ctx)
	if errors.Is(err, rabbitmq.ErrDeliveriesClosed) && ctx.Err() != nil {
		return nil
	}
	return err
}
