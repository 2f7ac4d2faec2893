package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"payments-ledger/internal/adapter/broker/rabbitmq"
	httpHandler "payments-ledger/internal/adapter/http/handler"
	redisStorage "payments-ledger/internal/adapter/storage/redis"
	"payments-ledger/internal/core/ports"
	"payments-ledger/internal/service"
	"payments-ledger/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the outbox relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configPath)
		},
	}
}

func runServe(configPath string) error {
	cfg, log, err := loadConfig(configPath, "api", true)
	if err != nil {
		return err
	}
	gin.SetMode(cfg.Server.Mode)

	log.Info().
		Str("mode", cfg.Server.Mode).
		Str("driver", cfg.Storage.Driver).
		Int("port", cfg.Server.Port).
		Msg("Starting payments ledger")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStorage, err := openStorage(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStorage()

	rdb, err := redisStorage.NewClient(ctx, cfg.Redis, log)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer rdb.Close()

	broker := rabbitmq.NewRedialer(cfg.Broker, "ledger-api", log)
	defer broker.Close()
	ch, err := broker.Channel()
	if err != nil {
		return err
	}

	signer := service.NewHMACSigner(cfg.Broker.SigningSecret)
	publisher, err := rabbitmq.NewPublisher(ch, signer, rabbitmq.PublisherConfig{
		Exchange:       cfg.Broker.Exchange,
		RoutingKey:     cfg.Broker.RoutingKey,
		Compress:       cfg.Broker.Compress,
		ConfirmTimeout: cfg.Broker.ConfirmTimeout,
	}, logger.Component(log, "publisher"))
	if err != nil {
		return err
	}
	publisher.WithRecovery(broker.Channel)

	seed, err := cfg.Ledger.Seed()
	if err != nil {
		return err
	}

	// Redis stores
	sessions := redisStorage.NewSessionStore(rdb)
	idempotencyCache := redisStorage.NewIdempotencyCache(rdb)

	// Core services
	hashSvc := service.NewArgon2HashService(service.DefaultArgon2Params)
	tokenSvc := service.NewJWTTokenService(cfg.JWT.Secret, cfg.JWT.Issuer)

	dispatcher := service.NewOutboxDispatcher(st.Outbox, publisher, service.NotifierConfig{
		BufferSize:     cfg.Outbox.BufferSize,
		PollInterval:   cfg.Outbox.PollInterval,
		BatchSize:      cfg.Outbox.BatchSize,
		MaxAttempts:    cfg.Outbox.MaxAttempts,
		RetryAfter:     cfg.Outbox.RetryAfter,
		PublishTimeout: cfg.Broker.ConfirmTimeout,
	}, logger.Component(log, "outbox"))

	accountSvc := service.NewAccountService(
		st.Accounts,
		st.Balances,
		st.Transactions,
		sessions,
		hashSvc,
		tokenSvc,
		service.AccountConfig{SeedBalance: seed, SessionTTL: cfg.Session.TTL},
		log,
	)
	transferSvc := service.NewTransferService(
		st.Accounts,
		st.Ledger,
		st.Idempotency,
		idempotencyCache,
		dispatcher,
		service.TransferConfig{
			MaxRetries:     cfg.Ledger.MaxRetries,
			RetryBaseDelay: cfg.Ledger.RetryBaseDelay,
			IdempotencyTTL: cfg.Ledger.IdempotencyTTL,
		},
		log,
	)

	router := httpHandler.SetupRouter(httpHandler.RouterDeps{
		AccountSvc:  accountSvc,
		TransferSvc: transferSvc,
		TokenSvc:    tokenSvc,
		Sessions:    sessions,
		Cookie: httpHandler.CookieConfig{
			Name:   cfg.Session.CookieName,
			Secure: cfg.Session.Secure,
		},
		HealthCheckers: []ports.HealthChecker{
			st.Health,
			redisStorage.NewHealthCheck(rdb),
			rabbitmq.NewHealthCheck(broker),
		},
		Logger: logger.Component(log, "http"),
	})

	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		dispatcher.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			stop()
			<-relayDone
			return fmt.Errorf("http server: %w", err)
		}
	}
	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	stop()
	<-relayDone

	log.Info().Msg("Server exited")
	return nil
}
