package main

import (
	"context"
	"fmt"

	"payments-ledger/config"
	mongoStorage "payments-ledger/internal/adapter/storage/mongo"
	pgStorage "payments-ledger/internal/adapter/storage/postgres"

	"github.com/spf13/cobra"
)

func migrateCmd(configPath *string) *cobra.Command {
	var list bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations for the configured storage driver",
		Long: `Apply database migrations for the configured storage driver.

postgres: applies the pending embedded SQL migrations (golang-migrate).
mongo:    creates the collection indexes.
memory:   nothing to do.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if list {
				return listMigrations(cmd)
			}
			return runMigrate(cmd.Context(), *configPath)
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "print the embedded postgres migrations and exit")

	return cmd
}

func listMigrations(cmd *cobra.Command) error {
	migrations, err := pgStorage.Migrations()
	if err != nil {
		return err
	}
	for _, m := range migrations {
		fmt.Fprintln(cmd.OutOrStdout(), m)
	}
	return nil
}

func runMigrate(ctx context.Context, configPath string) error {
	cfg, log, err := loadConfig(configPath, "migrate", false)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		pool, err := pgStorage.NewPool(ctx, cfg.Database, log)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()
		return pgStorage.Migrate(ctx, pool, log)

	case config.DriverMongo:
		client, err := mongoStorage.NewClient(ctx, cfg.Mongo, log)
		if err != nil {
			return fmt.Errorf("connect mongo: %w", err)
		}
		defer client.Disconnect(context.Background())

		if err := mongoStorage.New(client, cfg.Mongo.Database).EnsureIndexes(ctx); err != nil {
			return err
		}
		log.Info().Str("database", cfg.Mongo.Database).Msg("mongo indexes ensured")
		return nil

	default:
		log.Info().Str("driver", cfg.Storage.Driver).Msg("no migrations for driver")
		return nil
	}
}
