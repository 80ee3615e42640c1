// cmd/migrate applies the embedded *.up.sql migrations against the target
// database.
//
// Usage:
//
//	go run ./cmd/migrate
//	DATABASE_URL=postgres://... go run ./cmd/migrate
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/ChainLedger/internal/config"
	"github.com/jmerrifield20/ChainLedger/internal/logging"
	"github.com/jmerrifield20/ChainLedger/migrations"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := config.Load("ledgerd", "configs", ".")
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, "console")
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx := context.Background()
	db, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer db.Close()

	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}

	applied, err := migrations.Up(ctx, db, logger)
	if err != nil {
		return err
	}
	if applied == 0 {
		logger.Info("nothing to migrate, already up to date")
	} else {
		logger.Info("migrations applied", zap.Int("count", applied))
	}
	return nil
}
