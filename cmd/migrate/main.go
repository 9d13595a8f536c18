package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/vinaykr8807/WhispShare-qz/internal/config"
	"github.com/vinaykr8807/WhispShare-qz/internal/database"
	"github.com/vinaykr8807/WhispShare-qz/internal/logging"
	"github.com/vinaykr8807/WhispShare-qz/internal/migrations"
	sqliterepo "github.com/vinaykr8807/WhispShare-qz/internal/repository/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx := context.Background()

	if cfg.StoreDriver == config.StoreDriverSQLite {
		db, err := database.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			logger.Fatal("open sqlite", zap.Error(err))
		}
		if err := sqliterepo.Migrate(db); err != nil {
			logger.Fatal("migrate sqlite", zap.Error(err))
		}
		logger.Info("sqlite schema migrated", zap.String("path", cfg.SQLitePath))
		return
	}

	db, err := database.Connect(ctx, cfg)
	if err != nil {
		logger.Fatal("connect database", zap.Error(err))
	}
	defer db.Close()

	applied, err := migrations.New(db, logger).Apply(ctx)
	if err != nil {
		logger.Fatal("apply migrations", zap.Error(err))
	}
	logger.Info("migrations applied", zap.Int("count", len(applied)))
}
