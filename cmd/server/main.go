package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/vinaykr8807/WhispShare-qz/internal/api"
	"github.com/vinaykr8807/WhispShare-qz/internal/code"
	"github.com/vinaykr8807/WhispShare-qz/internal/config"
	"github.com/vinaykr8807/WhispShare-qz/internal/database"
	"github.com/vinaykr8807/WhispShare-qz/internal/logging"
	"github.com/vinaykr8807/WhispShare-qz/internal/migrations"
	"github.com/vinaykr8807/WhispShare-qz/internal/repository"
	pgrepo "github.com/vinaykr8807/WhispShare-qz/internal/repository/postgres"
	sqliterepo "github.com/vinaykr8807/WhispShare-qz/internal/repository/sqlite"
	"github.com/vinaykr8807/WhispShare-qz/internal/service"
	"github.com/vinaykr8807/WhispShare-qz/internal/storage"
	"github.com/vinaykr8807/WhispShare-qz/internal/storage/local"
	"github.com/vinaykr8807/WhispShare-qz/internal/storage/s3"
	"github.com/vinaykr8807/WhispShare-qz/internal/tagging"
	"github.com/vinaykr8807/WhispShare-qz/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.OTLPEndpoint, cfg.ServiceName, logger)
	if err != nil {
		return err
	}

	repo, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	blobs, err := openBlobs(ctx, cfg)
	if err != nil {
		return err
	}

	gen, err := code.NewGenerator(cfg.CodeLength)
	if err != nil {
		return err
	}

	// 后台任务使用独立的 context，在 HTTP 关闭之后再停止
	bgCtx, cancelBackground := context.WithCancel(context.Background())
	defer cancelBackground()

	tagger := tagging.NewWorker(repo, blobs, cfg.TaggingWorkers, 0, logger)
	tagger.Start(bgCtx)

	catalog := service.NewCatalog(repo, blobs, gen, tagger, service.Options{
		TTL:             cfg.ShareTTL,
		RadiusMeters:    cfg.ProximityRadiusMeters,
		MaxCodeAttempts: cfg.CodeMaxAttempts,
		SearchLimit:     cfg.SearchLimit,
		CandidateLimit:  cfg.SearchCandidateLimit,
	}, logger)

	sweeper := service.NewSweeper(repo, blobs, cfg.SweepInterval, logger).
		WithConsumedGrace(cfg.SweepConsumedGrace)
	sweeper.Start(bgCtx)

	handler := api.NewShareHandler(catalog, cfg.MaxUploadBytes, logger)
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
		Handler:           api.NewRouter(cfg, handler, logger),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			zap.String("addr", srv.Addr),
			zap.String("store", cfg.StoreDriver),
			zap.String("storage", cfg.StorageDriver),
			zap.String("auth", cfg.AuthMode),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
	sweeper.Stop()
	tagger.Close()
	cancelBackground()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown failed", zap.Error(err))
	}

	logger.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repository.ShareRepository, func(), error) {
	switch cfg.StoreDriver {
	case config.StoreDriverSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create sqlite dir: %w", err)
		}
		db, err := database.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		if err := sqliterepo.Migrate(db); err != nil {
			return nil, nil, err
		}
		closeFn := func() {
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		}
		return sqliterepo.NewShareRepository(db), closeFn, nil
	default:
		db, err := database.Connect(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		applied, err := migrations.New(db, logger).Apply(ctx)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		if len(applied) > 0 {
			logger.Info("migrations applied", zap.Strings("files", applied))
		}
		return pgrepo.NewShareRepository(db), func() { _ = db.Close() }, nil
	}
}

func openBlobs(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	if cfg.StorageDriver == config.StorageDriverS3 {
		return s3.New(ctx, s3.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
			PathStyle: cfg.S3PathStyle,
		})
	}
	return local.NewWriter(cfg.StorageDir, ""), nil
}
