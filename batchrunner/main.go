package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/verdict-labs/verdict-go/internal/ledger"
	"github.com/verdict-labs/verdict-go/internal/platform/env"
	"github.com/verdict-labs/verdict-go/internal/platform/httpserver"
	"github.com/verdict-labs/verdict-go/internal/platform/objectstore"
	"github.com/verdict-labs/verdict-go/internal/platform/postgres"
	"github.com/verdict-labs/verdict-go/internal/remoteexec"
	"github.com/verdict-labs/verdict-go/internal/report"
	"github.com/verdict-labs/verdict-go/internal/runner"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("VERDICT_HTTP_ADDR", ":8084")
	shutdownTimeout, err := env.Duration("VERDICT_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	executorURL := env.String("VERDICT_EXECUTOR_URL", "http://localhost:8090")
	executorTimeout, err := env.Duration("VERDICT_EXECUTOR_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid executor timeout", "error", err)
		os.Exit(2)
	}

	orchCfg, err := loadOrchestrationConfig()
	if err != nil {
		logger.Error("invalid orchestration config", "error", err)
		os.Exit(2)
	}

	executor := remoteexec.NewClient(executorURL, executorTimeout)
	coordinator, err := runner.New(logger, executor, orchCfg)
	if err != nil {
		logger.Error("coordinator init failed", "error", err)
		os.Exit(2)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("batchrunner"))
	readiness := []httpserver.ReadinessCheck{}

	ledgerEnabled, err := env.Bool("VERDICT_LEDGER_ENABLED", false)
	if err != nil {
		logger.Error("invalid ledger flag", "error", err)
		os.Exit(2)
	}
	var runLedger *ledger.Ledger
	if ledgerEnabled {
		dbCfg, err := postgres.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid database config", "error", err)
			os.Exit(2)
		}
		db, err := postgres.Open(ctx, dbCfg)
		if err != nil {
			logger.Error("database unavailable", "error", err)
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()

		runLedger = ledger.New(db)
		schemaCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := runLedger.EnsureSchema(schemaCtx); err != nil {
			cancel()
			logger.Error("ledger schema init failed", "error", err)
			os.Exit(1)
		}
		cancel()

		readiness = append(readiness, httpserver.ReadinessCheck{
			Name: "postgres",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return db.PingContext(checkCtx)
			},
		})
	}

	archiveEnabled, err := env.Bool("VERDICT_ARCHIVE_ENABLED", false)
	if err != nil {
		logger.Error("invalid archive flag", "error", err)
		os.Exit(2)
	}
	var archiver *report.Archiver
	if archiveEnabled {
		storeCfg, err := objectstore.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid object store config", "error", err)
			os.Exit(2)
		}
		storeClient, err := objectstore.NewMinIOClient(storeCfg)
		if err != nil {
			logger.Error("object store client init failed", "error", err)
			os.Exit(2)
		}
		startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := objectstore.EnsureBucket(startupCtx, storeClient, storeCfg); err != nil {
			cancel()
			logger.Error("object store unavailable", "error", err)
			os.Exit(1)
		}
		cancel()

		archiver = report.NewArchiver(storeClient, storeCfg.BucketReports)
		readiness = append(readiness, httpserver.ReadinessCheck{
			Name: "minio",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return objectstore.CheckBucket(checkCtx, storeClient, storeCfg)
			},
		})
	}

	mux.HandleFunc("/readyz", httpserver.ReadyzWithChecks("batchrunner", readiness...))

	api := newBatchAPI(logger, coordinator, runLedger, archiver)
	api.register(mux)

	cfg := httpserver.Config{
		Service:         "batchrunner",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}
	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "batchrunner", mux)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
