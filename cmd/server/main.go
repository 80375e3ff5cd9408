// Package main is the entrypoint for the jobgate API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mkowalski/jobgate/internal/api"
	"github.com/mkowalski/jobgate/internal/api/handler"
	mw "github.com/mkowalski/jobgate/internal/api/middleware"
	"github.com/mkowalski/jobgate/internal/api/response"
	"github.com/mkowalski/jobgate/internal/backoff"
	"github.com/mkowalski/jobgate/internal/blob"
	"github.com/mkowalski/jobgate/internal/config"
	"github.com/mkowalski/jobgate/internal/downstream"
	"github.com/mkowalski/jobgate/internal/scheduler"
	"github.com/mkowalski/jobgate/internal/store"
	"github.com/mkowalski/jobgate/internal/upload"
	"github.com/mkowalski/jobgate/internal/worker"
)

const (
	shutdownTimeout = 30 * time.Second
	chunkTTL        = 48 * time.Hour
	ratePerMinute   = 120
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Connect the chunk blob store
	chunks, err := blob.NewRedisChunkStore(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create chunk store: %w", err)
	}
	defer chunks.Close()

	if err := chunks.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("chunk store connected")

	// 5. Core services
	pgStore := store.NewPostgresStore(pool)
	intake := upload.NewIntake(pgStore)
	assembler := upload.NewAssembler(pgStore, chunks, chunkTTL, cfg.Caps.DefaultMonthlyBytes)

	retryBackoff := backoff.NewExponentialWithJitter(cfg.Retry.InitialBackoff, cfg.Retry.MaxBackoff)

	dispatcher := worker.NewHTTPDispatcher(cfg.Worker.BaseURL, cfg.Worker.Secret, cfg.Worker.TriggerTimeout)
	if !dispatcher.Configured() {
		slog.Warn("worker secret not set; triggers and sweeps will be skipped")
	}

	runner := worker.NewRunner(worker.RunnerConfig{
		Store:        pgStore,
		Chunks:       chunks,
		Deploy:       downstream.NewHTTPDeployClient(cfg.Deploy.BaseURL, cfg.Deploy.Token, cfg.Deploy.Timeout),
		Repo:         downstream.NewHTTPRepoClient(cfg.Repo.BaseURL, cfg.Repo.Token, cfg.Repo.Timeout),
		Completion:   downstream.NewHTTPCompletionClient(cfg.Model.BaseURL, cfg.Model.APIKey, cfg.Model.Timeout),
		RetryBackoff: retryBackoff,
		MaxAttempts:  cfg.Worker.MaxAttempts,
		Heartbeat:    cfg.Worker.HeartbeatInterval,
		DefaultModel: cfg.Model.DefaultModel,
	})

	retrySweeper := scheduler.NewRetrySweeper(pgStore, dispatcher, cfg.Retry.BatchLimit, retryBackoff)
	retentionSweeper := scheduler.NewRetentionSweeper(pgStore, chunks,
		cfg.Retention.Window, cfg.Retention.SuccessRetention,
		cfg.Retention.BatchSize, cfg.Retention.MaxBatches)

	// 6. Build router with dependencies
	auth := mw.NewAuth(pgStore, cfg.Worker.Secret)
	rateLimit := mw.NewRateLimit(chunks, ratePerMinute)

	deps := api.Dependencies{
		Auth:      auth,
		RateLimit: rateLimit,

		HealthHandler: healthHandler(pgStore, chunks),

		SubmitJobHandler:      handler.NewSubmitJobHandler(intake, dispatcher),
		JobStatusHandler:      handler.NewJobStatusHandler(pgStore, dispatcher),
		PutChunkHandler:       handler.NewPutChunkHandler(assembler),
		CompleteUploadHandler: handler.NewCompleteUploadHandler(assembler, dispatcher),

		WorkerRunHandler:      handler.NewWorkerRunHandler(runner),
		RetrySweepHandler:     handler.NewRetrySweepHandler(retrySweeper),
		RetentionSweepHandler: handler.NewRetentionSweepHandler(retentionSweeper),

		CreateKeyHandler: handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:  handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(pgStore),
	}

	router := api.NewRouter(deps)

	// 7. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// healthHandler checks database and chunk store connectivity.
func healthHandler(s store.Store, c blob.ChunkStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{"database": "ok", "redis": "ok"}
		healthy := true

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = err.Error()
			healthy = false
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["redis"] = err.Error()
			healthy = false
		}

		if !healthy {
			response.Error(w, http.StatusServiceUnavailable, "UNHEALTHY", "Dependency check failed", checks)
			return
		}
		response.JSON(w, checks)
	}
}
