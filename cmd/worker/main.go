package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"imageflow/internal/api"
	"imageflow/internal/blob"
	"imageflow/internal/config"
	"imageflow/internal/logging"
	"imageflow/internal/orchestrate"
	"imageflow/internal/pipeline"
	"imageflow/internal/queue"
	"imageflow/internal/status"
	"imageflow/internal/worker"
	"imageflow/internal/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Environment, "imageflow-worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	statuses, err := status.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer statuses.Close()
	if err := statuses.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("migrations")
	}

	blobs, err := blob.New(ctx, cfg.Storage)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect object store")
	}

	engine := workflow.NewEngine(cfg.Workflow, logger,
		pipeline.NewValidateStage(blobs, statuses, logger),
		pipeline.NewResizeStage(blobs, statuses, cfg.Storage, logger),
		pipeline.NewWatermarkStage(blobs, statuses, cfg.Storage, cfg.Watermark, logger),
	)

	orchestrator := orchestrate.New(engine, statuses, logger)
	q := queue.New(cfg.Redis, cfg.Queue)
	poller := worker.NewPoller(cfg.Queue, q, orchestrator, logger)

	go func() {
		if err := http.ListenAndServe(cfg.HTTP.MetricsAddr, api.OpsRouter(engine)); err != nil {
			logger.Warn().Err(err).Msg("ops server stopped")
		}
	}()

	logger.Info().
		Dur("visibility", cfg.Queue.VisibilityTimeout).
		Int("batch_size", cfg.Queue.BatchSize).
		Msg("worker started")
	if err := poller.Run(ctx); err != nil && err != context.Canceled {
		logger.Error().Err(err).Msg("worker stopped")
	}

	// Let in-flight runs drain before exiting.
	engine.Wait()
}
