package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"imageflow/internal/api"
	"imageflow/internal/auth"
	"imageflow/internal/blob"
	"imageflow/internal/config"
	"imageflow/internal/ingest"
	"imageflow/internal/logging"
	"imageflow/internal/queue"
	"imageflow/internal/ratelimit"
	"imageflow/internal/retrieval"
	"imageflow/internal/status"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Environment, "imageflow-api")

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

	q := queue.New(cfg.Redis, cfg.Queue)
	adapter := ingest.NewAdapter(q, logger)

	var limiter api.UploadLimiter
	if cfg.RateLimit.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		limiter = ratelimit.New(client, cfg.RateLimit.Capacity, cfg.RateLimit.RefillPerSecond, cfg.RateLimit.TTL)
	}

	verifier := auth.NewVerifier(cfg.Security.JWTSecret)
	images := retrieval.New(blobs, cfg.Storage.OutputBucket, cfg.Storage.DownloadTTL, logger)

	server := api.New(*cfg, verifier, blobs, images, adapter, statuses, limiter, logger)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      server.Router(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	logger.Info().Str("addr", httpServer.Addr).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
