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

	"github.com/redis/go-redis/v9"

	"sales-insight-service/internal/api"
	"sales-insight-service/internal/blob"
	"sales-insight-service/internal/claims"
	"sales-insight-service/internal/config"
	"sales-insight-service/internal/queue"
	"sales-insight-service/internal/ratelimit"
	"sales-insight-service/internal/store"
	"sales-insight-service/internal/telemetry"
	"sales-insight-service/internal/workflow"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("postgres connection failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := db.RunMigrations(ctx); err != nil {
		logger.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	audioStore, err := newAudioStore(ctx, cfg)
	if err != nil {
		logger.Error("audio storage init failed", "error", err)
		os.Exit(1)
	}

	resolver := &claims.Resolver{}
	if cfg.DemoMode {
		resolver.Demo = claims.DemoClaims()
	}

	metrics := telemetry.NewMetrics()
	server := api.NewServer(api.Config{
		Store:    db,
		Queue:    queue.New(rdb, cfg.VisibilityTimeout),
		Blobs:    audioStore,
		Workflow: workflow.New(db, metrics, logger),
		Claims:   resolver,
		Limiter:  ratelimit.New(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill),
		Metrics:  metrics,
		Logger:   logger,
	})

	go serveMetrics(cfg.MetricsAddr, logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("api listening", "port", cfg.HTTPPort, "demoMode", cfg.DemoMode)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}

func newAudioStore(ctx context.Context, cfg config.Config) (blob.Store, error) {
	if cfg.DemoMode || cfg.AudioBucket == "" {
		return blob.NewLocal(cfg.AudioLocalDir)
	}
	return blob.NewS3(ctx, cfg.AudioBucket, blob.S3Options{
		Region:    cfg.S3Region,
		Endpoint:  cfg.S3Endpoint,
		PathStyle: cfg.S3PathStyle,
	})
}

func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server failed", "error", err)
	}
}
