package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"

	"sales-insight-service/internal/ai"
	"sales-insight-service/internal/blob"
	"sales-insight-service/internal/config"
	"sales-insight-service/internal/export"
	"sales-insight-service/internal/pipeline"
	"sales-insight-service/internal/queue"
	"sales-insight-service/internal/search"
	"sales-insight-service/internal/store"
	"sales-insight-service/internal/telemetry"
	"sales-insight-service/internal/worker"
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

	adapters, err := buildAdapters(ctx, cfg, logger)
	if err != nil {
		logger.Error("adapter init failed", "error", err)
		os.Exit(1)
	}

	metrics := telemetry.NewMetrics()
	pipe := pipeline.New(pipeline.Config{
		Store:       db,
		Blobs:       audioStore,
		Speech:      adapters.speech,
		Language:    adapters.language,
		Summarizer:  adapters.summarizer,
		Indexer:     adapters.indexer,
		Exporter:    adapters.exporter,
		Metrics:     metrics,
		Logger:      logger,
		StepTimeout: cfg.StepTimeout,
	})

	processor := worker.New(worker.Config{
		Queue:          queue.New(rdb, cfg.VisibilityTimeout),
		Pipeline:       pipe,
		Metrics:        metrics,
		Logger:         logger,
		PollInterval:   cfg.WorkerPollInterval,
		MaxAttempts:    cfg.MaxAttempts,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
	})
	sweeper := worker.NewSweeper(db, metrics, logger, cfg.SweepInterval)

	go serveMetrics(cfg.MetricsAddr, logger)

	logger.Info("worker starting", "demoMode", cfg.DemoMode)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		processor.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()
	wg.Wait()
	logger.Info("worker stopped")
}

type adapters struct {
	speech     ai.SpeechClient
	language   ai.LanguageClient
	summarizer ai.Summarizer
	indexer    search.Indexer
	exporter   export.Exporter
}

// buildAdapters wires the external collaborators. Demo mode runs entirely
// in-process with deterministic outputs.
func buildAdapters(ctx context.Context, cfg config.Config, logger *slog.Logger) (adapters, error) {
	if cfg.DemoMode {
		mock := ai.NewMock()
		docStore, err := blob.NewLocal(cfg.AudioLocalDir + "/documents")
		if err != nil {
			return adapters{}, err
		}
		return adapters{
			speech:     mock,
			language:   mock,
			summarizer: mock,
			indexer:    search.NoopIndexer{},
			exporter:   export.NewBlobExporter(docStore, cfg.DocumentPrefix),
		}, nil
	}

	openAI := ai.NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.WhisperModel)
	indexer, err := search.NewWeaviate(cfg.WeaviateHost, cfg.WeaviateScheme)
	if err != nil {
		return adapters{}, err
	}
	if err := indexer.EnsureSchema(ctx); err != nil {
		return adapters{}, err
	}
	docStore, err := blob.NewS3(ctx, cfg.DocumentBucket, blob.S3Options{
		Region:    cfg.S3Region,
		Endpoint:  cfg.S3Endpoint,
		PathStyle: cfg.S3PathStyle,
	})
	if err != nil {
		return adapters{}, err
	}
	logger.Info("external adapters wired", "chatModel", cfg.OpenAIModel,
		"whisperModel", cfg.WhisperModel, "weaviate", cfg.WeaviateHost)
	return adapters{
		speech:     openAI,
		language:   openAI,
		summarizer: openAI,
		indexer:    indexer,
		exporter:   export.NewBlobExporter(docStore, cfg.DocumentPrefix),
	}, nil
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
