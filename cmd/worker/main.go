package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/mediasearch-backend/internal/ai"
	"github.com/angelmondragon/mediasearch-backend/internal/audit"
	"github.com/angelmondragon/mediasearch-backend/internal/batches"
	"github.com/angelmondragon/mediasearch-backend/internal/jobs"
	"github.com/angelmondragon/mediasearch-backend/internal/pipeline"
	"github.com/angelmondragon/mediasearch-backend/internal/realtime"
	"github.com/angelmondragon/mediasearch-backend/internal/uploads"
	"github.com/angelmondragon/mediasearch-backend/pkg/config"
	"github.com/angelmondragon/mediasearch-backend/pkg/db"
	"github.com/angelmondragon/mediasearch-backend/pkg/instance"
	"github.com/angelmondragon/mediasearch-backend/pkg/logger"
	"github.com/angelmondragon/mediasearch-backend/pkg/metrics"
	"github.com/angelmondragon/mediasearch-backend/pkg/migrate"
	"github.com/angelmondragon/mediasearch-backend/pkg/redis"
	"github.com/angelmondragon/mediasearch-backend/pkg/storage"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}
	cfg.Service.Kind = "worker"

	logg = logger.New(logger.Options{
		ServiceName: "worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient.DB()); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	redisOpt, err := jobs.RedisOpt(cfg.Redis)
	if err != nil {
		logg.Error(context.Background(), "failed to build queue connection", err)
		os.Exit(1)
	}

	fileStore, err := storage.NewLocal(cfg.Storage)
	if err != nil {
		logg.Error(context.Background(), "failed to prepare upload storage", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	pipelineMetrics := metrics.NewPipelineMetrics(registry)

	ollama, err := ai.NewOllama(cfg.AI)
	if err != nil {
		logg.Error(context.Background(), "failed to create ollama client", err)
		os.Exit(1)
	}
	gate, err := ai.NewGate(ai.GateParams{
		Vision:    ollama,
		Embedding: ollama,
		Config:    cfg.AI,
		Logger:    logg,
		Metrics:   pipelineMetrics,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create ai gate", err)
		os.Exit(1)
	}

	repo := uploads.NewRepository(dbClient.DB())
	// The worker only publishes; delivery happens on API instances.
	progress := realtime.NewPublisher(realtime.NewRedisBus(redisClient), nil, logg)

	analyzer, err := pipeline.NewAnalyzer(pipeline.AnalyzerParams{
		Store:            repo,
		AI:               gate,
		Auditor:          audit.New(cfg.Audit),
		Storage:          fileStore,
		Publisher:        progress,
		MaxFrames:        cfg.AI.MaxVideoFrames,
		Logger:           logg,
		DescribeAttempts: cfg.Audit.MaxDescriptionAttempts,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create analyzer", err)
		os.Exit(1)
	}
	processor, err := pipeline.NewProcessor(pipeline.ProcessorParams{
		Store:        repo,
		Analyzer:     analyzer,
		Storage:      fileStore,
		Publisher:    progress,
		PollInterval: cfg.Batch.ProgressPoll,
		Logger:       logg,
		Metrics:      pipelineMetrics,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create processor", err)
		os.Exit(1)
	}
	orchestrator, err := batches.NewOrchestrator(batches.OrchestratorParams{
		Store:     repo,
		Processor: processor,
		Publisher: progress,
		Logger:    logg,
		Metrics:   pipelineMetrics,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create orchestrator", err)
		os.Exit(1)
	}

	jobServer, err := jobs.NewServer(jobs.ServerParams{
		Redis:    redisOpt,
		Worker:   cfg.Worker,
		Batches:  orchestrator,
		Analyzer: analyzer,
		Logger:   logg,
		Setup: func(ctx context.Context) error {
			if err := pingDependency(ctx, logg, "database", dbClient.Ping); err != nil {
				return err
			}
			if err := pingDependency(ctx, logg, "redis", redisClient.Ping); err != nil {
				return err
			}
			return pingDependency(ctx, logg, "ollama", ollama.Ping)
		},
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create job server", err)
		os.Exit(1)
	}

	service, err := NewService(ServiceParams{
		Config:  cfg,
		Logger:  logg,
		Jobs:    jobServer,
		Metrics: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create worker service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"instance":    instance.GetID(),
		"queue":       cfg.Worker.Queue,
		"concurrency": cfg.Worker.Concurrency,
	})
	logg.Info(ctx, "starting worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "worker shutting down gracefully")
}

func pingDependency(ctx context.Context, logg *logger.Logger, name string, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		logg.Error(ctx, fmt.Sprintf("%s ping failed", name), err)
		return fmt.Errorf("%s ping failed: %w", name, err)
	}
	return nil
}
