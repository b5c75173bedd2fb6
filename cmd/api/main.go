package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/mediasearch-backend/api/routes"
	"github.com/angelmondragon/mediasearch-backend/internal/jobs"
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
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}
	cfg.Service.Kind = "api"

	logg = logger.New(logger.Options{
		ServiceName: "api",
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
	dispatcher, err := jobs.NewDispatcher(jobs.DispatcherParams{
		Client:       asynq.NewClient(redisOpt),
		Queue:        cfg.Worker.Queue,
		BatchTimeout: cfg.Batch.JobTimeout,
		Logger:       logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create dispatcher", err)
		os.Exit(1)
	}
	defer func() {
		if err := dispatcher.Close(); err != nil {
			logg.Error(context.Background(), "error closing dispatcher", err)
		}
	}()

	fileStore, err := storage.NewLocal(cfg.Storage)
	if err != nil {
		logg.Error(context.Background(), "failed to prepare upload storage", err)
		os.Exit(1)
	}

	repo := uploads.NewRepository(dbClient.DB())
	uploadService, err := uploads.NewService(uploads.ServiceParams{
		Store:      repo,
		Storage:    fileStore,
		Dispatcher: dispatcher,
		Batch:      cfg.Batch,
		MaxFile:    cfg.Storage.MaxUploadBytes,
		Logger:     logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create upload service", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	pipelineMetrics := metrics.NewPipelineMetrics(registry)

	manager := realtime.NewManager(logg, pipelineMetrics)
	publisher := realtime.NewPublisher(realtime.NewRedisBus(redisClient), manager, logg)
	wsHandler := realtime.NewHandler(realtime.HandlerParams{
		Manager:   manager,
		Uploads:   repo,
		JWT:       cfg.JWT,
		WebSocket: cfg.WebSocket,
		Logger:    logg,
	})

	router := routes.NewRouter(routes.Params{
		Config:    cfg,
		Logger:    logg,
		DB:        dbClient,
		Redis:     redisClient,
		Uploads:   uploadService,
		WebSocket: wsHandler,
		Metrics:   promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})

	service, err := NewService(ServiceParams{
		Config:   cfg,
		Logger:   logg,
		Handler:  router,
		Listener: publisher,
		Sockets:  manager,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create api service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"instance":    instance.GetID(),
	})
	logg.Info(ctx, "starting api server")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "api server shut down gracefully")
}
