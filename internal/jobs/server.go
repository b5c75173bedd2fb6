package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/angelmondragon/mediasearch-backend/pkg/config"
	"github.com/angelmondragon/mediasearch-backend/pkg/logger"
	pkgredis "github.com/angelmondragon/mediasearch-backend/pkg/redis"
)

// BatchProcessor runs a whole batch.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, batchID uuid.UUID) error
}

// UploadAnalyzer runs the single upload pipeline.
type UploadAnalyzer interface {
	Analyze(ctx context.Context, uploadID uuid.UUID) error
}

// RedisOpt resolves the asynq connection from the shared redis config.
func RedisOpt(cfg config.RedisConfig) (asynq.RedisClientOpt, error) {
	opts, err := pkgredis.Options(cfg)
	if err != nil {
		return asynq.RedisClientOpt{}, err
	}
	return asynq.RedisClientOpt{
		Network:      opts.Network,
		Addr:         opts.Addr,
		Username:     opts.Username,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		PoolSize:     opts.PoolSize,
		TLSConfig:    opts.TLSConfig,
	}, nil
}

type ServerParams struct {
	Redis    asynq.RedisConnOpt
	Worker   config.WorkerConfig
	Batches  BatchProcessor
	Analyzer UploadAnalyzer
	Logger   *logger.Logger
	// Setup runs once before the server accepts jobs.
	Setup func(ctx context.Context) error
}

// Server consumes batch and analysis tasks.
type Server struct {
	srv      *asynq.Server
	mux      *asynq.ServeMux
	batches  BatchProcessor
	analyzer UploadAnalyzer
	setup    func(ctx context.Context) error
	logg     *logger.Logger
}

func NewServer(p ServerParams) (*Server, error) {
	if p.Redis == nil {
		return nil, errors.New("redis connection required")
	}
	if p.Batches == nil {
		return nil, errors.New("batch processor required")
	}
	if p.Analyzer == nil {
		return nil, errors.New("upload analyzer required")
	}
	concurrency := p.Worker.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	queue := p.Worker.Queue
	if queue == "" {
		queue = "batches"
	}

	s := &Server{
		batches:  p.Batches,
		analyzer: p.Analyzer,
		setup:    p.Setup,
		logg:     p.Logger,
	}
	s.srv = asynq.NewServer(p.Redis, asynq.Config{
		Concurrency:     concurrency,
		Queues:          map[string]int{queue: 1},
		ShutdownTimeout: p.Worker.ShutdownTimeout,
		Logger:          asynqLogger{logg: p.Logger},
		ErrorHandler:    asynq.ErrorHandlerFunc(s.handleError),
	})
	s.mux = asynq.NewServeMux()
	s.mux.HandleFunc(TypeBatchProcess, s.HandleBatch)
	s.mux.HandleFunc(TypeUploadAnalyze, s.HandleAnalyze)
	return s, nil
}

// Run executes the setup hook, then serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if s.setup != nil {
		if err := s.setup(ctx); err != nil {
			return fmt.Errorf("worker setup: %w", err)
		}
	}
	if err := s.srv.Start(s.mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	s.logg.Info(ctx, "jobs.server.started")

	<-ctx.Done()
	s.srv.Shutdown()
	s.logg.Info(context.WithoutCancel(ctx), "jobs.server.stopped")
	return nil
}

// HandleBatch never returns the orchestrator's error: a failed batch is resumed
// by redelivery, not by queue retries.
func (s *Server) HandleBatch(ctx context.Context, t *asynq.Task) error {
	batchID, err := decodeBatchPayload(t)
	if err != nil {
		return err
	}
	ctx = s.logg.WithBatchID(ctx, batchID.String())
	started := time.Now()
	if err := s.batches.ProcessBatch(ctx, batchID); err != nil {
		s.logg.Error(s.logg.WithField(ctx, "elapsed_ms", time.Since(started).Milliseconds()), "jobs.batch.failed", err)
		return nil
	}
	s.logg.Info(s.logg.WithField(ctx, "elapsed_ms", time.Since(started).Milliseconds()), "jobs.batch.done")
	return nil
}

// HandleAnalyze runs one upload. The analyzer records failures on the upload.
func (s *Server) HandleAnalyze(ctx context.Context, t *asynq.Task) error {
	uploadID, err := decodeAnalyzePayload(t)
	if err != nil {
		return err
	}
	ctx = s.logg.WithUploadID(ctx, uploadID.String())
	if err := s.analyzer.Analyze(ctx, uploadID); err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "jobs.analyze.failed")
	}
	return nil
}

func (s *Server) handleError(ctx context.Context, t *asynq.Task, err error) {
	s.logg.Error(s.logg.WithField(ctx, "task_type", t.Type()), "jobs.task.error", err)
}

// asynqLogger routes asynq's internal logging through the service logger.
type asynqLogger struct {
	logg *logger.Logger
}

func (l asynqLogger) Debug(args ...interface{}) {
	l.logg.Debug(context.Background(), fmt.Sprint(args...))
}

func (l asynqLogger) Info(args ...interface{}) {
	l.logg.Info(context.Background(), fmt.Sprint(args...))
}

func (l asynqLogger) Warn(args ...interface{}) {
	l.logg.Warn(context.Background(), fmt.Sprint(args...))
}

func (l asynqLogger) Error(args ...interface{}) {
	l.logg.Error(context.Background(), fmt.Sprint(args...), nil)
}

func (l asynqLogger) Fatal(args ...interface{}) {
	l.logg.Error(context.Background(), fmt.Sprint(args...), nil)
	os.Exit(1)
}
