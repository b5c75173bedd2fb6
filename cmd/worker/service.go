package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/mediasearch-backend/pkg/config"
	"github.com/angelmondragon/mediasearch-backend/pkg/logger"
)

const metricsShutdownTimeout = 5 * time.Second

type jobRunner interface {
	Run(ctx context.Context) error
}

type ServiceParams struct {
	Config  *config.Config
	Logger  *logger.Logger
	Jobs    jobRunner
	Metrics http.Handler
	// MetricsListener overrides the listener bound to Worker.MetricsAddr.
	MetricsListener net.Listener
}

// Service runs the job server and a side metrics endpoint until either fails
// or the context is cancelled.
type Service struct {
	cfg       *config.Config
	logg      *logger.Logger
	jobs      jobRunner
	metrics   http.Handler
	metricsLn net.Listener
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Jobs == nil {
		return nil, errors.New("job server is required")
	}
	return &Service{
		cfg:       params.Config,
		logg:      params.Logger,
		jobs:      params.Jobs,
		metrics:   params.Metrics,
		metricsLn: params.MetricsListener,
	}, nil
}

func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.jobs.Run(gctx)
	})
	if s.metrics != nil {
		g.Go(func() error {
			return s.serveMetrics(gctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Service) serveMetrics(ctx context.Context) error {
	ln := s.metricsLn
	if ln == nil {
		addr := s.cfg.Worker.MetricsAddr
		if addr == "" {
			return nil
		}
		var err error
		ln, err = net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen metrics %s: %w", addr, err)
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logg.Info(s.logg.WithField(ctx, "addr", ln.Addr().String()), "worker.metrics.started")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), metricsShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown metrics server: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	}
}
