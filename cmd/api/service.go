package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/multierr"

	"github.com/angelmondragon/mediasearch-backend/pkg/config"
	"github.com/angelmondragon/mediasearch-backend/pkg/logger"
)

const (
	shutdownTimeout   = 15 * time.Second
	readHeaderTimeout = 10 * time.Second
)

type progressListener interface {
	Start(ctx context.Context)
	Stop() error
}

type socketRegistry interface {
	DisconnectAll()
}

type ServiceParams struct {
	Config   *config.Config
	Logger   *logger.Logger
	Handler  http.Handler
	Listener progressListener
	Sockets  socketRegistry
	// Net overrides the listener bound to the configured port.
	Net net.Listener
}

// Service runs the HTTP server alongside the progress listener that feeds
// local WebSocket clients.
type Service struct {
	cfg      *config.Config
	logg     *logger.Logger
	server   *http.Server
	listener progressListener
	sockets  socketRegistry
	netLn    net.Listener
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Handler == nil {
		return nil, errors.New("http handler is required")
	}
	if params.Listener == nil {
		return nil, errors.New("progress listener is required")
	}

	return &Service{
		cfg:  params.Config,
		logg: params.Logger,
		server: &http.Server{
			Addr:              ":" + params.Config.App.Port,
			Handler:           params.Handler,
			ReadHeaderTimeout: readHeaderTimeout,
		},
		listener: params.Listener,
		sockets:  params.Sockets,
		netLn:    params.Net,
	}, nil
}

// Run serves until ctx is cancelled, then drains sockets and the HTTP server.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	ln := s.netLn
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", s.server.Addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", s.server.Addr, err)
		}
	}

	s.listener.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(ln)
	}()
	s.logg.Info(s.logg.WithField(ctx, "addr", ln.Addr().String()), "api.server.started")

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
			s.logg.Error(ctx, "api.server.stopped_unexpectedly", err)
		}
	}

	return multierr.Append(serveErr, s.shutdown(context.WithoutCancel(ctx)))
}

func (s *Service) shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	// Clients reconnect elsewhere on 1012.
	if s.sockets != nil {
		s.sockets.DisconnectAll()
	}

	var errs error
	if err := s.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = multierr.Append(errs, fmt.Errorf("shutdown http server: %w", err))
	}
	if err := s.listener.Stop(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("stop progress listener: %w", err))
	}
	s.logg.Info(ctx, "api.server.stopped")
	return errs
}
