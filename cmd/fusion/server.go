package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/artpar/fusion/internal/shell/api"
	"github.com/artpar/fusion/internal/shell/workers"
)

// =============================================================================
// Server
// =============================================================================

// Server exposes the optimizer over HTTP.
type Server struct {
	app        *App
	httpServer *http.Server
	scheduler  *workers.Scheduler
	logger     *slog.Logger
}

// NewServer wraps app in an HTTP server.
func NewServer(app *App, logger *slog.Logger) *Server {
	handler := api.NewHandler(api.Config{
		Runner:   app.service,
		Store:    app.store,
		Metrics:  app.metrics,
		APIToken: app.config.Server.APIToken,
	}, logger)

	var scheduler *workers.Scheduler
	if sc := app.config.Schedule; sc.Interval > 0 {
		scheduler = workers.NewScheduler(app.service, workers.SchedulerConfig{
			Interval:   sc.Interval,
			RunTimeout: sc.RunTimeout,
			RunOnStart: sc.RunOnStart,
		}, logger)
	}

	cfg := app.config.Server
	return &Server{
		app:       app,
		scheduler: scheduler,
		httpServer: &http.Server{
			Addr:         cfg.Address(),
			Handler:      handler.Routes(),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		logger: logger,
	}
}

// Start serves until a shutdown signal, a server error, or ctx is done.
func (s *Server) Start(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if s.scheduler != nil {
		s.scheduler.Start()
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "address", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case sig := <-sigCh:
		s.logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		if s.scheduler != nil {
			s.scheduler.Stop()
		}
		s.app.Close()
		return &ServerError{
			Op:       "Start",
			Err:      err,
			ExitCode: ExitHTTPServerError,
		}
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown(context.Background())
}

// Shutdown gracefully shuts down the server and closes the database.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.app.config.Server.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	if s.scheduler != nil {
		s.scheduler.Stop()
	}

	if err := s.app.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	}

	s.logger.Info("shutdown complete")
	return nil
}
