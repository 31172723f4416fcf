package bootstrap

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	serverhttp "switchboard/internal/delivery/server/http"
	"switchboard/internal/shared/async"
	"switchboard/internal/shared/config"
	"switchboard/internal/shared/logging"
)

const defaultShutdownGrace = 30 * time.Second

// NewHTTPServer builds the transport for c.
func NewHTTPServer(c *Container) *serverhttp.Server {
	sc := c.Config.Server
	return serverhttp.NewServer(c.Coordinator, serverhttp.Config{
		Host:           sc.Host,
		Port:           sc.Port,
		AllowedOrigins: sc.AllowedOrigins,
		Debug:          sc.Debug,
		ReadTimeout:    sc.ReadTimeout,
	},
		serverhttp.WithMetrics(c.Metrics, c.Registry),
		serverhttp.WithSchedulerStats(c.Scheduler.Stats),
	)
}

// RunServer starts the HTTP API and background jobs and blocks until SIGINT
// or SIGTERM, then shuts down within server.shutdown_grace.
func RunServer(cfg config.Config) error {
	ConfigureLogging(cfg.Log)
	logger := logging.NewComponentLogger("Main")
	logger.Info("Starting switchboard %s", Version)

	c, err := Build(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c.Start(ctx)
	server := NewHTTPServer(c)

	serveErr := make(chan error, 1)
	async.Go(logger, "http.serve", func() {
		serveErr <- server.Start()
	})

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case runErr = <-serveErr:
		if runErr != nil {
			logger.Error("HTTP server stopped: %v", runErr)
		}
	}

	grace := cfg.Server.ShutdownGrace
	if grace <= 0 {
		grace = defaultShutdownGrace
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown: %v", err)
	}
	if err := c.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Component shutdown: %v", err)
		if runErr == nil {
			runErr = fmt.Errorf("shutdown: %w", err)
		}
	}
	logger.Info("Stopped")
	return runErr
}
