package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/recur/pkg/app"
	"github.com/platinummonkey/recur/pkg/async"
	"github.com/platinummonkey/recur/pkg/config"
	"github.com/platinummonkey/recur/pkg/observability"
)

var version = "dev"

func main() {
	envFile := flag.String("env-file", ".env", "Optional dotenv file loaded before the environment")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	logger := observability.NewLogger(
		observability.ParseLevel(cfg.Observability.LogLevel),
		observability.LogFormat(cfg.Observability.LogFormat),
		os.Stdout,
	)
	async.SetLogger(logger)
	app.Version = version

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("Server exited with error")
	}
	logger.Info("Server stopped")
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		return err
	}

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		_ = observability.ShutdownOTel(context.Background(), providers)
		return err
	}
	// Registered first so traces and metrics flush after everything else stops
	a.Shutdown.Register("otel", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers)
	})

	if cfg.Scheduler.Enabled {
		sched, err := a.Scheduler()
		if err != nil {
			_ = a.Shutdown.Shutdown(context.Background())
			return err
		}
		sched.Start()
		a.Shutdown.Register("scheduler", sched.Stop)
		logger.WithField("jobs", sched.Entries()).Info("Billing scheduler started")
	}

	apiServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      a.APIServer().Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	healthServer := &http.Server{
		Addr:         cfg.Server.HealthAddr(),
		Handler:      a.HealthHandler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	a.Shutdown.RegisterServer("health server", healthServer)
	a.Shutdown.RegisterServer("api server", apiServer)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("addr", apiServer.Addr).Info("Starting API server")
		return serve(apiServer)
	})
	g.Go(func() error {
		logger.WithField("addr", healthServer.Addr).Info("Starting health server")
		return serve(healthServer)
	})
	g.Go(func() error {
		a.RecordPoolStats(gctx, 15*time.Second)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		return a.Shutdown.Shutdown(context.Background())
	})
	return g.Wait()
}

func serve(server *http.Server) error {
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
