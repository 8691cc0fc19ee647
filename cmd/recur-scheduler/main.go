package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/recur/pkg/app"
	"github.com/platinummonkey/recur/pkg/async"
	"github.com/platinummonkey/recur/pkg/billing"
	"github.com/platinummonkey/recur/pkg/config"
	"github.com/platinummonkey/recur/pkg/observability"
)

var (
	envFile         = flag.String("env-file", ".env", "Optional dotenv file loaded before the environment")
	runOnce         = flag.Bool("run-once", false, "Run a single billing job and exit")
	jobName         = flag.String("job", string(billing.JobRenewals), "Job to run with --run-once (renewals, retries, cleanup, expiring, trial-ending)")
	dryRun          = flag.Bool("dry-run", false, "Report what would happen without charging, expiring or notifying")
	gracePeriodDays = flag.Int("grace-period-days", 0, "Override grace period days (0 uses config, then each subscription)")
	maxRetries      = flag.Int("max-retries", 0, "Override maximum payment retries (0 uses config)")
	thresholdDays   = flag.Int("threshold-days", 0, "Override notice threshold days (0 uses config)")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	logger := observability.NewLogger(
		observability.ParseLevel(cfg.Observability.LogLevel),
		observability.LogFormat(cfg.Observability.LogFormat),
		os.Stderr,
	)
	async.SetLogger(logger)

	params := billing.Params{
		DryRun:          *dryRun,
		GracePeriodDays: *gracePeriodDays,
		MaxRetries:      *maxRetries,
		ThresholdDays:   *thresholdDays,
	}
	if params.GracePeriodDays < 0 || params.MaxRetries < 0 || params.ThresholdDays < 0 {
		logger.Fatal("Overrides must not be negative")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to start")
	}

	if *runOnce {
		err := runJob(ctx, a, params)
		if shutdownErr := a.Shutdown.Shutdown(context.Background()); shutdownErr != nil {
			logger.WithError(shutdownErr).Warn("Shutdown reported errors")
		}
		if err != nil {
			logger.WithError(err).Fatal("Billing job failed")
		}
		return
	}

	sched, err := billing.NewScheduler(a.Runner, cfg.Scheduler.Schedule, params, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to schedule billing jobs")
	}
	sched.Start()
	a.Shutdown.Register("scheduler", sched.Stop)
	logger.WithField("jobs", sched.Entries()).Info("Billing scheduler started")

	<-ctx.Done()
	logger.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout+5*time.Second)
	defer cancel()
	if err := a.Shutdown.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Shutdown reported errors")
	}
	logger.Info("Scheduler stopped")
}

// runJob runs one pass and prints its report as JSON on stdout
func runJob(ctx context.Context, a *app.App, params billing.Params) error {
	job, err := billing.ParseJob(*jobName)
	if err != nil {
		return err
	}

	a.Logger.WithFields(logrus.Fields{
		"job":     job,
		"dry_run": params.DryRun,
	}).Info("Running billing job")

	report, err := a.Runner.Run(ctx, job, params)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
