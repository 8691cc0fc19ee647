package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/recur/pkg/observability"
)

// Schedule holds a cron spec per job. Empty specs disable the job.
type Schedule struct {
	Renewals    string `json:"renewals" yaml:"renewals"`
	Retries     string `json:"retries" yaml:"retries"`
	Cleanup     string `json:"cleanup" yaml:"cleanup"`
	TrialEnding string `json:"trial_ending" yaml:"trial_ending"`
	Expiring    string `json:"expiring" yaml:"expiring"`
}

// DefaultSchedule runs every job once a day, UTC
func DefaultSchedule() Schedule {
	return Schedule{
		Renewals:    "0 2 * * *",
		Retries:     "0 3 * * *",
		Cleanup:     "0 4 * * *",
		TrialEnding: "0 10 * * *",
		Expiring:    "0 11 * * *",
	}
}

// Specs maps each job to its spec
func (s Schedule) Specs() map[Job]string {
	return map[Job]string{
		JobRenewals:    s.Renewals,
		JobRetries:     s.Retries,
		JobCleanup:     s.Cleanup,
		JobTrialEnding: s.TrialEnding,
		JobExpiring:    s.Expiring,
	}
}

// Scheduler triggers billing passes on their cron specs
type Scheduler struct {
	cron   *cron.Cron
	runner *Runner
	logger *logrus.Logger
	params Params
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler registers every job with a non-empty spec. params apply to every run.
func NewScheduler(runner *Runner, schedule Schedule, params Params, logger *logrus.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = logrus.New()
	}
	cronLogger := cron.PrintfLogger(logger)
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{cron: c, runner: runner, logger: logger, params: params, ctx: ctx, cancel: cancel}

	for _, job := range Jobs {
		spec := schedule.Specs()[job]
		if spec == "" {
			logger.WithField("job", job).Info("Billing job disabled")
			continue
		}
		job := job
		if _, err := c.AddFunc(spec, func() { s.trigger(job) }); err != nil {
			cancel()
			return nil, fmt.Errorf("invalid schedule %q for %s: %w", spec, job, err)
		}
		logger.WithFields(logrus.Fields{"job": job, "schedule": spec}).Info("Billing job scheduled")
	}
	return s, nil
}

func (s *Scheduler) trigger(job Job) {
	defer observability.RecoverPanicWithCallback(s.logger, "billing "+string(job), func() {
		s.runner.metrics.observeRun(job, "panic", 0)
	})

	report, err := s.runner.Run(s.ctx, job, s.params)
	if err != nil {
		s.logger.WithError(err).WithField("job", job).Error("Billing job failed")
		return
	}
	if report.Skipped {
		return
	}
	s.logger.WithFields(logrus.Fields{
		"job":        job,
		"candidates": report.Candidates,
		"errors":     report.Errors,
	}).Debug("Billing job report")
}

// Entries returns the number of scheduled jobs
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// Start runs the cron loop in the background
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling and waits for running jobs until ctx is done
func (s *Scheduler) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}
