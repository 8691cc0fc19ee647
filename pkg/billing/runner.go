package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/platinummonkey/recur/pkg/async"
	"github.com/platinummonkey/recur/pkg/events"
	"github.com/platinummonkey/recur/pkg/notify"
	"github.com/platinummonkey/recur/pkg/payments"
	"github.com/platinummonkey/recur/pkg/subscriptions"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/platinummonkey/recur/pkg/billing")

// Job names a billing pass
type Job string

const (
	JobRenewals    Job = "renewals"
	JobRetries     Job = "retries"
	JobCleanup     Job = "cleanup"
	JobExpiring    Job = "expiring"
	JobTrialEnding Job = "trial-ending"
)

// Jobs lists every pass in schedule order
var Jobs = []Job{JobRenewals, JobRetries, JobCleanup, JobTrialEnding, JobExpiring}

// ParseJob validates a job name
func ParseJob(s string) (Job, error) {
	for _, j := range Jobs {
		if string(j) == s {
			return j, nil
		}
	}
	return "", fmt.Errorf("unknown billing job %q", s)
}

// Outcome is what happened to one row
type Outcome string

const (
	OutcomeRenewed       Outcome = "renewed"
	OutcomePaymentFailed Outcome = "payment_failed"
	OutcomeMaxRetries    Outcome = "max_retries"
	OutcomeExpired       Outcome = "expired"
	OutcomeNotified      Outcome = "notified"
	OutcomeDuplicate     Outcome = "duplicate"
	OutcomeIneligible    Outcome = "ineligible"
	OutcomeWouldCharge   Outcome = "would_charge"
	OutcomeWouldExpire   Outcome = "would_expire"
	OutcomeWouldNotify   Outcome = "would_notify"
	OutcomeError         Outcome = "error"
)

// Action records the outcome for one subscription
type Action struct {
	SubscriptionID int64   `json:"subscription_id"`
	UserID         int64   `json:"user_id"`
	Outcome        Outcome `json:"outcome"`
	Error          string  `json:"error,omitempty"`
}

// Report summarises one pass
type Report struct {
	Job        Job       `json:"job"`
	DryRun     bool      `json:"dry_run"`
	Skipped    bool      `json:"skipped"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Candidates int       `json:"candidates"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Errors     int       `json:"errors"`
	Ignored    int       `json:"ignored"`
	Actions    []Action  `json:"actions"`
}

func (r *Report) add(a Action) {
	r.Actions = append(r.Actions, a)
	switch a.Outcome {
	case OutcomeRenewed, OutcomeExpired, OutcomeNotified:
		r.Succeeded++
	case OutcomePaymentFailed, OutcomeMaxRetries:
		r.Failed++
	case OutcomeError:
		r.Errors++
	default:
		r.Ignored++
	}
}

// Config holds runner defaults. Params override them per run.
type Config struct {
	MaxRetries               int
	GracePeriodDays          int // 0 uses each row's grace_period_days
	ExpiringThresholdDays    int
	TrialEndingThresholdDays int
	RetryInterval            time.Duration
	RowTimeout               time.Duration
	Concurrency              int
	LockTTL                  time.Duration
	NoticeWindow             time.Duration
}

// DefaultConfig returns the defaults
func DefaultConfig() Config {
	return Config{
		MaxRetries:               3,
		ExpiringThresholdDays:    7,
		TrialEndingThresholdDays: 3,
		RetryInterval:            72 * time.Hour,
		RowTimeout:               30 * time.Second,
		Concurrency:              1,
		LockTTL:                  time.Hour,
		NoticeWindow:             24 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.ExpiringThresholdDays <= 0 {
		c.ExpiringThresholdDays = def.ExpiringThresholdDays
	}
	if c.TrialEndingThresholdDays <= 0 {
		c.TrialEndingThresholdDays = def.TrialEndingThresholdDays
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = def.RetryInterval
	}
	if c.RowTimeout <= 0 {
		c.RowTimeout = def.RowTimeout
	}
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.LockTTL <= 0 {
		c.LockTTL = def.LockTTL
	}
	if c.NoticeWindow <= 0 {
		c.NoticeWindow = def.NoticeWindow
	}
	return c
}

// Params are the per-invocation inputs of a pass. Zero values fall back to Config.
type Params struct {
	DryRun          bool `json:"dry_run"`
	GracePeriodDays int  `json:"grace_period_days"`
	MaxRetries      int  `json:"max_retries"`
	ThresholdDays   int  `json:"threshold_days"`
}

// Deps are the collaborators of a Runner
type Deps struct {
	Store     subscriptions.Store
	Gateway   payments.Gateway
	Publisher events.Publisher
	Deduper   notify.Deduper
	Locker    Locker
	Clock     clockwork.Clock
	Metrics   *Metrics
	Logger    *logrus.Logger
}

// Runner executes billing passes
type Runner struct {
	store     subscriptions.Store
	gateway   payments.Gateway
	publisher events.Publisher
	deduper   notify.Deduper
	locker    Locker
	clock     clockwork.Clock
	metrics   *Metrics
	logger    *logrus.Logger
	config    Config
}

// NewRunner creates a runner. Missing optional deps get in-process defaults.
func NewRunner(deps Deps, config Config) *Runner {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = logrus.New()
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Discard{}
	}
	if deps.Locker == nil {
		deps.Locker = NewMemoryLocker(deps.Clock)
	}
	if deps.Gateway == nil {
		deps.Gateway = payments.NewSimulated(payments.DefaultRenewalSuccessRate, nil)
	}
	return &Runner{
		store:     deps.Store,
		gateway:   deps.Gateway,
		publisher: deps.Publisher,
		deduper:   deps.Deduper,
		locker:    deps.Locker,
		clock:     deps.Clock,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		config:    config.withDefaults(),
	}
}

// Run executes job
func (r *Runner) Run(ctx context.Context, job Job, p Params) (*Report, error) {
	switch job {
	case JobRenewals:
		return r.RunRenewals(ctx, p)
	case JobRetries:
		return r.RunRetries(ctx, p)
	case JobCleanup:
		return r.RunExpiryCleanup(ctx, p)
	case JobExpiring:
		return r.RunExpiringNotices(ctx, p)
	case JobTrialEnding:
		return r.RunTrialEndingNotices(ctx, p)
	default:
		return nil, fmt.Errorf("unknown billing job %q", job)
	}
}

func (r *Runner) now() time.Time {
	return r.clock.Now().UTC()
}

// rowFunc processes one candidate. Returning an error marks the row as an error.
type rowFunc func(ctx context.Context, sub *subscriptions.Subscription, now time.Time) (Outcome, error)

// selectFunc returns the candidate rows of a pass
type selectFunc func(ctx context.Context, now time.Time) ([]*subscriptions.Subscription, error)

// execute takes the job lock, selects candidates and processes every row
func (r *Runner) execute(ctx context.Context, job Job, dryRun bool, selectRows selectFunc, process rowFunc) (report *Report, err error) {
	ctx, span := tracer.Start(ctx, "billing."+string(job), trace.WithAttributes(
		attribute.String("job", string(job)),
		attribute.Bool("dry_run", dryRun),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	now := r.now()
	report = &Report{Job: job, DryRun: dryRun, StartedAt: now, Actions: []Action{}}
	log := r.logger.WithFields(logrus.Fields{"job": job, "dry_run": dryRun})

	release, ok, err := r.locker.TryLock(ctx, "billing:"+string(job), r.config.LockTTL)
	if err != nil {
		r.metrics.observeRun(job, "error", 0)
		return nil, fmt.Errorf("failed to acquire %s lock: %w", job, err)
	}
	if !ok {
		log.Warn("Billing job already running, skipping")
		report.Skipped = true
		report.FinishedAt = r.now()
		r.metrics.observeRun(job, "skipped", 0)
		return report, nil
	}
	defer release()

	candidates, err := selectRows(ctx, now)
	if err != nil {
		r.metrics.observeRun(job, "error", 0)
		return nil, fmt.Errorf("failed to select %s candidates: %w", job, err)
	}
	report.Candidates = len(candidates)
	span.SetAttributes(attribute.Int("candidates", len(candidates)))
	log.WithField("candidates", len(candidates)).Info("Billing job started")

	var mu sync.Mutex
	handled := make(map[int64]bool, len(candidates))
	async.Batch(ctx, candidates, r.config.Concurrency, string(job), r.config.RowTimeout,
		func(ctx context.Context, sub *subscriptions.Subscription) error {
			outcome, err := process(ctx, sub, now)
			action := Action{SubscriptionID: sub.ID, UserID: sub.UserID, Outcome: outcome}
			if err != nil {
				action.Outcome = OutcomeError
				action.Error = err.Error()
				log.WithError(err).WithField("subscription_id", sub.ID).Error("Failed to process subscription")
			}
			r.metrics.observeRow(job, action.Outcome)

			mu.Lock()
			handled[sub.ID] = true
			report.add(action)
			mu.Unlock()
			return nil
		})

	// rows left queued when ctx was cancelled
	for _, sub := range candidates {
		if handled[sub.ID] {
			continue
		}
		reason := ctx.Err()
		if reason == nil {
			reason = errors.New("row was not processed")
		}
		r.metrics.observeRow(job, OutcomeError)
		report.add(Action{SubscriptionID: sub.ID, UserID: sub.UserID, Outcome: OutcomeError, Error: reason.Error()})
	}
	if n := len(candidates) - len(handled); n > 0 {
		log.WithField("unprocessed", n).Warn("Billing job interrupted before every row was processed")
	}

	sort.SliceStable(report.Actions, func(i, j int) bool {
		return report.Actions[i].SubscriptionID < report.Actions[j].SubscriptionID
	})
	report.FinishedAt = r.now()
	r.metrics.observeRun(job, "completed", report.FinishedAt.Sub(report.StartedAt))

	log.WithFields(logrus.Fields{
		"candidates": report.Candidates,
		"succeeded":  report.Succeeded,
		"failed":     report.Failed,
		"errors":     report.Errors,
		"ignored":    report.Ignored,
	}).Info("Billing job finished")
	return report, nil
}

func (r *Runner) publish(ctx context.Context, e *events.Event) {
	if e == nil {
		return
	}
	if err := r.publisher.Publish(ctx, *e); err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"kind":            e.Kind,
			"subscription_id": e.SubscriptionID,
		}).Error("Failed to publish event")
	}
}

// merge concatenates row sets, dropping duplicate ids, ordered by id
func merge(sets ...[]*subscriptions.Subscription) []*subscriptions.Subscription {
	seen := make(map[int64]bool)
	var out []*subscriptions.Subscription
	for _, set := range sets {
		for _, s := range set {
			if !seen[s.ID] {
				seen[s.ID] = true
				out = append(out, s)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func boolPtr(b bool) *bool { return &b }

func timePtr(t time.Time) *time.Time { return &t }
