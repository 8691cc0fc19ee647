package billing

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the billing pass metrics. A nil *Metrics records nothing.
type Metrics struct {
	JobRunsTotal    *prometheus.CounterVec
	JobDuration     *prometheus.HistogramVec
	RowsTotal       *prometheus.CounterVec
	LastCompletedAt *prometheus.GaugeVec
}

// NewMetrics creates and registers the billing metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recur_billing_job_runs_total",
				Help: "Total number of billing job runs",
			},
			[]string{"job", "result"},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "recur_billing_job_duration_seconds",
				Help:    "Billing job duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
			},
			[]string{"job"},
		),
		RowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recur_billing_rows_total",
				Help: "Subscriptions processed by billing jobs, by outcome",
			},
			[]string{"job", "outcome"},
		),
		LastCompletedAt: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "recur_billing_job_last_completed_timestamp_seconds",
				Help: "Unix time the billing job last completed",
			},
			[]string{"job"},
		),
	}

	if registry != nil {
		registry.MustRegister(m.JobRunsTotal, m.JobDuration, m.RowsTotal, m.LastCompletedAt)
	}
	return m
}

func (m *Metrics) observeRun(job Job, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.JobRunsTotal.WithLabelValues(string(job), result).Inc()
	if result == "completed" {
		m.JobDuration.WithLabelValues(string(job)).Observe(d.Seconds())
		m.LastCompletedAt.WithLabelValues(string(job)).SetToCurrentTime()
	}
}

func (m *Metrics) observeRow(job Job, outcome Outcome) {
	if m == nil {
		return
	}
	m.RowsTotal.WithLabelValues(string(job), string(outcome)).Inc()
}
