// Package config loads service configuration from RECUR_ environment
// variables, optionally seeded from a .env file.
//
// Server:
//
//	RECUR_HOST="0.0.0.0"
//	RECUR_PORT="8080"
//	RECUR_HEALTH_PORT="9090"
//
// Storage (memory unless a database URL is set):
//
//	RECUR_DATABASE_URL="postgres://localhost/recur?sslmode=disable"
//	RECUR_DATABASE_REPLICA_URLS="postgres://replica/recur"
//	RECUR_DATABASE_AUTO_MIGRATE="true"
//	RECUR_REDIS_URL="redis://localhost:6379/0"
//	RECUR_TIER_CATALOG="/etc/recur/tiers.yaml"
//
// Scheduler:
//
//	RECUR_SCHEDULER_ENABLED="true"
//	RECUR_MAX_RETRIES="3"
//	RECUR_GRACE_PERIOD_DAYS="0"  # 0 uses each subscription's own grace period
//	RECUR_CRON_RENEWALS="0 2 * * *"  # "off" disables a job
//
// Notifications:
//
//	RECUR_EVENT_BUS="memory"  # memory, redis
//	RECUR_WEBHOOK_URL="https://notify.internal/recur"
//	RECUR_WEBHOOK_SECRET="..."
//
// Observability:
//
//	RECUR_LOG_LEVEL="info"
//	RECUR_LOG_FORMAT="json"  # json, text
//	RECUR_OTEL_ENABLED="true"
//	RECUR_OTEL_ENDPOINT="otel-collector:4317"
package config
