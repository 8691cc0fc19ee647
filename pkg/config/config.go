package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/recur/pkg/billing"
	"github.com/platinummonkey/recur/pkg/notify"
	"github.com/platinummonkey/recur/pkg/storage"
	"github.com/platinummonkey/recur/pkg/storage/postgres"
)

// Event bus backends
const (
	BusMemory = "memory"
	BusRedis  = "redis"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Storage       storage.Config
	Catalog       CatalogConfig
	Scheduler     SchedulerConfig
	Payments      PaymentsConfig
	Notifications NotificationsConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string

	// RateLimit is API requests per minute per client IP, 0 disables limiting
	RateLimit int
	RateBurst int
}

// CatalogConfig points at an optional YAML tier catalog
type CatalogConfig struct {
	Path  string
	Watch bool
}

// SchedulerConfig holds billing pass settings
type SchedulerConfig struct {
	Enabled  bool
	Billing  billing.Config
	Schedule billing.Schedule
}

// PaymentsConfig configures the simulated gateway and its rate limit
type PaymentsConfig struct {
	RenewalSuccessRate float64
	RateLimit          float64 // charges per second, 0 disables limiting
	RateBurst          int
}

// NotificationsConfig configures event delivery
type NotificationsConfig struct {
	Bus            string // memory or redis
	RedisChannel   string
	Workers        int
	HandlerTimeout time.Duration
	DedupeRedis    bool
	Webhook        notify.WebhookConfig
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string

	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
	OTelSampleRatio    float64
}

// Load reads the given .env files when present, then builds the
// configuration from the environment. With no files ".env" is tried.
// Variables already set in the environment win over file values.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return LoadConfig()
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Catalog:       loadCatalogConfig(),
		Scheduler:     loadSchedulerConfig(),
		Payments:      loadPaymentsConfig(),
		Notifications: loadNotificationsConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("RECUR_HOST", "0.0.0.0"),
		Port:            getEnv("RECUR_PORT", "8080"),
		ReadTimeout:     getEnvDuration("RECUR_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("RECUR_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("RECUR_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("RECUR_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("RECUR_HEALTH_PORT", "9090"),
		RateLimit:       getEnvInt("RECUR_API_RATE_LIMIT", 0),
		RateBurst:       getEnvInt("RECUR_API_RATE_BURST", 20),
	}
}

func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	if url := getEnv("RECUR_DATABASE_URL", ""); url != "" {
		cfg.Type = storage.TypePostgres
		cfg.PostgresURL = url
	}
	if storageType := getEnv("RECUR_STORAGE_TYPE", ""); storageType != "" {
		cfg.Type = strings.ToLower(storageType)
	}
	if replicaURLs := getEnv("RECUR_DATABASE_REPLICA_URLS", ""); replicaURLs != "" {
		cfg.PostgresReplicaURLs = postgres.ParseReplicaURLs(replicaURLs)
	}
	if maxConns := getEnvInt("RECUR_DATABASE_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("RECUR_DATABASE_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	if timeout := getEnvDuration("RECUR_DATABASE_TIMEOUT", 0); timeout > 0 {
		cfg.PostgresTimeout = timeout
	}
	if lifetime := getEnvDuration("RECUR_DATABASE_MAX_LIFETIME", 0); lifetime > 0 {
		cfg.PostgresMaxLifetime = lifetime
	}
	cfg.AutoMigrate = getEnvBool("RECUR_DATABASE_AUTO_MIGRATE", false)

	cfg.RedisURL = getEnv("RECUR_REDIS_URL", "")
	cfg.RedisPassword = getEnv("RECUR_REDIS_PASSWORD", "")
	if redisDB := getEnvInt("RECUR_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if redisMaxRetries := getEnvInt("RECUR_REDIS_MAX_RETRIES", 0); redisMaxRetries > 0 {
		cfg.RedisMaxRetries = redisMaxRetries
	}
	if redisPoolSize := getEnvInt("RECUR_REDIS_POOL_SIZE", 0); redisPoolSize > 0 {
		cfg.RedisPoolSize = redisPoolSize
	}

	cfg.TierCacheSize = getEnvInt("RECUR_TIER_CACHE_SIZE", cfg.TierCacheSize)
	cfg.TierCacheTTL = getEnvDuration("RECUR_TIER_CACHE_TTL", cfg.TierCacheTTL)

	return cfg
}

func loadCatalogConfig() CatalogConfig {
	return CatalogConfig{
		Path:  getEnv("RECUR_TIER_CATALOG", ""),
		Watch: getEnvBool("RECUR_TIER_CATALOG_WATCH", false),
	}
}

func loadSchedulerConfig() SchedulerConfig {
	b := billing.DefaultConfig()
	b.MaxRetries = getEnvInt("RECUR_MAX_RETRIES", b.MaxRetries)
	b.GracePeriodDays = getEnvInt("RECUR_GRACE_PERIOD_DAYS", b.GracePeriodDays)
	b.ExpiringThresholdDays = getEnvInt("RECUR_EXPIRING_THRESHOLD_DAYS", b.ExpiringThresholdDays)
	b.TrialEndingThresholdDays = getEnvInt("RECUR_TRIAL_ENDING_THRESHOLD_DAYS", b.TrialEndingThresholdDays)
	b.RetryInterval = getEnvDuration("RECUR_RETRY_INTERVAL", b.RetryInterval)
	b.RowTimeout = getEnvDuration("RECUR_ROW_TIMEOUT", b.RowTimeout)
	b.Concurrency = getEnvInt("RECUR_BILLING_CONCURRENCY", b.Concurrency)
	b.LockTTL = getEnvDuration("RECUR_JOB_LOCK_TTL", b.LockTTL)
	b.NoticeWindow = getEnvDuration("RECUR_NOTICE_WINDOW", b.NoticeWindow)

	s := billing.DefaultSchedule()
	s.Renewals = getEnvSpec("RECUR_CRON_RENEWALS", s.Renewals)
	s.Retries = getEnvSpec("RECUR_CRON_RETRIES", s.Retries)
	s.Cleanup = getEnvSpec("RECUR_CRON_CLEANUP", s.Cleanup)
	s.TrialEnding = getEnvSpec("RECUR_CRON_TRIAL_ENDING", s.TrialEnding)
	s.Expiring = getEnvSpec("RECUR_CRON_EXPIRING", s.Expiring)

	return SchedulerConfig{
		Enabled:  getEnvBool("RECUR_SCHEDULER_ENABLED", false),
		Billing:  b,
		Schedule: s,
	}
}

func loadPaymentsConfig() PaymentsConfig {
	return PaymentsConfig{
		RenewalSuccessRate: getEnvFloat("RECUR_PAYMENTS_SUCCESS_RATE", 0.95),
		RateLimit:          getEnvFloat("RECUR_PAYMENTS_RATE_LIMIT", 0),
		RateBurst:          getEnvInt("RECUR_PAYMENTS_RATE_BURST", 1),
	}
}

func loadNotificationsConfig() NotificationsConfig {
	retry := notify.DefaultRetryConfig()
	retry.MaxAttempts = getEnvInt("RECUR_WEBHOOK_MAX_ATTEMPTS", retry.MaxAttempts)

	return NotificationsConfig{
		Bus:            strings.ToLower(getEnv("RECUR_EVENT_BUS", BusMemory)),
		RedisChannel:   getEnv("RECUR_EVENT_CHANNEL", "recur:events"),
		Workers:        getEnvInt("RECUR_NOTIFY_WORKERS", 4),
		HandlerTimeout: getEnvDuration("RECUR_NOTIFY_TIMEOUT", 30*time.Second),
		DedupeRedis:    getEnvBool("RECUR_NOTIFY_DEDUPE_REDIS", false),
		Webhook: notify.WebhookConfig{
			URL:     getEnv("RECUR_WEBHOOK_URL", ""),
			Secret:  getEnv("RECUR_WEBHOOK_SECRET", ""),
			Timeout: getEnvDuration("RECUR_WEBHOOK_TIMEOUT", 10*time.Second),
			Retry:   retry,
		},
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           getEnv("RECUR_LOG_LEVEL", "info"),
		LogFormat:          strings.ToLower(getEnv("RECUR_LOG_FORMAT", "json")),
		MetricsEnabled:     getEnvBool("RECUR_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("RECUR_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("RECUR_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("RECUR_OTEL_SERVICE_NAME", "recur"),
		OTelServiceVersion: getEnv("RECUR_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("RECUR_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("RECUR_OTEL_SAMPLE_RATIO", 1),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}
	if c.Server.RateLimit < 0 || c.Server.RateBurst < 0 {
		return fmt.Errorf("API rate limit and burst must be >= 0")
	}

	switch c.Storage.Type {
	case storage.TypeMemory:
	case storage.TypePostgres:
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("database URL is required for postgres storage")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be memory or postgres)", c.Storage.Type)
	}

	b := c.Scheduler.Billing
	if b.MaxRetries < 1 {
		return fmt.Errorf("max retries must be at least 1, got %d", b.MaxRetries)
	}
	if b.GracePeriodDays < 0 {
		return fmt.Errorf("grace period days must be >= 0, got %d", b.GracePeriodDays)
	}
	if b.ExpiringThresholdDays < 1 || b.TrialEndingThresholdDays < 1 {
		return fmt.Errorf("notice thresholds must be at least 1 day")
	}
	if b.Concurrency < 1 {
		return fmt.Errorf("billing concurrency must be at least 1, got %d", b.Concurrency)
	}
	for job, spec := range c.Scheduler.Schedule.Specs() {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("invalid cron spec for %s: %w", job, err)
		}
	}

	if r := c.Payments.RenewalSuccessRate; r <= 0 || r > 1 {
		return fmt.Errorf("payment success rate must be in (0, 1], got %v", r)
	}
	if c.Payments.RateLimit < 0 {
		return fmt.Errorf("payment rate limit must be >= 0")
	}

	switch c.Notifications.Bus {
	case BusMemory:
	case BusRedis:
		if c.Storage.RedisURL == "" {
			return fmt.Errorf("redis URL is required for the redis event bus")
		}
	default:
		return fmt.Errorf("invalid event bus: %s (must be memory or redis)", c.Notifications.Bus)
	}
	if c.Notifications.DedupeRedis && c.Storage.RedisURL == "" {
		return fmt.Errorf("redis URL is required for redis notification dedupe")
	}
	if c.Notifications.Workers < 1 {
		return fmt.Errorf("notification workers must be at least 1")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// Addr returns the API listen address
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// HealthAddr returns the health and metrics listen address
func (s ServerConfig) HealthAddr() string {
	return s.Host + ":" + s.HealthPort
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvSpec is getEnv where an explicit "off" disables a cron job
func getEnvSpec(key, defaultValue string) string {
	value := getEnv(key, defaultValue)
	if strings.EqualFold(value, "off") {
		return ""
	}
	return value
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
