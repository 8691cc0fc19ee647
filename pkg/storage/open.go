package storage

import (
	"context"
	"fmt"

	"github.com/platinummonkey/recur/pkg/notify"
	"github.com/platinummonkey/recur/pkg/storage/memory"
	"github.com/platinummonkey/recur/pkg/storage/postgres"
	"github.com/platinummonkey/recur/pkg/subscriptions"
	"github.com/platinummonkey/recur/pkg/tiers"
	"github.com/sirupsen/logrus"
)

// Backend is everything the services need from persistence
type Backend interface {
	subscriptions.Store
	tiers.Writer
	notify.Repository
	HealthCheck(ctx context.Context) error
	Close() error
}

var (
	_ Backend = (*memory.Store)(nil)
	_ Backend = (*postgres.Store)(nil)
)

// Open creates the backend named by config.Type
func Open(ctx context.Context, config Config, logger *logrus.Logger) (Backend, error) {
	if logger == nil {
		logger = logrus.New()
	}

	switch config.Type {
	case "", TypeMemory:
		logger.Warn("Using in-memory storage; state is lost on restart")
		return memory.New(), nil

	case TypePostgres:
		if config.PostgresURL == "" {
			return nil, fmt.Errorf("postgres storage requires a database URL")
		}
		conn, err := postgres.NewConnectionManager(config.ConnectionConfig(), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		if config.AutoMigrate {
			if err := postgres.Migrate(ctx, conn.Primary(), logger); err != nil {
				conn.Close()
				return nil, fmt.Errorf("failed to migrate database: %w", err)
			}
		}
		if len(config.PostgresReplicaURLs) > 0 {
			conn.StartHealthCheckRoutine(ctx, 0)
		}
		return postgres.New(conn, logger), nil

	default:
		return nil, fmt.Errorf("unknown storage type %q", config.Type)
	}
}

// TierReader returns r behind an expiring cache when the config enables one
func TierReader(r tiers.Reader, config Config) tiers.Reader {
	if config.TierCacheTTL <= 0 || config.TierCacheSize <= 0 {
		return r
	}
	return tiers.NewCachedReader(r, config.TierCacheSize, config.TierCacheTTL)
}
