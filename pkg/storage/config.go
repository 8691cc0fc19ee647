package storage

import (
	"time"

	"github.com/platinummonkey/recur/pkg/storage/postgres"
)

// Backend types
const (
	TypeMemory   = "memory"
	TypePostgres = "postgres"
)

// Config for the storage backend
type Config struct {
	Type string // "memory" or "postgres"

	// PostgreSQL config
	PostgresURL         string
	PostgresReplicaURLs []string
	PostgresMaxConns    int
	PostgresMinConns    int
	PostgresTimeout     time.Duration
	PostgresMaxLifetime time.Duration
	PostgresMaxIdleTime time.Duration
	AutoMigrate         bool

	// Redis config
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int

	// Tier cache config
	TierCacheSize int
	TierCacheTTL  time.Duration
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		Type:                TypeMemory,
		PostgresMaxConns:    20,
		PostgresMinConns:    2,
		PostgresTimeout:     10 * time.Second,
		PostgresMaxLifetime: time.Hour,
		PostgresMaxIdleTime: 10 * time.Minute,
		RedisDB:             0,
		RedisMaxRetries:     3,
		RedisPoolSize:       10,
		TierCacheSize:       256,
		TierCacheTTL:        5 * time.Minute,
	}
}

// ConnectionConfig maps the PostgreSQL settings for the connection manager
func (c Config) ConnectionConfig() postgres.ConnectionConfig {
	return postgres.ConnectionConfig{
		PrimaryURL:  c.PostgresURL,
		ReplicaURLs: c.PostgresReplicaURLs,
		MaxConns:    c.PostgresMaxConns,
		MinConns:    c.PostgresMinConns,
		Timeout:     c.PostgresTimeout,
		MaxLifetime: c.PostgresMaxLifetime,
		MaxIdleTime: c.PostgresMaxIdleTime,
	}
}
