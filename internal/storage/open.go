package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/saferoute/saferoute/internal/database"
)

// Config selects and configures the cache backend.
type Config struct {
	Backend  string
	Redis    RedisConfig
	Database database.Config
}

// Opened is a Store together with the cleanup for its connections.
type Opened struct {
	Store Store
	Close func()
}

// Open connects the configured backend. Unknown backends are an error.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (*Opened, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		logger.Info().Msg("using in-memory cache store")
		return &Opened{Store: NewMemoryStore(), Close: func() {}}, nil

	case BackendRedis:
		client, err := NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("addr", cfg.Redis.Addr()).Int("db", cfg.Redis.DB).Msg("using redis cache store")
		store := NewRedisStore(client)
		return &Opened{Store: store, Close: func() { _ = store.Close() }}, nil

	case BackendPostgres:
		pool, err := database.Connect(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		store := NewPostgresStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info().Str("host", cfg.Database.Host).Str("database", cfg.Database.Database).Msg("using postgres cache store")
		return &Opened{Store: store, Close: pool.Close}, nil

	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

var _ PgxPool = (*pgxpool.Pool)(nil)
