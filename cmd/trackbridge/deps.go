package main

import (
	"context"
	"fmt"
	"io"

	"github.com/steveyegge/trackbridge/internal/cache"
	"github.com/steveyegge/trackbridge/internal/config"
	"github.com/steveyegge/trackbridge/internal/step"
	"github.com/steveyegge/trackbridge/internal/storage/sqlstore"
	"github.com/steveyegge/trackbridge/internal/telemetry"
)

func openStore(ctx context.Context) (*sqlstore.Store, error) {
	store, err := sqlstore.Open(ctx, sqlstore.Dialect(cfg.Database.Dialect), cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Database.Dialect, err)
	}
	return store, nil
}

// openCache returns the configured cache store and a closer for it.
func openCache() (cache.Store, io.Closer, error) {
	switch cfg.Cache.Backend {
	case config.CacheRedis:
		rs, err := cache.NewRedisStore(cfg.Cache.RedisURL, cache.WithNamespace(cfg.Cache.Namespace))
		if err != nil {
			return nil, nil, err
		}
		return telemetry.WrapCache(rs), rs, nil
	default:
		ms := cache.NewMemoryStore()
		return telemetry.WrapCache(ms), ms, nil
	}
}

// healthCheck pings the database and, for Redis, the cache.
func healthCheck(store *sqlstore.Store, closer io.Closer) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := store.Ping(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
		if rs, ok := closer.(*cache.RedisStore); ok {
			if err := rs.Ping(ctx); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
		}
		return nil
	}
}

// checkpointStore picks where import job state lives.
func checkpointStore(store *sqlstore.Store, c cache.Store) step.CheckpointStore {
	if cfg.Import.Checkpoints == config.CheckpointsCache {
		return step.NewCacheCheckpoints(c, step.DefaultStateTTL)
	}
	return store
}
