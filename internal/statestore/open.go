package statestore

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/ajaxzhan/sandboxpool/internal/config"
)

// Open creates the store selected by cfg and checks that it is reachable.
func Open(ctx context.Context, cfg config.StateStoreConfig) (Store, error) {
	var (
		store Store
		err   error
	)
	switch kind := cfg.EffectiveKind(); kind {
	case config.StoreMemory:
		store = NewMemoryStore()
	case config.StoreRedis:
		store = NewRedisStore(redis.NewClient(&redis.Options{
			Addr:     cfg.Addr(),
			Password: cfg.Password,
			DB:       cfg.DB,
		}), cfg.Prefix)
	case config.StoreSQLite:
		store, err = OpenSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown state store %q", kind)
	}

	if err := store.Ping(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("state store %s unreachable: %w", cfg.EffectiveKind(), err)
	}
	return store, nil
}
