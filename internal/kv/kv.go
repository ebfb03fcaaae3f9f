// Package kv provides the durable key-value store used for the persisted
// relay list, dirty-entity bookkeeping, and the relay capability cache.
// Backends: sqlite (shares the event store database), redis, and an in-memory
// store for tests.
package kv

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/sandwichfarm/syncr/internal/config"
)

// Store is a string-keyed byte store. Get reports whether the key existed;
// a missing key is not an error. Delete of a missing key is a no-op.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Open constructs the store selected by config. The sqlite backend piggybacks
// on the event store's database handle.
func Open(cfg *config.KV, db *sqlx.DB) (Store, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		if db == nil {
			return nil, fmt.Errorf("sqlite kv backend requires a database handle")
		}
		return NewSQLiteStore(db)
	case "redis":
		return NewRedisStore(cfg.RedisURL, "syncr:")
	default:
		return nil, fmt.Errorf("unsupported kv backend: %s", cfg.Backend)
	}
}
