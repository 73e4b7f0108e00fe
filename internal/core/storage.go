package core

import (
	"context"
	"fmt"
	"time"

	"transitreg/internal/infra/persistence/memory"
	"transitreg/internal/infra/persistence/postgres"
	"transitreg/internal/infra/persistence/sqlite"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// StorageConfig selects and configures the persistent store.
type StorageConfig struct {
	Driver      StorageDriver
	SQLitePath  string
	PostgresDSN string
	LockTimeout time.Duration
}

// OpenPersistentStore opens the configured backend. The returned close
// function releases database handles and is never nil.
func OpenPersistentStore(ctx context.Context, cfg StorageConfig) (PersistentStore, func() error, error) {
	noop := func() error { return nil }
	opts := []memory.Option{memory.WithLockTimeout(cfg.LockTimeout)}
	switch cfg.Driver {
	case StorageMemory:
		return memory.NewStore(opts...), noop, nil
	case StorageSQLite, "":
		store, err := sqlite.NewStore(ctx, cfg.SQLitePath, opts...)
		if err != nil {
			return nil, noop, err
		}
		return store, store.Close, nil
	case StoragePostgres:
		store, err := postgres.NewStore(ctx, cfg.PostgresDSN, opts...)
		if err != nil {
			return nil, noop, err
		}
		return store, store.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown storage driver %s", cfg.Driver)
	}
}
