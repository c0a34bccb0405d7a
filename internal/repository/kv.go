package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kirychukyurii/loadgen-manager/internal/config"
)

// ErrNotFound is returned when a key or record does not exist
var ErrNotFound = errors.New("not found")

// KV is the storage backend behind the node and report repositories.
// Values are JSON documents; List returns values ordered by key.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([][]byte, error)

	// Incr atomically increments the integer stored at key and returns the new value.
	// A missing key counts as zero.
	Incr(ctx context.Context, key string) (int64, error)

	// Lock takes the exclusive lock named key. The lock is shared by every
	// process using the same backend. It waits until the lock is free or ctx is done.
	Lock(ctx context.Context, key string) (Unlock, error)

	// TryLock takes the lock named key only if nobody holds it
	TryLock(ctx context.Context, key string) (Unlock, bool, error)

	Close() error
}

// Unlock releases a lock taken from KV. Calling it more than once is a no-op.
type Unlock func()

// Open creates the KV backend selected by cfg.Driver
func Open(ctx context.Context, cfg config.RegistryConfig, logger *slog.Logger) (KV, error) {
	switch cfg.Driver {
	case config.DriverEtcd:
		return NewEtcdKV(ctx, cfg.Etcd, logger)
	case config.DriverBadger:
		return NewBadgerKV(cfg.Badger, logger)
	case config.DriverPostgres:
		return NewPostgresKV(ctx, cfg.Postgres, logger)
	}
	return nil, fmt.Errorf("unknown registry driver %q", cfg.Driver)
}
