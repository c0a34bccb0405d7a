package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/dgraph-io/badger/v4"

	"github.com/kirychukyurii/loadgen-manager/internal/concurrent"
	"github.com/kirychukyurii/loadgen-manager/internal/config"
)

// badgerKV implements KV on an embedded BadgerDB.
// Badger holds an exclusive lock on its directory, so one process owns the
// database and in-process locks are enough.
type badgerKV struct {
	db     *badger.DB
	locks  *concurrent.KeyedMutex[string]
	logger *slog.Logger
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// NewBadgerKV opens a BadgerDB at cfg.Path, or in memory when cfg.InMemory is set
func NewBadgerKV(cfg config.BadgerConfig, logger *slog.Logger) (KV, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("badger path is required for persistent database")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger})
	} else {
		opts = opts.WithLogger(nil)
		logger = slog.New(slog.DiscardHandler)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	logger.Info("opened badger registry",
		"path", cfg.Path,
		"in_memory", cfg.InMemory,
	)

	return &badgerKV{
		db:     db,
		locks:  concurrent.NewKeyedMutex[string](),
		logger: logger,
	}, nil
}

func (b *badgerKV) Get(_ context.Context, key string) ([]byte, error) {
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("key %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s from badger: %w", key, err)
	}
	return value, nil
}

func (b *badgerKV) Put(_ context.Context, key string, value []byte) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("failed to write %s to badger: %w", key, err)
	}
	return nil
}

func (b *badgerKV) Delete(_ context.Context, key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(key)); err != nil {
			return err
		}
		return txn.Delete([]byte(key))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("key %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to delete %s from badger: %w", key, err)
	}
	return nil
}

func (b *badgerKV) List(_ context.Context, prefix string) ([][]byte, error) {
	var values [][]byte
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			v, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			values = append(values, v)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s from badger: %w", prefix, err)
	}
	return values, nil
}

// Incr retries on transaction conflicts
func (b *badgerKV) Incr(ctx context.Context, key string) (int64, error) {
	for {
		var next int64
		err := b.db.Update(func(txn *badger.Txn) error {
			var current int64
			item, err := txn.Get([]byte(key))
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
			case err != nil:
				return err
			default:
				raw, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				if current, err = strconv.ParseInt(string(raw), 10, 64); err != nil {
					return err
				}
			}
			next = current + 1
			return txn.Set([]byte(key), []byte(strconv.FormatInt(next, 10)))
		})
		if errors.Is(err, badger.ErrConflict) {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("failed to increment counter %s: %w", key, err)
		}
		return next, nil
	}
}

func (b *badgerKV) Lock(ctx context.Context, key string) (Unlock, error) {
	unlock, err := b.locks.Lock(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", key, err)
	}
	return unlock, nil
}

func (b *badgerKV) TryLock(_ context.Context, key string) (Unlock, bool, error) {
	unlock, ok := b.locks.TryLock(key)
	return unlock, ok, nil
}

func (b *badgerKV) Close() error {
	return b.db.Close()
}
