package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kirychukyurii/loadgen-manager/internal/concurrent"
	"github.com/kirychukyurii/loadgen-manager/internal/config"
)

var tableNameRe = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// postgresKV implements KV on a single two-column Postgres table.
// Locks are session-level advisory locks, each held on its own pooled connection.
type postgresKV struct {
	pool   *pgxpool.Pool
	table  string
	local  *concurrent.KeyedMutex[string] // one waiting connection per key in this process
	logger *slog.Logger
}

// NewPostgresKV connects to Postgres and creates the backing table if needed
func NewPostgresKV(ctx context.Context, cfg config.PostgresConfig, logger *slog.Logger) (KV, error) {
	table := cfg.Table
	if table == "" {
		table = "kv_store"
	}
	if !tableNameRe.MatchString(table) {
		return nil, fmt.Errorf("invalid postgres table name %q", table)
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	p := &postgresKV{
		pool:   pool,
		table:  table,
		local:  concurrent.NewKeyedMutex[string](),
		logger: logger,
	}
	if err := p.migrate(connectCtx); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("connected to postgres registry", "table", table)
	return p, nil
}

func (p *postgresKV) migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key        TEXT PRIMARY KEY,
			value      JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, p.table))
	if err != nil {
		return fmt.Errorf("failed to create table %s: %w", p.table, err)
	}
	return nil
}

func (p *postgresKV) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := p.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, p.table), key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("key %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s from postgres: %w", key, err)
	}
	return value, nil
}

func (p *postgresKV) Put(ctx context.Context, key string, value []byte) error {
	_, err := p.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`, p.table),
		key, value,
	)
	if err != nil {
		return fmt.Errorf("failed to write %s to postgres: %w", key, err)
	}
	return nil
}

func (p *postgresKV) Delete(ctx context.Context, key string) error {
	tag, err := p.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, p.table), key)
	if err != nil {
		return fmt.Errorf("failed to delete %s from postgres: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("key %s: %w", key, ErrNotFound)
	}
	return nil
}

func (p *postgresKV) List(ctx context.Context, prefix string) ([][]byte, error) {
	rows, err := p.pool.Query(ctx,
		fmt.Sprintf(`SELECT value FROM %s WHERE starts_with(key, $1) ORDER BY key`, p.table), prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s from postgres: %w", prefix, err)
	}
	defer rows.Close()

	var values [][]byte
	for rows.Next() {
		var v []byte
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", prefix, err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list %s from postgres: %w", prefix, err)
	}
	return values, nil
}

func (p *postgresKV) Incr(ctx context.Context, key string) (int64, error) {
	var next int64
	err := p.pool.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO %[1]s AS t (key, value) VALUES ($1, '1'::jsonb)
		ON CONFLICT (key) DO UPDATE
			SET value = to_jsonb((t.value #>> '{}')::bigint + 1), updated_at = now()
		RETURNING (value #>> '{}')::bigint`, p.table), key,
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter %s: %w", key, err)
	}
	return next, nil
}

// lockName scopes advisory locks to the table so registries sharing a database stay independent
func (p *postgresKV) lockName(key string) string {
	return p.table + ":" + key
}

func (p *postgresKV) Lock(ctx context.Context, key string) (Unlock, error) {
	release, err := p.local.Lock(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", key, err)
	}

	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		release()
		return nil, fmt.Errorf("failed to acquire connection for lock %s: %w", key, err)
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, p.lockName(key)); err != nil {
		conn.Release()
		release()
		return nil, fmt.Errorf("failed to lock %s in postgres: %w", key, err)
	}
	return p.unlockFunc(key, conn, release), nil
}

func (p *postgresKV) TryLock(ctx context.Context, key string) (Unlock, bool, error) {
	release, ok := p.local.TryLock(key)
	if !ok {
		return nil, false, nil
	}

	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		release()
		return nil, false, fmt.Errorf("failed to acquire connection for lock %s: %w", key, err)
	}

	var locked bool
	err = conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtextextended($1, 0))`, p.lockName(key)).Scan(&locked)
	if err != nil || !locked {
		conn.Release()
		release()
		if err != nil {
			return nil, false, fmt.Errorf("failed to lock %s in postgres: %w", key, err)
		}
		return nil, false, nil
	}
	return p.unlockFunc(key, conn, release), true, nil
}

func (p *postgresKV) unlockFunc(key string, conn *pgxpool.Conn, release func()) Unlock {
	var once sync.Once
	return func() {
		once.Do(func() {
			defer release()

			ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
			defer cancel()

			var unlocked bool
			err := conn.QueryRow(ctx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, p.lockName(key)).Scan(&unlocked)
			if err != nil || !unlocked {
				p.logger.Warn("failed to release postgres advisory lock, dropping the connection",
					slog.String("key", key),
					slog.Any("error", err),
				)
				// ending the session releases every lock it holds
				_ = conn.Conn().Close(ctx)
			}
			conn.Release()
		})
	}
}

func (p *postgresKV) Close() error {
	p.pool.Close()
	return nil
}
