package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/kirychukyurii/loadgen-manager/internal/concurrent"
	"github.com/kirychukyurii/loadgen-manager/internal/config"
)

const (
	lockKeyPrefix = "locks/"
	unlockTimeout = 5 * time.Second
)

// etcdKV implements KV on top of an etcd cluster
type etcdKV struct {
	client *clientv3.Client
	prefix string
	logger *slog.Logger

	// concurrency.Mutex is not safe for concurrent use within one session,
	// so callers of this process queue on local first.
	local   *concurrent.KeyedMutex[string]
	lockTTL int // seconds

	sessMu  sync.Mutex
	session *concurrency.Session
}

// NewEtcdKV creates a new etcd backed KV
func NewEtcdKV(ctx context.Context, cfg config.EtcdConfig, logger *slog.Logger) (KV, error) {
	etcdCfg := clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	}

	// Configure TLS if provided
	if cfg.TLS != nil {
		tlsConfig, err := loadTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS config: %w", err)
		}
		etcdCfg.TLS = tlsConfig
	}

	client, err := clientv3.New(etcdCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	// Test connection
	statusCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := client.Status(statusCtx, cfg.Endpoints[0]); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	logger.Info("connected to etcd cluster", "endpoints", cfg.Endpoints)

	ttl := int(cfg.LockTTL / time.Second)
	if ttl < 1 {
		ttl = 1
	}

	return &etcdKV{
		client:  client,
		prefix:  cfg.Prefix,
		logger:  logger,
		local:   concurrent.NewKeyedMutex[string](),
		lockTTL: ttl,
	}, nil
}

func (e *etcdKV) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := e.client.Get(ctx, e.prefix+key)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s from etcd: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("key %s: %w", key, ErrNotFound)
	}
	return resp.Kvs[0].Value, nil
}

func (e *etcdKV) Put(ctx context.Context, key string, value []byte) error {
	if _, err := e.client.Put(ctx, e.prefix+key, string(value)); err != nil {
		return fmt.Errorf("failed to write %s to etcd: %w", key, err)
	}
	e.logger.Debug("wrote key to etcd", "key", key)
	return nil
}

func (e *etcdKV) Delete(ctx context.Context, key string) error {
	resp, err := e.client.Delete(ctx, e.prefix+key)
	if err != nil {
		return fmt.Errorf("failed to delete %s from etcd: %w", key, err)
	}
	if resp.Deleted == 0 {
		return fmt.Errorf("key %s: %w", key, ErrNotFound)
	}
	return nil
}

func (e *etcdKV) List(ctx context.Context, prefix string) ([][]byte, error) {
	resp, err := e.client.Get(ctx, e.prefix+prefix,
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s from etcd: %w", prefix, err)
	}

	values := make([][]byte, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		values = append(values, kv.Value)
	}
	return values, nil
}

// Incr uses optimistic compare-and-swap on the key's mod revision
func (e *etcdKV) Incr(ctx context.Context, key string) (int64, error) {
	full := e.prefix + key
	for {
		resp, err := e.client.Get(ctx, full)
		if err != nil {
			return 0, fmt.Errorf("failed to read counter %s: %w", key, err)
		}

		var current, rev int64
		if len(resp.Kvs) > 0 {
			current, err = strconv.ParseInt(string(resp.Kvs[0].Value), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("failed to parse counter %s: %w", key, err)
			}
			rev = resp.Kvs[0].ModRevision
		}

		next := current + 1
		txn, err := e.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(full), "=", rev)).
			Then(clientv3.OpPut(full, strconv.FormatInt(next, 10))).
			Commit()
		if err != nil {
			return 0, fmt.Errorf("failed to increment counter %s: %w", key, err)
		}
		if txn.Succeeded {
			return next, nil
		}
		e.logger.Debug("counter changed concurrently, retrying", "key", key)
	}
}

// lockSession returns the lease-backed session that owns this process's locks,
// replacing it when the lease has expired
func (e *etcdKV) lockSession() (*concurrency.Session, error) {
	e.sessMu.Lock()
	defer e.sessMu.Unlock()

	if e.session != nil {
		select {
		case <-e.session.Done():
			e.logger.Warn("etcd lock session expired, creating a new one")
		default:
			return e.session, nil
		}
	}

	sess, err := concurrency.NewSession(e.client, concurrency.WithTTL(e.lockTTL))
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd lock session: %w", err)
	}
	e.session = sess
	return sess, nil
}

func (e *etcdKV) mutex(key string) (*concurrency.Mutex, error) {
	sess, err := e.lockSession()
	if err != nil {
		return nil, err
	}
	return concurrency.NewMutex(sess, e.prefix+lockKeyPrefix+key), nil
}

func (e *etcdKV) Lock(ctx context.Context, key string) (Unlock, error) {
	release, err := e.local.Lock(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", key, err)
	}

	m, err := e.mutex(key)
	if err != nil {
		release()
		return nil, err
	}
	if err := m.Lock(ctx); err != nil {
		release()
		return nil, fmt.Errorf("failed to lock %s in etcd: %w", key, err)
	}
	return e.unlockFunc(key, m, release), nil
}

func (e *etcdKV) TryLock(ctx context.Context, key string) (Unlock, bool, error) {
	release, ok := e.local.TryLock(key)
	if !ok {
		return nil, false, nil
	}

	m, err := e.mutex(key)
	if err != nil {
		release()
		return nil, false, err
	}
	err = m.TryLock(ctx)
	if errors.Is(err, concurrency.ErrLocked) {
		release()
		return nil, false, nil
	}
	if err != nil {
		release()
		return nil, false, fmt.Errorf("failed to lock %s in etcd: %w", key, err)
	}
	return e.unlockFunc(key, m, release), true, nil
}

func (e *etcdKV) unlockFunc(key string, m *concurrency.Mutex, release func()) Unlock {
	var once sync.Once
	return func() {
		once.Do(func() {
			defer release()

			ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
			defer cancel()
			if err := m.Unlock(ctx); err != nil {
				e.logger.Warn("failed to release etcd lock, it expires with the session lease",
					slog.String("key", key),
					slog.String("error", err.Error()),
				)
			}
		})
	}
}

// Close revokes the lock session and closes the etcd client connection
func (e *etcdKV) Close() error {
	e.sessMu.Lock()
	if e.session != nil {
		if err := e.session.Close(); err != nil {
			e.logger.Warn("failed to revoke etcd lock session", slog.String("error", err.Error()))
		}
		e.session = nil
	}
	e.sessMu.Unlock()

	if e.client != nil {
		return e.client.Close()
	}
	return nil
}
