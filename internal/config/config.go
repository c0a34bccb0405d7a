package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment variables overriding file values,
// e.g. LOADGEN_REGISTRY__DRIVER=badger sets registry.driver
const EnvPrefix = "LOADGEN_"

// Registry drivers
const (
	DriverEtcd     = "etcd"
	DriverBadger   = "badger"
	DriverPostgres = "postgres"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Log       LogConfig       `koanf:"log"`
	Cache     CacheConfig     `koanf:"cache"`
	Registry  RegistryConfig  `koanf:"registry"`
	Remote    RemoteConfig    `koanf:"remote"`
	Reconcile ReconcileConfig `koanf:"reconcile"`
	Reports   ReportsConfig   `koanf:"reports"`
}

// ServerConfig represents the ops HTTP server configuration
type ServerConfig struct {
	Addr         string        `koanf:"addr"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level string `koanf:"level"` // debug | info | warn | error
}

// CacheConfig represents node cache configuration
type CacheConfig struct {
	TTL time.Duration `koanf:"ttl"`
}

// RegistryConfig selects and configures the node/report store
type RegistryConfig struct {
	Driver   string         `koanf:"driver"`
	Etcd     EtcdConfig     `koanf:"etcd"`
	Badger   BadgerConfig   `koanf:"badger"`
	Postgres PostgresConfig `koanf:"postgres"`
}

// EtcdConfig represents etcd client configuration
type EtcdConfig struct {
	Endpoints   []string      `koanf:"endpoints"`
	DialTimeout time.Duration `koanf:"dial_timeout"`
	Username    string        `koanf:"username"`
	Password    string        `koanf:"password"`
	Prefix      string        `koanf:"prefix"`
	LockTTL     time.Duration `koanf:"lock_ttl"` // node locks of a dead process expire after this
	TLS         *TLSConfig    `koanf:"tls"`
}

// BadgerConfig represents embedded BadgerDB configuration
type BadgerConfig struct {
	Path       string `koanf:"path"`
	InMemory   bool   `koanf:"in_memory"`
	SyncWrites bool   `koanf:"sync_writes"`
}

// PostgresConfig represents Postgres connection configuration
type PostgresConfig struct {
	DSN      string        `koanf:"dsn"`
	Table    string        `koanf:"table"`
	Timeout  time.Duration `koanf:"timeout"`
	MaxConns int           `koanf:"max_conns"` // every held node lock pins one connection
}

// TLSConfig represents TLS configuration for the etcd client
type TLSConfig struct {
	CA   string `koanf:"ca"`
	Cert string `koanf:"cert"`
	Key  string `koanf:"key"`
}

// RemoteConfig represents the remote command channel configuration
type RemoteConfig struct {
	DialTimeout    time.Duration `koanf:"dial_timeout"`
	CommandTimeout time.Duration `koanf:"command_timeout"`
	SettleInterval time.Duration `koanf:"settle_interval"`
	StartWait      time.Duration `koanf:"start_wait"`
	MaxConcurrent  int           `koanf:"max_concurrent"`
	KnownHostsFile string        `koanf:"known_hosts_file"`

	// InsecureIgnoreHostKey disables SSH host key verification.
	InsecureIgnoreHostKey bool `koanf:"insecure_ignore_host_key"`

	// InsecureDefaultPassword is substituted for nodes registered without a
	// password. It is a weak fallback kept for legacy node inventories and is
	// empty unless set explicitly.
	InsecureDefaultPassword string `koanf:"insecure_default_password"`
}

// ReconcileConfig controls the sweep of nodes orphaned in in_progress
type ReconcileConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Interval time.Duration `koanf:"interval"`
}

// ReportsConfig represents report file storage configuration
type ReportsConfig struct {
	CasePath string `koanf:"case_path"`
}

// Default returns the configuration used for keys absent from file and environment
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Log:   LogConfig{Level: "info"},
		Cache: CacheConfig{TTL: 30 * time.Second},
		Registry: RegistryConfig{
			Driver: DriverBadger,
			Etcd: EtcdConfig{
				DialTimeout: 5 * time.Second,
				Prefix:      "loadgen-manager/",
				LockTTL:     30 * time.Second,
			},
			Badger: BadgerConfig{
				Path:       "data/registry",
				SyncWrites: true,
			},
			Postgres: PostgresConfig{
				Table:    "kv_store",
				Timeout:  5 * time.Second,
				MaxConns: 16,
			},
		},
		Remote: RemoteConfig{
			DialTimeout:    10 * time.Second,
			CommandTimeout: 30 * time.Second,
			SettleInterval: 2 * time.Second,
			StartWait:      10 * time.Second,
			MaxConcurrent:  8,
		},
		Reconcile: ReconcileConfig{
			Enabled:  true,
			Interval: time.Minute,
		},
		Reports: ReportsConfig{CasePath: "data/cases"},
	}
}

// Load loads configuration from the specified file on top of the defaults.
// An empty path loads defaults and environment overrides only.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	// LOADGEN_REMOTE__COMMAND_TIMEOUT -> remote.command_timeout
	envProvider := env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}

	switch c.Registry.Driver {
	case DriverEtcd:
		if len(c.Registry.Etcd.Endpoints) == 0 {
			return fmt.Errorf("registry.etcd.endpoints is required for the etcd driver")
		}
		if c.Registry.Etcd.LockTTL < time.Second {
			return fmt.Errorf("registry.etcd.lock_ttl must be at least 1s")
		}
	case DriverBadger:
		if !c.Registry.Badger.InMemory && c.Registry.Badger.Path == "" {
			return fmt.Errorf("registry.badger.path is required unless in_memory is set")
		}
	case DriverPostgres:
		if c.Registry.Postgres.DSN == "" {
			return fmt.Errorf("registry.postgres.dsn is required for the postgres driver")
		}
		if c.Registry.Postgres.MaxConns <= c.Remote.MaxConcurrent {
			return fmt.Errorf("registry.postgres.max_conns must exceed remote.max_concurrent (%d)", c.Remote.MaxConcurrent)
		}
	default:
		return fmt.Errorf("unknown registry.driver %q", c.Registry.Driver)
	}

	if c.Remote.DialTimeout <= 0 {
		return fmt.Errorf("remote.dial_timeout must be positive")
	}
	if c.Remote.CommandTimeout <= 0 {
		return fmt.Errorf("remote.command_timeout must be positive")
	}
	if c.Remote.SettleInterval < 0 {
		return fmt.Errorf("remote.settle_interval must not be negative")
	}
	if c.Remote.StartWait < time.Second {
		return fmt.Errorf("remote.start_wait must be at least 1s")
	}
	if c.Remote.MaxConcurrent <= 0 {
		return fmt.Errorf("remote.max_concurrent must be positive")
	}
	if !c.Remote.InsecureIgnoreHostKey && c.Remote.KnownHostsFile == "" {
		return fmt.Errorf("remote.known_hosts_file is required unless insecure_ignore_host_key is set")
	}

	if c.Reconcile.Enabled && c.Reconcile.Interval <= 0 {
		return fmt.Errorf("reconcile.interval must be positive when reconcile is enabled")
	}

	if c.Reports.CasePath == "" {
		return fmt.Errorf("reports.case_path is required")
	}

	return nil
}
