package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
)

// Backend names understood by Open.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config selects a backend.
type Config struct {
	Backend string `koanf:"backend" validate:"required,oneof=memory sqlite redis"`
	// DSN is the SQLite data source.
	DSN   string      `koanf:"dsn" validate:"required_if=Backend sqlite"`
	Redis RedisConfig `koanf:"redis"`
	// Breaker disables the circuit breaker when false.
	Breaker bool `koanf:"breaker"`
}

// RedisConfig is the Redis section of Config.
type RedisConfig struct {
	Addr        string `koanf:"addr"`
	Username    string `koanf:"username"`
	Password    string `koanf:"password"`
	DB          int    `koanf:"db" validate:"gte=0"`
	Prefix      string `koanf:"prefix"`
	DialTimeout string `koanf:"dial_timeout"`
}

// Open opens the configured backend, wrapped in a Breaker when enabled.
func Open(ctx context.Context, cfg Config, log logrus.FieldLogger) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Backend {
	case BackendMemory, "":
		s = NewMemoryStore()
	case BackendSQLite:
		s, err = OpenSQLite(ctx, cfg.DSN)
	case BackendRedis:
		var dial time.Duration
		if cfg.Redis.DialTimeout != "" {
			if dial, err = time.ParseDuration(cfg.Redis.DialTimeout); err != nil {
				return nil, errors.Wrap(err, "invalid redis dial timeout")
			}
		}
		s, err = OpenRedis(ctx, RedisOptions{
			Addr:        cfg.Redis.Addr,
			Username:    cfg.Redis.Username,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			Prefix:      cfg.Redis.Prefix,
			DialTimeout: dial,
		})
	default:
		return nil, errors.Newf("unknown store backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Breaker {
		s = NewBreaker(s, BreakerSettings{}, log)
	}
	return s, nil
}
