package store

import (
	"context"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces every key the Redis store writes.
const DefaultRedisPrefix = "pluginhost:"

// RedisOptions configures a Redis connection.
type RedisOptions struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	Prefix       string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisStore persists each record as a hash and keeps an index set of ids.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// OpenRedis connects to Redis and verifies the connection with a ping.
func OpenRedis(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis: address is empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Username:     opts.Username,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "redis: failed to ping server")
	}
	return NewRedisStore(client, opts.Prefix), nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Client returns the underlying client, e.g. to share it with a scan cache.
func (s *RedisStore) Client() redis.UniversalClient {
	return s.client
}

func (s *RedisStore) key(id string) string { return s.prefix + "plugin:" + id }
func (s *RedisStore) index() string        { return s.prefix + "plugins" }

func (s *RedisStore) Save(ctx context.Context, r *Record) error {
	e, err := encodeRecord(r)
	if err != nil {
		return err
	}
	key := s.key(r.ID())
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		fields := map[string]interface{}{"record": e.record}
		if len(e.artifact) > 0 {
			fields["artifact"] = e.artifact
		}
		pipe.HSet(ctx, key, fields)
		pipe.SAdd(ctx, s.index(), r.ID())
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "redis: failed to save %s", r.ID())
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, id string) (*Record, error) {
	fields, err := s.client.HGetAll(ctx, s.key(id)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "redis: failed to load %s", id)
	}
	rec, ok := fields["record"]
	if !ok {
		return nil, notFound(id)
	}
	return decodeRecord(encoded{record: []byte(rec), artifact: []byte(fields["artifact"])})
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.key(id))
		pipe.SRem(ctx, s.index(), id)
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "redis: failed to delete %s", id)
	}
	if del.Val() == 0 {
		return notFound(id)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]*Record, error) {
	ids, err := s.client.SMembers(ctx, s.index()).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis: failed to list plugins")
	}
	sort.Strings(ids)

	var corrupt error
	out := make([]*Record, 0, len(ids))
	for _, id := range ids {
		r, err := s.Load(ctx, id)
		if errors.Is(err, ErrNotFound) || skipCorrupt(&corrupt, id, err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, corrupt
}

// Ping verifies the server is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, "redis: ping failed")
	}
	return nil
}

func (s *RedisStore) Close() error {
	if err := s.client.Close(); err != nil {
		return errors.Wrap(err, "redis: failed to close connection")
	}
	return nil
}
