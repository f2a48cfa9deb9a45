package kvstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each entry under "<prefix>:<namespace>:<key>". It
// lets several hosts share one cache and ledger.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and verifies the connection with a
// ping.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	if opts.Addr == "" {
		return nil, errors.New("kvstore: redis backend needs an address")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return newRedisStore(rdb, opts.Prefix), nil
}

func newRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "deckforge"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) key(namespace, key string) string {
	return s.prefix + ":" + namespace + ":" + key
}

// Get returns the value for namespace/key.
func (s *RedisStore) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	if err := validNamespace(namespace); err != nil {
		return nil, err
	}
	value, err := s.rdb.Get(ctx, s.key(namespace, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", namespace, err)
	}
	return value, nil
}

// Put sets the value. A Redis SET replaces the value atomically.
func (s *RedisStore) Put(ctx context.Context, namespace, key string, value []byte) error {
	if err := validNamespace(namespace); err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, s.key(namespace, key), value, 0).Err(); err != nil {
		return fmt.Errorf("put %s: %w", namespace, err)
	}
	return nil
}

// Delete removes the entry. Missing entries are not an error.
func (s *RedisStore) Delete(ctx context.Context, namespace, key string) error {
	if err := validNamespace(namespace); err != nil {
		return err
	}
	if err := s.rdb.Del(ctx, s.key(namespace, key)).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", namespace, err)
	}
	return nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
