package catalog

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisPrefix = "zaprelay"

// RedisStore keeps all records in one Redis hash, "<prefix>:records".
type RedisStore struct {
	client *redis.Client
	key    string
	owned  bool
}

func NewRedisStore(addr, prefix string) (*RedisStore, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis_addr required for redis store")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis catalog: %w", err)
	}
	s := NewRedisStoreWithClient(client, prefix)
	s.owned = true
	return s, nil
}

// NewRedisStoreWithClient uses an existing client. Close leaves it open.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, key: prefix + ":records"}
}

func (s *RedisStore) Put(ctx context.Context, name string, rec Record) error {
	data, err := rec.MarshalText()
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, s.key, name, data).Err(); err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, name string) (Record, error) {
	data, err := s.client.HGet(ctx, s.key, name).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, notFound(name)
		}
		return Record{}, fmt.Errorf("get record: %w", err)
	}

	var rec Record
	if err := rec.UnmarshalText(data); err != nil {
		return Record{}, fmt.Errorf("record %s: %w", name, err)
	}
	return rec, nil
}

func (s *RedisStore) Delete(ctx context.Context, name string) error {
	n, err := s.client.HDel(ctx, s.key, name).Result()
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if n == 0 {
		return notFound(name)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	names, err := s.client.HKeys(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("list catalog: %w", err)
	}
	slices.Sort(names)
	return names, nil
}

func (s *RedisStore) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}
