package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// redisStore is the Redis implementation of Store.
type redisStore struct {
	client *redis.Client
}

// NewRedis connects to the Redis instance at addr ("host:port") and
// returns a Store backed by it. The connection is verified with a ping
// before returning so a misconfigured address fails at startup rather
// than on first use.
func NewRedis(ctx context.Context, addr string, db int) (Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: failed to connect to redis at %s: %w", addr, err)
	}

	return &redisStore{client: client}, nil
}

func (s *redisStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("store: hset %s: %w", key, err)
	}
	return nil
}

func (s *redisStore) HSetField(ctx context.Context, key, field, value string) error {
	if err := s.client.HSet(ctx, key, field, value).Err(); err != nil {
		return fmt.Errorf("store: hset %s %s: %w", key, field, err)
	}
	return nil
}

func (s *redisStore) HSetNX(ctx context.Context, key, field, value string) (bool, error) {
	ok, err := s.client.HSetNX(ctx, key, field, value).Result()
	if err != nil {
		return false, fmt.Errorf("store: hsetnx %s %s: %w", key, field, err)
	}
	return ok, nil
}

func (s *redisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("store: hgetall %s: %w", key, err)
	}
	return fields, nil
}

func (s *redisStore) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.SAdd(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("store: sadd %s: %w", key, err)
	}
	return nil
}

func (s *redisStore) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.SRem(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("store: srem %s: %w", key, err)
	}
	return nil
}

func (s *redisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("store: smembers %s: %w", key, err)
	}
	return members, nil
}

func (s *redisStore) LPush(ctx context.Context, key string, values ...string) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	if err := s.client.LPush(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("store: lpush %s: %w", key, err)
	}
	return nil
}

func (s *redisStore) RPush(ctx context.Context, key string, values ...string) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	if err := s.client.RPush(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("store: rpush %s: %w", key, err)
	}
	return nil
}

func (s *redisStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	if err := s.client.LTrim(ctx, key, start, stop).Err(); err != nil {
		return fmt.Errorf("store: ltrim %s: %w", key, err)
	}
	return nil
}

func (s *redisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	values, err := s.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("store: lrange %s: %w", key, err)
	}
	return values, nil
}

func (s *redisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("store: exists %s: %w", key, err)
	}
	return n > 0, nil
}

func (s *redisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("store: del: %w", err)
	}
	return nil
}

func (s *redisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
