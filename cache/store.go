package cache

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	"musicmashup/logger"
)

// Store is the byte-level cache backend. A miss is (nil, nil).
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// RedisStore adapts a go-redis client. Reads are retried with backoff and
// a final failure degrades to a miss so callers recompute.
type RedisStore struct {
	client     *redis.Client
	maxRetries int
	retryDelay time.Duration
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, maxRetries: 2, retryDelay: 100 * time.Millisecond}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	delay := s.retryDelay
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		data, err := s.client.Get(ctx, key).Bytes()
		if err == nil {
			return data, nil
		}
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if attempt < s.maxRetries-1 {
			logger.Warn("cache read failed, retrying",
				logger.String("key", key),
				logger.Int("attempt", attempt+1),
				logger.ErrorField(err))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			continue
		}
		logger.Error("cache read failed", logger.String("key", key), logger.ErrorField(err))
	}
	return nil, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		logger.Error("cache write failed",
			logger.String("key", key),
			logger.Int("dataSize", len(data)),
			logger.ErrorField(err))
		return err
	}
	return nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}
