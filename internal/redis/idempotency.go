package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyStore remembers which appointment an inbound command produced, so
// a redelivered command can be answered without repeating its side effects.
type IdempotencyStore interface {
	Lookup(ctx context.Context, key string) (value string, found bool, err error)
	Remember(ctx context.Context, key, value string) error
}

type redisIdempotencyStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisIdempotencyStore(client *redis.Client, ttl time.Duration) IdempotencyStore {
	return &redisIdempotencyStore{
		client: client,
		ttl:    ttl,
	}
}

func idempotencyKey(key string) string {
	return "idempotency:command:" + key
}

func (s *redisIdempotencyStore) Lookup(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, idempotencyKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup idempotency key: %w", err)
	}
	return val, true, nil
}

// Remember keeps the first value written for key; later writes are ignored.
func (s *redisIdempotencyStore) Remember(ctx context.Context, key, value string) error {
	if err := s.client.SetNX(ctx, idempotencyKey(key), value, s.ttl).Err(); err != nil {
		return fmt.Errorf("remember idempotency key: %w", err)
	}
	return nil
}
