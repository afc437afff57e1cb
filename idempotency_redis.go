package sqsrun

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultIdempotencyPrefix = "idempotency:"

// RedisIdempotencyStore keeps processed marks as string values with a
// server-enforced TTL, so the deduplication window is shared across every
// consumer replica pointed at the same Redis
type RedisIdempotencyStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisIdempotencyStore wraps a go-redis client. An empty prefix
// defaults to "idempotency:"
func NewRedisIdempotencyStore(client redis.Cmdable, prefix string) *RedisIdempotencyStore {
	if prefix == "" {
		prefix = defaultIdempotencyPrefix
	}

	return &RedisIdempotencyStore{client: client, prefix: prefix}
}

// HasProcessed reduces to a key existence check; Redis expires the key
// server side once the TTL elapses
func (s *RedisIdempotencyStore) HasProcessed(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+id).Result()
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

// MarkProcessed (re)sets the mark with the given TTL. The stored value is
// opaque; only key presence matters
func (s *RedisIdempotencyStore) MarkProcessed(ctx context.Context, id string, ttl time.Duration) error {
	return s.client.Set(ctx, s.prefix+id, "1", ttl).Err()
}

// Remove clears the mark for id
func (s *RedisIdempotencyStore) Remove(ctx context.Context, id string) error {
	return s.client.Del(ctx, s.prefix+id).Err()
}
