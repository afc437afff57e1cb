package sqsrun

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultBackoffPrefix = "backoff:"

// hash field names of the persisted backoff entry
const (
	fieldRetryCount    = "retryCount"
	fieldLastFailure   = "lastFailureTime"
	fieldBaseDelay     = "baseDelay"
	fieldBaseDelayUnit = "baseDelayUnit"
	fieldStrategy      = "strategy"
)

// RedisBackoffStore keeps cool-down entries as Redis hashes under
// "<prefix><messageId>", so the gating window is shared across consumer
// replicas. The base delay is normalized to milliseconds on write and the
// unit field records "ms"; lastFailureTime is milliseconds since epoch
type RedisBackoffStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisBackoffStore wraps a go-redis client. An empty prefix defaults
// to "backoff:"
func NewRedisBackoffStore(client redis.Cmdable, prefix string) *RedisBackoffStore {
	if prefix == "" {
		prefix = defaultBackoffPrefix
	}

	return &RedisBackoffStore{client: client, prefix: prefix}
}

// CanProcess reports whether id has no entry or its cool-down has elapsed
func (s *RedisBackoffStore) CanProcess(ctx context.Context, id string) (bool, error) {
	vals, err := s.client.HGetAll(ctx, s.prefix+id).Result()
	if err != nil {
		return false, err
	}
	if len(vals) == 0 {
		return true, nil
	}

	entry := parseBackoffHash(vals)
	return !time.Now().Before(entry.nextRetry()), nil
}

// RecordFailure increments the retry count atomically, stamps the failure
// instant and returns the end of the new cool-down window
func (s *RedisBackoffStore) RecordFailure(ctx context.Context, id string, baseDelay time.Duration, strategy RetryStrategy) (time.Time, error) {
	key := s.prefix + id

	count, err := s.client.HIncrBy(ctx, key, fieldRetryCount, 1).Result()
	if err != nil {
		return time.Time{}, err
	}

	now := time.Now()
	err = s.client.HSet(ctx, key,
		fieldLastFailure, now.UnixMilli(),
		fieldBaseDelay, baseDelay.Milliseconds(),
		fieldBaseDelayUnit, string(UnitMillisecond),
		fieldStrategy, string(strategy),
	).Err()
	if err != nil {
		return time.Time{}, err
	}

	entry := backoffEntry{
		retryCount:  int(count),
		lastFailure: now,
		baseDelay:   baseDelay,
		strategy:    strategy,
	}
	return entry.nextRetry(), nil
}

// RetryCount returns the number of recorded failures for id
func (s *RedisBackoffStore) RetryCount(ctx context.Context, id string) (int, error) {
	val, err := s.client.HGet(ctx, s.prefix+id, fieldRetryCount).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	count, err := strconv.Atoi(val)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Clear removes the entry for id
func (s *RedisBackoffStore) Clear(ctx context.Context, id string) error {
	return s.client.Del(ctx, s.prefix+id).Err()
}

func parseBackoffHash(vals map[string]string) backoffEntry {
	count, _ := strconv.Atoi(vals[fieldRetryCount])
	lastMs, _ := strconv.ParseInt(vals[fieldLastFailure], 10, 64)
	delayMs, _ := strconv.ParseInt(vals[fieldBaseDelay], 10, 64)

	return backoffEntry{
		retryCount:  count,
		lastFailure: time.UnixMilli(lastMs),
		baseDelay:   time.Duration(delayMs) * time.Millisecond,
		strategy:    RetryStrategy(vals[fieldStrategy]),
	}
}
