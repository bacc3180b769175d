package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrRedisNotReady is returned when Redis cannot be reached at startup.
	ErrRedisNotReady = errors.New("ratelimit: redis not ready")

	// incrScript sets the expiry only on the first increment of a window.
	incrScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {current, redis.call("PTTL", KEYS[1])}
`)
)

// RedisStore shares counters across instances through Redis.
type RedisStore struct {
	client redis.Scripter
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.Scripter) *RedisStore {
	return &RedisStore{client: client}
}

// Connect parses url and pings Redis, retrying attempts times.
func Connect(ctx context.Context, url string, attempts int, interval time.Duration) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: parse redis url: %w", err)
	}

	for range max(attempts, 1) {
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err == nil {
			return client, nil
		}
		_ = client.Close()

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrRedisNotReady, ctx.Err())
		case <-time.After(interval):
		}
	}
	return nil, ErrRedisNotReady
}

// IncrementAndGet implements Store.
func (s *RedisStore) IncrementAndGet(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	res, err := incrScript.Run(ctx, s.client, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, err
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("unexpected script reply length %d", len(res))
	}
	return res[0], time.Duration(res[1]) * time.Millisecond, nil
}
