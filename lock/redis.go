package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// Redis is a Locker backed by redislock. Each key is obtained with a TTL so
// a crashed holder cannot block the key forever.
type Redis struct {
	client *redislock.Client
	ttl    time.Duration
	prefix string
	retry  redislock.RetryStrategy
}

// NewRedis wraps an existing go-redis client. Keys are namespaced under
// "leadvault:lock:".
func NewRedis(rdb redis.UniversalClient, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &Redis{
		client: redislock.New(rdb),
		ttl:    ttl,
		prefix: "leadvault:lock:",
		retry:  redislock.LimitRetry(redislock.LinearBackoff(50*time.Millisecond), int(ttl/(50*time.Millisecond))),
	}
}

// Dial connects to addr and verifies the connection with PING.
func Dial(ctx context.Context, addr string, ttl time.Duration) (*Redis, redis.UniversalClient, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return NewRedis(rdb, ttl), rdb, nil
}

func (r *Redis) Acquire(ctx context.Context, keys ...string) (func(), error) {
	keys = normalizeKeys(keys)
	held := make([]*redislock.Lock, 0, len(keys))

	release := func() {
		// Release with a fresh context: the caller's may already be done.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for i := len(held) - 1; i >= 0; i-- {
			_ = held[i].Release(rctx)
		}
		held = held[:0]
	}

	for _, k := range keys {
		l, err := r.client.Obtain(ctx, r.prefix+k, r.ttl, &redislock.Options{RetryStrategy: r.retry})
		if err != nil {
			release()
			if errors.Is(err, redislock.ErrNotObtained) {
				return func() {}, fmt.Errorf("%w: %s", ErrNotObtained, k)
			}
			return func() {}, fmt.Errorf("obtain %s: %w", k, err)
		}
		held = append(held, l)
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}
