package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisLockPrefix = "hive:lock:v1:"

// unlockScript deletes the key only if it still holds our token, so an expired lock
// re-acquired by another holder is never released by us.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a distributed Locker backed by SET NX PX. The TTL bounds how long a crashed
// holder can keep a key; it must exceed the longest ledger operation.
type Redis struct {
	client  *redis.Client
	ttl     time.Duration
	backoff Backoff
	logger  *slog.Logger
}

// NewRedis builds a Redis-backed locker.
func NewRedis(client *redis.Client, ttl time.Duration, backoff Backoff, logger *slog.Logger) *Redis {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &Redis{client: client, ttl: ttl, backoff: backoff.withDefaults(), logger: logger}
}

// Lock acquires key, retrying with bounded backoff.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	cacheKey := redisLockPrefix + key
	token := uuid.NewString()

	err := r.backoff.Retry(ctx, func() (bool, error) {
		ok, err := r.client.SetNX(ctx, cacheKey, token, r.ttl).Result()
		if err != nil {
			return false, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		return ok, nil
	})
	if err != nil {
		return nil, err
	}

	return func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := unlockScript.Run(unlockCtx, r.client, []string{cacheKey}, token).Err(); err != nil && r.logger != nil {
			r.logger.Warn("release lock failed", slog.String("key", key), slog.Any("error", err))
		}
	}, nil
}
