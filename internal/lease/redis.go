package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX, so leases are shared by
// every process pointed at the same Redis.
type RedisLocker struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisLocker creates a Redis-backed locker. Keys are namespaced under
// "lease:".
func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{rdb: rdb, prefix: "lease:"}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	token := uuid.NewString()
	full := l.prefix + key

	ok, err := l.rdb.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrHeld
	}

	return &Lease{
		Key:   key,
		Token: token,
		release: func(ctx context.Context) error {
			if err := releaseScript.Run(ctx, l.rdb, []string{full}, token).Err(); err != nil {
				return fmt.Errorf("release %s: %w", key, err)
			}
			return nil
		},
	}, nil
}
